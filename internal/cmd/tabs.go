package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/candorlabs/candor/internal/appdir"
	"github.com/candorlabs/candor/internal/tabs"
)

// tabsCmd represents the tabs command
var tabsCmd = &cobra.Command{
	Use:   "tabs",
	Short: "List live tabs and the current leader",
	RunE:  runTabs,
}

func init() {
	rootCmd.AddCommand(tabsCmd)
}

func runTabs(cmd *cobra.Command, args []string) error {
	tabsDir, err := appdir.TabsDir()
	if err != nil {
		return fmt.Errorf("failed to resolve tabs directory: %w", err)
	}
	registry, err := tabs.NewRegistry(tabsDir,
		tabs.WithHeartbeatInterval(cfg.Tabs.HeartbeatInterval()),
		tabs.WithStaleTimeout(cfg.Tabs.LeaderTimeout()),
	)
	if err != nil {
		return err
	}

	live, err := registry.Live()
	if err != nil {
		return fmt.Errorf("failed to read tab registry: %w", err)
	}
	if len(live) == 0 {
		fmt.Println("No live tabs.")
		return nil
	}

	leader, _ := tabs.Leader(live)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TAB ID\tPID\tHOST\tREGISTERED\tLAST HEARTBEAT\tROLE")
	for _, id := range live {
		role := "follower"
		if id.TabID == leader.TabID {
			role = "leader"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			id.TabID,
			id.PID,
			id.Hostname,
			id.RegisteredAt.Local().Format(time.RFC3339),
			time.Since(id.Heartbeat).Round(time.Second).String()+" ago",
			role)
	}
	return w.Flush()
}
