package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/candorlabs/candor/internal/appdir"
	"github.com/candorlabs/candor/internal/backoff"
	"github.com/candorlabs/candor/internal/logging"
	"github.com/candorlabs/candor/internal/notify"
	"github.com/candorlabs/candor/internal/realtime"
	"github.com/candorlabs/candor/internal/shutdown"
	"github.com/candorlabs/candor/internal/tabs"
)

var watchChannels []string

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run a tab and print notification state changes",
	Long: `Register this process as a tab and watch notifications.

Tabs of the same user elect one leader among themselves; only the
leader opens the push channel, and every tab mirrors the replicated
notification state. Run several "candor watch" processes to see the
election and failover in action.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringSliceVar(&watchChannels, "channels", []string{
		realtime.ChannelNotifications,
		realtime.ChannelAdminDashboard,
		realtime.ChannelModerationQueue,
	}, "Push channels to subscribe to")
}

// watchTab owns one running tab: the coordinator plus, while leading, a
// live connection manager.
type watchTab struct {
	ctx    context.Context
	router *notify.Router

	mu      sync.Mutex
	manager *realtime.Manager
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rules, err := notify.CompileRules(cfg.AlertRules)
	if err != nil {
		return fmt.Errorf("invalid alert rules: %w", err)
	}

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

	bus := tabs.NewMemoryBus()
	coordinator := tabs.NewCoordinator(registry, bus)

	router := notify.NewRouter(newAPIClient(), bus, registry.Self().TabID,
		notify.WithRules(rules))
	router.Start()

	tab := &watchTab{ctx: ctx, router: router}

	log := logging.WithTab(logging.Tabs(), registry.Self().TabID, false)

	router.OnUpdate(func(state notify.SyncedState) {
		fmt.Printf("🔔 unread=%d items=%d alerts=%d moderation_queue=%d\n",
			state.UnreadCount, len(state.Items), len(state.Alerts), state.ModerationQueueSize)
	})

	coordinator.OnRoleChange(func(old, next tabs.Role) {
		fmt.Printf("👑 role: %s -> %s\n", old, next)
		switch next {
		case tabs.RoleLeader:
			router.SetLeading(true)
			tab.startManager()
		case tabs.RoleDegraded:
			log.Warn("tab registry unreachable, leadership unknown")
			fallthrough
		default:
			router.SetLeading(false)
			tab.stopManager()
		}
	})

	if err := coordinator.Start(); err != nil {
		return fmt.Errorf("failed to start tab: %w", err)
	}

	sm := shutdown.NewManager()
	sm.AddCleanup(func(string) { tab.stopManager() })
	sm.AddCleanup(func(string) { coordinator.Stop() })
	sm.AddCleanup(func(string) { router.Close() })
	sm.AddCleanup(func(string) { cancel() })
	sm.Start()

	fmt.Printf("👀 Watching as tab %s (Ctrl+C to exit)\n", registry.Self().TabID)
	<-sm.Done()
	fmt.Println("\n👋 Shutting down...")
	return nil
}

// startManager opens the push channel. Called on promotion; the bounded
// window with no connection while the dial is in flight is accepted.
func (t *watchTab) startManager() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.manager != nil {
		return
	}

	client := newAPIClient()
	policy := backoff.Policy{
		Base:        cfg.Realtime.BackoffBase(),
		Multiplier:  2,
		Cap:         cfg.Realtime.BackoffCap(),
		Jitter:      0.2,
		MaxAttempts: cfg.Realtime.MaxAttempts,
	}

	m := realtime.NewManager(client.EventsURL(),
		realtime.WithHeader(client.BearerHeader()),
		realtime.WithBackoff(policy),
		realtime.WithHeartbeat(cfg.Realtime.HeartbeatInterval(), cfg.Realtime.MissedHeartbeats),
		realtime.WithHandler(t.router.HandleEnvelope),
	)
	m.OnStateChange(func(old, next realtime.State) {
		fmt.Printf("🔌 connection: %s -> %s\n", old, next)
		if next == realtime.StateConnected {
			if err := m.Subscribe(watchChannels...); err != nil {
				logging.Realtime().Warn("subscribe failed", "error", err)
			}
			go func() {
				if err := t.router.LoadSnapshot(t.ctx); err != nil {
					logging.Notify().Warn("snapshot load failed", "error", err)
				}
			}()
		}
	})

	if err := m.Connect(t.ctx); err != nil {
		logging.Realtime().Error("failed to start push channel", "error", err)
		return
	}
	t.manager = m
}

// stopManager tears the push channel down. Called on demotion and exit.
func (t *watchTab) stopManager() {
	t.mu.Lock()
	m := t.manager
	t.manager = nil
	t.mu.Unlock()
	if m != nil {
		m.Disconnect()
	}
}
