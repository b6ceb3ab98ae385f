package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/candorlabs/candor/internal/secrets"
)

// tokenCmd groups bearer token management.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the stored bearer token",
	Long: `Manage the bearer token used to authenticate against the backend.

The token is stored in the OS credential store where available, and in
a permission-restricted file under the Candor directory otherwise.
Token issuance and refresh happen outside this tool; paste a token
obtained from the Candor web interface.`,
}

var tokenSetCmd = &cobra.Command{
	Use:   "set [token]",
	Short: "Store a bearer token",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			fmt.Print("Token: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read token: %w", err)
			}
			token = strings.TrimSpace(line)
		}
		if token == "" {
			return fmt.Errorf("empty token")
		}
		if err := secrets.SetBearerToken(token); err != nil {
			return fmt.Errorf("failed to store token: %w", err)
		}
		fmt.Println("✅ Token stored")
		return nil
	},
}

var tokenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the stored bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := secrets.DeleteBearerToken(); err != nil {
			return fmt.Errorf("failed to delete token: %w", err)
		}
		fmt.Println("✅ Token deleted")
		return nil
	},
}

var tokenShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show whether a token is stored",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := secrets.GetBearerToken()
		if err != nil || token == "" {
			fmt.Println("No token stored.")
			return nil
		}
		// Never print the token itself.
		fmt.Printf("Token stored (%d characters).\n", len(token))
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenSetCmd)
	tokenCmd.AddCommand(tokenClearCmd)
	tokenCmd.AddCommand(tokenShowCmd)
	rootCmd.AddCommand(tokenCmd)
}
