// Package cmd provides the CLI commands for Candor.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/candorlabs/candor/internal/api"
	"github.com/candorlabs/candor/internal/appdir"
	"github.com/candorlabs/candor/internal/config"
	"github.com/candorlabs/candor/internal/logging"
	"github.com/candorlabs/candor/internal/secrets"
)

var (
	// Global flags
	configPath    string
	serverURL     string
	debug         bool
	logLevel      string
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "candor",
	Short: "Candor - client tooling for the Candor assistant backend",
	Long: `Candor is the command-line client for the Candor assistant backend.

It streams model-generated answers token by token, keeps a resilient
push channel open for notifications, and coordinates multiple client
instances so exactly one of them holds the live connection.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		// Priority: --log-level flag > --debug flag > config > default (info)
		effectiveLogLevel := ""
		if logLevel != "" {
			effectiveLogLevel = logLevel
		} else if debug {
			effectiveLogLevel = "debug"
		}
		var components []string
		if logComponents != "" {
			for _, c := range strings.Split(logComponents, ",") {
				c = strings.TrimSpace(c)
				if c != "" {
					components = append(components, c)
				}
			}
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create Candor directory: %w", err)
		}

		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
			}
		} else {
			// settings.json plus ~/.candorrc overrides
			cfg, err = config.LoadSettings()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
		}
		if serverURL != "" {
			cfg.Server.URL = serverURL
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		if effectiveLogLevel == "" {
			effectiveLogLevel = cfg.Logging.Level
		}
		effectiveLogFile := logFile
		if effectiveLogFile == "" {
			effectiveLogFile = cfg.Logging.File
		}
		if len(components) == 0 {
			components = cfg.Logging.Components
		}
		if err := logging.Initialize(logging.Config{
			Level:      effectiveLogLevel,
			FilePath:   effectiveLogFile,
			JSON:       cfg.Logging.JSON,
			Components: components,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (YAML or JSON format, overrides settings.json)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Backend base URL (overrides configuration)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'realtime,tabs'). Empty means all components.")
}

// resolveToken returns the bearer token from the configured environment
// variable, falling back to the OS credential store. An empty token is
// allowed; the backend simply sees unauthenticated requests.
func resolveToken() string {
	if token, ok := cfg.BearerToken(); ok {
		return token
	}
	token, err := secrets.GetBearerToken()
	if err != nil {
		logging.Get().Debug("no stored bearer token", "error", err)
		return ""
	}
	return token
}

// newAPIClient builds the backend client from the loaded configuration.
func newAPIClient() *api.Client {
	opts := []api.Option{}
	if cfg.Server.APIPrefix != "" {
		opts = append(opts, api.WithAPIPrefix(cfg.Server.APIPrefix))
	}
	if token := resolveToken(); token != "" {
		opts = append(opts, api.WithBearerToken(token))
	}
	return api.New(cfg.Server.URL, opts...)
}
