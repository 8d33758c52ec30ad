package commands

import (
	"fmt"
	"strings"

	"github.com/MEKXH/deskhand/internal/config"
	"github.com/spf13/cobra"
)

var (
	logLevelOverride string
	configPath       string
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deskhand",
		Short: "Deskhand - a personal digital employee",
		Long: `Deskhand watches a drop folder and a mailbox, plans each piece of work,
asks before doing anything sensitive and keeps an audit trail in a plain vault.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" || cmd.Name() == "version" {
				return configureLogger(config.DefaultConfig(), logLevelOverride)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.deskhand/config.json)")

	cmd.AddCommand(
		NewInitCmd(),
		NewRunCmd(),
		NewStatusCmd(),
		NewApprovalCmd(),
		NewLedgerCmd(),
		NewAuditCmd(),
		NewVersionCmd(),
	)

	return cmd
}

func resolvedConfigPath() string {
	if p := strings.TrimSpace(configPath); p != "" {
		return p
	}
	return config.ConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFrom(resolvedConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
