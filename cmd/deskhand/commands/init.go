package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/MEKXH/deskhand/internal/config"
	"github.com/MEKXH/deskhand/internal/vault"
	"github.com/spf13/cobra"
)

const welcomeNote = `---
action_kind: note
---
Welcome to Deskhand. Drop files into Inbox/ and they will be planned and
handled. Anything sensitive waits in PendingApproval/ for you.
`

func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize Deskhand configuration and vault",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	path := resolvedConfigPath()

	cfg := config.DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		loaded, err := config.LoadFrom(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	} else if err := config.SaveTo(path, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	v := vault.New(cfg.Vault.Path)
	if err := v.Init(); err != nil {
		return fmt.Errorf("failed to create vault: %w", err)
	}

	readme := filepath.Join(v.Root(), "WELCOME.md")
	if _, err := os.Stat(readme); os.IsNotExist(err) {
		_ = os.WriteFile(readme, []byte(welcomeNote), 0644)
	}

	fmt.Printf("Deskhand initialized!\n")
	fmt.Printf("Config: %s\n", path)
	fmt.Printf("Vault:  %s\n", v.Root())
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("1. Edit %s to enable the mailbox, telegram or a model provider\n", path)
	fmt.Printf("2. Run 'deskhand run' and drop a file into %s\n", v.Dir(vault.Inbox))

	return nil
}
