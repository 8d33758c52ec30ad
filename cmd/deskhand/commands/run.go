package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/MEKXH/deskhand/internal/supervisor"
	"github.com/spf13/cobra"
)

func NewRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the Deskhand supervisor",
		RunE:  runServer,
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sup, err := supervisor.Build(ctx, cfg)
	if err != nil {
		return err
	}

	fmt.Printf("Deskhand running. Vault: %s\n", sup.Vault.Root())
	if sup.Gateway != nil {
		fmt.Printf("Status API: http://%s\n", sup.Gateway.Addr())
	}
	fmt.Println("Press Ctrl+C to stop.")

	return sup.Run(ctx)
}
