package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and repair the work item ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild the ledger from the vault and report differences",
		RunE:  runLedgerReconcile,
	})
	return cmd
}

func runLedgerReconcile(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	report, err := ws.ledger.Reconcile()
	if err != nil {
		return err
	}
	fmt.Printf("Checked %d work items.\n", report.Checked)
	if len(report.Discrepancies) == 0 {
		fmt.Println("No discrepancies.")
		return nil
	}
	for _, d := range report.Discrepancies {
		disk := string(d.Disk)
		if disk == "" {
			disk = "missing"
		}
		snap := string(d.Snapshot)
		if snap == "" {
			snap = "untracked"
		}
		fmt.Printf("  %s %s: %s -> %s\n", d.ID, d.Name, snap, disk)
	}
	return nil
}
