package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/MEKXH/deskhand/internal/audit"
	"github.com/spf13/cobra"
)

func NewAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the audit log",
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print audit entries for a day or a work item",
		RunE:  runAuditShow,
	}
	show.Flags().String("day", "", "UTC day YYYY-MM-DD (default today)")
	show.Flags().String("item", "", "Work item id")
	cmd.AddCommand(show)
	return cmd
}

func runAuditShow(cmd *cobra.Command, args []string) error {
	var dayFlag, itemFlag string
	if cmd != nil {
		dayFlag, _ = cmd.Flags().GetString("day")
		itemFlag, _ = cmd.Flags().GetString("item")
	}

	ws, err := openWorkspace()
	if err != nil {
		return err
	}

	var entries []audit.Entry
	if id := strings.TrimSpace(itemFlag); id != "" {
		entries, err = ws.audit.ReadItem(id)
	} else {
		day := time.Now().UTC()
		if raw := strings.TrimSpace(dayFlag); raw != "" {
			day, err = time.Parse("2006-01-02", raw)
			if err != nil {
				return fmt.Errorf("invalid --day %q: %w", raw, err)
			}
		}
		entries, err = ws.audit.ReadDay(day)
	}
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("No audit entries.")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s %-18s %-8s %s %s\n", e.Timestamp.UTC().Format(time.RFC3339), e.EventType, e.Outcome, e.WorkItemID, e.Detail)
	}
	return nil
}
