package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/MEKXH/deskhand/internal/approval"
	"github.com/spf13/cobra"
)

func NewApprovalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Manage approval requests",
	}

	cmd.AddCommand(
		newApprovalListCmd(),
		newApprovalApproveCmd(),
		newApprovalRejectCmd(),
	)

	return cmd
}

func newApprovalListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE:  runApprovalList,
	}
	cmd.Flags().String("status", string(approval.StatusPending), "pending|approved|rejected|all")
	return cmd
}

func newApprovalApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprovalApprove,
	}
}

func newApprovalRejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprovalReject,
	}
}

func runApprovalList(cmd *cobra.Command, args []string) error {
	status := approval.StatusPending
	if cmd != nil {
		raw, _ := cmd.Flags().GetString("status")
		raw = strings.ToLower(strings.TrimSpace(raw))
		switch raw {
		case "all":
			status = ""
		case string(approval.StatusPending), string(approval.StatusApproved), string(approval.StatusRejected):
			status = approval.RequestStatus(raw)
		default:
			return fmt.Errorf("unknown status %q", raw)
		}
	}

	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	located, err := ws.gate.List(status)
	if err != nil {
		return err
	}
	if len(located) == 0 {
		if status == approval.StatusPending {
			fmt.Println("No pending approvals.")
		} else {
			fmt.Println("No approvals.")
		}
		return nil
	}

	sort.Slice(located, func(i, j int) bool { return located[i].ModTime.Before(located[j].ModTime) })
	for _, loc := range located {
		if loc.Err != nil {
			fmt.Printf("%s %s unreadable: %v\n", loc.ID, loc.Location, loc.Err)
			continue
		}
		req := loc.Request
		fmt.Printf("%s %s %s %s expires %s\n", loc.ID, loc.Location, req.ActionKind, req.WorkItemName, req.ExpiresAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func runApprovalApprove(cmd *cobra.Command, args []string) error {
	return runApprovalDecision(args[0], true)
}

func runApprovalReject(cmd *cobra.Command, args []string) error {
	return runApprovalDecision(args[0], false)
}

func runApprovalDecision(id string, approve bool) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	id = strings.TrimSpace(id)

	if approve {
		if _, err := ws.gate.Approve(id); err != nil {
			return err
		}
		fmt.Printf("Approval %s approved.\n", id)
		return nil
	}

	if _, err := ws.gate.Reject(id); err != nil {
		return err
	}
	fmt.Printf("Approval %s rejected.\n", id)
	return nil
}
