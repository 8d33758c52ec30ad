package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/MEKXH/deskhand/internal/approval"
	"github.com/MEKXH/deskhand/internal/metrics"
	"github.com/MEKXH/deskhand/internal/state"
	"github.com/MEKXH/deskhand/internal/vault"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#8E4EC6")).
			Padding(0, 1).
			MarginBottom(1)
	sectionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#8E4EC6")).Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(18)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#2E8B57"))
	offStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#D08770"))
)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show vault, pipeline and integration status",
		RunE:  runStatus,
	}
}

func section(title string) {
	fmt.Printf("\n%s\n", sectionStyle.Render(title))
}

func row(label, value string) {
	fmt.Printf("  %s %s\n", labelStyle.Render(label), value)
}

func enabled(on bool, detail string) string {
	if !on {
		return offStyle.Render("disabled")
	}
	if detail == "" {
		return okStyle.Render("enabled")
	}
	return okStyle.Render("enabled") + " (" + detail + ")"
}

func runStatus(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	cfg := ws.cfg

	fmt.Println(headerStyle.Render("Deskhand Status"))

	section("Config")
	configStatus := okStyle.Render("OK")
	if _, err := os.Stat(resolvedConfigPath()); err != nil {
		configStatus = warnStyle.Render("not found (run 'deskhand init')")
	}
	row("Path:", resolvedConfigPath())
	row("Status:", configStatus)
	row("Vault:", ws.vault.Root())

	section("Pipeline")
	counts := ws.ledger.Counts()
	for _, s := range vault.States {
		n := counts[s]
		value := fmt.Sprintf("%d", n)
		if n > 0 && (s == vault.PendingApproval || s == vault.Failed) {
			value = warnStyle.Render(value)
		}
		row(string(s)+":", value)
	}
	pending, err := ws.gate.List(approval.StatusPending)
	if err != nil {
		return err
	}
	row("Awaiting you:", fmt.Sprintf("%d approval(s)", len(pending)))

	section("Sources")
	row("Drop folder:", enabled(cfg.Intake.Enabled, ws.vault.Dir(vault.Inbox)))
	mailDetail := ""
	if cfg.Mailbox.Enabled {
		mailDetail = fmt.Sprintf("every %ds, labels %s", cfg.Mailbox.PollInterval, strings.Join(cfg.Mailbox.Labels, ","))
		if st, err := state.NewManager(ws.vault.StatePath("")).LoadMailboxState(); err == nil && !st.LastSuccessAt.IsZero() {
			mailDetail += ", last success " + st.LastSuccessAt.Local().Format("2006-01-02 15:04")
			if st.LastError != "" {
				mailDetail += ", last error: " + st.LastError
			}
		}
	}
	row("Mailbox:", enabled(cfg.Mailbox.Enabled, mailDetail))

	section("Reasoning")
	row("Generator:", cfg.Reasoning.Generator)
	if cfg.Reasoning.Generator == "model" {
		row("Model:", cfg.Reasoning.Provider+"/"+cfg.Reasoning.Model)
	}
	kinds := "built-in"
	if len(cfg.Policy.SensitiveKinds) > 0 {
		kinds += " + " + strings.Join(cfg.Policy.SensitiveKinds, ",")
	}
	row("Sensitive kinds:", kinds)
	row("Spend threshold:", fmt.Sprintf("%.2f", cfg.Policy.SpendThreshold))
	row("Approval TTL:", cfg.Approval.TTLDuration().String())

	section("Integrations")
	row("Telegram:", enabled(cfg.Telegram.Enabled, cfg.Telegram.Channel))
	row("Briefing:", enabled(cfg.Briefing.Enabled, cfg.Briefing.Schedule))
	gatewayDetail := cfg.Gateway.Address()
	if cfg.Gateway.Token == "" {
		gatewayDetail += ", no token"
	}
	row("Status API:", enabled(cfg.Gateway.Enabled, gatewayDetail))

	section("Runtime Metrics")
	snap, err := metrics.Read(ws.vault.StatePath(metrics.FileName))
	if err != nil || !snap.HasData() {
		row("Status:", offStyle.Render("no runtime data yet"))
		return nil
	}
	row("Transitions:", fmt.Sprintf("%d", snap.TransitionTotal()))
	row("Dispatches:", fmt.Sprintf("%d (errors %d, %.0f%%; timeouts %d)", snap.Dispatch.Total, snap.Dispatch.Errors, snap.Dispatch.ErrorRatio()*100, snap.Dispatch.Timeouts))
	row("Latency:", fmt.Sprintf("avg %.0fms, p95~%dms", snap.Dispatch.AvgLatencyMs(), snap.Dispatch.P95ProxyLatencyMs))
	row("Notifications:", fmt.Sprintf("%d sent, %d failed", snap.Notify.Attempts-snap.Notify.Failures, snap.Notify.Failures))
	return nil
}
