package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MEKXH/deskhand/internal/approval"
	"github.com/MEKXH/deskhand/internal/audit"
	"github.com/MEKXH/deskhand/internal/ledger"
	"github.com/MEKXH/deskhand/internal/metrics"
	"github.com/MEKXH/deskhand/internal/runloop"
	"github.com/MEKXH/deskhand/internal/vault"
)

const defaultRecent = 10

// Dashboard is the only writer of Dashboard.md.
type Dashboard struct {
	ledger  *ledger.Ledger
	audit   *audit.Logger
	store   *approval.Store
	metrics *metrics.Recorder
	recent  int
	now     func() time.Time
}

// New creates a dashboard writer.
func New(l *ledger.Ledger, logger *audit.Logger, store *approval.Store, rec *metrics.Recorder, recent int) *Dashboard {
	if recent <= 0 {
		recent = defaultRecent
	}
	return &Dashboard{
		ledger:  l,
		audit:   logger,
		store:   store,
		metrics: rec,
		recent:  recent,
		now:     time.Now,
	}
}

// WithClock overrides the dashboard clock.
func (d *Dashboard) WithClock(now func() time.Time) *Dashboard {
	if now != nil {
		d.now = now
	}
	return d
}

// Refresh rewrites Dashboard.md.
func (d *Dashboard) Refresh(context.Context) error {
	data, err := d.Render()
	if err != nil {
		return err
	}
	return vault.WriteFileAtomic(d.ledger.Vault().DashboardPath(), data, 0o644)
}

// Run refreshes every interval until ctx is done.
func (d *Dashboard) Run(ctx context.Context, interval time.Duration) error {
	return runloop.Every(ctx, "dashboard", interval, d.Refresh)
}

// Render builds the dashboard document.
func (d *Dashboard) Render() ([]byte, error) {
	now := d.now()
	var b strings.Builder
	b.WriteString("# Deskhand\n\n")
	fmt.Fprintf(&b, "_Updated %s_\n\n", now.UTC().Format(time.RFC3339))

	b.WriteString("## Pipeline\n\n| State | Items |\n|---|---|\n")
	counts := d.ledger.Counts()
	for _, s := range vault.States {
		fmt.Fprintf(&b, "| %s | %d |\n", s, counts[s])
	}

	b.WriteString("\n## Waiting for you\n\n")
	pending, err := d.store.Scan(approval.StatusPending)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		b.WriteString("Nothing to approve.\n")
	}
	for _, loc := range pending {
		if loc.Err != nil {
			fmt.Fprintf(&b, "- `%s` is malformed: %v\n", approval.FileName(loc.ID), loc.Err)
			continue
		}
		req := loc.Request
		fmt.Fprintf(&b, "- `%s` %s for %s, expires %s\n",
			approval.FileName(loc.ID), req.ActionKind, req.WorkItemName, req.ExpiresAt.UTC().Format("2006-01-02 15:04"))
	}

	b.WriteString("\n## Recent activity\n\n")
	entries, err := d.audit.ReadDay(now)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		b.WriteString("No activity today.\n")
	}
	if len(entries) > d.recent {
		entries = entries[len(entries)-d.recent:]
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fmt.Fprintf(&b, "- %s `%s` %s: %s (%s)\n",
			e.Timestamp.UTC().Format("15:04:05"), shortID(e.WorkItemID), e.EventType, e.Detail, e.Outcome)
	}

	if snap := d.metrics.Snapshot(); snap.HasData() {
		b.WriteString("\n## Metrics\n\n")
		fmt.Fprintf(&b, "- Transitions: %d\n", snap.TransitionTotal())
		fmt.Fprintf(&b, "- Dispatches: %d (errors %d, timeouts %d)\n", snap.Dispatch.Total, snap.Dispatch.Errors, snap.Dispatch.Timeouts)
		fmt.Fprintf(&b, "- Dispatch latency: avg %.0fms, p95 %dms\n", snap.Dispatch.AvgLatencyMs(), snap.Dispatch.P95ProxyLatencyMs)
		fmt.Fprintf(&b, "- Notifications: %d (failed %d)\n", snap.Notify.Attempts, snap.Notify.Failures)
	}
	return []byte(b.String()), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
