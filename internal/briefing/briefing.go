package briefing

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/MEKXH/deskhand/internal/audit"
	"github.com/MEKXH/deskhand/internal/ledger"
	"github.com/MEKXH/deskhand/internal/vault"
	"github.com/adhocore/gronx"
)

const (
	dayLayout = "2006-01-02"
	window    = 24 * time.Hour
	// Items waiting longer than this in a non-terminal state are called out.
	stallAfter = 24 * time.Hour
)

// Briefer writes the daily briefing to Briefings/YYYY-MM-DD.md.
type Briefer struct {
	ledger   *ledger.Ledger
	audit    *audit.Logger
	schedule string
	now      func() time.Time
}

// New creates a briefer firing on the cron expression schedule.
func New(l *ledger.Ledger, logger *audit.Logger, schedule string) *Briefer {
	return &Briefer{ledger: l, audit: logger, schedule: schedule, now: time.Now}
}

// WithClock overrides the briefer clock.
func (b *Briefer) WithClock(now func() time.Time) *Briefer {
	if now != nil {
		b.now = now
	}
	return b
}

// Path returns the briefing file for the day of at.
func (b *Briefer) Path(at time.Time) string {
	return filepath.Join(b.ledger.Vault().BriefingsDir(), at.UTC().Format(dayLayout)+".md")
}

// Run writes a briefing at every tick of the schedule until ctx is done.
func (b *Briefer) Run(ctx context.Context) error {
	for {
		next, err := gronx.NextTickAfter(b.schedule, b.now(), false)
		if err != nil {
			return fmt.Errorf("briefing schedule %q: %w", b.schedule, err)
		}
		slog.Debug("next briefing scheduled", "at", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if path, err := b.Write(b.now()); err != nil {
			slog.Error("write briefing", "error", err)
		} else {
			slog.Info("briefing written", "path", path)
		}
	}
}

type summary struct {
	intake    int
	completed []audit.Entry
	failed    []audit.Entry
	decisions []audit.Entry
}

// Write composes the briefing covering the 24 hours before at.
func (b *Briefer) Write(at time.Time) (string, error) {
	entries, err := b.entries(at)
	if err != nil {
		return "", err
	}
	var s summary
	for _, e := range entries {
		switch {
		case e.Outcome == audit.OutcomeFailed && e.EventType != audit.EventExecution:
			s.failed = append(s.failed, e)
		case e.EventType == audit.EventIntake:
			s.intake++
		case e.EventType == audit.EventTransition && strings.Contains(e.Detail, "->"+string(vault.Done)):
			s.completed = append(s.completed, e)
		case e.EventType == audit.EventApprovalDecision || e.EventType == audit.EventApprovalExpired:
			s.decisions = append(s.decisions, e)
		}
	}

	path := b.Path(at)
	if err := vault.WriteFileAtomic(path, []byte(b.render(at, s)), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (b *Briefer) entries(at time.Time) ([]audit.Entry, error) {
	from := at.Add(-window)
	days := []time.Time{from}
	if from.UTC().Format(dayLayout) != at.UTC().Format(dayLayout) {
		days = append(days, at)
	}
	var out []audit.Entry
	for _, day := range days {
		entries, err := b.audit.ReadDay(day)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Timestamp.After(from) && !e.Timestamp.After(at) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (b *Briefer) render(at time.Time, s summary) string {
	var w strings.Builder
	fmt.Fprintf(&w, "# Briefing %s\n\n", at.UTC().Format(dayLayout))
	fmt.Fprintf(&w, "Covering %s to %s UTC.\n\n", at.Add(-window).UTC().Format("2006-01-02 15:04"), at.UTC().Format("2006-01-02 15:04"))

	fmt.Fprintf(&w, "## At a glance\n\n- New work: %d\n- Completed: %d\n- Failed: %d\n- Decisions: %d\n",
		s.intake, len(s.completed), len(s.failed), len(s.decisions))

	section(&w, "Completed", s.completed, b.describe)
	section(&w, "Failed", s.failed, b.describe)
	section(&w, "Decisions", s.decisions, b.describe)

	w.WriteString("\n## Bottlenecks\n\n")
	stalled := 0
	for _, st := range []vault.State{vault.NeedsAction, vault.Plans, vault.PendingApproval, vault.Approved} {
		for _, item := range b.ledger.List(st) {
			if at.Sub(item.StateEnteredAt) < stallAfter {
				continue
			}
			stalled++
			fmt.Fprintf(&w, "- %s has been in %s since %s\n", item.Name, st, item.StateEnteredAt.UTC().Format("2006-01-02 15:04"))
		}
	}
	if stalled == 0 {
		w.WriteString("None.\n")
	}
	return w.String()
}

func section(w *strings.Builder, title string, entries []audit.Entry, describe func(audit.Entry) string) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "\n## %s\n\n", title)
	for _, e := range entries {
		fmt.Fprintf(w, "- %s\n", describe(e))
	}
}

func (b *Briefer) describe(e audit.Entry) string {
	name := e.WorkItemID
	if item, ok := b.ledger.Get(e.WorkItemID); ok {
		name = item.Name
	}
	return fmt.Sprintf("%s %s: %s", e.Timestamp.UTC().Format("15:04"), name, e.Detail)
}
