package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MEKXH/deskhand/internal/audit"
	"github.com/MEKXH/deskhand/internal/vault"
)

// SnapshotFile is the ledger snapshot under the vault's .state directory.
const SnapshotFile = "ledger.json"

const snapshotVersion = 1

type snapshotEntry struct {
	Name           string      `json:"name"`
	State          vault.State `json:"state"`
	StateEnteredAt time.Time   `json:"state_entered_at"`
}

type snapshotData struct {
	Version   int                      `json:"version"`
	UpdatedAt time.Time                `json:"updated_at"`
	Items     map[string]snapshotEntry `json:"items"`
}

// Discrepancy is one item whose physical state differs from the snapshot.
// An empty Snapshot means the item was not recorded; an empty Disk means it
// is gone from the vault.
type Discrepancy struct {
	ID       string
	Name     string
	Snapshot vault.State
	Disk     vault.State
}

// Report summarises a reconciliation run.
type Report struct {
	Checked       int
	Discrepancies []Discrepancy
}

// Rebuild replaces the index with a scan of every state directory.
func (l *Ledger) Rebuild() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap, err := l.loadSnapshot()
	if err != nil {
		slog.Warn("ignoring unreadable ledger snapshot", "error", err)
		snap = snapshotData{}
	}
	scanned, err := l.scan()
	if err != nil {
		return err
	}
	l.replaceIndexLocked(scanned, snap)
	return nil
}

// Reconcile rebuilds the index from disk and compares it with the persisted
// snapshot. Disk wins: every difference is audited once as reconciled and
// the snapshot is rewritten, so a second run reports nothing.
func (l *Ledger) Reconcile() (Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap, err := l.loadSnapshot()
	if err != nil {
		slog.Warn("ignoring unreadable ledger snapshot", "error", err)
		snap = snapshotData{}
	}
	scanned, err := l.scan()
	if err != nil {
		return Report{}, err
	}

	report := Report{Checked: len(scanned)}
	seen := make(map[string]bool, len(scanned))
	for _, item := range scanned {
		seen[item.ID] = true
		prev, ok := snap.Items[item.ID]
		if ok && prev.State == item.State {
			continue
		}
		d := Discrepancy{ID: item.ID, Name: item.Name, Disk: item.State}
		if ok {
			d.Snapshot = prev.State
		}
		report.Discrepancies = append(report.Discrepancies, d)
	}
	for id, prev := range snap.Items {
		if !seen[id] {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{ID: id, Name: prev.Name, Snapshot: prev.State})
		}
	}

	l.replaceIndexLocked(scanned, snap)
	now := l.now()
	for _, d := range report.Discrepancies {
		outcome := audit.OutcomeSuccess
		if d.Disk == "" {
			outcome = audit.OutcomeFailed
		}
		if err := l.audit.Append(audit.Entry{
			Timestamp:  now,
			WorkItemID: d.ID,
			EventType:  audit.EventReconciled,
			Detail:     d.describe(),
			Outcome:    outcome,
		}); err != nil {
			slog.Error("append reconcile audit entry", "item_id", d.ID, "error", err)
		}
		slog.Info("ledger reconciled work item", "item_id", d.ID, "name", d.Name, "snapshot", d.Snapshot, "disk", d.Disk)
	}
	if err := l.writeSnapshotLocked(); err != nil {
		return report, err
	}
	return report, nil
}

func (d Discrepancy) describe() string {
	snapshot, disk := string(d.Snapshot), string(d.Disk)
	if snapshot == "" {
		snapshot = "untracked"
	}
	if disk == "" {
		disk = "missing"
	}
	return fmt.Sprintf("%s: snapshot %s, disk %s", d.Name, snapshot, disk)
}

func (l *Ledger) replaceIndexLocked(scanned []WorkItem, snap snapshotData) {
	items := make(map[string]*WorkItem, len(scanned))
	for i := range scanned {
		item := scanned[i]
		if prev, ok := snap.Items[item.ID]; ok && prev.State == item.State && !prev.StateEnteredAt.IsZero() {
			item.StateEnteredAt = prev.StateEnteredAt
		}
		items[item.ID] = &item
	}
	l.items = items
}

// scan reads every item directory in the vault. Directories without a
// readable trigger.md are skipped with a warning.
func (l *Ledger) scan() ([]WorkItem, error) {
	var out []WorkItem
	seen := map[string]vault.State{}
	for _, s := range vault.States {
		entries, err := os.ReadDir(l.vault.Dir(s))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("scan %s: %w", s, err)
		}
		for _, e := range entries {
			if vault.Hidden(e.Name()) || !e.IsDir() {
				continue
			}
			dir := l.vault.ItemPath(s, e.Name())
			trigger, err := ReadTrigger(dir)
			if err != nil {
				slog.Warn("skipping work item without readable trigger", "path", dir, "error", err)
				continue
			}
			if prev, dup := seen[trigger.ID]; dup {
				slog.Warn("work item id found in two states", "item_id", trigger.ID, "first", prev, "second", s)
				continue
			}
			seen[trigger.ID] = s

			entered := trigger.CreatedAt
			if info, err := e.Info(); err == nil {
				entered = info.ModTime()
			}
			out = append(out, WorkItem{
				ID:             trigger.ID,
				Origin:         trigger.Origin,
				Name:           e.Name(),
				State:          s,
				PayloadRef:     filepath.Join(dir, e.Name()),
				DedupKey:       trigger.DedupKey,
				CreatedAt:      trigger.CreatedAt,
				StateEnteredAt: entered.UTC(),
			})
		}
	}
	return out, nil
}

func (l *Ledger) snapshotPath() string {
	return l.vault.StatePath(SnapshotFile)
}

func (l *Ledger) loadSnapshot() (snapshotData, error) {
	raw, err := os.ReadFile(l.snapshotPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return snapshotData{Items: map[string]snapshotEntry{}}, nil
		}
		return snapshotData{}, fmt.Errorf("read ledger snapshot: %w", err)
	}
	var snap snapshotData
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snapshotData{}, fmt.Errorf("parse ledger snapshot: %w", err)
	}
	if snap.Items == nil {
		snap.Items = map[string]snapshotEntry{}
	}
	return snap, nil
}

func (l *Ledger) writeSnapshotLocked() error {
	snap := snapshotData{
		Version:   snapshotVersion,
		UpdatedAt: l.now().UTC(),
		Items:     make(map[string]snapshotEntry, len(l.items)),
	}
	for id, item := range l.items {
		snap.Items[id] = snapshotEntry{Name: item.Name, State: item.State, StateEnteredAt: item.StateEnteredAt}
	}
	encoded, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger snapshot: %w", err)
	}
	if err := vault.WriteFileAtomic(l.snapshotPath(), encoded, 0o644); err != nil {
		return fmt.Errorf("write ledger snapshot: %w", err)
	}
	return nil
}

// saveSnapshotLocked persists after a commit. A failed write is only logged;
// the next Reconcile repairs it from disk.
func (l *Ledger) saveSnapshotLocked() {
	if err := l.writeSnapshotLocked(); err != nil {
		slog.Warn("persist ledger snapshot", "error", err)
	}
}
