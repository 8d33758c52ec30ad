package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MEKXH/deskhand/internal/audit"
	"github.com/MEKXH/deskhand/internal/metrics"
	"github.com/MEKXH/deskhand/internal/vault"
)

var (
	ErrNotFound          = errors.New("ledger: work item not found")
	ErrStateMismatch     = errors.New("ledger: work item is not in the expected state")
	ErrInvalidTransition = errors.New("ledger: transition not allowed")
	ErrDestinationExists = errors.New("ledger: destination already exists")
)

var allowed = map[vault.State][]vault.State{
	vault.Inbox:           {vault.NeedsAction},
	vault.NeedsAction:     {vault.Plans},
	vault.Plans:           {vault.PendingApproval, vault.Done},
	vault.PendingApproval: {vault.Approved, vault.Rejected},
	vault.Approved:        {vault.Done},
	vault.Rejected:        {vault.Done},
}

// Allowed reports whether from -> to is a legal transition.
func Allowed(from, to vault.State) bool {
	if to == vault.Failed {
		return !from.Terminal()
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Auditor receives one entry per committed state change.
type Auditor interface {
	Append(entry audit.Entry) error
}

type nopAuditor struct{}

func (nopAuditor) Append(audit.Entry) error { return nil }

// Result describes the outcome of a transition.
type Result struct {
	Item WorkItem
	Noop bool
}

// Ledger tracks work items by ID and moves them between state directories.
// The directory tree is the source of truth; the index is rebuilt from it.
type Ledger struct {
	vault   *vault.Vault
	audit   Auditor
	metrics *metrics.Recorder
	now     func() time.Time

	mu    sync.Mutex
	items map[string]*WorkItem
}

// New creates a ledger over v. Call Rebuild or Reconcile before use.
func New(v *vault.Vault, auditor Auditor) *Ledger {
	if auditor == nil {
		auditor = nopAuditor{}
	}
	return &Ledger{
		vault: v,
		audit: auditor,
		now:   time.Now,
		items: map[string]*WorkItem{},
	}
}

// WithClock overrides the ledger clock.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	if now != nil {
		l.now = now
	}
	return l
}

// WithMetrics attaches a transition recorder.
func (l *Ledger) WithMetrics(m *metrics.Recorder) *Ledger {
	l.metrics = m
	return l
}

// Vault returns the underlying vault.
func (l *Ledger) Vault() *vault.Vault { return l.vault }

// Path returns the directory of item in its current state.
func (l *Ledger) Path(item WorkItem) string {
	return l.vault.ItemPath(item.State, item.Name)
}

// Admit registers a freshly built item by renaming its staging directory into
// state. Only Inbox and Failed accept new items.
func (l *Ledger) Admit(stagingDir string, item WorkItem, state vault.State) (WorkItem, error) {
	if state != vault.Inbox && state != vault.Failed {
		return WorkItem{}, fmt.Errorf("%w: admit into %s", ErrInvalidTransition, state)
	}
	if strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.Name) == "" {
		return WorkItem{}, fmt.Errorf("admit work item: id and name are required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.items[item.ID]; exists {
		return WorkItem{}, fmt.Errorf("admit work item %s: id already tracked", item.ID)
	}
	dst := l.vault.ItemPath(state, item.Name)
	if vault.Exists(dst) {
		return WorkItem{}, fmt.Errorf("%w: %s", ErrDestinationExists, dst)
	}
	if err := os.Rename(stagingDir, dst); err != nil {
		return WorkItem{}, fmt.Errorf("admit work item %s: %w", item.Name, err)
	}
	if _, err := os.Lstat(dst); err != nil {
		return WorkItem{}, fmt.Errorf("verify admitted item %s: %w", item.Name, err)
	}

	now := l.now().UTC()
	item.State = state
	item.StateEnteredAt = now
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.PayloadRef = filepath.Join(dst, item.Name)
	stored := item
	l.items[item.ID] = &stored
	l.saveSnapshotLocked()
	return item, nil
}

// Transition moves item id from -> to. The rename is the commit; the index,
// snapshot, audit log and metrics follow it. An item already in to is a no-op.
func (l *Ledger) Transition(id string, from, to vault.State, detail string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	outcome := audit.OutcomeSuccess
	if to == vault.Failed {
		outcome = audit.OutcomeFailed
	}
	return l.transitionLocked(id, from, to, detail, outcome)
}

// Fail writes failure.md into the item and moves it to Failed.
func (l *Ledger) Fail(id string, cause string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	item, err := l.locateLocked(id)
	if err != nil {
		return Result{}, err
	}
	if item.State == vault.Failed {
		return Result{Item: *item, Noop: true}, nil
	}
	if item.State.Terminal() {
		return Result{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, item.State, vault.Failed)
	}

	cause = strings.TrimSpace(cause)
	if cause == "" {
		cause = "unknown failure"
	}
	if err := WriteFailure(l.Path(*item), item.State, cause, l.now()); err != nil {
		return Result{}, err
	}
	return l.transitionLocked(id, item.State, vault.Failed, cause, audit.OutcomeFailed)
}

// WriteFailure writes the human readable failure.md into dir.
func WriteFailure(dir string, stage vault.State, cause string, at time.Time) error {
	var b strings.Builder
	b.WriteString("# Failed\n\n")
	fmt.Fprintf(&b, "- Stage: %s\n", stage)
	fmt.Fprintf(&b, "- Time: %s\n\n", at.UTC().Format(time.RFC3339))
	b.WriteString("## Cause\n\n")
	b.WriteString(cause)
	b.WriteString("\n")
	if err := vault.WriteFileAtomic(filepath.Join(dir, FailureFile), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write failure record: %w", err)
	}
	return nil
}

// ReadFailureCause returns the cause recorded in dir's failure.md, or
// "unknown failure" when it is missing or has no cause section.
func ReadFailureCause(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, FailureFile))
	if err != nil {
		return "unknown failure"
	}
	_, cause, ok := strings.Cut(string(data), "## Cause\n")
	if cause = strings.TrimSpace(cause); !ok || cause == "" {
		return "unknown failure"
	}
	return cause
}

func (l *Ledger) transitionLocked(id string, from, to vault.State, detail, outcome string) (Result, error) {
	if !Allowed(from, to) {
		return Result{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	item, err := l.locateLocked(id)
	if err != nil {
		return Result{}, err
	}

	src := l.vault.ItemPath(from, item.Name)
	dst := l.vault.ItemPath(to, item.Name)
	srcExists := vault.Exists(src)
	dstExists := vault.Exists(dst)

	switch {
	case dstExists && !srcExists:
		l.setStateLocked(item, to, false)
		return Result{Item: *item, Noop: true}, nil
	case !srcExists:
		actual, ok := l.findStateLocked(item.Name)
		if !ok {
			delete(l.items, id)
			return Result{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		l.setStateLocked(item, actual, false)
		return Result{}, fmt.Errorf("%w: %s is in %s, not %s", ErrStateMismatch, item.Name, actual, from)
	case dstExists:
		return Result{}, fmt.Errorf("%w: %s", ErrDestinationExists, dst)
	}

	if err := os.Rename(src, dst); err != nil {
		return Result{}, fmt.Errorf("move %s %s -> %s: %w", item.Name, from, to, err)
	}
	if _, err := os.Lstat(dst); err != nil {
		return Result{}, fmt.Errorf("verify %s in %s: %w", item.Name, to, err)
	}

	now := l.now()
	if err := os.Chtimes(dst, now, now); err != nil {
		slog.Debug("stamp state entry time", "item_id", id, "path", dst, "error", err)
	}
	l.setStateLocked(item, to, true)
	l.saveSnapshotLocked()

	line := fmt.Sprintf("%s->%s", from, to)
	if detail = strings.TrimSpace(detail); detail != "" {
		line += ": " + detail
	}
	if err := l.audit.Append(audit.Entry{
		Timestamp:  now,
		WorkItemID: id,
		EventType:  audit.EventTransition,
		Detail:     line,
		Outcome:    outcome,
	}); err != nil {
		slog.Error("append transition audit entry", "item_id", id, "error", err)
	}
	if _, err := l.metrics.RecordTransition(string(from), string(to)); err != nil {
		slog.Warn("record transition metrics", "item_id", id, "error", err)
	}
	slog.Info("work item transitioned", "item_id", id, "name", item.Name, "from", from, "to", to)
	return Result{Item: *item}, nil
}

func (l *Ledger) setStateLocked(item *WorkItem, s vault.State, entered bool) {
	if item.State != s || entered {
		item.StateEnteredAt = l.now().UTC()
	}
	item.State = s
	item.PayloadRef = filepath.Join(l.vault.ItemPath(s, item.Name), item.Name)
}

// locateLocked returns the indexed item, scanning the vault for it when the
// index does not know the id yet.
func (l *Ledger) locateLocked(id string) (*WorkItem, error) {
	if item, ok := l.items[id]; ok {
		return item, nil
	}
	scanned, err := l.scan()
	if err != nil {
		return nil, err
	}
	for _, found := range scanned {
		if found.ID == id {
			item := found
			l.items[id] = &item
			return &item, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (l *Ledger) findStateLocked(name string) (vault.State, bool) {
	for _, s := range vault.States {
		if vault.Exists(l.vault.ItemPath(s, name)) {
			return s, true
		}
	}
	return "", false
}

// Get returns a copy of the item with the given id.
func (l *Ledger) Get(id string) (WorkItem, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	item, err := l.locateLocked(id)
	if err != nil {
		return WorkItem{}, false
	}
	return *item, true
}

// List returns the items in state s ordered by creation time then name.
func (l *Ledger) List(s vault.State) []WorkItem {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []WorkItem
	for _, item := range l.items {
		if item.State == s {
			out = append(out, *item)
		}
	}
	sortItems(out)
	return out
}

// All returns every tracked item.
func (l *Ledger) All() []WorkItem {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]WorkItem, 0, len(l.items))
	for _, item := range l.items {
		out = append(out, *item)
	}
	sortItems(out)
	return out
}

// FindByDedupKey returns the item carrying key, if any.
func (l *Ledger) FindByDedupKey(key string) (WorkItem, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return WorkItem{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, item := range l.items {
		if item.DedupKey == key {
			return *item, true
		}
	}
	return WorkItem{}, false
}

// Counts returns the number of items per state. Every state is present.
func (l *Ledger) Counts() map[vault.State]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[vault.State]int, len(vault.States))
	for _, s := range vault.States {
		counts[s] = 0
	}
	for _, item := range l.items {
		counts[item.State]++
	}
	return counts
}

func sortItems(items []WorkItem) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].Name < items[j].Name
	})
}
