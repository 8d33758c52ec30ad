package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MEKXH/deskhand/internal/audit"
	"github.com/MEKXH/deskhand/internal/vault"
)

type testEnv struct {
	vault  *vault.Vault
	audit  *audit.Logger
	ledger *Ledger
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	v := vault.New(t.TempDir())
	if err := v.Init(); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	env := &testEnv{vault: v, now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return env.now }
	env.audit = newTestLogger(v, clock)
	env.ledger = New(v, env.audit).WithClock(clock)
	return env
}

func newTestLogger(v *vault.Vault, clock func() time.Time) *audit.Logger {
	return audit.NewLogger(v.LogsDir()).WithClock(clock)
}

func (e *testEnv) admit(t *testing.T, id, name, dedup string) WorkItem {
	t.Helper()
	staging := filepath.Join(e.vault.Dir(vault.Inbox), ".intake-"+id)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatalf("MkdirAll staging error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(staging, name), []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile payload error: %v", err)
	}
	if err := WriteTrigger(staging, Trigger{
		ID:        id,
		Origin:    OriginFilesystem,
		Filename:  name,
		Size:      7,
		Timestamp: e.now,
		DedupKey:  dedup,
		CreatedAt: e.now,
	}, "# Trigger\n"); err != nil {
		t.Fatalf("WriteTrigger error: %v", err)
	}
	item, err := e.ledger.Admit(staging, WorkItem{ID: id, Origin: OriginFilesystem, Name: name, DedupKey: dedup, CreatedAt: e.now}, vault.Inbox)
	if err != nil {
		t.Fatalf("Admit error: %v", err)
	}
	return item
}

func (e *testEnv) entries(t *testing.T) []audit.Entry {
	t.Helper()
	entries, err := e.audit.ReadDay(e.now)
	if err != nil {
		t.Fatalf("ReadDay error: %v", err)
	}
	return entries
}

func locations(t *testing.T, v *vault.Vault, name string) []vault.State {
	t.Helper()
	var found []vault.State
	for _, s := range vault.States {
		if _, err := os.Lstat(v.ItemPath(s, name)); err == nil {
			found = append(found, s)
		}
	}
	return found
}

func TestTransition_MovesDirectoryAndAudits(t *testing.T) {
	env := newTestEnv(t)
	item := env.admit(t, "id-1", "report.txt", "")
	if item.State != vault.Inbox {
		t.Fatalf("expected Inbox, got %s", item.State)
	}

	env.now = env.now.Add(time.Minute)
	res, err := env.ledger.Transition("id-1", vault.Inbox, vault.NeedsAction, "")
	if err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if res.Noop || res.Item.State != vault.NeedsAction {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.Item.StateEnteredAt.Equal(env.now) {
		t.Fatalf("expected state entered at %s, got %s", env.now, res.Item.StateEnteredAt)
	}
	if got := locations(t, env.vault, "report.txt"); len(got) != 1 || got[0] != vault.NeedsAction {
		t.Fatalf("expected single location NeedsAction, got %v", got)
	}
	if res.Item.PayloadRef != filepath.Join(env.vault.ItemPath(vault.NeedsAction, "report.txt"), "report.txt") {
		t.Fatalf("unexpected payload ref %q", res.Item.PayloadRef)
	}

	entries := env.entries(t)
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].EventType != audit.EventTransition || entries[0].Detail != "Inbox->NeedsAction" || entries[0].WorkItemID != "id-1" {
		t.Fatalf("unexpected audit entry: %+v", entries[0])
	}
}

func TestTransition_RejectsIllegalMoves(t *testing.T) {
	env := newTestEnv(t)
	env.admit(t, "id-1", "a.txt", "")

	_, err := env.ledger.Transition("id-1", vault.Inbox, vault.Approved, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := env.ledger.Transition("id-1", vault.Done, vault.Failed, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal state to refuse Failed, got %v", err)
	}
	if _, err := env.ledger.Transition("missing", vault.Inbox, vault.NeedsAction, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransition_AlreadyAtDestinationIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.admit(t, "id-1", "a.txt", "")

	if err := os.Rename(env.vault.ItemPath(vault.Inbox, "a.txt"), env.vault.ItemPath(vault.NeedsAction, "a.txt")); err != nil {
		t.Fatalf("Rename error: %v", err)
	}
	res, err := env.ledger.Transition("id-1", vault.Inbox, vault.NeedsAction, "")
	if err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if !res.Noop || res.Item.State != vault.NeedsAction {
		t.Fatalf("expected noop result in NeedsAction, got %+v", res)
	}
	if entries := env.entries(t); len(entries) != 0 {
		t.Fatalf("expected no audit entry for noop, got %+v", entries)
	}
}

func TestTransition_StateMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.admit(t, "id-1", "a.txt", "")
	if _, err := env.ledger.Transition("id-1", vault.Inbox, vault.NeedsAction, ""); err != nil {
		t.Fatalf("Transition error: %v", err)
	}

	_, err := env.ledger.Transition("id-1", vault.Plans, vault.Done, "")
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", err)
	}
	if got := locations(t, env.vault, "a.txt"); len(got) != 1 || got[0] != vault.NeedsAction {
		t.Fatalf("expected location unchanged, got %v", got)
	}
}

func TestFail_WritesFailureRecord(t *testing.T) {
	env := newTestEnv(t)
	env.admit(t, "id-1", "a.txt", "")

	res, err := env.ledger.Fail("id-1", "planner exploded")
	if err != nil {
		t.Fatalf("Fail error: %v", err)
	}
	if res.Item.State != vault.Failed {
		t.Fatalf("expected Failed, got %s", res.Item.State)
	}
	data, err := os.ReadFile(filepath.Join(env.vault.ItemPath(vault.Failed, "a.txt"), FailureFile))
	if err != nil {
		t.Fatalf("ReadFile failure.md error: %v", err)
	}
	if !strings.Contains(string(data), "planner exploded") || !strings.Contains(string(data), "Stage: Inbox") {
		t.Fatalf("unexpected failure record:\n%s", data)
	}

	entries := env.entries(t)
	if len(entries) != 1 || entries[0].Outcome != audit.OutcomeFailed || !strings.Contains(entries[0].Detail, "planner exploded") {
		t.Fatalf("unexpected audit entries: %+v", entries)
	}

	again, err := env.ledger.Fail("id-1", "twice")
	if err != nil || !again.Noop {
		t.Fatalf("expected repeated Fail to be a noop, got %+v err=%v", again, err)
	}
}

func TestReadFailureCause(t *testing.T) {
	dir := t.TempDir()
	if got := ReadFailureCause(dir); got != "unknown failure" {
		t.Fatalf("expected unknown failure for missing record, got %q", got)
	}
	if err := WriteFailure(dir, vault.Plans, "smtp 550 mailbox unavailable", time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("WriteFailure error: %v", err)
	}
	if got := ReadFailureCause(dir); got != "smtp 550 mailbox unavailable" {
		t.Fatalf("unexpected cause %q", got)
	}
}

func TestWriteTrigger_AlwaysEmitsOriginalPath(t *testing.T) {
	dir := t.TempDir()
	if err := WriteTrigger(dir, Trigger{ID: "m-1", Origin: OriginMailbox, Filename: "EMAIL_m1.md"}, ""); err != nil {
		t.Fatalf("WriteTrigger error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, TriggerFile))
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if !strings.Contains(string(data), "original_path:") {
		t.Fatalf("expected original_path in front matter:\n%s", data)
	}
}

func TestQueries(t *testing.T) {
	env := newTestEnv(t)
	env.admit(t, "id-1", "b.md", "gmail:1")
	env.now = env.now.Add(time.Second)
	env.admit(t, "id-2", "a.md", "gmail:2")

	item, ok := env.ledger.FindByDedupKey("gmail:2")
	if !ok || item.ID != "id-2" {
		t.Fatalf("expected dedup hit for id-2, got %+v ok=%v", item, ok)
	}
	if _, ok := env.ledger.FindByDedupKey("gmail:3"); ok {
		t.Fatal("expected no dedup hit")
	}

	list := env.ledger.List(vault.Inbox)
	if len(list) != 2 || list[0].ID != "id-1" || list[1].ID != "id-2" {
		t.Fatalf("expected creation order, got %+v", list)
	}
	counts := env.ledger.Counts()
	if counts[vault.Inbox] != 2 || counts[vault.Done] != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if env.ledger.Path(list[0]) != env.vault.ItemPath(vault.Inbox, "b.md") {
		t.Fatalf("unexpected path %q", env.ledger.Path(list[0]))
	}
}

func TestReconcile_DiskWinsAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.admit(t, "id-1", "a.txt", "")
	env.admit(t, "id-2", "b.txt", "")
	if _, err := env.ledger.Transition("id-1", vault.Inbox, vault.NeedsAction, ""); err != nil {
		t.Fatalf("Transition error: %v", err)
	}

	// Simulate a crash after the rename of b.txt but before the snapshot was written.
	if err := os.Rename(env.vault.ItemPath(vault.Inbox, "b.txt"), env.vault.ItemPath(vault.NeedsAction, "b.txt")); err != nil {
		t.Fatalf("Rename error: %v", err)
	}
	before := len(env.entries(t))

	restarted := New(env.vault, env.audit).WithClock(func() time.Time { return env.now })
	report, err := restarted.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if report.Checked != 2 || len(report.Discrepancies) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	d := report.Discrepancies[0]
	if d.ID != "id-2" || d.Snapshot != vault.Inbox || d.Disk != vault.NeedsAction {
		t.Fatalf("unexpected discrepancy: %+v", d)
	}
	item, ok := restarted.Get("id-2")
	if !ok || item.State != vault.NeedsAction {
		t.Fatalf("expected disk state to win, got %+v", item)
	}

	entries := env.entries(t)
	if len(entries) != before+1 || entries[len(entries)-1].EventType != audit.EventReconciled {
		t.Fatalf("expected one reconciled entry, got %+v", entries[before:])
	}

	second, err := New(env.vault, env.audit).WithClock(func() time.Time { return env.now }).Reconcile()
	if err != nil {
		t.Fatalf("second Reconcile error: %v", err)
	}
	if len(second.Discrepancies) != 0 {
		t.Fatalf("expected no discrepancies on second run, got %+v", second.Discrepancies)
	}
	if after := env.entries(t); len(after) != len(entries) {
		t.Fatalf("expected no new audit entries, got %d new", len(after)-len(entries))
	}
}

func TestReconcile_ReportsMissingItems(t *testing.T) {
	env := newTestEnv(t)
	env.admit(t, "id-1", "a.txt", "")
	if err := os.RemoveAll(env.vault.ItemPath(vault.Inbox, "a.txt")); err != nil {
		t.Fatalf("RemoveAll error: %v", err)
	}

	report, err := New(env.vault, env.audit).Reconcile()
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if len(report.Discrepancies) != 1 || report.Discrepancies[0].Disk != "" {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRebuild_SkipsHiddenAndTriggerlessDirs(t *testing.T) {
	env := newTestEnv(t)
	env.admit(t, "id-1", "a.txt", "")
	if err := os.MkdirAll(env.vault.ItemPath(vault.Plans, "stray"), 0o755); err != nil {
		t.Fatalf("MkdirAll error: %v", err)
	}
	if err := os.MkdirAll(env.vault.ItemPath(vault.Inbox, ".intake-zzz"), 0o755); err != nil {
		t.Fatalf("MkdirAll error: %v", err)
	}

	fresh := New(env.vault, nil)
	if err := fresh.Rebuild(); err != nil {
		t.Fatalf("Rebuild error: %v", err)
	}
	all := fresh.All()
	if len(all) != 1 || all[0].ID != "id-1" || all[0].State != vault.Inbox {
		t.Fatalf("unexpected rebuilt index: %+v", all)
	}
}

func TestAllowed(t *testing.T) {
	cases := []struct {
		from, to vault.State
		want     bool
	}{
		{vault.Inbox, vault.NeedsAction, true},
		{vault.Plans, vault.Done, true},
		{vault.Rejected, vault.Done, true},
		{vault.Rejected, vault.Approved, false},
		{vault.Approved, vault.Failed, true},
		{vault.Done, vault.Failed, false},
		{vault.PendingApproval, vault.Done, false},
	}
	for _, tc := range cases {
		if got := Allowed(tc.from, tc.to); got != tc.want {
			t.Fatalf("Allowed(%s,%s)=%v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
