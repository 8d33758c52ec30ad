package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MEKXH/deskhand/internal/approval"
	"github.com/MEKXH/deskhand/internal/audit"
	"github.com/MEKXH/deskhand/internal/claim"
	"github.com/MEKXH/deskhand/internal/fault"
	"github.com/MEKXH/deskhand/internal/ledger"
	"github.com/MEKXH/deskhand/internal/vault"
)

type countingCapability struct {
	calls int
	errs  []error
	block bool
}

func (c *countingCapability) Execute(ctx context.Context, a Action) (Result, error) {
	c.calls++
	if c.block {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return Result{}, err
		}
	}
	return Result{Success: true, Detail: "done " + a.RequestID}, nil
}

type slowCapability struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (c *slowCapability) Execute(ctx context.Context, a Action) (Result, error) {
	if c.calls.Add(1) == 1 {
		close(c.started)
	}
	<-c.release
	return Result{Success: true, Detail: "sent " + a.RequestID}, nil
}

type execEnv struct {
	vault  *vault.Vault
	audit  *audit.Logger
	ledger *ledger.Ledger
	gate   *approval.Gate
	exec   *Executor
	cap    *countingCapability
	now    time.Time
}

func newExecEnv(t *testing.T) *execEnv {
	t.Helper()
	v := vault.New(t.TempDir())
	if err := v.Init(); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	env := &execEnv{vault: v, cap: &countingCapability{}, now: time.Date(2026, 6, 2, 14, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return env.now }
	env.audit = audit.NewLogger(v.LogsDir()).WithClock(clock)
	env.ledger = ledger.New(v, env.audit).WithClock(clock)
	env.gate = approval.NewGate(env.ledger, env.audit, time.Hour).WithClock(clock)

	reg := NewRegistry()
	if err := reg.Register("email_send", env.cap); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := reg.Register("file_archive", env.cap); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	env.exec = New(env.ledger, env.gate.Store(), env.audit, reg, Config{
		Retry:   fault.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond},
		Timeout: time.Second,
	}).WithClock(clock)
	env.exec.sleep = func(context.Context, time.Duration) bool { return true }
	return env
}

func (e *execEnv) planned(t *testing.T, id string) ledger.WorkItem {
	t.Helper()
	name := id + ".md"
	staging := filepath.Join(e.vault.Dir(vault.Inbox), ".intake-"+id)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatalf("MkdirAll error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(staging, name), []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	if err := ledger.WriteTrigger(staging, ledger.Trigger{ID: id, Origin: ledger.OriginFilesystem, Filename: name, CreatedAt: e.now}, ""); err != nil {
		t.Fatalf("WriteTrigger error: %v", err)
	}
	item, err := e.ledger.Admit(staging, ledger.WorkItem{ID: id, Origin: ledger.OriginFilesystem, Name: name, CreatedAt: e.now}, vault.Inbox)
	if err != nil {
		t.Fatalf("Admit error: %v", err)
	}
	for _, step := range [][2]vault.State{{vault.Inbox, vault.NeedsAction}, {vault.NeedsAction, vault.Plans}} {
		res, err := e.ledger.Transition(item.ID, step[0], step[1], "")
		if err != nil {
			t.Fatalf("Transition error: %v", err)
		}
		item = res.Item
	}
	return item
}

// approved walks an item through the approval gate and returns its request.
func (e *execEnv) approved(t *testing.T, id string) (ledger.WorkItem, approval.Request) {
	t.Helper()
	item := e.planned(t, id)
	req, err := e.gate.Request(context.Background(), item, "email_send", map[string]string{"to": "client@example.com"})
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if _, err := e.gate.Approve(req.ID); err != nil {
		t.Fatalf("Approve error: %v", err)
	}
	if err := e.gate.Scan(context.Background()); err != nil {
		t.Fatalf("gate Scan error: %v", err)
	}
	got, _ := e.ledger.Get(item.ID)
	if got.State != vault.Approved {
		t.Fatalf("expected Approved, got %s", got.State)
	}
	return got, req
}

func (e *execEnv) scan(t *testing.T) {
	t.Helper()
	if err := e.exec.Scan(context.Background()); err != nil {
		t.Fatalf("Scan error: %v", err)
	}
}

func (e *execEnv) item(t *testing.T, id string) ledger.WorkItem {
	t.Helper()
	item, ok := e.ledger.Get(id)
	if !ok {
		t.Fatalf("item %s not found", id)
	}
	return item
}

func (e *execEnv) executions(t *testing.T, id string) []audit.Entry {
	t.Helper()
	entries, err := e.audit.ReadItem(id)
	if err != nil {
		t.Fatalf("ReadItem error: %v", err)
	}
	var out []audit.Entry
	for _, entry := range entries {
		if entry.EventType == audit.EventExecution {
			out = append(out, entry)
		}
	}
	return out
}

func TestScan_ExecutesApprovedItemOnce(t *testing.T) {
	env := newExecEnv(t)
	item, req := env.approved(t, "item-1")

	env.scan(t)
	env.scan(t)

	if env.cap.calls != 1 {
		t.Fatalf("expected one dispatch, got %d", env.cap.calls)
	}
	done := env.item(t, item.ID)
	if done.State != vault.Done {
		t.Fatalf("expected Done, got %s", done.State)
	}
	receipt, ok, err := claim.ReadReceipt(env.ledger.Path(done))
	if err != nil || !ok || receipt.RequestID != req.ID {
		t.Fatalf("unexpected receipt %+v ok=%v err=%v", receipt, ok, err)
	}
	if !vault.Exists(filepath.Join(env.ledger.Path(done), approval.ArchiveFile)) {
		t.Fatal("expected approval artifact archived into the item")
	}
	if vault.Exists(env.gate.Store().Path(req.ID, approval.StatusApproved)) {
		t.Fatal("expected approved artifact removed")
	}
	entries := env.executions(t, item.ID)
	if len(entries) != 1 || entries[0].Outcome != audit.OutcomeSuccess {
		t.Fatalf("expected one successful execution entry, got %+v", entries)
	}
}

func TestScan_ItemWithoutMarkerIsNotDispatched(t *testing.T) {
	env := newExecEnv(t)
	item, _ := env.approved(t, "item-1")
	if err := os.Remove(filepath.Join(env.ledger.Path(item), claim.MarkerFile)); err != nil {
		t.Fatalf("Remove error: %v", err)
	}

	env.scan(t)

	if env.cap.calls != 0 {
		t.Fatalf("expected no dispatch without a marker, got %d", env.cap.calls)
	}
}

func TestScan_ResumesAfterOneInterruptedDispatch(t *testing.T) {
	env := newExecEnv(t)
	item, _ := env.approved(t, "item-1")
	dir := env.ledger.Path(item)

	// Simulate a crash between the dispatching marker write and the receipt.
	marker, _, _ := claim.ReadMarker(dir)
	marker.Phase = claim.PhaseDispatching
	marker.Attempts = 1
	if err := claim.WriteMarker(dir, marker); err != nil {
		t.Fatalf("WriteMarker error: %v", err)
	}

	env.scan(t)

	if env.cap.calls != 1 {
		t.Fatalf("expected one recovery dispatch, got %d", env.cap.calls)
	}
	done := env.item(t, item.ID)
	if done.State != vault.Done {
		t.Fatalf("expected Done, got %s", done.State)
	}
	after, _, _ := claim.ReadMarker(env.ledger.Path(done))
	if after.Recoveries != 1 || after.Attempts != 2 {
		t.Fatalf("unexpected marker after recovery: %+v", after)
	}
}

func TestScan_SecondInterruptedDispatchFailsWithoutRetry(t *testing.T) {
	env := newExecEnv(t)
	item, _ := env.approved(t, "item-1")
	dir := env.ledger.Path(item)

	marker, _, _ := claim.ReadMarker(dir)
	marker.Phase = claim.PhaseDispatching
	marker.Attempts = 2
	marker.Recoveries = 1
	if err := claim.WriteMarker(dir, marker); err != nil {
		t.Fatalf("WriteMarker error: %v", err)
	}

	env.scan(t)

	if env.cap.calls != 0 {
		t.Fatalf("expected no dispatch when outcome is unknown, got %d", env.cap.calls)
	}
	failed := env.item(t, item.ID)
	if failed.State != vault.Failed {
		t.Fatalf("expected Failed, got %s", failed.State)
	}
	data, err := os.ReadFile(filepath.Join(env.ledger.Path(failed), ledger.FailureFile))
	if err != nil {
		t.Fatalf("ReadFile failure error: %v", err)
	}
	if !strings.Contains(string(data), "outcome unknown") {
		t.Fatalf("unexpected failure record:\n%s", data)
	}
}

func TestScan_ReceiptFinalizesWithoutDispatch(t *testing.T) {
	env := newExecEnv(t)
	item, req := env.approved(t, "item-1")
	dir := env.ledger.Path(item)

	marker, _, _ := claim.ReadMarker(dir)
	marker.Phase = claim.PhaseDispatching
	marker.Attempts = 1
	if err := claim.WriteMarker(dir, marker); err != nil {
		t.Fatalf("WriteMarker error: %v", err)
	}
	if err := claim.WriteReceipt(dir, claim.Receipt{RequestID: req.ID, ActionKind: "email_send", CompletedAt: env.now}); err != nil {
		t.Fatalf("WriteReceipt error: %v", err)
	}

	env.scan(t)

	if env.cap.calls != 0 {
		t.Fatalf("expected no dispatch with a receipt, got %d", env.cap.calls)
	}
	if got := env.item(t, item.ID).State; got != vault.Done {
		t.Fatalf("expected Done, got %s", got)
	}
}

func TestScan_RetriesTransientErrors(t *testing.T) {
	env := newExecEnv(t)
	env.cap.errs = []error{fault.Transient(errors.New("503"))}
	item, _ := env.approved(t, "item-1")

	env.scan(t)

	if env.cap.calls != 2 {
		t.Fatalf("expected two dispatches, got %d", env.cap.calls)
	}
	if got := env.item(t, item.ID).State; got != vault.Done {
		t.Fatalf("expected Done, got %s", got)
	}
}

func TestScan_ExhaustedRetriesFail(t *testing.T) {
	env := newExecEnv(t)
	flaky := fault.Transient(errors.New("503"))
	env.cap.errs = []error{flaky, flaky, flaky, flaky}
	item, _ := env.approved(t, "item-1")

	env.scan(t)

	if env.cap.calls != 3 {
		t.Fatalf("expected max attempts dispatches, got %d", env.cap.calls)
	}
	if got := env.item(t, item.ID).State; got != vault.Failed {
		t.Fatalf("expected Failed, got %s", got)
	}
	entries := env.executions(t, item.ID)
	if len(entries) != 1 || entries[0].Outcome != audit.OutcomeFailed || !strings.Contains(entries[0].Detail, "503") {
		t.Fatalf("expected failed execution entry with cause, got %+v", entries)
	}
}

func TestScan_PermanentErrorFailsImmediately(t *testing.T) {
	env := newExecEnv(t)
	env.cap.errs = []error{fault.Permanent(errors.New("invalid recipient"))}
	item, _ := env.approved(t, "item-1")

	env.scan(t)

	if env.cap.calls != 1 {
		t.Fatalf("expected one dispatch, got %d", env.cap.calls)
	}
	if got := env.item(t, item.ID).State; got != vault.Failed {
		t.Fatalf("expected Failed, got %s", got)
	}
}

func TestScan_MissingCapabilityFails(t *testing.T) {
	env := newExecEnv(t)
	item := env.planned(t, "item-1")
	req, err := env.gate.Request(context.Background(), item, "payment", map[string]string{"amount": "900"})
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if _, err := env.gate.Approve(req.ID); err != nil {
		t.Fatalf("Approve error: %v", err)
	}
	if err := env.gate.Scan(context.Background()); err != nil {
		t.Fatalf("gate Scan error: %v", err)
	}

	env.scan(t)

	failed := env.item(t, item.ID)
	if failed.State != vault.Failed {
		t.Fatalf("expected Failed, got %s", failed.State)
	}
	data, _ := os.ReadFile(filepath.Join(env.ledger.Path(failed), ledger.FailureFile))
	if !strings.Contains(string(data), ErrNoCapability.Error()) {
		t.Fatalf("expected missing capability cause, got:\n%s", data)
	}
}

func TestScan_TimeoutIsTransient(t *testing.T) {
	env := newExecEnv(t)
	env.cap.block = true
	env.exec.cfg.Timeout = 10 * time.Millisecond
	env.exec.cfg.Retry.MaxAttempts = 2
	item, _ := env.approved(t, "item-1")

	env.scan(t)

	if env.cap.calls != 2 {
		t.Fatalf("expected timeout to be retried, got %d calls", env.cap.calls)
	}
	if got := env.item(t, item.ID).State; got != vault.Failed {
		t.Fatalf("expected Failed, got %s", got)
	}
}

func TestRunDirect_MovesPlansToDone(t *testing.T) {
	env := newExecEnv(t)
	item := env.planned(t, "item-1")

	if err := env.exec.RunDirect(context.Background(), item, "file_archive", nil); err != nil {
		t.Fatalf("RunDirect error: %v", err)
	}
	if got := env.item(t, item.ID).State; got != vault.Done {
		t.Fatalf("expected Done, got %s", got)
	}
	if env.cap.calls != 1 {
		t.Fatalf("expected one dispatch, got %d", env.cap.calls)
	}

	if err := env.exec.RunDirect(context.Background(), env.item(t, item.ID), "file_archive", nil); err == nil {
		t.Fatal("expected RunDirect to refuse items outside Plans")
	}
}

func TestRunDirect_NotBlockedBySlowApprovedDispatch(t *testing.T) {
	env := newExecEnv(t)
	slow := &slowCapability{started: make(chan struct{}), release: make(chan struct{})}
	reg := NewRegistry()
	if err := reg.Register("email_send", slow); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := reg.Register("file_archive", env.cap); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	env.exec.registry = reg

	sent, _ := env.approved(t, "item-1")
	archived := env.planned(t, "item-2")

	scanned := make(chan error, 1)
	go func() { scanned <- env.exec.Scan(context.Background()) }()
	select {
	case <-slow.started:
	case <-time.After(5 * time.Second):
		t.Fatal("slow dispatch never started")
	}

	direct := make(chan error, 1)
	go func() { direct <- env.exec.RunDirect(context.Background(), archived, "file_archive", nil) }()
	select {
	case err := <-direct:
		if err != nil {
			t.Fatalf("RunDirect error: %v", err)
		}
	case <-time.After(2 * time.Second):
		close(slow.release)
		t.Fatal("RunDirect waited on an unrelated dispatch")
	}
	if got := env.item(t, archived.ID).State; got != vault.Done {
		t.Fatalf("expected direct item Done, got %s", got)
	}

	again := make(chan error, 1)
	go func() { again <- env.exec.Scan(context.Background()) }()
	select {
	case <-again:
	case <-time.After(2 * time.Second):
		close(slow.release)
		t.Fatal("second scan waited on the in-flight item")
	}

	close(slow.release)
	if err := <-scanned; err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if n := slow.calls.Load(); n != 1 {
		t.Fatalf("expected one dispatch of the approved item, got %d", n)
	}
	if got := env.item(t, sent.ID).State; got != vault.Done {
		t.Fatalf("expected approved item Done, got %s", got)
	}
}
