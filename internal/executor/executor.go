package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MEKXH/deskhand/internal/approval"
	"github.com/MEKXH/deskhand/internal/audit"
	"github.com/MEKXH/deskhand/internal/claim"
	"github.com/MEKXH/deskhand/internal/fault"
	"github.com/MEKXH/deskhand/internal/ledger"
	"github.com/MEKXH/deskhand/internal/metrics"
	"github.com/MEKXH/deskhand/internal/runloop"
	"github.com/MEKXH/deskhand/internal/vault"
)

const defaultTimeout = 60 * time.Second

// Config bounds dispatching.
type Config struct {
	Retry   fault.Policy
	Timeout time.Duration
}

// Executor performs approved actions at most once per request.
type Executor struct {
	ledger   *ledger.Ledger
	store    *approval.Store
	audit    ledger.Auditor
	registry *Registry
	metrics  *metrics.Recorder
	cfg      Config
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) bool

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates an executor.
func New(l *ledger.Ledger, store *approval.Store, auditor ledger.Auditor, registry *Registry, cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = fault.DefaultPolicy()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Executor{
		ledger:   l,
		store:    store,
		audit:    auditor,
		registry: registry,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepContext,
		inflight: make(map[string]struct{}),
	}
}

// WithClock overrides the executor clock.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	if now != nil {
		e.now = now
	}
	return e
}

// WithMetrics attaches a dispatch recorder.
func (e *Executor) WithMetrics(m *metrics.Recorder) *Executor {
	e.metrics = m
	return e
}

// Capabilities lists the action kinds this executor can dispatch.
func (e *Executor) Capabilities() []string {
	return e.registry.Kinds()
}

// Scan executes every approved item that carries an execution marker.
func (e *Executor) Scan(ctx context.Context) error {
	for _, item := range e.ledger.List(vault.Approved) {
		if ctx.Err() != nil {
			return nil
		}
		if err := e.process(ctx, item); err != nil {
			slog.Error("execute approved item", "item_id", item.ID, "error", err)
		}
	}
	return nil
}

// Run scans every interval until ctx is done.
func (e *Executor) Run(ctx context.Context, interval time.Duration) error {
	return runloop.Every(ctx, "executor", interval, e.Scan)
}

// RunDirect executes a non-sensitive action for an item in Plans and moves it
// to Done. A marker left by an interrupted run is resumed, not replaced.
func (e *Executor) RunDirect(ctx context.Context, item ledger.WorkItem, kind string, params map[string]string) error {
	if item.State != vault.Plans {
		return fmt.Errorf("run direct %s: item is in %s", item.ID, item.State)
	}
	dir := e.ledger.Path(item)
	if _, ok, err := claim.ReadMarker(dir); err != nil {
		return err
	} else if !ok {
		if err := claim.WriteMarker(dir, claim.Marker{
			RequestID:        "direct-" + item.ID,
			ActionKind:       kind,
			ActionParameters: params,
			ClaimedAt:        e.now().UTC(),
			Phase:            claim.PhaseClaimed,
		}); err != nil {
			return err
		}
	}
	return e.process(ctx, item)
}

// Resume finishes an interrupted direct run for an item in Plans. It
// reports false when the item carries no marker.
func (e *Executor) Resume(ctx context.Context, item ledger.WorkItem) (bool, error) {
	if _, ok, err := claim.ReadMarker(e.ledger.Path(item)); !ok || err != nil {
		return false, err
	}
	return true, e.process(ctx, item)
}

func (e *Executor) process(ctx context.Context, item ledger.WorkItem) error {
	if !e.acquire(item.ID) {
		slog.Debug("item already dispatching", "item_id", item.ID)
		return nil
	}
	defer e.release(item.ID)

	dir := e.ledger.Path(item)
	marker, ok, err := claim.ReadMarker(dir)
	if err != nil {
		return e.fail(item, claim.Marker{}, fmt.Sprintf("unreadable execution marker: %v", err))
	}
	if !ok {
		slog.Debug("approved item waiting for its marker", "item_id", item.ID)
		return nil
	}

	if receipt, ok, err := claim.ReadReceipt(dir); err != nil {
		return err
	} else if ok {
		return e.finish(item, marker, receipt)
	}

	if marker.Phase == claim.PhaseDispatching {
		if marker.Recoveries >= 1 {
			return e.fail(item, marker, "outcome unknown: dispatch interrupted twice")
		}
		marker.Recoveries++
		slog.Warn("resuming interrupted dispatch", "item_id", item.ID, "request_id", marker.RequestID, "attempts", marker.Attempts)
	}

	action := Action{
		RequestID:  marker.RequestID,
		WorkItemID: item.ID,
		Kind:       marker.ActionKind,
		Params:     marker.ActionParameters,
		ItemDir:    dir,
	}
	b := e.cfg.Retry.NewBackOff()
	for {
		marker.Phase = claim.PhaseDispatching
		marker.Attempts++
		marker.LastAttemptAt = e.now().UTC()
		if err := claim.WriteMarker(dir, marker); err != nil {
			return err
		}

		res, err := e.dispatch(ctx, action)
		if err == nil {
			receipt := claim.Receipt{
				RequestID:   marker.RequestID,
				ActionKind:  marker.ActionKind,
				Detail:      res.Detail,
				CompletedAt: e.now().UTC(),
			}
			if err := claim.WriteReceipt(dir, receipt); err != nil {
				return err
			}
			return e.finish(item, marker, receipt)
		}

		// The dispatch returned, so its outcome is known.
		marker.Phase = claim.PhaseClaimed
		marker.LastError = err.Error()
		if !fault.IsTransient(err) || marker.Attempts >= e.cfg.Retry.MaxAttempts {
			return e.fail(item, marker, err.Error())
		}
		if err := claim.WriteMarker(dir, marker); err != nil {
			return err
		}
		wait := b.NextBackOff()
		slog.Warn("dispatch failed, retrying", "item_id", item.ID, "attempts", marker.Attempts, "wait", wait, "error", err)
		if !e.sleep(ctx, wait) {
			return nil
		}
	}
}

// acquire marks id as in flight. Different items dispatch concurrently.
func (e *Executor) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Executor) release(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Executor) dispatch(ctx context.Context, a Action) (Result, error) {
	capability, ok := e.registry.Get(a.Kind)
	if !ok {
		return Result{}, fault.Permanent(fmt.Errorf("%w: %s", ErrNoCapability, a.Kind))
	}

	dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := capability.Execute(dispatchCtx, a)
	if err == nil && !res.Success {
		detail := res.Detail
		if detail == "" {
			detail = "capability reported failure"
		}
		err = fault.Permanent(errors.New(detail))
	}
	if err != nil && errors.Is(dispatchCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fault.Transient(fmt.Errorf("%w: %v", context.DeadlineExceeded, err))
	}
	if _, mErr := e.metrics.RecordDispatch(time.Since(start), err); mErr != nil {
		slog.Debug("record dispatch metrics", "error", mErr)
	}
	return res, err
}

// finish moves a dispatched item to Done, archives its approval artifact
// and records the execution.
func (e *Executor) finish(item ledger.WorkItem, marker claim.Marker, receipt claim.Receipt) error {
	res, err := e.ledger.Transition(item.ID, item.State, vault.Done, "executed "+marker.ActionKind)
	if err != nil {
		return err
	}
	doneDir := e.ledger.Path(res.Item)
	if e.store != nil {
		for _, loc := range e.store.Find(marker.RequestID) {
			if err := e.store.Archive(loc, doneDir, approval.StatusApproved, e.now()); err != nil {
				slog.Error("archive approval after execution", "item_id", item.ID, "error", err)
			}
		}
	}
	if res.Noop {
		return nil
	}
	e.record(item.ID, fmt.Sprintf("%s: %s", marker.ActionKind, receipt.Detail), audit.OutcomeSuccess)
	slog.Info("action executed", "item_id", item.ID, "action", marker.ActionKind, "request_id", marker.RequestID)
	return nil
}

func (e *Executor) fail(item ledger.WorkItem, marker claim.Marker, cause string) error {
	if marker.RequestID != "" {
		if err := claim.WriteMarker(e.ledger.Path(item), marker); err != nil {
			slog.Warn("persist marker before failing", "item_id", item.ID, "error", err)
		}
	}
	res, err := e.ledger.Fail(item.ID, cause)
	if err != nil {
		return err
	}
	if !res.Noop {
		kind := marker.ActionKind
		if kind == "" {
			kind = "unknown"
		}
		e.record(item.ID, fmt.Sprintf("%s: %s", kind, cause), audit.OutcomeFailed)
	}
	slog.Warn("action failed", "item_id", item.ID, "action", marker.ActionKind, "cause", cause)
	return nil
}

func (e *Executor) record(itemID, detail, outcome string) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Append(audit.Entry{
		Timestamp:  e.now(),
		WorkItemID: itemID,
		EventType:  audit.EventExecution,
		Detail:     detail,
		Outcome:    outcome,
	}); err != nil {
		slog.Error("append execution audit entry", "item_id", itemID, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
