package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MEKXH/deskhand/internal/approval"
	"github.com/MEKXH/deskhand/internal/executor"
	"github.com/MEKXH/deskhand/internal/ledger"
	"github.com/MEKXH/deskhand/internal/policy"
	"github.com/MEKXH/deskhand/internal/reasoning"
	"github.com/MEKXH/deskhand/internal/runloop"
	"github.com/MEKXH/deskhand/internal/vault"
)

// Router sends planned items either to the approval gate or straight to the
// executor, depending on policy.
type Router struct {
	ledger   *ledger.Ledger
	policy   policy.Evaluator
	gate     *approval.Gate
	executor *executor.Executor
}

// NewRouter creates a router.
func NewRouter(l *ledger.Ledger, eval policy.Evaluator, gate *approval.Gate, exec *executor.Executor) *Router {
	return &Router{ledger: l, policy: eval, gate: gate, executor: exec}
}

// Scan routes every item in Plans.
func (r *Router) Scan(ctx context.Context) error {
	for _, item := range r.ledger.List(vault.Plans) {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.Route(ctx, item); err != nil {
			slog.Error("route work item", "item_id", item.ID, "error", err)
		}
	}
	return nil
}

// Run scans every interval until ctx is done.
func (r *Router) Run(ctx context.Context, interval time.Duration) error {
	return runloop.Every(ctx, "router", interval, r.Scan)
}

// Route decides what happens to one planned item.
func (r *Router) Route(ctx context.Context, item ledger.WorkItem) error {
	if resumed, err := r.executor.Resume(ctx, item); resumed || err != nil {
		return err
	}

	plan, err := reasoning.ReadPlan(r.ledger.Path(item))
	if err != nil {
		_, failErr := r.ledger.Fail(item.ID, fmt.Sprintf("unreadable plan: %v", err))
		return failErr
	}

	decision := r.policy.Evaluate(policy.Input{Kind: plan.ActionKind, Parameters: plan.ActionParameters})
	if decision.Sensitive() {
		slog.Debug("action needs approval", "item_id", item.ID, "action", plan.ActionKind, "reason", decision.Reason)
		_, err := r.gate.Request(ctx, item, plan.ActionKind, plan.ActionParameters)
		return err
	}
	return r.executor.RunDirect(ctx, item, plan.ActionKind, plan.ActionParameters)
}
