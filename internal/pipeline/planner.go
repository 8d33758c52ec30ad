package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MEKXH/deskhand/internal/fault"
	"github.com/MEKXH/deskhand/internal/ledger"
	"github.com/MEKXH/deskhand/internal/reasoning"
	"github.com/MEKXH/deskhand/internal/runloop"
	"github.com/MEKXH/deskhand/internal/vault"
)

const (
	maxPayloadBytes = 1 << 20
	defaultTimeout  = 60 * time.Second
)

// Planner proposes a plan for every item in NeedsAction and moves it to Plans.
type Planner struct {
	ledger    *ledger.Ledger
	generator reasoning.Generator
	retry     fault.Policy
	timeout   time.Duration
}

// NewPlanner creates a planner.
func NewPlanner(l *ledger.Ledger, gen reasoning.Generator, retry fault.Policy, timeout time.Duration) *Planner {
	if gen == nil {
		gen = reasoning.RuleGenerator{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Planner{ledger: l, generator: gen, retry: retry, timeout: timeout}
}

// Scan plans every item waiting in NeedsAction.
func (p *Planner) Scan(ctx context.Context) error {
	for _, item := range p.ledger.List(vault.NeedsAction) {
		if ctx.Err() != nil {
			return nil
		}
		if err := p.plan(ctx, item); err != nil {
			slog.Error("plan work item", "item_id", item.ID, "error", err)
		}
	}
	return nil
}

// Run scans every interval until ctx is done.
func (p *Planner) Run(ctx context.Context, interval time.Duration) error {
	return runloop.Every(ctx, "planner", interval, p.Scan)
}

func (p *Planner) plan(ctx context.Context, item ledger.WorkItem) error {
	dir := p.ledger.Path(item)

	// A plan written before a crash is reused as is.
	if existing, err := reasoning.ReadPlan(dir); err == nil && existing.WorkItemID == item.ID {
		return p.advance(item, existing)
	}

	trigger, err := ledger.ReadTrigger(dir)
	if err != nil {
		return p.fail(item, fmt.Sprintf("unreadable trigger: %v", err))
	}
	payload, err := readPayload(filepath.Join(dir, item.Name))
	if err != nil {
		return p.fail(item, fmt.Sprintf("unreadable payload: %v", err))
	}

	in := reasoning.Input{Item: item, Trigger: trigger, Payload: payload}
	var plan reasoning.Plan
	err = fault.Retry(ctx, p.retry, "plan", func(ctx context.Context) error {
		genCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		var genErr error
		plan, genErr = p.generator.Generate(genCtx, in)
		return genErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return p.fail(item, fmt.Sprintf("plan generation failed: %v", err))
	}

	plan.WorkItemID = item.ID
	if err := reasoning.WritePlan(dir, plan); err != nil {
		return err
	}
	return p.advance(item, plan)
}

func (p *Planner) advance(item ledger.WorkItem, plan reasoning.Plan) error {
	_, err := p.ledger.Transition(item.ID, vault.NeedsAction, vault.Plans, "planned "+plan.ActionKind+" by "+plan.Generator)
	return err
}

func (p *Planner) fail(item ledger.WorkItem, cause string) error {
	_, err := p.ledger.Fail(item.ID, cause)
	return err
}

func readPayload(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("payload %s is missing", filepath.Base(path))
		}
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxPayloadBytes))
}
