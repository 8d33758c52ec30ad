package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MEKXH/deskhand/internal/audit"
	"github.com/MEKXH/deskhand/internal/claim"
	"github.com/MEKXH/deskhand/internal/ledger"
	"github.com/MEKXH/deskhand/internal/metrics"
	"github.com/MEKXH/deskhand/internal/runloop"
	"github.com/MEKXH/deskhand/internal/vault"
	"github.com/google/uuid"
)

const (
	defaultTTL    = 24 * time.Hour
	notifyTimeout = 15 * time.Second
)

// Gate turns sensitive plans into approval artifacts and applies the
// decisions a human makes by moving those artifacts.
type Gate struct {
	store    *Store
	ledger   *ledger.Ledger
	audit    ledger.Auditor
	notifier Notifier
	metrics  *metrics.Recorder
	ttl      time.Duration
	now      func() time.Time
	newID    func() string

	mu sync.Mutex
}

// NewGate creates a gate. A non-positive ttl uses 24h.
func NewGate(l *ledger.Ledger, auditor ledger.Auditor, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Gate{
		store:  NewStore(l.Vault()),
		ledger: l,
		audit:  auditor,
		ttl:    ttl,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// WithNotifier sets who is told about new requests.
func (g *Gate) WithNotifier(n Notifier) *Gate {
	g.notifier = n
	return g
}

// WithMetrics attaches a recorder for notification outcomes.
func (g *Gate) WithMetrics(m *metrics.Recorder) *Gate {
	g.metrics = m
	return g
}

// WithClock overrides the gate clock.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	if now != nil {
		g.now = now
	}
	return g
}

// Store exposes the artifact store.
func (g *Gate) Store() *Store { return g.store }

// Request asks for approval of a planned action and parks the item in
// PendingApproval. A live request for the item is reused.
func (g *Gate) Request(ctx context.Context, item ledger.WorkItem, kind string, params map[string]string) (Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	loc, found, err := g.store.FindByItem(item.ID)
	if err != nil {
		return Request{}, err
	}

	var req Request
	if found {
		req = loc.Request
		slog.Debug("reusing live approval request", "item_id", item.ID, "request_id", req.ID)
	} else {
		now := g.now().UTC()
		req = Request{
			ID:               g.newID(),
			WorkItemID:       item.ID,
			WorkItemName:     item.Name,
			ActionKind:       kind,
			ActionParameters: params,
			Status:           StatusPending,
			CreatedAt:        now,
			ExpiresAt:        now.Add(g.ttl),
		}
		if _, err := g.store.Write(req); err != nil {
			return Request{}, err
		}
	}

	res, err := g.ledger.Transition(item.ID, vault.Plans, vault.PendingApproval, "approval request "+req.ID)
	if err != nil {
		return req, err
	}
	if res.Noop {
		return req, nil
	}
	g.record(item.ID, audit.EventApprovalRequested, fmt.Sprintf("request %s for %s", req.ID, req.ActionKind), audit.OutcomeSuccess)
	slog.Info("approval requested", "item_id", item.ID, "request_id", req.ID, "action", req.ActionKind)
	g.notify(ctx, req)
	return req, nil
}

func (g *Gate) notify(ctx context.Context, req Request) {
	if g.notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	err := g.notifier.NotifyApproval(notifyCtx, req)
	if _, mErr := g.metrics.RecordNotify(err == nil); mErr != nil {
		slog.Debug("record notify metrics", "error", mErr)
	}
	if err != nil {
		slog.Warn("approval notification failed", "request_id", req.ID, "error", err)
	}
}

// Scan applies every decision found on disk and expires overdue requests.
func (g *Gate) Scan(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	approved, err := g.store.Scan(StatusApproved)
	if err != nil {
		return err
	}
	rejected, err := g.store.Scan(StatusRejected)
	if err != nil {
		return err
	}
	approved, rejected = g.resolveConflicts(approved, rejected)

	decided := map[string]bool{}
	for _, loc := range approved {
		decided[loc.ID] = true
		if err := g.handleApproved(loc); err != nil {
			slog.Error("apply approval", "request_id", loc.ID, "error", err)
		}
	}
	for _, loc := range rejected {
		decided[loc.ID] = true
		if err := g.handleRejected(loc); err != nil {
			slog.Error("apply rejection", "request_id", loc.ID, "error", err)
		}
	}

	pending, err := g.store.Scan(StatusPending)
	if err != nil {
		return err
	}
	for _, loc := range pending {
		if ctx.Err() != nil {
			return nil
		}
		if decided[loc.ID] {
			slog.Warn("pending copy of a decided approval ignored", "request_id", loc.ID, "path", loc.Path)
			continue
		}
		if err := g.handlePending(loc); err != nil {
			slog.Error("check pending approval", "request_id", loc.ID, "error", err)
		}
	}
	return nil
}

// resolveConflicts keeps the first writer when one request sits in both
// Approved and Rejected: the older file wins and ties go to Approved.
func (g *Gate) resolveConflicts(approved, rejected []Located) ([]Located, []Located) {
	byID := make(map[string]int, len(rejected))
	for i, loc := range rejected {
		byID[loc.ID] = i
	}
	drop := map[string]RequestStatus{}
	for _, a := range approved {
		i, ok := byID[a.ID]
		if !ok {
			continue
		}
		r := rejected[i]
		winner, loser := a, r
		if r.ModTime.Before(a.ModTime) {
			winner, loser = r, a
		}
		if _, err := g.store.SetAside(loser); err != nil {
			slog.Error("set aside conflicting approval", "request_id", a.ID, "error", err)
		}
		drop[a.ID] = loser.Location

		itemID := winner.Request.WorkItemID
		if itemID == "" {
			itemID = loser.Request.WorkItemID
		}
		g.record(itemID, audit.EventApprovalConflict,
			fmt.Sprintf("request %s found in %s and %s; kept %s", a.ID, vault.Approved, vault.Rejected, winner.Location.Dir()),
			string(winner.Location))
		slog.Warn("approval conflict resolved", "request_id", a.ID, "kept", winner.Location)
	}
	return without(approved, drop, StatusApproved), without(rejected, drop, StatusRejected)
}

func without(locs []Located, drop map[string]RequestStatus, location RequestStatus) []Located {
	out := locs[:0:0]
	for _, loc := range locs {
		if drop[loc.ID] == location {
			continue
		}
		out = append(out, loc)
	}
	return out
}

func (g *Gate) handleApproved(loc Located) error {
	item, ok, err := g.itemFor(loc)
	if !ok || err != nil {
		return err
	}
	req := loc.Request

	switch item.State {
	case vault.PendingApproval:
		if err := g.ensureMarker(item, req); err != nil {
			return err
		}
		res, err := g.ledger.Transition(item.ID, vault.PendingApproval, vault.Approved, "request "+req.ID+" approved")
		if err != nil {
			return err
		}
		if !res.Noop {
			g.record(item.ID, audit.EventApprovalDecision, "request "+req.ID+" approved", audit.OutcomeApproved)
		}
		return nil
	case vault.Approved:
		return g.ensureMarker(item, req)
	case vault.Done, vault.Failed, vault.Rejected:
		return g.store.Archive(loc, g.ledger.Path(item), StatusApproved, g.now())
	default:
		slog.Debug("approved request waiting for its item", "request_id", req.ID, "state", item.State)
		return nil
	}
}

func (g *Gate) handleRejected(loc Located) error {
	item, ok, err := g.itemFor(loc)
	if !ok || err != nil {
		return err
	}
	req := loc.Request
	status := StatusRejected
	if req.Status == StatusExpired {
		status = StatusExpired
	}

	switch item.State {
	case vault.PendingApproval:
		res, err := g.ledger.Transition(item.ID, vault.PendingApproval, vault.Rejected, "request "+req.ID+" rejected")
		if err != nil {
			return err
		}
		if !res.Noop {
			g.record(item.ID, audit.EventApprovalDecision, "request "+req.ID+" rejected", audit.OutcomeRejected)
		}
		return g.closeRejected(item, loc, status)
	case vault.Rejected:
		return g.closeRejected(item, loc, status)
	case vault.Done, vault.Failed:
		return g.store.Archive(loc, g.ledger.Path(item), status, g.now())
	case vault.Approved:
		slog.Warn("late rejection ignored; request was already approved", "request_id", req.ID, "item_id", item.ID)
		return nil
	default:
		return nil
	}
}

func (g *Gate) handlePending(loc Located) error {
	if loc.Err != nil {
		slog.Warn("malformed approval artifact left pending", "path", loc.Path, "error", loc.Err)
		return nil
	}
	req := loc.Request
	item, ok := g.ledger.Get(req.WorkItemID)
	if !ok {
		slog.Warn("approval artifact without a work item", "request_id", req.ID, "item_id", req.WorkItemID)
		return nil
	}
	if item.State.Terminal() {
		return g.store.Archive(loc, g.ledger.Path(item), req.Status, g.now())
	}

	now := g.now()
	if req.ExpiresAt.IsZero() || now.Before(req.ExpiresAt) {
		return nil
	}
	if item.State == vault.Plans {
		res, err := g.ledger.Transition(item.ID, vault.Plans, vault.PendingApproval, "approval request "+req.ID)
		if err != nil {
			return err
		}
		item = res.Item
	}
	if item.State != vault.PendingApproval {
		return nil
	}

	req.Status = StatusExpired
	req.DecidedAt = now.UTC()
	if strings.TrimSpace(req.Note) == "" {
		req.Note = "expired by ttl"
	}
	if err := g.store.Rewrite(loc.Path, req); err != nil {
		return err
	}
	loc.Request = req

	res, err := g.ledger.Transition(item.ID, vault.PendingApproval, vault.Rejected, "request "+req.ID+" expired")
	if err != nil {
		return err
	}
	if !res.Noop {
		g.record(item.ID, audit.EventApprovalExpired, "request "+req.ID+" expired", audit.OutcomeExpired)
	}
	return g.closeRejected(res.Item, loc, StatusExpired)
}

// closeRejected archives a rejected item to Done together with its artifact.
func (g *Gate) closeRejected(item ledger.WorkItem, loc Located, status RequestStatus) error {
	res, err := g.ledger.Transition(item.ID, vault.Rejected, vault.Done, "archived after "+string(status)+" request "+loc.ID)
	if err != nil {
		return err
	}
	return g.store.Archive(loc, g.ledger.Path(res.Item), status, g.now())
}

// itemFor resolves the work item of a decided artifact. Requests written
// just before a crash may find their item still in Plans; it is parked in
// PendingApproval first so the decision applies normally.
func (g *Gate) itemFor(loc Located) (ledger.WorkItem, bool, error) {
	if loc.Err != nil {
		slog.Warn("malformed approval artifact ignored", "path", loc.Path, "error", loc.Err)
		return ledger.WorkItem{}, false, nil
	}
	item, ok := g.ledger.Get(loc.Request.WorkItemID)
	if !ok {
		slog.Warn("approval artifact without a work item", "request_id", loc.ID, "item_id", loc.Request.WorkItemID)
		return ledger.WorkItem{}, false, nil
	}
	if item.State == vault.Plans {
		res, err := g.ledger.Transition(item.ID, vault.Plans, vault.PendingApproval, "approval request "+loc.ID)
		if err != nil {
			return ledger.WorkItem{}, false, err
		}
		item = res.Item
	}
	return item, true, nil
}

func (g *Gate) ensureMarker(item ledger.WorkItem, req Request) error {
	dir := g.ledger.Path(item)
	if _, ok, err := claim.ReadMarker(dir); ok || err != nil {
		return err
	}
	if err := claim.WriteMarker(dir, claim.Marker{
		RequestID:        req.ID,
		ActionKind:       req.ActionKind,
		ActionParameters: req.ActionParameters,
		ClaimedAt:        g.now().UTC(),
		Phase:            claim.PhaseClaimed,
	}); err != nil {
		return err
	}
	if item.State == vault.Approved {
		slog.Info("execution marker recovered", "item_id", item.ID, "request_id", req.ID)
	}
	return nil
}

func (g *Gate) record(itemID string, event audit.EventType, detail, outcome string) {
	if g.audit == nil {
		return
	}
	if err := g.audit.Append(audit.Entry{
		Timestamp:  g.now(),
		WorkItemID: itemID,
		EventType:  event,
		Detail:     detail,
		Outcome:    outcome,
	}); err != nil {
		slog.Error("append approval audit entry", "item_id", itemID, "error", err)
	}
}

// Approve moves a pending artifact to Approved. The next Scan applies it.
func (g *Gate) Approve(id string) (string, error) {
	return g.store.Move(strings.TrimSpace(id), StatusPending, StatusApproved)
}

// Reject moves a pending artifact to Rejected. The next Scan applies it.
func (g *Gate) Reject(id string) (string, error) {
	return g.store.Move(strings.TrimSpace(id), StatusPending, StatusRejected)
}

// List returns artifacts by location. An empty status lists all three.
func (g *Gate) List(status RequestStatus) ([]Located, error) {
	statuses := []RequestStatus{StatusPending, StatusApproved, StatusRejected}
	if status != "" {
		statuses = []RequestStatus{status}
	}
	var out []Located
	for _, s := range statuses {
		locs, err := g.store.Scan(s)
		if err != nil {
			return nil, err
		}
		out = append(out, locs...)
	}
	return out, nil
}

// Run scans every interval until ctx is done.
func (g *Gate) Run(ctx context.Context, interval time.Duration) error {
	return runloop.Every(ctx, "approval", interval, g.Scan)
}
