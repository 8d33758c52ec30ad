package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MEKXH/deskhand/internal/audit"
	"github.com/MEKXH/deskhand/internal/ledger"
	"github.com/MEKXH/deskhand/internal/source"
	"github.com/MEKXH/deskhand/internal/vault"
	"github.com/google/uuid"
)

// ErrDuplicate is returned for a mailbox detection the ledger already tracks.
var ErrDuplicate = errors.New("intake: duplicate detection")

const (
	stagingPrefix = ".intake-"
	ackTimeout    = 30 * time.Second
)

// Normalizer turns detections into tracked work items.
type Normalizer struct {
	vault  *vault.Vault
	ledger *ledger.Ledger
	audit  ledger.Auditor
	now    func() time.Time
	newID  func() string

	mu sync.Mutex
}

// NewNormalizer creates a normalizer admitting items into l.
func NewNormalizer(l *ledger.Ledger, auditor ledger.Auditor) *Normalizer {
	return &Normalizer{
		vault:  l.Vault(),
		ledger: l,
		audit:  auditor,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// WithClock overrides the normalizer clock.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	if now != nil {
		n.now = now
	}
	return n
}

// Normalize admits det as a new work item and moves it on to NeedsAction.
// Detections carrying an error become items in Failed.
func (n *Normalizer) Normalize(det source.Detection) (ledger.WorkItem, error) {
	if det.Err != nil {
		return n.admitFailed(det)
	}
	if det.Origin == ledger.OriginMailbox && det.DedupKey != "" {
		if existing, ok := n.ledger.FindByDedupKey(det.DedupKey); ok {
			slog.Debug("skipping duplicate detection", "dedup_key", det.DedupKey, "item_id", existing.ID)
			return ledger.WorkItem{}, ErrDuplicate
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	id := n.newID()
	name, err := n.vault.UniqueName(det.Name, now, det.Path)
	if err != nil {
		return ledger.WorkItem{}, err
	}

	staging := filepath.Join(n.vault.Dir(vault.Inbox), stagingPrefix+id)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return ledger.WorkItem{}, fmt.Errorf("create staging dir: %w", err)
	}
	if err := placePayload(det, filepath.Join(staging, name)); err != nil {
		_ = os.RemoveAll(staging)
		return ledger.WorkItem{}, err
	}

	trigger := triggerFor(det, id, name, now)
	if err := ledger.WriteTrigger(staging, trigger, triggerBody(det, name)); err != nil {
		n.unstage(det, staging, name)
		return ledger.WorkItem{}, fmt.Errorf("write trigger: %w", err)
	}

	item, err := n.ledger.Admit(staging, itemFor(trigger, name), vault.Inbox)
	if err != nil {
		n.unstage(det, staging, name)
		return ledger.WorkItem{}, err
	}
	n.appendAudit(item.ID, fmt.Sprintf("%s: %s", det.Origin, name), audit.OutcomeSuccess)
	slog.Info("work item admitted", "item_id", item.ID, "name", name, "origin", det.Origin)

	res, err := n.ledger.Transition(item.ID, vault.Inbox, vault.NeedsAction, "")
	if err != nil {
		return item, fmt.Errorf("advance %s to %s: %w", name, vault.NeedsAction, err)
	}
	return res.Item, nil
}

func (n *Normalizer) admitFailed(det source.Detection) (ledger.WorkItem, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	id := n.newID()
	base := strings.TrimSpace(det.Name)
	if base == "" || vault.Hidden(base) {
		base = "FAILED_" + now.UTC().Format("20060102_150405") + ".md"
	}
	name, err := n.vault.UniqueName(base, now, det.Path)
	if err != nil {
		return ledger.WorkItem{}, err
	}

	staging := filepath.Join(n.vault.Dir(vault.Inbox), stagingPrefix+id)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return ledger.WorkItem{}, fmt.Errorf("create staging dir: %w", err)
	}
	if err := placePayload(det, filepath.Join(staging, name)); err != nil {
		slog.Warn("failed detection has no recoverable payload", "name", name, "error", err)
	}

	cause := det.Err.Error()
	trigger := triggerFor(det, id, name, now)
	if err := ledger.WriteTrigger(staging, trigger, triggerBody(det, name)); err != nil {
		_ = os.RemoveAll(staging)
		return ledger.WorkItem{}, fmt.Errorf("write trigger: %w", err)
	}
	if err := ledger.WriteFailure(staging, vault.Inbox, cause, now); err != nil {
		_ = os.RemoveAll(staging)
		return ledger.WorkItem{}, err
	}

	item, err := n.ledger.Admit(staging, itemFor(trigger, name), vault.Failed)
	if err != nil {
		_ = os.RemoveAll(staging)
		return ledger.WorkItem{}, err
	}
	n.appendAudit(item.ID, fmt.Sprintf("%s: %s: %s", det.Origin, name, cause), audit.OutcomeFailed)
	slog.Warn("failed detection recorded", "item_id", item.ID, "name", name, "origin", det.Origin, "error", det.Err)
	return item, nil
}

// unstage undoes a partial intake so the detection can be retried.
func (n *Normalizer) unstage(det source.Detection, staging, name string) {
	if det.Path != "" {
		if err := os.Rename(filepath.Join(staging, name), det.Path); err != nil {
			slog.Error("restore dropped file", "path", det.Path, "error", err)
			return
		}
	}
	_ = os.RemoveAll(staging)
}

func (n *Normalizer) appendAudit(id, detail, outcome string) {
	if n.audit == nil {
		return
	}
	if err := n.audit.Append(audit.Entry{
		Timestamp:  n.now(),
		WorkItemID: id,
		EventType:  audit.EventIntake,
		Detail:     detail,
		Outcome:    outcome,
	}); err != nil {
		slog.Error("append intake audit entry", "item_id", id, "error", err)
	}
}

func placePayload(det source.Detection, dst string) error {
	if det.Path != "" {
		if err := os.Rename(det.Path, dst); err != nil {
			return fmt.Errorf("move payload: %w", err)
		}
		return nil
	}
	if err := vault.WriteFileAtomic(dst, det.Content, 0o644); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func triggerFor(det source.Detection, id, name string, now time.Time) ledger.Trigger {
	detected := det.DetectedAt
	if detected.IsZero() {
		detected = now
	}
	size := det.Size
	if size == 0 && det.Path == "" {
		size = int64(len(det.Content))
	}
	return ledger.Trigger{
		ID:           id,
		Origin:       det.Origin,
		Filename:     det.Name,
		Size:         size,
		Timestamp:    detected.UTC(),
		OriginalPath: det.Path,
		DedupKey:     det.DedupKey,
		Checksum:     det.Checksum,
		CreatedAt:    now.UTC(),
	}
}

func itemFor(t ledger.Trigger, name string) ledger.WorkItem {
	return ledger.WorkItem{
		ID:        t.ID,
		Origin:    t.Origin,
		Name:      name,
		DedupKey:  t.DedupKey,
		CreatedAt: t.CreatedAt,
	}
}

func triggerBody(det source.Detection, name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# New %s item: %s\n\n", det.Origin, name)
	if det.Name != name {
		fmt.Fprintf(&b, "Renamed from `%s` to avoid a name collision.\n", det.Name)
	}
	if det.Err != nil {
		fmt.Fprintf(&b, "Detection failed: %s\n", det.Err)
	}
	return b.String()
}

// Pump normalizes detections until in is closed or ctx is done. A detection
// is acknowledged to its source once it is tracked, including duplicates.
func (n *Normalizer) Pump(ctx context.Context, in <-chan source.Detection) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case det, ok := <-in:
			if !ok {
				return nil
			}
			n.handle(ctx, det)
		}
	}
}

func (n *Normalizer) handle(ctx context.Context, det source.Detection) {
	item, err := n.Normalize(det)
	switch {
	case err == nil, errors.Is(err, ErrDuplicate):
	case item.ID != "":
		slog.Warn("work item admitted but not advanced", "item_id", item.ID, "error", err)
	default:
		slog.Error("intake failed", "name", det.Name, "origin", det.Origin, "error", err)
		return
	}
	if det.Ack == nil {
		return
	}
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if err := det.Ack(ackCtx); err != nil {
		slog.Warn("acknowledge detection", "name", det.Name, "origin", det.Origin, "error", err)
	}
}
