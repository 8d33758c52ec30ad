package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MEKXH/deskhand/internal/vault"
)

// FileName is the snapshot file under the vault's .state directory.
const FileName = "pipeline_metrics.json"

var latencyBucketUpperBoundsMs = []int64{
	10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000,
}

// Snapshot contains aggregated pipeline metrics.
type Snapshot struct {
	UpdatedAt   time.Time        `json:"updated_at"`
	Transitions map[string]int64 `json:"transitions"`
	Dispatch    DispatchStats    `json:"dispatch"`
	Notify      NotifyStats      `json:"notify"`
}

// DispatchStats tracks executor capability calls.
type DispatchStats struct {
	Total             int64 `json:"total"`
	Errors            int64 `json:"errors"`
	Timeouts          int64 `json:"timeouts"`
	TotalLatencyMs    int64 `json:"total_latency_ms"`
	MaxLatencyMs      int64 `json:"max_latency_ms"`
	LastLatencyMs     int64 `json:"last_latency_ms"`
	P95ProxyLatencyMs int64 `json:"p95_proxy_latency_ms"`
}

// ErrorRatio returns errors/total in [0,1].
func (d DispatchStats) ErrorRatio() float64 {
	if d.Total <= 0 {
		return 0
	}
	return float64(d.Errors) / float64(d.Total)
}

// AvgLatencyMs returns average latency in milliseconds.
func (d DispatchStats) AvgLatencyMs() float64 {
	if d.Total <= 0 {
		return 0
	}
	return float64(d.TotalLatencyMs) / float64(d.Total)
}

// NotifyStats tracks outbound approval notifications.
type NotifyStats struct {
	Attempts int64 `json:"attempts"`
	Failures int64 `json:"failures"`
}

// HasData reports whether anything was recorded.
func (s Snapshot) HasData() bool {
	return len(s.Transitions) > 0 || s.Dispatch.Total > 0 || s.Notify.Attempts > 0
}

// TransitionTotal sums every recorded transition.
func (s Snapshot) TransitionTotal() int64 {
	var total int64
	for _, n := range s.Transitions {
		total += n
	}
	return total
}

// Recorder records and persists pipeline metrics. A nil Recorder is a no-op.
type Recorder struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	snap    Snapshot
	buckets []int64
}

// NewRecorder creates a recorder persisting to path. An existing snapshot is
// loaded so counters survive restarts.
func NewRecorder(path string) *Recorder {
	r := &Recorder{
		path:    path,
		now:     time.Now,
		buckets: make([]int64, len(latencyBucketUpperBoundsMs)+1),
	}
	if snap, err := Read(path); err == nil {
		r.snap = snap
	}
	if r.snap.Transitions == nil {
		r.snap.Transitions = map[string]int64{}
	}
	return r
}

// Snapshot returns the latest in-memory snapshot.
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

// RecordTransition counts one committed state change.
func (r *Recorder) RecordTransition(from, to string) (Snapshot, error) {
	if r == nil {
		return Snapshot{}, nil
	}
	r.mu.Lock()
	r.snap.UpdatedAt = r.now().UTC()
	r.snap.Transitions[from+"->"+to]++
	snapshot := r.copyLocked()
	r.mu.Unlock()

	return snapshot, persist(r.path, snapshot)
}

// RecordDispatch updates capability call metrics.
func (r *Recorder) RecordDispatch(duration time.Duration, runErr error) (Snapshot, error) {
	if r == nil {
		return Snapshot{}, nil
	}
	latencyMs := duration.Milliseconds()
	if latencyMs < 0 {
		latencyMs = 0
	}

	r.mu.Lock()
	r.snap.UpdatedAt = r.now().UTC()
	d := &r.snap.Dispatch
	d.Total++
	d.TotalLatencyMs += latencyMs
	d.LastLatencyMs = latencyMs
	if latencyMs > d.MaxLatencyMs {
		d.MaxLatencyMs = latencyMs
	}
	if runErr != nil {
		d.Errors++
		if isTimeoutError(runErr) {
			d.Timeouts++
		}
	}
	r.buckets[latencyBucketIndex(latencyMs)]++
	d.P95ProxyLatencyMs = p95ProxyFromBuckets(r.buckets, d.Total)
	snapshot := r.copyLocked()
	r.mu.Unlock()

	return snapshot, persist(r.path, snapshot)
}

// RecordNotify updates approval notification metrics.
func (r *Recorder) RecordNotify(success bool) (Snapshot, error) {
	if r == nil {
		return Snapshot{}, nil
	}
	r.mu.Lock()
	r.snap.UpdatedAt = r.now().UTC()
	r.snap.Notify.Attempts++
	if !success {
		r.snap.Notify.Failures++
	}
	snapshot := r.copyLocked()
	r.mu.Unlock()

	return snapshot, persist(r.path, snapshot)
}

func (r *Recorder) copyLocked() Snapshot {
	out := r.snap
	out.Transitions = make(map[string]int64, len(r.snap.Transitions))
	for k, v := range r.snap.Transitions {
		out.Transitions[k] = v
	}
	return out
}

// Read loads a persisted snapshot. A missing file yields a zero snapshot.
func Read(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("read pipeline metrics: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode pipeline metrics: %w", err)
	}
	return snap, nil
}

func persist(path string, snapshot Snapshot) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode pipeline metrics: %w", err)
	}
	if err := vault.WriteFileAtomic(path, payload, 0o644); err != nil {
		return fmt.Errorf("write pipeline metrics: %w", err)
	}
	return nil
}

func latencyBucketIndex(latencyMs int64) int {
	for i, upper := range latencyBucketUpperBoundsMs {
		if latencyMs <= upper {
			return i
		}
	}
	return len(latencyBucketUpperBoundsMs)
}

func p95ProxyFromBuckets(buckets []int64, total int64) int64 {
	if total <= 0 {
		return 0
	}
	target := int64(float64(total) * 0.95)
	if target <= 0 {
		target = 1
	}

	var cumulative int64
	for i, count := range buckets {
		cumulative += count
		if cumulative < target {
			continue
		}
		if i >= len(latencyBucketUpperBoundsMs) {
			return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
		}
		return latencyBucketUpperBoundsMs[i]
	}
	return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
}

func isTimeoutError(runErr error) bool {
	if errors.Is(runErr, context.DeadlineExceeded) {
		return true
	}
	lowered := strings.ToLower(runErr.Error())
	return strings.Contains(lowered, "deadline exceeded") ||
		strings.Contains(lowered, "timeout") ||
		strings.Contains(lowered, "timed out")
}
