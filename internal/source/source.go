package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Detection is raw work noticed by a source, before intake.
// Exactly one of Path and Content carries the payload. Err marks a source
// failure that intake records as a failed item.
type Detection struct {
	Origin     string
	Name       string
	Path       string
	Content    []byte
	DedupKey   string
	Checksum   string
	Size       int64
	DetectedAt time.Time
	Err        error

	// Ack, when set, is called once intake has durably recorded the detection.
	Ack func(ctx context.Context) error
}

// Source emits detections until ctx is done.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Detection) error
}

func emit(ctx context.Context, out chan<- Detection, det Detection) bool {
	select {
	case out <- det:
		return true
	case <-ctx.Done():
		return false
	}
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
