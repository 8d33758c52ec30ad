package source

// StabilityTracker decides when a file has stopped growing. The first sample
// is the baseline; the file is complete after Required consecutive samples
// equal to the one before.
type StabilityTracker struct {
	Required int

	started bool
	last    int64
	streak  int
}

// NewStabilityTracker returns a tracker needing required equal samples (at least 1).
func NewStabilityTracker(required int) *StabilityTracker {
	if required < 1 {
		required = 1
	}
	return &StabilityTracker{Required: required}
}

// Observe records one size sample and reports whether the file is complete.
func (t *StabilityTracker) Observe(size int64) bool {
	if !t.started {
		t.started = true
		t.last = size
		return false
	}
	if size == t.last {
		t.streak++
	} else {
		t.last = size
		t.streak = 0
	}
	return t.streak >= t.Required
}
