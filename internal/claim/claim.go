package claim

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/MEKXH/deskhand/internal/vault"
	"gopkg.in/yaml.v3"
)

const (
	MarkerFile  = "claim.yaml"
	ReceiptFile = "receipt.yaml"
)

// Phase records how far execution of an approved item got.
type Phase string

const (
	PhaseClaimed     Phase = "claimed"
	PhaseDispatching Phase = "dispatching"
)

// Marker authorises execution of an approved item and tracks dispatch attempts.
type Marker struct {
	RequestID        string            `yaml:"request_id"`
	ActionKind       string            `yaml:"action_kind"`
	ActionParameters map[string]string `yaml:"action_parameters,omitempty"`
	ClaimedAt        time.Time         `yaml:"claimed_at"`
	Attempts         int               `yaml:"attempts"`
	Recoveries       int               `yaml:"recoveries"`
	Phase            Phase             `yaml:"phase"`
	LastAttemptAt    time.Time         `yaml:"last_attempt_at,omitempty"`
	LastError        string            `yaml:"last_error,omitempty"`
}

// Receipt proves a side effect completed. Its presence stops re-dispatch.
type Receipt struct {
	RequestID   string    `yaml:"request_id"`
	ActionKind  string    `yaml:"action_kind"`
	Detail      string    `yaml:"detail,omitempty"`
	CompletedAt time.Time `yaml:"completed_at"`
}

// ReadMarker loads claim.yaml from itemDir. ok is false when there is none.
func ReadMarker(itemDir string) (Marker, bool, error) {
	var m Marker
	ok, err := readYAML(filepath.Join(itemDir, MarkerFile), &m)
	return m, ok, err
}

// WriteMarker replaces claim.yaml atomically.
func WriteMarker(itemDir string, m Marker) error {
	return writeYAML(filepath.Join(itemDir, MarkerFile), m)
}

// ReadReceipt loads receipt.yaml from itemDir. ok is false when there is none.
func ReadReceipt(itemDir string) (Receipt, bool, error) {
	var r Receipt
	ok, err := readYAML(filepath.Join(itemDir, ReceiptFile), &r)
	return r, ok, err
}

// WriteReceipt replaces receipt.yaml atomically.
func WriteReceipt(itemDir string, r Receipt) error {
	return writeYAML(filepath.Join(itemDir, ReceiptFile), r)
}

func readYAML(path string, out any) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func writeYAML(path string, v any) error {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := vault.WriteFileAtomic(path, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
