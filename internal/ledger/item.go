package ledger

import (
	"path/filepath"
	"time"

	"github.com/MEKXH/deskhand/internal/artifact"
	"github.com/MEKXH/deskhand/internal/vault"
)

// Files kept inside a work item directory.
const (
	TriggerFile = "trigger.md"
	FailureFile = "failure.md"
)

// Origins of work items.
const (
	OriginFilesystem = "filesystem"
	OriginMailbox    = "mailbox"
)

// WorkItem is one tracked unit of work. Its directory lives in exactly one
// state directory and State always names that directory.
type WorkItem struct {
	ID             string      `json:"id"`
	Origin         string      `json:"origin"`
	Name           string      `json:"name"`
	State          vault.State `json:"state"`
	PayloadRef     string      `json:"payload_ref"`
	DedupKey       string      `json:"dedup_key,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	StateEnteredAt time.Time   `json:"state_entered_at"`
}

// Trigger is the immutable metadata written at intake into trigger.md.
type Trigger struct {
	ID           string    `yaml:"id"`
	Origin       string    `yaml:"origin"`
	Filename     string    `yaml:"filename"`
	Size         int64     `yaml:"size"`
	Timestamp    time.Time `yaml:"timestamp"`
	OriginalPath string    `yaml:"original_path"`
	DedupKey     string    `yaml:"dedup_key,omitempty"`
	Checksum     string    `yaml:"checksum,omitempty"`
	CreatedAt    time.Time `yaml:"created_at"`
}

// ReadTrigger loads trigger.md from an item directory.
func ReadTrigger(itemDir string) (Trigger, error) {
	var t Trigger
	if _, err := artifact.ReadFile(filepath.Join(itemDir, TriggerFile), &t); err != nil {
		return Trigger{}, err
	}
	return t, nil
}

// WriteTrigger writes trigger.md into an item directory.
func WriteTrigger(itemDir string, t Trigger, body string) error {
	return artifact.WriteFile(filepath.Join(itemDir, TriggerFile), t, []byte(body))
}
