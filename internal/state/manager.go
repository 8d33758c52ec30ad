package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	stateFileMode = 0600

	// MailboxFile holds the mailbox poller watermark.
	MailboxFile = "mailbox.json"
)

// MailboxState stores the latest mailbox poll outcome.
type MailboxState struct {
	LastPollAt    time.Time `json:"last_poll_at,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Seen          int64     `json:"seen"`
}

// Manager persists lightweight runtime state.
type Manager struct {
	mailboxPath string
	mu          sync.Mutex
}

// NewManager creates a state manager writing into dir (the vault's .state).
func NewManager(dir string) *Manager {
	return &Manager{
		mailboxPath: filepath.Join(dir, MailboxFile),
	}
}

// LoadMailboxState reads the mailbox watermark from disk.
// Missing or malformed files are treated as empty state.
func (m *Manager) LoadMailboxState() (MailboxState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.mailboxPath)
	if err != nil {
		if os.IsNotExist(err) {
			return MailboxState{}, nil
		}
		return MailboxState{}, err
	}

	var st MailboxState
	if err := json.Unmarshal(data, &st); err != nil {
		return MailboxState{}, nil
	}
	st.LastError = strings.TrimSpace(st.LastError)
	return st, nil
}

// SaveMailboxState writes the mailbox watermark to disk.
func (m *Manager) SaveMailboxState(st MailboxState) error {
	st.LastError = strings.TrimSpace(st.LastError)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.mailboxPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	tmp := m.mailboxPath + ".tmp"
	if err := os.WriteFile(tmp, data, stateFileMode); err != nil {
		return err
	}
	return os.Rename(tmp, m.mailboxPath)
}
