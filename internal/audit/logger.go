package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	auditFileMode = 0644
	auditDirMode  = 0755

	dayLayout = "2006-01-02"
)

// EventType names what an audit entry records.
type EventType string

const (
	EventIntake            EventType = "intake"
	EventTransition        EventType = "transition"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalDecision  EventType = "approval_decision"
	EventApprovalExpired   EventType = "approval_expired"
	EventApprovalConflict  EventType = "approval_conflict"
	EventExecution         EventType = "execution"
	EventReconciled        EventType = "reconciled"
)

const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
	OutcomeExpired  = "expired"
	OutcomeNoop     = "noop"
)

// Entry is one audit record written as a single JSON line.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	WorkItemID string    `json:"work_item_id"`
	EventType  EventType `json:"event_type"`
	Detail     string    `json:"detail"`
	Outcome    string    `json:"outcome"`
}

// Logger appends entries to <dir>/YYYY-MM-DD.jsonl, partitioned by UTC day
// of the entry timestamp.
type Logger struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// NewLogger creates an append-only audit logger writing under dir.
func NewLogger(dir string) *Logger {
	return &Logger{dir: dir, now: time.Now}
}

// WithClock overrides the clock used for entries without a timestamp.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	if now != nil {
		l.now = now
	}
	return l
}

// Dir returns the log directory.
func (l *Logger) Dir() string { return l.dir }

// DayPath returns the log file for the UTC day containing t.
func (l *Logger) DayPath(t time.Time) string {
	return filepath.Join(l.dir, t.UTC().Format(dayLayout)+".jsonl")
}

// Append writes one entry as one JSONL line and syncs it.
func (l *Logger) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()

	if err := os.MkdirAll(l.dir, auditDirMode); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	file, err := os.OpenFile(l.DayPath(entry.Timestamp), os.O_CREATE|os.O_WRONLY|os.O_APPEND, auditFileMode)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	encoded = append(encoded, '\n')

	if _, err := file.Write(encoded); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync audit file: %w", err)
	}
	return nil
}

// ReadDay returns every entry logged on the UTC day containing day.
// A day without a log returns no entries.
func (l *Logger) ReadDay(day time.Time) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := readFile(l.DayPath(day))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return entries, err
}

// ReadItem returns every entry for one work item across all days, oldest first.
func (l *Logger) ReadItem(id string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := l.dayFiles()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, path := range files {
		entries, err := readFile(path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.WorkItemID == id {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (l *Logger) dayFiles() ([]string, error) {
	dirEntries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit dir: %w", err)
	}
	var files []string
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		if _, err := time.Parse(dayLayout, strings.TrimSuffix(name, ".jsonl")); err != nil {
			continue
		}
		files = append(files, filepath.Join(l.dir, name))
	}
	sort.Strings(files)
	return files, nil
}

func readFile(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode %s line %d: %w", filepath.Base(path), line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit file: %w", err)
	}
	return entries, nil
}
