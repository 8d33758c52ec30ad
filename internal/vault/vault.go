package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	dirMode = 0o755

	LogsDir       = "Logs"
	BriefingsDir  = "Briefings"
	StateDir      = ".state"
	DashboardFile = "Dashboard.md"

	collisionLayout = "20060102_150405"
)

// State is a pipeline stage. Its value is also the name of the directory
// that physically holds the items in that stage.
type State string

const (
	Inbox           State = "Inbox"
	NeedsAction     State = "NeedsAction"
	Plans           State = "Plans"
	PendingApproval State = "PendingApproval"
	Approved        State = "Approved"
	Rejected        State = "Rejected"
	Done            State = "Done"
	Failed          State = "Failed"
)

// States lists every state in pipeline order.
var States = []State{Inbox, NeedsAction, Plans, PendingApproval, Approved, Rejected, Done, Failed}

// Terminal reports whether no further pipeline work happens in s.
func (s State) Terminal() bool {
	return s == Done || s == Rejected || s == Failed
}

// ParseState matches a state name case-insensitively.
func ParseState(name string) (State, bool) {
	name = strings.TrimSpace(name)
	for _, s := range States {
		if strings.EqualFold(string(s), name) {
			return s, true
		}
	}
	return "", false
}

// Vault is the directory tree that encodes pipeline state.
type Vault struct {
	root string
}

// New returns a vault rooted at root. Nothing is created on disk.
func New(root string) *Vault {
	return &Vault{root: filepath.Clean(root)}
}

func (v *Vault) Root() string { return v.root }

// Dir returns the directory for a state.
func (v *Vault) Dir(s State) string {
	return filepath.Join(v.root, string(s))
}

// ItemPath returns where an item named name lives while in state s.
func (v *Vault) ItemPath(s State, name string) string {
	return filepath.Join(v.Dir(s), name)
}

func (v *Vault) LogsDir() string       { return filepath.Join(v.root, LogsDir) }
func (v *Vault) BriefingsDir() string  { return filepath.Join(v.root, BriefingsDir) }
func (v *Vault) DashboardPath() string { return filepath.Join(v.root, DashboardFile) }

// StatePath returns a path for internal runtime state under .state/.
func (v *Vault) StatePath(name string) string {
	return filepath.Join(v.root, StateDir, name)
}

// Init creates the full directory layout.
func (v *Vault) Init() error {
	dirs := []string{v.LogsDir(), v.BriefingsDir(), filepath.Join(v.root, StateDir)}
	for _, s := range States {
		dirs = append(dirs, v.Dir(s))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return fmt.Errorf("create vault dir %s: %w", dir, err)
		}
	}
	return nil
}

// Hidden reports whether a directory entry is internal (staging, temp, conflict copies).
func Hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// NameTaken reports whether name is used by any entry in any state directory.
// The entry at exclude, if any, does not count.
func (v *Vault) NameTaken(name, exclude string) (bool, error) {
	exclude = filepath.Clean(exclude)
	for _, s := range States {
		path := v.ItemPath(s, name)
		if path == exclude {
			continue
		}
		if _, err := os.Lstat(path); err == nil {
			return true, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("stat %s: %w", path, err)
		}
	}
	return false, nil
}

// UniqueName resolves a vault-wide unique artifact name. A taken name gets a
// timestamp suffix before its extension, then a counter if still taken.
func (v *Vault) UniqueName(name string, now time.Time, exclude string) (string, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) || Hidden(name) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}

	taken, err := v.NameTaken(name, exclude)
	if err != nil {
		return "", err
	}
	if !taken {
		return name, nil
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	base := stem + "_" + now.Format(collisionLayout)
	for i := 1; ; i++ {
		candidate := base + ext
		if i > 1 {
			candidate = base + "_" + strconv.Itoa(i) + ext
		}
		taken, err := v.NameTaken(candidate, exclude)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
}
