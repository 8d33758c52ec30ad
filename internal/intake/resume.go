package intake

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MEKXH/deskhand/internal/audit"
	"github.com/MEKXH/deskhand/internal/ledger"
	"github.com/MEKXH/deskhand/internal/vault"
)

// Resume finishes intakes interrupted by a crash. Staging dirs holding a
// trigger are admitted; staging dirs holding only a payload give the file
// back to Inbox for re-detection; empty ones are removed. Admitted items
// still in Inbox move on to NeedsAction.
func (n *Normalizer) Resume() error {
	n.mu.Lock()
	inbox := n.vault.Dir(vault.Inbox)
	entries, err := os.ReadDir(inbox)
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("list inbox: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), stagingPrefix) {
			continue
		}
		if err := n.resumeStaging(filepath.Join(inbox, e.Name())); err != nil {
			slog.Error("resume staged intake", "dir", e.Name(), "error", err)
		}
	}
	n.mu.Unlock()

	for _, item := range n.ledger.List(vault.Inbox) {
		if _, err := n.ledger.Transition(item.ID, vault.Inbox, vault.NeedsAction, "resumed"); err != nil {
			slog.Error("resume inbox item", "item_id", item.ID, "error", err)
		}
	}
	return nil
}

func (n *Normalizer) resumeStaging(dir string) error {
	trigger, err := ledger.ReadTrigger(dir)
	if err == nil {
		name := ""
		files, _ := os.ReadDir(dir)
		for _, f := range files {
			if !f.IsDir() && f.Name() != ledger.TriggerFile && f.Name() != ledger.FailureFile && !vault.Hidden(f.Name()) {
				name = f.Name()
				break
			}
		}
		failed := vault.Exists(filepath.Join(dir, ledger.FailureFile))
		if name == "" && failed {
			name = trigger.Filename
		}
		if name == "" {
			return os.RemoveAll(dir)
		}
		state := vault.Inbox
		if failed {
			state = vault.Failed
		}
		item, err := n.ledger.Admit(dir, itemFor(trigger, name), state)
		if err != nil {
			return err
		}
		if failed {
			cause := ledger.ReadFailureCause(n.ledger.Path(item))
			n.appendAudit(item.ID, fmt.Sprintf("%s: %s: %s", item.Origin, name, cause), audit.OutcomeFailed)
		} else {
			n.appendAudit(item.ID, fmt.Sprintf("%s: %s", item.Origin, name), audit.OutcomeSuccess)
		}
		slog.Info("staged intake resumed", "item_id", item.ID, "name", name, "state", state)
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("staged intake has unreadable trigger", "dir", dir, "error", err)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || vault.Hidden(f.Name()) || f.Name() == ledger.TriggerFile {
			continue
		}
		target, err := n.vault.UniqueName(f.Name(), n.now(), "")
		if err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(dir, f.Name()), filepath.Join(n.vault.Dir(vault.Inbox), target)); err != nil {
			return fmt.Errorf("return payload to inbox: %w", err)
		}
		slog.Info("staged payload returned to inbox", "name", target)
	}
	return os.RemoveAll(dir)
}
