package approval

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MEKXH/deskhand/internal/artifact"
	"github.com/MEKXH/deskhand/internal/vault"
)

const (
	filePrefix = "APPROVAL_"
	fileSuffix = ".md"

	// ArchiveFile is where a decided artifact ends up inside its work item.
	ArchiveFile = "approval.md"

	conflictPrefix = ".conflict-"
)

var ErrRequestNotFound = errors.New("approval: request not found")

// Store reads and moves approval artifacts in the vault.
type Store struct {
	vault *vault.Vault
}

// NewStore creates a store over the PendingApproval/Approved/Rejected dirs of v.
func NewStore(v *vault.Vault) *Store {
	return &Store{vault: v}
}

// FileName returns the artifact file name for a request id.
func FileName(id string) string {
	return filePrefix + id + fileSuffix
}

func idFromFileName(name string) (string, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	return id, id != ""
}

// Path returns where the artifact for id lives when it has status s.
func (s *Store) Path(id string, status RequestStatus) string {
	return filepath.Join(s.vault.Dir(status.Dir()), FileName(id))
}

// Write renders req into the directory matching its status.
func (s *Store) Write(req Request) (string, error) {
	path := s.Path(req.ID, req.Status)
	if err := artifact.WriteFile(path, req, []byte(instructions(req))); err != nil {
		return "", fmt.Errorf("write approval artifact: %w", err)
	}
	return path, nil
}

// Rewrite replaces the content of an artifact at path, leaving it in place.
func (s *Store) Rewrite(path string, req Request) error {
	if err := artifact.WriteFile(path, req, []byte(instructions(req))); err != nil {
		return fmt.Errorf("rewrite approval artifact: %w", err)
	}
	return nil
}

// Read parses the artifact at path.
func (s *Store) Read(path string) (Request, error) {
	var req Request
	if _, err := artifact.ReadFile(path, &req); err != nil {
		return Request{}, err
	}
	if strings.TrimSpace(req.WorkItemID) == "" {
		return Request{}, fmt.Errorf("parse %s: %w: work_item_id is empty", path, artifact.ErrMalformedFrontMatter)
	}
	return req, nil
}

// Scan lists the artifacts located in the directory for status, oldest first.
// Malformed artifacts are returned with Err set.
func (s *Store) Scan(status RequestStatus) ([]Located, error) {
	dir := s.vault.Dir(status.Dir())
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	var out []Located
	for _, e := range entries {
		if e.IsDir() || vault.Hidden(e.Name()) {
			continue
		}
		id, ok := idFromFileName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		loc := Located{
			ID:       id,
			Path:     filepath.Join(dir, e.Name()),
			Location: locationOf(status),
			ModTime:  info.ModTime(),
		}
		loc.Request, loc.Err = s.Read(loc.Path)
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.Before(out[j].ModTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func locationOf(status RequestStatus) RequestStatus {
	if status == StatusExpired {
		return StatusRejected
	}
	return status
}

// Find returns every location holding the artifact for id.
func (s *Store) Find(id string) []Located {
	var out []Located
	for _, status := range []RequestStatus{StatusPending, StatusApproved, StatusRejected} {
		path := s.Path(id, status)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		loc := Located{ID: id, Path: path, Location: status, ModTime: info.ModTime()}
		loc.Request, loc.Err = s.Read(path)
		out = append(out, loc)
	}
	return out
}

// FindByItem returns the artifact of the live request for a work item, if any.
func (s *Store) FindByItem(itemID string) (Located, bool, error) {
	for _, status := range []RequestStatus{StatusPending, StatusApproved, StatusRejected} {
		locs, err := s.Scan(status)
		if err != nil {
			return Located{}, false, err
		}
		for _, loc := range locs {
			if loc.Err == nil && loc.Request.WorkItemID == itemID {
				return loc, true, nil
			}
		}
	}
	return Located{}, false, nil
}

// Move relocates the artifact for id from one decision directory to another,
// the same thing a human does in a file manager.
func (s *Store) Move(id string, from, to RequestStatus) (string, error) {
	src := s.Path(id, from)
	dst := s.Path(id, to)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s is not %s", ErrRequestNotFound, id, from)
		}
		return "", err
	}
	if vault.Exists(dst) {
		return "", fmt.Errorf("move approval %s: %s already exists", id, dst)
	}
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("move approval %s: %w", id, err)
	}
	return dst, nil
}

// SetAside renames a losing artifact out of the scanners' view.
func (s *Store) SetAside(loc Located) (string, error) {
	dst := filepath.Join(filepath.Dir(loc.Path), conflictPrefix+filepath.Base(loc.Path))
	if err := os.Rename(loc.Path, dst); err != nil {
		return "", fmt.Errorf("set aside %s: %w", loc.Path, err)
	}
	return dst, nil
}

// Archive records the final decision into itemDir/approval.md and removes
// the artifact from its decision directory.
func (s *Store) Archive(loc Located, itemDir string, status RequestStatus, at time.Time) error {
	req := loc.Request
	req.Status = status
	if req.DecidedAt.IsZero() {
		req.DecidedAt = at.UTC()
	}
	if err := artifact.WriteFile(filepath.Join(itemDir, ArchiveFile), req, []byte(instructions(req))); err != nil {
		return fmt.Errorf("archive approval %s: %w", loc.ID, err)
	}
	if err := os.Remove(loc.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove archived approval %s: %w", loc.ID, err)
	}
	return nil
}

func instructions(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Approval needed: %s\n\n", req.ActionKind)
	fmt.Fprintf(&b, "Work item: `%s`\n\n", req.WorkItemName)
	if len(req.ActionParameters) > 0 {
		keys := make([]string, 0, len(req.ActionParameters))
		for k := range req.ActionParameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("| Parameter | Value |\n|---|---|\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "| %s | %s |\n", k, strings.ReplaceAll(req.ActionParameters[k], "\n", " "))
		}
		b.WriteString("\n")
	}
	switch req.Status {
	case StatusPending:
		fmt.Fprintf(&b, "Move this file to `%s/` to approve or to `%s/` to reject. ", vault.Approved, vault.Rejected)
		fmt.Fprintf(&b, "It expires at %s.\n", req.ExpiresAt.UTC().Format(time.RFC3339))
	default:
		fmt.Fprintf(&b, "Decision: %s at %s.\n", req.Status, req.DecidedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}
