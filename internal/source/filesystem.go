package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MEKXH/deskhand/internal/fault"
	"github.com/MEKXH/deskhand/internal/ledger"
	"github.com/MEKXH/deskhand/internal/vault"
	"github.com/fsnotify/fsnotify"
)

const defaultStabilityInterval = time.Second

// FilesystemConfig configures the drop-folder watcher.
type FilesystemConfig struct {
	Dir               string
	StabilityInterval time.Duration
	StableSamples     int
	Retry             fault.Policy
}

// FilesystemSource watches a drop folder and emits each file once it has
// stopped growing.
type FilesystemSource struct {
	cfg FilesystemConfig
	now func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// NewFilesystemSource creates a watcher for cfg.Dir.
func NewFilesystemSource(cfg FilesystemConfig) *FilesystemSource {
	if cfg.StabilityInterval <= 0 {
		cfg.StabilityInterval = defaultStabilityInterval
	}
	if cfg.StableSamples < 1 {
		cfg.StableSamples = 2
	}
	return &FilesystemSource{
		cfg:      cfg,
		now:      time.Now,
		inflight: map[string]bool{},
	}
}

func (s *FilesystemSource) Name() string { return "filesystem" }

// Run watches until ctx is done. Files already present when Run starts are
// picked up as if they had just been dropped.
func (s *FilesystemSource) Run(ctx context.Context, out chan<- Detection) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.cfg.Dir, err)
	}
	slog.Info("filesystem source watching", "dir", s.cfg.Dir)

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", s.cfg.Dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			s.track(ctx, filepath.Join(s.cfg.Dir, e.Name()), out)
		}
	}

	defer s.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				s.track(ctx, event.Name, out)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("filesystem watcher error", "dir", s.cfg.Dir, "error", werr)
		}
	}
}

// track starts sampling path unless it is hidden or already being sampled.
func (s *FilesystemSource) track(ctx context.Context, path string, out chan<- Detection) {
	if vault.Hidden(filepath.Base(path)) {
		return
	}
	s.mu.Lock()
	if s.inflight[path] {
		s.mu.Unlock()
		return
	}
	s.inflight[path] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, path)
			s.mu.Unlock()
		}()
		if det, ok := s.await(ctx, path); ok {
			emit(ctx, out, det)
		}
	}()
}

var errVanished = errors.New("file vanished")

// await samples path until it is stable. It reports false when the path is
// a directory, disappears, or ctx ends.
func (s *FilesystemSource) await(ctx context.Context, path string) (Detection, bool) {
	tracker := NewStabilityTracker(s.cfg.StableSamples)
	ticker := time.NewTicker(s.cfg.StabilityInterval)
	defer ticker.Stop()

	for {
		size, isDir, err := s.sample(ctx, path)
		switch {
		case errors.Is(err, errVanished):
			slog.Debug("dropped file vanished while sampling", "path", path)
			return Detection{}, false
		case err != nil:
			if ctx.Err() != nil {
				return Detection{}, false
			}
			slog.Error("sampling dropped file failed", "path", path, "error", err)
			return s.failed(path, err), true
		case isDir:
			return Detection{}, false
		}

		if tracker.Observe(size) {
			return s.complete(path)
		}

		select {
		case <-ctx.Done():
			return Detection{}, false
		case <-ticker.C:
		}
	}
}

func (s *FilesystemSource) sample(ctx context.Context, path string) (int64, bool, error) {
	var info os.FileInfo
	err := fault.Retry(ctx, s.cfg.Retry, "filesystem.sample", func(context.Context) error {
		var statErr error
		info, statErr = os.Stat(path)
		if errors.Is(statErr, fs.ErrNotExist) {
			return fault.Permanent(errVanished)
		}
		return fault.Transient(statErr)
	})
	if err != nil {
		return 0, false, err
	}
	return info.Size(), info.IsDir(), nil
}

func (s *FilesystemSource) complete(path string) (Detection, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("dropped file vanished before checksum", "path", path)
			return Detection{}, false
		}
		return s.failed(path, fmt.Errorf("checksum %s: %w", path, err)), true
	}
	sum := checksum(data)
	return Detection{
		Origin:     ledger.OriginFilesystem,
		Name:       filepath.Base(path),
		Path:       path,
		DedupKey:   "fs:" + sum,
		Checksum:   sum,
		Size:       int64(len(data)),
		DetectedAt: s.now(),
	}, true
}

func (s *FilesystemSource) failed(path string, err error) Detection {
	return Detection{
		Origin:     ledger.OriginFilesystem,
		Name:       filepath.Base(path),
		Path:       path,
		DetectedAt: s.now(),
		Err:        err,
	}
}
