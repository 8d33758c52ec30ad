package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MEKXH/deskhand/internal/fault"
)

func newTestFilesystemSource(dir string) *FilesystemSource {
	return NewFilesystemSource(FilesystemConfig{
		Dir:               dir,
		StabilityInterval: 10 * time.Millisecond,
		StableSamples:     2,
		Retry:             fault.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond},
	})
}

func receive(t *testing.T, out <-chan Detection) Detection {
	t.Helper()
	select {
	case det := <-out:
		return det
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for detection")
		return Detection{}
	}
}

func TestFilesystemSource_PicksUpExistingAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "existing.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".hidden"), []byte("skip"), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0o755); err != nil {
		t.Fatalf("Mkdir error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Detection, 8)
	src := newTestFilesystemSource(dir)
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, out) }()

	first := receive(t, out)
	if first.Name != "existing.txt" || first.Size != 5 || first.Err != nil {
		t.Fatalf("unexpected first detection: %+v", first)
	}
	if first.Checksum != checksum([]byte("hello")) || first.DedupKey != "fs:"+first.Checksum {
		t.Fatalf("unexpected checksum fields: %+v", first)
	}

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte(""), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	second := receive(t, out)
	if second.Name != "new.txt" || second.Size != 0 {
		t.Fatalf("expected zero-byte new.txt, got %+v", second)
	}

	select {
	case extra := <-out:
		t.Fatalf("unexpected extra detection: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestFilesystemSource_VanishedFileIsDropped(t *testing.T) {
	dir := t.TempDir()
	src := newTestFilesystemSource(dir)
	det, ok := src.await(context.Background(), filepath.Join(dir, "gone.txt"))
	if ok {
		t.Fatalf("expected vanished file to be dropped, got %+v", det)
	}
}

func TestFilesystemSource_TrackIgnoresInflightPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	src := newTestFilesystemSource(dir)
	src.inflight[path] = true

	out := make(chan Detection, 1)
	src.track(context.Background(), path, out)
	src.wg.Wait()
	if len(out) != 0 {
		t.Fatal("expected in-flight path not to be sampled twice")
	}
}
