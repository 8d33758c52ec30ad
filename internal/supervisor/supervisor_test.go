package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MEKXH/deskhand/internal/audit"
	"github.com/MEKXH/deskhand/internal/config"
	"github.com/MEKXH/deskhand/internal/vault"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Vault.Path = t.TempDir()
	cfg.Intake.StabilityIntervalMs = 20
	cfg.Intake.StableSamples = 1
	cfg.Reasoning.PollInterval = 1
	cfg.Approval.PollInterval = 1
	cfg.Executor.PollInterval = 1
	cfg.Dashboard.Interval = 1
	cfg.Briefing.Enabled = false
	cfg.Retry.InitialIntervalMs = 1
	cfg.Retry.MaxIntervalMs = 2
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	return cfg
}

func TestNew_InitialisesVault(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg, Clients{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	for _, st := range vault.States {
		if _, err := os.Stat(s.Vault.Dir(st)); err != nil {
			t.Fatalf("expected %s dir: %v", st, err)
		}
	}
	if s.Gateway != nil || s.Briefing != nil {
		t.Fatal("expected disabled components to stay nil")
	}
	if len(s.sources) != 1 {
		t.Fatalf("expected only the filesystem source, got %d", len(s.sources))
	}
	if got := strings.Join(s.Executor.Capabilities(), ","); got != "file_archive,invoice_create,note" {
		t.Fatalf("expected only local capabilities without clients, got %s", got)
	}
}

func TestRun_DropToDone(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg, Clients{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	note := "---\naction_kind: note\n---\nRemember the dentist.\n"
	if err := os.WriteFile(filepath.Join(s.Vault.Dir(vault.Inbox), "dentist.md"), []byte(note), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(15 * time.Second)
	for {
		if items := s.Ledger.List(vault.Done); len(items) == 1 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("item never reached Done; counts=%v", s.Ledger.Counts())
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run error: %v", err)
	}

	item := s.Ledger.List(vault.Done)[0]
	entries, err := s.Audit.ReadItem(item.ID)
	if err != nil {
		t.Fatalf("ReadItem error: %v", err)
	}
	var intake, execution int
	for _, e := range entries {
		switch e.EventType {
		case audit.EventIntake:
			intake++
		case audit.EventExecution:
			execution++
		}
	}
	if intake != 1 || execution != 1 {
		t.Fatalf("expected one intake and one execution entry, got %d and %d", intake, execution)
	}

	again, err := New(cfg, Clients{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	report, err := again.Startup()
	if err != nil {
		t.Fatalf("Startup error: %v", err)
	}
	if report.Checked != 1 || len(report.Discrepancies) != 0 {
		t.Fatalf("expected clean restart, got %+v", report)
	}
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy(config.RetryConfig{MaxAttempts: 4, InitialIntervalMs: 250, MaxIntervalMs: 1000})
	if p.MaxAttempts != 4 || p.InitialInterval != 250*time.Millisecond || p.MaxInterval != time.Second {
		t.Fatalf("unexpected policy %+v", p)
	}
}
