package commands

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/MEKXH/deskhand/internal/approval"
	"github.com/MEKXH/deskhand/internal/audit"
	"github.com/MEKXH/deskhand/internal/config"
	"github.com/MEKXH/deskhand/internal/metrics"
	"github.com/MEKXH/deskhand/internal/vault"
)

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}

	os.Stdout = w
	fn()
	_ = w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	_ = r.Close()

	return buf.String()
}

// prepareHome points HOME at a temp dir and writes a default config there.
func prepareHome(t *testing.T) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)
	configPath = ""

	cfg := config.DefaultConfig()
	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save config: %v", err)
	}
	return cfg
}

func TestInitCommand_CreatesConfigAndVault(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)
	configPath = ""

	output := captureOutput(t, func() {
		if err := runInit(nil, nil); err != nil {
			t.Fatalf("runInit error: %v", err)
		}
	})
	if !strings.Contains(output, "Deskhand initialized!") {
		t.Fatalf("unexpected init output: %s", output)
	}
	if _, err := os.Stat(config.ConfigPath()); err != nil {
		t.Fatalf("expected config file at %s: %v", config.ConfigPath(), err)
	}
	v := vault.New(config.DefaultConfig().Vault.Path)
	for _, s := range vault.States {
		if _, err := os.Stat(v.Dir(s)); err != nil {
			t.Fatalf("expected %s dir: %v", s, err)
		}
	}
	if _, err := os.Stat(filepath.Join(v.Root(), "WELCOME.md")); err != nil {
		t.Fatalf("expected welcome note: %v", err)
	}
}

func TestStatusCommand_PrintsSections(t *testing.T) {
	prepareHome(t)

	output := stripANSI(captureOutput(t, func() {
		if err := runStatus(nil, nil); err != nil {
			t.Fatalf("runStatus error: %v", err)
		}
	}))

	for _, want := range []string{"Deskhand Status", "Path:", "NeedsAction:", "Awaiting you:", "Mailbox:", "disabled", "Runtime Metrics", "no runtime data yet"} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in status output, got: %s", want, output)
		}
	}
}

func TestStatusCommand_ShowsDispatchErrorRatio(t *testing.T) {
	cfg := prepareHome(t)
	v := vault.New(cfg.Vault.Path)
	if err := v.Init(); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	rec := metrics.NewRecorder(v.StatePath(metrics.FileName))
	for _, err := range []error{nil, nil, nil, errors.New("smtp down")} {
		if _, rErr := rec.RecordDispatch(10*time.Millisecond, err); rErr != nil {
			t.Fatalf("RecordDispatch error: %v", rErr)
		}
	}

	output := stripANSI(captureOutput(t, func() {
		if err := runStatus(nil, nil); err != nil {
			t.Fatalf("runStatus error: %v", err)
		}
	}))
	if !strings.Contains(output, "4 (errors 1, 25%; timeouts 0)") {
		t.Fatalf("expected dispatch error ratio in status output, got: %s", output)
	}
}

func TestApprovalCommands(t *testing.T) {
	cfg := prepareHome(t)
	v := vault.New(cfg.Vault.Path)
	if err := v.Init(); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	store := approval.NewStore(v)
	now := time.Now().UTC()
	for _, id := range []string{"keep-me", "send-it"} {
		if _, err := store.Write(approval.Request{
			ID:           id,
			WorkItemID:   "item-" + id,
			WorkItemName: id + ".md",
			ActionKind:   "email_send",
			Status:       approval.StatusPending,
			CreatedAt:    now,
			ExpiresAt:    now.Add(time.Hour),
		}); err != nil {
			t.Fatalf("Write error: %v", err)
		}
	}

	output := captureOutput(t, func() {
		if err := runApprovalDecision("send-it", true); err != nil {
			t.Fatalf("approve error: %v", err)
		}
	})
	if !strings.Contains(output, "Approval send-it approved.") {
		t.Fatalf("unexpected approve output: %s", output)
	}
	if !vault.Exists(store.Path("send-it", approval.StatusApproved)) {
		t.Fatal("expected artifact in Approved")
	}

	output = captureOutput(t, func() {
		if err := runApprovalList(nil, nil); err != nil {
			t.Fatalf("runApprovalList error: %v", err)
		}
	})
	if !strings.Contains(output, "keep-me") || strings.Contains(output, "send-it") {
		t.Fatalf("expected only the pending request, got: %s", output)
	}

	if err := runApprovalDecision("send-it", false); err == nil {
		t.Fatal("expected rejecting a decided request to fail")
	}
}

func TestLedgerReconcile_EmptyVault(t *testing.T) {
	prepareHome(t)
	output := captureOutput(t, func() {
		if err := runLedgerReconcile(nil, nil); err != nil {
			t.Fatalf("runLedgerReconcile error: %v", err)
		}
	})
	if !strings.Contains(output, "Checked 0 work items.") || !strings.Contains(output, "No discrepancies.") {
		t.Fatalf("unexpected reconcile output: %s", output)
	}
}

func TestAuditShow_Today(t *testing.T) {
	cfg := prepareHome(t)
	v := vault.New(cfg.Vault.Path)
	if err := v.Init(); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	logger := audit.NewLogger(v.LogsDir())
	if err := logger.Append(audit.Entry{
		Timestamp:  time.Now().UTC(),
		WorkItemID: "abc",
		EventType:  audit.EventIntake,
		Detail:     "report.pdf",
		Outcome:    audit.OutcomeSuccess,
	}); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	output := captureOutput(t, func() {
		if err := runAuditShow(nil, nil); err != nil {
			t.Fatalf("runAuditShow error: %v", err)
		}
	})
	if !strings.Contains(output, "intake") || !strings.Contains(output, "report.pdf") {
		t.Fatalf("unexpected audit output: %s", output)
	}
}

func TestParseLogLevel(t *testing.T) {
	if _, err := parseLogLevel("info", "verbose"); err == nil {
		t.Fatal("expected invalid override to fail")
	}
	lvl, err := parseLogLevel("error", "")
	if err != nil || lvl.String() != "ERROR" {
		t.Fatalf("unexpected level %v err=%v", lvl, err)
	}
}

func TestConfigureLogger_WritesJSONToFile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.File = filepath.Join(t.TempDir(), "logs", "deskhand.log")
	cfg.Log.Format = "json"
	if err := configureLogger(cfg, "debug"); err != nil {
		t.Fatalf("configureLogger error: %v", err)
	}
	t.Cleanup(func() {
		_ = configureLogger(config.DefaultConfig(), "")
	})

	slog.Debug("probe", "item_id", "x1")
	data, err := os.ReadFile(cfg.Log.File)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"probe"`) || !strings.Contains(string(data), `"component":"deskhand"`) {
		t.Fatalf("unexpected log line: %s", data)
	}
}
