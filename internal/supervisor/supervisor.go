package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MEKXH/deskhand/internal/approval"
	"github.com/MEKXH/deskhand/internal/audit"
	"github.com/MEKXH/deskhand/internal/briefing"
	"github.com/MEKXH/deskhand/internal/config"
	"github.com/MEKXH/deskhand/internal/dashboard"
	"github.com/MEKXH/deskhand/internal/executor"
	"github.com/MEKXH/deskhand/internal/fault"
	"github.com/MEKXH/deskhand/internal/gateway"
	"github.com/MEKXH/deskhand/internal/intake"
	"github.com/MEKXH/deskhand/internal/ledger"
	"github.com/MEKXH/deskhand/internal/mailbox"
	"github.com/MEKXH/deskhand/internal/metrics"
	"github.com/MEKXH/deskhand/internal/notify"
	"github.com/MEKXH/deskhand/internal/pipeline"
	"github.com/MEKXH/deskhand/internal/policy"
	"github.com/MEKXH/deskhand/internal/provider"
	"github.com/MEKXH/deskhand/internal/reasoning"
	"github.com/MEKXH/deskhand/internal/source"
	"github.com/MEKXH/deskhand/internal/state"
	"github.com/MEKXH/deskhand/internal/vault"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// detectionBuffer bounds how far sources can run ahead of the normalizer.
const detectionBuffer = 64

// Supervisor owns every long-running loop of the employee.
type Supervisor struct {
	cfg *config.Config

	Vault      *vault.Vault
	Audit      *audit.Logger
	Metrics    *metrics.Recorder
	Ledger     *ledger.Ledger
	Normalizer *intake.Normalizer
	Gate       *approval.Gate
	Executor   *executor.Executor
	Planner    *pipeline.Planner
	Router     *pipeline.Router
	Dashboard  *dashboard.Dashboard
	Briefing   *briefing.Briefer
	Gateway    *gateway.Server

	sources []source.Source
}

// Clients are the optional outbound integrations. Build fills the ones
// enabled in config; tests inject fakes.
type Clients struct {
	Generator reasoning.Generator
	Mail      mailbox.Client
	Sender    executor.EmailSender
	Notifier  approval.Notifier
	Poster    executor.Poster
}

// Build creates the external clients named by cfg and wires a supervisor.
func Build(ctx context.Context, cfg *config.Config) (*Supervisor, error) {
	var clients Clients

	switch cfg.Reasoning.Generator {
	case "model":
		m, err := provider.NewChatModel(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init reasoning model: %w", err)
		}
		clients.Generator = reasoning.NewModelGenerator(m, reasoning.RuleGenerator{})
	default:
		clients.Generator = reasoning.RuleGenerator{}
	}

	if cfg.Mailbox.Enabled {
		gmail, err := mailbox.NewGmailClient(ctx, cfg.Mailbox.CredentialsFile, cfg.Mailbox.TokenFile, cfg.Mailbox.From)
		if err != nil {
			return nil, fmt.Errorf("init mailbox: %w", err)
		}
		clients.Mail = gmail
		clients.Sender = gmail
	}

	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, cfg.Telegram.Channel)
		if err != nil {
			return nil, err
		}
		clients.Notifier = tg
		if cfg.Telegram.Channel != "" {
			clients.Poster = tg
		}
	}

	return New(cfg, clients)
}

// New wires a supervisor from cfg and already constructed clients.
func New(cfg *config.Config, clients Clients) (*Supervisor, error) {
	if clients.Generator == nil {
		clients.Generator = reasoning.RuleGenerator{}
	}
	retry := RetryPolicy(cfg.Retry)

	v := vault.New(cfg.Vault.Path)
	if err := v.Init(); err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}
	logger := audit.NewLogger(v.LogsDir())
	rec := metrics.NewRecorder(v.StatePath(metrics.FileName))
	l := ledger.New(v, logger).WithMetrics(rec)

	gate := approval.NewGate(l, logger, cfg.Approval.TTLDuration()).WithMetrics(rec)
	if clients.Notifier != nil {
		gate.WithNotifier(clients.Notifier)
	}

	registry := executor.NewDefaultRegistry(executor.Deps{Email: clients.Sender, Poster: clients.Poster})
	execRetry := retry
	execRetry.MaxAttempts = cfg.Executor.MaxAttempts
	exec := executor.New(l, gate.Store(), logger, registry, executor.Config{
		Retry:   execRetry,
		Timeout: cfg.Executor.TimeoutDuration(),
	}).WithMetrics(rec)

	s := &Supervisor{
		cfg:        cfg,
		Vault:      v,
		Audit:      logger,
		Metrics:    rec,
		Ledger:     l,
		Normalizer: intake.NewNormalizer(l, logger),
		Gate:       gate,
		Executor:   exec,
		Planner:    pipeline.NewPlanner(l, clients.Generator, retry, cfg.Reasoning.TimeoutDuration()),
		Router: pipeline.NewRouter(l, policy.NewEvaluator(policy.Config{
			SensitiveKinds: cfg.Policy.SensitiveKinds,
			SpendThreshold: cfg.Policy.SpendThreshold,
		}), gate, exec),
		Dashboard: dashboard.New(l, logger, gate.Store(), rec, cfg.Dashboard.RecentEntries),
	}

	if cfg.Briefing.Enabled {
		s.Briefing = briefing.New(l, logger, cfg.Briefing.Schedule)
	}
	if cfg.Gateway.Enabled {
		s.Gateway = gateway.New(cfg.Gateway, gateway.Sources{
			Items:     l,
			Approvals: gate,
			History:   logger,
			Metrics:   rec,
		})
	}

	if cfg.Intake.Enabled {
		s.sources = append(s.sources, source.NewFilesystemSource(source.FilesystemConfig{
			Dir:               v.Dir(vault.Inbox),
			StabilityInterval: cfg.Intake.StabilityInterval(),
			StableSamples:     cfg.Intake.StableSamples,
			Retry:             retry,
		}))
	}
	if clients.Mail != nil {
		s.sources = append(s.sources, source.NewMailboxSource(clients.Mail, source.MailboxConfig{
			Labels:       cfg.Mailbox.Labels,
			PollInterval: cfg.Mailbox.PollDuration(),
			Timeout:      cfg.Mailbox.TimeoutDuration(),
			Retry:        retry,
			Limit:        rate.Limit(cfg.Mailbox.RateLimit),
		}, state.NewManager(v.StatePath(""))))
	}
	return s, nil
}

// RetryPolicy converts the retry config section.
func RetryPolicy(c config.RetryConfig) fault.Policy {
	return fault.Policy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: time.Duration(c.InitialIntervalMs) * time.Millisecond,
		MaxInterval:     time.Duration(c.MaxIntervalMs) * time.Millisecond,
	}
}

// Startup rebuilds the index from disk against the last snapshot and
// finishes any interrupted intake.
func (s *Supervisor) Startup() (ledger.Report, error) {
	report, err := s.Ledger.Reconcile()
	if err != nil {
		return report, fmt.Errorf("reconcile ledger: %w", err)
	}
	if err := s.Normalizer.Resume(); err != nil {
		return report, fmt.Errorf("resume intake: %w", err)
	}
	return report, nil
}

// Run performs startup and runs every loop until ctx is done or one of
// them fails.
func (s *Supervisor) Run(ctx context.Context) error {
	report, err := s.Startup()
	if err != nil {
		return err
	}
	slog.Info("deskhand started", "vault", s.Vault.Root(), "items", report.Checked, "sources", len(s.sources), "capabilities", s.Executor.Capabilities())

	g, ctx := errgroup.WithContext(ctx)
	detections := make(chan source.Detection, detectionBuffer)

	for _, src := range s.sources {
		src := src
		g.Go(func() error {
			if err := src.Run(ctx, detections); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s source: %w", src.Name(), err)
			}
			return nil
		})
	}
	g.Go(func() error { return s.Normalizer.Pump(ctx, detections) })
	g.Go(func() error { return s.Planner.Run(ctx, s.cfg.Reasoning.PollDuration()) })
	g.Go(func() error { return s.Router.Run(ctx, s.cfg.Executor.PollDuration()) })
	g.Go(func() error { return s.Gate.Run(ctx, s.cfg.Approval.PollDuration()) })
	g.Go(func() error { return s.Executor.Run(ctx, s.cfg.Executor.PollDuration()) })
	g.Go(func() error { return s.Dashboard.Run(ctx, s.cfg.Dashboard.IntervalDuration()) })
	if s.Briefing != nil {
		g.Go(func() error { return s.Briefing.Run(ctx) })
	}
	if s.Gateway != nil {
		g.Go(func() error { return s.Gateway.Run(ctx) })
	}

	err = g.Wait()
	slog.Info("deskhand stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
