package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MEKXH/deskhand/internal/fault"
	"github.com/MEKXH/deskhand/internal/ledger"
	"github.com/MEKXH/deskhand/internal/mailbox"
	"github.com/MEKXH/deskhand/internal/state"
	"golang.org/x/time/rate"
)

const (
	MinPollInterval = 60 * time.Second
	MaxPollInterval = 120 * time.Second

	defaultCallTimeout = 30 * time.Second
)

// ClampPollInterval keeps the mailbox poll interval within 60..120s.
func ClampPollInterval(d time.Duration) time.Duration {
	if d < MinPollInterval {
		return MinPollInterval
	}
	if d > MaxPollInterval {
		return MaxPollInterval
	}
	return d
}

// MailboxConfig configures the mailbox poller.
type MailboxConfig struct {
	Labels       []string
	PollInterval time.Duration
	Timeout      time.Duration
	Retry        fault.Policy
	// Limit caps API calls (list and mark-read) per second.
	Limit rate.Limit
}

// MailboxSource polls a mailbox for unread labelled mail.
type MailboxSource struct {
	client  mailbox.Client
	cfg     MailboxConfig
	state   *state.Manager
	limiter *rate.Limiter
	now     func() time.Time

	mu      sync.Mutex
	failing bool
}

// NewMailboxSource creates a poller. st may be nil to skip the watermark.
func NewMailboxSource(client mailbox.Client, cfg MailboxConfig, st *state.Manager) *MailboxSource {
	cfg.PollInterval = ClampPollInterval(cfg.PollInterval)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	if cfg.Limit <= 0 {
		cfg.Limit = rate.Every(time.Second)
	}
	return &MailboxSource{
		client:  client,
		cfg:     cfg,
		state:   st,
		limiter: rate.NewLimiter(cfg.Limit, 1),
		now:     time.Now,
	}
}

func (s *MailboxSource) Name() string { return "mailbox" }

// Run polls immediately and then every poll interval until ctx is done.
func (s *MailboxSource) Run(ctx context.Context, out chan<- Detection) error {
	slog.Info("mailbox source polling", "interval", s.cfg.PollInterval, "labels", s.cfg.Labels)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.Poll(ctx, out); err != nil && ctx.Err() == nil {
			slog.Warn("mailbox poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll lists unread mail once and emits one detection per message. A failed
// poll emits a failure detection only for the first failure of an outage.
func (s *MailboxSource) Poll(ctx context.Context, out chan<- Detection) error {
	var msgs []mailbox.Message
	err := fault.Retry(ctx, s.cfg.Retry, "mailbox.list", func(ctx context.Context) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		var err error
		msgs, err = s.client.ListUnread(callCtx, s.cfg.Labels)
		return err
	})

	now := s.now()
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.saveState(func(st *state.MailboxState) {
			st.LastPollAt = now
			st.LastError = err.Error()
		})
		if s.startOutage() {
			emit(ctx, out, Detection{
				Origin:     ledger.OriginMailbox,
				Name:       "MAILBOX_FAILURE_" + now.UTC().Format("20060102_150405") + ".md",
				Content:    []byte(fmt.Sprintf("# Mailbox poll failed\n\n%s\n", err)),
				DetectedAt: now,
				Err:        fmt.Errorf("mailbox poll: %w", err),
			})
		}
		return err
	}

	s.endOutage()
	s.saveState(func(st *state.MailboxState) {
		st.LastPollAt = now
		st.LastSuccessAt = now
		st.LastError = ""
		st.Seen += int64(len(msgs))
	})

	for _, msg := range msgs {
		content, err := msg.Markdown()
		if err != nil {
			slog.Error("render mail message", "message_id", msg.ID, "error", err)
			continue
		}
		id := msg.ID
		det := Detection{
			Origin:     ledger.OriginMailbox,
			Name:       msg.ArtifactName(),
			Content:    content,
			DedupKey:   msg.DedupKey(),
			Checksum:   checksum(content),
			Size:       int64(len(content)),
			DetectedAt: now,
			Ack: func(ctx context.Context) error {
				return s.markRead(ctx, id)
			},
		}
		if !emit(ctx, out, det) {
			return ctx.Err()
		}
	}
	return nil
}

func (s *MailboxSource) markRead(ctx context.Context, id string) error {
	return fault.Retry(ctx, s.cfg.Retry, "mailbox.mark_read", func(ctx context.Context) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		return s.client.MarkRead(callCtx, id)
	})
}

func (s *MailboxSource) startOutage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return false
	}
	s.failing = true
	return true
}

func (s *MailboxSource) endOutage() {
	s.mu.Lock()
	s.failing = false
	s.mu.Unlock()
}

func (s *MailboxSource) saveState(update func(*state.MailboxState)) {
	if s.state == nil {
		return
	}
	st, err := s.state.LoadMailboxState()
	if err != nil {
		slog.Warn("load mailbox state", "error", err)
	}
	update(&st)
	if err := s.state.SaveMailboxState(st); err != nil {
		slog.Warn("save mailbox state", "error", err)
	}
}
