package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/MEKXH/deskhand/internal/artifact"
	"github.com/MEKXH/deskhand/internal/fault"
	"github.com/MEKXH/deskhand/internal/mailbox"
	"github.com/MEKXH/deskhand/internal/policy"
)

// InvoiceFile is the draft left in the item by invoice_create.
const InvoiceFile = "invoice.md"

// ErrNoCapability is returned when no capability handles an action kind.
var ErrNoCapability = errors.New("no capability for action kind")

// EmailSender sends outbound mail. The key is stamped on the message so a
// human can spot a duplicate.
type EmailSender interface {
	Send(ctx context.Context, email mailbox.Email, idempotencyKey string) (string, error)
}

// Poster publishes a text post.
type Poster interface {
	Post(ctx context.Context, text string) (string, error)
}

// Deps holds the outbound clients the built-in capabilities use. Nil
// clients leave their kinds unregistered.
type Deps struct {
	Email  EmailSender
	Poster Poster
	Now    func() time.Time
}

// NewDefaultRegistry registers the built-in capabilities.
func NewDefaultRegistry(deps Deps) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	r := NewRegistry()
	if deps.Email != nil {
		_ = r.Register(policy.KindEmailSend, EmailCapability(deps.Email))
	}
	if deps.Poster != nil {
		_ = r.Register(policy.KindSocialPost, PostCapability(deps.Poster))
	}
	_ = r.Register(policy.KindFileArchive, CapabilityFunc(func(_ context.Context, a Action) (Result, error) {
		return Result{Success: true, Detail: "filed " + filepath.Base(a.ItemDir)}, nil
	}))
	_ = r.Register(policy.KindNote, CapabilityFunc(func(context.Context, Action) (Result, error) {
		return Result{Success: true, Detail: "noted"}, nil
	}))
	_ = r.Register(policy.KindInvoiceCreate, InvoiceCapability(deps.Now))
	return r
}

// EmailCapability sends the planned email through sender.
func EmailCapability(sender EmailSender) Capability {
	return CapabilityFunc(func(ctx context.Context, a Action) (Result, error) {
		to := splitList(a.Params["to"])
		if len(to) == 0 {
			return Result{}, fault.Permanent(fmt.Errorf("email_send: missing recipient"))
		}
		email := mailbox.Email{
			To:        to,
			Cc:        splitList(a.Params["cc"]),
			Subject:   strings.TrimSpace(a.Params["subject"]),
			Body:      a.Params["body"],
			InReplyTo: strings.TrimSpace(a.Params["in_reply_to"]),
		}
		id, err := sender.Send(ctx, email, a.RequestID)
		if err != nil {
			return Result{}, err
		}
		return Result{Success: true, Detail: fmt.Sprintf("sent message %s to %s", id, strings.Join(to, ", "))}, nil
	})
}

// PostCapability publishes the planned post through poster.
func PostCapability(poster Poster) Capability {
	return CapabilityFunc(func(ctx context.Context, a Action) (Result, error) {
		text := strings.TrimSpace(a.Params["text"])
		if text == "" {
			text = strings.TrimSpace(a.Params["body"])
		}
		if text == "" {
			return Result{}, fault.Permanent(fmt.Errorf("social_post: missing text"))
		}
		id, err := poster.Post(ctx, text)
		if err != nil {
			return Result{}, err
		}
		return Result{Success: true, Detail: "posted " + id}, nil
	})
}

type invoiceDraft struct {
	RequestID string            `yaml:"request_id"`
	Client    string            `yaml:"client,omitempty"`
	Amount    string            `yaml:"amount"`
	CreatedAt time.Time         `yaml:"created_at"`
	Extra     map[string]string `yaml:"extra,omitempty"`
}

// InvoiceCapability writes an invoice draft into the work item.
func InvoiceCapability(now func() time.Time) Capability {
	return CapabilityFunc(func(_ context.Context, a Action) (Result, error) {
		amount := strings.TrimSpace(a.Params["amount"])
		if amount == "" {
			return Result{}, fault.Permanent(fmt.Errorf("invoice_create: missing amount"))
		}
		if a.ItemDir == "" {
			return Result{}, fault.Permanent(fmt.Errorf("invoice_create: no item directory"))
		}
		extra := map[string]string{}
		for k, v := range a.Params {
			if k != "amount" && k != "client" {
				extra[k] = v
			}
		}
		draft := invoiceDraft{
			RequestID: a.RequestID,
			Client:    strings.TrimSpace(a.Params["client"]),
			Amount:    amount,
			CreatedAt: now().UTC(),
			Extra:     extra,
		}
		body := fmt.Sprintf("# Invoice draft\n\nAmount: %s\n", amount)
		if err := artifact.WriteFile(filepath.Join(a.ItemDir, InvoiceFile), draft, []byte(body)); err != nil {
			return Result{}, fault.Transient(err)
		}
		return Result{Success: true, Detail: "drafted invoice for " + amount}, nil
	})
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' }) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
