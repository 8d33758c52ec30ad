package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/MEKXH/deskhand/internal/approval"
	"github.com/MEKXH/deskhand/internal/fault"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender is the part of the bot API the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends approval prompts to the owner's chat and posts to a channel.
type Telegram struct {
	bot     Sender
	chatID  int64
	channel string
}

// NewTelegram connects a bot with token.
func NewTelegram(token string, chatID int64, channel string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	return New(bot, chatID, channel), nil
}

// New wraps an existing sender.
func New(bot Sender, chatID int64, channel string) *Telegram {
	channel = strings.TrimSpace(channel)
	if channel != "" && !strings.HasPrefix(channel, "@") {
		channel = "@" + channel
	}
	return &Telegram{bot: bot, chatID: chatID, channel: channel}
}

// NotifyApproval tells the owner a request is waiting.
func (t *Telegram) NotifyApproval(ctx context.Context, req approval.Request) error {
	if t.chatID == 0 {
		return fault.Permanent(errors.New("telegram: no owner chat configured"))
	}
	_, err := t.send(ctx, tgbotapi.NewMessage(t.chatID, ApprovalText(req)))
	return err
}

// Post publishes text to the configured channel and returns the message id.
func (t *Telegram) Post(ctx context.Context, text string) (string, error) {
	if t.channel == "" {
		return "", fault.Permanent(errors.New("telegram: no channel configured"))
	}
	msg, err := t.send(ctx, tgbotapi.NewMessageToChannel(t.channel, text))
	if err != nil {
		return "", err
	}
	return strconv.Itoa(msg.MessageID), nil
}

func (t *Telegram) send(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	type result struct {
		msg tgbotapi.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := t.bot.Send(c)
		done <- result{msg: msg, err: err}
	}()
	select {
	case <-ctx.Done():
		return tgbotapi.Message{}, fault.Transient(ctx.Err())
	case r := <-done:
		return r.msg, classify(r.err)
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError {
			return fault.Transient(err)
		}
		return fault.Permanent(err)
	}
	return fault.Transient(err)
}

// ApprovalText renders the approval prompt.
func ApprovalText(req approval.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Approval needed: %s\n", req.ActionKind)
	if req.WorkItemName != "" {
		fmt.Fprintf(&b, "Item: %s\n", req.WorkItemName)
	}
	keys := make([]string, 0, len(req.ActionParameters))
	for k := range req.ActionParameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %s\n", k, req.ActionParameters[k])
	}
	if !req.ExpiresAt.IsZero() {
		fmt.Fprintf(&b, "Expires: %s\n", req.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	fmt.Fprintf(&b, "\nMove %s to Approved/ or Rejected/, or run:\ndeskhand approval approve %s", approval.FileName(req.ID), req.ID)
	return b.String()
}
