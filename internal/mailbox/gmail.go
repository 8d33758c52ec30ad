package mailbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/mail"
	"os"
	"strings"
	"time"

	"github.com/MEKXH/deskhand/internal/fault"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	gmailUser       = "me"
	maxListResults  = 100
	unreadLabel     = "UNREAD"
	requestIDHeader = "X-Deskhand-Request-Id"
)

// GmailClient implements Client and sends mail through the Gmail API.
type GmailClient struct {
	svc  *gmail.Service
	from string
}

// NewGmailClient authorises with an installed-app credentials file and a
// previously obtained token file. The token is refreshed by oauth2 as needed.
func NewGmailClient(ctx context.Context, credentialsPath, tokenPath, from string) (*GmailClient, error) {
	creds, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read gmail credentials: %w", err)
	}
	cfg, err := google.ConfigFromJSON(creds, gmail.GmailModifyScope, gmail.GmailSendScope)
	if err != nil {
		return nil, fmt.Errorf("parse gmail credentials: %w", err)
	}
	tok, err := readToken(tokenPath)
	if err != nil {
		return nil, err
	}
	svc, err := gmail.NewService(ctx, option.WithTokenSource(cfg.TokenSource(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &GmailClient{svc: svc, from: strings.TrimSpace(from)}, nil
}

func readToken(path string) (*oauth2.Token, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gmail token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("parse gmail token: %w", err)
	}
	return &tok, nil
}

// ListUnread returns up to 100 unread messages carrying any of labels.
func (c *GmailClient) ListUnread(ctx context.Context, labels []string) ([]Message, error) {
	resp, err := c.svc.Users.Messages.List(gmailUser).
		Q(BuildQuery(labels)).
		MaxResults(maxListResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify(fmt.Errorf("list unread messages: %w", err))
	}

	out := make([]Message, 0, len(resp.Messages))
	for _, ref := range resp.Messages {
		full, err := c.svc.Users.Messages.Get(gmailUser, ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			return nil, classify(fmt.Errorf("get message %s: %w", ref.Id, err))
		}
		out = append(out, convert(full))
	}
	return out, nil
}

// MarkRead removes the UNREAD label.
func (c *GmailClient) MarkRead(ctx context.Context, id string) error {
	_, err := c.svc.Users.Messages.Modify(gmailUser, id, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{unreadLabel},
	}).Context(ctx).Do()
	if err != nil {
		return classify(fmt.Errorf("mark message %s read: %w", id, err))
	}
	return nil
}

// Send delivers email. The idempotency key is stamped into a header so a
// duplicate can be traced in the sent folder.
func (c *GmailClient) Send(ctx context.Context, email Email, idempotencyKey string) (string, error) {
	raw, err := BuildMIME(c.from, email, idempotencyKey, time.Now())
	if err != nil {
		return "", fault.Permanent(err)
	}
	sent, err := c.svc.Users.Messages.Send(gmailUser, &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return "", classify(fmt.Errorf("send message: %w", err))
	}
	return sent.Id, nil
}

// BuildMIME renders a plain text RFC 5322 message.
func BuildMIME(from string, email Email, idempotencyKey string, now time.Time) ([]byte, error) {
	to, err := formatAddressList(email.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	if to == "" {
		return nil, errors.New("email has no recipients")
	}
	cc, err := formatAddressList(email.Cc)
	if err != nil {
		return nil, fmt.Errorf("invalid cc: %w", err)
	}

	var buf bytes.Buffer
	if from = strings.TrimSpace(from); from != "" {
		addr, err := mail.ParseAddress(from)
		if err != nil {
			return nil, fmt.Errorf("invalid sender: %w", err)
		}
		fmt.Fprintf(&buf, "From: %s\r\n", addr.String())
	}
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	if cc != "" {
		fmt.Fprintf(&buf, "Cc: %s\r\n", cc)
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", email.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	if reply := strings.TrimSpace(email.InReplyTo); reply != "" {
		fmt.Fprintf(&buf, "In-Reply-To: %s\r\nReferences: %s\r\n", reply, reply)
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		fmt.Fprintf(&buf, "%s: %s\r\n", requestIDHeader, key)
	}
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	buf.WriteString(strings.ReplaceAll(email.Body, "\n", "\r\n"))
	return buf.Bytes(), nil
}

func formatAddressList(values []string) (string, error) {
	var parts []string
	for _, v := range values {
		for _, piece := range strings.Split(v, ",") {
			piece = strings.TrimSpace(piece)
			if piece == "" {
				continue
			}
			addr, err := mail.ParseAddress(piece)
			if err != nil {
				return "", err
			}
			parts = append(parts, addr.String())
		}
	}
	return strings.Join(parts, ", "), nil
}

func convert(m *gmail.Message) Message {
	msg := Message{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Labels:   append([]string(nil), m.LabelIds...),
		Snippet:  m.Snippet,
	}
	if m.Payload == nil {
		return msg
	}
	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			msg.From = h.Value
		case "to":
			msg.To = splitAddresses(h.Value)
		case "cc":
			msg.Cc = splitAddresses(h.Value)
		case "subject":
			msg.Subject = h.Value
		case "date":
			if t, err := mail.ParseDate(h.Value); err == nil {
				msg.Date = t
			}
		}
	}
	if msg.Date.IsZero() && m.InternalDate > 0 {
		msg.Date = time.UnixMilli(m.InternalDate)
	}
	msg.Body = plainText(m.Payload)
	return msg
}

// plainText returns the first text/plain part, searching nested multiparts.
func plainText(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}
	if len(part.Parts) == 0 {
		if part.Body == nil || part.Body.Data == "" {
			return ""
		}
		if part.MimeType != "" && part.MimeType != "text/plain" {
			return ""
		}
		return decodeBody(part.Body.Data)
	}
	for _, child := range part.Parts {
		if text := plainText(child); text != "" {
			return text
		}
	}
	return ""
}

func decodeBody(data string) string {
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	return ""
}

func splitAddresses(value string) []string {
	list, err := mail.ParseAddressList(value)
	if err != nil {
		if v := strings.TrimSpace(value); v != "" {
			return []string{v}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

// classify marks rate limits, server errors and timeouts as transient and
// everything else the API rejects as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500:
			return fault.Transient(err)
		default:
			return fault.Permanent(err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Transport failures (timeouts, resets, DNS) are worth another attempt.
	return fault.Transient(err)
}
