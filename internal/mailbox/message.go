package mailbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MEKXH/deskhand/internal/artifact"
)

// Message is an unread mail as seen by the mailbox poller.
type Message struct {
	ID       string
	ThreadID string
	From     string
	To       []string
	Cc       []string
	Subject  string
	Date     time.Time
	Labels   []string
	Snippet  string
	Body     string
}

// Client lists and acknowledges unread mail.
type Client interface {
	ListUnread(ctx context.Context, labels []string) ([]Message, error)
	MarkRead(ctx context.Context, id string) error
}

// Email is an outbound message.
type Email struct {
	To        []string
	Cc        []string
	Subject   string
	Body      string
	InReplyTo string
}

type messageFrontMatter struct {
	From      string   `yaml:"from"`
	To        []string `yaml:"to,omitempty"`
	Cc        []string `yaml:"cc,omitempty"`
	Subject   string   `yaml:"subject"`
	Date      string   `yaml:"date"`
	MessageID string   `yaml:"message_id"`
	ThreadID  string   `yaml:"thread_id,omitempty"`
	Labels    []string `yaml:"labels,omitempty"`
}

// ArtifactName is the payload file name a message is stored under.
func (m Message) ArtifactName() string {
	return "EMAIL_" + m.ID + ".md"
}

// DedupKey identifies the message across polls.
func (m Message) DedupKey() string {
	return "gmail:" + m.ID
}

// Markdown renders the message as a fenced document. The body is the plain
// text part, or the snippet when the message has none.
func (m Message) Markdown() ([]byte, error) {
	subject := strings.TrimSpace(m.Subject)
	if subject == "" {
		subject = "No Subject"
	}
	date := ""
	if !m.Date.IsZero() {
		date = m.Date.UTC().Format(time.RFC3339)
	}
	body := strings.TrimSpace(m.Body)
	if body == "" {
		body = strings.TrimSpace(m.Snippet)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", subject)
	b.WriteString(body)
	b.WriteString("\n")

	return artifact.Render(messageFrontMatter{
		From:      m.From,
		To:        m.To,
		Cc:        m.Cc,
		Subject:   subject,
		Date:      date,
		MessageID: m.ID,
		ThreadID:  m.ThreadID,
		Labels:    m.Labels,
	}, []byte(b.String()))
}

// BuildQuery returns the Gmail search query for unread mail carrying any of labels.
func BuildQuery(labels []string) string {
	var filters []string
	seen := map[string]bool{}
	for _, label := range labels {
		label = strings.TrimSpace(label)
		if label == "" || seen[strings.ToLower(label)] {
			continue
		}
		seen[strings.ToLower(label)] = true
		filters = append(filters, "label:"+label)
	}
	if len(filters) == 0 {
		return "is:unread"
	}
	return "is:unread (" + strings.Join(filters, " OR ") + ")"
}
