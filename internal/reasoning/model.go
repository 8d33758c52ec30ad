package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MEKXH/deskhand/internal/fault"
	"github.com/MEKXH/deskhand/internal/policy"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const (
	maxPromptPayload = 8 * 1024

	systemPrompt = `You are deskhand, a careful assistant that triages work items for one person.
Reply with a single JSON object: {"summary": "...", "action_kind": "...", "action_parameters": {"key": "value"}}.
action_kind is one of email_send, social_post, linkedin_post, payment, invoice_create, file_archive, note.
Keep the summary under five sentences. Never invent recipients or amounts.`
)

// ModelGenerator writes plan summaries with a chat model. An action the
// payload names explicitly always wins; otherwise the model's suggestion is
// used, and rules decide when the reply cannot be read.
type ModelGenerator struct {
	model model.BaseChatModel
	rules RuleGenerator
}

// NewModelGenerator wraps m.
func NewModelGenerator(m model.BaseChatModel, rules RuleGenerator) *ModelGenerator {
	return &ModelGenerator{model: m, rules: rules}
}

type modelReply struct {
	Summary          string            `json:"summary"`
	ActionKind       string            `json:"action_kind"`
	ActionParameters map[string]string `json:"action_parameters"`
}

func (g *ModelGenerator) Generate(ctx context.Context, in Input) (Plan, error) {
	base, err := g.rules.Generate(ctx, in)
	if err != nil {
		return Plan{}, err
	}
	_, _, explicit := extractAction(in.Payload)

	resp, err := g.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(prompt(in)),
	})
	if err != nil {
		return Plan{}, fault.Transient(fmt.Errorf("generate plan: %w", err))
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return Plan{}, fault.Transient(fmt.Errorf("generate plan: empty model reply"))
	}

	plan := base
	plan.Generator = "model"
	reply, ok := parseReply(resp.Content)
	if !ok {
		plan.Summary = strings.TrimSpace(resp.Content)
		return plan, nil
	}
	if s := strings.TrimSpace(reply.Summary); s != "" {
		plan.Summary = s
	}
	if !explicit {
		if kind := policy.NormalizeKind(reply.ActionKind); kind != "" {
			plan.ActionKind = kind
			plan.ActionParameters = reply.ActionParameters
		}
	}
	return plan, nil
}

func prompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work item: %s\nOrigin: %s\n", in.Item.Name, in.Item.Origin)
	if in.Trigger.OriginalPath != "" {
		fmt.Fprintf(&b, "Original path: %s\n", in.Trigger.OriginalPath)
	}
	b.WriteString("\nContent:\n")
	payload := in.Payload
	if len(payload) > maxPromptPayload {
		payload = payload[:maxPromptPayload]
	}
	if utf8.Valid(payload) {
		b.Write(payload)
	} else {
		b.WriteString("(binary content omitted)")
	}
	return b.String()
}

// parseReply accepts a bare JSON object or one wrapped in a code fence.
func parseReply(content string) (modelReply, bool) {
	content = strings.TrimSpace(content)
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return modelReply{}, false
	}
	var reply modelReply
	if err := json.Unmarshal([]byte(content[start:end+1]), &reply); err != nil {
		return modelReply{}, false
	}
	return reply, true
}
