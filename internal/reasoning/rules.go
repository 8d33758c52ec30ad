package reasoning

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MEKXH/deskhand/internal/artifact"
	"github.com/MEKXH/deskhand/internal/ledger"
	"github.com/MEKXH/deskhand/internal/policy"
)

const actionKindKey = "action_kind"

// Input is what a generator sees of a work item.
type Input struct {
	Item    ledger.WorkItem
	Trigger ledger.Trigger
	Payload []byte
}

// Generator proposes a plan for a work item.
type Generator interface {
	Generate(ctx context.Context, in Input) (Plan, error)
}

// RuleGenerator plans from the payload's own front matter. A payload that
// names an action_kind gets that action with its other scalar keys as
// parameters; anything else is filed.
type RuleGenerator struct {
	Now func() time.Time
}

func (g RuleGenerator) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g RuleGenerator) Generate(_ context.Context, in Input) (Plan, error) {
	kind, params, explicit := extractAction(in.Payload)
	p := Plan{
		WorkItemID:       in.Item.ID,
		ActionKind:       kind,
		ActionParameters: params,
		GeneratedAt:      g.now().UTC(),
		Generator:        "rules",
	}
	if explicit {
		p.Summary = fmt.Sprintf("%s asks for `%s`%s.", in.Item.Name, kind, describeParams(params))
	} else {
		p.Summary = fmt.Sprintf("%s carries no requested action and will be filed.", in.Item.Name)
	}
	return p, nil
}

// extractAction reads action_kind and scalar parameters from front matter.
func extractAction(payload []byte) (string, map[string]string, bool) {
	var meta map[string]any
	if _, err := artifact.Parse(payload, &meta); err != nil {
		return policy.KindFileArchive, nil, false
	}
	raw, ok := meta[actionKindKey]
	kind := ""
	if ok {
		kind = policy.NormalizeKind(scalar(raw))
	}
	if kind == "" {
		return policy.KindFileArchive, nil, false
	}

	params := map[string]string{}
	for k, v := range meta {
		switch {
		case k == actionKindKey:
		case k == "action_parameters":
			if nested, ok := v.(map[string]any); ok {
				for nk, nv := range nested {
					if s := scalar(nv); s != "" {
						params[nk] = s
					}
				}
			}
		default:
			if s := scalar(v); s != "" {
				params[k] = s
			}
		}
	}
	if len(params) == 0 {
		params = nil
	}
	return kind, params, true
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return ""
	}
}

func describeParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return " with " + strings.Join(keys, ", ")
}
