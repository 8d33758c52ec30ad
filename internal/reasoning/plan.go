package reasoning

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/MEKXH/deskhand/internal/artifact"
)

// PlanFile holds the plan of a work item.
const PlanFile = "plan.md"

// ErrInvalidPlan is returned for a plan.md without an action kind or item id.
var ErrInvalidPlan = errors.New("invalid plan")

// Plan is the proposed action for a work item.
type Plan struct {
	WorkItemID       string            `yaml:"work_item_id"`
	ActionKind       string            `yaml:"action_kind"`
	ActionParameters map[string]string `yaml:"action_parameters,omitempty"`
	GeneratedAt      time.Time         `yaml:"generated_at"`
	Generator        string            `yaml:"generator"`
	Summary          string            `yaml:"-"`
}

// WritePlan stores p as itemDir/plan.md.
func WritePlan(itemDir string, p Plan) error {
	body := strings.TrimSpace(p.Summary)
	if body == "" {
		body = "Proposed action: " + p.ActionKind
	}
	return artifact.WriteFile(filepath.Join(itemDir, PlanFile), p, []byte("# Plan\n\n"+body+"\n"))
}

// ReadPlan loads itemDir/plan.md.
func ReadPlan(itemDir string) (Plan, error) {
	var p Plan
	body, err := artifact.ReadFile(filepath.Join(itemDir, PlanFile), &p)
	if err != nil {
		return Plan{}, err
	}
	if strings.TrimSpace(p.ActionKind) == "" || strings.TrimSpace(p.WorkItemID) == "" {
		return Plan{}, fmt.Errorf("%w: %s", ErrInvalidPlan, itemDir)
	}
	p.Summary = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(body)), "# Plan"))
	return p, nil
}
