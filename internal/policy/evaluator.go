package policy

import (
	"math"
	"strconv"
	"strings"
)

var builtinSensitive = map[string]struct{}{
	KindEmailSend:    {},
	KindSocialPost:   {},
	KindLinkedInPost: {},
	KindPayment:      {},
}

var builtinSafe = map[string]struct{}{
	KindFileArchive: {},
	KindNote:        {},
}

// Evaluator performs pure policy decisions.
type Evaluator struct {
	sensitive      map[string]struct{}
	spendThreshold float64
}

// NewEvaluator builds a deterministic, side-effect free evaluator.
func NewEvaluator(cfg Config) Evaluator {
	sensitive := make(map[string]struct{}, len(builtinSensitive)+len(cfg.SensitiveKinds))
	for kind := range builtinSensitive {
		sensitive[kind] = struct{}{}
	}
	for _, kind := range cfg.SensitiveKinds {
		normalized := NormalizeKind(kind)
		if normalized == "" {
			continue
		}
		sensitive[normalized] = struct{}{}
	}

	threshold := cfg.SpendThreshold
	if threshold < 0 || math.IsNaN(threshold) {
		threshold = DefaultSpendThreshold
	}
	return Evaluator{
		sensitive:      sensitive,
		spendThreshold: threshold,
	}
}

// Evaluate returns a deterministic decision for the given input.
func (e Evaluator) Evaluate(input Input) Decision {
	kind := NormalizeKind(input.Kind)

	if _, ok := e.sensitive[kind]; ok {
		return Decision{Action: ActionRequireApproval, Reason: kind + " is sensitive"}
	}
	if kind == KindInvoiceCreate {
		return e.evaluateInvoice(input.Parameters)
	}
	if _, ok := builtinSafe[kind]; ok {
		return Decision{Action: ActionAllow}
	}
	return Decision{Action: ActionRequireApproval, Reason: "unknown action kind " + strconv.Quote(kind)}
}

func (e Evaluator) evaluateInvoice(params map[string]string) Decision {
	raw := strings.TrimSpace(params["amount"])
	if raw == "" {
		return Decision{Action: ActionRequireApproval, Reason: "invoice amount missing"}
	}
	amount, err := strconv.ParseFloat(strings.TrimLeft(strings.ReplaceAll(raw, ",", ""), "$€£"), 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Decision{Action: ActionRequireApproval, Reason: "invoice amount unparseable"}
	}
	if amount < 0 {
		return Decision{Action: ActionRequireApproval, Reason: "invoice amount negative"}
	}
	if amount >= e.spendThreshold {
		return Decision{Action: ActionRequireApproval, Reason: "invoice amount at or above spend threshold"}
	}
	return Decision{Action: ActionAllow}
}

// NormalizeKind lower-cases and trims an action kind.
func NormalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}
