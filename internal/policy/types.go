package policy

// Action is the policy decision for a planned action.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionRequireApproval Action = "require_approval"
)

// Built-in action kinds.
const (
	KindEmailSend     = "email_send"
	KindSocialPost    = "social_post"
	KindLinkedInPost  = "linkedin_post"
	KindPayment       = "payment"
	KindInvoiceCreate = "invoice_create"
	KindFileArchive   = "file_archive"
	KindNote          = "note"
)

// DefaultSpendThreshold is the invoice amount at or above which approval is required.
const DefaultSpendThreshold = 100.0

// Config contains policy settings. SensitiveKinds only ever add to the
// built-in sensitive set. A zero SpendThreshold sends every invoice for
// approval; a negative one falls back to DefaultSpendThreshold.
type Config struct {
	SensitiveKinds []string
	SpendThreshold float64
}

// Input is one planned action to classify.
type Input struct {
	Kind       string
	Parameters map[string]string
}

// Decision is the result of evaluating an action.
type Decision struct {
	Action Action
	Reason string
}

// Sensitive reports whether the decision gates the action on a human.
func (d Decision) Sensitive() bool {
	return d.Action == ActionRequireApproval
}
