package approval

import (
	"context"
	"time"

	"github.com/MEKXH/deskhand/internal/vault"
)

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
	StatusExpired  RequestStatus = "expired"
)

// Dir returns the vault directory an artifact with this status lives in.
// Expired requests are filed with the rejected ones.
func (s RequestStatus) Dir() vault.State {
	switch s {
	case StatusApproved:
		return vault.Approved
	case StatusRejected, StatusExpired:
		return vault.Rejected
	default:
		return vault.PendingApproval
	}
}

// Request is the front matter of an approval artifact.
type Request struct {
	ID               string            `yaml:"id"`
	WorkItemID       string            `yaml:"work_item_id"`
	WorkItemName     string            `yaml:"work_item_name"`
	ActionKind       string            `yaml:"action_kind"`
	ActionParameters map[string]string `yaml:"action_parameters,omitempty"`
	Status           RequestStatus     `yaml:"status"`
	CreatedAt        time.Time         `yaml:"created_at"`
	ExpiresAt        time.Time         `yaml:"expires_at"`
	DecidedAt        time.Time         `yaml:"decided_at,omitempty"`
	Note             string            `yaml:"note,omitempty"`
}

// Located is a request together with where it was found. The directory, not
// the status field, is the decision.
type Located struct {
	Request  Request
	ID       string
	Path     string
	Location RequestStatus
	ModTime  time.Time
	Err      error
}

// Notifier tells the owner that a decision is needed.
type Notifier interface {
	NotifyApproval(ctx context.Context, req Request) error
}
