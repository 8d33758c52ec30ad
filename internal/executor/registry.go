package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Action is one approved or non-sensitive side effect to perform.
type Action struct {
	RequestID  string
	WorkItemID string
	Kind       string
	Params     map[string]string
	// ItemDir is the current directory of the work item, for capabilities
	// that leave their output next to the payload.
	ItemDir string
}

// Result describes a finished dispatch.
type Result struct {
	Success bool
	Detail  string
}

// Capability performs one kind of action. The request ID in Action is the
// idempotency key.
type Capability interface {
	Execute(ctx context.Context, a Action) (Result, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, a Action) (Result, error)

func (f CapabilityFunc) Execute(ctx context.Context, a Action) (Result, error) {
	return f(ctx, a)
}

// Registry maps action kinds to capabilities.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds a capability for kind.
func (r *Registry) Register(kind string, c Capability) error {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return fmt.Errorf("capability kind is empty")
	}
	if c == nil {
		return fmt.Errorf("capability %s is nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[kind]; exists {
		return fmt.Errorf("capability already registered: %s", kind)
	}
	r.caps[kind] = c
	return nil
}

// Get retrieves the capability for kind.
func (r *Registry) Get(kind string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caps[strings.ToLower(strings.TrimSpace(kind))]
	return c, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.caps))
	for kind := range r.caps {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}
