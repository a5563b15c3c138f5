// Package integrations holds the adapters the execution engine drives against
// external systems: the identity directory, the VPN controller, the host
// compliance agent and the notifier.
package integrations

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnsupported is returned by CaptureState or Reverse when the adapter cannot
// perform that operation for the given action. It is not a failure.
var ErrUnsupported = errors.New("integrations: operation not supported")

// ErrUnknownAction is returned when an adapter is asked to run an action it does not declare.
var ErrUnknownAction = errors.New("integrations: unknown action")

// Params are the string parameters of a remediation action.
type Params map[string]string

// State is an opaque snapshot of target-system state, persisted as JSON.
type State map[string]interface{}

// ActionSpec declares the safety properties of one action.
type ActionSpec struct {
	Type string `json:"type"`
	// Idempotent actions may be re-applied safely.
	Idempotent bool `json:"idempotent"`
	// Deduplicates means the target system drops repeated requests carrying the same idempotency key.
	Deduplicates bool `json:"deduplicates"`
	// Reversible actions can be undone from a captured before-state.
	Reversible bool `json:"reversible"`
}

// Retryable reports whether a failed attempt may be retried.
func (s ActionSpec) Retryable() bool {
	return s.Idempotent || s.Deduplicates
}

// Request is a single apply/reverse call.
type Request struct {
	Action         string
	Params         Params
	IdempotencyKey string
}

// Result is what a successful Apply returns.
type Result struct {
	Message string `json:"message"`
	After   State  `json:"after,omitempty"`
	// Sensitive values (temporary passwords) are handed to the notifier and never persisted.
	Sensitive map[string]string `json:"-"`
}

// Adapter is the contract every integrated system implements.
type Adapter interface {
	Name() string
	Spec(action string) (ActionSpec, bool)
	CaptureState(ctx context.Context, req Request) (State, error)
	Apply(ctx context.Context, req Request) (*Result, error)
	Reverse(ctx context.Context, req Request, before State) error
}

// Registry maps adapter names to implementations.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter under its Name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("integrations: adapter %q not registered", name)
	}
	return a, nil
}

// Names lists registered adapters, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func specFor(specs []ActionSpec, action string) (ActionSpec, bool) {
	for _, s := range specs {
		if s.Type == action {
			return s, true
		}
	}
	return ActionSpec{}, false
}
