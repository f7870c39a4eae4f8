// Package response suggests, executes, and rolls back containment actions
// against security events. Every executed action captures a before-state
// snapshot so it can be reversed inside its undo window.
package response

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Sentinel errors returned by the orchestrator and handlers.
var (
	ErrUnsupportedAction = errors.New("unsupported action type")
	ErrInvalidActionData = errors.New("invalid action data")
	ErrQuotaExceeded     = errors.New("pending action quota exceeded")
	ErrNotPending        = errors.New("action is not pending")
	ErrExpired           = errors.New("action expired before execution")
	ErrNotExecuted       = errors.New("action is not in executed state")
	ErrOutsideUndoWindow = errors.New("undo window has closed")
)

// Handler implements one action type end to end. CaptureBeforeState runs
// before Execute; its snapshot is the only input Rollback gets besides the
// original action data.
type Handler interface {
	ActionType() string
	Validate(data map[string]interface{}) error
	CaptureBeforeState(ctx context.Context, data map[string]interface{}) (string, error)
	Execute(ctx context.Context, data map[string]interface{}) (afterState string, err error)
	Rollback(ctx context.Context, data map[string]interface{}, beforeState string) error
}

// Registry maps action types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler, replacing any previous handler for the type.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.ActionType()] = h
}

// Get returns the handler for the action type or ErrUnsupportedAction.
func (r *Registry) Get(actionType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[actionType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAction, actionType)
	}
	return h, nil
}

// Types returns the registered action types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// stringField extracts a required non-empty string from action data.
func stringField(data map[string]interface{}, key string) (string, error) {
	raw, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrInvalidActionData, key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty string", ErrInvalidActionData, key)
	}
	return s, nil
}
