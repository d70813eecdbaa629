// Package helpers provides the named callback registry invoked by dialogue
// script helper actions. Helpers run host-side logic (data pulls, external
// notifications) between script steps without suspending the conversation.
package helpers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Func is a helper callback. It receives the participant the conversation
// belongs to; state changes go through the store, not through return values.
type Func func(ctx context.Context, participantID string) error

// Registry maps helper names to callbacks. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	helpers map[string]Func
}

// NewRegistry creates an empty helper registry.
func NewRegistry() *Registry {
	return &Registry{helpers: make(map[string]Func)}
}

// Register binds a callback to a name, replacing any previous binding.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.helpers[name] = fn
	slog.Debug("Registry registered helper", "name", name)
}

// Unregister removes a binding. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.helpers, name)
}

// Names returns the registered helper names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.helpers))
	for name := range r.helpers {
		names = append(names, name)
	}
	return names
}

// Invoke runs the named helper. An unknown name is an error so script authors
// find typos; a failing helper is reported to the caller, which logs it and
// continues the conversation.
func (r *Registry) Invoke(ctx context.Context, name, participantID string) error {
	r.mu.RLock()
	fn, ok := r.helpers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", models.ErrUnknownHelper, name)
	}
	if err := fn(ctx, participantID); err != nil {
		return fmt.Errorf("helper %q: %w", name, err)
	}
	return nil
}
