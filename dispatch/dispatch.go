// Package dispatch builds a static message-type to handler table at
// startup. Handlers are registered explicitly by the caller rather than
// discovered via reflection over method sets or struct tags.
package dispatch

import (
	"context"
	"fmt"

	"github.com/meshbus/warden/envelope"
)

// HandlerFunc handles one envelope of a registered event type.
type HandlerFunc func(ctx context.Context, e *envelope.Envelope) error

// Registration binds one event type to the handler that processes it.
type Registration struct {
	EventType string
	Handler   HandlerFunc
}

// Table is the static event type → handler map built by New. It is
// read-only after construction and safe for concurrent lookups.
type Table struct {
	handlers map[string]HandlerFunc
}

// New builds a Table from a fixed list of registrations. Registering the
// same event type twice is a programmer error and returns an error
// immediately rather than silently shadowing the first handler.
func New(registrations ...Registration) (*Table, error) {
	t := &Table{handlers: make(map[string]HandlerFunc, len(registrations))}
	for _, r := range registrations {
		if r.EventType == "" {
			return nil, fmt.Errorf("dispatch: registration with empty event type")
		}
		if _, exists := t.handlers[r.EventType]; exists {
			return nil, fmt.Errorf("dispatch: duplicate registration for event type %q", r.EventType)
		}
		if r.Handler == nil {
			return nil, fmt.Errorf("dispatch: nil handler for event type %q", r.EventType)
		}
		t.handlers[r.EventType] = r.Handler
	}
	return t, nil
}

// Dispatch looks up the handler for e.EventType and invokes it. It
// returns an error (rather than panicking or silently dropping the
// message) when no handler was registered for the type.
func (t *Table) Dispatch(ctx context.Context, e *envelope.Envelope) error {
	h, ok := t.handlers[e.EventType]
	if !ok {
		return fmt.Errorf("dispatch: no handler registered for event type %q", e.EventType)
	}
	return h(ctx, e)
}

// Has reports whether a handler is registered for eventType.
func (t *Table) Has(eventType string) bool {
	_, ok := t.handlers[eventType]
	return ok
}
