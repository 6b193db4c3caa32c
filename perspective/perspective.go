// Package perspective defines the projection contract the perspective
// worker drives: a pure function folding event-store rows into whatever
// read-model the caller maintains, plus the checkpoint bookkeeping that
// makes resuming a projection after a restart safe.
package perspective

import (
	"context"
	"fmt"

	"github.com/meshbus/warden/store"
)

// ApplyFunc projects one event onto a caller-owned read model. It
// should be idempotent: the same event may be applied twice after a
// crash recovery replays from the last durable checkpoint.
type ApplyFunc func(ctx context.Context, streamID string, event store.EventStoreRow) error

// Projection pairs a name with the function that implements it and
// registers which event types it cares about, mirroring the data-driven
// wiring in MessageAssociation rather than reflecting over method sets.
type Projection struct {
	Name       string
	EventTypes []string
	Apply      ApplyFunc
}

// Accepts reports whether this projection should see events of the
// given type. An empty EventTypes list means "every event".
func (p Projection) Accepts(eventType string) bool {
	if len(p.EventTypes) == 0 {
		return true
	}
	for _, t := range p.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Advance applies, in order, every event in events that this projection
// Accepts (others are skipped) and persists the checkpoint after each
// one, so a mid-batch failure loses at most the one event being applied.
func Advance(ctx context.Context, st store.Store, p Projection, streamID string, events []store.EventStoreRow) error {
	for _, ev := range events {
		if !p.Accepts(ev.EventType) {
			continue
		}
		if err := p.Apply(ctx, streamID, ev); err != nil {
			return fmt.Errorf("perspective %s: apply event %d: %w", p.Name, ev.ID, err)
		}
		if err := st.SetPerspectiveCheckpoint(ctx, p.Name, streamID, ev.Version); err != nil {
			return fmt.Errorf("perspective %s: checkpoint event %d: %w", p.Name, ev.ID, err)
		}
	}
	return nil
}
