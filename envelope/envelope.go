// Package envelope defines the wire shape messages carry across the
// transport boundary: a stable MessageId, the event type, the payload,
// and the chain of hops it has passed through.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Hop records one service instance's handling of an envelope. The first
// hop is stamped by the producer and carries the caller-supplied
// aggregate metadata that StreamID derives a stream id from — the
// procedure itself never infers an aggregate type.
type Hop struct {
	ServiceInstance string            `json:"service_instance"`
	HandledAt       time.Time         `json:"handled_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Envelope is the unit of data moved through outbox/inbox/event-store.
type Envelope struct {
	MessageID uuid.UUID       `json:"message_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Hops      []Hop           `json:"hops"`
	CreatedAt time.Time       `json:"created_at"`
}

// New stamps a fresh MessageId and a first hop identifying the
// producing service instance and the aggregate the payload belongs to.
// aggregateType is caller-supplied and opaque to this package; nothing
// here infers it from the payload.
func New(eventType string, payload any, serviceInstance, aggregateID, aggregateType string) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Envelope{
		MessageID: uuid.Must(uuid.NewV7()),
		EventType: eventType,
		Payload:   raw,
		CreatedAt: now,
		Hops: []Hop{{
			ServiceInstance: serviceInstance,
			HandledAt:       now,
			Metadata: map[string]string{
				"aggregate_id":   aggregateID,
				"aggregate_type": aggregateType,
			},
		}},
	}, nil
}

// AddHop appends a new hop recording that serviceInstance has now
// handled this envelope, carrying forward optional metadata.
func (e *Envelope) AddHop(serviceInstance string, metadata map[string]string) {
	e.Hops = append(e.Hops, Hop{
		ServiceInstance: serviceInstance,
		HandledAt:       time.Now().UTC(),
		Metadata:        metadata,
	})
}

// StreamID derives the stream id an envelope belongs to from the first
// hop's aggregate_id metadata, falling back to the MessageId when no
// hop carries one.
func StreamID(e *Envelope) string {
	if len(e.Hops) > 0 {
		if id, ok := e.Hops[0].Metadata["aggregate_id"]; ok && id != "" {
			return id
		}
	}
	return e.MessageID.String()
}

// AggregateType returns the caller-supplied aggregate type from the
// first hop's metadata, or "" if none was stamped.
func AggregateType(e *Envelope) string {
	if len(e.Hops) > 0 {
		return e.Hops[0].Metadata["aggregate_type"]
	}
	return ""
}
