// Package transport defines the collaborator interfaces the publisher
// worker and receptor/perspective workers use to move envelopes across
// process boundaries. The coordination core never imports a concrete
// transport implementation directly — only these interfaces.
package transport

import (
	"context"

	"github.com/meshbus/warden/envelope"
)

// Publisher hands an envelope to an external broker for delivery on a
// topic. Publish should block until the broker has acknowledged receipt
// (or failed), since the publisher worker treats a Publish error as a
// row failure to be retried with backoff.
type Publisher interface {
	Publish(ctx context.Context, topic string, e *envelope.Envelope) error
}

// Subscriber registers interest in a topic so that inbound envelopes on
// it are delivered to the Handler configured at construction time.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
}

// Handler receives broker-side events. OnMessage delivers an inbound
// envelope for a subscribed topic; OnConnected fires each time the
// underlying connection is (re-)established, so a caller can resubscribe
// to everything it cares about.
type Handler struct {
	OnMessage   func(topic string, e *envelope.Envelope)
	OnConnected func()
}
