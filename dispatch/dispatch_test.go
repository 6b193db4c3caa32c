package dispatch

import (
	"context"
	"testing"

	"github.com/meshbus/warden/envelope"
)

func TestDispatchRoutesByEventType(t *testing.T) {
	var handled string
	tbl, err := New(
		Registration{EventType: "order.placed", Handler: func(ctx context.Context, e *envelope.Envelope) error {
			handled = "placed"
			return nil
		}},
		Registration{EventType: "order.cancelled", Handler: func(ctx context.Context, e *envelope.Envelope) error {
			handled = "cancelled"
			return nil
		}},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e, _ := envelope.New("order.cancelled", struct{}{}, "warden-a", "ord-1", "order")
	if err := tbl.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if handled != "cancelled" {
		t.Fatalf("handled = %q, want %q", handled, "cancelled")
	}
}

func TestDispatchUnknownEventType(t *testing.T) {
	tbl, err := New(Registration{EventType: "order.placed", Handler: func(context.Context, *envelope.Envelope) error { return nil }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e, _ := envelope.New("order.unknown", struct{}{}, "warden-a", "ord-1", "order")
	if err := tbl.Dispatch(context.Background(), e); err == nil {
		t.Fatal("Dispatch for unregistered event type should error")
	}
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	_, err := New(
		Registration{EventType: "order.placed", Handler: func(context.Context, *envelope.Envelope) error { return nil }},
		Registration{EventType: "order.placed", Handler: func(context.Context, *envelope.Envelope) error { return nil }},
	)
	if err == nil {
		t.Fatal("New should reject duplicate event type registrations")
	}
}

func TestNewRejectsNilHandler(t *testing.T) {
	_, err := New(Registration{EventType: "order.placed", Handler: nil})
	if err == nil {
		t.Fatal("New should reject a nil handler")
	}
}

func TestHas(t *testing.T) {
	tbl, _ := New(Registration{EventType: "order.placed", Handler: func(context.Context, *envelope.Envelope) error { return nil }})
	if !tbl.Has("order.placed") {
		t.Fatal("Has should report true for a registered type")
	}
	if tbl.Has("order.cancelled") {
		t.Fatal("Has should report false for an unregistered type")
	}
}
