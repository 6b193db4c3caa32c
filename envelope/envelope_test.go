package envelope

import "testing"

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Total   int    `json:"total"`
}

func TestNewStampsMessageIDAndFirstHop(t *testing.T) {
	e, err := New("order.placed", orderPlaced{OrderID: "ord-1", Total: 4200}, "warden-a", "ord-1", "order")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.MessageID.String() == "" {
		t.Fatal("MessageID not stamped")
	}
	if len(e.Hops) != 1 {
		t.Fatalf("Hops = %d, want 1", len(e.Hops))
	}
	if e.Hops[0].ServiceInstance != "warden-a" {
		t.Fatalf("Hops[0].ServiceInstance = %q", e.Hops[0].ServiceInstance)
	}
	if e.EventType != "order.placed" {
		t.Fatalf("EventType = %q", e.EventType)
	}
}

func TestStreamIDFromAggregateMetadata(t *testing.T) {
	e, err := New("order.placed", orderPlaced{OrderID: "ord-1"}, "warden-a", "ord-1", "order")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := StreamID(e); got != "ord-1" {
		t.Fatalf("StreamID = %q, want %q", got, "ord-1")
	}
}

func TestStreamIDFallsBackToMessageID(t *testing.T) {
	e, err := New("order.placed", orderPlaced{}, "warden-a", "", "order")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := StreamID(e); got != e.MessageID.String() {
		t.Fatalf("StreamID = %q, want fallback %q", got, e.MessageID.String())
	}
}

func TestAddHopAppends(t *testing.T) {
	e, err := New("order.placed", orderPlaced{}, "warden-a", "ord-1", "order")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.AddHop("warden-b", map[string]string{"note": "republished"})
	if len(e.Hops) != 2 {
		t.Fatalf("Hops = %d, want 2", len(e.Hops))
	}
	if e.Hops[1].ServiceInstance != "warden-b" {
		t.Fatalf("Hops[1].ServiceInstance = %q", e.Hops[1].ServiceInstance)
	}
	// StreamID must still resolve from the first hop, not the latest.
	if got := StreamID(e); got != "ord-1" {
		t.Fatalf("StreamID after AddHop = %q, want %q", got, "ord-1")
	}
}

func TestAggregateType(t *testing.T) {
	e, err := New("order.placed", orderPlaced{}, "warden-a", "ord-1", "order")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := AggregateType(e); got != "order" {
		t.Fatalf("AggregateType = %q, want %q", got, "order")
	}
}
