//go:build integration

package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meshbus/warden/store"
	"github.com/meshbus/warden/store/postgres"
)

func dsn(t *testing.T) string {
	t.Helper()
	v := os.Getenv("DB_DSN")
	if v == "" {
		t.Skip("DB_DSN not set, skipping integration test")
	}
	return v
}

func openStore(t *testing.T) *postgres.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := postgres.Open(ctx, dsn(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestProcessWorkBatchClaimsNewOutboxMessage(t *testing.T) {
	db := openStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	instanceID := uuid.Must(uuid.NewV7())
	streamID := "integration-stream-" + instanceID.String()

	req := store.BatchRequest{
		InstanceID:     instanceID,
		HostName:       "integration-test",
		PartitionCount: 16,
		LeaseSeconds:   30,
		BatchSize:      10,
		NewOutbox: []store.NewOutboxMessage{
			{
				MessageID: uuid.Must(uuid.NewV7()),
				StreamID:  streamID,
				Payload:   []byte(`{"hello":"world"}`),
			},
		},
	}

	res, err := db.ProcessWorkBatch(ctx, req)
	if err != nil {
		t.Fatalf("ProcessWorkBatch (seed): %v", err)
	}
	if res.LiveCount < 1 {
		t.Fatalf("live_count = %d, want >= 1", res.LiveCount)
	}

	res2, err := db.ProcessWorkBatch(ctx, store.BatchRequest{
		InstanceID:     instanceID,
		HostName:       "integration-test",
		PartitionCount: 16,
		LeaseSeconds:   30,
		BatchSize:      10,
	})
	if err != nil {
		t.Fatalf("ProcessWorkBatch (claim): %v", err)
	}

	found := false
	for _, c := range res2.Claimed {
		if c.StreamID == streamID {
			found = true
			if c.Kind != "outbox" {
				t.Errorf("kind = %q, want outbox", c.Kind)
			}
		}
	}
	if !found {
		t.Fatalf("expected claimed work for stream %q, got %+v", streamID, res2.Claimed)
	}

	// Mark it complete so a third call sees it gone.
	var completedID uuid.UUID
	for _, c := range res2.Claimed {
		if c.StreamID == streamID {
			completedID = c.RowID
		}
	}
	_, err = db.ProcessWorkBatch(ctx, store.BatchRequest{
		InstanceID:     instanceID,
		HostName:       "integration-test",
		PartitionCount: 16,
		LeaseSeconds:   30,
		BatchSize:      10,
		Completions:    []store.Completion{{RowID: completedID}},
	})
	if err != nil {
		t.Fatalf("ProcessWorkBatch (complete): %v", err)
	}

	res3, err := db.ProcessWorkBatch(ctx, store.BatchRequest{
		InstanceID:     instanceID,
		HostName:       "integration-test",
		PartitionCount: 16,
		LeaseSeconds:   30,
		BatchSize:      10,
	})
	if err != nil {
		t.Fatalf("ProcessWorkBatch (recheck): %v", err)
	}
	for _, c := range res3.Claimed {
		if c.RowID == completedID {
			t.Fatalf("completed row %s was re-claimed", completedID)
		}
	}
}

func TestProcessWorkBatchAppendsEventStoreInOrder(t *testing.T) {
	db := openStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	instanceID := uuid.Must(uuid.NewV7())
	streamID := "integration-events-" + instanceID.String()

	req := store.BatchRequest{
		InstanceID:     instanceID,
		HostName:       "integration-test",
		PartitionCount: 16,
		LeaseSeconds:   30,
		BatchSize:      10,
		NewOutbox: []store.NewOutboxMessage{
			{MessageID: uuid.Must(uuid.NewV7()), StreamID: streamID, Payload: []byte(`{"seq":1}`), IsEvent: true},
			{MessageID: uuid.Must(uuid.NewV7()), StreamID: streamID, Payload: []byte(`{"seq":2}`), IsEvent: true},
		},
	}
	res, err := db.ProcessWorkBatch(ctx, req)
	if err != nil {
		t.Fatalf("ProcessWorkBatch (seed): %v", err)
	}

	// Event-store append happens in the same call that admits the
	// message (spec.md §4.2 phase 9), so the events already exist before
	// any completion round trip.
	var claimedInStream int
	for _, c := range res.Claimed {
		if c.StreamID == streamID {
			claimedInStream++
		}
	}
	if claimedInStream != 2 {
		t.Fatalf("expected 2 claimed rows for stream, got %d", claimedInStream)
	}

	events, err := db.EventsAfter(ctx, streamID, 0, 10)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Version >= events[1].Version {
		t.Fatalf("events not in ascending version order: %+v", events)
	}
}
