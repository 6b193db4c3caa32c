package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meshbus/warden/store"
)

type fakeStore struct {
	mu    sync.Mutex
	calls []store.BatchRequest
}

func (f *fakeStore) ProcessWorkBatch(ctx context.Context, req store.BatchRequest) (*store.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return &store.BatchResult{}, nil
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeStore) lastCall() store.BatchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeStore) EventsAfter(ctx context.Context, streamID string, afterVersion int64, limit int) ([]store.EventStoreRow, error) {
	return nil, nil
}
func (f *fakeStore) ListActiveStreamsForOwner(ctx context.Context, ownerID uuid.UUID) ([]store.ActiveStream, error) {
	return nil, nil
}
func (f *fakeStore) GetPerspectiveCheckpoint(ctx context.Context, perspectiveName, streamID string) (*store.PerspectiveCheckpoint, error) {
	return nil, nil
}
func (f *fakeStore) SetPerspectiveCheckpoint(ctx context.Context, perspectiveName, streamID string, lastEventID int64) error {
	return nil
}
func (f *fakeStore) GetReceptorCheckpoint(ctx context.Context, receptorName, streamID string) (*store.ReceptorProcessing, error) {
	return nil, nil
}
func (f *fakeStore) SetReceptorCheckpoint(ctx context.Context, receptorName, streamID string, lastInboxID uuid.UUID) error {
	return nil
}
func (f *fakeStore) ListMessageAssociations(ctx context.Context, eventType string) ([]store.MessageAssociation, error) {
	return nil, nil
}
func (f *fakeStore) GetConfig(ctx context.Context) (map[string]any, error) { return nil, nil }
func (f *fakeStore) SetConfig(ctx context.Context, data map[string]any) error { return nil }
func (f *fakeStore) Close() error                                            { return nil }

func TestImmediateFlushSendsQueuedWork(t *testing.T) {
	fs := &fakeStore{}
	s := NewImmediate(fs, uuid.New(), "host-a", 1000, 300, 50, false, 600)

	msgID := uuid.New()
	s.QueueOutboxMessage(store.NewOutboxMessage{MessageID: msgID, StreamID: "order-1"})
	s.QueueCompletion(store.Completion{RowID: uuid.New()})

	if _, err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if fs.callCount() != 1 {
		t.Fatalf("callCount = %d, want 1", fs.callCount())
	}
	last := fs.lastCall()
	if len(last.NewOutbox) != 1 || last.NewOutbox[0].MessageID != msgID {
		t.Fatalf("NewOutbox not carried through: %+v", last.NewOutbox)
	}
	if len(last.Completions) != 1 {
		t.Fatalf("Completions not carried through: %+v", last.Completions)
	}
}

func TestFlushDrainsBufferOnce(t *testing.T) {
	fs := &fakeStore{}
	s := NewScoped(fs, uuid.New(), "host-a", 1000, 300, 50, false, 600)
	s.QueueOutboxMessage(store.NewOutboxMessage{MessageID: uuid.New(), StreamID: "x"})

	if _, err := s.Flush(context.Background()); err != nil {
		t.Fatalf("first flush: %v", err)
	}
	if _, err := s.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if len(fs.calls[1].NewOutbox) != 0 {
		t.Fatalf("second flush resent stale work: %+v", fs.calls[1].NewOutbox)
	}
}

func TestIntervalFlushesOnTick(t *testing.T) {
	fs := &fakeStore{}
	s := NewInterval(context.Background(), fs, uuid.New(), "host-a", 1000, 300, 50, false, 600, 10*time.Millisecond)
	defer s.Close()

	s.QueueOutboxMessage(store.NewOutboxMessage{MessageID: uuid.New(), StreamID: "order-2"})

	deadline := time.After(500 * time.Millisecond)
	for fs.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("interval strategy never flushed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestIntervalCloseStopsLoop(t *testing.T) {
	fs := &fakeStore{}
	s := NewInterval(context.Background(), fs, uuid.New(), "host-a", 1000, 300, 50, false, 600, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	callsAtClose := fs.callCount()
	time.Sleep(20 * time.Millisecond)
	if fs.callCount() != callsAtClose {
		t.Fatal("interval strategy kept flushing after Close")
	}
}
