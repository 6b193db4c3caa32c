package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meshbus/warden/envelope"
	"github.com/meshbus/warden/store"
)

type fakeStrategy struct {
	mu          sync.Mutex
	results     []*store.BatchResult
	resultIdx   int
	completions []store.Completion
	failures    []store.Failure
}

func (f *fakeStrategy) QueueOutboxMessage(store.NewOutboxMessage) {}
func (f *fakeStrategy) QueueInboxMessage(store.NewInboxMessage)   {}
func (f *fakeStrategy) QueueCompletion(c store.Completion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, c)
}
func (f *fakeStrategy) QueueFailure(ft store.Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, ft)
}
func (f *fakeStrategy) QueueLeaseRenewal(uuid.UUID) {}

func (f *fakeStrategy) Flush(ctx context.Context) (*store.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resultIdx >= len(f.results) {
		return &store.BatchResult{}, nil
	}
	r := f.results[f.resultIdx]
	f.resultIdx++
	return r, nil
}

func (f *fakeStrategy) Close() error { return nil }

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	failTopic string
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, e *envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if topic == p.failTopic {
		return errFakePublish
	}
	p.published = append(p.published, topic)
	return nil
}

var errFakePublish = &publishError{"fake publish failure"}

type publishError struct{ msg string }

func (e *publishError) Error() string { return e.msg }

func envelopePayload(t *testing.T, streamID string) []byte {
	t.Helper()
	e, err := envelope.New("order.placed", map[string]string{"x": "y"}, "warden-a", streamID, "order")
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return b
}

func TestPublisherWorkerPublishesClaimedWork(t *testing.T) {
	rowID := uuid.New()
	strat := &fakeStrategy{
		results: []*store.BatchResult{
			{Claimed: []store.ClaimedWork{
				{RowID: rowID, Kind: "outbox", StreamID: "ord-1", Payload: envelopePayload(t, "ord-1")},
			}},
		},
	}
	pub := &fakePublisher{}
	w := NewPublisherWorker(strat, pub, PublisherWorkerOptions{PollingInterval: 5 * time.Millisecond, IdleThresholdPolls: 1}, Handler{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	w.Run(ctx)

	if len(pub.published) == 0 {
		t.Fatal("no messages published")
	}
	found := false
	for _, c := range strat.completions {
		if c.RowID == rowID {
			found = true
		}
	}
	if !found {
		t.Fatal("completion for published row not queued")
	}
}

func TestPublisherWorkerQueuesFailureOnPublishError(t *testing.T) {
	rowID := uuid.New()
	strat := &fakeStrategy{
		results: []*store.BatchResult{
			{Claimed: []store.ClaimedWork{
				{RowID: rowID, Kind: "outbox", StreamID: "bad-stream", Payload: envelopePayload(t, "bad-stream")},
			}},
		},
	}
	pub := &fakePublisher{failTopic: "bad-stream"}
	w := NewPublisherWorker(strat, pub, PublisherWorkerOptions{PollingInterval: 5 * time.Millisecond, IdleThresholdPolls: 1}, Handler{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	w.Run(ctx)

	found := false
	for _, f := range strat.failures {
		if f.RowID == rowID {
			found = true
		}
	}
	if !found {
		t.Fatal("failure for failed publish not queued")
	}
}

func TestPublisherWorkerFiresOnIdle(t *testing.T) {
	strat := &fakeStrategy{}
	pub := &fakePublisher{}
	var idleFired int
	var mu sync.Mutex
	w := NewPublisherWorker(strat, pub, PublisherWorkerOptions{PollingInterval: 5 * time.Millisecond, IdleThresholdPolls: 1}, Handler{
		OnIdle: func() {
			mu.Lock()
			idleFired++
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	w.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if idleFired == 0 {
		t.Fatal("OnIdle never fired for an all-empty poll stream")
	}
}
