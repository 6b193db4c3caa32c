// Package coordinator buffers outbound work and flushes it into the
// atomic coordination procedure under different batching policies.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshbus/warden/store"
)

// Strategy accumulates queued work and flushes it into a single
// ProcessWorkBatch call. Implementations decide when a Flush actually
// happens; callers queue work without knowing the policy.
type Strategy interface {
	QueueOutboxMessage(msg store.NewOutboxMessage)
	QueueInboxMessage(msg store.NewInboxMessage)
	QueueCompletion(c store.Completion)
	QueueFailure(f store.Failure)
	QueueLeaseRenewal(id uuid.UUID)

	// Flush calls ProcessWorkBatch with everything queued since the last
	// flush and clears the buffer regardless of outcome.
	Flush(ctx context.Context) (*store.BatchResult, error)

	Close() error
}

// buffer holds queued work under a single mutex. Shared by all three
// strategies below; only the triggering policy differs.
type buffer struct {
	mu          sync.Mutex
	instanceID  uuid.UUID
	hostName    string
	partitions  int
	leaseSecs   int
	batchSize   int
	debugMode   bool
	staleSecs   int
	newOutbox   []store.NewOutboxMessage
	newInbox    []store.NewInboxMessage
	completions []store.Completion
	failures    []store.Failure
	renewals    []uuid.UUID
}

func newBuffer(instanceID uuid.UUID, hostName string, partitions, leaseSecs, batchSize int, debugMode bool, staleSecs int) *buffer {
	return &buffer{
		instanceID: instanceID,
		hostName:   hostName,
		partitions: partitions,
		leaseSecs:  leaseSecs,
		batchSize:  batchSize,
		debugMode:  debugMode,
		staleSecs:  staleSecs,
	}
}

func (b *buffer) queueOutbox(msg store.NewOutboxMessage) {
	b.mu.Lock()
	b.newOutbox = append(b.newOutbox, msg)
	b.mu.Unlock()
}

func (b *buffer) queueInbox(msg store.NewInboxMessage) {
	b.mu.Lock()
	b.newInbox = append(b.newInbox, msg)
	b.mu.Unlock()
}

func (b *buffer) queueCompletion(c store.Completion) {
	b.mu.Lock()
	b.completions = append(b.completions, c)
	b.mu.Unlock()
}

func (b *buffer) queueFailure(f store.Failure) {
	b.mu.Lock()
	b.failures = append(b.failures, f)
	b.mu.Unlock()
}

func (b *buffer) queueRenewal(id uuid.UUID) {
	b.mu.Lock()
	b.renewals = append(b.renewals, id)
	b.mu.Unlock()
}

// drain builds a BatchRequest from everything queued and empties the
// buffer, so a concurrent Flush never double-submits the same item.
func (b *buffer) drain() store.BatchRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	req := store.BatchRequest{
		InstanceID:            b.instanceID,
		HostName:              b.hostName,
		PartitionCount:        b.partitions,
		LeaseSeconds:          b.leaseSecs,
		BatchSize:             b.batchSize,
		DebugMode:             b.debugMode,
		StaleThresholdSeconds: b.staleSecs,
		NewOutbox:             b.newOutbox,
		NewInbox:              b.newInbox,
		Completions:           b.completions,
		Failures:              b.failures,
		RenewLeaseIDs:         b.renewals,
	}
	b.newOutbox, b.newInbox, b.completions, b.failures, b.renewals = nil, nil, nil, nil, nil
	return req
}

// Immediate sends everything queued to the coordination procedure each
// time Flush (or Close) is called. Queue calls only buffer; they do not
// trigger a flush by themselves.
type Immediate struct {
	buf *buffer
	st  store.Store
}

// NewImmediate builds a Strategy that sends queued work on each explicit
// Flush call.
func NewImmediate(st store.Store, instanceID uuid.UUID, hostName string, partitions, leaseSecs, batchSize int, debugMode bool, staleSecs int) *Immediate {
	return &Immediate{buf: newBuffer(instanceID, hostName, partitions, leaseSecs, batchSize, debugMode, staleSecs), st: st}
}

func (s *Immediate) QueueOutboxMessage(msg store.NewOutboxMessage) { s.buf.queueOutbox(msg) }
func (s *Immediate) QueueInboxMessage(msg store.NewInboxMessage)   { s.buf.queueInbox(msg) }
func (s *Immediate) QueueCompletion(c store.Completion)            { s.buf.queueCompletion(c) }
func (s *Immediate) QueueFailure(f store.Failure)                  { s.buf.queueFailure(f) }
func (s *Immediate) QueueLeaseRenewal(id uuid.UUID)                { s.buf.queueRenewal(id) }

func (s *Immediate) Flush(ctx context.Context) (*store.BatchResult, error) {
	req := s.buf.drain()
	res, err := s.st.ProcessWorkBatch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("immediate flush: %w", err)
	}
	return res, nil
}

// Close flushes anything still queued.
func (s *Immediate) Close() error {
	_, err := s.Flush(context.Background())
	return err
}

// Scoped accumulates work for the lifetime of one caller-defined scope
// (e.g. one handler invocation) and flushes exactly once when the
// caller is done, via Flush.
type Scoped struct {
	buf *buffer
	st  store.Store
}

// NewScoped builds a Strategy meant to be used for a single logical
// unit of work and then discarded.
func NewScoped(st store.Store, instanceID uuid.UUID, hostName string, partitions, leaseSecs, batchSize int, debugMode bool, staleSecs int) *Scoped {
	return &Scoped{buf: newBuffer(instanceID, hostName, partitions, leaseSecs, batchSize, debugMode, staleSecs), st: st}
}

func (s *Scoped) QueueOutboxMessage(msg store.NewOutboxMessage) { s.buf.queueOutbox(msg) }
func (s *Scoped) QueueInboxMessage(msg store.NewInboxMessage)   { s.buf.queueInbox(msg) }
func (s *Scoped) QueueCompletion(c store.Completion)            { s.buf.queueCompletion(c) }
func (s *Scoped) QueueFailure(f store.Failure)                  { s.buf.queueFailure(f) }
func (s *Scoped) QueueLeaseRenewal(id uuid.UUID)                { s.buf.queueRenewal(id) }

func (s *Scoped) Flush(ctx context.Context) (*store.BatchResult, error) {
	req := s.buf.drain()
	res, err := s.st.ProcessWorkBatch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("scoped flush: %w", err)
	}
	return res, nil
}

func (s *Scoped) Close() error { return nil }

// Interval flushes on a fixed tick, buffering queued work between ticks:
// a goroutine selects between the context being cancelled and the
// ticker firing.
type Interval struct {
	buf    *buffer
	st     store.Store
	ticker *time.Ticker
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	lastErr error
}

// NewInterval builds a Strategy that flushes every period. The returned
// Interval must be stopped with Close when the caller is done with it.
func NewInterval(ctx context.Context, st store.Store, instanceID uuid.UUID, hostName string, partitions, leaseSecs, batchSize int, debugMode bool, staleSecs int, period time.Duration) *Interval {
	loopCtx, cancel := context.WithCancel(ctx)
	s := &Interval{
		buf:    newBuffer(instanceID, hostName, partitions, leaseSecs, batchSize, debugMode, staleSecs),
		st:     st,
		ticker: time.NewTicker(period),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.loop(loopCtx)
	return s
}

func (s *Interval) loop(ctx context.Context) {
	defer close(s.done)
	defer s.ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ticker.C:
			if _, err := s.flushOnce(ctx); err != nil {
				s.mu.Lock()
				s.lastErr = err
				s.mu.Unlock()
			}
		}
	}
}

func (s *Interval) flushOnce(ctx context.Context) (*store.BatchResult, error) {
	req := s.buf.drain()
	res, err := s.st.ProcessWorkBatch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("interval flush: %w", err)
	}
	return res, nil
}

func (s *Interval) QueueOutboxMessage(msg store.NewOutboxMessage) { s.buf.queueOutbox(msg) }
func (s *Interval) QueueInboxMessage(msg store.NewInboxMessage)   { s.buf.queueInbox(msg) }
func (s *Interval) QueueCompletion(c store.Completion)            { s.buf.queueCompletion(c) }
func (s *Interval) QueueFailure(f store.Failure)                  { s.buf.queueFailure(f) }
func (s *Interval) QueueLeaseRenewal(id uuid.UUID)                { s.buf.queueRenewal(id) }

// Flush triggers an out-of-band flush in addition to the ticker, useful
// on shutdown to drain anything queued since the last tick.
func (s *Interval) Flush(ctx context.Context) (*store.BatchResult, error) {
	return s.flushOnce(ctx)
}

// Close stops the ticker goroutine and waits for it to exit.
func (s *Interval) Close() error {
	s.cancel()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
