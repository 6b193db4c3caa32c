package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/meshbus/warden/coordinator"
	"github.com/meshbus/warden/envelope"
	"github.com/meshbus/warden/store"
	"github.com/meshbus/warden/streamproc"
	"github.com/meshbus/warden/transport"
)

// TopicFunc derives the broker topic an outbox row should be published
// on. Most callers use the stream id directly; this stays a function so
// a deployment can route by aggregate type or another convention
// without this package needing to know about it.
type TopicFunc func(w store.ClaimedWork) string

// PublisherWorkerOptions configures a PublisherWorker's poll cadence and
// stream fan-out, mirroring the tunables in config.Data.
type PublisherWorkerOptions struct {
	PollingInterval    time.Duration
	IdleThresholdPolls int
	ParallelizeStreams bool
	Concurrency        int
	Topic              TopicFunc
}

// PublisherWorker claims outbox rows, hands them to streamproc for
// ordered delivery, and reports completion or failure back through its
// coordinator.Strategy.
type PublisherWorker struct {
	coord   coordinator.Strategy
	pub     transport.Publisher
	opts    PublisherWorkerOptions
	handler Handler
	done    chan struct{}
}

// NewPublisherWorker builds a PublisherWorker. opts.Topic defaults to
// using the claimed row's stream id as the topic when nil.
func NewPublisherWorker(coord coordinator.Strategy, pub transport.Publisher, opts PublisherWorkerOptions, handler Handler) *PublisherWorker {
	if opts.Topic == nil {
		opts.Topic = func(w store.ClaimedWork) string { return w.StreamID }
	}
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = 250 * time.Millisecond
	}
	return &PublisherWorker{coord: coord, pub: pub, opts: opts, handler: handler, done: make(chan struct{})}
}

// Run polls until ctx is cancelled. On cancellation it finishes the
// in-flight iteration, flushes once more to report any trailing
// completions, and returns.
func (w *PublisherWorker) Run(ctx context.Context) {
	defer close(w.done)
	idle := newIdleTracker(w.opts.IdleThresholdPolls)

	for ctx.Err() == nil {
		result, err := w.coord.Flush(ctx)
		if err != nil {
			log.Printf("publisher: flush: %v", err)
			if sleepOrDone(ctx.Done(), w.opts.PollingInterval) {
				break
			}
			continue
		}

		outbox := filterKind(result.Claimed, "outbox")
		if len(outbox) == 0 {
			if idle.observe(false) && w.handler.OnIdle != nil {
				w.handler.OnIdle()
			}
			if sleepOrDone(ctx.Done(), w.opts.PollingInterval) {
				break
			}
			continue
		}
		idle.observe(true)

		outcomes := streamproc.Process(ctx, outbox, w.publishOne, streamproc.Options{
			ParallelizeStreams: w.opts.ParallelizeStreams,
			Concurrency:        w.opts.Concurrency,
		})
		for _, o := range outcomes {
			if o.Err != nil {
				w.coord.QueueFailure(store.Failure{RowID: o.Row.RowID, Reason: o.Err.Error()})
			} else {
				w.coord.QueueCompletion(store.Completion{RowID: o.Row.RowID})
			}
		}
	}

	if _, err := w.coord.Flush(context.Background()); err != nil {
		log.Printf("publisher: final flush: %v", err)
	}
}

// Stop blocks until Run has returned after its context was cancelled.
func (w *PublisherWorker) Stop() { <-w.done }

func (w *PublisherWorker) publishOne(ctx context.Context, claimed store.ClaimedWork) error {
	var e envelope.Envelope
	if err := json.Unmarshal(claimed.Payload, &e); err != nil {
		return fmt.Errorf("decode envelope for row %s: %w", claimed.RowID, err)
	}
	topic := w.opts.Topic(claimed)
	if err := w.pub.Publish(ctx, topic, &e); err != nil {
		return fmt.Errorf("publish row %s to %s: %w", claimed.RowID, topic, err)
	}
	return nil
}

func filterKind(claimed []store.ClaimedWork, kind string) []store.ClaimedWork {
	out := make([]store.ClaimedWork, 0, len(claimed))
	for _, c := range claimed {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}
