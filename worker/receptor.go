package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/meshbus/warden/coordinator"
	"github.com/meshbus/warden/dispatch"
	"github.com/meshbus/warden/envelope"
	"github.com/meshbus/warden/store"
	"github.com/meshbus/warden/streamproc"
)

// ReceptorWorkerOptions configures a ReceptorWorker's poll cadence and
// stream fan-out, mirroring PublisherWorkerOptions.
type ReceptorWorkerOptions struct {
	PollingInterval    time.Duration
	IdleThresholdPolls int
	ParallelizeStreams bool
	Concurrency        int
}

// ReceptorWorker claims inbox rows, dispatches each to the receptor
// registered for its event type, and checkpoints the ones it handles —
// this is the in-process side of spec.md's "independent event handler"
// collaborator; dispatch is data-driven through dispatch.Table rather
// than reflection.
type ReceptorWorker struct {
	coord        coordinator.Strategy
	table        *dispatch.Table
	receptorName string
	st           store.Store
	opts         ReceptorWorkerOptions
	handler      Handler
	done         chan struct{}
}

// NewReceptorWorker builds a ReceptorWorker. receptorName identifies this
// handler set in ReceptorProcessing checkpoints, since many receptors may
// independently track the same inbox row.
func NewReceptorWorker(coord coordinator.Strategy, table *dispatch.Table, receptorName string, st store.Store, opts ReceptorWorkerOptions, handler Handler) *ReceptorWorker {
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = 250 * time.Millisecond
	}
	return &ReceptorWorker{
		coord: coord, table: table, receptorName: receptorName, st: st,
		opts: opts, handler: handler, done: make(chan struct{}),
	}
}

// Run polls until ctx is cancelled, following the same
// flush/idle/process/report shape as PublisherWorker.
func (w *ReceptorWorker) Run(ctx context.Context) {
	defer close(w.done)
	idle := newIdleTracker(w.opts.IdleThresholdPolls)

	for ctx.Err() == nil {
		result, err := w.coord.Flush(ctx)
		if err != nil {
			log.Printf("receptor[%s]: flush: %v", w.receptorName, err)
			if sleepOrDone(ctx.Done(), w.opts.PollingInterval) {
				break
			}
			continue
		}

		inbox := filterKind(result.Claimed, "inbox")
		if len(inbox) == 0 {
			if idle.observe(false) && w.handler.OnIdle != nil {
				w.handler.OnIdle()
			}
			if sleepOrDone(ctx.Done(), w.opts.PollingInterval) {
				break
			}
			continue
		}
		idle.observe(true)

		outcomes := streamproc.Process(ctx, inbox, w.handleOne, streamproc.Options{
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
		log.Printf("receptor[%s]: final flush: %v", w.receptorName, err)
	}
}

// Stop blocks until Run has returned after its context was cancelled.
func (w *ReceptorWorker) Stop() { <-w.done }

// handleOne dispatches one claimed inbox row and, on success, advances
// this receptor's checkpoint for the row's stream. A row whose event
// type has no registered handler is treated as not-for-this-receptor
// rather than a failure, so unrelated event types never retry forever.
func (w *ReceptorWorker) handleOne(ctx context.Context, claimed store.ClaimedWork) error {
	var e envelope.Envelope
	if err := json.Unmarshal(claimed.Payload, &e); err != nil {
		return fmt.Errorf("decode envelope for row %s: %w", claimed.RowID, err)
	}

	checkpoint, err := w.st.GetReceptorCheckpoint(ctx, w.receptorName, claimed.StreamID)
	if err != nil {
		return fmt.Errorf("load checkpoint for row %s: %w", claimed.RowID, err)
	}
	if checkpoint != nil && bytes.Compare(claimed.RowID[:], checkpoint.LastInboxID[:]) <= 0 {
		// Already handled in an earlier call: the row was redelivered
		// (e.g. reclaimed after a crash) before its completion could
		// delete it. Re-dispatching it would apply the event twice.
		return nil
	}

	routed, err := w.routedHere(ctx, e.EventType)
	if err != nil {
		return fmt.Errorf("check message association for row %s: %w", claimed.RowID, err)
	}
	if !routed {
		return nil
	}
	if err := w.table.Dispatch(ctx, &e); err != nil {
		return fmt.Errorf("dispatch row %s: %w", claimed.RowID, err)
	}

	if err := w.st.SetReceptorCheckpoint(ctx, w.receptorName, claimed.StreamID, claimed.RowID); err != nil {
		return fmt.Errorf("checkpoint row %s: %w", claimed.RowID, err)
	}
	return nil
}

// routedHere reports whether this receptor should handle eventType. It
// consults the data-driven MessageAssociation table first; only when no
// association rows exist for the type at all does it fall back to the
// statically built dispatch.Table, so a deployment that never populates
// associations keeps routing purely off its handler registrations.
func (w *ReceptorWorker) routedHere(ctx context.Context, eventType string) (bool, error) {
	assocs, err := w.st.ListMessageAssociations(ctx, eventType)
	if err != nil {
		return false, err
	}
	if len(assocs) == 0 {
		return w.table.Has(eventType), nil
	}
	for _, a := range assocs {
		if a.ReceptorName == w.receptorName {
			return true, nil
		}
	}
	return false, nil
}
