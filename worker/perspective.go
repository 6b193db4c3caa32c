package worker

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/meshbus/warden/perspective"
	"github.com/meshbus/warden/store"
)

// PerspectiveWorkerOptions configures a PerspectiveWorker's poll cadence
// and how many events it reads per stream per poll.
type PerspectiveWorkerOptions struct {
	PollingInterval    time.Duration
	IdleThresholdPolls int
	EventsPerPoll      int
}

// PerspectiveWorker advances every registered projection over every
// stream this instance owns, reading events after each projection's
// last checkpoint and applying them in order.
type PerspectiveWorker struct {
	st         store.Store
	instanceID uuid.UUID
	projections []perspective.Projection
	opts       PerspectiveWorkerOptions
	handler    Handler
	done       chan struct{}
}

// NewPerspectiveWorker builds a PerspectiveWorker for instanceID, which
// must be the same id this instance heartbeats under via
// ProcessWorkBatch so ListActiveStreamsForOwner returns its streams.
func NewPerspectiveWorker(st store.Store, instanceID uuid.UUID, projections []perspective.Projection, opts PerspectiveWorkerOptions, handler Handler) *PerspectiveWorker {
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = 250 * time.Millisecond
	}
	if opts.EventsPerPoll <= 0 {
		opts.EventsPerPoll = 100
	}
	return &PerspectiveWorker{
		st:          st,
		instanceID:  instanceID,
		projections: projections,
		opts:        opts,
		handler:     handler,
		done:        make(chan struct{}),
	}
}

// Run polls until ctx is cancelled.
func (w *PerspectiveWorker) Run(ctx context.Context) {
	defer close(w.done)
	idle := newIdleTracker(w.opts.IdleThresholdPolls)

	for ctx.Err() == nil {
		advanced, err := w.pollOnce(ctx)
		if err != nil {
			log.Printf("perspective: poll: %v", err)
		}

		if advanced == 0 {
			if idle.observe(false) && w.handler.OnIdle != nil {
				w.handler.OnIdle()
			}
		} else {
			idle.observe(true)
		}

		if sleepOrDone(ctx.Done(), w.opts.PollingInterval) {
			return
		}
	}
}

// Stop blocks until Run has returned after its context was cancelled.
func (w *PerspectiveWorker) Stop() { <-w.done }

// pollOnce advances every projection over every owned stream once, and
// returns how many events were applied in total.
func (w *PerspectiveWorker) pollOnce(ctx context.Context) (int, error) {
	streams, err := w.st.ListActiveStreamsForOwner(ctx, w.instanceID)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, stream := range streams {
		for _, p := range w.projections {
			checkpoint, err := w.st.GetPerspectiveCheckpoint(ctx, p.Name, stream.StreamID)
			if err != nil {
				log.Printf("perspective: checkpoint %s/%s: %v", p.Name, stream.StreamID, err)
				continue
			}
			var lastEventID int64
			if checkpoint != nil {
				lastEventID = checkpoint.LastEventID
			}

			events, err := w.st.EventsAfter(ctx, stream.StreamID, lastEventID, w.opts.EventsPerPoll)
			if err != nil {
				log.Printf("perspective: events %s/%s: %v", p.Name, stream.StreamID, err)
				continue
			}
			if len(events) == 0 {
				continue
			}

			routed, err := w.filterRouted(ctx, p, events)
			if err != nil {
				log.Printf("perspective: associations %s/%s: %v", p.Name, stream.StreamID, err)
				continue
			}
			if len(routed) == 0 {
				continue
			}

			if err := perspective.Advance(ctx, w.st, p, stream.StreamID, routed); err != nil {
				log.Printf("perspective: advance %s/%s: %v", p.Name, stream.StreamID, err)
				continue
			}
			total += len(routed)
		}
	}
	return total, nil
}

// filterRouted keeps only the events p should see, consulting the
// data-driven MessageAssociation table per distinct event type present.
// A type with no association rows at all falls back to p's own
// EventTypes filter (applied again inside perspective.Advance), so a
// deployment that never populates associations keeps routing purely off
// Projection.EventTypes.
func (w *PerspectiveWorker) filterRouted(ctx context.Context, p perspective.Projection, events []store.EventStoreRow) ([]store.EventStoreRow, error) {
	routedType := map[string]bool{}
	out := make([]store.EventStoreRow, 0, len(events))
	for _, ev := range events {
		routed, seen := routedType[ev.EventType]
		if !seen {
			assocs, err := w.st.ListMessageAssociations(ctx, ev.EventType)
			if err != nil {
				return nil, err
			}
			routed = len(assocs) == 0
			for _, a := range assocs {
				if a.PerspectiveName == p.Name {
					routed = true
					break
				}
			}
			routedType[ev.EventType] = routed
		}
		if routed {
			out = append(out, ev)
		}
	}
	return out, nil
}
