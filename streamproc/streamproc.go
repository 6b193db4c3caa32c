// Package streamproc runs claimed work in per-stream order: messages
// belonging to the same stream are handled strictly sequentially, while
// distinct streams may run concurrently under a bounded pool — grouping
// and ordering mirror the fan-out the coordination procedure already did
// when it sorted claimed rows by (stream_id, created_at).
package streamproc

import (
	"context"
	"sort"
	"sync"

	"github.com/meshbus/warden/store"
)

// HandlerFunc processes one claimed row. A returned error marks the row
// failed; nil marks it complete.
type HandlerFunc func(ctx context.Context, w store.ClaimedWork) error

// Options controls how Process fans work out across streams.
type Options struct {
	// ParallelizeStreams, when true, runs distinct stream groups
	// concurrently up to Concurrency at a time. When false, streams are
	// processed one at a time in the order they first appear.
	ParallelizeStreams bool
	// Concurrency bounds how many stream groups run at once when
	// ParallelizeStreams is set. Defaults to 5 when <= 0.
	Concurrency int
}

// Outcome records what happened to one claimed row that was actually
// handed to the handler. A row stalled behind an earlier failure in its
// stream is never attempted, so it has no Outcome at all — the caller
// should neither complete nor fail it, leaving it leased to be
// re-claimed naturally once its lease (or backoff) expires.
type Outcome struct {
	Row     store.ClaimedWork
	Err     error
}

// Process groups work by StreamID, sorts each group by SequenceOrder,
// and runs handle over every row in order within a group, stopping a
// group at its first error so later rows in that stream are never
// attempted out of order. Distinct groups run sequentially unless
// opts.ParallelizeStreams is set, in which case groups run under a
// semaphore-bounded pool — the same bounded-concurrency launch pattern
// used to start many workers at once.
func Process(ctx context.Context, work []store.ClaimedWork, handle HandlerFunc, opts Options) []Outcome {
	groups := groupByStream(work)

	if !opts.ParallelizeStreams {
		var out []Outcome
		for _, g := range groups {
			out = append(out, processGroup(ctx, g, handle)...)
		}
		return out
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	results := make([][]Outcome, len(groups))
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	for i, g := range groups {
		i, g := i, g
		wg.Add(1)
		sem <- struct{}{} // block until a slot is free
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = processGroup(ctx, g, handle)
		}()
	}
	wg.Wait()

	var out []Outcome
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

func processGroup(ctx context.Context, group []store.ClaimedWork, handle HandlerFunc) []Outcome {
	out := make([]Outcome, 0, len(group))
	for _, w := range group {
		if ctx.Err() != nil {
			break
		}
		err := handle(ctx, w)
		out = append(out, Outcome{Row: w, Err: err})
		if err != nil {
			// A failed message stalls its stream: later messages in the
			// same stream would otherwise be applied out of order. They
			// are left out of out entirely rather than reported as failed
			// — the handler never saw them, so they must stay leased and
			// come back on a future flush instead of accumulating a bogus
			// attempt and backoff.
			break
		}
	}
	return out
}

func groupByStream(work []store.ClaimedWork) [][]store.ClaimedWork {
	order := []string{}
	byStream := map[string][]store.ClaimedWork{}
	for _, w := range work {
		if _, ok := byStream[w.StreamID]; !ok {
			order = append(order, w.StreamID)
		}
		byStream[w.StreamID] = append(byStream[w.StreamID], w)
	}

	groups := make([][]store.ClaimedWork, 0, len(order))
	for _, streamID := range order {
		g := byStream[streamID]
		sort.Slice(g, func(i, j int) bool { return g[i].SequenceOrder < g[j].SequenceOrder })
		groups = append(groups, g)
	}
	return groups
}
