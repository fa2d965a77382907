// Package ordering buffers per-snapshot pipeline outputs that may finish
// out of game-time order and releases them downstream in strictly
// increasing order, without letting a stuck game_time stall the stream
// past a bounded wait.
package ordering

import (
	"sync"
	"time"

	"github.com/rinkside/commentary-pipeline/internal/gametime"
)

// PipelineOutput is one unit of output ready for broadcast, keyed by
// game_time for reordering.
type PipelineOutput struct {
	GameID   string
	GameTime gametime.GameTime
	Payload  any
}

// SkipMarker is emitted in place of a game_time that never produced an
// output within the bounded wait.
type SkipMarker struct {
	GameID   string
	GameTime gametime.GameTime
	Reason   string
}

// Stats mirrors the counters exposed by event_queue.go's GetStats, keyed
// to game-time semantics instead of arrival order.
type Stats struct {
	Submitted         int64
	Released          int64
	Skipped           int64
	PendingWaitEvents int64
}

// Queue is the ordering buffer for one game; its methods are guarded by
// a mutex and may be called from several goroutines. Released outputs and skip markers are delivered on Out/Skipped;
// callers must drain both.
type Queue struct {
	mu sync.Mutex

	nextExpected gametime.GameTime
	started      bool
	reserved     map[gametime.GameTime]struct{}
	pending      map[gametime.GameTime]PipelineOutput
	failedAt     map[gametime.GameTime]time.Time
	boundedWait  time.Duration

	out     chan PipelineOutput
	skipped chan SkipMarker
	closed  bool

	stats Stats
}

// New creates a Queue whose bounded wait for a failed game_time is
// boundedWait, typically 2x the snapshot cadence.
func New(boundedWait time.Duration) *Queue {
	return &Queue{
		reserved:    make(map[gametime.GameTime]struct{}),
		pending:     make(map[gametime.GameTime]PipelineOutput),
		failedAt:    make(map[gametime.GameTime]time.Time),
		boundedWait: boundedWait,
		out:         make(chan PipelineOutput, 64),
		skipped:     make(chan SkipMarker, 64),
	}
}

// Out is the channel of outputs released in strictly ascending game_time
// order.
func (q *Queue) Out() <-chan PipelineOutput { return q.out }

// Skipped is the channel of skip markers for game_times that never
// completed within the bounded wait.
func (q *Queue) Skipped() <-chan SkipMarker { return q.skipped }

// Expect reserves gt's slot before its stage work has even started, so a
// faster successor submitted later buffers instead of releasing early.
// Callers that dispatch stage work asynchronously (one goroutine per
// snapshot) must call Expect in ascending game_time order, at dispatch
// time, before the corresponding Submit/Fail can arrive out of order.
func (q *Queue) Expect(gt gametime.GameTime) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		q.nextExpected = gt
		q.started = true
	}
	q.reserved[gt] = struct{}{}
}

// Submit accepts a completed output. If it matches next_expected it (and
// any consecutive successors already pending) is released immediately;
// otherwise it is buffered until its turn comes.
func (q *Queue) Submit(output PipelineOutput) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stats.Submitted++

	if !q.started {
		q.nextExpected = output.GameTime
		q.started = true
	}
	delete(q.reserved, output.GameTime)

	if output.GameTime.Compare(q.nextExpected) < 0 {
		// Already passed (e.g. arrived after its slot was skipped); drop.
		return
	}

	q.pending[output.GameTime] = output
	q.drainLocked()
}

// Fail marks game_time as failed. It is not skipped immediately: only
// CheckTimeouts gives up on it, once the bounded wait has elapsed. A
// successor's Submit or a later Expect does not advance past it.
func (q *Queue) Fail(gt gametime.GameTime, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		q.nextExpected = gt
		q.started = true
	}
	delete(q.reserved, gt)
	q.failedAt[gt] = time.Now()
	_ = reason
}

// CheckTimeouts advances past any failed game_time whose bounded wait
// has elapsed, emitting a skip marker for it. Callers should invoke this
// periodically (e.g. on each new snapshot's orchestration start, and on
// a timer), whichever comes first.
func (q *Queue) CheckTimeouts(gameID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.started {
		return
	}
	for {
		failedSince, isFailed := q.failedAt[q.nextExpected]
		_, isPending := q.pending[q.nextExpected]
		if isPending || !isFailed {
			return
		}
		if time.Since(failedSince) < q.boundedWait {
			q.stats.PendingWaitEvents++
			return
		}
		skipped := q.nextExpected
		delete(q.failedAt, skipped)
		q.stats.Skipped++
		q.advanceLocked()
		q.drainLocked()
		q.skipped <- SkipMarker{GameID: gameID, GameTime: skipped, Reason: "bounded_wait_elapsed"}
	}
}

// drainLocked releases next_expected and any consecutive successors
// already buffered in pending.
func (q *Queue) drainLocked() {
	for {
		out, ok := q.pending[q.nextExpected]
		if !ok {
			return
		}
		delete(q.pending, q.nextExpected)
		delete(q.failedAt, q.nextExpected)
		q.stats.Released++
		q.advanceLocked()
		q.out <- out
	}
}

// advanceLocked moves next_expected to the smallest game_time still
// outstanding in reserved, pending, or failedAt. If nothing is
// outstanding, the pointer is left unset until the next Expect, Submit,
// or Fail establishes it. game_times are not assumed to be evenly spaced,
// so the queue never guesses what comes next.
func (q *Queue) advanceLocked() {
	var next gametime.GameTime
	found := false
	for gt := range q.reserved {
		if !found || gt.Compare(next) < 0 {
			next, found = gt, true
		}
	}
	for gt := range q.pending {
		if !found || gt.Compare(next) < 0 {
			next, found = gt, true
		}
	}
	for gt := range q.failedAt {
		if !found || gt.Compare(next) < 0 {
			next, found = gt, true
		}
	}
	if found {
		q.nextExpected = next
		return
	}
	q.started = false
}

// Close drains and emits remaining buffered outputs in ascending order,
// then closes Out and Skipped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true

	remaining := make([]PipelineOutput, 0, len(q.pending))
	for _, out := range q.pending {
		remaining = append(remaining, out)
	}
	for i := 0; i < len(remaining); i++ {
		for j := i + 1; j < len(remaining); j++ {
			if remaining[j].GameTime.Compare(remaining[i].GameTime) < 0 {
				remaining[i], remaining[j] = remaining[j], remaining[i]
			}
		}
	}
	for _, out := range remaining {
		q.stats.Released++
		q.out <- out
	}
	close(q.out)
	close(q.skipped)
}

// Stats returns a copy of the current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
