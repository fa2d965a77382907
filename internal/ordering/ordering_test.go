package ordering

import (
	"testing"
	"time"

	"github.com/rinkside/commentary-pipeline/internal/gametime"
)

func gt(p, m, s int) gametime.GameTime { return gametime.GameTime{Period: p, Minute: m, Second: s} }

func TestSubmitInOrderReleasesImmediately(t *testing.T) {
	q := New(time.Second)
	q.Submit(PipelineOutput{GameID: "G1", GameTime: gt(1, 0, 0)})
	select {
	case out := <-q.Out():
		if out.GameTime != gt(1, 0, 0) {
			t.Fatalf("unexpected release: %+v", out)
		}
	default:
		t.Fatal("expected immediate release of the first submission")
	}
}

func TestSubmitOutOfOrderBuffersUntilPredecessorArrives(t *testing.T) {
	q := New(time.Second)
	// Both slots are reserved in dispatch order, as pipeline.Game does at
	// reduce time; without a reservation the queue cannot know T5 exists.
	q.Expect(gt(1, 0, 5))
	q.Expect(gt(1, 0, 10))
	q.Submit(PipelineOutput{GameID: "G1", GameTime: gt(1, 0, 10)})
	q.Submit(PipelineOutput{GameID: "G1", GameTime: gt(1, 0, 5)})

	first := <-q.Out()
	second := <-q.Out()
	if first.GameTime != gt(1, 0, 5) || second.GameTime != gt(1, 0, 10) {
		t.Fatalf("expected ascending release order, got %+v then %+v", first, second)
	}
}

func TestFailThenTimeoutEmitsSkipMarkerAndAdvances(t *testing.T) {
	q := New(5 * time.Millisecond)
	q.Fail(gt(1, 0, 0), "llm_unavailable")
	q.Submit(PipelineOutput{GameID: "G1", GameTime: gt(1, 0, 5)})

	time.Sleep(10 * time.Millisecond)
	q.CheckTimeouts("G1")

	skip := <-q.Skipped()
	if skip.GameTime != gt(1, 0, 0) {
		t.Fatalf("expected skip marker for the failed game_time, got %+v", skip)
	}
	out := <-q.Out()
	if out.GameTime != gt(1, 0, 5) {
		t.Fatalf("expected the buffered successor to release after the skip, got %+v", out)
	}
}

func TestCheckTimeoutsDoesNotSkipBeforeBoundedWaitElapses(t *testing.T) {
	q := New(time.Hour)
	q.Fail(gt(1, 0, 0), "llm_unavailable")
	q.CheckTimeouts("G1")

	select {
	case s := <-q.Skipped():
		t.Fatalf("expected no skip before the bounded wait elapses, got %+v", s)
	default:
	}
}

func TestCloseDrainsRemainingInOrder(t *testing.T) {
	q := New(time.Second)
	q.Fail(gt(1, 0, 0), "stalled")
	q.Submit(PipelineOutput{GameID: "G1", GameTime: gt(1, 0, 15)})
	q.Submit(PipelineOutput{GameID: "G1", GameTime: gt(1, 0, 10)})
	q.Close()

	var released []gametime.GameTime
	for out := range q.Out() {
		released = append(released, out.GameTime)
	}
	if len(released) != 2 || released[0] != gt(1, 0, 10) || released[1] != gt(1, 0, 15) {
		t.Fatalf("expected [1:0:10, 1:0:15] in order, got %+v", released)
	}
}

// Out-of-order completion: T1 (1:00:15) is slow to finish its stage
// work; T2 (1:00:30) finishes first. Subscribers must still see T1
// before T2, and the bounded-wait check taken while T1 is outstanding
// records a pending-wait rather than skipping it outright.
func TestOutOfOrderCompletionWithholdsSuccessorUntilPredecessorArrives(t *testing.T) {
	q := New(time.Hour)
	t1, t2 := gt(1, 0, 15), gt(1, 0, 30)

	q.Fail(t1, "stage_still_running")
	q.Submit(PipelineOutput{GameID: "G1", GameTime: t2})

	select {
	case out := <-q.Out():
		t.Fatalf("expected T2 withheld until T1 arrives, got early release of %+v", out)
	default:
	}

	q.CheckTimeouts("G1")
	if stats := q.Stats(); stats.PendingWaitEvents == 0 {
		t.Fatal("expected a pending-wait to be recorded for T1 while it is still outstanding")
	}

	q.Submit(PipelineOutput{GameID: "G1", GameTime: t1})

	first := <-q.Out()
	second := <-q.Out()
	if first.GameTime != t1 || second.GameTime != t2 {
		t.Fatalf("expected T1 then T2, got %+v then %+v", first, second)
	}
}

// TestExpectReservesSlotSoFasterSuccessorWaits drives the queue exactly
// as pipeline.Game does: Expect is called in ascending game_time order
// at reduce time, then Submit arrives whenever each snapshot's stage
// work actually finishes — here T2 before T1 — with no manual Fail
// priming. Without the Expect reservation, Submit(T2) would establish
// next_expected itself and release T2 immediately, then silently drop
// the later Submit(T1).
func TestExpectReservesSlotSoFasterSuccessorWaits(t *testing.T) {
	q := New(time.Hour)
	t1, t2 := gt(1, 0, 15), gt(1, 0, 30)

	q.Expect(t1)
	q.Expect(t2)

	q.Submit(PipelineOutput{GameID: "G1", GameTime: t2})

	select {
	case out := <-q.Out():
		t.Fatalf("expected T2 withheld until T1 arrives, got early release of %+v", out)
	default:
	}

	q.Submit(PipelineOutput{GameID: "G1", GameTime: t1})

	first := <-q.Out()
	second := <-q.Out()
	if first.GameTime != t1 || second.GameTime != t2 {
		t.Fatalf("expected T1 then T2, got %+v then %+v", first, second)
	}
}

func TestStatsTrackSubmittedReleasedSkipped(t *testing.T) {
	q := New(5 * time.Millisecond)
	q.Submit(PipelineOutput{GameID: "G1", GameTime: gt(1, 0, 0)})
	<-q.Out()
	q.Fail(gt(1, 0, 5), "x")
	time.Sleep(10 * time.Millisecond)
	q.CheckTimeouts("G1")
	<-q.Skipped()

	stats := q.Stats()
	if stats.Submitted != 1 || stats.Released != 1 || stats.Skipped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
