package board

import (
	"fmt"

	"github.com/rinkside/commentary-pipeline/internal/gametime"
	"github.com/rinkside/commentary-pipeline/internal/snapshot"
)

// Reduce applies one Snapshot to Board under the single-writer discipline.
// A reduce that would panic is recovered and classified fatal-for-that-
// snapshot: Board is rolled back to its pre-reduce state and the error is
// returned so callers can quarantine the snapshot and continue.
func (b *Board) Reduce(snap snapshot.Snapshot) (report UpdateReport, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	saved := b.copyLocked()
	defer func() {
		if r := recover(); r != nil {
			b.restoreLocked(saved)
			err = fmt.Errorf("reduce panicked, rolled back: %v", r)
		}
	}()

	// Reject snapshots at or before the last reduced game_time.
	if b.hasReduced && snap.GameTime.Compare(b.lastGameTime) <= 0 {
		return UpdateReport{OutOfOrder: true}, nil
	}

	rosterLock := snapshot.RosterLockSet(b.static)

	newEvents, _ := partitionEvents(snap.Activities, b.processedEventIDs)
	ordered := goalsFirst(newEvents)

	report = UpdateReport{}
	scoreBefore := b.score

	periodBefore := b.period
	for _, evt := range ordered {
		b.processedEventIDs[evt.EventID] = struct{}{}

		if violatesRosterLock(evt, rosterLock) {
			anomaly := Anomaly{
				Kind:     "unknown_player",
				Detail:   fmt.Sprintf("event %s references unrostered player(s)", evt.EventID),
				GameTime: snap.GameTime,
			}
			report.Anomalies = append(report.Anomalies, anomaly)
			b.recordAnomaly(anomaly)
			continue
		}

		switch evt.Kind {
		case snapshot.EventGoal:
			goal := Goal{Scorer: firstOrEmpty(evt.Players), Team: evt.Team, Assists: evt.Assists, GameTime: snap.GameTime}
			b.goals = append(b.goals, goal)
			report.NewGoals = append(report.NewGoals, goal)
			switch evt.Team {
			case "away":
				b.score.Away++
				b.goalieHome.GoalsAllowed++
			case "home":
				b.score.Home++
				b.goalieAway.GoalsAllowed++
			}
		case snapshot.EventShot:
			switch evt.Team {
			case "away":
				b.shots.Away++
			case "home":
				b.shots.Home++
			}
		case snapshot.EventPenalty:
			penalty := PenaltyInterval{PlayerID: firstOrEmpty(evt.Players), Team: evt.Team, GameTime: snap.GameTime}
			b.penalties = append(b.penalties, penalty)
			report.NewPenalties = append(report.NewPenalties, penalty)
		case snapshot.EventPeriodBoundary:
			if evt.Period > 0 {
				b.period = evt.Period
			} else {
				b.period++
			}
			b.timeRemaining = "20:00"
		case snapshot.EventStoppage, snapshot.EventFaceoff, snapshot.EventClockTick:
			if evt.TimeRemaining != "" {
				b.timeRemaining = evt.TimeRemaining
			}
		}
	}

	// The producer's own cumulative counters are hints only; a
	// would-be decrease relative to what the reducer itself computed is
	// logged and ignored, never adopted.
	if snap.ObservedScore.Away < b.score.Away || snap.ObservedScore.Home < b.score.Home {
		anomaly := Anomaly{
			Kind:     "score_decrement_hint_ignored",
			Detail:   fmt.Sprintf("observed_score %+v below board score %+v", snap.ObservedScore, b.score),
			GameTime: snap.GameTime,
		}
		report.Anomalies = append(report.Anomalies, anomaly)
		b.recordAnomaly(anomaly)
	}
	if snap.ObservedShots.Away < b.shots.Away || snap.ObservedShots.Home < b.shots.Home {
		anomaly := Anomaly{
			Kind:     "shots_decrement_hint_ignored",
			Detail:   fmt.Sprintf("observed_shots %+v below board shots %+v", snap.ObservedShots, b.shots),
			GameTime: snap.GameTime,
		}
		report.Anomalies = append(report.Anomalies, anomaly)
		b.recordAnomaly(anomaly)
	}

	b.lastGameTime = snap.GameTime
	b.hasReduced = true
	b.narrativeSummary = clampSummary(renderNarrativeSummary(b))

	report.ScoreDelta = Counters{Away: b.score.Away - scoreBefore.Away, Home: b.score.Home - scoreBefore.Home}
	report.PeriodChanged = b.period != periodBefore

	return report, nil
}

func partitionEvents(activities []snapshot.Event, processed map[string]struct{}) (newEvents, seenEvents []snapshot.Event) {
	for _, evt := range activities {
		if _, ok := processed[evt.EventID]; ok {
			seenEvents = append(seenEvents, evt)
			continue
		}
		newEvents = append(newEvents, evt)
	}
	return newEvents, seenEvents
}

// goalsFirst stably reorders a snapshot's new events so that any goal is
// applied before any penalty in the same snapshot: a delayed-call penalty
// must never mask the goal that preceded it in game reality. Relative
// order within each class is preserved.
func goalsFirst(events []snapshot.Event) []snapshot.Event {
	var goals, rest []snapshot.Event
	for _, e := range events {
		if e.Kind == snapshot.EventGoal {
			goals = append(goals, e)
		} else {
			rest = append(rest, e)
		}
	}
	return append(goals, rest...)
}

func violatesRosterLock(evt snapshot.Event, rosterLock map[string]string) bool {
	for _, p := range evt.Players {
		if _, ok := rosterLock[p]; !ok {
			return true
		}
	}
	return false
}

func firstOrEmpty(players []string) string {
	if len(players) == 0 {
		return ""
	}
	return players[0]
}

func (b *Board) recordAnomaly(a Anomaly) {
	b.recentAnomalies = append(b.recentAnomalies, a)
	if len(b.recentAnomalies) > 50 {
		b.recentAnomalies = b.recentAnomalies[len(b.recentAnomalies)-50:]
	}
}

func renderNarrativeSummary(b *Board) string {
	return fmt.Sprintf(
		"Period %d, %s remaining. Score %d-%d (away-home). Shots %d-%d. Goals so far: %d. Active penalties: %d.",
		b.period, b.timeRemaining, b.score.Away, b.score.Home, b.shots.Away, b.shots.Home, len(b.goals), len(b.penalties),
	)
}

type boardSnapshotCopy struct {
	score             Counters
	shots             Counters
	period            int
	timeRemaining     string
	goals             []Goal
	penalties         []PenaltyInterval
	goalieAway        GoalieState
	goalieHome        GoalieState
	processedEventIDs map[string]struct{}
	narrativeSummary  string
	lastGameTime      gametime.GameTime
	hasReduced        bool
}

func (b *Board) copyLocked() boardSnapshotCopy {
	ids := make(map[string]struct{}, len(b.processedEventIDs))
	for k := range b.processedEventIDs {
		ids[k] = struct{}{}
	}
	return boardSnapshotCopy{
		score:             b.score,
		shots:             b.shots,
		period:            b.period,
		timeRemaining:     b.timeRemaining,
		goals:             append([]Goal(nil), b.goals...),
		penalties:         append([]PenaltyInterval(nil), b.penalties...),
		goalieAway:        b.goalieAway,
		goalieHome:        b.goalieHome,
		processedEventIDs: ids,
		narrativeSummary:  b.narrativeSummary,
		lastGameTime:      b.lastGameTime,
		hasReduced:        b.hasReduced,
	}
}

func (b *Board) restoreLocked(s boardSnapshotCopy) {
	b.score = s.score
	b.shots = s.shots
	b.period = s.period
	b.timeRemaining = s.timeRemaining
	b.goals = s.goals
	b.penalties = s.penalties
	b.goalieAway = s.goalieAway
	b.goalieHome = s.goalieHome
	b.processedEventIDs = s.processedEventIDs
	b.narrativeSummary = s.narrativeSummary
	b.lastGameTime = s.lastGameTime
	b.hasReduced = s.hasReduced
}
