// Package board implements the authoritative, single-writer game state
// and its deterministic reducer.
package board

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rinkside/commentary-pipeline/internal/gametime"
	"github.com/rinkside/commentary-pipeline/internal/snapshot"
)

const narrativeSummaryMaxChars = 600

// Counters holds a per-side pair that may only increase.
type Counters struct {
	Away int `json:"away"`
	Home int `json:"home"`
}

// Goal is one credited score event.
type Goal struct {
	Scorer   string            `json:"scorer"`
	Team     string            `json:"team"`
	Assists  []string          `json:"assists,omitempty"`
	GameTime gametime.GameTime `json:"game_time"`
}

// PenaltyInterval is one active (or historical) penalty.
type PenaltyInterval struct {
	PlayerID string            `json:"player_id"`
	Team     string            `json:"team"`
	GameTime gametime.GameTime `json:"game_time"`
}

// GoalieState tracks one side's starting goalie and goals allowed.
type GoalieState struct {
	ID           string `json:"id"`
	GoalsAllowed int    `json:"goals_allowed"`
}

// Anomaly records a rejected or clamped input, never silently dropped.
type Anomaly struct {
	Kind     string            `json:"kind"`
	Detail   string            `json:"detail"`
	GameTime gametime.GameTime `json:"game_time"`
}

// Board is the authoritative, mutable aggregate for one game. All
// mutation goes through Reduce under the single-writer discipline;
// readers take a BoardProjection via Project.
type Board struct {
	mu sync.RWMutex

	gameID            string
	static            snapshot.StaticContext
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
	recentAnomalies   []Anomaly
}

// Load creates a fresh Board for gameID, seeded with the game's static
// roster and goalie context. Board's lifecycle begins on the first
// successful Reduce, but the struct itself is constructed here.
func Load(gameID string, static snapshot.StaticContext) *Board {
	return &Board{
		gameID:            gameID,
		static:            static,
		period:            1,
		timeRemaining:     "20:00",
		processedEventIDs: make(map[string]struct{}),
		goalieAway:        GoalieState{ID: static.GoalieAway},
		goalieHome:        GoalieState{ID: static.GoalieHome},
	}
}

// UpdateReport summarizes the effect of one Reduce call.
type UpdateReport struct {
	NewGoals      []Goal
	NewPenalties  []PenaltyInterval
	ScoreDelta    Counters
	Anomalies     []Anomaly
	PeriodChanged bool
	OutOfOrder    bool
}

// BoardProjection is an immutable value snapshot of Board, safe to pass
// to any reader without synchronization.
type BoardProjection struct {
	GameID           string
	Score            Counters
	Shots            Counters
	Period           int
	TimeRemaining    string
	Goals            []Goal
	Penalties        []PenaltyInterval
	GoalieAway       GoalieState
	GoalieHome       GoalieState
	NarrativeSummary string
	LastGameTime     gametime.GameTime
	RosterLock       map[string]string
}

// Project takes a read-only, independently mutable copy of Board.
func (b *Board) Project() BoardProjection {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BoardProjection{
		GameID:           b.gameID,
		Score:            b.score,
		Shots:            b.shots,
		Period:           b.period,
		TimeRemaining:    b.timeRemaining,
		Goals:            append([]Goal(nil), b.goals...),
		Penalties:        append([]PenaltyInterval(nil), b.penalties...),
		GoalieAway:       b.goalieAway,
		GoalieHome:       b.goalieHome,
		NarrativeSummary: b.narrativeSummary,
		LastGameTime:     b.lastGameTime,
		RosterLock:       snapshot.RosterLockSet(b.static),
	}
}

// NarrativeSummary returns the current bounded summary string.
func (b *Board) NarrativeSummary() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.narrativeSummary
}

// boardState is the serialization shape used by snapshot_state/restore.
// processed_event_ids is sorted so the same state always serializes to
// the same bytes.
type boardState struct {
	GameID            string            `json:"game_id"`
	Score             Counters          `json:"score"`
	Shots             Counters          `json:"shots"`
	Period            int               `json:"period"`
	TimeRemaining     string            `json:"time_remaining"`
	Goals             []Goal            `json:"goals"`
	Penalties         []PenaltyInterval `json:"penalties"`
	GoalieAway        GoalieState       `json:"goalie_away"`
	GoalieHome        GoalieState       `json:"goalie_home"`
	ProcessedEventIDs []string          `json:"processed_event_ids"`
	NarrativeSummary  string            `json:"narrative_summary"`
	LastGameTime      gametime.GameTime `json:"last_game_time"`
	HasReduced        bool              `json:"has_reduced"`
}

// SnapshotState serializes Board for persistence.
func (b *Board) SnapshotState() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.processedEventIDs))
	for id := range b.processedEventIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	state := boardState{
		GameID:            b.gameID,
		Score:             b.score,
		Shots:             b.shots,
		Period:            b.period,
		TimeRemaining:     b.timeRemaining,
		Goals:             append([]Goal(nil), b.goals...),
		Penalties:         append([]PenaltyInterval(nil), b.penalties...),
		GoalieAway:        b.goalieAway,
		GoalieHome:        b.goalieHome,
		ProcessedEventIDs: ids,
		NarrativeSummary:  b.narrativeSummary,
		LastGameTime:      b.lastGameTime,
		HasReduced:        b.hasReduced,
	}
	return json.Marshal(state)
}

// Restore replaces Board's state from a previous SnapshotState payload.
// Static context is not part of the serialized state; callers must have
// constructed the Board via Load with the correct StaticContext first.
func (b *Board) Restore(data []byte) error {
	var state boardState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("restore board state: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.gameID = state.GameID
	b.score = state.Score
	b.shots = state.Shots
	b.period = state.Period
	b.timeRemaining = state.TimeRemaining
	b.goals = append([]Goal(nil), state.Goals...)
	b.penalties = append([]PenaltyInterval(nil), state.Penalties...)
	b.goalieAway = state.GoalieAway
	b.goalieHome = state.GoalieHome
	b.narrativeSummary = state.NarrativeSummary
	b.lastGameTime = state.LastGameTime
	b.hasReduced = state.HasReduced
	b.processedEventIDs = make(map[string]struct{}, len(state.ProcessedEventIDs))
	for _, id := range state.ProcessedEventIDs {
		b.processedEventIDs[id] = struct{}{}
	}
	return nil
}

func clampSummary(s string) string {
	if len(s) <= narrativeSummaryMaxChars {
		return s
	}
	return s[:narrativeSummaryMaxChars]
}
