// Package snapshot defines the upstream wire shape for one sampled
// observation of a game, and the per-game static context loaded once
// before live ingest begins.
package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/rinkside/commentary-pipeline/internal/gametime"
)

// EventKind is the closed set of activity types the reducer understands.
// Anything outside this set is decoded but treated as clock-only.
type EventKind string

const (
	EventGoal            EventKind = "goal"
	EventShot            EventKind = "shot"
	EventPenalty         EventKind = "penalty"
	EventFaceoff         EventKind = "faceoff"
	EventStoppage        EventKind = "stoppage"
	EventPeriodBoundary  EventKind = "period-boundary"
	EventClockTick       EventKind = "clock-tick"
)

// Event is one participating activity inside a Snapshot.
type Event struct {
	EventID     string          `json:"event_id"`
	Kind        EventKind       `json:"type_desc_key"`
	Team        string          `json:"team"` // "away" | "home"
	Players     []string        `json:"players,omitempty"`
	Assists     []string        `json:"assists,omitempty"`
	Period      int             `json:"period,omitempty"`
	TimeRemaining string        `json:"time_remaining,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// Score and Shots carry the producer's own counters, treated as hints
// only; the Board never adopts them directly.
type Score struct {
	Away int `json:"away"`
	Home int `json:"home"`
}

// Snapshot is one immutable sampled record at a GameTime.
type Snapshot struct {
	GameID            string           `json:"game_id"`
	GameTime          gametime.GameTime `json:"game_time"`
	WallTimeReceived  int64            `json:"wall_time_received"`
	Activities        []Event          `json:"activities"`
	ObservedScore     Score            `json:"observed_score"`
	ObservedShots     Score            `json:"observed_shots"`
	SourcePath        string           `json:"-"`
}

// Roster is a set of player identifiers with display names, the set
// narration is locked to for a given team.
type Roster struct {
	Players map[string]string `json:"players"` // id -> display name
}

func (r Roster) Has(playerID string) bool {
	_, ok := r.Players[playerID]
	return ok
}

// StaticContext is produced once per game before live ingest starts.
type StaticContext struct {
	GameID     string `json:"game_id"`
	AwayTeam   string `json:"away_team"`
	HomeTeam   string `json:"home_team"`
	Venue      string `json:"venue"`
	RosterAway Roster `json:"roster_away"`
	RosterHome Roster `json:"roster_home"`
	GoalieAway string `json:"goalie_away"`
	GoalieHome string `json:"goalie_home"`
}

// Decode parses raw snapshot JSON, tolerating unknown fields and filling
// GameTime/GameID from the filename when the payload omits them.
func Decode(raw []byte, fallbackGameID string, fallbackTime gametime.GameTime) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.GameID == "" {
		s.GameID = fallbackGameID
	}
	if s.GameTime == (gametime.GameTime{}) {
		s.GameTime = fallbackTime
	}
	return s, nil
}

// RosterLockSet returns the union of both rosters plus the fixed
// broadcast roles narration is also permitted to reference.
func RosterLockSet(static StaticContext) map[string]string {
	set := make(map[string]string, len(static.RosterAway.Players)+len(static.RosterHome.Players)+3)
	for id, name := range static.RosterAway.Players {
		set[id] = name
	}
	for id, name := range static.RosterHome.Players {
		set[id] = name
	}
	set["referee"] = "the referee"
	set["crowd"] = "the crowd"
	set["announcer"] = "the announcer"
	return set
}
