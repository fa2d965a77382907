// Package contextmgr assembles the per-stage prompt payload and tracks
// token growth so the session manager can decide when to refresh.
package contextmgr

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rinkside/commentary-pipeline/internal/board"
	"github.com/rinkside/commentary-pipeline/internal/snapshot"
)

// Stage identifies which of the three stage agents a prompt is for.
type Stage string

const (
	StageAnalyze    Stage = "analyze"
	StageNarrate    Stage = "narrate"
	StageSynthesize Stage = "synthesize"
)

const narrativeSummaryMaxChars = 600

// PromptPayload is the assembled context handed to a stage call.
type PromptPayload struct {
	SystemPreamble   string
	AuthoritativeState string
	NarrativeSummary string
	Activities       string
	StageInstructions string
}

// GrowthTrend is the Context Manager's coarse classification of how fast
// a session's estimated token size is rising.
type GrowthTrend string

const (
	TrendStable   GrowthTrend = "stable"
	TrendRising   GrowthTrend = "rising"
	TrendCritical GrowthTrend = "critical"
)

// RefreshPolicy carries the configured refresh thresholds.
type RefreshPolicy struct {
	SoftTokens            int
	HardTokens            int
	RefreshEveryNSnapshots int
}

// Manager assembles prompts and remembers, per session id, the last two
// token estimates needed to classify growth trend.
type Manager struct {
	history *lru.Cache[string, [2]int]
}

func New() (*Manager, error) {
	cache, err := lru.New[string, [2]int](4096)
	if err != nil {
		return nil, fmt.Errorf("create context manager lru: %w", err)
	}
	return &Manager{history: cache}, nil
}

// Assemble builds the stable prompt structure: preamble, authoritative
// state block, narrative summary, current activities, stage instructions.
func (m *Manager) Assemble(stage Stage, proj board.BoardProjection, snap snapshot.Snapshot, narrativeSummary string) PromptPayload {
	return PromptPayload{
		SystemPreamble:     preambleFor(stage),
		AuthoritativeState: renderAuthoritativeState(proj),
		NarrativeSummary:   clamp(narrativeSummary, narrativeSummaryMaxChars),
		Activities:         renderActivities(snap),
		StageInstructions:  instructionsFor(stage),
	}
}

// EstimateTokens is deliberately coarse: bytes/4.
func (m *Manager) EstimateTokens(payload PromptPayload) int {
	total := len(payload.SystemPreamble) + len(payload.AuthoritativeState) + len(payload.NarrativeSummary) + len(payload.Activities) + len(payload.StageInstructions)
	return total / 4
}

// GrowthTrendFor records the new estimate for sessionID and classifies
// the trend from the last two observations.
func (m *Manager) GrowthTrendFor(sessionID string, estimate, softThreshold int) GrowthTrend {
	prev, ok := m.history.Get(sessionID)
	var history [2]int
	if ok {
		history = [2]int{prev[1], estimate}
	} else {
		history = [2]int{estimate, estimate}
	}
	m.history.Add(sessionID, history)

	if !ok {
		return TrendStable
	}
	rising := history[1] > history[0]
	if !rising {
		return TrendStable
	}
	if history[0] >= softThreshold && history[1] >= softThreshold {
		return TrendCritical
	}
	return TrendRising
}

// Forget drops growth-trend history for a session, called on refresh.
func (m *Manager) Forget(sessionID string) {
	m.history.Remove(sessionID)
}

func preambleFor(stage Stage) string {
	switch stage {
	case StageAnalyze:
		return "You are the analysis stage of a live two-voice broadcast pipeline. Produce a structured analysis only; never free-form prose."
	case StageNarrate:
		return "You are the narration stage of a live two-voice broadcast pipeline. Produce 2 to 6 alternating commentary segments for fixed broadcasters A and B."
	case StageSynthesize:
		return "You are the speech-synthesis stage of a live two-voice broadcast pipeline. Render the given commentary segments to audio, preserving order."
	default:
		return ""
	}
}

func instructionsFor(stage Stage) string {
	switch stage {
	case StageAnalyze:
		return "Output: talking points, a momentum score 0-100, and any flagged high-intensity events."
	case StageNarrate:
		return "Output: an ordered NarrationBatch. Never name a player outside the roster-lock set. Never contradict the authoritative state block."
	case StageSynthesize:
		return "Output: one rendered audio segment per commentary segment, in order."
	default:
		return ""
	}
}

func renderAuthoritativeState(proj board.BoardProjection) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Score: away %d, home %d. Shots: away %d, home %d. Period %d, %s remaining.\n",
		proj.Score.Away, proj.Score.Home, proj.Shots.Away, proj.Shots.Home, proj.Period, proj.TimeRemaining)
	fmt.Fprintf(&sb, "Goalies: away goals_allowed=%d, home goals_allowed=%d.\n", proj.GoalieAway.GoalsAllowed, proj.GoalieHome.GoalsAllowed)
	fmt.Fprintf(&sb, "Active penalties: %d.\n", len(proj.Penalties))
	sb.WriteString("Roster-lock set: ")
	names := make([]string, 0, len(proj.RosterLock))
	for id := range proj.RosterLock {
		names = append(names, id)
	}
	sb.WriteString(strings.Join(names, ", "))
	return sb.String()
}

func renderActivities(snap snapshot.Snapshot) string {
	var sb strings.Builder
	for _, evt := range snap.Activities {
		fmt.Fprintf(&sb, "- %s (%s) team=%s players=%v\n", evt.Kind, evt.EventID, evt.Team, evt.Players)
	}
	return sb.String()
}

func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
