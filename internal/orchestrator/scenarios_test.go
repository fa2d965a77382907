package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rinkside/commentary-pipeline/internal/board"
	"github.com/rinkside/commentary-pipeline/internal/config"
	"github.com/rinkside/commentary-pipeline/internal/gametime"
	"github.com/rinkside/commentary-pipeline/internal/llm"
	"github.com/rinkside/commentary-pipeline/internal/snapshot"
	"github.com/rinkside/commentary-pipeline/internal/tts"
)

// edmVsFlaStatic is the static context shared by the scenario tests:
// away EDM, home FLA, a two-player roster per side, and the starting
// goalies referenced by scenario 2.
func edmVsFlaStatic() snapshot.StaticContext {
	return snapshot.StaticContext{
		GameID:   "GAME1",
		AwayTeam: "EDM",
		HomeTeam: "FLA",
		RosterAway: snapshot.Roster{Players: map[string]string{
			"draisaitl": "Draisaitl",
			"mcdavid":   "Connor McDavid",
		}},
		RosterHome: snapshot.Roster{Players: map[string]string{
			"barkov": "Barkov",
		}},
		GoalieAway: "skinner",
		GoalieHome: "bobrovsky",
	}
}

// scriptedGenerator returns a fixed content string for a given stage,
// ignoring the rest of the request; used where the scenario cares about
// Narrate/Analyze's output shape rather than prompt construction.
type scriptedGenerator struct {
	byStage map[string]string
}

func (g scriptedGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	content, ok := g.byStage[req.Stage]
	if !ok {
		return fmt.Errorf("scriptedGenerator has no content for stage %q", req.Stage)
	}
	return consumer(llm.Chunk{SessionID: req.SessionID, Content: content, Partial: false})
}

func newOrchestratorWith(t *testing.T, gen llm.Generator) *Orchestrator {
	t.Helper()
	cfg := config.Default()
	o, err := New(cfg.LLM, cfg.TTS, cfg.Pipeline, gen, tts.NewMockSynth(24000, 1), discardLogger())
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

// Scenario 1: opening puck filler. A face-off with no score or shot
// activity should read as low momentum and 2-3 filler segments naming
// at least one of the two faced-off players, ending with audio for each.
func TestScenarioOpeningFaceoffProducesFillerSegments(t *testing.T) {
	b := board.Load("GAME1", edmVsFlaStatic())
	snap := snapshot.Snapshot{
		GameID:   "GAME1",
		GameTime: gametime.GameTime{Period: 1, Minute: 0, Second: 0},
		Activities: []snapshot.Event{
			{EventID: "fo1", Kind: snapshot.EventFaceoff, Team: "home", Players: []string{"barkov", "draisaitl"}},
		},
		ObservedScore: snapshot.Score{Away: 0, Home: 0},
		ObservedShots: snapshot.Score{Away: 0, Home: 0},
	}

	report, err := b.Reduce(snap)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if b.Project().Score != (board.Counters{}) {
		t.Fatalf("expected score unchanged by a face-off, got %+v", b.Project().Score)
	}

	gen := scriptedGenerator{byStage: map[string]string{
		"analyze": `{"talking_points":["even strength, puck just dropped"],"momentum_score":10,"flagged_events":[]}`,
		"narrate": `{"segments":[` +
			`{"speaker":"A","text":"Draisaitl lines up opposite Barkov for the opening draw.","emotion":"neutral","duration_estimate_seconds":3,"pause_after_seconds":1},` +
			`{"speaker":"B","text":"Nothing urgent yet, both sides feeling it out.","emotion":"neutral","duration_estimate_seconds":3,"pause_after_seconds":1}` +
			`]}`,
	}}
	o := newOrchestratorWith(t, gen)

	out, err := o.Process(context.Background(), b.Project(), snap, report, 1)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Analysis.MomentumScore > 30 {
		t.Fatalf("expected low momentum for an opening face-off, got %d", out.Analysis.MomentumScore)
	}
	if n := len(out.Narration.Segments); n < 2 || n > 3 {
		t.Fatalf("expected 2-3 filler segments, got %d", n)
	}
	if SelectKind(out.Analysis.MomentumScore, config.Default().Pipeline.MomentumFillerMax, config.Default().Pipeline.MomentumPlayByPlayMin) != KindFiller {
		t.Fatalf("expected filler commentary kind for low momentum")
	}
	if !SpeakersAlternate(NarrationBatch{Segments: out.Narration.Segments}) {
		t.Fatal("expected alternating speakers")
	}
	mentionsFaceoffPlayer := false
	for _, seg := range out.Narration.Segments {
		if strings.Contains(seg.Text, "Draisaitl") || strings.Contains(seg.Text, "Barkov") {
			mentionsFaceoffPlayer = true
		}
	}
	if !mentionsFaceoffPlayer {
		t.Fatal("expected at least one segment to name Draisaitl or Barkov")
	}
	if len(out.Audio) != len(out.Narration.Segments) {
		t.Fatalf("expected one audio segment per narration segment, got %d for %d", len(out.Audio), len(out.Narration.Segments))
	}
}

// Scenario 2: first goal. A shot followed by a credited goal should move
// the board score, credit the conceding goalie, and produce narration
// that mentions the scorer and states no score other than 1-0.
func TestScenarioFirstGoalUpdatesBoardAndNarratesScorer(t *testing.T) {
	b := board.Load("GAME1", edmVsFlaStatic())
	snap := snapshot.Snapshot{
		GameID:   "GAME1",
		GameTime: gametime.GameTime{Period: 1, Minute: 5, Second: 30},
		Activities: []snapshot.Event{
			{EventID: "shot1", Kind: snapshot.EventShot, Team: "away", Players: []string{"draisaitl"}},
			{EventID: "goal1", Kind: snapshot.EventGoal, Team: "away", Players: []string{"draisaitl"}, Assists: []string{"mcdavid"}},
		},
		ObservedScore: snapshot.Score{Away: 1, Home: 0},
	}

	report, err := b.Reduce(snap)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	proj := b.Project()
	if proj.Score != (board.Counters{Away: 1, Home: 0}) {
		t.Fatalf("expected score 1-0 away, got %+v", proj.Score)
	}
	if proj.GoalieHome.GoalsAllowed != 1 {
		t.Fatalf("expected home goalie (Bobrovsky) to be credited with the goal, got %+v", proj.GoalieHome)
	}
	if len(report.NewGoals) != 1 || report.NewGoals[0].Scorer != "draisaitl" {
		t.Fatalf("expected one new goal credited to draisaitl, got %+v", report.NewGoals)
	}

	gen := scriptedGenerator{byStage: map[string]string{
		"analyze": `{"talking_points":["Draisaitl buries it"],"momentum_score":90,"flagged_events":["goal"]}`,
		"narrate": `{"segments":[` +
			`{"speaker":"A","text":"Draisaitl scores! EDM takes the lead 1-0.","emotion":"excited","duration_estimate_seconds":3,"pause_after_seconds":1},` +
			`{"speaker":"B","text":"Connor McDavid gets the helper on that one.","emotion":"excited","duration_estimate_seconds":3,"pause_after_seconds":1}` +
			`]}`,
	}}
	o := newOrchestratorWith(t, gen)

	out, err := o.Process(context.Background(), proj, snap, report, 2)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	mentionsScorer := false
	for _, seg := range out.Narration.Segments {
		if strings.Contains(seg.Text, "Draisaitl") {
			mentionsScorer = true
		}
		for _, wrong := range []string{"2-0", "1-1", "0-0", "0-1"} {
			if strings.Contains(seg.Text, wrong) {
				t.Fatalf("segment states a score other than 1-0: %q", seg.Text)
			}
		}
	}
	if !mentionsScorer {
		t.Fatal("expected at least one segment to reference Draisaitl")
	}
	if len(out.Audio) != len(out.Narration.Segments) {
		t.Fatalf("expected a narration+audio pair per segment, got %d audio for %d narration", len(out.Audio), len(out.Narration.Segments))
	}
}

// Scenario 4: score-decrement anomaly. Once a goal is on the board, a
// later snapshot carrying a lower observed_score is an anomaly, not a
// correction: board score must not move backward and no segment may
// assert the rolled-back tie.
func TestScenarioScoreDecrementHintIsLoggedNotApplied(t *testing.T) {
	b := board.Load("GAME1", edmVsFlaStatic())
	goalSnap := snapshot.Snapshot{
		GameID:   "GAME1",
		GameTime: gametime.GameTime{Period: 1, Minute: 5, Second: 30},
		Activities: []snapshot.Event{
			{EventID: "goal1", Kind: snapshot.EventGoal, Team: "away", Players: []string{"draisaitl"}},
		},
		ObservedScore: snapshot.Score{Away: 1, Home: 0},
	}
	if _, err := b.Reduce(goalSnap); err != nil {
		t.Fatalf("reduce goal: %v", err)
	}

	decrementSnap := snapshot.Snapshot{
		GameID:   "GAME1",
		GameTime: gametime.GameTime{Period: 1, Minute: 5, Second: 45},
		ObservedScore: snapshot.Score{Away: 0, Home: 0},
	}
	report, err := b.Reduce(decrementSnap)
	if err != nil {
		t.Fatalf("reduce decrement: %v", err)
	}
	proj := b.Project()
	if proj.Score != (board.Counters{Away: 1, Home: 0}) {
		t.Fatalf("expected score to remain 1-0, got %+v", proj.Score)
	}
	foundAnomaly := false
	for _, a := range report.Anomalies {
		if a.Kind == "score_decrement_hint_ignored" {
			foundAnomaly = true
		}
	}
	if !foundAnomaly {
		t.Fatal("expected a score_decrement_hint_ignored anomaly to be logged")
	}

	gen := scriptedGenerator{byStage: map[string]string{
		"analyze": `{"talking_points":["clock running"],"momentum_score":15,"flagged_events":[]}`,
		"narrate": `{"segments":[` +
			`{"speaker":"A","text":"Play continues at even strength.","emotion":"neutral","duration_estimate_seconds":3,"pause_after_seconds":1}` +
			`]}`,
	}}
	o := newOrchestratorWith(t, gen)

	out, err := o.Process(context.Background(), proj, decrementSnap, report, 3)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	for _, seg := range out.Narration.Segments {
		if strings.Contains(seg.Text, "0-0") {
			t.Fatalf("segment asserts a rolled-back 0-0 tie: %q", seg.Text)
		}
	}
}

// Scenario 5: roster violation. Narrate names a player outside either
// roster; the post-filter must rewrite the name to a generic role (or
// drop the segment if rewriting empties it) before it ever reaches
// synthesis.
func TestScenarioRosterViolationIsRewrittenNotEmitted(t *testing.T) {
	b := board.Load("GAME1", edmVsFlaStatic())
	snap := snapshot.Snapshot{
		GameID:   "GAME1",
		GameTime: gametime.GameTime{Period: 1, Minute: 10, Second: 0},
	}
	report, err := b.Reduce(snap)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}

	gen := scriptedGenerator{byStage: map[string]string{
		"analyze": `{"talking_points":["quiet stretch"],"momentum_score":10,"flagged_events":[]}`,
		"narrate": `{"segments":[` +
			`{"speaker":"A","text":"Wayne Gretzky would have loved this matchup.","emotion":"neutral","duration_estimate_seconds":3,"pause_after_seconds":1},` +
			`{"speaker":"B","text":"Draisaitl is skating well tonight.","emotion":"neutral","duration_estimate_seconds":3,"pause_after_seconds":1}` +
			`]}`,
	}}
	o := newOrchestratorWith(t, gen)

	out, err := o.Process(context.Background(), b.Project(), snap, report, 4)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	for _, seg := range out.Narration.Segments {
		if strings.Contains(seg.Text, "Wayne Gretzky") {
			t.Fatalf("segment still names a non-roster player: %q", seg.Text)
		}
	}
	foundRewrittenRole := false
	for _, seg := range out.Narration.Segments {
		if strings.Contains(seg.Text, "the forward") || strings.Contains(seg.Text, "the defender") ||
			strings.Contains(seg.Text, "the winger") || strings.Contains(seg.Text, "the netminder") {
			foundRewrittenRole = true
		}
	}
	if !foundRewrittenRole {
		t.Fatal("expected the non-roster name to be rewritten to a generic role rather than silently dropped with no trace")
	}
}
