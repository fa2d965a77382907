package orchestrator

// AnalysisOutput is Stage 1's structured result: talking points, a
// momentum score that drives Narrate's commentary-kind selection, and
// any high-intensity events worth flagging.
type AnalysisOutput struct {
	TalkingPoints []string `json:"talking_points"`
	MomentumScore int      `json:"momentum_score"`
	FlaggedEvents []string `json:"flagged_events"`
}

// CommentaryKind is chosen from the Analyze momentum score.
type CommentaryKind string

const (
	KindFiller       CommentaryKind = "filler"
	KindMixed        CommentaryKind = "mixed"
	KindPlayByPlay   CommentaryKind = "play_by_play"
)

// CommentarySegment is one spoken line from one of the two fixed
// broadcaster roles.
type CommentarySegment struct {
	Speaker                  string  `json:"speaker"` // "A" | "B"
	Text                     string  `json:"text"`
	Emotion                  string  `json:"emotion"`
	DurationEstimateSeconds  float64 `json:"duration_estimate_seconds"`
	PauseAfterSeconds        float64 `json:"pause_after_seconds"`
}

// NarrationBatch is Stage 2's output: 2-6 alternating segments.
type NarrationBatch struct {
	Segments []CommentarySegment `json:"segments"`
}

// AudioSegment is Stage 3's rendered output for one CommentarySegment,
// carrying the speaker/emotion/duration metadata associated with it
// alongside the rendered WAV bytes.
type AudioSegment struct {
	Speaker         string
	Emotion         string
	DurationSeconds float64
	SampleRate      int
	Channels        int
	WAV             []byte
}

// PipelineOutput is the unit of work the Ordering Queue reorders and the
// Broadcast Hub fans out.
type PipelineOutput struct {
	GameID          string
	SequenceNumber  int64
	Narration       NarrationBatch
	Audio           []AudioSegment
	Analysis        AnalysisOutput
	BoardSummary    string
}
