// Package protocol defines the wire messages the Broadcast Hub sends to
// subscribers and the NATS subjects actors use to talk to each other.
package protocol

import "time"

// MessageType discriminates the wire envelope sent to broadcast
// subscribers.
type MessageType string

const (
	MessageNarration MessageType = "narration"
	MessageAudio     MessageType = "audio"
	MessageBatchEnd  MessageType = "batch_end"
	MessageSkip      MessageType = "skip"
	MessageEnd       MessageType = "end"
)

// Envelope is the outer shape every broadcast message shares; Payload is
// one of NarrationPayload, AudioPayload, BatchEndPayload, SkipPayload,
// or omitted for MessageEnd.
type Envelope struct {
	Type      MessageType `json:"type"`
	GameID    string      `json:"game_id"`
	GameTime  string      `json:"game_time"`
	Sequence  int64       `json:"sequence"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
}

// EncodingWAVPCM16Mono24k is the fixed encoding tag the audio message
// carries; the wire format never varies, so it's a constant rather
// than a field sourced from the segment.
const EncodingWAVPCM16Mono24k = "wav_pcm16_24k_mono"

// NarrationPayload carries one CommentarySegment. SegmentIndex is its
// position within the enclosing batch, backing the index-ordering
// guarantee between a narration message and its paired audio message.
type NarrationPayload struct {
	SegmentIndex         int     `json:"segment_index"`
	Speaker              string  `json:"speaker"`
	Text                 string  `json:"text"`
	Emotion              string  `json:"emotion"`
	DurationEstimateSecs float64 `json:"duration_estimate_seconds"`
	PauseAfterSecs       float64 `json:"pause_after_seconds"`
}

// AudioPayload carries one rendered AudioSegment's WAV bytes.
// SegmentIndex matches the NarrationPayload it pairs with.
type AudioPayload struct {
	SegmentIndex int     `json:"segment_index"`
	Speaker      string  `json:"speaker"`
	Encoding     string  `json:"encoding"`
	Duration     float64 `json:"duration"`
	SampleRate   int     `json:"sample_rate"`
	Channels     int     `json:"channels"`
	WAV          []byte  `json:"wav"`
}

// BatchEndPayload closes out the narration+audio pairs for one
// PipelineOutput's game_time.
type BatchEndPayload struct {
	SegmentCount int `json:"segment_count"`
}

// SkipPayload announces a game_time the Ordering Queue gave up waiting
// on.
type SkipPayload struct {
	Reason string `json:"reason"`
}

// Inter-actor NATS subjects. One subject per hop in the pipeline so a
// subscriber can tap any stage without coupling to its caller. These
// carry the same lifecycle events the in-process channels already move
// between actors; publishing them lets the Watcher/Board/stage-pool/
// Ordering/Broadcast actors be split across processes later without
// changing their public API.
const (
	SubjectSnapshotIngested = "commentary.snapshot.ingested"
	SubjectBoardUpdated     = "commentary.board.updated"
	SubjectStageOutputReady = "commentary.stage.output_ready"
	SubjectOrderingReleased = "commentary.ordering.released"
	SubjectOrderingSkipped  = "commentary.ordering.skipped"
)

// SnapshotIngestedEvent announces that the Watcher decoded a new
// snapshot file, before the Board has reduced it.
type SnapshotIngestedEvent struct {
	GameID     string `json:"game_id"`
	GameTime   string `json:"game_time"`
	SourcePath string `json:"source_path"`
}

// BoardUpdatedEvent announces a completed board.Reduce, carrying the
// anomaly count rather than the full UpdateReport to keep the subject
// cheap to tail.
type BoardUpdatedEvent struct {
	GameID       string `json:"game_id"`
	GameTime     string `json:"game_time"`
	Sequence     int64  `json:"sequence"`
	AnomalyCount int    `json:"anomaly_count"`
}

// StageOutputReadyEvent announces that Analyze/Narrate/Synthesize
// finished for one snapshot and its output was submitted to the
// Ordering Queue.
type StageOutputReadyEvent struct {
	GameID       string `json:"game_id"`
	GameTime     string `json:"game_time"`
	Sequence     int64  `json:"sequence"`
	SegmentCount int    `json:"segment_count"`
}

// OrderingReleasedEvent announces that the Ordering Queue released a
// PipelineOutput for broadcast, in game_time order.
type OrderingReleasedEvent struct {
	GameID   string `json:"game_id"`
	GameTime string `json:"game_time"`
}

// OrderingSkippedEvent announces that the Ordering Queue gave up
// waiting on a game_time and skipped it.
type OrderingSkippedEvent struct {
	GameID   string `json:"game_id"`
	GameTime string `json:"game_time"`
	Reason   string `json:"reason"`
}
