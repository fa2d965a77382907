package tts

import "context"

// VoiceStyle is the fixed vocabulary the TTS collaborator accepts,
// mapped from a CommentarySegment's speaker and emotion.
type VoiceStyle string

const (
	VoiceEnthusiastic VoiceStyle = "enthusiastic"
	VoiceDramatic     VoiceStyle = "dramatic"
	VoiceCalm         VoiceStyle = "calm"
)

// SynthRequest contains parameters to synthesize speech: the contract
// is (text, voice_style, language) -> pcm_wav_bytes.
type SynthRequest struct {
	SessionID  string
	Text       string
	VoiceStyle VoiceStyle
	Language   string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}
