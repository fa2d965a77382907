package llm

import (
	"context"
	"time"

	"github.com/rinkside/commentary-pipeline/internal/config"
)

// Request describes one call into a stage's language model. Stage names
// the structured output shape the caller expects back (analyze or
// narrate); backends that don't care can ignore it.
type Request struct {
	SessionID   string
	Stage       string
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk is one piece of streamed model output. Analyze/Narrate accumulate
// chunks until Partial is false, then decode Content as the stage's
// structured output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator is the pluggable LLM backend contract the Stage Orchestrator
// calls for both Analyze and Narrate.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// RequestFromConfig seeds a Request with the model and sampling defaults
// for stage ("analyze" or "narrate").
func RequestFromConfig(cfg config.LLMConfig, stage string) Request {
	model := cfg.ModelAnalyze
	if stage == "narrate" {
		model = cfg.ModelNarrate
	}
	return Request{Stage: stage, Model: model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}
