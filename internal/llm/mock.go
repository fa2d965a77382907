package llm

import (
	"context"
	"time"
)

type mockGenerator struct{}

// NewMockGenerator returns a Generator that never calls out: it emits a
// deterministic, schema-valid stub for whichever stage asked, so the
// orchestrator and its tests can run with no network and no exec.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}

	var content string
	switch req.Stage {
	case "narrate":
		content = `{"segments":[` +
			`{"speaker":"A","text":"Play continues at even strength.","emotion":"neutral","duration_estimate_seconds":3,"pause_after_seconds":1},` +
			`{"speaker":"B","text":"Nothing urgent to report from this stretch.","emotion":"neutral","duration_estimate_seconds":3,"pause_after_seconds":1}` +
			`]}`
	default: // "analyze"
		content = `{"talking_points":["play developing at a steady pace"],"momentum_score":20,"flagged_events":[]}`
	}

	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   content,
		Partial:   false,
		Latency:   5 * time.Millisecond,
	})
}
