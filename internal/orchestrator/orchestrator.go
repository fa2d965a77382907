// Package orchestrator runs Analyze, Narrate, and Synthesize for each
// reduced snapshot, applying the roster-lock and no-contradiction
// post-filters before handing a PipelineOutput to the Ordering Queue.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rinkside/commentary-pipeline/internal/audio"
	"github.com/rinkside/commentary-pipeline/internal/board"
	"github.com/rinkside/commentary-pipeline/internal/config"
	"github.com/rinkside/commentary-pipeline/internal/contextmgr"
	"github.com/rinkside/commentary-pipeline/internal/llm"
	"github.com/rinkside/commentary-pipeline/internal/retry"
	"github.com/rinkside/commentary-pipeline/internal/session"
	"github.com/rinkside/commentary-pipeline/internal/snapshot"
	"github.com/rinkside/commentary-pipeline/internal/tts"
)

// Orchestrator wires one game's stage collaborators together.
// pipeline.Game runs up to stage_pool_size Orchestrator.Process calls
// for the same game at once, one per snapshot, from its stage-worker
// pool; each call works from its own BoardProjection and shares the
// session and context managers with the others.
type Orchestrator struct {
	llmCfg   config.LLMConfig
	ttsCfg   config.TTSConfig
	pipeline config.PipelineConfig

	generator llm.Generator
	synth     tts.Synthesizer
	ctxMgr    *contextmgr.Manager
	sessions  *session.Manager
	logger    *slog.Logger

	tracer    trace.Tracer
	refreshes metric.Int64Counter
}

func New(llmCfg config.LLMConfig, ttsCfg config.TTSConfig, pipelineCfg config.PipelineConfig, generator llm.Generator, synth tts.Synthesizer, logger *slog.Logger) (*Orchestrator, error) {
	ctxMgr, err := contextmgr.New()
	if err != nil {
		return nil, fmt.Errorf("create context manager: %w", err)
	}
	policy := contextmgr.RefreshPolicy{
		SoftTokens:             pipelineCfg.ContextSoftTokens,
		HardTokens:             pipelineCfg.ContextHardTokens,
		RefreshEveryNSnapshots: pipelineCfg.RefreshEveryNSnapshots,
	}
	o := &Orchestrator{
		llmCfg:    llmCfg,
		ttsCfg:    ttsCfg,
		pipeline:  pipelineCfg,
		generator: generator,
		synth:     synth,
		ctxMgr:    ctxMgr,
		sessions:  session.NewManager(policy),
		logger:    logger.With(slog.String("component", "orchestrator")),
		tracer:    otel.Tracer("github.com/rinkside/commentary-pipeline/internal/orchestrator"),
	}
	meter := otel.Meter("github.com/rinkside/commentary-pipeline/internal/orchestrator")
	if counter, err := meter.Int64Counter("commentary.orchestrator.context_refreshes", metric.WithDescription("Context refreshes triggered, by stage")); err == nil {
		o.refreshes = counter
	}
	return o, nil
}

// Process runs Analyze, Narrate, and Synthesize for one already-reduced
// snapshot.
func (o *Orchestrator) Process(ctx context.Context, proj board.BoardProjection, snap snapshot.Snapshot, update board.UpdateReport, sequence int64) (PipelineOutput, error) {
	analyzeCtx, analyzeSpan := o.tracer.Start(ctx, "analyze")
	analysis, err := o.analyze(analyzeCtx, proj, snap, update)
	analyzeSpan.End()
	if err != nil {
		return PipelineOutput{}, fmt.Errorf("analyze: %w", err)
	}

	narrateCtx, narrateSpan := o.tracer.Start(ctx, "narrate")
	narration, err := o.narrate(narrateCtx, proj, snap, update, analysis)
	narrateSpan.End()
	if err != nil {
		return PipelineOutput{}, fmt.Errorf("narrate: %w", err)
	}

	synthesizeCtx, synthesizeSpan := o.tracer.Start(ctx, "synthesize")
	segments, err := o.synthesize(synthesizeCtx, narration)
	synthesizeSpan.End()
	if err != nil {
		return PipelineOutput{}, fmt.Errorf("synthesize: %w", err)
	}

	return PipelineOutput{
		GameID:         proj.GameID,
		SequenceNumber: sequence,
		Narration:      narration,
		Audio:          segments,
		Analysis:       analysis,
		BoardSummary:   proj.NarrativeSummary,
	}, nil
}

func (o *Orchestrator) analyze(ctx context.Context, proj board.BoardProjection, snap snapshot.Snapshot, update board.UpdateReport) (AnalysisOutput, error) {
	sess := o.refreshIfNeeded(contextmgr.StageAnalyze, proj, snap, update)

	payload := o.ctxMgr.Assemble(contextmgr.StageAnalyze, proj, snap, proj.NarrativeSummary)
	req := llm.RequestFromConfig(o.llmCfg, "analyze")
	req.SessionID = sess.ID
	req.Prompt = renderPrompt(payload)
	req.System = payload.SystemPreamble

	content, err := o.callGenerator(ctx, req)
	if err != nil {
		return o.degradedAnalysis(update), nil
	}

	var out AnalysisOutput
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		req.Prompt = renderPrompt(payload) + "\n\nYour previous reply was not valid JSON. Reply with only the JSON object."
		content, retryErr := o.callGenerator(ctx, req)
		if retryErr != nil || json.Unmarshal([]byte(content), &out) != nil {
			o.logger.Warn("analyze fell back to degraded mode", slog.String("game_id", proj.GameID))
			return o.degradedAnalysis(update), nil
		}
	}

	o.sessions.RecordSnapshotProcessed(contextmgr.StageAnalyze)
	return out, nil
}

func (o *Orchestrator) degradedAnalysis(update board.UpdateReport) AnalysisOutput {
	momentum := 20
	var flagged []string
	if len(update.NewGoals) > 0 {
		momentum = 90
		flagged = append(flagged, "goal")
	}
	if len(update.NewPenalties) > 0 && momentum < 60 {
		momentum = 60
		flagged = append(flagged, "penalty")
	}
	return AnalysisOutput{
		TalkingPoints: []string{"derived directly from the board update"},
		MomentumScore: momentum,
		FlaggedEvents: flagged,
	}
}

func (o *Orchestrator) narrate(ctx context.Context, proj board.BoardProjection, snap snapshot.Snapshot, update board.UpdateReport, analysis AnalysisOutput) (NarrationBatch, error) {
	sess := o.refreshIfNeeded(contextmgr.StageNarrate, proj, snap, update)

	kind := SelectKind(analysis.MomentumScore, o.pipeline.MomentumFillerMax, o.pipeline.MomentumPlayByPlayMin)

	payload := o.ctxMgr.Assemble(contextmgr.StageNarrate, proj, snap, proj.NarrativeSummary)
	req := llm.RequestFromConfig(o.llmCfg, "narrate")
	req.SessionID = sess.ID
	req.Prompt = renderPrompt(payload) + fmt.Sprintf("\n\nCommentary kind for this batch: %s.", kind)
	req.System = payload.SystemPreamble

	batch, err := o.callNarrate(ctx, req)
	if err != nil {
		o.logger.Warn("narrate collaborator failed, emitting empty batch", slog.String("error", err.Error()))
		batch = NarrationBatch{}
	} else {
		batch = ApplyRosterLock(batch, proj.RosterLock)

		if offending := CheckContradiction(batch, proj); len(offending) > 0 {
			req.Prompt += "\n\nYour previous reply contradicted the authoritative state block. Re-check the score and shot counts and reply again."
			repaired, err := o.callNarrate(ctx, req)
			if err == nil {
				repaired = ApplyRosterLock(repaired, proj.RosterLock)
				if len(CheckContradiction(repaired, proj)) == 0 {
					batch = repaired
				} else {
					batch = dropContradicting(repaired, proj)
				}
			} else {
				batch = dropContradicting(batch, proj)
			}
		}
	}

	if !EnsureGoalCoverage(batch, update.NewGoals) {
		batch = appendGoalCoverageSegment(batch, update.NewGoals, proj.RosterLock)
	}
	batch = EnforceSpeakerAlternation(batch)

	o.sessions.RecordSnapshotProcessed(contextmgr.StageNarrate)
	return batch, nil
}

func dropContradicting(batch NarrationBatch, proj board.BoardProjection) NarrationBatch {
	offending := make(map[string]struct{})
	for _, text := range CheckContradiction(batch, proj) {
		offending[text] = struct{}{}
	}
	kept := make([]CommentarySegment, 0, len(batch.Segments))
	for _, seg := range batch.Segments {
		if _, drop := offending[seg.Text]; drop {
			continue
		}
		kept = append(kept, seg)
	}
	return NarrationBatch{Segments: kept}
}

func (o *Orchestrator) callNarrate(ctx context.Context, req llm.Request) (NarrationBatch, error) {
	content, err := o.callGenerator(ctx, req)
	if err != nil {
		return NarrationBatch{}, err
	}
	var batch NarrationBatch
	if err := json.Unmarshal([]byte(content), &batch); err != nil {
		return NarrationBatch{}, fmt.Errorf("decode narration batch: %w", err)
	}
	return batch, nil
}

func (o *Orchestrator) callGenerator(ctx context.Context, req llm.Request) (string, error) {
	callCtx, cancel := withTimeout(ctx, o.pipeline.LLMTimeoutSeconds)
	defer cancel()

	return retry.Do(callCtx, retry.DefaultPolicy(), func(ctx context.Context) (string, error) {
		var content string
		err := o.generator.Generate(ctx, req, func(chunk llm.Chunk) error {
			content += chunk.Content
			return nil
		})
		if err != nil {
			return "", retry.Classify(err, retry.Transient)
		}
		return content, nil
	})
}

func (o *Orchestrator) synthesize(ctx context.Context, batch NarrationBatch) ([]AudioSegment, error) {
	segments := make([]AudioSegment, 0, len(batch.Segments))
	for _, seg := range batch.Segments {
		callCtx, cancel := withTimeout(ctx, o.pipeline.TTSTimeoutSeconds)
		pcm, err := retry.Do(callCtx, retry.DefaultPolicy(), func(ctx context.Context) ([]byte, error) {
			chunks, errs := o.synth.Synthesize(ctx, tts.SynthRequest{
				Text:       seg.Text,
				VoiceStyle: voiceStyleForSegment(seg),
				Language:   o.ttsCfg.Language,
			})
			var pcm []byte
			for {
				select {
				case chunk, ok := <-chunks:
					if !ok {
						return pcm, nil
					}
					pcm = append(pcm, chunk.PCM...)
					if chunk.Final {
						return pcm, nil
					}
				case err, ok := <-errs:
					if ok && err != nil {
						return nil, retry.Classify(err, retry.Transient)
					}
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		})
		cancel()
		if err != nil {
			o.logger.Warn("synthesize failed for segment, dropping audio", slog.String("speaker", seg.Speaker), slog.String("error", err.Error()))
			continue
		}
		wavBytes, err := audio.EncodeWAV(pcm)
		if err != nil {
			o.logger.Warn("wav encode failed, dropping audio", slog.String("error", err.Error()))
			continue
		}
		segments = append(segments, AudioSegment{
			Speaker:         seg.Speaker,
			Emotion:         seg.Emotion,
			DurationSeconds: audio.Duration(pcm),
			SampleRate:      audio.SampleRate,
			Channels:        audio.Channels,
			WAV:             wavBytes,
		})
	}
	o.sessions.RecordSnapshotProcessed(contextmgr.StageSynthesize)
	return segments, nil
}

func (o *Orchestrator) refreshIfNeeded(stage contextmgr.Stage, proj board.BoardProjection, snap snapshot.Snapshot, update board.UpdateReport) *session.AgentSession {
	sess := o.sessions.Get(stage, proj)
	payload := o.ctxMgr.Assemble(stage, proj, snap, proj.NarrativeSummary)
	estimate := o.ctxMgr.EstimateTokens(payload)
	trend := o.ctxMgr.GrowthTrendFor(sess.ID, estimate, o.pipeline.ContextSoftTokens)

	policy := contextmgr.RefreshPolicy{
		SoftTokens:             o.pipeline.ContextSoftTokens,
		HardTokens:             o.pipeline.ContextHardTokens,
		RefreshEveryNSnapshots: o.pipeline.RefreshEveryNSnapshots,
	}
	if needsRefresh, trigger := session.RecommendRefresh(sess, estimate, update, policy, trend); needsRefresh {
		o.ctxMgr.Forget(sess.ID)
		if o.refreshes != nil {
			o.refreshes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("stage", string(stage)), attribute.String("trigger", string(trigger))))
		}
		return o.sessions.Refresh(stage, proj, proj.NarrativeSummary, trigger)
	}
	return sess
}

func renderPrompt(payload contextmgr.PromptPayload) string {
	return payload.SystemPreamble + "\n\n" + payload.AuthoritativeState + "\n\n" +
		"Narrative summary: " + payload.NarrativeSummary + "\n\n" +
		"Activities this snapshot:\n" + payload.Activities + "\n" +
		payload.StageInstructions
}

func withTimeout(ctx context.Context, seconds int) (context.Context, context.CancelFunc) {
	if seconds <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
}
