// Package pipeline wires one game's Watcher, Board, stage-worker pool,
// Ordering Queue, persistence, and audit log together and drives its
// lifecycle from snapshot arrival to broadcast emission.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/rinkside/commentary-pipeline/internal/audit"
	"github.com/rinkside/commentary-pipeline/internal/board"
	"github.com/rinkside/commentary-pipeline/internal/broadcast"
	"github.com/rinkside/commentary-pipeline/internal/bus"
	"github.com/rinkside/commentary-pipeline/internal/config"
	"github.com/rinkside/commentary-pipeline/internal/gametime"
	"github.com/rinkside/commentary-pipeline/internal/llm"
	"github.com/rinkside/commentary-pipeline/internal/ordering"
	"github.com/rinkside/commentary-pipeline/internal/orchestrator"
	"github.com/rinkside/commentary-pipeline/internal/persistence"
	"github.com/rinkside/commentary-pipeline/internal/protocol"
	"github.com/rinkside/commentary-pipeline/internal/snapshot"
	"github.com/rinkside/commentary-pipeline/internal/tts"
	"github.com/rinkside/commentary-pipeline/internal/watcher"
)

// Game runs one game's pipeline end to end: the Watcher hands reduced
// snapshots to the Board under its single-writer discipline, each
// board update fans out to the stage-worker pool for Analyze, Narrate,
// and Synthesize, and completed outputs pass through the Ordering
// Queue on their way to persistence and the Broadcast Hub.
type Game struct {
	cfg    config.Config
	gameID string

	board   *board.Board
	watch   *watcher.Watcher
	orch    *orchestrator.Orchestrator
	queue   *ordering.Queue
	store   *persistence.Store
	auditLg *audit.Log
	hub     *broadcast.Hub
	busCl   *bus.Client
	logger  *slog.Logger

	sequence int64
	seqMu    sync.Mutex

	meter           metric.Meter
	anomalies       metric.Int64Counter
	queueDepthGauge metric.Int64ObservableGauge
}

// NewGame constructs a Game for cfg.Pipeline.GameID, wiring its stage
// collaborators from generator/synth. busCl may be nil, in which case
// the lifecycle events in internal/protocol's subject list are simply
// not published.
func NewGame(cfg config.Config, generator llm.Generator, synth tts.Synthesizer, store *persistence.Store, auditLg *audit.Log, hub *broadcast.Hub, busCl *bus.Client, logger *slog.Logger) (*Game, error) {
	orch, err := orchestrator.New(cfg.LLM, cfg.TTS, cfg.Pipeline, generator, synth, logger)
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	cadence := time.Duration(cfg.Pipeline.SnapshotCadenceSeconds) * time.Second
	boundedWait := time.Duration(float64(cadence) * cfg.Pipeline.SkipAfterMultiplier)

	gameID := cfg.Pipeline.GameID
	g := &Game{
		cfg:     cfg,
		gameID:  gameID,
		watch:   watcher.New(cfg.Pipeline.IngestDirectory, gameID, cadence, logger),
		orch:    orch,
		queue:   ordering.New(boundedWait),
		store:   store,
		auditLg: auditLg,
		hub:     hub,
		busCl:   busCl,
		logger:  logger.With(slog.String("component", "pipeline"), slog.String("game_id", gameID)),
		meter:   otel.Meter("github.com/rinkside/commentary-pipeline/internal/pipeline"),
	}
	g.initMetrics()
	return g, nil
}

// initMetrics registers the board-anomaly counter and the ordering-queue
// depth gauge. Failures are logged, not fatal: a game still runs without
// its metrics wired.
func (g *Game) initMetrics() {
	if counter, err := g.meter.Int64Counter("commentary.board.anomalies", metric.WithDescription("Board reduce anomalies recorded")); err == nil {
		g.anomalies = counter
	}
	gauge, err := g.meter.Int64ObservableGauge("commentary.ordering.queue_depth", metric.WithDescription("Outputs submitted to the Ordering Queue but not yet released or skipped"))
	if err != nil {
		g.logger.Warn("failed to create ordering queue depth gauge", slog.String("error", err.Error()))
		return
	}
	g.queueDepthGauge = gauge
	_, err = g.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		stats := g.queue.Stats()
		obs.ObserveInt64(gauge, stats.Submitted-stats.Released-stats.Skipped)
		return nil
	}, gauge)
	if err != nil {
		g.logger.Warn("failed to register ordering queue depth callback", slog.String("error", err.Error()))
	}
}

// publish fans a lifecycle event out to its NATS subject when a bus
// client is configured. Failures are logged, not returned: the four
// hops below are in-process channel sends first, this is a tap on top.
func (g *Game) publish(subject string, v any) {
	if g.busCl == nil {
		return
	}
	if err := g.busCl.PublishJSON(subject, v); err != nil {
		g.logger.Warn("bus publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// Run loads or recovers game state, starts the Watcher, and processes
// snapshots until ctx is cancelled. It returns once every in-flight
// snapshot has drained through the Ordering Queue.
func (g *Game) Run(ctx context.Context) error {
	static, recovered, err := g.recoverOrInitStatic()
	if err != nil {
		return fmt.Errorf("load static context: %w", err)
	}

	g.board = board.Load(g.gameID, static)
	if recovered.HasWatermark {
		if len(recovered.BoardState) > 0 {
			if err := g.board.Restore(recovered.BoardState); err != nil {
				return fmt.Errorf("restore board state: %w", err)
			}
		}
		if err := g.resumeWatcherFromWatermark(recovered.Watermark); err != nil {
			g.logger.Warn("failed to resume watcher from watermark", slog.String("error", err.Error()))
		}
	}

	_ = g.auditLg.AppendGame(ctx, g.gameID)

	snapCh := make(chan snapshot.Snapshot, g.cfg.Pipeline.StagePoolSize*2)
	watcherDone := make(chan error, 1)
	go func() {
		watcherDone <- g.watch.Run(ctx, snapCh)
		close(snapCh)
	}()

	sem := make(chan struct{}, g.cfg.Pipeline.StagePoolSize)
	var wg sync.WaitGroup

	timeoutTicker := time.NewTicker(time.Duration(g.cfg.Pipeline.SnapshotCadenceSeconds) * time.Second)
	defer timeoutTicker.Stop()

	releaseDone := make(chan struct{})
	go func() {
		g.drainReleases(ctx)
		close(releaseDone)
	}()

	running := true
	for running {
		select {
		case <-ctx.Done():
			running = false
		case <-timeoutTicker.C:
			g.queue.CheckTimeouts(g.gameID)
		case snap, ok := <-snapCh:
			if !ok {
				running = false
				continue
			}
			g.publish(protocol.SubjectSnapshotIngested, protocol.SnapshotIngestedEvent{
				GameID: g.gameID, GameTime: snap.GameTime.String(), SourcePath: snap.SourcePath,
			})
			g.handleSnapshot(ctx, snap, sem, &wg)
		}
	}

	wg.Wait()
	g.queue.Close()
	<-releaseDone
	<-watcherDone
	g.hub.EmitEnd(g.gameID)
	return nil
}

func (g *Game) handleSnapshot(ctx context.Context, snap snapshot.Snapshot, sem chan struct{}, wg *sync.WaitGroup) {
	update, err := g.board.Reduce(snap)
	if err != nil {
		g.logger.Error("reduce failed, quarantining snapshot", slog.String("error", err.Error()), slog.String("source", snap.SourcePath))
		_ = g.auditLg.Append(ctx, audit.Record{GameID: g.gameID, Kind: audit.KindAnomaly, Detail: []byte(err.Error()), GameTime: snap.GameTime.String()})
		return
	}
	if update.OutOfOrder {
		return
	}
	// Reserve this game_time's ordering slot now, in reduce order, rather
	// than waiting for runStages to call Submit/Fail on completion: stage
	// work for a later snapshot can finish first, and without a slot
	// already reserved the queue would take that later game_time as
	// next_expected and release it ahead of this one.
	g.queue.Expect(snap.GameTime)
	for _, anomaly := range update.Anomalies {
		detail, _ := json.Marshal(anomaly)
		_ = g.auditLg.Append(ctx, audit.Record{GameID: g.gameID, Kind: audit.KindAnomaly, Detail: detail, GameTime: snap.GameTime.String()})
	}
	if len(update.Anomalies) > 0 && g.anomalies != nil {
		g.anomalies.Add(ctx, int64(len(update.Anomalies)))
	}

	proj := g.board.Project()
	if state, err := g.board.SnapshotState(); err == nil {
		_ = g.store.WriteBoardLatest(g.gameID, state)
		_ = g.store.WriteBoardHistory(g.gameID, snap.GameTime, state)
	}
	_ = g.auditLg.Append(ctx, audit.Record{GameID: g.gameID, Kind: audit.KindReduce, GameTime: snap.GameTime.String()})

	seq := g.nextSequence()
	g.publish(protocol.SubjectBoardUpdated, protocol.BoardUpdatedEvent{
		GameID: g.gameID, GameTime: snap.GameTime.String(), Sequence: seq, AnomalyCount: len(update.Anomalies),
	})

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { <-sem }()
		g.runStages(ctx, proj, snap, update, seq)
	}()
}

func (g *Game) runStages(ctx context.Context, proj board.BoardProjection, snap snapshot.Snapshot, update board.UpdateReport, seq int64) {
	out, err := g.orch.Process(ctx, proj, snap, update, seq)
	if err != nil {
		g.logger.Warn("stage processing failed for snapshot, marking failed", slog.String("game_time", snap.GameTime.String()), slog.String("error", err.Error()))
		g.queue.Fail(snap.GameTime, err.Error())
		return
	}

	if err := g.store.WriteAnalyze(g.gameID, snap.GameTime, out.Analysis); err != nil {
		g.logger.Warn("persist analyze output failed", slog.String("error", err.Error()))
	}
	if err := g.store.WriteNarrate(g.gameID, snap.GameTime, out.Narration); err != nil {
		g.logger.Warn("persist narrate output failed", slog.String("error", err.Error()))
	}
	audioWrites := make([]persistence.AudioSegmentWrite, 0, len(out.Audio))
	for _, seg := range out.Audio {
		audioWrites = append(audioWrites, persistence.AudioSegmentWrite{Speaker: seg.Speaker, Emotion: seg.Emotion, WAV: seg.WAV})
	}
	if len(audioWrites) > 0 {
		if err := g.store.WriteAudioSegments(g.gameID, snap.GameTime, audioWrites); err != nil {
			g.logger.Warn("persist audio segments failed", slog.String("error", err.Error()))
		}
	}
	if err := g.store.AppendNarrativeSummary(g.gameID, proj.NarrativeSummary); err != nil {
		g.logger.Warn("append narrative summary failed", slog.String("error", err.Error()))
	}

	g.publish(protocol.SubjectStageOutputReady, protocol.StageOutputReadyEvent{
		GameID: g.gameID, GameTime: snap.GameTime.String(), Sequence: seq, SegmentCount: len(out.Narration.Segments),
	})
	g.queue.Submit(ordering.PipelineOutput{GameID: g.gameID, GameTime: snap.GameTime, Payload: out})
}

// drainReleases consumes the Ordering Queue's Out/Skipped channels,
// advancing the persisted watermark and fanning out to the Broadcast
// Hub for each. It returns once both channels close.
func (g *Game) drainReleases(ctx context.Context) {
	out := g.queue.Out()
	skipped := g.queue.Skipped()
	for out != nil || skipped != nil {
		select {
		case output, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			_ = g.store.WriteWatermark(g.gameID, output.GameTime)
			g.publish(protocol.SubjectOrderingReleased, protocol.OrderingReleasedEvent{GameID: g.gameID, GameTime: output.GameTime.String()})
			g.hub.EmitOutput(g.gameID, output)
		case skip, ok := <-skipped:
			if !ok {
				skipped = nil
				continue
			}
			_ = g.auditLg.Append(ctx, audit.Record{GameID: g.gameID, Kind: audit.KindSkip, Detail: []byte(skip.Reason), GameTime: skip.GameTime.String()})
			_ = g.store.WriteWatermark(g.gameID, skip.GameTime)
			g.publish(protocol.SubjectOrderingSkipped, protocol.OrderingSkippedEvent{GameID: g.gameID, GameTime: skip.GameTime.String(), Reason: skip.Reason})
			g.hub.EmitSkip(g.gameID, skip)
		}
	}
}

func (g *Game) nextSequence() int64 {
	g.seqMu.Lock()
	defer g.seqMu.Unlock()
	g.sequence++
	return g.sequence
}

// recoverOrInitStatic loads a previously persisted RecoveryState, or
// falls back to reading a one-time static.json placed in the ingest
// directory (the producer's roster/venue handoff before live snapshots
// start arriving) and persisting it for next time.
func (g *Game) recoverOrInitStatic() (snapshot.StaticContext, persistence.RecoveryState, error) {
	state, ok, err := g.store.Recover(g.gameID)
	if err != nil {
		return snapshot.StaticContext{}, persistence.RecoveryState{}, err
	}
	if ok {
		return state.Static, state, nil
	}

	path := filepath.Join(g.cfg.Pipeline.IngestDirectory, "static.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot.StaticContext{}, persistence.RecoveryState{}, fmt.Errorf("read %s: %w", path, err)
	}
	var static snapshot.StaticContext
	if err := json.Unmarshal(data, &static); err != nil {
		return snapshot.StaticContext{}, persistence.RecoveryState{}, fmt.Errorf("decode static context: %w", err)
	}
	if static.GameID == "" {
		static.GameID = g.gameID
	}
	if err := g.store.WriteStatic(g.gameID, static); err != nil {
		return snapshot.StaticContext{}, persistence.RecoveryState{}, err
	}
	return static, persistence.RecoveryState{}, nil
}

// resumeWatcherFromWatermark seeds the watcher's already-emitted set
// with every ingest-directory filename whose game_time is at or before
// watermark, so a restart doesn't replay history that was already
// broadcast before the crash.
func (g *Game) resumeWatcherFromWatermark(watermark gametime.GameTime) error {
	entries, err := os.ReadDir(g.cfg.Pipeline.IngestDirectory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var alreadyEmitted []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		_, gt, ok := gametime.ParseFilename(entry.Name())
		if ok && gt.Compare(watermark) <= 0 {
			alreadyEmitted = append(alreadyEmitted, entry.Name())
		}
	}
	g.watch.Resume(alreadyEmitted)
	return nil
}
