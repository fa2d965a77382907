package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rinkside/commentary-pipeline/internal/audit"
	"github.com/rinkside/commentary-pipeline/internal/broadcast"
	"github.com/rinkside/commentary-pipeline/internal/bus"
	"github.com/rinkside/commentary-pipeline/internal/config"
	"github.com/rinkside/commentary-pipeline/internal/llm"
	"github.com/rinkside/commentary-pipeline/internal/natsserver"
	"github.com/rinkside/commentary-pipeline/internal/persistence"
	"github.com/rinkside/commentary-pipeline/internal/pipeline"
	"github.com/rinkside/commentary-pipeline/internal/tts"
)

type Runtime struct {
	cfg          config.Config
	logger       *slog.Logger
	httpServer   *http.Server
	wsServer     *http.Server
	tracerClose  func(context.Context) error
	auditLog     *audit.Log
	embeddedNATS *natsserver.EmbeddedServer
	busClient    *bus.Client
	ready        atomic.Bool
	wg           sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	embeddedNATS, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats server: %w", err)
	}
	r.embeddedNATS = embeddedNATS

	var busClient *bus.Client
	if len(r.cfg.Bus.Servers) > 0 {
		busClient, err = bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			if embeddedNATS != nil {
				embeddedNATS.Shutdown()
			}
			return fmt.Errorf("connect to nats: %w", err)
		}
	}
	r.busClient = busClient

	game, hub, auditLog, err := r.buildGame(busClient)
	if err != nil {
		return fmt.Errorf("build game: %w", err)
	}
	r.auditLog = auditLog

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", hub.HandleWS)
	wsAddr := fmt.Sprintf("%s:%d", r.cfg.Broadcast.Bind, r.cfg.Broadcast.Port)
	r.wsServer = &http.Server{
		Addr:              wsAddr,
		Handler:           wsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("websocket server failed", slog.String("error", err.Error()))
		}
	}()

	gameDone := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		gameDone <- game.Run(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("ws_addr", wsAddr))

	select {
	case <-ctx.Done():
	case err := <-gameDone:
		if err != nil {
			r.logger.Error("game pipeline stopped unexpectedly", slog.String("error", err.Error()))
		}
		cancel()
	}
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if err := r.wsServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("websocket shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.auditLog != nil {
		if err := r.auditLog.Close(); err != nil {
			r.logger.Error("audit log close error", slog.String("error", err.Error()))
		}
	}
	r.busClient.Close()
	if r.embeddedNATS != nil {
		r.embeddedNATS.Shutdown()
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildGame constructs the LLM/TTS collaborators named by cfg.LLM.Mode and
// cfg.TTS.Mode, then wires a pipeline.Game around them.
func (r *Runtime) buildGame(busClient *bus.Client) (*pipeline.Game, *broadcast.Hub, *audit.Log, error) {
	generator, err := buildGenerator(r.cfg.LLM)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build llm generator: %w", err)
	}
	synth, err := buildSynthesizer(r.cfg.TTS)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build tts synthesizer: %w", err)
	}

	store := persistence.NewStore(r.cfg.Persistence.Root)

	auditLog, err := audit.Open(context.Background(), r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open audit log: %w", err)
	}

	hub := broadcast.NewHub(r.cfg.Broadcast.PerSubscriberQueue, r.logger)

	game, err := pipeline.NewGame(r.cfg, generator, synth, store, auditLog, hub, busClient, r.logger)
	if err != nil {
		_ = auditLog.Close()
		return nil, nil, nil, fmt.Errorf("construct game: %w", err)
	}
	return game, hub, auditLog, nil
}

func buildGenerator(cfg config.LLMConfig) (llm.Generator, error) {
	if !cfg.Enabled {
		return llm.NewMockGenerator(), nil
	}
	switch cfg.Mode {
	case "exec":
		return llm.NewExecGenerator(cfg.Command)
	case "http":
		return llm.NewHTTPGenerator(cfg.Endpoint), nil
	case "mock", "":
		return llm.NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}

func buildSynthesizer(cfg config.TTSConfig) (tts.Synthesizer, error) {
	if !cfg.Enabled {
		return tts.NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	}
	switch cfg.Mode {
	case "exec":
		return tts.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "mock", "":
		return tts.NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
