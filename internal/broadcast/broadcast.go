// Package broadcast fans out Ordering Queue output to WebSocket
// subscribers, disconnecting any subscriber that can't keep up rather
// than letting it stall the stream for everyone else.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/rinkside/commentary-pipeline/internal/ordering"
	"github.com/rinkside/commentary-pipeline/internal/orchestrator"
	"github.com/rinkside/commentary-pipeline/internal/protocol"
)

// subscribeRequest is the one inbound frame shape a subscriber may
// send: {op:"subscribe", game_id, since?}.
type subscribeRequest struct {
	Op     string `json:"op"`
	GameID string `json:"game_id"`
	Since  string `json:"since"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type subscriber struct {
	id     string
	conn   *websocket.Conn
	send   chan protocol.Envelope
	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *subscriber) writePump() {
	for {
		select {
		case env, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.WriteJSON(env); err != nil {
				s.logger.Warn("subscriber write failed, disconnecting", slog.String("subscriber", s.id), slog.String("error", err.Error()))
				s.close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// Hub owns the current subscriber set for one game and fans out
// envelopes built from PipelineOutputs released by the Ordering Queue.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	queueSize   int
	logger      *slog.Logger

	nextSequence int64

	meter       metric.Meter
	disconnects metric.Int64Counter
}

func NewHub(queueSize int, logger *slog.Logger) *Hub {
	h := &Hub{
		subscribers: make(map[string]*subscriber),
		queueSize:   queueSize,
		logger:      logger.With(slog.String("component", "broadcast")),
		meter:       otel.Meter("github.com/rinkside/commentary-pipeline/internal/broadcast"),
	}
	if counter, err := h.meter.Int64Counter("commentary.broadcast.disconnects", metric.WithDescription("Subscribers disconnected for falling behind")); err == nil {
		h.disconnects = counter
	}
	return h
}

// HandleWS upgrades the request to a WebSocket and registers the
// connection as a subscriber until the client disconnects or the
// server shuts it down for falling behind.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	sub := &subscriber{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan protocol.Envelope, h.queueSize),
		logger: h.logger,
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	h.subscribers[sub.id] = sub
	h.mu.Unlock()

	go sub.writePump()

	// Drain inbound frames until the client disconnects. The only frame
	// shape a subscriber sends is {op:"subscribe", game_id, since?}; a
	// since is logged but not replayed — the Hub only fans out live
	// Ordering Queue releases, it does not read back through
	// persistence, so resume-from-game_time is unsupported for now (see
	// DESIGN.md).
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var req subscribeRequest
		if json.Unmarshal(data, &req) == nil && req.Since != "" {
			h.logger.Warn("resume-from-since is unsupported, ignoring", slog.String("subscriber", sub.id), slog.String("since", req.Since))
		}
	}

	h.mu.Lock()
	delete(h.subscribers, sub.id)
	h.mu.Unlock()
	sub.close()
}

// broadcastEnvelope sends env to every current subscriber, disconnecting
// (not silently dropping) any whose queue is full.
func (h *Hub) broadcastEnvelope(env protocol.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers {
		select {
		case sub.send <- env:
		default:
			h.logger.Warn("subscriber queue full, disconnecting", slog.String("subscriber", sub.id))
			if h.disconnects != nil {
				h.disconnects.Add(context.Background(), 1)
			}
			sub.close()
		}
	}
}

// EmitEnd announces that no further output will arrive for gameID, e.g.
// once the Watcher's context is cancelled and the Ordering Queue has
// drained.
func (h *Hub) EmitEnd(gameID string) {
	h.broadcastEnvelope(protocol.Envelope{Type: protocol.MessageEnd, GameID: gameID})
}

// EmitOutput translates one released PipelineOutput into its
// narration/audio/batch_end envelopes and fans them out.
func (h *Hub) EmitOutput(gameID string, output ordering.PipelineOutput) {
	pipelineOutput, ok := output.Payload.(orchestrator.PipelineOutput)
	if !ok {
		return
	}
	h.mu.Lock()
	h.nextSequence++
	seq := h.nextSequence
	h.mu.Unlock()

	gt := output.GameTime.String()
	for i, seg := range pipelineOutput.Narration.Segments {
		h.broadcastEnvelope(protocol.Envelope{
			Type: protocol.MessageNarration, GameID: gameID, GameTime: gt, Sequence: seq,
			Payload: protocol.NarrationPayload{
				SegmentIndex: i, Speaker: seg.Speaker, Text: seg.Text, Emotion: seg.Emotion,
				DurationEstimateSecs: seg.DurationEstimateSeconds, PauseAfterSecs: seg.PauseAfterSeconds,
			},
		})
		if i < len(pipelineOutput.Audio) {
			audioSeg := pipelineOutput.Audio[i]
			h.broadcastEnvelope(protocol.Envelope{
				Type: protocol.MessageAudio, GameID: gameID, GameTime: gt, Sequence: seq,
				Payload: protocol.AudioPayload{
					SegmentIndex: i, Speaker: audioSeg.Speaker, Encoding: protocol.EncodingWAVPCM16Mono24k,
					Duration: audioSeg.DurationSeconds, SampleRate: audioSeg.SampleRate, Channels: audioSeg.Channels, WAV: audioSeg.WAV,
				},
			})
		}
	}
	h.broadcastEnvelope(protocol.Envelope{
		Type: protocol.MessageBatchEnd, GameID: gameID, GameTime: gt, Sequence: seq,
		Payload: protocol.BatchEndPayload{SegmentCount: len(pipelineOutput.Narration.Segments)},
	})
}

func (h *Hub) EmitSkip(gameID string, skip ordering.SkipMarker) {
	h.broadcastEnvelope(protocol.Envelope{
		Type: protocol.MessageSkip, GameID: gameID, GameTime: skip.GameTime.String(),
		Payload: protocol.SkipPayload{Reason: skip.Reason},
	})
}

// SubscriberCount reports how many subscribers are currently connected,
// for health/metrics surfaces.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
