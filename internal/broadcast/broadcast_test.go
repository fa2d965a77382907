package broadcast

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rinkside/commentary-pipeline/internal/gametime"
	"github.com/rinkside/commentary-pipeline/internal/ordering"
	"github.com/rinkside/commentary-pipeline/internal/orchestrator"
	"github.com/rinkside/commentary-pipeline/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleWSRegistersAndFansOutNarration(t *testing.T) {
	hub := NewHub(8, discardLogger())
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber, got %d", hub.SubscriberCount())
	}

	out := ordering.PipelineOutput{
		GameID:   "GAME1",
		GameTime: gametime.GameTime{Period: 1, Minute: 2, Second: 3},
		Payload: orchestrator.PipelineOutput{
			GameID: "GAME1",
			Narration: orchestrator.NarrationBatch{Segments: []orchestrator.CommentarySegment{
				{Speaker: "A", Text: "McDavid scores."},
			}},
			Audio: []orchestrator.AudioSegment{{Speaker: "A", SampleRate: 24000, Channels: 1, WAV: []byte("RIFF")}},
		},
	}
	hub.EmitOutput("GAME1", out)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var sawNarration, sawAudio, sawBatchEnd bool
	for i := 0; i < 3; i++ {
		var env struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read json: %v", err)
		}
		switch env.Type {
		case "narration":
			sawNarration = true
		case "audio":
			sawAudio = true
		case "batch_end":
			sawBatchEnd = true
		}
	}
	if !sawNarration || !sawAudio || !sawBatchEnd {
		t.Fatalf("expected narration, audio, and batch_end envelopes; got narration=%v audio=%v batch_end=%v", sawNarration, sawAudio, sawBatchEnd)
	}
}

// TestEmitOutputCarriesSegmentIndexAndAudioMetadata confirms the
// narration and audio wire messages carry the index-ordering and
// encoding/duration fields the push protocol requires.
func TestEmitOutputCarriesSegmentIndexAndAudioMetadata(t *testing.T) {
	hub := NewHub(8, discardLogger())
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	out := ordering.PipelineOutput{
		GameID:   "GAME1",
		GameTime: gametime.GameTime{Period: 1, Minute: 2, Second: 3},
		Payload: orchestrator.PipelineOutput{
			GameID: "GAME1",
			Narration: orchestrator.NarrationBatch{Segments: []orchestrator.CommentarySegment{
				{Speaker: "A", Text: "McDavid scores."},
				{Speaker: "B", Text: "What a play."},
			}},
			Audio: []orchestrator.AudioSegment{
				{Speaker: "A", SampleRate: 24000, Channels: 1, DurationSeconds: 1.5, WAV: []byte("RIFF")},
				{Speaker: "B", SampleRate: 24000, Channels: 1, DurationSeconds: 0.75, WAV: []byte("RIFF")},
			},
		},
	}
	hub.EmitOutput("GAME1", out)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var narrationSeen, audioSeen int
	for i := 0; i < 5; i++ {
		var env struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read json: %v", err)
		}
		switch env.Type {
		case "narration":
			var p protocol.NarrationPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				t.Fatalf("decode narration payload: %v", err)
			}
			if p.SegmentIndex != narrationSeen {
				t.Fatalf("expected segment_index %d, got %d", narrationSeen, p.SegmentIndex)
			}
			narrationSeen++
		case "audio":
			var p protocol.AudioPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				t.Fatalf("decode audio payload: %v", err)
			}
			if p.SegmentIndex != audioSeen {
				t.Fatalf("expected segment_index %d, got %d", audioSeen, p.SegmentIndex)
			}
			if p.Encoding != protocol.EncodingWAVPCM16Mono24k {
				t.Fatalf("expected encoding %q, got %q", protocol.EncodingWAVPCM16Mono24k, p.Encoding)
			}
			if p.Duration != out.Payload.(orchestrator.PipelineOutput).Audio[audioSeen].DurationSeconds {
				t.Fatalf("expected duration to match the audio segment, got %f", p.Duration)
			}
			audioSeen++
		}
	}
	if narrationSeen != 2 || audioSeen != 2 {
		t.Fatalf("expected 2 narration and 2 audio envelopes, got %d and %d", narrationSeen, audioSeen)
	}
}

func TestBroadcastEnvelopeDisconnectsSubscriberOnFullQueue(t *testing.T) {
	hub := NewHub(1, discardLogger())
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// Never read from conn: the writePump's writes to the OS socket
	// buffer will eventually block or the per-subscriber send channel
	// will fill, at which point the hub disconnects it instead of
	// stalling every other subscriber.
	for i := 0; i < 50; i++ {
		hub.EmitSkip("GAME1", ordering.SkipMarker{GameID: "GAME1", GameTime: gametime.GameTime{Period: 1, Second: i}, Reason: "bounded_wait_elapsed"})
	}

	deadline = time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.SubscriberCount() != 0 {
		t.Fatal("expected the unresponsive subscriber to be disconnected")
	}
}

// Subscriber overflow: one subscriber never reads while more than 64
// segments are emitted and must be disconnected; a second, well-behaved
// subscriber must keep receiving every envelope in order with no gap.
func TestOverflowingSubscriberIsDisconnectedWhileOthersKeepPace(t *testing.T) {
	hub := NewHub(8, discardLogger())
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()
	wsURL := "ws" + server.URL[len("http"):]

	stalled, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial stalled subscriber: %v", err)
	}
	defer stalled.Close()

	healthy, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial healthy subscriber: %v", err)
	}
	defer healthy.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.SubscriberCount() != 2 {
		t.Fatalf("expected two subscribers, got %d", hub.SubscriberCount())
	}

	const segmentCount = 80
	batchEndSeqs := make(chan int64, segmentCount+8)
	go func() {
		_ = healthy.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			var env struct {
				Type     string `json:"type"`
				Sequence int64  `json:"sequence"`
			}
			if err := healthy.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == "batch_end" {
				batchEndSeqs <- env.Sequence
			}
		}
	}()

	for i := 0; i < segmentCount; i++ {
		hub.EmitOutput("GAME1", ordering.PipelineOutput{
			GameID:   "GAME1",
			GameTime: gametime.GameTime{Period: 1, Second: i},
			Payload: orchestrator.PipelineOutput{
				GameID: "GAME1",
				Narration: orchestrator.NarrationBatch{Segments: []orchestrator.CommentarySegment{
					{Speaker: "A", Text: "play continues"},
				}},
			},
		})
	}

	deadline = time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.SubscriberCount() != 1 {
		t.Fatal("expected the stalled subscriber to be disconnected, leaving one subscriber")
	}

	var seen []int64
	drain := time.After(500 * time.Millisecond)
drainLoop:
	for {
		select {
		case seq := <-batchEndSeqs:
			seen = append(seen, seq)
		case <-drain:
			break drainLoop
		}
	}
	if len(seen) == 0 {
		t.Fatal("expected the healthy subscriber to receive at least one batch_end envelope")
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] != seen[i-1]+1 {
			t.Fatalf("expected contiguous sequence numbers with no gap, got %v", seen)
		}
	}
}

func TestEmitEndReachesSubscriber(t *testing.T) {
	hub := NewHub(8, discardLogger())
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	hub.EmitEnd("GAME1")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if env.Type != "end" {
		t.Fatalf("expected an end envelope, got %q", env.Type)
	}
}
