package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rinkside/commentary-pipeline/internal/audit"
	"github.com/rinkside/commentary-pipeline/internal/broadcast"
	"github.com/rinkside/commentary-pipeline/internal/config"
	"github.com/rinkside/commentary-pipeline/internal/llm"
	"github.com/rinkside/commentary-pipeline/internal/persistence"
	"github.com/rinkside/commentary-pipeline/internal/snapshot"
	"github.com/rinkside/commentary-pipeline/internal/tts"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeStaticContext(t *testing.T, dir string) {
	t.Helper()
	static := snapshot.StaticContext{
		GameID:   "GAME1",
		AwayTeam: "EDM",
		HomeTeam: "FLA",
		RosterAway: snapshot.Roster{Players: map[string]string{"mcdavid": "Connor McDavid"}},
		RosterHome: snapshot.Roster{Players: map[string]string{"barkov": "Aleksander Barkov"}},
	}
	data, err := json.Marshal(static)
	if err != nil {
		t.Fatalf("marshal static context: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "static.json"), data, 0o644); err != nil {
		t.Fatalf("write static.json: %v", err)
	}
}

func writeSnapshotFile(t *testing.T, dir, name string, snap map[string]any) {
	t.Helper()
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("write snapshot file: %v", err)
	}
}

func TestGameRunProcessesSnapshotAndBroadcastsNarration(t *testing.T) {
	ingestDir := t.TempDir()
	persistRoot := t.TempDir()

	writeStaticContext(t, ingestDir)
	writeSnapshotFile(t, ingestDir, "GAME1_1_00_05.json", map[string]any{
		"activities": []map[string]any{
			{"event_id": "goal1", "type_desc_key": "goal", "team": "away", "players": []string{"mcdavid"}},
		},
	})

	cfg := config.Default()
	cfg.Pipeline.GameID = "GAME1"
	cfg.Pipeline.IngestDirectory = ingestDir
	cfg.Pipeline.SnapshotCadenceSeconds = 1
	cfg.Pipeline.StagePoolSize = 2
	cfg.Persistence.Root = persistRoot

	store := persistence.NewStore(persistRoot)
	auditLog, err := audit.Open(context.Background(), config.EventStoreConfig{RetentionMode: "ephemeral"}, discardLogger())
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	hub := broadcast.NewHub(8, discardLogger())
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

	game, err := NewGame(cfg, llm.NewMockGenerator(), tts.NewMockSynth(24000, 1), store, auditLog, hub, nil, discardLogger())
	if err != nil {
		t.Fatalf("new game: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- game.Run(ctx) }()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var sawNarration bool
	for i := 0; i < 6; i++ {
		var env struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		if env.Type == "narration" {
			sawNarration = true
			break
		}
	}
	if !sawNarration {
		t.Fatal("expected a narration envelope to reach the subscriber")
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Game.Run did not return after context cancellation")
	}

	if _, ok, err := store.LoadWatermark("GAME1"); err != nil || !ok {
		t.Fatalf("expected a watermark to be persisted: ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.LoadBoardLatest("GAME1"); err != nil || !ok {
		t.Fatalf("expected board/latest.json to be persisted: ok=%v err=%v", ok, err)
	}
}

func TestRecoverOrInitStaticReadsIngestDirectoryOnFreshGame(t *testing.T) {
	ingestDir := t.TempDir()
	persistRoot := t.TempDir()
	writeStaticContext(t, ingestDir)

	cfg := config.Default()
	cfg.Pipeline.GameID = "GAME1"
	cfg.Pipeline.IngestDirectory = ingestDir
	cfg.Persistence.Root = persistRoot

	store := persistence.NewStore(persistRoot)
	auditLog, err := audit.Open(context.Background(), config.EventStoreConfig{RetentionMode: "ephemeral"}, discardLogger())
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	hub := broadcast.NewHub(8, discardLogger())

	game, err := NewGame(cfg, llm.NewMockGenerator(), tts.NewMockSynth(24000, 1), store, auditLog, hub, nil, discardLogger())
	if err != nil {
		t.Fatalf("new game: %v", err)
	}

	static, recovered, err := game.recoverOrInitStatic()
	if err != nil {
		t.Fatalf("recoverOrInitStatic: %v", err)
	}
	if static.AwayTeam != "EDM" {
		t.Fatalf("unexpected static context: %+v", static)
	}
	if recovered.HasWatermark {
		t.Fatal("expected no watermark on a fresh game")
	}

	if _, ok, err := store.LoadStatic("GAME1"); err != nil || !ok {
		t.Fatalf("expected static context to be persisted after first load: ok=%v err=%v", ok, err)
	}
}
