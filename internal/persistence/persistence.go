// Package persistence writes the per-game JSON artifact tree and
// supports crash recovery by reloading it on startup. Every write is
// write-temp-then-rename so a crash mid-write never leaves a partial
// file for a reader to trip over.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rinkside/commentary-pipeline/internal/gametime"
	"github.com/rinkside/commentary-pipeline/internal/snapshot"
)

// Store owns the on-disk artifact tree rooted at root, laid out as:
//
//	<root>/<game_id>/static.json
//	<root>/<game_id>/board/latest.json
//	<root>/<game_id>/board/history/<game_time>.json
//	<root>/<game_id>/analyze/<game_time>.json
//	<root>/<game_id>/narrate/<game_time>.json
//	<root>/<game_id>/audio/<game_time>/<nn>_<speaker>_<emotion>.wav
//	<root>/<game_id>/watermark.json
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) gameDir(gameID string) string {
	return filepath.Join(s.root, gameID)
}

// gameTimeFilename renders gt using the same period_mm_ss convention
// the Watcher reads off incoming snapshot filenames, so artifacts sort
// the same way in a directory listing as the game_times they came from.
func gameTimeFilename(gt gametime.GameTime) string {
	return fmt.Sprintf("%d_%02d_%02d", gt.Period, gt.Minute, gt.Second)
}

// writeAtomicJSON marshals v and writes it to path via a temp file in
// the same directory followed by os.Rename, so readers never observe a
// partially written file.
func writeAtomicJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}

func writeAtomicBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// WriteStatic persists the per-game static context, written once before
// live ingest begins.
func (s *Store) WriteStatic(gameID string, static snapshot.StaticContext) error {
	return writeAtomicJSON(filepath.Join(s.gameDir(gameID), "static.json"), static)
}

// LoadStatic reloads the static context on recovery. ok is false if no
// static.json exists yet.
func (s *Store) LoadStatic(gameID string) (static snapshot.StaticContext, ok bool, err error) {
	ok, err = readJSON(filepath.Join(s.gameDir(gameID), "static.json"), &static)
	return static, ok, err
}

// WriteSnapshot persists the raw snapshot payload, keyed by game_time.
// Call this only for snapshots not already durably stored by the
// producer (the Watcher's ingest directory is the producer's copy).
func (s *Store) WriteSnapshot(gameID string, gt gametime.GameTime, raw []byte) error {
	path := filepath.Join(s.gameDir(gameID), "snapshots", gameTimeFilename(gt)+".json")
	return writeAtomicBytes(path, raw)
}

// WriteBoardLatest persists the Board's current reduced state, called
// after every successful Reduce.
func (s *Store) WriteBoardLatest(gameID string, state []byte) error {
	return writeAtomicBytes(filepath.Join(s.gameDir(gameID), "board", "latest.json"), state)
}

// LoadBoardLatest reloads the Board's last reduced state on recovery.
func (s *Store) LoadBoardLatest(gameID string) (state []byte, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(s.gameDir(gameID), "board", "latest.json"))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read board latest: %w", err)
	}
	return data, true, nil
}

// WriteBoardHistory keeps an immutable copy of the Board's reduced state
// at gt, for operator-facing history browsing (not used by recovery,
// which only needs board/latest.json and the watermark).
func (s *Store) WriteBoardHistory(gameID string, gt gametime.GameTime, state []byte) error {
	path := filepath.Join(s.gameDir(gameID), "board", "history", gameTimeFilename(gt)+".json")
	return writeAtomicBytes(path, state)
}

// WriteAnalyze persists one snapshot's Analyze output.
func (s *Store) WriteAnalyze(gameID string, gt gametime.GameTime, analysis any) error {
	path := filepath.Join(s.gameDir(gameID), "analyze", gameTimeFilename(gt)+".json")
	return writeAtomicJSON(path, analysis)
}

// WriteNarrate persists one snapshot's narration batch.
func (s *Store) WriteNarrate(gameID string, gt gametime.GameTime, batch any) error {
	path := filepath.Join(s.gameDir(gameID), "narrate", gameTimeFilename(gt)+".json")
	return writeAtomicJSON(path, batch)
}

// AudioManifestEntry names one rendered segment file within a
// game_time's audio directory.
type AudioManifestEntry struct {
	File    string `json:"file"`
	Speaker string `json:"speaker"`
	Emotion string `json:"emotion"`
}

// WriteAudioSegments writes each segment's WAV bytes under
// audio/<game_time>/<nn>_<speaker>_<emotion>.wav and a manifest listing
// the segment files.
func (s *Store) WriteAudioSegments(gameID string, gt gametime.GameTime, segments []AudioSegmentWrite) error {
	dir := filepath.Join(s.gameDir(gameID), "audio", gameTimeFilename(gt))
	manifest := make([]AudioManifestEntry, 0, len(segments))
	for i, seg := range segments {
		file := fmt.Sprintf("%02d_%s_%s.wav", i, sanitizeToken(seg.Speaker), sanitizeToken(seg.Emotion))
		if err := writeAtomicBytes(filepath.Join(dir, file), seg.WAV); err != nil {
			return fmt.Errorf("write audio segment %s: %w", file, err)
		}
		manifest = append(manifest, AudioManifestEntry{File: file, Speaker: seg.Speaker, Emotion: seg.Emotion})
	}
	return writeAtomicJSON(filepath.Join(dir, "manifest.json"), manifest)
}

// AudioSegmentWrite is the WAV payload and labels for one rendered
// segment, as supplied by the Stage Orchestrator's Synthesize output.
type AudioSegmentWrite struct {
	Speaker string
	Emotion string
	WAV     []byte
}

func sanitizeToken(s string) string {
	if s == "" {
		return "unknown"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

// WriteWatermark persists the last successfully emitted game_time, the
// single fact crash recovery needs to resume the Watcher without
// reprocessing already-broadcast snapshots.
func (s *Store) WriteWatermark(gameID string, gt gametime.GameTime) error {
	return writeAtomicJSON(filepath.Join(s.gameDir(gameID), "watermark.json"), gt)
}

// LoadWatermark reloads the last emitted game_time on recovery. ok is
// false if no watermark has ever been written (fresh game).
func (s *Store) LoadWatermark(gameID string) (gt gametime.GameTime, ok bool, err error) {
	ok, err = readJSON(filepath.Join(s.gameDir(gameID), "watermark.json"), &gt)
	return gt, ok, err
}

// AppendNarrativeSummary appends one line to a per-game rolling summary
// log, independent of the board/latest.json snapshot, so the summary's
// evolution over the game can be replayed for debugging.
func (s *Store) AppendNarrativeSummary(gameID, summary string) error {
	path := filepath.Join(s.gameDir(gameID), "narrative_summary.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open narrative summary log: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(summary + "\n"); err != nil {
		return fmt.Errorf("append narrative summary: %w", err)
	}
	return nil
}

// RecoveryState is what a restarting process needs to resume a game in
// progress: the static context, the Board's last reduced state, and the
// watermark the Watcher should resume tailing from.
type RecoveryState struct {
	Static       snapshot.StaticContext
	BoardState   []byte
	Watermark    gametime.GameTime
	HasWatermark bool
}

// Recover loads static.json, board/latest.json, and watermark.json for
// gameID. A missing static.json means there is nothing to recover (a
// fresh game); any other file missing is reported via the returned
// RecoveryState's fields rather than an error, since a Board or
// watermark can legitimately not exist yet on a game's first run.
func (s *Store) Recover(gameID string) (RecoveryState, bool, error) {
	static, ok, err := s.LoadStatic(gameID)
	if err != nil {
		return RecoveryState{}, false, err
	}
	if !ok {
		return RecoveryState{}, false, nil
	}

	boardState, _, err := s.LoadBoardLatest(gameID)
	if err != nil {
		return RecoveryState{}, false, err
	}

	watermark, hasWatermark, err := s.LoadWatermark(gameID)
	if err != nil {
		return RecoveryState{}, false, err
	}

	return RecoveryState{
		Static:       static,
		BoardState:   boardState,
		Watermark:    watermark,
		HasWatermark: hasWatermark,
	}, true, nil
}
