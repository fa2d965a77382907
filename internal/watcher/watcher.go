// Package watcher polls the snapshot ingest directory and emits
// Snapshots to the Board in game_time order within each poll, tolerant
// of partial writes and unparsable filenames.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rinkside/commentary-pipeline/internal/gametime"
	"github.com/rinkside/commentary-pipeline/internal/snapshot"
)

// Watcher polls Dir on Cadence, tracking which filenames have already
// been emitted so a restart can resume from a watermark without
// re-emitting snapshots already reduced. Rejecting stale game_times is
// the Board's job (its processed_event_ids and last_game_time); the
// Watcher's job is just to not re-read a file it already handed off.
type Watcher struct {
	Dir     string
	Cadence time.Duration
	GameID  string
	logger  *slog.Logger

	emitted map[string]struct{}
}

func New(dir, gameID string, cadence time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		Dir:     dir,
		Cadence: cadence,
		GameID:  gameID,
		logger:  logger.With(slog.String("component", "watcher")),
		emitted: make(map[string]struct{}),
	}
}

// Resume seeds the watcher's already-emitted set, used when restoring
// from a persisted watermark so the watcher doesn't replay history the
// Board already reduced.
func (w *Watcher) Resume(alreadyEmitted []string) {
	for _, name := range alreadyEmitted {
		w.emitted[name] = struct{}{}
	}
}

type fileCandidate struct {
	name     string
	path     string
	gt       gametime.GameTime
	parsedOK bool
	size     int64
}

// Run polls Dir until ctx is cancelled, sending each newly stable
// snapshot file to out in ascending game_time order within each poll
// tick. Files whose filename cannot be parsed are logged at Warn and
// skipped, so one malformed name never stalls the rest of the game.
func (w *Watcher) Run(ctx context.Context, out chan<- snapshot.Snapshot) error {
	ticker := time.NewTicker(w.Cadence)
	defer ticker.Stop()

	pendingSizes := make(map[string]int64)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		entries, err := os.ReadDir(w.Dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			w.logger.Warn("read ingest directory failed", slog.String("error", err.Error()))
			continue
		}

		var candidates []fileCandidate
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if _, done := w.emitted[name]; done {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}

			// Stable-size check: a file whose size just changed since
			// the previous tick may still be mid-write; wait one more
			// tick before treating it as complete.
			prevSize, seenBefore := pendingSizes[name]
			pendingSizes[name] = info.Size()
			if !seenBefore || prevSize != info.Size() {
				continue
			}

			_, gt, ok := gametime.ParseFilename(name)
			if !ok {
				w.logger.Warn("snapshot filename cannot be parsed, skipping", slog.String("file", name))
				w.emitted[name] = struct{}{}
				delete(pendingSizes, name)
				continue
			}
			candidates = append(candidates, fileCandidate{
				name:     name,
				path:     filepath.Join(w.Dir, name),
				gt:       gt,
				parsedOK: ok,
				size:     info.Size(),
			})
		}

		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].gt.Compare(candidates[j].gt) < 0
		})

		for _, c := range candidates {
			snap, err := w.readSnapshot(c)
			if err != nil {
				w.logger.Warn("failed to decode snapshot file, skipping", slog.String("file", c.name), slog.String("error", err.Error()))
				w.emitted[c.name] = struct{}{}
				delete(pendingSizes, c.name)
				continue
			}
			w.emitted[c.name] = struct{}{}
			delete(pendingSizes, c.name)

			select {
			case out <- snap:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (w *Watcher) readSnapshot(c fileCandidate) (snapshot.Snapshot, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	snap, err := snapshot.Decode(data, w.GameID, c.gt)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	snap.SourcePath = c.path
	return snap, nil
}
