// Package audit keeps a queryable, sqlite-backed history of the
// pipeline's per-game lifecycle events. Kind defines reduce, refresh,
// skip, anomaly and disconnect rows; the pipeline appends reduce, skip
// and anomaly rows, and no caller appends refresh or disconnect rows.
// It is a record for operators, not a source of truth for recovery;
// that role belongs to internal/persistence's JSON artifacts.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rinkside/commentary-pipeline/internal/config"
	_ "modernc.org/sqlite"
)

// Kind discriminates the lifecycle moment an audit Record describes.
type Kind string

const (
	KindReduce     Kind = "reduce"
	KindRefresh    Kind = "refresh"
	KindSkip       Kind = "skip"
	KindAnomaly    Kind = "anomaly"
	KindDisconnect Kind = "disconnect"
)

// Record is one row in the audit log.
type Record struct {
	ID        int64
	GameID    string
	TraceID   string
	Kind      Kind
	Detail    []byte
	GameTime  string
	CreatedAt time.Time
}

// Log wraps a sqlite-backed audit trail, one database per process, rows
// partitioned by game_id.
type Log struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the audit log according to cfg. RetentionMode
// "ephemeral" skips the database entirely: every append is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Log, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Log{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	l := &Log{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := l.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := l.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("audit log vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := l.Prune(ctx); err != nil {
		log.Warn("audit log prune on start failed", slog.String("error", err.Error()))
	}

	return l, nil
}

func (l *Log) initSchema(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS games (
    game_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    game_id TEXT NOT NULL,
    trace_id TEXT,
    kind TEXT NOT NULL,
    detail BLOB,
    game_time TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(game_id) REFERENCES games(game_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_records_game_created ON records(game_id, created_at);
`
	_, err := l.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// AppendGame ensures a games row exists for gameID.
func (l *Log) AppendGame(ctx context.Context, gameID string) error {
	if l.cfg.RetentionMode == "ephemeral" || l.db == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO games(game_id, created_at) VALUES(?, ?)
		 ON CONFLICT(game_id) DO NOTHING`,
		gameID, l.clock().UTC())
	return err
}

// Append writes one lifecycle Record.
func (l *Log) Append(ctx context.Context, rec Record) error {
	if l.cfg.RetentionMode == "ephemeral" || l.db == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.clock().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO records(game_id, trace_id, kind, detail, game_time, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		rec.GameID, rec.TraceID, string(rec.Kind), rec.Detail, rec.GameTime, rec.CreatedAt)
	return err
}

// ListGameRecords retrieves up to limit records for a game ordered
// ascending by time.
func (l *Log) ListGameRecords(ctx context.Context, gameID string, limit int) ([]Record, error) {
	if l.cfg.RetentionMode == "ephemeral" || l.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, game_id, trace_id, kind, detail, game_time, created_at
		 FROM records WHERE game_id = ? ORDER BY created_at ASC LIMIT ?`, gameID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var kind, created string
		if err := rows.Scan(&r.ID, &r.GameID, &r.TraceID, &kind, &r.Detail, &r.GameTime, &created); err != nil {
			return nil, err
		}
		r.Kind = Kind(kind)
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune applies configured retention. Called on startup and may be
// scheduled periodically alongside it.
func (l *Log) Prune(ctx context.Context) error {
	if l.cfg.RetentionMode == "ephemeral" || l.db == nil {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if l.cfg.RetentionMode != "persistent" && l.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if l.cfg.RetentionDays > 0 {
		cutoff := l.clock().Add(-time.Duration(l.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM records WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM games WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if l.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM games WHERE game_id IN (
			SELECT game_id FROM games ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, l.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure reports whether an ephemeral log correctly holds no connection.
func (l *Log) Ensure() error {
	if l.cfg.RetentionMode == "ephemeral" && l.db != nil {
		return errors.New("ephemeral audit log should not have a database connection")
	}
	return nil
}
