// internal/store/sqlite.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS checkpoints (
        target     TEXT NOT NULL,
        label      TEXT NOT NULL,
        run_id     TEXT NOT NULL,
        episode    INTEGER NOT NULL,
        params     BLOB NOT NULL,
        created_at INTEGER NOT NULL,
        PRIMARY KEY (target, label)
    );`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(target, created_at);`,
	`CREATE TABLE IF NOT EXISTS episodes (
        run_id          TEXT NOT NULL,
        target          TEXT NOT NULL,
        episode         INTEGER NOT NULL,
        total_reward    REAL NOT NULL,
        steps           INTEGER NOT NULL,
        epsilon         REAL NOT NULL,
        loss_mean       REAL NOT NULL,
        updates         INTEGER NOT NULL,
        injection_found INTEGER NOT NULL,
        duration_ms     INTEGER NOT NULL,
        recorded_at     INTEGER NOT NULL,
        PRIMARY KEY (run_id, target, episode)
    );`,
	`CREATE TABLE IF NOT EXISTS dataset_urls (
        kind     TEXT NOT NULL,
        url      TEXT NOT NULL,
        added_at INTEGER NOT NULL,
        PRIMARY KEY (kind, url)
    );`,
}

// SQLite is the embedded Store, backed by modernc.org/sqlite (pure Go).
// Timestamps are stored as UTC unix nanoseconds.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at path. Use ":memory:"
// for a throwaway store.
func NewSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &SQLite{db: db, log: logger.Named("store")}, nil
}

func (s *SQLite) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.Target == "" || cp.Label == "" {
		return errors.New("checkpoint requires a target and a label")
	}
	params := cp.Params
	if params == nil {
		params = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (target, label, run_id, episode, params, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(target, label) DO UPDATE SET
			run_id     = excluded.run_id,
			episode    = excluded.episode,
			params     = excluded.params,
			created_at = excluded.created_at`,
		cp.Target, cp.Label, cp.RunID, cp.Episode, params, stampNow(cp.CreatedAt).UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s/%s: %w", cp.Target, cp.Label, err)
	}
	s.log.Debug("Checkpoint saved.", zap.String("target", cp.Target), zap.String("label", cp.Label))
	return nil
}

func (s *SQLite) LoadCheckpoint(ctx context.Context, target, label string) (Checkpoint, error) {
	return s.queryCheckpoint(ctx, `
		SELECT target, label, run_id, episode, params, created_at
		FROM checkpoints WHERE target = ? AND label = ?`, target, label)
}

func (s *SQLite) LatestCheckpoint(ctx context.Context, target string) (Checkpoint, error) {
	return s.queryCheckpoint(ctx, `
		SELECT target, label, run_id, episode, params, created_at
		FROM checkpoints WHERE target = ?
		ORDER BY created_at DESC
		LIMIT 1`, target)
}

func (s *SQLite) queryCheckpoint(ctx context.Context, query string, args ...interface{}) (Checkpoint, error) {
	var cp Checkpoint
	var created int64
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&cp.Target, &cp.Label, &cp.RunID, &cp.Episode, &cp.Params, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to scan checkpoint row: %w", err)
	}
	cp.CreatedAt = time.Unix(0, created).UTC()
	return cp, nil
}

func (s *SQLite) RecordEpisode(ctx context.Context, rec EpisodeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episodes (run_id, target, episode, total_reward, steps, epsilon, loss_mean, updates, injection_found, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, target, episode) DO NOTHING`,
		rec.RunID, rec.Target, rec.Episode, rec.TotalReward, rec.Steps, rec.Epsilon,
		rec.LossMean, rec.Updates, rec.InjectionFound, rec.Duration.Milliseconds(), stampNow(rec.RecordedAt).UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record episode %d: %w", rec.Episode, err)
	}
	return nil
}

// Episodes returns the recorded episodes of a run in episode order.
func (s *SQLite) Episodes(ctx context.Context, runID string) ([]EpisodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, target, episode, total_reward, steps, epsilon, loss_mean, updates, injection_found, duration_ms, recorded_at
		FROM episodes WHERE run_id = ?
		ORDER BY episode ASC, target ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodes: %w", err)
	}
	defer rows.Close()

	var out []EpisodeRecord
	for rows.Next() {
		var rec EpisodeRecord
		var durationMS, recorded int64
		if err := rows.Scan(&rec.RunID, &rec.Target, &rec.Episode, &rec.TotalReward, &rec.Steps,
			&rec.Epsilon, &rec.LossMean, &rec.Updates, &rec.InjectionFound, &durationMS, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan episode row: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.RecordedAt = time.Unix(0, recorded).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *SQLite) SaveURLs(ctx context.Context, kind URLKind, urls []string) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO dataset_urls (kind, url, added_at) VALUES (?, ?, ?) ON CONFLICT(kind, url) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().UnixNano()
	added := 0
	for _, u := range urls {
		res, err := stmt.ExecContext(ctx, string(kind), u, now)
		if err != nil {
			return 0, fmt.Errorf("failed to insert url %s: %w", u, err)
		}
		n, _ := res.RowsAffected()
		added += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return added, nil
}

// URLs lists the stored urls of kind in insertion order.
func (s *SQLite) URLs(ctx context.Context, kind URLKind) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url FROM dataset_urls WHERE kind = ? ORDER BY rowid`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query urls: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan url row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
