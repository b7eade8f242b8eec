// internal/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS checkpoints (
        target TEXT NOT NULL,
        label TEXT NOT NULL,
        run_id TEXT NOT NULL,
        episode INTEGER NOT NULL,
        params BYTEA NOT NULL,
        created_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (target, label)
    );`,
	`CREATE TABLE IF NOT EXISTS episodes (
        run_id TEXT NOT NULL,
        target TEXT NOT NULL,
        episode INTEGER NOT NULL,
        total_reward DOUBLE PRECISION NOT NULL,
        steps INTEGER NOT NULL,
        epsilon DOUBLE PRECISION NOT NULL,
        loss_mean DOUBLE PRECISION NOT NULL,
        updates INTEGER NOT NULL,
        injection_found BOOLEAN NOT NULL,
        duration_ms BIGINT NOT NULL,
        recorded_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (run_id, target, episode)
    );`,
	`CREATE TABLE IF NOT EXISTS dataset_urls (
        kind TEXT NOT NULL,
        url TEXT NOT NULL,
        added_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (kind, url)
    );`,
}

const (
	pgUpsertCheckpoint = `
        INSERT INTO checkpoints (target, label, run_id, episode, params, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (target, label) DO UPDATE SET
            run_id = EXCLUDED.run_id,
            episode = EXCLUDED.episode,
            params = EXCLUDED.params,
            created_at = EXCLUDED.created_at;
    `
	pgSelectCheckpoint = `
        SELECT target, label, run_id, episode, params, created_at
        FROM checkpoints
        WHERE target = $1 AND label = $2;
    `
	pgSelectLatestCheckpoint = `
        SELECT target, label, run_id, episode, params, created_at
        FROM checkpoints
        WHERE target = $1
        ORDER BY created_at DESC
        LIMIT 1;
    `
	pgInsertEpisode = `
        INSERT INTO episodes (run_id, target, episode, total_reward, steps, epsilon, loss_mean, updates, injection_found, duration_ms, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (run_id, target, episode) DO NOTHING;
    `
	pgInsertURL = `
        INSERT INTO dataset_urls (kind, url, added_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (kind, url) DO NOTHING;
    `
)

// Postgres is the PostgreSQL implementation of Store.
type Postgres struct {
	pool   DBPool
	log    *zap.Logger
	closer func()
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a store on pool and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *Postgres) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.Target == "" || cp.Label == "" {
		return errors.New("checkpoint requires a target and a label")
	}
	_, err := s.pool.Exec(ctx, pgUpsertCheckpoint,
		cp.Target, cp.Label, cp.RunID, cp.Episode, cp.Params, stampNow(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s/%s: %w", cp.Target, cp.Label, err)
	}
	s.log.Debug("Checkpoint saved.", zap.String("target", cp.Target), zap.String("label", cp.Label))
	return nil
}

func (s *Postgres) LoadCheckpoint(ctx context.Context, target, label string) (Checkpoint, error) {
	return s.queryCheckpoint(ctx, pgSelectCheckpoint, target, label)
}

func (s *Postgres) LatestCheckpoint(ctx context.Context, target string) (Checkpoint, error) {
	return s.queryCheckpoint(ctx, pgSelectLatestCheckpoint, target)
}

func (s *Postgres) queryCheckpoint(ctx context.Context, query string, args ...interface{}) (Checkpoint, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Checkpoint{}, fmt.Errorf("error during row iteration: %w", err)
		}
		return Checkpoint{}, ErrNotFound
	}
	var cp Checkpoint
	if err := rows.Scan(&cp.Target, &cp.Label, &cp.RunID, &cp.Episode, &cp.Params, &cp.CreatedAt); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to scan checkpoint row: %w", err)
	}
	cp.CreatedAt = cp.CreatedAt.UTC()
	return cp, nil
}

func (s *Postgres) RecordEpisode(ctx context.Context, rec EpisodeRecord) error {
	_, err := s.pool.Exec(ctx, pgInsertEpisode,
		rec.RunID, rec.Target, rec.Episode, rec.TotalReward, rec.Steps, rec.Epsilon,
		rec.LossMean, rec.Updates, rec.InjectionFound, rec.Duration.Milliseconds(), stampNow(rec.RecordedAt))
	if err != nil {
		return fmt.Errorf("failed to record episode %d: %w", rec.Episode, err)
	}
	return nil
}

// SaveURLs inserts every url in one transaction using a batch.
func (s *Postgres) SaveURLs(ctx context.Context, kind URLKind, urls []string) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, u := range urls {
		batch.Queue(pgInsertURL, string(kind), u, now)
	}
	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return 0, fmt.Errorf("failed to send batch: batch results is nil")
	}

	added := 0
	for i := range urls {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, fmt.Errorf("failed to insert url %s (index %d): %w", urls[i], i, err)
		}
		added += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return added, nil
}

// Close releases the pool when the store owns it.
func (s *Postgres) Close() error {
	if s.closer != nil {
		s.closer()
	}
	return nil
}
