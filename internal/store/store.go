// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sqlpaf/internal/config"
)

// ErrNotFound is returned when a requested checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// FinalLabel marks the checkpoint written when a training run completes.
const FinalLabel = "final"

// EpisodeLabel is the checkpoint label for a periodic save after episode n.
func EpisodeLabel(n int) string {
	return fmt.Sprintf("episode-%d", n)
}

// Checkpoint is a serialized online network keyed by target and label.
type Checkpoint struct {
	Target    string
	Label     string
	RunID     string
	Episode   int
	Params    []byte
	CreatedAt time.Time
}

// EpisodeRecord holds the metrics of one finished episode.
type EpisodeRecord struct {
	RunID          string
	Target         string
	Episode        int
	TotalReward    float64
	Steps          int
	Epsilon        float64
	LossMean       float64
	Updates        int
	InjectionFound bool
	Duration       time.Duration
	RecordedAt     time.Time
}

// URLKind partitions the dataset tables.
type URLKind string

const (
	KindDiscovered URLKind = "discovered"
	KindForm       URLKind = "form"
)

// Store persists checkpoints, episode metrics and dataset URLs.
type Store interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LoadCheckpoint(ctx context.Context, target, label string) (Checkpoint, error)
	LatestCheckpoint(ctx context.Context, target string) (Checkpoint, error)
	RecordEpisode(ctx context.Context, rec EpisodeRecord) error
	// SaveURLs stores urls under kind, ignoring ones already present, and
	// returns how many were new.
	SaveURLs(ctx context.Context, kind URLKind, urls []string) (int, error)
	Close() error
}

// Open creates the store selected by cfg.Driver and ensures its schema exists.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		s, err := NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, errors.New("postgres store requires store.postgres_url")
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		s, err := NewPostgres(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		s.closer = pool.Close
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

func stampNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
