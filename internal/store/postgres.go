package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/serroba/quota-gate/internal/ratelimit"
	"go.uber.org/zap"
)

// PostgresStore is a PostgreSQL implementation of ratelimit.Store.
// Each window is one row holding its live scores; there is no scripting,
// so a Gate over it uses the list fallback.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the window table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS quota_windows (
			key        TEXT PRIMARY KEY,
			timestamps DOUBLE PRECISION[] NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)
	`

	_, err := p.pool.Exec(ctx, query)

	return err
}

func (p *PostgresStore) Timestamps(ctx context.Context, key string) ([]float64, error) {
	query := `
		SELECT timestamps
		FROM quota_windows
		WHERE key = $1 AND expires_at > now()
	`

	var timestamps []float64

	err := p.pool.QueryRow(ctx, query, key).Scan(&timestamps)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}

		return nil, err
	}

	return timestamps, nil
}

func (p *PostgresStore) SaveTimestamps(ctx context.Context, key string, timestamps []float64, ttl time.Duration) error {
	query := `
		INSERT INTO quota_windows (key, timestamps, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3))
		ON CONFLICT (key) DO UPDATE
		SET timestamps = EXCLUDED.timestamps, expires_at = EXCLUDED.expires_at
	`

	if timestamps == nil {
		timestamps = []float64{}
	}

	_, err := p.pool.Exec(ctx, query, key, timestamps, ttl.Seconds())

	return err
}

// DeleteExpired removes rows whose TTL has passed.
func (p *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM quota_windows WHERE expires_at <= now()`)
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

// StartJanitor deletes expired rows every interval until ctx is done.
func (p *PostgresStore) StartJanitor(ctx context.Context, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		return
	}

	ticker := time.NewTicker(every)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := p.DeleteExpired(ctx)
				if err != nil {
					logger.Warn("failed to delete expired windows", zap.Error(err))

					continue
				}

				if n > 0 {
					logger.Debug("deleted expired windows", zap.Int64("rows", n))
				}
			}
		}
	}()
}

// Ping checks PostgreSQL connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Shutdown closes the connection pool.
func (p *PostgresStore) Shutdown() error {
	p.pool.Close()

	return nil
}

// Compile-time check.
var _ ratelimit.Store = (*PostgresStore)(nil)
