package lessons

import (
	"context"
	"fmt"
	"time"

	"github.com/openlearnhq/coursemedia/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds the course database connection settings.
type Config struct {
	DSN            string        `mapstructure:"dsn"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// DefaultConfig returns sane connection defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
	}
}

// Postgres writes asset references into the course database.
//
// The lessons table carries a unique index on video_file_key, so a
// placeholder key identifies at most one lesson and the fallback
// lookups below never fan out.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to the course database and verifies the
// connection before returning.
func NewPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("lessons: dsn is required")
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("lessons: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("lessons: ping: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool, useful for tests.
func NewPostgresWithPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) AttachAsset(ctx context.Context, lessonID, fileKey, fileURL string) error {
	ct, err := p.pool.Exec(ctx,
		`UPDATE lessons SET video_file_key = $2, video_url = $3, updated_at = now() WHERE id = $1`,
		lessonID, fileKey, fileURL)
	if err != nil {
		return fmt.Errorf("lessons: attach asset: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("lessons: lesson %s not found", lessonID)
	}
	return nil
}

func (p *Postgres) AttachAssetByPlaceholder(ctx context.Context, placeholderKey, fileKey, fileURL string) (int64, error) {
	ct, err := p.pool.Exec(ctx,
		`UPDATE lessons SET video_file_key = $2, video_url = $3, updated_at = now() WHERE video_file_key = $1`,
		placeholderKey, fileKey, fileURL)
	if err != nil {
		return 0, fmt.Errorf("lessons: attach by placeholder: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (p *Postgres) AttachAssetByFileKey(ctx context.Context, fileKey, fileURL string) (int64, error) {
	ct, err := p.pool.Exec(ctx,
		`UPDATE lessons SET video_url = $2, updated_at = now() WHERE video_file_key = $1`,
		fileKey, fileURL)
	if err != nil {
		return 0, fmt.Errorf("lessons: attach by file key: %w", err)
	}
	return ct.RowsAffected(), nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Noop satisfies Store for deployments without a course database. Every
// write is logged and reported as touching zero rows.
type Noop struct{}

var _ Store = Noop{}

func (Noop) AttachAsset(_ context.Context, lessonID, fileKey, _ string) error {
	logger.Debug().
		Str("lesson_id", lessonID).
		Str("file_key", fileKey).
		Msg("lessons: no database configured, skipping attach")
	return nil
}

func (Noop) AttachAssetByPlaceholder(_ context.Context, placeholderKey, _, _ string) (int64, error) {
	logger.Debug().
		Str("placeholder_key", placeholderKey).
		Msg("lessons: no database configured, skipping attach")
	return 0, nil
}

func (Noop) AttachAssetByFileKey(_ context.Context, fileKey, _ string) (int64, error) {
	logger.Debug().
		Str("file_key", fileKey).
		Msg("lessons: no database configured, skipping attach")
	return 0, nil
}
