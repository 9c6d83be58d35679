package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/jonesrussell/bicrawl/internal/domain"
)

const (
	pgMaxOpenConns    = 25
	pgMaxIdleConns    = 5
	pgConnMaxLifetime = 5 * time.Minute
)

// crawlRecordsSchema creates the crawl_records table when absent. The URL
// hash is the upsert key; next_crawl_at drives the recrawl gate.
const crawlRecordsSchema = `
CREATE TABLE IF NOT EXISTS crawl_records (
    url_hash               TEXT PRIMARY KEY,
    url                    TEXT NOT NULL,
    domain                 TEXT NOT NULL,
    first_crawled_at       TIMESTAMPTZ NOT NULL,
    last_crawled_at        TIMESTAMPTZ NOT NULL,
    crawl_count            INTEGER NOT NULL DEFAULT 0,
    status                 TEXT NOT NULL DEFAULT '',
    last_status_code       INTEGER NOT NULL DEFAULT 0,
    recrawl_interval_hours INTEGER NOT NULL,
    next_crawl_at          TIMESTAMPTZ NOT NULL,
    content_size           BIGINT NOT NULL DEFAULT 0,
    requires_js            BOOLEAN NOT NULL DEFAULT FALSE,
    is_dynamic             BOOLEAN NOT NULL DEFAULT FALSE,
    link_depth             INTEGER NOT NULL DEFAULT 0,
    last_modified          TEXT,
    etag                   TEXT
);
CREATE INDEX IF NOT EXISTS idx_crawl_records_domain ON crawl_records (domain);
CREATE INDEX IF NOT EXISTS idx_crawl_records_next_crawl_at ON crawl_records (next_crawl_at);
`

const upsertQuery = `
INSERT INTO crawl_records (
    url_hash, url, domain,
    first_crawled_at, last_crawled_at, crawl_count,
    status, last_status_code,
    recrawl_interval_hours, next_crawl_at,
    content_size, requires_js, is_dynamic, link_depth,
    last_modified, etag
) VALUES (
    :url_hash, :url, :domain,
    :first_crawled_at, :last_crawled_at, :crawl_count,
    :status, :last_status_code,
    :recrawl_interval_hours, :next_crawl_at,
    :content_size, :requires_js, :is_dynamic, :link_depth,
    :last_modified, :etag
)
ON CONFLICT (url_hash) DO UPDATE SET
    last_crawled_at        = EXCLUDED.last_crawled_at,
    crawl_count            = EXCLUDED.crawl_count,
    status                 = EXCLUDED.status,
    last_status_code       = EXCLUDED.last_status_code,
    recrawl_interval_hours = EXCLUDED.recrawl_interval_hours,
    next_crawl_at          = EXCLUDED.next_crawl_at,
    content_size           = EXCLUDED.content_size,
    requires_js            = EXCLUDED.requires_js,
    is_dynamic             = EXCLUDED.is_dynamic,
    link_depth             = EXCLUDED.link_depth,
    last_modified          = EXCLUDED.last_modified,
    etag                   = EXCLUDED.etag
`

// PostgresStore persists crawl records in Postgres.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects, tunes the pool, and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(pgMaxOpenConns)
	db.SetMaxIdleConns(pgMaxIdleConns)
	db.SetConnMaxLifetime(pgConnMaxLifetime)

	if _, err := db.ExecContext(ctx, crawlRecordsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure crawl_records schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// GetByURLHash returns the record for a URL hash, or nil, nil when absent.
func (s *PostgresStore) GetByURLHash(ctx context.Context, urlHash string) (*domain.CrawlRecord, error) {
	var rec domain.CrawlRecord

	err := s.db.GetContext(ctx, &rec,
		`SELECT url_hash, url, domain,
		        first_crawled_at, last_crawled_at, crawl_count,
		        status, last_status_code,
		        recrawl_interval_hours, next_crawl_at,
		        content_size, requires_js, is_dynamic, link_depth,
		        last_modified, etag
		 FROM crawl_records WHERE url_hash = $1`, urlHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get crawl record: %w", err)
	}

	return &rec, nil
}

// Upsert inserts or replaces the record keyed by URL hash.
func (s *PostgresStore) Upsert(ctx context.Context, rec *domain.CrawlRecord) error {
	if _, err := s.db.NamedExecContext(ctx, upsertQuery, rec); err != nil {
		return fmt.Errorf("upsert crawl record: %w", err)
	}

	return nil
}

// Count returns how many records exist.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM crawl_records`); err != nil {
		return 0, fmt.Errorf("count crawl records: %w", err)
	}

	return n, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
