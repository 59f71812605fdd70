package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"market-intel/utils"
)

// Dialect selects the SQL flavour of the backing database.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// SQLStore implements ListingStore, ScrapeLogStore and ConfigStore on
// database/sql. Queries are written with ? placeholders and rebound for
// Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects to the configured driver ("postgres" or "sqlite").
func Open(ctx context.Context, driver, dsn string, logger *utils.Logger) (*SQLStore, error) {
	switch driver {
	case "postgres", "postgresql":
		return OpenPostgres(ctx, dsn, logger)
	case "sqlite", "sqlite3":
		return OpenSQLite(dsn)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
}

// OpenPostgres opens a connection pool and waits for the server to answer.
func OpenPostgres(ctx context.Context, dsn string, logger *utils.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	retry := &utils.RetryConfig{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Logger: logger}
	if err := retry.Do(ctx, "postgres-ping", func() error { return db.PingContext(ctx) }); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &SQLStore{db: db, dialect: Postgres, now: time.Now}, nil
}

// OpenSQLite opens (or creates) a SQLite database file.
func OpenSQLite(path string) (*SQLStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_time_format=sqlite&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// one writer at a time; also keeps transactions on a single connection
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &SQLStore{db: db, dialect: SQLite, now: time.Now}, nil
}

// SetClock overrides the store's time source.
func (s *SQLStore) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var schemaTables = []string{"org_scrape_configs", "platform_listings", "scrape_logs"}

const schema = `
CREATE TABLE IF NOT EXISTS org_scrape_configs (
	organization_id       VARCHAR(64) PRIMARY KEY,
	enabled               BOOLEAN      NOT NULL DEFAULT TRUE,
	platforms             TEXT         NOT NULL DEFAULT '[]',
	filters               TEXT         NOT NULL DEFAULT '{}',
	max_pages_per_platform INTEGER     NOT NULL DEFAULT 1,
	platform_page_limits  TEXT         NOT NULL DEFAULT '{}',
	scrape_interval_hours INTEGER      NOT NULL DEFAULT 0,
	next_scrape_due       {{ts}}       NOT NULL,
	last_run_success      BOOLEAN,
	last_error            TEXT,
	last_scraped_at       {{ts}},
	updated_at            {{ts}}       NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_org_scrape_configs_due ON org_scrape_configs(enabled, next_scrape_due);

CREATE TABLE IF NOT EXISTS platform_listings (
	organization_id      VARCHAR(64)   NOT NULL,
	platform             VARCHAR(50)   NOT NULL,
	source_listing_id    VARCHAR(128)  NOT NULL,
	title                TEXT          NOT NULL DEFAULT '',
	price                NUMERIC(14,2) NOT NULL DEFAULT 0,
	currency             VARCHAR(8)    NOT NULL DEFAULT 'EUR',
	property_type        VARCHAR(32)   NOT NULL DEFAULT '',
	transaction_type     VARCHAR(16)   NOT NULL DEFAULT '',
	size_sqm             DOUBLE PRECISION NOT NULL DEFAULT 0,
	rooms                DOUBLE PRECISION NOT NULL DEFAULT 0,
	address              TEXT          NOT NULL DEFAULT '',
	area                 TEXT          NOT NULL DEFAULT '',
	municipality         TEXT          NOT NULL DEFAULT '',
	postal_code          VARCHAR(16)   NOT NULL DEFAULT '',
	url                  TEXT          NOT NULL DEFAULT '',
	description          TEXT          NOT NULL DEFAULT '',
	active               BOOLEAN       NOT NULL DEFAULT TRUE,
	first_seen_at        {{ts}}        NOT NULL,
	last_seen_at         {{ts}}        NOT NULL,
	last_price_change_at {{ts}},
	previous_price       NUMERIC(14,2),
	deactivated_at       {{ts}},
	PRIMARY KEY (organization_id, platform, source_listing_id)
);

CREATE INDEX IF NOT EXISTS idx_platform_listings_active ON platform_listings(organization_id, platform, active);
CREATE INDEX IF NOT EXISTS idx_platform_listings_price  ON platform_listings(price);

CREATE TABLE IF NOT EXISTS scrape_logs (
	id                   VARCHAR(36)  PRIMARY KEY,
	organization_id      VARCHAR(64)  NOT NULL,
	platform             VARCHAR(50)  NOT NULL,
	status               VARCHAR(16)  NOT NULL,
	listings_found       INTEGER      NOT NULL DEFAULT 0,
	listings_new         INTEGER      NOT NULL DEFAULT 0,
	listings_updated     INTEGER      NOT NULL DEFAULT 0,
	listings_deactivated INTEGER      NOT NULL DEFAULT 0,
	pages_scraped        INTEGER      NOT NULL DEFAULT 0,
	errors               TEXT         NOT NULL DEFAULT '[]',
	started_at           {{ts}}       NOT NULL,
	finished_at          {{ts}},
	duration_ms          BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_scrape_logs_org ON scrape_logs(organization_id, started_at);
`

// Migrate creates the schema if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	ts := "TIMESTAMPTZ"
	if s.dialect == SQLite {
		ts = "TIMESTAMP"
	}
	ddl := strings.ReplaceAll(schema, "{{ts}}", ts)

	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}

// CheckSchemaExists reports whether every table the engine needs exists.
func (s *SQLStore) CheckSchemaExists(ctx context.Context) (bool, error) {
	var query string
	if s.dialect == SQLite {
		query = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN (?, ?, ?)`
	} else {
		query = `SELECT COUNT(*) FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name IN (?, ?, ?)`
	}

	var n int
	args := []any{schemaTables[0], schemaTables[1], schemaTables[2]}
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return false, fmt.Errorf("storage: check schema: %w", err)
	}
	return n == len(schemaTables), nil
}

// rebind rewrites ? placeholders to $1..$n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) forUpdate() string {
	if s.dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return tx.Commit()
}

func (s *SQLStore) stamp() time.Time {
	return s.now().UTC()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
