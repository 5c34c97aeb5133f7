package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/quanta/quanta/pkg/engine"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite with optimistic concurrency:
// every record and partition row carries a version that Commit validates.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path string

	// MaxOpenConns bounds the pool. SQLite has a single writer, so the default
	// of 1 serialises commits in-process and avoids SQLITE_BUSY.
	MaxOpenConns int
	MaxIdleConns int
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Open is a convenience that creates, initialises and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	// Connections are never recycled; an in-memory database lives on its connection.
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Begin starts a new optimistic transaction. No database lock is held until Commit.
func (s *SQLiteStore) Begin(_ context.Context) (Txn, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	return newTx(s), nil
}

// ListPartitions returns every directory row ordered by id.
func (s *SQLiteStore) ListPartitions(ctx context.Context) ([]*Partition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, kind, registrant, last_assigned_at, version FROM partitions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var out []*Partition
	for rows.Next() {
		p, err := scanPartition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountByType returns the number of live records per type.
func (s *SQLiteStore) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM records GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[t] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

const recordColumns = `seq, id, type, version, props, created_at`

func scanRecord(row scanner) (*Record, error) {
	var (
		rec     Record
		rtype   string
		props   string
		created int64
	)
	if err := row.Scan(&rec.Seq, &rec.ID, &rtype, &rec.Version, &props, &created); err != nil {
		return nil, err
	}
	rec.Type = engine.RecordType(rtype)
	rec.CreatedAt = time.UnixMilli(created)
	rec.Props = make(map[string]string)
	if props != "" {
		if err := json.Unmarshal([]byte(props), &rec.Props); err != nil {
			return nil, fmt.Errorf("decode props of %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func scanPartition(row scanner) (*Partition, error) {
	var (
		p        Partition
		state    string
		kind     string
		assigned int64
	)
	if err := row.Scan(&p.ID, &state, &kind, &p.Registrant, &assigned, &p.Version); err != nil {
		return nil, err
	}
	p.State = engine.PartitionState(state)
	p.Kind = engine.PartitionKind(kind)
	if assigned > 0 {
		p.LastAssignedAt = time.UnixMilli(assigned)
	}
	return &p, nil
}

// filterSQL renders a WHERE clause for f.
func filterSQL(f Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(f.Type))
	}
	for k, v := range f.Props {
		clauses = append(clauses, "json_extract(props, ?) = ?")
		args = append(args, "$."+k, v)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// isBusy reports whether err is SQLite's lock contention error, which commits
// surface as an optimistic conflict.
func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}
