package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agrimart/loyalty/pkg/database"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema for the kv_entries table.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err) // embedded path is fixed at compile time
	}
	return sub
}

const (
	getSQL = `SELECT value FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`
	upsertSQL = `INSERT INTO kv_entries (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()`
	deleteSQL = `DELETE FROM kv_entries WHERE key = $1`
	purgeSQL  = `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`
)

// Store implements kvstore.Store on a kv_entries table. Expired rows read as
// missing and are removed by PurgeExpired.
type Store struct {
	db      database.DBTX
	tracer  *database.QueryTracer
	nowFunc func() time.Time
}

// NewStore returns a store over db (a *pgxpool.Pool or a pgxmock pool).
func NewStore(db database.DBTX, tracer *database.QueryTracer) *Store {
	if tracer == nil {
		tracer = database.NewQueryTracer("postgresql", 0, nil)
	}
	return &Store{db: db, tracer: tracer, nowFunc: time.Now}
}

// Migrate creates the kv_entries table if needed.
func (s *Store) Migrate(ctx context.Context, logger *slog.Logger) error {
	return database.RunMigrations(ctx, s.db, Migrations(), logger)
}

func (s *Store) Get(ctx context.Context, key string) (value string, found bool, err error) {
	ctx, end := s.tracer.Start(ctx, "kv.get", getSQL)
	defer func() { end(err) }()

	err = s.db.QueryRow(ctx, getSQL, key, s.nowFunc().UTC()).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select kv entry %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) (err error) {
	ctx, end := s.tracer.Start(ctx, "kv.upsert", upsertSQL)
	defer func() { end(err) }()

	var expiresAt *time.Time
	if ttl > 0 {
		t := s.nowFunc().UTC().Add(ttl)
		expiresAt = &t
	}
	if _, err = s.db.Exec(ctx, upsertSQL, key, value, expiresAt); err != nil {
		return fmt.Errorf("upsert kv entry %s: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) (err error) {
	ctx, end := s.tracer.Start(ctx, "kv.delete", deleteSQL)
	defer func() { end(err) }()

	if _, err = s.db.Exec(ctx, deleteSQL, key); err != nil {
		return fmt.Errorf("delete kv entry %s: %w", key, err)
	}
	return nil
}

// PurgeExpired deletes expired rows and returns how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (n int64, err error) {
	ctx, end := s.tracer.Start(ctx, "kv.purge", purgeSQL)
	defer func() { end(err) }()

	tag, err := s.db.Exec(ctx, purgeSQL, s.nowFunc().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired kv entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping runs a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRow(ctx, "SELECT 1").Scan(&one)
}
