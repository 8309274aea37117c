// Package sqlite is the durable provider: every record is a row in a single
// SQLite table, so cache entries, queued jobs and bulk status survive restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/unkn0wn-root/modsync/internal/sqlitemigrate"
	pr "github.com/unkn0wn-root/modsync/provider"
	"github.com/unkn0wn-root/modsync/provider/sqlite/migrations"
)

// Provider provides SQLite-backed record persistence.
type Provider struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ pr.Provider = (*Provider)(nil)

// Open opens (or creates) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Provider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// single writer; also keeps WAL checkpoints on one connection
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Provider{sqlDB: sqlDB, now: time.Now}, nil
}

func (p *Provider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := p.sqlDB.QueryRowContext(ctx, "SELECT value FROM records WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get record: %w", err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, true, nil
}

func (p *Provider) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := p.sqlDB.ExecContext(ctx, `
INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`, key, value, p.now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("set record: %w", err)
	}
	return nil
}

func (p *Provider) Del(ctx context.Context, key string) error {
	if _, err := p.sqlDB.ExecContext(ctx, "DELETE FROM records WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Close releases the SQLite connection.
func (p *Provider) Close(context.Context) error {
	if p == nil || p.sqlDB == nil {
		return nil
	}
	return p.sqlDB.Close()
}
