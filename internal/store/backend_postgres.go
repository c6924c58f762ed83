package state

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresBackend is the durable, multi-process Backend for the control
// plane: a single `kv(key, value, version)` table accessed through
// database/sql. Every write increments version, but nothing reads it:
// compare-and-swap is Store's compare-then-write under a mutex local to one
// process. Schema is applied with golang-migrate on NewPostgresBackend.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend opens dsn, runs pending migrations, and returns a
// ready Backend.
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresBackend{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %q: %w", key, err)
	}
	return value, nil
}

func (p *PostgresBackend) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, version) VALUES ($1, $2, 1)
		ON CONFLICT (key) DO UPDATE SET value = $2, version = kv.version + 1
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: put %q: %w", key, err)
	}
	return nil
}

func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM kv WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

func (p *PostgresBackend) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key LIKE $1`, escapeLikePrefix(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("store: scan %q: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

func escapeLikePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix)
}

// Batch runs every op inside one sql.Tx (spec.md §4.1 "all writes are
// durable before acknowledgement").
func (p *PostgresBackend) Batch(ctx context.Context, ops []BatchOp) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin batch: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO kv (key, value, version) VALUES ($1, $2, 1)
				ON CONFLICT (key) DO UPDATE SET value = $2, version = kv.version + 1
			`, op.Key, op.Value); err != nil {
				return fmt.Errorf("store: batch put %q: %w", op.Key, err)
			}
		case OpDelete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = $1`, op.Key); err != nil {
				return fmt.Errorf("store: batch delete %q: %w", op.Key, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit batch: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Close(ctx context.Context) error {
	return p.db.Close()
}
