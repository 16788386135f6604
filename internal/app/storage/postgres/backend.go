// Package postgres stores documents as JSONB rows in a single table.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/quantumshield/backend/internal/app/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Backend implements storage.Backend on PostgreSQL.
type Backend struct {
	db *sqlx.DB
}

var _ storage.Backend = (*Backend)(nil)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Backend{db: db}, nil
}

// New wraps an existing handle.
func New(db *sqlx.DB) *Backend {
	return &Backend{db: db}
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Migrate applies migrations on the backend's own connection.
func (b *Backend) Migrate() error {
	return Migrate(b.db.DB)
}

func (b *Backend) Insert(ctx context.Context, collection, id string, doc []byte) error {
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO NOTHING
	`, collection, id, string(doc))
	if err != nil {
		return fmt.Errorf("insert %s/%s: %w", collection, id, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (b *Backend) Put(ctx context.Context, collection, id string, doc []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE
		SET body = EXCLUDED.body, updated_at = NOW()
	`, collection, id, string(doc))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, id, err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, collection, id string) ([]byte, error) {
	var body string
	err := b.db.GetContext(ctx, &body, `
		SELECT body FROM documents WHERE collection = $1 AND id = $2
	`, collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return []byte(body), nil
}

func (b *Backend) Delete(ctx context.Context, collection, id string) error {
	res, err := b.db.ExecContext(ctx, `
		DELETE FROM documents WHERE collection = $1 AND id = $2
	`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (b *Backend) List(ctx context.Context, collection string, filter storage.Filter) ([][]byte, error) {
	query, args := buildListQuery(collection, filter)
	var bodies []string
	if err := b.db.SelectContext(ctx, &bodies, query, args...); err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	out := make([][]byte, len(bodies))
	for i, body := range bodies {
		out[i] = []byte(body)
	}
	return out, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func buildListQuery(collection string, filter storage.Filter) (string, []any) {
	var sb strings.Builder
	args := []any{collection}
	sb.WriteString("SELECT body FROM documents WHERE collection = $1")

	keys := make([]string, 0, len(filter.Equals))
	for k := range filter.Equals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, fmt.Sprint(filter.Equals[k]))
		fmt.Fprintf(&sb, " AND body->>$%d = $%d", len(args)-1, len(args))
	}
	if filter.After != "" {
		args = append(args, filter.After)
		fmt.Fprintf(&sb, " AND id > $%d", len(args))
	}
	if filter.Reverse {
		sb.WriteString(" ORDER BY seq DESC")
	} else {
		sb.WriteString(" ORDER BY seq")
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return sb.String(), args
}
