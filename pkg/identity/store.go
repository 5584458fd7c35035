// Package identity resolves WhatsApp senders to internal API identities and
// walks unknown senders through the email onboarding flow. The mapping lives
// in PostgreSQL; the transient onboarding state lives in Redis.
package identity

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Identity is an authenticated user's API binding.
type Identity struct {
	APIIdentity string
	DisplayName string
}

// Store is the PostgreSQL-backed user-mapping store.
type Store struct {
	db *sql.DB
}

// NewStore opens the mapping database, verifies the connection, and applies
// pending migrations. Migration files are embedded into the binary so
// deployments need no external files.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mapping database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mapping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	// Close only the source; closing the database driver would close db.
	if err := source.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

// GetActiveIdentity returns the active mapping for phone, or nil when the
// sender is unknown.
func (s *Store) GetActiveIdentity(ctx context.Context, phone string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT api_identity, display_name FROM user_mappings
		 WHERE phone_number = $1 AND is_active`, phone)

	var ident Identity
	if err := row.Scan(&ident.APIIdentity, &ident.DisplayName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query identity: %w", err)
	}
	return &ident, nil
}

// UpsertMapping stores or reactivates the mapping for phone.
func (s *Store) UpsertMapping(ctx context.Context, phone, apiIdentity, displayName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_mappings (phone_number, api_identity, display_name)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (phone_number) DO UPDATE SET
		   api_identity = EXCLUDED.api_identity,
		   display_name = EXCLUDED.display_name,
		   is_active = TRUE,
		   updated_at = NOW()`,
		phone, apiIdentity, displayName)
	if err != nil {
		return fmt.Errorf("upsert mapping: %w", err)
	}
	return nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
