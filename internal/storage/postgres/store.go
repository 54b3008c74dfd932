// Package postgres is the PostgreSQL Work Hierarchy Store.
//
// Tenants are registered in public.tenants and each tenant owns one schema
// holding its batches, jobs and tasks. Every scoped call runs in a single
// transaction whose search_path is pinned to the tenant schema.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/storage"
	"github.com/cuongbtq/listing-orchestrator/internal/tenant"
	"github.com/cuongbtq/listing-orchestrator/shared/postgresql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed migrations/public/*.sql migrations/tenant/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

// claimCandidates bounds how many runnable jobs one claim attempt walks through
const claimCandidates = 10

var _ storage.Store = (*Store)(nil)

// Store handles all database operations for the orchestrator
type Store struct {
	pg     *postgresql.Client
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(pg *postgresql.Client, logger *slog.Logger) *Store {
	return &Store{
		pg:     pg,
		db:     pg.GetDB(),
		logger: logger,
	}
}

// Migrate applies the public migrations and then the tenant migrations to
// every registered tenant schema. All statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	public, err := readMigrations("migrations/public")
	if err != nil {
		return err
	}
	for _, m := range public {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", m.name, err)
		}
	}

	tenants, err := s.ListTenants(ctx)
	if err != nil {
		return err
	}
	for _, t := range tenants {
		if err := s.migrateTenant(ctx, t.Scope(0)); err != nil {
			return err
		}
	}

	s.logger.Info("Migrations applied", slog.Int("tenants", len(tenants)))
	return nil
}

// ProvisionTenant registers a tenant and creates its schema
func (s *Store) ProvisionTenant(ctx context.Context, t tenant.Tenant) (*tenant.Tenant, error) {
	if t.SchemaName == "" {
		t.SchemaName = tenant.DefaultSchema(t.ID)
	}
	sc := t.Scope(0)
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO public.tenants (id, schema_name, max_retries)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET max_retries = EXCLUDED.max_retries
		RETURNING id, schema_name, max_retries, created_at
	`
	var out tenant.Tenant
	if err := s.db.GetContext(ctx, &out, query, t.ID, t.SchemaName, t.MaxRetries); err != nil {
		return nil, fmt.Errorf("failed to register tenant: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(out.SchemaName)); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := s.migrateTenant(ctx, out.Scope(0)); err != nil {
		return nil, err
	}

	s.logger.Info("Tenant provisioned",
		slog.String("tenant_id", out.ID),
		slog.String("schema", out.SchemaName),
	)
	return &out, nil
}

func (s *Store) migrateTenant(ctx context.Context, sc tenant.Scope) error {
	migrations, err := readMigrations("migrations/tenant")
	if err != nil {
		return err
	}
	return s.inScope(ctx, sc, func(tx *sqlx.Tx) error {
		for _, m := range migrations {
			if _, err := tx.ExecContext(ctx, m.sql); err != nil {
				return fmt.Errorf("failed to apply migration %s to %s: %w", m.name, sc, err)
			}
		}
		return nil
	})
}

type migration struct {
	name string
	sql  string
}

func readMigrations(dir string) ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		body, err := fs.ReadFile(migrationsFS, dir+"/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", e.Name(), err)
		}
		out = append(out, migration{name: e.Name(), sql: string(body)})
	}
	return out, nil
}

// inScope validates the scope and runs fn in a transaction bound to its schema
func (s *Store) inScope(ctx context.Context, sc tenant.Scope, fn func(tx *sqlx.Tx) error) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	return s.pg.InSchemaTx(ctx, sc.Schema, fn)
}

func (s *Store) ListTenants(ctx context.Context) ([]tenant.Tenant, error) {
	query := `
		SELECT id, schema_name, max_retries, created_at
		FROM public.tenants
		ORDER BY id
	`
	var tenants []tenant.Tenant
	if err := s.db.SelectContext(ctx, &tenants, query); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, nil
}

func (s *Store) GetTenant(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	query := `
		SELECT id, schema_name, max_retries, created_at
		FROM public.tenants
		WHERE id = $1
	`
	var t tenant.Tenant
	if err := s.db.GetContext(ctx, &t, query, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pg.HealthCheck(ctx)
}

// mapError translates driver errors into domain errors
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateSubmission, pqErr.Detail)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
