package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// Dialect selects the SQL flavor migrations are rendered for
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// DialectForDriver maps a database/sql driver name to its dialect
func DialectForDriver(driver string) Dialect {
	if strings.HasPrefix(driver, "sqlite") {
		return DialectSQLite
	}
	return DialectPostgres
}

// sqliteReplacer rewrites the postgres-only bits of the schema
var sqliteReplacer = strings.NewReplacer(
	"BIGSERIAL PRIMARY KEY", "INTEGER PRIMARY KEY AUTOINCREMENT",
	"TIMESTAMPTZ", "TIMESTAMP",
	"NOW()", "CURRENT_TIMESTAMP",
)

func (d Dialect) render(query string) string {
	if d == DialectSQLite {
		return sqliteReplacer.Replace(query)
	}
	return query
}

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all RBAC migrations, written for postgres
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create resources table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rbac_resources (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(100) NOT NULL UNIQUE,
					display_name VARCHAR(255) NOT NULL DEFAULT '',
					scope VARCHAR(20) NOT NULL,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create actions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rbac_actions (
					id BIGSERIAL PRIMARY KEY,
					resource_id BIGINT NOT NULL REFERENCES rbac_resources(id) ON DELETE CASCADE,
					name VARCHAR(100) NOT NULL,
					display_name VARCHAR(255) NOT NULL DEFAULT '',
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					UNIQUE(resource_id, name)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rbac_permissions (
					id BIGSERIAL PRIMARY KEY,
					code VARCHAR(201) NOT NULL UNIQUE,
					resource_id BIGINT NOT NULL REFERENCES rbac_resources(id) ON DELETE CASCADE,
					action_id BIGINT NOT NULL REFERENCES rbac_actions(id) ON DELETE CASCADE,
					display_name VARCHAR(255) NOT NULL DEFAULT '',
					category VARCHAR(100) NOT NULL DEFAULT '',
					is_system BOOLEAN NOT NULL DEFAULT FALSE
				);

				CREATE INDEX IF NOT EXISTS idx_rbac_permissions_resource_id ON rbac_permissions(resource_id);
			`,
		},
		{
			Version:     4,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rbac_roles (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					display_name VARCHAR(255) NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					scope VARCHAR(20) NOT NULL,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					is_template BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(scope, name)
				);
			`,
		},
		{
			Version:     5,
			Description: "Create role permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rbac_role_permissions (
					role_id BIGINT NOT NULL REFERENCES rbac_roles(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES rbac_permissions(id) ON DELETE RESTRICT,
					data_scope VARCHAR(20) NOT NULL DEFAULT 'ALL',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE INDEX IF NOT EXISTS idx_rbac_role_permissions_permission_id ON rbac_role_permissions(permission_id);
			`,
		},
		{
			Version:     6,
			Description: "Create principals table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rbac_principals (
					id VARCHAR(255) PRIMARY KEY,
					roles TEXT NOT NULL DEFAULT '',
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     7,
			Description: "Create memberships table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rbac_memberships (
					principal_id VARCHAR(255) NOT NULL,
					organization_id VARCHAR(255) NOT NULL,
					role_name VARCHAR(255) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (principal_id, organization_id)
				);

				CREATE INDEX IF NOT EXISTS idx_rbac_memberships_organization_id ON rbac_memberships(organization_id);
			`,
		},
		{
			Version:     8,
			Description: "Create departments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS departments (
					id VARCHAR(255) PRIMARY KEY,
					parent_id VARCHAR(255) REFERENCES departments(id) ON DELETE SET NULL,
					name VARCHAR(255) NOT NULL DEFAULT ''
				);

				CREATE INDEX IF NOT EXISTS idx_departments_parent_id ON departments(parent_id);
			`,
		},
	}
}

// MigrateOptions tunes RunMigrationsWith
type MigrateOptions struct {
	Dialect Dialect
	Logger  *observability.Logger
}

// RunMigrations executes all pending migrations against postgres
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return RunMigrationsWith(ctx, db, MigrateOptions{Dialect: DialectPostgres})
}

// RunMigrationsWith executes all pending migrations rendered for opts.Dialect
func RunMigrationsWith(ctx context.Context, db *sql.DB, opts MigrateOptions) error {
	dialect := opts.Dialect
	if dialect == "" {
		dialect = DialectPostgres
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	// Create migration tracking table
	_, err := db.ExecContext(ctx, dialect.render(`
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`))
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get applied migrations
	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("Running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, dialect.render(migration.SQL)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rbac_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		log.Info("Migration completed")
	}

	return nil
}
