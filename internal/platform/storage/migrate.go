package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// MigrationRecord is a schema_migrations row.
type MigrationRecord struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

type migration struct {
	version int
	name    string
	sql     string
}

// Migrate applies every embedded migration not yet recorded, in version
// order, each in its own transaction.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := db.AppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, a := range applied {
		done[a.Version] = true
	}

	all, err := embeddedMigrations()
	if err != nil {
		return err
	}
	for _, mig := range all {
		if done[mig.version] {
			continue
		}
		err := db.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.sql); err != nil {
				return fmt.Errorf("execute sql: %w", err)
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.version, mig.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", mig.name, err)
		}
	}
	return nil
}

// MigrateDown rolls back the newest steps migrations.
func (db *DB) MigrateDown(ctx context.Context, steps int) error {
	applied, err := db.AppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}
	sort.Slice(applied, func(i, j int) bool { return applied[i].Version > applied[j].Version })
	if steps > len(applied) {
		steps = len(applied)
	}

	for _, mig := range applied[:steps] {
		content, err := fs.ReadFile(migrationsFS, path.Join("migrations", mig.Name+".down.sql"))
		if err != nil {
			return fmt.Errorf("read down migration %s: %w", mig.Name, err)
		}
		err = db.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(content)); err != nil {
				return fmt.Errorf("execute rollback: %w", err)
			}
			_, err := tx.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, mig.Version)
			return err
		})
		if err != nil {
			return fmt.Errorf("rollback migration %s: %w", mig.Name, err)
		}
	}
	return nil
}

func (db *DB) AppliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := db.pool.Query(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		if err := rows.Scan(&r.Version, &r.Name, &r.AppliedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// embeddedMigrations reads NNN_name.up.sql files sorted by version.
func embeddedMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []migration
	for _, e := range entries {
		v, name, ok := parseMigrationName(e.Name())
		if !ok {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, path.Join("migrations", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		out = append(out, migration{version: v, name: name, sql: string(content)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func parseMigrationName(file string) (int, string, bool) {
	if !strings.HasSuffix(file, ".up.sql") {
		return 0, "", false
	}
	name := strings.TrimSuffix(file, ".up.sql")
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, "", false
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, "", false
	}
	return v, name, true
}
