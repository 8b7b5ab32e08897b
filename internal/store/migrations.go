package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/govflow/pkg/schema"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// dedupeIndexes back the CONFLICT answers of CreateAction. A database that
// lacks one of them would accept duplicate REQUESTED actions.
var dedupeIndexes = []string{"idx_actions_requested_step", "idx_actions_requested_join"}

// migration holds a versioned SQL migration read from NNN_name.sql.
type migration struct {
	Version int
	Name    string
	SQL     string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	out := make([]migration, 0, len(entries))
	for _, e := range entries {
		base := strings.TrimSuffix(e.Name(), ".sql")
		num, name, ok := strings.Cut(base, "_")
		version, err := strconv.Atoi(num)
		if !ok || err != nil {
			return nil, fmt.Errorf("migration file %q is not named NNN_name.sql", e.Name())
		}
		body, err := migrationFiles.ReadFile(path.Join("migrations", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		out = append(out, migration{Version: version, Name: name, SQL: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	for i := 1; i < len(out); i++ {
		if out[i].Version == out[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d", out[i].Version)
		}
	}
	return out, nil
}

// runMigrations creates the schema_version table, applies pending migrations
// each in its own transaction, and checks that the dedupe indexes exist.
// A database written by a newer build is refused rather than downgraded.
func runMigrations(ctx context.Context, db *sql.DB) error {
	all, err := loadMigrations()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if latest := all[len(all)-1].Version; current > latest {
		return schema.NewErrorf(schema.ErrCodeConfiguration,
			"database schema version %d is newer than this build supports (%d)", current, latest)
	}

	for _, m := range all {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return verifyDedupeIndexes(ctx, db)
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return current, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}

// verifyDedupeIndexes fails when a unique dedupe index was dropped after its
// migration ran.
func verifyDedupeIndexes(ctx context.Context, db *sql.DB) error {
	for _, name := range dedupeIndexes {
		var sqlText string
		err := db.QueryRowContext(ctx,
			`SELECT sql FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&sqlText)
		if err == sql.ErrNoRows {
			return schema.NewErrorf(schema.ErrCodeConfiguration,
				"dedupe index %s is missing; duplicate REQUESTED actions would not be rejected", name)
		}
		if err != nil {
			return fmt.Errorf("inspect index %s: %w", name, err)
		}
		if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(sqlText)), "CREATE UNIQUE INDEX") {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "dedupe index %s is not unique", name)
		}
	}
	return nil
}

// splitStatements drops "--" comment lines and splits the script on semicolons.
func splitStatements(script string) []string {
	var code strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		code.WriteString(line)
		code.WriteByte('\n')
	}

	var stmts []string
	for _, raw := range strings.Split(code.String(), ";") {
		if s := strings.TrimSpace(raw); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
