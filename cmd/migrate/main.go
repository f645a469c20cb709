// cmd/migrate — applies all *.sql migrations in migrations/ against the
// dnscheck database. Uses the same schema_migrations table format as
// golang-migrate (bigint version + dirty flag) so the two tools are
// interchangeable.
//
// The connection is taken from DATABASE_URL when set; otherwise it is
// assembled from the service's own DB_{HOST,PORT,USER,PASS,NAME}
// variables, so the migrator runs against whatever the service would
// connect to.
//
// Usage:
//
//	DB_HOST=... DB_USER=... go run ./cmd/migrate
//	DATABASE_URL=postgres://... go run ./cmd/migrate -dir migrations
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	dir := flag.String("dir", "migrations", "directory containing *.sql migration files")
	flag.Parse()

	if err := run(*dir); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

// databaseURL resolves the connection string, preferring DATABASE_URL
// and falling back to the service's DB_* variables.
func databaseURL() string {
	if u := os.Getenv("DATABASE_URL"); u != "" {
		return u
	}
	env := func(name, fallback string) string {
		if v := os.Getenv(name); v != "" {
			return v
		}
		return fallback
	}
	host := env("DB_HOST", "localhost")
	port := env("DB_PORT", "5432")
	user := env("DB_USER", "dnscheck")
	name := env("DB_NAME", "dnscheck")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		url.QueryEscape(user), url.QueryEscape(os.Getenv("DB_PASS")),
		host, port, name)
}

func run(dir string) error {
	ctx := context.Background()
	db, err := pgxpool.New(ctx, databaseURL())
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	fmt.Println("connected to database")

	// Tracking table, golang-migrate compatible.
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := migrationFiles(dir)
	if err != nil {
		return err
	}

	applied := 0
	for _, f := range files {
		ver, err := versionFromFile(f)
		if err != nil {
			return fmt.Errorf("parse version from %s: %w", f, err)
		}

		var done bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
			ver,
		).Scan(&done); err != nil {
			return fmt.Errorf("check %s: %w", f, err)
		}
		if done {
			fmt.Printf("  skip  %s (already applied)\n", f)
			continue
		}

		if err := applyOne(ctx, db, dir, f, ver); err != nil {
			return err
		}
		fmt.Printf("  apply %s\n", f)
		applied++
	}

	if applied == 0 {
		fmt.Println("nothing to migrate — already up to date")
	} else {
		fmt.Printf("applied %d migration(s)\n", applied)
	}
	return nil
}

func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %q: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// applyOne marks the version dirty, runs the file, and marks it clean,
// so a crash mid-migration is visible in schema_migrations.
func applyOne(ctx context.Context, db *pgxpool.Pool, dir, file string, ver int64) error {
	sql, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	if _, err := db.Exec(ctx,
		`INSERT INTO schema_migrations (version, dirty) VALUES ($1, true)
		 ON CONFLICT (version) DO UPDATE SET dirty = true`, ver,
	); err != nil {
		return fmt.Errorf("mark dirty %s: %w", file, err)
	}
	if _, err := db.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("apply %s: %w", file, err)
	}
	if _, err := db.Exec(ctx,
		`UPDATE schema_migrations SET dirty = false WHERE version = $1`, ver,
	); err != nil {
		return fmt.Errorf("mark clean %s: %w", file, err)
	}
	return nil
}

// versionFromFile extracts the leading integer from a migration
// filename: "001_init.up.sql" → 1.
func versionFromFile(filename string) (int64, error) {
	prefix, _, _ := strings.Cut(filename, "_")
	ver, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("no numeric version prefix in %q", filename)
	}
	return ver, nil
}
