// Package migrations embeds the schema and applies it in file order.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed *.sql
var files embed.FS

// Files returns the embedded migration file names in apply order.
func Files() ([]string, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Apply runs every migration. Statements are idempotent, so Apply is safe to
// repeat on an existing schema.
func Apply(ctx context.Context, db *sql.DB) ([]string, error) {
	if db == nil {
		return nil, errors.New("migrations: nil db")
	}
	names, err := Files()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		content, err := files.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return nil, fmt.Errorf("migrations: %s: %w", name, err)
		}
	}
	return names, nil
}
