package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/lifecycle-mailer/internal/logging"
)

//go:embed migrations/clickhouse/*.sql
var clickhouseMigrations embed.FS

// RunClickHouseMigrations applies the embedded ClickHouse DDL in file order.
// Every statement is idempotent (IF NOT EXISTS) so reruns are harmless.
func RunClickHouseMigrations(ctx context.Context, db *ClickHouseDB) error {
	logger := logging.FromContext(ctx).WithComponent("clickhouse-migrate")

	files, err := fs.Glob(clickhouseMigrations, "migrations/clickhouse/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(files)

	for _, name := range files {
		content, err := clickhouseMigrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		for i, stmt := range splitSQLStatements(string(content)) {
			if err := db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute statement %d in %s: %w", i+1, name, err)
			}
		}
		logger.WithField("file", name).Info("Applied ClickHouse migration")
	}
	return nil
}

// splitSQLStatements splits SQL content on trailing semicolons, dropping
// comment-only lines. ClickHouse rejects multi-statement Exec calls.
func splitSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()

	return statements
}
