package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lifecycle-mailer/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testPostgresConfig() *config.PostgresConfig {
	cfg := &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "lifecycle_mailer_test",
		User:           "mailer",
		Password:       "mailer_dev_password",
		MaxConnections: 5,
	}
	if v := os.Getenv("TEST_POSTGRES_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("TEST_POSTGRES_PASSWORD"); v != "" {
		cfg.Password = v
	}
	return cfg
}

// openTestDB connects to the test database, applies migrations and empties
// every table. The test is skipped when Postgres is unavailable.
func openTestDB(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.URL()); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	ctx := testContext(t)
	if _, err := db.Pool().Exec(ctx, `TRUNCATE email_stats, email_logs, users`); err != nil {
		t.Fatalf("truncate error = %v", err)
	}
	return db
}
