package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/lifecycle-mailer/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSQLStatements(t *testing.T) {
	content := `-- header comment
CREATE TABLE a (x UInt8) ENGINE = Memory;

-- second
CREATE TABLE b (
    y String
) ENGINE = Memory;
SELECT 1`

	stmts := splitSQLStatements(content)
	require.Len(t, stmts, 3)
	assert.Equal(t, "CREATE TABLE a (x UInt8) ENGINE = Memory", stmts[0])
	assert.True(t, strings.HasPrefix(stmts[1], "CREATE TABLE b ("))
	assert.False(t, strings.HasSuffix(stmts[1], ";"))
	assert.Equal(t, "SELECT 1", stmts[2])
}

func TestEmbeddedClickHouseMigrations(t *testing.T) {
	content, err := clickhouseMigrations.ReadFile("migrations/clickhouse/001_webhook_events.sql")
	require.NoError(t, err)

	stmts := splitSQLStatements(string(content))
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], "CREATE TABLE IF NOT EXISTS webhook_events")
}

func TestWebhookEventArchive_Append(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, err := NewClickHouseDB(&config.ClickHouseConfig{
		Host:     "localhost",
		Port:     "9000",
		Database: "default",
		User:     "default",
	})
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
		return
	}
	defer func() {
		_ = db.Close()
	}()

	ctx := testContext(t)
	require.NoError(t, RunClickHouseMigrations(ctx, db))

	archive := NewWebhookEventArchive(db)
	now := time.Now().UTC()
	err = archive.Append(ctx, WebhookEvent{
		ReceivedAt:        now,
		EventName:         "email.delivered",
		EventTime:         now,
		ProviderMessageID: "msg-archive-test",
		MappedStatus:      "delivered",
		Outcome:           "updated",
		Payload:           `{"eventName":"email.delivered"}`,
	})
	assert.NoError(t, err)
	assert.NoError(t, archive.Append(ctx))
}
