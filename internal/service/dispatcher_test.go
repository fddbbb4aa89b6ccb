package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lifecycle-mailer/internal/adapter"
	apperrors "github.com/lifecycle-mailer/internal/errors"
	"github.com/lifecycle-mailer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(provider *mockProvider, now time.Time) (*Dispatcher, *mockLogRepo, *mockStatsRepo) {
	logs := &mockLogRepo{}
	stats := newMockStatsRepo()
	d := NewDispatcher(provider, logs, stats)
	d.now = fixedClock(now)
	return d, logs, stats
}

func TestDispatcher_SendEventSuccess(t *testing.T) {
	now := time.Date(2026, 5, 4, 23, 59, 0, 0, time.UTC)
	provider := &mockProvider{}
	d, logs, stats := newTestDispatcher(provider, now)

	res := d.SendEvent(context.Background(), SendEventInput{
		Email:             "a@example.com",
		EventName:         types.EventSignup,
		UserID:            "user-1",
		EventProperties:   map[string]interface{}{"plan": "free"},
		ContactProperties: map[string]interface{}{"firstName": "Ada"},
	})

	assert.True(t, res.Success)
	assert.Equal(t, types.EmailStatusSent, res.Status)
	assert.Equal(t, "msg-1", res.MessageID)
	assert.NotEmpty(t, res.LogID)

	require.Len(t, logs.rows, 1)
	row := logs.rows[0]
	assert.Equal(t, types.EmailStatusSent, row.Status)
	require.NotNil(t, row.ProviderMessageID)
	assert.Equal(t, "msg-1", *row.ProviderMessageID)
	assert.Nil(t, row.ErrorMessage)
	assert.Equal(t, now, row.SentAt)
	assert.Contains(t, row.Metadata, "eventProperties")
	assert.Contains(t, row.Metadata, "contactProperties")

	assert.Equal(t, int64(1), stats.get("2026-05-04", types.EventSignup).Sent)
	assert.Equal(t, "Ada", provider.events[0].ContactProperties["firstName"])
}

func TestDispatcher_SendEventFailure(t *testing.T) {
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	provider := &mockProvider{err: apperrors.NewProviderError(adapter.ProviderName, "Invalid email", 400)}
	d, logs, stats := newTestDispatcher(provider, now)

	res := d.SendEvent(context.Background(), SendEventInput{Email: "bad", EventName: types.EventSignup})

	assert.False(t, res.Success)
	assert.Equal(t, types.EmailStatusFailed, res.Status)
	assert.Equal(t, "Invalid email", res.Error)

	require.Len(t, logs.rows, 1)
	row := logs.rows[0]
	assert.Equal(t, types.EmailStatusFailed, row.Status)
	assert.Nil(t, row.ProviderMessageID)
	require.NotNil(t, row.ErrorMessage)
	assert.Equal(t, "Invalid email", *row.ErrorMessage)
	assert.Nil(t, row.Metadata)

	c := stats.get("2026-05-04", types.EventSignup)
	assert.Equal(t, int64(1), c.Failed)
	assert.Equal(t, int64(0), c.Sent)
}

func TestDispatcher_MissingAPIKeyIsRecorded(t *testing.T) {
	provider := &mockProvider{err: adapter.ErrMissingAPIKey}
	d, logs, stats := newTestDispatcher(provider, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	res := d.SendTransactional(context.Background(), SendTransactionalInput{Email: "a@example.com", TransactionalID: "welcome"})
	assert.Equal(t, "LOOPS_API_KEY not configured", res.Error)
	require.Len(t, logs.rows, 1)
	assert.Equal(t, int64(1), stats.get("2026-01-01", "transactional:welcome").Failed)
}

func TestDispatcher_SendTransactional(t *testing.T) {
	provider := &mockProvider{}
	d, logs, stats := newTestDispatcher(provider, time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))

	res := d.SendTransactional(context.Background(), SendTransactionalInput{
		Email:           "a@example.com",
		TransactionalID: "pwd-reset",
		DataVariables:   map[string]interface{}{"link": "https://x"},
	})
	require.True(t, res.Success)

	row := logs.rows[0]
	assert.Equal(t, "transactional:pwd-reset", row.EventName)
	require.NotNil(t, row.TransactionalID)
	assert.Equal(t, "pwd-reset", *row.TransactionalID)
	assert.Equal(t, map[string]interface{}{"dataVariables": map[string]interface{}{"link": "https://x"}}, row.Metadata)
	assert.Equal(t, int64(1), stats.get("2026-02-10", "transactional:pwd-reset").Sent)
	assert.Equal(t, "pwd-reset", provider.txs[0].TransactionalID)
}

func TestDispatcher_StorageFailuresDoNotSurface(t *testing.T) {
	provider := &mockProvider{}
	logs := &mockLogRepo{createErr: errors.New("db down")}
	stats := newMockStatsRepo()
	stats.incrErr = errors.New("db down")
	d := NewDispatcher(provider, logs, stats)

	res := d.SendEvent(context.Background(), SendEventInput{Email: "a@example.com", EventName: types.EventSignup})
	assert.True(t, res.Success, "the email went out even though bookkeeping failed")
	assert.Empty(t, res.LogID)
}

func TestIsoTime(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 89_000_000, time.FixedZone("X", 3600))
	assert.Equal(t, "2026-03-04T04:06:07.089Z", isoTime(ts))
}

func TestDispatcher_UnknownUserIsLoggedWithoutUser(t *testing.T) {
	provider := &mockProvider{}
	logs := &mockLogRepo{knownUsers: map[string]bool{"user-1": true}}
	stats := newMockStatsRepo()
	d := NewDispatcher(provider, logs, stats)
	d.now = fixedClock(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	res := d.SendTransactional(ctx, SendTransactionalInput{Email: "a@example.com", TransactionalID: "receipt", UserID: "ghost"})
	require.True(t, res.Success)
	assert.NotEmpty(t, res.LogID, "the row is still written")

	res = d.SendTransactional(ctx, SendTransactionalInput{Email: "b@example.com", TransactionalID: "receipt", UserID: "user-1"})
	require.True(t, res.Success)

	require.Len(t, logs.rows, 2)
	assert.Nil(t, logs.rows[0].UserID)
	require.NotNil(t, logs.rows[1].UserID)
	assert.Equal(t, "user-1", *logs.rows[1].UserID)

	event := "transactional:receipt"
	assert.Equal(t, int64(2), stats.get("2026-06-01", event).Sent)
	assert.Equal(t, stats.get("2026-06-01", event).Sent, logs.countReached("2026-06-01", event, types.EmailStatusSent))
}

func TestDispatcher_ProviderErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"provider rejection", apperrors.NewProviderError(adapter.ProviderName, "Invalid email", 400), "Invalid email"},
		{"circuit open", apperrors.NewServiceUnavailableError(adapter.ProviderName), "service unavailable: loops"},
		{"plain error", errors.New("connection reset"), "connection reset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, logs, _ := newTestDispatcher(&mockProvider{err: tt.err}, time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC))
			res := d.SendEvent(context.Background(), SendEventInput{Email: "a@example.com", EventName: types.EventSignup})
			assert.Equal(t, tt.want, res.Error)
			require.NotNil(t, logs.rows[0].ErrorMessage)
			assert.Equal(t, tt.want, *logs.rows[0].ErrorMessage)
		})
	}
}

func TestDispatcher_InvalidatesDashboard(t *testing.T) {
	cache := &mockDashboardCache{err: errors.New("redis down")}
	d, _, _ := newTestDispatcher(&mockProvider{}, time.Date(2026, 6, 3, 0, 0, 0, 0, time.UTC))
	d.SetDashboardCache(cache)

	res := d.SendEvent(context.Background(), SendEventInput{Email: "a@example.com", EventName: types.EventSignup})
	assert.True(t, res.Success, "cache failures do not affect the send")
	assert.Equal(t, 1, cache.invalidations())
}
