package service

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	apperrors "github.com/lifecycle-mailer/internal/errors"
	"github.com/lifecycle-mailer/internal/logging"
	"github.com/lifecycle-mailer/internal/models"
	"github.com/lifecycle-mailer/internal/storage"
	"github.com/lifecycle-mailer/internal/types"
)

const (
	// DefaultDashboardDays is the window used when a query names none
	DefaultDashboardDays = 30
	// MaxDashboardDays bounds the daily and per-event windows
	MaxDashboardDays = 365
)

// DashboardInvalidator drops cached dashboard reads after a write
type DashboardInvalidator interface {
	InvalidateDashboard(ctx context.Context) error
}

// invalidateDashboard is best-effort; a missed invalidation expires with the cache TTL
func invalidateDashboard(ctx context.Context, cache DashboardInvalidator, logger *logging.Logger) {
	if cache == nil {
		return
	}
	if err := cache.InvalidateDashboard(ctx); err != nil {
		logger.WithError(err).Warn("failed to invalidate dashboard cache")
	}
}

// StatsReader reads the daily counters
type StatsReader interface {
	ListSince(ctx context.Context, fromDate string) ([]*models.DailyStat, error)
}

// StageCounter counts users per lifecycle stage
type StageCounter interface {
	CountByStage(ctx context.Context) (map[types.LifecycleStage]int64, error)
}

// LogReader reads email logs for the dashboard
type LogReader interface {
	Recent(ctx context.Context, filter models.EmailLogFilter) ([]*models.EmailLog, error)
	DistinctEventNames(ctx context.Context) ([]string, error)
}

// RatedCounters is a counter total with its delivery and open rates
type RatedCounters struct {
	models.Counters
	DeliveryRate float64 `json:"deliveryRate"`
	OpenRate     float64 `json:"openRate"`
}

// UserCounts is the user block of the summary
type UserCounts struct {
	Total  int64 `json:"total"`
	Active int64 `json:"active"`
	AtRisk int64 `json:"atRisk"`
	New    int64 `json:"new"`
}

// Summary is the dashboard headline view
type Summary struct {
	Today      models.Counters `json:"today"`
	Last7Days  models.Counters `json:"last7Days"`
	Last30Days RatedCounters   `json:"last30Days"`
	Users      UserCounts      `json:"users"`
}

// DailyPoint is one day of the time series
type DailyPoint struct {
	Date        string `json:"date"`
	DisplayDate string `json:"displayDate"`
	Sent        int64  `json:"sent"`
	Delivered   int64  `json:"delivered"`
	Opened      int64  `json:"opened"`
	Clicked     int64  `json:"clicked"`
}

// EventStat is the aggregate for one event name over a window
type EventStat struct {
	EventName string `json:"eventName"`
	models.Counters
	DeliveryRate float64 `json:"deliveryRate"`
	OpenRate     float64 `json:"openRate"`
	ClickRate    float64 `json:"clickRate"`
}

// Funnel is the count of users per lifecycle stage
type Funnel struct {
	Total      int64 `json:"total"`
	New        int64 `json:"new"`
	Onboarding int64 `json:"onboarding"`
	Active     int64 `json:"active"`
	AtRisk     int64 `json:"atRisk"`
	Churned    int64 `json:"churned"`
}

// DashboardService answers the read-only dashboard queries
type DashboardService struct {
	stats  StatsReader
	users  StageCounter
	logs   LogReader
	cache  *storage.CacheService
	now    func() time.Time
	logger *logging.Logger
}

// NewDashboardService creates a new dashboard service. cache may be nil.
func NewDashboardService(stats StatsReader, users StageCounter, logs LogReader, cache *storage.CacheService) *DashboardService {
	return &DashboardService{
		stats:  stats,
		users:  users,
		logs:   logs,
		cache:  cache,
		now:    time.Now,
		logger: logging.GetGlobalLogger().WithComponent("dashboard"),
	}
}

// Rate returns numerator/denominator as a percentage rounded to one decimal,
// or 0 when the denominator is 0
func Rate(numerator, denominator int64) float64 {
	if denominator <= 0 {
		return 0
	}
	return math.Round(float64(numerator)*1000/float64(denominator)) / 10
}

// NormalizeDays applies the default and the upper bound to a window length
func NormalizeDays(days int) int {
	if days <= 0 {
		return DefaultDashboardDays
	}
	if days > MaxDashboardDays {
		return MaxDashboardDays
	}
	return days
}

// Summary returns today, 7-day and 30-day totals plus the user block
func (s *DashboardService) Summary(ctx context.Context) (*Summary, error) {
	var out Summary
	key := storage.CacheKeySummary
	if s.cachedGet(ctx, string(key), &out) {
		return &out, nil
	}

	now := s.now().UTC()
	today := models.FormatStatDate(now)
	weekStart := models.FormatStatDate(now.Add(-7 * day))
	monthStart := models.FormatStatDate(now.Add(-30 * day))

	rows, err := s.stats.ListSince(ctx, monthStart)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		// stat dates are YYYY-MM-DD, so string order is date order
		if r.Date == today {
			out.Today.Add(r.Counters)
		}
		if r.Date >= weekStart {
			out.Last7Days.Add(r.Counters)
		}
		out.Last30Days.Add(r.Counters)
	}
	out.Last30Days.DeliveryRate = Rate(out.Last30Days.Delivered, out.Last30Days.Sent)
	out.Last30Days.OpenRate = Rate(out.Last30Days.Opened, out.Last30Days.Delivered)

	stages, err := s.users.CountByStage(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range stages {
		out.Users.Total += n
	}
	out.Users.Active = stages[types.StageActive]
	out.Users.AtRisk = stages[types.StageAtRisk]
	out.Users.New = stages[types.StageNew]

	s.cachedSet(ctx, string(key), out)
	return &out, nil
}

// DailySeries returns one zero-filled point per day for the last days days,
// oldest first, ending today
func (s *DashboardService) DailySeries(ctx context.Context, days int) ([]DailyPoint, error) {
	days = NormalizeDays(days)

	var out []DailyPoint
	key := s.cacheKey(storage.CacheKeyDaily, strconv.Itoa(days))
	if s.cachedGet(ctx, key, &out) {
		return out, nil
	}

	now := s.now().UTC()
	out = make([]DailyPoint, days)
	index := make(map[string]int, days)
	for i := 0; i < days; i++ {
		d := now.Add(-time.Duration(days-1-i) * day)
		date := models.FormatStatDate(d)
		out[i] = DailyPoint{Date: date, DisplayDate: d.Format("Jan 2")}
		index[date] = i
	}

	rows, err := s.stats.ListSince(ctx, out[0].Date)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		i, ok := index[r.Date]
		if !ok {
			continue
		}
		out[i].Sent += r.Sent
		out[i].Delivered += r.Delivered
		out[i].Opened += r.Opened
		out[i].Clicked += r.Clicked
	}

	s.cachedSet(ctx, key, out)
	return out, nil
}

// EventStats aggregates counters per event name over the last days days,
// highest volume first
func (s *DashboardService) EventStats(ctx context.Context, days int) ([]EventStat, error) {
	days = NormalizeDays(days)

	var out []EventStat
	key := s.cacheKey(storage.CacheKeyEvents, strconv.Itoa(days))
	if s.cachedGet(ctx, key, &out) {
		return out, nil
	}

	start := models.FormatStatDate(s.now().UTC().Add(-time.Duration(days) * day))
	rows, err := s.stats.ListSince(ctx, start)
	if err != nil {
		return nil, err
	}

	byEvent := make(map[string]*EventStat)
	for _, r := range rows {
		st, ok := byEvent[r.EventName]
		if !ok {
			st = &EventStat{EventName: r.EventName}
			byEvent[r.EventName] = st
		}
		st.Add(r.Counters)
	}

	out = make([]EventStat, 0, len(byEvent))
	for _, st := range byEvent {
		st.DeliveryRate = Rate(st.Delivered, st.Sent)
		st.OpenRate = Rate(st.Opened, st.Delivered)
		st.ClickRate = Rate(st.Clicked, st.Opened)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sent != out[j].Sent {
			return out[i].Sent > out[j].Sent
		}
		return out[i].EventName < out[j].EventName
	})

	s.cachedSet(ctx, key, out)
	return out, nil
}

// Funnel counts users per stage. Users with no or an unknown stage count as new.
func (s *DashboardService) Funnel(ctx context.Context) (*Funnel, error) {
	var out Funnel
	key := string(storage.CacheKeyFunnel)
	if s.cachedGet(ctx, key, &out) {
		return &out, nil
	}

	stages, err := s.users.CountByStage(ctx)
	if err != nil {
		return nil, err
	}
	for stage, n := range stages {
		out.Total += n
		switch stage {
		case types.StageOnboarding:
			out.Onboarding += n
		case types.StageActive:
			out.Active += n
		case types.StageAtRisk:
			out.AtRisk += n
		case types.StageChurned:
			out.Churned += n
		default:
			out.New += n
		}
	}

	s.cachedSet(ctx, key, out)
	return &out, nil
}

// RecentLogs returns the newest log rows matching filter
func (s *DashboardService) RecentLogs(ctx context.Context, filter models.EmailLogFilter) ([]*models.EmailLog, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, apperrors.NewInvalidParameterError("status", "unknown email status")
	}
	if filter.Limit < 0 {
		return nil, apperrors.NewInvalidParameterError("limit", "limit must be positive")
	}
	return s.logs.Recent(ctx, filter)
}

// EventNames returns every event name that has been sent, sorted
func (s *DashboardService) EventNames(ctx context.Context) ([]string, error) {
	var out []string
	key := string(storage.CacheKeyEventNames)
	if s.cachedGet(ctx, key, &out) {
		return out, nil
	}

	out, err := s.logs.DistinctEventNames(ctx)
	if err != nil {
		return nil, err
	}
	s.cachedSet(ctx, key, out)
	return out, nil
}

func (s *DashboardService) cacheKey(keyType storage.CacheKeyType, params ...string) string {
	if s.cache == nil {
		return ""
	}
	return s.cache.GenerateCacheKey(keyType, params...)
}

// cachedGet is a best-effort read; cache errors fall through to storage
func (s *DashboardService) cachedGet(ctx context.Context, key string, dest interface{}) bool {
	if s.cache == nil {
		return false
	}
	found, err := s.cache.Get(ctx, key, dest)
	if err != nil {
		s.logger.WithField("key", key).WithError(err).Warn("dashboard cache read failed")
		return false
	}
	return found
}

func (s *DashboardService) cachedSet(ctx context.Context, key string, value interface{}) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, value); err != nil {
		s.logger.WithField("key", key).WithError(err).Warn("dashboard cache write failed")
	}
}
