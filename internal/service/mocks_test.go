package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lifecycle-mailer/internal/adapter"
	apperrors "github.com/lifecycle-mailer/internal/errors"
	"github.com/lifecycle-mailer/internal/models"
	"github.com/lifecycle-mailer/internal/storage"
	"github.com/lifecycle-mailer/internal/types"
)

// Mock repositories for testing

type mockUserRepo struct {
	mu    sync.Mutex
	users map[string]*models.User
	seq   int

	markErr error
}

func newMockUserRepo(users ...*models.User) *mockUserRepo {
	m := &mockUserRepo{users: make(map[string]*models.User)}
	for _, u := range users {
		if u.ID == "" {
			m.seq++
			u.ID = fmt.Sprintf("user-%d", m.seq)
		}
		m.users[u.ID] = u
	}
	return m
}

func (m *mockUserRepo) Create(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return apperrors.NewDuplicateEmailError(user.Email)
		}
	}
	m.seq++
	user.ID = fmt.Sprintf("user-%d", m.seq)
	m.users[user.ID] = user.Clone()
	return nil
}

func (m *mockUserRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u.Clone(), nil
	}
	return nil, apperrors.NewUserNotFoundError(id)
}

func (m *mockUserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u.Clone(), nil
		}
	}
	return nil, apperrors.NewUserNotFoundError(email)
}

func (m *mockUserRepo) List(ctx context.Context) ([]*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.User
	for _, u := range m.users {
		out = append(out, u.Clone())
	}
	return out, nil
}

func (m *mockUserRepo) Update(ctx context.Context, id string, mutate func(u *models.User) error) (*models.UserChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.users[id]
	if !ok {
		return nil, apperrors.NewUserNotFoundError(id)
	}
	next := old.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	m.users[id] = next
	return &models.UserChange{Operation: models.ChangeUpdate, UserID: id, Old: old.Clone(), New: next.Clone()}, nil
}

func (m *mockUserRepo) CountByStage(ctx context.Context) (map[types.LifecycleStage]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[types.LifecycleStage]int64)
	for _, u := range m.users {
		counts[u.LifecycleStage]++
	}
	return counts, nil
}

// The Find* methods return every user so the service-side predicate is what
// decides, as it does against the real narrowing queries.
func (m *mockUserRepo) all() []*models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *mockUserRepo) FindInactiveCandidates(ctx context.Context, now time.Time) ([]*models.User, error) {
	return m.all(), nil
}

func (m *mockUserRepo) FindTrialEndingCandidates(ctx context.Context, now time.Time) ([]*models.User, error) {
	return m.all(), nil
}

func (m *mockUserRepo) FindOnboardingCandidates(ctx context.Context, now time.Time) ([]*models.User, error) {
	return m.all(), nil
}

func (m *mockUserRepo) mark(id string, fn func(u *models.User)) error {
	if m.markErr != nil {
		return m.markErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return apperrors.NewUserNotFoundError(id)
	}
	fn(u)
	return nil
}

func (m *mockUserRepo) MarkInactiveReminderSent(ctx context.Context, id string, at time.Time) error {
	return m.mark(id, func(u *models.User) {
		u.LastInactiveReminderAt = &at
		u.LifecycleStage = types.StageAtRisk
	})
}

func (m *mockUserRepo) MarkTrialReminderSent(ctx context.Context, id string) error {
	return m.mark(id, func(u *models.User) { u.TrialEndingReminderSent = true })
}

func (m *mockUserRepo) MarkOnboardingReminderSent(ctx context.Context, id string) error {
	return m.mark(id, func(u *models.User) { u.OnboardingReminderSent = true })
}

type mockLogRepo struct {
	mu   sync.Mutex
	rows []*models.EmailLog
	seq  int

	createErr error
	// knownUsers, when set, rejects rows naming any other user id the way
	// the users foreign key does
	knownUsers map[string]bool
}

func (m *mockLogRepo) Create(ctx context.Context, log *models.EmailLog) error {
	if m.createErr != nil {
		return m.createErr
	}
	if m.knownUsers != nil && log.UserID != nil && !m.knownUsers[*log.UserID] {
		return fmt.Errorf("%w: %s", storage.ErrLogUserNotFound, *log.UserID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	log.ID = fmt.Sprintf("log-%d", m.seq)
	m.rows = append(m.rows, log)
	return nil
}

// applyStatus mirrors the storage update: the timestamp is stamped once and
// the status only moves forward. commit runs before the row is touched; an
// error from it leaves the row unchanged, as a rolled back transaction would.
func (m *mockLogRepo) applyStatus(messageID string, status types.EmailStatus, at time.Time, commit func(l *models.EmailLog) error) (*models.EmailLog, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rows) - 1; i >= 0; i-- {
		l := m.rows[i]
		if l.ProviderMessageID == nil || *l.ProviderMessageID != messageID {
			continue
		}
		var slot **time.Time
		switch status {
		case types.EmailStatusDelivered:
			slot = &l.DeliveredAt
		case types.EmailStatusOpened:
			slot = &l.OpenedAt
		case types.EmailStatusClicked:
			slot = &l.ClickedAt
		case types.EmailStatusBounced:
			slot = &l.BouncedAt
		default:
			return nil, false, fmt.Errorf("status %q is not set by webhooks", status)
		}
		if *slot != nil {
			return l, false, nil
		}
		if err := commit(l); err != nil {
			return nil, false, err
		}
		t := at
		*slot = &t
		if types.StatusRank(status) > types.StatusRank(l.Status) {
			l.Status = status
		}
		return l, true, nil
	}
	return nil, false, nil
}

// mockStatusRecorder applies a status and its counter as one unit
type mockStatusRecorder struct {
	logs  *mockLogRepo
	stats *mockStatsRepo
}

func (m *mockStatusRecorder) RecordStatus(ctx context.Context, messageID string, status types.EmailStatus, at time.Time) (*models.EmailLog, bool, error) {
	return m.logs.applyStatus(messageID, status, at, func(l *models.EmailLog) error {
		return m.stats.Increment(ctx, l.StatDate(), l.EventName, status)
	})
}

type mockDashboardCache struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockDashboardCache) InvalidateDashboard(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

func (m *mockDashboardCache) invalidations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockLogRepo) Recent(ctx context.Context, filter models.EmailLogFilter) ([]*models.EmailLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.EmailLog
	for i := len(m.rows) - 1; i >= 0; i-- {
		l := m.rows[i]
		if filter.EventName != "" && l.EventName != filter.EventName {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		out = append(out, l)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *mockLogRepo) DistinctEventNames(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	names := []string{}
	for _, l := range m.rows {
		if !seen[l.EventName] {
			seen[l.EventName] = true
			names = append(names, l.EventName)
		}
	}
	sort.Strings(names)
	return names, nil
}

// countReached mirrors the reconciliation query: rows of (date, event) that reached status
func (m *mockLogRepo) countReached(date, event string, status types.EmailStatus) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, l := range m.rows {
		if l.StatDate() != date || l.EventName != event {
			continue
		}
		var reached bool
		switch status {
		case types.EmailStatusSent:
			reached = l.Status != types.EmailStatusFailed
		case types.EmailStatusFailed:
			reached = l.Status == types.EmailStatusFailed
		case types.EmailStatusDelivered:
			reached = l.DeliveredAt != nil
		case types.EmailStatusOpened:
			reached = l.OpenedAt != nil
		case types.EmailStatusClicked:
			reached = l.ClickedAt != nil
		case types.EmailStatusBounced:
			reached = l.BouncedAt != nil
		}
		if reached {
			n++
		}
	}
	return n
}

type statKey struct {
	date  string
	event string
}

type mockStatsRepo struct {
	mu   sync.Mutex
	rows map[statKey]*models.Counters

	incrErr error
}

func newMockStatsRepo() *mockStatsRepo {
	return &mockStatsRepo{rows: make(map[statKey]*models.Counters)}
}

func (m *mockStatsRepo) Increment(ctx context.Context, date, eventName string, status types.EmailStatus) error {
	if m.incrErr != nil {
		return m.incrErr
	}
	if !status.IsValid() {
		return fmt.Errorf("unknown status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := statKey{date, eventName}
	c, ok := m.rows[k]
	if !ok {
		c = &models.Counters{}
		m.rows[k] = c
	}
	c.Incr(status)
	return nil
}

func (m *mockStatsRepo) get(date, event string) models.Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.rows[statKey{date, event}]; ok {
		return *c
	}
	return models.Counters{}
}

func (m *mockStatsRepo) set(date, event string, c models.Counters) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[statKey{date, event}] = &c
}

func (m *mockStatsRepo) ListSince(ctx context.Context, fromDate string) ([]*models.DailyStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DailyStat
	for k, c := range m.rows {
		if k.date >= fromDate {
			out = append(out, &models.DailyStat{Date: k.date, EventName: k.event, Counters: *c})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].EventName < out[j].EventName
	})
	return out, nil
}

type mockProvider struct {
	mu     sync.Mutex
	events []adapter.EventRequest
	txs    []adapter.TransactionalRequest
	seq    int

	err error
}

func (m *mockProvider) SendEvent(ctx context.Context, req adapter.EventRequest) (*adapter.SendResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, req)
	if m.err != nil {
		return nil, m.err
	}
	m.seq++
	return &adapter.SendResponse{Success: true, ID: fmt.Sprintf("msg-%d", m.seq)}, nil
}

func (m *mockProvider) SendTransactional(ctx context.Context, req adapter.TransactionalRequest) (*adapter.SendResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = append(m.txs, req)
	if m.err != nil {
		return nil, m.err
	}
	m.seq++
	return &adapter.SendResponse{Success: true, ID: fmt.Sprintf("tx-%d", m.seq)}, nil
}

type recordingScheduler struct {
	mu    sync.Mutex
	sends []SendEventInput
	err   error
}

func (r *recordingScheduler) Schedule(ctx context.Context, in SendEventInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sends = append(r.sends, in)
	return nil
}

func (r *recordingScheduler) eventNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.sends))
	for _, s := range r.sends {
		names = append(names, s.EventName)
	}
	return names
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func timePtr(t time.Time) *time.Time {
	return &t
}
