// Package worker schedules the periodic lifecycle scans.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lifecycle-mailer/internal/config"
	"github.com/lifecycle-mailer/internal/logging"
	"github.com/lifecycle-mailer/internal/service"
	"github.com/robfig/cron/v3"
)

// ErrJobLocked means another replica is running the job
var ErrJobLocked = errors.New("lifecycle job is locked by another worker")

// Runner executes one lifecycle scan
type Runner interface {
	Run(ctx context.Context, job service.Job) (*service.ScanResult, error)
}

// Locker provides a TTL lock shared between worker replicas
type Locker interface {
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// JobStatus is the last outcome of a scheduled job
type JobStatus struct {
	Job      service.Job         `json:"job"`
	Spec     string              `json:"spec"`
	NextRun  time.Time           `json:"nextRun"`
	LastRun  *time.Time          `json:"lastRun,omitempty"`
	LastErr  string              `json:"lastError,omitempty"`
	LastScan *service.ScanResult `json:"lastScan,omitempty"`
}

// LifecycleScheduler runs the lifecycle scans on UTC cron schedules
type LifecycleScheduler struct {
	cron    *cron.Cron
	runner  Runner
	locker  Locker
	lockTTL time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	entries map[service.Job]cron.EntryID
	specs   map[service.Job]string
	status  map[service.Job]*JobStatus

	logger *logging.Logger
}

// NewLifecycleScheduler registers the three scans. locker may be nil, in
// which case every replica runs every job.
func NewLifecycleScheduler(runner Runner, locker Locker, cfg *config.SchedulerConfig) (*LifecycleScheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &LifecycleScheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		runner:  runner,
		locker:  locker,
		lockTTL: cfg.LockTTL,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[service.Job]cron.EntryID),
		specs:   make(map[service.Job]string),
		status:  make(map[service.Job]*JobStatus),
		logger:  logging.GetGlobalLogger().WithComponent("scheduler"),
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 30 * time.Minute
	}

	specs := map[service.Job]string{
		service.JobInactive:   cfg.InactiveSpec,
		service.JobTrial:      cfg.TrialSpec,
		service.JobOnboarding: cfg.OnboardingSpec,
	}
	for _, job := range service.AllJobs {
		job := job
		id, err := s.cron.AddFunc(specs[job], func() { s.runScheduled(job) })
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid schedule %q for %s job: %w", specs[job], job, err)
		}
		s.entries[job] = id
		s.specs[job] = specs[job]
		s.status[job] = &JobStatus{Job: job, Spec: specs[job]}
	}
	return s, nil
}

// Start begins firing jobs on schedule
func (s *LifecycleScheduler) Start() {
	s.cron.Start()
	for _, st := range s.Status() {
		s.logger.WithFields(map[string]interface{}{
			"job":      string(st.Job),
			"spec":     st.Spec,
			"next_run": st.NextRun.Format(time.RFC3339),
		}).Info("lifecycle job scheduled")
	}
}

// Stop halts the schedule and waits for running jobs until ctx ends
func (s *LifecycleScheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// RunNow runs a job immediately under the same lock as scheduled runs
func (s *LifecycleScheduler) RunNow(ctx context.Context, job service.Job) (*service.ScanResult, error) {
	return s.run(ctx, job)
}

// Status returns the schedule and last outcome of every job
func (s *LifecycleScheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(service.AllJobs))
	for _, job := range service.AllJobs {
		st := *s.status[job]
		st.NextRun = s.cron.Entry(s.entries[job]).Next
		out = append(out, st)
	}
	return out
}

func (s *LifecycleScheduler) runScheduled(job service.Job) {
	if _, err := s.run(s.ctx, job); err != nil && !errors.Is(err, ErrJobLocked) {
		s.logger.WithField("job", string(job)).WithError(err).Error("scheduled lifecycle job failed")
	}
}

func (s *LifecycleScheduler) run(ctx context.Context, job service.Job) (*service.ScanResult, error) {
	logger := s.logger.WithField("job", string(job))

	if s.locker != nil {
		key := "lifecycle:lock:" + string(job)
		token := uuid.New().String()

		ok, err := s.locker.AcquireLock(ctx, key, token, s.lockTTL)
		if err != nil {
			// a lock outage should not silence reminders
			logger.WithError(err).Warn("failed to acquire job lock, running unlocked")
		} else if !ok {
			logger.Info("job already running elsewhere, skipping")
			return nil, ErrJobLocked
		} else {
			defer func() {
				if err := s.locker.ReleaseLock(context.Background(), key, token); err != nil {
					logger.WithError(err).Warn("failed to release job lock")
				}
			}()
		}
	}

	started := time.Now().UTC()
	result, err := s.runner.Run(ctx, job)

	s.mu.Lock()
	st := s.status[job]
	st.LastRun = &started
	st.LastErr = ""
	if err != nil {
		st.LastErr = err.Error()
	} else {
		st.LastScan = result
	}
	s.mu.Unlock()

	return result, err
}
