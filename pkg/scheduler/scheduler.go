package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/schedule"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrSchedulerStopped is returned when the scheduler is stopped
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")

	// ErrUnknownJob is returned when a job family is not configured
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobRunning is returned when a job family is already running here or on another replica
	ErrJobRunning = errors.New("job already running")
)

const (
	// DefaultLockTTL is the TTL of a job lock. It is extended while the run lasts.
	DefaultLockTTL = 5 * time.Minute

	// LockKeyPrefix is the prefix for job locks
	LockKeyPrefix = "fern:scheduler:job:"
)

// RunStore records job runs. See store.JobRunStore.
type RunStore interface {
	Start(ctx context.Context, job string, units int) (*models.JobRun, error)
	Complete(ctx context.Context, run *models.JobRun) error
	Recent(ctx context.Context, job string, limit int) ([]models.JobRun, error)
}

// ProcessorFactory builds the unit processor of a job family
type ProcessorFactory func(family models.JobFamily) schedule.Processor

// Config holds configuration for the scheduler
type Config struct {
	Families []models.JobFamily
	Channels []models.Channel

	// LockTTL is how long a job lock survives a crashed holder
	LockTTL time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// JobStatus is a configured family and whether it is running on this replica
type JobStatus struct {
	models.JobFamily
	Running bool           `json:"running"`
	LastRun *models.JobRun `json:"last_run,omitempty"`
}

// Scheduler runs job families on their intervals and on demand
type Scheduler struct {
	families   map[string]models.JobFamily
	order      []string
	channels   []models.Channel
	processors ProcessorFactory
	runner     *schedule.Runner
	runs       RunStore
	locker     *redis.Locker
	config     Config
	logger     ectologger.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand

	// Coordination
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	active  map[string]bool
	mu      sync.RWMutex
}

// NewScheduler creates a new scheduler. runs and locker may be nil.
func NewScheduler(
	processors ProcessorFactory,
	runs RunStore,
	locker *redis.Locker,
	config Config,
	logger ectologger.Logger,
) (*Scheduler, error) {
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	s := &Scheduler{
		families:   make(map[string]models.JobFamily, len(config.Families)),
		channels:   config.Channels,
		processors: processors,
		runner:     schedule.NewRunner(logger),
		runs:       runs,
		locker:     locker,
		config:     config,
		logger:     logger,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:     make(chan struct{}),
		active:     make(map[string]bool),
	}

	for _, family := range config.Families {
		if family.Name == "" {
			return nil, errors.New("job family without a name")
		}
		if _, dup := s.families[family.Name]; dup {
			return nil, fmt.Errorf("duplicate job family %s", family.Name)
		}
		s.families[family.Name] = family
		s.order = append(s.order, family.Name)
	}

	return s, nil
}

// Start starts one loop per periodic job family
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "Scheduler.Start")
	defer span.End()

	for _, name := range s.order {
		family := s.families[name]
		if family.Manual() {
			s.logger.WithContext(ctx).Debugf("Job %s runs only when triggered", name)
			continue
		}
		s.wg.Add(1)
		go s.loop(context.WithoutCancel(ctx), family)
	}

	s.logger.WithContext(ctx).Infof("Scheduler started with %d jobs over %d channels", len(s.order), len(s.channels))
	return nil
}

// Stop stops the loops. Running jobs stop dispatching units and finish the ones in flight; Stop
// waits for them or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.stopCh:
		s.mu.Unlock()
		return nil
	default:
		close(s.stopCh)
	}
	s.running = false
	s.mu.Unlock()

	s.logger.WithContext(ctx).Info("Stopping scheduler...")

	stopped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.WithContext(ctx).Info("Scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Jobs lists the configured families in configuration order
func (s *Scheduler) Jobs(ctx context.Context) []JobStatus {
	s.mu.RLock()
	out := make([]JobStatus, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, JobStatus{JobFamily: s.families[name], Running: s.active[name]})
	}
	s.mu.RUnlock()

	if s.runs == nil {
		return out
	}
	for i := range out {
		runs, err := s.runs.Recent(ctx, out[i].Name, 1)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).Warnf("Failed to load last run of %s", out[i].Name)
			continue
		}
		if len(runs) > 0 {
			out[i].LastRun = &runs[0]
		}
	}
	return out
}

// Trigger starts a run of the named family in the background and returns its run id. Manual
// families can only run this way.
func (s *Scheduler) Trigger(ctx context.Context, name string) (string, error) {
	family, ok := s.families[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	select {
	case <-s.stopCh:
		return "", ErrSchedulerStopped
	default:
	}

	runID := uuid.NewString()
	ctx = appctx.SetRunID(appctx.SetJob(context.WithoutCancel(ctx), name), runID)

	release, err := s.claim(ctx, family)
	if err != nil {
		return "", err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		s.execute(ctx, family)
	}()

	return runID, nil
}

// RunNow runs the named family and waits for it to finish
func (s *Scheduler) RunNow(ctx context.Context, name string) (schedule.Report, error) {
	family, ok := s.families[name]
	if !ok {
		return schedule.Report{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	ctx = appctx.SetRunID(appctx.SetJob(ctx, name), uuid.NewString())
	release, err := s.claim(ctx, family)
	if err != nil {
		return schedule.Report{}, err
	}
	defer release()

	return s.execute(ctx, family), nil
}

func (s *Scheduler) loop(ctx context.Context, family models.JobFamily) {
	defer s.wg.Done()

	ticker := time.NewTicker(family.Interval)
	defer ticker.Stop()

	if family.RunOnStart {
		s.tick(ctx, family)
	}

	for {
		select {
		case <-s.stopCh:
			s.logger.WithContext(ctx).Debugf("Job loop %s stopping", family.Name)
			return
		case <-ticker.C:
			s.tick(ctx, family)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, family models.JobFamily) {
	ctx = appctx.SetRunID(appctx.SetJob(ctx, family.Name), uuid.NewString())

	release, err := s.claim(ctx, family)
	if err != nil {
		if errors.Is(err, ErrJobRunning) {
			s.logger.WithContext(ctx).Infof("Skipping %s: previous run still going", family.Name)
			return
		}
		s.logger.WithContext(ctx).WithError(err).Errorf("Failed to start %s", family.Name)
		return
	}
	defer release()

	s.execute(ctx, family)
}

// claim marks family as running on this replica and, with Redis configured, on every replica.
// The returned func undoes both.
func (s *Scheduler) claim(ctx context.Context, family models.JobFamily) (func(), error) {
	s.mu.Lock()
	if s.active[family.Name] {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, family.Name)
	}
	s.active[family.Name] = true
	s.mu.Unlock()

	unmark := func() {
		s.mu.Lock()
		delete(s.active, family.Name)
		s.mu.Unlock()
	}

	if s.locker == nil {
		return unmark, nil
	}

	lock, err := s.locker.Acquire(ctx, family.Name, s.config.LockTTL)
	if err != nil {
		unmark()
		if errors.Is(err, redis.ErrLockNotAcquired) {
			return nil, fmt.Errorf("%w: %s", ErrJobRunning, family.Name)
		}
		return nil, fmt.Errorf("lock job %s: %w", family.Name, err)
	}

	done := make(chan struct{})
	go s.extend(ctx, lock, done)

	return func() {
		close(done)
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warnf("Failed to release job lock %s", family.Name)
		}
		unmark()
	}, nil
}

func (s *Scheduler) extend(ctx context.Context, lock *redis.Lock, done <-chan struct{}) {
	ticker := time.NewTicker(s.config.LockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := lock.Extend(ctx, s.config.LockTTL); err != nil {
				s.logger.WithContext(ctx).WithError(err).Warn("Failed to extend job lock")
			}
		}
	}
}

// execute runs every unit of family. Closing the stop channel cancels dispatch.
func (s *Scheduler) execute(ctx context.Context, family models.JobFamily) schedule.Report {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.execute")
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	from, to := family.Range(s.config.Now())
	var units []models.WorkUnit
	if family.Discovery {
		from, to = models.DayOf(s.config.Now()), models.DayOf(s.config.Now())
		units = []models.WorkUnit{{Day: from}}
	} else {
		s.rndMu.Lock()
		units = schedule.Generate(s.channels, from, to, s.rnd)
		s.rndMu.Unlock()
	}

	logger := s.logger.WithContext(ctx)
	logger.Infof("Starting %s: %d units from %s to %s", family.Name, len(units),
		from.Format(time.DateOnly), to.Format(time.DateOnly))

	var run *models.JobRun
	if s.runs != nil {
		var err error
		if run, err = s.runs.Start(ctx, family.Name, len(units)); err != nil {
			logger.WithError(err).Warn("Continuing without a run record")
		}
	}

	report := s.runner.Run(runCtx, units, s.processors(family), family.Threads, family.FailureThresholdPercent)
	status := statusOf(report)

	metrics.RecordScheduleRun(family.Name, string(status), report.Duration.Seconds())
	logger.WithFields(map[string]any{
		"status":       status,
		"units":        report.Units,
		"failed_units": report.FailedUnits,
		"skipped":      report.Skipped,
		"processed":    report.Progress.Processed,
		"failed":       report.Progress.Failed,
	}).Infof("Finished %s in %s", family.Name, report.Duration)

	if run != nil {
		run.Status = status
		run.FailedUnits = report.FailedUnits
		run.Processed = report.Progress.Processed
		run.Failed = report.Progress.Failed
		if err := s.runs.Complete(context.WithoutCancel(ctx), run); err != nil {
			logger.WithError(err).Warn("Failed to record run completion")
		}
	}

	return report
}

func statusOf(report schedule.Report) models.JobRunStatus {
	switch {
	case report.Skipped > 0:
		return models.JobRunStatusFailed
	case report.Degraded:
		return models.JobRunStatusDegraded
	default:
		return models.JobRunStatusCompleted
	}
}
