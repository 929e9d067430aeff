// Package scheduler fires strategy runs on fixed cadences with staggered
// phases. Each job owns a single-slot guard so a run never overlaps the
// previous run of the same job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/postharvest/internal/clock/system"
	"github.com/JakeFAU/postharvest/internal/harvest"
	"github.com/JakeFAU/postharvest/internal/metrics"
)

var (
	// ErrBusy is returned by RunOnce when the job is already running.
	ErrBusy = errors.New("job is already running")
	// ErrNotRunning is returned by Trigger before Run starts or after it stops.
	ErrNotRunning = errors.New("scheduler is not running")
)

var tracer = otel.Tracer("github.com/JakeFAU/postharvest/internal/scheduler")

// RunFunc executes one strategy run.
type RunFunc func(ctx context.Context) (harvest.RunReport, error)

// Job is one scheduled strategy. A zero Cadence makes the job manual-only.
type Job struct {
	Name    string
	Cadence time.Duration
	Offset  time.Duration
	Run     RunFunc
}

// JobStats is the observable state of a job.
type JobStats struct {
	Name         string             `json:"name"`
	Cadence      string             `json:"cadence"`
	Running      bool               `json:"running"`
	Runs         int                `json:"runs"`
	Skips        int                `json:"skips"`
	LastStarted  time.Time          `json:"last_started,omitzero"`
	LastFinished time.Time          `json:"last_finished,omitzero"`
	LastStatus   string             `json:"last_status,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
	LastReport   *harvest.RunReport `json:"last_report,omitempty"`
}

type entry struct {
	job   Job
	slot  chan struct{}
	stats JobStats
}

// Scheduler owns the job loops.
type Scheduler struct {
	entries map[string]*entry
	order   []string
	clock   harvest.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	stopped bool
	wg      sync.WaitGroup
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock used for run timestamps.
func WithClock(clock harvest.Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New validates jobs and builds a Scheduler.
func New(jobs []Job, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		entries: make(map[string]*entry, len(jobs)),
		clock:   system.New(),
		logger:  logger.Named("scheduler"),
	}
	for _, job := range jobs {
		switch {
		case job.Name == "":
			return nil, fmt.Errorf("job name is required: %w", harvest.ErrInvalidInput)
		case job.Run == nil:
			return nil, fmt.Errorf("job %s has no run function: %w", job.Name, harvest.ErrInvalidInput)
		case job.Cadence < 0 || job.Offset < 0:
			return nil, fmt.Errorf("job %s: cadence and offset must be >= 0: %w", job.Name, harvest.ErrInvalidInput)
		}
		if _, dup := s.entries[job.Name]; dup {
			return nil, fmt.Errorf("duplicate job %s: %w", job.Name, harvest.ErrInvalidInput)
		}
		s.entries[job.Name] = &entry{
			job:   job,
			slot:  make(chan struct{}, 1),
			stats: JobStats{Name: job.Name, Cadence: job.Cadence.String()},
		}
		s.order = append(s.order, job.Name)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run starts one loop per job and blocks until ctx is cancelled. It then
// refuses new triggers and waits for in-flight runs, which observe the same
// ctx and stop after their current target.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.ctx = ctx
	s.mu.Unlock()

	var loops sync.WaitGroup
	for _, name := range s.order {
		e := s.entries[name]
		if e.job.Cadence <= 0 {
			s.logger.Info("job is manual only", zap.String("job", name))
			continue
		}
		loops.Add(1)
		go func() {
			defer loops.Done()
			s.loop(ctx, e)
		}()
	}
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.order)))

	<-ctx.Done()
	loops.Wait()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	logger := s.logger.With(zap.String("job", e.job.Name))
	logger.Info("job scheduled", zap.Duration("cadence", e.job.Cadence), zap.Duration("offset", e.job.Offset))

	timer := time.NewTimer(e.job.Offset)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.fire(ctx, e)

	ticker := time.NewTicker(e.job.Cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, e)
		}
	}
}

// Trigger fires the named job now. It reports false when the previous run
// is still active and the trigger was skipped.
func (s *Scheduler) Trigger(name string) (bool, error) {
	s.mu.Lock()
	ctx, stopped := s.ctx, s.stopped
	s.mu.Unlock()
	if ctx == nil || stopped || ctx.Err() != nil {
		return false, ErrNotRunning
	}
	e, ok := s.entries[name]
	if !ok {
		return false, fmt.Errorf("job %s: %w", name, harvest.ErrNotFound)
	}
	return s.fire(ctx, e), nil
}

// RunOnce executes the named job synchronously under the same guard as
// scheduled runs.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (harvest.RunReport, error) {
	e, ok := s.entries[name]
	if !ok {
		return harvest.RunReport{}, fmt.Errorf("job %s: %w", name, harvest.ErrNotFound)
	}
	if !s.acquire(e) {
		return harvest.RunReport{}, fmt.Errorf("job %s: %w", name, ErrBusy)
	}
	defer s.release(e)
	return s.execute(ctx, e)
}

// Stats returns a snapshot of every job in registration order.
func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStats, 0, len(s.order))
	for _, name := range s.order {
		st := s.entries[name].stats
		if st.LastReport != nil {
			report := *st.LastReport
			st.LastReport = &report
		}
		out = append(out, st)
	}
	return out
}

// fire starts a run in its own goroutine unless one is already active.
func (s *Scheduler) fire(ctx context.Context, e *entry) bool {
	if !s.acquire(e) {
		return false
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.release(e)
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.release(e)
		_, _ = s.execute(ctx, e)
	}()
	return true
}

func (s *Scheduler) acquire(e *entry) bool {
	select {
	case e.slot <- struct{}{}:
		s.mu.Lock()
		e.stats.Running = true
		s.mu.Unlock()
		return true
	default:
		s.mu.Lock()
		e.stats.Skips++
		s.mu.Unlock()
		metrics.ObserveStrategySkip(e.job.Name)
		s.logger.Warn("previous run still active, skipping", zap.String("job", e.job.Name))
		return false
	}
}

func (s *Scheduler) release(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.stats.Running = false
	<-e.slot
}

// execute runs the job, converting a panic into an error.
func (s *Scheduler) execute(ctx context.Context, e *entry) (report harvest.RunReport, err error) {
	logger := s.logger.With(zap.String("job", e.job.Name))
	s.mu.Lock()
	e.stats.LastStarted = s.clock.Now()
	s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "job "+e.job.Name)
	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			err = fmt.Errorf("job %s panicked: %v", e.job.Name, r)
			metrics.ObserveStrategyRun(e.job.Name, status)
			logger.Error("job panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		s.mu.Lock()
		e.stats.Runs++
		e.stats.LastFinished = s.clock.Now()
		e.stats.LastStatus = status
		e.stats.LastError = ""
		if err != nil {
			e.stats.LastError = err.Error()
		}
		last := report
		e.stats.LastReport = &last
		s.mu.Unlock()
		span.SetAttributes(attribute.String("status", status))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, status)
		}
		span.End()
	}()

	report, err = e.job.Run(ctx)
	if err != nil {
		status = "error"
		logger.Warn("job finished with error", zap.Error(err))
	}
	return report, err
}
