package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or a descriptor such
// as "@hourly" or "@every 5m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

// Job is one unit of background work. The context is cancelled when the
// scheduler stops.
type Job func(ctx context.Context) error

// Scheduler runs named jobs on cron schedules. A job never overlaps
// with itself; a run that is still going when the next tick fires is
// skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "cron").Logger()
	adapter := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers job under name. An empty spec leaves the job disabled
// and is not an error.
func (s *Scheduler) Add(name, spec string, job Job) error {
	if name == "" {
		return errors.New("cron: job name is required")
	}
	if job == nil {
		return fmt.Errorf("cron: job %s has no function", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("cron: job %s already registered", name)
	}
	s.jobs[name] = job

	if spec == "" {
		s.logger.Info().Str("job", name).Msg("Job disabled, no schedule")
		return nil
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		delete(s.jobs, name)
		return fmt.Errorf("cron: job %s: %w", name, err)
	}
	s.entries[name] = s.cron.Schedule(sched, cron.FuncJob(func() { s.run(name, job) }))
	s.logger.Debug().Str("job", name).Str("schedule", spec).Msg("Job scheduled")
	return nil
}

// RunNow runs a registered job once, synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: unknown job %s", name)
	}
	return job(ctx)
}

func (s *Scheduler) run(name string, job Job) {
	start := time.Now()
	err := job(s.ctx)
	log := s.logger.With().Str("job", name).Dur("duration", time.Since(start)).Logger()
	if err != nil {
		log.Error().Err(err).Msg("Job failed")
		return
	}
	log.Debug().Msg("Job finished")
}

// Next returns the next scheduled run of name.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	if !entry.Valid() {
		return time.Time{}, false
	}
	return entry.Next, true
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
