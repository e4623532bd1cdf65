package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/basekick-labs/elf/internal/history"
	"github.com/basekick-labs/elf/internal/pipeline"
	"github.com/basekick-labs/elf/internal/storage"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrRunInProgress is returned by RunNow while another conversion run is active
var ErrRunInProgress = errors.New("conversion run already in progress")

// ConvertScheduler periodically converts new ELF files found under a storage prefix
type ConvertScheduler struct {
	runner   *pipeline.Runner
	backend  storage.Backend
	prefix   string
	suffixes []string
	schedule string // Cron schedule (e.g., "*/15 * * * *")
	timeout  time.Duration
	tracker  *pipeline.Tracker
	history  *history.Store
	keep     time.Duration

	cron    *cron.Cron
	running bool
	mu      sync.Mutex
	runMu   sync.Mutex
	logger  zerolog.Logger
}

// ConvertSchedulerConfig holds configuration for the convert scheduler
type ConvertSchedulerConfig struct {
	Runner      *pipeline.Runner
	Backend     storage.Backend
	InputPrefix string
	Suffixes    []string
	Schedule    string        // Cron schedule string (e.g., "*/15 * * * *")
	RunTimeout  time.Duration // Upper bound for one run, 30 minutes when zero
	Logger      zerolog.Logger

	// History, when set, survives restarts: inputs it holds as converted are
	// skipped and every run is recorded in it
	History *history.Store
	// FailedRetention prunes failed jobs older than this; zero keeps them
	FailedRetention time.Duration
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NewConvertScheduler creates a new convert scheduler
func NewConvertScheduler(cfg *ConvertSchedulerConfig) (*ConvertScheduler, error) {
	// Default schedule: every 15 minutes
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "*/15 * * * *"
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, err
	}

	timeout := cfg.RunTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	s := &ConvertScheduler{
		runner:   cfg.Runner,
		backend:  cfg.Backend,
		prefix:   cfg.InputPrefix,
		suffixes: cfg.Suffixes,
		schedule: schedule,
		timeout:  timeout,
		tracker:  pipeline.NewTracker(),
		history:  cfg.History,
		keep:     cfg.FailedRetention,
		logger:   cfg.Logger.With().Str("component", "convert-scheduler").Logger(),
	}

	s.logger.Info().
		Str("schedule", schedule).
		Str("prefix", cfg.InputPrefix).
		Msg("Convert scheduler initialized")

	return s, nil
}

// Start starts the convert scheduler
func (s *ConvertScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Msg("Convert scheduler already running")
		return nil
	}

	s.cron = cron.New(cron.WithParser(cronParser))
	_, err := s.cron.AddFunc(s.schedule, s.runScheduled)
	if err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Time("next_run", s.NextRun()).
		Msg("Convert scheduler started")

	return nil
}

// Stop stops the scheduler and waits for a running conversion to finish.
// Status stays available while it waits.
func (s *ConvertScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.cron
	s.running = false
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	// manual runs are not cron jobs
	s.runMu.Lock()
	s.runMu.Unlock()

	s.logger.Info().Msg("Convert scheduler stopped")
}

func (s *ConvertScheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.RunNow(ctx); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			s.logger.Warn().Msg("Previous conversion still running, skipping tick")
			return
		}
		s.logger.Error().Err(err).Msg("Scheduled conversion failed")
	}
}

// RunNow converts every file under the input prefix not converted before.
// Files whose output already exists in storage, or that the history records as
// converted, count as converted.
func (s *ConvertScheduler) RunNow(ctx context.Context) ([]pipeline.Result, error) {
	if !s.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.runMu.Unlock()

	startTime := time.Now()

	paths, err := pipeline.Discover(ctx, s.backend, s.prefix, s.suffixes)
	if err != nil {
		return nil, err
	}

	pending := make([]string, 0, len(paths))
	for _, p := range paths {
		if s.tracker.Seen(p) {
			continue
		}
		if s.history != nil {
			converted, err := s.history.Converted(ctx, p)
			if err != nil {
				s.logger.Warn().Err(err).Str("path", p).Msg("Failed to check conversion history")
			} else if converted {
				s.tracker.MarkDone([]pipeline.Result{{Path: p}})
				continue
			}
		}
		if out := s.runner.OutputPath(p); out != "" {
			exists, err := s.backend.Exists(ctx, out)
			if err != nil {
				s.logger.Warn().Err(err).Str("path", out).Msg("Failed to check converted output")
			} else if exists {
				s.tracker.MarkDone([]pipeline.Result{{Path: p}})
				continue
			}
		}
		pending = append(pending, p)
	}

	if len(pending) == 0 {
		s.logger.Debug().Int("discovered", len(paths)).Msg("No new files to convert")
		return nil, nil
	}

	results, err := s.runner.Run(ctx, pending)
	s.tracker.MarkDone(results)
	s.record(results)

	s.logger.Info().
		Int("discovered", len(paths)).
		Int("converted", len(results)-pipeline.Failed(results)).
		Int("failed", pipeline.Failed(results)).
		Dur("duration", time.Since(startTime)).
		Msg("Conversion run completed")

	return results, err
}

// record writes results to the history, which outlives ctx of the run
func (s *ConvertScheduler) record(results []pipeline.Result) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.history.Record(ctx, results); err != nil {
		s.logger.Error().Err(err).Msg("Failed to record conversion history")
	}
	if s.keep > 0 {
		if _, err := s.history.PruneFailed(ctx, time.Now().Add(-s.keep)); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to prune conversion history")
		}
	}
}

// NextRun returns the next scheduled run time
func (s *ConvertScheduler) NextRun() time.Time {
	schedule, err := cronParser.Parse(s.schedule)
	if err != nil {
		return time.Time{}
	}
	return schedule.Next(time.Now())
}

// Status returns scheduler status
func (s *ConvertScheduler) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := map[string]interface{}{
		"running":  s.running,
		"schedule": s.schedule,
		"prefix":   s.prefix,
	}
	if s.running {
		status["next_run"] = s.NextRun().Format(time.RFC3339)
	}
	if stats := s.runner.BreakerStats(); stats != nil {
		status["breaker"] = stats
	}
	return status
}

// IsRunning returns whether the scheduler is running
func (s *ConvertScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetSchedule returns the cron schedule string
func (s *ConvertScheduler) GetSchedule() string {
	return s.schedule
}
