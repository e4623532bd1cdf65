// Package shutdown stops the long-running parts of the serve command in a fixed order.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer is anything released with Close, such as a storage backend or an exporter factory
type Closer interface {
	Close() error
}

// Func is a shutdown step that can honour the shutdown deadline
type Func func(ctx context.Context) error

// Steps run in ascending priority. Steps with equal priority keep registration order.
const (
	PriorityHTTPServer = 10 // stop accepting parse requests
	PriorityScheduler  = 20 // let an in-flight conversion run finish
	PriorityExporters  = 30 // shared database pools and broker clients
	PriorityStorage    = 40
)

// Coordinator runs registered shutdown steps once, bounded by a timeout
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	once        sync.Once
	triggerOnce sync.Once
	triggered   chan struct{}
}

type step struct {
	name     string
	priority int
	fn       Func
}

// New creates a coordinator; Shutdown gives up on remaining steps after timeout
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout:   timeout,
		logger:    logger.With().Str("component", "shutdown").Logger(),
		triggered: make(chan struct{}),
	}
}

// Register closes c during shutdown
func (c *Coordinator) Register(name string, closer Closer, priority int) {
	c.RegisterFunc(name, func(context.Context) error { return closer.Close() }, priority)
}

// RegisterFunc runs fn during shutdown
func (c *Coordinator) RegisterFunc(name string, fn Func, priority int) {
	c.mu.Lock()
	c.steps = append(c.steps, step{name: name, priority: priority, fn: fn})
	c.mu.Unlock()

	c.logger.Debug().
		Str("name", name).
		Int("priority", priority).
		Msg("Registered shutdown step")
}

// WaitForSignal blocks until SIGINT or SIGTERM arrives or Trigger is called
func (c *Coordinator) WaitForSignal() os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		return sig
	case <-c.triggered:
		return syscall.SIGTERM
	}
}

// Trigger releases WaitForSignal. Safe to call from several goroutines.
func (c *Coordinator) Trigger() {
	c.triggerOnce.Do(func() {
		c.logger.Info().Msg("Programmatic shutdown triggered")
		close(c.triggered)
	})
}

// Shutdown runs every step in priority order. A failing step does not stop the
// following ones; the first error is returned. Later calls are no-ops.
func (c *Coordinator) Shutdown() error {
	var firstErr error

	c.once.Do(func() {
		c.triggerOnce.Do(func() { close(c.triggered) })

		c.mu.Lock()
		steps := slices.Clone(c.steps)
		c.mu.Unlock()
		slices.SortStableFunc(steps, func(a, b step) int { return a.priority - b.priority })

		c.logger.Info().
			Dur("timeout", c.timeout).
			Int("steps", len(steps)).
			Msg("Starting graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		start := time.Now()

		for _, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().Str("step", s.name).Msg("Shutdown timeout reached, skipping remaining steps")
				if firstErr == nil {
					firstErr = ctx.Err()
				}
				return
			}

			if err := s.fn(ctx); err != nil {
				c.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			c.logger.Debug().Str("step", s.name).Msg("Shutdown step complete")
		}

		c.logger.Info().Dur("duration", time.Since(start)).Msg("Graceful shutdown complete")
	})

	return firstErr
}
