package api

import (
	"context"
	"errors"
	"time"

	"github.com/basekick-labs/elf/internal/history"
	"github.com/basekick-labs/elf/internal/pipeline"
	"github.com/basekick-labs/elf/internal/scheduler"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// ConvertRunner is the part of the convert scheduler driven over HTTP
type ConvertRunner interface {
	RunNow(ctx context.Context) ([]pipeline.Result, error)
	Status() map[string]interface{}
}

// ConvertHandler exposes scheduled conversion status and manual runs
type ConvertHandler struct {
	runner  ConvertRunner
	history *history.Store
	logger  zerolog.Logger
}

type convertResult struct {
	JobID      string `json:"job_id,omitempty"`
	Path       string `json:"path"`
	Output     string `json:"output,omitempty"`
	Records    int    `json:"records"`
	Lines      int    `json:"lines"`
	Bytes      int64  `json:"bytes"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// NewConvertHandler creates the handler. store may be nil when no history is kept.
func NewConvertHandler(runner ConvertRunner, store *history.Store, logger zerolog.Logger) *ConvertHandler {
	return &ConvertHandler{
		runner:  runner,
		history: store,
		logger:  logger.With().Str("component", "convert-handler").Logger(),
	}
}

// RegisterRoutes registers the conversion endpoints
func (h *ConvertHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/api/v1/convert/status", h.status)
	app.Post("/api/v1/convert/run", h.run)
	if h.history != nil {
		app.Get("/api/v1/convert/history", h.jobs)
	}
}

func (h *ConvertHandler) status(c *fiber.Ctx) error {
	return c.JSON(h.runner.Status())
}

// run converts pending files now and reports every file of the run
func (h *ConvertHandler) run(c *fiber.Ctx) error {
	results, err := h.runner.RunNow(c.UserContext())
	if errors.Is(err, scheduler.ErrRunInProgress) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	out := make([]convertResult, len(results))
	for i, r := range results {
		out[i] = convertResult{
			JobID:      r.JobID,
			Path:       r.Path,
			Output:     r.Output,
			Records:    r.Records,
			Lines:      r.Lines,
			Bytes:      r.Bytes,
			DurationMs: r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}

	if err != nil {
		h.logger.Error().Err(err).Msg("Manual conversion run failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   err.Error(),
			"results": out,
		})
	}

	return c.JSON(fiber.Map{
		"files":   len(results),
		"failed":  pipeline.Failed(results),
		"results": out,
	})
}

// jobs lists recorded conversions, newest first
func (h *ConvertHandler) jobs(c *fiber.Ctx) error {
	filter := &history.Filter{
		Path:   c.Query("path"),
		Status: c.Query("status"),
		Limit:  c.QueryInt("limit", 100),
		Offset: c.QueryInt("offset", 0),
	}
	if filter.Status != "" && filter.Status != history.StatusSuccess && filter.Status != history.StatusFailed {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "status must be success or failed",
		})
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "since must be an RFC3339 timestamp",
			})
		}
		filter.Since = t
	}

	ctx := c.UserContext()
	jobs, err := h.history.Query(ctx, filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to query conversion history")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to query history"})
	}
	stats, err := h.history.Stats(ctx, filter.Since)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to query conversion history stats")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to query history"})
	}

	return c.JSON(fiber.Map{
		"count": len(jobs),
		"stats": stats,
		"jobs":  jobs,
	})
}
