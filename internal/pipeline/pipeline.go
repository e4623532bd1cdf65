// Package pipeline converts ELF files held in a storage backend into an export format.
package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/basekick-labs/elf/internal/circuitbreaker"
	"github.com/basekick-labs/elf/internal/elf"
	"github.com/basekick-labs/elf/internal/export"
	"github.com/basekick-labs/elf/internal/input"
	"github.com/basekick-labs/elf/internal/metrics"
	"github.com/basekick-labs/elf/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ExporterFactory creates the exporter for one converted file
type ExporterFactory interface {
	New(ctx context.Context, outputPath string) (export.Exporter, error)
	// Extension is the suffix of written files, empty when nothing is written to storage
	Extension() string
}

// Result describes the conversion of one file
type Result struct {
	JobID    string
	Path     string
	Output   string
	Records  int
	Lines    int
	Bytes    int64
	Duration time.Duration
	Err      error
}

// Config holds Runner settings
type Config struct {
	Concurrency   int
	InputPrefix   string
	OutputPrefix  string
	ParserOptions []elf.Option
	// Breaker, when set, stops starting files while the export destination keeps failing
	Breaker *circuitbreaker.CircuitBreaker
}

// Runner converts files concurrently, one parse session per file
type Runner struct {
	backend     storage.Backend
	exporters   ExporterFactory
	concurrency int
	inputPrefix string
	outPrefix   string
	parserOpts  []elf.Option
	breaker     *circuitbreaker.CircuitBreaker
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

func NewRunner(backend storage.Backend, exporters ExporterFactory, cfg Config, logger zerolog.Logger) *Runner {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runner{
		backend:     backend,
		exporters:   exporters,
		concurrency: concurrency,
		inputPrefix: cfg.InputPrefix,
		outPrefix:   cfg.OutputPrefix,
		parserOpts:  cfg.ParserOptions,
		breaker:     cfg.Breaker,
		logger:      logger.With().Str("component", "pipeline").Logger(),
		metrics:     metrics.Get(),
	}
}

// Run converts every path and returns one Result per path, in input order.
// A failed file does not stop the others. The returned error is only set when
// ctx was cancelled; files not started by then carry ctx.Err() in their Result.
func (r *Runner) Run(ctx context.Context, paths []string) ([]Result, error) {
	results := make([]Result, len(paths))

	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(paths); j++ {
				results[j] = Result{Path: paths[j], Err: err}
			}
			break
		}
		g.Go(func() error {
			results[i] = r.Convert(ctx, p)
			return nil
		})
	}
	g.Wait()

	failed := Failed(results)
	r.logger.Info().
		Int("files", len(paths)).
		Int("failed", failed).
		Msg("Conversion run finished")

	return results, ctx.Err()
}

// Convert runs one file through a parse session and an exporter
func (r *Runner) Convert(ctx context.Context, p string) Result {
	start := time.Now()
	res := Result{
		JobID:  uuid.New().String(),
		Path:   p,
		Output: r.OutputPath(p),
	}
	logger := r.logger.With().Str("job_id", res.JobID).Str("path", p).Logger()

	r.metrics.IncConvertJobs()

	if r.breaker != nil {
		if err := r.breaker.Allow(); err != nil {
			res.Err = err
			r.metrics.IncConvertFailed()
			logger.Warn().Err(err).Msg("Skipping file, export destination unavailable")
			return res
		}
	}

	r.metrics.IncParseSessions()
	var exportErr error
	res.Err = r.convert(ctx, &res, &exportErr, logger)
	res.Duration = time.Since(start)
	if r.breaker != nil {
		r.breaker.Record(exportErr)
	}

	if res.Err != nil {
		r.metrics.IncConvertFailed()
		r.metrics.IncParseError(res.Err)
		logger.Error().Err(res.Err).
			Int("records", res.Records).
			Dur("duration", res.Duration).
			Msg("Conversion failed")
		return res
	}

	r.metrics.IncConvertSuccess()
	r.metrics.IncExportRecords(int64(res.Records))
	if res.Output != "" {
		r.metrics.IncExportFiles()
	}
	logger.Info().
		Str("output", res.Output).
		Int("records", res.Records).
		Int("lines", res.Lines).
		Int64("bytes", res.Bytes).
		Dur("duration", res.Duration).
		Msg("Converted file")
	return res
}

// convert reports failures of the export destination through exportErr as well,
// parse failures only through the returned error
func (r *Runner) convert(ctx context.Context, res *Result, exportErr *error, logger zerolog.Logger) error {
	opts := append([]elf.Option{elf.WithLogger(logger)}, r.parserOpts...)
	session, src, err := input.OpenSession(ctx, r.backend, res.Path, opts...)
	if err != nil {
		return err
	}
	defer func() {
		res.Lines = session.LinesRead()
		res.Records = session.RecordsRead()
		res.Bytes = src.BytesRead()
		r.metrics.IncParseLines(int64(res.Lines))
		r.metrics.IncParseRecords(int64(res.Records))
		r.metrics.IncParseBytes(res.Bytes)
		session.Close()
	}()

	exp, err := r.exporters.New(ctx, res.Output)
	if err != nil {
		r.metrics.IncExportErrors()
		*exportErr = err
		return fmt.Errorf("failed to create exporter: %w", err)
	}
	if err := exp.Begin(session.Schema()); err != nil {
		r.metrics.IncExportErrors()
		*exportErr = err
		exp.Abort(err)
		return err
	}

	for record, err := range session.All() {
		if err == nil {
			err = ctx.Err()
		}
		if err == nil {
			if err = exp.Write(record); err != nil {
				r.metrics.IncExportErrors()
				*exportErr = err
			}
		}
		if err != nil {
			exp.Abort(err)
			return err
		}
	}

	if err := exp.Close(); err != nil {
		r.metrics.IncExportErrors()
		*exportErr = err
		return fmt.Errorf("failed to commit export: %w", err)
	}
	return nil
}

// compressionSuffixes are stripped before the extension is replaced
var compressionSuffixes = []string{".gz", ".zst"}

// BreakerStats returns the export destination breaker statistics, nil without a breaker
func (r *Runner) BreakerStats() map[string]interface{} {
	if r.breaker == nil {
		return nil
	}
	return r.breaker.Stats()
}

// OutputPath maps an input object path to its converted path:
// the input prefix is replaced by the output prefix and the extension by the
// exporter's. It is empty when the exporter does not write files.
func (r *Runner) OutputPath(p string) string {
	ext := r.exporters.Extension()
	if ext == "" {
		return ""
	}
	return OutputPath(p, r.inputPrefix, r.outPrefix, ext)
}

// OutputPath is Runner.OutputPath for explicit prefixes and extension
func OutputPath(p, inputPrefix, outputPrefix, ext string) string {
	rel := strings.TrimPrefix(p, inputPrefix)
	rel = strings.TrimPrefix(rel, "/")
	for _, suffix := range compressionSuffixes {
		rel = strings.TrimSuffix(rel, suffix)
	}
	rel = strings.TrimSuffix(rel, path.Ext(rel)) + ext
	if outputPrefix == "" {
		return rel
	}
	return path.Join(outputPrefix, rel)
}

// Discover lists the objects under prefix ending in one of suffixes.
// All objects are returned when suffixes is empty.
func Discover(ctx context.Context, backend storage.Backend, prefix string, suffixes []string) ([]string, error) {
	objects, err := backend.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	if len(suffixes) == 0 {
		return objects, nil
	}

	out := objects[:0:0]
	for _, obj := range objects {
		for _, suffix := range suffixes {
			if strings.HasSuffix(obj, suffix) {
				out = append(out, obj)
				break
			}
		}
	}
	return out, nil
}

// Failed counts results with an error
func Failed(results []Result) int {
	n := 0
	for _, res := range results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Tracker remembers converted inputs so repeated runs skip them
type Tracker struct {
	mu   sync.Mutex
	done map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{done: make(map[string]struct{})}
}

// Seen reports whether p was marked done
func (t *Tracker) Seen(p string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.done[p]
	return ok
}

// MarkDone records the successful results
func (t *Tracker) MarkDone(results []Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, res := range results {
		if res.Err == nil {
			t.done[res.Path] = struct{}{}
		}
	}
}
