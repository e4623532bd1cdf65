package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/basekick-labs/elf/internal/circuitbreaker"
	"github.com/basekick-labs/elf/internal/config"
	"github.com/basekick-labs/elf/internal/export"
	"github.com/basekick-labs/elf/internal/history"
	"github.com/basekick-labs/elf/internal/pipeline"
	"github.com/basekick-labs/elf/internal/storage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newConvertCommand(a *app) *cobra.Command {
	var (
		format      string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "convert [paths...]",
		Short: "Convert ELF files held in storage",
		Long: `Convert ELF files from the configured storage backend (local, s3, azure).
Paths are object paths relative to the backend. Without paths every object under
convert.input_prefix ending in one of convert.suffixes is converted.

File formats (ndjson, msgpack, parquet) are written next to the input under
convert.output_prefix. The sql format loads records into sql.table and the mqtt
format publishes one message per record to mqtt.topic.

With history.enabled, discovered files already converted to the same format are
skipped and every conversion is recorded. Paths given explicitly are always converted.

Examples:
  elf convert
  elf convert logs/u_ex210101.log.gz --format parquet
  elf convert --format sql --concurrency 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("format") {
				cfg.Convert.Format = strings.ToLower(format)
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Convert.Concurrency = concurrency
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runConvert(ctx, cfg, args, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&format, "format", "", "export format: "+strings.Join(export.Formats, ", ")+" (default: convert.format)")
	flags.IntVarP(&concurrency, "concurrency", "j", 0, "files converted in parallel (default: convert.concurrency)")
	return cmd
}

// runConvert converts paths, or the discovered input when paths is empty, and
// prints one row per file. It fails when any file failed.
func runConvert(ctx context.Context, cfg *config.Config, paths []string, out io.Writer) error {
	backend, err := storage.New(&cfg.Storage, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer backend.Close()

	factory, err := export.NewFactory(ctx, cfg, backend, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize %s exporter: %w", cfg.Convert.Format, err)
	}
	defer factory.Close()

	store, err := openHistory(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	if len(paths) == 0 {
		paths, err = pipeline.Discover(ctx, backend, cfg.Convert.InputPrefix, cfg.Convert.Suffixes)
		if err != nil {
			return err
		}
		if paths, err = skipConverted(ctx, store, paths); err != nil {
			return err
		}
		if len(paths) == 0 {
			fmt.Fprintf(out, "No files to convert under %q\n", cfg.Convert.InputPrefix)
			return nil
		}
	}

	runner, err := newRunner(cfg, backend, factory)
	if err != nil {
		return err
	}

	results, runErr := runner.Run(ctx, paths)
	if store != nil {
		if err := store.Record(context.WithoutCancel(ctx), results); err != nil {
			log.Error().Err(err).Msg("Failed to record conversion history")
		}
	}
	if err := renderResults(out, results); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if failed := pipeline.Failed(results); failed > 0 {
		return fmt.Errorf("%d of %d files failed to convert", failed, len(results))
	}
	return nil
}

func renderResults(w io.Writer, results []pipeline.Result) error {
	table := newTable(w)
	table.Header([]string{"File", "Output", "Records", "Lines", "Duration", "Status"})
	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = r.Err.Error()
		}
		row := []string{
			r.Path,
			r.Output,
			strconv.Itoa(r.Records),
			strconv.Itoa(r.Lines),
			r.Duration.Round(time.Millisecond).String(),
			status,
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

// newRunner builds the conversion runner used by convert and the serve scheduler
func newRunner(cfg *config.Config, backend storage.Backend, factory *export.Factory) (*pipeline.Runner, error) {
	opts, err := cfg.Parser.Options()
	if err != nil {
		return nil, err
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.Convert.BreakerFailures > 0 {
		breaker = circuitbreaker.New(&circuitbreaker.Config{
			Name:           cfg.Convert.Format,
			MaxFailures:    cfg.Convert.BreakerFailures,
			Timeout:        time.Duration(cfg.Convert.BreakerTimeout) * time.Second,
			HalfOpenProbes: 1,
		}, log.Logger)
	}

	return pipeline.NewRunner(backend, factory, pipeline.Config{
		Concurrency:   cfg.Convert.Concurrency,
		InputPrefix:   cfg.Convert.InputPrefix,
		OutputPrefix:  cfg.Convert.OutputPrefix,
		ParserOptions: opts,
		Breaker:       breaker,
	}, log.Logger), nil
}

// openHistory opens the conversion history, nil when history is disabled
func openHistory(cfg *config.Config) (*history.Store, error) {
	if !cfg.History.Enabled {
		return nil, nil
	}
	store, err := history.Open(cfg.History.Path, cfg.Convert.Format, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversion history: %w", err)
	}
	return store, nil
}

// skipConverted drops paths the history records as converted
func skipConverted(ctx context.Context, store *history.Store, paths []string) ([]string, error) {
	if store == nil {
		return paths, nil
	}
	pending := paths[:0:0]
	for _, p := range paths {
		converted, err := store.Converted(ctx, p)
		if err != nil {
			return nil, err
		}
		if !converted {
			pending = append(pending, p)
		}
	}
	return pending, nil
}
