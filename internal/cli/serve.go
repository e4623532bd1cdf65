package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/basekick-labs/elf/internal/api"
	"github.com/basekick-labs/elf/internal/auth"
	"github.com/basekick-labs/elf/internal/config"
	"github.com/basekick-labs/elf/internal/export"
	"github.com/basekick-labs/elf/internal/history"
	"github.com/basekick-labs/elf/internal/metrics"
	"github.com/basekick-labs/elf/internal/scheduler"
	"github.com/basekick-labs/elf/internal/shutdown"
	"github.com/basekick-labs/elf/internal/storage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// tokenCacheTTL bounds how long a verified bearer token skips bcrypt
const tokenCacheTTL = 5 * time.Minute

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP parse service",
		Long: `Run the HTTP service. POST /api/v1/parse parses a request body holding an
ELF stream. When convert.schedule is set, files under convert.input_prefix are also
converted on that cron schedule and can be converted on demand with
POST /api/v1/convert/run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(a.cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	log.Info().Str("version", Version).Msg("Starting elf...")
	metrics.Init(log.Logger)

	serverCfg := api.ServerConfigFrom(&cfg.Server)
	if cfg.Auth.Enabled {
		verifier, err := auth.NewVerifier(cfg.Auth.TokenHash, tokenCacheTTL, log.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize auth: %w", err)
		}
		serverCfg.Verifier = verifier
		log.Info().Msg("Bearer token authentication enabled")
	} else {
		log.Warn().Msg("Authentication is disabled")
	}

	server := api.NewServer(serverCfg, log.Logger)
	server.RegisterRoutes()
	api.NewParseHandler(cfg.Parser, serverCfg.MaxPayloadSize, log.Logger).RegisterRoutes(server.GetApp())

	coord := shutdown.New(serverCfg.ShutdownTimeout, log.Logger)
	coord.RegisterFunc("http-server", func(ctx context.Context) error {
		timeout := serverCfg.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		return server.Shutdown(timeout)
	}, shutdown.PriorityHTTPServer)

	if cfg.Convert.Schedule != "" {
		sched, store, err := startConvertScheduler(cfg, coord)
		if err != nil {
			coord.Shutdown()
			return err
		}
		api.NewConvertHandler(sched, store, log.Logger).RegisterRoutes(server.GetApp())
	}

	if err := server.Start(); err != nil {
		coord.Shutdown()
		return err
	}

	coord.WaitForSignal()
	return coord.Shutdown()
}

// startConvertScheduler wires storage, exporters and the pipeline into a
// running scheduler and registers each of them for shutdown
func startConvertScheduler(cfg *config.Config, coord *shutdown.Coordinator) (*scheduler.ConvertScheduler, *history.Store, error) {
	backend, err := storage.New(&cfg.Storage, log.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	coord.Register("storage", backend, shutdown.PriorityStorage)

	factory, err := export.NewFactory(context.Background(), cfg, backend, log.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize %s exporter: %w", cfg.Convert.Format, err)
	}
	coord.Register("exporters", factory, shutdown.PriorityExporters)

	store, err := openHistory(cfg)
	if err != nil {
		return nil, nil, err
	}
	if store != nil {
		coord.Register("history", store, shutdown.PriorityExporters)
	}

	runner, err := newRunner(cfg, backend, factory)
	if err != nil {
		return nil, nil, err
	}

	sched, err := scheduler.NewConvertScheduler(&scheduler.ConvertSchedulerConfig{
		Runner:      runner,
		Backend:     backend,
		InputPrefix: cfg.Convert.InputPrefix,
		Suffixes:    cfg.Convert.Suffixes,
		Schedule:    cfg.Convert.Schedule,
		Logger:      log.Logger,

		History:         store,
		FailedRetention: time.Duration(cfg.History.FailedRetentionDays) * 24 * time.Hour,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("invalid convert.schedule: %w", err)
	}
	if err := sched.Start(); err != nil {
		return nil, nil, err
	}
	coord.RegisterFunc("convert-scheduler", func(context.Context) error {
		sched.Stop()
		return nil
	}, shutdown.PriorityScheduler)

	return sched, store, nil
}
