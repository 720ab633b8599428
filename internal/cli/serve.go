package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/transformflow/internal/activity"
	"github.com/roach88/transformflow/internal/api"
	"github.com/roach88/transformflow/internal/artifact"
	"github.com/roach88/transformflow/internal/config"
	"github.com/roach88/transformflow/internal/engine"
	"github.com/roach88/transformflow/internal/metrics"
	"github.com/roach88/transformflow/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the HTTP API",
		Long: `Run the orchestration engine and serve the HTTP API.

On start the engine redelivers undelivered audit messages and resumes every
instance that is neither finished nor waiting for a review. Interrupt to
stop; in-flight steps are re-run on the next start.

Example:
  transformd serve --config ./transformflow.yaml
  transformd serve --db /tmp/tf.db --addr :9090 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("opening database", zap.String("path", cfg.Store.Path))
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", zap.Error(closeErr))
		}
	}()

	acts, closeAdapters, err := buildAdapters(ctx, cfg, st, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure activities", err)
	}
	defer closeAdapters()

	m := metrics.New()
	e := engine.New(st, acts,
		engine.WithPolicy(policy(cfg)),
		engine.WithLogger(logger),
		engine.WithMetrics(m),
	)
	srv, err := api.NewServer(e, logger, api.WithHealth(st.Ping), api.WithMetrics(m))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create server", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := e.Start(gctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		return srv.Start(cfg.Server.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	e.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("stopped gracefully")
	return nil
}

// buildAdapters wires the production activities from cfg. The returned
// func releases the connections it opened.
func buildAdapters(ctx context.Context, cfg *config.Config, st *store.Store, logger *zap.Logger) (*activity.Adapters, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*activity.Adapters, func(), error) {
		closeAll()
		return nil, nil, err
	}

	var artifacts activity.ArtifactRepository = st
	if cfg.Artifacts.Backend == config.BackendPostgres {
		repo, err := artifact.Connect(ctx, cfg.Artifacts.PostgresDSN)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, repo.Close)
		artifacts = repo
	}

	reasoner, err := activity.NewOpenAIReasoner(activity.CompletionConfig{
		BaseURL: cfg.Completion.BaseURL,
		Model:   cfg.Completion.Model,
		Token:   cfg.Completion.Token,
	}, logger)
	if err != nil {
		return fail(err)
	}

	jobs, err := activity.NewJobClient(activity.JobConfig{
		BaseURL:      cfg.Jobs.BaseURL,
		PollInterval: cfg.Jobs.PollInterval,
		Timeout:      cfg.Jobs.Timeout,
	}, nil, logger)
	if err != nil {
		return fail(err)
	}

	var sink activity.Sink = activity.NewLogSink(logger)
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("transformd"))
		if err != nil {
			return fail(fmt.Errorf("connect nats: %w", err))
		}
		closers = append(closers, nc.Close)
		sink = activity.MultiSink{activity.NewNATSSink(nc, cfg.NATS.SubjectPrefix), sink}
	}

	acts := &activity.Adapters{
		Detector:  activity.NewChangeDetector(artifacts, activity.FileFingerprinter{Root: cfg.Fingerprint.Root}, logger),
		Planner:   reasoner,
		Executor:  jobs,
		Integrity: activity.NewIntegrityChecker(jobs),
		Artifacts: artifacts,
		Sink:      sink,
	}
	if err := acts.Validate(); err != nil {
		return fail(err)
	}
	return acts, closeAll, nil
}
