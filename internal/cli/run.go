package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/eventcore/internal/compiler"
	"github.com/roach88/eventcore/internal/config"
	"github.com/roach88/eventcore/internal/engine"
	"github.com/roach88/eventcore/internal/model"
	"github.com/roach88/eventcore/internal/processors"
	"github.com/roach88/eventcore/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Declarations string // overrides declarations.dir
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the stream processors",
		Long: `Start the stream processors declared in the declarations directory.

Every declared processor is registered for every configured tenant and
runs until the command receives SIGINT or SIGTERM. Progress is persisted in
the database, so a restarted run resumes where the previous one stopped.

Example:
  eventcore run --config eventcore.yaml
  eventcore run --db ./events.db --declarations ./processors --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Declarations, "declarations", "", "directory of CUE processor declarations (overrides declarations.dir)")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Declarations != "" {
		cfg.Declarations.Dir = opts.Declarations
	}
	logger := newLogger(opts.RootOptions, cfg, cmd.ErrOrStderr())

	logger.Info("loading declarations", "dir", cfg.Declarations.Dir)
	specs, err := ValidateDeclarationsDir(cfg.Declarations.Dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid declarations", err)
	}
	logger.Info("declarations loaded", "processors", len(specs))

	logger.Info("opening database", "path", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := engine.NewMetrics(reg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to register metrics", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	tenants := newTenantHub(st, cfg, logger, metrics)
	defer func() {
		tenants.StopAll()
		tenants.Wait()
		logger.Info("stream processors stopped")
	}()

	for _, tenant := range cfg.TenantIDs() {
		if err := registerProcessors(ctx, tenants, tenant, specs, st, logger); err != nil {
			return WrapExitError(ExitFailure, "failed to register processors", err)
		}
	}

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsHandler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Running %d processor(s) for %d tenant(s). Press Ctrl-C to stop.\n",
		len(specs), len(cfg.Tenants))

	<-ctx.Done()
	return nil
}

// newTenantHub wires one registry per tenant over the shared store. Each
// tenant gets its own watcher, fed by the store's append hook.
func newTenantHub(st *store.Store, cfg config.Config, logger *slog.Logger, metrics *engine.Metrics) *engine.Tenants {
	watchers := make(map[model.TenantID]*engine.StreamEventWatcher, len(cfg.Tenants))
	for _, tenant := range cfg.TenantIDs() {
		watchers[tenant] = engine.NewStreamEventWatcher()
	}
	st.OnAppend(func(tenant model.TenantID, scope model.ScopeID, stream model.StreamID, position model.StreamPosition) {
		if w, ok := watchers[tenant]; ok {
			w.NotifyForEvent(scope, stream, position)
		}
	})

	return engine.NewTenants(func(tenant model.TenantID) (*engine.StreamProcessors, error) {
		watcher, ok := watchers[tenant]
		if !ok {
			return nil, fmt.Errorf("tenant %s is not configured", tenant)
		}
		tenantLogger := logger.With("tenant", string(tenant))
		states := store.NewResilientStates(st.States(tenant), cfg.StoreRetry(), tenantLogger)
		opts := append(cfg.EngineOptions(),
			engine.WithLogger(tenantLogger),
			engine.WithMetrics(metrics),
		)
		return engine.NewStreamProcessors(tenant, st.Events(tenant), states, watcher, opts...), nil
	})
}

// registerProcessors registers every declared processor for tenant.
func registerProcessors(ctx context.Context, tenants *engine.Tenants, tenant model.TenantID, specs []compiler.ProcessorSpec, st *store.Store, logger *slog.Logger) error {
	registry, err := tenants.ForTenant(tenant)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if _, err := registry.Register(ctx, spec.Definition(), spec.StreamProcessorID(), processorFactory(spec, st, logger)); err != nil {
			return fmt.Errorf("register %s for tenant %s: %w", spec.Name, tenant, err)
		}
	}
	return nil
}

// processorFactory builds the event processor a declaration describes.
func processorFactory(spec compiler.ProcessorSpec, st *store.Store, logger *slog.Logger) engine.EventProcessorFactory {
	return func(tenant model.TenantID) (engine.EventProcessor, error) {
		switch spec.Kind {
		case compiler.KindLog:
			return processors.NewLog(spec.Name, spec.Scope, logger.With("tenant", string(tenant))), nil
		case compiler.KindFilter:
			if spec.Filter == nil {
				return nil, fmt.Errorf("processor %s: filter configuration is missing", spec.Name)
			}
			return processors.NewFilter(spec.Name, spec.Scope, processors.FilterConfig{
				Types:       spec.Filter.Types,
				Target:      spec.Filter.Target,
				Partitioned: spec.Filter.Partitioned,
			}, st.Events(tenant), retryPolicy(spec.Retry))
		default:
			return nil, fmt.Errorf("processor %s: unknown kind %q", spec.Name, spec.Kind)
		}
	}
}

// retryPolicy converts declared retry bounds, keeping defaults for unset ones.
func retryPolicy(r compiler.RetrySpec) processors.RetryPolicy {
	policy := processors.DefaultRetryPolicy()
	if r.Initial > 0 {
		policy.Initial = r.Initial
	}
	if r.Max > 0 {
		policy.Max = r.Max
	}
	return policy
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}
