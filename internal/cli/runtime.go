package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/telecommand/internal/catalog"
	"github.com/roach88/telecommand/internal/engine"
	"github.com/roach88/telecommand/internal/expr"
	"github.com/roach88/telecommand/internal/history"
	"github.com/roach88/telecommand/internal/observability"
	"github.com/roach88/telecommand/internal/sim"
	"github.com/roach88/telecommand/internal/store"
	"github.com/roach88/telecommand/internal/uplink"
)

const (
	memoryDB = ":memory:"

	// recoveredMessage is stored on records a previous process left pending.
	recoveredMessage = "CANCELLED: engine restarted before verification completed"

	shutdownTimeout = 10 * time.Second
)

// runtime is an engine wired to a simulated spacecraft, a history store
// and the configured observability providers.
type runtime struct {
	store   *store.Store
	catalog *catalog.Catalog
	sim     *sim.Simulator
	engine  *engine.Engine
	obs     *observability.Provider
	logger  *slog.Logger
}

// openRuntime loads the catalog, restores persisted history and builds
// the engine. Failures are command errors (exit code 2).
func openRuntime(ctx context.Context, opts *RootOptions, catalogDir, worldPath string) (*runtime, error) {
	cfg := opts.Config
	logger := opts.logger()

	checker, err := expr.NewEvaluator()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create expression evaluator", err)
	}
	cat := catalog.New(checker, catalog.WithLogger(logger))
	report := catalog.LoadInto(cat, catalogDir)
	if len(report.Errors) > 0 {
		return nil, WrapExitError(ExitCommandError, "failed to load catalog "+catalogDir, errors.Join(report.Errors...))
	}
	logger.Debug("catalog loaded", "dir", catalogDir, "commands", len(report.Added), "sequences", len(report.Sequences))

	world := sim.World{Name: "loopback"}
	if worldPath != "" {
		if world, err = sim.Load(worldPath); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load world", err)
		}
	}

	path := cfg.DBPath
	if path == "" {
		path = memoryDB
	}
	st, err := store.Open(path, store.WithLogger(logger.With("component", "store")))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	ledger, err := restoreLedger(ctx, st, logger)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to restore history", err)
	}

	obs, err := observability.New(ctx, observability.Config{
		Endpoint: cfg.OTLPEndpoint,
		Insecure: cfg.OTLPInsecure,
	}, observability.WithLogger(logger.With("component", "observability")))
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to set up observability", err)
	}
	metrics, err := engine.NewMetrics(obs.MeterProvider(), obs.TracerProvider())
	if err != nil {
		_ = obs.Shutdown(ctx)
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create metrics", err)
	}

	spacecraft := sim.New(world, sim.WithLogger(logger.With("component", "sim")))
	var up uplink.Uplink = spacecraft
	if cfg.UplinkRate > 0 {
		up = uplink.RateLimited(up, rate.NewLimiter(rate.Limit(cfg.UplinkRate), cfg.UplinkBurst))
	}

	eng, err := engine.New(cat, spacecraft.Hub(), up, ledger,
		engine.WithMetrics(metrics),
		engine.WithLogger(logger),
		engine.WithContinueOnRejection(cfg.ContinueOnRejection),
	)
	if err != nil {
		spacecraft.Stop()
		_ = obs.Shutdown(ctx)
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create engine", err)
	}

	return &runtime{
		store:   st,
		catalog: cat,
		sim:     spacecraft,
		engine:  eng,
		obs:     obs,
		logger:  logger,
	}, nil
}

// restoreLedger aborts records orphaned by a previous process and loads
// the rest so new records continue the seq.
func restoreLedger(ctx context.Context, st *store.Store, logger *slog.Logger) (*history.Ledger, error) {
	recovered, err := st.RecoverPending(ctx, time.Now().UTC(), recoveredMessage)
	if err != nil {
		return nil, err
	}
	if len(recovered) > 0 {
		logger.Warn("aborted records left pending by a previous run", "count", len(recovered))
	}
	records, err := st.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	ledger := history.NewLedger(history.WithStore(st), history.WithLogger(logger.With("component", "history")))
	if err := ledger.Restore(records); err != nil {
		return nil, err
	}
	return ledger, nil
}

// Close waits for outstanding verifications and releases resources.
func (r *runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := r.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
	}
	r.sim.Stop()
	if err := r.obs.Shutdown(ctx); err != nil {
		r.logger.Warn("observability shutdown", "error", err)
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
