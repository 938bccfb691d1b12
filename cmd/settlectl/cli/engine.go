package cli

import (
	"context"
	"log/slog"

	"github.com/odyssey-erp/settlement/internal/aging"
	"github.com/odyssey-erp/settlement/internal/app"
	"github.com/odyssey-erp/settlement/internal/platform/cache"
	"github.com/odyssey-erp/settlement/internal/platform/db"
	"github.com/odyssey-erp/settlement/internal/settlement"
)

// Engine runs settlement operations in-process.
type Engine interface {
	RecomputeStatus(ctx context.Context, number string, variant settlement.Variant) (settlement.Outcome, error)
	RefreshBillStatuses(ctx context.Context) (settlement.CascadeReport, error)
	Reconcile(ctx context.Context) ([]settlement.Finding, error)
	Aging(ctx context.Context, filter aging.Filter) (aging.Report, error)
}

type engine struct {
	services *app.Services
}

func (e engine) RecomputeStatus(ctx context.Context, number string, variant settlement.Variant) (settlement.Outcome, error) {
	outcome, err := e.services.Propagator.RecomputeStatus(ctx, number, variant)
	if err == nil && outcome.Changed {
		for _, m := range e.services.ReadModels() {
			_ = m.Bump(ctx)
		}
	}
	return outcome, err
}

func (e engine) RefreshBillStatuses(ctx context.Context) (settlement.CascadeReport, error) {
	return e.services.Settlement.RefreshBillStatuses(ctx)
}

func (e engine) Reconcile(ctx context.Context) ([]settlement.Finding, error) {
	return e.services.Settlement.Reconcile(ctx)
}

func (e engine) Aging(ctx context.Context, filter aging.Filter) (aging.Report, error) {
	return e.services.Aging.Report(ctx, filter)
}

// openEngine connects to Postgres (and Redis when reachable) and returns the
// engine plus a function releasing the connections.
func openEngine(ctx context.Context, cfg *app.Config, logger *slog.Logger) (Engine, func(), error) {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions())
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){pool.Close}
	deps := app.ServiceDeps{Config: cfg, Pool: pool, Logger: logger}
	if client, err := cache.New(ctx, cfg.RedisOptions()); err != nil {
		logger.Warn("redis unavailable, caches disabled", slog.Any("error", err))
	} else {
		deps.Redis = client
		closers = append(closers, func() { _ = client.Close() })
	}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return engine{services: app.NewServices(deps)}, closeAll, nil
}
