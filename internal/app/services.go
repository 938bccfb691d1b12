package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/settlement/internal/aging"
	jobmetrics "github.com/odyssey-erp/settlement/internal/jobs"
	"github.com/odyssey-erp/settlement/internal/periods"
	"github.com/odyssey-erp/settlement/internal/settlement"
	"github.com/odyssey-erp/settlement/internal/shared"
)

// Services is the settlement object graph shared by the API server, the
// worker and the operator CLI.
type Services struct {
	Repository  settlement.Repository
	Collector   *settlement.Collector
	Propagator  *settlement.Propagator
	Settlement  *settlement.Service
	Aging       *aging.Service
	AgingCache  *aging.Cache
	Idempotency *shared.IdempotencyStore
	Audit       *shared.AuditLogger
	Approvals   *shared.ApprovalRecorder
	JobMetrics  *jobmetrics.Metrics
}

// ServiceDeps are the connections the graph is built on. Redis may be nil,
// which disables both caches.
type ServiceDeps struct {
	Config     *Config
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Logger     *slog.Logger
	JobMetrics *jobmetrics.Metrics
}

// NewServices wires repositories, caches, the propagator and the services.
// The caller installs a queue dispatcher when cascades run on the worker.
func NewServices(deps ServiceDeps) *Services {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.SettlementPolicy()

	repo := settlement.NewRepository(deps.Pool)

	var sums settlement.SumCache
	if deps.Redis != nil && cfg.SumCacheTTL > 0 {
		sums = settlement.NewRedisSumCache(deps.Redis, cfg.SumCacheTTL)
	}
	collector := settlement.NewCollector(repo, sums, policy, logger)

	audit := shared.NewAuditLogger(deps.Pool)
	propagator := settlement.NewPropagator(repo, collector, logger,
		settlement.WithAudit(audit),
		settlement.WithObserver(deps.JobMetrics),
	)

	gate := periods.NewPermissionGate(periods.NewRepository(deps.Pool), logger)
	service := settlement.NewService(repo, collector, propagator, gate, logger)
	approvals := shared.NewApprovalRecorder(deps.Pool, logger)
	service.SetApprovalLogger(approvals)

	var agingCache *aging.Cache
	if deps.Redis != nil {
		agingCache = aging.NewCache(deps.Redis, cfg.AgingCacheTTL)
		service.AddReadModel(agingCache)
	}
	agingService := aging.NewService(repo, collector, cfg.FiscalCalendar(), policy, agingCache, logger)

	return &Services{
		Repository:  repo,
		Collector:   collector,
		Propagator:  propagator,
		Settlement:  service,
		Aging:       agingService,
		AgingCache:  agingCache,
		Idempotency: shared.NewIdempotencyStore(deps.Pool),
		Audit:       audit,
		Approvals:   approvals,
		JobMetrics:  deps.JobMetrics,
	}
}

// ReadModels lists the caches bumped after settlement changes.
func (s *Services) ReadModels() []settlement.ReadModel {
	if s.AgingCache == nil {
		return nil
	}
	return []settlement.ReadModel{s.AgingCache}
}
