package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/settlement/internal/jobs"
	"github.com/odyssey-erp/settlement/internal/settlement"
)

// BillRefresher re-derives open bill statuses.
type BillRefresher interface {
	RefreshBillStatuses(ctx context.Context) (settlement.CascadeReport, error)
}

// Reconciler compares stored totals against line items.
type Reconciler interface {
	Reconcile(ctx context.Context) ([]settlement.Finding, error)
}

// KeyPurger deletes Idempotency-Key claims older than a retention window.
type KeyPurger interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MaintenanceJob hosts the scheduled settlement tasks.
type MaintenanceJob struct {
	Refresher  BillRefresher
	Reconciler Reconciler
	Keys       KeyPurger
	Retention  time.Duration
	ReadModels []settlement.ReadModel
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
	clock      func() time.Time
}

// NewMaintenanceJob wires the scheduled handlers. The settlement service
// satisfies both interfaces.
func NewMaintenanceJob(refresher BillRefresher, reconciler Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics, readModels ...settlement.ReadModel) *MaintenanceJob {
	return &MaintenanceJob{
		Refresher:  refresher,
		Reconciler: reconciler,
		ReadModels: readModels,
		Logger:     logger,
		Metrics:    metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithKeyCleanup enables TaskIdempotencyCleanup.
func (j *MaintenanceJob) WithKeyCleanup(keys KeyPurger, retention time.Duration) *MaintenanceJob {
	j.Keys = keys
	j.Retention = retention
	return j
}

// HandleBillRefresh processes TaskBillRefresh tasks.
func (j *MaintenanceJob) HandleBillRefresh(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Refresher == nil {
		return errors.New("bill refresh: handler not configured")
	}
	start := j.now()
	tracker := j.metrics().Track(TaskBillRefresh)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger(TaskBillRefresh)
	report, err := j.Refresher.RefreshBillStatuses(ctx)
	if err != nil {
		logger.Error("bill refresh failed", slog.Any("error", err))
		resultErr = err
		return resultErr
	}

	updated := 0
	for _, outcome := range report.Outcomes {
		if outcome.Changed {
			updated++
		}
	}
	j.metrics().AddRefreshed("updated", updated)
	j.metrics().AddRefreshed("unchanged", len(report.Outcomes)-updated)
	j.metrics().AddRefreshed("failed", len(report.Failures))
	if updated > 0 {
		j.bump(ctx, logger)
	}

	logger.Info("bill refresh completed",
		slog.Int("visited", len(report.Outcomes)+len(report.Failures)),
		slog.Int("updated", updated),
		slog.Int("failed", len(report.Failures)),
		slog.Duration("duration", time.Since(start)),
	)
	// Per-bill failures are logged by the service; the next run retries them.
	return resultErr
}

// HandleReconcile processes TaskReconcile tasks.
func (j *MaintenanceJob) HandleReconcile(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Reconciler == nil {
		return errors.New("reconcile: handler not configured")
	}
	start := j.now()
	tracker := j.metrics().Track(TaskReconcile)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger(TaskReconcile)
	findings, err := j.Reconciler.Reconcile(ctx)
	if err != nil {
		logger.Error("reconcile failed", slog.Any("error", err))
		resultErr = err
		return resultErr
	}

	perVariant := make(map[settlement.Variant]int)
	for _, f := range findings {
		perVariant[f.Variant]++
		for _, issue := range f.Findings {
			logger.Warn("computation inconsistency",
				slog.String("variant", string(f.Variant)),
				slog.String("document", f.Number),
				slog.String("field", issue.Field),
				slog.Float64("expected", issue.Expected),
				slog.Float64("actual", issue.Actual),
			)
		}
	}
	for variant, count := range perVariant {
		j.metrics().AddFindings(string(variant), count)
	}

	logger.Info("reconcile completed",
		slog.Int("documents_with_findings", len(findings)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

// HandleIdempotencyCleanup processes TaskIdempotencyCleanup tasks.
func (j *MaintenanceJob) HandleIdempotencyCleanup(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Keys == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	if j.Retention <= 0 {
		return fmt.Errorf("idempotency cleanup: retention must be positive: %w", asynq.SkipRetry)
	}
	tracker := j.metrics().Track(TaskIdempotencyCleanup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger(TaskIdempotencyCleanup)
	removed, err := j.Keys.Cleanup(ctx, j.Retention)
	if err != nil {
		logger.Error("idempotency cleanup failed", slog.Any("error", err))
		resultErr = err
		return resultErr
	}
	logger.Info("idempotency cleanup completed", slog.Int64("removed", removed), slog.Duration("retention", j.Retention))
	return resultErr
}

func (j *MaintenanceJob) bump(ctx context.Context, logger *slog.Logger) {
	for _, m := range j.ReadModels {
		if m == nil {
			continue
		}
		if err := m.Bump(ctx); err != nil {
			logger.Warn("read model bump", slog.Any("error", err))
		}
	}
}

func (j *MaintenanceJob) logger(job string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func (j *MaintenanceJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *MaintenanceJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
