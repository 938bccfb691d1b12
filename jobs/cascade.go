package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/settlement/internal/jobs"
	"github.com/odyssey-erp/settlement/internal/settlement"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Cascader recomputes documents after settlement changes.
type Cascader interface {
	Propagate(ctx context.Context, change settlement.Change) settlement.CascadeReport
	RecomputeStatus(ctx context.Context, number string, variant settlement.Variant) (settlement.Outcome, error)
}

// CascadeJob runs queued cascades on the worker.
type CascadeJob struct {
	Cascader   Cascader
	ReadModels []settlement.ReadModel
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewCascadeJob wires the cascade handler. Read models are bumped after every
// cascade so cached reports pick up the new statuses.
func NewCascadeJob(cascader Cascader, logger *slog.Logger, metrics *jobmetrics.Metrics, readModels ...settlement.ReadModel) *CascadeJob {
	return &CascadeJob{Cascader: cascader, ReadModels: readModels, Logger: logger, Metrics: metrics}
}

// Handle processes TaskSettlementCascade tasks. Only failures that may clear
// on their own are retried; recomputation is idempotent so a retry replays
// every target safely.
func (j *CascadeJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Cascader == nil {
		return errors.New("settlement cascade: handler not configured")
	}
	var payload CascadePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode cascade payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskSettlementCascade)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger(TaskSettlementCascade).With(slog.String("event_id", payload.Change.EventID()))
	report := j.Cascader.Propagate(ctx, payload.Change)
	j.bump(ctx)

	logger.Info("cascade completed",
		slog.Int("recomputed", len(report.Outcomes)),
		slog.Int("skipped", len(report.Skipped)),
		slog.Int("failed", len(report.Failures)),
	)
	resultErr = retryPolicy(report)
	return resultErr
}

// HandleRecompute processes TaskSettlementRecompute tasks.
func (j *CascadeJob) HandleRecompute(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Cascader == nil {
		return errors.New("settlement recompute: handler not configured")
	}
	var payload RecomputePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode recompute payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskSettlementRecompute)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger(TaskSettlementRecompute).With(
		slog.String("variant", string(payload.Variant)),
		slog.String("document", payload.Number),
	)
	outcome, err := j.Cascader.RecomputeStatus(ctx, payload.Number, payload.Variant)
	if err != nil {
		logger.Error("recompute failed", slog.Any("error", err))
		if !settlement.Retryable(err) {
			err = fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		resultErr = err
		return resultErr
	}
	j.bump(ctx)
	logger.Info("recompute completed",
		slog.String("previous_status", outcome.Previous),
		slog.String("current_status", outcome.Current),
		slog.Bool("changed", outcome.Changed),
	)
	return resultErr
}

func (j *CascadeJob) bump(ctx context.Context) {
	for _, m := range j.ReadModels {
		if m == nil {
			continue
		}
		if err := m.Bump(ctx); err != nil {
			j.logger(TaskSettlementCascade).Warn("read model bump", slog.Any("error", err))
		}
	}
}

// retryPolicy returns nil when the report has no failures, a retryable error
// when any failure looks transient and a SkipRetry error otherwise.
func retryPolicy(report settlement.CascadeReport) error {
	err := report.Err()
	if err == nil {
		return nil
	}
	for _, failure := range report.Failures {
		if settlement.Retryable(failure.Err) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

func (j *CascadeJob) logger(job string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func (j *CascadeJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
