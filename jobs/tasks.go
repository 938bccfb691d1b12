package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/settlement/internal/settlement"
)

const (
	// QueueDefault carries scheduled maintenance work.
	QueueDefault = "default"
	// QueueSettlement carries cascades triggered by event mutations.
	QueueSettlement = "settlement"

	// TaskSettlementCascade recomputes the documents touched by an event change.
	TaskSettlementCascade = "settlement:cascade"
	// TaskSettlementRecompute recomputes a single document on demand.
	TaskSettlementRecompute = "settlement:recompute"
	// TaskBillRefresh re-derives date-driven bill statuses.
	TaskBillRefresh = "settlement:bill-refresh"
	// TaskReconcile checks stored document totals against their lines.
	TaskReconcile = "settlement:reconcile"
	// TaskIdempotencyCleanup drops expired Idempotency-Key claims.
	TaskIdempotencyCleanup = "settlement:idempotency-cleanup"
)

// CascadePayload is the serialized event change.
type CascadePayload struct {
	Change settlement.Change `json:"change"`
}

// RecomputePayload names one document.
type RecomputePayload struct {
	Variant settlement.Variant `json:"variant"`
	Number  string             `json:"number"`
}

// NewCascadeTask constructs a cascade task for the change.
func NewCascadeTask(change settlement.Change) (*asynq.Task, error) {
	if change.Previous == nil && change.Current == nil {
		return nil, errors.New("jobs: cascade without event")
	}
	data, err := json.Marshal(CascadePayload{Change: change})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSettlementCascade, data), nil
}

// NewRecomputeTask constructs a single-document recompute task.
func NewRecomputeTask(variant, number string) (*asynq.Task, error) {
	v, ok := settlement.ParseVariant(variant)
	if !ok {
		return nil, fmt.Errorf("jobs: unknown variant %q", variant)
	}
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, errors.New("jobs: document number required")
	}
	data, err := json.Marshal(RecomputePayload{Variant: v, Number: number})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSettlementRecompute, data), nil
}

// NewBillRefreshTask constructs the scheduled bill status refresh.
func NewBillRefreshTask() *asynq.Task {
	return asynq.NewTask(TaskBillRefresh, nil)
}

// NewReconcileTask constructs the scheduled reconciliation scan.
func NewReconcileTask() *asynq.Task {
	return asynq.NewTask(TaskReconcile, nil)
}

// NewIdempotencyCleanupTask constructs the scheduled key expiry.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}
