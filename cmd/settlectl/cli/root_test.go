package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/settlement/internal/aging"
	"github.com/odyssey-erp/settlement/internal/settlement"
	"github.com/odyssey-erp/settlement/internal/tax"
	"github.com/odyssey-erp/settlement/jobs"
)

type fakeQueue struct {
	tasks  []*asynq.Task
	closed bool
}

func (q *fakeQueue) Enqueue(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: "t-1", Type: task.Type(), Queue: jobs.QueueSettlement}, nil
}

func (q *fakeQueue) InspectQueue(_ context.Context, queue string) (QueueStats, error) {
	return QueueStats{Queue: queue, Pending: 2}, nil
}

func (q *fakeQueue) Close() error {
	q.closed = true
	return nil
}

type fakeEngine struct {
	recomputed []string
	findings   []settlement.Finding
	filter     aging.Filter
}

func (e *fakeEngine) RecomputeStatus(_ context.Context, number string, variant settlement.Variant) (settlement.Outcome, error) {
	e.recomputed = append(e.recomputed, string(variant)+":"+number)
	return settlement.Outcome{
		Target:   settlement.Target{Variant: variant, Number: number},
		Previous: "NotReceived", Current: "FullyReceived", Changed: true,
	}, nil
}

func (e *fakeEngine) RefreshBillStatuses(context.Context) (settlement.CascadeReport, error) {
	return settlement.CascadeReport{Outcomes: []settlement.Outcome{{Target: settlement.Target{Variant: settlement.VariantBill, Number: "B1"}, Previous: "NotPaid", Current: "Overdue", Changed: true}}}, nil
}

func (e *fakeEngine) Reconcile(context.Context) ([]settlement.Finding, error) {
	return e.findings, nil
}

func (e *fakeEngine) Aging(_ context.Context, filter aging.Filter) (aging.Report, error) {
	e.filter = filter
	return aging.Report{GrandTotal: 1500, Buckets: []aging.BucketTotal{{Bucket: aging.Bucket61To90, Count: 1, Amount: 1500}}}, nil
}

type fakeMigrator struct {
	calls   []string
	version uint
	closed  bool
}

func (m *fakeMigrator) Up() error {
	m.calls = append(m.calls, "up")
	m.version = 3
	return nil
}

func (m *fakeMigrator) Down() error {
	m.calls = append(m.calls, "down")
	m.version = 0
	return nil
}

func (m *fakeMigrator) Steps(n int) error {
	m.calls = append(m.calls, fmt.Sprintf("steps %d", n))
	m.version = uint(int(m.version) + n)
	return nil
}

func (m *fakeMigrator) Version() (uint, bool, error) { return m.version, false, nil }

func (m *fakeMigrator) Close() error {
	m.closed = true
	return nil
}

func runCLI(t *testing.T, q *fakeQueue, eng *fakeEngine, args ...string) (string, error) {
	t.Helper()
	return runWith(t, Runtime{
		OpenQueue: func(context.Context) (Queue, error) { return q, nil },
		OpenEngine: func(context.Context) (Engine, func(), error) {
			return eng, func() {}, nil
		},
	}, args...)
}

func runWith(t *testing.T, rt Runtime, args ...string) (string, error) {
	t.Helper()
	// Keep the tests independent from a developer's .env file.
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("SETTLECTL_TEST=1\n"), 0o600))

	cmd := NewRootCommand(rt)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", envFile}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRecomputeEnqueuesByDefault(t *testing.T) {
	q := &fakeQueue{}
	out, err := runCLI(t, q, &fakeEngine{}, "recompute", "--variant", "invoice", "--number", "INV001", "--json")
	require.NoError(t, err)
	require.Len(t, q.tasks, 1)
	require.Equal(t, jobs.TaskSettlementRecompute, q.tasks[0].Type())
	require.True(t, q.closed)

	var result enqueued
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Equal(t, "t-1", result.ID)
}

func TestRecomputeInline(t *testing.T) {
	eng := &fakeEngine{}
	out, err := runCLI(t, &fakeQueue{}, eng, "recompute", "--variant", "bills", "--number", "B7", "--inline")
	require.NoError(t, err)
	require.Equal(t, []string{"bill:B7"}, eng.recomputed)
	require.Contains(t, out, "FullyReceived")

	_, err = runCLI(t, &fakeQueue{}, eng, "recompute", "--variant", "widget", "--number", "X", "--inline")
	require.Error(t, err)

	_, err = runCLI(t, &fakeQueue{}, eng, "recompute", "--variant", "invoice")
	require.Error(t, err)
}

func TestReconcileFailOnFindings(t *testing.T) {
	eng := &fakeEngine{findings: []settlement.Finding{{
		Variant: settlement.VariantInvoice, Number: "INV9",
		Findings: []tax.Inconsistency{{Field: "grand_total", Expected: 118, Actual: 119}},
	}}}
	out, err := runCLI(t, &fakeQueue{}, eng, "reconcile", "--inline")
	require.NoError(t, err)
	require.Contains(t, out, "grand_total")

	_, err = runCLI(t, &fakeQueue{}, eng, "reconcile", "--inline", "--fail-on-findings")
	require.Error(t, err)

	q := &fakeQueue{}
	_, err = runCLI(t, q, eng, "reconcile")
	require.NoError(t, err)
	require.Equal(t, jobs.TaskReconcile, q.tasks[0].Type())
}

func TestRefreshBillsInline(t *testing.T) {
	out, err := runCLI(t, &fakeQueue{}, &fakeEngine{}, "refresh-bills", "--inline")
	require.NoError(t, err)
	require.Contains(t, out, "Overdue")
}

func TestAgingCommandParsesFilter(t *testing.T) {
	eng := &fakeEngine{}
	out, err := runCLI(t, &fakeQueue{}, eng, "aging", "--variant", "bill", "--period", "FY2024-Q2", "--as-of", "2024-09-30", "--reference", "bill_date")
	require.NoError(t, err)
	require.Equal(t, settlement.Variant("bill"), eng.filter.Variant)
	require.Equal(t, "FY2024-Q2", eng.filter.Period)
	require.Equal(t, 2024, eng.filter.AsOf.Year())
	require.Equal(t, aging.ReferenceBillDate, eng.filter.BillReference)
	require.Contains(t, out, "1500.00")

	_, err = runCLI(t, &fakeQueue{}, eng, "aging", "--as-of", "30/09/2024")
	require.Error(t, err)
}

func TestQueueCommand(t *testing.T) {
	out, err := runCLI(t, &fakeQueue{}, &fakeEngine{}, "queue", "--json")
	require.NoError(t, err)
	var stats []QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Len(t, stats, 2)
	require.Equal(t, jobs.QueueSettlement, stats[0].Queue)
}

func TestMissingEnvFileFails(t *testing.T) {
	cmd := NewRootCommand(Runtime{OpenQueue: func(context.Context) (Queue, error) { return nil, errors.New("unused") }})
	cmd.SetArgs([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env"), "queue"})
	cmd.SetOut(&bytes.Buffer{})
	require.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestMigrateCommand(t *testing.T) {
	m := &fakeMigrator{version: 1}
	rt := Runtime{OpenMigrator: func(context.Context) (Migrator, error) { return m, nil }}

	out, err := runWith(t, rt, "migrate", "--json")
	require.NoError(t, err)
	var v schemaVersion
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	require.Equal(t, uint(3), v.Version)
	require.True(t, m.closed)

	_, err = runWith(t, rt, "migrate", "down", "--steps", "2")
	require.NoError(t, err)
	require.Equal(t, []string{"up", "steps -2"}, m.calls)
	require.Equal(t, uint(1), m.version)

	out, err = runWith(t, rt, "migrate", "version")
	require.NoError(t, err)
	require.Contains(t, out, "VERSION")
	require.Equal(t, []string{"up", "steps -2"}, m.calls)

	_, err = runWith(t, rt, "migrate", "sideways")
	require.Error(t, err)
}
