package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/ledger"
)

type stubScanner struct {
	report ledger.IntegrityReport
	err    error
}

func (s stubScanner) ScanIntegrity(ctx context.Context) (ledger.IntegrityReport, error) {
	return s.report, s.err
}

type recordingBalances struct {
	filters []ledger.BalanceFilter
	err     error
}

func (r *recordingBalances) ComputeBalance(ctx context.Context, filter ledger.BalanceFilter) (ledger.Balance, error) {
	r.filters = append(r.filters, filter)
	return ledger.Balance{TotalSales: 30, TotalPurchases: 8, Net: 22}, r.err
}

func TestLedgerIntegrityCountsAnomalies(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	report := ledger.IntegrityReport{
		NegativeStock: []ledger.Product{{ID: 7, Name: "Widget", Stock: -2}},
		OverReturned: []ledger.OverReturn{
			{InvoiceID: "00000003", ProductID: 1, SoldQty: 3, ReturnedQty: 5},
			{InvoiceID: "00000004", ProductID: 2, SoldQty: 1, ReturnedQty: 2},
		},
	}
	job := NewLedgerIntegrityJob(stubScanner{report: report}, nil, metrics)

	task, err := NewLedgerIntegrityTask(false)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	families, err := registry.Gather()
	require.NoError(t, err)
	byKind := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "stockledger_ledger_anomalies_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			byKind[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
		}
	}
	require.Equal(t, map[string]float64{"negative_stock": 1, "over_returned": 2}, byKind)

	task, err = NewLedgerIntegrityTask(true)
	require.NoError(t, err)
	require.Error(t, job.Handle(context.Background(), task))
}

func TestLedgerIntegrityPropagatesScanError(t *testing.T) {
	job := NewLedgerIntegrityJob(stubScanner{err: errors.New("db down")}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewLedgerIntegrityTask(false)
	require.NoError(t, err)
	require.EqualError(t, job.Handle(context.Background(), task), "db down")
}

func TestLedgerIntegritySkipsRetryOnBadPayload(t *testing.T) {
	job := NewLedgerIntegrityJob(stubScanner{}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	err := job.Handle(context.Background(), asynq.NewTask(TaskLedgerIntegrity, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestBalanceWarmupComputesMonthToDateAndAllTime(t *testing.T) {
	balances := &recordingBalances{}
	job := NewBalanceWarmupJob(balances, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	job.clock = func() time.Time { return time.Date(2026, 3, 17, 9, 30, 0, 0, time.UTC) }

	task, err := NewBalanceWarmupTask("")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, balances.filters, 2)
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), balances.filters[0].From)
	require.Equal(t, time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC), balances.filters[0].To)
	require.False(t, balances.filters[1].HasRange())
}

func TestBalanceWarmupFailsWhenComputeFails(t *testing.T) {
	balances := &recordingBalances{err: errors.New("timeout")}
	job := NewBalanceWarmupJob(balances, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewBalanceWarmupTask("all")
	require.NoError(t, err)
	require.Error(t, job.Handle(context.Background(), task))
	require.Len(t, balances.filters, 1)
}

func TestTaskConstructors(t *testing.T) {
	_, err := NewBalanceWarmupTask("yearly")
	require.Error(t, err)

	task, err := NewTaskByName(TaskBalanceWarmup)
	require.NoError(t, err)
	var payload BalanceWarmupPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, "both", payload.Scope)

	_, err = NewTaskByName("mail:send")
	require.Error(t, err)
}
