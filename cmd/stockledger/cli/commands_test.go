package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/ledger"
)

type stubLedger struct {
	filter  ledger.BalanceFilter
	balance ledger.Balance
	err     error
	next    string
	report  ledger.IntegrityReport
}

func (s *stubLedger) ComputeBalance(ctx context.Context, filter ledger.BalanceFilter) (ledger.Balance, error) {
	s.filter = filter
	return s.balance, s.err
}

func (s *stubLedger) NextInvoiceID(ctx context.Context) (string, error) {
	return s.next, s.err
}

func (s *stubLedger) ScanIntegrity(ctx context.Context) (ledger.IntegrityReport, error) {
	return s.report, s.err
}

type stubTrigger struct {
	name string
	err  error
}

func (s *stubTrigger) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	s.name = name
	if s.err != nil {
		return nil, s.err
	}
	return &asynq.TaskInfo{ID: "task-1", Type: name, Queue: "default"}, nil
}

type stubCleaner struct {
	olderThan time.Duration
}

func (s *stubCleaner) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.olderThan = olderThan
	return 1204, nil
}

func outputs() (*bytes.Buffer, *bytes.Buffer, Options) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	return stdout, stderr, Options{Stdout: stdout, Stderr: stderr}
}

func TestBalanceCommandHuman(t *testing.T) {
	svc := &stubLedger{balance: ledger.Balance{TotalSales: 12500.5, TotalPurchases: 8, Net: 12492.5}}
	stdout, stderr, opts := outputs()

	code := BalanceCommand(context.Background(), svc, []string{"-from", "2024-03-01", "-to", "2024-03-31", "-client", "7"}, opts)
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "Period:          2024-03-01 .. 2024-03-31")
	require.Contains(t, stdout.String(), "Total sales:     12,500.50")
	require.Contains(t, stdout.String(), "Net:             12,492.50")
	require.Equal(t, int64(7), *svc.filter.ClientID)
	require.Nil(t, svc.filter.SupplierID)
}

func TestBalanceCommandJSON(t *testing.T) {
	svc := &stubLedger{balance: ledger.Balance{TotalSales: 30, TotalPurchases: 8, Net: 22}}
	stdout, _, opts := outputs()

	require.Equal(t, 0, BalanceCommand(context.Background(), svc, []string{"-json"}, opts))
	var bal ledger.Balance
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &bal))
	require.Equal(t, svc.balance, bal)
	require.False(t, svc.filter.HasRange())
}

func TestBalanceCommandRejectsBadInput(t *testing.T) {
	_, stderr, opts := outputs()
	require.Equal(t, 2, BalanceCommand(context.Background(), &stubLedger{}, []string{"-from", "March"}, opts))
	require.Contains(t, stderr.String(), "from")

	_, _, opts = outputs()
	require.Equal(t, 2, BalanceCommand(context.Background(), &stubLedger{}, []string{"-bogus"}, opts))

	_, _, opts = outputs()
	svc := &stubLedger{err: errors.New("db down")}
	require.Equal(t, 1, BalanceCommand(context.Background(), svc, nil, opts))
}

func TestNextInvoiceCommand(t *testing.T) {
	stdout, stderr, opts := outputs()
	require.Equal(t, 0, NextInvoiceCommand(context.Background(), &stubLedger{next: "00000043"}, opts))
	require.Equal(t, "00000043\n", stdout.String())
	require.Empty(t, stderr.String())

	stdout, stderr, opts = outputs()
	svc := &stubLedger{next: ledger.FirstInvoiceID, err: &ledger.SequencerFallbackError{Stored: "X1"}}
	require.Equal(t, 0, NextInvoiceCommand(context.Background(), svc, opts))
	require.Equal(t, "00000001\n", stdout.String())
	require.Contains(t, stderr.String(), "warning:")
}

func TestIntegrityCommandExitCodes(t *testing.T) {
	stdout, _, opts := outputs()
	require.Equal(t, 0, IntegrityCommand(context.Background(), &stubLedger{}, opts))
	require.Contains(t, stdout.String(), "ledger consistent")

	stdout, _, opts = outputs()
	svc := &stubLedger{report: ledger.IntegrityReport{
		OverReturned: []ledger.OverReturn{{InvoiceID: "00000003", ProductID: 1, SoldQty: 3, ReturnedQty: 4}},
	}}
	require.Equal(t, 10, IntegrityCommand(context.Background(), svc, opts))
	require.Contains(t, stdout.String(), "over-returned: invoice 00000003 product 1 sold 3 returned 4")
}

func TestJobsCommand(t *testing.T) {
	trigger := &stubTrigger{}
	stdout, _, opts := outputs()
	require.Equal(t, 0, JobsCommand(context.Background(), trigger, []string{"trigger", "ledger:integrity"}, opts))
	require.Equal(t, "ledger:integrity", trigger.name)
	require.Contains(t, stdout.String(), "enqueued ledger:integrity as task-1")

	_, _, opts = outputs()
	require.Equal(t, 2, JobsCommand(context.Background(), trigger, []string{"list"}, opts))

	_, stderr, opts := outputs()
	require.Equal(t, 1, JobsCommand(context.Background(), &stubTrigger{err: errors.New("unsupported")}, []string{"trigger", "x"}, opts))
	require.Contains(t, stderr.String(), "unsupported")
}

func TestCleanupCommand(t *testing.T) {
	cleaner := &stubCleaner{}
	stdout, _, opts := outputs()
	require.Equal(t, 0, CleanupCommand(context.Background(), cleaner, 720*time.Hour, nil, opts))
	require.Equal(t, 720*time.Hour, cleaner.olderThan)
	require.Contains(t, stdout.String(), "deleted 1,204 idempotency keys")

	_, _, opts = outputs()
	require.Equal(t, 0, CleanupCommand(context.Background(), cleaner, 720*time.Hour, []string{"-older-than", "48h"}, opts))
	require.Equal(t, 48*time.Hour, cleaner.olderThan)

	_, _, opts = outputs()
	require.Equal(t, 2, CleanupCommand(context.Background(), cleaner, 720*time.Hour, []string{"-older-than", "0s"}, opts))
}

func TestRunUsage(t *testing.T) {
	_, stderr, opts := outputs()
	require.Equal(t, 2, Run(context.Background(), Env{}, nil, opts))
	require.Contains(t, stderr.String(), "usage: stockledger")

	stdout, _, opts := outputs()
	require.Equal(t, 0, Run(context.Background(), Env{}, []string{"help"}, opts))
	require.Contains(t, stdout.String(), "jobs trigger <name>")

	_, stderr, opts = outputs()
	require.Equal(t, 2, Run(context.Background(), Env{}, []string{"frobnicate"}, opts))
	require.Contains(t, stderr.String(), `unknown command "frobnicate"`)
}
