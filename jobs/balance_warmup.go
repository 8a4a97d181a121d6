package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/ledger"
)

// BalanceComputer computes, and caches, ledger balances.
type BalanceComputer interface {
	ComputeBalance(ctx context.Context, filter ledger.BalanceFilter) (ledger.Balance, error)
}

// BalanceWarmupJob fills the balance cache after it was bumped by commits.
type BalanceWarmupJob struct {
	Balances BalanceComputer
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewBalanceWarmupJob wires dependencies for the warmup handler.
func NewBalanceWarmupJob(balances BalanceComputer, logger *slog.Logger, metrics *jobmetrics.Metrics) *BalanceWarmupJob {
	return &BalanceWarmupJob{
		Balances: balances,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes balance warmup tasks.
func (j *BalanceWarmupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Balances == nil {
		return errors.New("balance warmup: handler not configured")
	}
	var payload BalanceWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskBalanceWarmup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("scope", payload.Scope))
	now := j.now()
	for _, filter := range warmupFilters(payload.Scope, now) {
		scopeCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		bal, err := j.Balances.ComputeBalance(scopeCtx, filter)
		cancel()
		if err != nil {
			logger.Error("warm balance", slog.Any("error", err))
			return err
		}
		logger.Info("balance warmed",
			slog.Time("from", filter.From),
			slog.Time("to", filter.To),
			slog.Float64("net", bal.Net),
		)
	}
	return nil
}

// warmupFilters lists the filters for scope. Unknown scopes warm both.
func warmupFilters(scope string, now time.Time) []ledger.BalanceFilter {
	y, m, d := now.Date()
	mtd := ledger.BalanceFilter{
		From: time.Date(y, m, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
	}
	switch scope {
	case "mtd":
		return []ledger.BalanceFilter{mtd}
	case "all":
		return []ledger.BalanceFilter{{}}
	default:
		return []ledger.BalanceFilter{mtd, {}}
	}
}

func (j *BalanceWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBalanceWarmup))
	}
	return slog.Default().With(slog.String("job", TaskBalanceWarmup))
}

func (j *BalanceWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BalanceWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
