package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/ledger"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// IntegrityScanner runs the ledger integrity queries.
type IntegrityScanner interface {
	ScanIntegrity(ctx context.Context) (ledger.IntegrityReport, error)
}

// LedgerIntegrityJob reports stock and return anomalies.
type LedgerIntegrityJob struct {
	Scanner IntegrityScanner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerIntegrityJob wires dependencies for the integrity handler.
func NewLedgerIntegrityJob(scanner IntegrityScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Scanner: scanner, Logger: logger, Metrics: metrics}
}

// Handle executes the integrity scan.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Scanner == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload LedgerIntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.metrics().Track(TaskLedgerIntegrity)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	logger := j.logger()
	logger.Info("starting ledger integrity scan")

	report, err := j.Scanner.ScanIntegrity(ctx)
	if err != nil {
		logger.Error("scan failed", slog.Any("error", err))
		return err
	}
	for _, p := range report.NegativeStock {
		logger.Warn("negative stock", slog.Int64("product_id", p.ID), slog.String("product", p.Name), slog.Int64("stock", p.Stock))
	}
	for _, o := range report.OverReturned {
		logger.Warn("invoice line returned beyond sold quantity",
			slog.String("invoice_id", o.InvoiceID),
			slog.Int64("product_id", o.ProductID),
			slog.Int64("sold", o.SoldQty),
			slog.Int64("returned", o.ReturnedQty),
		)
	}
	j.metrics().AddAnomalies("negative_stock", len(report.NegativeStock))
	j.metrics().AddAnomalies("over_returned", len(report.OverReturned))

	logger.Info("completed ledger integrity scan",
		slog.Int("anomalies", report.Anomalies()),
		slog.Duration("duration", time.Since(start)),
	)
	if payload.FailOnAnomaly && report.Anomalies() > 0 {
		return fmt.Errorf("ledger integrity: %d anomalies found", report.Anomalies())
	}
	return nil
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
