package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrity scans for negative stock and over-returned invoice lines.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskBalanceWarmup precomputes balances into the cache.
	TaskBalanceWarmup = "ledger:balance_warmup"
)

// LedgerIntegrityPayload configures one integrity scan.
type LedgerIntegrityPayload struct {
	// FailOnAnomaly makes the task fail, and so retry, when anomalies are found.
	FailOnAnomaly bool `json:"fail_on_anomaly"`
}

// BalanceWarmupPayload selects which balances to precompute.
type BalanceWarmupPayload struct {
	// Scope is "mtd" for month to date, "all" for the unfiltered balance, or
	// "both".
	Scope string `json:"scope"`
}

// NewLedgerIntegrityTask constructs an Asynq task.
func NewLedgerIntegrityTask(failOnAnomaly bool) (*asynq.Task, error) {
	data, err := json.Marshal(LedgerIntegrityPayload{FailOnAnomaly: failOnAnomaly})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, data), nil
}

// NewBalanceWarmupTask constructs an Asynq task.
func NewBalanceWarmupTask(scope string) (*asynq.Task, error) {
	switch scope {
	case "":
		scope = "both"
	case "mtd", "all", "both":
	default:
		return nil, fmt.Errorf("jobs: unknown warmup scope %q", scope)
	}
	data, err := json.Marshal(BalanceWarmupPayload{Scope: scope})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBalanceWarmup, data), nil
}

// NewTaskByName builds the default task for a job name, for manual triggers.
func NewTaskByName(name string) (*asynq.Task, error) {
	switch name {
	case TaskLedgerIntegrity:
		return NewLedgerIntegrityTask(false)
	case TaskBalanceWarmup:
		return NewBalanceWarmupTask("both")
	default:
		return nil, fmt.Errorf("jobs: unsupported job %s", name)
	}
}
