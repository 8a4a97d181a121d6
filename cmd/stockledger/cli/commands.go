package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/stockledger/internal/ledger"
)

// BalanceReporter computes ledger balances.
type BalanceReporter interface {
	ComputeBalance(ctx context.Context, filter ledger.BalanceFilter) (ledger.Balance, error)
}

// InvoicePreviewer previews the next invoice id.
type InvoicePreviewer interface {
	NextInvoiceID(ctx context.Context) (string, error)
}

// IntegrityScanner reports ledger anomalies.
type IntegrityScanner interface {
	ScanIntegrity(ctx context.Context) (ledger.IntegrityReport, error)
}

// JobTrigger enqueues jobs by name.
type JobTrigger interface {
	Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error)
}

// KeyCleaner prunes stored idempotency keys.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

var printer = message.NewPrinter(language.English)

// BalanceCommand parses balance flags, computes the balance and prints it.
func BalanceCommand(ctx context.Context, svc BalanceReporter, args []string, opts Options) int {
	opts = opts.withDefaults()
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	fs.SetOutput(opts.Stderr)
	from := fs.String("from", "", "start date YYYY-MM-DD (needs -to)")
	to := fs.String("to", "", "end date YYYY-MM-DD (needs -from)")
	product := fs.String("product", "", "product id")
	client := fs.String("client", "", "client id")
	supplier := fs.String("supplier", "", "supplier id")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	values := map[string]string{
		"from":        *from,
		"to":          *to,
		"product_id":  *product,
		"client_id":   *client,
		"supplier_id": *supplier,
	}
	filter, err := ledger.ParseBalanceQuery(func(k string) string { return values[k] }, time.UTC)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "balance: %v\n", err)
		return 2
	}
	bal, err := svc.ComputeBalance(ctx, filter)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "balance: %v\n", err)
		if errors.Is(err, ledger.ErrValidation) {
			return 2
		}
		return 1
	}
	if *jsonOut {
		if err := json.NewEncoder(opts.Stdout).Encode(bal); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "balance: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	renderBalance(opts.Stdout, filter, bal)
	return 0
}

func renderBalance(w io.Writer, filter ledger.BalanceFilter, bal ledger.Balance) {
	period := "all dates"
	if filter.HasRange() {
		period = filter.From.Format("2006-01-02") + " .. " + filter.To.Format("2006-01-02")
	}
	_, _ = fmt.Fprintf(w, "Period:          %s\n", period)
	_, _ = printer.Fprintf(w, "Total sales:     %.2f\n", bal.TotalSales)
	_, _ = printer.Fprintf(w, "Total purchases: %.2f\n", bal.TotalPurchases)
	_, _ = printer.Fprintf(w, "Net:             %.2f\n", bal.Net)
}

// NextInvoiceCommand prints the next invoice id, warning on fallback numbering.
func NextInvoiceCommand(ctx context.Context, svc InvoicePreviewer, opts Options) int {
	opts = opts.withDefaults()
	id, err := svc.NextInvoiceID(ctx)
	if err != nil && !errors.Is(err, ledger.ErrSequencerFallback) {
		_, _ = fmt.Fprintf(opts.Stderr, "next-invoice: %v\n", err)
		return 1
	}
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "warning: %v\n", err)
	}
	_, _ = fmt.Fprintln(opts.Stdout, id)
	return 0
}

// IntegrityCommand prints anomalies and exits 10 when any were found.
func IntegrityCommand(ctx context.Context, svc IntegrityScanner, opts Options) int {
	opts = opts.withDefaults()
	report, err := svc.ScanIntegrity(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "integrity: %v\n", err)
		return 1
	}
	for _, p := range report.NegativeStock {
		_, _ = fmt.Fprintf(opts.Stdout, "negative stock: product %d (%s) stock %d\n", p.ID, p.Name, p.Stock)
	}
	for _, o := range report.OverReturned {
		_, _ = fmt.Fprintf(opts.Stdout, "over-returned: invoice %s product %d sold %d returned %d\n", o.InvoiceID, o.ProductID, o.SoldQty, o.ReturnedQty)
	}
	if report.Anomalies() > 0 {
		return 10
	}
	_, _ = fmt.Fprintln(opts.Stdout, "ledger consistent")
	return 0
}

// JobsCommand handles "jobs trigger <name>".
func JobsCommand(ctx context.Context, trigger JobTrigger, args []string, opts Options) int {
	opts = opts.withDefaults()
	if len(args) != 2 || args[0] != "trigger" {
		_, _ = fmt.Fprintln(opts.Stderr, "usage: stockledger jobs trigger <ledger:integrity|ledger:balance_warmup>")
		return 2
	}
	info, err := trigger.Trigger(ctx, strings.TrimSpace(args[1]))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "jobs trigger: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(opts.Stdout, "enqueued %s as %s on queue %s\n", info.Type, info.ID, info.Queue)
	return 0
}

// CleanupCommand deletes idempotency keys older than -older-than.
func CleanupCommand(ctx context.Context, cleaner KeyCleaner, retention time.Duration, args []string, opts Options) int {
	opts = opts.withDefaults()
	fs := flag.NewFlagSet("idempotency-cleanup", flag.ContinueOnError)
	fs.SetOutput(opts.Stderr)
	olderThan := fs.Duration("older-than", retention, "retention window")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *olderThan <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "idempotency-cleanup: -older-than must be positive")
		return 2
	}
	n, err := cleaner.Cleanup(ctx, *olderThan)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "idempotency-cleanup: %v\n", err)
		return 1
	}
	_, _ = printer.Fprintf(opts.Stdout, "deleted %d idempotency keys older than %s\n", n, *olderThan)
	return 0
}
