// Package cli implements the operational subcommands of the stockledger binary.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/jobs"
)

// Env carries the loaded configuration into subcommands.
type Env struct {
	Config *app.Config
	Logger *slog.Logger
}

// Options redirects command output.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (o Options) withDefaults() Options {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

const usage = `usage: stockledger [command]

commands:
  serve                   run the HTTP API (default)
  balance                 print the ledger balance
  next-invoice            print the invoice id the next sale receives
  integrity               scan for negative stock and over-returned lines
  jobs trigger <name>     enqueue a background job
  idempotency-cleanup     delete idempotency keys past retention
`

// Run dispatches args to a subcommand and returns the process exit code.
func Run(ctx context.Context, env Env, args []string, opts Options) int {
	opts = opts.withDefaults()
	if len(args) == 0 {
		_, _ = fmt.Fprint(opts.Stderr, usage)
		return 2
	}
	switch args[0] {
	case "balance", "next-invoice", "integrity":
		return withLedger(ctx, env, opts, func(svc *ledger.Service) int {
			switch args[0] {
			case "balance":
				return BalanceCommand(ctx, svc, args[1:], opts)
			case "next-invoice":
				return NextInvoiceCommand(ctx, svc, opts)
			default:
				return IntegrityCommand(ctx, svc, opts)
			}
		})
	case "jobs":
		client, err := jobs.NewClient(env.Config.Redis().Asynq())
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "jobs: %v\n", err)
			return 1
		}
		defer func() { _ = client.Close() }()
		return JobsCommand(ctx, client, args[1:], opts)
	case "idempotency-cleanup":
		pool, err := db.New(ctx, env.Config.PGDSN, env.Config.Pool("stockledger-cli"))
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "idempotency-cleanup: %v\n", err)
			return 1
		}
		defer pool.Close()
		return CleanupCommand(ctx, shared.NewIdempotencyStore(pool), env.Config.IdempotencyRetention, args[1:], opts)
	case "help", "-h", "--help":
		_, _ = fmt.Fprint(opts.Stdout, usage)
		return 0
	default:
		_, _ = fmt.Fprintf(opts.Stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
}

func withLedger(ctx context.Context, env Env, opts Options, fn func(*ledger.Service) int) int {
	pool, err := db.New(ctx, env.Config.PGDSN, env.Config.Pool("stockledger-cli"))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "connect postgres: %v\n", err)
		return 1
	}
	defer pool.Close()
	svc := ledger.NewService(ledger.NewRepository(pool), nil, nil, nil, ledger.ServiceConfig{
		TaxRate:         env.Config.TaxRate,
		LegacyReturnCap: env.Config.LegacyReturnCap,
	}, env.Logger)
	return fn(svc)
}
