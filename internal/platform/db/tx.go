package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// LockedWrite is used for ledger writes. Row and advisory locks taken
	// inside the transaction serialise them.
	LockedWrite = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}
	// Snapshot reads one consistent view of the ledger.
	Snapshot = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
)

// snapshotAttempts bounds retries of read-only transactions that hit a
// serialization failure.
const snapshotAttempts = 3

// WithTxOptions executes fn in a transaction started with opts. The transaction
// is rolled back unless fn returns nil and the commit succeeds. Read-only
// transactions are retried on serialization failures; writes never are.
func WithTxOptions(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	attempts := 1
	if opts.AccessMode == pgx.ReadOnly {
		attempts = snapshotAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = runTx(ctx, pool, opts, fn)
		if !IsSerializationFailure(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func runTx(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}
	return nil
}

// IsSerializationFailure reports SQLSTATE 40001 or 40P01 anywhere in err's chain.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
