package ledger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestBuildAggregateWithoutFilters(t *testing.T) {
	sql, args := buildAggregate("SELECT 1 FROM sales s", "s.sale_date", "s.product_id", "s.client_id", aggregateQuery{})
	require.Equal(t, "SELECT 1 FROM sales s", sql)
	require.Empty(t, args)
}

func TestBuildAggregateFiltersApplyIndependently(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)

	sql, args := buildAggregate("SELECT 1 FROM sales s", "s.sale_date", "s.product_id", "s.client_id", aggregateQuery{
		From: from, To: to, HasRange: true, ProductID: ptr(4), CounterpartyID: ptr(7),
	})
	require.Equal(t, "SELECT 1 FROM sales s\nWHERE s.sale_date >= $1 AND s.sale_date <= $2 AND s.product_id = $3 AND s.client_id = $4", sql)
	require.Equal(t, []any{from, to, int64(4), int64(7)}, args)

	sql, args = buildAggregate("SELECT 1 FROM purchases pu", "pu.purchase_date", "pu.product_id", "pu.supplier_id", aggregateQuery{CounterpartyID: ptr(9)})
	require.Equal(t, "SELECT 1 FROM purchases pu\nWHERE pu.supplier_id = $1", sql)
	require.Equal(t, []any{int64(9)}, args)
}

func TestRepositoryNotInitialised(t *testing.T) {
	var repo *Repository
	ctx := context.Background()
	require.ErrorIs(t, repo.WithTx(ctx, func(context.Context, TxRepository) error { return nil }), errRepoNotInitialised)
	require.ErrorIs(t, repo.WithReadTx(ctx, func(context.Context, Reader) error { return nil }), errRepoNotInitialised)
	_, err := repo.GetProduct(ctx, 1)
	require.ErrorIs(t, err, errRepoNotInitialised)
	_, err = repo.GetInvoice(ctx, "00000001")
	require.ErrorIs(t, err, errRepoNotInitialised)
}

// recordingQuerier answers every statement with an empty result and keeps
// the SQL it was given.
type recordingQuerier struct {
	statements []string
}

func (q *recordingQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.statements = append(q.statements, sql)
	return pgconn.CommandTag{}, nil
}

func (q *recordingQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.statements = append(q.statements, sql)
	return emptyRows{}, nil
}

func (q *recordingQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	q.statements = append(q.statements, sql)
	return okRow{}
}

type okRow struct{}

func (okRow) Scan(dest ...any) error { return nil }

type emptyRows struct{}

func (emptyRows) Close()                                       {}
func (emptyRows) Err() error                                   { return nil }
func (emptyRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (emptyRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (emptyRows) Next() bool                                   { return false }
func (emptyRows) Scan(dest ...any) error                       { return nil }
func (emptyRows) Values() ([]any, error)                       { return nil, nil }
func (emptyRows) RawValues() [][]byte                          { return nil }
func (emptyRows) Conn() *pgx.Conn                              { return nil }

func TestInvoiceHeaderAndLinesShareOneQuerier(t *testing.T) {
	q := &recordingQuerier{}
	_, err := reader{q: q}.invoice(context.Background(), "00000001")
	require.NoError(t, err)
	require.Len(t, q.statements, 2)
	require.Contains(t, q.statements[0], "JOIN clients")
	require.Contains(t, q.statements[1], "FROM returns rt")
}

func TestMaxInvoiceIDOrdersWellFormedIDsNumerically(t *testing.T) {
	require.Contains(t, maxInvoiceSQL, `invoice_id ~ '^[0-9]{8,}$'`)
	require.Contains(t, maxInvoiceSQL, "ORDER BY invoice_id::numeric DESC")
	require.Less(t, strings.Index(maxInvoiceSQL, "::numeric"), strings.Index(maxInvoiceSQL, "MAX(invoice_id)"))

	q := &recordingQuerier{}
	max, found, err := reader{q: q}.MaxInvoiceID(context.Background())
	require.NoError(t, err)
	require.False(t, found)
	require.Empty(t, max)
	require.Equal(t, []string{maxInvoiceSQL}, q.statements)
}
