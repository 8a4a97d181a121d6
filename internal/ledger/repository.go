package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// ledgerLockKey is the advisory lock held by every write transaction.
const ledgerLockKey int64 = 0x5354_4b4c // "STKL"

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type reader struct {
	q querier
}

type txRepository struct {
	reader
	tx pgx.Tx
}

var errRepoNotInitialised = errors.New("ledger repository not initialised")

// WithTx runs fn in a read-committed write transaction. Consistency comes from
// the ledger advisory lock and row locks taken inside fn.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errRepoNotInitialised
	}
	return db.WithTxOptions(ctx, r.pool, db.LockedWrite, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{reader: reader{q: tx}, tx: tx})
	})
}

// WithReadTx runs fn in a read-only repeatable-read snapshot.
func (r *Repository) WithReadTx(ctx context.Context, fn func(context.Context, Reader) error) error {
	if r == nil || r.pool == nil {
		return errRepoNotInitialised
	}
	return db.WithTxOptions(ctx, r.pool, db.Snapshot, func(tx pgx.Tx) error {
		return fn(ctx, reader{q: tx})
	})
}

func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	if r == nil || r.pool == nil {
		return Product{}, errRepoNotInitialised
	}
	return scanProduct(r.pool.QueryRow(ctx, productSelect+` WHERE id=$1`, id))
}

func (r *Repository) LastPurchaseCost(ctx context.Context, productID int64) (float64, bool, error) {
	var cost float64
	err := r.pool.QueryRow(ctx, `SELECT unit_cost::float8 FROM purchases WHERE product_id=$1
ORDER BY purchase_date DESC, id DESC LIMIT 1`, productID).Scan(&cost)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cost, true, nil
}

func (r *Repository) ListInvoices(ctx context.Context, limit int) ([]InvoiceSummary, error) {
	rows, err := r.pool.Query(ctx, `SELECT s.invoice_id, s.client_id, c.name, MIN(s.sale_date)
FROM sales s
JOIN clients c ON c.id = s.client_id
GROUP BY s.invoice_id, s.client_id, c.name
ORDER BY s.invoice_id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []InvoiceSummary{}
	for rows.Next() {
		var inv InvoiceSummary
		if err := rows.Scan(&inv.InvoiceID, &inv.ClientID, &inv.ClientName, &inv.Date); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// GetInvoice reads the invoice header and its lines from one snapshot.
func (r *Repository) GetInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	if r == nil || r.pool == nil {
		return Invoice{}, errRepoNotInitialised
	}
	var inv Invoice
	err := db.WithTxOptions(ctx, r.pool, db.Snapshot, func(tx pgx.Tx) error {
		var err error
		inv, err = reader{q: tx}.invoice(ctx, invoiceID)
		return err
	})
	return inv, err
}

func (r reader) invoice(ctx context.Context, invoiceID string) (Invoice, error) {
	var inv Invoice
	err := r.q.QueryRow(ctx, `SELECT s.invoice_id, s.client_id, c.name, MIN(s.sale_date)
FROM sales s
JOIN clients c ON c.id = s.client_id
WHERE s.invoice_id=$1
GROUP BY s.invoice_id, s.client_id, c.name`, invoiceID).
		Scan(&inv.InvoiceID, &inv.ClientID, &inv.ClientName, &inv.Date)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	if err != nil {
		return Invoice{}, err
	}
	rows, err := r.q.Query(ctx, `SELECT s.product_id, p.name, SUM(s.qty)::bigint, p.price::float8,
  COALESCE((SELECT SUM(rt.qty) FROM returns rt WHERE rt.invoice_id = s.invoice_id AND rt.product_id = s.product_id), 0)::bigint
FROM sales s
JOIN products p ON p.id = s.product_id
WHERE s.invoice_id=$1
GROUP BY s.invoice_id, s.product_id, p.name, p.price
ORDER BY s.product_id`, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line InvoiceLine
		if err := rows.Scan(&line.ProductID, &line.ProductName, &line.SoldQty, &line.UnitPrice, &line.ReturnedQty); err != nil {
			return Invoice{}, err
		}
		inv.Lines = append(inv.Lines, line)
	}
	return inv, rows.Err()
}

func (r *Repository) ScanIntegrity(ctx context.Context) (IntegrityReport, error) {
	var report IntegrityReport
	rows, err := r.pool.Query(ctx, productSelect+` WHERE stock < 0 ORDER BY id`)
	if err != nil {
		return report, err
	}
	products, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Product, error) {
		return scanProduct(row)
	})
	if err != nil {
		return report, err
	}
	report.NegativeStock = products

	rows, err = r.pool.Query(ctx, `SELECT rt.invoice_id, rt.product_id, sold.qty, SUM(rt.qty)::bigint
FROM returns rt
JOIN (SELECT invoice_id, product_id, SUM(qty)::bigint AS qty FROM sales GROUP BY invoice_id, product_id) sold
  ON sold.invoice_id = rt.invoice_id AND sold.product_id = rt.product_id
GROUP BY rt.invoice_id, rt.product_id, sold.qty
HAVING SUM(rt.qty) > sold.qty
ORDER BY rt.invoice_id, rt.product_id`)
	if err != nil {
		return report, err
	}
	defer rows.Close()
	for rows.Next() {
		var o OverReturn
		if err := rows.Scan(&o.InvoiceID, &o.ProductID, &o.SoldQty, &o.ReturnedQty); err != nil {
			return report, err
		}
		report.OverReturned = append(report.OverReturned, o)
	}
	return report, rows.Err()
}

func (r reader) ClientExists(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM clients WHERE id=$1)`, id).Scan(&ok)
	return ok, err
}

func (r reader) SupplierExists(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM suppliers WHERE id=$1)`, id).Scan(&ok)
	return ok, err
}

func (r reader) SumSales(ctx context.Context, q aggregateQuery) (float64, error) {
	sql, args := buildAggregate(`SELECT COALESCE(SUM(s.qty * p.price), 0)::float8
FROM sales s
JOIN products p ON p.id = s.product_id`, "s.sale_date", "s.product_id", "s.client_id", q)
	var total float64
	err := r.q.QueryRow(ctx, sql, args...).Scan(&total)
	return total, err
}

func (r reader) SumPurchases(ctx context.Context, q aggregateQuery) (float64, error) {
	sql, args := buildAggregate(`SELECT COALESCE(SUM(pu.qty * pu.unit_cost), 0)::float8
FROM purchases pu`, "pu.purchase_date", "pu.product_id", "pu.supplier_id", q)
	var total float64
	err := r.q.QueryRow(ctx, sql, args...).Scan(&total)
	return total, err
}

func (r reader) SaleLines(ctx context.Context, invoiceID string) ([]Sale, error) {
	rows, err := r.q.Query(ctx, `SELECT id, client_id, product_id, qty, sale_date, invoice_id
FROM sales WHERE invoice_id=$1 ORDER BY id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Sale
	for rows.Next() {
		var s Sale
		if err := rows.Scan(&s.ID, &s.ClientID, &s.ProductID, &s.Qty, &s.Date, &s.InvoiceID); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r reader) ReturnedQty(ctx context.Context, invoiceID string, productID int64) (int64, error) {
	var qty int64
	err := r.q.QueryRow(ctx, `SELECT COALESCE(SUM(qty), 0)::bigint FROM returns WHERE invoice_id=$1 AND product_id=$2`, invoiceID, productID).Scan(&qty)
	return qty, err
}

// maxInvoiceSQL picks the numerically highest well-formed invoice id and
// falls back to the text maximum only when no row is well-formed.
const maxInvoiceSQL = `SELECT COALESCE(
  (SELECT invoice_id FROM sales WHERE invoice_id ~ '^[0-9]{8,}$' ORDER BY invoice_id::numeric DESC LIMIT 1),
  (SELECT MAX(invoice_id) FROM sales))`

func (r reader) MaxInvoiceID(ctx context.Context) (string, bool, error) {
	var max *string
	if err := r.q.QueryRow(ctx, maxInvoiceSQL).Scan(&max); err != nil {
		return "", false, err
	}
	if max == nil {
		return "", false, nil
	}
	return *max, true, nil
}

func (r *txRepository) LockLedger(ctx context.Context) error {
	_, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey)
	return err
}

func (r *txRepository) GetProductForUpdate(ctx context.Context, id int64) (Product, error) {
	return scanProduct(r.tx.QueryRow(ctx, productSelect+` WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) AdjustStock(ctx context.Context, productID, delta int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE products SET stock = stock + $2 WHERE id=$1`, productID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (r *txRepository) InsertSale(ctx context.Context, sale Sale) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO sales (client_id, product_id, qty, sale_date, invoice_id)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, sale.ClientID, sale.ProductID, sale.Qty, sale.Date, sale.InvoiceID).Scan(&id)
	return id, err
}

func (r *txRepository) InsertPurchase(ctx context.Context, p Purchase) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO purchases (supplier_id, product_id, qty, purchase_date, unit_cost, reference)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`, p.SupplierID, p.ProductID, p.Qty, p.Date, p.UnitCost, p.Reference).Scan(&id)
	return id, err
}

func (r *txRepository) InsertReturn(ctx context.Context, ret Return) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO returns (invoice_id, product_id, qty, return_date, client_id)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, ret.InvoiceID, ret.ProductID, ret.Qty, ret.Date, ret.ClientID).Scan(&id)
	return id, err
}

const productSelect = `SELECT id, name, COALESCE(description, ''), price::float8, stock FROM products`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrProductNotFound
		}
		return Product{}, err
	}
	return p, nil
}

// buildAggregate appends the balance filters to base. The date bounds are
// inclusive.
func buildAggregate(base, dateCol, productCol, counterpartyCol string, q aggregateQuery) (string, []any) {
	var where []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.HasRange {
		add(dateCol+" >= $%d", q.From)
		add(dateCol+" <= $%d", q.To)
	}
	if q.ProductID != nil {
		add(productCol+" = $%d", *q.ProductID)
	}
	if q.CounterpartyID != nil {
		add(counterpartyCol+" = $%d", *q.CounterpartyID)
	}
	if len(where) == 0 {
		return base, nil
	}
	return base + "\nWHERE " + strings.Join(where, " AND "), args
}
