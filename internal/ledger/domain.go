package ledger

import (
	"time"
)

// CartKind tells which side of the ledger a cart will be committed to.
type CartKind string

const (
	// CartKindSale builds a sale invoice; stock is consumed.
	CartKindSale CartKind = "SALE"
	// CartKindPurchase builds a supplier delivery; stock is replenished.
	CartKindPurchase CartKind = "PURCHASE"
)

// Product is the stock store record for one item.
type Product struct {
	ID          int64
	Name        string
	Description string
	Price       float64
	Stock       int64
}

// Counterparty is a client or supplier directory entry.
type Counterparty struct {
	ID   int64
	Name string
}

// Sale is one ledger row of a sale invoice. Sales do not freeze a price;
// reports value them at the current product price.
type Sale struct {
	ID        int64
	ClientID  int64
	ProductID int64
	Qty       int64
	Date      time.Time
	InvoiceID string
}

// Purchase is one ledger row of a supplier delivery with its frozen cost.
type Purchase struct {
	ID         int64
	SupplierID int64
	ProductID  int64
	Qty        int64
	Date       time.Time
	UnitCost   float64
	Reference  string
}

// Return is a reversal row linked to the originating sale invoice.
type Return struct {
	ID        int64
	InvoiceID string
	ProductID int64
	Qty       int64
	Date      time.Time
	ClientID  int64
}

// SaleMeta carries commit metadata for a sale.
type SaleMeta struct {
	ClientID        int64
	Date            time.Time
	InvoiceID       string
	DiscountPercent float64
	IdempotencyKey  string
}

// PurchaseMeta carries commit metadata for a purchase.
type PurchaseMeta struct {
	SupplierID     int64
	Date           time.Time
	Reference      string
	IdempotencyKey string
}

// SaleReceipt is returned by a successful sale commit.
type SaleReceipt struct {
	InvoiceID string
	ClientID  int64
	Date      time.Time
	Lines     []CartLine
	Totals    InvoiceTotals
	// Warning is set when the invoice number came from the sequencer fallback.
	Warning error
}

// PurchaseReceipt is returned by a successful purchase commit.
type PurchaseReceipt struct {
	Reference  string
	SupplierID int64
	Date       time.Time
	Lines      []CartLine
	Total      float64
}

// ReturnLine requests a quantity of one product back from an invoice.
type ReturnLine struct {
	ProductID int64
	Qty       int64
}

// ReturnRequest describes a return against a sale invoice.
type ReturnRequest struct {
	InvoiceID      string
	Date           time.Time
	Lines          []ReturnLine
	IdempotencyKey string
}

// ReturnReceipt is returned by a successful return commit.
type ReturnReceipt struct {
	InvoiceID string
	ClientID  int64
	Date      time.Time
	Lines     []ReturnLine
}

// BalanceFilter narrows the balance computation. The date range applies only
// when both bounds are set.
type BalanceFilter struct {
	From       time.Time
	To         time.Time
	ProductID  *int64
	ClientID   *int64
	SupplierID *int64
}

// Balance is the derived sales/purchases summary.
type Balance struct {
	TotalSales     float64 `json:"total_sales"`
	TotalPurchases float64 `json:"total_purchases"`
	Net            float64 `json:"net"`
}

// InvoiceSummary lists one sale invoice.
type InvoiceSummary struct {
	InvoiceID  string
	ClientID   int64
	ClientName string
	Date       time.Time
}

// InvoiceLine aggregates one product of a sale invoice.
type InvoiceLine struct {
	ProductID   int64
	ProductName string
	SoldQty     int64
	ReturnedQty int64
	UnitPrice   float64
}

// Invoice is the detail view used by the returns workflow.
type Invoice struct {
	InvoiceSummary
	Lines []InvoiceLine
}

// IntegrityReport lists ledger anomalies found by the integrity scan.
type IntegrityReport struct {
	NegativeStock []Product
	OverReturned  []OverReturn
}

// OverReturn is an (invoice, product) pair whose returns exceed the sold quantity.
type OverReturn struct {
	InvoiceID   string
	ProductID   int64
	SoldQty     int64
	ReturnedQty int64
}

// Anomalies counts every finding in the report.
func (r IntegrityReport) Anomalies() int {
	return len(r.NegativeStock) + len(r.OverReturned)
}

// aggregateQuery is the repository-level filter for one half of the balance.
type aggregateQuery struct {
	From           time.Time
	To             time.Time
	HasRange       bool
	ProductID      *int64
	CounterpartyID *int64
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
