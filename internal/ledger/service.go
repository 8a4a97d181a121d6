package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Directory answers counterparty lookups.
type Directory interface {
	ClientExists(ctx context.Context, id int64) (bool, error)
	SupplierExists(ctx context.Context, id int64) (bool, error)
}

// Reader exposes the ledger reads shared by commits and reports.
type Reader interface {
	Directory
	SumSales(ctx context.Context, q aggregateQuery) (float64, error)
	SumPurchases(ctx context.Context, q aggregateQuery) (float64, error)
	SaleLines(ctx context.Context, invoiceID string) ([]Sale, error)
	ReturnedQty(ctx context.Context, invoiceID string, productID int64) (int64, error)
	MaxInvoiceID(ctx context.Context) (string, bool, error)
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	Reader
	LockLedger(ctx context.Context) error
	GetProductForUpdate(ctx context.Context, id int64) (Product, error)
	AdjustStock(ctx context.Context, productID, delta int64) error
	InsertSale(ctx context.Context, sale Sale) (int64, error)
	InsertPurchase(ctx context.Context, purchase Purchase) (int64, error)
	InsertReturn(ctx context.Context, ret Return) (int64, error)
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	WithReadTx(ctx context.Context, fn func(context.Context, Reader) error) error
	GetProduct(ctx context.Context, id int64) (Product, error)
	LastPurchaseCost(ctx context.Context, productID int64) (float64, bool, error)
	ListInvoices(ctx context.Context, limit int) ([]InvoiceSummary, error)
	GetInvoice(ctx context.Context, invoiceID string) (Invoice, error)
	ScanIntegrity(ctx context.Context) (IntegrityReport, error)
}

// IdempotencyPort records processed request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// MetricsPort receives commit outcomes.
type MetricsPort interface {
	ObserveCommit(kind, outcome string)
	SequencerFallback()
}

// BalanceCachePort memoises balance computations until the next commit.
type BalanceCachePort interface {
	Fetch(ctx context.Context, filter BalanceFilter, loader func(context.Context) (Balance, error)) (Balance, error)
	Bump(ctx context.Context) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// TaxRate is applied to the discounted subtotal of a sale, e.g. 0.12.
	TaxRate float64
	// LegacyReturnCap checks each return request against the sold quantity
	// only, ignoring earlier returns of the same invoice line.
	LegacyReturnCap bool
}

const idempotencyModule = "ledger"

// Service coordinates ledger commits and reports.
type Service struct {
	repo        RepositoryPort
	idempotency IdempotencyPort
	cache       BalanceCachePort
	metrics     MetricsPort
	cfg         ServiceConfig
	logger      *slog.Logger
	now         func() time.Time

	// mu serialises commits within the process.
	mu sync.Mutex
}

// NewService builds Service. idem, cache and metrics may be nil.
func NewService(repo RepositoryPort, idem IdempotencyPort, cache BalanceCachePort, metrics MetricsPort, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		idempotency: idem,
		cache:       cache,
		metrics:     metrics,
		cfg:         cfg,
		logger:      logger.With(slog.String("module", "ledger")),
		now:         time.Now,
	}
}

// NewCart starts a cart whose stock checks read from the service repository.
func (s *Service) NewCart(kind CartKind) *Cart {
	return NewCart(kind, s.repo)
}

// GetProduct loads one product.
func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// CommitSale turns a sale cart into one invoice: a ledger row per line and a
// matching stock decrease, all in one unit of work.
func (s *Service) CommitSale(ctx context.Context, cart *Cart, meta SaleMeta) (SaleReceipt, error) {
	if err := cart.begin(CartKindSale); err != nil {
		return SaleReceipt{}, err
	}
	if err := s.validateSale(cart, meta); err != nil {
		cart.finish(false)
		s.observe(CartKindSale, err)
		return SaleReceipt{}, err
	}
	date := s.commitDate(meta.Date)
	lines := cart.Lines()

	release, err := s.claimKey(ctx, meta.IdempotencyKey)
	if err != nil {
		cart.finish(false)
		s.observe(CartKindSale, err)
		return SaleReceipt{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cart.committing()

	invoiceID := meta.InvoiceID
	var warning error
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockLedger(ctx); err != nil {
			return err
		}
		ok, err := tx.ClientExists(ctx, meta.ClientID)
		if err != nil {
			return err
		}
		if !ok {
			return unknownID(0, RefClient, meta.ClientID)
		}
		if invoiceID == "" {
			id, derr := s.deriveInvoiceID(ctx, tx)
			if derr != nil && !errors.Is(derr, ErrSequencerFallback) {
				return derr
			}
			invoiceID, warning = id, derr
		}
		existing, err := tx.SaleLines(ctx, invoiceID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			if warning != nil {
				return warning
			}
			return &ValidationError{Field: "invoice_id", Reason: fmt.Sprintf("invoice %s already exists", invoiceID)}
		}
		for i, line := range lines {
			product, err := tx.GetProductForUpdate(ctx, line.ProductID)
			if err != nil {
				if errors.Is(err, ErrProductNotFound) {
					return unknownID(i+1, RefProduct, line.ProductID)
				}
				return err
			}
			if line.Qty > product.Stock {
				return &InsufficientStockError{Line: i + 1, ProductID: line.ProductID, Requested: line.Qty, Available: product.Stock}
			}
			if _, err := tx.InsertSale(ctx, Sale{
				ClientID:  meta.ClientID,
				ProductID: line.ProductID,
				Qty:       line.Qty,
				Date:      date,
				InvoiceID: invoiceID,
			}); err != nil {
				return err
			}
			if err := tx.AdjustStock(ctx, line.ProductID, -line.Qty); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		release(ctx)
		cart.finish(false)
		s.observe(CartKindSale, err)
		s.logger.Warn("sale rolled back", slog.Int64("client_id", meta.ClientID), slog.Any("error", err))
		return SaleReceipt{}, err
	}
	cart.finish(true)
	s.observe(CartKindSale, nil)
	s.bumpCache(ctx)
	s.logger.Info("sale committed", slog.String("invoice_id", invoiceID), slog.Int("lines", len(lines)))
	return SaleReceipt{
		InvoiceID: invoiceID,
		ClientID:  meta.ClientID,
		Date:      date,
		Lines:     lines,
		Totals:    ComputeInvoiceTotals(lines, meta.DiscountPercent, s.cfg.TaxRate),
		Warning:   warning,
	}, nil
}

// CommitPurchase records a supplier delivery: a ledger row per line with the
// frozen unit cost and a matching stock increase.
func (s *Service) CommitPurchase(ctx context.Context, cart *Cart, meta PurchaseMeta) (PurchaseReceipt, error) {
	if err := cart.begin(CartKindPurchase); err != nil {
		return PurchaseReceipt{}, err
	}
	meta.Reference = strings.TrimSpace(meta.Reference)
	if err := s.validatePurchase(cart, meta); err != nil {
		cart.finish(false)
		s.observe(CartKindPurchase, err)
		return PurchaseReceipt{}, err
	}
	date := s.commitDate(meta.Date)
	lines := cart.Lines()
	total := cart.Total()

	release, err := s.claimKey(ctx, meta.IdempotencyKey)
	if err != nil {
		cart.finish(false)
		s.observe(CartKindPurchase, err)
		return PurchaseReceipt{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cart.committing()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockLedger(ctx); err != nil {
			return err
		}
		ok, err := tx.SupplierExists(ctx, meta.SupplierID)
		if err != nil {
			return err
		}
		if !ok {
			return unknownID(0, RefSupplier, meta.SupplierID)
		}
		for i, line := range lines {
			if _, err := tx.GetProductForUpdate(ctx, line.ProductID); err != nil {
				if errors.Is(err, ErrProductNotFound) {
					return unknownID(i+1, RefProduct, line.ProductID)
				}
				return err
			}
			if _, err := tx.InsertPurchase(ctx, Purchase{
				SupplierID: meta.SupplierID,
				ProductID:  line.ProductID,
				Qty:        line.Qty,
				Date:       date,
				UnitCost:   line.UnitPrice,
				Reference:  meta.Reference,
			}); err != nil {
				return err
			}
			if err := tx.AdjustStock(ctx, line.ProductID, line.Qty); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		release(ctx)
		cart.finish(false)
		s.observe(CartKindPurchase, err)
		s.logger.Warn("purchase rolled back", slog.Int64("supplier_id", meta.SupplierID), slog.Any("error", err))
		return PurchaseReceipt{}, err
	}
	cart.finish(true)
	s.observe(CartKindPurchase, nil)
	s.bumpCache(ctx)
	s.logger.Info("purchase committed", slog.String("reference", meta.Reference), slog.Int("lines", len(lines)))
	return PurchaseReceipt{
		Reference:  meta.Reference,
		SupplierID: meta.SupplierID,
		Date:       date,
		Lines:      lines,
		Total:      total,
	}, nil
}

// LastPurchaseCost returns the unit cost of the most recent purchase of a
// product. ok is false when the product was never purchased.
func (s *Service) LastPurchaseCost(ctx context.Context, productID int64) (cost float64, ok bool, err error) {
	if productID <= 0 {
		return 0, false, &ValidationError{Field: "product_id", Reason: "must be positive"}
	}
	return s.repo.LastPurchaseCost(ctx, productID)
}

// ListInvoices lists the most recent sale invoices.
func (s *Service) ListInvoices(ctx context.Context, limit int) ([]InvoiceSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListInvoices(ctx, limit)
}

// GetInvoice loads one invoice with its returnable lines.
func (s *Service) GetInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	if strings.TrimSpace(invoiceID) == "" {
		return Invoice{}, &ValidationError{Field: "invoice_id", Reason: "required"}
	}
	return s.repo.GetInvoice(ctx, invoiceID)
}

// ScanIntegrity reports negative stock and over-returned invoice lines.
func (s *Service) ScanIntegrity(ctx context.Context) (IntegrityReport, error) {
	return s.repo.ScanIntegrity(ctx)
}

func (s *Service) validateSale(cart *Cart, meta SaleMeta) error {
	if meta.ClientID <= 0 {
		return &ValidationError{Field: "client_id", Reason: "must be positive"}
	}
	if meta.DiscountPercent < 0 || meta.DiscountPercent > 100 {
		return &ValidationError{Field: "discount_percent", Reason: "must be between 0 and 100"}
	}
	if meta.InvoiceID != "" {
		if _, err := ParseInvoiceID(meta.InvoiceID); err != nil {
			return &ValidationError{Field: "invoice_id", Reason: err.Error()}
		}
	}
	return validateLines(cart.lines)
}

func (s *Service) validatePurchase(cart *Cart, meta PurchaseMeta) error {
	if meta.SupplierID <= 0 {
		return &ValidationError{Field: "supplier_id", Reason: "must be positive"}
	}
	if meta.Reference == "" {
		return &ValidationError{Field: "reference", Reason: "required"}
	}
	return validateLines(cart.lines)
}

func validateLines(lines []CartLine) error {
	for i, l := range lines {
		if err := validateLine(i+1, l.ProductID, l.Qty, l.UnitPrice); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) commitDate(date time.Time) time.Time {
	if date.IsZero() {
		date = s.now()
	}
	return dateOnly(date)
}

// claimKey records the idempotency key and returns the func that releases it
// after a failed commit.
func (s *Service) claimKey(ctx context.Context, key string) (func(context.Context), error) {
	if s.idempotency == nil || key == "" {
		return func(context.Context) {}, nil
	}
	if err := s.idempotency.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
		return nil, err
	}
	return func(ctx context.Context) {
		if err := s.idempotency.Delete(ctx, key); err != nil {
			s.logger.Error("release idempotency key", slog.String("key", key), slog.Any("error", err))
		}
	}, nil
}

func (s *Service) bumpCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Error("bump balance cache", slog.Any("error", err))
	}
}

func (s *Service) observe(kind CartKind, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveCommit(strings.ToLower(string(kind)), outcome(err))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrEmptyCart):
		return "invalid"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrUnknownReference):
		return "unknown_reference"
	case errors.Is(err, ErrReturnExceedsSold):
		return "return_exceeds_sold"
	case errors.Is(err, ErrSequencerFallback):
		return "sequencer_collision"
	default:
		return "error"
	}
}
