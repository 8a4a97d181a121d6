package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// priceScale is the number of decimal places a stored price keeps.
const priceScale = 2

// CartState tracks a cart through one commit attempt.
type CartState string

const (
	CartBuilding   CartState = "BUILDING"
	CartValidating CartState = "VALIDATING"
	CartCommitting CartState = "COMMITTING"
	CartCommitted  CartState = "COMMITTED"
	CartRolledBack CartState = "ROLLED_BACK"
)

// CartLine is one staged line item.
type CartLine struct {
	ProductID   int64
	ProductName string
	Qty         int64
	UnitPrice   float64
}

// Amount is qty × unit price.
func (l CartLine) Amount() float64 {
	return float64(l.Qty) * l.UnitPrice
}

// StockReader reads the current stock of a product for the add-time check.
type StockReader interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
}

// Cart accumulates line items for one sale or purchase. A Cart is owned by a
// single workflow and is not safe for concurrent use.
type Cart struct {
	kind  CartKind
	stock StockReader
	lines []CartLine
	total float64
	state CartState
}

// NewCart builds an empty cart. For sale carts stock is consulted on every
// add/update; a nil reader falls back to the Product value passed by the caller.
func NewCart(kind CartKind, stock StockReader) *Cart {
	return &Cart{kind: kind, stock: stock, state: CartBuilding}
}

// Kind returns the cart kind.
func (c *Cart) Kind() CartKind { return c.kind }

// State returns the lifecycle state.
func (c *Cart) State() CartState { return c.state }

// Len returns the number of lines.
func (c *Cart) Len() int { return len(c.lines) }

// Total returns the running total.
func (c *Cart) Total() float64 { return c.total }

// Lines returns a copy of the staged lines.
func (c *Cart) Lines() []CartLine {
	out := make([]CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

// AddLine appends a line after validating it.
func (c *Cart) AddLine(ctx context.Context, product Product, qty int64, unitPrice float64) error {
	if c.state != CartBuilding {
		return ErrCartClosed
	}
	line := len(c.lines) + 1
	if err := validateLine(line, product.ID, qty, unitPrice); err != nil {
		return err
	}
	if c.kind == CartKindSale {
		if err := c.checkStock(ctx, line, product, true, qty+c.qtyOf(product.ID, -1)); err != nil {
			return err
		}
	}
	c.lines = append(c.lines, CartLine{ProductID: product.ID, ProductName: product.Name, Qty: qty, UnitPrice: unitPrice})
	c.recalc()
	return nil
}

// UpdateLine changes the quantity and/or price of the line at index.
func (c *Cart) UpdateLine(ctx context.Context, index int, qty *int64, unitPrice *float64) error {
	if c.state != CartBuilding {
		return ErrCartClosed
	}
	if index < 0 || index >= len(c.lines) {
		return &ValidationError{Field: "index", Reason: "no such cart line"}
	}
	next := c.lines[index]
	if qty != nil {
		next.Qty = *qty
	}
	if unitPrice != nil {
		next.UnitPrice = *unitPrice
	}
	if err := validateLine(index+1, next.ProductID, next.Qty, next.UnitPrice); err != nil {
		return err
	}
	if c.kind == CartKindSale && qty != nil {
		product := Product{ID: next.ProductID, Name: next.ProductName}
		if err := c.checkStock(ctx, index+1, product, false, next.Qty+c.qtyOf(next.ProductID, index)); err != nil {
			return err
		}
	}
	c.lines[index] = next
	c.recalc()
	return nil
}

// RemoveLine drops the line at index.
func (c *Cart) RemoveLine(index int) error {
	if c.state != CartBuilding {
		return ErrCartClosed
	}
	if index < 0 || index >= len(c.lines) {
		return &ValidationError{Field: "index", Reason: "no such cart line"}
	}
	c.lines = append(c.lines[:index], c.lines[index+1:]...)
	c.recalc()
	return nil
}

// Clear empties the cart without changing its state.
func (c *Cart) Clear() {
	c.lines = nil
	c.recalc()
}

// Reopen returns a fresh building cart holding the same lines, for a retry
// after a rolled back commit.
func (c *Cart) Reopen() *Cart {
	next := NewCart(c.kind, c.stock)
	next.lines = c.Lines()
	next.recalc()
	return next
}

// begin moves the cart into validation for a commit of the given kind.
func (c *Cart) begin(kind CartKind) error {
	if c == nil {
		return ErrEmptyCart
	}
	if c.state != CartBuilding {
		return ErrCartClosed
	}
	if c.kind != kind {
		return &ValidationError{Field: "cart", Reason: "cart kind " + string(c.kind) + " cannot be committed as " + string(kind)}
	}
	if len(c.lines) == 0 {
		return ErrEmptyCart
	}
	c.state = CartValidating
	return nil
}

func (c *Cart) committing() { c.state = CartCommitting }

// finish records the outcome. A committed cart is emptied; a rolled back
// cart keeps its lines for the caller to show or Reopen.
func (c *Cart) finish(committed bool) {
	if committed {
		c.state = CartCommitted
		c.Clear()
		return
	}
	c.state = CartRolledBack
}

func (c *Cart) recalc() {
	var total float64
	for _, l := range c.lines {
		total += l.Amount()
	}
	c.total = total
}

// qtyOf sums the staged quantity of a product, skipping the line at skip.
func (c *Cart) qtyOf(productID int64, skip int) int64 {
	var qty int64
	for i, l := range c.lines {
		if i == skip || l.ProductID != productID {
			continue
		}
		qty += l.Qty
	}
	return qty
}

// checkStock compares wanted against the reader's stock, or against
// product.Stock when there is no reader and known is set. With neither the
// check is left to commit time.
func (c *Cart) checkStock(ctx context.Context, line int, product Product, known bool, wanted int64) error {
	available := product.Stock
	if c.stock != nil {
		current, err := c.stock.GetProduct(ctx, product.ID)
		if err != nil {
			if errors.Is(err, ErrProductNotFound) {
				return unknownID(line, RefProduct, product.ID)
			}
			return err
		}
		available = current.Stock
	}
	if c.stock == nil && !known {
		return nil
	}
	if wanted > available {
		return &InsufficientStockError{Line: line, ProductID: product.ID, Requested: wanted, Available: available}
	}
	return nil
}

func validateLine(line int, productID, qty int64, unitPrice float64) error {
	if productID <= 0 {
		return &ValidationError{Line: line, Field: "product_id", Reason: "must be positive"}
	}
	if qty <= 0 {
		return &ValidationError{Line: line, Field: "qty", Reason: "must be greater than zero"}
	}
	if unitPrice <= 0 {
		return &ValidationError{Line: line, Field: "unit_price", Reason: "must be greater than zero"}
	}
	if decimal.NewFromFloat(unitPrice).Exponent() < -priceScale {
		return &ValidationError{Line: line, Field: "unit_price", Reason: "must have at most 2 decimal places"}
	}
	return nil
}
