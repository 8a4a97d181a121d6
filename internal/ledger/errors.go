package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed cart line or commit request.
	ErrValidation = errors.New("ledger: invalid input")
	// ErrInsufficientStock marks a sale line exceeding stock on hand.
	ErrInsufficientStock = errors.New("ledger: insufficient stock")
	// ErrUnknownReference marks a dangling product/client/supplier/invoice id.
	ErrUnknownReference = errors.New("ledger: unknown reference")
	// ErrReturnExceedsSold marks a return larger than the returnable quantity.
	ErrReturnExceedsSold = errors.New("ledger: return exceeds sold quantity")
	// ErrSequencerFallback marks an invoice number issued by the fallback path.
	ErrSequencerFallback = errors.New("ledger: invoice sequencer fallback used")
	// ErrEmptyCart is returned when committing a cart without lines.
	ErrEmptyCart = errors.New("ledger: cart is empty")
	// ErrCartClosed is returned when a committed or rolled back cart is reused.
	ErrCartClosed = errors.New("ledger: cart already committed or rolled back")
	// ErrProductNotFound is returned by repositories for a missing product row.
	ErrProductNotFound = errors.New("ledger: product not found")
	// ErrInvoiceNotFound is returned by repositories for a missing invoice.
	ErrInvoiceNotFound = errors.New("ledger: invoice not found")
)

// ReferenceKind names the entity a dangling id pointed at.
type ReferenceKind string

const (
	RefProduct  ReferenceKind = "product"
	RefClient   ReferenceKind = "client"
	RefSupplier ReferenceKind = "supplier"
	RefInvoice  ReferenceKind = "invoice"
)

// ValidationError identifies the malformed field and, when known, the 1-based line.
type ValidationError struct {
	Line   int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("ledger: line %d: invalid %s: %s", e.Line, e.Field, e.Reason)
	}
	return fmt.Sprintf("ledger: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientStockError reports the offending line of a sale.
type InsufficientStockError struct {
	Line      int
	ProductID int64
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	msg := fmt.Sprintf("ledger: insufficient stock for product %d: requested %d, available %d", e.ProductID, e.Requested, e.Available)
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, msg)
	}
	return msg
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// UnknownReferenceError reports a dangling id.
type UnknownReferenceError struct {
	Line int
	Kind ReferenceKind
	ID   string
}

func (e *UnknownReferenceError) Error() string {
	msg := fmt.Sprintf("ledger: unknown %s %s", e.Kind, e.ID)
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, msg)
	}
	return msg
}

func (e *UnknownReferenceError) Unwrap() error { return ErrUnknownReference }

// ReturnLimitError reports a return line above the returnable quantity.
type ReturnLimitError struct {
	Line       int
	InvoiceID  string
	ProductID  int64
	Requested  int64
	Returnable int64
}

func (e *ReturnLimitError) Error() string {
	return fmt.Sprintf("ledger: line %d: return of %d for product %d on invoice %s exceeds returnable %d",
		e.Line, e.Requested, e.ProductID, e.InvoiceID, e.Returnable)
}

func (e *ReturnLimitError) Unwrap() error { return ErrReturnExceedsSold }

// SequencerFallbackError is a non-fatal warning: the stored maximum invoice id
// could not be parsed and numbering restarted at the first id.
type SequencerFallbackError struct {
	Stored string
}

func (e *SequencerFallbackError) Error() string {
	return fmt.Sprintf("ledger: stored invoice id %q is not numeric, numbering restarted at %s", e.Stored, FirstInvoiceID)
}

func (e *SequencerFallbackError) Unwrap() error { return ErrSequencerFallback }

func unknownID(line int, kind ReferenceKind, id int64) error {
	return &UnknownReferenceError{Line: line, Kind: kind, ID: fmt.Sprintf("%d", id)}
}
