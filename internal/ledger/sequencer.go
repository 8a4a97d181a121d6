package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
)

const (
	// FirstInvoiceID is issued when no sale exists yet or the stored maximum is unusable.
	FirstInvoiceID = "00000001"
	invoiceIDWidth = 8
)

// FormatInvoiceID renders n as an 8-digit zero padded invoice id.
func FormatInvoiceID(n int64) string {
	return fmt.Sprintf("%0*d", invoiceIDWidth, n)
}

// ParseInvoiceID parses a stored invoice id. Wider values are accepted once
// numbering passes 99999999.
func ParseInvoiceID(s string) (int64, error) {
	if len(s) < invoiceIDWidth {
		return 0, fmt.Errorf("ledger: invoice id %q shorter than %d digits", s, invoiceIDWidth)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("ledger: invoice id %q is not numeric", s)
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ledger: parse invoice id %q: %w", s, err)
	}
	return n, nil
}

// NextInvoiceID derives the successor of the stored maximum. fallback reports
// that the maximum was present but unparseable and numbering restarted.
func NextInvoiceID(max string, found bool) (id string, fallback bool) {
	if !found {
		return FirstInvoiceID, false
	}
	n, err := ParseInvoiceID(max)
	if err != nil {
		return FirstInvoiceID, true
	}
	return FormatInvoiceID(n + 1), false
}

// NextInvoiceID previews the id the next sale would receive. The committed id
// is derived again inside the sale transaction.
func (s *Service) NextInvoiceID(ctx context.Context) (string, error) {
	var next string
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, r Reader) error {
		id, err := s.deriveInvoiceID(ctx, r)
		next = id
		return err
	})
	if err != nil {
		if errors.Is(err, ErrSequencerFallback) {
			return next, err
		}
		return "", err
	}
	return next, nil
}

// deriveInvoiceID reads the maximum stored id. On fallback it returns the
// first id together with a *SequencerFallbackError.
func (s *Service) deriveInvoiceID(ctx context.Context, r Reader) (string, error) {
	max, found, err := r.MaxInvoiceID(ctx)
	if err != nil {
		return "", fmt.Errorf("ledger: read max invoice id: %w", err)
	}
	id, fallback := NextInvoiceID(max, found)
	if fallback {
		s.logger.Warn("invoice sequencer fallback", slog.String("stored_max", max), slog.String("issued", id))
		if s.metrics != nil {
			s.metrics.SequencerFallback()
		}
		return id, &SequencerFallbackError{Stored: max}
	}
	return id, nil
}
