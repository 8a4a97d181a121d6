package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// CommitReturn reverses part of a sale invoice. Every line increases stock and
// inserts a return row tied to the invoice's client; any failing line rolls
// back the whole request.
func (s *Service) CommitReturn(ctx context.Context, req ReturnRequest) (ReturnReceipt, error) {
	req.InvoiceID = strings.TrimSpace(req.InvoiceID)
	lines, err := mergeReturnLines(req)
	if err != nil {
		s.observeReturn(err)
		return ReturnReceipt{}, err
	}
	date := s.commitDate(req.Date)

	release, err := s.claimKey(ctx, req.IdempotencyKey)
	if err != nil {
		s.observeReturn(err)
		return ReturnReceipt{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var clientID int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockLedger(ctx); err != nil {
			return err
		}
		sales, err := tx.SaleLines(ctx, req.InvoiceID)
		if err != nil {
			return err
		}
		if len(sales) == 0 {
			return &UnknownReferenceError{Kind: RefInvoice, ID: req.InvoiceID}
		}
		clientID = sales[0].ClientID
		sold := make(map[int64]int64, len(sales))
		for _, sale := range sales {
			sold[sale.ProductID] += sale.Qty
		}
		for i, line := range lines {
			if _, err := tx.GetProductForUpdate(ctx, line.ProductID); err != nil {
				if errors.Is(err, ErrProductNotFound) {
					return unknownID(i+1, RefProduct, line.ProductID)
				}
				return err
			}
			returnable := sold[line.ProductID]
			if !s.cfg.LegacyReturnCap && returnable > 0 {
				prior, err := tx.ReturnedQty(ctx, req.InvoiceID, line.ProductID)
				if err != nil {
					return err
				}
				returnable -= prior
				if returnable < 0 {
					returnable = 0
				}
			}
			if line.Qty > returnable {
				return &ReturnLimitError{
					Line:       i + 1,
					InvoiceID:  req.InvoiceID,
					ProductID:  line.ProductID,
					Requested:  line.Qty,
					Returnable: returnable,
				}
			}
			if _, err := tx.InsertReturn(ctx, Return{
				InvoiceID: req.InvoiceID,
				ProductID: line.ProductID,
				Qty:       line.Qty,
				Date:      date,
				ClientID:  clientID,
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
		s.observeReturn(err)
		s.logger.Warn("return rolled back", slog.String("invoice_id", req.InvoiceID), slog.Any("error", err))
		return ReturnReceipt{}, err
	}
	s.observeReturn(nil)
	s.bumpCache(ctx)
	s.logger.Info("return committed", slog.String("invoice_id", req.InvoiceID), slog.Int("lines", len(lines)))
	return ReturnReceipt{InvoiceID: req.InvoiceID, ClientID: clientID, Date: date, Lines: lines}, nil
}

// mergeReturnLines validates the request and sums repeated products, keeping
// the order in which products first appear.
func mergeReturnLines(req ReturnRequest) ([]ReturnLine, error) {
	if req.InvoiceID == "" {
		return nil, &ValidationError{Field: "invoice_id", Reason: "required"}
	}
	if len(req.Lines) == 0 {
		return nil, &ValidationError{Field: "lines", Reason: "at least one line required"}
	}
	index := make(map[int64]int, len(req.Lines))
	merged := make([]ReturnLine, 0, len(req.Lines))
	for i, line := range req.Lines {
		if line.ProductID <= 0 {
			return nil, &ValidationError{Line: i + 1, Field: "product_id", Reason: "must be positive"}
		}
		if line.Qty <= 0 {
			return nil, &ValidationError{Line: i + 1, Field: "qty", Reason: "must be greater than zero"}
		}
		if at, ok := index[line.ProductID]; ok {
			merged[at].Qty += line.Qty
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged, nil
}

func (s *Service) observeReturn(err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveCommit("return", outcome(err))
}
