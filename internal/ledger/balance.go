package ledger

import (
	"context"
	"fmt"
)

// ComputeBalance sums sales at current product price and purchases at their
// frozen cost. Reads run in one read-only snapshot so a commit in flight is
// either fully visible or not at all.
func (s *Service) ComputeBalance(ctx context.Context, filter BalanceFilter) (Balance, error) {
	if filter.HasRange() && filter.To.Before(filter.From) {
		return Balance{}, &ValidationError{Field: "to", Reason: "must not be before from"}
	}
	load := func(ctx context.Context) (Balance, error) {
		return s.computeBalance(ctx, filter)
	}
	if s.cache != nil {
		return s.cache.Fetch(ctx, filter, load)
	}
	return load(ctx)
}

func (s *Service) computeBalance(ctx context.Context, filter BalanceFilter) (Balance, error) {
	var out Balance
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, r Reader) error {
		clientID, supplierID, err := resolveCounterparties(ctx, r, filter.ClientID, filter.SupplierID)
		if err != nil {
			return err
		}
		base := aggregateQuery{ProductID: filter.ProductID}
		if filter.HasRange() {
			base.From, base.To, base.HasRange = dateOnly(filter.From), dateOnly(filter.To), true
		}
		if clientID != nil || supplierID == nil {
			q := base
			q.CounterpartyID = clientID
			if out.TotalSales, err = r.SumSales(ctx, q); err != nil {
				return fmt.Errorf("ledger: sum sales: %w", err)
			}
		}
		if supplierID != nil || clientID == nil {
			q := base
			q.CounterpartyID = supplierID
			if out.TotalPurchases, err = r.SumPurchases(ctx, q); err != nil {
				return fmt.Errorf("ledger: sum purchases: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Balance{}, err
	}
	out.Net = out.TotalSales - out.TotalPurchases
	return out, nil
}

// resolveCounterparties applies the directory cross-check: a client filter
// whose id is not also a supplier drops the supplier filter, then a supplier
// filter whose id is not also a client drops the client filter.
func resolveCounterparties(ctx context.Context, dir Directory, clientID, supplierID *int64) (*int64, *int64, error) {
	if clientID != nil {
		ok, err := dir.SupplierExists(ctx, *clientID)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			supplierID = nil
		}
	}
	if supplierID != nil {
		ok, err := dir.ClientExists(ctx, *supplierID)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			clientID = nil
		}
	}
	return clientID, supplierID, nil
}

// HasRange reports whether both date bounds are set.
func (f BalanceFilter) HasRange() bool {
	return !f.From.IsZero() && !f.To.IsZero()
}
