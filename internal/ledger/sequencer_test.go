package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormatAndParseInvoiceID(t *testing.T) {
	require.Equal(t, "00000001", FormatInvoiceID(1))
	require.Equal(t, "00000042", FormatInvoiceID(42))
	require.Equal(t, "123456789", FormatInvoiceID(123456789))

	n, err := ParseInvoiceID("00000042")
	require.NoError(t, err)
	require.Equal(t, int64(42), n)

	for _, bad := range []string{"", "42", "0000004a", "INV-0001", "-0000001"} {
		_, err := ParseInvoiceID(bad)
		require.Error(t, err, bad)
	}
}

func TestNextInvoiceIDPure(t *testing.T) {
	cases := []struct {
		name     string
		max      string
		found    bool
		want     string
		fallback bool
	}{
		{name: "empty ledger", want: "00000001"},
		{name: "successor", max: "00000041", found: true, want: "00000042"},
		{name: "carry", max: "00000099", found: true, want: "00000100"},
		{name: "past eight digits", max: "99999999", found: true, want: "100000000"},
		{name: "unparseable", max: "ABC", found: true, want: "00000001", fallback: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, fallback := NextInvoiceID(tc.max, tc.found)
			require.Equal(t, tc.want, id)
			require.Equal(t, tc.fallback, fallback)
		})
	}
}

func commitOneSale(t *testing.T, svc *Service, clientID, productID, qty int64) SaleReceipt {
	t.Helper()
	ctx := context.Background()
	product, err := svc.GetProduct(ctx, productID)
	require.NoError(t, err)
	cart := svc.NewCart(CartKindSale)
	require.NoError(t, cart.AddLine(ctx, product, qty, product.Price))
	receipt, err := svc.CommitSale(ctx, cart, SaleMeta{ClientID: clientID, Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	return receipt
}

func TestServiceIssuesSequentialInvoiceIDs(t *testing.T) {
	repo := newMemoryRepo().
		addProduct(Product{ID: 1, Name: "Bolt", Price: 10, Stock: 100}).
		addClient(7, "Acme")
	svc := NewService(repo, nil, nil, nil, ServiceConfig{}, nil)
	ctx := context.Background()

	next, err := svc.NextInvoiceID(ctx)
	require.NoError(t, err)
	require.Equal(t, "00000001", next)

	first := commitOneSale(t, svc, 7, 1, 1)
	require.Equal(t, "00000001", first.InvoiceID)
	require.NoError(t, first.Warning)

	second := commitOneSale(t, svc, 7, 1, 1)
	require.Equal(t, "00000002", second.InvoiceID)

	next, err = svc.NextInvoiceID(ctx)
	require.NoError(t, err)
	require.Equal(t, "00000003", next)
}

func TestServiceSequencerFallbackWarns(t *testing.T) {
	repo := newMemoryRepo().
		addProduct(Product{ID: 1, Name: "Bolt", Price: 10, Stock: 100}).
		addClient(7, "Acme")
	repo.corruptMax = "ABC"
	metrics := newRecordingMetrics()
	svc := NewService(repo, nil, nil, metrics, ServiceConfig{}, nil)
	ctx := context.Background()

	next, err := svc.NextInvoiceID(ctx)
	require.ErrorIs(t, err, ErrSequencerFallback)
	require.Equal(t, FirstInvoiceID, next)

	receipt := commitOneSale(t, svc, 7, 1, 1)
	require.Equal(t, FirstInvoiceID, receipt.InvoiceID)
	require.ErrorIs(t, receipt.Warning, ErrSequencerFallback)
	var fallbackErr *SequencerFallbackError
	require.ErrorAs(t, receipt.Warning, &fallbackErr)
	require.Equal(t, "ABC", fallbackErr.Stored)
	require.Equal(t, 2, metrics.fallbacks)
}

func TestServiceSequencerFallbackNeverReusesAnID(t *testing.T) {
	repo := newMemoryRepo().
		addProduct(Product{ID: 1, Name: "Bolt", Price: 10, Stock: 100}).
		addClient(7, "Acme")
	metrics := newRecordingMetrics()
	svc := NewService(repo, nil, nil, metrics, ServiceConfig{}, nil)
	commitOneSale(t, svc, 7, 1, 1)

	repo.corruptMax = "ABC"
	ctx := context.Background()
	product, err := svc.GetProduct(ctx, 1)
	require.NoError(t, err)
	cart := svc.NewCart(CartKindSale)
	require.NoError(t, cart.AddLine(ctx, product, 1, product.Price))

	_, err = svc.CommitSale(ctx, cart, SaleMeta{ClientID: 7})
	require.ErrorIs(t, err, ErrSequencerFallback)
	require.Equal(t, CartRolledBack, cart.State())
	require.Equal(t, int64(99), repo.stock(1))
	require.Equal(t, 1, metrics.commits["sale/sequencer_collision"])
}

func TestServiceKeepsSellingAfterAStrayInvoiceID(t *testing.T) {
	repo := newMemoryRepo().
		addProduct(Product{ID: 1, Name: "Bolt", Price: 10, Stock: 100}).
		addClient(7, "Acme").
		addSale(Sale{ClientID: 7, ProductID: 1, Qty: 1, InvoiceID: "ABC"})
	metrics := newRecordingMetrics()
	svc := NewService(repo, nil, nil, metrics, ServiceConfig{}, nil)

	first := commitOneSale(t, svc, 7, 1, 1)
	require.Equal(t, "00000001", first.InvoiceID)
	require.ErrorIs(t, first.Warning, ErrSequencerFallback)

	second := commitOneSale(t, svc, 7, 1, 1)
	require.Equal(t, "00000002", second.InvoiceID)
	require.NoError(t, second.Warning)

	third := commitOneSale(t, svc, 7, 1, 1)
	require.Equal(t, "00000003", third.InvoiceID)
	require.NoError(t, third.Warning)

	require.Equal(t, 1, metrics.fallbacks)
	require.Equal(t, int64(97), repo.stock(1))
}

func TestServiceOrdersInvoiceIDsNumerically(t *testing.T) {
	repo := newMemoryRepo().
		addProduct(Product{ID: 1, Name: "Bolt", Price: 10, Stock: 100}).
		addClient(7, "Acme").
		addSale(Sale{ClientID: 7, ProductID: 1, Qty: 1, InvoiceID: "100000000"}).
		addSale(Sale{ClientID: 7, ProductID: 1, Qty: 1, InvoiceID: "99999999"}).
		addSale(Sale{ClientID: 7, ProductID: 1, Qty: 1, InvoiceID: "ZZZ"})
	svc := NewService(repo, nil, nil, nil, ServiceConfig{}, nil)

	next, err := svc.NextInvoiceID(context.Background())
	require.NoError(t, err)
	require.Equal(t, "100000001", next)

	receipt := commitOneSale(t, svc, 7, 1, 1)
	require.Equal(t, "100000001", receipt.InvoiceID)
	require.NoError(t, receipt.Warning)
}

func TestServiceFallsBackWhenNoInvoiceIDIsWellFormed(t *testing.T) {
	repo := newMemoryRepo().
		addProduct(Product{ID: 1, Name: "Bolt", Price: 10, Stock: 100}).
		addClient(7, "Acme").
		addSale(Sale{ClientID: 7, ProductID: 1, Qty: 1, InvoiceID: "42"})
	svc := NewService(repo, nil, nil, nil, ServiceConfig{}, nil)

	next, err := svc.NextInvoiceID(context.Background())
	require.ErrorIs(t, err, ErrSequencerFallback)
	require.Equal(t, FirstInvoiceID, next)
	var fallbackErr *SequencerFallbackError
	require.ErrorAs(t, err, &fallbackErr)
	require.Equal(t, "42", fallbackErr.Stored)
}

func TestServiceRejectsExplicitDuplicateInvoiceID(t *testing.T) {
	repo := newMemoryRepo().
		addProduct(Product{ID: 1, Name: "Bolt", Price: 10, Stock: 100}).
		addClient(7, "Acme")
	svc := NewService(repo, nil, nil, nil, ServiceConfig{}, nil)
	commitOneSale(t, svc, 7, 1, 1)

	ctx := context.Background()
	product, err := svc.GetProduct(ctx, 1)
	require.NoError(t, err)
	cart := svc.NewCart(CartKindSale)
	require.NoError(t, cart.AddLine(ctx, product, 1, product.Price))
	_, err = svc.CommitSale(ctx, cart, SaleMeta{ClientID: 7, InvoiceID: "00000001"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "invoice_id", verr.Field)

	cart = cart.Reopen()
	_, err = svc.CommitSale(ctx, cart, SaleMeta{ClientID: 7, InvoiceID: "BAD"})
	require.ErrorIs(t, err, ErrValidation)
}
