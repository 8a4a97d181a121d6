package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// memoryRepo keeps ledger state in maps. WithTx works on a copy that replaces
// the live state only when the callback succeeds.
type memoryRepo struct {
	mu    sync.Mutex
	state memoryState

	// failInsertSaleAt makes the n-th InsertSale call of a transaction fail.
	failInsertSaleAt int
	// corruptMax overrides MaxInvoiceID when set.
	corruptMax string
}

type memoryState struct {
	products  map[int64]Product
	clients   map[int64]string
	suppliers map[int64]string
	sales     []Sale
	purchases []Purchase
	returns   []Return
	nextID    int64
}

type memoryTx struct {
	repo  *memoryRepo
	state *memoryState
	sales int
}

var errInjected = errors.New("injected failure")

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: memoryState{
		products:  map[int64]Product{},
		clients:   map[int64]string{},
		suppliers: map[int64]string{},
	}}
}

func (r *memoryRepo) addProduct(p Product) *memoryRepo {
	r.state.products[p.ID] = p
	return r
}

func (r *memoryRepo) addClient(id int64, name string) *memoryRepo {
	r.state.clients[id] = name
	return r
}

func (r *memoryRepo) addSupplier(id int64, name string) *memoryRepo {
	r.state.suppliers[id] = name
	return r
}

// addSale stores a raw sale row, bypassing every ledger rule.
func (r *memoryRepo) addSale(sale Sale) *memoryRepo {
	r.state.nextID++
	sale.ID = r.state.nextID
	r.state.sales = append(r.state.sales, sale)
	return r
}

func (r *memoryRepo) stock(id int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.products[id].Stock
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		products:  make(map[int64]Product, len(s.products)),
		clients:   s.clients,
		suppliers: s.suppliers,
		sales:     append([]Sale(nil), s.sales...),
		purchases: append([]Purchase(nil), s.purchases...),
		returns:   append([]Return(nil), s.returns...),
		nextID:    s.nextID,
	}
	for id, p := range s.products {
		out.products[id] = p
	}
	return out
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.state.clone()
	if err := fn(ctx, &memoryTx{repo: r, state: &work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memoryRepo) WithReadTx(ctx context.Context, fn func(context.Context, Reader) error) error {
	r.mu.Lock()
	snapshot := r.state.clone()
	r.mu.Unlock()
	return fn(ctx, &memoryTx{repo: r, state: &snapshot})
}

func (r *memoryRepo) GetProduct(ctx context.Context, id int64) (Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.state.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

func (r *memoryRepo) LastPurchaseCost(ctx context.Context, productID int64) (float64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last *Purchase
	for i := range r.state.purchases {
		p := &r.state.purchases[i]
		if p.ProductID != productID {
			continue
		}
		if last == nil || !p.Date.Before(last.Date) {
			last = p
		}
	}
	if last == nil {
		return 0, false, nil
	}
	return last.UnitCost, true, nil
}

func (r *memoryRepo) ListInvoices(ctx context.Context, limit int) ([]InvoiceSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	var out []InvoiceSummary
	for _, s := range r.state.sales {
		if seen[s.InvoiceID] {
			continue
		}
		seen[s.InvoiceID] = true
		out = append(out, InvoiceSummary{InvoiceID: s.InvoiceID, ClientID: s.ClientID, ClientName: r.state.clients[s.ClientID], Date: s.Date})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvoiceID > out[j].InvoiceID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) GetInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var inv Invoice
	index := map[int64]int{}
	for _, s := range r.state.sales {
		if s.InvoiceID != invoiceID {
			continue
		}
		inv.InvoiceSummary = InvoiceSummary{InvoiceID: s.InvoiceID, ClientID: s.ClientID, ClientName: r.state.clients[s.ClientID], Date: s.Date}
		at, ok := index[s.ProductID]
		if !ok {
			p := r.state.products[s.ProductID]
			index[s.ProductID] = len(inv.Lines)
			inv.Lines = append(inv.Lines, InvoiceLine{ProductID: p.ID, ProductName: p.Name, UnitPrice: p.Price})
			at = len(inv.Lines) - 1
		}
		inv.Lines[at].SoldQty += s.Qty
	}
	if inv.InvoiceID == "" {
		return Invoice{}, ErrInvoiceNotFound
	}
	for _, ret := range r.state.returns {
		if at, ok := index[ret.ProductID]; ok && ret.InvoiceID == invoiceID {
			inv.Lines[at].ReturnedQty += ret.Qty
		}
	}
	return inv, nil
}

func (r *memoryRepo) ScanIntegrity(ctx context.Context) (IntegrityReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var report IntegrityReport
	for _, p := range r.state.products {
		if p.Stock < 0 {
			report.NegativeStock = append(report.NegativeStock, p)
		}
	}
	type pair struct {
		invoice string
		product int64
	}
	sold := map[pair]int64{}
	for _, s := range r.state.sales {
		sold[pair{s.InvoiceID, s.ProductID}] += s.Qty
	}
	returned := map[pair]int64{}
	for _, ret := range r.state.returns {
		returned[pair{ret.InvoiceID, ret.ProductID}] += ret.Qty
	}
	for k, qty := range returned {
		if qty > sold[k] {
			report.OverReturned = append(report.OverReturned, OverReturn{InvoiceID: k.invoice, ProductID: k.product, SoldQty: sold[k], ReturnedQty: qty})
		}
	}
	return report, nil
}

func (tx *memoryTx) ClientExists(ctx context.Context, id int64) (bool, error) {
	_, ok := tx.state.clients[id]
	return ok, nil
}

func (tx *memoryTx) SupplierExists(ctx context.Context, id int64) (bool, error) {
	_, ok := tx.state.suppliers[id]
	return ok, nil
}

func inRange(q aggregateQuery, d time.Time) bool {
	if !q.HasRange {
		return true
	}
	return !d.Before(q.From) && !d.After(q.To)
}

func (tx *memoryTx) SumSales(ctx context.Context, q aggregateQuery) (float64, error) {
	var total float64
	for _, s := range tx.state.sales {
		if !inRange(q, s.Date) {
			continue
		}
		if q.ProductID != nil && s.ProductID != *q.ProductID {
			continue
		}
		if q.CounterpartyID != nil && s.ClientID != *q.CounterpartyID {
			continue
		}
		total += float64(s.Qty) * tx.state.products[s.ProductID].Price
	}
	return total, nil
}

func (tx *memoryTx) SumPurchases(ctx context.Context, q aggregateQuery) (float64, error) {
	var total float64
	for _, p := range tx.state.purchases {
		if !inRange(q, p.Date) {
			continue
		}
		if q.ProductID != nil && p.ProductID != *q.ProductID {
			continue
		}
		if q.CounterpartyID != nil && p.SupplierID != *q.CounterpartyID {
			continue
		}
		total += float64(p.Qty) * p.UnitCost
	}
	return total, nil
}

func (tx *memoryTx) SaleLines(ctx context.Context, invoiceID string) ([]Sale, error) {
	var out []Sale
	for _, s := range tx.state.sales {
		if s.InvoiceID == invoiceID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (tx *memoryTx) ReturnedQty(ctx context.Context, invoiceID string, productID int64) (int64, error) {
	var qty int64
	for _, r := range tx.state.returns {
		if r.InvoiceID == invoiceID && r.ProductID == productID {
			qty += r.Qty
		}
	}
	return qty, nil
}

func (tx *memoryTx) MaxInvoiceID(ctx context.Context) (string, bool, error) {
	if tx.repo.corruptMax != "" {
		return tx.repo.corruptMax, true, nil
	}
	var best int64 = -1
	max, found := "", false
	for _, s := range tx.state.sales {
		if n, err := ParseInvoiceID(s.InvoiceID); err == nil && n > best {
			best, max, found = n, s.InvoiceID, true
		}
	}
	if found {
		return max, true, nil
	}
	for _, s := range tx.state.sales {
		if !found || s.InvoiceID > max {
			max, found = s.InvoiceID, true
		}
	}
	return max, found, nil
}

func (tx *memoryTx) LockLedger(ctx context.Context) error { return nil }

func (tx *memoryTx) GetProductForUpdate(ctx context.Context, id int64) (Product, error) {
	p, ok := tx.state.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

func (tx *memoryTx) AdjustStock(ctx context.Context, productID, delta int64) error {
	p, ok := tx.state.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	p.Stock += delta
	tx.state.products[productID] = p
	return nil
}

func (tx *memoryTx) InsertSale(ctx context.Context, sale Sale) (int64, error) {
	tx.sales++
	if tx.repo.failInsertSaleAt > 0 && tx.sales == tx.repo.failInsertSaleAt {
		return 0, errInjected
	}
	tx.state.nextID++
	sale.ID = tx.state.nextID
	tx.state.sales = append(tx.state.sales, sale)
	return sale.ID, nil
}

func (tx *memoryTx) InsertPurchase(ctx context.Context, p Purchase) (int64, error) {
	tx.state.nextID++
	p.ID = tx.state.nextID
	tx.state.purchases = append(tx.state.purchases, p)
	return p.ID, nil
}

func (tx *memoryTx) InsertReturn(ctx context.Context, ret Return) (int64, error) {
	tx.state.nextID++
	ret.ID = tx.state.nextID
	tx.state.returns = append(tx.state.returns, ret)
	return ret.ID, nil
}

type memoryIdempotency struct {
	keys map[string]string
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: map[string]string{}}
}

var errDuplicateKey = fmt.Errorf("memory: %w", shared.ErrIdempotencyConflict)

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if _, ok := m.keys[key]; ok {
		return errDuplicateKey
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

type recordingMetrics struct {
	commits   map[string]int
	fallbacks int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{commits: map[string]int{}}
}

func (m *recordingMetrics) ObserveCommit(kind, outcome string) {
	m.commits[kind+"/"+outcome]++
}

func (m *recordingMetrics) SequencerFallback() { m.fallbacks++ }
