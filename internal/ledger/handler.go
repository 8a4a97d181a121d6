package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

const dateLayout = "2006-01-02"

// Handler wires HTTP endpoints for the ledger.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/invoices/next", h.handleNextInvoice)
	r.Get("/invoices", h.handleListInvoices)
	r.Get("/invoices/{invoiceID}", h.handleGetInvoice)
	r.Post("/sales", h.handleSale)
	r.Post("/purchases", h.handlePurchase)
	r.Post("/returns", h.handleReturn)
	r.Get("/balance", h.handleBalance)
	r.Get("/products/{productID}/last-cost", h.handleLastCost)
}

type lineRequest struct {
	ProductID int64    `json:"product_id" validate:"required,gt=0"`
	Qty       int64    `json:"qty" validate:"required,gt=0"`
	UnitPrice *float64 `json:"unit_price" validate:"omitempty,gt=0"`
}

type saleRequest struct {
	ClientID        int64         `json:"client_id" validate:"required,gt=0"`
	Date            string        `json:"date" validate:"omitempty,datetime=2006-01-02"`
	InvoiceID       string        `json:"invoice_id" validate:"omitempty,numeric,min=8"`
	DiscountPercent float64       `json:"discount_percent" validate:"gte=0,lte=100"`
	Lines           []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type purchaseRequest struct {
	SupplierID int64         `json:"supplier_id" validate:"required,gt=0"`
	Date       string        `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Reference  string        `json:"reference" validate:"required"`
	Lines      []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type returnLineRequest struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	Qty       int64 `json:"qty" validate:"required,gt=0"`
}

type returnRequest struct {
	InvoiceID string              `json:"invoice_id" validate:"required"`
	Date      string              `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Lines     []returnLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type lineResponse struct {
	ProductID   int64   `json:"product_id"`
	ProductName string  `json:"product_name,omitempty"`
	Qty         int64   `json:"qty"`
	UnitPrice   float64 `json:"unit_price,omitempty"`
}

type saleResponse struct {
	InvoiceID string         `json:"invoice_id"`
	ClientID  int64          `json:"client_id"`
	Date      string         `json:"date"`
	Lines     []lineResponse `json:"lines"`
	Totals    InvoiceTotals  `json:"totals"`
	Warning   string         `json:"warning,omitempty"`
}

type purchaseResponse struct {
	Reference  string         `json:"reference"`
	SupplierID int64          `json:"supplier_id"`
	Date       string         `json:"date"`
	Lines      []lineResponse `json:"lines"`
	Total      float64        `json:"total"`
}

type returnResponse struct {
	InvoiceID string         `json:"invoice_id"`
	ClientID  int64          `json:"client_id"`
	Date      string         `json:"date"`
	Lines     []lineResponse `json:"lines"`
}

type invoiceSummaryResponse struct {
	InvoiceID  string `json:"invoice_id"`
	ClientID   int64  `json:"client_id"`
	ClientName string `json:"client_name"`
	Date       string `json:"date"`
}

type invoiceLineResponse struct {
	ProductID   int64   `json:"product_id"`
	ProductName string  `json:"product_name"`
	SoldQty     int64   `json:"sold_qty"`
	ReturnedQty int64   `json:"returned_qty"`
	UnitPrice   float64 `json:"unit_price"`
}

type invoiceResponse struct {
	invoiceSummaryResponse
	Lines []invoiceLineResponse `json:"lines"`
}

func (h *Handler) handleNextInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := h.service.NextInvoiceID(r.Context())
	if err != nil && !errors.Is(err, ErrSequencerFallback) {
		h.fail(w, r, err)
		return
	}
	body := map[string]string{"invoice_id": id}
	if err != nil {
		body["warning"] = err.Error()
	}
	httpx.JSON(w, http.StatusOK, body)
}

func (h *Handler) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.fail(w, r, &ValidationError{Field: "limit", Reason: "must be an integer"})
			return
		}
		limit = n
	}
	invoices, err := h.service.ListInvoices(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]invoiceSummaryResponse, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, summaryResponse(inv))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.GetInvoice(r.Context(), chi.URLParam(r, "invoiceID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := invoiceResponse{invoiceSummaryResponse: summaryResponse(inv.InvoiceSummary), Lines: []invoiceLineResponse{}}
	for _, l := range inv.Lines {
		out.Lines = append(out.Lines, invoiceLineResponse(l))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleSale(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if !h.decode(w, r, &req) {
		return
	}
	key, ok := h.idempotencyKey(w, r)
	if !ok {
		return
	}
	date, _ := parseDate(req.Date)
	ctx := r.Context()
	cart := h.service.NewCart(CartKindSale)
	for i, line := range req.Lines {
		product, err := h.lookupProduct(r, i+1, line.ProductID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		price := product.Price
		if line.UnitPrice != nil {
			price = *line.UnitPrice
		}
		if err := cart.AddLine(ctx, product, line.Qty, price); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	receipt, err := h.service.CommitSale(ctx, cart, SaleMeta{
		ClientID:        req.ClientID,
		Date:            date,
		InvoiceID:       req.InvoiceID,
		DiscountPercent: req.DiscountPercent,
		IdempotencyKey:  key,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := saleResponse{
		InvoiceID: receipt.InvoiceID,
		ClientID:  receipt.ClientID,
		Date:      receipt.Date.Format(dateLayout),
		Lines:     cartLinesResponse(receipt.Lines),
		Totals:    receipt.Totals,
	}
	if receipt.Warning != nil {
		out.Warning = receipt.Warning.Error()
	}
	httpx.JSON(w, http.StatusCreated, out)
}

func (h *Handler) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	key, ok := h.idempotencyKey(w, r)
	if !ok {
		return
	}
	date, _ := parseDate(req.Date)
	ctx := r.Context()
	cart := h.service.NewCart(CartKindPurchase)
	for i, line := range req.Lines {
		if line.UnitPrice == nil {
			h.fail(w, r, &ValidationError{Line: i + 1, Field: "unit_price", Reason: "required for purchases"})
			return
		}
		product, err := h.lookupProduct(r, i+1, line.ProductID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if err := cart.AddLine(ctx, product, line.Qty, *line.UnitPrice); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	receipt, err := h.service.CommitPurchase(ctx, cart, PurchaseMeta{
		SupplierID:     req.SupplierID,
		Date:           date,
		Reference:      req.Reference,
		IdempotencyKey: key,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, purchaseResponse{
		Reference:  receipt.Reference,
		SupplierID: receipt.SupplierID,
		Date:       receipt.Date.Format(dateLayout),
		Lines:      cartLinesResponse(receipt.Lines),
		Total:      receipt.Total,
	})
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	if !h.decode(w, r, &req) {
		return
	}
	key, ok := h.idempotencyKey(w, r)
	if !ok {
		return
	}
	date, _ := parseDate(req.Date)
	lines := make([]ReturnLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, ReturnLine{ProductID: l.ProductID, Qty: l.Qty})
	}
	receipt, err := h.service.CommitReturn(r.Context(), ReturnRequest{
		InvoiceID:      req.InvoiceID,
		Date:           date,
		Lines:          lines,
		IdempotencyKey: key,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := returnResponse{
		InvoiceID: receipt.InvoiceID,
		ClientID:  receipt.ClientID,
		Date:      receipt.Date.Format(dateLayout),
	}
	for _, l := range receipt.Lines {
		out.Lines = append(out.Lines, lineResponse{ProductID: l.ProductID, Qty: l.Qty})
	}
	httpx.JSON(w, http.StatusCreated, out)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseBalanceQuery(r.URL.Query().Get, time.UTC)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	bal, err := h.service.ComputeBalance(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bal)
}

func (h *Handler) handleLastCost(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		h.fail(w, r, &ValidationError{Field: "product_id", Reason: "must be an integer"})
		return
	}
	cost, found, err := h.service.LastPurchaseCost(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"product_id": id, "found": found, "unit_cost": cost})
}

// ParseBalanceQuery reads from, to, product_id, client_id and supplier_id.
// Dates use the YYYY-MM-DD layout in loc.
func ParseBalanceQuery(get func(string) string, loc *time.Location) (BalanceFilter, error) {
	var f BalanceFilter
	var err error
	if raw := get("from"); raw != "" {
		if f.From, err = time.ParseInLocation(dateLayout, raw, loc); err != nil {
			return f, &ValidationError{Field: "from", Reason: "expected YYYY-MM-DD"}
		}
	}
	if raw := get("to"); raw != "" {
		if f.To, err = time.ParseInLocation(dateLayout, raw, loc); err != nil {
			return f, &ValidationError{Field: "to", Reason: "expected YYYY-MM-DD"}
		}
	}
	for _, p := range []struct {
		name string
		dst  **int64
	}{{"product_id", &f.ProductID}, {"client_id", &f.ClientID}, {"supplier_id", &f.SupplierID}} {
		raw := get(p.name)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return f, &ValidationError{Field: p.name, Reason: "must be a positive integer"}
		}
		*p.dst = &id
	}
	return f, nil
}

func (h *Handler) lookupProduct(r *http.Request, line int, id int64) (Product, error) {
	product, err := h.service.GetProduct(r.Context(), id)
	if errors.Is(err, ErrProductNotFound) {
		return Product{}, unknownID(line, RefProduct, id)
	}
	return product, err
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(w, r, dst); err != nil {
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title: "Malformed Body", Status: http.StatusBadRequest, Detail: err.Error(), Instance: r.URL.Path,
		})
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		problem := httpx.ProblemDetail{Title: "Validation Failed", Status: http.StatusBadRequest, Instance: r.URL.Path}
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
				problem.Fields = append(problem.Fields, httpx.FieldError{Field: fe.Namespace(), Rule: fe.Tag()})
			}
			problem.Detail = strings.Join(msgs, "; ")
		} else {
			problem.Detail = err.Error()
		}
		httpx.WriteProblem(w, problem)
		return false
	}
	return true
}

func (h *Handler) idempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if raw == "" {
		return "", true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "Idempotency-Key must be a UUID")
		return "", false
	}
	return id.String(), true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	classified := classifyError(err)
	if errors.Is(classified, httpx.ErrNotFound) || errors.Is(classified, httpx.ErrConflict) ||
		errors.Is(classified, httpx.ErrValidation) || errors.Is(classified, httpx.ErrUnprocessable) {
		h.logger.Info("ledger request rejected", slog.String("path", r.URL.Path), slog.Any("error", err))
	} else {
		h.logger.Error("ledger request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, classified)
}

func classifyError(err error) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrEmptyCart), errors.Is(err, ErrCartClosed):
		return httpx.Classify(httpx.ErrValidation, err)
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrReturnExceedsSold),
		errors.Is(err, ErrSequencerFallback), errors.Is(err, shared.ErrIdempotencyConflict):
		return httpx.Classify(httpx.ErrConflict, err)
	case errors.Is(err, ErrUnknownReference):
		return httpx.Classify(httpx.ErrUnprocessable, err)
	case errors.Is(err, ErrInvoiceNotFound), errors.Is(err, ErrProductNotFound):
		return httpx.Classify(httpx.ErrNotFound, err)
	default:
		return err
	}
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, raw)
}

func summaryResponse(inv InvoiceSummary) invoiceSummaryResponse {
	return invoiceSummaryResponse{
		InvoiceID:  inv.InvoiceID,
		ClientID:   inv.ClientID,
		ClientName: inv.ClientName,
		Date:       inv.Date.Format(dateLayout),
	}
}

func cartLinesResponse(lines []CartLine) []lineResponse {
	out := make([]lineResponse, 0, len(lines))
	for _, l := range lines {
		out = append(out, lineResponse(l))
	}
	return out
}
