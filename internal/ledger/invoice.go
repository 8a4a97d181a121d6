package ledger

import (
	"github.com/shopspring/decimal"
)

// InvoiceTotals is the printed breakdown of a sale invoice.
type InvoiceTotals struct {
	Subtotal float64 `json:"subtotal"`
	Discount float64 `json:"discount"`
	Taxable  float64 `json:"taxable"`
	Tax      float64 `json:"tax"`
	Total    float64 `json:"total"`
}

// ComputeInvoiceTotals applies a percentage discount then tax to the line sum.
// Amounts are rounded to cents.
func ComputeInvoiceTotals(lines []CartLine, discountPercent, taxRate float64) InvoiceTotals {
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(decimal.NewFromFloat(l.UnitPrice).Mul(decimal.NewFromInt(l.Qty)))
	}
	hundred := decimal.NewFromInt(100)
	discount := subtotal.Mul(decimal.NewFromFloat(discountPercent)).Div(hundred).Round(2)
	subtotal = subtotal.Round(2)
	taxable := subtotal.Sub(discount)
	tax := taxable.Mul(decimal.NewFromFloat(taxRate)).Round(2)
	return InvoiceTotals{
		Subtotal: subtotal.InexactFloat64(),
		Discount: discount.InexactFloat64(),
		Taxable:  taxable.InexactFloat64(),
		Tax:      tax.InexactFloat64(),
		Total:    taxable.Add(tax).InexactFloat64(),
	}
}
