package pdf

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
)

func sampleDocument(t *testing.T) *model.InvoiceDocument {
	t.Helper()
	issued := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	item, err := model.NewLineItem("Pro plan, monthly", 1, 5000)
	require.NoError(t, err)
	start, end := issued, issued.AddDate(0, 1, 0)
	item.PeriodStart, item.PeriodEnd = &start, &end

	inv, err := model.NewInvoice(model.InvoiceParams{
		CustomerID: "cus-1",
		Currency:   "USD",
		Items:      []model.LineItem{item},
		Coupon:     &model.Coupon{ID: "c-1", Code: "SAVE20", DiscountType: model.DiscountPercent, PercentOff: 20},
		Tax:        model.TaxPolicy{RateBps: 850},
		DueIn:      30 * 24 * time.Hour,
		Notes:      "Thanks for choosing Pro. Café crème included.",
		IssuedAt:   issued,
	})
	require.NoError(t, err)
	inv.AssignNumber(7)

	return &model.InvoiceDocument{
		Company: model.Company{Name: "SaaS Invoice Platform", Address: "123 Business St", Email: "billing@example.com"},
		Customer: &model.Customer{
			ID: "cus-1", Name: "Ada Lovelace", Email: "ada@example.com",
			CompanyName: "Analytical Engines", AddressLine1: "1 Main St", City: "London", Country: "GB",
		},
		Invoice: inv,
	}
}

func TestRender(t *testing.T) {
	doc := sampleDocument(t)
	assert.Equal(t, int64(4340), doc.Invoice.TotalCents)

	out, err := NewRenderer().Render(doc)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
	assert.Greater(t, len(out), 1000)

	again, err := NewRenderer().Render(doc)
	require.NoError(t, err)
	assert.Equal(t, out, again, "rendering must be deterministic")
}

func TestRenderRejectsMissingInvoice(t *testing.T) {
	_, err := NewRenderer().Render(&model.InvoiceDocument{})
	assert.Error(t, err)
	_, err = NewRenderer().Render(nil)
	assert.Error(t, err)
}

func TestFormatRate(t *testing.T) {
	tests := map[int64]string{850: "8.5", 1000: "10", 0: "0", 725: "7.25", 5: "0.05"}
	for bps, want := range tests {
		assert.Equal(t, want, formatRate(bps))
	}
}
