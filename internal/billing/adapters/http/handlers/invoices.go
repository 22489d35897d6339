package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/saas-invoice/saas-invoice/internal/billing/adapters/http/dto"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/response"
)

// ListInvoices lists the caller's invoices, or every invoice for staff
func (h *BillingHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	customerID, err := h.scope(r.Context(), capInvoicesManage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	if customerID == "" {
		customerID = q.Get("customer_id")
	}
	filter := model.InvoiceFilter{
		CustomerID:     customerID,
		SubscriptionID: q.Get("subscription_id"),
		Status:         model.InvoiceStatus(q.Get("status")),
		Pagination:     pagination(r),
	}

	invoices, total, err := h.billing.Invoices.ListInvoices(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]dto.InvoiceResponse, len(invoices))
	for i, inv := range invoices {
		out[i] = dto.FromInvoice(inv)
	}
	response.Paginated(w, r, out, filter.Page, filter.PageSize, total)
}

// GetInvoice returns one invoice the caller may see
func (h *BillingHandler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.ownedInvoice(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromInvoice(inv))
}

// InvoicePDF downloads the invoice as a PDF attachment
func (h *BillingHandler) InvoicePDF(w http.ResponseWriter, r *http.Request) {
	inv, err := h.ownedInvoice(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body, filename, err := h.billing.Invoices.PDF(r.Context(), inv.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// FinalizeInvoice freezes a draft invoice and opens it for payment
func (h *BillingHandler) FinalizeInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.ownedInvoice(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	inv, err = h.billing.Invoices.Finalize(r.Context(), inv.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromInvoice(inv))
}

// AdminCreateInvoice creates an ad-hoc draft invoice
func (h *BillingHandler) AdminCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateInvoiceRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	if err := req.Validate(); err != nil {
		response.Error(w, response.Invalid(err))
		return
	}

	inv, err := h.billing.Invoices.CreateAdHoc(r.Context(), req.Input())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Created(w, dto.FromInvoice(inv))
}

// AdminAddInvoiceItem appends a line to a draft invoice
func (h *BillingHandler) AdminAddInvoiceItem(w http.ResponseWriter, r *http.Request) {
	var req dto.LineItemRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	inv, err := h.billing.Invoices.AddItem(r.Context(), pathID(r), req.Input())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Created(w, dto.FromInvoice(inv))
}

// AdminVoidInvoice voids an unpaid invoice
func (h *BillingHandler) AdminVoidInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.billing.Invoices.Void(r.Context(), pathID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromInvoice(inv))
}

// AdminMarkUncollectible writes off an open invoice
func (h *BillingHandler) AdminMarkUncollectible(w http.ResponseWriter, r *http.Request) {
	inv, err := h.billing.Invoices.MarkUncollectible(r.Context(), pathID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromInvoice(inv))
}

// ownedInvoice loads the path invoice. Invoices of other customers are
// reported as missing.
func (h *BillingHandler) ownedInvoice(r *http.Request) (*model.Invoice, error) {
	ctx := r.Context()
	inv, err := h.billing.Invoices.GetInvoice(ctx, pathID(r))
	if err != nil {
		return nil, err
	}
	customerID, err := h.scope(ctx, capInvoicesManage)
	if err != nil {
		return nil, err
	}
	if customerID != "" && inv.CustomerID != customerID {
		return nil, model.ErrInvoiceNotFound
	}
	return inv, nil
}
