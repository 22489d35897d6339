package handlers

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/saas-invoice/saas-invoice/internal/billing/adapters/http/dto"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/response"
)

// maxWebhookBytes bounds a webhook body
const maxWebhookBytes = 1 << 20

// PayInvoice charges an open invoice through the configured gateway. A declined
// charge is answered with 200 and the failed payment.
func (h *BillingHandler) PayInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.ownedInvoice(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.billing.Payments.PayInvoice(r.Context(), inv.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromPayResult(result))
}

// Webhook receives a signed gateway notification. Replays are acknowledged.
func (h *BillingHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		response.Error(w, response.ErrPayloadTooLarge)
		return
	}
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		signature = r.Header.Get("X-Signature")
	}

	effect, err := h.billing.Payments.HandleWebhook(r.Context(), mux.Vars(r)["provider"], payload, signature)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := "processed"
	if effect == model.EffectDuplicate {
		status = "duplicate"
	}
	response.OK(w, dto.WebhookResponse{Status: status, Effect: string(effect)})
}

// AdminListPayments lists payments
func (h *BillingHandler) AdminListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.PaymentFilter{
		InvoiceID:  q.Get("invoice_id"),
		Provider:   q.Get("provider"),
		Status:     model.PaymentStatus(q.Get("status")),
		Pagination: pagination(r),
	}
	payments, total, err := h.billing.Payments.ListPayments(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]dto.PaymentResponse, len(payments))
	for i, p := range payments {
		out[i] = dto.FromPayment(p)
	}
	response.Paginated(w, r, out, filter.Page, filter.PageSize, total)
}

// AdminGetPayment returns one payment
func (h *BillingHandler) AdminGetPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := h.billing.Payments.GetPayment(r.Context(), pathID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromPayment(payment))
}

// AdminRefundPayment refunds a succeeded payment. A zero amount refunds the remainder.
func (h *BillingHandler) AdminRefundPayment(w http.ResponseWriter, r *http.Request) {
	var req dto.RefundRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	if err := req.Validate(); err != nil {
		response.Error(w, response.Invalid(err))
		return
	}

	payment, err := h.billing.Payments.RefundPayment(r.Context(), pathID(r), req.AmountCents, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromPayment(payment))
}
