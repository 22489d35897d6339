package handlers

import (
	"net/http"

	"github.com/saas-invoice/saas-invoice/internal/billing/adapters/http/dto"
	"github.com/saas-invoice/saas-invoice/internal/billing/app/service"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/response"
)

// ListSubscriptions lists the caller's subscriptions, or every subscription for staff
func (h *BillingHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	customerID, err := h.scope(r.Context(), capSubscriptionsManage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	if customerID == "" {
		customerID = q.Get("customer_id")
	}
	filter := model.SubscriptionFilter{
		CustomerID: customerID,
		PlanID:     q.Get("plan_id"),
		Status:     model.SubscriptionStatus(q.Get("status")),
		Pagination: pagination(r),
	}

	subs, total, err := h.billing.Subscriptions.ListSubscriptions(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]dto.SubscriptionResponse, len(subs))
	for i, s := range subs {
		out[i] = dto.FromSubscription(s)
	}
	response.Paginated(w, r, out, filter.Page, filter.PageSize, total)
}

// CreateSubscription subscribes the caller to a plan and issues the first invoice
func (h *BillingHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateSubscriptionRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	if err := req.Validate(); err != nil {
		response.Error(w, response.Invalid(err))
		return
	}

	ctx := r.Context()
	customer, err := h.billing.Customers.Ensure(ctx, h.account(ctx))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.billing.Subscriptions.CreateSubscription(ctx, service.CreateSubscriptionInput{
		CustomerID: customer.ID,
		PlanID:     req.PlanID,
		CouponCode: req.CouponCode,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Created(w, dto.FromCreateResult(result))
}

// GetSubscription returns one subscription the caller may see
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.ownedSubscription(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromSubscription(sub))
}

// CancelSubscription cancels a subscription, at period end unless told otherwise
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	var req dto.CancelSubscriptionRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	sub, err := h.ownedSubscription(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sub, err = h.billing.Subscriptions.CancelSubscription(r.Context(), sub.ID, req.AtPeriodEnd())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromSubscription(sub))
}

// ownedSubscription loads the path subscription. Subscriptions of other
// customers are reported as missing.
func (h *BillingHandler) ownedSubscription(r *http.Request) (*model.Subscription, error) {
	ctx := r.Context()
	sub, err := h.billing.Subscriptions.GetSubscription(ctx, pathID(r))
	if err != nil {
		return nil, err
	}
	customerID, err := h.scope(ctx, capSubscriptionsManage)
	if err != nil {
		return nil, err
	}
	if customerID != "" && sub.CustomerID != customerID {
		return nil, model.ErrSubscriptionNotFound
	}
	return sub, nil
}
