// Package handlers provides HTTP handlers for the billing service
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	authmodel "github.com/saas-invoice/saas-invoice/internal/auth/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/billing/app/service"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
	"github.com/saas-invoice/saas-invoice/internal/platform/middleware"
	"github.com/saas-invoice/saas-invoice/internal/platform/requestctx"
	"github.com/saas-invoice/saas-invoice/internal/platform/resilience"
	"github.com/saas-invoice/saas-invoice/internal/platform/response"
	"github.com/saas-invoice/saas-invoice/internal/platform/validation"
)

var (
	capCatalogManage       = string(authmodel.CapCatalogManage)
	capCouponsManage       = string(authmodel.CapCouponsManage)
	capSubscriptionsManage = string(authmodel.CapSubscriptionsManage)
	capInvoicesManage      = string(authmodel.CapInvoicesManage)
	capPaymentsManage      = string(authmodel.CapPaymentsManage)
	capSubscriptionsOwn    = string(authmodel.CapSubscriptionsOwn)
	capInvoicesOwn         = string(authmodel.CapInvoicesOwn)
)

// NameLookup returns the display name of a user, used when a customer is
// created on first access
type NameLookup func(ctx context.Context, userID string) string

// BillingHandler handles customer, catalog, subscription, invoice and payment requests
type BillingHandler struct {
	billing *service.Billing
	auth    *middleware.Auth
	names   NameLookup
	clock   func() time.Time
	logger  logger.Logger
}

// NewBillingHandler creates a new billing handler. names may be nil.
func NewBillingHandler(billing *service.Billing, auth *middleware.Auth, names NameLookup, log logger.Logger) *BillingHandler {
	if names == nil {
		names = func(context.Context, string) string { return "" }
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &BillingHandler{
		billing: billing,
		auth:    auth,
		names:   names,
		clock:   func() time.Time { return time.Now().UTC() },
		logger:  log,
	}
}

// RegisterRoutes registers billing routes on the /api/v1 router
func (h *BillingHandler) RegisterRoutes(router *mux.Router) {
	authed := func(capability string, f http.HandlerFunc) http.Handler {
		return h.auth.Authenticate(h.auth.Require(capability)(f))
	}
	signedIn := func(f http.HandlerFunc) http.Handler {
		return h.auth.Authenticate(f)
	}

	router.Handle("/customers/me", signedIn(h.GetMyCustomer)).Methods("GET")
	router.Handle("/customers/me", signedIn(h.UpdateMyCustomer)).Methods("PUT", "PATCH")

	router.HandleFunc("/catalog/products", h.CatalogProducts).Methods("GET")
	router.HandleFunc("/catalog/plans", h.CatalogPlans).Methods("GET")
	router.Handle("/coupons/validate", signedIn(h.ValidateCoupon)).Methods("POST")

	router.Handle("/subscriptions", authed(capSubscriptionsOwn, h.ListSubscriptions)).Methods("GET")
	router.Handle("/subscriptions", authed(capSubscriptionsOwn, h.CreateSubscription)).Methods("POST")
	router.Handle("/subscriptions/{id}", authed(capSubscriptionsOwn, h.GetSubscription)).Methods("GET")
	router.Handle("/subscriptions/{id}/cancel", authed(capSubscriptionsOwn, h.CancelSubscription)).Methods("POST")

	router.Handle("/invoices", authed(capInvoicesOwn, h.ListInvoices)).Methods("GET")
	router.Handle("/invoices/{id}", authed(capInvoicesOwn, h.GetInvoice)).Methods("GET")
	router.Handle("/invoices/{id}/pdf", authed(capInvoicesOwn, h.InvoicePDF)).Methods("GET")
	router.Handle("/invoices/{id}/finalize", authed(capInvoicesOwn, h.FinalizeInvoice)).Methods("POST")
	router.Handle("/invoices/{id}/pay", authed(capInvoicesOwn, h.PayInvoice)).Methods("POST")

	router.Handle("/admin/products", authed(capCatalogManage, h.AdminListProducts)).Methods("GET")
	router.Handle("/admin/products", authed(capCatalogManage, h.AdminCreateProduct)).Methods("POST")
	router.Handle("/admin/products/{id}", authed(capCatalogManage, h.AdminGetProduct)).Methods("GET")
	router.Handle("/admin/products/{id}", authed(capCatalogManage, h.AdminUpdateProduct)).Methods("PUT", "PATCH")
	router.Handle("/admin/products/{id}", authed(capCatalogManage, h.AdminDeleteProduct)).Methods("DELETE")

	router.Handle("/admin/plans", authed(capCatalogManage, h.AdminListPlans)).Methods("GET")
	router.Handle("/admin/plans", authed(capCatalogManage, h.AdminCreatePlan)).Methods("POST")
	router.Handle("/admin/plans/{id}", authed(capCatalogManage, h.AdminGetPlan)).Methods("GET")
	router.Handle("/admin/plans/{id}", authed(capCatalogManage, h.AdminUpdatePlan)).Methods("PUT", "PATCH")
	router.Handle("/admin/plans/{id}", authed(capCatalogManage, h.AdminDeletePlan)).Methods("DELETE")

	router.Handle("/admin/coupons", authed(capCouponsManage, h.AdminListCoupons)).Methods("GET")
	router.Handle("/admin/coupons", authed(capCouponsManage, h.AdminCreateCoupon)).Methods("POST")
	router.Handle("/admin/coupons/{id}", authed(capCouponsManage, h.AdminGetCoupon)).Methods("GET")
	router.Handle("/admin/coupons/{id}", authed(capCouponsManage, h.AdminUpdateCoupon)).Methods("PUT", "PATCH")
	router.Handle("/admin/coupons/{id}", authed(capCouponsManage, h.AdminDeleteCoupon)).Methods("DELETE")

	router.Handle("/admin/customers", authed(capInvoicesManage, h.AdminListCustomers)).Methods("GET")
	router.Handle("/admin/customers/{id}", authed(capInvoicesManage, h.AdminGetCustomer)).Methods("GET")

	router.Handle("/admin/subscriptions", authed(capSubscriptionsManage, h.ListSubscriptions)).Methods("GET")
	router.Handle("/admin/subscriptions/{id}", authed(capSubscriptionsManage, h.GetSubscription)).Methods("GET")
	router.Handle("/admin/subscriptions/{id}/cancel", authed(capSubscriptionsManage, h.CancelSubscription)).Methods("POST")

	router.Handle("/admin/invoices", authed(capInvoicesManage, h.ListInvoices)).Methods("GET")
	router.Handle("/admin/invoices", authed(capInvoicesManage, h.AdminCreateInvoice)).Methods("POST")
	router.Handle("/admin/invoices/{id}", authed(capInvoicesManage, h.GetInvoice)).Methods("GET")
	router.Handle("/admin/invoices/{id}/items", authed(capInvoicesManage, h.AdminAddInvoiceItem)).Methods("POST")
	router.Handle("/admin/invoices/{id}/finalize", authed(capInvoicesManage, h.FinalizeInvoice)).Methods("POST")
	router.Handle("/admin/invoices/{id}/void", authed(capInvoicesManage, h.AdminVoidInvoice)).Methods("POST")
	router.Handle("/admin/invoices/{id}/mark-uncollectible", authed(capInvoicesManage, h.AdminMarkUncollectible)).Methods("POST")

	router.Handle("/admin/payments", authed(capPaymentsManage, h.AdminListPayments)).Methods("GET")
	router.Handle("/admin/payments/{id}", authed(capPaymentsManage, h.AdminGetPayment)).Methods("GET")
	router.Handle("/admin/payments/{id}/refund", authed(capPaymentsManage, h.AdminRefundPayment)).Methods("POST")

	router.HandleFunc("/payments/webhooks/{provider}", h.Webhook).Methods("POST")
}

// account builds the customer identity of the caller
func (h *BillingHandler) account(ctx context.Context) service.Account {
	principal, _ := requestctx.PrincipalFrom(ctx)
	return service.Account{
		UserID: principal.UserID,
		Email:  principal.Email,
		Name:   h.names(ctx, principal.UserID),
	}
}

// scope is the customer a non-staff caller is restricted to. Staff holding
// capability get an empty scope, meaning every customer.
func (h *BillingHandler) scope(ctx context.Context, capability string) (customerID string, err error) {
	if h.auth.Can(ctx, capability) {
		return "", nil
	}
	principal, _ := requestctx.PrincipalFrom(ctx)
	customer, err := h.billing.Customers.FindByUser(ctx, principal.UserID)
	if errors.Is(err, model.ErrCustomerNotFound) {
		return noCustomer, nil
	}
	if err != nil {
		return "", err
	}
	return customer.ID, nil
}

// noCustomer scopes lists of callers without a billing profile to nothing
const noCustomer = "-"

func pathID(r *http.Request) string {
	return mux.Vars(r)["id"]
}

func pagination(r *http.Request) model.Pagination {
	page, pageSize := response.PageParams(r)
	return model.Pagination{Page: page, PageSize: pageSize}
}

var errorTable = []struct {
	err    error
	apiErr *response.APIError
}{
	{model.ErrProductNotFound, response.ErrNotFound.WithMessage("Product not found")},
	{model.ErrPlanNotFound, response.ErrNotFound.WithMessage("Plan not found")},
	{model.ErrCouponNotFound, response.ErrNotFound.WithMessage("Coupon not found")},
	{model.ErrCustomerNotFound, response.ErrNotFound.WithMessage("Customer not found")},
	{model.ErrSubscriptionNotFound, response.ErrNotFound.WithMessage("Subscription not found")},
	{model.ErrInvoiceNotFound, response.ErrNotFound.WithMessage("Invoice not found")},
	{model.ErrPaymentNotFound, response.ErrNotFound.WithMessage("Payment not found")},
	{model.ErrUnknownProvider, &response.APIError{StatusCode: http.StatusNotFound, Code: "UNKNOWN_PROVIDER", Message: "Unknown payment provider"}},

	{model.ErrProductInUse, response.ErrConflict.WithMessage("Product still has plans")},
	{model.ErrPlanInUse, response.ErrConflict.WithMessage("Plan is referenced by a live subscription")},
	{model.ErrCouponInUse, response.ErrConflict.WithMessage("Coupon has been redeemed and cannot be deleted")},
	{model.ErrCouponCodeTaken, response.ErrConflict.WithMessage("Coupon code already exists").WithDetails("code", "Coupon code already exists")},
	{model.ErrSubscriptionExists, response.ErrConflict.WithMessage("Customer already has a live subscription to this plan")},

	{model.ErrInvalidCoupon, &response.APIError{StatusCode: http.StatusBadRequest, Code: "INVALID_COUPON", Message: "Invalid or expired coupon code"}},
	{model.ErrPlanInactive, &response.APIError{StatusCode: http.StatusBadRequest, Code: "PLAN_INACTIVE", Message: "Plan is not active"}},
	{model.ErrInvalidSignature, &response.APIError{StatusCode: http.StatusBadRequest, Code: "INVALID_SIGNATURE", Message: "Invalid webhook signature"}},
	{model.ErrInvalidPayload, &response.APIError{StatusCode: http.StatusBadRequest, Code: "INVALID_PAYLOAD", Message: "Invalid webhook payload"}},

	{model.ErrSubscriptionCanceled, &response.APIError{StatusCode: http.StatusConflict, Code: "SUBSCRIPTION_CANCELED", Message: "Subscription is canceled"}},
	{model.ErrInvalidTransition, &response.APIError{StatusCode: http.StatusConflict, Code: "INVALID_TRANSITION", Message: "Invalid status transition"}},
	{model.ErrInvoiceNotDraft, &response.APIError{StatusCode: http.StatusConflict, Code: "INVOICE_NOT_DRAFT", Message: "Invoice is not in draft status"}},
	{model.ErrInvoiceNotOpen, &response.APIError{StatusCode: http.StatusConflict, Code: "INVOICE_NOT_OPEN", Message: "Invoice is not open for payment"}},
	{model.ErrInvoiceImmutable, &response.APIError{StatusCode: http.StatusConflict, Code: "INVOICE_IMMUTABLE", Message: "Invoice can no longer be changed"}},
	{model.ErrPaymentPending, &response.APIError{StatusCode: http.StatusConflict, Code: "PAYMENT_PENDING", Message: "Invoice already has a payment in progress"}},
	{model.ErrRefundNotAllowed, &response.APIError{StatusCode: http.StatusConflict, Code: "REFUND_NOT_ALLOWED", Message: "Payment cannot be refunded"}},

	{model.ErrInvoiceEmpty, &response.APIError{StatusCode: http.StatusUnprocessableEntity, Code: "INVOICE_EMPTY", Message: "Invoice has no line items"}},
	{model.ErrCurrencyMismatch, &response.APIError{StatusCode: http.StatusUnprocessableEntity, Code: "CURRENCY_MISMATCH", Message: "Currency does not match"}},

	{resilience.ErrCircuitOpen, response.ErrServiceUnavailable.WithMessage("Payment provider temporarily unavailable")},
}

func (h *BillingHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.Error
	if errors.As(err, &verr) {
		response.Error(w, response.Invalid(err))
		return
	}
	var ferr *model.ValidationError
	if errors.As(err, &ferr) {
		response.Error(w, response.ErrValidation.WithMessage(ferr.Error()).WithDetails(ferr.Field, ferr.Message))
		return
	}
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			response.Error(w, e.apiErr)
			return
		}
	}
	h.logger.WithContext(r.Context()).Error("Billing request failed", "path", r.URL.Path, "error", err)
	response.Error(w, response.ErrInternal)
}
