package handlers

import (
	"errors"
	"net/http"

	"github.com/saas-invoice/saas-invoice/internal/billing/adapters/http/dto"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/response"
)

// GetMyCustomer returns the billing profile of the caller, creating it on first access
func (h *BillingHandler) GetMyCustomer(w http.ResponseWriter, r *http.Request) {
	customer, err := h.billing.Customers.Ensure(r.Context(), h.account(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromCustomer(customer))
}

// UpdateMyCustomer edits the billing profile of the caller
func (h *BillingHandler) UpdateMyCustomer(w http.ResponseWriter, r *http.Request) {
	var req dto.CustomerProfileRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	if err := req.Validate(); err != nil {
		response.Error(w, response.Invalid(err))
		return
	}

	ctx := r.Context()
	account := h.account(ctx)
	current, err := h.billing.Customers.Ensure(ctx, account)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	customer, err := h.billing.Customers.UpdateProfile(ctx, account, req.Profile(current))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromCustomer(customer))
}

// AdminListCustomers lists every billing customer
func (h *BillingHandler) AdminListCustomers(w http.ResponseWriter, r *http.Request) {
	filter := model.CustomerFilter{Pagination: pagination(r)}
	customers, total, err := h.billing.Customers.ListCustomers(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]dto.CustomerResponse, len(customers))
	for i, c := range customers {
		out[i] = dto.FromCustomer(c)
	}
	response.Paginated(w, r, out, filter.Page, filter.PageSize, total)
}

// AdminGetCustomer returns one customer
func (h *BillingHandler) AdminGetCustomer(w http.ResponseWriter, r *http.Request) {
	customer, err := h.billing.Customers.GetCustomer(r.Context(), pathID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromCustomer(customer))
}

// CatalogProducts lists active products. No authentication is required.
func (h *BillingHandler) CatalogProducts(w http.ResponseWriter, r *http.Request) {
	h.listProducts(w, r, true)
}

// CatalogPlans lists active plans, optionally narrowed by product_id and interval
func (h *BillingHandler) CatalogPlans(w http.ResponseWriter, r *http.Request) {
	h.listPlans(w, r, true)
}

// ValidateCoupon previews the discount a coupon gives on a plan
func (h *BillingHandler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req dto.ValidateCouponRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	if err := req.Validate(); err != nil {
		response.Error(w, response.Invalid(err))
		return
	}

	preview, err := h.billing.Catalog.ValidateCoupon(r.Context(), req.Code, req.PlanID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromCouponPreview(preview))
}

func (h *BillingHandler) listProducts(w http.ResponseWriter, r *http.Request, activeOnly bool) {
	filter := model.ProductFilter{ActiveOnly: activeOnly, Pagination: pagination(r)}
	if r.URL.Query().Get("active") == "true" {
		filter.ActiveOnly = true
	}
	products, total, err := h.billing.Catalog.ListProducts(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]dto.ProductResponse, len(products))
	for i, p := range products {
		out[i] = dto.FromProduct(p)
	}
	response.Paginated(w, r, out, filter.Page, filter.PageSize, total)
}

func (h *BillingHandler) listPlans(w http.ResponseWriter, r *http.Request, activeOnly bool) {
	q := r.URL.Query()
	filter := model.PlanFilter{
		ProductID:  q.Get("product_id"),
		ActiveOnly: activeOnly || q.Get("active") == "true",
		Pagination: pagination(r),
	}
	if interval := q.Get("interval"); interval != "" {
		filter.Interval = model.Interval(interval)
		if !filter.Interval.Valid() {
			response.Error(w, response.ErrBadRequest.WithMessage("interval must be monthly or yearly"))
			return
		}
	}
	plans, total, err := h.billing.Catalog.ListPlans(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]dto.PlanResponse, len(plans))
	for i, p := range plans {
		out[i] = dto.FromPlan(p)
	}
	response.Paginated(w, r, out, filter.Page, filter.PageSize, total)
}

// AdminListProducts lists every product, active or not
func (h *BillingHandler) AdminListProducts(w http.ResponseWriter, r *http.Request) {
	h.listProducts(w, r, false)
}

// AdminCreateProduct creates a product
func (h *BillingHandler) AdminCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req dto.ProductRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	if err := req.Validate(true); err != nil {
		response.Error(w, response.Invalid(err))
		return
	}

	description := ""
	if req.Description != nil {
		description = *req.Description
	}
	product, err := h.billing.Catalog.CreateProduct(r.Context(), *req.Name, description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Active != nil && !*req.Active {
		product, err = h.billing.Catalog.UpdateProduct(r.Context(), product.ID, req.Update())
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	response.Created(w, dto.FromProduct(product))
}

// AdminGetProduct returns one product
func (h *BillingHandler) AdminGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.billing.Catalog.GetProduct(r.Context(), pathID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromProduct(product))
}

// AdminUpdateProduct edits a product
func (h *BillingHandler) AdminUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req dto.ProductRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	if err := req.Validate(false); err != nil {
		response.Error(w, response.Invalid(err))
		return
	}

	product, err := h.billing.Catalog.UpdateProduct(r.Context(), pathID(r), req.Update())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromProduct(product))
}

// AdminDeleteProduct deletes a product without plans
func (h *BillingHandler) AdminDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.billing.Catalog.DeleteProduct(r.Context(), pathID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

// AdminListPlans lists every plan, active or not
func (h *BillingHandler) AdminListPlans(w http.ResponseWriter, r *http.Request) {
	h.listPlans(w, r, false)
}

// AdminCreatePlan creates a plan
func (h *BillingHandler) AdminCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req dto.PlanRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	plan, err := h.billing.Catalog.CreatePlan(r.Context(), req.Params())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Created(w, dto.FromPlan(plan))
}

// AdminGetPlan returns one plan
func (h *BillingHandler) AdminGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.billing.Catalog.GetPlan(r.Context(), pathID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromPlan(plan))
}

// AdminUpdatePlan replaces the editable fields of a plan
func (h *BillingHandler) AdminUpdatePlan(w http.ResponseWriter, r *http.Request) {
	var req dto.PlanRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	plan, err := h.billing.Catalog.UpdatePlan(r.Context(), pathID(r), req.Params())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromPlan(plan))
}

// AdminDeletePlan deletes a plan no live subscription references
func (h *BillingHandler) AdminDeletePlan(w http.ResponseWriter, r *http.Request) {
	if err := h.billing.Catalog.DeletePlan(r.Context(), pathID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

// AdminListCoupons lists coupons
func (h *BillingHandler) AdminListCoupons(w http.ResponseWriter, r *http.Request) {
	filter := model.CouponFilter{
		ActiveOnly: r.URL.Query().Get("active") == "true",
		Pagination: pagination(r),
	}
	coupons, total, err := h.billing.Catalog.ListCoupons(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	now := h.clock()
	out := make([]dto.CouponResponse, len(coupons))
	for i, c := range coupons {
		out[i] = dto.FromCoupon(c, now)
	}
	response.Paginated(w, r, out, filter.Page, filter.PageSize, total)
}

// AdminCreateCoupon creates a coupon
func (h *BillingHandler) AdminCreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req dto.CouponRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	coupon, err := h.billing.Catalog.CreateCoupon(r.Context(), req.Params())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Created(w, dto.FromCoupon(coupon, h.clock()))
}

// AdminGetCoupon returns one coupon
func (h *BillingHandler) AdminGetCoupon(w http.ResponseWriter, r *http.Request) {
	coupon, err := h.billing.Catalog.GetCoupon(r.Context(), pathID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromCoupon(coupon, h.clock()))
}

// AdminUpdateCoupon replaces the editable fields of a coupon
func (h *BillingHandler) AdminUpdateCoupon(w http.ResponseWriter, r *http.Request) {
	var req dto.CouponRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	coupon, err := h.billing.Catalog.UpdateCoupon(r.Context(), pathID(r), req.Params())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromCoupon(coupon, h.clock()))
}

// AdminDeleteCoupon deletes a coupon that was never redeemed
func (h *BillingHandler) AdminDeleteCoupon(w http.ResponseWriter, r *http.Request) {
	err := h.billing.Catalog.DeleteCoupon(r.Context(), pathID(r))
	if errors.Is(err, model.ErrCouponInUse) {
		response.Error(w, response.ErrConflict.WithMessage("Coupon has been redeemed; deactivate it instead"))
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.NoContent(w)
}
