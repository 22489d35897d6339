package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authmemory "github.com/saas-invoice/saas-invoice/internal/auth/adapters/repository/memory"
	authservice "github.com/saas-invoice/saas-invoice/internal/auth/app/service"
	authmodel "github.com/saas-invoice/saas-invoice/internal/auth/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/billing/adapters/payment"
	"github.com/saas-invoice/saas-invoice/internal/billing/adapters/pdf"
	"github.com/saas-invoice/saas-invoice/internal/billing/adapters/repository/memory"
	"github.com/saas-invoice/saas-invoice/internal/billing/app/service"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
	"github.com/saas-invoice/saas-invoice/internal/platform/middleware"
	"github.com/saas-invoice/saas-invoice/internal/platform/requestctx"
	"github.com/saas-invoice/saas-invoice/internal/platform/response"
)

const webhookSecret = "whsec_test"

type testServer struct {
	router  *mux.Router
	auth    *authservice.AuthService
	billing *service.Billing
	gateway *payment.DummyProvider
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := authservice.DefaultConfig()
	cfg.BcryptCost = 4
	authSvc := authservice.NewAuthService(cfg, authmemory.NewUserRepository(), authmemory.NewRevocationStore(), authservice.Options{})

	dummy := payment.NewDummyProvider(payment.DummyConfig{WebhookSecret: webhookSecret})
	registry, err := payment.NewRegistry(payment.ProviderDummy, dummy)
	require.NoError(t, err)
	billing := service.NewBilling(memory.NewStore().Repositories(), service.DefaultSettings(), service.Dependencies{
		Renderer: pdf.NewRenderer(),
		Gateways: registry,
	}, service.Options{})

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	auth := middleware.NewAuth(authSvc, authmodel.RoleCan, nil)
	NewBillingHandler(billing, auth, nil, logger.NewNop()).RegisterRoutes(api)
	return &testServer{router: router, auth: authSvc, billing: billing, gateway: dummy}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) login(t *testing.T, email string, role authmodel.Role) string {
	t.Helper()
	owner := requestctx.Principal{UserID: "bootstrap", Role: string(authmodel.RoleOwner)}
	_, err := s.auth.CreateUser(context.Background(), owner, authservice.CreateUserInput{
		RegisterInput: authservice.RegisterInput{Email: email, Password: "s3cretpass", FirstName: "T", LastName: "User"},
		Role:          role,
	})
	require.NoError(t, err)
	session, err := s.auth.Login(context.Background(), authservice.LoginInput{Email: email, Password: "s3cretpass"})
	require.NoError(t, err)
	return session.Tokens.AccessToken
}

// seedPlan creates a product and a monthly plan through the admin API
func (s *testServer) seedPlan(t *testing.T, admin string, priceCents int64) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/admin/products", admin, map[string]interface{}{"name": "Pro"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var product map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &product))

	rec = s.do(t, http.MethodPost, "/api/v1/admin/plans", admin, map[string]interface{}{
		"product_id":  product["id"],
		"name":        "Pro Monthly",
		"price_cents": priceCents,
		"interval":    "monthly",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var plan map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))
	return plan["id"].(string)
}

type checkout struct {
	Subscription struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"subscription"`
	Invoice struct {
		ID         string `json:"id"`
		Number     string `json:"number"`
		Status     string `json:"status"`
		TotalCents int64  `json:"total_cents"`
	} `json:"invoice"`
}

func (s *testServer) subscribe(t *testing.T, token, planID string) checkout {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/subscriptions", token, map[string]string{"plan_id": planID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out checkout
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) response.ErrorBody {
	t.Helper()
	var body response.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func decodePage(t *testing.T, rec *httptest.ResponseRecorder) response.Page {
	t.Helper()
	var page response.Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	return page
}

func TestCatalogIsPublicAndAdminIsGated(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin@example.com", authmodel.RoleAdmin)
	user := s.login(t, "user@example.com", authmodel.RoleUser)
	planID := s.seedPlan(t, admin, 2900)

	rec := s.do(t, http.MethodGet, "/api/v1/catalog/plans?interval=monthly", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodePage(t, rec)
	assert.Equal(t, 1, page.Count)
	assert.Contains(t, rec.Body.String(), planID)

	rec = s.do(t, http.MethodGet, "/api/v1/catalog/plans?interval=weekly", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/products", user, map[string]string{"name": "Nope"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/products", "", map[string]string{"name": "Nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/v1/admin/plans/"+planID, admin, map[string]interface{}{"active": false})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAdminPlanValidation(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin@example.com", authmodel.RoleAdmin)

	rec := s.do(t, http.MethodPost, "/api/v1/admin/products", admin, map[string]string{})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decodeError(t, rec).Details, "name")

	rec = s.do(t, http.MethodPost, "/api/v1/admin/plans", admin, map[string]interface{}{
		"product_id": "missing", "name": "Bad", "price_cents": 100, "interval": "weekly",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decodeError(t, rec).Details, "interval")

	rec = s.do(t, http.MethodPost, "/api/v1/admin/plans", admin, map[string]interface{}{
		"product_id": "missing", "name": "Orphan", "price_cents": 100, "interval": "yearly",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckoutPayAndDownload(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin@example.com", authmodel.RoleAdmin)
	user := s.login(t, "user@example.com", authmodel.RoleUser)
	planID := s.seedPlan(t, admin, 2900)

	out := s.subscribe(t, user, planID)
	assert.Equal(t, "active", out.Subscription.Status)
	assert.Equal(t, "open", out.Invoice.Status)
	assert.True(t, strings.HasPrefix(out.Invoice.Number, "INV-"), out.Invoice.Number)
	assert.Equal(t, int64(2900+246), out.Invoice.TotalCents)

	rec := s.do(t, http.MethodPost, "/api/v1/subscriptions", user, map[string]string{"plan_id": planID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/invoices", user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodePage(t, rec).Count)

	rec = s.do(t, http.MethodPost, "/api/v1/invoices/"+out.Invoice.ID+"/pay", user, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var paid struct {
		Message string `json:"message"`
		Invoice struct {
			Status string `json:"status"`
		} `json:"invoice"`
		Payment struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paid))
	assert.Equal(t, "paid", paid.Invoice.Status)
	assert.Equal(t, "succeeded", paid.Payment.Status)

	rec = s.do(t, http.MethodPost, "/api/v1/invoices/"+out.Invoice.ID+"/pay", user, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVOICE_NOT_OPEN", decodeError(t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/v1/invoices/"+out.Invoice.ID+"/pdf", user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="`+out.Invoice.Number+`.pdf"`, rec.Header().Get("Content-Disposition"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))

	accountant := s.login(t, "books@example.com", authmodel.RoleAccountant)
	rec = s.do(t, http.MethodPost, "/api/v1/admin/payments/"+paid.Payment.ID+"/refund", accountant, map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"refunded"`)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/payments/"+paid.Payment.ID+"/refund", accountant, map[string]interface{}{})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeclinedPaymentIsNotAnError(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin@example.com", authmodel.RoleAdmin)
	user := s.login(t, "user@example.com", authmodel.RoleUser)
	out := s.subscribe(t, user, s.seedPlan(t, admin, 1000))

	s.gateway.SetOutcome(payment.OutcomeFail)
	rec := s.do(t, http.MethodPost, "/api/v1/invoices/"+out.Invoice.ID+"/pay", user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), payment.DeclineReason)
	assert.Contains(t, rec.Body.String(), `"status":"failed"`)
}

func TestWrittenOffInvoiceIsNotCharged(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin@example.com", authmodel.RoleAdmin)
	user := s.login(t, "user@example.com", authmodel.RoleUser)
	out := s.subscribe(t, user, s.seedPlan(t, admin, 1000))

	rec := s.do(t, http.MethodPost, "/api/v1/admin/invoices/"+out.Invoice.ID+"/mark-uncollectible", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/v1/invoices/"+out.Invoice.ID+"/pay", user, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVOICE_NOT_OPEN", decodeError(t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/v1/invoices/"+out.Invoice.ID, user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"uncollectible"`)
}

func TestOwnershipHidesOtherCustomers(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin@example.com", authmodel.RoleAdmin)
	alice := s.login(t, "alice@example.com", authmodel.RoleUser)
	bob := s.login(t, "bob@example.com", authmodel.RoleUser)
	out := s.subscribe(t, alice, s.seedPlan(t, admin, 1500))

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		status int
	}{
		{"other user invoice", http.MethodGet, "/api/v1/invoices/" + out.Invoice.ID, bob, http.StatusNotFound},
		{"other user pdf", http.MethodGet, "/api/v1/invoices/" + out.Invoice.ID + "/pdf", bob, http.StatusNotFound},
		{"other user pay", http.MethodPost, "/api/v1/invoices/" + out.Invoice.ID + "/pay", bob, http.StatusNotFound},
		{"other user subscription", http.MethodGet, "/api/v1/subscriptions/" + out.Subscription.ID, bob, http.StatusNotFound},
		{"other user cancel", http.MethodPost, "/api/v1/subscriptions/" + out.Subscription.ID + "/cancel", bob, http.StatusNotFound},
		{"owner invoice", http.MethodGet, "/api/v1/invoices/" + out.Invoice.ID, alice, http.StatusOK},
		{"staff invoice", http.MethodGet, "/api/v1/invoices/" + out.Invoice.ID, admin, http.StatusOK},
		{"user on admin list", http.MethodGet, "/api/v1/admin/invoices", alice, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.token, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	rec := s.do(t, http.MethodGet, "/api/v1/invoices", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodePage(t, rec).Count)

	rec = s.do(t, http.MethodGet, "/api/v1/admin/invoices", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodePage(t, rec).Count)
}

func TestCancelSubscription(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin@example.com", authmodel.RoleAdmin)
	user := s.login(t, "user@example.com", authmodel.RoleUser)
	out := s.subscribe(t, user, s.seedPlan(t, admin, 1500))
	path := "/api/v1/subscriptions/" + out.Subscription.ID + "/cancel"

	rec := s.do(t, http.MethodPost, path, user, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"cancel_at_period_end":true`)
	assert.Contains(t, rec.Body.String(), `"status":"active"`)

	rec = s.do(t, http.MethodPost, path, user, map[string]bool{"cancel_at_period_end": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"canceled"`)

	rec = s.do(t, http.MethodPost, path, user, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SUBSCRIPTION_CANCELED", decodeError(t, rec).Code)
}

func TestWebhookSettlesPendingPaymentOnce(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin@example.com", authmodel.RoleAdmin)
	user := s.login(t, "user@example.com", authmodel.RoleUser)
	out := s.subscribe(t, user, s.seedPlan(t, admin, 4000))

	s.gateway.SetOutcome(payment.OutcomePending)
	rec := s.do(t, http.MethodPost, "/api/v1/invoices/"+out.Invoice.ID+"/pay", user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending struct {
		Payment struct {
			ProviderRef string `json:"provider_ref"`
			Status      string `json:"status"`
		} `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Equal(t, "pending", pending.Payment.Status)

	rec = s.do(t, http.MethodPost, "/api/v1/invoices/"+out.Invoice.ID+"/pay", user, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "PAYMENT_PENDING", decodeError(t, rec).Code)

	payload, err := json.Marshal(map[string]interface{}{
		"id":   "evt_1",
		"type": "payment.succeeded",
		"data": map[string]interface{}{"provider_ref": pending.Payment.ProviderRef, "amount": out.Invoice.TotalCents, "currency": "usd"},
	})
	require.NoError(t, err)

	send := func(signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhooks/dummy", bytes.NewReader(payload))
		req.Header.Set("X-Signature", signature)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		return rec
	}

	rec = send("bogus")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_SIGNATURE", decodeError(t, rec).Code)

	rec = send(payment.Sign(webhookSecret, payload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"effect":"payment_succeeded"`)

	rec = send(payment.Sign(webhookSecret, payload))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"duplicate"`)

	rec = s.do(t, http.MethodGet, "/api/v1/invoices/"+out.Invoice.ID, user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"paid"`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhooks/paypal", bytes.NewReader(payload))
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdHocInvoiceLifecycle(t *testing.T) {
	s := newTestServer(t)
	accountant := s.login(t, "books@example.com", authmodel.RoleAccountant)
	user := s.login(t, "user@example.com", authmodel.RoleUser)

	rec := s.do(t, http.MethodGet, "/api/v1/customers/me", user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var customer struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &customer))
	assert.Equal(t, "user@example.com", customer.Email)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/invoices", accountant, map[string]interface{}{"customer_id": customer.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inv struct {
		ID     string `json:"id"`
		Number string `json:"number"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inv))
	assert.Regexp(t, `^INV-\d{4}-\d{4}$`, inv.Number, "drafts are numbered when created")

	rec = s.do(t, http.MethodPost, "/api/v1/admin/invoices/"+inv.ID+"/finalize", accountant, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INVOICE_EMPTY", decodeError(t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/invoices/"+inv.ID+"/items", accountant, map[string]interface{}{
		"description": "Onboarding", "quantity": 2, "unit_price_cents": 5000,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"subtotal_cents":10000`)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/invoices/"+inv.ID+"/finalize", accountant, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"open"`)
	var finalized struct {
		Number string `json:"number"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &finalized))
	assert.Equal(t, inv.Number, finalized.Number, "finalizing keeps the number")

	rec = s.do(t, http.MethodPost, "/api/v1/admin/invoices/"+inv.ID+"/items", accountant, map[string]interface{}{
		"description": "Late", "unit_price_cents": 100,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/invoices/"+inv.ID+"/void", accountant, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"void"`)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/invoices/"+inv.ID+"/mark-uncollectible", accountant, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCouponValidateAndDelete(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin@example.com", authmodel.RoleAdmin)
	user := s.login(t, "user@example.com", authmodel.RoleUser)
	planID := s.seedPlan(t, admin, 10000)

	rec := s.do(t, http.MethodPost, "/api/v1/admin/coupons", admin, map[string]interface{}{
		"code": "LAUNCH20", "discount_type": "percent", "percent_off": 20,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var coupon struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &coupon))

	rec = s.do(t, http.MethodPost, "/api/v1/admin/coupons", admin, map[string]interface{}{
		"code": "LAUNCH20", "discount_type": "percent", "percent_off": 10,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/coupons/validate", user, map[string]string{"code": "LAUNCH20", "plan_id": planID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"discount_cents":2000`)

	rec = s.do(t, http.MethodPost, "/api/v1/coupons/validate", user, map[string]string{"code": "NOPE", "plan_id": planID})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_COUPON", decodeError(t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/v1/subscriptions", user, map[string]string{"plan_id": planID, "coupon_code": "LAUNCH20"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodDelete, "/api/v1/admin/coupons/"+coupon.ID, admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
