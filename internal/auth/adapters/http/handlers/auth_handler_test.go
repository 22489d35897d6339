package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saas-invoice/saas-invoice/internal/auth/adapters/repository/memory"
	"github.com/saas-invoice/saas-invoice/internal/auth/app/service"
	"github.com/saas-invoice/saas-invoice/internal/auth/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
	"github.com/saas-invoice/saas-invoice/internal/platform/middleware"
	"github.com/saas-invoice/saas-invoice/internal/platform/requestctx"
	"github.com/saas-invoice/saas-invoice/internal/platform/response"
)

type testServer struct {
	router *mux.Router
	svc    *service.AuthService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := service.DefaultConfig()
	cfg.BcryptCost = 4
	svc := service.NewAuthService(cfg, memory.NewUserRepository(), memory.NewRevocationStore(), service.Options{})

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	NewAuthHandler(svc, middleware.NewAuth(svc, model.RoleCan, nil), nil, logger.NewNop()).RegisterRoutes(api)
	return &testServer{router: router, svc: svc}
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

func (s *testServer) login(t *testing.T, email string, role model.Role) string {
	t.Helper()
	owner := requestctx.Principal{UserID: "bootstrap", Role: string(model.RoleOwner)}
	_, err := s.svc.CreateUser(context.Background(), owner, service.CreateUserInput{
		RegisterInput: service.RegisterInput{Email: email, Password: "s3cretpass", FirstName: "T", LastName: "User"},
		Role:          role,
	})
	require.NoError(t, err)
	session, err := s.svc.Login(context.Background(), service.LoginInput{Email: email, Password: "s3cretpass"})
	require.NoError(t, err)
	return session.Tokens.AccessToken
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) response.ErrorBody {
	t.Helper()
	var body response.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRegisterAndMe(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email":            "ada@example.com",
		"password":         "s3cretpass",
		"password_confirm": "s3cretpass",
		"first_name":       "Ada",
		"last_name":        "Lovelace",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var session struct {
		User   map[string]interface{} `json:"user"`
		Tokens map[string]interface{} `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, "USER", session.User["role"])
	assert.Equal(t, "Ada Lovelace", session.User["full_name"])
	access, _ := session.Tokens["access"].(string)
	require.NotEmpty(t, access)

	rec = s.do(t, http.MethodGet, "/api/v1/auth/me", access, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"email":"ada@example.com"`)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email": "ada@example.com", "password": "s3cretpass", "password_confirm": "s3cretpass",
		"first_name": "Ada", "last_name": "Lovelace",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegisterValidationErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		body   interface{}
		status int
		field  string
	}{
		{"password mismatch", map[string]string{"email": "a@b.co", "password": "s3cretpass", "password_confirm": "other"}, http.StatusUnprocessableEntity, "password_confirm"},
		{"weak password", map[string]string{"email": "a@b.co", "password": "short", "password_confirm": "short", "first_name": "A", "last_name": "B"}, http.StatusUnprocessableEntity, "password"},
		{"malformed body", "not-an-object", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/auth/register", "", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			if tt.field != "" {
				assert.Contains(t, decodeError(t, rec).Details, tt.field)
			}
		})
	}
}

func TestLoginRefreshLogout(t *testing.T) {
	s := newTestServer(t)
	s.login(t, "ada@example.com", model.RoleUser)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "ada@example.com", "password": "bad"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "ada@example.com", "password": "s3cretpass"})
	require.Equal(t, http.StatusOK, rec.Code)
	var session struct {
		Tokens struct {
			Access  string `json:"access"`
			Refresh string `json:"refresh"`
		} `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))

	rec = s.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refresh": session.Tokens.Refresh})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refresh_token": session.Tokens.Refresh})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/logout", session.Tokens.Access, map[string]string{"refresh": "garbage"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/logout", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChangePasswordHandler(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "ada@example.com", model.RoleUser)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/change-password", token, map[string]string{
		"old_password": "wrong", "new_password": "n3wpassword", "new_password_confirm": "n3wpassword",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decodeError(t, rec).Details, "old_password")

	rec = s.do(t, http.MethodPost, "/api/v1/auth/change-password", token, map[string]string{
		"old_password": "s3cretpass", "new_password": "n3wpassword", "new_password_confirm": "n3wpassword",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminUsersCapability(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin@example.com", model.RoleAdmin)
	accountant := s.login(t, "acc@example.com", model.RoleAccountant)

	rec := s.do(t, http.MethodGet, "/api/v1/admin/users", accountant, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decodeError(t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/v1/admin/users?role=accountant", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Count   int                      `json:"count"`
		Results []map[string]interface{} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, 1, page.Count)
	assert.Equal(t, "acc@example.com", page.Results[0]["email"])

	rec = s.do(t, http.MethodPost, "/api/v1/admin/users", admin, map[string]interface{}{
		"email": "o2@example.com", "password": "s3cretpass", "first_name": "O", "last_name": "W", "role": "OWNER",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/users", admin, map[string]interface{}{
		"email": "new@example.com", "password": "s3cretpass", "first_name": "N", "last_name": "U", "role": "ACCOUNTANT",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id, _ := created["id"].(string)

	rec = s.do(t, http.MethodDelete, "/api/v1/admin/users/"+id, admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/admin/users/"+id, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_active":false`)

	rec = s.do(t, http.MethodGet, "/api/v1/admin/users/missing", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
