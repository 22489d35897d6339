// Package handlers provides HTTP handlers for the auth service
package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/saas-invoice/saas-invoice/internal/auth/adapters/http/dto"
	"github.com/saas-invoice/saas-invoice/internal/auth/app/service"
	"github.com/saas-invoice/saas-invoice/internal/auth/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
	"github.com/saas-invoice/saas-invoice/internal/platform/middleware"
	"github.com/saas-invoice/saas-invoice/internal/platform/requestctx"
	"github.com/saas-invoice/saas-invoice/internal/platform/response"
	"github.com/saas-invoice/saas-invoice/internal/platform/validation"
)

// AuthHandler handles auth and user administration requests
type AuthHandler struct {
	service *service.AuthService
	auth    *middleware.Auth
	limit   func(http.Handler) http.Handler
	logger  logger.Logger
}

// NewAuthHandler creates a new auth handler. limit wraps the credential
// endpoints and may be nil.
func NewAuthHandler(svc *service.AuthService, auth *middleware.Auth, limit func(http.Handler) http.Handler, log logger.Logger) *AuthHandler {
	if limit == nil {
		limit = func(h http.Handler) http.Handler { return h }
	}
	return &AuthHandler{service: svc, auth: auth, limit: limit, logger: log}
}

// RegisterRoutes registers auth routes on the /api/v1 router
func (h *AuthHandler) RegisterRoutes(router *mux.Router) {
	router.Handle("/auth/register", h.limit(http.HandlerFunc(h.Register))).Methods("POST")
	router.Handle("/auth/login", h.limit(http.HandlerFunc(h.Login))).Methods("POST")
	router.Handle("/auth/refresh", h.limit(http.HandlerFunc(h.Refresh))).Methods("POST")

	router.Handle("/auth/logout", h.auth.Authenticate(http.HandlerFunc(h.Logout))).Methods("POST")
	router.Handle("/auth/me", h.auth.Authenticate(http.HandlerFunc(h.Me))).Methods("GET")
	router.Handle("/auth/profile", h.auth.Authenticate(http.HandlerFunc(h.UpdateProfile))).Methods("PUT", "PATCH")
	router.Handle("/auth/change-password", h.auth.Authenticate(http.HandlerFunc(h.ChangePassword))).Methods("POST")

	admin := func(f http.HandlerFunc) http.Handler {
		return h.auth.Authenticate(h.auth.Require(string(model.CapUsersManage))(f))
	}
	router.Handle("/admin/users", admin(h.ListUsers)).Methods("GET")
	router.Handle("/admin/users", admin(h.CreateUser)).Methods("POST")
	router.Handle("/admin/users/{id}", admin(h.GetUser)).Methods("GET")
	router.Handle("/admin/users/{id}", admin(h.UpdateUser)).Methods("PUT", "PATCH")
	router.Handle("/admin/users/{id}", admin(h.DeactivateUser)).Methods("DELETE")
}

// Register creates an account and returns its tokens
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req dto.RegisterRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	if err := req.Validate(); err != nil {
		response.Error(w, response.Invalid(err))
		return
	}

	session, err := h.service.Register(r.Context(), req.Input())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Created(w, dto.SessionResponse{
		Message: "User registered successfully",
		User:    dto.FromUser(session.User),
		Tokens:  dto.FromTokens(session.Tokens),
	})
}

// Login exchanges credentials for tokens
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	if err := req.Validate(); err != nil {
		response.Error(w, response.Invalid(err))
		return
	}

	session, err := h.service.Login(r.Context(), service.LoginInput{Email: req.Email, Password: req.Password})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.SessionResponse{
		Message: "Login successful",
		User:    dto.FromUser(session.User),
		Tokens:  dto.FromTokens(session.Tokens),
	})
}

// Refresh rotates a refresh token
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req dto.RefreshRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	if err := req.Validate(); err != nil {
		response.Error(w, response.Invalid(err))
		return
	}

	tokens, err := h.service.Refresh(r.Context(), req.Token())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromTokens(tokens))
}

// Logout revokes the supplied refresh token and always succeeds
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	principal, _ := requestctx.PrincipalFrom(r.Context())
	var req dto.RefreshRequest
	_ = response.Decode(r, &req)

	if err := h.service.Logout(r.Context(), principal.UserID, req.Token()); err != nil {
		h.logger.WithContext(r.Context()).Warn("Logout could not revoke token", "error", err)
	}
	response.OK(w, dto.MessageResponse{Message: "Logout successful"})
}

// Me returns the current user
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal, _ := requestctx.PrincipalFrom(r.Context())
	user, err := h.service.Me(r.Context(), principal.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromUser(user))
}

// UpdateProfile changes the caller's name and phone
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	principal, _ := requestctx.PrincipalFrom(r.Context())
	var req dto.ProfileRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	user, err := h.service.UpdateProfile(r.Context(), principal.UserID, req.Update())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := dto.FromUser(user)
	response.OK(w, dto.MessageResponse{Message: "Profile updated successfully", User: &out})
}

// ChangePassword replaces the caller's password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	principal, _ := requestctx.PrincipalFrom(r.Context())
	var req dto.ChangePasswordRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	if err := req.Validate(); err != nil {
		response.Error(w, response.Invalid(err))
		return
	}

	err := h.service.ChangePassword(r.Context(), service.ChangePasswordInput{
		UserID:      principal.UserID,
		OldPassword: req.OldPassword,
		NewPassword: req.NewPassword,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.MessageResponse{Message: "Password changed successfully"})
}

// ListUsers lists users, filtered by ?role= and ?search=
func (h *AuthHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page, pageSize := response.PageParams(r)
	filter := model.UserFilter{Search: r.URL.Query().Get("search"), Page: page, PageSize: pageSize}
	if raw := r.URL.Query().Get("role"); raw != "" {
		role, err := model.ParseRole(raw)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		filter.Role = role
	}

	users, total, err := h.service.ListUsers(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	results := make([]dto.AdminUserResponse, len(users))
	for i, u := range users {
		results[i] = dto.FromUserAdmin(u)
	}
	response.Paginated(w, r, results, page, pageSize, total)
}

// CreateUser creates a user with a role
func (h *AuthHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	principal, _ := requestctx.PrincipalFrom(r.Context())
	var req dto.AdminCreateUserRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	if err := req.Validate(); err != nil {
		response.Error(w, response.Invalid(err))
		return
	}

	user, err := h.service.CreateUser(r.Context(), principal, req.Input())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Created(w, dto.FromUserAdmin(user))
}

// GetUser returns one user
func (h *AuthHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.GetUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromUserAdmin(user))
}

// UpdateUser changes role, status or profile of a user
func (h *AuthHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	principal, _ := requestctx.PrincipalFrom(r.Context())
	var req dto.AdminUpdateUserRequest
	if apiErr := response.Decode(r, &req); apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	update, err := req.Update()
	if err != nil {
		response.Error(w, response.Invalid(err))
		return
	}

	user, err := h.service.UpdateUser(r.Context(), principal, mux.Vars(r)["id"], update)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.FromUserAdmin(user))
}

// DeactivateUser soft-deletes a user
func (h *AuthHandler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	principal, _ := requestctx.PrincipalFrom(r.Context())
	if _, err := h.service.DeactivateUser(r.Context(), principal, mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, dto.MessageResponse{Message: "User deactivated successfully"})
}

var errorTable = []struct {
	err    error
	apiErr *response.APIError
}{
	{model.ErrUserNotFound, response.ErrNotFound.WithMessage("User not found")},
	{model.ErrEmailTaken, response.ErrConflict.WithMessage("Email is already registered")},
	{model.ErrInvalidCredentials, response.ErrUnauthorized.WithMessage("Invalid credentials")},
	{model.ErrUserInactive, response.ErrForbidden.WithMessage("User account is disabled")},
	{model.ErrInvalidToken, response.ErrUnauthorized.WithMessage("Token is invalid or expired")},
	{model.ErrTokenRevoked, response.ErrUnauthorized.WithMessage("Token has been revoked")},
	{model.ErrWrongPassword, response.ErrValidation.WithMessage("Invalid old password").WithDetails("old_password", "Invalid old password")},
	{model.ErrInvalidRole, response.ErrValidation.WithMessage("Invalid role").WithDetails("role", "role must be one of OWNER, ADMIN, ACCOUNTANT, USER")},
	{model.ErrInvalidEmail, response.ErrValidation.WithMessage("Invalid email address").WithDetails("email", "Invalid email address")},
	{model.ErrRoleForbidden, response.ErrForbidden.WithMessage("Only an owner can grant or change the owner role")},
	{model.ErrSelfLockout, response.ErrConflict.WithMessage("You cannot deactivate or demote your own account")},
}

func (h *AuthHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.Error
	if errors.As(err, &verr) {
		response.Error(w, response.Invalid(err))
		return
	}
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			response.Error(w, e.apiErr)
			return
		}
	}
	h.logger.WithContext(r.Context()).Error("Auth request failed", "path", r.URL.Path, "error", err)
	response.Error(w, response.ErrInternal)
}
