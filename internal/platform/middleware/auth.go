// Package middleware provides the HTTP middleware chain of the API
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
	"github.com/saas-invoice/saas-invoice/internal/platform/requestctx"
	"github.com/saas-invoice/saas-invoice/internal/platform/response"
)

// TokenVerifier turns a bearer token into the calling principal
type TokenVerifier interface {
	VerifyAccess(ctx context.Context, token string) (requestctx.Principal, error)
}

// CapabilityFunc reports whether role grants capability
type CapabilityFunc func(role, capability string) bool

// Auth authenticates bearer tokens and checks capabilities
type Auth struct {
	verifier TokenVerifier
	can      CapabilityFunc
	logger   logger.Logger
}

// NewAuth creates the auth middleware
func NewAuth(verifier TokenVerifier, can CapabilityFunc, log logger.Logger) *Auth {
	if log == nil {
		log = logger.NewNop()
	}
	return &Auth{verifier: verifier, can: can, logger: log}
}

// Authenticate requires a valid access token and stores the principal in the request context
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			response.Error(w, response.ErrUnauthorized.WithMessage("missing or malformed authorization header"))
			return
		}

		principal, err := a.verifier.VerifyAccess(r.Context(), token)
		if err != nil {
			a.logger.WithContext(r.Context()).Debug("Token rejected", "error", err)
			response.Error(w, response.ErrUnauthorized.WithMessage("invalid or expired token"))
			return
		}

		next.ServeHTTP(w, r.WithContext(requestctx.WithPrincipal(r.Context(), principal)))
	})
}

// Require rejects callers whose role lacks capability. It must run after Authenticate.
func (a *Auth) Require(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := requestctx.PrincipalFrom(r.Context())
			if !ok {
				response.Error(w, response.ErrUnauthorized)
				return
			}
			if !a.can(principal.Role, capability) {
				a.logger.WithContext(r.Context()).Info("Capability denied",
					"capability", capability, "role", principal.Role)
				response.Error(w, response.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Can reports whether the caller in ctx holds capability
func (a *Auth) Can(ctx context.Context, capability string) bool {
	principal, ok := requestctx.PrincipalFrom(ctx)
	return ok && a.can(principal.Role, capability)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
