// Package service provides auth business logic
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/auth/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/auth/domain/repository"
	"github.com/saas-invoice/saas-invoice/internal/platform/config"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
	"github.com/saas-invoice/saas-invoice/internal/platform/requestctx"
	"github.com/saas-invoice/saas-invoice/internal/platform/validation"
	"github.com/saas-invoice/saas-invoice/internal/shared/events"
)

// Config holds auth service configuration
type Config struct {
	JWTSecret          string
	JWTIssuer          string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	PasswordMinLength  int
	BcryptCost         int
}

// DefaultConfig returns default auth configuration
func DefaultConfig() Config {
	return Config{
		JWTSecret:          "change-me-in-production",
		JWTIssuer:          "saas-invoice",
		AccessTokenExpiry:  60 * time.Minute,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		PasswordMinLength:  8,
		BcryptCost:         10,
	}
}

// ConfigFrom maps the platform auth section onto service configuration
func ConfigFrom(cfg config.AuthConfig) Config {
	out := DefaultConfig()
	if cfg.JWTSecret != "" {
		out.JWTSecret = cfg.JWTSecret
	}
	if cfg.JWTIssuer != "" {
		out.JWTIssuer = cfg.JWTIssuer
	}
	if cfg.AccessTokenExpiry > 0 {
		out.AccessTokenExpiry = cfg.AccessTokenExpiry
	}
	if cfg.RefreshTokenExpiry > 0 {
		out.RefreshTokenExpiry = cfg.RefreshTokenExpiry
	}
	if cfg.PasswordMinLength > 0 {
		out.PasswordMinLength = cfg.PasswordMinLength
	}
	if cfg.BcryptCost > 0 {
		out.BcryptCost = cfg.BcryptCost
	}
	return out
}

// Mailer queues account emails
type Mailer interface {
	Welcome(ctx context.Context, user *model.User) error
}

// AccountHook is told about changes to a user's name or email
type AccountHook func(ctx context.Context, user *model.User) error

// Recorder receives authentication metrics
type Recorder interface {
	AuthAttempt(kind string, ok bool)
}

// Options carries the optional collaborators of the auth service
type Options struct {
	Publisher        events.Publisher
	Mailer           Mailer
	OnAccountChanged AccountHook
	Metrics          Recorder
	Logger           logger.Logger
	Clock            func() time.Time
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *events.Event) error { return nil }
func (nopPublisher) Close() error                                 { return nil }

type nopRecorder struct{}

func (nopRecorder) AuthAttempt(string, bool) {}

// AuthService handles authentication and user administration
type AuthService struct {
	config      Config
	users       repository.UserRepository
	revocations repository.RevocationStore
	tokens      *TokenIssuer
	opts        Options
}

// NewAuthService creates a new auth service
func NewAuthService(cfg Config, users repository.UserRepository, revocations repository.RevocationStore, opts Options) *AuthService {
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &AuthService{
		config:      cfg,
		users:       users,
		revocations: revocations,
		tokens:      NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTokenExpiry, cfg.RefreshTokenExpiry, opts.Clock),
		opts:        opts,
	}
}

// Session is a signed-in user with their tokens
type Session struct {
	User   *model.User
	Tokens *TokenPair
}

// RegisterInput represents user registration input
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     string
}

// LoginInput represents login request
type LoginInput struct {
	Email    string
	Password string
}

// ChangePasswordInput represents change password request
type ChangePasswordInput struct {
	UserID      string
	OldPassword string
	NewPassword string
}

// CreateUserInput is an admin-created account
type CreateUserInput struct {
	RegisterInput
	Role       model.Role
	IsVerified bool
}

// AdminUpdate carries the fields an administrator may change. Nil fields are left untouched.
type AdminUpdate struct {
	model.ProfileUpdate
	Role       *model.Role
	IsActive   *bool
	IsVerified *bool
}

// Register creates a USER account and signs it in
func (s *AuthService) Register(ctx context.Context, input RegisterInput) (*Session, error) {
	user, err := s.createUser(ctx, CreateUserInput{RegisterInput: input, Role: model.RoleUser})
	if err != nil {
		s.opts.Metrics.AuthAttempt("register", false)
		return nil, err
	}
	s.opts.Metrics.AuthAttempt("register", true)

	if s.opts.Mailer != nil {
		if err := s.opts.Mailer.Welcome(ctx, user); err != nil {
			s.opts.Logger.WithContext(ctx).Warn("Failed to queue welcome email", "user_id", user.ID, "error", err)
		}
	}

	tokens, err := s.tokens.Issue(user)
	if err != nil {
		return nil, err
	}
	return &Session{User: user, Tokens: tokens}, nil
}

// CreateUser creates an account with an explicit role
func (s *AuthService) CreateUser(ctx context.Context, actor requestctx.Principal, input CreateUserInput) (*model.User, error) {
	if input.Role == model.RoleOwner && model.Role(actor.Role) != model.RoleOwner {
		return nil, model.ErrRoleForbidden
	}
	return s.createUser(ctx, input)
}

func (s *AuthService) createUser(ctx context.Context, input CreateUserInput) (*model.User, error) {
	input.Email = model.NormalizeEmail(input.Email)
	v := validation.New()
	v.Required(input.Email, "email").Email(input.Email, "email")
	v.Required(input.FirstName, "first_name").MaxLength(input.FirstName, 150, "first_name")
	v.Required(input.LastName, "last_name").MaxLength(input.LastName, 150, "last_name")
	v.MaxLength(input.Phone, 20, "phone")
	v.Password(input.Password, s.config.PasswordMinLength, "password")
	if err := v.Err(); err != nil {
		return nil, err
	}

	if _, err := s.users.FindByEmail(ctx, input.Email); err == nil {
		return nil, model.ErrEmailTaken
	} else if !errors.Is(err, model.ErrUserNotFound) {
		return nil, fmt.Errorf("failed to look up email: %w", err)
	}

	user, err := model.NewUser(input.Email, input.FirstName, input.LastName, input.Role)
	if err != nil {
		return nil, err
	}
	user.Phone = strings.TrimSpace(input.Phone)
	user.IsVerified = input.IsVerified
	user.CreatedAt = s.opts.Clock()
	user.UpdatedAt = user.CreatedAt
	if err := user.SetPassword(input.Password, s.config.BcryptCost); err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.users.Save(ctx, user); err != nil {
		return nil, err
	}

	s.publish(ctx, user.ID, events.UserRegistered, events.UserRegisteredPayload{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      string(user.Role),
		CreatedAt: user.CreatedAt,
	})
	s.opts.Logger.WithContext(ctx).Info("User created", "user_id", user.ID, "role", user.Role)
	return user, nil
}

// Login authenticates a user and returns tokens
func (s *AuthService) Login(ctx context.Context, input LoginInput) (*Session, error) {
	user, err := s.users.FindByEmail(ctx, input.Email)
	if err != nil {
		s.opts.Metrics.AuthAttempt("login", false)
		if errors.Is(err, model.ErrUserNotFound) {
			return nil, model.ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.CheckPassword(input.Password) {
		s.opts.Metrics.AuthAttempt("login", false)
		s.opts.Logger.WithContext(ctx).Info("Login rejected", "user_id", user.ID, "reason", "bad password")
		return nil, model.ErrInvalidCredentials
	}
	if !user.IsActive {
		s.opts.Metrics.AuthAttempt("login", false)
		return nil, model.ErrUserInactive
	}

	user.RecordLogin(s.opts.Clock())
	if err := s.users.Update(ctx, user); err != nil {
		s.opts.Logger.WithContext(ctx).Warn("Failed to record login", "user_id", user.ID, "error", err)
	}

	tokens, err := s.tokens.Issue(user)
	if err != nil {
		return nil, err
	}
	s.opts.Metrics.AuthAttempt("login", true)
	s.publish(ctx, user.ID, events.UserLoggedIn, events.UserSessionPayload{
		UserID: user.ID, Email: user.Email, Timestamp: s.opts.Clock(),
	})
	return &Session{User: user, Tokens: tokens}, nil
}

// Refresh rotates a refresh token. The presented token is revoked, so each
// refresh token can be exchanged exactly once.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.tokens.Parse(refreshToken, TokenTypeRefresh)
	if err != nil {
		s.opts.Metrics.AuthAttempt("refresh", false)
		return nil, err
	}

	user, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return nil, model.ErrInvalidToken
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, model.ErrUserInactive
	}

	fresh, err := s.revocations.Revoke(ctx, claims.ID, claims.UserID, claims.ExpiresAt.Time)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if !fresh {
		s.opts.Metrics.AuthAttempt("refresh", false)
		s.opts.Logger.WithContext(ctx).Warn("Refresh token replayed", "user_id", user.ID, "jti", claims.ID)
		return nil, model.ErrTokenRevoked
	}

	s.opts.Metrics.AuthAttempt("refresh", true)
	return s.tokens.Issue(user)
}

// Logout revokes the given refresh token. An unparsable token is not an error.
func (s *AuthService) Logout(ctx context.Context, userID, refreshToken string) error {
	if refreshToken != "" {
		claims, err := s.tokens.Parse(refreshToken, TokenTypeRefresh)
		if err == nil && claims.UserID == userID {
			if _, err := s.revocations.Revoke(ctx, claims.ID, claims.UserID, claims.ExpiresAt.Time); err != nil {
				return fmt.Errorf("failed to revoke refresh token: %w", err)
			}
		}
	}
	s.publish(ctx, userID, events.UserLoggedOut, events.UserSessionPayload{
		UserID: userID, Timestamp: s.opts.Clock(),
	})
	return nil
}

// VerifyAccess checks an access token and returns the caller. The role is read
// from the user record so that role changes and deactivation apply immediately.
func (s *AuthService) VerifyAccess(ctx context.Context, accessToken string) (requestctx.Principal, error) {
	claims, err := s.tokens.Parse(accessToken, TokenTypeAccess)
	if err != nil {
		return requestctx.Principal{}, err
	}
	user, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return requestctx.Principal{}, model.ErrInvalidToken
		}
		return requestctx.Principal{}, err
	}
	if !user.IsActive {
		return requestctx.Principal{}, model.ErrUserInactive
	}
	return requestctx.Principal{UserID: user.ID, Email: user.Email, Role: string(user.Role)}, nil
}

// Me returns the current user
func (s *AuthService) Me(ctx context.Context, userID string) (*model.User, error) {
	return s.users.FindByID(ctx, userID)
}

// UpdateProfile changes the caller's own name and phone
func (s *AuthService) UpdateProfile(ctx context.Context, userID string, update model.ProfileUpdate) (*model.User, error) {
	if err := validateProfile(update); err != nil {
		return nil, err
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.UpdateProfile(update)
	user.UpdatedAt = s.opts.Clock()
	if err := s.users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	s.accountChanged(ctx, user)
	return user, nil
}

// ChangePassword replaces the password after checking the old one
func (s *AuthService) ChangePassword(ctx context.Context, input ChangePasswordInput) error {
	v := validation.New()
	v.Required(input.OldPassword, "old_password")
	v.Password(input.NewPassword, s.config.PasswordMinLength, "new_password")
	if err := v.Err(); err != nil {
		return err
	}

	user, err := s.users.FindByID(ctx, input.UserID)
	if err != nil {
		return err
	}
	if !user.CheckPassword(input.OldPassword) {
		return model.ErrWrongPassword
	}
	if err := user.SetPassword(input.NewPassword, s.config.BcryptCost); err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	user.UpdatedAt = s.opts.Clock()
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	s.publish(ctx, user.ID, events.PasswordChanged, events.UserSessionPayload{
		UserID: user.ID, Email: user.Email, Timestamp: user.UpdatedAt,
	})
	return nil
}

// ListUsers lists users, optionally filtered by role
func (s *AuthService) ListUsers(ctx context.Context, filter model.UserFilter) ([]*model.User, int, error) {
	return s.users.List(ctx, filter)
}

// GetUser retrieves a user by ID
func (s *AuthService) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.users.FindByID(ctx, id)
}

// UpdateUser applies an administrative change. Only an owner may touch the
// owner role, and nobody may demote or deactivate themselves.
func (s *AuthService) UpdateUser(ctx context.Context, actor requestctx.Principal, id string, update AdminUpdate) (*model.User, error) {
	if err := validateProfile(update.ProfileUpdate); err != nil {
		return nil, err
	}
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	actorIsOwner := model.Role(actor.Role) == model.RoleOwner
	if update.Role != nil {
		if _, err := model.ParseRole(string(*update.Role)); err != nil {
			return nil, err
		}
		if (*update.Role == model.RoleOwner || user.Role == model.RoleOwner) && *update.Role != user.Role && !actorIsOwner {
			return nil, model.ErrRoleForbidden
		}
		if actor.UserID == user.ID && *update.Role != user.Role {
			return nil, model.ErrSelfLockout
		}
	}
	if update.IsActive != nil && !*update.IsActive {
		if actor.UserID == user.ID {
			return nil, model.ErrSelfLockout
		}
		if user.Role == model.RoleOwner && !actorIsOwner {
			return nil, model.ErrRoleForbidden
		}
	}

	user.UpdateProfile(update.ProfileUpdate)
	if update.Role != nil {
		user.Role = *update.Role
	}
	if update.IsActive != nil {
		user.IsActive = *update.IsActive
	}
	if update.IsVerified != nil {
		user.IsVerified = *update.IsVerified
	}
	user.UpdatedAt = s.opts.Clock()
	if err := s.users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	s.opts.Logger.WithContext(ctx).Info("User updated by administrator",
		"user_id", user.ID, "role", user.Role, "active", user.IsActive)
	s.accountChanged(ctx, user)
	return user, nil
}

// DeactivateUser is the soft delete of the admin API
func (s *AuthService) DeactivateUser(ctx context.Context, actor requestctx.Principal, id string) (*model.User, error) {
	inactive := false
	return s.UpdateUser(ctx, actor, id, AdminUpdate{IsActive: &inactive})
}

func validateProfile(update model.ProfileUpdate) error {
	v := validation.New()
	if update.FirstName != nil {
		v.Required(*update.FirstName, "first_name").MaxLength(*update.FirstName, 150, "first_name")
	}
	if update.LastName != nil {
		v.Required(*update.LastName, "last_name").MaxLength(*update.LastName, 150, "last_name")
	}
	if update.Phone != nil {
		v.MaxLength(*update.Phone, 20, "phone")
	}
	return v.Err()
}

func (s *AuthService) accountChanged(ctx context.Context, user *model.User) {
	if s.opts.OnAccountChanged == nil {
		return
	}
	if err := s.opts.OnAccountChanged(ctx, user); err != nil {
		s.opts.Logger.WithContext(ctx).Warn("Failed to propagate account change", "user_id", user.ID, "error", err)
	}
}

func (s *AuthService) publish(ctx context.Context, userID, eventType string, payload interface{}) {
	evt, err := events.NewEvent(userID, events.AggregateUser, eventType, payload)
	if err != nil {
		return
	}
	evt.UserID = userID
	evt.CorrelationID = requestctx.RequestID(ctx)
	if err := s.opts.Publisher.Publish(ctx, evt); err != nil {
		s.opts.Logger.WithContext(ctx).Warn("Failed to publish event", "event_type", eventType, "error", err)
	}
}
