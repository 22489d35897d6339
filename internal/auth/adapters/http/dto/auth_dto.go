package dto

import (
	"time"

	"github.com/saas-invoice/saas-invoice/internal/auth/app/service"
	"github.com/saas-invoice/saas-invoice/internal/auth/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/validation"
)

// RegisterRequest represents the registration body
type RegisterRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Phone           string `json:"phone"`
}

// Validate checks the fields the service does not
func (r *RegisterRequest) Validate() error {
	v := validation.New()
	v.Required(r.Password, "password")
	if r.Password != r.PasswordConfirm {
		v.AddError("password_confirm", "Passwords don't match")
	}
	return v.Err()
}

// Input converts the request to a service input
func (r *RegisterRequest) Input() service.RegisterInput {
	return service.RegisterInput{
		Email:     r.Email,
		Password:  r.Password,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Phone:     r.Phone,
	}
}

// LoginRequest represents login request body
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate validates the login request
func (r *LoginRequest) Validate() error {
	v := validation.New()
	v.Required(r.Email, "email").Email(r.Email, "email")
	v.Required(r.Password, "password")
	return v.Err()
}

// RefreshRequest carries a refresh token. "refresh" is the documented key;
// "refresh_token" is accepted as well.
type RefreshRequest struct {
	Refresh      string `json:"refresh"`
	RefreshToken string `json:"refresh_token"`
}

// Token returns whichever key was set
func (r *RefreshRequest) Token() string {
	if r.Refresh != "" {
		return r.Refresh
	}
	return r.RefreshToken
}

// Validate validates the refresh request
func (r *RefreshRequest) Validate() error {
	v := validation.New()
	v.Required(r.Token(), "refresh")
	return v.Err()
}

// ProfileRequest is a partial profile update
type ProfileRequest struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Phone     *string `json:"phone"`
}

// Update converts the request to a model update
func (r *ProfileRequest) Update() model.ProfileUpdate {
	return model.ProfileUpdate{FirstName: r.FirstName, LastName: r.LastName, Phone: r.Phone}
}

// ChangePasswordRequest represents change password request
type ChangePasswordRequest struct {
	OldPassword        string `json:"old_password"`
	NewPassword        string `json:"new_password"`
	NewPasswordConfirm string `json:"new_password_confirm"`
}

// Validate validates the change password request
func (r *ChangePasswordRequest) Validate() error {
	v := validation.New()
	v.Required(r.OldPassword, "old_password")
	v.Required(r.NewPassword, "new_password")
	if r.NewPassword != r.NewPasswordConfirm {
		v.AddError("new_password_confirm", "New passwords don't match")
	}
	return v.Err()
}

// AdminCreateUserRequest is the admin create body
type AdminCreateUserRequest struct {
	RegisterRequest
	Role       string `json:"role"`
	IsVerified bool   `json:"is_verified"`
}

// Validate validates the admin create request
func (r *AdminCreateUserRequest) Validate() error {
	v := validation.New()
	v.Required(r.Password, "password")
	if r.PasswordConfirm != "" && r.Password != r.PasswordConfirm {
		v.AddError("password_confirm", "Passwords don't match")
	}
	if r.Role != "" {
		if _, err := model.ParseRole(r.Role); err != nil {
			v.AddError("role", "role must be one of OWNER, ADMIN, ACCOUNTANT, USER")
		}
	}
	return v.Err()
}

// Input converts the request to a service input
func (r *AdminCreateUserRequest) Input() service.CreateUserInput {
	role, _ := model.ParseRole(r.Role)
	if role == "" {
		role = model.RoleUser
	}
	return service.CreateUserInput{RegisterInput: r.RegisterRequest.Input(), Role: role, IsVerified: r.IsVerified}
}

// AdminUpdateUserRequest is a partial admin update
type AdminUpdateUserRequest struct {
	ProfileRequest
	Role       *string `json:"role"`
	IsActive   *bool   `json:"is_active"`
	IsVerified *bool   `json:"is_verified"`
}

// Update converts the request to a service update
func (r *AdminUpdateUserRequest) Update() (service.AdminUpdate, error) {
	out := service.AdminUpdate{
		ProfileUpdate: r.ProfileRequest.Update(),
		IsActive:      r.IsActive,
		IsVerified:    r.IsVerified,
	}
	if r.Role != nil {
		role, err := model.ParseRole(*r.Role)
		if err != nil {
			v := validation.New()
			v.AddError("role", "role must be one of OWNER, ADMIN, ACCOUNTANT, USER")
			return out, v.Err()
		}
		out.Role = &role
	}
	return out, nil
}

// UserResponse is the public view of a user
type UserResponse struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	FirstName  string     `json:"first_name"`
	LastName   string     `json:"last_name"`
	FullName   string     `json:"full_name"`
	Phone      string     `json:"phone"`
	Role       string     `json:"role"`
	IsVerified bool       `json:"is_verified"`
	DateJoined time.Time  `json:"date_joined"`
	LastLogin  *time.Time `json:"last_login,omitempty"`
}

// AdminUserResponse adds the fields only administrators see
type AdminUserResponse struct {
	UserResponse
	IsActive     bool      `json:"is_active"`
	Capabilities []string  `json:"capabilities"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TokensResponse is the token pair of a session
type TokensResponse struct {
	Access    string    `json:"access"`
	Refresh   string    `json:"refresh"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionResponse is returned by register and login
type SessionResponse struct {
	Message string         `json:"message"`
	User    UserResponse   `json:"user"`
	Tokens  TokensResponse `json:"tokens"`
}

// MessageResponse carries a human-readable confirmation
type MessageResponse struct {
	Message string        `json:"message"`
	User    *UserResponse `json:"user,omitempty"`
}

// FromUser converts a user to its public view
func FromUser(u *model.User) UserResponse {
	return UserResponse{
		ID:         u.ID,
		Email:      u.Email,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		FullName:   u.FullName(),
		Phone:      u.Phone,
		Role:       string(u.Role),
		IsVerified: u.IsVerified,
		DateJoined: u.CreatedAt,
		LastLogin:  u.LastLoginAt,
	}
}

// FromUserAdmin converts a user to its admin view
func FromUserAdmin(u *model.User) AdminUserResponse {
	caps := make([]string, 0)
	for _, c := range u.Role.Capabilities() {
		caps = append(caps, string(c))
	}
	return AdminUserResponse{
		UserResponse: FromUser(u),
		IsActive:     u.IsActive,
		Capabilities: caps,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

// FromTokens converts a token pair
func FromTokens(t *service.TokenPair) TokensResponse {
	return TokensResponse{
		Access:    t.AccessToken,
		Refresh:   t.RefreshToken,
		TokenType: t.TokenType,
		ExpiresAt: t.AccessExpiresAt,
	}
}
