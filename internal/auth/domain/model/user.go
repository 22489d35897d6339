// Package model defines auth domain models
package model

import (
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email is already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserInactive       = errors.New("user account is disabled")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrTokenRevoked       = errors.New("token has been revoked")
	ErrInvalidRole        = errors.New("invalid role")
	ErrWrongPassword      = errors.New("invalid old password")
	ErrRoleForbidden      = errors.New("only an owner can grant or change the owner role")
	ErrSelfLockout        = errors.New("cannot deactivate or demote your own account")
	ErrInvalidEmail       = errors.New("invalid email address")
)

// Role is the access level of a user
type Role string

const (
	RoleOwner      Role = "OWNER"
	RoleAdmin      Role = "ADMIN"
	RoleAccountant Role = "ACCOUNTANT"
	RoleUser       Role = "USER"
)

// Roles lists every role from most to least privileged
var Roles = []Role{RoleOwner, RoleAdmin, RoleAccountant, RoleUser}

// ParseRole validates a role name, case-insensitively
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", ErrInvalidRole
}

// User is an account that can sign in
type User struct {
	ID           string
	Email        string
	FirstName    string
	LastName     string
	Phone        string
	PasswordHash string
	Role         Role
	IsActive     bool
	IsVerified   bool
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NormalizeEmail lower-cases and trims an address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NewUser creates an active user without a password
func NewUser(email, firstName, lastName string, role Role) (*User, error) {
	email = NormalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmail
	}
	if role == "" {
		role = RoleUser
	}
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &User{
		ID:        uuid.New().String(),
		Email:     email,
		FirstName: strings.TrimSpace(firstName),
		LastName:  strings.TrimSpace(lastName),
		Role:      role,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// FullName joins first and last name
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// SetPassword hashes and stores password
func (u *User) SetPassword(password string, cost int) error {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// CheckPassword reports whether password matches the stored hash
func (u *User) CheckPassword(password string) bool {
	if password == "" || u.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// RecordLogin stamps a successful sign-in
func (u *User) RecordLogin(at time.Time) {
	u.LastLoginAt = &at
	u.UpdatedAt = at
}

// ProfileUpdate carries the fields a user may change on their own account.
// Nil fields are left untouched.
type ProfileUpdate struct {
	FirstName *string
	LastName  *string
	Phone     *string
}

// UpdateProfile applies a partial profile update
func (u *User) UpdateProfile(p ProfileUpdate) {
	if p.FirstName != nil {
		u.FirstName = strings.TrimSpace(*p.FirstName)
	}
	if p.LastName != nil {
		u.LastName = strings.TrimSpace(*p.LastName)
	}
	if p.Phone != nil {
		u.Phone = strings.TrimSpace(*p.Phone)
	}
	u.UpdatedAt = time.Now().UTC()
}

// Can reports whether the user's role grants capability
func (u *User) Can(capability Capability) bool {
	return u.IsActive && u.Role.Can(capability)
}

// UserFilter narrows user lists
type UserFilter struct {
	Role     Role
	Search   string
	Page     int
	PageSize int
}

// Limit is the page size clamped to [1, 100], defaulting to 20
func (f UserFilter) Limit() int {
	switch {
	case f.PageSize < 1:
		return 20
	case f.PageSize > 100:
		return 100
	}
	return f.PageSize
}

// Offset is the number of rows before the requested page
func (f UserFilter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit()
}
