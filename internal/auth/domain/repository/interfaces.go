package repository

import (
	"context"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/auth/domain/model"
)

// UserRepository defines user persistence operations
type UserRepository interface {
	Save(ctx context.Context, user *model.User) error
	Update(ctx context.Context, user *model.User) error
	FindByID(ctx context.Context, id string) (*model.User, error)
	// FindByEmail matches case-insensitively
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	List(ctx context.Context, filter model.UserFilter) ([]*model.User, int, error)
}

// RevocationStore remembers refresh tokens that may no longer be used
type RevocationStore interface {
	// Revoke marks jti as used. It reports false when jti was already revoked,
	// which lets refresh rotation detect a replayed token.
	Revoke(ctx context.Context, jti, userID string, expiresAt time.Time) (bool, error)
	IsRevoked(ctx context.Context, jti string) (bool, error)
}
