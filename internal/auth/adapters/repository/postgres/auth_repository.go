// Package postgres provides PostgreSQL repository implementations for auth
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/saas-invoice/saas-invoice/internal/auth/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/database"
)

// UserRepository implements user persistence
type UserRepository struct {
	db *database.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, first_name, last_name, phone, password_hash, role,
	is_active, is_verified, last_login_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row scanner) (*model.User, error) {
	var (
		u         model.User
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Phone, &u.PasswordHash, &u.Role,
		&u.IsActive, &u.IsVerified, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.LastLoginAt = database.TimePtr(lastLogin)
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Save creates a new user
func (r *UserRepository) Save(ctx context.Context, u *model.User) error {
	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.Conn(ctx).ExecContext(ctx, query,
		u.ID, u.Email, u.FirstName, u.LastName, u.Phone, u.PasswordHash, u.Role,
		u.IsActive, u.IsVerified, database.NullTime(u.LastLoginAt), u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return model.ErrEmailTaken
	}
	return err
}

// Update updates a user
func (r *UserRepository) Update(ctx context.Context, u *model.User) error {
	query := `
		UPDATE users
		SET email = $2, first_name = $3, last_name = $4, phone = $5, password_hash = $6, role = $7,
		    is_active = $8, is_verified = $9, last_login_at = $10, updated_at = $11
		WHERE id = $1
	`
	res, err := r.db.Conn(ctx).ExecContext(ctx, query,
		u.ID, u.Email, u.FirstName, u.LastName, u.Phone, u.PasswordHash, u.Role,
		u.IsActive, u.IsVerified, database.NullTime(u.LastLoginAt), u.UpdatedAt)
	if isUniqueViolation(err) {
		return model.ErrEmailTaken
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrUserNotFound
	}
	return nil
}

// FindByID finds a user by ID
func (r *UserRepository) FindByID(ctx context.Context, id string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	u, err := scanUser(r.db.Conn(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrUserNotFound
	}
	return u, err
}

// FindByEmail finds a user by email, ignoring case
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	u, err := scanUser(r.db.Conn(ctx).QueryRowContext(ctx, query, model.NormalizeEmail(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrUserNotFound
	}
	return u, err
}

// List lists users newest first
func (r *UserRepository) List(ctx context.Context, filter model.UserFilter) ([]*model.User, int, error) {
	qb := database.NewQueryBuilder(`SELECT `+userColumns+` FROM users`).
		WhereIf(filter.Role != "", "role = ?", filter.Role).
		WhereIf(filter.Search != "", "(email ILIKE ? OR first_name || ' ' || last_name ILIKE ?)",
			"%"+filter.Search+"%", "%"+filter.Search+"%").
		OrderBy("created_at", true).
		Limit(filter.Limit(), filter.Offset())

	conn := r.db.Conn(ctx)
	countQuery, countArgs := qb.CountQuery()
	var total int
	if err := conn.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query, args := qb.Build()
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	users := make([]*model.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

// RevocationStore keeps revoked refresh tokens in the revoked_tokens table
type RevocationStore struct {
	db *database.DB
}

// NewRevocationStore creates a new revocation store
func NewRevocationStore(db *database.DB) *RevocationStore {
	return &RevocationStore{db: db}
}

// Revoke inserts jti, reporting false when it was already present
func (s *RevocationStore) Revoke(ctx context.Context, jti, userID string, expiresAt time.Time) (bool, error) {
	res, err := s.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (jti) DO NOTHING
	`, jti, userID, expiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IsRevoked reports whether jti has been revoked
func (s *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti = $1)`, jti).Scan(&exists)
	return exists, err
}

// Purge deletes entries whose tokens have expired
func (s *RevocationStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.Conn(ctx).ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
