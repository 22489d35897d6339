// Package memory provides in-process auth repositories for local runs and tests
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/auth/domain/model"
)

// UserRepository keeps users in a map
type UserRepository struct {
	mu    sync.RWMutex
	users map[string]*model.User
}

// NewUserRepository creates an empty user repository
func NewUserRepository() *UserRepository {
	return &UserRepository{users: make(map[string]*model.User)}
}

func clone(u *model.User) *model.User {
	c := *u
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}

func (r *UserRepository) Save(ctx context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, user.Email) {
			return model.ErrEmailTaken
		}
	}
	r.users[user.ID] = clone(user)
	return nil
}

func (r *UserRepository) Update(ctx context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; !ok {
		return model.ErrUserNotFound
	}
	for _, u := range r.users {
		if u.ID != user.ID && strings.EqualFold(u.Email, user.Email) {
			return model.ErrEmailTaken
		}
	}
	r.users[user.ID] = clone(user)
	return nil
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if u, ok := r.users[id]; ok {
		return clone(u), nil
	}
	return nil, model.ErrUserNotFound
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	email = model.NormalizeEmail(email)
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			return clone(u), nil
		}
	}
	return nil, model.ErrUserNotFound
}

func (r *UserRepository) List(ctx context.Context, filter model.UserFilter) ([]*model.User, int, error) {
	r.mu.RLock()
	var items []*model.User
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	for _, u := range r.users {
		if filter.Role != "" && u.Role != filter.Role {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(u.Email+" "+u.FullName()), search) {
			continue
		}
		items = append(items, clone(u))
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	total := len(items)
	offset := filter.Offset()
	if offset >= total {
		return []*model.User{}, total, nil
	}
	end := offset + filter.Limit()
	if end > total {
		end = total
	}
	return items[offset:end], total, nil
}

// RevocationStore keeps revoked token ids until they expire
type RevocationStore struct {
	mu      sync.Mutex
	revoked map[string]time.Time
	clock   func() time.Time
}

// NewRevocationStore creates an empty revocation list
func NewRevocationStore() *RevocationStore {
	return &RevocationStore{revoked: make(map[string]time.Time), clock: time.Now}
}

func (s *RevocationStore) Revoke(ctx context.Context, jti, userID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge()
	if _, ok := s.revoked[jti]; ok {
		return false, nil
	}
	s.revoked[jti] = expiresAt
	return true, nil
}

func (s *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

// purge drops entries whose token has expired anyway
func (s *RevocationStore) purge() {
	now := s.clock()
	for jti, exp := range s.revoked {
		if exp.Before(now) {
			delete(s.revoked, jti)
		}
	}
}
