package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saas-invoice/saas-invoice/internal/auth/adapters/repository/memory"
	"github.com/saas-invoice/saas-invoice/internal/auth/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/requestctx"
	"github.com/saas-invoice/saas-invoice/internal/platform/validation"
	"github.com/saas-invoice/saas-invoice/internal/shared/events"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType
	}
	return out
}

type welcomeRecorder struct {
	sent []string
}

func (w *welcomeRecorder) Welcome(_ context.Context, user *model.User) error {
	w.sent = append(w.sent, user.Email)
	return nil
}

type fixture struct {
	svc       *AuthService
	users     *memory.UserRepository
	publisher *recordingPublisher
	mailer    *welcomeRecorder
	changed   []string
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		users:     memory.NewUserRepository(),
		publisher: &recordingPublisher{},
		mailer:    &welcomeRecorder{},
		now:       time.Now().UTC().Truncate(time.Second),
	}
	cfg := DefaultConfig()
	cfg.BcryptCost = 4
	f.svc = NewAuthService(cfg, f.users, memory.NewRevocationStore(), Options{
		Publisher: f.publisher,
		Mailer:    f.mailer,
		OnAccountChanged: func(_ context.Context, u *model.User) error {
			f.changed = append(f.changed, u.ID)
			return nil
		},
		Clock: func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) register(t *testing.T, email string) *Session {
	t.Helper()
	session, err := f.svc.Register(context.Background(), RegisterInput{
		Email:     email,
		Password:  "s3cretpass",
		FirstName: "Ada",
		LastName:  "Lovelace",
	})
	require.NoError(t, err)
	return session
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "  Ada@Example.com ")

	assert.Equal(t, "ada@example.com", session.User.Email)
	assert.Equal(t, model.RoleUser, session.User.Role)
	assert.True(t, session.User.IsActive)
	assert.NotEmpty(t, session.Tokens.AccessToken)
	assert.NotEmpty(t, session.Tokens.RefreshToken)
	assert.Equal(t, f.now.Add(time.Hour), session.Tokens.AccessExpiresAt)
	assert.Equal(t, f.now.Add(7*24*time.Hour), session.Tokens.RefreshExpiresAt)
	assert.Equal(t, []string{"ada@example.com"}, f.mailer.sent)
	assert.Contains(t, f.publisher.types(), events.UserRegistered)

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Email: "ADA@example.com", Password: "s3cretpass", FirstName: "A", LastName: "L",
	})
	assert.ErrorIs(t, err, model.ErrEmailTaken)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		input RegisterInput
		field string
	}{
		{"bad email", RegisterInput{Email: "nope", Password: "s3cretpass", FirstName: "A", LastName: "B"}, "email"},
		{"short password", RegisterInput{Email: "a@b.co", Password: "a1", FirstName: "A", LastName: "B"}, "password"},
		{"no digits", RegisterInput{Email: "a@b.co", Password: "onlyletters", FirstName: "A", LastName: "B"}, "password"},
		{"missing first name", RegisterInput{Email: "a@b.co", Password: "s3cretpass", LastName: "B"}, "first_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Register(context.Background(), tt.input)
			var verr *validation.Error
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ada@example.com")

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{"ok", "ADA@example.com", "s3cretpass", nil},
		{"wrong password", "ada@example.com", "wrong", model.ErrInvalidCredentials},
		{"unknown email", "bob@example.com", "s3cretpass", model.ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := f.svc.Login(context.Background(), LoginInput{Email: tt.email, Password: tt.password})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, session.User.LastLoginAt)
			assert.Equal(t, f.now, *session.User.LastLoginAt)
		})
	}
}

func TestLoginInactiveUser(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ada@example.com")

	user, err := f.users.FindByID(context.Background(), session.User.ID)
	require.NoError(t, err)
	user.IsActive = false
	require.NoError(t, f.users.Update(context.Background(), user))

	_, err = f.svc.Login(context.Background(), LoginInput{Email: "ada@example.com", Password: "s3cretpass"})
	assert.ErrorIs(t, err, model.ErrUserInactive)

	_, err = f.svc.VerifyAccess(context.Background(), session.Tokens.AccessToken)
	assert.ErrorIs(t, err, model.ErrUserInactive)
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ada@example.com")

	rotated, err := f.svc.Refresh(context.Background(), session.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, session.Tokens.RefreshToken, rotated.RefreshToken)

	_, err = f.svc.Refresh(context.Background(), session.Tokens.RefreshToken)
	assert.ErrorIs(t, err, model.ErrTokenRevoked)

	_, err = f.svc.Refresh(context.Background(), session.Tokens.AccessToken)
	assert.ErrorIs(t, err, model.ErrInvalidToken)

	_, err = f.svc.Refresh(context.Background(), rotated.RefreshToken)
	assert.NoError(t, err)
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ada@example.com")

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Refresh(context.Background(), session.Tokens.RefreshToken); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ada@example.com")

	require.NoError(t, f.svc.Logout(context.Background(), session.User.ID, session.Tokens.RefreshToken))
	_, err := f.svc.Refresh(context.Background(), session.Tokens.RefreshToken)
	assert.ErrorIs(t, err, model.ErrTokenRevoked)

	assert.NoError(t, f.svc.Logout(context.Background(), session.User.ID, "garbage"))
}

func TestVerifyAccess(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ada@example.com")

	p, err := f.svc.VerifyAccess(context.Background(), session.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, requestctx.Principal{UserID: session.User.ID, Email: "ada@example.com", Role: "USER"}, p)

	_, err = f.svc.VerifyAccess(context.Background(), session.Tokens.RefreshToken)
	assert.ErrorIs(t, err, model.ErrInvalidToken)

	f.now = f.now.Add(61 * time.Minute)
	_, err = f.svc.VerifyAccess(context.Background(), session.Tokens.AccessToken)
	assert.ErrorIs(t, err, model.ErrInvalidToken)
}

func TestVerifyAccessSeesRoleChange(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ada@example.com")

	user, err := f.users.FindByID(context.Background(), session.User.ID)
	require.NoError(t, err)
	user.Role = model.RoleAccountant
	require.NoError(t, f.users.Update(context.Background(), user))

	p, err := f.svc.VerifyAccess(context.Background(), session.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "ACCOUNTANT", p.Role)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ada@example.com")
	ctx := context.Background()

	err := f.svc.ChangePassword(ctx, ChangePasswordInput{UserID: session.User.ID, OldPassword: "bad", NewPassword: "n3wpassword"})
	assert.ErrorIs(t, err, model.ErrWrongPassword)

	require.NoError(t, f.svc.ChangePassword(ctx, ChangePasswordInput{
		UserID: session.User.ID, OldPassword: "s3cretpass", NewPassword: "n3wpassword",
	}))

	_, err = f.svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "s3cretpass"})
	assert.ErrorIs(t, err, model.ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "n3wpassword"})
	assert.NoError(t, err)
}

func TestUpdateProfileNotifiesHook(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ada@example.com")

	name := "Augusta"
	user, err := f.svc.UpdateProfile(context.Background(), session.User.ID, model.ProfileUpdate{FirstName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Augusta Lovelace", user.FullName())
	assert.Equal(t, []string{session.User.ID}, f.changed)
}

func TestUpdateUserRoleRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := requestctx.Principal{UserID: "owner-id", Role: "OWNER"}

	admin, err := f.svc.CreateUser(ctx, owner, CreateUserInput{
		RegisterInput: RegisterInput{Email: "admin@example.com", Password: "s3cretpass", FirstName: "A", LastName: "D"},
		Role:          model.RoleAdmin,
	})
	require.NoError(t, err)
	target := f.register(t, "user@example.com").User
	adminActor := requestctx.Principal{UserID: admin.ID, Role: "ADMIN"}

	ownerRole := model.RoleOwner
	accountant := model.RoleAccountant
	inactive := false

	tests := []struct {
		name    string
		actor   requestctx.Principal
		id      string
		update  AdminUpdate
		wantErr error
	}{
		{"admin cannot grant owner", adminActor, target.ID, AdminUpdate{Role: &ownerRole}, model.ErrRoleForbidden},
		{"admin cannot demote self", adminActor, admin.ID, AdminUpdate{Role: &accountant}, model.ErrSelfLockout},
		{"admin cannot deactivate self", adminActor, admin.ID, AdminUpdate{IsActive: &inactive}, model.ErrSelfLockout},
		{"admin changes user role", adminActor, target.ID, AdminUpdate{Role: &accountant}, nil},
		{"owner grants owner", owner, target.ID, AdminUpdate{Role: &ownerRole}, nil},
		{"admin cannot touch owner", adminActor, target.ID, AdminUpdate{Role: &accountant}, model.ErrRoleForbidden},
		{"unknown user", owner, "missing", AdminUpdate{}, model.ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.UpdateUser(ctx, tt.actor, tt.id, tt.update)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}

	_, err = f.svc.CreateUser(ctx, adminActor, CreateUserInput{
		RegisterInput: RegisterInput{Email: "o2@example.com", Password: "s3cretpass", FirstName: "O", LastName: "W"},
		Role:          model.RoleOwner,
	})
	assert.ErrorIs(t, err, model.ErrRoleForbidden)
}

func TestDeactivateUser(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "user@example.com")
	admin := requestctx.Principal{UserID: "admin-id", Role: "ADMIN"}

	user, err := f.svc.DeactivateUser(context.Background(), admin, session.User.ID)
	require.NoError(t, err)
	assert.False(t, user.IsActive)

	users, total, err := f.svc.ListUsers(context.Background(), model.UserFilter{Role: model.RoleUser})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.False(t, users[0].IsActive)
}

func TestCapabilities(t *testing.T) {
	tests := []struct {
		role model.Role
		cap  model.Capability
		want bool
	}{
		{model.RoleOwner, model.CapCatalogManage, true},
		{model.RoleAdmin, model.CapUsersManage, true},
		{model.RoleAccountant, model.CapCatalogManage, false},
		{model.RoleAccountant, model.CapInvoicesManage, true},
		{model.RoleAccountant, model.CapPaymentsManage, true},
		{model.RoleAccountant, model.CapSubscriptionsManage, false},
		{model.RoleUser, model.CapInvoicesManage, false},
		{model.RoleUser, model.CapInvoicesOwn, true},
		{model.RoleUser, model.CapSubscriptionsOwn, true},
		{model.RoleUser, model.Capability("unknown"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.role.Can(tt.cap), "%s %s", tt.role, tt.cap)
		assert.Equal(t, tt.want, model.RoleCan(string(tt.role), string(tt.cap)))
	}
}
