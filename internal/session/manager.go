// Package session keeps the signed-in user and their API token in durable slots.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/sitesync/internal/siteapi"
	"github.com/kalambet/sitesync/internal/storage"
)

// Slot names shared with the web client's local storage layout.
const (
	TokenSlot        = "authToken"
	RefreshTokenSlot = "refreshToken"
	UserSlot         = "user"
)

// Roles assigned by the site API.
const (
	RoleContractor  = "ROLE_CONTRACTOR"
	RoleSupervision = "ROLE_SUPERVISION"
	RoleInspector   = "ROLE_INSPECTOR"
	RoleAdmin       = "ROLE_ADMIN"
	RoleUser        = "ROLE_USER"
)

// Store defines the slot operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	GetSlot(key string) (string, error)
	SetSlot(key, value string) error
	DeleteSlot(key string) error
}

// Authenticator performs the remote half of a login.
// Implemented by siteapi.Client.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (siteapi.LoginResult, error)
	CurrentUser(ctx context.Context) (siteapi.User, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type state struct {
	token string
	user  *siteapi.User
}

// Manager provides cached access to the signed-in user and their token.
type Manager struct {
	store Store
	auth  Authenticator
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   *state
	cachedAt time.Time
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store Store, auth Authenticator) *Manager {
	return NewManagerWithClock(store, auth, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, auth Authenticator, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		auth:  auth,
		clock: clock,
		ttl:   ttl,
	}
}

// placeholderUser stands in when no user endpoint answers after a
// successful login.
func placeholderUser() siteapi.User {
	return siteapi.User{
		Email:    "unknown@email.com",
		Role:     RoleUser,
		Username: "User",
		Position: "Not specified",
	}
}

// Login authenticates, stores the token and then fetches the current user.
func (m *Manager) Login(ctx context.Context, email, password string) (siteapi.User, error) {
	res, err := m.auth.Login(ctx, email, password)
	if err != nil {
		return siteapi.User{}, fmt.Errorf("login: %w", err)
	}

	m.mu.Lock()
	m.cached = nil
	err = m.store.SetSlot(TokenSlot, res.Token)
	if err == nil && res.RefreshToken != "" {
		err = m.store.SetSlot(RefreshTokenSlot, res.RefreshToken)
	}
	m.mu.Unlock()
	if err != nil {
		return siteapi.User{}, fmt.Errorf("storing token: %w", err)
	}

	user, err := m.auth.CurrentUser(ctx)
	if err != nil {
		slog.Warn("all user endpoints failed, using placeholder user", "error", err)
		user = placeholderUser()
	}
	if err := m.SetUser(user); err != nil {
		return user, err
	}
	slog.Info("logged in", "email", user.Email, "role", user.Role)
	return user, nil
}

// Refresh re-reads the current user from the server and stores it.
func (m *Manager) Refresh(ctx context.Context) (siteapi.User, error) {
	user, err := m.auth.CurrentUser(ctx)
	if err != nil {
		return siteapi.User{}, fmt.Errorf("fetching current user: %w", err)
	}
	return user, m.SetUser(user)
}

// SetUser persists user and invalidates the cache.
func (m *Manager) SetUser(user siteapi.User) error {
	b, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshalling user: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.SetSlot(UserSlot, string(b)); err != nil {
		return fmt.Errorf("storing user: %w", err)
	}
	m.cached = nil
	return nil
}

// Logout forgets the token, refresh token and user.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
	for _, key := range []string{TokenSlot, RefreshTokenSlot, UserSlot} {
		if err := m.store.DeleteSlot(key); err != nil {
			return fmt.Errorf("removing %s: %w", key, err)
		}
	}
	slog.Info("logged out")
	return nil
}

// Token returns the stored bearer token, or "" when signed out.
func (m *Manager) Token() string {
	st, err := m.load()
	if err != nil {
		slog.Warn("reading session token", "error", err)
		return ""
	}
	return st.token
}

// User returns the stored user.
func (m *Manager) User() (siteapi.User, bool) {
	st, err := m.load()
	if err != nil || st.user == nil {
		return siteapi.User{}, false
	}
	return *st.user, true
}

func (m *Manager) IsAuthenticated() bool { return m.Token() != "" }

// HasRole reports whether the stored user has exactly role.
func (m *Manager) HasRole(role string) bool {
	u, ok := m.User()
	return ok && u.Role == role
}

func (m *Manager) IsContractor() bool  { return m.HasRole(RoleContractor) }
func (m *Manager) IsSupervision() bool { return m.HasRole(RoleSupervision) }
func (m *Manager) IsInspector() bool   { return m.HasRole(RoleInspector) }
func (m *Manager) IsAdmin() bool       { return m.HasRole(RoleAdmin) }

func (m *Manager) load() (state, error) {
	// Fast path: read lock for cache hit.
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		st := *m.cached
		m.mu.RUnlock()
		return st, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return *m.cached, nil
	}

	var st state
	var err error
	if st.token, err = m.slot(TokenSlot); err != nil {
		return state{}, err
	}
	raw, err := m.slot(UserSlot)
	if err != nil {
		return state{}, err
	}
	if raw != "" {
		var u siteapi.User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			slog.Warn("malformed stored user, ignoring", "error", err)
		} else {
			st.user = &u
		}
	}

	m.cached = &st
	m.cachedAt = m.clock.Now()
	return st, nil
}

func (m *Manager) slot(key string) (string, error) {
	v, err := m.store.GetSlot(key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading %s: %w", key, err)
	}
	return v, nil
}
