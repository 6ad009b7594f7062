// Package session holds the authenticated identity for one client: its
// tokens, the user snapshot, and the durable copy of both.
//
// A Manager is built once at the composition root and handed to every
// consumer. Consumers read it and call Login, Register and Logout; none of
// them write the storage keys directly.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hongminglow/edu-session/internal/authapi"
	"github.com/hongminglow/edu-session/internal/metrics"
	"github.com/hongminglow/edu-session/internal/models"
	"github.com/hongminglow/edu-session/internal/storage"
)

// User-facing failure messages.
const (
	MsgLoginFailed    = "Unable to login."
	MsgRegisterFailed = "Registration failed."
	MsgNoRefreshToken = "No refresh token available"
	MsgRefreshFailed  = "Token refresh failed"
	MsgNoAccessToken  = "No access token available"
	MsgVerifyFailed   = "Token verification failed"
	MsgUnauthorized   = "Unauthorized. Please login again."
	MsgNetworkError   = "Network error"
)

// ErrSessionChanged reports a refresh whose session was replaced or ended
// while the request was in flight. Its result is discarded.
var ErrSessionChanged = errors.New("session changed during refresh")

// AuthClient is the backend surface the manager depends on.
type AuthClient interface {
	Login(ctx context.Context, email, password string) (*models.AuthResponse, error)
	Register(ctx context.Context, payload map[string]any) (*models.AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string) (string, error)
	Verify(ctx context.Context, accessToken string) (string, error)
	Do(ctx context.Context, method, path, token string, body, out any) (bool, error)
}

// Error is the single failure shape returned by network-facing operations.
// Message is suitable for showing to the user as-is.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// State is a point-in-time copy of the session. Empty strings stand for "none".
type State struct {
	User            *models.AuthUser
	AccessToken     string
	RefreshToken    string
	Role            string
	Loading         bool
	Error           string
	IsAuthenticated bool
}

// Manager owns the session. It is safe for concurrent use, but does not
// coordinate with other processes sharing the same store.
type Manager struct {
	client  AuthClient
	store   storage.Store
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu           sync.RWMutex
	user         *models.AuthUser
	accessToken  string
	refreshToken string
	loading      bool
	lastErr      string
	// generation changes whenever a session starts or ends.
	generation uint64

	refreshGroup singleflight.Group
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records operation outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New creates a Manager and hydrates it from store. A nil store means there
// is no durable storage in this context: nothing is read or written and the
// manager starts logged out.
func New(ctx context.Context, client AuthClient, store storage.Store, opts ...Option) *Manager {
	m := &Manager{
		client:  client,
		store:   store,
		logger:  zap.NewNop(),
		loading: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.hydrate(ctx)
	return m
}

func (m *Manager) hydrate(ctx context.Context) {
	if m.store == nil {
		m.mu.Lock()
		m.loading = false
		m.mu.Unlock()
		return
	}

	user := m.loadStoredUser(ctx)
	access := m.read(ctx, storage.KeyAccessToken)
	refresh := m.read(ctx, storage.KeyRefreshToken)

	m.mu.Lock()
	m.user = user
	m.accessToken = access
	m.refreshToken = refresh
	m.loading = false
	m.mu.Unlock()

	m.metrics.Observe("hydrate", metrics.OutcomeSuccess)
	m.logger.Debug("session hydrated",
		zap.Bool("has_user", user != nil),
		zap.Bool("has_access_token", access != ""),
	)
}

// loadStoredUser prefers the serialized user and falls back to the scalar
// keys. A corrupt serialized user is removed and otherwise ignored.
func (m *Manager) loadStoredUser(ctx context.Context) *models.AuthUser {
	if raw := m.read(ctx, storage.KeyUser); raw != "" {
		var u models.AuthUser
		err := json.Unmarshal([]byte(raw), &u)
		if err == nil {
			return &u
		}
		m.logger.Warn("Failed to parse stored user payload, clearing the cache.", zap.Error(err))
		if err := m.store.Delete(ctx, storage.KeyUser); err != nil {
			m.logger.Warn("clear stored user failed", zap.Error(err))
		}
	}

	id := m.read(ctx, storage.KeyUserID)
	role := m.read(ctx, storage.KeyUserRole)
	profileID := m.read(ctx, storage.KeyProfileID)
	if id == "" && role == "" && profileID == "" {
		return nil
	}

	fallback := &models.AuthUser{Role: role}
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		fallback.ID = &n
	}
	if n, err := strconv.ParseInt(profileID, 10, 64); err == nil {
		fallback.ProfileID = &n
	}
	return fallback
}

// read returns "" for absent keys and for read failures, which are logged.
func (m *Manager) read(ctx context.Context, key string) string {
	v, _, err := storage.Lookup(ctx, m.store, key)
	if err != nil {
		m.logger.Warn("read session key failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	return v
}

// Login authenticates against the backend. On failure the previous session
// is left exactly as it was.
func (m *Manager) Login(ctx context.Context, email, password string) (*models.AuthUser, error) {
	m.begin()

	resp, err := m.client.Login(ctx, email, password)
	if err != nil {
		return nil, m.fail("login", MsgLoginFailed, err)
	}

	m.mu.Lock()
	m.user = resp.User.Clone()
	m.accessToken = resp.Access
	m.refreshToken = resp.Refresh
	m.generation++
	m.mu.Unlock()

	outcome := metrics.OutcomeSuccess
	if err := m.persist(ctx, resp); err != nil {
		outcome = metrics.OutcomeStorageError
		m.logger.Error("persist session failed", zap.Error(err))
	}

	m.mu.Lock()
	m.loading = false
	m.mu.Unlock()

	m.metrics.Observe("login", outcome)
	m.logger.Info("login succeeded", zap.String("role", resp.User.NormalizedRole()))
	return resp.User.Clone(), nil
}

// persist writes the tokens, the serialized user and its scalar fallbacks.
// profileId is removed when the user has none so a previous session's value
// cannot leak into this one.
func (m *Manager) persist(ctx context.Context, resp *models.AuthResponse) error {
	if m.store == nil {
		return nil
	}

	var errs []error
	set := func(key, value string) {
		if err := m.store.Set(ctx, key, value); err != nil {
			errs = append(errs, err)
		}
	}

	if resp.Access != "" {
		set(storage.KeyAccessToken, resp.Access)
	}
	if resp.Refresh != "" {
		set(storage.KeyRefreshToken, resp.Refresh)
	}
	if u := resp.User; u != nil {
		raw, err := json.Marshal(u)
		if err != nil {
			errs = append(errs, err)
		} else {
			set(storage.KeyUser, string(raw))
		}
		if u.ID != nil {
			set(storage.KeyUserID, strconv.FormatInt(*u.ID, 10))
		}
		if u.Role != "" {
			set(storage.KeyUserRole, u.Role)
		}
		if u.ProfileID != nil {
			set(storage.KeyProfileID, strconv.FormatInt(*u.ProfileID, 10))
		} else if err := m.store.Delete(ctx, storage.KeyProfileID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Register creates an identity. It never establishes a session, even when
// the backend returns tokens; callers log in separately.
func (m *Manager) Register(ctx context.Context, payload map[string]any) (*models.AuthResponse, error) {
	m.begin()

	resp, err := m.client.Register(ctx, payload)
	if err != nil {
		return nil, m.fail("register", MsgRegisterFailed, err)
	}

	m.mu.Lock()
	m.loading = false
	m.mu.Unlock()

	m.metrics.Observe("register", metrics.OutcomeSuccess)
	return resp, nil
}

// Logout clears the stored and in-memory session. It has no failure mode
// visible to the caller; storage errors are logged.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	m.user = nil
	m.accessToken = ""
	m.refreshToken = ""
	m.lastErr = ""
	m.generation++
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Delete(ctx, storage.SessionKeys...); err != nil {
			m.logger.Error("clear session storage failed", zap.Error(err))
		}
	}

	m.metrics.Observe("logout", metrics.OutcomeSuccess)
}

// Refresh exchanges the refresh token for a new access token. It is never
// called automatically. Concurrent callers share a single request.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	v, err, _ := m.refreshGroup.Do("refresh", func() (any, error) {
		m.mu.RLock()
		refresh := m.refreshToken
		gen := m.generation
		m.mu.RUnlock()
		if refresh == "" && m.store != nil {
			refresh = m.read(ctx, storage.KeyRefreshToken)
		}
		if refresh == "" {
			m.metrics.Observe("refresh", metrics.OutcomeFailure)
			return "", &Error{Message: MsgNoRefreshToken}
		}

		access, err := m.client.Refresh(ctx, refresh)
		if err != nil {
			m.metrics.Observe("refresh", metrics.OutcomeFailure)
			return "", &Error{Message: messageFor(err, MsgRefreshFailed), Err: err}
		}

		// The store write happens under the lock so a concurrent Logout
		// cannot interleave between the check and the write.
		m.mu.Lock()
		if m.generation != gen {
			m.mu.Unlock()
			m.metrics.Observe("refresh", metrics.OutcomeFailure)
			m.logger.Info("discarding refreshed token, session changed while in flight")
			return "", &Error{Message: MsgRefreshFailed, Err: ErrSessionChanged}
		}
		m.accessToken = access
		outcome := metrics.OutcomeSuccess
		if m.store != nil {
			if err := m.store.Set(ctx, storage.KeyAccessToken, access); err != nil {
				outcome = metrics.OutcomeStorageError
				m.logger.Error("persist refreshed token failed", zap.Error(err))
			}
		}
		m.mu.Unlock()
		m.metrics.Observe("refresh", outcome)
		return access, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Verify asks the backend whether the current access token is still valid.
func (m *Manager) Verify(ctx context.Context) error {
	token := m.AccessToken()
	if token == "" {
		return &Error{Message: MsgNoAccessToken}
	}
	if _, err := m.client.Verify(ctx, token); err != nil {
		m.metrics.Observe("verify", metrics.OutcomeFailure)
		return &Error{Message: messageFor(err, MsgVerifyFailed), Err: err}
	}
	m.metrics.Observe("verify", metrics.OutcomeSuccess)
	return nil
}

// Fetch performs an authorized JSON request. A 401 ends the session.
func (m *Manager) Fetch(ctx context.Context, method, path string, body, out any) error {
	_, err := m.client.Do(ctx, method, path, m.AccessToken(), body, out)
	if err == nil {
		return nil
	}
	if authapi.IsUnauthorized(err) {
		m.logger.Info("backend rejected access token, clearing session", zap.String("path", path))
		m.Logout(ctx)
		return &Error{Message: MsgUnauthorized, Err: err}
	}
	return &Error{Message: messageFor(err, MsgNetworkError), Err: err}
}

func (m *Manager) begin() {
	m.mu.Lock()
	m.loading = true
	m.lastErr = ""
	m.mu.Unlock()
}

func (m *Manager) fail(operation, fallback string, err error) error {
	msg := messageFor(err, fallback)

	m.mu.Lock()
	m.lastErr = msg
	m.loading = false
	m.mu.Unlock()

	m.metrics.Observe(operation, metrics.OutcomeFailure)
	m.logger.Info(operation+" failed", zap.String("message", msg), zap.Error(err))
	return &Error{Message: msg, Err: err}
}

// messageFor surfaces the backend's message for API errors and the generic
// fallback for everything else (transport failures, unreadable bodies).
func messageFor(err error, fallback string) string {
	var apiErr *authapi.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

// User returns a copy of the current user, or nil.
func (m *Manager) User() *models.AuthUser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user.Clone()
}

// AccessToken returns the current access token, or "".
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accessToken
}

// RefreshToken returns the current refresh token, or "".
func (m *Manager) RefreshToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refreshToken
}

// Loading reports whether an operation is in flight.
func (m *Manager) Loading() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loading
}

// LastError returns the message of the last failed Login or Register, or "".
func (m *Manager) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// IsAuthenticated is true iff both an access token and a user are present.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accessToken != "" && m.user != nil
}

// Role returns the lower-cased role of the current user, falling back to the
// stored role key when the user carries none.
func (m *Manager) Role(ctx context.Context) string {
	m.mu.RLock()
	role := m.user.NormalizedRole()
	m.mu.RUnlock()
	if role != "" || m.store == nil {
		return role
	}
	return models.NormalizeRole(m.read(ctx, storage.KeyUserRole))
}

// Snapshot returns the whole observable state at once.
func (m *Manager) Snapshot(ctx context.Context) State {
	m.mu.RLock()
	st := State{
		User:            m.user.Clone(),
		AccessToken:     m.accessToken,
		RefreshToken:    m.refreshToken,
		Loading:         m.loading,
		Error:           m.lastErr,
		IsAuthenticated: m.accessToken != "" && m.user != nil,
	}
	m.mu.RUnlock()
	st.Role = m.Role(ctx)
	return st
}

// AccessTokenExpiry reads the exp claim of the access token without checking
// its signature. It reports false when there is no token or no exp claim.
func (m *Manager) AccessTokenExpiry() (time.Time, bool) {
	token := m.AccessToken()
	if token == "" {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		m.logger.Debug("access token is not a readable JWT", zap.Error(err))
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
