package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hongminglow/edu-session/internal/authapi"
	"github.com/hongminglow/edu-session/internal/authstub"
	"github.com/hongminglow/edu-session/internal/metrics"
	"github.com/hongminglow/edu-session/internal/models"
	"github.com/hongminglow/edu-session/internal/storage"
	"github.com/hongminglow/edu-session/internal/storage/file"
	"github.com/hongminglow/edu-session/internal/storage/memory"
)

const testPassword = "correct-horse"

func newStub(t *testing.T) (*authstub.Stub, *authapi.Client) {
	t.Helper()
	stub := authstub.New(authstub.NewTokenManager("test-secret", "test", time.Hour), nil)
	ts := httptest.NewServer(stub.Handler())
	t.Cleanup(ts.Close)
	return stub, authapi.New(ts.URL+authstub.APIPrefix, authapi.WithHTTPClient(ts.Client()))
}

func seedUser(t *testing.T, stub *authstub.Stub, email, role string, profileID *int64) authstub.User {
	t.Helper()
	u, err := stub.Users.Create(authstub.User{Email: email, Role: role, ProfileID: profileID}, testPassword)
	require.NoError(t, err)
	return u
}

// fixedBackend answers every request with the same status and body.
func fixedBackend(t *testing.T, status int, body string) *authapi.Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return authapi.New(ts.URL, authapi.WithHTTPClient(ts.Client()))
}

func int64Ptr(v int64) *int64 { return &v }

func TestHydrationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New(map[string]string{
		storage.KeyAccessToken:  "A",
		storage.KeyRefreshToken: "R",
		storage.KeyUser:         `{"id":5,"role":"Parent","profile_id":2,"phone":"555"}`,
		storage.KeyUserID:       "5",
		storage.KeyUserRole:     "Parent",
		storage.KeyProfileID:    "2",
	})

	first := New(ctx, nil, store).Snapshot(ctx)
	second := New(ctx, nil, store).Snapshot(ctx)

	assert.Equal(t, first, second)
	assert.False(t, first.Loading)
	assert.True(t, first.IsAuthenticated)
	assert.Equal(t, "parent", first.Role)
	assert.Equal(t, "555", first.User.Extra["phone"])
}

func TestLoginRoundTripsThroughStorage(t *testing.T) {
	ctx := context.Background()
	stub, client := newStub(t)
	seedUser(t, stub, "kid@example.com", models.RoleStudent, int64Ptr(12))
	store := memory.New(nil)

	m := New(ctx, client, store)
	user, err := m.Login(ctx, "kid@example.com", testPassword)
	require.NoError(t, err)

	fresh := New(ctx, client, store)
	assert.Equal(t, user, fresh.User())
	assert.Equal(t, m.AccessToken(), fresh.AccessToken())
	assert.Equal(t, m.RefreshToken(), fresh.RefreshToken())
	assert.True(t, fresh.IsAuthenticated())
}

func TestCorruptStoredUser(t *testing.T) {
	tests := []struct {
		name string
		seed map[string]string
		want *models.AuthUser
	}{
		{
			name: "no fallback keys",
			seed: map[string]string{storage.KeyUser: "{not json"},
			want: nil,
		},
		{
			name: "reconstructed from scalar keys",
			seed: map[string]string{
				storage.KeyUser:      "{not json",
				storage.KeyUserID:    "42",
				storage.KeyUserRole:  "ADMIN",
				storage.KeyProfileID: "7",
			},
			want: &models.AuthUser{ID: int64Ptr(42), Role: "ADMIN", ProfileID: int64Ptr(7)},
		},
		{
			name: "unparseable ids are dropped",
			seed: map[string]string{
				storage.KeyUser:     "null",
				storage.KeyUserID:   "abc",
				storage.KeyUserRole: "parent",
			},
			want: &models.AuthUser{Role: "parent"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			core, logs := observer.New(zapcore.WarnLevel)
			store := memory.New(tt.seed)

			var m *Manager
			require.NotPanics(t, func() {
				m = New(ctx, nil, store, WithLogger(zap.New(core)))
			})

			assert.Equal(t, tt.want, m.User())
			assert.Empty(t, m.LastError())
			assert.Equal(t, 1, logs.FilterMessage("Failed to parse stored user payload, clearing the cache.").Len())

			_, err := store.Get(ctx, storage.KeyUser)
			assert.ErrorIs(t, err, storage.ErrNotFound)
			for k, v := range tt.seed {
				if k == storage.KeyUser {
					continue
				}
				got, err := store.Get(ctx, k)
				require.NoError(t, err)
				assert.Equal(t, v, got)
			}
		})
	}
}

func TestFailedLoginKeepsPriorSession(t *testing.T) {
	ctx := context.Background()
	stub, client := newStub(t)
	seedUser(t, stub, "p@example.com", models.RoleParent, int64Ptr(3))
	store := memory.New(nil)

	m := New(ctx, client, store)
	_, err := m.Login(ctx, "p@example.com", testPassword)
	require.NoError(t, err)
	before := m.Snapshot(ctx)
	storedBefore := store.Snapshot()

	_, err = m.Login(ctx, "p@example.com", "wrong")
	require.Error(t, err)

	after := m.Snapshot(ctx)
	assert.Equal(t, before.User, after.User)
	assert.Equal(t, before.AccessToken, after.AccessToken)
	assert.Equal(t, before.RefreshToken, after.RefreshToken)
	assert.Equal(t, "Invalid email or password", after.Error)
	assert.False(t, after.Loading)
	assert.Equal(t, storedBefore, store.Snapshot())
}

func TestLogoutIsTotal(t *testing.T) {
	ctx := context.Background()
	seed := map[string]string{}
	for _, k := range storage.SessionKeys {
		seed[k] = "x"
	}
	seed[storage.KeyUser] = `{"id":1}`
	seed["unrelated"] = "keep"
	store := memory.New(seed)

	m := New(ctx, nil, store)
	require.True(t, m.IsAuthenticated())

	m.Logout(ctx)

	assert.Equal(t, map[string]string{"unrelated": "keep"}, store.Snapshot())
	st := m.Snapshot(ctx)
	assert.False(t, st.IsAuthenticated)
	assert.Nil(t, st.User)
	assert.Empty(t, st.AccessToken)
	assert.Empty(t, st.RefreshToken)
	assert.Empty(t, st.Role)

	m.Logout(ctx)
	assert.False(t, m.IsAuthenticated())
}

func TestRoleDerivation(t *testing.T) {
	ctx := context.Background()

	m := New(ctx, nil, memory.New(map[string]string{storage.KeyUser: `{"id":1,"role":"STUDENT"}`}))
	assert.Equal(t, "student", m.Role(ctx))

	m = New(ctx, nil, memory.New(map[string]string{
		storage.KeyUser:     `{"id":1}`,
		storage.KeyUserRole: "Corporate_Partner",
	}))
	assert.Equal(t, "corporate_partner", m.Role(ctx))

	m = New(ctx, nil, memory.New(nil))
	assert.Empty(t, m.Role(ctx))
}

func TestHappyPathLogin(t *testing.T) {
	ctx := context.Background()
	client := fixedBackend(t, http.StatusOK,
		`{"access":"A","refresh":"R","user":{"id":1,"role":"STUDENT","profile_id":9}}`)
	store := memory.New(nil)

	m := New(ctx, client, store)
	user, err := m.Login(ctx, "a@b.com", "pw")
	require.NoError(t, err)

	assert.Equal(t, &models.AuthUser{ID: int64Ptr(1), Role: "STUDENT", ProfileID: int64Ptr(9)}, user)
	assert.Equal(t, map[string]string{
		storage.KeyAccessToken:  "A",
		storage.KeyRefreshToken: "R",
		storage.KeyUser:         `{"id":1,"profile_id":9,"role":"STUDENT"}`,
		storage.KeyUserID:       "1",
		storage.KeyUserRole:     "STUDENT",
		storage.KeyProfileID:    "9",
	}, store.Snapshot())
	assert.True(t, m.IsAuthenticated())
	assert.Equal(t, "student", m.Role(ctx))
	assert.False(t, m.Loading())
	assert.Empty(t, m.LastError())
}

func TestLoginWithoutProfileIDClearsStaleValue(t *testing.T) {
	ctx := context.Background()
	client := fixedBackend(t, http.StatusOK,
		`{"access":"A","refresh":"R","user":{"id":2,"role":"admin","profile_id":null}}`)
	store := memory.New(map[string]string{storage.KeyProfileID: "99"})

	m := New(ctx, client, store)
	_, err := m.Login(ctx, "admin@example.com", "pw")
	require.NoError(t, err)

	_, err = store.Get(ctx, storage.KeyProfileID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Nil(t, m.User().ProfileID)
}

func TestRegisterDoesNotEstablishSession(t *testing.T) {
	ctx := context.Background()
	_, client := newStub(t)
	store := memory.New(nil)

	m := New(ctx, client, store)
	resp, err := m.Register(ctx, models.RegisterRequest{
		Email:    "new@example.com",
		Password: testPassword,
		Role:     models.RoleParent,
	}.Payload())
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Access)

	assert.Empty(t, store.Snapshot())
	assert.False(t, m.IsAuthenticated())
	assert.Nil(t, m.User())

	_, err = m.Login(ctx, "new@example.com", testPassword)
	require.NoError(t, err)
	assert.True(t, m.IsAuthenticated())
	assert.Equal(t, "parent", m.Role(ctx))
}

func TestRegisterFailure(t *testing.T) {
	ctx := context.Background()
	m := New(ctx, fixedBackend(t, http.StatusBadRequest, `{"error":"Username already taken"}`), memory.New(nil))

	_, err := m.Register(ctx, map[string]any{"email": "x@example.com"})
	assert.EqualError(t, err, "Username already taken")
	assert.Equal(t, "Username already taken", m.LastError())
	assert.False(t, m.Loading())

	m = New(ctx, fixedBackend(t, http.StatusCreated, `{"user":`), memory.New(nil))
	_, err = m.Register(ctx, map[string]any{})
	assert.EqualError(t, err, MsgRegisterFailed)
}

func TestLoginFailureMessages(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	tests := []struct {
		name   string
		client *authapi.Client
		want   string
	}{
		{name: "backend detail", client: fixedBackend(t, http.StatusUnauthorized, `{"detail":"No active account found"}`), want: "No active account found"},
		{name: "bare status", client: fixedBackend(t, http.StatusInternalServerError, `{}`), want: "HTTP 500"},
		{name: "malformed success body", client: fixedBackend(t, http.StatusOK, `{"access":"A",`), want: MsgLoginFailed},
		{name: "empty success body", client: fixedBackend(t, http.StatusOK, ``), want: MsgLoginFailed},
		{name: "unreachable", client: authapi.New(downURL), want: MsgLoginFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := New(ctx, tt.client, memory.New(nil))

			user, err := m.Login(ctx, "", "")
			assert.Nil(t, user)
			var sessErr *Error
			require.ErrorAs(t, err, &sessErr)
			assert.Equal(t, tt.want, sessErr.Message)
			assert.Equal(t, tt.want, m.LastError())
			assert.False(t, m.Loading())
			assert.False(t, m.IsAuthenticated())
		})
	}
}

func TestLoadingIsSetWhileLoginInFlight(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access":"A","refresh":"R","user":{"id":1}}`))
	}))
	defer ts.Close()

	m := New(ctx, authapi.New(ts.URL), memory.New(nil))
	assert.False(t, m.Loading())

	done := make(chan error, 1)
	go func() {
		_, err := m.Login(ctx, "a", "b")
		done <- err
	}()

	<-started
	assert.True(t, m.Loading())
	close(release)
	require.NoError(t, <-done)
	assert.False(t, m.Loading())
}

func TestDetachedManagerSkipsStorage(t *testing.T) {
	ctx := context.Background()
	client := fixedBackend(t, http.StatusOK, `{"access":"A","refresh":"R","user":{"id":1,"role":"Parent"}}`)

	m := New(ctx, client, nil)
	st := m.Snapshot(ctx)
	assert.False(t, st.Loading)
	assert.Nil(t, st.User)

	_, err := m.Login(ctx, "a", "b")
	require.NoError(t, err)
	assert.True(t, m.IsAuthenticated())
	assert.Equal(t, "parent", m.Role(ctx))

	m.Logout(ctx)
	assert.False(t, m.IsAuthenticated())
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	stub, client := newStub(t)
	seedUser(t, stub, "r@example.com", models.RoleStudent, nil)
	store := memory.New(nil)

	m := New(ctx, client, store)
	_, err := m.Refresh(ctx)
	assert.EqualError(t, err, MsgNoRefreshToken)

	_, err = m.Login(ctx, "r@example.com", testPassword)
	require.NoError(t, err)
	oldAccess := m.AccessToken()

	access, err := m.Refresh(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, oldAccess, access)
	assert.Equal(t, access, m.AccessToken())
	stored, err := store.Get(ctx, storage.KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, access, stored)

	require.NoError(t, store.Set(ctx, storage.KeyRefreshToken, "garbage"))
	_, err = New(ctx, client, store).Refresh(ctx)
	assert.EqualError(t, err, "Token is invalid or expired")
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	stub, client := newStub(t)
	seedUser(t, stub, "v@example.com", models.RoleAdmin, nil)

	m := New(ctx, client, memory.New(nil))
	assert.EqualError(t, m.Verify(ctx), MsgNoAccessToken)

	_, err := m.Login(ctx, "v@example.com", testPassword)
	require.NoError(t, err)
	assert.NoError(t, m.Verify(ctx))
}

func TestFetchUnauthorizedEndsSession(t *testing.T) {
	ctx := context.Background()
	stub, client := newStub(t)
	u := seedUser(t, stub, "f@example.com", models.RoleStudent, int64Ptr(1))
	store := memory.New(nil)

	m := New(ctx, client, store)
	_, err := m.Login(ctx, "f@example.com", testPassword)
	require.NoError(t, err)

	var me models.AuthUser
	require.NoError(t, m.Fetch(ctx, http.MethodGet, authapi.PathCurrentUser, nil, &me))
	assert.Equal(t, "f@example.com", me.Email)

	require.NoError(t, stub.Users.SetActive(u.ID, false))
	err = m.Fetch(ctx, http.MethodGet, authapi.PathCurrentUser, nil, &me)
	assert.EqualError(t, err, MsgUnauthorized)
	assert.False(t, m.IsAuthenticated())
	assert.Empty(t, store.Snapshot())
}

func TestAccessTokenExpiry(t *testing.T) {
	ctx := context.Background()
	stub, client := newStub(t)
	seedUser(t, stub, "e@example.com", models.RoleStudent, nil)

	m := New(ctx, client, memory.New(nil))
	_, ok := m.AccessTokenExpiry()
	assert.False(t, ok)

	_, err := m.Login(ctx, "e@example.com", testPassword)
	require.NoError(t, err)
	exp, ok := m.AccessTokenExpiry()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	opaque := New(ctx, nil, memory.New(map[string]string{storage.KeyAccessToken: "opaque"}))
	_, ok = opaque.AccessTokenExpiry()
	assert.False(t, ok)
}

type failingStore struct {
	*memory.Store
}

func (failingStore) Set(context.Context, string, string) error {
	return errors.New("disk full")
}

func TestStorageFailureDoesNotFailLogin(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	client := fixedBackend(t, http.StatusOK, `{"access":"A","refresh":"R","user":{"id":1}}`)

	m := New(ctx, client, failingStore{memory.New(nil)}, WithMetrics(mt))
	_, err := m.Login(ctx, "a", "b")
	require.NoError(t, err)
	assert.True(t, m.IsAuthenticated())
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Operations.WithLabelValues("login", metrics.OutcomeStorageError)))
}

func TestMetricsRecordOutcomes(t *testing.T) {
	ctx := context.Background()
	mt := metrics.New(prometheus.NewRegistry())
	m := New(ctx, fixedBackend(t, http.StatusUnauthorized, `{"detail":"nope"}`), memory.New(nil), WithMetrics(mt))

	_, _ = m.Login(ctx, "a", "b")
	m.Logout(ctx)

	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Operations.WithLabelValues("login", metrics.OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Operations.WithLabelValues("logout", metrics.OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Operations.WithLabelValues("hydrate", metrics.OutcomeSuccess)))
}

func TestConcurrentRefreshSharesOneRequest(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		entered <- struct{}{}
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access":"fresh"}`))
	}))
	t.Cleanup(ts.Close)
	client := authapi.New(ts.URL, authapi.WithHTTPClient(ts.Client()))

	m := New(ctx, client, memory.New(map[string]string{storage.KeyRefreshToken: "r1"}))

	const callers = 5
	var wg sync.WaitGroup
	results := make([]string, callers)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = m.Refresh(ctx)
	}()
	<-entered
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = m.Refresh(ctx)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, hits.Load())
	for _, got := range results {
		assert.Equal(t, "fresh", got)
	}
	assert.Equal(t, "fresh", m.AccessToken())
}

func TestLoginHealsCorruptSessionFile(t *testing.T) {
	ctx := context.Background()
	stub, client := newStub(t)
	seedUser(t, stub, "heal@example.com", models.RoleStudent, nil)
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	m := New(ctx, client, file.New(path))
	assert.False(t, m.IsAuthenticated())

	_, err := m.Login(ctx, "heal@example.com", testPassword)
	require.NoError(t, err)

	fresh := New(ctx, client, file.New(path))
	assert.True(t, fresh.IsAuthenticated())
	assert.Equal(t, m.AccessToken(), fresh.AccessToken())
	assert.Equal(t, "heal@example.com", fresh.User().Email)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	fresh.Logout(ctx)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}

func TestLogoutDuringRefreshWins(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access":"late"}`))
	}))
	t.Cleanup(ts.Close)
	client := authapi.New(ts.URL, authapi.WithHTTPClient(ts.Client()))

	store := memory.New(map[string]string{
		storage.KeyAccessToken:  "old",
		storage.KeyRefreshToken: "r1",
		storage.KeyUser:         `{"id":1,"role":"student"}`,
	})
	m := New(ctx, client, store)
	require.True(t, m.IsAuthenticated())

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Refresh(ctx)
		errCh <- err
	}()
	<-entered
	m.Logout(ctx)
	close(release)

	err := <-errCh
	require.ErrorIs(t, err, ErrSessionChanged)
	assert.EqualError(t, err, MsgRefreshFailed)
	assert.Empty(t, m.AccessToken())
	assert.False(t, m.IsAuthenticated())
	assert.Empty(t, store.Snapshot())
}
