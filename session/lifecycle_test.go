package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perkhub/go-admin-client/apierrors"
	"github.com/perkhub/go-admin-client/credentials"
	"github.com/perkhub/go-admin-client/credentials/repofake"
	"github.com/perkhub/go-admin-client/session"
)

const (
	testEmail    = "admin@example.com"
	testPassword = "password123"
)

// fakeClock is a mutable time source shared with the lifecycle under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testFixture wires a lifecycle against a scripted auth server.
type testFixture struct {
	repo         *repofake.FakeCredentialRepo
	store        *credentials.Store
	lifecycle    *session.Lifecycle
	clock        *fakeClock
	server       *httptest.Server
	loginCalls   atomic.Int32
	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32

	// refreshHandler, when set, overrides the default 200 refresh response.
	refreshHandler func(w http.ResponseWriter, r *http.Request)
	// refreshHold, when set, keeps every refresh call in flight until closed.
	refreshHold chan struct{}

	terminations atomic.Int32
}

func setupTestFixture(t *testing.T, options ...session.LifecycleOption) *testFixture {
	t.Helper()

	f := &testFixture{clock: newFakeClock()}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		f.loginCalls.Add(1)
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Email != testEmail || body.Password != testPassword {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"statusCode":401,"message":"invalid email or password"}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"accessToken": "access-1",
			"refreshToken": "refresh-1",
			"user": {"id":"u-1","email":"admin@example.com","name":"Admin","roles":["admin"],"isEmailVerified":true}
		}`))
	})
	mux.HandleFunc("/auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		f.refreshCalls.Add(1)
		if f.refreshHold != nil {
			<-f.refreshHold
		}
		if f.refreshHandler != nil {
			f.refreshHandler(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"accessToken":"access-2","refreshToken":"refresh-2"}`))
	})
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		f.logoutCalls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	f.repo = repofake.NewFakeCredentialRepo()
	store, err := credentials.NewStore(f.repo)
	require.NoError(t, err)
	f.store = store

	opts := append([]session.LifecycleOption{
		session.WithNowFunc(f.clock.Now),
		session.WithTerminationHook(func(error) { f.terminations.Add(1) }),
	}, options...)

	lc, err := session.New(store, f.server.URL, opts...)
	require.NoError(t, err)
	f.lifecycle = lc
	return f
}

func (f *testFixture) login(t *testing.T) credentials.Credential {
	t.Helper()
	cred, err := f.lifecycle.Login(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	return cred
}

func TestLoginStoresDerivedExpiry(t *testing.T) {
	f := setupTestFixture(t)

	cred := f.login(t)

	require.Equal(t, "access-1", cred.AccessToken)
	require.Equal(t, "refresh-1", cred.RefreshToken)
	require.Equal(t, f.clock.Now().Add(15*time.Minute), cred.ExpiresAt)
	require.Equal(t, "admin@example.com", cred.Identity.Email)
	require.True(t, cred.Identity.EmailVerified)
	require.True(t, cred.HasRole("admin"))
	require.Equal(t, session.StateActive, f.lifecycle.State())

	stored, ok := f.store.Current()
	require.True(t, ok)
	require.Equal(t, cred, stored)
	require.NotNil(t, f.repo.Stored(), "credential should be mirrored to durable storage")
}

func TestLoginRejectionStaysAnonymous(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.lifecycle.Login(context.Background(), testEmail, "wrong")
	require.Error(t, err)

	var ce *apierrors.ClassifiedError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, apierrors.CategoryAuth, ce.Category)
	require.Equal(t, "invalid email or password", ce.Message)
	require.Equal(t, session.StateAnonymous, f.lifecycle.State())

	_, ok := f.store.Current()
	require.False(t, ok)
}

func TestEnsureFreshNoNetworkWhileFresh(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	for i := 0; i < 5; i++ {
		cred, err := f.lifecycle.EnsureFresh(context.Background())
		require.NoError(t, err)
		require.Equal(t, "access-1", cred.AccessToken)
	}
	require.Equal(t, int32(0), f.refreshCalls.Load())
}

func TestEnsureFreshRenewsExpiredCredential(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	f.clock.Advance(16 * time.Minute)

	cred, err := f.lifecycle.EnsureFresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-2", cred.AccessToken)
	require.Equal(t, "refresh-2", cred.RefreshToken)
	require.Equal(t, f.clock.Now().Add(15*time.Minute), cred.ExpiresAt)
	require.Equal(t, int32(1), f.refreshCalls.Load())
	require.Equal(t, session.StateActive, f.lifecycle.State())
}

func TestEnsureFreshKeepsRefreshTokenWhenResponseOmitsIt(t *testing.T) {
	f := setupTestFixture(t)
	f.refreshHandler = func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"accessToken":"access-2"}`))
	}
	f.login(t)
	f.clock.Advance(16 * time.Minute)

	cred, err := f.lifecycle.EnsureFresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-2", cred.AccessToken)
	require.Equal(t, "refresh-1", cred.RefreshToken)
}

func TestEnsureFreshSingleFlight(t *testing.T) {
	f := setupTestFixture(t)
	f.refreshHold = make(chan struct{})
	f.login(t)
	f.clock.Advance(16 * time.Minute)

	const n = 20
	var wg sync.WaitGroup
	results := make([]credentials.Credential, n)
	errs := make([]error, n)

	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.lifecycle.EnsureFresh(context.Background())
		}(i)
	}
	close(start)

	// Give every goroutine time to attach to the in-flight renewal, then
	// let the held refresh call complete.
	time.Sleep(100 * time.Millisecond)
	close(f.refreshHold)
	wg.Wait()

	require.Equal(t, int32(1), f.refreshCalls.Load(), "expected exactly one refresh call")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "access-2", results[i].AccessToken)
	}
}

func TestRefreshRejectionKillsSessionOnce(t *testing.T) {
	f := setupTestFixture(t)
	f.refreshHandler = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"statusCode":401,"message":"refresh token revoked"}`))
	}
	f.login(t)
	f.clock.Advance(16 * time.Minute)

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.lifecycle.EnsureFresh(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.Error(t, errs[i])
	}
	require.Equal(t, session.StateDead, f.lifecycle.State())
	require.Equal(t, int32(1), f.terminations.Load(), "termination hook must fire exactly once")

	_, ok := f.store.Current()
	require.False(t, ok, "store must be cleared on session death")
	require.Nil(t, f.repo.Stored(), "durable record must be wiped on session death")

	_, err := f.lifecycle.EnsureFresh(context.Background())
	require.ErrorIs(t, err, session.ErrSessionDead)
	require.Equal(t, int32(1), f.terminations.Load(), "later failures must not re-fire the hook")
}

func TestTransientRefreshFailureKeepsSessionAlive(t *testing.T) {
	f := setupTestFixture(t)
	f.refreshHandler = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"statusCode":503,"message":"auth service restarting"}`))
	}
	f.login(t)
	f.clock.Advance(16 * time.Minute)

	_, err := f.lifecycle.EnsureFresh(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, session.ErrRefreshFailed)

	var ce *apierrors.ClassifiedError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, apierrors.CategoryServer, ce.Category)
	require.True(t, ce.Retryable)

	require.Equal(t, session.StateActive, f.lifecycle.State())
	require.Equal(t, int32(0), f.terminations.Load())
}

func TestRepeatedTransientRefreshFailuresEscalate(t *testing.T) {
	f := setupTestFixture(t, session.WithTransientFailureLimit(3))
	f.refreshHandler = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	f.login(t)
	f.clock.Advance(16 * time.Minute)

	for i := 0; i < 2; i++ {
		_, err := f.lifecycle.EnsureFresh(context.Background())
		require.Error(t, err)
		require.NotErrorIs(t, err, session.ErrRefreshFailed)
	}

	_, err := f.lifecycle.EnsureFresh(context.Background())
	require.ErrorIs(t, err, session.ErrRefreshFailed)
	require.Equal(t, session.StateDead, f.lifecycle.State())
	require.Equal(t, int32(1), f.terminations.Load())
}

func TestRenewalResetsTransientFailureCount(t *testing.T) {
	f := setupTestFixture(t, session.WithTransientFailureLimit(2))
	var failNext atomic.Bool
	failNext.Store(true)
	f.refreshHandler = func(w http.ResponseWriter, _ *http.Request) {
		if failNext.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"accessToken":"access-2","refreshToken":"refresh-2"}`))
	}
	f.login(t)
	f.clock.Advance(16 * time.Minute)

	_, err := f.lifecycle.EnsureFresh(context.Background())
	require.Error(t, err)

	failNext.Store(false)
	_, err = f.lifecycle.EnsureFresh(context.Background())
	require.NoError(t, err)

	// The counter is back at zero, so one more failure must not kill the
	// session even with the limit at two.
	failNext.Store(true)
	f.clock.Advance(16 * time.Minute)
	_, err = f.lifecycle.EnsureFresh(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, session.ErrRefreshFailed)
	require.Equal(t, session.StateActive, f.lifecycle.State())
}

func TestLogout(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	f.lifecycle.Logout(context.Background())

	require.Equal(t, session.StateAnonymous, f.lifecycle.State())
	_, ok := f.store.Current()
	require.False(t, ok)
	require.Equal(t, int32(1), f.logoutCalls.Load(), "server-side session should be revoked")

	_, err := f.lifecycle.EnsureFresh(context.Background())
	require.ErrorIs(t, err, session.ErrNotAuthenticated)
}

func TestLogoutSafeFromDead(t *testing.T) {
	f := setupTestFixture(t)
	f.refreshHandler = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}
	f.login(t)
	f.clock.Advance(16 * time.Minute)

	_, err := f.lifecycle.EnsureFresh(context.Background())
	require.ErrorIs(t, err, session.ErrRefreshFailed)
	require.Equal(t, session.StateDead, f.lifecycle.State())

	f.lifecycle.Logout(context.Background())
	require.Equal(t, session.StateAnonymous, f.lifecycle.State())

	// A fresh login re-enters the normal lifecycle.
	f.login(t)
	require.Equal(t, session.StateActive, f.lifecycle.State())
}

func TestTerminateDuringRenewalStaysDead(t *testing.T) {
	f := setupTestFixture(t)
	f.refreshHold = make(chan struct{})
	f.login(t)
	f.clock.Advance(16 * time.Minute)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.lifecycle.EnsureFresh(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return f.refreshCalls.Load() == 1
	}, time.Second, 5*time.Millisecond, "refresh call never reached the server")

	// The session dies while the refresh is still on the wire.
	f.lifecycle.Terminate(session.ErrRefreshFailed)
	require.Equal(t, session.StateDead, f.lifecycle.State())

	close(f.refreshHold)
	require.ErrorIs(t, <-errCh, session.ErrSessionDead)

	// The late refresh response must not revive the session or the store.
	require.Equal(t, session.StateDead, f.lifecycle.State())
	_, ok := f.store.Current()
	require.False(t, ok, "wiped store must not be repopulated by an in-flight refresh")
	require.Nil(t, f.repo.Stored())
}

func TestLogoutDuringRenewalStaysSignedOut(t *testing.T) {
	f := setupTestFixture(t)
	f.refreshHold = make(chan struct{})
	f.login(t)
	f.clock.Advance(16 * time.Minute)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.lifecycle.EnsureFresh(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return f.refreshCalls.Load() == 1
	}, time.Second, 5*time.Millisecond, "refresh call never reached the server")

	f.lifecycle.Logout(context.Background())
	require.Equal(t, session.StateAnonymous, f.lifecycle.State())

	close(f.refreshHold)
	require.ErrorIs(t, <-errCh, session.ErrNotAuthenticated)

	require.Equal(t, session.StateAnonymous, f.lifecycle.State())
	_, ok := f.store.Current()
	require.False(t, ok, "signed-out store must not be repopulated by an in-flight refresh")
	require.Equal(t, int32(0), f.terminations.Load())
}

func TestWaiterCancellationDoesNotAbortSharedRenewal(t *testing.T) {
	f := setupTestFixture(t)
	f.refreshHold = make(chan struct{})
	f.login(t)
	f.clock.Advance(16 * time.Minute)

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancelledCh := make(chan error, 1)
	go func() {
		_, err := f.lifecycle.EnsureFresh(cancelCtx)
		cancelledCh <- err
	}()
	require.Eventually(t, func() bool {
		return f.refreshCalls.Load() == 1
	}, time.Second, 5*time.Millisecond, "refresh call never reached the server")

	type outcome struct {
		cred credentials.Credential
		err  error
	}
	patientCh := make(chan outcome, 1)
	go func() {
		cred, err := f.lifecycle.EnsureFresh(context.Background())
		patientCh <- outcome{cred: cred, err: err}
	}()
	// Give the second waiter time to attach to the in-flight renewal.
	time.Sleep(100 * time.Millisecond)

	// The waiter that started the flight bails out; the renewal keeps going.
	cancel()
	require.Error(t, <-cancelledCh)

	close(f.refreshHold)
	got := <-patientCh
	require.NoError(t, got.err)
	require.Equal(t, "access-2", got.cred.AccessToken)
	require.Equal(t, int32(1), f.refreshCalls.Load())
	require.Equal(t, session.StateActive, f.lifecycle.State())
}

func TestEnsureFreshWithoutSession(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.lifecycle.EnsureFresh(context.Background())
	require.ErrorIs(t, err, session.ErrNotAuthenticated)
	require.Equal(t, int32(0), f.refreshCalls.Load())
}

func TestResumedSessionStartsActive(t *testing.T) {
	repo := repofake.NewFakeCredentialRepo()
	require.NoError(t, repo.Save(&credentials.Credential{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		ExpiresAt:    time.Now().Add(10 * time.Minute),
	}))

	store, err := credentials.NewStore(repo)
	require.NoError(t, err)
	require.NoError(t, store.Load())

	lc, err := session.New(store, "http://localhost:0")
	require.NoError(t, err)
	require.Equal(t, session.StateActive, lc.State())

	cred, err := lc.EnsureFresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, "stored-access", cred.AccessToken)
}
