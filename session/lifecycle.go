// Package session orchestrates the credential lifecycle for the admin API:
// issuance at login, single-flight renewal when the access token expires,
// and forced teardown when the refresh token is no longer honoured.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/perkhub/go-admin-client/apierrors"
	"github.com/perkhub/go-admin-client/credentials"
)

// State is the lifecycle position of the session.
type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticating State = "authenticating"
	StateActive         State = "active"
	StateRenewing       State = "renewing"
	StateDead           State = "dead"
)

const (
	defaultTokenLifetime       = 15 * time.Minute
	defaultTransientFailureCap = 5
	defaultTransportTimeout    = 30 * time.Second

	loginPath   = "/auth/login"
	refreshPath = "/auth/refresh-token"
	logoutPath  = "/auth/logout"
)

// Lifecycle owns the session state machine. It is the only writer of the
// credential store, and serializes renewals so that any number of concurrent
// requests racing an expired token share a single refresh call.
type Lifecycle struct {
	store                *credentials.Store
	httpClient           *http.Client
	baseURL              string
	lifetime             time.Duration
	maxTransientFailures int
	onTerminate          func(reason error)
	log                  zerolog.Logger
	nowFunc              func() time.Time

	mu                sync.Mutex
	state             State
	generation        string // new per login; scopes the teardown once-guard
	terminateOnce     *sync.Once
	transientFailures int

	renewals singleflight.Group
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithHTTPClient sets the transport used for auth endpoint calls.
func WithHTTPClient(c *http.Client) LifecycleOption {
	return func(l *Lifecycle) {
		l.httpClient = c
	}
}

// WithLogger sets the lifecycle logger.
func WithLogger(log zerolog.Logger) LifecycleOption {
	return func(l *Lifecycle) {
		l.log = log
	}
}

// WithNowFunc sets the now time function (primarily for testing).
func WithNowFunc(now func() time.Time) LifecycleOption {
	return func(l *Lifecycle) {
		l.nowFunc = now
	}
}

// WithTokenLifetime overrides the access token lifetime used to derive
// ExpiresAt on issuance and renewal.
func WithTokenLifetime(d time.Duration) LifecycleOption {
	return func(l *Lifecycle) {
		l.lifetime = d
	}
}

// WithTerminationHook registers the callback fired exactly once when the
// session dies. This is the seam forwarding the single "please sign in
// again" notification and redirect to the UI layer.
func WithTerminationHook(hook func(reason error)) LifecycleOption {
	return func(l *Lifecycle) {
		l.onTerminate = hook
	}
}

// WithTransientFailureLimit sets how many consecutive transient refresh
// failures are tolerated before the session is treated as unrecoverable.
// Zero disables the escalation.
func WithTransientFailureLimit(n int) LifecycleOption {
	return func(l *Lifecycle) {
		l.maxTransientFailures = n
	}
}

// New creates a Lifecycle bound to the credential store and auth API base
// URL. If the store already holds a credential (resumed from durable
// storage) the session starts Active, otherwise Anonymous.
func New(store *credentials.Store, baseURL string, options ...LifecycleOption) (*Lifecycle, error) {
	if store == nil {
		return nil, errors.New("[session.New] store is required")
	}
	if baseURL == "" {
		return nil, errors.New("[session.New] baseURL is required")
	}

	l := &Lifecycle{
		store:                store,
		baseURL:              strings.TrimSuffix(baseURL, "/"),
		lifetime:             defaultTokenLifetime,
		maxTransientFailures: defaultTransientFailureCap,
		log:                  zerolog.Nop(),
		nowFunc:              time.Now,
		state:                StateAnonymous,
		generation:           uuid.NewString(),
		terminateOnce:        &sync.Once{},
	}
	for _, opt := range options {
		opt(l)
	}
	if l.httpClient == nil {
		l.httpClient = &http.Client{Timeout: defaultTransportTimeout}
	}

	if _, ok := store.Current(); ok {
		l.state = StateActive
	}
	return l, nil
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Login exchanges credentials at the login endpoint. On success the new
// Credential is written to the store with ExpiresAt derived from the
// configured lifetime, and the session becomes Active. On rejection the
// session stays Anonymous and the server's reason is surfaced verbatim.
func (l *Lifecycle) Login(ctx context.Context, email, password string) (credentials.Credential, error) {
	l.setState(StateAuthenticating)

	body, err := json.Marshal(loginRequest{Email: email, Password: password})
	if err != nil {
		l.setState(StateAnonymous)
		return credentials.Credential{}, errors.Wrap(err, "[Lifecycle.Login] encoding login request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		l.setState(StateAnonymous)
		return credentials.Credential{}, errors.Wrap(err, "[Lifecycle.Login] building login request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, doErr := l.httpClient.Do(req)
	if doErr != nil {
		l.setState(StateAnonymous)
		return credentials.Credential{}, apierrors.Classify(0, nil, doErr)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		l.setState(StateAnonymous)
		return credentials.Credential{}, apierrors.Classify(resp.StatusCode, respBody, nil)
	}

	var lr loginResponse
	if err := json.Unmarshal(respBody, &lr); err != nil {
		l.setState(StateAnonymous)
		return credentials.Credential{}, errors.Wrap(err, "[Lifecycle.Login] decoding login response")
	}

	cred := credentials.Credential{
		AccessToken:  lr.AccessToken,
		RefreshToken: lr.RefreshToken,
		ExpiresAt:    l.nowFunc().Add(l.lifetime),
		Identity: credentials.Identity{
			ID:            lr.User.ID,
			Email:         lr.User.Email,
			Name:          lr.User.Name,
			Roles:         lr.User.Roles,
			EmailVerified: lr.User.IsEmailVerified,
		},
	}
	l.auditTokenExpiry(cred)

	if err := l.store.Write(cred); err != nil {
		l.setState(StateAnonymous)
		return credentials.Credential{}, errors.Wrap(err, "[Lifecycle.Login] storing credential")
	}

	l.mu.Lock()
	l.state = StateActive
	l.generation = uuid.NewString()
	l.terminateOnce = &sync.Once{}
	l.transientFailures = 0
	l.mu.Unlock()

	l.log.Info().Str("user", cred.Identity.Email).Time("expiresAt", cred.ExpiresAt).Msg("signed in")
	return cred, nil
}

// EnsureFresh returns a usable credential, renewing it first when expired.
// The fresh-credential path performs zero network calls. When the stored
// credential has lapsed, all concurrent callers attach to one in-flight
// refresh and share its outcome; a refresh rejected with 401 kills the
// session and every waiter receives ErrRefreshFailed.
func (l *Lifecycle) EnsureFresh(ctx context.Context) (credentials.Credential, error) {
	l.mu.Lock()
	dead := l.state == StateDead
	l.mu.Unlock()
	if dead {
		return credentials.Credential{}, ErrSessionDead
	}

	cred, ok := l.store.Current()
	if !ok {
		return credentials.Credential{}, ErrNotAuthenticated
	}
	if cred.Fresh(l.nowFunc()) {
		return cred, nil
	}

	// Everyone who observed the expired credential lands here; singleflight
	// collapses the stampede into one renewal. The flight itself is detached
	// from any single caller's context so one waiter cancelling cannot fail
	// the refresh for the rest; each waiter still honours its own context
	// while waiting for the shared outcome.
	ch := l.renewals.DoChan("renew", func() (interface{}, error) {
		return l.renew(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return credentials.Credential{}, apierrors.Classify(0, nil, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return credentials.Credential{}, res.Err
		}
		return res.Val.(credentials.Credential), nil
	}
}

func (l *Lifecycle) renew(ctx context.Context) (credentials.Credential, error) {
	// A renewal that completed while this caller queued behind the
	// singleflight key already produced a fresh credential.
	cred, ok := l.store.Current()
	if !ok {
		return credentials.Credential{}, ErrNotAuthenticated
	}
	if cred.Fresh(l.nowFunc()) {
		return cred, nil
	}

	l.mu.Lock()
	if l.state == StateDead {
		l.mu.Unlock()
		return credentials.Credential{}, ErrSessionDead
	}
	l.state = StateRenewing
	gen := l.generation
	l.mu.Unlock()

	l.log.Debug().Msg("access token expired, renewing")

	body, err := json.Marshal(refreshRequest{RefreshToken: cred.RefreshToken})
	if err != nil {
		l.setState(StateActive)
		return credentials.Credential{}, errors.Wrap(err, "[Lifecycle.renew] encoding refresh request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+refreshPath, bytes.NewReader(body))
	if err != nil {
		l.setState(StateActive)
		return credentials.Credential{}, errors.Wrap(err, "[Lifecycle.renew] building refresh request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.RefreshToken)

	resp, doErr := l.httpClient.Do(req)
	if doErr != nil {
		return credentials.Credential{}, l.transientRefreshFailure(apierrors.Classify(0, nil, doErr))
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		// The refresh token itself was rejected; there is nothing left to
		// renew with.
		l.Terminate(ErrRefreshFailed)
		return credentials.Credential{}, ErrRefreshFailed
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return credentials.Credential{}, l.transientRefreshFailure(apierrors.Classify(resp.StatusCode, respBody, nil))
	}

	var rr refreshResponse
	if err := json.Unmarshal(respBody, &rr); err != nil {
		return credentials.Credential{}, l.transientRefreshFailure(errors.Wrap(err, "decoding refresh response"))
	}

	renewed := cred
	renewed.AccessToken = rr.AccessToken
	if rr.RefreshToken != "" {
		renewed.RefreshToken = rr.RefreshToken
	}
	renewed.ExpiresAt = l.nowFunc().Add(l.lifetime)
	l.auditTokenExpiry(renewed)

	// Commit under the state lock. A Terminate or Logout that ran while the
	// refresh was in flight already tore the session down; the renewed
	// credential must be discarded, never written over the wiped store.
	l.mu.Lock()
	if l.state != StateRenewing || l.generation != gen {
		state := l.state
		l.mu.Unlock()
		l.log.Debug().Msg("session changed during refresh, discarding renewed credential")
		if state == StateDead {
			return credentials.Credential{}, ErrSessionDead
		}
		return credentials.Credential{}, ErrNotAuthenticated
	}
	if err := l.store.Write(renewed); err != nil {
		l.state = StateActive
		l.mu.Unlock()
		return credentials.Credential{}, errors.Wrap(err, "[Lifecycle.renew] storing credential")
	}
	l.state = StateActive
	l.transientFailures = 0
	l.mu.Unlock()

	l.log.Info().Time("expiresAt", renewed.ExpiresAt).Msg("session renewed")
	return renewed, nil
}

// transientRefreshFailure records a refresh failure that did not invalidate
// the refresh token. The session stays alive so a later EnsureFresh can try
// again, unless the consecutive-failure cap is hit, at which point the
// session is treated as unrecoverable.
func (l *Lifecycle) transientRefreshFailure(cause error) error {
	l.mu.Lock()
	l.transientFailures++
	failures := l.transientFailures
	limit := l.maxTransientFailures
	if l.state == StateRenewing {
		l.state = StateActive
	}
	l.mu.Unlock()

	if limit > 0 && failures >= limit {
		l.log.Warn().Int("consecutiveFailures", failures).Err(cause).
			Msg("giving up on renewal after repeated transient failures")
		l.Terminate(ErrRefreshFailed)
		return ErrRefreshFailed
	}

	l.log.Warn().Int("consecutiveFailures", failures).Err(cause).Msg("transient refresh failure")
	return errors.Wrap(cause, "[Lifecycle.renew] refresh")
}

// Terminate moves the session to Dead, wipes the credential store, and fires
// the termination hook. The hook runs exactly once per session generation no
// matter how many concurrent requests observe the death; later callers see
// the session already terminated and perform no further side effects.
func (l *Lifecycle) Terminate(reason error) {
	l.mu.Lock()
	if l.state == StateDead {
		l.mu.Unlock()
		return
	}
	l.state = StateDead
	once := l.terminateOnce
	gen := l.generation
	l.mu.Unlock()

	_ = l.store.Clear()

	once.Do(func() {
		l.log.Info().Str("session", gen).AnErr("reason", reason).Msg("session terminated")
		if l.onTerminate != nil {
			l.onTerminate(reason)
		}
	})
}

// Logout unconditionally returns the session to Anonymous and clears the
// store. Safe from any state, including Dead. When a credential existed, the
// server-side session is revoked best-effort; revocation failures are logged
// and never surfaced.
func (l *Lifecycle) Logout(ctx context.Context) {
	cred, hadCred := l.store.Current()

	l.mu.Lock()
	l.state = StateAnonymous
	l.transientFailures = 0
	l.mu.Unlock()

	_ = l.store.Clear()

	if hadCred && cred.AccessToken != "" {
		l.revoke(ctx, cred)
	}
	l.log.Info().Msg("signed out")
}

func (l *Lifecycle) revoke(ctx context.Context, cred credentials.Credential) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+logoutPath, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		l.log.Debug().Err(err).Msg("server-side logout failed")
		return
	}
	resp.Body.Close()
}

// auditTokenExpiry compares the locally derived expiry against the exp claim
// when the access token happens to be a JWT. The derived value stays
// authoritative; a mismatch only means the server and client disagree on the
// token lifetime, which is worth a log line.
func (l *Lifecycle) auditTokenExpiry(cred credentials.Credential) {
	claimExp, ok := cred.TokenExpiry()
	if !ok {
		return
	}
	if claimExp.Before(cred.ExpiresAt) {
		l.log.Warn().Time("claimExp", claimExp).Time("derivedExp", cred.ExpiresAt).
			Msg("token exp claim earlier than derived expiry")
	}
}

func (l *Lifecycle) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}
