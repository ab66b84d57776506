package credentials

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Subscriber is notified after every credential change. The bool is false
// when the change was a wipe, in which case the Credential is the zero value.
type Subscriber func(cred Credential, ok bool)

// Store holds the in-memory credential for the active session and mirrors
// every change to a durable Repo so a process restart resumes the session.
// Reads never block on I/O and never fail; durable-storage faults surface
// only on writes.
type Store struct {
	repo Repo
	log  zerolog.Logger

	mu   sync.RWMutex
	cur  *Credential
	subs []Subscriber
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger used for storage diagnostics.
func WithStoreLogger(log zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.log = log
	}
}

// NewStore creates a Store backed by the given durable repo.
func NewStore(repo Repo, options ...StoreOption) (*Store, error) {
	if repo == nil {
		return nil, errors.New("[NewStore] repo is required")
	}
	s := &Store{
		repo: repo,
		log:  zerolog.Nop(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Load hydrates the in-memory credential from durable storage. Called once
// at startup; an expired record is still loaded, since deciding freshness is
// the session lifecycle's job, not the store's.
func (s *Store) Load() error {
	cred, err := s.repo.Load()
	if err != nil {
		return errors.Wrap(err, "[Store.Load] reading durable credential")
	}
	if cred == nil {
		return nil
	}

	s.mu.Lock()
	c := *cred
	s.cur = &c
	s.mu.Unlock()

	s.log.Info().Time("expiresAt", cred.ExpiresAt).Msg("resumed session from durable storage")
	return nil
}

// Current returns a copy of the active credential. Never blocks, never fails.
func (s *Store) Current() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur == nil {
		return Credential{}, false
	}
	return *s.cur, true
}

// Write atomically replaces the credential, mirrors it to durable storage,
// and notifies subscribers of the new expiry.
func (s *Store) Write(cred Credential) error {
	s.mu.Lock()
	c := cred
	s.cur = &c
	subs := append([]Subscriber(nil), s.subs...)
	s.mu.Unlock()

	if err := s.repo.Save(&cred); err != nil {
		// The in-memory credential stays authoritative; the session keeps
		// working, it just will not survive a restart.
		s.log.Error().Err(err).Msg("failed to persist credential")
	}

	for _, sub := range subs {
		sub(cred, true)
	}
	return nil
}

// Clear atomically wipes the credential everywhere and notifies subscribers
// of the session loss.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.cur = nil
	subs := append([]Subscriber(nil), s.subs...)
	s.mu.Unlock()

	if err := s.repo.Wipe(); err != nil {
		s.log.Error().Err(err).Msg("failed to wipe durable credential")
	}

	for _, sub := range subs {
		sub(Credential{}, false)
	}
	return nil
}

// Subscribe registers a change listener. Subscribers are invoked outside the
// store's lock, in registration order, after the change has been applied.
// Subscribers run on the writer's goroutine and must not call back into the
// component that performed the change.
func (s *Store) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}
