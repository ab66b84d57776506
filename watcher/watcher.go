// Package watcher warns the UI layer shortly before the session credential
// lapses, independent of request traffic. It is purely observational: it
// reads the credential store and never mutates it.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/perkhub/go-admin-client/credentials"
)

const (
	defaultInterval  = 30 * time.Second
	defaultThreshold = 60 * time.Second
)

// Watcher periodically inspects the credential store and emits one
// "expiring soon" notification per approaching-expiry window. A renewal
// moves ExpiresAt forward and re-arms the notification.
type Watcher struct {
	store      *credentials.Store
	onExpiring func(remaining time.Duration)
	interval   time.Duration
	threshold  time.Duration
	nowFunc    func() time.Time
	log        zerolog.Logger

	mu        sync.Mutex
	warnedFor time.Time // the ExpiresAt we already warned about
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithInterval sets the polling cadence.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		w.interval = d
	}
}

// WithThreshold sets the remaining-lifetime threshold below which the
// notification fires.
func WithThreshold(d time.Duration) Option {
	return func(w *Watcher) {
		w.threshold = d
	}
}

// WithNowFunc sets the now time function (primarily for testing).
func WithNowFunc(now func() time.Time) Option {
	return func(w *Watcher) {
		w.nowFunc = now
	}
}

// WithLogger sets the watcher logger.
func WithLogger(log zerolog.Logger) Option {
	return func(w *Watcher) {
		w.log = log
	}
}

// New creates a Watcher over the store. onExpiring receives the remaining
// credential lifetime; it runs on the watcher goroutine and should hand off
// quickly.
func New(store *credentials.Store, onExpiring func(remaining time.Duration), options ...Option) (*Watcher, error) {
	if store == nil {
		return nil, errors.New("[watcher.New] store is required")
	}
	if onExpiring == nil {
		return nil, errors.New("[watcher.New] onExpiring is required")
	}

	w := &Watcher{
		store:      store,
		onExpiring: onExpiring,
		interval:   defaultInterval,
		threshold:  defaultThreshold,
		nowFunc:    time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range options {
		opt(w)
	}
	return w, nil
}

// Run polls until ctx is done. Call it on its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check performs one inspection of the store. Exposed so a host application
// can force a check outside the ticker cadence (e.g. on window focus).
func (w *Watcher) Check() {
	cred, ok := w.store.Current()
	if !ok {
		w.mu.Lock()
		w.warnedFor = time.Time{}
		w.mu.Unlock()
		return
	}

	now := w.nowFunc()
	remaining := cred.TimeToExpiry(now)
	if remaining > w.threshold || remaining <= 0 {
		return
	}

	w.mu.Lock()
	alreadyWarned := w.warnedFor.Equal(cred.ExpiresAt)
	if !alreadyWarned {
		w.warnedFor = cred.ExpiresAt
	}
	w.mu.Unlock()

	if alreadyWarned {
		return
	}

	w.log.Debug().Dur("remaining", remaining).Msg("session expiring soon")
	w.onExpiring(remaining)
}
