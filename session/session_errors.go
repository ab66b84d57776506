package session

import "errors"

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionDead      = errors.New("session terminated, sign in again")
	ErrRefreshFailed    = errors.New("refresh failed")
)
