// Package credentials owns the credential set for the active session: the
// access/refresh token pair, its expiry, and the identity claims returned at
// login. The Store is the single source of truth; every other component
// reads short-lived value copies from it.
package credentials

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the read-only projection of the signed-in user.
type Identity struct {
	ID            string   `json:"id"`
	Email         string   `json:"email"`
	Name          string   `json:"name"`
	Roles         []string `json:"roles"`
	EmailVerified bool     `json:"emailVerified"`
}

// Credential is the full credential set for one session. ExpiresAt is always
// derived from the issuance or renewal instant plus the configured access
// token lifetime; the tokens themselves are opaque to this client.
type Credential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Identity     Identity  `json:"identity"`
}

// Fresh reports whether the access token is still usable at the given instant.
func (c Credential) Fresh(now time.Time) bool {
	return now.Before(c.ExpiresAt)
}

// TimeToExpiry returns the remaining access token lifetime. Negative once
// the credential has lapsed.
func (c Credential) TimeToExpiry(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// HasRole reports whether the identity carries the given role.
func (c Credential) HasRole(role string) bool {
	for _, r := range c.Identity.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenExpiry peeks at the exp claim of the access token without verifying
// the signature. Verification is the server's job; the claim is only used to
// cross-check the locally derived ExpiresAt against what the issuer encoded.
// Returns false when the token is not a JWT or carries no exp claim.
func (c Credential) TokenExpiry() (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(c.AccessToken, &claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
