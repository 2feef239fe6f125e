// Package auth gates streaming on credential freshness. The credential itself
// belongs to the application's auth layer; this package only reads it.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FreshnessMargin is how much validity a credential must still have to be
// used for a new stream.
const FreshnessMargin = 5 * time.Minute

// Credential is a bearer token and its expiry.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// String never reveals the token.
func (c Credential) String() string {
	if c.Token == "" {
		return "Credential(empty)"
	}
	return fmt.Sprintf("Credential(expires %s)", c.ExpiresAt.Format(time.RFC3339))
}

// Gate checks freshness against an injectable clock.
type Gate struct {
	Margin time.Duration
	Now    func() time.Time
}

// DefaultGate uses the wall clock and FreshnessMargin.
var DefaultGate = Gate{Margin: FreshnessMargin, Now: time.Now}

// IsFresh reports whether c may be used to open a stream: it has a token and
// more than Margin of validity left. It performs no I/O.
func (g Gate) IsFresh(c Credential) bool {
	if c.Token == "" || c.ExpiresAt.IsZero() {
		return false
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return c.ExpiresAt.Sub(now()) >= g.Margin
}

// IsFresh checks c with DefaultGate.
func IsFresh(c Credential) bool { return DefaultGate.IsFresh(c) }

// ExpiryFromJWT reads the exp claim of a JWT without verifying its signature;
// the client never holds the signing key.
func ExpiryFromJWT(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parsing token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}
