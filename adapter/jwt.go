package storefront

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of access token claims the client reads.
// The signature is never verified client side; the backend does that.
type Claims struct {
	UserID any    `json:"user_id,omitempty"` // string or number depending on the backend
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Expiry returns the exp claim, or the zero time when absent
func (c *Claims) Expiry() time.Time {
	if c == nil || c.RegisteredClaims.ExpiresAt == nil {
		return time.Time{}
	}
	return c.RegisteredClaims.ExpiresAt.Time
}

var claimsParser = jwt.NewParser()

// DecodeClaims decodes the payload segment of a JWT without verifying it.
// ok is false for anything that is not a three-segment token with a JSON payload.
func DecodeClaims(token string) (claims *Claims, ok bool) {
	if token == "" {
		return nil, false
	}

	claims = &Claims{}
	if _, _, err := claimsParser.ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// tokenExpiry returns the exp of an access token; zero when it cannot be decoded
func tokenExpiry(token string) time.Time {
	claims, ok := DecodeClaims(token)
	if !ok {
		return time.Time{}
	}
	return claims.Expiry()
}
