// Package token decodes and inspects bearer credentials issued by the
// auth backend. Decoding is unverified: the signature is the backend's
// concern, and nothing here may be treated as proof of authorization.
// Claims are only ever inputs to UX decisions such as pre-emptive
// refresh.
package token

import (
	"time"

	apperrors "github.com/alexjbarnes/sessiond/internal/errors"
	jwtlib "github.com/golang-jwt/jwt/v5"
)

// DefaultRefreshThreshold is the renewal window: a credential expiring
// within this window should be refreshed.
const DefaultRefreshThreshold = 5 * time.Minute

// nowFunc returns the current time. Overridden in tests.
var nowFunc = time.Now

// Claims is the decoded payload of an access credential.
type Claims struct {
	Subject   string
	Email     string
	Name      string
	IssuedAt  int64
	ExpiresAt int64
	Audience  string
	Issuer    string
	TokenID   string
	Scope     string
	SessionID string
}

// Validation is the total result of checking a credential. Every input
// string maps to exactly one Validation; no code path panics.
type Validation struct {
	// Valid is true when the credential parsed and has not expired.
	Valid bool

	// Expired is true when the credential parsed but its expiry has
	// passed. A malformed credential is not "expired".
	Expired bool

	// Claims holds the decoded payload, or nil when parsing failed.
	Claims *Claims

	// ExpiresIn is the whole seconds until expiry, floored at zero.
	ExpiresIn int64

	// Err is nil only when Valid. Otherwise one of the credential
	// sentinels from internal/errors.
	Err error
}

// Parse decodes the payload segment of a credential without verifying
// its signature. Returns nil for anything that is not three
// dot-separated segments of URL-safe base64 wrapping valid JSON.
func Parse(raw string) *Claims {
	if raw == "" {
		return nil
	}

	tok, _, err := jwtlib.NewParser().ParseUnverified(raw, jwtlib.MapClaims{})
	if err != nil {
		return nil
	}

	mc, ok := tok.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil
	}

	return claimsFromMap(mc)
}

// claimsFromMap extracts the known claim fields. Numeric claims arrive
// as float64 from the JSON decoder.
func claimsFromMap(mc jwtlib.MapClaims) *Claims {
	c := &Claims{}

	c.Subject, _ = mc["sub"].(string)
	c.Email, _ = mc["email"].(string)
	c.Name, _ = mc["name"].(string)
	c.Audience, _ = mc["aud"].(string)
	c.Issuer, _ = mc["iss"].(string)
	c.TokenID, _ = mc["jti"].(string)
	c.Scope, _ = mc["scope"].(string)
	c.SessionID, _ = mc["sid"].(string)

	if iat, ok := mc["iat"].(float64); ok {
		c.IssuedAt = int64(iat)
	}

	if exp, ok := mc["exp"].(float64); ok {
		c.ExpiresAt = int64(exp)
	}

	return c
}

// Validate checks a credential for structure and expiry. It never
// returns an error through a second value; failure modes live on the
// Validation itself so callers branch on data, not control flow.
func Validate(raw string) Validation {
	if raw == "" {
		return Validation{Err: apperrors.ErrNoToken}
	}

	claims := Parse(raw)
	if claims == nil {
		return Validation{Err: apperrors.ErrTokenFormat}
	}

	now := nowFunc().Unix()
	if claims.ExpiresAt <= now {
		return Validation{
			Expired: true,
			Claims:  claims,
			Err:     apperrors.ErrTokenExpired,
		}
	}

	return Validation{
		Valid:     true,
		Claims:    claims,
		ExpiresIn: claims.ExpiresAt - now,
	}
}

// ShouldRefresh reports whether the credential is inside the renewal
// window, including already expired. Absent or malformed credentials
// report false: there is nothing to proactively renew, the caller has
// to re-authenticate instead.
func ShouldRefresh(raw string, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}

	claims := Parse(raw)
	if claims == nil {
		return false
	}

	now := nowFunc().Unix()

	expiresIn := claims.ExpiresAt - now
	if expiresIn < 0 {
		expiresIn = 0
	}

	return expiresIn <= int64(threshold/time.Second)
}
