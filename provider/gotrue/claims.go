package gotrue

import (
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

type amrEntry struct {
	Method    string `json:"method"`
	Timestamp int64  `json:"timestamp"`
}

// accessClaims are the GoTrue access token claims the client uses.
type accessClaims struct {
	jwt.Claims
	Email     string     `json:"email"`
	Role      string     `json:"role"`
	SessionID string     `json:"session_id"`
	AMR       []amrEntry `json:"amr"`
}

// usedMethod reports whether the session was established with method,
// e.g. "recovery" for a password reset link.
func (c *accessClaims) usedMethod(method string) bool {
	if c == nil {
		return false
	}
	for _, a := range c.AMR {
		if a.Method == method {
			return true
		}
	}
	return false
}

// parseAccessToken reads the claims of an access token. The signature is
// checked only when a JWT secret is configured.
func (c *Client) parseAccessToken(token string) (*accessClaims, error) {
	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256, jose.RS256, jose.ES256})
	if err != nil {
		return nil, fmt.Errorf("gotrue: parse access token: %w", err)
	}
	var claims accessClaims
	if c.jwtSecret != nil {
		err = tok.Claims(c.jwtSecret, &claims)
	} else {
		err = tok.UnsafeClaimsWithoutVerification(&claims)
	}
	if err != nil {
		return nil, fmt.Errorf("gotrue: access token claims: %w", err)
	}
	return &claims, nil
}
