// Package provider defines the contract of the external auth provider and
// the pieces its implementations share: sessions persisted in device
// storage, and auth event fan-out.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/palminsight/palminsight/storage"
)

var (
	// ErrUnsupported is returned by providers for operations they do not offer,
	// e.g. password sign-in against a plain OIDC identity provider.
	ErrUnsupported = errors.New("provider: operation not supported")

	// ErrNotSignedIn is returned by operations that need a session.
	ErrNotSignedIn = errors.New("provider: not signed in")

	// ErrVerifierNotFound is returned by ExchangeCodeForSession when no code
	// verifier was stored for the provider.
	ErrVerifierNotFound = errors.New("provider: code verifier not found in storage")

	// ErrNoSession is returned when the token endpoint answered successfully
	// but the response does not make a usable session. The code is spent.
	ErrNoSession = errors.New("provider: token response has no usable session")
)

type User struct {
	ID               string         `json:"id"`
	Email            string         `json:"email,omitempty"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	LastSignInAt     *time.Time     `json:"last_sign_in_at,omitempty"`
	Provider         string         `json:"provider,omitempty"`
	Metadata         map[string]any `json:"user_metadata,omitempty"`
}

type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         *User     `json:"user,omitempty"`
}

// expiryMargin treats a session as expired slightly early so that a token is
// not handed out moments before it stops working.
const expiryMargin = 10 * time.Second

// Expired reports whether the access token is at or near expiry at now.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(expiryMargin).Before(s.ExpiresAt)
}

// Event is an auth state change emitted by a Client.
type Event string

const (
	EventSignedIn         Event = "SIGNED_IN"
	EventSignedOut        Event = "SIGNED_OUT"
	EventPasswordRecovery Event = "PASSWORD_RECOVERY"
	EventTokenRefreshed   Event = "TOKEN_REFRESHED"
	EventUserUpdated      Event = "USER_UPDATED"
)

// Listener receives auth events. session is nil for EventSignedOut.
type Listener func(event Event, session *Session)

// Client is a provider client bound to one device's storage. The code
// verifier for flows it starts or completes is read from that storage under
// the provider's default verifier key.
type Client interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	// SignUp registers a user. The session is nil when the provider requires
	// email confirmation; the confirmation link then returns with a code.
	SignUp(ctx context.Context, email, password, redirectTo string) (*User, *Session, error)
	SignOut(ctx context.Context) error
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	ExchangeCodeForSession(ctx context.Context, code string) (*Session, error)
	// GetSession returns the stored session, refreshing it when expired.
	// It returns nil and no error when there is no session.
	GetSession(ctx context.Context) (*Session, error)
	RefreshSession(ctx context.Context) (*Session, error)
	UpdateUser(ctx context.Context, password string) (*User, error)
	// SignInWithOAuth returns the authorization URL to send the user to.
	SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error)
	OnAuthStateChange(l Listener) (unsubscribe func())
}

// Factory builds a Client bound to a device's storage.
type Factory func(store storage.Store) (Client, error)

// Error is an error response from the provider.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("provider: %s: %s (status %d)", e.Code, e.Message, e.Status)
	case e.Message != "":
		return fmt.Sprintf("provider: %s (status %d)", e.Message, e.Status)
	case e.Code != "":
		return fmt.Sprintf("provider: %s (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("provider: %s", http.StatusText(e.Status))
}

// Temporary reports whether retrying the same request may succeed.
func (e *Error) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}
