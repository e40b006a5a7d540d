// Package oidc is a provider.Client for a standard OpenID Connect identity
// provider. It supports the OAuth authorization code flow with PKCE; the
// password based operations of provider.Client return
// provider.ErrUnsupported.
package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/palminsight/palminsight/logger"
	"github.com/palminsight/palminsight/provider"
	"github.com/palminsight/palminsight/storage"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// keyNonce holds the nonce of the authorization request in flight.
const keyNonce = "oidc.auth.nonce"

// Provider is a discovered identity provider, shared by every device.
type Provider struct {
	name     string
	config   *oauth2.Config
	verifier *gooidc.IDTokenVerifier
}

type Config struct {
	Name         string
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// RedirectURL is where the provider sends the browser back to.
	RedirectURL string
}

// DiscoverOption configures the token verifier.
type DiscoverOption func(*gooidc.Config)

// WithSkipIssuerCheck disables issuer validation in the token verifier, for
// providers that issue tokens with a per-tenant issuer.
func WithSkipIssuerCheck() DiscoverOption {
	return func(c *gooidc.Config) {
		c.SkipIssuerCheck = true
	}
}

// Discover queries the issuer's discovery document.
func Discover(ctx context.Context, cfg Config, opts ...DiscoverOption) (*Provider, error) {
	p, err := gooidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider %q: %v", cfg.Issuer, err)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "profile", "email"}
	}
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     p.Endpoint(),
		RedirectURL:  cfg.RedirectURL,
		Scopes:       scopes,
	}
	vc := &gooidc.Config{ClientID: cfg.ClientID}
	for _, opt := range opts {
		opt(vc)
	}
	name := cfg.Name
	if name == "" {
		name = "oidc"
	}
	return &Provider{name: name, config: conf, verifier: p.Verifier(vc)}, nil
}

// Name returns the provider identifier used in SignInWithOAuth.
func (p *Provider) Name() string {
	return p.name
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithHTTPClient sets the client used for token requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Bind returns a client for one device.
func (p *Provider) Bind(store storage.Store, opts ...Option) *Client {
	c := &Client{
		p:        p,
		store:    store,
		sessions: provider.NewSessionStore(store),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.OrGlobal(c.log).Named("oidc").With(zap.String("provider", p.name))
	return c
}

// Factory returns a provider.Factory binding p to each device's storage.
func (p *Provider) Factory(opts ...Option) provider.Factory {
	return func(store storage.Store) (provider.Client, error) {
		return p.Bind(store, opts...), nil
	}
}

// Client is a provider.Client for one device.
type Client struct {
	p        *Provider
	store    storage.Store
	sessions *provider.SessionStore
	events   provider.Emitter
	http     *http.Client
	log      *zap.Logger
	now      func() time.Time
}

var _ provider.Client = (*Client)(nil)

func (c *Client) ctx(ctx context.Context) context.Context {
	if c.http != nil {
		return gooidc.ClientContext(ctx, c.http)
	}
	return ctx
}

func (c *Client) OnAuthStateChange(l provider.Listener) func() {
	return c.events.Subscribe(l)
}

func (c *Client) SignInWithPassword(context.Context, string, string) (*provider.Session, error) {
	return nil, provider.ErrUnsupported
}

func (c *Client) SignUp(context.Context, string, string, string) (*provider.User, *provider.Session, error) {
	return nil, nil, provider.ErrUnsupported
}

func (c *Client) ResetPasswordForEmail(context.Context, string, string) error {
	return provider.ErrUnsupported
}

func (c *Client) UpdateUser(context.Context, string) (*provider.User, error) {
	return nil, provider.ErrUnsupported
}

// randomToken returns a URL-safe random string for state and nonce values.
func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// SignInWithOAuth returns the authorization URL. The code is bound to the
// device by the PKCE challenge; the nonce binds the ID token. The redirect
// URL registered with the provider is fixed by Config, so redirectTo is
// ignored.
func (c *Client) SignInWithOAuth(ctx context.Context, name, _ string) (string, error) {
	if name != c.p.name {
		return "", fmt.Errorf("%w: unknown oauth provider %q", provider.ErrUnsupported, name)
	}
	verifier, err := provider.FlowVerifier(ctx, c.store)
	if err != nil {
		return "", err
	}
	state, err := randomToken()
	if err != nil {
		return "", err
	}
	nonce, err := randomToken()
	if err != nil {
		return "", err
	}
	if err := c.store.Set(ctx, keyNonce, nonce); err != nil {
		return "", err
	}
	return c.p.config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier), gooidc.Nonce(nonce)), nil
}

type idClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

func (c *Client) ExchangeCodeForSession(ctx context.Context, code string) (*provider.Session, error) {
	verifier, err := provider.ExchangeVerifier(ctx, c.store)
	if err != nil {
		return nil, err
	}
	tok, err := c.p.config.Exchange(c.ctx(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, providerError(err)
	}
	s, err := c.session(ctx, tok, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrNoSession, err)
	}
	if err := c.store.Delete(ctx, keyNonce); err != nil {
		c.log.Warn("Cannot delete used nonce", zap.Error(err))
	}
	if err := c.sessions.Save(ctx, s); err != nil {
		return nil, err
	}
	c.events.Emit(provider.EventSignedIn, s)
	return s, nil
}

// session builds a Session from a token response. The ID token is required
// on the initial exchange and optional on refresh.
func (c *Client) session(ctx context.Context, tok *oauth2.Token, initial bool) (*provider.Session, error) {
	s := &provider.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ExpiresAt:    tok.Expiry,
	}
	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		if initial {
			return nil, errors.New("oidc: token response has no id_token")
		}
		return s, nil
	}
	idt, err := c.p.verifier.Verify(c.ctx(ctx), rawID)
	if err != nil {
		return nil, fmt.Errorf("oidc: verify id token: %w", err)
	}
	if initial {
		want, _, err := storage.Lookup(ctx, c.store, keyNonce)
		if err != nil {
			return nil, err
		}
		if idt.Nonce != want {
			return nil, errors.New("oidc: id token nonce mismatch")
		}
	}
	var claims idClaims
	if err := idt.Claims(&claims); err != nil {
		return nil, fmt.Errorf("oidc: id token claims: %w", err)
	}
	u := &provider.User{ID: c.p.name + ":" + idt.Subject, Provider: c.p.name}
	if claims.EmailVerified {
		u.Email = claims.Email
	}
	if claims.Name != "" {
		u.Metadata = map[string]any{"name": claims.Name}
	}
	s.User = u
	return s, nil
}

func (c *Client) GetSession(ctx context.Context) (*provider.Session, error) {
	s, err := c.sessions.Load(ctx)
	if err != nil || s == nil {
		return nil, err
	}
	if !s.Expired(c.now()) {
		return s, nil
	}
	if s.RefreshToken == "" {
		return nil, c.sessions.Clear(ctx)
	}
	return c.RefreshSession(ctx)
}

func (c *Client) RefreshSession(ctx context.Context) (*provider.Session, error) {
	cur, err := c.sessions.Load(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil || cur.RefreshToken == "" {
		return nil, provider.ErrNotSignedIn
	}
	src := c.p.config.TokenSource(c.ctx(ctx), &oauth2.Token{RefreshToken: cur.RefreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		perr := providerError(err)
		var pe *provider.Error
		if errors.As(perr, &pe) && !pe.Temporary() {
			if cerr := c.sessions.Clear(ctx); cerr != nil {
				c.log.Warn("Cannot clear dead session", zap.Error(cerr))
			}
			c.events.Emit(provider.EventSignedOut, nil)
		}
		return nil, perr
	}
	s, err := c.session(ctx, tok, false)
	if err != nil {
		return nil, err
	}
	if s.User == nil {
		s.User = cur.User
	}
	if s.RefreshToken == "" {
		s.RefreshToken = cur.RefreshToken
	}
	if err := c.sessions.Save(ctx, s); err != nil {
		return nil, err
	}
	c.events.Emit(provider.EventTokenRefreshed, s)
	return s, nil
}

// SignOut clears the local session. Plain OIDC has no token revocation
// endpoint in discovery, so nothing is sent to the provider.
func (c *Client) SignOut(ctx context.Context) error {
	if err := c.sessions.Clear(ctx); err != nil {
		return err
	}
	c.events.Emit(provider.EventSignedOut, nil)
	return nil
}

// providerError maps an oauth2 token endpoint failure to *provider.Error.
func providerError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	status := http.StatusBadRequest
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	return &provider.Error{Status: status, Code: re.ErrorCode, Message: re.ErrorDescription}
}
