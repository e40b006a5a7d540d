// Package gotrue is a provider.Client for a GoTrue (Supabase Auth) server.
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/palminsight/palminsight/logger"
	"github.com/palminsight/palminsight/pkce"
	"github.com/palminsight/palminsight/provider"
	"github.com/palminsight/palminsight/storage"
	"go.uber.org/zap"
)

// Client talks to the GoTrue REST API on behalf of one device.
type Client struct {
	baseURL   *url.URL
	apiKey    string
	http      *http.Client
	jwtSecret []byte
	log       *zap.Logger
	now       func() time.Time

	store    storage.Store
	sessions *provider.SessionStore
	events   provider.Emitter
}

var _ provider.Client = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithJWTSecret makes the client verify access tokens with HS256.
func WithJWTSecret(secret string) Option {
	return func(cl *Client) {
		if secret != "" {
			cl.jwtSecret = []byte(secret)
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

// New returns a client for the GoTrue server at baseURL (for Supabase,
// "https://<project>.supabase.co/auth/v1") storing its state in store.
func New(baseURL, apiKey string, store storage.Store, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("gotrue: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("gotrue: base url %q must be absolute", baseURL)
	}
	c := &Client{
		baseURL:  u,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
		store:    store,
		sessions: provider.NewSessionStore(store),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.OrGlobal(c.log).Named("gotrue")
	return c, nil
}

// NewFactory returns a provider.Factory building clients that share the
// given options.
func NewFactory(baseURL, apiKey string, opts ...Option) provider.Factory {
	return func(store storage.Store) (provider.Client, error) {
		return New(baseURL, apiKey, store, opts...)
	}
}

func (c *Client) OnAuthStateChange(l provider.Listener) func() {
	return c.events.Subscribe(l)
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = query.Encode()
	return u.String()
}

// errorBody covers the error shapes of GoTrue versions old and new.
type errorBody struct {
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func decodeError(status int, body []byte) *provider.Error {
	e := &provider.Error{Status: status}
	var b errorBody
	if json.Unmarshal(body, &b) != nil {
		e.Message = strings.TrimSpace(string(body))
		return e
	}
	e.Code = b.ErrorCode
	if e.Code == "" {
		e.Code = b.Error
	}
	if s, ok := b.Code.(string); ok && e.Code == "" {
		e.Code = s
	}
	for _, m := range []string{b.Msg, b.ErrorDescription, b.Message} {
		if m != "" {
			e.Message = m
			break
		}
	}
	return e
}

// do sends a request and decodes a JSON response into out (which may be nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, accessToken string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gotrue: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("gotrue: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		perr := decodeError(resp.StatusCode, b)
		c.log.Debug("Request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("code", perr.Code))
		return perr
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("gotrue: decode response: %w", err)
	}
	return nil
}

// tokenResponse is the body of a successful /token or /signup call.
type tokenResponse struct {
	AccessToken  string         `json:"access_token"`
	TokenType    string         `json:"token_type"`
	ExpiresIn    int64          `json:"expires_in"`
	ExpiresAt    int64          `json:"expires_at"`
	RefreshToken string         `json:"refresh_token"`
	User         *provider.User `json:"user"`
}

// session converts a token response, checking the access token's claims.
func (c *Client) session(tr *tokenResponse) (*provider.Session, *accessClaims, error) {
	if tr.AccessToken == "" {
		return nil, nil, nil
	}
	claims, err := c.parseAccessToken(tr.AccessToken)
	if err != nil {
		return nil, nil, err
	}
	s := &provider.Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		User:         tr.User,
	}
	switch {
	case tr.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(tr.ExpiresAt, 0)
	case tr.ExpiresIn > 0:
		s.ExpiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	case claims.Expiry != nil:
		s.ExpiresAt = claims.Expiry.Time()
	}
	if s.User == nil {
		s.User = &provider.User{ID: claims.Subject, Email: claims.Email}
	}
	return s, claims, nil
}

func (c *Client) grant(ctx context.Context, grantType string, body any) (*provider.Session, *accessClaims, error) {
	var tr tokenResponse
	q := url.Values{"grant_type": {grantType}}
	if err := c.do(ctx, http.MethodPost, "/token", q, "", body, &tr); err != nil {
		return nil, nil, err
	}
	s, claims, err := c.session(&tr)
	if err != nil {
		return nil, nil, fmt.Errorf("gotrue: %s grant: %w: %w", grantType, provider.ErrNoSession, err)
	}
	if s == nil {
		return nil, nil, fmt.Errorf("gotrue: %s grant: %w", grantType, provider.ErrNoSession)
	}
	return s, claims, nil
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*provider.Session, error) {
	s, _, err := c.grant(ctx, "password", map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, err
	}
	if err := c.sessions.Save(ctx, s); err != nil {
		return nil, err
	}
	c.events.Emit(provider.EventSignedIn, s)
	return s, nil
}

func (c *Client) SignUp(ctx context.Context, email, password, redirectTo string) (*provider.User, *provider.Session, error) {
	verifier, err := provider.FlowVerifier(ctx, c.store)
	if err != nil {
		return nil, nil, err
	}
	body := map[string]string{
		"email":                 email,
		"password":              password,
		"code_challenge":        pkce.S256Challenge(verifier),
		"code_challenge_method": "s256",
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/signup", redirectQuery(redirectTo), "", body, &raw); err != nil {
		return nil, nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, nil, fmt.Errorf("gotrue: decode signup: %w", err)
	}
	if tr.AccessToken == "" {
		// Email confirmation pending: the body is the user itself.
		var u provider.User
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, nil, fmt.Errorf("gotrue: decode signup user: %w", err)
		}
		return &u, nil, nil
	}
	s, _, err := c.session(&tr)
	if err != nil {
		return nil, nil, err
	}
	if err := c.sessions.Save(ctx, s); err != nil {
		return nil, nil, err
	}
	c.events.Emit(provider.EventSignedIn, s)
	return s.User, s, nil
}

func (c *Client) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	verifier, err := provider.FlowVerifier(ctx, c.store)
	if err != nil {
		return err
	}
	body := map[string]string{
		"email":                 email,
		"code_challenge":        pkce.S256Challenge(verifier),
		"code_challenge_method": "s256",
	}
	return c.do(ctx, http.MethodPost, "/recover", redirectQuery(redirectTo), "", body, nil)
}

func (c *Client) ExchangeCodeForSession(ctx context.Context, code string) (*provider.Session, error) {
	verifier, err := provider.ExchangeVerifier(ctx, c.store)
	if err != nil {
		return nil, err
	}
	s, claims, err := c.grant(ctx, "pkce", map[string]string{"auth_code": code, "code_verifier": verifier})
	if err != nil {
		return nil, err
	}
	if err := c.sessions.Save(ctx, s); err != nil {
		return nil, err
	}
	if claims.usedMethod("recovery") {
		c.events.Emit(provider.EventPasswordRecovery, s)
	} else {
		c.events.Emit(provider.EventSignedIn, s)
	}
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
	s, _, err := c.grant(ctx, "refresh_token", map[string]string{"refresh_token": cur.RefreshToken})
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) && !perr.Temporary() {
			// The refresh token is dead; the session cannot come back.
			if cerr := c.sessions.Clear(ctx); cerr != nil {
				c.log.Warn("Cannot clear dead session", zap.Error(cerr))
			}
			c.events.Emit(provider.EventSignedOut, nil)
		}
		return nil, err
	}
	if err := c.sessions.Save(ctx, s); err != nil {
		return nil, err
	}
	c.events.Emit(provider.EventTokenRefreshed, s)
	return s, nil
}

func (c *Client) UpdateUser(ctx context.Context, password string) (*provider.User, error) {
	s, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, provider.ErrNotSignedIn
	}
	var u provider.User
	if err := c.do(ctx, http.MethodPut, "/user", nil, s.AccessToken, map[string]string{"password": password}, &u); err != nil {
		return nil, err
	}
	s.User = &u
	if err := c.sessions.Save(ctx, s); err != nil {
		return nil, err
	}
	c.events.Emit(provider.EventUserUpdated, s)
	return &u, nil
}

// SignOut revokes the session server side when possible and always clears
// it locally.
func (c *Client) SignOut(ctx context.Context) error {
	s, err := c.sessions.Load(ctx)
	if err != nil {
		return err
	}
	if s != nil && s.AccessToken != "" {
		err := c.do(ctx, http.MethodPost, "/logout", nil, s.AccessToken, nil, nil)
		var perr *provider.Error
		if err != nil && !(errors.As(err, &perr) && (perr.Status == http.StatusUnauthorized || perr.Status == http.StatusNotFound)) {
			c.log.Warn("Server-side sign out failed", zap.Error(err))
		}
	}
	if err := c.sessions.Clear(ctx); err != nil {
		return err
	}
	c.events.Emit(provider.EventSignedOut, nil)
	return nil
}

// SignInWithOAuth builds the /authorize URL for an external provider
// configured on the GoTrue server.
func (c *Client) SignInWithOAuth(ctx context.Context, name, redirectTo string) (string, error) {
	verifier, err := provider.FlowVerifier(ctx, c.store)
	if err != nil {
		return "", err
	}
	q := redirectQuery(redirectTo)
	q.Set("provider", name)
	q.Set("code_challenge", pkce.S256Challenge(verifier))
	q.Set("code_challenge_method", "s256")
	return c.endpoint("/authorize", q), nil
}

func redirectQuery(redirectTo string) url.Values {
	q := url.Values{}
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	return q
}
