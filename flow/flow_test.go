package flow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"testing"

	"github.com/palminsight/palminsight/pkce"
	"github.com/palminsight/palminsight/provider"
	"github.com/palminsight/palminsight/redirect"
	"github.com/palminsight/palminsight/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubClient is a provider.Client whose exchange result is scripted. It
// records the verifier it would have sent, read from the provider key the
// way a real client does.
type stubClient struct {
	store storage.Store

	mu            sync.Mutex
	exchanges     []string
	verifiers     []string
	exchangeErr   error
	noSession     bool
	session       *provider.Session
	resetEmails   []string
	resetErr      error
	signUps       int
	oauthVerifier string
}

func newStub(store storage.Store) *stubClient {
	return &stubClient{store: store}
}

func (c *stubClient) ExchangeCodeForSession(ctx context.Context, code string) (*provider.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, code)
	v, _ := provider.ExchangeVerifier(ctx, c.store)
	c.verifiers = append(c.verifiers, v)
	if c.exchangeErr != nil {
		return nil, c.exchangeErr
	}
	if c.noSession {
		return nil, nil
	}
	c.session = &provider.Session{AccessToken: "at", User: &provider.User{ID: "u1"}}
	return c.session, nil
}

func (c *stubClient) GetSession(context.Context) (*provider.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, nil
}

func (c *stubClient) exchangeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.exchanges)
}

func (c *stubClient) SignInWithPassword(context.Context, string, string) (*provider.Session, error) {
	return nil, provider.ErrUnsupported
}

func (c *stubClient) SignUp(ctx context.Context, email, _, _ string) (*provider.User, *provider.Session, error) {
	c.signUps++
	return &provider.User{Email: email}, nil, nil
}

func (c *stubClient) SignOut(context.Context) error { return nil }

func (c *stubClient) ResetPasswordForEmail(ctx context.Context, email, _ string) error {
	c.resetEmails = append(c.resetEmails, email)
	return c.resetErr
}

func (c *stubClient) RefreshSession(context.Context) (*provider.Session, error) {
	return nil, provider.ErrNotSignedIn
}

func (c *stubClient) UpdateUser(context.Context, string) (*provider.User, error) {
	return nil, provider.ErrUnsupported
}

func (c *stubClient) SignInWithOAuth(ctx context.Context, name, _ string) (string, error) {
	v, err := provider.FlowVerifier(ctx, c.store)
	if err != nil {
		return "", err
	}
	c.oauthVerifier = v
	return "https://idp.example.com/authorize?provider=" + name, nil
}

func (c *stubClient) OnAuthStateChange(provider.Listener) func() { return func() {} }

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func setup(t *testing.T, opts ...MachineOption) (*Machine, *stubClient, *pkce.Repository) {
	t.Helper()
	store := storage.NewMemory()
	repo := pkce.NewRepository(store)
	client := newStub(store)
	return NewMachine(client, repo, opts...), client, repo
}

func TestRun_RecoveryCode(t *testing.T) {
	m, client, repo := setup(t)
	ctx := context.Background()
	require.NoError(t, repo.StoreVerifier(ctx, "stored-verifier"))

	out := m.Run(ctx, mustURL(t, "http://app/reset-password?code=ABC&type=recovery"))

	assert.Equal(t, StateAuthenticated, out.State)
	assert.Equal(t, redirect.IntentRecoveryCode, out.Intent)
	assert.Equal(t, "/reset-password", out.Route)
	assert.Equal(t, "http://app/reset-password", out.CleanURL.String())
	assert.Equal(t, []string{"ABC"}, client.exchanges)
	assert.Equal(t, []string{"stored-verifier"}, client.verifiers)
	assert.NotNil(t, out.Session)
	assert.Equal(t, StateAuthenticated, m.State())

	_, ok := repo.ResolveVerifier(ctx)
	assert.False(t, ok, "verifier keys are cleared after a successful exchange")
}

func TestRun_CodeWithoutType(t *testing.T) {
	m, client, repo := setup(t)
	ctx := context.Background()
	require.NoError(t, repo.StoreVerifier(ctx, "v"))

	out := m.Run(ctx, mustURL(t, "http://app/?code=ABC"))
	assert.Equal(t, StateAuthenticated, out.State)
	assert.Equal(t, "/dashboard", out.Route)
	assert.Equal(t, 1, client.exchangeCount())
}

func TestRun_CodeWithResetFlag(t *testing.T) {
	m, _, repo := setup(t)
	ctx := context.Background()
	require.NoError(t, repo.StoreVerifier(ctx, "v"))
	require.NoError(t, repo.BeginReset(ctx, "a@b.c", "http://app/reset-password", "v"))

	out := m.Run(ctx, mustURL(t, "http://app/?code=ABC"))
	assert.Equal(t, StateAuthenticated, out.State)
	assert.Equal(t, "/reset-password", out.Route)

	_, ok := repo.ResolveVerifier(ctx)
	assert.False(t, ok, "the reset record no longer yields the used verifier")
	info, ok, err := repo.LoadResetInfo(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a@b.c", info.Email)
}

func TestRun_ErrorRedirect(t *testing.T) {
	m, client, _ := setup(t)

	out := m.Run(context.Background(), mustURL(t, "http://app/?error=access_denied&error_description=Link+expired"))

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, "Link expired", out.Message)
	assert.Equal(t, ActionReturnToLogin, out.Action)
	assert.Zero(t, client.exchangeCount())
	var rerr *RedirectError
	require.ErrorAs(t, out.Err, &rerr)
	assert.Equal(t, "access_denied", rerr.Code)
	assert.Equal(t, "http://app/", out.CleanURL.String())
}

func TestRun_ErrorRedirectDuringReset(t *testing.T) {
	m, client, repo := setup(t)
	ctx := context.Background()
	require.NoError(t, repo.BeginReset(ctx, "a@b.c", "http://app/reset-password", "v"))

	out := m.Run(ctx, mustURL(t, "http://app/reset-password#error=access_denied&error_code=otp_expired"))
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, "access_denied", out.Message)
	assert.Equal(t, ActionRequestNewLink, out.Action)
	assert.Zero(t, client.exchangeCount())
}

func TestRun_NoCodeNoSession(t *testing.T) {
	m, client, _ := setup(t)

	out := m.Run(context.Background(), mustURL(t, "http://app/login"))

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, "no code in URL", out.Message)
	assert.Equal(t, ActionReturnToLogin, out.Action)
	assert.ErrorIs(t, out.Err, ErrNoCode)
	assert.Zero(t, client.exchangeCount())
}

func TestRun_NoCodeWithSession(t *testing.T) {
	m, client, _ := setup(t)
	client.session = &provider.Session{AccessToken: "at"}

	out := m.Run(context.Background(), mustURL(t, "http://app/"))
	assert.Equal(t, StateAuthenticated, out.State)
	assert.Equal(t, redirect.IntentHasSession, out.Intent)
	assert.Equal(t, "/dashboard", out.Route)
	assert.Zero(t, client.exchangeCount())
}

func TestRun_NoVerifierFallsBackOnce(t *testing.T) {
	m, client, _ := setup(t)
	client.exchangeErr = &provider.Error{Status: 400, Code: "bad_code_verifier", Message: "code challenge does not match"}

	out := m.Run(context.Background(), mustURL(t, "http://app/?code=ABC"))

	assert.Equal(t, []string{"ABC"}, client.exchanges, "exactly one exchange")
	require.Len(t, client.verifiers, 1)
	assert.Len(t, client.verifiers[0], pkce.VerifierLength, "a fresh verifier was placed for the provider")
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, ActionReturnToLogin, out.Action)

	var xerr *ExchangeError
	require.ErrorAs(t, out.Err, &xerr)
	assert.Equal(t, KindVerifierMismatch, xerr.Kind)
	assert.ErrorIs(t, out.Err, pkce.ErrVerifierMissing)
	var perr *provider.Error
	require.ErrorAs(t, out.Err, &perr, "the stub's error is surfaced")
	assert.Equal(t, "bad_code_verifier", perr.Code)
}

func TestRun_NoVerifierWithoutFallback(t *testing.T) {
	m, client, _ := setup(t, WithFreshVerifierFallback(false))

	out := m.Run(context.Background(), mustURL(t, "http://app/reset-password?code=ABC&type=recovery"))

	assert.Zero(t, client.exchangeCount())
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, MsgVerifierMissing, out.Message)
	assert.Equal(t, ActionRequestNewLink, out.Action)
	assert.ErrorIs(t, out.Err, pkce.ErrVerifierMissing)
}

func TestRun_SameURLTwice(t *testing.T) {
	m, client, repo := setup(t)
	ctx := context.Background()
	require.NoError(t, repo.StoreVerifier(ctx, "v"))
	u := mustURL(t, "http://app/?code=ABC&type=recovery")

	first := m.Run(ctx, u)
	require.Equal(t, StateAuthenticated, first.State)

	second := m.Run(ctx, u)
	assert.Equal(t, 1, client.exchangeCount(), "code must not be exchanged twice")
	assert.Equal(t, StateAuthenticated, second.State, "the session from the first run is found")
	assert.Equal(t, "/reset-password", second.Route)

	// A new machine over the same storage is a page reload.
	reloaded := NewMachine(client, pkce.NewRepository(repo.Store()))
	reloaded.Run(ctx, u)
	assert.Equal(t, 1, client.exchangeCount())
}

func TestRun_SameURLTwiceAfterFailure(t *testing.T) {
	m, client, _ := setup(t)
	client.exchangeErr = &provider.Error{Status: 404, Code: "flow_state_not_found"}
	u := mustURL(t, "http://app/?code=ABC")

	m.Run(context.Background(), u)
	out := m.Run(context.Background(), u)

	assert.Equal(t, 1, client.exchangeCount())
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, "no code in URL", out.Message)
}

func TestRun_ConcurrentLoads(t *testing.T) {
	m, client, repo := setup(t)
	ctx := context.Background()
	require.NoError(t, repo.StoreVerifier(ctx, "v"))
	u := mustURL(t, "http://app/?code=ABC")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Run(ctx, u)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, client.exchangeCount())
}

func TestRun_NetworkErrorIsRetryable(t *testing.T) {
	m, client, repo := setup(t)
	ctx := context.Background()
	require.NoError(t, repo.StoreVerifier(ctx, "v"))
	client.exchangeErr = fmt.Errorf("gotrue: POST /token: %w",
		&url.Error{Op: "Post", URL: "https://auth.example.com/token", Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}})
	u := mustURL(t, "http://app/?code=ABC")

	out := m.Run(ctx, u)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, ActionRetry, out.Action)
	assert.Equal(t, MsgUnavailable, out.Message)
	assert.Equal(t, u.String(), out.RetryURL.String())

	client.exchangeErr = nil
	out = m.Run(ctx, out.RetryURL)
	assert.Equal(t, StateAuthenticated, out.State)
	assert.Equal(t, 2, client.exchangeCount())
}

func TestRun_NoSession(t *testing.T) {
	m, client, repo := setup(t)
	ctx := context.Background()
	require.NoError(t, repo.StoreVerifier(ctx, "v"))
	client.noSession = true

	out := m.Run(ctx, mustURL(t, "http://app/?code=ABC"))
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, MsgNoSession, out.Message)
	var xerr *ExchangeError
	require.ErrorAs(t, out.Err, &xerr)
	assert.Equal(t, KindNoSession, xerr.Kind)
	assert.False(t, xerr.Retryable())
	assert.ErrorIs(t, out.Err, provider.ErrNoSession)
}

func TestRun_SameURLOnTwoMachines(t *testing.T) {
	store := storage.NewMemory()
	client := newStub(store)
	ctx := context.Background()
	require.NoError(t, pkce.NewRepository(store).StoreVerifier(ctx, "v"))
	u := mustURL(t, "http://app/?code=ABC")

	// Two machines over one store are two servers sharing a backend.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		m := NewMachine(client, pkce.NewRepository(store))
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.Run(ctx, u)
			}()
		}
	}
	wg.Wait()
	assert.Equal(t, 1, client.exchangeCount())
}

func TestMachine_InitialState(t *testing.T) {
	m, _, _ := setup(t)
	assert.Equal(t, StateIdle, m.State())
}

func TestExchanger_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"missing verifier", provider.ErrVerifierNotFound, KindVerifierMismatch},
		{"bad verifier", &provider.Error{Status: 400, Code: "bad_code_verifier"}, KindVerifierMismatch},
		{"unknown flow", &provider.Error{Status: 404, Code: "flow_state_not_found"}, KindVerifierMismatch},
		{"outage", &provider.Error{Status: 503}, KindNetworkOrProvider},
		{"rate limited", &provider.Error{Status: 429}, KindNetworkOrProvider},
		{"transport", &url.Error{Op: "Post", URL: "https://idp/token", Err: errors.New("connection reset")}, KindNetworkOrProvider},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, KindNetworkOrProvider},
		{"deadline", context.DeadlineExceeded, KindNetworkOrProvider},
		{"no session", fmt.Errorf("gotrue: pkce grant: %w", provider.ErrNoSession), KindNoSession},
		{"undecodable response", errors.New("gotrue: decode response: unexpected end of JSON input"), KindNoSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemory()
			client := newStub(store)
			client.exchangeErr = tt.err
			x := NewExchanger(client, pkce.NewRepository(store), nil)

			_, err := x.Exchange(context.Background(), "ABC", "verifier")
			var xerr *ExchangeError
			require.ErrorAs(t, err, &xerr)
			assert.Equal(t, tt.want, xerr.Kind)
			assert.Equal(t, tt.want == KindNetworkOrProvider, xerr.Retryable())
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, []string{"verifier"}, client.verifiers, "verifier placed before the exchange")
		})
	}
}

func TestStarter_RequestPasswordReset(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	repo := pkce.NewRepository(store)
	client := newStub(store)
	s := NewStarter(client, repo, nil)

	require.NoError(t, s.RequestPasswordReset(ctx, "user@example.com", "http://app/reset-password"))
	assert.Equal(t, []string{"user@example.com"}, client.resetEmails)

	info, ok, err := repo.LoadResetInfo(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "http://app/reset-password", info.RedirectURL)
	assert.Equal(t, pkce.VerifierLength, info.VerifierLength)

	v, ok := repo.ResolveVerifier(ctx)
	require.True(t, ok)
	assert.Equal(t, info.FullVerifier, v)
	providerKey, err := store.Get(ctx, pkce.KeyProviderDefault)
	require.NoError(t, err)
	assert.Equal(t, v, providerKey)
	assert.True(t, repo.ResetFlags(ctx).Active())

	// The emailed link completes on a later load.
	out := NewMachine(client, repo).Run(ctx, mustURL(t, "http://app/reset-password?code=XYZ&type=recovery"))
	assert.Equal(t, StateAuthenticated, out.State)
	assert.Equal(t, []string{v}, client.verifiers)
}

func TestStarter_RequestPasswordResetFailureClearsFlags(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	repo := pkce.NewRepository(store)
	client := newStub(store)
	client.resetErr = &provider.Error{Status: 429, Message: "email rate limit exceeded"}

	err := NewStarter(client, repo, nil).RequestPasswordReset(ctx, "user@example.com", "")
	require.Error(t, err)
	assert.False(t, repo.ResetFlags(ctx).Requested)
}

func TestStarter_SignUpSupersedesReset(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	repo := pkce.NewRepository(store)
	client := newStub(store)
	require.NoError(t, repo.BeginReset(ctx, "old@example.com", "", "old"))

	u, sess, err := NewStarter(client, repo, nil).SignUp(ctx, "new@example.com", "pw", "http://app/auth/callback")
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Equal(t, "new@example.com", u.Email)
	assert.False(t, repo.ResetFlags(ctx).Requested)

	v, ok := repo.ResolveVerifier(ctx)
	require.True(t, ok)
	assert.Len(t, v, pkce.VerifierLength)
}

func TestStarter_SignInWithOAuthUsesStoredVerifier(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	repo := pkce.NewRepository(store)
	client := newStub(store)

	authURL, err := NewStarter(client, repo, nil).SignInWithOAuth(ctx, "google", "http://app/auth/callback")
	require.NoError(t, err)
	assert.Contains(t, authURL, "provider=google")

	v, ok := repo.ResolveVerifier(ctx)
	require.True(t, ok)
	assert.Equal(t, v, client.oauthVerifier)
}
