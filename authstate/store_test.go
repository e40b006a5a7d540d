package authstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/palminsight/palminsight/pkce"
	"github.com/palminsight/palminsight/provider"
	"github.com/palminsight/palminsight/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient emits events the way real provider clients do.
type fakeClient struct {
	events provider.Emitter

	mu      sync.Mutex
	session *provider.Session
	// block, when set, makes GetSession wait for it (or ctx).
	block chan struct{}
}

func (c *fakeClient) current() *provider.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *fakeClient) GetSession(ctx context.Context) (*provider.Session, error) {
	s := c.current()
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s, nil
}

func (c *fakeClient) SignInWithPassword(_ context.Context, email, _ string) (*provider.Session, error) {
	s := &provider.Session{AccessToken: "at", User: &provider.User{ID: "u1", Email: email}}
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	c.events.Emit(provider.EventSignedIn, s)
	return s, nil
}

func (c *fakeClient) SignUp(_ context.Context, email, _, _ string) (*provider.User, *provider.Session, error) {
	return &provider.User{ID: "u2", Email: email}, nil, nil
}

func (c *fakeClient) SignOut(context.Context) error {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	c.events.Emit(provider.EventSignedOut, nil)
	return nil
}

func (c *fakeClient) ResetPasswordForEmail(context.Context, string, string) error { return nil }

func (c *fakeClient) ExchangeCodeForSession(context.Context, string) (*provider.Session, error) {
	return nil, provider.ErrUnsupported
}

func (c *fakeClient) RefreshSession(context.Context) (*provider.Session, error) {
	s := c.current()
	if s == nil {
		return nil, provider.ErrNotSignedIn
	}
	c.events.Emit(provider.EventTokenRefreshed, s)
	return s, nil
}

func (c *fakeClient) UpdateUser(context.Context, string) (*provider.User, error) {
	s := c.current()
	if s == nil {
		return nil, provider.ErrNotSignedIn
	}
	c.events.Emit(provider.EventUserUpdated, s)
	return s.User, nil
}

func (c *fakeClient) SignInWithOAuth(context.Context, string, string) (string, error) {
	return "https://idp.example.com/authorize", nil
}

func (c *fakeClient) OnAuthStateChange(l provider.Listener) func() {
	return c.events.Subscribe(l)
}

func newTestStore(t *testing.T) (*Store, *fakeClient, *pkce.Repository) {
	t.Helper()
	client := &fakeClient{}
	repo := pkce.NewRepository(storage.NewMemory())
	s := NewStore(client, repo, nil)
	t.Cleanup(s.Close)
	return s, client, repo
}

func record(s *Store) *[]State {
	var got []State
	s.Subscribe(func(st State) { got = append(got, st) })
	return &got
}

func TestStore_LoadingUntilFirstCheck(t *testing.T) {
	s, _, _ := newTestStore(t)
	got := record(s)

	assert.True(t, s.State().IsLoading)

	st, err := s.CheckSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, State{}, st)
	assert.Equal(t, []State{{}}, *got)
}

func TestStore_CheckSessionFindsSession(t *testing.T) {
	s, client, _ := newTestStore(t)
	client.session = &provider.Session{AccessToken: "at", User: &provider.User{ID: "u1"}}

	st, err := s.CheckSession(context.Background())
	require.NoError(t, err)
	assert.True(t, st.IsAuthenticated)
	assert.False(t, st.IsLoading)
	assert.Equal(t, "u1", st.User.ID)
}

func TestStore_SignInNotifiesOnce(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, _ = s.CheckSession(context.Background())
	got := record(s)

	st, err := s.SignIn(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	assert.True(t, st.IsAuthenticated)
	require.Len(t, *got, 1, "the provider event and the explicit call describe one change")
	assert.Equal(t, "a@b.c", (*got)[0].User.Email)

	require.NoError(t, s.SignOut(context.Background()))
	assert.Len(t, *got, 2)
	assert.False(t, s.State().IsAuthenticated)
	assert.Nil(t, s.State().User)
}

func TestStore_SubscribersInOrder(t *testing.T) {
	s, client, _ := newTestStore(t)
	var order []string
	unsubA := s.Subscribe(func(State) { order = append(order, "a") })
	s.Subscribe(func(State) { order = append(order, "b") })

	client.events.Emit(provider.EventPasswordRecovery, &provider.Session{User: &provider.User{ID: "u1"}})
	unsubA()
	client.events.Emit(provider.EventSignedOut, nil)

	assert.Equal(t, []string{"a", "b", "b"}, order)
	assert.Equal(t, 1, s.Subscribers())
}

func TestStore_SubscriberMayReadState(t *testing.T) {
	s, client, _ := newTestStore(t)
	var seen State
	s.Subscribe(func(State) { seen = s.State() })

	client.events.Emit(provider.EventSignedIn, &provider.Session{User: &provider.User{ID: "u1"}})
	assert.True(t, seen.IsAuthenticated)
}

func TestStore_CancelledCheckIsDropped(t *testing.T) {
	s, client, _ := newTestStore(t)
	client.block = make(chan struct{})
	got := record(s)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.CheckSession(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, s.State().IsLoading)
	assert.Empty(t, *got)
}

func TestStore_OvertakenCheckIsDropped(t *testing.T) {
	s, client, _ := newTestStore(t)
	client.block = make(chan struct{})

	done := make(chan State)
	go func() {
		st, _ := s.CheckSession(context.Background())
		done <- st
	}()

	// Give CheckSession time to snapshot the generation and block.
	time.Sleep(20 * time.Millisecond)
	_, err := s.SignIn(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	close(client.block)

	st := <-done
	assert.True(t, st.IsAuthenticated, "a late check must not overwrite the sign in")
	assert.True(t, s.State().IsAuthenticated)
}

func TestStore_UpdatePasswordClearsReset(t *testing.T) {
	s, _, repo := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, repo.BeginReset(ctx, "a@b.c", "http://app/reset-password", "v"))
	_, err := s.SignIn(ctx, "a@b.c", "old")
	require.NoError(t, err)

	st, err := s.UpdatePassword(ctx, "new")
	require.NoError(t, err)
	assert.True(t, st.IsAuthenticated)
	assert.False(t, repo.ResetFlags(ctx).Requested)
	_, ok, _ := repo.LoadResetInfo(ctx)
	assert.False(t, ok)
}

func TestStore_UpdatePasswordSignedOut(t *testing.T) {
	s, _, repo := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, repo.BeginReset(ctx, "a@b.c", "", "v"))

	_, err := s.UpdatePassword(ctx, "new")
	assert.ErrorIs(t, err, provider.ErrNotSignedIn)
	assert.True(t, repo.ResetFlags(ctx).Requested, "a failed update keeps the reset flow")
}

func TestStore_SignUpPendingConfirmation(t *testing.T) {
	s, _, repo := newTestStore(t)
	ctx := context.Background()
	_, _ = s.CheckSession(ctx)

	u, err := s.SignUp(ctx, "new@example.com", "pw", "http://app/auth/callback")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", u.Email)
	assert.False(t, s.State().IsAuthenticated)

	_, ok := repo.ResolveVerifier(ctx)
	assert.True(t, ok, "sign up stores a verifier for the confirmation link")
}

func TestStore_RefreshSession(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.RefreshSession(ctx)
	assert.ErrorIs(t, err, provider.ErrNotSignedIn)

	_, err = s.SignIn(ctx, "a@b.c", "pw")
	require.NoError(t, err)
	st, err := s.RefreshSession(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsAuthenticated)
}

func TestStore_CloseStopsEvents(t *testing.T) {
	client := &fakeClient{}
	s := NewStore(client, pkce.NewRepository(storage.NewMemory()), nil)
	got := record(s)
	s.Close()

	client.events.Emit(provider.EventSignedIn, &provider.Session{User: &provider.User{ID: "u1"}})
	assert.Empty(t, *got)
}
