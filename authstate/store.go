// Package authstate holds the observable auth state of a device.
package authstate

import (
	"context"
	"sync"

	"github.com/palminsight/palminsight/flow"
	"github.com/palminsight/palminsight/logger"
	"github.com/palminsight/palminsight/pkce"
	"github.com/palminsight/palminsight/provider"
	"go.uber.org/zap"
)

// State is what UI code renders from. While IsLoading is true nothing
// conclusive is known and a consumer must not redirect to login.
type State struct {
	User            *provider.User `json:"user"`
	IsLoading       bool           `json:"isLoading"`
	IsAuthenticated bool           `json:"isAuthenticated"`
}

func sameState(a, b State) bool {
	if a.IsLoading != b.IsLoading || a.IsAuthenticated != b.IsAuthenticated {
		return false
	}
	if a.User == nil || b.User == nil {
		return a.User == b.User
	}
	return a.User.ID == b.User.ID && a.User.Email == b.User.Email
}

func signedIn(u *provider.User) State {
	return State{User: u, IsAuthenticated: true}
}

// Store owns the State of one device. Mutations come from the provider
// client's auth events and from explicit calls; after each change every
// subscriber is called synchronously, in subscription order, outside the
// lock.
type Store struct {
	client  provider.Client
	repo    *pkce.Repository
	starter *flow.Starter
	log     *zap.Logger

	mu     sync.Mutex
	state  State
	gen    uint64
	nextID int
	subs   []subscriber

	stopEvents func()
}

type subscriber struct {
	id int
	fn func(State)
}

// NewStore returns a store in the loading state, listening to client.
func NewStore(client provider.Client, repo *pkce.Repository, log *zap.Logger) *Store {
	log = logger.OrGlobal(log).Named("authstate")
	s := &Store{
		client:  client,
		repo:    repo,
		starter: flow.NewStarter(client, repo, log),
		log:     log,
		state:   State{IsLoading: true},
	}
	s.stopEvents = client.OnAuthStateChange(s.onProviderEvent)
	return s
}

// Close detaches the store from its provider client.
func (s *Store) Close() {
	s.stopEvents()
}

func (s *Store) onProviderEvent(event provider.Event, sess *provider.Session) {
	s.log.Debug("Auth event", zap.String("event", string(event)))
	switch event {
	case provider.EventSignedOut:
		s.set(State{})
	default:
		if sess != nil {
			s.set(signedIn(sess.User))
		}
	}
}

// Subscribe registers fn for state changes.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribers returns the number of active subscribers.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// set replaces the state and notifies subscribers if it changed.
func (s *Store) set(next State) {
	s.mu.Lock()
	s.gen++
	if sameState(s.state, next) {
		s.mu.Unlock()
		return
	}
	s.state = next
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(next)
	}
}

// CheckSession resolves the loading state from the provider's stored
// session. A result that arrives after ctx is done, or after another
// mutation, is dropped.
func (s *Store) CheckSession(ctx context.Context) (State, error) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	sess, err := s.client.GetSession(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return s.State(), ctxErr
	}

	next := State{}
	if err == nil && sess != nil {
		next = signedIn(sess.User)
	}
	if err != nil {
		s.log.Warn("Session check failed", zap.Error(err))
	}

	s.mu.Lock()
	stale := s.gen != gen
	s.mu.Unlock()
	if stale {
		return s.State(), err
	}
	s.set(next)
	return next, err
}

func (s *Store) SignIn(ctx context.Context, email, password string) (State, error) {
	sess, err := s.client.SignInWithPassword(ctx, email, password)
	if err != nil {
		return s.State(), err
	}
	s.set(signedIn(sess.User))
	return s.State(), nil
}

// SignUp registers a user. Without a session the user must confirm their
// email first, and the state stays signed out.
func (s *Store) SignUp(ctx context.Context, email, password, redirectTo string) (*provider.User, error) {
	u, sess, err := s.starter.SignUp(ctx, email, password, redirectTo)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		s.set(signedIn(sess.User))
	}
	return u, nil
}

func (s *Store) SignOut(ctx context.Context) error {
	if err := s.client.SignOut(ctx); err != nil {
		return err
	}
	s.set(State{})
	return nil
}

// UpdatePassword sets a new password for the signed-in user and ends any
// pending reset flow.
func (s *Store) UpdatePassword(ctx context.Context, password string) (State, error) {
	u, err := s.client.UpdateUser(ctx, password)
	if err != nil {
		return s.State(), err
	}
	if err := s.repo.ClearReset(ctx); err != nil {
		s.log.Warn("Cannot clear reset flow", zap.Error(err))
	}
	s.set(signedIn(u))
	return s.State(), nil
}

func (s *Store) RefreshSession(ctx context.Context) (State, error) {
	sess, err := s.client.RefreshSession(ctx)
	if err != nil {
		return s.State(), err
	}
	s.set(signedIn(sess.User))
	return s.State(), nil
}

func (s *Store) RequestPasswordReset(ctx context.Context, email, redirectTo string) error {
	return s.starter.RequestPasswordReset(ctx, email, redirectTo)
}

func (s *Store) SignInWithOAuth(ctx context.Context, name, redirectTo string) (string, error) {
	return s.starter.SignInWithOAuth(ctx, name, redirectTo)
}
