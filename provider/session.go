package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/palminsight/palminsight/pkce"
	"github.com/palminsight/palminsight/storage"
)

// KeySession is where a provider client keeps its session.
const KeySession = "supabase.auth.token"

// SessionStore persists a Session as JSON in device storage.
type SessionStore struct {
	store storage.Store
}

func NewSessionStore(s storage.Store) *SessionStore {
	return &SessionStore{store: s}
}

// Load returns the stored session, or nil if there is none.
func (s *SessionStore) Load(ctx context.Context) (*Session, error) {
	raw, ok, err := storage.Lookup(ctx, s.store, KeySession)
	if err != nil || !ok {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("provider: decode session: %w", err)
	}
	return &sess, nil
}

func (s *SessionStore) Save(ctx context.Context, sess *Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, KeySession, string(b))
}

func (s *SessionStore) Clear(ctx context.Context) error {
	return s.store.Delete(ctx, KeySession)
}

// FlowVerifier returns the verifier to send the challenge of, reusing the
// one stored under the provider key or storing a new one.
func FlowVerifier(ctx context.Context, s storage.Store) (string, error) {
	v, ok, err := storage.Lookup(ctx, s, pkce.KeyProviderDefault)
	if err != nil {
		return "", err
	}
	if ok && v != "" {
		return v, nil
	}
	v, err = pkce.GenerateVerifier()
	if err != nil {
		return "", err
	}
	if err := s.Set(ctx, pkce.KeyProviderDefault, v); err != nil {
		return "", err
	}
	return v, nil
}

// ExchangeVerifier reads the verifier an exchange must present.
func ExchangeVerifier(ctx context.Context, s storage.Store) (string, error) {
	v, ok, err := storage.Lookup(ctx, s, pkce.KeyProviderDefault)
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return "", ErrVerifierNotFound
	}
	return v, nil
}
