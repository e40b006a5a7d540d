// Package storage provides the durable key/value storage that carries auth
// flow state between page loads: the server-side counterpart of a browser's
// localStorage.
//
// Values are opaque strings. A Store is safe for concurrent use.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Store is a string key/value store.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Claimer is implemented by stores that can write a key only when it is
// absent, atomically for every process sharing the store. ttl is a hint;
// stores without expiry ignore it.
type Claimer interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// SetNX writes value under key only if key is absent and reports whether it
// did. It is atomic when s is a Claimer; otherwise it is a lookup followed
// by a write.
func SetNX(ctx context.Context, s Store, key, value string, ttl time.Duration) (bool, error) {
	if c, ok := s.(Claimer); ok {
		return c.SetNX(ctx, key, value, ttl)
	}
	_, ok, err := Lookup(ctx, s, key)
	if err != nil || ok {
		return false, err
	}
	return true, s.Set(ctx, key, value)
}

// Lookup is Get with absence reported as ok == false instead of an error.
func Lookup(ctx context.Context, s Store, key string) (value string, ok bool, err error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// namespaced prefixes every key with a fixed namespace.
type namespaced struct {
	store  Store
	prefix string
}

// Namespace returns a Store that scopes every key of s under ns.
// It is used to give each device its own key space in a shared backend.
func Namespace(s Store, ns string) Store {
	ns = strings.TrimSuffix(ns, ":")
	return &namespaced{store: s, prefix: ns + ":"}
}

func (n *namespaced) Get(ctx context.Context, key string) (string, error) {
	return n.store.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key, value string) error {
	return n.store.Set(ctx, n.prefix+key, value)
}

func (n *namespaced) Delete(ctx context.Context, key string) error {
	return n.store.Delete(ctx, n.prefix+key)
}

func (n *namespaced) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return SetNX(ctx, n.store, n.prefix+key, value, ttl)
}
