package pkce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/palminsight/palminsight/storage"
)

// ResetInfo is the record written when a password reset email is requested.
// The JSON layout is shared with the browser app and must not change.
type ResetInfo struct {
	Email          string `json:"email"`
	Timestamp      int64  `json:"timestamp"` // unix millis
	FullVerifier   string `json:"fullVerifier"`
	RedirectURL    string `json:"redirectUrl"`
	VerifierLength int    `json:"verifierLength"`
}

// ResetFlags are the loose reset-flow flags read across page loads.
type ResetFlags struct {
	Requested   bool
	Email       string
	RequestedAt time.Time
	// Stale is set when the request is older than the reset TTL.
	Stale bool
}

// Active reports whether a fresh reset request is pending.
func (f ResetFlags) Active() bool {
	return f.Requested && !f.Stale
}

// BeginReset records a password reset request for email. verifier should
// already have been stored with StoreVerifier.
func (r *Repository) BeginReset(ctx context.Context, email, redirectURL, verifier string) error {
	now := r.now()
	info := &ResetInfo{
		Email:          email,
		Timestamp:      now.UnixMilli(),
		FullVerifier:   verifier,
		RedirectURL:    redirectURL,
		VerifierLength: len(verifier),
	}
	if err := r.saveResetInfo(ctx, info); err != nil {
		return err
	}
	for key, value := range map[string]string{
		KeyResetRequested: "true",
		KeyResetTimestamp: strconv.FormatInt(now.UnixMilli(), 10),
		KeyResetEmail:     email,
	} {
		if err := r.store.Set(ctx, key, value); err != nil {
			return fmt.Errorf("pkce: set %s: %w", key, err)
		}
	}
	return nil
}

// LoadResetInfo returns the reset record, if any.
func (r *Repository) LoadResetInfo(ctx context.Context) (*ResetInfo, bool, error) {
	raw, ok, err := storage.Lookup(ctx, r.store, KeyResetInfo)
	if err != nil || !ok {
		return nil, false, err
	}
	var info ResetInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, false, fmt.Errorf("pkce: decode %s: %w", KeyResetInfo, err)
	}
	return &info, true, nil
}

func (r *Repository) saveResetInfo(ctx context.Context, info *ResetInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, KeyResetInfo, string(b)); err != nil {
		return fmt.Errorf("pkce: set %s: %w", KeyResetInfo, err)
	}
	return nil
}

// ResetFlags reads the reset-flow flags. Unreadable values count as unset.
func (r *Repository) ResetFlags(ctx context.Context) ResetFlags {
	var f ResetFlags
	if v, ok, _ := storage.Lookup(ctx, r.store, KeyResetRequested); ok {
		f.Requested = v == "true"
	}
	if !f.Requested {
		return f
	}
	f.Email, _, _ = storage.Lookup(ctx, r.store, KeyResetEmail)
	if v, ok, _ := storage.Lookup(ctx, r.store, KeyResetTimestamp); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.RequestedAt = time.UnixMilli(ms)
		}
	}
	if r.resetTTL > 0 && !f.RequestedAt.IsZero() && r.now().Sub(f.RequestedAt) > r.resetTTL {
		f.Stale = true
	}
	return f
}

// ClearReset removes the reset record and flags.
func (r *Repository) ClearReset(ctx context.Context) error {
	var errs []error
	for _, key := range []string{KeyResetInfo, KeyResetRequested, KeyResetTimestamp, KeyResetEmail} {
		if err := r.store.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
