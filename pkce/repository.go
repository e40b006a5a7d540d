package pkce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/palminsight/palminsight/logger"
	"github.com/palminsight/palminsight/storage"
	"go.uber.org/zap"
)

var (
	// ErrStoreVerifier is returned when a verifier could not be written to
	// every critical key. Keys already written have been rolled back.
	ErrStoreVerifier = errors.New("pkce: store verifier")

	// ErrVerifierMissing means no verifier could be found for a code exchange.
	// Recovery requires starting a new authorization flow.
	ErrVerifierMissing = errors.New("pkce: no code verifier found")
)

const defaultCodeHistory = 20

// claimTTL bounds how long a code claim outlives its history entry in stores
// with expiry. Providers expire codes within minutes.
const claimTTL = 24 * time.Hour

// Repository is the single owner of every verifier and reset-flow key.
// Writes fan out to all keys through StoreVerifier; reads go through
// ReadCandidates and ResolveVerifier in a fixed priority order.
type Repository struct {
	store       storage.Store
	log         *zap.Logger
	now         func() time.Time
	codeHistory int
	resetTTL    time.Duration
}

type RepositoryOption func(*Repository)

func WithLogger(l *zap.Logger) RepositoryOption {
	return func(r *Repository) { r.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) { r.now = now }
}

// WithCodeHistory bounds how many consumed code digests are remembered.
func WithCodeHistory(n int) RepositoryOption {
	return func(r *Repository) {
		if n > 0 {
			r.codeHistory = n
		}
	}
}

// WithResetTTL sets how long the reset-requested flag stays fresh.
func WithResetTTL(d time.Duration) RepositoryOption {
	return func(r *Repository) { r.resetTTL = d }
}

func NewRepository(s storage.Store, opts ...RepositoryOption) *Repository {
	r := &Repository{
		store:       s,
		now:         time.Now,
		codeHistory: defaultCodeHistory,
		resetTTL:    time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logger.OrGlobal(r.log).Named("pkce")
	return r
}

// Store returns the underlying storage.
func (r *Repository) Store() storage.Store {
	return r.store
}

// criticalKeys are written by StoreVerifier in this order.
var criticalKeys = []string{KeyPrimary, KeyLastUsed, KeyProviderDefault}

// StoreVerifier writes v to every verifier key. Either all critical keys end
// up holding v, or an error wrapping ErrStoreVerifier is returned and the
// keys hold their previous values again. The embedded verifier of an
// existing reset record is updated too; failing that is only logged.
func (r *Repository) StoreVerifier(ctx context.Context, v string) error {
	if v == "" {
		return fmt.Errorf("%w: empty verifier", ErrStoreVerifier)
	}

	var written []priorValue

	for _, key := range criticalKeys {
		old, ok, err := storage.Lookup(ctx, r.store, key)
		if err == nil {
			err = r.store.Set(ctx, key, v)
		}
		if err != nil {
			r.rollback(ctx, written)
			return fmt.Errorf("%w: %s: %v", ErrStoreVerifier, key, err)
		}
		written = append(written, priorValue{key: key, value: old, present: ok})
	}

	if err := r.updateResetVerifier(ctx, v); err != nil {
		r.log.Warn("Failed to update verifier in reset record", zap.Error(err))
	}
	r.log.Debug("Stored code verifier", zap.Int("length", len(v)))
	return nil
}

// priorValue is what a key held before StoreVerifier overwrote it.
type priorValue struct {
	key     string
	value   string
	present bool
}

func (r *Repository) rollback(ctx context.Context, written []priorValue) {
	// The request context may be what failed; rollback must still run.
	ctx = context.WithoutCancel(ctx)
	for i := len(written) - 1; i >= 0; i-- {
		p := written[i]
		var err error
		if p.present {
			err = r.store.Set(ctx, p.key, p.value)
		} else {
			err = r.store.Delete(ctx, p.key)
		}
		if err != nil {
			r.log.Error("Failed to roll back verifier key", zap.String("key", p.key), zap.Error(err))
		}
	}
}

func (r *Repository) updateResetVerifier(ctx context.Context, v string) error {
	info, ok, err := r.LoadResetInfo(ctx)
	if err != nil || !ok {
		return err
	}
	info.FullVerifier = v
	info.VerifierLength = len(v)
	return r.saveResetInfo(ctx, info)
}

// Candidate is one place a verifier may have been persisted.
type Candidate struct {
	Source  Source
	Value   string
	Present bool
}

// ReadCandidates returns every verifier source in resolution priority order.
// Empty values and unreadable sources are reported as absent.
func (r *Repository) ReadCandidates(ctx context.Context) []Candidate {
	candidates := []Candidate{
		r.readKey(ctx, SourceLastUsed, KeyLastUsed),
		r.readResetCandidate(ctx),
		r.readKey(ctx, SourcePrimary, KeyPrimary),
		r.readKey(ctx, SourceProviderDefault, KeyProviderDefault),
	}
	return candidates
}

func (r *Repository) readKey(ctx context.Context, src Source, key string) Candidate {
	v, ok, err := storage.Lookup(ctx, r.store, key)
	if err != nil {
		r.log.Warn("Failed to read verifier key", zap.String("key", key), zap.Error(err))
		return Candidate{Source: src}
	}
	return Candidate{Source: src, Value: v, Present: ok && v != ""}
}

func (r *Repository) readResetCandidate(ctx context.Context) Candidate {
	info, ok, err := r.LoadResetInfo(ctx)
	if err != nil {
		r.log.Warn("Skipping unreadable reset record", zap.Error(err))
		return Candidate{Source: SourceResetInfo}
	}
	if !ok {
		return Candidate{Source: SourceResetInfo}
	}
	return Candidate{Source: SourceResetInfo, Value: info.FullVerifier, Present: info.FullVerifier != ""}
}

// ResolveVerifier returns the first present candidate: last-used, then the
// reset record, then the primary key, then the provider default key.
//
// Absence is not an error. A caller may generate a fresh verifier as a last
// resort, but that can only succeed if the provider never bound the code to
// a challenge: a new verifier cannot match a challenge sent earlier.
func (r *Repository) ResolveVerifier(ctx context.Context) (string, bool) {
	for _, c := range r.ReadCandidates(ctx) {
		if c.Present {
			r.log.Debug("Resolved code verifier", zap.Stringer("source", c.Source))
			return c.Value, true
		}
	}
	return "", false
}

// EnsureVerifier returns the resolvable verifier, or generates and stores a
// new one when there is none. created reports which happened.
func (r *Repository) EnsureVerifier(ctx context.Context) (v string, created bool, err error) {
	if v, ok := r.ResolveVerifier(ctx); ok {
		return v, false, nil
	}
	v, err = GenerateVerifier()
	if err != nil {
		return "", false, err
	}
	if err := r.StoreVerifier(ctx, v); err != nil {
		return "", false, err
	}
	return v, true, nil
}

// ClearVerifier removes the verifier once a code has been exchanged: the
// plain keys, and the copy embedded in the reset record. The rest of the
// reset record is left to ClearReset.
func (r *Repository) ClearVerifier(ctx context.Context) error {
	var errs []error
	for _, key := range criticalKeys {
		if err := r.store.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	info, ok, err := r.LoadResetInfo(ctx)
	switch {
	case err != nil:
		errs = append(errs, err)
	case ok && info.FullVerifier != "":
		info.FullVerifier = ""
		if err := r.saveResetInfo(ctx, info); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CodeDigest is the form in which authorization codes are remembered.
func CodeDigest(code string) string {
	s := sha256.Sum256([]byte(code))
	return hex.EncodeToString(s[:])
}

// IsConsumed reports whether code was already handed to an exchange.
func (r *Repository) IsConsumed(ctx context.Context, code string) (bool, error) {
	d := CodeDigest(code)
	if _, ok, err := storage.Lookup(ctx, r.store, KeyConsumedPrefix+d); err != nil || ok {
		return ok, err
	}
	digests, err := r.consumedDigests(ctx)
	if err != nil {
		return false, err
	}
	for _, have := range digests {
		if have == d {
			return true, nil
		}
	}
	return false, nil
}

// ClaimCode marks code as handed to an exchange and reports whether this
// caller won it. It reports false when an earlier or concurrent load already
// claimed the code, in this process or, with a Claimer store such as Redis,
// in any process sharing the store. On error the claim state is unknown.
func (r *Repository) ClaimCode(ctx context.Context, code string) (bool, error) {
	ok, err := storage.SetNX(ctx, r.store, KeyConsumedPrefix+CodeDigest(code), "1", claimTTL)
	if err != nil || !ok {
		return false, err
	}
	return true, r.MarkConsumed(ctx, code)
}

// MarkConsumed records code as used. The oldest digests, and their claims,
// are dropped once the history is full.
func (r *Repository) MarkConsumed(ctx context.Context, code string) error {
	digests, err := r.consumedDigests(ctx)
	if err != nil {
		// A corrupt history must not block new exchanges; start over.
		r.log.Warn("Resetting unreadable consumed-code history", zap.Error(err))
		digests = nil
	}
	digests = append(digests, CodeDigest(code))
	if n := len(digests) - r.codeHistory; n > 0 {
		for _, d := range digests[:n] {
			if err := r.store.Delete(ctx, KeyConsumedPrefix+d); err != nil {
				r.log.Warn("Cannot drop old code claim", zap.Error(err))
			}
		}
		digests = digests[n:]
	}
	b, err := json.Marshal(digests)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, KeyConsumedCodes, string(b))
}

func (r *Repository) consumedDigests(ctx context.Context) ([]string, error) {
	raw, ok, err := storage.Lookup(ctx, r.store, KeyConsumedCodes)
	if err != nil || !ok {
		return nil, err
	}
	var digests []string
	if err := json.Unmarshal([]byte(raw), &digests); err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyConsumedCodes, err)
	}
	return digests, nil
}

// ForgetConsumed removes code from the history, so that an exchange that
// never reached the provider can be retried with the same link.
func (r *Repository) ForgetConsumed(ctx context.Context, code string) error {
	d := CodeDigest(code)
	if err := r.store.Delete(ctx, KeyConsumedPrefix+d); err != nil {
		return err
	}
	digests, err := r.consumedDigests(ctx)
	if err != nil {
		return err
	}
	kept := digests[:0]
	for _, have := range digests {
		if have != d {
			kept = append(kept, have)
		}
	}
	b, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, KeyConsumedCodes, string(b))
}
