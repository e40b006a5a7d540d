// Package flow drives the PKCE authorization flows: starting them, and
// completing them when the provider redirects back with a code.
package flow

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/palminsight/palminsight/logger"
	"github.com/palminsight/palminsight/pkce"
	"github.com/palminsight/palminsight/provider"
	"go.uber.org/zap"
)

// ErrorKind classifies a failed code exchange.
type ErrorKind int

const (
	// KindVerifierMismatch: the provider rejected the verifier, or the code
	// is unknown or already used. Only a new authorization flow helps.
	KindVerifierMismatch ErrorKind = iota + 1
	// KindNoSession: the provider answered but no usable session came of
	// it. The code is spent.
	KindNoSession
	// KindNetworkOrProvider: transport failure or provider outage. Only
	// this kind may be retried with the same code.
	KindNetworkOrProvider
)

func (k ErrorKind) String() string {
	switch k {
	case KindVerifierMismatch:
		return "verifier-mismatch"
	case KindNoSession:
		return "no-session"
	case KindNetworkOrProvider:
		return "network-or-provider"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ExchangeError is returned by Exchanger.Exchange.
type ExchangeError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExchangeError) Error() string {
	if e.Err == nil {
		return "flow: exchange failed: " + e.Kind.String()
	}
	return fmt.Sprintf("flow: exchange failed (%s): %v", e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Retryable reports whether the same code may be exchanged again.
func (e *ExchangeError) Retryable() bool {
	return e.Kind == KindNetworkOrProvider
}

// Exchanger exchanges authorization codes for sessions.
type Exchanger struct {
	client provider.Client
	repo   *pkce.Repository
	log    *zap.Logger
}

func NewExchanger(client provider.Client, repo *pkce.Repository, log *zap.Logger) *Exchanger {
	return &Exchanger{client: client, repo: repo, log: logger.OrGlobal(log).Named("exchange")}
}

// Exchange places verifier where the provider client reads it, then
// exchanges code. Every failure is an *ExchangeError.
func (x *Exchanger) Exchange(ctx context.Context, code, verifier string) (*provider.Session, error) {
	// The code has not left this process yet, so a retry can still use it.
	if err := x.repo.StoreVerifier(ctx, verifier); err != nil {
		return nil, &ExchangeError{Kind: KindNetworkOrProvider, Err: err}
	}
	s, err := x.client.ExchangeCodeForSession(ctx, code)
	if err != nil {
		kind := classify(err)
		x.log.Warn("Code exchange failed", zap.Stringer("kind", kind), zap.Error(err))
		return nil, &ExchangeError{Kind: kind, Err: err}
	}
	if s == nil || s.AccessToken == "" {
		return nil, &ExchangeError{Kind: KindNoSession, Err: provider.ErrNoSession}
	}
	return s, nil
}

// classify maps an exchange error to its kind. Only transport failures and
// temporary provider errors are retryable; an error raised after the
// provider answered (decoding, token verification, saving the session)
// means the code is spent.
func classify(err error) ErrorKind {
	var (
		perr *provider.Error
		nerr net.Error // includes *url.Error
	)
	switch {
	case errors.Is(err, provider.ErrVerifierNotFound):
		return KindVerifierMismatch
	case errors.Is(err, provider.ErrNoSession):
		return KindNoSession
	case errors.As(err, &perr):
		if perr.Temporary() {
			return KindNetworkOrProvider
		}
		return KindVerifierMismatch
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.As(err, &nerr):
		return KindNetworkOrProvider
	}
	return KindNoSession
}
