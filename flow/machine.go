package flow

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/palminsight/palminsight/logger"
	"github.com/palminsight/palminsight/pkce"
	"github.com/palminsight/palminsight/provider"
	"github.com/palminsight/palminsight/redirect"
	"go.uber.org/zap"
)

type State int

const (
	StateIdle State = iota
	StateVerifying
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateVerifying:
		return "verifying"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Action is the next step offered to the user after a failure.
type Action int

const (
	ActionNone Action = iota
	ActionRetry
	ActionRequestNewLink
	ActionReturnToLogin
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRetry:
		return "retry"
	case ActionRequestNewLink:
		return "request-new-link"
	case ActionReturnToLogin:
		return "return-to-login"
	}
	return "unknown"
}

// ErrNoCode is the error of a page load with no code and no session.
var ErrNoCode = errors.New("flow: " + redirect.NoCodeMessage)

// RedirectError is a provider error delivered through the redirect URL.
type RedirectError struct {
	Code        string
	Description string
}

func (e *RedirectError) Error() string {
	if e.Description == "" {
		return "flow: provider redirected with error " + e.Code
	}
	return "flow: provider redirected with error " + e.Code + ": " + e.Description
}

// Outcome is the terminal result of one Run.
type Outcome struct {
	State  State
	Intent redirect.Intent
	// Route is where an authenticated flow lands.
	Route string
	// Message is the user-facing failure text.
	Message string
	Action  Action
	// CleanURL is the input URL without auth parameters.
	CleanURL *url.URL
	// RetryURL is set with ActionRetry; it repeats the original request.
	RetryURL *url.URL
	Session  *provider.Session
	Err      error
}

// Routes are the application pages a flow can land on.
type Routes struct {
	Dashboard     string
	ResetPassword string
	Login         string
}

func DefaultRoutes() Routes {
	return Routes{Dashboard: "/dashboard", ResetPassword: "/reset-password", Login: "/login"}
}

// User-facing failure messages.
const (
	MsgVerifierMissing = "We could not find the verification data for this link. Please request a new link."
	MsgLinkInvalid     = "This link is invalid or has already been used. Please request a new link."
	MsgNoSession       = "Sign-in did not complete. Please try again."
	MsgUnavailable     = "The sign-in service could not be reached. Please try again."
)

// Machine runs the redirect state machine for one device. Runs are
// serialized within a Machine, and a code is claimed in device storage
// before it is exchanged, so loads of the same URL exchange it at most once.
// Across processes that holds when the storage is a storage.Claimer (Redis);
// with other stores only one process may serve a device.
type Machine struct {
	mu        sync.Mutex
	state     State
	client    provider.Client
	repo      *pkce.Repository
	exchanger *Exchanger
	routes    Routes
	fallback  bool
	log       *zap.Logger
}

type MachineOption func(*Machine)

// WithFreshVerifierFallback controls what happens when no verifier can be
// found for a code. Enabled, one freshly generated verifier is tried; this
// only works if the provider did not bind the code to a challenge.
// Disabled, the run fails immediately without an exchange.
func WithFreshVerifierFallback(enabled bool) MachineOption {
	return func(m *Machine) { m.fallback = enabled }
}

func WithRoutes(r Routes) MachineOption {
	return func(m *Machine) { m.routes = r }
}

func WithMachineLogger(l *zap.Logger) MachineOption {
	return func(m *Machine) { m.log = l }
}

func NewMachine(client provider.Client, repo *pkce.Repository, opts ...MachineOption) *Machine {
	m := &Machine{
		client:   client,
		repo:     repo,
		routes:   DefaultRoutes(),
		fallback: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logger.OrGlobal(m.log).Named("redirect")
	m.exchanger = NewExchanger(client, repo, m.log)
	return m
}

// State returns the state of the latest run.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run processes one page load of u.
func (m *Machine) Run(ctx context.Context, u *url.URL) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = StateVerifying
	out := m.run(ctx, u)
	m.state = out.State

	fields := []zap.Field{
		zap.Stringer("intent", out.Intent),
		zap.Stringer("state", out.State),
		zap.String("route", out.Route),
		zap.Stringer("action", out.Action),
	}
	if code := redirect.ParseParams(u).Code; code != "" {
		fields = append(fields, zap.String("code_digest", pkce.CodeDigest(code)[:12]))
	}
	if out.Err != nil {
		fields = append(fields, zap.Error(out.Err))
	}
	if out.State == StateFailed {
		m.log.Warn("Redirect flow failed", fields...)
	} else {
		m.log.Info("Redirect flow completed", fields...)
	}
	return out
}

func (m *Machine) run(ctx context.Context, u *url.URL) Outcome {
	p := redirect.ParseParams(u)

	consumed := false
	if p.HasCode() && !p.HasError() {
		var err error
		consumed, err = m.repo.IsConsumed(ctx, p.Code)
		if err != nil {
			m.log.Warn("Cannot read consumed-code history", zap.Error(err))
		}
	}
	return m.resolve(ctx, u, p, consumed)
}

// resolve classifies the load and carries out the decision.
func (m *Machine) resolve(ctx context.Context, u *url.URL, p redirect.Params, consumed bool) Outcome {
	out := Outcome{CleanURL: redirect.StripAuthParams(u)}

	var session *provider.Session
	if !p.HasError() && (!p.HasCode() || consumed) {
		var err error
		session, err = m.client.GetSession(ctx)
		if err != nil {
			m.log.Warn("Session lookup failed", zap.Error(err))
		}
	}

	out.Intent = redirect.Classify(p, consumed, session != nil)
	d := redirect.Decide(out.Intent, p, m.repo.ResetFlags(ctx).Active())

	switch d.Step {
	case redirect.StepLand:
		out.State = StateAuthenticated
		out.Route = m.route(d.Landing)
		out.Session = session
		return out
	case redirect.StepExchange:
		return m.exchange(ctx, u, p, d, out)
	}

	out.State = StateFailed
	out.Message = d.Message
	out.Action = ActionReturnToLogin
	if out.Intent == redirect.IntentError {
		out.Err = &RedirectError{Code: p.Error, Description: p.ErrorDescription}
		if d.Recovery {
			out.Action = ActionRequestNewLink
		}
	} else {
		out.Err = ErrNoCode
	}
	return out
}

func (m *Machine) exchange(ctx context.Context, u *url.URL, p redirect.Params, d redirect.Decision, out Outcome) Outcome {
	fail := func(msg string, err error, action Action) Outcome {
		out.State = StateFailed
		out.Message = msg
		out.Err = err
		out.Action = action
		return out
	}
	restart := ActionReturnToLogin
	if d.Recovery {
		restart = ActionRequestNewLink
	}

	verifier, ok := m.repo.ResolveVerifier(ctx)
	if !ok {
		if !m.fallback {
			return fail(MsgVerifierMissing, pkce.ErrVerifierMissing, restart)
		}
		v, err := pkce.GenerateVerifier()
		if err != nil {
			return fail(MsgUnavailable, err, ActionRetry)
		}
		m.log.Warn("No stored code verifier; trying a fresh one, which cannot match a challenge sent earlier")
		verifier = v
	}

	// Claimed first, so a concurrent or repeated load sees the code as used
	// even if this process dies mid-exchange.
	won, err := m.repo.ClaimCode(ctx, p.Code)
	switch {
	case err != nil:
		m.log.Warn("Cannot record consumed code", zap.Error(err))
	case !won:
		m.log.Info("Code already claimed by another load")
		return m.resolve(ctx, u, p, true)
	}

	s, err := m.exchanger.Exchange(ctx, p.Code, verifier)
	if err != nil {
		var xerr *ExchangeError
		if !errors.As(err, &xerr) {
			return fail(MsgUnavailable, err, ActionRetry)
		}
		switch xerr.Kind {
		case KindNetworkOrProvider:
			if ferr := m.repo.ForgetConsumed(context.WithoutCancel(ctx), p.Code); ferr != nil {
				m.log.Warn("Cannot release code for retry", zap.Error(ferr))
			}
			out.RetryURL = u
			return fail(MsgUnavailable, err, ActionRetry)
		case KindNoSession:
			return fail(MsgNoSession, err, restart)
		}
		if !ok {
			return fail(MsgVerifierMissing, errors.Join(pkce.ErrVerifierMissing, err), restart)
		}
		return fail(MsgLinkInvalid, err, restart)
	}

	if err := m.repo.ClearVerifier(ctx); err != nil {
		m.log.Warn("Cannot clear used verifier", zap.Error(err))
	}
	out.State = StateAuthenticated
	out.Route = m.route(d.Landing)
	out.Session = s
	return out
}

func (m *Machine) route(l redirect.Landing) string {
	if l == redirect.LandResetPassword {
		return m.routes.ResetPassword
	}
	return m.routes.Dashboard
}
