// Package auth is the HTTP surface of the gateway: form posts, the
// callback, the JSON state and event stream, JSON-RPC, and the processor
// that finishes redirect flows on application pages.
package auth

import (
	"context"
	"errors"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/palminsight/palminsight/authstate"
	"github.com/palminsight/palminsight/endpoint"
	"github.com/palminsight/palminsight/flow"
	"github.com/palminsight/palminsight/jsonrpc"
	"github.com/palminsight/palminsight/logger"
	"github.com/palminsight/palminsight/middleware"
	"github.com/palminsight/palminsight/provider"
	"go.uber.org/zap"
)

// DefaultBasePath is where the handler is mounted unless configured.
const DefaultBasePath = "/auth"

// minPasswordLength matches the provider's default policy.
const minPasswordLength = 6

// Handler serves every auth route under its base path.
type Handler struct {
	hub        *authstate.Hub
	mux        *http.ServeMux
	basePath   string
	publicURL  string
	routes     flow.Routes
	processors []endpoint.Processor
	pages      *template.Template
	rpc        *jsonrpc.Server
	heartbeat  time.Duration
	checkWait  time.Duration
	log        *zap.Logger

	oauthProviders []string
}

type Option func(*Handler)

func WithBasePath(p string) Option {
	return func(h *Handler) { h.basePath = "/" + strings.Trim(p, "/") }
}

// WithPublicURL sets the external origin used to build redirect targets
// handed to the provider.
func WithPublicURL(u string) Option {
	return func(h *Handler) { h.publicURL = strings.TrimRight(u, "/") }
}

func WithRoutes(r flow.Routes) Option {
	return func(h *Handler) { h.routes = r }
}

// WithProcessors appends processors run after the device processor.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) { h.processors = append(h.processors, p...) }
}

// WithHeartbeat sets the keep-alive interval of the event stream.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) { h.heartbeat = d }
}

// WithOAuthProviders lists the providers offered on the login page.
func WithOAuthProviders(names ...string) Option {
	return func(h *Handler) { h.oauthProviders = names }
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// NewHandler builds the handler. devices assigns the device ID every route
// resolves against hub.
func NewHandler(hub *authstate.Hub, devices *middleware.DeviceProcessor, opts ...Option) (*Handler, error) {
	h := &Handler{
		hub:       hub,
		mux:       http.NewServeMux(),
		basePath:  DefaultBasePath,
		publicURL: "http://localhost:8080",
		routes:    flow.DefaultRoutes(),
		heartbeat: 25 * time.Second,
		checkWait: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logger.OrGlobal(h.log).Named("auth")
	h.processors = append([]endpoint.Processor{middleware.NewAuthHeadersProcessor(), devices}, h.processors...)

	pages, err := parsePages()
	if err != nil {
		return nil, err
	}
	h.pages = pages

	h.rpc = jsonrpc.NewServer(jsonrpc.WithErrorMapper(rpcError), jsonrpc.WithLogger(h.log))
	h.rpc.Register("auth", &rpcMethods{h: h})

	b := h.basePath
	h.mux.HandleFunc("GET "+path.Join(b, "callback"), endpoint.HandleFunc(h.callback, h.processors...))
	h.mux.HandleFunc("POST "+path.Join(b, "login"), endpoint.HandleFunc(h.login, h.processors...))
	h.mux.HandleFunc("POST "+path.Join(b, "signup"), endpoint.HandleFunc(h.signup, h.processors...))
	h.mux.HandleFunc("POST "+path.Join(b, "logout"), endpoint.HandleFunc(h.logout, h.processors...))
	h.mux.HandleFunc("POST "+path.Join(b, "reset-password"), endpoint.HandleFunc(h.resetPassword, h.processors...))
	h.mux.HandleFunc("POST "+path.Join(b, "update-password"), endpoint.HandleFunc(h.updatePassword, h.processors...))
	h.mux.HandleFunc("GET "+path.Join(b, "oauth", "{provider}"), endpoint.HandleFunc(h.oauth, h.processors...))
	h.mux.HandleFunc("GET "+path.Join(b, "state"), endpoint.HandleFunc(h.state, h.processors...))
	h.mux.HandleFunc("GET "+path.Join(b, "events"), endpoint.HandleFunc(h.events, h.processors...))
	h.mux.HandleFunc("POST "+path.Join(b, "rpc"), endpoint.HandleFunc(h.rpc.Endpoint, h.processors...))
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// BasePath is the mount point of the handler.
func (h *Handler) BasePath() string { return h.basePath }

// CallbackURL is the absolute URL the provider redirects back to.
func (h *Handler) CallbackURL() string {
	return h.publicURL + path.Join(h.basePath, "callback")
}

func (h *Handler) absolute(route string) string {
	return h.publicURL + route
}

// device resolves the device of the request.
func (h *Handler) device(ctx context.Context) (*authstate.Device, error) {
	id, ok := middleware.DeviceFromContext(ctx)
	if !ok {
		return nil, endpoint.Error(http.StatusInternalServerError, "", middleware.ErrNoDevice)
	}
	d, err := h.hub.Device(id)
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "", err)
	}
	return d, nil
}

// currentState returns the device state, resolving the initial loading
// state with a bounded session check.
func (h *Handler) currentState(ctx context.Context, d *authstate.Device) authstate.State {
	st := d.Store.State()
	if !st.IsLoading {
		return st
	}
	ctx, cancel := context.WithTimeout(ctx, h.checkWait)
	defer cancel()
	st, err := d.Store.CheckSession(ctx)
	if err != nil {
		h.log.Warn("Session check failed", zap.String("device", d.ID), zap.Error(err))
	}
	return st
}

// SafeNext keeps next only if it is a local path.
func SafeNext(next, fallback string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return fallback
	}
	return next
}

// userMessage is the text shown for a failed provider call.
func userMessage(err error) string {
	var perr *provider.Error
	switch {
	case errors.Is(err, provider.ErrNotSignedIn):
		return "Please sign in first."
	case errors.Is(err, provider.ErrUnsupported):
		return "This sign-in method is not available."
	case errors.Is(err, provider.ErrNoSession):
		return flow.MsgNoSession
	case errors.As(err, &perr) && !perr.Temporary() && perr.Message != "":
		return perr.Message
	case errors.As(err, &perr) && !perr.Temporary():
		return "The request was rejected. Please check your details and try again."
	}
	return flow.MsgUnavailable
}

// unavailable reports whether err is a transient provider or network failure.
func unavailable(err error) bool {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.Temporary()
	}
	var nerr net.Error
	return errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, provider.ErrNotSignedIn):
		return http.StatusUnauthorized
	case errors.Is(err, provider.ErrUnsupported):
		return http.StatusNotFound
	case unavailable(err):
		return http.StatusServiceUnavailable
	}
	var perr *provider.Error
	if errors.As(err, &perr) && perr.Status >= 400 && perr.Status < 500 {
		return perr.Status
	}
	return http.StatusBadGateway
}

// outcomeRenderer turns a finished machine run into a response for the page
// at current.
func (h *Handler) outcomeRenderer(current *url.URL, out flow.Outcome) endpoint.Renderer {
	if out.State == flow.StateAuthenticated {
		target := out.Route
		if target == current.Path && out.CleanURL != nil {
			target = out.CleanURL.RequestURI()
		}
		return &endpoint.RedirectRenderer{URL: target, Status: http.StatusFound}
	}
	status := http.StatusBadRequest
	if out.Action == flow.ActionRetry {
		status = http.StatusServiceUnavailable
	}
	return h.page(status, "result", pageData{
		Title:   "We could not sign you in",
		Message: out.Message,
		Action:  h.actionLink(out),
	})
}

func (h *Handler) actionLink(out flow.Outcome) *actionLink {
	switch out.Action {
	case flow.ActionRetry:
		if out.RetryURL != nil {
			return &actionLink{Href: out.RetryURL.RequestURI(), Label: "Try again"}
		}
	case flow.ActionRequestNewLink:
		return &actionLink{Href: h.routes.ResetPassword, Label: "Request a new link"}
	}
	return &actionLink{Href: h.routes.Login, Label: "Back to login"}
}
