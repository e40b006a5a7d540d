package auth

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"strconv"

	"github.com/palminsight/palminsight/authstate"
	"github.com/palminsight/palminsight/endpoint"
	"github.com/palminsight/palminsight/provider"
	"go.uber.org/zap"
)

type loginParams struct {
	Email    string `form:"email" maxLength:"320" validate:"required,email"`
	Password string `form:"password" maxLength:"1024" validate:"required"`
	Next     string `form:"next" query:"next" maxLength:"2048"`
}

type signupParams struct {
	Email    string `form:"email" maxLength:"320" validate:"required,email"`
	Password string `form:"password" maxLength:"1024" validate:"min=6"`
}

type emailParams struct {
	Email string `form:"email" maxLength:"320" validate:"required,email"`
}

type newPassword struct {
	Password string `form:"password" maxLength:"1024" validate:"min=6"`
	Confirm  string `form:"confirm" maxLength:"1024" validate:"eqfield=Password"`
}

type oauthParams struct {
	Provider string `path:"provider" maxLength:"64"`
}

// callback finishes a provider redirect.
func (h *Handler) callback(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	d, err := h.device(r.Context())
	if err != nil {
		return nil, err
	}
	return h.outcomeRenderer(r.URL, d.Machine.Run(r.Context(), r.URL)), nil
}

func (h *Handler) login(_ http.ResponseWriter, r *http.Request, p loginParams) (endpoint.Renderer, error) {
	d, err := h.device(r.Context())
	if err != nil {
		return nil, err
	}
	if msg := checkParams(p); msg != "" {
		return h.page(http.StatusBadRequest, "login", pageData{Title: "Sign in", Message: msg, Next: p.Next}), nil
	}
	if _, err := d.Store.SignIn(r.Context(), p.Email, p.Password); err != nil {
		h.log.Info("Sign-in failed", zap.String("device", d.ID), zap.Error(err))
		return h.page(statusFor(err), "login", pageData{Title: "Sign in", Message: userMessage(err), Next: p.Next}), nil
	}
	return &endpoint.RedirectRenderer{URL: SafeNext(p.Next, h.routes.Dashboard)}, nil
}

func (h *Handler) signup(_ http.ResponseWriter, r *http.Request, p signupParams) (endpoint.Renderer, error) {
	d, err := h.device(r.Context())
	if err != nil {
		return nil, err
	}
	if msg := checkParams(p); msg != "" {
		return h.page(http.StatusBadRequest, "signup", pageData{Title: "Create an account", Message: msg}), nil
	}
	if _, err := d.Store.SignUp(r.Context(), p.Email, p.Password, h.CallbackURL()); err != nil {
		h.log.Info("Sign-up failed", zap.String("device", d.ID), zap.Error(err))
		return h.page(statusFor(err), "signup", pageData{Title: "Create an account", Message: userMessage(err)}), nil
	}
	if d.Store.State().IsAuthenticated {
		return &endpoint.RedirectRenderer{URL: h.routes.Dashboard}, nil
	}
	return h.page(http.StatusOK, "check-email", pageData{
		Title:  "Check your email",
		Notice: "We sent a confirmation link to " + p.Email + ".",
	}), nil
}

func (h *Handler) logout(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	d, err := h.device(r.Context())
	if err != nil {
		return nil, err
	}
	if err := d.Store.SignOut(r.Context()); err != nil {
		return nil, endpoint.Error(statusFor(err), userMessage(err), err)
	}
	return &endpoint.RedirectRenderer{URL: h.routes.Login}, nil
}

func (h *Handler) resetPassword(_ http.ResponseWriter, r *http.Request, p emailParams) (endpoint.Renderer, error) {
	d, err := h.device(r.Context())
	if err != nil {
		return nil, err
	}
	if msg := checkParams(p); msg != "" {
		return h.page(http.StatusBadRequest, "reset-password", pageData{Title: "Reset your password", Message: msg}), nil
	}
	if err := d.Store.RequestPasswordReset(r.Context(), p.Email, h.absolute(h.routes.ResetPassword)); err != nil {
		h.log.Info("Reset request failed", zap.String("device", d.ID), zap.Error(err))
		return h.page(statusFor(err), "reset-password", pageData{Title: "Reset your password", Message: userMessage(err)}), nil
	}
	return h.page(http.StatusOK, "check-email", pageData{
		Title:  "Check your email",
		Notice: "If an account exists for " + p.Email + ", a reset link is on its way.",
	}), nil
}

func (h *Handler) updatePassword(_ http.ResponseWriter, r *http.Request, p newPassword) (endpoint.Renderer, error) {
	d, err := h.device(r.Context())
	if err != nil {
		return nil, err
	}
	st := h.currentState(r.Context(), d)
	data := pageData{Title: "Choose a new password", State: st}
	if msg := checkParams(p); msg != "" {
		data.Message = msg
		return h.page(http.StatusBadRequest, "reset-password", data), nil
	}
	if _, err := d.Store.UpdatePassword(r.Context(), p.Password); err != nil {
		h.log.Info("Password update failed", zap.String("device", d.ID), zap.Error(err))
		data.Message = userMessage(err)
		if errors.Is(err, provider.ErrNotSignedIn) {
			data.Action = &actionLink{Href: h.routes.Login, Label: "Sign in"}
		}
		return h.page(statusFor(err), "reset-password", data), nil
	}
	return &endpoint.RedirectRenderer{URL: h.routes.Dashboard}, nil
}

func (h *Handler) oauth(_ http.ResponseWriter, r *http.Request, p oauthParams) (endpoint.Renderer, error) {
	d, err := h.device(r.Context())
	if err != nil {
		return nil, err
	}
	target, err := d.Store.SignInWithOAuth(r.Context(), p.Provider, h.CallbackURL())
	if err != nil {
		return nil, endpoint.Error(statusFor(err), userMessage(err), err)
	}
	return &endpoint.RedirectRenderer{URL: target, Status: http.StatusFound}, nil
}

func (h *Handler) state(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	d, err := h.device(r.Context())
	if err != nil {
		return nil, err
	}
	return &endpoint.JSONRenderer{Value: h.currentState(r.Context(), d)}, nil
}

// events streams the device state: the current state first, then every
// change. A slow client only sees the latest state.
func (h *Handler) events(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	d, err := h.device(r.Context())
	if err != nil {
		return nil, err
	}
	ctx := r.Context()
	updates := make(chan authstate.State, 1)
	unsubscribe := d.Store.Subscribe(func(st authstate.State) {
		for {
			select {
			case updates <- st:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	first := h.currentState(ctx, d)
	return &sseStream{
		Renderer: &endpoint.SSERenderer{Events: stateEvents(ctx, first, updates), Heartbeat: h.heartbeat},
		close:    unsubscribe,
	}, nil
}

// sseStream unsubscribes once the stream ends.
type sseStream struct {
	endpoint.Renderer
	close func()
}

func (s *sseStream) Close() error {
	s.close()
	return nil
}

func stateEvents(ctx context.Context, first authstate.State, updates <-chan authstate.State) iter.Seq[endpoint.SSEvent] {
	return func(yield func(endpoint.SSEvent) bool) {
		id := 0
		last := ""
		emit := func(st authstate.State) bool {
			ev, err := endpoint.JSONEvent("state", st)
			if err != nil {
				return false
			}
			if ev.Data == last {
				return true
			}
			last = ev.Data
			id++
			ev.ID = strconv.Itoa(id)
			return yield(ev)
		}
		if !emit(first) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case st := <-updates:
				if !emit(st) {
					return
				}
			}
		}
	}
}

func passwordRule() string {
	return "Passwords need at least " + strconv.Itoa(minPasswordLength) + " characters."
}
