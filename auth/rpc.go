package auth

import (
	"context"
	"errors"

	"github.com/palminsight/palminsight/authstate"
	"github.com/palminsight/palminsight/jsonrpc"
	"github.com/palminsight/palminsight/provider"
)

// Application error codes of the auth RPC namespace.
const (
	CodeRejected    = -32001
	CodeNotSignedIn = -32002
	CodeUnsupported = -32003
	CodeUnavailable = -32004
)

func rpcError(err error) *jsonrpc.Error {
	var perr *provider.Error
	switch {
	case errors.Is(err, provider.ErrNotSignedIn):
		return jsonrpc.NewError(CodeNotSignedIn, userMessage(err))
	case errors.Is(err, provider.ErrUnsupported):
		return jsonrpc.NewError(CodeUnsupported, userMessage(err))
	case unavailable(err):
		return jsonrpc.NewError(CodeUnavailable, userMessage(err))
	case errors.As(err, &perr):
		e := jsonrpc.NewError(CodeRejected, userMessage(err))
		if perr.Code != "" {
			e.Data = map[string]string{"reason": perr.Code}
		}
		return e
	}
	return nil
}

// rpcMethods is the "auth" namespace. Every call acts on the device of the
// request.
type rpcMethods struct {
	h *Handler
}

type signInParams struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type signUpParams struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"min=6"`
}

type emailOnly struct {
	Email string `json:"email" validate:"required,email"`
}

type passwordOnly struct {
	Password string `json:"password" validate:"min=6"`
}

type sentResult struct {
	Sent bool `json:"sent"`
}

// invalid reports params that fail validation as an invalid-params error.
func invalid(p any) error {
	if msg := checkParams(p); msg != "" {
		return jsonrpc.NewError(jsonrpc.CodeInvalidParams, msg)
	}
	return nil
}

func (m *rpcMethods) GetState(ctx context.Context, _ struct{}) (authstate.State, error) {
	d, err := m.h.device(ctx)
	if err != nil {
		return authstate.State{}, err
	}
	return m.h.currentState(ctx, d), nil
}

func (m *rpcMethods) CheckSession(ctx context.Context, _ struct{}) (authstate.State, error) {
	d, err := m.h.device(ctx)
	if err != nil {
		return authstate.State{}, err
	}
	st, err := d.Store.CheckSession(ctx)
	if err != nil && unavailable(err) {
		return st, err
	}
	return st, nil
}

func (m *rpcMethods) SignIn(ctx context.Context, p signInParams) (authstate.State, error) {
	if err := invalid(p); err != nil {
		return authstate.State{}, err
	}
	d, err := m.h.device(ctx)
	if err != nil {
		return authstate.State{}, err
	}
	return d.Store.SignIn(ctx, p.Email, p.Password)
}

func (m *rpcMethods) SignUp(ctx context.Context, p signUpParams) (authstate.State, error) {
	if err := invalid(p); err != nil {
		return authstate.State{}, err
	}
	d, err := m.h.device(ctx)
	if err != nil {
		return authstate.State{}, err
	}
	if _, err := d.Store.SignUp(ctx, p.Email, p.Password, m.h.CallbackURL()); err != nil {
		return authstate.State{}, err
	}
	return d.Store.State(), nil
}

func (m *rpcMethods) SignOut(ctx context.Context, _ struct{}) (authstate.State, error) {
	d, err := m.h.device(ctx)
	if err != nil {
		return authstate.State{}, err
	}
	if err := d.Store.SignOut(ctx); err != nil {
		return authstate.State{}, err
	}
	return d.Store.State(), nil
}

func (m *rpcMethods) RequestPasswordReset(ctx context.Context, p emailOnly) (sentResult, error) {
	if err := invalid(p); err != nil {
		return sentResult{}, err
	}
	d, err := m.h.device(ctx)
	if err != nil {
		return sentResult{}, err
	}
	if err := d.Store.RequestPasswordReset(ctx, p.Email, m.h.absolute(m.h.routes.ResetPassword)); err != nil {
		return sentResult{}, err
	}
	return sentResult{Sent: true}, nil
}

func (m *rpcMethods) UpdatePassword(ctx context.Context, p passwordOnly) (authstate.State, error) {
	if err := invalid(p); err != nil {
		return authstate.State{}, err
	}
	d, err := m.h.device(ctx)
	if err != nil {
		return authstate.State{}, err
	}
	return d.Store.UpdatePassword(ctx, p.Password)
}
