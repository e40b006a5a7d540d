// Package redirect reads the parameters an auth provider appends when it
// sends the browser back to the application, and decides what that page
// load means.
package redirect

import (
	"net/url"
	"strings"
)

// Query parameter names set by the provider.
const (
	ParamCode             = "code"
	ParamType             = "type"
	ParamError            = "error"
	ParamErrorDescription = "error_description"
	ParamErrorCode        = "error_code"
)

// TypeRecovery marks a code issued by a password reset email.
const TypeRecovery = "recovery"

// Params are the auth parameters of one redirect URL.
type Params struct {
	Code             string
	Type             string
	Error            string
	ErrorDescription string
}

// HasCode reports whether the URL carries an authorization code.
func (p Params) HasCode() bool { return p.Code != "" }

// HasError reports whether the provider redirected with an error.
func (p Params) HasError() bool { return p.Error != "" || p.ErrorDescription != "" }

// Message is the user-facing text of an error redirect.
func (p Params) Message() string {
	if p.ErrorDescription != "" {
		return p.ErrorDescription
	}
	return p.Error
}

// ParseParams extracts the auth parameters from u. Values in the query
// string win; a fragment shaped like a query string ("#error=...") is read
// for anything the query lacks.
func ParseParams(u *url.URL) Params {
	if u == nil {
		return Params{}
	}
	q := u.Query()
	if frag := fragmentValues(u); frag != nil {
		for k, vs := range frag {
			if q.Get(k) == "" && len(vs) > 0 {
				q.Set(k, vs[0])
			}
		}
	}
	return Params{
		Code:             strings.TrimSpace(q.Get(ParamCode)),
		Type:             q.Get(ParamType),
		Error:            q.Get(ParamError),
		ErrorDescription: q.Get(ParamErrorDescription),
	}
}

func fragmentValues(u *url.URL) url.Values {
	frag := u.EscapedFragment()
	if frag == "" || !strings.Contains(frag, "=") {
		return nil
	}
	v, err := url.ParseQuery(strings.TrimPrefix(frag, "?"))
	if err != nil {
		return nil
	}
	return v
}

var authParams = []string{ParamCode, ParamType, ParamError, ParamErrorDescription, ParamErrorCode}

// StripAuthParams returns a copy of u without auth parameters in its query
// or fragment. Navigating to the result cannot exchange a code again.
func StripAuthParams(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	out := *u
	if u.User != nil {
		user := *u.User
		out.User = &user
	}

	q := u.Query()
	for _, k := range authParams {
		q.Del(k)
	}
	out.RawQuery = q.Encode()
	out.ForceQuery = false

	if frag := fragmentValues(u); frag != nil {
		for _, k := range authParams {
			frag.Del(k)
		}
		enc := frag.Encode()
		out.Fragment, _ = url.PathUnescape(enc)
		out.RawFragment = enc
	}
	return &out
}
