// Package endpoint is the small HTTP toolkit the auth surface is built on.
//
// A request goes through three phases:
//
//  1. Decode: the Handler fills a typed params struct from the path, query,
//     form, headers, cookies or a JSON body, driven by struct tags.
//  2. Endpoint: the EndpointFunc runs the auth operation and returns a
//     Renderer. It does not write the response itself.
//  3. Render: the Renderer writes status, headers and body.
//
// Processors run before the endpoint and may wrap the writer or the request
// context; the device cookie and the redirect processor are processors.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/palminsight/palminsight/logger"
	"go.uber.org/zap"
)

// EndpointError carries the HTTP status a failure should be reported with.
// Code is an optional machine-readable reason used in JSON error bodies.
type EndpointError struct {
	Status  int
	Code    string
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error { return e.Cause }

// Error wraps err with a status. An err that already is an EndpointError is
// returned unchanged.
func Error(status int, message string, err error) error {
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// CodedError is Error with a machine-readable code.
func CodedError(status int, code, message string, err error) error {
	return &EndpointError{Status: status, Code: code, Message: message, Cause: err}
}

// Renderer writes a complete response. It must call WriteHeader.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor runs before the endpoint. It calls next to continue, or
// returns without calling it to short-circuit; it never writes the body.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc handles decoded params and picks a Renderer.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler adapts an EndpointFunc and its processors to http.Handler.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
	Logger     *zap.Logger
}

func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{Endpoint: fn, Processors: processors}
}

func HandleFunc[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

type hooksKey struct{}

// Defer registers fn to run just before the response headers are written.
// Outside an EndpointHandler it does nothing.
func Defer(ctx context.Context, fn func(http.ResponseWriter)) {
	if hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter)); ok {
		*hooks = append(*hooks, fn)
	}
}

// Commit runs the deferred hooks, last registered first, exactly once.
func Commit(ctx context.Context, w http.ResponseWriter) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if !ok {
		return
	}
	for i := len(*hooks) - 1; i >= 0; i-- {
		(*hooks)[i](w)
	}
	*hooks = nil
}

func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Context().Value(hooksKey{}) == nil {
		var hooks []func(http.ResponseWriter)
		r = r.WithContext(context.WithValue(r.Context(), hooksKey{}, &hooks))
	}

	var run func(i int, w http.ResponseWriter, r *http.Request) error
	run = func(i int, w http.ResponseWriter, r *http.Request) error {
		if i < len(h.Processors) {
			return h.Processors[i].Process(w, r, func(w http.ResponseWriter, r *http.Request) error {
				return run(i+1, w, r)
			})
		}
		var params P
		if err := Unmarshal(r, &params); err != nil {
			return err
		}
		renderer, err := h.Endpoint(w, r, params)
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}
		if c, ok := renderer.(io.Closer); ok {
			defer c.Close()
		}
		Commit(r.Context(), w)
		return renderer.Render(w, r)
	}

	if err := run(0, w, r); err != nil {
		h.writeError(w, r, err)
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *EndpointHandler[P]) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := http.StatusText(status)
	var ee *EndpointError
	if errors.As(err, &ee) {
		if ee.Status >= 400 {
			status = ee.Status
		}
		message = ee.Message
		if message == "" {
			message = http.StatusText(status)
		}
		code = ee.Code
		if code == "" {
			code = strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
		}
	}

	log := logger.OrGlobal(h.Logger)
	if status >= 500 {
		log.Error("Request failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	} else {
		log.Debug("Request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}

	Commit(r.Context(), w)
	if WantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(errorBody{Error: code, Message: message})
		return
	}
	http.Error(w, message, status)
}

// WantsJSON reports whether the client asked for, or sent, JSON.
func WantsJSON(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		if mt, _, err := mime.ParseMediaType(strings.TrimSpace(part)); err == nil && isJSONMediaType(mt) {
			return true
		}
	}
	return requestBodyIsJSON(r)
}

func isJSONMediaType(mt string) bool {
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
