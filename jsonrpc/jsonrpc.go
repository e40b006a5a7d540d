// Package jsonrpc serves JSON-RPC 2.0 over HTTP POST on top of the endpoint
// handler chain, so RPC calls pass through the same processors (device
// cookie, headers) as the HTML routes.
//
// Methods are exported methods of a registered receiver with the shape
//
//	func (r *Recv) Name(ctx context.Context, params P) (R, error)
//
// where P is a struct. The wire name is "<namespace>.<name>" with the first
// letter lowered, so AuthMethods.SignIn registered under "auth" answers to
// "auth.signIn". Params may be sent by name (an object) or by position (an
// array in field order). Named fields without `omitempty` are required.
package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/palminsight/palminsight/endpoint"
	"github.com/palminsight/palminsight/logger"
	"go.uber.org/zap"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

const maxBody = 1 << 20

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ErrorMapper turns a method's error into the error object sent to the
// client. Returning nil falls back to an internal error.
type ErrorMapper func(error) *Error

type method struct {
	recv     reflect.Value
	fn       reflect.Method
	params   reflect.Type
	required []string
	fields   []int
}

// Server is a registry of methods. Pass Server.Endpoint to endpoint.Handler.
type Server struct {
	mapErr ErrorMapper
	log    *zap.Logger

	mu      sync.RWMutex
	methods map[string]*method
}

type Option func(*Server)

func WithErrorMapper(m ErrorMapper) Option {
	return func(s *Server) { s.mapErr = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

func NewServer(opts ...Option) *Server {
	s := &Server{methods: make(map[string]*method)}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrGlobal(s.log).Named("jsonrpc")
	return s
}

var (
	ctxType = reflect.TypeFor[context.Context]()
	errType = reflect.TypeFor[error]()
)

// Register adds every method of recv with a valid signature. It panics on
// a name collision.
func (s *Server) Register(namespace string, recv any) {
	v := reflect.ValueOf(recv)
	t := v.Type()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < t.NumMethod(); i++ {
		m, ok := parseMethod(v, t.Method(i))
		if !ok {
			continue
		}
		name := lowerFirst(t.Method(i).Name)
		if namespace != "" {
			name = namespace + "." + name
		}
		if _, dup := s.methods[name]; dup {
			panic("jsonrpc: duplicate method " + name)
		}
		s.methods[name] = m
	}
}

// Methods lists the registered method names.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.methods))
	for n := range s.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[n:]
}

func parseMethod(recv reflect.Value, fn reflect.Method) (*method, bool) {
	ft := fn.Func.Type()
	if ft.NumIn() != 3 || ft.In(1) != ctxType || ft.NumOut() != 2 || ft.Out(1) != errType {
		return nil, false
	}
	pt := ft.In(2)
	if pt.Kind() != reflect.Struct {
		return nil, false
	}
	m := &method{recv: recv, fn: fn, params: pt}
	for i := 0; i < pt.NumField(); i++ {
		f := pt.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		m.fields = append(m.fields, i)
		if !strings.Contains(opts, "omitempty") {
			m.required = append(m.required, name)
		}
	}
	return m, true
}

func (m *method) decode(raw json.RawMessage) (reflect.Value, error) {
	p := reflect.New(m.params)
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case trimmed == "" || trimmed == "null":
		if len(m.required) > 0 {
			return p, NewError(CodeInvalidParams, "missing params")
		}
	case trimmed[0] == '[':
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil || len(list) > len(m.fields) {
			return p, NewError(CodeInvalidParams, "invalid params")
		}
		if len(list) < len(m.required) {
			return p, NewError(CodeInvalidParams, "missing params")
		}
		for i, elem := range list {
			if err := json.Unmarshal(elem, p.Elem().Field(m.fields[i]).Addr().Interface()); err != nil {
				return p, NewError(CodeInvalidParams, "invalid params")
			}
		}
	default:
		var present map[string]json.RawMessage
		if err := json.Unmarshal(raw, &present); err != nil {
			return p, NewError(CodeInvalidParams, "invalid params")
		}
		for _, name := range m.required {
			if _, ok := present[name]; !ok {
				return p, NewError(CodeInvalidParams, "missing param: "+name)
			}
		}
		if err := json.Unmarshal(raw, p.Interface()); err != nil {
			return p, NewError(CodeInvalidParams, "invalid params")
		}
	}
	return p.Elem(), nil
}

func (s *Server) invoke(ctx context.Context, name string, raw json.RawMessage) (result any, err error) {
	s.mu.RLock()
	m, ok := s.methods[name]
	s.mu.RUnlock()
	if !ok {
		return nil, NewError(CodeMethodNotFound, "method not found: "+name)
	}
	params, err := m.decode(raw)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Method panicked", zap.String("method", name), zap.Any("panic", r))
			result, err = nil, NewError(CodeInternalError, "internal error")
		}
	}()
	out := m.fn.Func.Call([]reflect.Value{m.recv, reflect.ValueOf(ctx), params})
	if e := out[1].Interface(); e != nil {
		return nil, e.(error)
	}
	return out[0].Interface(), nil
}

func (s *Server) toError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if s.mapErr != nil {
		if mapped := s.mapErr(err); mapped != nil {
			return mapped
		}
	}
	s.log.Warn("Unmapped method error", zap.Error(err))
	return NewError(CodeInternalError, "internal error")
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

var nullID = json.RawMessage("null")

// Endpoint handles one HTTP request carrying a call or a batch.
func (s *Server) Endpoint(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	if r.Method != http.MethodPost {
		return nil, endpoint.Error(http.StatusMethodNotAllowed, "JSON-RPC requires POST", nil)
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return nil, endpoint.Error(http.StatusUnsupportedMediaType, "Content-Type must be application/json", nil)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, endpoint.Error(http.StatusBadRequest, "", err)
	}
	if len(body) > maxBody {
		return nil, endpoint.Error(http.StatusRequestEntityTooLarge, "", nil)
	}
	return s.handle(r.Context(), body), nil
}

func (s *Server) handle(ctx context.Context, body []byte) endpoint.Renderer {
	trimmed := strings.TrimSpace(string(body))
	batch := strings.HasPrefix(trimmed, "[")

	var calls []json.RawMessage
	if batch {
		if err := json.Unmarshal(body, &calls); err != nil {
			return single(response{Error: NewError(CodeParseError, "parse error")})
		}
		if len(calls) == 0 {
			return single(response{Error: NewError(CodeInvalidRequest, "empty batch")})
		}
	} else {
		calls = []json.RawMessage{body}
	}

	var out []response
	for _, raw := range calls {
		if resp, ok := s.call(ctx, raw); ok {
			out = append(out, resp)
		}
	}
	switch {
	case len(out) == 0:
		return &endpoint.NoContentRenderer{}
	case !batch:
		return single(out[0])
	}
	for i := range out {
		out[i].JSONRPC = "2.0"
	}
	return &endpoint.JSONRenderer{Value: out}
}

func single(r response) endpoint.Renderer {
	r.JSONRPC = "2.0"
	if r.ID == nil {
		r.ID = nullID
	}
	return &endpoint.JSONRenderer{Value: r}
}

// call runs one request. ok is false for notifications.
func (s *Server) call(ctx context.Context, raw json.RawMessage) (response, bool) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return response{ID: nullID, Error: NewError(CodeParseError, "parse error")}, true
	}
	id := req.ID
	notification := id == nil
	if notification {
		id = nullID
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return response{ID: id, Error: NewError(CodeInvalidRequest, "invalid request")}, true
	}
	result, err := s.invoke(ctx, req.Method, req.Params)
	if notification {
		return response{}, false
	}
	if err != nil {
		return response{ID: id, Error: s.toError(err)}, true
	}
	if result == nil {
		result = struct{}{}
	}
	b, err := json.Marshal(result)
	if err != nil {
		s.log.Error("Cannot encode result", zap.String("method", req.Method), zap.Error(err))
		return response{ID: id, Error: NewError(CodeInternalError, "internal error")}, true
	}
	return response{ID: id, Result: b}, true
}
