package middleware

import (
	"net/http"
	"strconv"

	"github.com/palminsight/palminsight/endpoint"
)

// AuthHeadersProcessor sets the response headers every auth page needs.
// Callback URLs carry one-time codes, so nothing may leak them through the
// Referer header or a shared cache.
type AuthHeadersProcessor struct {
	// HSTSMaxAge in seconds; 0 disables the header.
	HSTSMaxAge int
	CSP        string
}

const defaultAuthCSP = "default-src 'self'; base-uri 'none'; form-action 'self'; frame-ancestors 'none'"

type AuthHeadersOption func(*AuthHeadersProcessor)

func WithHSTS(maxAge int) AuthHeadersOption {
	return func(p *AuthHeadersProcessor) { p.HSTSMaxAge = maxAge }
}

func WithCSP(policy string) AuthHeadersOption {
	return func(p *AuthHeadersProcessor) { p.CSP = policy }
}

func NewAuthHeadersProcessor(opts ...AuthHeadersOption) *AuthHeadersProcessor {
	p := &AuthHeadersProcessor{HSTSMaxAge: 31536000, CSP: defaultAuthCSP}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *AuthHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	if p.CSP != "" {
		h.Set("Content-Security-Policy", p.CSP)
	}
	if p.HSTSMaxAge > 0 && r.TLS != nil {
		h.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(p.HSTSMaxAge)+"; includeSubDomains")
	}
	return next(w, r)
}

var _ endpoint.Processor = (*AuthHeadersProcessor)(nil)
