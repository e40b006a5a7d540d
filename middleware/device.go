package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/palminsight/palminsight/endpoint"
)

// DefaultDeviceCookieName is used when no name is configured.
const DefaultDeviceCookieName = "palm_device"

const (
	// DefaultDeviceMaxAge is how long a browser keeps its device cookie.
	DefaultDeviceMaxAge = 180 * 24 * time.Hour
	// DefaultDeviceRefresh re-seals cookies older than this, so an active
	// browser never loses its device.
	DefaultDeviceRefresh = 30 * 24 * time.Hour
)

var ErrNoDevice = errors.New("no device in context")

// deviceClaims is the sealed cookie payload.
type deviceClaims struct {
	ID     string    `cbor:"1,keyasint"`
	Issued time.Time `cbor:"2,keyasint"`
}

type deviceKey struct{}

// WithDevice stores a device ID in ctx.
func WithDevice(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deviceKey{}, id)
}

// DeviceFromContext returns the device ID set by DeviceProcessor.
func DeviceFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deviceKey{}).(string)
	return id, ok && id != ""
}

// DeviceProcessor gives every browser a stable device ID. The ID lives in
// a sealed cookie; a missing, tampered or expired cookie gets a fresh
// random ID. The cookie is written through endpoint.Defer, so it reaches
// the browser even on error responses.
type DeviceProcessor struct {
	cookie  *SealedCookie
	maxAge  time.Duration
	refresh time.Duration
	now     func() time.Time
	newID   func() string
}

type DeviceOption func(*DeviceProcessor)

func WithDeviceMaxAge(d time.Duration) DeviceOption {
	return func(p *DeviceProcessor) { p.maxAge = d }
}

func WithDeviceRefresh(d time.Duration) DeviceOption {
	return func(p *DeviceProcessor) { p.refresh = d }
}

func withDeviceClock(now func() time.Time) DeviceOption {
	return func(p *DeviceProcessor) { p.now = now }
}

func NewDeviceProcessor(cookie *SealedCookie, opts ...DeviceOption) *DeviceProcessor {
	p := &DeviceProcessor{
		cookie:  cookie,
		maxAge:  DefaultDeviceMaxAge,
		refresh: DefaultDeviceRefresh,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// load returns the claims carried by r, if valid.
func (p *DeviceProcessor) load(r *http.Request) (deviceClaims, bool) {
	c, err := r.Cookie(p.cookie.Name())
	if err != nil {
		return deviceClaims{}, false
	}
	var claims deviceClaims
	if err := p.cookie.Open(c.Value, &claims); err != nil {
		return deviceClaims{}, false
	}
	if _, err := uuid.Parse(claims.ID); err != nil {
		return deviceClaims{}, false
	}
	if claims.Issued.IsZero() || !p.now().Before(claims.Issued.Add(p.maxAge)) {
		return deviceClaims{}, false
	}
	return claims, true
}

func (p *DeviceProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	claims, ok := p.load(r)
	reseal := false
	switch {
	case !ok:
		claims = deviceClaims{ID: p.newID(), Issued: p.now().Truncate(time.Second)}
		reseal = true
	case p.now().Sub(claims.Issued) > p.refresh:
		claims.Issued = p.now().Truncate(time.Second)
		reseal = true
	}

	if reseal {
		endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
			if c, err := p.cookie.Seal(claims, p.maxAge); err == nil {
				http.SetCookie(w, c)
			}
		})
	}
	return next(w, r.WithContext(WithDevice(r.Context(), claims.ID)))
}

var _ endpoint.Processor = (*DeviceProcessor)(nil)
