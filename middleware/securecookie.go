package middleware

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("malformed sealed cookie")
	ErrCookieInvalid = errors.New("sealed cookie did not verify")
	ErrCookieConfig  = errors.New("invalid sealed cookie configuration")
)

// maxCookieLen caps how much client-supplied data is decoded.
const maxCookieLen = 4096

// KeySize is the required length of every sealing key.
const KeySize = chacha20poly1305.KeySize

// SealedCookie stores a CBOR-encoded value in a cookie, sealed with
// XChaCha20-Poly1305. The value is "<keyID>.<base64url(nonce|ciphertext)>";
// every key in the ring can open, only the current one seals. The cookie's
// name, path and secure flag are bound as additional data, so a value cannot
// be replayed under another cookie.
type SealedCookie struct {
	name     string
	path     string
	secure   bool
	sameSite http.SameSite

	keyID string
	keys  map[string][]byte
	now   func() time.Time
}

type SealedCookieOption func(*SealedCookie)

func WithCookiePath(path string) SealedCookieOption {
	return func(c *SealedCookie) { c.path = path }
}

// WithSecure controls the Secure attribute. It defaults to true; plain-HTTP
// development servers turn it off.
func WithSecure(secure bool) SealedCookieOption {
	return func(c *SealedCookie) { c.secure = secure }
}

func WithSameSite(s http.SameSite) SealedCookieOption {
	return func(c *SealedCookie) { c.sameSite = s }
}

func withCookieClock(now func() time.Time) SealedCookieOption {
	return func(c *SealedCookie) { c.now = now }
}

// NewSealedCookie validates the key ring and returns the codec.
func NewSealedCookie(name, keyID string, keys map[string][]byte, opts ...SealedCookieOption) (*SealedCookie, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty cookie name", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not in key ring", ErrCookieConfig, keyID)
	}
	for id, k := range keys {
		if len(k) != KeySize {
			return nil, fmt.Errorf("%w: key %q must be %d bytes", ErrCookieConfig, id, KeySize)
		}
	}
	c := &SealedCookie{
		name:     name,
		path:     "/",
		secure:   true,
		sameSite: http.SameSiteLaxMode,
		keyID:    keyID,
		keys:     keys,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *SealedCookie) Name() string { return c.name }

func (c *SealedCookie) aad() []byte {
	secure := "0"
	if c.secure {
		secure = "1"
	}
	return []byte(c.name + "|" + c.path + "|" + secure)
}

// Seal encodes v into a cookie that expires after maxAge.
func (c *SealedCookie) Seal(v any, maxAge time.Duration) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("%w: maxAge must be positive", ErrCookieConfig)
	}
	plain, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(c.keys[c.keyID])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nonce, nonce, plain, c.aad())
	return &http.Cookie{
		Name:     c.name,
		Value:    c.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed),
		Path:     c.path,
		MaxAge:   int(maxAge.Seconds()),
		Expires:  c.now().Add(maxAge),
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	}, nil
}

// Open verifies a cookie value and decodes it into v.
func (c *SealedCookie) Open(value string, v any) error {
	if value == "" || len(value) > maxCookieLen {
		return ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return ErrCookieFormat
	}
	key, ok := c.keys[keyID]
	if !ok {
		return ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return ErrCookieFormat
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return ErrCookieFormat
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, c.aad())
	if err != nil {
		return ErrCookieInvalid
	}
	return cbor.Unmarshal(plain, v)
}

// Clear returns a cookie that deletes this one in the browser.
func (c *SealedCookie) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     c.name,
		Path:     c.path,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	}
}

// ParseKeys decodes a key ring given as base64 (std or url, padded or not).
func ParseKeys(encoded map[string]string) (map[string][]byte, error) {
	keys := make(map[string][]byte, len(encoded))
	for id, s := range encoded {
		var b []byte
		var err error
		for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
			if b, err = enc.DecodeString(s); err == nil {
				break
			}
		}
		if err != nil {
			return nil, fmt.Errorf("cookie key %q: %w", id, err)
		}
		keys[id] = b
	}
	return keys, nil
}
