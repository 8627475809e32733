package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/yellowcat/checkout/internal/domain"
)

const (
	defaultCookieName   = "checkout_session"
	defaultCookiePath   = "/checkout"
	defaultCookieMaxAge = 24 * time.Hour
)

var (
	// ErrInvalidCookieConfig indicates the cookie codec was configured without a usable hash key.
	ErrInvalidCookieConfig = errors.New("handlers: invalid session cookie config")
	// ErrCookieMismatch indicates the request carried no cookie for the addressed session.
	ErrCookieMismatch = errors.New("handlers: session cookie does not match session")
)

// CookieConfig controls how the checkout session cookie is signed and scoped.
type CookieConfig struct {
	Name     string
	HashKey  []byte
	BlockKey []byte
	Path     string
	Secure   bool
	MaxAge   time.Duration
	Now      func() time.Time
}

type cookiePayload struct {
	SessionKey string             `json:"sessionKey"`
	Kind       domain.SessionKind `json:"kind"`
	IssuedAt   time.Time          `json:"issuedAt"`
}

// SessionCookies binds a browser to the checkout session it started.
type SessionCookies struct {
	cfg   CookieConfig
	codec *securecookie.SecureCookie
}

// NewSessionCookies builds the signed (and optionally encrypted) cookie codec.
func NewSessionCookies(cfg CookieConfig) (*SessionCookies, error) {
	if len(cfg.HashKey) == 0 {
		return nil, fmt.Errorf("%w: hash key is required", ErrInvalidCookieConfig)
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = defaultCookieName
	}
	if cfg.Path == "" {
		cfg.Path = defaultCookiePath
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultCookieMaxAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	// securecookie treats any non-nil block key as an AES key.
	block := cfg.BlockKey
	if len(block) == 0 {
		block = nil
	}
	codec := securecookie.New(cfg.HashKey, block)
	codec.SetSerializer(securecookie.JSONEncoder{})
	codec.MaxAge(int(cfg.MaxAge.Seconds()))
	return &SessionCookies{cfg: cfg, codec: codec}, nil
}

// Issue writes the cookie for key. It is called on start and again on every
// authenticated request, so expiry slides with activity.
func (c *SessionCookies) Issue(w http.ResponseWriter, key string, kind domain.SessionKind) error {
	encoded, err := c.codec.Encode(c.cfg.Name, cookiePayload{
		SessionKey: key,
		Kind:       kind,
		IssuedAt:   c.cfg.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode session cookie: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.cfg.Name,
		Value:    encoded,
		Path:     c.cfg.Path,
		MaxAge:   int(c.cfg.MaxAge.Seconds()),
		Secure:   c.cfg.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Verify checks that the request's cookie decodes to key.
func (c *SessionCookies) Verify(r *http.Request, key string) error {
	cookie, err := r.Cookie(c.cfg.Name)
	if err != nil {
		return ErrCookieMismatch
	}
	var payload cookiePayload
	if err := c.codec.Decode(c.cfg.Name, cookie.Value, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrCookieMismatch, err)
	}
	if payload.SessionKey == "" || payload.SessionKey != key {
		return ErrCookieMismatch
	}
	return nil
}

// Clear expires the cookie.
func (c *SessionCookies) Clear(w http.ResponseWriter) {
	c.dropIssued(w.Header())
	http.SetCookie(w, &http.Cookie{
		Name:     c.cfg.Name,
		Value:    "",
		Path:     c.cfg.Path,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   c.cfg.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// dropIssued removes a cookie already queued on this response so a clear is
// not followed by a stale refresh.
func (c *SessionCookies) dropIssued(h http.Header) {
	prefix := c.cfg.Name + "="
	var kept []string
	for _, v := range h.Values("Set-Cookie") {
		if !strings.HasPrefix(v, prefix) {
			kept = append(kept, v)
		}
	}
	h.Del("Set-Cookie")
	for _, v := range kept {
		h.Add("Set-Cookie", v)
	}
}
