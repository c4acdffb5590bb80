// Package cookie is the trust boundary for browser state.
//
// Every cookie is signed (and optionally encrypted) with server-held keys through
// gorilla/securecookie. Each cookie purpose has its own typed payload that is
// validated on read; a cookie that fails signature, decoding or validation is
// reported as absent rather than as an error.
package cookie

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

// Cookie names, stable within a deployment.
const (
	AuthSessionName  = "en_session"
	VerificationName = "en_verification"
	RedirectName     = "en_redirect_to"
	ToastName        = "en_toast"
)

// Default lifetimes for the short-lived cookies.
const (
	DefaultVerificationMaxAge = 10 * time.Minute
	DefaultRedirectMaxAge     = 10 * time.Minute
	DefaultAuthMaxAge         = 30 * 24 * time.Hour
)

var (
	// ErrNoSecrets is returned when a Manager is built without signing keys
	ErrNoSecrets = errors.New("at least one cookie secret is required")
	// ErrWeakSecret is returned for signing keys shorter than 32 bytes
	ErrWeakSecret = errors.New("cookie secrets must be at least 32 bytes")
)

// Config configures a Manager.
type Config struct {
	// Secrets sign cookies. The first one signs new cookies; all of them are
	// accepted on read so keys can be rotated.
	Secrets [][]byte
	// EncryptionKeys optionally encrypt payloads. When set it must have the same
	// length as Secrets; each key must be 16, 24 or 32 bytes.
	EncryptionKeys [][]byte

	Domain string
	Path   string
	Secure bool

	// AuthMaxAge bounds how old a signed auth cookie may be, independent of the
	// browser-side expiry.
	AuthMaxAge         time.Duration
	VerificationMaxAge time.Duration
	RedirectMaxAge     time.Duration
}

// Manager reads and writes the application's cookies.
type Manager struct {
	cfg       Config
	authCodec []securecookie.Codec
	tempCodec []securecookie.Codec
	validator *validator.Validate
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secrets) == 0 {
		return nil, ErrNoSecrets
	}
	for _, s := range cfg.Secrets {
		if len(s) < 32 {
			return nil, ErrWeakSecret
		}
	}
	if len(cfg.EncryptionKeys) > 0 && len(cfg.EncryptionKeys) != len(cfg.Secrets) {
		return nil, fmt.Errorf("got %d encryption keys for %d secrets", len(cfg.EncryptionKeys), len(cfg.Secrets))
	}

	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.AuthMaxAge == 0 {
		cfg.AuthMaxAge = DefaultAuthMaxAge
	}
	if cfg.VerificationMaxAge == 0 {
		cfg.VerificationMaxAge = DefaultVerificationMaxAge
	}
	if cfg.RedirectMaxAge == 0 {
		cfg.RedirectMaxAge = DefaultRedirectMaxAge
	}

	pairs := make([][]byte, 0, len(cfg.Secrets)*2)
	for i, s := range cfg.Secrets {
		var block []byte
		if len(cfg.EncryptionKeys) > 0 {
			block = cfg.EncryptionKeys[i]
		}
		pairs = append(pairs, s, block)
	}

	return &Manager{
		cfg:       cfg,
		authCodec: newCodecs(pairs, cfg.AuthMaxAge),
		tempCodec: newCodecs(pairs, maxDuration(cfg.VerificationMaxAge, cfg.RedirectMaxAge)),
		validator: validator.New(),
	}, nil
}

func newCodecs(pairs [][]byte, maxAge time.Duration) []securecookie.Codec {
	codecs := securecookie.CodecsFromPairs(pairs...)
	for _, c := range codecs {
		if sc, ok := c.(*securecookie.SecureCookie); ok {
			sc.MaxAge(int(maxAge.Seconds()))
			sc.SetSerializer(securecookie.JSONEncoder{})
		}
	}
	return codecs
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func (m *Manager) options(maxAge int) *sessions.Options {
	return &sessions.Options{
		Path:     m.cfg.Path,
		Domain:   m.cfg.Domain,
		MaxAge:   maxAge,
		Secure:   m.cfg.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func (m *Manager) write(name string, value any, codecs []securecookie.Codec, maxAge int) (*http.Cookie, error) {
	encoded, err := securecookie.EncodeMulti(name, value, codecs...)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s cookie: %w", name, err)
	}
	return sessions.NewCookie(name, encoded, m.options(maxAge)), nil
}

// clear returns a cookie that makes the browser drop name.
func (m *Manager) clear(name string) *http.Cookie {
	return sessions.NewCookie(name, "", m.options(-1))
}

// read decodes and validates a cookie into dst. Any failure is logged at debug
// level and reported as false.
func read[T any](m *Manager, r *http.Request, name string, codecs []securecookie.Codec) (*T, bool) {
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return nil, false
	}

	dst := new(T)
	if err := securecookie.DecodeMulti(name, c.Value, dst, codecs...); err != nil {
		slog.Debug("Discarding cookie that failed verification", "cookie", name, "error", err)
		return nil, false
	}
	if err := m.validator.Struct(dst); err != nil {
		slog.Debug("Discarding cookie with invalid payload", "cookie", name, "error", err)
		return nil, false
	}
	return dst, true
}
