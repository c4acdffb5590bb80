// Package totp generates and validates time-based one-time passwords.
//
// Codes follow RFC 4226/6238 (HMAC, dynamic truncation) with one extension: the
// characters of a code are drawn from a configurable character set. With the
// default numeric set the output is byte-for-byte what authenticator apps produce,
// so the same engine serves emailed codes and authenticator-backed 2FA.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Algorithm names the HMAC hash used to derive codes.
type Algorithm string

const (
	AlgorithmSHA1   Algorithm = "SHA1"
	AlgorithmSHA256 Algorithm = "SHA256"
	AlgorithmSHA512 Algorithm = "SHA512"
)

const (
	// DigitCharSet is the RFC charset understood by authenticator apps.
	DigitCharSet = "0123456789"
	// UserFacingCharSet drops characters that are easy to misread (0, O, I).
	UserFacingCharSet = "ABCDEFGHJKLMNPQRSTUVWXYZ123456789"

	DefaultDigits = 6
	DefaultPeriod = 30

	secretBytes = 10
)

var (
	// ErrUnsupportedAlgorithm is returned for hash names outside SHA1/SHA256/SHA512
	ErrUnsupportedAlgorithm = errors.New("unsupported totp algorithm")
	// ErrInvalidSecret is returned when a secret is not valid base32
	ErrInvalidSecret = errors.New("invalid totp secret")
	// ErrInvalidConfig is returned for non-positive digits/period or a degenerate charset
	ErrInvalidConfig = errors.New("invalid totp config")
)

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Config selects code parameters. Zero values fall back to the defaults.
type Config struct {
	Algorithm Algorithm
	Digits    int
	Period    int // seconds
	CharSet   string
}

// Params are the parameters persisted alongside a secret. Verification must use
// the same values that produced the code.
type Params struct {
	Secret    string
	Algorithm Algorithm
	Digits    int
	Period    int
	CharSet   string
}

// Key is the result of Generate: a fresh secret, its parameters and the code for
// the current step.
type Key struct {
	OTP string
	Params
}

// VerifyOptions controls the time anchor and drift tolerance of Verify.
type VerifyOptions struct {
	// Window is the number of steps accepted on each side of the anchor step.
	Window int
	// At is the time the code is checked against. Zero means now.
	At time.Time
}

func (c Config) withDefaults() Config {
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmSHA1
	}
	if c.Digits == 0 {
		c.Digits = DefaultDigits
	}
	if c.Period == 0 {
		c.Period = DefaultPeriod
	}
	if c.CharSet == "" {
		c.CharSet = DigitCharSet
	}
	return c
}

func (c Config) validate() error {
	if c.Digits < 1 || c.Digits > 10 {
		return fmt.Errorf("%w: digits must be between 1 and 10", ErrInvalidConfig)
	}
	if c.Period < 1 {
		return fmt.Errorf("%w: period must be positive", ErrInvalidConfig)
	}
	if len(c.CharSet) < 2 {
		return fmt.Errorf("%w: charset needs at least two characters", ErrInvalidConfig)
	}
	if _, err := hashFunc(c.Algorithm); err != nil {
		return err
	}
	return nil
}

// Generate creates a fresh random secret and the code for the current step.
func Generate(cfg Config) (*Key, error) {
	return generateAt(cfg, time.Now())
}

func generateAt(cfg Config, now time.Time) (*Key, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}
	secret := secretEncoding.EncodeToString(raw)

	code, err := GenerateCode(secret, cfg, now)
	if err != nil {
		return nil, err
	}

	return &Key{
		OTP: code,
		Params: Params{
			Secret:    secret,
			Algorithm: cfg.Algorithm,
			Digits:    cfg.Digits,
			Period:    cfg.Period,
			CharSet:   cfg.CharSet,
		},
	}, nil
}

// GenerateCode returns the code of the time step containing at.
func GenerateCode(secret string, cfg Config, at time.Time) (string, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return "", err
	}
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	return hotp(key, counterAt(at, cfg.Period), cfg)
}

// Verify checks otp against the steps around opts.At and returns the signed
// step offset of the first match. It never errors: malformed input, unknown
// parameters and undecodable secrets all fail closed.
func Verify(otp string, p Params, opts VerifyOptions) (int, bool) {
	cfg := Config{Algorithm: p.Algorithm, Digits: p.Digits, Period: p.Period, CharSet: p.CharSet}.withDefaults()
	if cfg.validate() != nil {
		return 0, false
	}
	if len(otp) != cfg.Digits || !inCharSet(otp, cfg.CharSet) {
		return 0, false
	}
	key, err := decodeSecret(p.Secret)
	if err != nil {
		return 0, false
	}

	window := opts.Window
	if window < 0 {
		window = 0
	}
	at := opts.At
	if at.IsZero() {
		at = time.Now()
	}

	base := counterAt(at, cfg.Period)
	for delta := -window; delta <= window; delta++ {
		counter := base + int64(delta)
		if counter < 0 {
			continue
		}
		expected, err := hotp(key, counter, cfg)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(otp)) == 1 {
			return delta, true
		}
	}
	return 0, false
}

// KeyURI renders the otpauth:// URI authenticator apps scan during enrollment.
func KeyURI(p Params, issuer, account string) string {
	cfg := Config{Algorithm: p.Algorithm, Digits: p.Digits, Period: p.Period}.withDefaults()

	label := url.PathEscape(account)
	if issuer != "" {
		label = url.PathEscape(issuer) + ":" + label
	}

	v := url.Values{}
	v.Set("secret", p.Secret)
	if issuer != "" {
		v.Set("issuer", issuer)
	}
	v.Set("algorithm", string(cfg.Algorithm))
	v.Set("digits", strconv.Itoa(cfg.Digits))
	v.Set("period", strconv.Itoa(cfg.Period))

	return "otpauth://totp/" + label + "?" + v.Encode()
}

func counterAt(at time.Time, period int) int64 {
	return at.Unix() / int64(period)
}

func decodeSecret(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.TrimRight(strings.TrimSpace(secret), "="))
	if normalized == "" {
		return nil, ErrInvalidSecret
	}
	key, err := secretEncoding.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return key, nil
}

func hotp(key []byte, counter int64, cfg Config) (string, error) {
	hf, err := hashFunc(cfg.Algorithm)
	if err != nil {
		return "", err
	}

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(hf, key)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := uint64(sum[offset]&0x7f)<<24 |
		uint64(sum[offset+1])<<16 |
		uint64(sum[offset+2])<<8 |
		uint64(sum[offset+3])

	base := uint64(len(cfg.CharSet))
	code := make([]byte, cfg.Digits)
	for i := cfg.Digits - 1; i >= 0; i-- {
		code[i] = cfg.CharSet[bin%base]
		bin /= base
	}
	return string(code), nil
}

func hashFunc(algorithm Algorithm) (func() hash.Hash, error) {
	switch Algorithm(strings.ToUpper(strings.ReplaceAll(string(algorithm), "-", ""))) {
	case "", AlgorithmSHA1:
		return sha1.New, nil
	case AlgorithmSHA256:
		return sha256.New, nil
	case AlgorithmSHA512:
		return sha512.New, nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

func inCharSet(s, charSet string) bool {
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(charSet, s[i]) < 0 {
			return false
		}
	}
	return true
}
