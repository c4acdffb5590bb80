// Package pwned checks candidate passwords against a k-anonymity breach corpus.
//
// Only the first five hex characters of the SHA-1 digest leave the process; the
// range response is matched locally against the remaining suffix.
package pwned

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the public Pwned Passwords range API.
	DefaultBaseURL = "https://api.pwnedpasswords.com"
	// DefaultTimeout bounds a single range lookup.
	DefaultTimeout = time.Second

	prefixLen = 5
)

// Policy decides the result of a lookup that could not be completed.
type Policy int

const (
	// FailOpen treats an unavailable corpus as "not common".
	FailOpen Policy = iota
	// FailClosed treats an unavailable corpus as "common".
	FailClosed
)

// ErrUnexpectedStatus is returned when the range API answers with a non-200 status
var ErrUnexpectedStatus = errors.New("unexpected range api status")

// Config configures a Checker.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Policy  Policy
	Client  *http.Client
}

// Checker queries the range API.
type Checker struct {
	baseURL string
	timeout time.Duration
	policy  Policy
	client  *http.Client
}

// New builds a Checker. Zero values in cfg fall back to the defaults.
func New(cfg Config) *Checker {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &Checker{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		policy:  cfg.Policy,
		client:  cfg.Client,
	}
}

// IsCommon reports whether password appears in the breach corpus. Lookup
// failures never surface as errors; they are logged and resolved by the policy.
func (c *Checker) IsCommon(ctx context.Context, password string) bool {
	common, err := c.Lookup(ctx, password)
	if err != nil {
		slog.Warn("Breached password check failed",
			"error", err,
			"fail_open", c.policy == FailOpen)
		return c.policy == FailClosed
	}
	return common
}

// Lookup performs the range query and reports lookup failures to the caller.
func (c *Checker) Lookup(ctx context.Context, password string) (bool, error) {
	prefix, suffix := hashParts(password)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/range/"+prefix, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create range request: %w", err)
	}
	req.Header.Set("Add-Padding", "true")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to query range api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		hashSuffix, count, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok {
			continue
		}
		// Padding entries carry a zero count.
		if strings.EqualFold(hashSuffix, suffix) && strings.TrimSpace(count) != "0" {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("failed to read range response: %w", err)
	}
	return false, nil
}

func hashParts(password string) (prefix, suffix string) {
	sum := sha1.Sum([]byte(password))
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))
	return digest[:prefixLen], digest[prefixLen:]
}
