// Package ratelimit throttles requests per client key, in process or through redis.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Result describes the state of a key after one request was counted.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// Config defines a limit of Requests per Window.
type Config struct {
	Requests int
	Window   time.Duration
}

// DefaultConfig mirrors the limit used for verification and login routes.
func DefaultConfig() Config {
	return Config{
		Requests: 10,
		Window:   time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Requests <= 0 {
		c.Requests = d.Requests
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	return c
}

// KeyFunc extracts the client identity from a request.
type KeyFunc func(r *http.Request) string

// ByIP keys requests on the connection's remote address. Forwarding headers
// are ignored; use TrustedProxies behind a reverse proxy.
func ByIP(r *http.Request) string {
	return "ip:" + remoteIP(r)
}

// TrustedProxies returns a KeyFunc that honours X-Forwarded-For only when the
// connection comes from one of cidrs. The key is the rightmost address in the
// chain that is not itself a trusted proxy. An empty list yields ByIP.
func TrustedProxies(cidrs []string) (KeyFunc, error) {
	if len(cidrs) == 0 {
		return ByIP, nil
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if !strings.Contains(c, "/") {
			if ip := net.ParseIP(c); ip != nil && ip.To4() != nil {
				c += "/32"
			} else {
				c += "/128"
			}
		}
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		nets = append(nets, n)
	}

	trusted := func(s string) bool {
		ip := net.ParseIP(s)
		if ip == nil {
			return false
		}
		for _, n := range nets {
			if n.Contains(ip) {
				return true
			}
		}
		return false
	}

	return func(r *http.Request) string {
		peer := remoteIP(r)
		if !trusted(peer) {
			return "ip:" + peer
		}
		hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				break
			}
			if !trusted(hop) {
				return "ip:" + hop
			}
		}
		return "ip:" + peer
	}, nil
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429. Limiter errors let the
// request through.
func Middleware(limiter Limiter, keyFunc KeyFunc) func(next http.Handler) http.Handler {
	if keyFunc == nil {
		keyFunc = ByIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.URL.Path + "|" + keyFunc(r)

			res, err := limiter.Allow(r.Context(), key)
			if err != nil {
				slog.Warn("Rate limiter unavailable, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				retry := int(time.Until(res.ResetAt).Seconds()) + 1
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "Too many requests"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
