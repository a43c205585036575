// Package middleware holds the HTTP middleware stack of the relay.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatstream/internal/domain"
)

const (
	clientIdleTTL   = 3 * time.Minute
	cleanupInterval = time.Minute
)

// SecurityHeaders adds hardening headers suited to a JSON/stream API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")

		// HSTS only makes sense on TLS connections.
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimitConfig holds configuration for the per-client rate limiter.
type RateLimitConfig struct {
	RequestsPerMin int
	BurstSize      int

	// TrustedProxies lists IPs or CIDR ranges whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means proxy headers are ignored.
	TrustedProxies []string
}

// RateLimit implements token bucket rate limiting per client IP. The
// cleanup goroutine stops when ctx is done.
func RateLimit(ctx context.Context, cfg RateLimitConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	if cfg.BurstSize <= 0 {
		cfg.BurstSize = max(1, cfg.RequestsPerMin/10)
	}
	trusted := ParseTrustedProxies(cfg.TrustedProxies, logger)
	perSecond := rate.Limit(cfg.RequestsPerMin) / 60.0

	clients := make(map[string]*client)
	mu := &sync.Mutex{}

	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				mu.Lock()
				for ip, c := range clients {
					if time.Since(c.lastSeen) > clientIdleTTL {
						delete(clients, ip)
					}
				}
				mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, trusted)

			mu.Lock()
			c, ok := clients[ip]
			if !ok {
				c = &client{limiter: rate.NewLimiter(perSecond, cfg.BurstSize)}
				clients[ip] = c
			}
			c.lastSeen = time.Now()
			res := c.limiter.Reserve()
			mu.Unlock()

			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", retryAfterSeconds(delay))
				WriteError(w, http.StatusTooManyRequests, domain.CodeRateLimit, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Recover turns a handler panic into a 500 and logs the stack.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					logger.Error("relay: handler panic", "path", r.URL.Path, "panic", v, "stack", string(debug.Stack()))
					WriteError(w, http.StatusInternalServerError, domain.CodeUnknown, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ErrorBody is the JSON shape of every relay error response.
type ErrorBody struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, code domain.ErrorCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: msg, Code: code})
}

// ParseTrustedProxies parses IPs and CIDR ranges. Invalid entries are
// logged and skipped.
func ParseTrustedProxies(entries []string, logger *slog.Logger) []netip.Prefix {
	var out []netip.Prefix
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				if logger != nil {
					logger.Warn("middleware: invalid trusted proxy", "entry", e, "error", err)
				}
				continue
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			if logger != nil {
				logger.Warn("middleware: invalid trusted proxy", "entry", e, "error", err)
			}
			continue
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out
}

// ClientIP extracts the client IP from the request. Proxy headers are only
// believed when the direct peer is in trusted.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
	directIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(directIP); err == nil {
		directIP = host
	}

	if len(trusted) == 0 || !isTrusted(directIP, trusted) {
		return directIP
	}

	// First entry of X-Forwarded-For is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return directIP
}

func retryAfterSeconds(d time.Duration) string {
	if d == rate.InfDuration || d > time.Hour {
		return "60"
	}
	return strconv.Itoa(max(1, int(math.Ceil(d.Seconds()))))
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range trusted {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
