package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateDispatch(cfg, ve)
	validateRetry("retry", cfg.Retry, ve)
	validateUpstream(cfg, ve)
	validateRelay(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateDispatch(cfg *Config, ve *ValidationError) {
	d := cfg.Dispatch
	if d.HeartbeatInterval <= 0 {
		ve.Add("dispatch.heartbeat_interval must be > 0")
	}
	if d.ReadBufferSize <= 0 {
		ve.Add("dispatch.read_buffer_size must be > 0")
	}
	if d.MaxResponseBody <= 0 {
		ve.Add("dispatch.max_response_body must be > 0")
	}
	for i, name := range d.Debug.AllowContexts {
		if strings.TrimSpace(name) == "" {
			ve.Add("dispatch.debug.allow_contexts[%d] must not be empty", i)
		}
	}
}

func validateRetry(prefix string, r RetryConfig, ve *ValidationError) {
	if r.MaxAttempts < 1 {
		ve.Add("%s.max_attempts must be >= 1", prefix)
	}
	if r.BaseDelay <= 0 {
		ve.Add("%s.base_delay must be > 0", prefix)
	}
	if r.MaxDelay < r.BaseDelay {
		ve.Add("%s.max_delay must be >= base_delay", prefix)
	}
}

// validDialects mirrors the dialect registry; config must not depend on it.
var validDialects = map[string]bool{
	"openai-chat":        true,
	"openai-responses":   true,
	"anthropic-messages": true,
	"gemini-generate":    true,
	"ollama-chat":        true,
}

func validateUpstream(cfg *Config, ve *ValidationError) {
	u := cfg.Upstream
	if u.ConnTimeout <= 0 {
		ve.Add("upstream.conn_timeout must be > 0")
	}
	if u.RespTimeout <= 0 {
		ve.Add("upstream.resp_timeout must be > 0")
	}
	if u.RequestsPerMin < 0 {
		ve.Add("upstream.requests_per_min must be >= 0")
	}
	validateRetry("upstream.connect_retry", u.ConnectRetry, ve)
	if cb := u.CircuitBreaker; cb.Enabled {
		if cb.MaxFailures == 0 {
			ve.Add("upstream.circuit_breaker.max_failures must be > 0 when enabled")
		}
		if cb.Timeout <= 0 {
			ve.Add("upstream.circuit_breaker.timeout must be > 0 when enabled")
		}
	}

	seen := make(map[string]bool)
	for i, p := range u.Providers {
		if p.Name == "" {
			ve.Add("upstream.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("upstream.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if !validDialects[p.Dialect] {
			ve.Add("upstream.providers[%d] (%s): dialect %q is invalid (want: openai-chat, openai-responses, anthropic-messages, gemini-generate, ollama-chat)",
				i, p.Name, p.Dialect)
		}
		if p.BaseURL == "" {
			ve.Add("upstream.providers[%d] (%s): base_url is required (set via CHATSTREAM_PROVIDER_%s_BASE_URL)",
				i, p.Name, envName(p.Name))
		} else if parsed, err := url.Parse(p.BaseURL); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			ve.Add("upstream.providers[%d] (%s): base_url %q must be an absolute http(s) URL", i, p.Name, p.BaseURL)
		}
		if p.Model == "" {
			ve.Add("upstream.providers[%d] (%s): model must not be empty", i, p.Name)
		}
	}
}

func validateRelay(cfg *Config, ve *ValidationError) {
	r := cfg.Relay
	if r.Addr == "" {
		ve.Add("relay.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(r.Addr); err != nil {
		ve.Add("relay.addr %q is not a valid host:port", r.Addr)
	}
	if r.RateLimit < 0 {
		ve.Add("relay.rate_limit must be >= 0")
	}
	if r.MaxBodyBytes <= 0 {
		ve.Add("relay.max_body_bytes must be > 0")
	}
	for i, tok := range r.Tokens {
		if tok == "" {
			ve.Add("relay.tokens[%d] must not be empty", i)
		}
	}
	for i, proxy := range r.TrustedProxies {
		if _, _, err := net.ParseCIDR(proxy); err == nil {
			continue
		}
		if net.ParseIP(proxy) == nil {
			ve.Add("relay.trusted_proxies[%d] %q is not an IP or CIDR", i, proxy)
		}
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "json", "text":
	default:
		ve.Add("logger.format %q is invalid (want: json, text)", cfg.Logger.Format)
	}
	if cfg.Logger.Output == "" {
		ve.Add("logger.output must not be empty")
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
	if r := cfg.Tracer.SampleRatio; r < 0 || r > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1], got %g", r)
	}
}
