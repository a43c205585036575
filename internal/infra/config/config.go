package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatstream.
type Config struct {
	Dispatch DispatchConfig `yaml:"dispatch"`
	Retry    RetryConfig    `yaml:"retry"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Relay    RelayConfig    `yaml:"relay"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	Includes []string       `yaml:"includes,omitempty"`
}

// DispatchConfig holds per-dispatch orchestration settings.
type DispatchConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReadBufferSize    int           `yaml:"read_buffer_size"`
	MaxResponseBody   int64         `yaml:"max_response_body"`
	Debug             DebugConfig   `yaml:"debug"`
}

// DebugConfig gates request echoes and timing particles. Both switches are
// ignored for callers whose context name is not allow-listed.
type DebugConfig struct {
	Echo          bool     `yaml:"echo"`
	Profile       bool     `yaml:"profile"`
	AllowContexts []string `yaml:"allow_contexts"`
}

// RetryConfig holds a bounded exponential backoff policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// UpstreamConfig holds outbound HTTP settings shared by all providers.
type UpstreamConfig struct {
	ConnTimeout    time.Duration        `yaml:"conn_timeout"`
	RespTimeout    time.Duration        `yaml:"resp_timeout"`
	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	ConnectRetry   RetryConfig          `yaml:"connect_retry"`
	RequestsPerMin int                  `yaml:"requests_per_min"`
	Providers      []ProviderConfig     `yaml:"providers"`
}

// CircuitBreakerConfig holds per-host circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig describes one named upstream endpoint.
type ProviderConfig struct {
	Name    string            `yaml:"name"`
	Dialect string            `yaml:"dialect"`
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"`
	Model   string            `yaml:"model"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// RelayConfig holds the particle relay server settings.
type RelayConfig struct {
	Addr           string   `yaml:"addr"`
	Tokens         []string `yaml:"tokens"`
	RateLimit      int      `yaml:"rate_limit"` // requests per minute per client IP
	TrustedProxies []string `yaml:"trusted_proxies"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`

	// SampleRatio is the fraction of operations traced. Dispatch and
	// connect spans follow their operation's decision.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Dispatch: DispatchConfig{
			HeartbeatInterval: 10 * time.Second,
			ReadBufferSize:    32 * 1024,
			MaxResponseBody:   10 * 1024 * 1024,
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
		},
		Upstream: UpstreamConfig{
			ConnTimeout: 30 * time.Second,
			RespTimeout: 120 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			ConnectRetry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    4 * time.Second,
			},
		},
		Relay: RelayConfig{
			Addr:         "127.0.0.1:8420",
			RateLimit:    120,
			MaxBodyBytes: 4 * 1024 * 1024,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		w := newIncludeWalker(absPath)
		if err := w.walk(cfg, filepath.Dir(absPath), 0); err != nil {
			return nil, err
		}

		// Second pass: the main file takes precedence over its includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("CHATSTREAM_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps CHATSTREAM_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATSTREAM_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHATSTREAM_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CHATSTREAM_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("CHATSTREAM_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CHATSTREAM_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CHATSTREAM_TRACER_SAMPLE_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracer.SampleRatio = f
		}
	}

	// Dispatch
	if v := os.Getenv("CHATSTREAM_DISPATCH_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Dispatch.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("CHATSTREAM_DISPATCH_DEBUG_ECHO"); v != "" {
		cfg.Dispatch.Debug.Echo = v == "true"
	}
	if v := os.Getenv("CHATSTREAM_DISPATCH_DEBUG_PROFILE"); v != "" {
		cfg.Dispatch.Debug.Profile = v == "true"
	}
	if v := os.Getenv("CHATSTREAM_DISPATCH_DEBUG_ALLOW_CONTEXTS"); v != "" {
		cfg.Dispatch.Debug.AllowContexts = splitAndTrim(v, ",")
	}

	// Retry
	if v := os.Getenv("CHATSTREAM_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("CHATSTREAM_RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Retry.BaseDelay = d
		}
	}

	// Upstream
	if v := os.Getenv("CHATSTREAM_UPSTREAM_REQUESTS_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Upstream.RequestsPerMin = n
		}
	}
	if v := os.Getenv("CHATSTREAM_UPSTREAM_CONNECT_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Upstream.ConnectRetry.MaxAttempts = n
		}
	}
	if v := os.Getenv("CHATSTREAM_UPSTREAM_CIRCUIT_BREAKER_ENABLED"); v != "" {
		cfg.Upstream.CircuitBreaker.Enabled = v == "true"
	}
	for i := range cfg.Upstream.Providers {
		p := &cfg.Upstream.Providers[i]
		name := envName(p.Name)
		if v := os.Getenv("CHATSTREAM_PROVIDER_" + name + "_API_KEY"); v != "" {
			p.APIKey = v
		}
		if v := os.Getenv("CHATSTREAM_PROVIDER_" + name + "_BASE_URL"); v != "" {
			p.BaseURL = v
		}
	}

	// Relay
	if v := os.Getenv("CHATSTREAM_RELAY_ADDR"); v != "" {
		cfg.Relay.Addr = v
	}
	if v := os.Getenv("CHATSTREAM_RELAY_TOKENS"); v != "" {
		cfg.Relay.Tokens = splitAndTrim(v, ",")
	}
	if v := os.Getenv("CHATSTREAM_RELAY_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Relay.RateLimit = n
		}
	}
	if v := os.Getenv("CHATSTREAM_RELAY_TRUSTED_PROXIES"); v != "" {
		cfg.Relay.TrustedProxies = splitAndTrim(v, ",")
	}
}

// envName upper-cases a provider name and maps separators to underscores.
func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets replaces "enc:..." provider keys and relay tokens with
// their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Upstream.Providers {
		p := &cfg.Upstream.Providers[i]
		if err := decryptField(&p.APIKey, passphrase); err != nil {
			return fmt.Errorf("provider %s api_key: %w", p.Name, err)
		}
	}
	for i := range cfg.Relay.Tokens {
		if err := decryptField(&cfg.Relay.Tokens[i], passphrase); err != nil {
			return fmt.Errorf("relay token %d: %w", i, err)
		}
	}
	return nil
}

func decryptField(field *string, passphrase string) error {
	enc, ok := strings.CutPrefix(*field, "enc:")
	if !ok {
		return nil
	}
	plain, err := DecryptValue(enc, passphrase)
	if err != nil {
		return err
	}
	*field = plain
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file is not writable by others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Readable by others is fine; writable is not.
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
