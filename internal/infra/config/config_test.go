package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Dispatch.HeartbeatInterval != 10*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 10s", cfg.Dispatch.HeartbeatInterval)
	}
	if cfg.Retry.MaxAttempts != 4 {
		t.Errorf("Retry.MaxAttempts = %d, want 4", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay != time.Second || cfg.Retry.MaxDelay != 10*time.Second {
		t.Errorf("Retry delays = %v/%v, want 1s/10s", cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)
	}
	if !cfg.Upstream.CircuitBreaker.Enabled {
		t.Error("circuit breaker should be enabled by default")
	}
	if cfg.Relay.Addr != "127.0.0.1:8420" {
		t.Errorf("Relay.Addr = %q", cfg.Relay.Addr)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/chatstream.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.ReadBufferSize != 32*1024 {
		t.Errorf("ReadBufferSize = %d, want default", cfg.Dispatch.ReadBufferSize)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
dispatch:
  heartbeat_interval: 2s
  debug:
    echo: true
    allow_contexts: ["chat", "eval"]
retry:
  max_attempts: 2
upstream:
  providers:
    - name: "openai"
      dialect: "openai-chat"
      base_url: "https://api.openai.com/v1"
      api_key: "sk-test"
      model: "gpt-4o"
    - name: "local"
      dialect: "ollama-chat"
      base_url: "http://localhost:11434"
      model: "llama3"
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.HeartbeatInterval != 2*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 2s", cfg.Dispatch.HeartbeatInterval)
	}
	if !cfg.Dispatch.Debug.Echo || len(cfg.Dispatch.Debug.AllowContexts) != 2 {
		t.Errorf("Debug = %+v", cfg.Dispatch.Debug)
	}
	if cfg.Retry.MaxAttempts != 2 {
		t.Errorf("Retry.MaxAttempts = %d, want 2", cfg.Retry.MaxAttempts)
	}
	// Unset fields keep defaults.
	if cfg.Retry.BaseDelay != time.Second {
		t.Errorf("Retry.BaseDelay = %v, want default 1s", cfg.Retry.BaseDelay)
	}
	if len(cfg.Upstream.Providers) != 2 {
		t.Fatalf("Providers = %d, want 2", len(cfg.Upstream.Providers))
	}
	if cfg.Upstream.Providers[1].Dialect != "ollama-chat" {
		t.Errorf("Providers[1].Dialect = %q", cfg.Upstream.Providers[1].Dialect)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
}

func TestLoadValidationFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
upstream:
  providers:
    - name: "x"
      dialect: "carrier-pigeon"
      base_url: "https://example.com"
      model: "m"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `dialect "carrier-pigeon" is invalid`)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATSTREAM_LOGGER_LEVEL", "error")
	t.Setenv("CHATSTREAM_LOGGER_FORMAT", "text")
	t.Setenv("CHATSTREAM_LOGGER_OUTPUT", "stdout")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Logger.Level != "error" || cfg.Logger.Format != "text" || cfg.Logger.Output != "stdout" {
		t.Errorf("Logger = %+v", cfg.Logger)
	}
}

func TestApplyEnvOverridesTracer(t *testing.T) {
	t.Setenv("CHATSTREAM_TRACER_ENABLED", "true")
	t.Setenv("CHATSTREAM_TRACER_EXPORTER", "stdout")
	t.Setenv("CHATSTREAM_TRACER_SAMPLE_RATIO", "0.25")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if !cfg.Tracer.Enabled || cfg.Tracer.Exporter != "stdout" || cfg.Tracer.SampleRatio != 0.25 {
		t.Errorf("Tracer = %+v", cfg.Tracer)
	}
}

func TestApplyEnvOverridesDispatch(t *testing.T) {
	t.Setenv("CHATSTREAM_DISPATCH_HEARTBEAT_INTERVAL", "250ms")
	t.Setenv("CHATSTREAM_DISPATCH_DEBUG_ECHO", "true")
	t.Setenv("CHATSTREAM_DISPATCH_DEBUG_PROFILE", "true")
	t.Setenv("CHATSTREAM_DISPATCH_DEBUG_ALLOW_CONTEXTS", " chat , ,eval")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Dispatch.HeartbeatInterval != 250*time.Millisecond {
		t.Errorf("HeartbeatInterval = %v", cfg.Dispatch.HeartbeatInterval)
	}
	if !cfg.Dispatch.Debug.Echo || !cfg.Dispatch.Debug.Profile {
		t.Errorf("Debug = %+v", cfg.Dispatch.Debug)
	}
	got := strings.Join(cfg.Dispatch.Debug.AllowContexts, "|")
	if got != "chat|eval" {
		t.Errorf("AllowContexts = %q, want %q", got, "chat|eval")
	}
}

func TestApplyEnvOverridesInvalidDurationIgnored(t *testing.T) {
	t.Setenv("CHATSTREAM_DISPATCH_HEARTBEAT_INTERVAL", "soon")
	t.Setenv("CHATSTREAM_RETRY_MAX_ATTEMPTS", "-1")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Dispatch.HeartbeatInterval != 10*time.Second {
		t.Errorf("HeartbeatInterval = %v, want default", cfg.Dispatch.HeartbeatInterval)
	}
	if cfg.Retry.MaxAttempts != 4 {
		t.Errorf("Retry.MaxAttempts = %d, want default", cfg.Retry.MaxAttempts)
	}
}

func TestApplyEnvOverridesRetry(t *testing.T) {
	t.Setenv("CHATSTREAM_RETRY_MAX_ATTEMPTS", "6")
	t.Setenv("CHATSTREAM_RETRY_BASE_DELAY", "50ms")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Retry.MaxAttempts != 6 || cfg.Retry.BaseDelay != 50*time.Millisecond {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
}

func TestApplyEnvOverridesUpstream(t *testing.T) {
	t.Setenv("CHATSTREAM_UPSTREAM_REQUESTS_PER_MIN", "30")
	t.Setenv("CHATSTREAM_UPSTREAM_CONNECT_RETRY_MAX_ATTEMPTS", "1")
	t.Setenv("CHATSTREAM_UPSTREAM_CIRCUIT_BREAKER_ENABLED", "false")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Upstream.RequestsPerMin != 30 {
		t.Errorf("RequestsPerMin = %d, want 30", cfg.Upstream.RequestsPerMin)
	}
	if cfg.Upstream.ConnectRetry.MaxAttempts != 1 {
		t.Errorf("ConnectRetry.MaxAttempts = %d, want 1", cfg.Upstream.ConnectRetry.MaxAttempts)
	}
	if cfg.Upstream.CircuitBreaker.Enabled {
		t.Error("circuit breaker should be disabled")
	}
}

func TestApplyEnvOverridesProvider(t *testing.T) {
	t.Setenv("CHATSTREAM_PROVIDER_AZURE_EAST_API_KEY", "sk-env")
	t.Setenv("CHATSTREAM_PROVIDER_AZURE_EAST_BASE_URL", "https://east.example.com")

	cfg := Defaults()
	cfg.Upstream.Providers = []ProviderConfig{
		{Name: "azure-east", APIKey: "sk-file", BaseURL: "https://file.example.com"},
		{Name: "other", APIKey: "sk-other"},
	}
	ApplyEnvOverrides(cfg)

	if cfg.Upstream.Providers[0].APIKey != "sk-env" {
		t.Errorf("APIKey = %q, want %q", cfg.Upstream.Providers[0].APIKey, "sk-env")
	}
	if cfg.Upstream.Providers[0].BaseURL != "https://east.example.com" {
		t.Errorf("BaseURL = %q", cfg.Upstream.Providers[0].BaseURL)
	}
	if cfg.Upstream.Providers[1].APIKey != "sk-other" {
		t.Errorf("unrelated provider changed: %q", cfg.Upstream.Providers[1].APIKey)
	}
}

func TestApplyEnvOverridesRelay(t *testing.T) {
	t.Setenv("CHATSTREAM_RELAY_ADDR", ":9000")
	t.Setenv("CHATSTREAM_RELAY_TOKENS", "a, b")
	t.Setenv("CHATSTREAM_RELAY_RATE_LIMIT", "0")
	t.Setenv("CHATSTREAM_RELAY_TRUSTED_PROXIES", "10.0.0.0/8")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Relay.Addr != ":9000" {
		t.Errorf("Addr = %q", cfg.Relay.Addr)
	}
	if len(cfg.Relay.Tokens) != 2 || cfg.Relay.Tokens[1] != "b" {
		t.Errorf("Tokens = %v", cfg.Relay.Tokens)
	}
	if cfg.Relay.RateLimit != 0 {
		t.Errorf("RateLimit = %d, want 0", cfg.Relay.RateLimit)
	}
	if len(cfg.Relay.TrustedProxies) != 1 {
		t.Errorf("TrustedProxies = %v", cfg.Relay.TrustedProxies)
	}
}

func TestEnvName(t *testing.T) {
	tests := map[string]string{
		"openai":       "OPENAI",
		"azure-east":   "AZURE_EAST",
		"my.local box": "MY_LOCAL_BOX",
	}
	for in, want := range tests {
		if got := envName(in); got != want {
			t.Errorf("envName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	passphrase := "test-pass"
	encrypted, err := EncryptValue("my-secret", passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	if encrypted == "my-secret" {
		t.Error("encrypted value should differ from plaintext")
	}

	decrypted, err := DecryptValue(encrypted, passphrase)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if decrypted != "my-secret" {
		t.Errorf("decrypted = %q, want %q", decrypted, "my-secret")
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := EncryptValue("secret", "right")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptValue(encrypted, "wrong"); err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestDecryptValueInvalidFormat(t *testing.T) {
	if _, err := DecryptValue("no-colon-here", "passphrase"); err == nil {
		t.Error("expected error for invalid format")
	}
}

func TestDecryptValueInvalidSalt(t *testing.T) {
	if _, err := DecryptValue("zzzz:aabb", "passphrase"); err == nil {
		t.Error("expected error for invalid salt hex")
	}
}

func TestDecryptValueInvalidCiphertext(t *testing.T) {
	if _, err := DecryptValue("aabb:zzzz", "passphrase"); err == nil {
		t.Error("expected error for invalid ciphertext hex")
	}
}

func TestDecryptValueTooShort(t *testing.T) {
	// Valid hex but too short for nonce+ciphertext
	_, err := DecryptValue("aabbccddee112233aabbccddee112233:aabb", "passphrase")
	if err == nil {
		t.Error("expected error for ciphertext too short")
	}
}

func TestDecryptSecrets(t *testing.T) {
	passphrase := "pp"
	encKey, err := EncryptValue("sk-real", passphrase)
	if err != nil {
		t.Fatal(err)
	}
	encTok, err := EncryptValue("relay-real", passphrase)
	if err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	cfg.Upstream.Providers = []ProviderConfig{
		{Name: "a", APIKey: "enc:" + encKey},
		{Name: "b", APIKey: "plain-key"},
	}
	cfg.Relay.Tokens = []string{"enc:" + encTok, "plain-token"}

	if err := decryptSecrets(cfg, passphrase); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}
	if cfg.Upstream.Providers[0].APIKey != "sk-real" {
		t.Errorf("Providers[0].APIKey = %q", cfg.Upstream.Providers[0].APIKey)
	}
	if cfg.Upstream.Providers[1].APIKey != "plain-key" {
		t.Errorf("non-encrypted key changed: %q", cfg.Upstream.Providers[1].APIKey)
	}
	if cfg.Relay.Tokens[0] != "relay-real" || cfg.Relay.Tokens[1] != "plain-token" {
		t.Errorf("Tokens = %v", cfg.Relay.Tokens)
	}
}

func TestDecryptSecretsInvalidCiphertext(t *testing.T) {
	cfg := Defaults()
	cfg.Upstream.Providers = []ProviderConfig{{Name: "a", APIKey: "enc:garbage"}}
	err := decryptSecrets(cfg, "pp")
	if err == nil {
		t.Fatal("expected error")
	}
	assertContains(t, err.Error(), "provider a api_key")
}

func TestLoadInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "insecure.yaml")
	if err := os.WriteFile(path, []byte("retry:\n  max_attempts: 5\n"), 0600); err != nil {
		t.Fatal(err)
	}
	// WriteFile honours umask; chmod explicitly.
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for insecure permissions")
	}
}

func TestLoadWithConfigKey(t *testing.T) {
	passphrase := "test-load-key"
	plainKey := "sk-loadtest"

	encrypted, err := EncryptValue(plainKey, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
upstream:
  providers:
    - name: "openai"
      dialect: "openai-chat"
      base_url: "https://api.openai.com/v1"
      model: "gpt-4o"
      api_key: "enc:` + encrypted + `"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CHATSTREAM_CONFIG_KEY", passphrase)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Upstream.Providers[0].APIKey != plainKey {
		t.Errorf("APIKey = %q, want %q", cfg.Upstream.Providers[0].APIKey, plainKey)
	}
}

func TestLoadDecryptSecretsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
upstream:
  providers:
    - name: "openai"
      dialect: "openai-chat"
      base_url: "https://api.openai.com/v1"
      model: "gpt-4o"
      api_key: "enc:invalid-not-hex"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CHATSTREAM_CONFIG_KEY", "some-passphrase")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error from decrypt secrets")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("dispatch: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidatePermissions(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		mode    os.FileMode
		wantErr bool
	}{
		{"owner only", 0600, false},
		{"world readable", 0644, false},
		{"group writable", 0660, true},
		{"world writable", 0606, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".yaml")
			if err := os.WriteFile(path, nil, 0600); err != nil {
				t.Fatal(err)
			}
			if err := os.Chmod(path, tt.mode); err != nil {
				t.Fatal(err)
			}
			err := validatePermissions(path)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePermissions(%o) error = %v, wantErr %v", tt.mode, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePermissionsStatError(t *testing.T) {
	if err := validatePermissions("/nonexistent/file.yaml"); err == nil {
		t.Error("expected error for non-existent file")
	}
}
