package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/infra/config"
)

func TestFlagValue(t *testing.T) {
	args := []string{"--mock", "--config", "a.yaml", "--addr=127.0.0.1:1"}

	v, ok := flagValue(args, "config")
	assert.True(t, ok)
	assert.Equal(t, "a.yaml", v)

	v, ok = flagValue(args, "addr")
	assert.True(t, ok)
	assert.Equal(t, "127.0.0.1:1", v)

	_, ok = flagValue(args, "delay")
	assert.False(t, ok)

	_, ok = flagValue([]string{"--config"}, "config")
	assert.False(t, ok, "flag without a value")
}

func TestHasFlag(t *testing.T) {
	assert.True(t, hasFlag([]string{"--config", "x", "--mock"}, "mock"))
	assert.False(t, hasFlag([]string{"--mocked"}, "mock"))
}

func TestConfigPath(t *testing.T) {
	t.Setenv("CHATSTREAM_CONFIG", "")
	assert.Equal(t, "config.yaml", configPath(nil))

	t.Setenv("CHATSTREAM_CONFIG", "/etc/chatstream.yaml")
	assert.Equal(t, "/etc/chatstream.yaml", configPath(nil))
	assert.Equal(t, "b.yaml", configPath([]string{"--config=b.yaml"}), "flag wins over env")
}

func TestRunEncrypt(t *testing.T) {
	t.Setenv("CHATSTREAM_CONFIG_KEY", "")
	require.Error(t, runEncrypt([]string{"secret"}))

	t.Setenv("CHATSTREAM_CONFIG_KEY", "passphrase")
	assert.Error(t, runEncrypt(nil))
	assert.NoError(t, runEncrypt([]string{"secret"}))
}

func TestNewRelayWiresEngine(t *testing.T) {
	cfg := config.Defaults()
	cfg.Upstream.Providers = []config.ProviderConfig{{Name: "mock", Dialect: "ollama-chat", BaseURL: "http://127.0.0.1:8421", Model: "lorem"}}
	assert.NotNil(t, newRelay(cfg, slog.Default()))

	cfg.Relay.Tokens = []string{"t"}
	assert.NotNil(t, newRelay(cfg, slog.Default()))
}
