package mockupstream

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/adapter/upstream"
	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
	"chatstream/internal/usecase/executor"
	"chatstream/internal/usecase/retrier"
)

func newMock(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(0, slog.Default()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestOpenAIStreamWireFormat(t *testing.T) {
	srv := newMock(t)
	resp := post(t, srv.URL+"/v1/chat/completions", `{"model":"lorem-fast","stream":true,"max_tokens":5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var data []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if line, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			data = append(data, line)
		}
	}
	require.Len(t, data, 5+3, "five words, finish chunk, usage chunk, done marker")
	assert.Equal(t, "[DONE]", data[len(data)-1])
	assert.Contains(t, data[5], `"finish_reason":"stop"`)
}

func TestOllamaWholeResponse(t *testing.T) {
	srv := newMock(t)
	resp := post(t, srv.URL+"/api/chat", `{"model":"lorem","stream":false,"options":{"num_predict":7}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Done    bool `json:"done"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		EvalCount int `json:"eval_count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Done)
	assert.Equal(t, 7, body.EvalCount)
	assert.Len(t, strings.Fields(body.Message.Content), 7)
}

func TestFlakyModelFailsEveryOtherRequest(t *testing.T) {
	srv := newMock(t)
	first := post(t, srv.URL+"/api/chat", `{"model":"lorem-flaky","stream":false}`)
	second := post(t, srv.URL+"/api/chat", `{"model":"lorem-flaky","stream":false}`)
	assert.Equal(t, http.StatusServiceUnavailable, first.StatusCode)
	assert.Equal(t, "1", first.Header.Get("Retry-After"))
	assert.Equal(t, http.StatusOK, second.StatusCode)
}

func TestBadJSON(t *testing.T) {
	srv := newMock(t)
	resp := post(t, srv.URL+"/chat/completions", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTokensAreSpaceJoined(t *testing.T) {
	s := New(0, slog.Default())
	toks := s.tokens(12)
	require.Len(t, toks, 12)
	assert.False(t, strings.HasPrefix(toks[0], " "))
	for _, tok := range toks[1:] {
		assert.True(t, strings.HasPrefix(tok, " "))
	}
}

// --- end to end through the engine ---

func pipeline(t *testing.T, ucfg config.UpstreamConfig) *retrier.Retrier {
	t.Helper()
	ucfg.CircuitBreaker.Enabled = false
	conn := upstream.NewConnector(ucfg, nil, slog.Default())
	exec := executor.New(config.DispatchConfig{HeartbeatInterval: time.Minute}, conn, slog.Default())
	return retrier.New(config.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, exec, slog.Default())
}

func resolve(t *testing.T, srv *httptest.Server, dialect, model string, stream bool) domain.Dispatch {
	t.Helper()
	base := srv.URL
	if dialect == "openai-chat" {
		base += "/v1"
	}
	reg := upstream.NewRegistry([]config.ProviderConfig{{Name: "mock", Dialect: dialect, BaseURL: base, Model: model, APIKey: "mock"}})
	d, err := reg.Resolve(upstream.Request{Provider: "mock", Stream: stream, Body: json.RawMessage(`{"max_tokens":6,"options":{"num_predict":6}}`)})
	require.NoError(t, err)
	return d
}

func runAll(t *testing.T, r *retrier.Retrier, d domain.Dispatch) ([]domain.Particle, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	particles, errc := r.Stream(ctx, d)
	var got []domain.Particle
	for p := range particles {
		got = append(got, p)
	}
	return got, <-errc
}

func text(ps []domain.Particle) string {
	var sb strings.Builder
	for _, p := range ps {
		if p.Kind == domain.KindText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func TestEngineAgainstMock(t *testing.T) {
	srv := newMock(t)
	ucfg := config.Defaults().Upstream

	tests := []struct {
		dialect string
		stream  bool
		reason  domain.TerminationReason
	}{
		{"openai-chat", true, domain.TerminationDialectDone},
		{"openai-chat", false, domain.TerminationDispatchClosed},
		{"ollama-chat", true, domain.TerminationDialectDone},
		{"ollama-chat", false, domain.TerminationDispatchClosed},
	}
	for _, tt := range tests {
		name := tt.dialect
		if !tt.stream {
			name += "/whole"
		}
		t.Run(name, func(t *testing.T) {
			got, err := runAll(t, pipeline(t, ucfg), resolve(t, srv, tt.dialect, "lorem-fast", tt.stream))
			require.NoError(t, err)
			require.NotEmpty(t, got)

			assert.Len(t, strings.Fields(text(got)), 6)
			last := got[len(got)-1]
			require.Equal(t, domain.KindEnd, last.Kind)
			assert.Equal(t, tt.reason, last.End.Reason)
			assert.Equal(t, domain.StopOK, last.End.StopReason)
		})
	}
}

func TestEngineRetriesFlakyConnect(t *testing.T) {
	srv := newMock(t)
	ucfg := config.Defaults().Upstream
	ucfg.ConnectRetry = config.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	got, err := runAll(t, pipeline(t, ucfg), resolve(t, srv, "ollama-chat", "lorem-fast-flaky", true))
	require.NoError(t, err)
	require.Equal(t, domain.KindRetryReset, got[0].Kind)
	assert.Equal(t, domain.RetryScopeDispatch, got[0].Retry.Scope)
	assert.Equal(t, http.StatusServiceUnavailable, got[0].Retry.CauseHTTPStatus)
	assert.Equal(t, domain.KindEnd, got[len(got)-1].Kind)
}

func TestEngineOverloadExhaustsOperationRetries(t *testing.T) {
	srv := newMock(t)

	got, err := runAll(t, pipeline(t, config.Defaults().Upstream), resolve(t, srv, "openai-chat", "lorem-fast-overload", true))
	require.Error(t, err)
	assert.True(t, domain.IsRetryableError(err))

	resets := 0
	for _, p := range got {
		assert.NotEqual(t, domain.KindEnd, p.Kind)
		if p.Kind == domain.KindRetryReset {
			resets++
			assert.True(t, p.Retry.ShallClear)
		}
	}
	assert.Equal(t, 1, resets, "two attempts, one reset")
}
