package upstream

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/domain"
)

func TestBuildRequestAuthSchemes(t *testing.T) {
	tests := []struct {
		auth   domain.AuthScheme
		header string
		want   string
	}{
		{domain.AuthBearer, "Authorization", "Bearer k"},
		{domain.AuthXAPIKey, "x-api-key", "k"},
		{domain.AuthGoogAPIKey, "x-goog-api-key", "k"},
	}
	for _, tt := range tests {
		t.Run(string(tt.auth), func(t *testing.T) {
			req, err := BuildRequest(context.Background(), domain.Dispatch{
				URL: "https://api.example.com/v1", Auth: tt.auth, Credential: "k",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.Header.Get(tt.header))
			assert.Equal(t, http.MethodPost, req.Method)
		})
	}
}

func TestBuildRequestMissingCredential(t *testing.T) {
	_, err := BuildRequest(context.Background(), domain.Dispatch{
		URL: "https://api.example.com", Auth: domain.AuthBearer, Dialect: "openai-chat",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMissingCredential)
	assert.Equal(t, domain.CodeMissingCredential, domain.ErrorCodeOf(err))
}

func TestBuildRequestNoAuthNeedsNoCredential(t *testing.T) {
	req, err := BuildRequest(context.Background(), domain.Dispatch{
		URL: "http://localhost:11434/api/chat", Format: domain.FormatJSONNL,
	})
	require.NoError(t, err)
	assert.Empty(t, req.Header.Get("Authorization"))
	assert.Equal(t, "application/x-ndjson", req.Header.Get("Accept"))
}

func TestBuildRequestBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "/relative", "://"} {
		_, err := BuildRequest(context.Background(), domain.Dispatch{URL: u})
		require.Error(t, err, "url %q", u)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	}
}

func TestBuildRequestCustomHeadersAndReplayableBody(t *testing.T) {
	req, err := BuildRequest(context.Background(), domain.Dispatch{
		Method:  http.MethodPut,
		URL:     "https://api.example.com",
		Headers: map[string]string{"OpenAI-Organization": "org-1"},
		Body:    []byte(`{"a":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "org-1", req.Header.Get("OpenAI-Organization"))
	assert.Equal(t, "application/json", req.Header.Get("Accept"))

	require.NotNil(t, req.GetBody)
	for i := 0; i < 2; i++ {
		rc, err := req.GetBody()
		require.NoError(t, err)
		b, _ := io.ReadAll(rc)
		assert.Equal(t, `{"a":1}`, string(b))
	}
}

func TestEchoRedactsCredentials(t *testing.T) {
	req, err := BuildRequest(context.Background(), domain.Dispatch{
		URL:        "https://gen.example.com/v1beta/models/m:generateContent?key=secret&alt=sse",
		Auth:       domain.AuthGoogAPIKey,
		Credential: "secret",
	})
	require.NoError(t, err)

	e := Echo(req, []byte(`{"contents":[]}`), true)
	assert.Equal(t, "[REDACTED]", e.Headers["X-Goog-Api-Key"])
	assert.NotContains(t, e.URL, "secret")
	assert.Contains(t, e.URL, "alt=sse")
	assert.Equal(t, `{"contents":[]}`, e.Body)

	assert.Empty(t, Echo(req, []byte("x"), false).Body)
}
