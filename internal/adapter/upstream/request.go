package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"chatstream/internal/domain"
)

// credentialHeaders are never echoed in clear.
var credentialHeaders = map[string]bool{
	"authorization":  true,
	"x-api-key":      true,
	"x-goog-api-key": true,
}

// BuildRequest turns a dispatch descriptor into an outbound request. The
// body is replayable so the connector can resend it on connect retries.
func BuildRequest(ctx context.Context, d domain.Dispatch) (*http.Request, error) {
	u, err := url.Parse(d.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, domain.NewSubSystemError("upstream", "BuildRequest", domain.ErrInvalidInput,
			fmt.Sprintf("dispatch url %q is not an absolute http(s) URL", d.URL))
	}
	if d.Auth != domain.AuthNone && d.Credential == "" {
		return nil, domain.NewDomainError("BuildRequest", domain.ErrMissingCredential,
			fmt.Sprintf("dialect %s needs a %s credential", d.Dialect, d.Auth))
	}

	method := d.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(d.Body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	switch d.Format {
	case domain.FormatSSE:
		req.Header.Set("Accept", "text/event-stream")
	case domain.FormatJSONNL:
		req.Header.Set("Accept", "application/x-ndjson")
	default:
		req.Header.Set("Accept", "application/json")
	}
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}

	switch d.Auth {
	case domain.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+d.Credential)
	case domain.AuthXAPIKey:
		req.Header.Set("x-api-key", d.Credential)
	case domain.AuthGoogAPIKey:
		req.Header.Set("x-goog-api-key", d.Credential)
	}
	return req, nil
}

// Echo renders req for a debug-echo particle with credentials redacted.
// The body is included only when includeBody is set.
func Echo(req *http.Request, body []byte, includeBody bool) *domain.EchoRequest {
	e := &domain.EchoRequest{
		Method:  req.Method,
		URL:     redactURL(req.URL),
		Headers: make(map[string]string, len(req.Header)),
	}
	for k, vs := range req.Header {
		v := strings.Join(vs, ", ")
		if credentialHeaders[strings.ToLower(k)] {
			v = "[REDACTED]"
		}
		e.Headers[k] = v
	}
	if includeBody {
		e.Body = string(body)
	}
	return e
}

// redactURL hides query parameters that carry keys.
func redactURL(u *url.URL) string {
	q := u.Query()
	if !q.Has("key") {
		return u.String()
	}
	c := *u
	q.Set("key", "REDACTED")
	c.RawQuery = q.Encode()
	return c.String()
}
