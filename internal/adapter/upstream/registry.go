package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"chatstream/internal/adapter/dialect"
	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
)

const anthropicVersion = "2023-06-01"

// Request asks for one generation against a named provider. Body is the
// dialect-native request object; model and stream fields are filled in
// when the caller left them out.
type Request struct {
	Provider    string          `json:"provider"`
	Body        json.RawMessage `json:"body"`
	Stream      bool            `json:"stream"`
	ContextName string          `json:"contextName,omitempty"`
}

// Registry resolves named providers from configuration into dispatch
// descriptors.
type Registry struct {
	providers map[string]config.ProviderConfig
}

// NewRegistry indexes providers by name. Later duplicates win; config
// validation rejects them before this point.
func NewRegistry(providers []config.ProviderConfig) *Registry {
	r := &Registry{providers: make(map[string]config.ProviderConfig, len(providers))}
	for _, p := range providers {
		r.providers[p.Name] = p
	}
	return r
}

// Names returns provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Provider returns the named provider config.
func (r *Registry) Provider(name string) (config.ProviderConfig, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Resolve builds the dispatch descriptor for req. A missing credential is
// not an error here; it fails later in the orchestrator's Prepare stage.
func (r *Registry) Resolve(req Request) (domain.Dispatch, error) {
	p, ok := r.providers[req.Provider]
	if !ok {
		return domain.Dispatch{}, domain.NewDomainError("Registry.Resolve", domain.ErrProviderNotFound, fmt.Sprintf("%q", req.Provider))
	}

	body, err := fillBody(req.Body, p, req.Stream)
	if err != nil {
		return domain.Dispatch{}, err
	}

	d := domain.Dispatch{
		URL:         endpoint(p, req.Stream),
		Headers:     make(map[string]string, len(p.Headers)+1),
		Body:        body,
		Credential:  p.APIKey,
		Dialect:     p.Dialect,
		Format:      format(p.Dialect, req.Stream),
		ContextName: req.ContextName,
	}
	for k, v := range p.Headers {
		d.Headers[k] = v
	}

	switch p.Dialect {
	case dialect.OpenAIChat, dialect.OpenAIResponses:
		d.Auth = domain.AuthBearer
	case dialect.AnthropicMessages:
		d.Auth = domain.AuthXAPIKey
		if _, ok := d.Headers["anthropic-version"]; !ok {
			d.Headers["anthropic-version"] = anthropicVersion
		}
	case dialect.GeminiGenerate:
		d.Auth = domain.AuthGoogAPIKey
	case dialect.OllamaChat:
		// Local servers run unauthenticated; a configured key is still sent.
		if p.APIKey != "" {
			d.Auth = domain.AuthBearer
		}
	}
	return d, nil
}

func endpoint(p config.ProviderConfig, stream bool) string {
	base := strings.TrimRight(p.BaseURL, "/")
	switch p.Dialect {
	case dialect.OpenAIChat:
		return base + "/chat/completions"
	case dialect.OpenAIResponses:
		return base + "/responses"
	case dialect.AnthropicMessages:
		return base + "/v1/messages"
	case dialect.GeminiGenerate:
		model := url.PathEscape(p.Model)
		if stream {
			return base + "/v1beta/models/" + model + ":streamGenerateContent?alt=sse"
		}
		return base + "/v1beta/models/" + model + ":generateContent"
	case dialect.OllamaChat:
		return base + "/api/chat"
	}
	return base
}

func format(dialectID string, stream bool) domain.DemuxFormat {
	switch {
	case !stream:
		return domain.FormatNone
	case dialectID == dialect.OllamaChat:
		return domain.FormatJSONNL
	default:
		return domain.FormatSSE
	}
}

// fillBody sets model and stream on dialects that carry them in the body.
// Fields the caller already set are left alone, except stream, which must
// agree with the demux format.
func fillBody(raw json.RawMessage, p config.ProviderConfig, stream bool) ([]byte, error) {
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		raw = json.RawMessage("{}")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, domain.NewSubSystemError("upstream", "Registry.Resolve", domain.ErrInvalidInput, "request body must be a JSON object")
	}
	if p.Dialect == dialect.GeminiGenerate {
		return raw, nil
	}

	if _, ok := obj["model"]; !ok && p.Model != "" {
		obj["model"], _ = json.Marshal(p.Model)
	}
	obj["stream"], _ = json.Marshal(stream)
	if stream && p.Dialect == dialect.OpenAIChat {
		if _, ok := obj["stream_options"]; !ok {
			obj["stream_options"] = json.RawMessage(`{"include_usage":true}`)
		}
	}
	return json.Marshal(obj)
}
