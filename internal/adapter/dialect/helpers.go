package dialect

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"chatstream/internal/domain"
)

// decodeJSON unmarshals a dialect payload, wrapping failures as malformed.
func decodeJSON(op, data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return domain.NewSubSystemError("dialect", op, domain.ErrMalformedPayload, err.Error())
	}
	return nil
}

// payloadError reports a structurally valid payload with invalid content.
func payloadError(op, format string, args ...any) error {
	return domain.NewSubSystemError("dialect", op, domain.ErrInvalidInput, fmt.Sprintf(format, args...))
}

// redistributeUsage converts raw totals into canonical metrics. Cached input
// and reasoning output are reported as their own fields and subtracted from
// the totals they were included in.
func redistributeUsage(input, cached, output, reasoning int, hasCached, hasReasoning bool) domain.Metrics {
	m := domain.Metrics{
		InputTokens:  domain.Int(input),
		OutputTokens: domain.Int(output),
	}
	if hasCached {
		m.InputTokens = domain.Int(max(input-cached, 0))
		m.CacheReadTokens = domain.Int(cached)
	}
	if hasReasoning && reasoning > 0 {
		m.OutputTokens = domain.Int(max(output-reasoning, 0))
		m.ReasoningTokens = domain.Int(reasoning)
	}
	return m
}

// citationSet de-duplicates citations re-sent in full-object snapshots.
type citationSet map[string]struct{}

// add reports whether url is new.
func (s citationSet) add(url string) bool {
	if url == "" {
		return false
	}
	if _, ok := s[url]; ok {
		return false
	}
	s[url] = struct{}{}
	return true
}

// parseDataURL decodes a base64 "data:" URL into its mime type and bytes.
func parseDataURL(u string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(u, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("data url without payload")
	}
	mimeType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return mimeType, []byte(payload), nil
	}
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data url: %w", err)
	}
	return mimeType, b, nil
}
