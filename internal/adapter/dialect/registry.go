// Package dialect holds one parser per upstream wire protocol.
package dialect

import (
	"fmt"
	"log/slog"
	"sort"

	"chatstream/internal/domain"
)

// Dialect identifiers.
const (
	OpenAIChat        = "openai-chat"
	OpenAIResponses   = "openai-responses"
	AnthropicMessages = "anthropic-messages"
	GeminiGenerate    = "gemini-generate"
	OllamaChat        = "ollama-chat"
)

// Factory builds a fresh parser for one operation attempt.
type Factory func(logger *slog.Logger) domain.Parser

// registry is fixed at compile time; dialects are never added at runtime.
var registry = map[string]Factory{
	OpenAIChat:        func(l *slog.Logger) domain.Parser { return NewOpenAIChatParser(l) },
	OpenAIResponses:   func(l *slog.Logger) domain.Parser { return NewOpenAIResponsesParser(l) },
	AnthropicMessages: func(l *slog.Logger) domain.Parser { return NewAnthropicParser(l) },
	GeminiGenerate:    func(l *slog.Logger) domain.Parser { return NewGeminiParser(l) },
	OllamaChat:        func(l *slog.Logger) domain.Parser { return NewOllamaParser(l) },
}

// New returns a fresh parser for the dialect id.
func New(id string, logger *slog.Logger) (domain.Parser, error) {
	f, ok := registry[id]
	if !ok {
		return nil, domain.NewDomainError("dialect.New", domain.ErrDialectNotFound, fmt.Sprintf("%q", id))
	}
	return f(logger.With("dialect", id)), nil
}

// IDs returns the registered dialect identifiers in sorted order.
func IDs() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Exists reports whether id names a registered dialect.
func Exists(id string) bool {
	_, ok := registry[id]
	return ok
}
