package dialect

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"chatstream/internal/domain"
)

type ollamaChunk struct {
	Model   string `json:"model"`
	Message *struct {
		Content   string `json:"content"`
		Thinking  string `json:"thinking"`
		ToolCalls []struct {
			Function struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	TotalDuration   int64  `json:"total_duration"`
	Error           string `json:"error"`
}

// OllamaParser parses the newline-delimited chat stream of a local Ollama
// server.
type OllamaParser struct {
	logger  *slog.Logger
	think   thinkTagSplitter
	calls   int
	sawCall bool
}

// NewOllamaParser creates a parser for one operation attempt.
func NewOllamaParser(logger *slog.Logger) *OllamaParser {
	return &OllamaParser{logger: logger}
}

// Parse implements domain.Parser.
func (p *OllamaParser) Parse(tx domain.Transmitter, data, _ string) error {
	var chunk ollamaChunk
	if err := decodeJSON("Ollama.Parse", data, &chunk); err != nil {
		return err
	}
	if chunk.Error != "" {
		tx.SetDialectTerminatingIssue(chunk.Error, "")
		return nil
	}

	tx.SetModelName(chunk.Model)

	if msg := chunk.Message; msg != nil {
		tx.AppendReasoningText(msg.Thinking)
		if msg.Content != "" {
			p.think.Push(tx, msg.Content)
		}
		for _, tc := range msg.ToolCalls {
			if tc.Function.Name == "" {
				return payloadError("Ollama.Parse", "tool call without name")
			}
			args := string(tc.Function.Arguments)
			if args == "" || args == "null" {
				args = "{}"
			}
			tx.StartFunctionCall(fmt.Sprintf("call_%d", p.calls), tc.Function.Name, args)
			tx.EndMessagePart()
			p.calls++
			p.sawCall = true
		}
	}

	if !chunk.Done {
		return nil
	}

	p.think.Finish(tx)
	m := domain.Metrics{
		InputTokens:  domain.Int(chunk.PromptEvalCount),
		OutputTokens: domain.Int(chunk.EvalCount),
	}
	if chunk.TotalDuration > 0 {
		m.UpstreamMs = domain.Int(int(chunk.TotalDuration / 1_000_000))
	}
	tx.UpdateMetrics(m)

	switch {
	case chunk.DoneReason == "length":
		tx.SetTokenStopReason(domain.StopOutOfTokens)
	case p.sawCall:
		tx.SetTokenStopReason(domain.StopToolCall)
	default:
		tx.SetTokenStopReason(domain.StopOK)
	}
	tx.SetDialectEnded()
	return nil
}

// Finish implements domain.Finisher.
func (p *OllamaParser) Finish(tx domain.Transmitter) {
	p.think.Finish(tx)
}

var (
	_ domain.Parser   = (*OllamaParser)(nil)
	_ domain.Finisher = (*OllamaParser)(nil)
)
