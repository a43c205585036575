package dialect

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"

	"chatstream/internal/domain"
)

// anthropicError is the payload of the "error" stream event, which the SDK
// event union does not model.
type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicCitationDelta is decoded locally so only web citations are kept.
type anthropicCitationDelta struct {
	Delta struct {
		Citation struct {
			Type  string `json:"type"`
			URL   string `json:"url"`
			Title string `json:"title"`
		} `json:"citation"`
	} `json:"delta"`
}

// AnthropicParser parses Messages API stream events and whole messages.
type AnthropicParser struct {
	logger    *slog.Logger
	calls     map[int64]string // block index -> tool_use id
	citations citationSet
}

// NewAnthropicParser creates a parser for one operation attempt.
func NewAnthropicParser(logger *slog.Logger) *AnthropicParser {
	return &AnthropicParser{
		logger:    logger,
		calls:     make(map[int64]string),
		citations: make(citationSet),
	}
}

// Parse implements domain.Parser.
func (p *AnthropicParser) Parse(tx domain.Transmitter, data, event string) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := decodeJSON("Anthropic.Parse", data, &head); err != nil {
		return err
	}
	typ := head.Type
	if typ == "" {
		typ = event
	}

	switch typ {
	case "ping":
		return nil
	case "error":
		return p.handleError(tx, data)
	case "message":
		var msg anthropic.Message
		if err := decodeJSON("Anthropic.Parse", data, &msg); err != nil {
			return err
		}
		p.handleWhole(tx, &msg)
		return nil
	}

	var ev anthropic.MessageStreamEventUnion
	if err := decodeJSON("Anthropic.Parse", data, &ev); err != nil {
		return err
	}

	switch e := ev.AsAny().(type) {
	case anthropic.MessageStartEvent:
		tx.SetModelName(string(e.Message.Model))
		u := e.Message.Usage
		tx.UpdateMetrics(domain.Metrics{
			InputTokens:      domain.Int(int(u.InputTokens)),
			CacheReadTokens:  domain.Int(int(u.CacheReadInputTokens)),
			CacheWriteTokens: domain.Int(int(u.CacheCreationInputTokens)),
		})

	case anthropic.ContentBlockStartEvent:
		block := e.ContentBlock
		switch block.Type {
		case "text":
			tx.AppendText(block.Text)
		case "thinking":
			tx.AppendReasoningText(block.Thinking)
			tx.AppendReasoningSignature(block.Signature)
		case "redacted_thinking":
			tx.AddRedactedReasoning(block.Data)
		case "tool_use":
			if block.ID == "" || block.Name == "" {
				return payloadError("Anthropic.Parse", "tool_use block %d without id or name", e.Index)
			}
			p.calls[e.Index] = block.ID
			tx.StartFunctionCall(block.ID, block.Name, "")
		case "server_tool_use":
			tx.AddVoidPlaceholder(block.Name)
		default:
			p.logger.Debug("anthropic: ignoring block", "type", block.Type)
		}

	case anthropic.ContentBlockDeltaEvent:
		return p.handleDelta(tx, e, data)

	case anthropic.ContentBlockStopEvent:
		delete(p.calls, e.Index)
		tx.EndMessagePart()

	case anthropic.MessageDeltaEvent:
		tx.UpdateMetrics(domain.Metrics{OutputTokens: domain.Int(int(e.Usage.OutputTokens))})
		if e.Delta.StopReason != "" {
			p.handleStop(tx, e.Delta.StopReason)
		}

	case anthropic.MessageStopEvent:
		tx.SetDialectEnded()

	default:
		p.logger.Debug("anthropic: ignoring event", "type", typ)
	}
	return nil
}

func (p *AnthropicParser) handleDelta(tx domain.Transmitter, e anthropic.ContentBlockDeltaEvent, data string) error {
	switch e.Delta.Type {
	case "text_delta":
		tx.AppendText(e.Delta.Text)
	case "thinking_delta":
		tx.AppendReasoningText(e.Delta.Thinking)
	case "signature_delta":
		tx.AppendReasoningSignature(e.Delta.Signature)
	case "input_json_delta":
		id, ok := p.calls[e.Index]
		if !ok {
			return payloadError("Anthropic.Parse", "input_json_delta for block %d without an open tool_use", e.Index)
		}
		return tx.AppendFunctionCallArgs(id, e.Delta.PartialJSON)
	case "citations_delta":
		var cd anthropicCitationDelta
		if err := decodeJSON("Anthropic.Parse", data, &cd); err != nil {
			return err
		}
		c := cd.Delta.Citation
		if c.URL != "" && p.citations.add(c.URL) {
			tx.AddURLCitation(c.URL, c.Title)
		}
	default:
		p.logger.Debug("anthropic: ignoring delta", "type", e.Delta.Type)
	}
	return nil
}

func (p *AnthropicParser) handleStop(tx domain.Transmitter, reason anthropic.StopReason) {
	switch reason {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence, anthropic.StopReasonPauseTurn:
		tx.SetTokenStopReason(domain.StopOK)
	case anthropic.StopReasonMaxTokens:
		tx.SetTokenStopReason(domain.StopOutOfTokens)
	case anthropic.StopReasonToolUse:
		tx.SetTokenStopReason(domain.StopToolCall)
	case anthropic.StopReasonRefusal:
		tx.SetTokenStopReason(domain.StopFilterContent)
		tx.SetDialectTerminatingIssue("The model declined to continue this response.", "🚫")
	default:
		p.logger.Debug("anthropic: unknown stop reason", "reason", reason)
	}
}

// handleWhole renders a non-streaming message.
func (p *AnthropicParser) handleWhole(tx domain.Transmitter, msg *anthropic.Message) {
	tx.SetModelName(string(msg.Model))
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			tx.AppendText(block.Text)
			for _, c := range block.Citations {
				if c.URL != "" && p.citations.add(c.URL) {
					tx.AddURLCitation(c.URL, c.Title)
				}
			}
		case "thinking":
			tx.AppendReasoningText(block.Thinking)
			tx.AppendReasoningSignature(block.Signature)
		case "redacted_thinking":
			tx.AddRedactedReasoning(block.Data)
		case "tool_use":
			args := string(block.Input)
			if !json.Valid(block.Input) {
				args = "{}"
			}
			tx.StartFunctionCall(block.ID, block.Name, args)
		case "server_tool_use":
			tx.AddVoidPlaceholder(block.Name)
		}
		tx.EndMessagePart()
	}

	u := msg.Usage
	tx.UpdateMetrics(domain.Metrics{
		InputTokens:      domain.Int(int(u.InputTokens)),
		CacheReadTokens:  domain.Int(int(u.CacheReadInputTokens)),
		CacheWriteTokens: domain.Int(int(u.CacheCreationInputTokens)),
		OutputTokens:     domain.Int(int(u.OutputTokens)),
	})
	if msg.StopReason != "" {
		p.handleStop(tx, msg.StopReason)
	}
}

func (p *AnthropicParser) handleError(tx domain.Transmitter, data string) error {
	var ev anthropicError
	if err := decodeJSON("Anthropic.Parse", data, &ev); err != nil {
		return err
	}
	if ev.Error.Type == "overloaded_error" {
		return domain.NewRetryableError("upstream overloaded", 529, fmt.Errorf("%s", ev.Error.Message))
	}
	tx.SetDialectTerminatingIssue(fmt.Sprintf("%s: %s", ev.Error.Type, ev.Error.Message), "")
	return nil
}

var _ domain.Parser = (*AnthropicParser)(nil)
