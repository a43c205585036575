package dialect

import (
	"fmt"
	"log/slog"
	"strings"

	"chatstream/internal/domain"
)

// --- OpenAI chat completions wire types ---

type openaiChunk struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage"`
	Error   *openaiError   `json:"error"`
}

type openaiChoice struct {
	Index        int            `json:"index"`
	Delta        *openaiMessage `json:"delta"`
	Message      *openaiMessage `json:"message"`
	FinishReason *string        `json:"finish_reason"`
}

type openaiMessage struct {
	Role             string             `json:"role"`
	Content          *string            `json:"content"`
	ReasoningContent string             `json:"reasoning_content"`
	Reasoning        string             `json:"reasoning"`
	Refusal          *string            `json:"refusal"`
	ToolCalls        []openaiToolCall   `json:"tool_calls"`
	Annotations      []openaiAnnotation `json:"annotations"`
	Images           []openaiImage      `json:"images"`
}

type openaiToolCall struct {
	Index    *int   `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiAnnotation struct {
	Type        string `json:"type"`
	URLCitation *struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"url_citation"`
}

type openaiImage struct {
	Type     string `json:"type"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

type openaiUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// openaiCall is the identity established by the first chunk of a tool call.
type openaiCall struct {
	id   string
	name string
}

// OpenAIChatParser parses chat-completions chunks and whole responses.
type OpenAIChatParser struct {
	logger    *slog.Logger
	calls     map[int]openaiCall
	citations citationSet
	think     thinkTagSplitter
}

// NewOpenAIChatParser creates a parser for one operation attempt.
func NewOpenAIChatParser(logger *slog.Logger) *OpenAIChatParser {
	return &OpenAIChatParser{
		logger:    logger,
		calls:     make(map[int]openaiCall),
		citations: make(citationSet),
	}
}

// Parse implements domain.Parser.
func (p *OpenAIChatParser) Parse(tx domain.Transmitter, data, _ string) error {
	var chunk openaiChunk
	if err := decodeJSON("OpenAIChat.Parse", data, &chunk); err != nil {
		return err
	}

	if chunk.Error != nil {
		return p.handleError(tx, chunk.Error)
	}

	tx.SetModelName(chunk.Model)

	for _, choice := range chunk.Choices {
		// Only the first choice is rendered.
		if choice.Index != 0 {
			continue
		}
		msg := choice.Delta
		if msg == nil {
			msg = choice.Message
		}
		if msg != nil {
			if err := p.handleMessage(tx, msg); err != nil {
				return err
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			p.handleFinish(tx, *choice.FinishReason)
		}
	}

	if chunk.Usage != nil {
		tx.UpdateMetrics(openaiMetrics(chunk.Usage))
	}
	return nil
}

// Finish implements domain.Finisher.
func (p *OpenAIChatParser) Finish(tx domain.Transmitter) {
	p.think.Finish(tx)
}

func (p *OpenAIChatParser) handleMessage(tx domain.Transmitter, msg *openaiMessage) error {
	if msg.ReasoningContent != "" {
		tx.AppendReasoningText(msg.ReasoningContent)
	} else if msg.Reasoning != "" {
		tx.AppendReasoningText(msg.Reasoning)
	}

	if msg.Content != nil && *msg.Content != "" {
		p.think.Push(tx, *msg.Content)
	}
	if msg.Refusal != nil && *msg.Refusal != "" {
		tx.AppendText(*msg.Refusal)
	}

	for _, a := range msg.Annotations {
		if a.Type == "url_citation" && a.URLCitation != nil && p.citations.add(a.URLCitation.URL) {
			tx.AddURLCitation(a.URLCitation.URL, a.URLCitation.Title)
		}
	}

	for _, img := range msg.Images {
		mimeType, b, err := parseDataURL(img.ImageURL.URL)
		if err != nil {
			p.logger.Warn("openai: skipping non-inline image", "error", err)
			continue
		}
		tx.AddInlineImage(mimeType, b)
	}

	for i, tc := range msg.ToolCalls {
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}
		if err := p.handleToolCall(tx, idx, tc); err != nil {
			return err
		}
	}
	return nil
}

// handleToolCall establishes a call identity on first sight of an index and
// only appends arguments afterwards.
func (p *OpenAIChatParser) handleToolCall(tx domain.Transmitter, idx int, tc openaiToolCall) error {
	known, ok := p.calls[idx]
	if !ok {
		if tc.Function.Name == "" {
			return payloadError("OpenAIChat.Parse", "tool call %d starts without a function name", idx)
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", idx)
		}
		p.calls[idx] = openaiCall{id: id, name: tc.Function.Name}
		tx.StartFunctionCall(id, tc.Function.Name, tc.Function.Arguments)
		return nil
	}

	if tc.ID != "" && tc.ID != known.id {
		return payloadError("OpenAIChat.Parse", "tool call %d changed id from %q to %q", idx, known.id, tc.ID)
	}
	if tc.Function.Name != "" && tc.Function.Name != known.name {
		return payloadError("OpenAIChat.Parse", "tool call %d changed name from %q to %q", idx, known.name, tc.Function.Name)
	}
	return tx.AppendFunctionCallArgs(known.id, tc.Function.Arguments)
}

func (p *OpenAIChatParser) handleFinish(tx domain.Transmitter, reason string) {
	p.think.Finish(tx)
	tx.EndMessagePart()
	switch reason {
	case "stop":
		tx.SetTokenStopReason(domain.StopOK)
	case "length":
		tx.SetTokenStopReason(domain.StopOutOfTokens)
	case "tool_calls", "function_call":
		tx.SetTokenStopReason(domain.StopToolCall)
	case "content_filter":
		tx.SetTokenStopReason(domain.StopFilterContent)
		tx.SetDialectTerminatingIssue("The response was blocked by the upstream content filter.", "🚫")
	default:
		p.logger.Debug("openai: unknown finish reason", "reason", reason)
	}
}

func (p *OpenAIChatParser) handleError(tx domain.Transmitter, e *openaiError) error {
	code := fmt.Sprint(e.Code)
	if isOverloaded(e.Type) || isOverloaded(code) || isOverloaded(e.Message) {
		return domain.NewRetryableError("upstream overloaded", 0, fmt.Errorf("%s", e.Message))
	}
	text := e.Message
	if e.Type != "" {
		text = e.Type + ": " + text
	}
	tx.SetDialectTerminatingIssue(text, "")
	return nil
}

func openaiMetrics(u *openaiUsage) domain.Metrics {
	cached, reasoning := 0, 0
	if u.PromptTokensDetails != nil {
		cached = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		reasoning = u.CompletionTokensDetails.ReasoningTokens
	}
	return redistributeUsage(u.PromptTokens, cached, u.CompletionTokens, reasoning,
		u.PromptTokensDetails != nil, u.CompletionTokensDetails != nil)
}

// isOverloaded matches the vendor vocabulary for transient capacity errors.
func isOverloaded(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "overloaded") || strings.Contains(s, "server_is_overloaded")
}

var (
	_ domain.Parser   = (*OpenAIChatParser)(nil)
	_ domain.Finisher = (*OpenAIChatParser)(nil)
)
