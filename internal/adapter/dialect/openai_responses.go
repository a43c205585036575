package dialect

import (
	"encoding/base64"
	"fmt"
	"log/slog"

	"chatstream/internal/domain"
)

// --- OpenAI Responses API wire types ---

type responsesEvent struct {
	Type       string             `json:"type"`
	Object     string             `json:"object"`
	Delta      string             `json:"delta"`
	ItemID     string             `json:"item_id"`
	Item       *responsesItem     `json:"item"`
	Annotation *responsesAnnot    `json:"annotation"`
	Response   *responsesResponse `json:"response"`
	Code       string             `json:"code"`
	Message    string             `json:"message"`

	// Present when the payload is a whole response object.
	responsesResponse
}

type responsesResponse struct {
	ID                string          `json:"id"`
	Model             string          `json:"model"`
	Status            string          `json:"status"`
	ExpiresAt         int64           `json:"expires_at"`
	Output            []responsesItem `json:"output"`
	Usage             *responsesUsage `json:"usage"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type responsesItem struct {
	Type             string `json:"type"`
	ID               string `json:"id"`
	CallID           string `json:"call_id"`
	Name             string `json:"name"`
	Arguments        string `json:"arguments"`
	EncryptedContent string `json:"encrypted_content"`
	Result           string `json:"result"`
	Content          []struct {
		Type        string           `json:"type"`
		Text        string           `json:"text"`
		Refusal     string           `json:"refusal"`
		Annotations []responsesAnnot `json:"annotations"`
	} `json:"content"`
	Summary []struct {
		Text string `json:"text"`
	} `json:"summary"`
}

type responsesAnnot struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type responsesUsage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	InputTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details"`
	OutputTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"output_tokens_details"`
}

// OpenAIResponsesParser parses the typed event stream of the Responses API.
type OpenAIResponsesParser struct {
	logger    *slog.Logger
	calls     map[string]string // item id -> call id
	citations citationSet
	sawCall   bool
}

// NewOpenAIResponsesParser creates a parser for one operation attempt.
func NewOpenAIResponsesParser(logger *slog.Logger) *OpenAIResponsesParser {
	return &OpenAIResponsesParser{
		logger:    logger,
		calls:     make(map[string]string),
		citations: make(citationSet),
	}
}

// Parse implements domain.Parser.
func (p *OpenAIResponsesParser) Parse(tx domain.Transmitter, data, event string) error {
	var ev responsesEvent
	if err := decodeJSON("OpenAIResponses.Parse", data, &ev); err != nil {
		return err
	}
	typ := ev.Type
	if typ == "" {
		typ = event
	}
	if typ == "" && ev.Object == "response" {
		return p.handleWhole(tx, &ev.responsesResponse)
	}

	switch typ {
	case "response.created", "response.in_progress":
		if ev.Response != nil {
			tx.SetModelName(ev.Response.Model)
			if typ == "response.created" && ev.Response.ID != "" {
				tx.SetUpstreamHandle(domain.UpstreamHandle{
					Dialect:   OpenAIResponses,
					RunID:     ev.Response.ID,
					ExpiresAt: ev.Response.ExpiresAt,
				})
			}
		}

	case "response.output_text.delta":
		tx.AppendText(ev.Delta)

	case "response.refusal.delta":
		tx.AppendText(ev.Delta)

	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		tx.AppendReasoningText(ev.Delta)

	case "response.output_text.annotation.added":
		if a := ev.Annotation; a != nil && a.Type == "url_citation" && p.citations.add(a.URL) {
			tx.AddURLCitation(a.URL, a.Title)
		}

	case "response.output_item.added":
		if ev.Item != nil && ev.Item.Type == "function_call" {
			return p.startCall(tx, ev.Item)
		}

	case "response.function_call_arguments.delta":
		callID, ok := p.calls[ev.ItemID]
		if !ok {
			return payloadError("OpenAIResponses.Parse", "arguments for unknown item %q", ev.ItemID)
		}
		return tx.AppendFunctionCallArgs(callID, ev.Delta)

	case "response.output_item.done":
		if ev.Item != nil {
			p.finishItem(tx, ev.Item)
		}

	case "response.completed":
		if ev.Response == nil {
			return payloadError("OpenAIResponses.Parse", "completed event without response")
		}
		p.complete(tx, ev.Response)
		tx.SetDialectEnded()

	case "response.incomplete":
		if ev.Response == nil {
			return payloadError("OpenAIResponses.Parse", "incomplete event without response")
		}
		p.incomplete(tx, ev.Response)
		if !tx.IsEnded() {
			tx.SetDialectEnded()
		}

	case "response.failed":
		if ev.Response != nil && ev.Response.Error != nil {
			return p.fail(tx, ev.Response.Error.Code, ev.Response.Error.Message)
		}
		tx.SetDialectTerminatingIssue("The upstream reported a failed response.", "")

	case "error":
		return p.fail(tx, ev.Code, ev.Message)

	default:
		p.logger.Debug("openai-responses: ignoring event", "type", typ)
	}
	return nil
}

func (p *OpenAIResponsesParser) startCall(tx domain.Transmitter, item *responsesItem) error {
	if item.Name == "" {
		return payloadError("OpenAIResponses.Parse", "function call item %q without name", item.ID)
	}
	callID := item.CallID
	if callID == "" {
		callID = item.ID
	}
	if prev, ok := p.calls[item.ID]; ok && prev != callID {
		return payloadError("OpenAIResponses.Parse", "item %q changed call id from %q to %q", item.ID, prev, callID)
	}
	p.calls[item.ID] = callID
	p.sawCall = true
	tx.StartFunctionCall(callID, item.Name, item.Arguments)
	return nil
}

// finishItem closes the streamed item and surfaces whole-item payloads that
// have no delta events.
func (p *OpenAIResponsesParser) finishItem(tx domain.Transmitter, item *responsesItem) {
	switch item.Type {
	case "reasoning":
		if item.EncryptedContent != "" {
			tx.AddRedactedReasoning(item.EncryptedContent)
		}
	case "image_generation_call":
		if b, err := base64.StdEncoding.DecodeString(item.Result); err == nil && len(b) > 0 {
			tx.AddInlineImage("image/png", b)
		}
	case "web_search_call":
		tx.AddVoidPlaceholder("web search")
	}
	tx.EndMessagePart()
}

// handleWhole renders a non-streaming response object. The stream is left
// open; the caller closes it once the body is consumed.
func (p *OpenAIResponsesParser) handleWhole(tx domain.Transmitter, r *responsesResponse) error {
	tx.SetModelName(r.Model)
	for i := range r.Output {
		item := &r.Output[i]
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				tx.AppendText(c.Text)
				tx.AppendText(c.Refusal)
				for _, a := range c.Annotations {
					if a.Type == "url_citation" && p.citations.add(a.URL) {
						tx.AddURLCitation(a.URL, a.Title)
					}
				}
			}
		case "reasoning":
			for _, s := range item.Summary {
				tx.AppendReasoningText(s.Text)
			}
		case "function_call":
			if err := p.startCall(tx, item); err != nil {
				return err
			}
		}
		p.finishItem(tx, item)
	}

	switch r.Status {
	case "incomplete":
		p.incomplete(tx, r)
	case "failed":
		if r.Error != nil {
			return p.fail(tx, r.Error.Code, r.Error.Message)
		}
		tx.SetDialectTerminatingIssue("The upstream reported a failed response.", "")
	default:
		p.complete(tx, r)
	}
	return nil
}

func (p *OpenAIResponsesParser) complete(tx domain.Transmitter, r *responsesResponse) {
	p.usage(tx, r.Usage)
	if p.sawCall {
		tx.SetTokenStopReason(domain.StopToolCall)
	} else {
		tx.SetTokenStopReason(domain.StopOK)
	}
}

func (p *OpenAIResponsesParser) incomplete(tx domain.Transmitter, r *responsesResponse) {
	p.usage(tx, r.Usage)
	reason := ""
	if r.IncompleteDetails != nil {
		reason = r.IncompleteDetails.Reason
	}
	switch reason {
	case "content_filter":
		tx.SetTokenStopReason(domain.StopFilterContent)
		tx.SetDialectTerminatingIssue("The response was blocked by the upstream content filter.", "🚫")
	default:
		tx.SetTokenStopReason(domain.StopOutOfTokens)
	}
}

func (p *OpenAIResponsesParser) fail(tx domain.Transmitter, code, message string) error {
	if isOverloaded(code) || isOverloaded(message) {
		return domain.NewRetryableError("upstream overloaded", 0, fmt.Errorf("%s", message))
	}
	text := message
	if code != "" {
		text = code + ": " + message
	}
	tx.SetDialectTerminatingIssue(text, "")
	return nil
}

func (p *OpenAIResponsesParser) usage(tx domain.Transmitter, u *responsesUsage) {
	if u == nil {
		return
	}
	cached, reasoning := 0, 0
	if u.InputTokensDetails != nil {
		cached = u.InputTokensDetails.CachedTokens
	}
	if u.OutputTokensDetails != nil {
		reasoning = u.OutputTokensDetails.ReasoningTokens
	}
	tx.UpdateMetrics(redistributeUsage(u.InputTokens, cached, u.OutputTokens, reasoning,
		u.InputTokensDetails != nil, u.OutputTokensDetails != nil))
}

var _ domain.Parser = (*OpenAIResponsesParser)(nil)
