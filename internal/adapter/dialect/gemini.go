package dialect

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"chatstream/internal/domain"
)

// GeminiParser parses generateContent responses, streamed or whole. The
// wire format has no end marker; the stream ends when the dispatch closes.
type GeminiParser struct {
	logger    *slog.Logger
	citations citationSet
	calls     int
}

// NewGeminiParser creates a parser for one operation attempt.
func NewGeminiParser(logger *slog.Logger) *GeminiParser {
	return &GeminiParser{logger: logger, citations: make(citationSet)}
}

// Parse implements domain.Parser.
func (p *GeminiParser) Parse(tx domain.Transmitter, data, _ string) error {
	var resp genai.GenerateContentResponse
	if err := decodeJSON("Gemini.Parse", data, &resp); err != nil {
		return err
	}

	tx.SetModelName(resp.ModelVersion)

	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		text := fmt.Sprintf("The prompt was blocked (%s).", fb.BlockReason)
		if fb.BlockReasonMessage != "" {
			text += " " + fb.BlockReasonMessage
		}
		p.usage(tx, resp.UsageMetadata)
		tx.SetTokenStopReason(domain.StopFilterContent)
		tx.SetDialectTerminatingIssue(text, "🚫")
		return nil
	}

	for _, cand := range resp.Candidates {
		if cand == nil || cand.Index != 0 {
			continue
		}
		if cand.Content != nil {
			if err := p.handleParts(tx, cand.Content.Parts); err != nil {
				return err
			}
		}
		p.grounding(tx, cand.GroundingMetadata)
		p.usage(tx, resp.UsageMetadata)
		if cand.FinishReason != "" {
			p.handleFinish(tx, cand)
		}
		return nil
	}

	p.usage(tx, resp.UsageMetadata)
	return nil
}

func (p *GeminiParser) handleParts(tx domain.Transmitter, parts []*genai.Part) error {
	for _, part := range parts {
		if part == nil {
			continue
		}
		switch {
		case part.Thought:
			tx.AppendReasoningText(part.Text)
			if len(part.ThoughtSignature) > 0 {
				tx.AppendReasoningSignature(base64.StdEncoding.EncodeToString(part.ThoughtSignature))
			}
			continue
		case len(part.ThoughtSignature) > 0:
			// A signature on a non-thought part closes the preceding reasoning.
			tx.AppendReasoningSignature(base64.StdEncoding.EncodeToString(part.ThoughtSignature))
		}

		switch {
		case part.Text != "":
			tx.AppendText(part.Text)

		case part.FunctionCall != nil:
			fc := part.FunctionCall
			if fc.Name == "" {
				return payloadError("Gemini.Parse", "function call without name")
			}
			args, err := json.Marshal(fc.Args)
			if err != nil {
				return payloadError("Gemini.Parse", "function call %q args: %v", fc.Name, err)
			}
			if fc.Args == nil {
				args = []byte("{}")
			}
			id := fc.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", p.calls)
			}
			p.calls++
			tx.StartFunctionCall(id, fc.Name, string(args))
			tx.EndMessagePart()

		case part.ExecutableCode != nil:
			lang := strings.ToLower(string(part.ExecutableCode.Language))
			tx.AddCodeExecutionInvocation(fmt.Sprintf("exec_%d", p.calls), lang, part.ExecutableCode.Code)

		case part.CodeExecutionResult != nil:
			r := part.CodeExecutionResult
			tx.AddCodeExecutionResult(fmt.Sprintf("exec_%d", p.calls), codeOutcome(r.Outcome), r.Output)
			p.calls++

		case part.InlineData != nil:
			blob := part.InlineData
			if strings.HasPrefix(blob.MIMEType, "audio/") {
				tx.AddInlineAudio(blob.MIMEType, blob.Data)
			} else {
				tx.AddInlineImage(blob.MIMEType, blob.Data)
			}
		}
	}
	return nil
}

func (p *GeminiParser) handleFinish(tx domain.Transmitter, cand *genai.Candidate) {
	tx.EndMessagePart()
	switch cand.FinishReason {
	case genai.FinishReasonStop:
		tx.SetTokenStopReason(domain.StopOK)
	case genai.FinishReasonMaxTokens:
		tx.SetTokenStopReason(domain.StopOutOfTokens)
	case genai.FinishReasonRecitation:
		tx.SetTokenStopReason(domain.StopFilterRecitation)
		tx.SetDialectTerminatingIssue("The response was stopped because it recited protected material.", "📜")
	case genai.FinishReasonSafety, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent,
		genai.FinishReasonSPII, genai.FinishReasonImageSafety:
		tx.SetTokenStopReason(domain.StopFilterContent)
		tx.SetDialectTerminatingIssue(finishText(cand, "The response was blocked by the upstream safety filter."), "🚫")
	case genai.FinishReasonMalformedFunctionCall:
		tx.SetDialectTerminatingIssue(finishText(cand, "The model produced a malformed function call."), "")
	default:
		p.logger.Debug("gemini: unmapped finish reason", "reason", cand.FinishReason)
	}
}

func (p *GeminiParser) grounding(tx domain.Transmitter, gm *genai.GroundingMetadata) {
	if gm == nil {
		return
	}
	for _, chunk := range gm.GroundingChunks {
		if chunk == nil || chunk.Web == nil {
			continue
		}
		if p.citations.add(chunk.Web.URI) {
			tx.AddURLCitation(chunk.Web.URI, chunk.Web.Title)
		}
	}
}

// usage maps Gemini counters. Candidate tokens exclude thoughts, so nothing
// is subtracted from the output total.
func (p *GeminiParser) usage(tx domain.Transmitter, u *genai.GenerateContentResponseUsageMetadata) {
	if u == nil {
		return
	}
	cached := int(u.CachedContentTokenCount)
	m := domain.Metrics{
		InputTokens:  domain.Int(max(int(u.PromptTokenCount)-cached, 0)),
		OutputTokens: domain.Int(int(u.CandidatesTokenCount)),
	}
	if cached > 0 {
		m.CacheReadTokens = domain.Int(cached)
	}
	if u.ThoughtsTokenCount > 0 {
		m.ReasoningTokens = domain.Int(int(u.ThoughtsTokenCount))
	}
	tx.UpdateMetrics(m)
}

func codeOutcome(o genai.Outcome) string {
	switch o {
	case genai.OutcomeOK:
		return "ok"
	case genai.OutcomeDeadlineExceeded:
		return "timeout"
	default:
		return "failed"
	}
}

func finishText(cand *genai.Candidate, fallback string) string {
	if cand.FinishMessage != "" {
		return cand.FinishMessage
	}
	return fallback
}

var _ domain.Parser = (*GeminiParser)(nil)
