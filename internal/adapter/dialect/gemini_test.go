package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/domain"
)

func TestGeminiStreamedText(t *testing.T) {
	h := newHarness(t, GeminiGenerate)
	h.feed(
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]},"index":0}],"modelVersion":"gemini-x"}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP","index":0}],`+
			`"usageMetadata":{"promptTokenCount":10,"cachedContentTokenCount":4,"candidatesTokenCount":3,"thoughtsTokenCount":2},"modelVersion":"gemini-x"}`,
	)
	got := h.close()

	assert.Equal(t, []domain.ParticleKind{
		domain.KindSetModelName, domain.KindText, domain.KindText, domain.KindSetMetrics, domain.KindEnd,
	}, kinds(got))
	m := got[3].Metrics
	assert.Equal(t, 6, *m.InputTokens)
	assert.Equal(t, 4, *m.CacheReadTokens)
	assert.Equal(t, 3, *m.OutputTokens)
	assert.Equal(t, 2, *m.ReasoningTokens)
	assert.Equal(t, end(domain.TerminationDispatchClosed, domain.StopOK), last(got))
}

func TestGeminiStructuredParts(t *testing.T) {
	h := newHarness(t, GeminiGenerate)
	h.feed(`{"candidates":[{"content":{"parts":[` +
		`{"text":"plan","thought":true},` +
		`{"functionCall":{"name":"lookup","args":{"q":1}},"thoughtSignature":"c2ln"},` +
		`{"executableCode":{"language":"PYTHON","code":"print(1)"}},` +
		`{"codeExecutionResult":{"outcome":"OUTCOME_OK","output":"1"}},` +
		`{"inlineData":{"mimeType":"audio/wav","data":"aGk="}}` +
		`]},"index":0}]}`)
	got := h.close()

	assert.Equal(t, []domain.ParticleKind{
		domain.KindReasoningText, domain.KindReasoningSignature, domain.KindFunctionCallStart,
		domain.KindCodeExecInvocation, domain.KindCodeExecResult, domain.KindInlineAudio, domain.KindEnd,
	}, kinds(got))
	assert.Equal(t, "c2ln", got[1].Text)
	assert.Equal(t, domain.Particle{Kind: domain.KindFunctionCallStart, CallID: "call_0", Name: "lookup", Text: `{"q":1}`}, got[2])
	assert.Equal(t, "python", got[3].Language)
	assert.Equal(t, "ok", got[4].Outcome)
	assert.Equal(t, []byte("hi"), got[5].Data)
}

func TestGeminiSafetyFinishIsIssue(t *testing.T) {
	h := newHarness(t, GeminiGenerate)
	h.feed(`{"candidates":[{"content":{"parts":[{"text":"par"}]},"finishReason":"SAFETY","index":0}]}`)
	got := h.close()

	issues := only(got, domain.KindIssue)
	require.Len(t, issues, 1)
	assert.Equal(t, domain.IssueDialect, issues[0].Issue.ID)
	assert.Equal(t, end(domain.TerminationDialectIssue, domain.StopFilterContent), last(got))
}

func TestGeminiRecitation(t *testing.T) {
	h := newHarness(t, GeminiGenerate)
	h.feed(`{"candidates":[{"finishReason":"RECITATION","index":0}]}`)
	assert.Equal(t, end(domain.TerminationDialectIssue, domain.StopFilterRecitation), last(h.close()))
}

func TestGeminiMaxTokens(t *testing.T) {
	h := newHarness(t, GeminiGenerate)
	h.feed(`{"candidates":[{"content":{"parts":[{"text":"a"}]},"finishReason":"MAX_TOKENS","index":0}]}`)
	got := h.close()
	assert.Empty(t, only(got, domain.KindIssue))
	assert.Equal(t, end(domain.TerminationDispatchClosed, domain.StopOutOfTokens), last(got))
}

func TestGeminiPromptBlocked(t *testing.T) {
	h := newHarness(t, GeminiGenerate)
	h.feed(`{"promptFeedback":{"blockReason":"SAFETY"}}`)
	got := h.close()
	require.Len(t, got, 2)
	assert.Contains(t, got[0].Issue.Text, "SAFETY")
}

func TestGeminiGroundingDeduplicated(t *testing.T) {
	h := newHarness(t, GeminiGenerate)
	chunk := `{"candidates":[{"content":{"parts":[{"text":"x"}]},"index":0,` +
		`"groundingMetadata":{"groundingChunks":[{"web":{"uri":"https://a.example","title":"A"}}]}}]}`
	h.feed(chunk, chunk)
	assert.Len(t, only(h.close(), domain.KindURLCitation), 1)
}

func TestGeminiMalformedFunctionCall(t *testing.T) {
	h := newHarness(t, GeminiGenerate)
	h.feed(`{"candidates":[{"finishReason":"MALFORMED_FUNCTION_CALL","finishMessage":"bad call","index":0}]}`)
	got := h.close()
	assert.Equal(t, "bad call", got[0].Issue.Text)
	assert.Equal(t, end(domain.TerminationDialectIssue, domain.StopIssue), last(got))
}
