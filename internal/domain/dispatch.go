package domain

import "log/slog"

// DemuxFormat selects how a response body is split into events.
type DemuxFormat string

const (
	FormatSSE    DemuxFormat = "sse"
	FormatJSONNL DemuxFormat = "json-nl"

	// FormatNone means the body is read fully and parsed once.
	FormatNone DemuxFormat = "none"
)

// AuthScheme tells the orchestrator how to attach the credential.
type AuthScheme string

const (
	AuthNone       AuthScheme = ""
	AuthBearer     AuthScheme = "bearer"
	AuthXAPIKey    AuthScheme = "x-api-key"
	AuthGoogAPIKey AuthScheme = "x-goog-api-key"
)

// Dispatch describes one outbound call. The body is opaque and already
// built for the selected dialect.
type Dispatch struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"-"`

	Auth       AuthScheme `json:"auth,omitempty"`
	Credential string     `json:"-"`

	Format  DemuxFormat `json:"format"`
	Dialect string      `json:"dialect"`

	// ContextName identifies the calling feature; it gates debug output.
	ContextName string `json:"contextName,omitempty"`
}

// Transmitter is the surface dialect parsers drive. Parsers describe what
// happened; the transmitter owns particle construction and ordering.
type Transmitter interface {
	AppendText(text string)
	AppendReasoningText(text string)
	AppendReasoningSignature(signature string)
	AddRedactedReasoning(data string)
	StartFunctionCall(id, name, args string)
	AppendFunctionCallArgs(id, args string) error
	AddCodeExecutionInvocation(id, language, code string)
	AddCodeExecutionResult(id, outcome, output string)
	AddInlineImage(mimeType string, data []byte)
	AddInlineAudio(mimeType string, data []byte)
	AddURLCitation(url, title string)
	AddVoidPlaceholder(label string)
	EndMessagePart()

	SetModelName(name string)
	UpdateMetrics(m Metrics)
	SetUpstreamHandle(h UpstreamHandle)
	SetTokenStopReason(r TokenStopReason)
	SetDialectEnded()
	SetDialectTerminatingIssue(text, symbol string)
	SetRPCTerminatingIssue(id IssueID, text string, level slog.Level)

	IsEnded() bool
}

// Parser translates one demuxed event of a dialect into transmitter calls.
// A parser instance serves exactly one operation attempt.
type Parser interface {
	Parse(tx Transmitter, data, event string) error
}

// Finisher is implemented by parsers that buffer text across events and
// need a final chance to release it before a clean end.
type Finisher interface {
	Finish(tx Transmitter)
}
