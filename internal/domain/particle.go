package domain

// ParticleKind identifies the variant carried by a Particle.
type ParticleKind string

// Part particles. At most one part is open at a time.
const (
	KindText               ParticleKind = "text"
	KindReasoningText      ParticleKind = "reasoning-text"
	KindReasoningSignature ParticleKind = "reasoning-signature"
	KindRedactedReasoning  ParticleKind = "redacted-reasoning"
	KindFunctionCallStart  ParticleKind = "function-call-start"
	KindFunctionCallAppend ParticleKind = "function-call-append"
	KindCodeExecInvocation ParticleKind = "code-exec-invocation"
	KindCodeExecResult     ParticleKind = "code-exec-result"
	KindInlineImage        ParticleKind = "inline-image"
	KindInlineAudio        ParticleKind = "inline-audio"
	KindURLCitation        ParticleKind = "url-citation"
	KindVoidPlaceholder    ParticleKind = "void-placeholder"
)

// Control particles. They never belong to an open part.
const (
	KindSetModelName      ParticleKind = "set-model-name"
	KindSetMetrics        ParticleKind = "set-metrics"
	KindSetUpstreamHandle ParticleKind = "set-upstream-handle"
	KindRetryReset        ParticleKind = "retry-reset"
	KindIssue             ParticleKind = "issue"
	KindEnd               ParticleKind = "end"
	KindDebugEcho         ParticleKind = "debug-echo"
	KindHeartbeat         ParticleKind = "heartbeat"
)

// IsPart reports whether k belongs to the part family.
func (k ParticleKind) IsPart() bool {
	switch k {
	case KindText, KindReasoningText, KindReasoningSignature, KindRedactedReasoning,
		KindFunctionCallStart, KindFunctionCallAppend, KindCodeExecInvocation,
		KindCodeExecResult, KindInlineImage, KindInlineAudio, KindURLCitation,
		KindVoidPlaceholder:
		return true
	}
	return false
}

// Particle is one atomic unit of the canonical output stream.
// Kind selects which of the remaining fields are meaningful.
type Particle struct {
	Kind ParticleKind `json:"p"`

	// Text carries text, reasoning text, signatures, function-call
	// arguments, code, code output and void placeholder labels.
	Text string `json:"t,omitempty"`

	CallID   string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Language string `json:"lang,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	MIMEType string `json:"mime,omitempty"`
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
	Title    string `json:"title,omitempty"`

	Metrics *Metrics        `json:"metrics,omitempty"`
	Handle  *UpstreamHandle `json:"handle,omitempty"`
	Retry   *RetryReset     `json:"retry,omitempty"`
	Issue   *Issue          `json:"issue,omitempty"`
	End     *End            `json:"end,omitempty"`
	Debug   *DebugEcho      `json:"debug,omitempty"`
}

// TerminationReason captures why the pipeline stopped transmitting.
type TerminationReason string

const (
	TerminationDispatchClosed TerminationReason = "done-dispatch-closed"
	TerminationDialectDone    TerminationReason = "done-dialect"
	TerminationDialectIssue   TerminationReason = "issue-dialect"
	TerminationRPCIssue       TerminationReason = "issue-rpc"
	TerminationAborted        TerminationReason = "aborted"
)

// IsIssue reports whether r ends the stream because something went wrong.
func (r TerminationReason) IsIssue() bool {
	return r == TerminationDialectIssue || r == TerminationRPCIssue
}

// TokenStopReason captures why the model itself stopped generating.
type TokenStopReason string

const (
	StopOK               TokenStopReason = "ok"
	StopToolCall         TokenStopReason = "tool-call"
	StopOutOfTokens      TokenStopReason = "out-of-tokens"
	StopFilterContent    TokenStopReason = "filter-content"
	StopFilterRecitation TokenStopReason = "filter-recitation"
	StopIssue            TokenStopReason = "cg-issue"
	StopClientAbort      TokenStopReason = "client-abort"
)

// End is the payload of the terminal particle.
type End struct {
	Reason     TerminationReason `json:"reason"`
	StopReason TokenStopReason   `json:"tokenStopReason,omitempty"`
}

// Severity of an issue particle.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// IssueID is the stable machine-readable identity of an issue.
type IssueID string

const (
	IssueDispatchPrepare IssueID = "dispatch-prepare"
	IssueDispatchFetch   IssueID = "dispatch-fetch"
	IssueDispatchRead    IssueID = "dispatch-read"
	IssueDispatchParse   IssueID = "dispatch-parse"
	IssueDialect         IssueID = "dialect-issue"
	IssueDispatchAborted IssueID = "dispatch-aborted"
)

// Issue is a human-readable problem report.
type Issue struct {
	ID       IssueID  `json:"id"`
	Text     string   `json:"text"`
	Severity Severity `json:"severity"`

	// Symbol is an optional short glyph the dialect attaches for display.
	Symbol string `json:"symbol,omitempty"`
}

// RetryScope distinguishes operation-wide retries from connect retries.
type RetryScope string

const (
	RetryScopeOperation RetryScope = "operation"
	RetryScopeDispatch  RetryScope = "dispatch"
)

// RetryReset announces an upcoming retry attempt.
type RetryReset struct {
	Scope           RetryScope `json:"scope"`
	ShallClear      bool       `json:"shallClear"`
	Attempt         int        `json:"attempt"`
	MaxAttempts     int        `json:"maxAttempts"`
	DelayMs         int64      `json:"delayMs"`
	Reason          string     `json:"reason"`
	CauseHTTPStatus int        `json:"causeHttpStatus,omitempty"`
	CauseConnError  string     `json:"causeConnError,omitempty"`
}

// UpstreamHandle is an opaque resumability token.
type UpstreamHandle struct {
	Dialect string `json:"dialect"`
	RunID   string `json:"runId"`

	// ExpiresAt is a unix timestamp in seconds, zero when unknown.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// DebugEcho mirrors the outbound request and optional timing data.
type DebugEcho struct {
	Request  *EchoRequest `json:"request,omitempty"`
	Response string       `json:"response,omitempty"`
	Profile  *Profile     `json:"profile,omitempty"`
}

// EchoRequest is the redacted shape of an outbound request.
type EchoRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Profile holds coarse timings for one dispatch.
type Profile struct {
	ConnectMs   int64 `json:"connectMs"`
	FirstByteMs int64 `json:"firstByteMs,omitempty"`
	TotalMs     int64 `json:"totalMs"`
	Chunks      int   `json:"chunks"`
	Events      int   `json:"events"`
}

// Heartbeat returns a heartbeat particle.
func Heartbeat() Particle { return Particle{Kind: KindHeartbeat} }

// NewRetryResetParticle wraps r into a control particle.
func NewRetryResetParticle(r RetryReset) Particle {
	return Particle{Kind: KindRetryReset, Retry: &r}
}
