// Package transmitter assembles dialect parser calls into an ordered queue
// of canonical particles.
package transmitter

import (
	"context"
	"fmt"
	"log/slog"

	"chatstream/internal/domain"
)

// family groups the part kinds that share one open slot.
type family int

const (
	familyText family = iota + 1
	familyReasoning
	familyFunctionCall
)

// openPart is the single "current part" slot.
type openPart struct {
	family family
	callID string
}

// Transmitter is a single-use assembler for one operation attempt. It is
// not safe for concurrent use; the orchestrator owns it exclusively.
type Transmitter struct {
	logger *slog.Logger

	open  *openPart
	queue []domain.Particle
	// mergeable is true while the queue tail is a delta of the open part
	// that has not been drained yet.
	mergeable bool

	modelName string

	metrics      domain.Metrics
	metricsDirty bool
	metricsSent  bool

	termination domain.TerminationReason
	stopReason  domain.TokenStopReason
	endSent     bool
}

// New creates a Transmitter.
func New(logger *slog.Logger) *Transmitter {
	return &Transmitter{logger: logger}
}

// --- Part particles ---

// AppendText appends to the open text part, opening one if needed.
func (t *Transmitter) AppendText(text string) {
	if text == "" || !t.accepting("AppendText") {
		return
	}
	t.openFamily(familyText, "")
	t.enqueueDelta(domain.KindText, text, "")
}

// AppendReasoningText appends to the open reasoning part.
func (t *Transmitter) AppendReasoningText(text string) {
	if text == "" || !t.accepting("AppendReasoningText") {
		return
	}
	t.openFamily(familyReasoning, "")
	t.enqueueDelta(domain.KindReasoningText, text, "")
}

// AppendReasoningSignature attaches a signature to the open reasoning part.
func (t *Transmitter) AppendReasoningSignature(signature string) {
	if signature == "" || !t.accepting("AppendReasoningSignature") {
		return
	}
	t.openFamily(familyReasoning, "")
	t.enqueueDelta(domain.KindReasoningSignature, signature, "")
}

// AddRedactedReasoning adds an opaque reasoning blob as a whole part.
func (t *Transmitter) AddRedactedReasoning(data string) {
	if !t.accepting("AddRedactedReasoning") {
		return
	}
	t.addWhole(domain.Particle{Kind: domain.KindRedactedReasoning, Text: data})
}

// StartFunctionCall closes any open part and opens a function call with the
// given identity. args may hold a whole or partial argument payload.
func (t *Transmitter) StartFunctionCall(id, name, args string) {
	if !t.accepting("StartFunctionCall") {
		return
	}
	t.EndMessagePart()
	t.open = &openPart{family: familyFunctionCall, callID: id}
	t.enqueue(domain.Particle{Kind: domain.KindFunctionCallStart, CallID: id, Name: name, Text: args})
}

// AppendFunctionCallArgs appends argument text to the open call. Addressing
// any call other than the open one is a protocol violation.
func (t *Transmitter) AppendFunctionCallArgs(id, args string) error {
	if !t.accepting("AppendFunctionCallArgs") {
		return nil
	}
	if t.open == nil || t.open.family != familyFunctionCall || t.open.callID != id {
		openID := ""
		if t.open != nil {
			openID = t.open.callID
		}
		return domain.NewSubSystemError("transmitter", "Transmitter.AppendFunctionCallArgs",
			domain.ErrProtocolViolation, fmt.Sprintf("call %q is not the open call %q", id, openID))
	}
	if args != "" {
		t.enqueueDelta(domain.KindFunctionCallAppend, args, id)
	}
	return nil
}

// AddCodeExecutionInvocation adds a whole code-execution request.
func (t *Transmitter) AddCodeExecutionInvocation(id, language, code string) {
	if !t.accepting("AddCodeExecutionInvocation") {
		return
	}
	t.addWhole(domain.Particle{Kind: domain.KindCodeExecInvocation, CallID: id, Language: language, Text: code})
}

// AddCodeExecutionResult adds a whole code-execution result.
func (t *Transmitter) AddCodeExecutionResult(id, outcome, output string) {
	if !t.accepting("AddCodeExecutionResult") {
		return
	}
	t.addWhole(domain.Particle{Kind: domain.KindCodeExecResult, CallID: id, Outcome: outcome, Text: output})
}

// AddInlineImage adds a whole inline image.
func (t *Transmitter) AddInlineImage(mimeType string, data []byte) {
	if !t.accepting("AddInlineImage") {
		return
	}
	t.addWhole(domain.Particle{Kind: domain.KindInlineImage, MIMEType: mimeType, Data: data})
}

// AddInlineAudio adds a whole inline audio clip.
func (t *Transmitter) AddInlineAudio(mimeType string, data []byte) {
	if !t.accepting("AddInlineAudio") {
		return
	}
	t.addWhole(domain.Particle{Kind: domain.KindInlineAudio, MIMEType: mimeType, Data: data})
}

// AddURLCitation adds a citation part.
func (t *Transmitter) AddURLCitation(url, title string) {
	if !t.accepting("AddURLCitation") {
		return
	}
	t.addWhole(domain.Particle{Kind: domain.KindURLCitation, URL: url, Title: title})
}

// AddVoidPlaceholder adds a placeholder part, e.g. for a server-side tool
// that is running upstream.
func (t *Transmitter) AddVoidPlaceholder(label string) {
	if !t.accepting("AddVoidPlaceholder") {
		return
	}
	t.addWhole(domain.Particle{Kind: domain.KindVoidPlaceholder, Text: label})
}

// EndMessagePart closes the open part. Idempotent.
func (t *Transmitter) EndMessagePart() {
	t.open = nil
	t.mergeable = false
}

// --- Control particles ---

// SetModelName announces the upstream model, once per distinct name.
func (t *Transmitter) SetModelName(name string) {
	if name == "" || name == t.modelName || t.endSent {
		return
	}
	t.modelName = name
	t.enqueue(domain.Particle{Kind: domain.KindSetModelName, Name: name})
}

// UpdateMetrics merges m into the accumulated metrics.
func (t *Transmitter) UpdateMetrics(m domain.Metrics) {
	if m.IsEmpty() || t.endSent {
		return
	}
	t.metrics.Merge(m)
	t.metricsDirty = true
}

// SetUpstreamHandle announces a resumability handle.
func (t *Transmitter) SetUpstreamHandle(h domain.UpstreamHandle) {
	if !t.accepting("SetUpstreamHandle") {
		return
	}
	t.enqueue(domain.Particle{Kind: domain.KindSetUpstreamHandle, Handle: &h})
}

// SetTokenStopReason records why the model stopped generating.
func (t *Transmitter) SetTokenStopReason(r domain.TokenStopReason) {
	if t.endSent {
		return
	}
	t.stopReason = r
}

// AddDebugEcho enqueues a debug mirror particle.
func (t *Transmitter) AddDebugEcho(d domain.DebugEcho) {
	if t.endSent {
		return
	}
	t.enqueue(domain.Particle{Kind: domain.KindDebugEcho, Debug: &d})
}

// SetDialectEnded terminates on the dialect's own end marker.
func (t *Transmitter) SetDialectEnded() {
	t.terminate(domain.TerminationDialectDone)
}

// SetDispatchClosed terminates because the upstream closed the stream.
func (t *Transmitter) SetDispatchClosed() {
	t.terminate(domain.TerminationDispatchClosed)
}

// SetDialectTerminatingIssue ends the stream on a content-level problem
// reported by the upstream itself.
func (t *Transmitter) SetDialectTerminatingIssue(text, symbol string) {
	if t.rejectSecondTermination("SetDialectTerminatingIssue") {
		return
	}
	t.logger.Info("dialect issue", "text", text)
	t.EndMessagePart()
	t.enqueue(domain.Particle{Kind: domain.KindIssue, Issue: &domain.Issue{
		ID: domain.IssueDialect, Text: text, Severity: domain.SeverityWarning, Symbol: symbol,
	}})
	t.termination = domain.TerminationDialectIssue
}

// SetRPCTerminatingIssue ends the stream on a transport or parse failure.
func (t *Transmitter) SetRPCTerminatingIssue(id domain.IssueID, text string, level slog.Level) {
	if t.rejectSecondTermination("SetRPCTerminatingIssue") {
		return
	}
	t.logger.Log(context.Background(), level, "dispatch issue", "issue", id, "text", text)
	t.EndMessagePart()
	t.enqueue(domain.Particle{Kind: domain.KindIssue, Issue: &domain.Issue{
		ID: id, Text: text, Severity: severityFor(level),
	}})
	t.termination = domain.TerminationRPCIssue
}

// SetAborted ends the stream on caller cancellation. Never logged as an error.
func (t *Transmitter) SetAborted(text string) {
	if t.IsEnded() {
		return
	}
	t.logger.Debug("dispatch aborted", "text", text)
	t.EndMessagePart()
	t.enqueue(domain.Particle{Kind: domain.KindIssue, Issue: &domain.Issue{
		ID: domain.IssueDispatchAborted, Text: text, Severity: domain.SeverityInfo,
	}})
	t.termination = domain.TerminationAborted
}

// IsEnded reports whether a termination reason has been set.
func (t *Transmitter) IsEnded() bool { return t.termination != "" }

// Termination returns the termination reason, empty while streaming.
func (t *Transmitter) Termination() domain.TerminationReason { return t.termination }

// --- Draining ---

// Emit drains the queue without closing the open part. Fresh metrics are
// enqueued at most once between flushes, plus once more ahead of the end
// particle, which is enqueued once after termination.
func (t *Transmitter) Emit() []domain.Particle {
	ending := t.termination != "" && !t.endSent
	if t.metricsDirty && !t.endSent && (!t.metricsSent || ending) {
		t.queue = append(t.queue, domain.Particle{Kind: domain.KindSetMetrics, Metrics: t.metrics.Clone()})
		t.metricsDirty = false
		t.metricsSent = true
	}
	if ending {
		t.EndMessagePart()
		t.queue = append(t.queue, domain.Particle{Kind: domain.KindEnd, End: &domain.End{
			Reason:     t.termination,
			StopReason: t.finalStopReason(),
		}})
		t.endSent = true
	}

	out := t.queue
	t.queue = nil
	t.mergeable = false
	return out
}

// Flush closes the open part, re-arms metrics sending and drains.
func (t *Transmitter) Flush() []domain.Particle {
	t.EndMessagePart()
	t.metricsSent = false
	return t.Emit()
}

// --- internals ---

func (t *Transmitter) accepting(op string) bool {
	if t.termination == "" {
		return true
	}
	t.logger.Warn("transmitter: dropped call after termination", "op", op, "reason", t.termination)
	return false
}

func (t *Transmitter) rejectSecondTermination(op string) bool {
	if t.termination == "" {
		return false
	}
	t.logger.Warn("transmitter: already terminated", "op", op, "reason", t.termination)
	return true
}

func (t *Transmitter) terminate(reason domain.TerminationReason) {
	if t.termination != "" {
		return
	}
	t.EndMessagePart()
	t.termination = reason
}

func (t *Transmitter) openFamily(f family, callID string) {
	if t.open != nil && t.open.family == f && t.open.callID == callID {
		return
	}
	t.EndMessagePart()
	t.open = &openPart{family: f, callID: callID}
}

func (t *Transmitter) addWhole(p domain.Particle) {
	t.EndMessagePart()
	t.queue = append(t.queue, p)
}

func (t *Transmitter) enqueue(p domain.Particle) {
	t.queue = append(t.queue, p)
	t.mergeable = false
}

// enqueueDelta coalesces consecutive deltas of the same kind into the
// undrained queue tail.
func (t *Transmitter) enqueueDelta(kind domain.ParticleKind, text, callID string) {
	if n := len(t.queue); t.mergeable && n > 0 {
		tail := &t.queue[n-1]
		if tail.Kind == kind && tail.CallID == callID {
			tail.Text += text
			return
		}
	}
	t.queue = append(t.queue, domain.Particle{Kind: kind, Text: text, CallID: callID})
	t.mergeable = true
}

func (t *Transmitter) finalStopReason() domain.TokenStopReason {
	if t.stopReason != "" {
		return t.stopReason
	}
	switch t.termination {
	case domain.TerminationDialectIssue, domain.TerminationRPCIssue:
		return domain.StopIssue
	case domain.TerminationAborted:
		return domain.StopClientAbort
	}
	return ""
}

func severityFor(level slog.Level) domain.Severity {
	switch {
	case level >= slog.LevelError:
		return domain.SeverityError
	case level >= slog.LevelWarn:
		return domain.SeverityWarning
	default:
		return domain.SeverityInfo
	}
}

var _ domain.Transmitter = (*Transmitter)(nil)
