// Package executor runs one dispatch attempt: Prepare, Connect, then
// ReadOnce or StreamLoop, then Drain. Every failure except an operation
// retry request is converted into terminal particles.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"chatstream/internal/adapter/demux"
	"chatstream/internal/adapter/dialect"
	"chatstream/internal/adapter/transmitter"
	"chatstream/internal/adapter/upstream"
	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
	"chatstream/internal/infra/tracer"
)

const (
	defaultHeartbeat       = 10 * time.Second
	defaultReadBufferSize  = 32 * 1024
	defaultMaxResponseBody = 10 * 1024 * 1024

	// maxPayloadInIssue bounds the raw payload quoted in a parse issue.
	maxPayloadInIssue = 2048
)

// Connector performs the outbound call of a dispatch.
type Connector interface {
	Connect(ctx context.Context, req *http.Request, notify upstream.RetryNotifier) (*http.Response, error)
}

// Executor is the execution orchestrator. It holds no per-dispatch state
// and is safe for concurrent use.
type Executor struct {
	connector Connector
	heartbeat time.Duration
	bufSize   int
	maxBody   int64
	debug     config.DebugConfig
	logger    *slog.Logger
}

// New creates an Executor. Zero config values fall back to defaults.
func New(cfg config.DispatchConfig, connector Connector, logger *slog.Logger) *Executor {
	e := &Executor{
		connector: connector,
		heartbeat: cfg.HeartbeatInterval,
		bufSize:   cfg.ReadBufferSize,
		maxBody:   cfg.MaxResponseBody,
		debug:     cfg.Debug,
		logger:    logger,
	}
	if e.heartbeat <= 0 {
		e.heartbeat = defaultHeartbeat
	}
	if e.bufSize <= 0 {
		e.bufSize = defaultReadBufferSize
	}
	if e.maxBody <= 0 {
		e.maxBody = defaultMaxResponseBody
	}
	return e
}

// Execute runs one attempt of d and sends its particles to out, ending with
// exactly one end particle. The one exception is a parser asking for an
// operation retry: Execute then returns that *domain.RetryableError and
// sends no end particle. Execute never closes out; the caller must keep
// receiving from out until Execute returns.
func (e *Executor) Execute(ctx context.Context, d domain.Dispatch, out chan<- domain.Particle) error {
	ctx, span := tracer.StartDispatch(ctx, d)
	defer span.End()

	logger := e.logger.With("dialect", d.Dialect)
	if id := domain.OperationIDFromContext(ctx); id != "" {
		logger = logger.With("operation_id", id)
	}
	r := &run{
		exec:    e,
		ctx:     ctx,
		d:       d,
		tx:      transmitter.New(logger),
		out:     out,
		logger:  logger,
		echo:    e.debug.Echo && e.allowed(d.ContextName),
		profile: e.debug.Profile && e.allowed(d.ContextName),
		started: time.Now(),
	}

	r.sink = r.tx
	err := r.execute()
	switch {
	case err != nil:
		tracer.Finish(span, tracer.OutcomeError, err)
	case r.issue != nil:
		tracer.FinishIssue(span, *r.issue)
	case r.tx.Termination() == domain.TerminationAborted:
		tracer.Finish(span, tracer.OutcomeAborted, nil)
	default:
		tracer.Finish(span, tracer.OutcomeOK, nil)
	}
	return err
}

func (e *Executor) allowed(contextName string) bool {
	return contextName != "" && slices.Contains(e.debug.AllowContexts, contextName)
}

// run is the state of one Execute call.
type run struct {
	exec   *Executor
	ctx    context.Context
	d      domain.Dispatch
	tx     *transmitter.Transmitter
	out    chan<- domain.Particle
	logger *slog.Logger
	parser domain.Parser
	dm     demux.Demuxer

	// sink is what the parser drives; readOnce narrows it.
	sink domain.Transmitter

	echo    bool
	profile bool
	started time.Time
	timing  domain.Profile
	issue   *domain.Issue
}

func (r *run) execute() error {
	defer r.drain()

	req, ok := r.prepare()
	if !ok {
		return nil
	}

	resp, ok := r.connect(req)
	if !ok {
		return nil
	}
	defer resp.Body.Close()

	if r.d.Format == domain.FormatNone {
		return r.readOnce(resp.Body)
	}
	return r.streamLoop(resp.Body)
}

// prepare resolves the parser and builds the outbound request.
func (r *run) prepare() (*http.Request, bool) {
	parser, err := dialect.New(r.d.Dialect, r.logger)
	if err != nil {
		r.fail(domain.IssueDispatchPrepare, err.Error(), slog.LevelError)
		return nil, false
	}
	r.parser = parser

	if r.d.Format != domain.FormatNone {
		dm, err := demux.New(r.d.Format, r.logger)
		if err != nil {
			r.fail(domain.IssueDispatchPrepare, err.Error(), slog.LevelError)
			return nil, false
		}
		r.dm = dm
	}

	req, err := upstream.BuildRequest(r.ctx, r.d)
	if err != nil {
		r.fail(domain.IssueDispatchPrepare, err.Error(), slog.LevelError)
		return nil, false
	}

	if r.echo {
		r.tx.AddDebugEcho(domain.DebugEcho{Request: upstream.Echo(req, r.d.Body, true)})
		r.emit()
	}
	return req, true
}

func (r *run) connect(req *http.Request) (*http.Response, bool) {
	resp, err := await(r, func(side func(domain.Particle)) (*http.Response, error) {
		return r.exec.connector.Connect(r.ctx, req, func(rr domain.RetryReset) {
			side(domain.NewRetryResetParticle(rr))
		})
	})
	r.timing.ConnectMs = time.Since(r.started).Milliseconds()
	if err != nil {
		if r.aborted(err) {
			return nil, false
		}
		r.fail(domain.IssueDispatchFetch, err.Error(), slog.LevelWarn)
		return nil, false
	}
	return resp, true
}

// readOnce reads the whole body and parses it as a single payload.
func (r *run) readOnce(body io.Reader) error {
	limit := r.exec.maxBody
	data, err := await(r, func(func(domain.Particle)) ([]byte, error) {
		return io.ReadAll(io.LimitReader(body, limit+1))
	})
	r.markFirstByte()
	if err != nil {
		if !r.aborted(err) {
			r.fail(domain.IssueDispatchRead, err.Error(), slog.LevelWarn)
		}
		return nil
	}
	if int64(len(data)) > limit {
		r.fail(domain.IssueDispatchRead, fmt.Sprintf("response body exceeds %d bytes", limit), slog.LevelWarn)
		return nil
	}
	r.timing.Chunks = 1
	r.timing.Events = 1

	text := string(data)
	if r.echo {
		r.tx.AddDebugEcho(domain.DebugEcho{Response: text})
	}
	r.sink = wholeBody{r.tx}
	if err := r.parse(text, ""); err != nil {
		return err
	}
	r.closeCleanly()
	return nil
}

// wholeBody ends a fully read body as a dispatch close for every dialect.
type wholeBody struct {
	domain.Transmitter
}

func (wholeBody) SetDialectEnded() {}

// streamLoop reads chunks until end of stream, termination or abort.
func (r *run) streamLoop(body io.Reader) error {
	var dec utf8Carry
	buf := make([]byte, r.exec.bufSize)
	for {
		n, readErr := await(r, func(func(domain.Particle)) (int, error) {
			return body.Read(buf)
		})
		if n > 0 {
			r.markFirstByte()
			r.timing.Chunks++
			if err := r.handle(r.dm.Demux(dec.decode(buf[:n]))); err != nil {
				return err
			}
		}
		if r.tx.IsEnded() {
			return nil
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			if !r.aborted(readErr) {
				r.fail(domain.IssueDispatchRead, readErr.Error(), slog.LevelWarn)
			}
			return nil
		}
		if r.aborted(nil) {
			return nil
		}
	}

	if tail := dec.flush(); tail != "" {
		if err := r.handle(r.dm.Demux(tail)); err != nil {
			return err
		}
	}
	if err := r.handle(r.dm.FlushRemaining()); err != nil {
		return err
	}
	r.closeCleanly()
	return nil
}

// handle feeds demuxed events to the parser in order.
func (r *run) handle(events []demux.Event) error {
	for _, ev := range events {
		r.timing.Events++
		if r.tx.IsEnded() {
			r.logger.Warn("event after termination", "event", ev.Name, "reason", r.tx.Termination())
			continue
		}
		if strings.TrimSpace(ev.Data) == demux.DoneSentinel {
			r.finish()
			r.tx.SetDialectEnded()
			continue
		}
		if err := r.parse(ev.Data, ev.Name); err != nil {
			return err
		}
	}
	return nil
}

// parse hands one payload to the parser. Parse failures terminate the
// stream; only a retry request is returned.
func (r *run) parse(data, event string) error {
	err := r.parser.Parse(r.sink, data, event)
	if err == nil {
		if !r.tx.IsEnded() {
			r.emit()
		}
		return nil
	}
	if domain.IsRetryableError(err) {
		r.logger.Info("dialect requested operation retry", "error", err)
		return err
	}
	r.fail(domain.IssueDispatchParse, fmt.Sprintf("%v. Payload: %s", err, truncate(data, maxPayloadInIssue)), slog.LevelError)
	return nil
}

// closeCleanly ends a stream the upstream closed without a dialect marker.
func (r *run) closeCleanly() {
	if r.tx.IsEnded() {
		return
	}
	r.finish()
	r.tx.SetDispatchClosed()
}

func (r *run) finish() {
	if f, ok := r.parser.(domain.Finisher); ok {
		f.Finish(r.tx)
	}
}

// aborted terminates with an abort when the caller cancelled. err may be
// nil to check the context alone.
func (r *run) aborted(err error) bool {
	if r.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		return false
	}
	r.tx.SetAborted("generation aborted")
	return true
}

func (r *run) fail(id domain.IssueID, text string, level slog.Level) {
	if r.tx.IsEnded() {
		return
	}
	r.issue = &domain.Issue{ID: id, Text: text}
	r.tx.SetRPCTerminatingIssue(id, text, level)
}

func (r *run) markFirstByte() {
	if r.timing.FirstByteMs == 0 {
		r.timing.FirstByteMs = time.Since(r.started).Milliseconds()
	}
}

// drain flushes the transmitter, adding the profile when enabled. A run
// that returns a retry request has no termination and sends no end.
func (r *run) drain() {
	if r.profile {
		p := r.timing
		p.TotalMs = time.Since(r.started).Milliseconds()
		r.tx.AddDebugEcho(domain.DebugEcho{Profile: &p})
	}
	if !r.tx.IsEnded() {
		return
	}
	for _, p := range r.tx.Flush() {
		r.send(p)
	}
}

func (r *run) emit() {
	for _, p := range r.tx.Emit() {
		r.send(p)
	}
}

func (r *run) send(p domain.Particle) {
	r.out <- p
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
