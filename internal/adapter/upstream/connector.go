package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
	"chatstream/internal/infra/tracer"
)

// RetryNotifier receives a dispatch-scope retry announcement before each
// connect retry sleeps.
type RetryNotifier func(domain.RetryReset)

// Connector performs the Connect stage of a dispatch: it sends the prepared
// request, classifies non-2xx answers and retries transient failures.
type Connector struct {
	client   *http.Client
	breakers *breakerSet
	limiter  *rate.Limiter
	retry    config.RetryConfig
	logger   *slog.Logger
}

// NewConnector creates a Connector. A nil client gets a pooled default.
func NewConnector(cfg config.UpstreamConfig, client *http.Client, logger *slog.Logger) *Connector {
	if client == nil {
		client = NewHTTPClient(cfg)
	}
	c := &Connector{
		client: client,
		retry:  cfg.ConnectRetry,
		logger: logger,
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if cfg.CircuitBreaker.Enabled {
		c.breakers = newBreakerSet(cfg.CircuitBreaker, logger)
	}
	if cfg.RequestsPerMin > 0 {
		burst := cfg.RequestsPerMin / 10
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMin)/60.0, burst)
	}
	return c
}

// Connect sends req and returns a 2xx response whose body the caller must
// close. Transient failures are retried with capped exponential backoff;
// notify is called before each retry sleep.
func (c *Connector) Connect(ctx context.Context, req *http.Request, notify RetryNotifier) (*http.Response, error) {
	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := c.attempt(ctx, req, attempt)
		if err == nil {
			return resp, nil
		}
		if attempt >= c.retry.MaxAttempts || ctx.Err() != nil || !domain.IsTransientConnectError(err) {
			return nil, err
		}

		delay := c.backoff(attempt, err)
		c.logger.Warn("upstream connect failed, retrying",
			"host", req.URL.Host,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		tracer.RecordRetry(trace.SpanFromContext(ctx), domain.RetryScopeDispatch, attempt+1, delay.Milliseconds(), err.Error())
		if notify != nil {
			notify(domain.RetryReset{
				Scope:           domain.RetryScopeDispatch,
				ShallClear:      false,
				Attempt:         attempt + 1,
				MaxAttempts:     c.retry.MaxAttempts,
				DelayMs:         delay.Milliseconds(),
				Reason:          err.Error(),
				CauseHTTPStatus: statusOf(err),
				CauseConnError:  connErrorKind(err),
			})
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// BreakerOpen reports whether the circuit for host is currently open.
func (c *Connector) BreakerOpen(host string) bool {
	return c.breakers != nil && c.breakers.state(host) == gobreaker.StateOpen
}

func (c *Connector) attempt(ctx context.Context, req *http.Request, n int) (*http.Response, error) {
	host := req.URL.Host
	ctx, span := tracer.StartConnect(ctx, host, n)
	defer span.End()

	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			tracer.Finish(span, tracer.OutcomeError, err)
			return nil, err
		}
		r.Body = body
	}

	do := func() (*http.Response, error) {
		resp, err := c.client.Do(r)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, mapHTTPError(resp.StatusCode, resp.Header, body)
		}
		return resp, nil
	}

	var (
		resp *http.Response
		err  error
	)
	if c.breakers != nil {
		resp, err = c.breakers.execute(host, do)
	} else {
		resp, err = do()
	}
	if err != nil {
		if code := statusOf(err); code != 0 {
			span.SetAttributes(tracer.KeyHTTPStatus.Int(code))
		}
		if errors.Is(err, context.Canceled) {
			tracer.Finish(span, tracer.OutcomeAborted, nil)
		} else {
			tracer.Finish(span, tracer.OutcomeError, err)
		}
		return nil, err
	}
	span.SetAttributes(tracer.KeyHTTPStatus.Int(resp.StatusCode))
	tracer.Finish(span, tracer.OutcomeOK, nil)
	return resp, nil
}

// backoff returns min(base*2^(attempt-1), max), replaced by a server
// Retry-After hint when one is present, still capped at max.
func (c *Connector) backoff(attempt int, err error) time.Duration {
	maxDelay := c.retry.MaxDelay
	if ra := retryAfterOf(err); ra > 0 {
		if maxDelay > 0 && ra > maxDelay {
			return maxDelay
		}
		return ra
	}
	delay := c.retry.BaseDelay << (attempt - 1)
	if maxDelay > 0 && (delay > maxDelay || delay <= 0) {
		delay = maxDelay
	}
	return delay
}
