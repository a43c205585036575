// Package retrier restarts whole dispatch attempts when a dialect reports
// a transient upstream overload.
package retrier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chatstream/internal/adapter/transmitter"
	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
	"chatstream/internal/infra/tracer"
)

// Default policy: 4 attempts, 1s doubling to at most 10s.
const (
	defaultMaxAttempts = 4
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 10 * time.Second
)

// Attempter runs one dispatch attempt.
type Attempter interface {
	Execute(ctx context.Context, d domain.Dispatch, out chan<- domain.Particle) error
}

// Retrier wraps an Attempter with operation-level retries.
type Retrier struct {
	exec   Attempter
	policy config.RetryConfig
	logger *slog.Logger

	// sleep waits d or until ctx is done, reporting whether d elapsed.
	sleep func(ctx context.Context, d time.Duration) bool
}

// New creates a Retrier. Zero policy values fall back to defaults.
func New(policy config.RetryConfig, exec Attempter, logger *slog.Logger) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = defaultMaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaultBaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaultMaxDelay
	}
	return &Retrier{exec: exec, policy: policy, logger: logger, sleep: sleepCtx}
}

// Run executes d, restarting it from scratch after a *domain.RetryableError
// while attempts remain. Each restart is announced with a
// retry-reset(operation, shallClear) particle before the backoff sleep.
// Any other error, or a retryable one on the last attempt, is returned
// unchanged; no end particle is sent for it.
func (r *Retrier) Run(ctx context.Context, d domain.Dispatch, out chan<- domain.Particle) error {
	ctx, span := tracer.StartOperation(ctx, d, r.policy.MaxAttempts)
	defer span.End()

	logger := r.logger
	if id := domain.OperationIDFromContext(ctx); id != "" {
		logger = logger.With("operation_id", id)
	}

	for attempt := 1; ; attempt++ {
		span.SetAttributes(tracer.KeyAttempts.Int(attempt))

		err := r.exec.Execute(ctx, d, out)
		if err == nil {
			tracer.Finish(span, tracer.OutcomeOK, nil)
			return nil
		}

		var re *domain.RetryableError
		if !errors.As(err, &re) || attempt >= r.policy.MaxAttempts {
			logger.Error("operation failed", "attempt", attempt, "error", err)
			tracer.Finish(span, tracer.OutcomeError, err)
			return err
		}

		delay := r.backoff(attempt)
		logger.Info("retrying operation",
			"attempt", attempt+1,
			"max_attempts", r.policy.MaxAttempts,
			"delay", delay,
			"reason", re.Reason,
		)
		out <- domain.NewRetryResetParticle(domain.RetryReset{
			Scope:           domain.RetryScopeOperation,
			ShallClear:      true,
			Attempt:         attempt + 1,
			MaxAttempts:     r.policy.MaxAttempts,
			DelayMs:         delay.Milliseconds(),
			Reason:          re.Reason,
			CauseHTTPStatus: re.HTTPStatus,
		})
		tracer.RecordRetry(span, domain.RetryScopeOperation, attempt+1, delay.Milliseconds(), re.Reason)

		if !r.sleep(ctx, delay) {
			r.abort(out)
			tracer.Finish(span, tracer.OutcomeAborted, nil)
			return nil
		}
	}
}

// Stream runs d on its own goroutine. The particle channel is closed after
// the last particle; the error channel then yields Run's result once.
func (r *Retrier) Stream(ctx context.Context, d domain.Dispatch) (<-chan domain.Particle, <-chan error) {
	out := make(chan domain.Particle, 16)
	errc := make(chan error, 1)
	go func() {
		err := r.Run(ctx, d, out)
		close(out)
		errc <- err
	}()
	return out, errc
}

// backoff returns min(base*2^(attempt-1), max).
func (r *Retrier) backoff(attempt int) time.Duration {
	delay := r.policy.BaseDelay << (attempt - 1)
	if delay > r.policy.MaxDelay || delay <= 0 {
		delay = r.policy.MaxDelay
	}
	return delay
}

// abort terminates an operation cancelled during backoff.
func (r *Retrier) abort(out chan<- domain.Particle) {
	tx := transmitter.New(r.logger)
	tx.SetAborted("generation aborted during retry backoff")
	for _, p := range tx.Flush() {
		out <- p
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
