package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// breakerSet keeps one circuit breaker per upstream host. When a host fails
// repeatedly its circuit opens and later dispatches to it fail fast instead
// of piling connect retries onto a dead endpoint.
type breakerSet struct {
	settings config.CircuitBreakerConfig
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

func newBreakerSet(cfg config.CircuitBreakerConfig, logger *slog.Logger) *breakerSet {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultCBMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultCBTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultCBInterval
	}
	return &breakerSet{
		settings: cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
}

func (s *breakerSet) get(host string) *gobreaker.CircuitBreaker[*http.Response] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[host]; ok {
		return cb
	}
	maxFailures := s.settings.MaxFailures
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "upstream:" + host,
		MaxRequests: 1, // one trial request while half-open
		Interval:    s.settings.Interval,
		Timeout:     s.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return !tripsBreaker(err)
		},
	})
	s.breakers[host] = cb
	return cb
}

// state reports the breaker state for host; hosts never seen are closed.
func (s *breakerSet) state(host string) gobreaker.State {
	s.mu.Lock()
	cb, ok := s.breakers[host]
	s.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// execute runs fn through the host breaker. Open or saturated breakers
// surface as domain.ErrCircuitOpen.
func (s *breakerSet) execute(host string, fn func() (*http.Response, error)) (*http.Response, error) {
	resp, err := s.get(host).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("host %q: %w: %v", host, domain.ErrCircuitOpen, err)
	}
	return resp, err
}

// tripsBreaker reports whether err says the host itself is unhealthy.
// Client-side problems (auth, rate limits, bad requests) and cancellation
// do not count against the host.
func tripsBreaker(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrUpstreamFailure) {
		return true
	}
	if statusOf(err) != 0 || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
