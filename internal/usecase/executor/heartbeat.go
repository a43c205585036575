package executor

import (
	"time"

	"chatstream/internal/domain"
)

// await runs op on its own goroutine and blocks until it settles. While
// waiting it forwards particles op publishes through its side callback and
// sends a heartbeat every interval. No heartbeat is sent once op has
// settled, and side particles always precede op's result.
func await[T any](r *run, op func(side func(domain.Particle)) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	side := make(chan domain.Particle)

	go func() {
		v, err := op(func(p domain.Particle) { side <- p })
		done <- result{v, err}
	}()

	ticker := time.NewTicker(r.exec.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case res := <-done:
			return res.v, res.err
		case p := <-side:
			r.send(p)
		case <-ticker.C:
			select {
			case res := <-done:
				return res.v, res.err
			default:
			}
			r.send(domain.Heartbeat())
		}
	}
}
