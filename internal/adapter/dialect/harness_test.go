package dialect

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"chatstream/internal/adapter/transmitter"
	"chatstream/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

// harness drives a parser the way the orchestrator does: one drain per
// event, a finish pass and a final flush.
type harness struct {
	t   *testing.T
	p   domain.Parser
	tx  *transmitter.Transmitter
	out []domain.Particle
}

func newHarness(t *testing.T, id string) *harness {
	t.Helper()
	p, err := New(id, newTestLogger())
	require.NoError(t, err)
	return &harness{t: t, p: p, tx: transmitter.New(newTestLogger())}
}

func (h *harness) feedEvent(event, data string) error {
	err := h.p.Parse(h.tx, data, event)
	h.out = append(h.out, h.tx.Emit()...)
	return err
}

func (h *harness) feed(data ...string) {
	h.t.Helper()
	for _, d := range data {
		require.NoError(h.t, h.feedEvent("", d))
	}
}

// close ends the stream as a dispatch close unless the dialect ended it.
func (h *harness) close() []domain.Particle {
	if f, ok := h.p.(domain.Finisher); ok && !h.tx.IsEnded() {
		f.Finish(h.tx)
	}
	if !h.tx.IsEnded() {
		h.tx.SetDispatchClosed()
	}
	h.out = append(h.out, h.tx.Flush()...)
	return h.out
}

func kinds(ps []domain.Particle) []domain.ParticleKind {
	out := make([]domain.ParticleKind, len(ps))
	for i, p := range ps {
		out[i] = p.Kind
	}
	return out
}

func only(ps []domain.Particle, kind domain.ParticleKind) []domain.Particle {
	var out []domain.Particle
	for _, p := range ps {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

func last(ps []domain.Particle) domain.Particle {
	if len(ps) == 0 {
		return domain.Particle{}
	}
	return ps[len(ps)-1]
}

func text(s string) domain.Particle { return domain.Particle{Kind: domain.KindText, Text: s} }

func reasoning(s string) domain.Particle {
	return domain.Particle{Kind: domain.KindReasoningText, Text: s}
}

func end(reason domain.TerminationReason, stop domain.TokenStopReason) domain.Particle {
	return domain.Particle{Kind: domain.KindEnd, End: &domain.End{Reason: reason, StopReason: stop}}
}
