package demux

import (
	"bytes"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func demuxAll(d Demuxer, chunks ...string) []Event {
	var out []Event
	for _, c := range chunks {
		out = append(out, d.Demux(c)...)
	}
	return append(out, d.FlushRemaining()...)
}

// splitRandom cuts s into pieces of 1..maxLen bytes.
func splitRandom(rng *rand.Rand, s string, maxLen int) []string {
	var out []string
	for len(s) > 0 {
		n := rng.Intn(maxLen) + 1
		if n > len(s) {
			n = len(s)
		}
		out = append(out, s[:n])
		s = s[n:]
	}
	return out
}

func TestSSEBasicEvents(t *testing.T) {
	d := NewSSE(slog.Default())
	got := demuxAll(d, "data: {\"a\":1}\n\nevent: ping\ndata: {}\n\n")

	want := []Event{
		{Data: `{"a":1}`},
		{Name: "ping", Data: "{}"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestSSELineTerminators(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"LF", "data: x\n\ndata: y\n\n"},
		{"CRLF", "data: x\r\n\r\ndata: y\r\n\r\n"},
		{"CR", "data: x\r\rdata: y\r\r"},
		{"mixed", "data: x\r\n\ndata: y\r\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := demuxAll(NewSSE(slog.Default()), tt.input)
			require.Len(t, got, 2)
			assert.Equal(t, "x", got[0].Data)
			assert.Equal(t, "y", got[1].Data)
		})
	}
}

func TestSSECRLFSplitAcrossChunks(t *testing.T) {
	d := NewSSE(slog.Default())
	got := demuxAll(d, "data: x\r", "\n\r", "\n")
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Data)
}

func TestSSEMultipleDataLinesJoined(t *testing.T) {
	got := demuxAll(NewSSE(slog.Default()), "data: line1\ndata: line2\ndata:line3\n\n")
	require.Len(t, got, 1)
	assert.Equal(t, "line1\nline2\nline3", got[0].Data)
}

func TestSSECommentsAndUnknownFieldsIgnored(t *testing.T) {
	got := demuxAll(NewSSE(slog.Default()), ": keep-alive\nfoo: bar\ndata: x\n\n:\n\n")
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Data)
}

func TestSSEEventWithoutDataIsNotDispatched(t *testing.T) {
	got := demuxAll(NewSSE(slog.Default()), "event: lonely\n\ndata: x\n\n")
	require.Len(t, got, 1)
	assert.Equal(t, "", got[0].Name, "event name resets after a blank line")
}

func TestSSERetryAndID(t *testing.T) {
	d := NewSSE(slog.Default())
	demuxAll(d, "retry: 3000\nid: 42\ndata: x\n\nretry: nope\n\n")
	assert.Equal(t, 3*time.Second, d.Retry())
	assert.Equal(t, "42", d.LastEventID())
}

func TestSSEDoneSentinelPassesThrough(t *testing.T) {
	got := demuxAll(NewSSE(slog.Default()), "data: [DONE]\n\n")
	require.Len(t, got, 1)
	assert.Equal(t, "[DONE]", got[0].Data)
}

func TestSSEChunkBoundaryInvariance(t *testing.T) {
	input := "event: a\ndata: {\"t\":\"h\u00e9llo\"}\r\n\r\n: c\ndata: 1\ndata: 2\r\rdata: last\n\n"
	whole := demuxAll(NewSSE(slog.Default()), input)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		chunks := splitRandom(rng, input, 6)
		got := demuxAll(NewSSE(slog.Default()), chunks...)
		if diff := cmp.Diff(whole, got); diff != "" {
			t.Fatalf("split %q changed events (-whole +split):\n%s", chunks, diff)
		}
	}
}

func TestSSERoundTrip(t *testing.T) {
	want := []Event{
		{Name: "message_start", Data: `{"type":"message_start"}`},
		{Data: `{"choices":[{"delta":{"content":"a:b"}}]}`},
		{Name: "multi", Data: "first\nsecond"},
		{Data: "[DONE]"},
	}

	var wire strings.Builder
	for i, ev := range want {
		terminator := []string{"\n", "\r\n", "\r"}[i%3]
		if ev.Name != "" {
			fmt.Fprintf(&wire, "event: %s%s", ev.Name, terminator)
		}
		for _, line := range strings.Split(ev.Data, "\n") {
			fmt.Fprintf(&wire, "data: %s%s", line, terminator)
		}
		wire.WriteString(terminator)
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		got := demuxAll(NewSSE(slog.Default()), splitRandom(rng, wire.String(), 9)...)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestSSEFlushRemainingMissingBlankLine(t *testing.T) {
	d := NewSSE(slog.Default())
	assert.Empty(t, d.Demux("data: {\"a\":1}\n"))
	got := d.FlushRemaining()
	require.Len(t, got, 1)
	assert.Equal(t, `{"a":1}`, got[0].Data)
}

func TestSSEFlushRemainingRecoversCompleteObject(t *testing.T) {
	d := NewSSE(slog.Default())
	assert.Empty(t, d.Demux(`data: {"a":"}{"}`))
	got := d.FlushRemaining()
	require.Len(t, got, 1)
	assert.Equal(t, `{"a":"}{"}`, got[0].Data)
}

func TestSSEFlushRemainingIncompleteJSONIsSkippedAndLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	d := NewSSE(logger)
	assert.Empty(t, d.Demux(`data: {"choices":[{"delta":{"content":"partial"`))
	assert.Empty(t, d.FlushRemaining())
	assert.Contains(t, buf.String(), "skipped unterminated trailing data")
	assert.Contains(t, buf.String(), "partial")
}

func TestSSEFlushRemainingUnterminatedDone(t *testing.T) {
	d := NewSSE(slog.Default())
	got := demuxAll(d, "data: {\"a\":1}\n\ndata: [DONE]")
	require.Len(t, got, 2)
	assert.Equal(t, DoneSentinel, got[1].Data)
}

func TestSSEFlushRemainingEmpty(t *testing.T) {
	d := NewSSE(slog.Default())
	demuxAll(d, "data: x\n\n")
	assert.Empty(t, d.FlushRemaining())
}
