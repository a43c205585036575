package demux

import (
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// SSE demuxes the text/event-stream format. CRLF, LF and lone CR all
// terminate a line; a blank line dispatches the accumulated event.
type SSE struct {
	logger *slog.Logger

	partial strings.Builder
	// skipLF is set when the previous chunk ended in CR, so a leading LF in
	// the next chunk belongs to the same CRLF terminator.
	skipLF bool

	event   string
	data    []string
	hasData bool

	lastID string
	retry  time.Duration
}

// NewSSE creates an SSE demuxer.
func NewSSE(logger *slog.Logger) *SSE {
	return &SSE{logger: logger}
}

// Demux implements Demuxer.
func (d *SSE) Demux(chunk string) []Event {
	var out []Event
	for len(chunk) > 0 {
		if d.skipLF {
			d.skipLF = false
			if chunk[0] == '\n' {
				chunk = chunk[1:]
				continue
			}
		}

		i := strings.IndexAny(chunk, "\r\n")
		if i < 0 {
			d.partial.WriteString(chunk)
			break
		}

		d.partial.WriteString(chunk[:i])
		line := d.partial.String()
		d.partial.Reset()

		if chunk[i] == '\r' {
			d.skipLF = true
		}
		chunk = chunk[i+1:]

		if ev, ok := d.processLine(line); ok {
			out = append(out, ev)
		}
	}
	return out
}

// FlushRemaining implements Demuxer. A record whose data lines all arrived
// but whose blank line never did is dispatched as-is. If the stream stopped
// mid-line, a bare done marker is passed through, complete JSON objects are
// recovered from the pending data and everything else is logged and dropped.
func (d *SSE) FlushRemaining() []Event {
	tail := d.partial.String()
	d.partial.Reset()
	d.skipLF = false

	if tail != "" {
		field, value := splitField(tail)
		if field != "data" {
			if ev, ok := d.processLine(tail); ok {
				return []Event{ev}
			}
			return d.dispatchPending()
		}
		d.data = append(d.data, value)
		pending := strings.Join(d.data, "\n")
		name := d.event
		d.resetEvent()

		if strings.TrimSpace(pending) == DoneSentinel {
			return []Event{{Name: name, Data: DoneSentinel}}
		}
		objects := recoverJSONObjects(pending, d.logger, "sse")
		out := make([]Event, 0, len(objects))
		for _, obj := range objects {
			out = append(out, Event{Name: name, Data: obj})
		}
		return out
	}

	return d.dispatchPending()
}

// LastEventID returns the most recent id field.
func (d *SSE) LastEventID() string { return d.lastID }

// Retry returns the reconnect interval advised by the stream, zero if none.
func (d *SSE) Retry() time.Duration { return d.retry }

func (d *SSE) processLine(line string) (Event, bool) {
	if line == "" {
		return d.dispatch()
	}
	if line[0] == ':' {
		return Event{}, false
	}

	field, value := splitField(line)
	switch field {
	case "event":
		d.event = value
	case "data":
		d.data = append(d.data, value)
		d.hasData = true
	case "id":
		if !strings.ContainsRune(value, 0) {
			d.lastID = value
		}
	case "retry":
		if ms, err := strconv.ParseUint(value, 10, 32); err == nil {
			d.retry = time.Duration(ms) * time.Millisecond
		}
	}
	return Event{}, false
}

func (d *SSE) dispatch() (Event, bool) {
	if !d.hasData {
		d.resetEvent()
		return Event{}, false
	}
	ev := Event{Name: d.event, Data: strings.Join(d.data, "\n")}
	d.resetEvent()
	return ev, true
}

func (d *SSE) dispatchPending() []Event {
	if ev, ok := d.dispatch(); ok {
		return []Event{ev}
	}
	return nil
}

func (d *SSE) resetEvent() {
	d.event = ""
	d.data = d.data[:0]
	d.hasData = false
}

// splitField splits "field: value" and drops a single leading space of value.
func splitField(line string) (string, string) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}
