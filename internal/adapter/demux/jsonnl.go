package demux

import (
	"log/slog"
	"strings"
)

// JSONNL demuxes newline-delimited JSON. Each complete line is one event;
// a partial trailing line waits for its newline.
type JSONNL struct {
	logger *slog.Logger
	buf    strings.Builder
}

// NewJSONNL creates a JSON-NL demuxer.
func NewJSONNL(logger *slog.Logger) *JSONNL {
	return &JSONNL{logger: logger}
}

// Demux implements Demuxer.
func (d *JSONNL) Demux(chunk string) []Event {
	var out []Event
	for {
		i := strings.IndexByte(chunk, '\n')
		if i < 0 {
			d.buf.WriteString(chunk)
			return out
		}
		d.buf.WriteString(chunk[:i])
		line := strings.TrimSpace(d.buf.String())
		d.buf.Reset()
		chunk = chunk[i+1:]

		if line != "" {
			out = append(out, Event{Data: line})
		}
	}
}

// FlushRemaining implements Demuxer. Complete JSON objects left in an
// unterminated tail are recovered; the rest is logged and dropped.
func (d *JSONNL) FlushRemaining() []Event {
	tail := strings.TrimSpace(d.buf.String())
	d.buf.Reset()
	if tail == "" {
		return nil
	}

	objects := recoverJSONObjects(tail, d.logger, "json-nl")
	out := make([]Event, 0, len(objects))
	for _, obj := range objects {
		out = append(out, Event{Data: obj})
	}
	return out
}
