// Package demux splits decoded response text into discrete events.
package demux

import (
	"fmt"
	"log/slog"

	"chatstream/internal/domain"
)

// DoneSentinel is the data payload some upstreams send as an explicit end of
// stream marker.
const DoneSentinel = "[DONE]"

// Event is one demuxed record. Name is empty for unnamed SSE events and for
// every JSON-NL record.
type Event struct {
	Name string
	Data string
}

// Demuxer is stateful across calls: partial lines and records are carried
// over until the next chunk completes them.
type Demuxer interface {
	// Demux consumes a chunk of decoded text and returns every event it completes.
	Demux(chunk string) []Event
	// FlushRemaining is called once at end of stream to recover an
	// unterminated trailing event.
	FlushRemaining() []Event
}

// New returns a Demuxer for format. FormatNone has no demuxer.
func New(format domain.DemuxFormat, logger *slog.Logger) (Demuxer, error) {
	switch format {
	case domain.FormatSSE:
		return NewSSE(logger), nil
	case domain.FormatJSONNL:
		return NewJSONNL(logger), nil
	default:
		return nil, domain.NewSubSystemError("demux", "demux.New", domain.ErrInvalidInput,
			fmt.Sprintf("unsupported format %q", format))
	}
}
