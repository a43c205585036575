package dialect

import (
	"strings"

	"chatstream/internal/domain"
)

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

type thinkState int

const (
	thinkUndecided thinkState = iota
	thinkInside
	thinkDone
)

// thinkTagSplitter routes a leading <think>...</think> block of an
// incremental text stream into reasoning text. The decision is taken once,
// at the very start of the stream, and never revisited: a model that opens
// its answer with a literal "<think>" is treated as reasoning, and one that
// starts thinking later is treated as plain text.
type thinkTagSplitter struct {
	state   thinkState
	pending string
}

// Push routes text to the transmitter, holding back bytes that may still
// turn out to be part of a tag split across chunks.
func (s *thinkTagSplitter) Push(tx domain.Transmitter, text string) {
	switch s.state {
	case thinkDone:
		tx.AppendText(text)

	case thinkUndecided:
		s.pending += text
		trimmed := strings.TrimLeft(s.pending, " \t\r\n")
		if len(trimmed) < len(thinkOpenTag) && strings.HasPrefix(thinkOpenTag, trimmed) {
			return
		}
		if !strings.HasPrefix(trimmed, thinkOpenTag) {
			s.state = thinkDone
			tx.AppendText(s.pending)
			s.pending = ""
			return
		}
		s.state = thinkInside
		s.pending = ""
		s.pushInside(tx, trimmed[len(thinkOpenTag):])

	case thinkInside:
		s.pushInside(tx, text)
	}
}

// Finish releases any held-back text. Text pushed afterwards is plain.
func (s *thinkTagSplitter) Finish(tx domain.Transmitter) {
	switch s.state {
	case thinkUndecided:
		tx.AppendText(s.pending)
	case thinkInside:
		tx.AppendReasoningText(s.pending)
	}
	s.pending = ""
	s.state = thinkDone
}

func (s *thinkTagSplitter) pushInside(tx domain.Transmitter, text string) {
	buf := s.pending + text
	if i := strings.Index(buf, thinkCloseTag); i >= 0 {
		tx.AppendReasoningText(buf[:i])
		s.pending = ""
		s.state = thinkDone
		tx.AppendText(strings.TrimLeft(buf[i+len(thinkCloseTag):], "\r\n"))
		return
	}
	keep := partialSuffix(buf, thinkCloseTag)
	tx.AppendReasoningText(buf[:len(buf)-keep])
	s.pending = buf[len(buf)-keep:]
}

// partialSuffix returns the length of the longest proper prefix of tag that
// s ends with.
func partialSuffix(s, tag string) int {
	for k := len(tag) - 1; k > 0; k-- {
		if strings.HasSuffix(s, tag[:k]) {
			return k
		}
	}
	return 0
}
