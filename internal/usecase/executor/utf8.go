package executor

import "unicode/utf8"

// utf8Carry decodes byte chunks into text, holding back a rune split across
// a chunk boundary until the next chunk completes it.
type utf8Carry struct {
	pending []byte
}

func (c *utf8Carry) decode(b []byte) string {
	data := b
	if len(c.pending) > 0 {
		data = append(c.pending, b...)
		c.pending = nil
	}
	cut := incompleteSuffix(data)
	if cut > 0 {
		c.pending = append([]byte(nil), data[len(data)-cut:]...)
	}
	return string(data[:len(data)-cut])
}

// flush returns whatever is still held back. Invalid bytes decode to
// U+FFFD downstream rather than being dropped.
func (c *utf8Carry) flush() string {
	s := string(c.pending)
	c.pending = nil
	return s
}

// incompleteSuffix returns the length of a truncated rune at the end of b.
func incompleteSuffix(b []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		start := len(b) - i
		if !utf8.RuneStart(b[start]) {
			continue
		}
		if utf8.FullRune(b[start:]) {
			return 0
		}
		return i
	}
	return 0
}
