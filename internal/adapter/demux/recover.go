package demux

import (
	"log/slog"
	"strings"
)

// maxSkippedPreview bounds how much dropped text is copied into logs.
const maxSkippedPreview = 256

// recoverJSONObjects extracts every complete top-level {...} object from s.
// Brace depth is tracked outside of string literals only, so braces inside
// values never split an object. Anything that is not part of a complete
// object is logged as skipped.
func recoverJSONObjects(s string, logger *slog.Logger, format string) []string {
	var objects []string
	var skipped strings.Builder
	depth, start, lastEnd := 0, -1, 0
	inString, escaped := false, false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				skipped.WriteString(strings.TrimSpace(s[lastEnd:i]))
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				objects = append(objects, s[start:i+1])
				lastEnd = i + 1
				start = -1
			}
		}
	}

	if start >= 0 {
		skipped.WriteString(s[start:])
	} else {
		skipped.WriteString(strings.TrimSpace(s[lastEnd:]))
	}

	if skipped.Len() > 0 && logger != nil {
		logger.Warn("demux: skipped unterminated trailing data",
			"format", format,
			"skipped_bytes", skipped.Len(),
			"recovered", len(objects),
			"preview", preview(skipped.String()),
		)
	}
	return objects
}

func preview(s string) string {
	if len(s) <= maxSkippedPreview {
		return s
	}
	return s[:maxSkippedPreview] + "..."
}
