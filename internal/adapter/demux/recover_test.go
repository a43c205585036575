package demux

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecoverJSONObjects(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		skipped bool
	}{
		{"single", `{"a":1}`, []string{`{"a":1}`}, false},
		{"two objects", `{"a":1} {"b":{"c":2}}`, []string{`{"a":1}`, `{"b":{"c":2}}`}, false},
		{"braces in strings", `{"s":"{not}\"}"}`, []string{`{"s":"{not}\"}"}`}, false},
		{"incomplete", `{"a":{"b":1}`, nil, true},
		{"complete then incomplete", `{"a":1}{"b":`, []string{`{"a":1}`}, true},
		{"garbage prefix", `oops {"a":1}`, []string{`{"a":1}`}, true},
		{"stray closing brace", `}{"a":1}`, []string{`{"a":1}`}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			got := recoverJSONObjects(tt.input, slog.New(slog.NewTextHandler(&buf, nil)), "test")
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.skipped, buf.Len() > 0, "log output: %s", buf.String())
		})
	}
}

func TestPreviewTruncates(t *testing.T) {
	long := strings.Repeat("x", maxSkippedPreview+10)
	assert.Len(t, preview(long), maxSkippedPreview+3)
	assert.Equal(t, "short", preview("short"))
}
