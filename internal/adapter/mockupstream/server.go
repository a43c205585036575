// Package mockupstream serves lorem ipsum completions in the openai-chat
// and ollama-chat wire formats, for local runs without provider keys.
//
// Model names select behaviour:
//   - "slow" / "fast" in the name change the per-word delay
//   - "flaky" fails every other request with 503
//   - "overload" streams an overloaded error after the first words
package mockupstream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	loremgen "github.com/bozaro/golorem"
)

const (
	defaultWords = 40
	maxWords     = 2000
)

// Server is the mock upstream handler.
type Server struct {
	logger *slog.Logger
	delay  time.Duration

	mu  sync.Mutex
	gen *loremgen.Lorem

	requests atomic.Uint64
}

// New creates a mock upstream. delay is the default pause between words.
func New(delay time.Duration, logger *slog.Logger) *Server {
	return &Server{logger: logger, delay: delay, gen: loremgen.New()}
}

// Handler returns the mock routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleOpenAI)
	mux.HandleFunc("POST /chat/completions", s.handleOpenAI)
	mux.HandleFunc("POST /api/chat", s.handleOllama)
	return mux
}

// request holds the fields shared by both wire formats.
type request struct {
	Model     string `json:"model"`
	Stream    bool   `json:"stream"`
	MaxTokens int    `json:"max_tokens"`
	Options   struct {
		NumPredict int `json:"num_predict"`
	} `json:"options"`
}

func (r request) words() int {
	n := r.MaxTokens
	if n == 0 {
		n = r.Options.NumPredict
	}
	if n <= 0 {
		return defaultWords
	}
	return min(n, maxWords)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (request, bool) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":{"message":"invalid JSON body","type":"invalid_request_error"}}`, http.StatusBadRequest)
		return req, false
	}
	n := s.requests.Add(1)
	if strings.Contains(req.Model, "flaky") && n%2 == 1 {
		s.logger.Info("mock upstream: failing flaky request", "model", req.Model, "request", n)
		w.Header().Set("Retry-After", "1")
		http.Error(w, `{"error":{"message":"temporarily unavailable"}}`, http.StatusServiceUnavailable)
		return req, false
	}
	return req, true
}

// tokens returns count lorem words, each after the first led by a space.
func (s *Server) tokens(count int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var words []string
	for len(words) < count {
		words = append(words, strings.Fields(s.gen.Sentence(5, 15))...)
	}
	words = words[:count]
	out := make([]string, len(words))
	for i, w := range words {
		if i == 0 {
			out[i] = w
			continue
		}
		out[i] = " " + w
	}
	return out
}

func (s *Server) delayFor(model string) time.Duration {
	switch {
	case strings.Contains(model, "slow"):
		return 500 * time.Millisecond
	case strings.Contains(model, "fast"):
		return 0
	}
	return s.delay
}

// pace sleeps between words and reports false when the client left.
func pace(r *http.Request, d time.Duration) bool {
	if d <= 0 {
		return r.Context().Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.Context().Done():
		return false
	case <-t.C:
		return true
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleOpenAI(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	words := s.tokens(req.words())
	id := fmt.Sprintf("chatcmpl-mock-%d", s.requests.Load())
	usage := map[string]int{"prompt_tokens": 8, "completion_tokens": len(words), "total_tokens": 8 + len(words)}

	if !req.Stream {
		writeJSON(w, map[string]any{
			"id":    id,
			"model": req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": strings.Join(words, "")},
				"finish_reason": "stop",
			}},
			"usage": usage,
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	rc := http.NewResponseController(w)
	send := func(v any) bool {
		b, _ := json.Marshal(v)
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		return rc.Flush() == nil
	}
	chunk := func(delta map[string]any, finish any) map[string]any {
		return map[string]any{
			"id":      id,
			"model":   req.Model,
			"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
		}
	}

	delay := s.delayFor(req.Model)
	for i, word := range words {
		if strings.Contains(req.Model, "overload") && i == 3 {
			send(map[string]any{"error": map[string]any{"message": "Overloaded", "type": "overloaded_error"}})
			return
		}
		if !send(chunk(map[string]any{"content": word}, nil)) || !pace(r, delay) {
			return
		}
	}
	send(chunk(map[string]any{}, "stop"))
	send(map[string]any{"id": id, "model": req.Model, "choices": []any{}, "usage": usage})
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	_ = rc.Flush()
}

func (s *Server) handleOllama(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	words := s.tokens(req.words())
	final := func(content string) map[string]any {
		return map[string]any{
			"model":             req.Model,
			"created_at":        time.Now().UTC().Format(time.RFC3339Nano),
			"message":           map[string]any{"role": "assistant", "content": content},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 8,
			"eval_count":        len(words),
		}
	}

	if !req.Stream {
		writeJSON(w, final(strings.Join(words, "")))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	delay := s.delayFor(req.Model)
	for _, word := range words {
		err := enc.Encode(map[string]any{
			"model":   req.Model,
			"message": map[string]any{"role": "assistant", "content": word},
			"done":    false,
		})
		if err != nil || rc.Flush() != nil || !pace(r, delay) {
			return
		}
	}
	_ = enc.Encode(final(""))
	_ = rc.Flush()
}
