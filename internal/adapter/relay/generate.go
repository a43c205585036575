package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"chatstream/internal/adapter/upstream"
	"chatstream/internal/domain"
	"chatstream/internal/infra/middleware"
)

// handleGenerate runs one operation and streams its particles as NDJSON.
// An operation that fails without an end particle gets a trailing
// {"error","code"} line instead.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	client, err := s.authorize(r, false)
	if err != nil {
		middleware.WriteError(w, http.StatusUnauthorized, domain.CodeRelayAuth, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var req upstream.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, domain.CodeRelayBadRequest, "request body too large")
			return
		}
		middleware.WriteError(w, http.StatusBadRequest, domain.CodeRelayBadRequest, "invalid request: "+err.Error())
		return
	}
	// Reading to EOF lets the server notice a client disconnect.
	_, _ = io.Copy(io.Discard, r.Body)

	d, err := s.resolver.Resolve(req)
	if err != nil {
		middleware.WriteError(w, resolveStatus(err), domain.ErrorCodeOf(err), err.Error())
		return
	}

	opID := newOperationID()
	logger := s.logger.With("operation_id", opID, "client", client.Name, "provider", req.Provider)
	logger.Info("relay: operation started", "transport", "http", "dialect", d.Dialect, "stream", req.Stream)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Operation-ID", opID)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	particles, errc := s.runner.Stream(domain.ContextWithOperationID(r.Context(), opID), d)

	// The runner blocks until its channel is drained, so keep reading
	// after the client goes away.
	broken := false
	count := 0
	for p := range particles {
		if broken {
			continue
		}
		if err := enc.Encode(p); err != nil {
			broken = true
			logger.Debug("relay: client write failed", "error", err)
			continue
		}
		count++
		if err := rc.Flush(); err != nil {
			broken = true
		}
	}

	if err := <-errc; err != nil {
		logger.Warn("relay: operation failed", "error", err, "particles", count)
		if !broken {
			_ = enc.Encode(middleware.ErrorBody{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
			_ = rc.Flush()
		}
		return
	}
	logger.Info("relay: operation finished", "particles", count, "client_gone", broken)
}
