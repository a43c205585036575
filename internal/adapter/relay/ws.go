package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"chatstream/internal/domain"
)

const (
	sendQueueSize = 64
	writeTimeout  = 5 * time.Second
)

// wsConn tracks a single WebSocket connection and its running operations.
type wsConn struct {
	id        uint64
	client    *ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	ops map[string]context.CancelFunc
	wg  sync.WaitGroup
}

func (cc *wsConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// send queues a frame, blocking while the queue is full. It reports false
// once the connection is closed. Particles are never dropped for a slow
// client.
func (cc *wsConn) send(f Frame) bool {
	select {
	case cc.sendCh <- f:
		return true
	case <-cc.done:
		return false
	}
}

func (s *Server) originPatterns() []string {
	patterns := []string{
		"localhost",
		"localhost:*",
		"127.0.0.1",
		"127.0.0.1:*",
		"[::1]",
		"[::1]:*",
	}
	return append(patterns, s.cfg.AllowedOrigins...)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	client, err := s.authorize(r, true)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns()})
	if err != nil {
		s.logger.Warn("relay: websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxBodyBytes)

	cc := &wsConn{
		id:     s.nextID.Add(1),
		client: client,
		ws:     ws,
		sendCh: make(chan Frame, sendQueueSize),
		done:   make(chan struct{}),
		ops:    make(map[string]context.CancelFunc),
	}
	s.mu.Lock()
	s.conns[cc.id] = cc
	s.mu.Unlock()

	s.logger.Info("relay client connected", "conn_id", cc.id, "client", client.Name)

	ctx, cancel := context.WithCancel(r.Context())
	go s.writeLoop(cc)
	s.readLoop(ctx, cc)

	// The reader only stops when the client is gone, so abort what is
	// still running and stop queueing frames for it.
	cancel()
	cc.close()
	cc.wg.Wait()

	s.mu.Lock()
	delete(s.conns, cc.id)
	s.mu.Unlock()
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("relay client disconnected", "conn_id", cc.id)
}

func (s *Server) readLoop(ctx context.Context, cc *wsConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}

		switch frame.Type {
		case FrameTypeGenerate:
			s.startOperation(ctx, cc, frame)
		case FrameTypeCancel:
			cc.cancelOp(frame.ID)
		default:
			cc.send(errorFrame(frame.ID, domain.NewSubSystemError("relay", "readLoop", domain.ErrInvalidInput,
				fmt.Sprintf("unknown frame type %q", frame.Type))))
		}
	}
}

func (s *Server) writeLoop(cc *wsConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				cc.close()
				return
			}
		}
	}
}

// startOperation acknowledges a generate frame and runs it on its own
// goroutine. The accepted frame is queued before any particle.
func (s *Server) startOperation(ctx context.Context, cc *wsConn, frame Frame) {
	if frame.Request == nil {
		cc.send(errorFrame(frame.ID, domain.NewSubSystemError("relay", "generate", domain.ErrInvalidInput, "missing request")))
		return
	}
	d, err := s.resolver.Resolve(*frame.Request)
	if err != nil {
		cc.send(errorFrame(frame.ID, err))
		return
	}

	id := frame.ID
	if id == "" {
		id = newOperationID()
	}
	opCtx, cancel := context.WithCancel(domain.ContextWithOperationID(ctx, id))

	cc.mu.Lock()
	if _, dup := cc.ops[id]; dup {
		cc.mu.Unlock()
		cancel()
		cc.send(errorFrame(id, domain.NewSubSystemError("relay", "generate", domain.ErrInvalidInput, "operation id already running")))
		return
	}
	cc.ops[id] = cancel
	cc.mu.Unlock()

	logger := s.logger.With("operation_id", id, "conn_id", cc.id, "client", cc.client.Name, "provider", frame.Request.Provider)
	logger.Info("relay: operation started", "transport", "ws", "dialect", d.Dialect)
	cc.send(Frame{Type: FrameTypeAccepted, ID: id})

	cc.wg.Add(1)
	go func() {
		defer cc.wg.Done()
		defer cc.cancelOp(id)

		particles, errc := s.runner.Stream(opCtx, d)
		for p := range particles {
			cc.send(Frame{Type: FrameTypeParticle, ID: id, Particle: &p})
		}
		if err := <-errc; err != nil {
			logger.Warn("relay: operation failed", "error", err)
			cc.send(errorFrame(id, err))
			return
		}
		cc.send(Frame{Type: FrameTypeDone, ID: id})
	}()
}

// cancelOp aborts a running operation. Unknown ids are ignored.
func (cc *wsConn) cancelOp(id string) {
	cc.mu.Lock()
	cancel, ok := cc.ops[id]
	delete(cc.ops, id)
	cc.mu.Unlock()
	if ok {
		cancel()
	}
}
