package relay

import (
	"chatstream/internal/adapter/upstream"
	"chatstream/internal/domain"
)

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	// Client to relay.
	FrameTypeGenerate FrameType = "generate"
	FrameTypeCancel   FrameType = "cancel"

	// Relay to client.
	FrameTypeAccepted FrameType = "accepted"
	FrameTypeParticle FrameType = "particle"
	FrameTypeDone     FrameType = "done"
	FrameTypeError    FrameType = "error"
)

// Frame is the envelope exchanged over WebSocket. ID is the operation id;
// a generate frame may propose one, otherwise the relay assigns a ULID.
type Frame struct {
	Type     FrameType         `json:"type"`
	ID       string            `json:"id,omitempty"`
	Request  *upstream.Request `json:"request,omitempty"`
	Particle *domain.Particle  `json:"particle,omitempty"`
	Error    string            `json:"error,omitempty"`
	Code     domain.ErrorCode  `json:"code,omitempty"`
}

func errorFrame(id string, err error) Frame {
	return Frame{Type: FrameTypeError, ID: id, Error: err.Error(), Code: domain.ErrorCodeOf(err)}
}
