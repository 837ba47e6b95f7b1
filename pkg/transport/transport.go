// Package transport carries control messages and audio between the call
// engine and the tutoring backend. Three implementations share one shape:
// a relay WebSocket, a WebRTC data channel, and a direct OpenAI pipeline.
// The state machine depends only on this shape.
package transport

import (
	"context"

	"github.com/speaklab/tutorcall-go/pkg/protocol"
)

// EventKind classifies a transport event.
type EventKind int

const (
	// Opened fires once when the transport is ready for traffic.
	Opened EventKind = iota
	// Message carries a decoded server control event.
	Message
	// Audio carries a chunk of assistant PCM.
	Audio
	// Failure reports an unrecoverable transport error.
	Failure
	// Closed fires when the transport has shut down.
	Closed
)

func (k EventKind) String() string {
	switch k {
	case Opened:
		return "opened"
	case Message:
		return "message"
	case Audio:
		return "audio"
	case Failure:
		return "failure"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Event is a single transport occurrence. Events are delivered on one
// channel so consumers observe them in arrival order.
type Event struct {
	Kind   EventKind
	Server protocol.ServerEvent // Message only
	Chunk  []byte               // Audio only
	Err    error                // Failure only
}

// Transport is the wire connection for one call.
type Transport interface {
	// Connect opens the connection. Events start flowing afterwards,
	// beginning with Opened.
	Connect(ctx context.Context) error

	// Events returns the ordered event stream. The channel closes after
	// the Closed event.
	Events() <-chan Event

	// Send transmits a control message.
	Send(msg protocol.ClientMessage) error

	// SendAudio transmits captured PCM.
	SendAudio(pcm []byte) error

	// Close shuts the connection down. Safe to call repeatedly.
	Close() error
}
