// Package fake provides a scripted transport for conversation tests.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/speaklab/tutorcall-go/pkg/protocol"
	"github.com/speaklab/tutorcall-go/pkg/transport"
)

// FakeTransport records everything sent through it and lets tests inject
// server events by hand.
type FakeTransport struct {
	events chan transport.Event

	mu        sync.Mutex
	connected bool
	closed    bool
	sent      []protocol.ClientMessage
	audio     [][]byte

	// ConnectErr, when set, is returned from Connect.
	ConnectErr error
}

// NewFakeTransport creates a fake with room for 64 pending events.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{events: make(chan transport.Event, 64)}
}

// Connect implements transport.Transport.
func (f *FakeTransport) Connect(ctx context.Context) error {
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.events <- transport.Event{Kind: transport.Opened}
	return nil
}

// Events implements transport.Transport.
func (f *FakeTransport) Events() <-chan transport.Event { return f.events }

// Send implements transport.Transport.
func (f *FakeTransport) Send(msg protocol.ClientMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("transport closed")
	}
	f.sent = append(f.sent, msg)
	return nil
}

// SendAudio implements transport.Transport.
func (f *FakeTransport) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("transport closed")
	}
	f.audio = append(f.audio, append([]byte(nil), pcm...))
	return nil
}

// Close implements transport.Transport.
func (f *FakeTransport) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	f.events <- transport.Event{Kind: transport.Closed}
	close(f.events)
	return nil
}

// InjectMessage delivers a server event as if it arrived from the wire.
func (f *FakeTransport) InjectMessage(ev protocol.ServerEvent) {
	f.events <- transport.Event{Kind: transport.Message, Server: ev}
}

// InjectAudio delivers a PCM chunk as if it arrived from the wire.
func (f *FakeTransport) InjectAudio(pcm []byte) {
	f.events <- transport.Event{Kind: transport.Audio, Chunk: pcm}
}

// InjectFailure delivers a transport failure.
func (f *FakeTransport) InjectFailure(err error) {
	f.events <- transport.Event{Kind: transport.Failure, Err: err}
}

// Sent returns a copy of all control messages sent so far.
func (f *FakeTransport) Sent() []protocol.ClientMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ClientMessage(nil), f.sent...)
}

// SentOfType returns the sent messages matching the given type.
func (f *FakeTransport) SentOfType(msgType string) []protocol.ClientMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.ClientMessage
	for _, m := range f.sent {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// AudioBytes returns the total number of PCM bytes sent so far.
func (f *FakeTransport) AudioBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.audio {
		n += len(b)
	}
	return n
}

// Closed reports whether Close has been called.
func (f *FakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
