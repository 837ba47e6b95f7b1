package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/speaklab/tutorcall-go/pkg/protocol"
)

// WebSocket is the relay-server transport: JSON control messages as text
// frames, PCM as binary frames.
type WebSocket struct {
	url    string
	token  string
	logger *slog.Logger

	events  chan Event
	closing chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWebSocket creates a relay transport. Nothing connects until Connect.
func NewWebSocket(serverURL, token string, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		url:     serverURL,
		token:   token,
		logger:  logger,
		events:  make(chan Event, 64),
		closing: make(chan struct{}),
	}
}

// Connect implements Transport.
func (w *WebSocket) Connect(ctx context.Context) error {
	u, err := url.Parse(w.url)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if w.token != "" {
		q := u.Query()
		q.Set("token", w.token)
		u.RawQuery = q.Encode()
	}

	w.logger.Debug("connecting to relay", slog.String("url", w.url))

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close()
		return fmt.Errorf("transport closed")
	}
	w.conn = conn
	w.mu.Unlock()

	w.logger.Info("relay connected", slog.String("url", w.url))
	w.events <- Event{Kind: Opened}

	go w.readLoop()
	return nil
}

// Events implements Transport.
func (w *WebSocket) Events() <-chan Event { return w.events }

// Send implements Transport.
func (w *WebSocket) Send(msg protocol.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return w.write(websocket.TextMessage, data)
}

// SendAudio implements Transport.
func (w *WebSocket) SendAudio(pcm []byte) error {
	return w.write(websocket.BinaryMessage, pcm)
}

// write serializes all writers onto the single connection.
func (w *WebSocket) write(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil || w.closed {
		return fmt.Errorf("not connected")
	}
	return w.conn.WriteMessage(messageType, data)
}

// Close implements Transport.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	close(w.closing)
	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	} else {
		// Never connected: the read loop will not emit Closed for us.
		w.events <- Event{Kind: Closed}
		close(w.events)
	}
	return nil
}

func (w *WebSocket) readLoop() {
	defer func() {
		// The consumer may have walked away by now; never block on it.
		select {
		case w.events <- Event{Kind: Closed}:
		default:
		}
		close(w.events)
	}()

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			closed := w.closed
			w.mu.Unlock()
			if !closed {
				w.emit(Event{Kind: Failure, Err: fmt.Errorf("relay read failed: %w", err)})
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			ev, err := protocol.DecodeServerEvent(data)
			if err != nil {
				// Malformed control messages are logged and dropped.
				w.logger.Warn("dropping malformed server event", slog.String("error", err.Error()))
				continue
			}
			if !protocol.Known(ev.Type) {
				w.logger.Debug("unknown server event type", slog.String("type", ev.Type))
			}
			w.emit(Event{Kind: Message, Server: ev})
		case websocket.BinaryMessage:
			w.emit(Event{Kind: Audio, Chunk: data})
		}
	}
}

// emit abandons the send once Close begins.
func (w *WebSocket) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.closing:
	}
}
