package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/speaklab/tutorcall-go/pkg/protocol"
)

// WebRTC is a data-channel transport. The offer/answer exchange happens over
// a single HTTP POST of SDP to the signaling endpoint; after that, control
// messages travel as string data-channel messages and PCM as binary ones.
type WebRTC struct {
	signalURL string
	token     string
	logger    *slog.Logger

	events  chan Event
	closing chan struct{}
	senders sync.WaitGroup

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	closed bool
	sealed bool
}

// NewWebRTC creates a data-channel transport. Nothing connects until Connect.
func NewWebRTC(signalURL, token string, logger *slog.Logger) *WebRTC {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebRTC{
		signalURL: signalURL,
		token:     token,
		logger:    logger,
		events:    make(chan Event, 64),
		closing:   make(chan struct{}),
	}
}

// Connect implements Transport. It blocks through ICE gathering and the
// SDP exchange but returns before the data channel opens; Opened is
// delivered on Events once the channel is usable.
func (w *WebRTC) Connect(ctx context.Context) error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	dc, err := pc.CreateDataChannel("events", nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("failed to create data channel: %w", err)
	}

	dc.OnOpen(func() {
		w.logger.Info("data channel open")
		w.emit(Event{Kind: Opened})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			ev, err := protocol.DecodeServerEvent(msg.Data)
			if err != nil {
				w.logger.Warn("dropping malformed server event", slog.String("error", err.Error()))
				return
			}
			if !protocol.Known(ev.Type) {
				w.logger.Debug("unknown server event type", slog.String("type", ev.Type))
			}
			w.emit(Event{Kind: Message, Server: ev})
			return
		}
		w.emit(Event{Kind: Audio, Chunk: msg.Data})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		w.logger.Debug("connection state changed", slog.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed:
			w.emit(Event{Kind: Failure, Err: fmt.Errorf("peer connection failed")})
		case webrtc.PeerConnectionStateClosed:
			w.finish()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("failed to create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}

	answer, err := w.exchangeSDP(ctx, pc.LocalDescription().SDP)
	if err != nil {
		pc.Close()
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		pc.Close()
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		pc.Close()
		return fmt.Errorf("transport closed")
	}
	w.pc = pc
	w.dc = dc
	w.mu.Unlock()
	return nil
}

// exchangeSDP posts the local offer and returns the remote answer.
func (w *WebRTC) exchangeSDP(ctx context.Context, offer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.signalURL, strings.NewReader(offer))
	if err != nil {
		return "", fmt.Errorf("failed to build signaling request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("signaling request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("signaling server returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	return string(body), nil
}

// Events implements Transport.
func (w *WebRTC) Events() <-chan Event { return w.events }

// Send implements Transport.
func (w *WebRTC) Send(msg protocol.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	w.mu.Lock()
	dc := w.dc
	w.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("not connected")
	}
	return dc.SendText(string(data))
}

// SendAudio implements Transport.
func (w *WebRTC) SendAudio(pcm []byte) error {
	w.mu.Lock()
	dc := w.dc
	w.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("not connected")
	}
	return dc.Send(pcm)
}

// Close implements Transport.
func (w *WebRTC) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	pc := w.pc
	w.pc = nil
	w.dc = nil
	w.mu.Unlock()

	if pc != nil {
		// The state-change callback delivers Closed and seals the channel.
		return pc.Close()
	}
	w.finish()
	return nil
}

// emit delivers an event unless the channel has been sealed. The seal check
// and the sender registration happen under one lock, so finish cannot close
// the channel while a send is in flight.
func (w *WebRTC) emit(ev Event) {
	w.mu.Lock()
	if w.sealed {
		w.mu.Unlock()
		return
	}
	w.senders.Add(1)
	w.mu.Unlock()
	defer w.senders.Done()

	select {
	case w.events <- ev:
	case <-w.closing:
	}
}

// finish emits Closed exactly once and seals the event channel, after every
// in-flight emit has either landed or abandoned its send.
func (w *WebRTC) finish() {
	w.mu.Lock()
	if w.sealed {
		w.mu.Unlock()
		return
	}
	w.sealed = true
	w.mu.Unlock()

	close(w.closing)
	w.senders.Wait()
	select {
	case w.events <- Event{Kind: Closed}:
	default:
	}
	close(w.events)
}
