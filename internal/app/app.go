// Package app assembles a tutoring call: microphone ingest feeding the
// voice activity detector, the turn-taking machine, playback, and one of
// the three transports.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/speaklab/tutorcall-go/pkg/conversation"
	"github.com/speaklab/tutorcall-go/pkg/ingest"
	"github.com/speaklab/tutorcall-go/pkg/openai"
	"github.com/speaklab/tutorcall-go/pkg/playback"
	"github.com/speaklab/tutorcall-go/pkg/transport"
	"github.com/speaklab/tutorcall-go/pkg/vad"
)

// Backend selects how the call reaches the AI.
type Backend string

const (
	// BackendWebSocket talks to a relay server over a WebSocket.
	BackendWebSocket Backend = "websocket"
	// BackendWebRTC talks to a relay server over a data channel.
	BackendWebRTC Backend = "webrtc"
	// BackendDirect drives the OpenAI REST API with no relay.
	BackendDirect Backend = "direct"
)

// Config holds everything a call needs.
type Config struct {
	Topic   string
	Backend Backend

	// ServerURL and Token are used by the relay backends.
	ServerURL string
	Token     string

	// APIKey is used by the direct backend.
	APIKey string

	// SileroModelPath, when set, enables the ONNX detector instead of the
	// energy one.
	SileroModelPath string

	VAD vad.Config

	// Microphone opens the capture source; Speaker receives playback PCM.
	Microphone ingest.OpenFunc
	Speaker    playback.Sink

	// UnpacedCapture reads frames as fast as the source delivers them
	// instead of at real-time cadence. For prerecorded input.
	UnpacedCapture bool

	Logger  *slog.Logger
	OnState func(conversation.State)
}

// App owns the wiring for one or more sequential calls.
type App struct {
	cfg    Config
	logger *slog.Logger

	pipeline   *ingest.Pipeline
	controller *playback.Controller
	detector   vad.Detector
	brain      *openai.Client

	// current is the transport of the active call, for the live frame pump.
	current atomic.Pointer[transportHolder]

	terminal chan error
}

type transportHolder struct{ tr transport.Transport }

// New validates the configuration and builds the leaf components. The
// machine itself starts inside Run, once the detector stream exists.
func New(cfg Config) (*App, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.Microphone == nil || cfg.Speaker == nil {
		return nil, fmt.Errorf("microphone and speaker are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	switch cfg.Backend {
	case BackendWebSocket, BackendWebRTC:
		if cfg.ServerURL == "" {
			return nil, fmt.Errorf("server URL is required for the %s backend", cfg.Backend)
		}
	case BackendDirect:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("API key is required for the direct backend")
		}
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	a := &App{
		cfg:      cfg,
		logger:   cfg.Logger,
		terminal: make(chan error, 1),
	}

	if cfg.Backend == BackendDirect {
		client, err := openai.New(openai.Config{APIKey: cfg.APIKey}, cfg.Logger)
		if err != nil {
			return nil, err
		}
		a.brain = client
	}

	a.pipeline = ingest.New(cfg.Microphone, ingest.Config{Paced: !cfg.UnpacedCapture}, cfg.Logger)
	a.controller = playback.New(cfg.Speaker, playback.Config{}, cfg.Logger)

	if cfg.SileroModelPath != "" {
		a.detector = vad.NewSilero(vad.SileroConfig{
			Turn:      cfg.VAD,
			ModelPath: cfg.SileroModelPath,
		}, cfg.Logger)
	} else {
		a.detector = vad.NewEnergy(cfg.VAD, cfg.Logger)
	}
	return a, nil
}

// dial builds the transport for one call and publishes it for the frame
// pump. Each call gets a fresh transport; nothing survives between calls.
func (a *App) dial() transport.Transport {
	var tr transport.Transport
	switch a.cfg.Backend {
	case BackendWebSocket:
		tr = transport.NewWebSocket(a.cfg.ServerURL, a.cfg.Token, a.logger)
	case BackendWebRTC:
		tr = transport.NewWebRTC(a.cfg.ServerURL, a.cfg.Token, a.logger)
	case BackendDirect:
		tr = transport.NewDirect(a.brain, a.logger)
	}
	a.current.Store(&transportHolder{tr: tr})
	return tr
}

// Run places the call and blocks until ctx is cancelled, the call fails,
// or the call returns to idle after ending.
func (a *App) Run(ctx context.Context) error {
	detected, err := a.detector.Detect(ctx, a.pipeline.Frames())
	if err != nil {
		return fmt.Errorf("starting voice activity detection: %w", err)
	}

	// Fold mid-capture device failures into the detector stream so the
	// machine sees them as detector errors and ends the call.
	events := make(chan vad.Event, 16)
	go func() {
		defer close(events)
		for {
			select {
			case ev, ok := <-detected:
				if !ok {
					return
				}
				events <- ev
			case err := <-a.pipeline.Errors():
				events <- vad.Event{Type: vad.EventError, Timestamp: time.Now(), Error: err}
			}
		}
	}()

	machine, err := conversation.New(conversation.Config{
		Dial:       a.dial,
		Microphone: a.pipeline,
		Speaker:    a.controller,
		VADEvents:  events,
		// Relay backends consume the live frame stream; only the direct
		// backend works from the finalized turn payload.
		SendTurnAudio: a.cfg.Backend == BackendDirect,
		Logger:        a.logger,
		OnState:       a.observe,
	})
	if err != nil {
		return err
	}

	go a.pumpOutbound()

	machine.StartCall(a.cfg.Topic)

	var runErr error
	select {
	case <-ctx.Done():
		machine.EndCall()
	case runErr = <-a.terminal:
	}

	machine.Close()
	a.pipeline.Close()
	a.controller.Close()
	return runErr
}

// observe forwards transitions to the UI callback and ends Run on a
// terminal state.
func (a *App) observe(s conversation.State) {
	if a.cfg.OnState != nil {
		a.cfg.OnState(s)
	}
	switch st := s.(type) {
	case conversation.ErrorState:
		select {
		case a.terminal <- fmt.Errorf("call failed: %s", st.Message):
		default:
		}
	case conversation.Idle:
		select {
		case a.terminal <- nil:
		default:
		}
	}
}

// pumpOutbound forwards captured frames to the live transport as they
// arrive. The relay backends consume them for server-side processing; the
// direct backend works from the finalized turn payload instead, so its
// frames are dropped here.
func (a *App) pumpOutbound() {
	live := a.cfg.Backend != BackendDirect
	for frame := range a.pipeline.Outbound() {
		if !live {
			continue
		}
		holder := a.current.Load()
		if holder == nil {
			continue
		}
		if err := holder.tr.SendAudio(frame.Data); err != nil {
			a.logger.Debug("live frame dropped", slog.String("error", err.Error()))
		}
	}
}
