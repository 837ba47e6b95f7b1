// Package ingest pumps fixed-duration PCM frames from a capture device to
// the voice activity detector and the outbound transport. Capture runs on
// its own goroutine. With a live (paced) device a stalled consumer costs
// counted frame drops, never blocked capture; unpaced prerecorded sources
// block instead, so every frame reaches both consumers.
package ingest

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/speaklab/tutorcall-go/pkg/aerr"
	"github.com/speaklab/tutorcall-go/pkg/audio"
)

var (
	droppedVadFrames = expvar.NewInt("ingest_dropped_vad_frames")
	droppedOutFrames = expvar.NewInt("ingest_dropped_outbound_frames")
)

// Source is a capture device delivering raw 16-bit LE mono PCM.
type Source interface {
	io.Reader
	Close() error
}

// OpenFunc opens the capture device. It is invoked on every Start so the
// device handle never outlives a capture session.
type OpenFunc func() (Source, error)

// Config holds pipeline settings.
type Config struct {
	SampleRate    int           // default audio.CaptureRate
	FrameDuration time.Duration // default 20ms
	BufferFrames  int           // per-consumer channel depth, default 32
	// Paced reads at real-time cadence and drops frames for a stalled
	// consumer; set it for live devices. Unpaced reads block on delivery.
	Paced bool
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.CaptureRate
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.BufferFrames <= 0 {
		c.BufferFrames = 32
	}
	return c
}

// Pipeline owns the microphone device handle. The frame channels stay open
// across Start/Stop cycles and close only on Close, so consumers subscribe
// once per call.
type Pipeline struct {
	cfg    Config
	open   OpenFunc
	logger *slog.Logger

	vadCh chan audio.Frame
	outCh chan audio.Frame
	errs  chan error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// New creates a pipeline. Nothing is captured until Start.
func New(open OpenFunc, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:    cfg,
		open:   open,
		logger: logger,
		vadCh:  make(chan audio.Frame, cfg.BufferFrames),
		outCh:  make(chan audio.Frame, cfg.BufferFrames),
		errs:   make(chan error, 1),
	}
}

// Frames is the detector-facing frame stream.
func (p *Pipeline) Frames() <-chan audio.Frame { return p.vadCh }

// Outbound is the transport-facing frame stream.
func (p *Pipeline) Outbound() <-chan audio.Frame { return p.outCh }

// Errors reports the first mid-capture device failure; holds at most one
// error. Failures to open the device surface from Start instead.
func (p *Pipeline) Errors() <-chan error { return p.errs }

// Start opens the capture device and begins pumping frames. Starting while
// already running is a no-op. Starting during a previous teardown waits for
// that teardown to finish first, so only one device handle is ever live.
func (p *Pipeline) Start() error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return aerr.Fatal(fmt.Errorf("pipeline closed"), "capture pipeline closed")
		}
		if p.cancel != nil {
			p.mu.Unlock()
			return nil
		}
		done := p.done
		if done == nil {
			break // still holding the lock
		}
		p.mu.Unlock()
		<-done
	}

	src, err := p.open()
	if err != nil {
		p.mu.Unlock()
		return aerr.Fatal(err, "microphone failed to initialize")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go p.run(ctx, src, done)
	return nil
}

// Stop ends the capture session. Safe to call at any time, repeatedly.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Running reports whether a capture session is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Close stops capture and closes the frame channels. The pipeline cannot be
// restarted afterwards.
func (p *Pipeline) Close() {
	p.Stop()
	p.mu.Lock()
	done := p.done
	closed := p.closed
	p.closed = true
	p.mu.Unlock()
	if done != nil {
		<-done
	}
	if !closed {
		close(p.vadCh)
		close(p.outCh)
	}
}

func (p *Pipeline) run(ctx context.Context, src Source, done chan struct{}) {
	defer func() {
		if err := src.Close(); err != nil {
			p.logger.Warn("failed to close capture source", slog.String("error", err.Error()))
		}
		p.mu.Lock()
		if p.done == done {
			p.done = nil
		}
		p.mu.Unlock()
		close(done)
	}()

	frameBytes := audio.FrameBytes(p.cfg.SampleRate, p.cfg.FrameDuration)

	var ticker *time.Ticker
	if p.cfg.Paced {
		ticker = time.NewTicker(p.cfg.FrameDuration)
		defer ticker.Stop()
	}

	var elapsed time.Duration
	for {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		buf := make([]byte, frameBytes)
		n, err := io.ReadFull(src, buf)
		if err == io.ErrUnexpectedEOF {
			// Partial final read: forward whole samples only, never pad.
			n -= n % 2
			if n > 0 {
				p.deliver(ctx, audio.Frame{
					Data:       buf[:n],
					SampleRate: p.cfg.SampleRate,
					Duration:   time.Duration(n/2) * time.Second / time.Duration(p.cfg.SampleRate),
					Timestamp:  elapsed,
				})
			}
			p.Stop()
			return
		}
		if err == io.EOF {
			p.Stop()
			return
		}
		if err != nil {
			p.logger.Error("capture read failed", slog.String("error", err.Error()))
			select {
			case p.errs <- aerr.Fatal(err, "microphone read failed"):
			default:
			}
			p.Stop()
			return
		}

		frame := audio.Frame{
			Data:       buf,
			SampleRate: p.cfg.SampleRate,
			Duration:   p.cfg.FrameDuration,
			Timestamp:  elapsed,
		}
		elapsed += p.cfg.FrameDuration
		p.deliver(ctx, frame)
	}
}

// deliver fans a frame out to both consumers. Live capture drops the oldest
// queued frame when a consumer stalls; unpaced sources apply backpressure
// instead, aborting only when the session is stopped.
func (p *Pipeline) deliver(ctx context.Context, frame audio.Frame) {
	if p.cfg.Paced {
		forward(p.vadCh, frame, droppedVadFrames)
		forward(p.outCh, frame.Clone(), droppedOutFrames)
		return
	}
	select {
	case p.vadCh <- frame:
	case <-ctx.Done():
		return
	}
	select {
	case p.outCh <- frame.Clone():
	case <-ctx.Done():
	}
}

func forward(ch chan audio.Frame, frame audio.Frame, dropped *expvar.Int) {
	select {
	case ch <- frame:
		return
	default:
	}
	// Consumer is behind: drop the oldest queued frame to make room.
	select {
	case <-ch:
		dropped.Add(1)
	default:
	}
	select {
	case ch <- frame:
	default:
		dropped.Add(1)
	}
}
