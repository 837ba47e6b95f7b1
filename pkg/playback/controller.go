// Package playback plays assistant audio in arrival order and owns the
// playback device handle. All state lives in a single player goroutine fed
// by a command channel; nothing else touches the device.
package playback

import (
	"expvar"
	"io"
	"log/slog"
	"time"

	"github.com/speaklab/tutorcall-go/pkg/aerr"
	"github.com/speaklab/tutorcall-go/pkg/audio"
)

var lateChunks = expvar.NewInt("playback_late_chunks")

// Sink is the playback device. Write blocks until the device has accepted
// the samples, which paces the player.
type Sink interface {
	io.Writer
	Close() error
}

// Config holds controller settings.
type Config struct {
	SampleRate    int           // default audio.PlaybackRate
	SliceDuration time.Duration // device write granularity, default 20ms
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.PlaybackRate
	}
	if c.SliceDuration <= 0 {
		c.SliceDuration = 20 * time.Millisecond
	}
	return c
}

type cmdKind int

const (
	cmdEnqueue cmdKind = iota
	cmdInterrupt
	cmdPause
	cmdResume
	cmdBeginResponse
	cmdMarkComplete
	cmdStartRing
	cmdStopRing
)

type command struct {
	kind cmdKind
	data []byte
}

// Controller buffers and plays PCM chunks. Chunks enqueued outside an
// active response (before BeginResponse, or after Interrupt) are discarded.
type Controller struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger

	cmds   chan command
	done   chan struct{} // drain signal, one per response
	errs   chan error
	closed chan struct{}
	exited chan struct{}
}

// New creates a controller around an open playback device and starts the
// player goroutine. The controller is the device's only writer.
func New(sink Sink, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cfg:    cfg.withDefaults(),
		sink:   sink,
		logger: logger,
		cmds:   make(chan command, 64),
		done:   make(chan struct{}, 1),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
		exited: make(chan struct{}),
	}
	go c.run()
	return c
}

// Enqueue appends a chunk of playback-rate PCM to the queue.
func (c *Controller) Enqueue(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	data := make([]byte, len(chunk))
	copy(data, chunk)
	c.send(command{kind: cmdEnqueue, data: data})
}

// BeginResponse opens a new response: the queue starts accepting chunks and
// the drain signal is re-armed.
func (c *Controller) BeginResponse() { c.send(command{kind: cmdBeginResponse}) }

// MarkComplete records that the server finished the response. The drain
// signal fires once the queue empties and nothing is playing.
func (c *Controller) MarkComplete() { c.send(command{kind: cmdMarkComplete}) }

// Interrupt immediately stops playback and discards everything buffered.
// Chunks arriving afterwards are dropped until the next BeginResponse.
func (c *Controller) Interrupt() { c.send(command{kind: cmdInterrupt}) }

// Pause suspends playback without losing the buffered position.
func (c *Controller) Pause() { c.send(command{kind: cmdPause}) }

// Resume continues from where Pause left off.
func (c *Controller) Resume() { c.send(command{kind: cmdResume}) }

// StartRinging plays the connect tone until StopRinging or Interrupt.
func (c *Controller) StartRinging() { c.send(command{kind: cmdStartRing}) }

// StopRinging silences the connect tone.
func (c *Controller) StopRinging() { c.send(command{kind: cmdStopRing}) }

// Done signals that a completed response has fully drained.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Errors reports the first device failure; holds at most one error.
func (c *Controller) Errors() <-chan error { return c.errs }

// Close stops the player and releases the device. Idempotent.
func (c *Controller) Close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	<-c.exited
}

func (c *Controller) send(cmd command) {
	select {
	case c.cmds <- cmd:
	case <-c.closed:
	}
}

func (c *Controller) run() {
	defer close(c.exited)
	defer func() {
		if err := c.sink.Close(); err != nil {
			c.logger.Warn("failed to close playback device", slog.String("error", err.Error()))
		}
	}()

	var (
		queue      [][]byte
		headOffset int
		paused     bool
		ringing    bool
		accepting  bool
		marked     bool
		doneFired  bool
		tone       *toneGenerator
	)
	sliceBytes := audio.FrameBytes(c.cfg.SampleRate, c.cfg.SliceDuration)
	ringTicker := time.NewTicker(c.cfg.SliceDuration)
	defer ringTicker.Stop()

	apply := func(cmd command) {
		switch cmd.kind {
		case cmdEnqueue:
			if !accepting {
				lateChunks.Add(1)
				c.logger.Debug("discarded late playback chunk", slog.Int("bytes", len(cmd.data)))
				return
			}
			queue = append(queue, cmd.data)
		case cmdBeginResponse:
			accepting = true
			marked = false
			doneFired = false
			ringing = false
		case cmdMarkComplete:
			// An end-of-response for a reply Interrupt already ended must
			// not arm a stale drain the next response would consume.
			if accepting {
				marked = true
			}
		case cmdInterrupt:
			queue = nil
			headOffset = 0
			accepting = false
			marked = false
			doneFired = true
			ringing = false
		case cmdPause:
			paused = true
		case cmdResume:
			paused = false
		case cmdStartRing:
			ringing = true
			if tone == nil {
				tone = newToneGenerator(c.cfg.SampleRate)
			}
		case cmdStopRing:
			ringing = false
		}
	}

	writeSlice := func(data []byte) bool {
		if _, err := c.sink.Write(data); err != nil {
			select {
			case c.errs <- aerr.Fatal(err, "playback device write failed"):
			default:
			}
			return false
		}
		return true
	}

	for {
		// Apply any pending commands before touching the device.
		for {
			select {
			case cmd := <-c.cmds:
				apply(cmd)
				continue
			default:
			}
			break
		}

		switch {
		case !paused && len(queue) > 0:
			head := queue[0]
			end := headOffset + sliceBytes
			if end > len(head) {
				end = len(head)
			}
			if !writeSlice(head[headOffset:end]) {
				return
			}
			headOffset = end
			if headOffset >= len(head) {
				queue = queue[1:]
				headOffset = 0
			}
		case !paused && ringing:
			// Tone is paced by a ticker so fake sinks don't spin.
			select {
			case <-ringTicker.C:
				if !writeSlice(tone.next(sliceBytes)) {
					return
				}
			case cmd := <-c.cmds:
				apply(cmd)
			case <-c.closed:
				return
			}
		default:
			if marked && !doneFired && len(queue) == 0 {
				doneFired = true
				select {
				case c.done <- struct{}{}:
				default:
				}
			}
			select {
			case cmd := <-c.cmds:
				apply(cmd)
			case <-c.closed:
				return
			}
		}

		if marked && !doneFired && len(queue) == 0 && headOffset == 0 {
			doneFired = true
			select {
			case c.done <- struct{}{}:
			default:
			}
		}

		select {
		case <-c.closed:
			return
		default:
		}
	}
}
