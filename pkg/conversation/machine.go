package conversation

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/speaklab/tutorcall-go/pkg/aerr"
	"github.com/speaklab/tutorcall-go/pkg/protocol"
	"github.com/speaklab/tutorcall-go/pkg/transport"
	"github.com/speaklab/tutorcall-go/pkg/vad"
)

var (
	transitions   = expvar.NewMap("conversation_transitions")
	ignoredEvents = expvar.NewInt("conversation_ignored_events")
)

// Microphone is the capture surface the machine drives. *ingest.Pipeline
// satisfies it.
type Microphone interface {
	Start() error
	Stop()
	Running() bool
}

// Speaker is the playback surface. *playback.Controller satisfies it.
type Speaker interface {
	Enqueue(chunk []byte)
	BeginResponse()
	MarkComplete()
	Interrupt()
	Pause()
	Resume()
	StartRinging()
	StopRinging()
	Done() <-chan struct{}
	Errors() <-chan error
}

// Config wires a Machine to its collaborators.
type Config struct {
	// Dial creates the transport for one call. Called on each StartCall.
	Dial func() transport.Transport

	Microphone Microphone
	Speaker    Speaker

	// VADEvents is the detector's output. The channel survives microphone
	// restarts; it closes only when the whole pipeline shuts down.
	VADEvents <-chan vad.Event

	// SendTurnAudio delivers the finalized turn payload over the transport
	// before the turn boundary marker. Leave it false for backends that
	// already consume the live frame stream, so the turn is not sent twice.
	SendTurnAudio bool

	Logger *slog.Logger

	// OnState, when set, observes every transition. It runs on the machine
	// goroutine; keep it fast.
	OnState func(State)
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdResume
	cmdContinue
	cmdHint
	cmdEnd
	cmdConnectFailed
)

type command struct {
	kind  commandKind
	topic string
	err   error
}

// Machine is the single owner of the call state. Every VAD event, server
// event and UI command funnels through one goroutine, so transitions are
// atomic and applied in arrival order.
type Machine struct {
	cfg    Config
	logger *slog.Logger

	cmds chan command
	quit chan struct{}
	done chan struct{}

	quitOnce sync.Once

	// ending is set before endCall is enqueued so events already in flight
	// from the closing transport cannot resurrect a non-Idle state.
	ending atomic.Bool

	mu         sync.Mutex
	state      State
	suggestion string

	// loop-owned, never touched outside run()
	tr           transport.Transport
	trEvents     <-chan transport.Event
	vadEvents    <-chan vad.Event
	topic        string
	pendingText  string
	drainPending bool
}

// New creates a machine in Idle and starts its event loop.
func New(cfg Config) (*Machine, error) {
	if cfg.Dial == nil {
		return nil, fmt.Errorf("transport dialer is required")
	}
	if cfg.Microphone == nil || cfg.Speaker == nil {
		return nil, fmt.Errorf("microphone and speaker are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Machine{
		cfg:       cfg,
		logger:    cfg.Logger,
		cmds:      make(chan command, 32),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		state:     Idle{},
		vadEvents: cfg.VADEvents,
	}
	go m.run()
	return m, nil
}

// Current returns the state at this instant.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Hint returns the cached suggestion. It is only visible while Listening.
func (m *Machine) Hint() Hint {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, listening := m.state.(Listening)
	return Hint{
		Suggestion: m.suggestion,
		Visible:    m.suggestion != "" && listening,
	}
}

// StartCall begins a call on the given topic. Only honored from Idle or
// ErrorState.
func (m *Machine) StartCall(topic string) { m.enqueue(command{kind: cmdStart, topic: topic}) }

// PauseCall suspends an active call.
func (m *Machine) PauseCall() { m.enqueue(command{kind: cmdPause}) }

// ResumeCall restores the state captured at pause time.
func (m *Machine) ResumeCall() { m.enqueue(command{kind: cmdResume}) }

// ContinueConversation cuts off assistant playback and hands the floor
// back to the user.
func (m *Machine) ContinueConversation() { m.enqueue(command{kind: cmdContinue}) }

// RequestHint asks the backend for a suggested reply. Only honored while
// Listening.
func (m *Machine) RequestHint() { m.enqueue(command{kind: cmdHint}) }

// EndCall tears the call down and returns to Idle. Safe to call from any
// state, any number of times.
func (m *Machine) EndCall() {
	m.ending.Store(true)
	m.enqueue(command{kind: cmdEnd})
}

// Close ends any active call and stops the event loop. The machine is
// unusable afterwards.
func (m *Machine) Close() {
	m.EndCall()
	m.quitOnce.Do(func() { close(m.quit) })
	<-m.done
}

func (m *Machine) enqueue(cmd command) {
	select {
	case m.cmds <- cmd:
	case <-m.quit:
	}
}

func (m *Machine) run() {
	defer close(m.done)
	for {
		// Drain pending commands before quitting so Close-after-EndCall
		// still tears the call down.
		select {
		case cmd := <-m.cmds:
			m.handleCommand(cmd)
			continue
		default:
		}

		select {
		case <-m.quit:
			m.teardown()
			return
		case cmd := <-m.cmds:
			m.handleCommand(cmd)
		case ev, ok := <-m.trEvents:
			if !ok {
				m.trEvents = nil
				continue
			}
			m.handleTransport(ev)
		case ev, ok := <-m.vadEvents:
			if !ok {
				m.vadEvents = nil
				continue
			}
			m.handleVAD(ev)
		case <-m.cfg.Speaker.Done():
			m.handlePlaybackDrained()
		case err := <-m.cfg.Speaker.Errors():
			m.handlePlaybackError(err)
		}
	}
}

// setState is the only place the state cell changes.
func (m *Machine) setState(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	transitions.Add(prev.Name()+"_to_"+next.Name(), 1)
	m.logger.Debug("state transition",
		slog.String("from", prev.Name()),
		slog.String("to", next.Name()))

	if m.cfg.OnState != nil {
		m.cfg.OnState(next)
	}
}

// noop records an event that matched no transition. These are observable
// on purpose; a dropped pause or end is a diagnosable bug, not noise.
func (m *Machine) noop(event string) {
	ignoredEvents.Add(1)
	m.logger.Debug("event ignored in current state",
		slog.String("event", event),
		slog.String("state", m.Current().Name()))
}

func (m *Machine) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdStart:
		m.startCall(cmd.topic)
	case cmdPause:
		m.pause()
	case cmdResume:
		m.resume()
	case cmdContinue:
		m.continueConversation()
	case cmdHint:
		m.requestHint()
	case cmdEnd:
		m.endCall()
	case cmdConnectFailed:
		m.fail(cmd.err.Error())
	}
}

func (m *Machine) startCall(topic string) {
	switch m.Current().(type) {
	case Idle, ErrorState:
	default:
		m.noop("startCall")
		return
	}
	if topic == "" {
		m.noop("startCall")
		return
	}

	m.ending.Store(false)
	m.topic = topic
	m.pendingText = ""
	m.mu.Lock()
	m.suggestion = ""
	m.mu.Unlock()

	m.setState(Initializing{})

	tr := m.cfg.Dial()
	m.tr = tr
	m.trEvents = tr.Events()

	m.setState(Connecting{})
	m.cfg.Speaker.StartRinging()

	go func() {
		if err := tr.Connect(context.Background()); err != nil {
			m.enqueue(command{kind: cmdConnectFailed, err: err})
		}
	}()
}

func (m *Machine) pause() {
	cur := m.Current()
	switch cur.(type) {
	case Listening, Thinking, Speaking:
	default:
		m.noop("pauseCall")
		return
	}

	m.cfg.Microphone.Stop()
	m.cfg.Speaker.Pause()
	m.cfg.Speaker.StopRinging()
	m.setState(Paused{Previous: cur})
}

func (m *Machine) resume() {
	paused, ok := m.Current().(Paused)
	if !ok {
		m.noop("resumeCall")
		return
	}

	switch paused.Previous.(type) {
	case Listening:
		if err := m.startMic(); err != nil {
			return
		}
	case Speaking:
		m.cfg.Speaker.Resume()
	}
	m.setState(paused.Previous)

	// A drain that landed while paused still has to yield the floor.
	if _, ok := paused.Previous.(Speaking); ok && m.drainPending {
		m.finishResponse()
	}
}

func (m *Machine) continueConversation() {
	if _, ok := m.Current().(Speaking); !ok {
		m.noop("continueConversation")
		return
	}
	m.cfg.Speaker.Interrupt()
	if err := m.startMic(); err != nil {
		return
	}
	m.setState(Listening{})
}

func (m *Machine) requestHint() {
	if _, ok := m.Current().(Listening); !ok {
		m.noop("requestHint")
		return
	}
	if err := m.tr.Send(protocol.RequestHint()); err != nil {
		m.logger.Warn("hint request failed", slog.String("error", err.Error()))
	}
}

func (m *Machine) endCall() {
	if _, ok := m.Current().(Idle); ok {
		m.noop("endCall")
		return
	}
	m.teardown()
	m.setState(Idle{})
}

// teardown releases everything a call holds. Safe to run repeatedly.
func (m *Machine) teardown() {
	m.cfg.Microphone.Stop()
	m.cfg.Speaker.Interrupt()
	m.cfg.Speaker.StopRinging()
	if m.tr != nil {
		m.tr.Close()
		m.tr = nil
	}
	m.trEvents = nil
	m.topic = ""
	m.pendingText = ""
	m.drainPending = false
	m.mu.Lock()
	m.suggestion = ""
	m.mu.Unlock()
}

// fail moves to ErrorState unless the call is already being torn down.
func (m *Machine) fail(message string) {
	if m.ending.Load() {
		return
	}
	m.cfg.Microphone.Stop()
	m.cfg.Speaker.Interrupt()
	m.cfg.Speaker.StopRinging()
	if m.tr != nil {
		m.tr.Close()
		m.tr = nil
	}
	m.trEvents = nil
	m.drainPending = false
	m.setState(ErrorState{Message: message})
}

// startMic starts capture if it is not already running. An initialization
// failure is a hard error, never a silent no-op.
func (m *Machine) startMic() error {
	if m.cfg.Microphone.Running() {
		return nil
	}
	if err := m.cfg.Microphone.Start(); err != nil {
		m.logger.Error("microphone start failed", slog.String("error", err.Error()))
		m.fail(err.Error())
		return err
	}
	return nil
}

func (m *Machine) handleVAD(ev vad.Event) {
	if m.ending.Load() {
		return
	}
	switch ev.Type {
	case vad.EventSpeechStart:
		m.speechStart()
	case vad.EventTurnEnd:
		m.turnEnd(ev.Audio)
	case vad.EventError:
		if _, ok := m.Current().(Idle); !ok {
			m.fail(ev.Error.Error())
		}
	}
}

// speechStart handles barge-in. If the assistant is mid-reply, playback is
// interrupted before the state flips to Listening; the two are never
// observable in the wrong order.
func (m *Machine) speechStart() {
	switch cur := m.Current().(type) {
	case Speaking:
		m.cfg.Speaker.Interrupt()
		m.pendingText = ""
		if err := m.startMic(); err != nil {
			return
		}
		m.setState(Listening{UserSpeaking: true})
	case Listening:
		if !cur.UserSpeaking {
			cur.UserSpeaking = true
			m.setState(cur)
		}
	default:
		m.noop("vad.speech_start")
	}
}

// turnEnd finalizes the user's turn: the trimmed payload goes out when the
// backend does not already hold the live stream, the turn boundary marker
// follows, and the floor passes to the assistant.
func (m *Machine) turnEnd(payload []byte) {
	if _, ok := m.Current().(Listening); !ok {
		m.noop("vad.turn_end")
		return
	}
	if m.cfg.SendTurnAudio && len(payload) > 0 {
		if err := m.tr.SendAudio(payload); err != nil {
			m.fail(err.Error())
			return
		}
	}
	if err := m.tr.Send(protocol.TurnComplete()); err != nil {
		m.fail(err.Error())
		return
	}
	m.setState(Thinking{})
}

func (m *Machine) handleTransport(ev transport.Event) {
	if m.ending.Load() {
		return
	}
	switch ev.Kind {
	case transport.Opened:
		m.transportOpened()
	case transport.Message:
		m.serverEvent(ev.Server)
	case transport.Audio:
		// Late chunks from a superseded response die in the controller.
		m.cfg.Speaker.Enqueue(ev.Chunk)
	case transport.Failure:
		m.fail(ev.Err.Error())
	case transport.Closed:
		switch m.Current().(type) {
		case Idle, ErrorState:
		default:
			m.fail("connection closed")
		}
	}
}

func (m *Machine) transportOpened() {
	switch m.Current().(type) {
	case Initializing, Connecting:
	default:
		m.noop("transport.opened")
		return
	}
	if err := m.tr.Send(protocol.Config(m.topic)); err != nil {
		m.fail(err.Error())
		return
	}
	if err := m.tr.Send(protocol.Greeting()); err != nil {
		m.fail(err.Error())
		return
	}
	// Stay in Connecting; the greeting's audio start ends the ringing.
}

func (m *Machine) serverEvent(ev protocol.ServerEvent) {
	switch ev.Type {
	case protocol.EventSpeechStart:
		m.speechStart()
	case protocol.EventSpeechEnd:
		// Backend-side VAD already holds the audio; only the floor moves.
		if _, ok := m.Current().(Listening); ok {
			m.setState(Thinking{})
		} else {
			m.noop(ev.Type)
		}
	case protocol.EventThinking:
		if _, ok := m.Current().(Thinking); !ok {
			m.noop(ev.Type)
		}
	case protocol.EventResponseText:
		if cur, ok := m.Current().(Speaking); ok {
			cur.Text += ev.Text
			m.setState(cur)
		} else {
			m.pendingText += ev.Text
		}
	case protocol.EventAudioStart:
		m.audioStart()
	case protocol.EventAudioEnd:
		if cur, ok := m.Current().(Speaking); ok {
			cur.Complete = true
			m.setState(cur)
			m.cfg.Speaker.MarkComplete()
		} else {
			m.noop(ev.Type)
		}
	case protocol.EventHint:
		m.mu.Lock()
		m.suggestion = ev.Suggestion
		m.mu.Unlock()
	case protocol.EventError:
		m.fail(ev.Message)
	default:
		m.noop(ev.Type)
	}
}

func (m *Machine) audioStart() {
	switch m.Current().(type) {
	case Idle, Paused:
		m.noop(protocol.EventAudioStart)
		return
	}
	m.cfg.Speaker.StopRinging()
	m.cfg.Speaker.BeginResponse()
	m.setState(Speaking{Text: m.pendingText})
	m.pendingText = ""
}

// handlePlaybackError surfaces a speaker device failure. Classified-fatal
// conditions end the call; everything else is logged and absorbed.
func (m *Machine) handlePlaybackError(err error) {
	if m.ending.Load() || err == nil {
		return
	}
	switch {
	case aerr.IsFatal(err):
		if _, ok := m.Current().(Idle); !ok {
			m.fail(err.Error())
		}
	case aerr.IsRecoverable(err):
		m.logger.Debug("playback error absorbed", slog.String("error", err.Error()))
	default:
		m.logger.Warn("unclassified playback error absorbed", slog.String("error", err.Error()))
	}
}

// handlePlaybackDrained fires when the playback queue empties after the
// backend marked the response complete. Only then does the floor return to
// the user; the backend's own end-of-response signal is not enough while
// audio is still queued. A drain arriving during Paused is remembered and
// applied on resume.
func (m *Machine) handlePlaybackDrained() {
	if m.ending.Load() {
		return
	}
	if paused, ok := m.Current().(Paused); ok {
		if sp, ok := paused.Previous.(Speaking); ok && sp.Complete {
			m.drainPending = true
			return
		}
	}
	cur, ok := m.Current().(Speaking)
	if !ok || !cur.Complete {
		m.noop("playback.drained")
		return
	}
	m.finishResponse()
}

// finishResponse hands the floor back to the user after a fully played
// response.
func (m *Machine) finishResponse() {
	m.drainPending = false
	m.mu.Lock()
	m.suggestion = ""
	m.mu.Unlock()
	m.pendingText = ""
	if err := m.startMic(); err != nil {
		return
	}
	m.setState(Listening{})
}
