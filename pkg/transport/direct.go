package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/speaklab/tutorcall-go/pkg/audio"
	"github.com/speaklab/tutorcall-go/pkg/audio/wav"
	"github.com/speaklab/tutorcall-go/pkg/openai"
	"github.com/speaklab/tutorcall-go/pkg/protocol"
)

// Brain is the AI surface the direct transport drives. *openai.Client
// satisfies it; tests substitute a scripted one.
type Brain interface {
	Transcribe(ctx context.Context, wavData []byte) (string, error)
	Chat(ctx context.Context, history []openai.Message) (string, error)
	Synthesize(ctx context.Context, text string, emit func(pcm []byte) error) error
}

const systemPromptFmt = `You are a friendly English tutor having a spoken conversation with a learner. ` +
	`The topic is %q. Keep replies short and conversational, two or three sentences. ` +
	`Gently correct mistakes by restating the learner's idea correctly before answering.`

const hintPrompt = `Suggest one short sentence the learner could say next in this conversation. ` +
	`Reply with the sentence only.`

// Direct runs the tutor loop locally against the OpenAI API, with no relay
// server. Client messages drive it the same way they drive the relay: audio
// accumulates per turn, and turn.complete triggers transcription, a chat
// completion and synthesized playback audio, delivered as server events.
type Direct struct {
	brain  Brain
	logger *slog.Logger

	events  chan Event
	closing chan struct{}

	mu      sync.Mutex
	turn    []byte
	history []openai.Message
	cancel  context.CancelFunc // in-flight response, nil when idle
	wg      sync.WaitGroup
	closed  bool
}

// NewDirect creates a direct transport over the given brain.
func NewDirect(brain Brain, logger *slog.Logger) *Direct {
	if logger == nil {
		logger = slog.Default()
	}
	return &Direct{
		brain:   brain,
		logger:  logger,
		events:  make(chan Event, 64),
		closing: make(chan struct{}),
	}
}

// Connect implements Transport. There is nothing to dial.
func (d *Direct) Connect(ctx context.Context) error {
	d.emit(Event{Kind: Opened})
	return nil
}

// Events implements Transport.
func (d *Direct) Events() <-chan Event { return d.events }

// SendAudio implements Transport. Frames accumulate into the current turn.
func (d *Direct) SendAudio(pcm []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("transport closed")
	}
	d.turn = append(d.turn, pcm...)
	return nil
}

// Send implements Transport.
func (d *Direct) Send(msg protocol.ClientMessage) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	d.mu.Unlock()

	switch msg.Type {
	case protocol.MessageConfig:
		d.mu.Lock()
		d.history = []openai.Message{{
			Role:    "system",
			Content: fmt.Sprintf(systemPromptFmt, msg.Topic),
		}}
		d.mu.Unlock()
		return nil
	case protocol.MessageGreeting:
		d.respond(func(ctx context.Context) error { return d.greet(ctx) })
		return nil
	case protocol.MessageRequestHint:
		d.respond(func(ctx context.Context) error { return d.hint(ctx) })
		return nil
	case protocol.MessageTurnComplete:
		d.mu.Lock()
		turn := d.turn
		d.turn = nil
		d.mu.Unlock()
		d.respond(func(ctx context.Context) error { return d.answer(ctx, turn) })
		return nil
	default:
		d.logger.Debug("ignoring client message", slog.String("type", msg.Type))
		return nil
	}
}

// respond cancels any in-flight response and runs fn in its place. The caller
// barging in mid-reply lands here as a fresh turn.complete.
func (d *Direct) respond(fn func(ctx context.Context) error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("response failed", slog.String("error", err.Error()))
			d.emit(Event{Kind: Message, Server: protocol.ServerEvent{
				Type:    protocol.EventError,
				Message: err.Error(),
			}})
		}
	}()
}

// answer runs the full turn pipeline: transcribe, complete, synthesize.
func (d *Direct) answer(ctx context.Context, turnPCM []byte) error {
	if len(turnPCM) == 0 {
		return fmt.Errorf("empty turn")
	}

	d.emit(Event{Kind: Message, Server: protocol.ServerEvent{Type: protocol.EventThinking}})

	text, err := d.brain.Transcribe(ctx, wav.Encode(turnPCM, audio.CaptureRate))
	if err != nil {
		return err
	}
	d.logger.Info("turn transcribed", slog.String("text", text))

	d.mu.Lock()
	d.history = append(d.history, openai.Message{Role: "user", Content: text})
	history := append([]openai.Message(nil), d.history...)
	d.mu.Unlock()

	reply, err := d.brain.Chat(ctx, history)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.history = append(d.history, openai.Message{Role: "assistant", Content: reply})
	d.mu.Unlock()

	return d.speak(ctx, reply)
}

// greet produces the opening line of the conversation.
func (d *Direct) greet(ctx context.Context) error {
	d.mu.Lock()
	history := append([]openai.Message(nil), d.history...)
	d.mu.Unlock()
	history = append(history, openai.Message{
		Role:    "user",
		Content: "Greet me and start the conversation.",
	})

	reply, err := d.brain.Chat(ctx, history)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.history = append(d.history, openai.Message{Role: "assistant", Content: reply})
	d.mu.Unlock()

	return d.speak(ctx, reply)
}

// hint asks for a suggested learner reply. Hints are text-only.
func (d *Direct) hint(ctx context.Context) error {
	d.mu.Lock()
	history := append([]openai.Message(nil), d.history...)
	d.mu.Unlock()
	history = append(history, openai.Message{Role: "user", Content: hintPrompt})

	suggestion, err := d.brain.Chat(ctx, history)
	if err != nil {
		return err
	}
	d.emit(Event{Kind: Message, Server: protocol.ServerEvent{
		Type:       protocol.EventHint,
		Suggestion: suggestion,
	}})
	return nil
}

// speak emits the reply text followed by its synthesized audio.
func (d *Direct) speak(ctx context.Context, reply string) error {
	d.emit(Event{Kind: Message, Server: protocol.ServerEvent{
		Type: protocol.EventResponseText,
		Text: reply,
	}})
	d.emit(Event{Kind: Message, Server: protocol.ServerEvent{Type: protocol.EventAudioStart}})

	err := d.brain.Synthesize(ctx, reply, func(pcm []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.emit(Event{Kind: Audio, Chunk: pcm})
		return nil
	})
	if err != nil {
		return err
	}

	d.emit(Event{Kind: Message, Server: protocol.ServerEvent{Type: protocol.EventAudioEnd}})
	return nil
}

// emit abandons the send once Close begins, so a responder mid-reply never
// wedges on an event channel nobody drains anymore.
func (d *Direct) emit(ev Event) {
	select {
	case d.events <- ev:
	case <-d.closing:
	}
}

// Close implements Transport. It returns even when the consumer has stopped
// draining Events; a Closed event is delivered only if there is room for it.
func (d *Direct) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.mu.Unlock()

	close(d.closing)
	d.wg.Wait()
	select {
	case d.events <- Event{Kind: Closed}:
	default:
	}
	close(d.events)
	return nil
}
