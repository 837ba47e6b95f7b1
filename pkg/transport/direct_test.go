package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/speaklab/tutorcall-go/pkg/openai"
	"github.com/speaklab/tutorcall-go/pkg/protocol"
)

// scriptedBrain returns canned results and records what it was asked.
type scriptedBrain struct {
	mu          sync.Mutex
	transcript  string
	reply       string
	pcm         []byte
	transcribed [][]byte
	chats       [][]openai.Message

	// synthHold, when set, blocks Synthesize until the context is cancelled.
	synthHold bool
	// synthChunks emits the pcm that many times per reply; zero means once.
	synthChunks int
}

func (b *scriptedBrain) Transcribe(ctx context.Context, wavData []byte) (string, error) {
	b.mu.Lock()
	b.transcribed = append(b.transcribed, wavData)
	b.mu.Unlock()
	return b.transcript, nil
}

func (b *scriptedBrain) Chat(ctx context.Context, history []openai.Message) (string, error) {
	b.mu.Lock()
	b.chats = append(b.chats, append([]openai.Message(nil), history...))
	b.mu.Unlock()
	return b.reply, nil
}

func (b *scriptedBrain) Synthesize(ctx context.Context, text string, emit func(pcm []byte) error) error {
	if b.synthHold {
		<-ctx.Done()
		return ctx.Err()
	}
	n := b.synthChunks
	if n == 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(b.pcm); err != nil {
			return err
		}
	}
	return nil
}

func (b *scriptedBrain) chatCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chats)
}

func drainUntil(t *testing.T, ch <-chan Event, want string) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("events channel closed before %q", want)
			}
			out = append(out, ev)
			if ev.Kind == Message && ev.Server.Type == want {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q, saw %d events", want, len(out))
		}
	}
}

func TestDirect_TurnProducesFullResponse(t *testing.T) {
	is := is.New(t)
	brain := &scriptedBrain{
		transcript: "I like coffee",
		reply:      "Coffee is great! What kind do you drink?",
		pcm:        []byte{1, 2, 3, 4},
	}
	d := NewDirect(brain, nil)
	defer d.Close()
	is.NoErr(d.Connect(context.Background()))

	is.NoErr(d.Send(protocol.Config("daily routine")))
	is.NoErr(d.SendAudio([]byte{0, 0, 0, 0}))
	is.NoErr(d.Send(protocol.TurnComplete()))

	events := drainUntil(t, d.Events(), protocol.EventAudioEnd)

	// Opened, thinking, response text, audio start, one chunk, audio end.
	is.Equal(events[0].Kind, Opened)
	is.Equal(events[1].Server.Type, protocol.EventThinking)
	is.Equal(events[2].Server.Type, protocol.EventResponseText)
	is.Equal(events[2].Server.Text, brain.reply)
	is.Equal(events[3].Server.Type, protocol.EventAudioStart)
	is.Equal(events[4].Kind, Audio)
	is.Equal(events[4].Chunk, brain.pcm)
	is.Equal(events[5].Server.Type, protocol.EventAudioEnd)

	// The turn audio reached Whisper as a WAV file.
	brain.mu.Lock()
	is.Equal(len(brain.transcribed), 1)
	is.True(len(brain.transcribed[0]) > 44)
	brain.mu.Unlock()
}

func TestDirect_HistoryGrowsAcrossTurns(t *testing.T) {
	is := is.New(t)
	brain := &scriptedBrain{transcript: "hello", reply: "hi there", pcm: []byte{0, 0}}
	d := NewDirect(brain, nil)
	defer d.Close()
	is.NoErr(d.Connect(context.Background()))
	is.NoErr(d.Send(protocol.Config("food")))

	is.NoErr(d.SendAudio([]byte{1, 1}))
	is.NoErr(d.Send(protocol.TurnComplete()))
	drainUntil(t, d.Events(), protocol.EventAudioEnd)

	is.NoErr(d.SendAudio([]byte{2, 2}))
	is.NoErr(d.Send(protocol.TurnComplete()))
	drainUntil(t, d.Events(), protocol.EventAudioEnd)

	brain.mu.Lock()
	defer brain.mu.Unlock()
	is.Equal(len(brain.chats), 2)
	// system + user on the first turn.
	is.Equal(len(brain.chats[0]), 2)
	is.Equal(brain.chats[0][0].Role, "system")
	// system + user + assistant + user on the second.
	is.Equal(len(brain.chats[1]), 4)
	is.Equal(brain.chats[1][2].Role, "assistant")
}

func TestDirect_NewTurnCancelsInFlightResponse(t *testing.T) {
	is := is.New(t)
	brain := &scriptedBrain{transcript: "hello", reply: "hi", synthHold: true}
	d := NewDirect(brain, nil)
	defer d.Close()
	is.NoErr(d.Connect(context.Background()))
	is.NoErr(d.Send(protocol.Config("travel")))

	is.NoErr(d.SendAudio([]byte{1, 1}))
	is.NoErr(d.Send(protocol.TurnComplete()))
	drainUntil(t, d.Events(), protocol.EventAudioStart)

	// Barge in: synthesis of turn one is still blocked.
	brain.synthHold = false
	is.NoErr(d.SendAudio([]byte{2, 2}))
	is.NoErr(d.Send(protocol.TurnComplete()))
	drainUntil(t, d.Events(), protocol.EventAudioEnd)

	is.Equal(brain.chatCount(), 2)
}

func TestDirect_CloseUnblocksBusyResponder(t *testing.T) {
	is := is.New(t)
	brain := &scriptedBrain{
		transcript:  "hello",
		reply:       "hi",
		pcm:         make([]byte, 960),
		synthChunks: 200,
	}
	d := NewDirect(brain, nil)
	is.NoErr(d.Connect(context.Background()))
	is.NoErr(d.Send(protocol.Config("travel")))
	is.NoErr(d.SendAudio([]byte{1, 1}))
	is.NoErr(d.Send(protocol.TurnComplete()))

	// Nobody drains Events; the responder fills the buffer and blocks.
	time.Sleep(50 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while the responder was mid-reply")
	}
}

func TestDirect_HintEmitsSuggestion(t *testing.T) {
	is := is.New(t)
	brain := &scriptedBrain{reply: "You could ask about the weather."}
	d := NewDirect(brain, nil)
	defer d.Close()
	is.NoErr(d.Connect(context.Background()))
	is.NoErr(d.Send(protocol.Config("small talk")))

	is.NoErr(d.Send(protocol.RequestHint()))

	events := drainUntil(t, d.Events(), protocol.EventHint)
	last := events[len(events)-1]
	is.Equal(last.Server.Suggestion, brain.reply)
}

func TestDirect_EmptyTurnReportsError(t *testing.T) {
	is := is.New(t)
	brain := &scriptedBrain{}
	d := NewDirect(brain, nil)
	defer d.Close()
	is.NoErr(d.Connect(context.Background()))
	is.NoErr(d.Send(protocol.Config("travel")))

	is.NoErr(d.Send(protocol.TurnComplete()))

	events := drainUntil(t, d.Events(), protocol.EventError)
	last := events[len(events)-1]
	is.True(last.Server.Message != "")
}

func TestDirect_CloseSealsChannel(t *testing.T) {
	is := is.New(t)
	d := NewDirect(&scriptedBrain{}, nil)
	is.NoErr(d.Connect(context.Background()))
	is.NoErr(d.Close())
	is.NoErr(d.Close())

	saw := false
	for ev := range d.Events() {
		if ev.Kind == Closed {
			saw = true
		}
	}
	is.True(saw)
}
