package playback

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
)

// memSink records everything written to it.
type memSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *memSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

func (s *memSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func chunkOf(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestController_PlaysInOrderAndSignalsDrain(t *testing.T) {
	is := is.New(t)

	sink := &memSink{}
	c := New(sink, Config{}, nil)
	defer c.Close()

	c.BeginResponse()
	c.Enqueue(chunkOf(1, 960))
	c.Enqueue(chunkOf(2, 960))
	c.MarkComplete()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("drain signal never fired")
	}

	got := sink.Bytes()
	is.Equal(len(got), 1920)
	is.Equal(got[0], byte(1))
	is.Equal(got[1919], byte(2)) // order preserved

	// The signal fires exactly once.
	select {
	case <-c.Done():
		t.Fatal("drain signal fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestController_DrainWaitsForQueue(t *testing.T) {
	sink := &memSink{}
	c := New(sink, Config{}, nil)
	defer c.Close()

	c.BeginResponse()
	c.MarkComplete() // complete before any audio was enqueued
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("empty completed response must still drain")
	}
}

func TestController_InterruptDiscardsQueueAndLateChunks(t *testing.T) {
	is := is.New(t)

	sink := &memSink{}
	c := New(sink, Config{}, nil)
	defer c.Close()

	c.BeginResponse()
	c.Enqueue(chunkOf(1, 960))
	c.Interrupt()

	// Late chunks from the superseded response must never play.
	c.Enqueue(chunkOf(9, 4800))
	c.MarkComplete()

	time.Sleep(100 * time.Millisecond)
	for _, b := range sink.Bytes() {
		is.True(b != 9)
	}

	// A fresh response plays normally.
	c.BeginResponse()
	c.Enqueue(chunkOf(3, 960))
	c.MarkComplete()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("next response never drained")
	}
	got := sink.Bytes()
	is.Equal(got[len(got)-1], byte(3))
}

func TestController_LateMarkCompleteAfterInterruptDoesNotDrain(t *testing.T) {
	sink := &memSink{}
	c := New(sink, Config{}, nil)
	defer c.Close()

	c.BeginResponse()
	c.Enqueue(chunkOf(1, 960))
	c.Interrupt()
	c.MarkComplete() // end-of-response for the reply Interrupt already ended

	// The superseded response must not produce a drain signal the next
	// response would then consume.
	select {
	case <-c.Done():
		t.Fatal("stale drain fired for an interrupted response")
	case <-time.After(100 * time.Millisecond):
	}

	c.BeginResponse()
	c.Enqueue(chunkOf(3, 960))
	c.MarkComplete()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("fresh response never drained")
	}
	got := sink.Bytes()
	if len(got) == 0 || got[len(got)-1] != 3 {
		t.Fatal("fresh response audio did not play before its drain")
	}
}

func TestController_ChunksBeforeBeginResponseDiscarded(t *testing.T) {
	sink := &memSink{}
	c := New(sink, Config{}, nil)
	defer c.Close()

	c.Enqueue(chunkOf(7, 960))
	time.Sleep(50 * time.Millisecond)
	if sink.Len() != 0 {
		t.Fatalf("chunk played before any response began: %d bytes", sink.Len())
	}
}

func TestController_PauseResumeKeepsPosition(t *testing.T) {
	is := is.New(t)

	sink := &memSink{}
	c := New(sink, Config{}, nil)
	defer c.Close()

	c.Pause()
	c.BeginResponse()
	c.Enqueue(chunkOf(5, 4800))
	c.MarkComplete()

	time.Sleep(100 * time.Millisecond)
	is.Equal(sink.Len(), 0) // nothing plays while paused

	c.Resume()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("resume did not finish playback")
	}
	is.Equal(sink.Len(), 4800) // full queue survived the pause
}

func TestController_RingTone(t *testing.T) {
	sink := &memSink{}
	c := New(sink, Config{}, nil)
	defer c.Close()

	c.StartRinging()
	waitFor(t, func() bool { return sink.Len() > 0 })
	c.StopRinging()

	// Tone output stops shortly after.
	time.Sleep(50 * time.Millisecond)
	n := sink.Len()
	time.Sleep(100 * time.Millisecond)
	if sink.Len() != n {
		t.Fatal("tone kept playing after StopRinging")
	}
}

func TestController_CloseReleasesDevice(t *testing.T) {
	sink := &memSink{}
	c := New(sink, Config{}, nil)
	c.Close()
	c.Close() // idempotent
	if !sink.closed {
		t.Fatal("device not released on close")
	}
}

func TestToneGenerator_Cadence(t *testing.T) {
	is := is.New(t)

	g := newToneGenerator(24000)
	on := g.next(24000 * 2) // first second: tone burst
	off := g.next(24000 * 2)

	loud := false
	for _, b := range on {
		if b != 0 {
			loud = true
			break
		}
	}
	is.True(loud)

	for _, b := range off {
		is.Equal(b, byte(0)) // second second is silence
	}
}
