package transport

import (
	"sync"
	"testing"
	"time"
)

// A flood of emits racing finish must never send on the closed events
// channel: finish seals the transport, waits for in-flight senders, and
// only then closes the channel.
func TestWebRTC_ConcurrentEmitAndFinish(t *testing.T) {
	w := NewWebRTC("http://127.0.0.1:1/sdp", "token", nil)

	done := make(chan struct{})
	go func() {
		for range w.events {
		}
		close(done)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				w.emit(Event{Kind: Audio, Chunk: []byte{1, 2}})
			}
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.finish()
	}()
	go func() {
		defer wg.Done()
		w.finish()
	}()
	wg.Wait()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events channel never closed after finish")
	}
}
