package ingest

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/speaklab/tutorcall-go/pkg/aerr"
	"github.com/speaklab/tutorcall-go/pkg/audio"
)

type byteSource struct {
	*bytes.Reader
	closed *atomic.Int32
}

func (s byteSource) Close() error {
	if s.closed != nil {
		s.closed.Add(1)
	}
	return nil
}

func sourceOf(data []byte, closed *atomic.Int32) OpenFunc {
	return func() (Source, error) {
		return byteSource{Reader: bytes.NewReader(data), closed: closed}, nil
	}
}

func collect(t *testing.T, ch <-chan audio.Frame, n int) []audio.Frame {
	t.Helper()
	var frames []audio.Frame
	timeout := time.After(2 * time.Second)
	for len(frames) < n {
		select {
		case f, ok := <-ch:
			if !ok {
				return frames
			}
			frames = append(frames, f)
		case <-timeout:
			t.Fatalf("timed out after %d of %d frames", len(frames), n)
		}
	}
	return frames
}

func TestPipeline_DeliversToBothConsumers(t *testing.T) {
	is := is.New(t)

	data := make([]byte, 640*5) // five 20ms frames at 16kHz
	p := New(sourceOf(data, nil), Config{}, nil)
	defer p.Close()

	is.NoErr(p.Start())

	vadFrames := collect(t, p.Frames(), 5)
	outFrames := collect(t, p.Outbound(), 5)

	is.Equal(len(vadFrames), 5)
	is.Equal(len(outFrames), 5)
	for i, f := range vadFrames {
		is.Equal(len(f.Data), 640)
		is.Equal(f.Timestamp, time.Duration(i)*20*time.Millisecond)
	}
}

func TestPipeline_PartialFinalFrameNotPadded(t *testing.T) {
	is := is.New(t)

	data := make([]byte, 640+100)
	p := New(sourceOf(data, nil), Config{}, nil)
	defer p.Close()

	is.NoErr(p.Start())
	frames := collect(t, p.Frames(), 2)
	is.Equal(len(frames[0].Data), 640)
	is.Equal(len(frames[1].Data), 100)
}

func TestPipeline_StartIdempotent(t *testing.T) {
	is := is.New(t)

	var opens atomic.Int32
	open := func() (Source, error) {
		opens.Add(1)
		return byteSource{Reader: bytes.NewReader(make([]byte, 640*100))}, nil
	}
	p := New(open, Config{Paced: true}, nil)
	defer p.Close()

	is.NoErr(p.Start())
	is.NoErr(p.Start())
	is.NoErr(p.Start())
	is.Equal(opens.Load(), int32(1))
}

func TestPipeline_RestartReopensDevice(t *testing.T) {
	is := is.New(t)

	var opens, closes atomic.Int32
	open := func() (Source, error) {
		opens.Add(1)
		return byteSource{Reader: bytes.NewReader(make([]byte, 640*1000)), closed: &closes}, nil
	}
	p := New(open, Config{Paced: true}, nil)
	defer p.Close()

	is.NoErr(p.Start())
	p.Stop()
	is.NoErr(p.Start()) // must wait out the previous teardown, then reopen
	p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for closes.Load() != 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	is.Equal(opens.Load(), int32(2))
	is.Equal(closes.Load(), int32(2)) // every opened device handle was released
}

func TestPipeline_StopIdempotent(t *testing.T) {
	p := New(sourceOf(make([]byte, 640), nil), Config{}, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()
	p.Stop()
	p.Close()
	p.Close()
}

func TestPipeline_PacedDropsOldestWhenConsumerStalls(t *testing.T) {
	is := is.New(t)

	data := make([]byte, 640*50)
	p := New(sourceOf(data, nil), Config{BufferFrames: 2, Paced: true}, nil)
	defer p.Close()

	is.NoErr(p.Start())

	// Neither consumer drains while the source plays out: both queues
	// stall at depth 2 and must end up holding the most recent frames.
	deadline := time.Now().Add(4 * time.Second)
	for p.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	is.True(!p.Running())

	frames := collect(t, p.Frames(), 2)
	is.True(frames[0].Timestamp > 0) // frame 0 was dropped, not the newest
	is.True(frames[1].Timestamp == 49*20*time.Millisecond)
}

func TestPipeline_UnpacedDeliversEveryFrame(t *testing.T) {
	is := is.New(t)

	// A prerecorded source far deeper than the channel buffers: unpaced
	// capture must block on delivery, never drop, so the detector sees the
	// whole recording.
	data := make([]byte, 640*100)
	p := New(sourceOf(data, nil), Config{BufferFrames: 2}, nil)
	defer p.Close()

	is.NoErr(p.Start())

	go func() {
		for range p.Outbound() {
		}
	}()

	frames := collect(t, p.Frames(), 100)
	is.Equal(len(frames), 100)
	for i, f := range frames {
		is.Equal(f.Timestamp, time.Duration(i)*20*time.Millisecond)
	}
}

// faultySource delivers a few frames, then fails like a detached device.
type faultySource struct {
	data  *bytes.Reader
	after int
	reads int
}

func (s *faultySource) Read(p []byte) (int, error) {
	if s.reads >= s.after {
		return 0, errors.New("device detached")
	}
	s.reads++
	return s.data.Read(p)
}

func (s *faultySource) Close() error { return nil }

func TestPipeline_ReadFailureSurfacesOnErrors(t *testing.T) {
	is := is.New(t)

	open := func() (Source, error) {
		return &faultySource{data: bytes.NewReader(make([]byte, 640*10)), after: 3}, nil
	}
	p := New(open, Config{}, nil)
	defer p.Close()

	is.NoErr(p.Start())
	frames := collect(t, p.Frames(), 3)
	is.Equal(len(frames), 3)

	select {
	case err := <-p.Errors():
		is.True(err != nil)
		is.True(aerr.IsFatal(err))
	case <-time.After(2 * time.Second):
		t.Fatal("capture failure never surfaced")
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	is.True(!p.Running())
}

func TestPipeline_OpenErrorIsFatal(t *testing.T) {
	open := func() (Source, error) {
		return nil, bytes.ErrTooLarge
	}
	p := New(open, Config{}, nil)
	defer p.Close()

	if err := p.Start(); err == nil {
		t.Fatal("expected device error")
	}
	if p.Running() {
		t.Fatal("pipeline should not be running after failed start")
	}
}
