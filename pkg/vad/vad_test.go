package vad

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/speaklab/tutorcall-go/pkg/audio"
)

const frameDur = 20 * time.Millisecond

// frameAtDb builds a 20ms 16kHz mono frame whose RMS level is the given dBFS.
func frameAtDb(t *testing.T, db float64, ts time.Duration) audio.Frame {
	t.Helper()
	data := make([]byte, audio.FrameBytes(16000, frameDur))
	if db > audio.SilenceFloorDb {
		v := int16(math.Round(32768 * math.Pow(10, db/20)))
		for i := 0; i < len(data); i += 2 {
			binary.LittleEndian.PutUint16(data[i:], uint16(v))
		}
	}
	frame, err := audio.NewFrame(data, 16000, frameDur, ts)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	return frame
}

// runDetector feeds the given frames and returns all emitted events.
func runDetector(t *testing.T, cfg Config, frames []audio.Frame) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := make(chan audio.Frame, len(frames))
	for _, f := range frames {
		in <- f
	}
	close(in)

	events, err := NewEnergy(cfg, nil).Detect(ctx, in)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func speechThenSilence(t *testing.T, speech, silence time.Duration) []audio.Frame {
	t.Helper()
	var frames []audio.Frame
	var ts time.Duration
	for ts = 0; ts < speech; ts += frameDur {
		frames = append(frames, frameAtDb(t, -20, ts))
	}
	for end := ts + silence; ts < end; ts += frameDur {
		frames = append(frames, frameAtDb(t, -80, ts))
	}
	return frames
}

func TestEnergy_SpeechThenSilence(t *testing.T) {
	is := is.New(t)

	// 1s of speech at -20dB, then 1.1s of silence at -80dB with a 700ms
	// timeout: exactly one turn end, with ~1s of collected audio.
	events := runDetector(t, DefaultConfig(), speechThenSilence(t, time.Second, 1100*time.Millisecond))

	var starts, ends []Event
	for _, ev := range events {
		switch ev.Type {
		case EventSpeechStart:
			starts = append(starts, ev)
		case EventTurnEnd:
			ends = append(ends, ev)
		}
	}

	is.Equal(len(starts), 1)
	is.Equal(len(ends), 1)
	is.Equal(ends[0].Reason, EndSilence)

	// Collected audio is the voiced portion, one frame of tolerance.
	got := ends[0].Duration
	is.True(got >= time.Second-frameDur && got <= time.Second+frameDur)
	is.Equal(len(ends[0].Audio), audio.FrameBytes(16000, got))
}

func TestEnergy_SilenceOnlyDiscarded(t *testing.T) {
	var frames []audio.Frame
	for i := 0; i < 100; i++ {
		frames = append(frames, frameAtDb(t, -80, time.Duration(i)*frameDur))
	}
	events := runDetector(t, DefaultConfig(), frames)
	for _, ev := range events {
		if ev.Type == EventTurnEnd {
			t.Fatalf("silence-only input produced a turn: %+v", ev)
		}
		if ev.Type == EventSpeechStart {
			t.Fatalf("silence-only input produced speech start")
		}
	}
}

func TestEnergy_ShortRecordingDiscarded(t *testing.T) {
	// 200ms of speech is below the 500ms minimum; nothing may be emitted
	// as a turn even after a long silence.
	events := runDetector(t, DefaultConfig(), speechThenSilence(t, 200*time.Millisecond, 2*time.Second))
	for _, ev := range events {
		if ev.Type == EventTurnEnd {
			t.Fatalf("short recording produced a turn payload of %d bytes", len(ev.Audio))
		}
	}
}

func TestEnergy_MaxDurationForceCut(t *testing.T) {
	is := is.New(t)

	cfg := DefaultConfig()
	cfg.MaxRecording = 2 * time.Second

	// Continuous speech well past the ceiling.
	var frames []audio.Frame
	for i := 0; i < 150; i++ { // 3s
		frames = append(frames, frameAtDb(t, -20, time.Duration(i)*frameDur))
	}
	events := runDetector(t, cfg, frames)

	var ends []Event
	for _, ev := range events {
		if ev.Type == EventTurnEnd {
			ends = append(ends, ev)
		}
	}
	is.True(len(ends) >= 1)
	is.Equal(ends[0].Reason, EndMaxDuration)
	is.True(ends[0].Duration <= cfg.MaxRecording)
}

func TestEnergy_QuietSpeechKeepsTurnAlive(t *testing.T) {
	is := is.New(t)

	// Speech, then a long run at -55dB (between floor and threshold): the
	// quiet frames must not count toward the silence timeout.
	var frames []audio.Frame
	var ts time.Duration
	for ; ts < 600*time.Millisecond; ts += frameDur {
		frames = append(frames, frameAtDb(t, -20, ts))
	}
	for end := ts + time.Second; ts < end; ts += frameDur {
		frames = append(frames, frameAtDb(t, -55, ts))
	}

	// The quiet frames must not count toward the silence timeout. The only
	// turn end is the stream-close flush, and it keeps the quiet tail.
	inTurn := runDetector(t, DefaultConfig(), frames)
	for _, ev := range inTurn {
		if ev.Type != EventTurnEnd {
			continue
		}
		is.Equal(ev.Reason, EndStreamClosed)
		is.True(ev.Duration >= 1500*time.Millisecond)
	}

	// With the permissive floor disabled, the same input times out mid-stream.
	cfg := DefaultConfig()
	cfg.QuietSpeechFloorDb = cfg.SilenceThresholdDb
	strict := runDetector(t, cfg, frames)
	ended := false
	for _, ev := range strict {
		if ev.Type == EventTurnEnd && ev.Reason == EndSilence {
			ended = true
		}
	}
	is.True(ended)
}

func TestEnergy_StreamCloseFlushesInProgressTurn(t *testing.T) {
	is := is.New(t)

	// A second of speech with no trailing silence at all: closing the frame
	// stream flushes the collected turn with its own end reason.
	var frames []audio.Frame
	for ts := time.Duration(0); ts < time.Second; ts += frameDur {
		frames = append(frames, frameAtDb(t, -20, ts))
	}
	events := runDetector(t, DefaultConfig(), frames)

	var ends []Event
	for _, ev := range events {
		if ev.Type == EventTurnEnd {
			ends = append(ends, ev)
		}
	}
	is.Equal(len(ends), 1)
	is.Equal(ends[0].Reason, EndStreamClosed)
	is.True(ends[0].Duration >= time.Second-frameDur)
}

func TestEnergy_TwoTurns(t *testing.T) {
	is := is.New(t)

	frames := speechThenSilence(t, time.Second, time.Second)
	frames = append(frames, speechThenSilence(t, 800*time.Millisecond, time.Second)...)

	var ends int
	for _, ev := range runDetector(t, DefaultConfig(), frames) {
		if ev.Type == EventTurnEnd {
			ends++
		}
	}
	is.Equal(ends, 2)
}

func TestEnergy_CancelStopsStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan audio.Frame)
	events, err := NewEnergy(DefaultConfig(), nil).Detect(ctx, in)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("event channel did not close after cancel")
	}
}

func TestSilero_FallsBackWithoutModel(t *testing.T) {
	is := is.New(t)

	det := NewSilero(SileroConfig{ModelPath: "/nonexistent/model.onnx"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := make(chan audio.Frame, 128)
	for _, f := range speechThenSilence(t, time.Second, 1100*time.Millisecond) {
		in <- f
	}
	close(in)

	events, err := det.Detect(ctx, in)
	is.NoErr(err)

	var ends int
	for ev := range events {
		if ev.Type == EventTurnEnd {
			ends++
		}
	}
	is.Equal(ends, 1)
}
