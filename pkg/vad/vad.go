// Package vad classifies microphone frames as speech or silence and decides
// when a user turn has ended. Thresholds are named configuration; the
// canonical policy is the Default* set below.
package vad

import (
	"context"
	"time"

	"github.com/speaklab/tutorcall-go/pkg/audio"
)

// Canonical turn-taking policy. Tests and CLI flags treat these as the
// single source of truth; nothing hardcodes its own thresholds.
const (
	DefaultSilenceThresholdDb = -45.0
	DefaultQuietSpeechFloorDb = -60.0
	DefaultSilenceTimeout     = 700 * time.Millisecond
	DefaultMinRecording       = 500 * time.Millisecond
	DefaultMaxRecording       = 30 * time.Second
)

// EventType identifies a detector event.
type EventType int

const (
	// EventSpeechStart fires on the first voiced frame after a silent run.
	EventSpeechStart EventType = iota
	// EventTurnEnd fires when a valid user turn has been collected.
	EventTurnEnd
	// EventError reports a detector failure.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventSpeechStart:
		return "speech_start"
	case EventTurnEnd:
		return "turn_end"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// EndReason explains why a turn ended.
type EndReason int

const (
	// EndSilence means the silence timeout elapsed after detected speech.
	EndSilence EndReason = iota
	// EndMaxDuration means the hard recording ceiling was hit.
	EndMaxDuration
	// EndStreamClosed means the capture stream ended with a turn still in
	// progress and the collected audio was flushed.
	EndStreamClosed
)

func (r EndReason) String() string {
	switch r {
	case EndSilence:
		return "silence"
	case EndMaxDuration:
		return "max_duration"
	case EndStreamClosed:
		return "stream_closed"
	default:
		return "unknown"
	}
}

// Event is a single detector output.
type Event struct {
	Type      EventType
	Timestamp time.Time
	EnergyDb  float64 // energy of the triggering frame, dBFS

	// TurnEnd only: collected 16-bit LE PCM with trailing silence trimmed.
	Audio    []byte
	Duration time.Duration
	Reason   EndReason

	Error error
}

// Config holds the detector thresholds.
type Config struct {
	// SilenceThresholdDb is the dBFS level above which a frame is speech.
	SilenceThresholdDb float64
	// QuietSpeechFloorDb keeps an in-progress turn alive for frames between
	// this floor and the silence threshold. Set it at or above
	// SilenceThresholdDb to disable the permissive behavior.
	QuietSpeechFloorDb float64
	// SilenceTimeout is the continuous silence needed to end a turn.
	SilenceTimeout time.Duration
	// MinRecording is the least a turn may last before silence can end it.
	MinRecording time.Duration
	// MaxRecording force-cuts a turn regardless of ongoing speech.
	MaxRecording time.Duration
}

// DefaultConfig returns the canonical policy.
func DefaultConfig() Config {
	return Config{
		SilenceThresholdDb: DefaultSilenceThresholdDb,
		QuietSpeechFloorDb: DefaultQuietSpeechFloorDb,
		SilenceTimeout:     DefaultSilenceTimeout,
		MinRecording:       DefaultMinRecording,
		MaxRecording:       DefaultMaxRecording,
	}
}

func (c Config) withDefaults() Config {
	if c.SilenceThresholdDb == 0 {
		c.SilenceThresholdDb = DefaultSilenceThresholdDb
	}
	if c.QuietSpeechFloorDb == 0 {
		c.QuietSpeechFloorDb = DefaultQuietSpeechFloorDb
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.MinRecording <= 0 {
		c.MinRecording = DefaultMinRecording
	}
	if c.MaxRecording <= 0 {
		c.MaxRecording = DefaultMaxRecording
	}
	return c
}

// Capabilities describes a detector.
type Capabilities struct {
	SampleRates        []int
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration
}

// Detector consumes capture frames and produces turn-taking events.
// The returned channel closes when the frame channel closes or the context
// is cancelled.
type Detector interface {
	Detect(ctx context.Context, frames <-chan audio.Frame) (<-chan Event, error)
	Capabilities() Capabilities
}

// tracker applies the turn policy to a stream of per-frame voiced/quiet
// classifications. It is shared by the energy and model detectors.
type tracker struct {
	cfg Config

	collected      []byte
	voicedBytes    int // collected prefix up to the last voiced/quiet frame
	turnElapsed    time.Duration
	voicedElapsed  time.Duration
	silenceElapsed time.Duration
	speechSeen     bool
	inSpeech       bool
	discarded      int
}

func newTracker(cfg Config) *tracker {
	return &tracker{cfg: cfg.withDefaults()}
}

// push processes one classified frame and returns zero or more events.
func (k *tracker) push(frame audio.Frame, voiced, quiet bool, db float64) []Event {
	var events []Event

	k.collected = append(k.collected, frame.Data...)
	k.turnElapsed += frame.Duration

	switch {
	case voiced:
		k.speechSeen = true
		k.silenceElapsed = 0
		k.voicedBytes = len(k.collected)
		k.voicedElapsed = k.turnElapsed
		if !k.inSpeech {
			k.inSpeech = true
			events = append(events, Event{Type: EventSpeechStart, Timestamp: time.Now(), EnergyDb: db})
		}
	case quiet && k.speechSeen:
		// Quiet speech keeps the turn alive without re-triggering speech start.
		k.inSpeech = false
		k.silenceElapsed = 0
		k.voicedBytes = len(k.collected)
		k.voicedElapsed = k.turnElapsed
	default:
		k.inSpeech = false
		k.silenceElapsed += frame.Duration
	}

	if k.turnElapsed >= k.cfg.MaxRecording {
		if ev, ok := k.finish(EndMaxDuration); ok {
			events = append(events, ev)
		}
		return events
	}

	if k.speechSeen && k.turnElapsed >= k.cfg.MinRecording && k.silenceElapsed >= k.cfg.SilenceTimeout {
		if ev, ok := k.finish(EndSilence); ok {
			events = append(events, ev)
		}
	}

	return events
}

// finish closes the current turn. Turns where speech was never detected, or
// whose voiced portion is shorter than the minimum recording duration, are
// discarded rather than emitted.
func (k *tracker) finish(reason EndReason) (Event, bool) {
	speechSeen := k.speechSeen
	payload := k.collected[:k.voicedBytes]
	duration := k.voicedElapsed
	k.reset()

	if !speechSeen || duration < k.cfg.MinRecording {
		k.discarded++
		return Event{}, false
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	return Event{
		Type:      EventTurnEnd,
		Timestamp: time.Now(),
		Audio:     out,
		Duration:  duration,
		Reason:    reason,
	}, true
}

func (k *tracker) reset() {
	k.collected = k.collected[:0]
	k.voicedBytes = 0
	k.turnElapsed = 0
	k.voicedElapsed = 0
	k.silenceElapsed = 0
	k.speechSeen = false
	k.inSpeech = false
}
