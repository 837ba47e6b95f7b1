package vad

import (
	"context"
	"expvar"
	"log/slog"
	"time"

	"github.com/speaklab/tutorcall-go/pkg/audio"
)

var discardedTurns = expvar.NewInt("vad_discarded_turns")

// Energy is an RMS-energy detector. A frame is speech when its dBFS level
// exceeds the configured silence threshold.
type Energy struct {
	cfg    Config
	logger *slog.Logger
}

// NewEnergy creates an energy detector with the given thresholds.
func NewEnergy(cfg Config, logger *slog.Logger) *Energy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Energy{cfg: cfg.withDefaults(), logger: logger}
}

// Detect implements Detector.
func (e *Energy) Detect(ctx context.Context, frames <-chan audio.Frame) (<-chan Event, error) {
	events := make(chan Event, 16)

	go func() {
		defer close(events)

		track := newTracker(e.cfg)
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					// Flush an in-progress turn at stream end.
					if ev, valid := track.finish(EndStreamClosed); valid {
						if !emit(ctx, events, ev) {
							return
						}
					}
					return
				}

				db := frame.RmsDb()
				voiced := db > e.cfg.SilenceThresholdDb
				quiet := db > e.cfg.QuietSpeechFloorDb

				before := track.discarded
				for _, ev := range track.push(frame, voiced, quiet, db) {
					if !emit(ctx, events, ev) {
						return
					}
				}
				if track.discarded > before {
					discardedTurns.Add(int64(track.discarded - before))
					e.logger.Debug("discarded turn below minimum duration or without speech")
				}
			}
		}
	}()

	return events, nil
}

// Capabilities implements Detector.
func (e *Energy) Capabilities() Capabilities {
	return Capabilities{
		SampleRates:        []int{8000, 16000, 24000, 48000},
		MinSpeechDuration:  e.cfg.MinRecording,
		MinSilenceDuration: e.cfg.SilenceTimeout,
	}
}

func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// SilenceDuration reports how long the given frame sequence stays below the
// threshold from its end, used by diagnostics tooling.
func SilenceDuration(frames []audio.Frame, thresholdDb float64) time.Duration {
	var d time.Duration
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].RmsDb() > thresholdDb {
			break
		}
		d += frames[i].Duration
	}
	return d
}
