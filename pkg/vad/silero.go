package vad

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/speaklab/tutorcall-go/pkg/audio"
)

// Silero runs a Silero-style ONNX speech classifier per frame, falling back
// to the energy detector when the model file or the onnxruntime shared
// library is unavailable. Turn policy is identical to Energy; only the
// per-frame speech decision differs.
type Silero struct {
	cfg       Config
	modelPath string
	threshold float32 // speech probability cutoff
	logger    *slog.Logger

	sessionOnce sync.Once
	sessionErr  error
	useModel    bool
}

// SileroConfig configures the model detector.
type SileroConfig struct {
	Turn      Config
	ModelPath string  // path to the ONNX model file
	Threshold float32 // speech probability cutoff, default 0.5
}

// NewSilero creates a model-based detector. Construction never fails; model
// loading is lazy and falls back to energy detection on error.
func NewSilero(cfg SileroConfig, logger *slog.Logger) *Silero {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.5
	}
	modelPath := cfg.ModelPath
	if modelPath == "" {
		modelPath = defaultModelPath()
	}
	return &Silero{
		cfg:       cfg.Turn.withDefaults(),
		modelPath: modelPath,
		threshold: cfg.Threshold,
		logger:    logger,
	}
}

// Detect implements Detector.
func (s *Silero) Detect(ctx context.Context, frames <-chan audio.Frame) (<-chan Event, error) {
	if err := s.load(); err != nil {
		s.logger.Info("speech model unavailable, using energy detection",
			slog.String("model_path", s.modelPath),
			slog.String("error", err.Error()))
		return NewEnergy(s.cfg, s.logger).Detect(ctx, frames)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)

		track := newTracker(s.cfg)
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					if ev, valid := track.finish(EndStreamClosed); valid {
						emit(ctx, events, ev)
					}
					return
				}

				prob, err := s.infer(frame)
				if err != nil {
					// Inference failures degrade to energy classification
					// for the frame rather than killing the stream.
					s.logger.Warn("speech model inference failed", slog.String("error", err.Error()))
					prob = energyProbability(frame, s.cfg)
				}

				voiced := prob >= s.threshold
				quiet := prob >= s.threshold/2
				for _, ev := range track.push(frame, voiced, quiet, frame.RmsDb()) {
					if !emit(ctx, events, ev) {
						return
					}
				}
			}
		}
	}()
	return events, nil
}

// Capabilities implements Detector.
func (s *Silero) Capabilities() Capabilities {
	return Capabilities{
		SampleRates:        []int{8000, 16000},
		MinSpeechDuration:  s.cfg.MinRecording,
		MinSilenceDuration: s.cfg.SilenceTimeout,
	}
}

func (s *Silero) load() error {
	s.sessionOnce.Do(func() {
		if _, err := os.Stat(s.modelPath); err != nil {
			s.sessionErr = fmt.Errorf("model file not found: %s", s.modelPath)
			return
		}
		if err := ensureOrtEnv(); err != nil {
			s.sessionErr = fmt.Errorf("failed to initialize ONNX runtime: %w", err)
			return
		}
		s.useModel = true
	})
	return s.sessionErr
}

// infer runs the model for one frame and returns the speech probability.
func (s *Silero) infer(frame audio.Frame) (float32, error) {
	samples := frame.Samples()
	if samples == 0 {
		return 0, nil
	}

	input := make([]float32, samples)
	for i := 0; i < samples; i++ {
		input[i] = float32(int16(binary.LittleEndian.Uint16(frame.Data[i*2:i*2+2]))) / 32768.0
	}

	inputShape := ort.NewShape(1, int64(samples))
	inputTensor, err := ort.NewTensor(inputShape, input)
	if err != nil {
		return 0, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	session, err := ort.NewSession[float32](
		s.modelPath,
		[]string{"input"},
		[]string{"output"},
		[]*ort.Tensor[float32]{inputTensor},
		[]*ort.Tensor[float32]{outputTensor},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	out := outputTensor.GetData()
	if len(out) == 0 {
		return 0, fmt.Errorf("empty output tensor")
	}
	prob := out[0]
	if prob < 0 {
		prob = 0
	} else if prob > 1 {
		prob = 1
	}
	return prob, nil
}

// energyProbability maps frame energy into a pseudo-probability so the model
// path and the fallback share the tracker thresholds.
func energyProbability(frame audio.Frame, cfg Config) float32 {
	db := frame.RmsDb()
	switch {
	case db > cfg.SilenceThresholdDb:
		return 1
	case db > cfg.QuietSpeechFloorDb:
		return 0.3
	default:
		return 0
	}
}

var (
	ortOnce    sync.Once
	ortInitErr error
)

// ensureOrtEnv initializes the ONNX runtime environment exactly once per
// process.
func ensureOrtEnv() error {
	ortOnce.Do(func() {
		if libPath := os.Getenv("ONNXRUNTIME_LIB"); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		} else if runtime.GOOS == "darwin" {
			ort.SetSharedLibraryPath("/opt/homebrew/lib/libonnxruntime.dylib")
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

func defaultModelPath() string {
	if path := os.Getenv("TUTORCALL_MODEL_PATH"); path != "" {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/tutorcall-models/silero_vad.onnx"
	}
	return filepath.Join(homeDir, ".tutorcall", "models", "silero_vad.onnx")
}
