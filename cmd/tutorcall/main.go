package main

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/speaklab/tutorcall-go/internal/app"
	"github.com/speaklab/tutorcall-go/pkg/audio"
	"github.com/speaklab/tutorcall-go/pkg/audio/wav"
	"github.com/speaklab/tutorcall-go/pkg/conversation"
	"github.com/speaklab/tutorcall-go/pkg/ingest"
	"github.com/speaklab/tutorcall-go/pkg/playback"
	"github.com/speaklab/tutorcall-go/pkg/vad"
	"github.com/speaklab/tutorcall-go/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "tutorcall",
	Short: "TutorCall - a voice conversation client for English practice",
	Long: `tutorcall places a spoken English tutoring call: microphone audio is
segmented into turns by voice activity detection, sent to the backend, and
the tutor's reply is played back with barge-in support.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Place a tutoring call",
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, _ := cmd.Flags().GetString("topic")
		backend, _ := cmd.Flags().GetString("backend")
		serverURL, _ := cmd.Flags().GetString("url")
		token, _ := cmd.Flags().GetString("token")
		input, _ := cmd.Flags().GetString("input")
		output, _ := cmd.Flags().GetString("output")
		modelPath, _ := cmd.Flags().GetString("silero-model")
		thresholdDb, _ := cmd.Flags().GetFloat64("threshold-db")
		silenceMs, _ := cmd.Flags().GetInt("silence-ms")
		debugAddr, _ := cmd.Flags().GetString("debug-addr")

		logger := setupLogger()

		if input == "" {
			return fmt.Errorf("--input is required (a 16 kHz mono WAV file used as the microphone)")
		}

		if debugAddr != "" {
			go serveMetrics(debugAddr, logger)
		}

		sink, err := openSink(output)
		if err != nil {
			return err
		}
		defer sink.Close()

		vadCfg := vad.DefaultConfig()
		if thresholdDb != 0 {
			vadCfg.SilenceThresholdDb = thresholdDb
		}
		if silenceMs > 0 {
			vadCfg.SilenceTimeout = time.Duration(silenceMs) * time.Millisecond
		}

		a, err := app.New(app.Config{
			Topic:           topic,
			Backend:         app.Backend(backend),
			ServerURL:       serverURL,
			Token:           token,
			APIKey:          os.Getenv("OPENAI_API_KEY"),
			SileroModelPath: modelPath,
			VAD:             vadCfg,
			Microphone:      wavMicrophone(input),
			Speaker:         sink,
			Logger:          logger,
			OnState: func(s conversation.State) {
				logger.Info("call state", slog.String("state", s.Name()))
			},
		})
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logger.Info("placing call",
			slog.String("topic", topic),
			slog.String("backend", backend),
			slog.String("version", version.Version))
		return a.Run(ctx)
	},
}

var vadCmd = &cobra.Command{
	Use:   "vad [file.wav]",
	Short: "Analyze a WAV recording and print detected turns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		thresholdDb, _ := cmd.Flags().GetFloat64("threshold-db")
		silenceMs, _ := cmd.Flags().GetInt("silence-ms")

		logger := setupLogger()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		r, err := wav.NewReader(f)
		if err != nil {
			return err
		}
		frames, err := r.ReadFrames(20 * time.Millisecond)
		if err != nil {
			return err
		}

		cfg := vad.DefaultConfig()
		if thresholdDb != 0 {
			cfg.SilenceThresholdDb = thresholdDb
		}
		if silenceMs > 0 {
			cfg.SilenceTimeout = time.Duration(silenceMs) * time.Millisecond
		}

		in := make(chan audio.Frame, len(frames))
		for _, fr := range frames {
			in <- fr
		}
		close(in)

		events, err := vad.NewEnergy(cfg, logger).Detect(cmd.Context(), in)
		if err != nil {
			return err
		}

		turns := 0
		for ev := range events {
			switch ev.Type {
			case vad.EventSpeechStart:
				fmt.Printf("speech start  energy=%.1f dB\n", ev.EnergyDb)
			case vad.EventTurnEnd:
				turns++
				fmt.Printf("turn %d        duration=%s  bytes=%d  reason=%v\n",
					turns, ev.Duration, len(ev.Audio), ev.Reason)
			}
		}
		if turns == 0 {
			fmt.Println("no turns detected")
		}
		fmt.Printf("trailing silence: %s\n", vad.SilenceDuration(frames, cfg.SilenceThresholdDb))
		return nil
	},
}

// wavMicrophone opens a WAV file as the capture device. The header is
// validated once per open; the source then streams raw PCM from the data
// section, so pipeline restarts replay the file from the top.
func wavMicrophone(path string) ingest.OpenFunc {
	return func() (ingest.Source, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		r, err := wav.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		if hdr := r.Header(); hdr.SampleRate != audio.CaptureRate {
			f.Close()
			return nil, fmt.Errorf("input must be %d Hz, got %d Hz", audio.CaptureRate, hdr.SampleRate)
		}
		// NewReader leaves the file positioned at the audio data.
		return f, nil
	}
}

type fileSink struct{ f *os.File }

func (s fileSink) Write(p []byte) (int, error) { return s.f.Write(p) }
func (s fileSink) Close() error                { return s.f.Close() }

type discardSink struct{}

func (discardSink) Write(p []byte) (int, error) { return len(p), nil }
func (discardSink) Close() error                { return nil }

func openSink(path string) (playback.Sink, error) {
	if path == "" {
		return discardSink{}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return fileSink{f: f}, nil
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	logger.Info("metrics listening", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", slog.String("error", err.Error()))
	}
}

func setupLogger() *slog.Logger {
	logFormat := os.Getenv("TUTORCALL_LOG_FORMAT")
	logLevel := os.Getenv("TUTORCALL_LOG_LEVEL")

	opts := &slog.HandlerOptions{}
	switch logLevel {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	var handler slog.Handler
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func main() {
	callCmd.Flags().String("topic", "", "conversation topic (required)")
	callCmd.Flags().String("backend", string(app.BackendWebSocket), "websocket, webrtc or direct")
	callCmd.Flags().String("url", "", "relay server URL (websocket/webrtc backends)")
	callCmd.Flags().String("token", "", "relay auth token")
	callCmd.Flags().String("input", "", "WAV file used as the microphone (16 kHz mono)")
	callCmd.Flags().String("output", "", "file receiving tutor playback PCM (24 kHz mono)")
	callCmd.Flags().String("silero-model", "", "path to a Silero ONNX model; energy detection otherwise")
	callCmd.Flags().Float64("threshold-db", 0, "silence threshold in dBFS")
	callCmd.Flags().Int("silence-ms", 0, "silence duration that ends a turn")
	callCmd.Flags().String("debug-addr", "", "address for the expvar metrics endpoint")
	callCmd.MarkFlagRequired("topic")

	vadCmd.Flags().Float64("threshold-db", 0, "silence threshold in dBFS")
	vadCmd.Flags().Int("silence-ms", 0, "silence duration that ends a turn")

	rootCmd.AddCommand(callCmd, vadCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
