// Package openai wraps the OpenAI REST API for the direct transport:
// Whisper transcription of finished turns, chat completion over the
// conversation history, and streaming PCM synthesis of the reply.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/speaklab/tutorcall-go/pkg/audio"
)

// Config holds model selection for the three API surfaces.
type Config struct {
	APIKey          string
	BaseURL         string // override the API endpoint, for proxies and tests
	ChatModel       string // default gpt-4o-mini
	TranscribeModel string // default whisper-1
	SpeechModel     string // default tts-1
	Voice           string // default alloy
}

func (c Config) withDefaults() Config {
	if c.ChatModel == "" {
		c.ChatModel = goopenai.GPT4oMini
	}
	if c.TranscribeModel == "" {
		c.TranscribeModel = goopenai.Whisper1
	}
	if c.SpeechModel == "" {
		c.SpeechModel = string(goopenai.TTSModel1)
	}
	if c.Voice == "" {
		c.Voice = string(goopenai.VoiceAlloy)
	}
	return c
}

// Message is one conversation history entry.
type Message struct {
	Role    string // "system", "user" or "assistant"
	Content string
}

// Client is a thin wrapper over the go-openai client.
type Client struct {
	api    *goopenai.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a client. The API key must be non-empty.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cc := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}
	return &Client{
		api:    goopenai.NewClientWithConfig(cc),
		cfg:    cfg.withDefaults(),
		logger: logger,
	}, nil
}

// Transcribe runs Whisper over a WAV-encoded turn and returns the text.
func (c *Client) Transcribe(ctx context.Context, wavData []byte) (string, error) {
	start := time.Now()
	resp, err := c.api.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    c.cfg.TranscribeModel,
		Format:   goopenai.AudioResponseFormatJSON,
		Reader:   bytes.NewReader(wavData),
		FilePath: "turn.wav",
	})
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	c.logger.Debug("transcribed turn",
		slog.String("text", resp.Text),
		slog.Duration("took", time.Since(start)))
	return resp.Text, nil
}

// Chat runs a completion over the full history and returns the assistant reply.
func (c *Client) Chat(ctx context.Context, history []Message) (string, error) {
	messages := make([]goopenai.ChatCompletionMessage, len(history))
	for i, m := range history {
		messages[i] = goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	resp, err := c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    c.cfg.ChatModel,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// Synthesize converts text to 24 kHz mono PCM, streamed in chunks to emit.
// It returns once the full response body has been read or ctx is done.
func (c *Client) Synthesize(ctx context.Context, text string, emit func(pcm []byte) error) error {
	resp, err := c.api.CreateSpeech(ctx, goopenai.CreateSpeechRequest{
		Model:          goopenai.SpeechModel(c.cfg.SpeechModel),
		Input:          text,
		Voice:          goopenai.SpeechVoice(c.cfg.Voice),
		ResponseFormat: goopenai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return fmt.Errorf("speech synthesis failed: %w", err)
	}
	defer resp.Close()

	// 100 ms of playback-rate PCM per chunk. Body reads are not sample
	// aligned, so an odd trailing byte carries into the next chunk instead
	// of being dropped and shifting every later sample boundary.
	buf := make([]byte, audio.FrameBytes(audio.PlaybackRate, 100*time.Millisecond))
	var carry []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := resp.Read(buf)
		if n > 0 {
			chunk := make([]byte, 0, len(carry)+n)
			chunk = append(chunk, carry...)
			chunk = append(chunk, buf[:n]...)
			carry = carry[:0]
			if len(chunk)%2 == 1 {
				carry = append(carry, chunk[len(chunk)-1])
				chunk = chunk[:len(chunk)-1]
			}
			if len(chunk) > 0 {
				if err := emit(chunk); err != nil {
					return err
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading synthesized audio: %w", err)
		}
	}
}
