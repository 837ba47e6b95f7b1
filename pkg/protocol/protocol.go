// Package protocol defines the JSON control vocabulary spoken with the
// tutoring backend. Raw audio travels as binary frames beside these
// messages; the envelope carries everything else.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Server event types.
const (
	EventSpeechStart  = "vad.speech_start"
	EventSpeechEnd    = "vad.speech_end"
	EventThinking     = "assistant.thinking"
	EventResponseText = "assistant.response.text"
	EventAudioStart   = "assistant.audio.start"
	EventAudioEnd     = "assistant.audio.end"
	EventHint         = "hint"
	EventError        = "error"
)

// Client message types.
const (
	MessageConfig       = "config"
	MessageGreeting     = "greeting"
	MessageRequestHint  = "request_hint"
	MessageTurnComplete = "turn.complete"
)

// ServerEvent is a decoded control message from the backend.
type ServerEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`       // assistant.response.text delta
	Suggestion string `json:"suggestion,omitempty"` // hint
	Message    string `json:"message,omitempty"`    // error
}

// ClientMessage is an outbound control message.
type ClientMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"` // config
}

// Config builds the session bootstrap message.
func Config(topic string) ClientMessage {
	return ClientMessage{Type: MessageConfig, Topic: topic}
}

// Greeting asks the backend to open the conversation.
func Greeting() ClientMessage {
	return ClientMessage{Type: MessageGreeting}
}

// RequestHint asks for a reply suggestion for the current turn.
func RequestHint() ClientMessage {
	return ClientMessage{Type: MessageRequestHint}
}

// TurnComplete tells the backend the user's turn has been finalized.
func TurnComplete() ClientMessage {
	return ClientMessage{Type: MessageTurnComplete}
}

// DecodeServerEvent parses a control message. Unknown event types decode
// successfully; callers treat them as no-ops. Unparsable payloads are an
// error the caller logs and drops.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("malformed server event: %w", err)
	}
	if ev.Type == "" {
		return ServerEvent{}, fmt.Errorf("server event missing type")
	}
	return ev, nil
}

// Known reports whether the event type is part of the vocabulary.
func Known(eventType string) bool {
	switch eventType {
	case EventSpeechStart, EventSpeechEnd, EventThinking, EventResponseText,
		EventAudioStart, EventAudioEnd, EventHint, EventError:
		return true
	}
	return false
}
