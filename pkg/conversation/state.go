// Package conversation holds the turn-taking state machine that owns a
// tutoring call: which party holds the floor, when assistant playback is
// cut off for barge-in, and how a paused call resumes.
package conversation

import "fmt"

// State is the call state, exactly one value at a time. The concrete types
// below are the only implementations.
type State interface {
	// Name returns a stable label for logs and metrics.
	Name() string

	sealed()
}

// Idle means no call is active.
type Idle struct{}

// Initializing means a call was requested but the transport has not
// started opening yet.
type Initializing struct{}

// Connecting means the transport is opening and ringing feedback plays.
type Connecting struct{}

// Listening means the microphone is live and the user holds the floor.
type Listening struct {
	UserSpeaking bool
	Transcript   string
}

// Thinking means the user's turn was finalized and the assistant has not
// answered yet.
type Thinking struct{}

// Speaking means assistant audio is playing or queued. Text accumulates
// streamed transcript deltas. Complete records that the backend finished
// the response; audio may still be draining.
type Speaking struct {
	Text     string
	Complete bool
}

// Paused suspends the call. Previous is the state to restore and is never
// itself Paused.
type Paused struct {
	Previous State
}

// ErrorState is an unrecoverable condition. Starting a new call is the
// only way out.
type ErrorState struct {
	Message string
}

func (Idle) Name() string         { return "idle" }
func (Initializing) Name() string { return "initializing" }
func (Connecting) Name() string   { return "connecting" }
func (Listening) Name() string    { return "listening" }
func (Thinking) Name() string     { return "thinking" }
func (Speaking) Name() string     { return "speaking" }
func (p Paused) Name() string     { return fmt.Sprintf("paused(%s)", p.Previous.Name()) }
func (ErrorState) Name() string   { return "error" }

func (Idle) sealed()         {}
func (Initializing) sealed() {}
func (Connecting) sealed()   {}
func (Listening) sealed()    {}
func (Thinking) sealed()     {}
func (Speaking) sealed()     {}
func (Paused) sealed()       {}
func (ErrorState) sealed()   {}

// Hint is the cached suggestion for what the learner could say next. It is
// cleared when the assistant finishes a response and is only actionable
// while Listening.
type Hint struct {
	Suggestion string
	Visible    bool
}
