// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// A session accepts raw audio frames in the telephony codec and emits two
// event streams: interim utterances for responsiveness (they drive the
// barge-in decision) and finalized transcriptions, exactly one per user turn,
// which feed the LLM.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// State is the lifecycle phase of a streaming session.
type State string

const (
	// StateConnecting is the initial dial. Audio frames are buffered.
	StateConnecting State = "connecting"

	// StateOpen is the healthy streaming phase.
	StateOpen State = "open"

	// StateDegraded means the vendor connection dropped and a reconnect is
	// pending.
	StateDegraded State = "degraded"

	// StateReconnecting means a reconnect dial is in flight. Audio frames
	// are buffered.
	StateReconnecting State = "reconnecting"

	// StateClosed is terminal: either an intentional close or exhausted
	// reconnect attempts.
	StateClosed State = "closed"
)

// StreamConfig describes the audio format for a new session. The telephony
// vendor fixes the codec, so these rarely deviate from the defaults.
type StreamConfig struct {
	// SampleRate in Hz. Telephony audio is 8000.
	SampleRate int

	// Encoding is the raw audio codec name (e.g., "mulaw").
	Encoding string

	// Language is the BCP-47 recognition language. Empty means provider
	// default.
	Language string
}

// Session is an open streaming transcription session.
//
// Callers must call Close when done. All methods are safe for concurrent use.
type Session interface {
	// SendAudio delivers one raw audio frame. While the session is
	// connecting or reconnecting the frame is buffered (bounded, oldest
	// dropped); in the closed state it is discarded with an error.
	SendAudio(frame []byte) error

	// Interims returns the stream of non-final utterance texts. Closed when
	// the session ends.
	Interims() <-chan string

	// Finals returns the stream of finalized transcriptions, one per user
	// turn. Closed when the session ends.
	Finals() <-chan string

	// ClearBuffers drops accumulated partial text and pending audio frames.
	// Called on interruption.
	ClearBuffers()

	// State reports the current lifecycle phase.
	State() State

	// Done is closed when the session reaches the terminal state for any
	// reason; Err distinguishes why.
	Done() <-chan struct{}

	// Err returns the terminal error, or nil after an intentional Close.
	// Valid only after Done is closed.
	Err() error

	// Close ends the session intentionally, suppressing reconnection.
	// Safe to call more than once.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// Start opens a new streaming session. The returned Session is ready to
	// accept audio immediately; frames sent before the connection opens are
	// buffered.
	Start(ctx context.Context, cfg StreamConfig) (Session, error)
}
