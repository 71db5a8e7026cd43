// Package tts defines the text-to-speech pipeline stage: a vendor-agnostic
// Synthesizer interface plus the ordered, rate-limited, circuit-broken
// [Queue] that feeds it.
//
// Segments are queued with a monotonically increasing index assigned by the
// LLM stage; the queue's single worker preserves submission order, so
// emissions arrive index-ascending. Cancellation works by membership: every
// queued request carries an id in an active set, and removal from the set
// (via Clear) suppresses its emission even if synthesis already completed.
package tts

import "context"

// Segment is one unit of assistant text awaiting synthesis.
type Segment struct {
	// Index is the ordering key assigned at submission.
	Index int

	// Text is the segment content.
	Text string

	// InteractionCount tags the conversational turn the segment belongs to.
	InteractionCount int
}

// Speech is a finished synthesis emission.
type Speech struct {
	// RequestID identifies the queued request that produced this audio.
	RequestID string

	// Index is the segment's ordering key.
	Index int

	// Audio is the raw synthesized audio in the telephony codec.
	Audio []byte

	// Text is the synthesized text, echoed for the analyzer.
	Text string

	// InteractionCount is the turn tag from the originating segment.
	InteractionCount int
}

// ClearedEvent reports that the queue was drained without synthesis.
type ClearedEvent struct {
	// Reason describes why ("interruption", "circuit open", ...).
	Reason string

	// Dropped is the number of segments discarded.
	Dropped int
}

// Synthesizer is the vendor RPC: text in, telephony-codec audio out.
// Implementations classify their errors with the resilience package so the
// queue's retry loop can tell 429s from hard failures.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
