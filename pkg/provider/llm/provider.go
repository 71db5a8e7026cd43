// Package llm defines the streaming language-model stage of the voice
// pipeline.
//
// A Provider owns one conversation: the orchestrator feeds it finalized user
// transcriptions and consumes ordered reply segments. Assistant output is
// split on the segment delimiter so each part can be synthesized as soon as
// it is complete, and tool calls from a fixed function registry are
// dispatched synchronously inside the stream — their side effects land
// before the next segment is emitted.
package llm

import "context"

// SegmentDelimiter splits assistant output into speakable parts. The persona
// prompt instructs the model to emit it between thoughts.
const SegmentDelimiter = '•'

// Reply is one ordered assistant segment from a streaming turn.
type Reply struct {
	// TurnID identifies the turn the segment belongs to; stale turns are
	// discarded before emission.
	TurnID int

	// Index is the segment's ordering key within the turn, starting at 0.
	Index int

	// Text is the segment content, whitespace-trimmed. May be empty on the
	// terminal segment.
	Text string

	// InteractionCount tags the conversational exchange.
	InteractionCount int

	// Last marks the final segment of the turn.
	Last bool
}

// Message is a transcript entry passed to the post-call analysis.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EmotionalMetrics is the structured post-call analysis result. Scalars are
// on a 0–10 scale.
type EmotionalMetrics struct {
	Anxiety   int `json:"anxiety"`
	Agitation int `json:"agitation"`
	Confusion int `json:"confusion"`
	Comfort   int `json:"comfort"`

	MentionsPain       bool `json:"mentions_pain"`
	MentionsMedication bool `json:"mentions_medication"`
	MentionsLoneliness bool `json:"mentions_loneliness"`

	Notes string `json:"notes"`
}

// Functions is the fixed registry the model may invoke mid-turn. Each method
// returns the string fed back to the model as the tool result. The concrete
// binding to the memory store, the news fetcher, and the telephony transfer
// path lives with the call session.
type Functions interface {
	// Remember persists new content; the key is derived from the content.
	Remember(ctx context.Context, content, category string) (string, error)

	// Recall returns stored content for a key, or a not-found notice.
	Recall(ctx context.Context, key string) (string, error)

	// Forget removes a memory. Fact records report protected.
	Forget(ctx context.Context, key string) (string, error)

	// UpdateMemory replaces stored content. Fact records report protected.
	UpdateMemory(ctx context.Context, key, content, category string) (string, error)

	// TransferCall waits for in-flight audio to finish playing, then hands
	// the call to a human number.
	TransferCall(ctx context.Context, reason string) (string, error)

	// GetNews fetches current headlines for a category.
	GetNews(ctx context.Context, category string) (string, error)
}

// Provider is one conversation with the language model.
//
// Implementations must be safe for concurrent use: Completion and Cancel
// race by design when the caller barges in.
type Provider interface {
	// SetSystemPrompt installs the persona-plus-memory-context prompt.
	// Called once on session start, before the first Completion.
	SetSystemPrompt(prompt string)

	// Completion starts a streaming turn for the finalized user text.
	// Segments arrive on Replies. At most one turn streams at a time;
	// starting a new turn implicitly cancels the previous one.
	Completion(ctx context.Context, userText string, interactionCount int) error

	// Replies is the ordered segment stream across all turns.
	Replies() <-chan Reply

	// Cancel aborts the in-flight turn; late events from it are discarded.
	Cancel()

	// AnalyzeEmotion runs the structured post-call analysis over the
	// transcript. Independent of the streaming conversation.
	AnalyzeEmotion(ctx context.Context, messages []Message) (*EmotionalMetrics, error)
}
