// Package mock provides a scriptable test double for the llm.Provider
// interface. Tests drive the reply stream directly:
//
//	p := mock.NewProvider()
//	p.EmitSegments(1, "Hello there", "how have you been?")
package mock

import (
	"context"
	"sync"

	"github.com/hearthline-ai/hearthline/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// CompletionErr, when set, is returned by Completion.
	CompletionErr error

	// Completions records the user texts passed to Completion, in order.
	Completions []string

	// CancelCalls counts Cancel invocations.
	CancelCalls int

	// SystemPrompt holds the last SetSystemPrompt value.
	SystemPrompt string

	// Analysis is returned by AnalyzeEmotion; AnalysisErr wins when set.
	Analysis    *llm.EmotionalMetrics
	AnalysisErr error

	turnID  int
	replies chan llm.Reply
}

var _ llm.Provider = (*Provider)(nil)

// NewProvider creates a mock Provider with a buffered reply stream.
func NewProvider() *Provider {
	return &Provider{replies: make(chan llm.Reply, 64)}
}

// SetSystemPrompt implements llm.Provider.
func (p *Provider) SetSystemPrompt(prompt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SystemPrompt = prompt
}

// Completion implements llm.Provider. It only records the call; tests emit
// replies explicitly via EmitSegments or Emit.
func (p *Provider) Completion(ctx context.Context, userText string, interactionCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CompletionErr != nil {
		return p.CompletionErr
	}
	p.Completions = append(p.Completions, userText)
	p.turnID++
	return nil
}

// Replies implements llm.Provider.
func (p *Provider) Replies() <-chan llm.Reply {
	return p.replies
}

// Cancel implements llm.Provider.
func (p *Provider) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CancelCalls++
	p.turnID++
}

// AnalyzeEmotion implements llm.Provider.
func (p *Provider) AnalyzeEmotion(ctx context.Context, messages []llm.Message) (*llm.EmotionalMetrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.AnalysisErr != nil {
		return nil, p.AnalysisErr
	}
	if p.Analysis != nil {
		return p.Analysis, nil
	}
	return &llm.EmotionalMetrics{Comfort: 5}, nil
}

// Emit pushes a single reply to the stream.
func (p *Provider) Emit(reply llm.Reply) {
	p.replies <- reply
}

// EmitSegments pushes an ordered turn of segments; the final one carries the
// terminal marker.
func (p *Provider) EmitSegments(interactionCount int, texts ...string) {
	p.mu.Lock()
	turn := p.turnID
	p.mu.Unlock()
	for i, text := range texts {
		p.replies <- llm.Reply{
			TurnID:           turn,
			Index:            i,
			Text:             text,
			InteractionCount: interactionCount,
			Last:             i == len(texts)-1,
		}
	}
}

// TurnID returns the current turn counter.
func (p *Provider) TurnID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turnID
}

// CompletionCount returns how many turns have been started.
func (p *Provider) CompletionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Completions)
}

// Cancelled returns how many times Cancel has been called.
func (p *Provider) Cancelled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CancelCalls
}

// LastCompletion returns the most recent user text, or "".
func (p *Provider) LastCompletion() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Completions) == 0 {
		return ""
	}
	return p.Completions[len(p.Completions)-1]
}

// Prompt returns the installed system prompt.
func (p *Provider) Prompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.SystemPrompt
}
