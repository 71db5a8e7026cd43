// Package call hosts one live telephony conversation: the media bridge that
// speaks the vendor's frame protocol, the turn orchestrator that moves
// utterances through STT, the LLM, and TTS, and the function registry the
// model acts through.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hearthline-ai/hearthline/internal/memory"
	"github.com/hearthline-ai/hearthline/internal/news"
	"github.com/hearthline-ai/hearthline/internal/observe"
	"github.com/hearthline-ai/hearthline/pkg/provider/llm"
	"github.com/hearthline-ai/hearthline/pkg/telephony"
)

// TransferFunc hands the call to a human. The production implementation
// updates the call via the telephony vendor's REST API.
type TransferFunc func(ctx context.Context, callID, reason string) error

// Registry binds the model's fixed function set to this call's resources.
// Results are plain sentences: they go straight back into the conversation.
//
// CallID is a getter because the vendor call id only becomes known once the
// stream's start frame arrives, after the registry is built.
type Registry struct {
	CallID   func() string
	Memory   memory.Store
	News     *news.Fetcher
	Marks    *telephony.MarkTracker
	Transfer TransferFunc
	Metrics  *observe.Metrics
	Log      *slog.Logger
}

var _ llm.Functions = (*Registry)(nil)

// Remember implements [llm.Functions].
func (r *Registry) Remember(ctx context.Context, content, category string) (string, error) {
	cat := memory.Category(category)
	if !cat.IsValid() {
		cat = memory.CategoryGeneral
	}
	result, err := r.Memory.Save(ctx, "", content, cat, false)
	if err != nil {
		r.count(ctx, "remember", "error")
		return "", fmt.Errorf("call: remember: %w", err)
	}
	r.count(ctx, "remember", "ok")
	if result.Action == memory.ActionUpdated {
		return fmt.Sprintf("Updated the note %q.", result.Key), nil
	}
	return fmt.Sprintf("Remembered as %q.", result.Key), nil
}

// Recall implements [llm.Functions]. A miss falls through to search so a
// near-miss key from the model still finds the record.
func (r *Registry) Recall(ctx context.Context, key string) (string, error) {
	rec, err := r.Memory.Get(ctx, key)
	if err != nil {
		r.count(ctx, "recall", "error")
		return "", fmt.Errorf("call: recall: %w", err)
	}
	if rec != nil {
		r.count(ctx, "recall", "ok")
		return fmt.Sprintf("%s (%s)", rec.Content, rec.Category), nil
	}

	matches, err := r.Memory.Search(ctx, key)
	if err != nil {
		r.count(ctx, "recall", "error")
		return "", fmt.Errorf("call: recall search: %w", err)
	}
	if len(matches) == 0 {
		r.count(ctx, "recall", "miss")
		return fmt.Sprintf("No memory stored under %q.", key), nil
	}

	r.count(ctx, "recall", "ok")
	var b strings.Builder
	b.WriteString("Closest matches:")
	for _, m := range matches {
		fmt.Fprintf(&b, "\n%s: %s", m.Key, m.Content)
	}
	return b.String(), nil
}

// Forget implements [llm.Functions]. Pipeline calls never pass force, so
// fact records survive.
func (r *Registry) Forget(ctx context.Context, key string) (string, error) {
	result, err := r.Memory.Remove(ctx, key, false)
	if err != nil {
		r.count(ctx, "forget", "error")
		return "", fmt.Errorf("call: forget: %w", err)
	}
	switch result {
	case memory.ResultOK:
		r.count(ctx, "forget", "ok")
		return "Forgotten.", nil
	case memory.ResultProtected:
		r.count(ctx, "forget", "protected")
		return fmt.Sprintf("%q is a protected fact and cannot be removed.", key), nil
	default:
		r.count(ctx, "forget", "miss")
		return fmt.Sprintf("No memory stored under %q.", key), nil
	}
}

// UpdateMemory implements [llm.Functions].
func (r *Registry) UpdateMemory(ctx context.Context, key, content, category string) (string, error) {
	result, err := r.Memory.Update(ctx, key, content, memory.Category(category), false)
	if err != nil {
		r.count(ctx, "update_memory", "error")
		return "", fmt.Errorf("call: update memory: %w", err)
	}
	switch result {
	case memory.ResultOK:
		r.count(ctx, "update_memory", "ok")
		return fmt.Sprintf("Updated %q.", key), nil
	case memory.ResultProtected:
		r.count(ctx, "update_memory", "protected")
		return fmt.Sprintf("%q is a protected fact and cannot be changed.", key), nil
	default:
		r.count(ctx, "update_memory", "miss")
		return fmt.Sprintf("No memory stored under %q.", key), nil
	}
}

// TransferCall implements [llm.Functions]. Queued audio finishes playing
// before the handoff so the caller is not cut off mid-sentence.
func (r *Registry) TransferCall(ctx context.Context, reason string) (string, error) {
	if r.Transfer == nil {
		r.count(ctx, "transfer_call", "unconfigured")
		return "Call transfer is not set up right now.", nil
	}
	if r.Marks != nil {
		if err := r.Marks.WaitForAll(ctx); err != nil {
			r.count(ctx, "transfer_call", "error")
			return "", fmt.Errorf("call: transfer wait: %w", err)
		}
	}
	callID := ""
	if r.CallID != nil {
		callID = r.CallID()
	}
	if err := r.Transfer(ctx, callID, reason); err != nil {
		r.count(ctx, "transfer_call", "error")
		return "", fmt.Errorf("call: transfer: %w", err)
	}
	r.count(ctx, "transfer_call", "ok")
	r.Log.Info("call transferred", "call_id", callID, "reason", reason)
	return "I'm connecting you to someone who can help. Please stay on the line.", nil
}

// GetNews implements [llm.Functions].
func (r *Registry) GetNews(ctx context.Context, category string) (string, error) {
	headlines, err := r.News.Headlines(ctx, category)
	if err != nil {
		r.count(ctx, "get_news", "error")
		return "", fmt.Errorf("call: get news: %w", err)
	}
	r.count(ctx, "get_news", "ok")
	return news.Summary(headlines), nil
}

func (r *Registry) count(ctx context.Context, function, status string) {
	if r.Metrics == nil {
		return
	}
	r.Metrics.FunctionCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("function", function),
		attribute.String("status", status)))
}
