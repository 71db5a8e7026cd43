// Package analysis aggregates what happened during a call: the transcript,
// interruption counts, and the post-call emotional review.
//
// The Analyzer is pure in-memory bookkeeping. The orchestrator appends to it
// as the conversation unfolds; nothing is ever removed, an interruption only
// adds a record. Summary generation is local JSON assembly with no network
// I/O, so it cannot fail on vendor weather.
package analysis

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hearthline-ai/hearthline/internal/journal"
)

// Analyzer accumulates conversation events for one call.
type Analyzer struct {
	mu sync.Mutex

	callID    string
	startedAt time.Time

	messages      []journal.Message
	interruptions []time.Time
	userCount     int
	assistantCnt  int
}

// NewAnalyzer creates an Analyzer for a call that started at startedAt.
func NewAnalyzer(callID string, startedAt time.Time) *Analyzer {
	return &Analyzer{callID: callID, startedAt: startedAt}
}

// AddSystem records a system entry, e.g. the persona prompt marker.
func (a *Analyzer) AddSystem(text string, at time.Time) {
	a.append(journal.RoleSystem, text, at)
}

// AddUserUtterance records a finalized transcription.
func (a *Analyzer) AddUserUtterance(text string, at time.Time) {
	a.mu.Lock()
	a.userCount++
	a.mu.Unlock()
	a.append(journal.RoleUser, text, at)
}

// AddAssistantResponse records a spoken assistant segment.
func (a *Analyzer) AddAssistantResponse(text string, at time.Time) {
	a.mu.Lock()
	a.assistantCnt++
	a.mu.Unlock()
	a.append(journal.RoleAssistant, text, at)
}

func (a *Analyzer) append(role journal.Role, text string, at time.Time) {
	if text == "" {
		return
	}
	a.mu.Lock()
	a.messages = append(a.messages, journal.Message{Role: role, Content: text, Timestamp: at})
	a.mu.Unlock()
}

// RecordInterruption notes that the caller barged in at the given time.
// Already-recorded assistant speech stays: the caller heard it.
func (a *Analyzer) RecordInterruption(at time.Time) {
	a.mu.Lock()
	a.interruptions = append(a.interruptions, at)
	a.mu.Unlock()
}

// Messages returns a copy of the transcript in append order.
func (a *Analyzer) Messages() []journal.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]journal.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// Interruptions returns how many times the caller barged in.
func (a *Analyzer) Interruptions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.interruptions)
}

// summaryPayload is the JSON stored on the conversation row.
type summaryPayload struct {
	UserUtterances     int      `json:"user_utterances"`
	AssistantResponses int      `json:"assistant_responses"`
	Interruptions      int      `json:"interruptions"`
	InterruptionTimes  []string `json:"interruption_times,omitempty"`
	DurationSeconds    float64  `json:"duration_seconds"`
}

// Summary assembles the journal record for the call ending at endedAt.
func (a *Analyzer) Summary(endedAt time.Time) (journal.Summary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	times := make([]string, len(a.interruptions))
	for i, t := range a.interruptions {
		times[i] = t.UTC().Format(time.RFC3339)
	}

	payload, err := json.Marshal(summaryPayload{
		UserUtterances:     a.userCount,
		AssistantResponses: a.assistantCnt,
		Interruptions:      len(a.interruptions),
		InterruptionTimes:  times,
		DurationSeconds:    endedAt.Sub(a.startedAt).Seconds(),
	})
	if err != nil {
		return journal.Summary{}, fmt.Errorf("analysis: encode summary: %w", err)
	}

	return journal.Summary{
		CallID:    a.callID,
		StartedAt: a.startedAt,
		EndedAt:   endedAt,
		Duration:  endedAt.Sub(a.startedAt),
		Summary:   payload,
	}, nil
}
