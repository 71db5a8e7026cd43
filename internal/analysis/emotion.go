package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hearthline-ai/hearthline/internal/journal"
	"github.com/hearthline-ai/hearthline/pkg/provider/llm"
)

// emotionTimeout bounds the post-call structured analysis. The call is over
// by then; a slow vendor only delays the care-team record, never teardown.
const emotionTimeout = 60 * time.Second

// EmotionAnalyzer is the slice of the LLM provider the post-call task needs.
type EmotionAnalyzer interface {
	AnalyzeEmotion(ctx context.Context, messages []llm.Message) (*llm.EmotionalMetrics, error)
}

// MetricsSaver is the slice of the journal the post-call task needs.
type MetricsSaver interface {
	SaveEmotionalMetrics(ctx context.Context, conversationID int64, m journal.EmotionalMetrics) error
}

// RunEmotionTask reviews the transcript and persists the emotional metrics.
// Run it on a detached goroutine after the call closes; it carries its own
// timeout and only logs on failure. System entries are excluded from the
// review, the model should judge the caller's words, not the persona.
func RunEmotionTask(log *slog.Logger, analyzer EmotionAnalyzer, saver MetricsSaver, conversationID int64, messages []journal.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), emotionTimeout)
	defer cancel()

	metrics, err := analyzeTranscript(ctx, analyzer, messages)
	if err != nil {
		log.Error("post-call emotional analysis failed", "conversation_id", conversationID, "error", err)
		return
	}

	if err := saver.SaveEmotionalMetrics(ctx, conversationID, *metrics); err != nil {
		log.Error("saving emotional metrics failed", "conversation_id", conversationID, "error", err)
		return
	}
	log.Info("emotional metrics saved",
		"conversation_id", conversationID,
		"anxiety", metrics.Anxiety,
		"comfort", metrics.Comfort,
		"confusion", metrics.Confusion)
}

func analyzeTranscript(ctx context.Context, analyzer EmotionAnalyzer, messages []journal.Message) (*journal.EmotionalMetrics, error) {
	transcript := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == journal.RoleSystem {
			continue
		}
		transcript = append(transcript, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	if len(transcript) == 0 {
		return nil, fmt.Errorf("analysis: transcript has no conversational messages")
	}

	result, err := analyzer.AnalyzeEmotion(ctx, transcript)
	if err != nil {
		return nil, fmt.Errorf("analysis: emotional review: %w", err)
	}

	return &journal.EmotionalMetrics{
		Anxiety:            result.Anxiety,
		Agitation:          result.Agitation,
		Confusion:          result.Confusion,
		Comfort:            result.Comfort,
		MentionsPain:       result.MentionsPain,
		MentionsMedication: result.MentionsMedication,
		MentionsLoneliness: result.MentionsLoneliness,
		Notes:              result.Notes,
	}, nil
}
