package call

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/hearthline-ai/hearthline/internal/analysis"
	"github.com/hearthline-ai/hearthline/internal/config"
	"github.com/hearthline-ai/hearthline/internal/journal"
	"github.com/hearthline-ai/hearthline/internal/memory"
	"github.com/hearthline-ai/hearthline/internal/observe"
	"github.com/hearthline-ai/hearthline/internal/resilience"
	"github.com/hearthline-ai/hearthline/pkg/provider/llm"
	"github.com/hearthline-ai/hearthline/pkg/provider/stt"
	"github.com/hearthline-ai/hearthline/pkg/provider/tts"
	"github.com/hearthline-ai/hearthline/pkg/telephony"
)

const (
	// interruptionMinChars is the interim length above which caller speech
	// counts as a barge-in. Shorter blips are backchannel ("mm", "yes").
	interruptionMinChars = 5

	// maxPromptKeys caps how many memory keys join the system prompt.
	maxPromptKeys = 40

	persistTimeout = 30 * time.Second

	// apologyGrace gives the apology time to reach the playback queue
	// before waiting for outstanding marks.
	apologyGrace = time.Second

	sttApology = "I'm so sorry, I'm having a little trouble hearing you right now. Could you try calling me back in a few minutes?"
)

// errCallEnded signals normal call termination through the task group.
var errCallEnded = errors.New("call: session ended")

// Journal is the persistence surface the orchestrator writes after a call.
type Journal interface {
	SaveSummary(ctx context.Context, s journal.Summary) (int64, error)
	SaveMessages(ctx context.Context, conversationID int64, msgs []journal.Message) error
	SaveEmotionalMetrics(ctx context.Context, conversationID int64, m journal.EmotionalMetrics) error
}

// OrchestratorConfig wires one call's pipeline.
type OrchestratorConfig struct {
	Bridge  *Bridge
	STT     stt.Provider
	LLM     llm.Provider
	TTS     *tts.Queue
	Marks   *telephony.MarkTracker
	Memory  memory.Store
	Journal Journal
	Persona config.Persona
	Metrics *observe.Metrics
	Logger  *slog.Logger

	// MinimumCallDuration below which nothing is persisted.
	MinimumCallDuration time.Duration
}

// Orchestrator moves one conversation through the pipeline: caller audio in
// through STT, finalized utterances through the LLM, reply segments through
// TTS, synthesized speech back out through the bridge. It owns the barge-in
// rule and the post-call persistence.
type Orchestrator struct {
	cfg OrchestratorConfig
	log *slog.Logger

	group *errgroup.Group

	mu          sync.Mutex
	callID      string
	startedAt   time.Time
	turnStarted time.Time
	interaction int
	// cancelledThrough marks the highest interaction count killed by a
	// barge-in; replies at or below it are stale and must not be spoken.
	cancelledThrough int
	apologized       bool
	analyzer         *analysis.Analyzer
	sttSession       stt.Session
}

// NewOrchestrator creates an Orchestrator for a single call.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{cfg: cfg, log: log}
}

// Run drives the call until the stream stops, the peer disconnects, or ctx
// is cancelled, then tears down and persists. Blocking; returns after
// teardown (persistence itself is detached).
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	o.group = g

	g.Go(func() error { return o.cfg.Bridge.Run(gctx) })
	g.Go(func() error { return o.eventLoop(gctx) })
	g.Go(func() error { return o.pumpReplies(gctx) })
	g.Go(func() error { return o.pumpSpeech(gctx) })
	g.Go(func() error { return o.pumpCleared(gctx) })

	err := g.Wait()
	o.teardown(time.Now())

	if err != nil && !errors.Is(err, errCallEnded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ─── Inbound events ─────────────────────────────────────────────────────────

func (o *Orchestrator) eventLoop(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-o.cfg.Bridge.Events():
			if !ok {
				return errCallEnded
			}
			switch ev.Kind {
			case EventStarted:
				if err := o.begin(ctx, ev.Start); err != nil {
					return err
				}
			case EventAudio:
				if s := o.session(); s != nil {
					if err := s.SendAudio(ev.Audio); err != nil {
						o.log.Debug("audio frame dropped", "error", err)
					}
				}
			case EventMarkAck:
				// The bridge already removed the label.
			case EventStopped:
				return errCallEnded
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// begin initializes the session on the start frame: STT stream, system
// prompt, greeting.
func (o *Orchestrator) begin(ctx context.Context, start *telephony.StartInfo) error {
	now := time.Now()

	o.mu.Lock()
	o.callID = start.CallSID
	o.startedAt = now
	o.analyzer = analysis.NewAnalyzer(start.CallSID, now)
	analyzer := o.analyzer
	o.mu.Unlock()

	o.log.Info("call started", "call_id", start.CallSID, "stream_sid", start.StreamSID)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ActiveCalls.Add(ctx, 1)
	}

	o.cfg.LLM.SetSystemPrompt(o.systemPrompt(ctx))

	sess, err := o.cfg.STT.Start(ctx, stt.StreamConfig{
		SampleRate: 8000,
		Encoding:   "mulaw",
		Language:   "en",
	})
	if err != nil {
		o.log.Error("transcription stream failed to start", "call_id", start.CallSID, "error", err)
		o.apologize(ctx)
		return nil
	}

	o.mu.Lock()
	o.sttSession = sess
	o.mu.Unlock()

	o.group.Go(func() error { return o.pumpInterims(ctx, sess) })
	o.group.Go(func() error { return o.pumpFinals(ctx, sess) })
	o.group.Go(func() error { return o.watchSTT(ctx, sess) })

	greeting := o.cfg.Persona.Greetings[rand.IntN(len(o.cfg.Persona.Greetings))]
	analyzer.AddAssistantResponse(greeting, now)
	if err := o.cfg.TTS.Generate(tts.Segment{Index: 0, Text: greeting}); err != nil {
		o.log.Warn("greeting synthesis rejected", "error", err)
	}
	return nil
}

// systemPrompt builds persona plus a bounded listing of stored memory keys
// so the model knows what it can recall.
func (o *Orchestrator) systemPrompt(ctx context.Context) string {
	prompt := o.cfg.Persona.SystemPrompt
	if o.cfg.Memory == nil {
		return prompt
	}

	keys, err := o.cfg.Memory.ListKeys(ctx)
	if err != nil {
		o.log.Warn("listing memory keys failed", "error", err)
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	remaining := maxPromptKeys
	if len(keys.Facts) > 0 {
		if len(keys.Facts) > remaining {
			keys.Facts = keys.Facts[:remaining]
		}
		remaining -= len(keys.Facts)
		b.WriteString("\n\nCore facts you know (recall before answering): ")
		b.WriteString(strings.Join(keys.Facts, ", "))
	}
	if len(keys.Memories) > 0 && remaining > 0 {
		if len(keys.Memories) > remaining {
			keys.Memories = keys.Memories[:remaining]
		}
		b.WriteString("\nOther memories you can recall: ")
		b.WriteString(strings.Join(keys.Memories, ", "))
	}
	return b.String()
}

// ─── STT streams ────────────────────────────────────────────────────────────

func (o *Orchestrator) pumpInterims(ctx context.Context, sess stt.Session) error {
	for {
		select {
		case text, ok := <-sess.Interims():
			if !ok {
				return nil
			}
			if utf8.RuneCountInString(strings.TrimSpace(text)) > interruptionMinChars && !o.cfg.Marks.Empty() {
				o.interrupt(ctx, sess)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (o *Orchestrator) pumpFinals(ctx context.Context, sess stt.Session) error {
	for {
		select {
		case text, ok := <-sess.Finals():
			if !ok {
				return nil
			}
			o.handleFinal(ctx, text)
		case <-ctx.Done():
			return nil
		}
	}
}

// handleFinal starts a new turn. Completion implicitly cancels the previous
// turn, so at most one streams at a time.
func (o *Orchestrator) handleFinal(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	now := time.Now()

	o.mu.Lock()
	if o.analyzer == nil {
		o.mu.Unlock()
		return
	}
	o.interaction++
	interaction := o.interaction
	o.turnStarted = now
	analyzer := o.analyzer
	o.mu.Unlock()

	analyzer.AddUserUtterance(text, now)
	o.log.Debug("user turn", "interaction", interaction, "text", text)

	if err := o.cfg.LLM.Completion(ctx, text, interaction); err != nil {
		o.log.Error("starting completion failed", "interaction", interaction, "error", err)
	}
}

// interrupt applies the barge-in rule: flush vendor playback, drop queued
// synthesis, cancel the streaming turn, forget outstanding marks. Already
// recorded transcript entries stay.
func (o *Orchestrator) interrupt(ctx context.Context, sess stt.Session) {
	o.log.Info("caller barge-in", "call_id", o.CallID())
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.Interruptions.Add(ctx, 1)
	}

	o.mu.Lock()
	o.cancelledThrough = o.interaction
	analyzer := o.analyzer
	o.mu.Unlock()
	if analyzer != nil {
		analyzer.RecordInterruption(time.Now())
	}

	if err := o.cfg.Bridge.SendClear(ctx); err != nil {
		o.log.Warn("clear frame failed", "error", err)
	}
	sess.ClearBuffers()
	o.cfg.TTS.Clear("interruption")
	o.cfg.LLM.Cancel()
	o.cfg.Marks.Clear()
}

// watchSTT ends the call gracefully when transcription dies for good: one
// spoken apology, a grace period to let it play, then hang up.
func (o *Orchestrator) watchSTT(ctx context.Context, sess stt.Session) error {
	select {
	case <-sess.Done():
	case <-ctx.Done():
		return nil
	}
	if sess.Err() == nil {
		return nil
	}

	o.log.Error("transcription stream died", "call_id", o.CallID(), "error", sess.Err())
	o.apologize(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = resilience.Sleep(waitCtx, apologyGrace)
	_ = o.cfg.Marks.WaitForAll(waitCtx)
	return errCallEnded
}

// apologize speaks the STT-failure apology at most once per call.
func (o *Orchestrator) apologize(ctx context.Context) {
	o.mu.Lock()
	if o.apologized {
		o.mu.Unlock()
		return
	}
	o.apologized = true
	interaction := o.interaction
	analyzer := o.analyzer
	o.mu.Unlock()

	if analyzer != nil {
		analyzer.AddAssistantResponse(sttApology, time.Now())
	}
	if err := o.cfg.TTS.Generate(tts.Segment{Index: 0, Text: sttApology, InteractionCount: interaction}); err != nil {
		o.log.Warn("apology synthesis rejected", "error", err)
	}
}

// ─── Outbound streams ───────────────────────────────────────────────────────

func (o *Orchestrator) pumpReplies(ctx context.Context) error {
	for {
		select {
		case reply, ok := <-o.cfg.LLM.Replies():
			if !ok {
				return nil
			}
			o.handleReply(ctx, reply)
		case <-ctx.Done():
			return nil
		}
	}
}

// handleReply forwards one streamed segment to synthesis. Segments from a
// turn killed by a barge-in may still sit buffered in the reply channel when
// the interruption lands; those are dropped here rather than spoken late.
func (o *Orchestrator) handleReply(ctx context.Context, reply llm.Reply) {
	o.mu.Lock()
	stale := reply.InteractionCount <= o.cancelledThrough
	o.mu.Unlock()
	if stale {
		o.log.Debug("dropping segment from interrupted turn",
			"interaction", reply.InteractionCount, "index", reply.Index)
		return
	}

	if reply.Text != "" {
		o.mu.Lock()
		analyzer := o.analyzer
		o.mu.Unlock()
		if analyzer != nil {
			analyzer.AddAssistantResponse(reply.Text, time.Now())
		}
		if err := o.cfg.TTS.Generate(tts.Segment{
			Index:            reply.Index,
			Text:             reply.Text,
			InteractionCount: reply.InteractionCount,
		}); err != nil {
			o.log.Warn("segment synthesis rejected", "index", reply.Index, "error", err)
		}
	}

	if reply.Last && o.cfg.Metrics != nil {
		o.mu.Lock()
		started := o.turnStarted
		o.mu.Unlock()
		if !started.IsZero() {
			o.cfg.Metrics.LLMTurnDuration.Record(ctx, time.Since(started).Seconds())
		}
	}
}

func (o *Orchestrator) pumpSpeech(ctx context.Context) error {
	for {
		select {
		case sp, ok := <-o.cfg.TTS.Speeches():
			if !ok {
				return nil
			}
			if _, err := o.cfg.Bridge.SendSpeech(ctx, sp.Audio); err != nil {
				o.log.Warn("sending speech failed", "index", sp.Index, "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (o *Orchestrator) pumpCleared(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-o.cfg.TTS.Cleared():
			if !ok {
				return nil
			}
			o.log.Info("playback queue cleared", "reason", ev.Reason, "dropped", ev.Dropped)
		case <-ctx.Done():
			return nil
		}
	}
}

// ─── Teardown and persistence ───────────────────────────────────────────────

func (o *Orchestrator) teardown(endedAt time.Time) {
	o.mu.Lock()
	analyzer := o.analyzer
	callID := o.callID
	startedAt := o.startedAt
	sess := o.sttSession
	o.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	o.cfg.LLM.Cancel()
	_ = o.cfg.TTS.Close()
	o.cfg.Marks.Clear()

	if analyzer == nil {
		return
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ActiveCalls.Add(context.Background(), -1)
	}

	duration := endedAt.Sub(startedAt)
	o.log.Info("call ended", "call_id", callID, "duration", duration)

	if duration < o.cfg.MinimumCallDuration {
		o.log.Info("skipping persistence for short call",
			"call_id", callID, "duration", duration, "minimum", o.cfg.MinimumCallDuration)
		return
	}
	if o.cfg.Journal == nil {
		return
	}

	summary, err := analyzer.Summary(endedAt)
	if err != nil {
		o.log.Error("assembling call summary failed", "call_id", callID, "error", err)
		return
	}

	// Detached: teardown never waits on the database or the analysis vendor.
	go o.persist(summary, analyzer.Messages())
}

func (o *Orchestrator) persist(summary journal.Summary, messages []journal.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	start := time.Now()
	id, err := o.cfg.Journal.SaveSummary(ctx, summary)
	if err != nil {
		o.log.Error("saving call summary failed", "call_id", summary.CallID, "error", err)
		return
	}
	if err := o.cfg.Journal.SaveMessages(ctx, id, messages); err != nil {
		o.log.Error("saving transcript failed", "call_id", summary.CallID, "error", err)
		return
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.JournalSaveDuration.Record(ctx, time.Since(start).Seconds())
	}
	o.log.Info("conversation saved", "call_id", summary.CallID, "conversation_id", id, "messages", len(messages))

	analysis.RunEmotionTask(o.log, o.cfg.LLM, o.cfg.Journal, id, messages)
}

// ─── Accessors ──────────────────────────────────────────────────────────────

func (o *Orchestrator) session() stt.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sttSession
}

// CallID returns the vendor call id, or "" before the start frame.
func (o *Orchestrator) CallID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.callID
}
