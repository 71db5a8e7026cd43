// Package openai implements llm.Provider using the OpenAI chat completions
// API.
//
// One Client holds one conversation. Turns stream: content deltas are split
// on the segment delimiter and emitted as soon as each part completes, and
// tool calls are accumulated across deltas, dispatched through the function
// registry, and their results fed back into the same turn.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/hearthline-ai/hearthline/pkg/provider/llm"
)

const (
	defaultModel = "gpt-4o-mini"

	// maxToolRounds bounds consecutive tool-call loops within one turn so a
	// confused model cannot spin forever.
	maxToolRounds = 5

	replyBuffer = 32
)

// config holds optional configuration for the Client.
type config struct {
	baseURL string
	timeout time.Duration
	funcs   llm.Functions
	log     *slog.Logger
}

// Option is a functional option for Client.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithFunctions installs the tool registry the model may invoke.
func WithFunctions(funcs llm.Functions) Option {
	return func(c *config) { c.funcs = funcs }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// Client implements llm.Provider against the OpenAI API. It owns the
// conversation history for one call.
type Client struct {
	client oai.Client
	model  string
	funcs  llm.Functions
	log    *slog.Logger

	replies chan llm.Reply

	mu         sync.Mutex
	system     string
	history    []oai.ChatCompletionMessageParamUnion
	turnID     int
	cancelTurn context.CancelFunc
}

var _ llm.Provider = (*Client)(nil)

// New constructs a Client. apiKey must be non-empty; an empty model selects
// the default.
func New(apiKey, model string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}

	cfg := &config{log: slog.Default()}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Client{
		client:  oai.NewClient(reqOpts...),
		model:   model,
		funcs:   cfg.funcs,
		log:     cfg.log,
		replies: make(chan llm.Reply, replyBuffer),
	}, nil
}

// SetSystemPrompt implements [llm.Provider].
func (c *Client) SetSystemPrompt(prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.system = prompt
}

// Replies implements [llm.Provider].
func (c *Client) Replies() <-chan llm.Reply {
	return c.replies
}

// Cancel implements [llm.Provider]. Bumping the turn id makes any late
// events from the aborted stream stale, so they are dropped on emission.
func (c *Client) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
}

func (c *Client) cancelLocked() {
	if c.cancelTurn != nil {
		c.cancelTurn()
		c.cancelTurn = nil
	}
	c.turnID++
}

// Completion implements [llm.Provider]. The user message joins the history
// immediately; the assistant reply joins it only if the turn survives to the
// end uncancelled.
func (c *Client) Completion(ctx context.Context, userText string, interactionCount int) error {
	if strings.TrimSpace(userText) == "" {
		return fmt.Errorf("openai: completion: empty user text")
	}

	c.mu.Lock()
	c.cancelLocked()
	turn := c.turnID
	c.history = append(c.history, oai.UserMessage(userText))

	turnCtx, cancel := context.WithCancel(ctx)
	c.cancelTurn = cancel

	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(c.history)+1)
	if c.system != "" {
		msgs = append(msgs, oai.SystemMessage(c.system))
	}
	msgs = append(msgs, c.history...)
	c.mu.Unlock()

	go c.runTurn(turnCtx, turn, interactionCount, msgs)
	return nil
}

// runTurn streams one turn, looping through tool-call rounds until the model
// produces a plain stop.
func (c *Client) runTurn(ctx context.Context, turn, interactionCount int, msgs []oai.ChatCompletionMessageParamUnion) {
	seg := segmenter{turnID: turn, interactionCount: interactionCount}

	for round := 0; round <= maxToolRounds; round++ {
		finish, calls, err := c.streamOnce(ctx, &seg, msgs)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Error("completion stream failed", "turn", turn, "error", err)
			}
			return
		}

		if finish == "tool_calls" && len(calls) > 0 {
			results := c.dispatch(ctx, calls)
			msgs = append(msgs, assistantToolCallMessage(calls))
			for i, tc := range calls {
				msgs = append(msgs, oai.ToolMessage(results[i], tc.ID))
			}
			continue
		}

		// Plain stop: flush the trailing segment with the terminal marker
		// and commit the assistant text to the shared history.
		last := seg.finish()
		if !c.emit(ctx, last) {
			return
		}

		c.mu.Lock()
		if c.turnID == turn {
			full := strings.TrimSpace(seg.fullText.String())
			if full != "" {
				asst := oai.ChatCompletionAssistantMessageParam{}
				asst.Content.OfString = oai.String(full)
				c.history = append(c.history, oai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
			}
		}
		c.mu.Unlock()
		return
	}

	c.log.Warn("turn exceeded tool-call round limit", "turn", turn, "limit", maxToolRounds)
}

// toolCall is one accumulated function invocation from the stream.
type toolCall struct {
	ID        string
	Name      string
	Arguments string
}

// streamOnce runs a single streaming request, emitting completed segments as
// content arrives and accumulating tool-call fragments keyed by delta index.
func (c *Client) streamOnce(ctx context.Context, seg *segmenter, msgs []oai.ChatCompletionMessageParamUnion) (finish string, calls []toolCall, err error) {
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: msgs,
	}
	if c.funcs != nil {
		params.Tools = toolDefinitions()
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	accum := map[int]*toolCall{}

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			for _, reply := range seg.feed(choice.Delta.Content) {
				if !c.emit(ctx, reply) {
					return "", nil, fmt.Errorf("openai: stream: turn cancelled")
				}
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := int(tc.Index)
			existing, ok := accum[idx]
			if !ok {
				existing = &toolCall{}
				accum[idx] = existing
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.Name = tc.Function.Name
			}
			existing.Arguments += tc.Function.Arguments
		}

		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}
	if err := stream.Err(); err != nil {
		return "", nil, fmt.Errorf("openai: stream: %w", err)
	}

	for i := 0; i < len(accum); i++ {
		if tc, ok := accum[i]; ok {
			calls = append(calls, *tc)
		}
	}
	return finish, calls, nil
}

// dispatch runs the accumulated tool calls in order and returns one result
// string per call. Failures become result text so the model can recover
// conversationally instead of the turn dying.
func (c *Client) dispatch(ctx context.Context, calls []toolCall) []string {
	results := make([]string, len(calls))
	for i, tc := range calls {
		result, err := c.invoke(ctx, tc)
		if err != nil {
			c.log.Warn("function call failed", "function", tc.Name, "error", err)
			result = fmt.Sprintf("error: %v", err)
		}
		results[i] = result
	}
	return results
}

// assistantToolCallMessage records the model's tool invocations in the
// message list so the follow-up request is well-formed.
func assistantToolCallMessage(calls []toolCall) oai.ChatCompletionMessageParamUnion {
	asst := oai.ChatCompletionAssistantMessageParam{}
	for _, tc := range calls {
		asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: oai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}

// emit delivers a reply unless its turn has been cancelled in the meantime.
// The send races turn cancellation so a full buffer with no consumer (call
// teardown) cannot strand the turn goroutine. Reports whether the turn is
// still live.
func (c *Client) emit(ctx context.Context, reply llm.Reply) bool {
	c.mu.Lock()
	live := c.turnID == reply.TurnID
	c.mu.Unlock()
	if !live {
		return false
	}
	select {
	case c.replies <- reply:
		return true
	case <-ctx.Done():
		return false
	}
}

// ─── Segmentation ───────────────────────────────────────────────────────────

// segmenter splits streamed content on the segment delimiter, keeping the
// raw text for the history.
type segmenter struct {
	turnID           int
	interactionCount int

	buf      strings.Builder
	fullText strings.Builder
	index    int
}

// feed consumes a content delta and returns any segments it completed.
func (s *segmenter) feed(delta string) []llm.Reply {
	s.fullText.WriteString(delta)
	s.buf.WriteString(delta)

	if !strings.ContainsRune(s.buf.String(), llm.SegmentDelimiter) {
		return nil
	}

	parts := strings.Split(s.buf.String(), string(llm.SegmentDelimiter))
	s.buf.Reset()
	s.buf.WriteString(parts[len(parts)-1])

	var out []llm.Reply
	for _, part := range parts[:len(parts)-1] {
		text := strings.TrimSpace(part)
		if text == "" {
			continue
		}
		out = append(out, llm.Reply{
			TurnID:           s.turnID,
			Index:            s.index,
			Text:             text,
			InteractionCount: s.interactionCount,
		})
		s.index++
	}
	return out
}

// finish flushes whatever trails the last delimiter as the terminal segment.
// Emitted even when empty so consumers see every turn end.
func (s *segmenter) finish() llm.Reply {
	reply := llm.Reply{
		TurnID:           s.turnID,
		Index:            s.index,
		Text:             strings.TrimSpace(s.buf.String()),
		InteractionCount: s.interactionCount,
		Last:             true,
	}
	s.index++
	s.buf.Reset()
	return reply
}

// ─── Auxiliary completions ──────────────────────────────────────────────────

const keygenPrompt = `Produce a short, stable identifier for the following note about a person's life. Use 2-5 lowercase words joined by hyphens, most distinctive words first. Reply with the identifier only.`

// GenerateKey implements the memory store's key generator: a small
// non-streaming completion that names a note. The store normalizes and
// falls back on its own if this fails.
func (c *Client) GenerateKey(ctx context.Context, content string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(keygenPrompt),
			oai.UserMessage(content),
		},
		MaxCompletionTokens: param.NewOpt(int64(20)),
	})
	if err != nil {
		return "", fmt.Errorf("openai: generate key: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: generate key: empty choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

const analysisPrompt = `You review a phone conversation between an elderly caller and their companion. Rate the caller's emotional state on 0-10 scales and flag concrete mentions. Base every rating on what the caller actually said.`

// AnalyzeEmotion implements [llm.Provider] with a structured-output
// completion over the transcript.
func (c *Client) AnalyzeEmotion(ctx context.Context, messages []llm.Message) (*llm.EmotionalMetrics, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("openai: analyze emotion: empty transcript")
	}

	transcript, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("openai: analyze emotion: encode transcript: %w", err)
	}

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(analysisPrompt),
			oai.UserMessage(string(transcript)),
		},
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "emotional_analysis",
					Strict: param.NewOpt(true),
					Schema: analysisSchema,
				},
			},
		},
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: analyze emotion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: analyze emotion: empty choices")
	}

	var metrics llm.EmotionalMetrics
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &metrics); err != nil {
		return nil, fmt.Errorf("openai: analyze emotion: decode result: %w", err)
	}
	return &metrics, nil
}

var analysisSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"anxiety":             scaleProperty("Anxiety level of the caller"),
		"agitation":           scaleProperty("Agitation level of the caller"),
		"confusion":           scaleProperty("Confusion level of the caller"),
		"comfort":             scaleProperty("Comfort level of the caller"),
		"mentions_pain":       map[string]any{"type": "boolean", "description": "Caller mentioned physical pain"},
		"mentions_medication": map[string]any{"type": "boolean", "description": "Caller mentioned medication"},
		"mentions_loneliness": map[string]any{"type": "boolean", "description": "Caller mentioned feeling lonely"},
		"notes":               map[string]any{"type": "string", "description": "One or two sentences for the care team"},
	},
	"required": []string{
		"anxiety", "agitation", "confusion", "comfort",
		"mentions_pain", "mentions_medication", "mentions_loneliness", "notes",
	},
	"additionalProperties": false,
}

func scaleProperty(description string) map[string]any {
	return map[string]any{
		"type":        "integer",
		"minimum":     0,
		"maximum":     10,
		"description": description,
	}
}
