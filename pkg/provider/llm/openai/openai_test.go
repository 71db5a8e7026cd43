package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hearthline-ai/hearthline/pkg/provider/llm"
)

// stubFuncs records registry invocations and returns canned results.
type stubFuncs struct {
	calls   []string
	results map[string]string
}

func (s *stubFuncs) record(name string) string {
	s.calls = append(s.calls, name)
	if r, ok := s.results[name]; ok {
		return r
	}
	return "ok"
}

func (s *stubFuncs) Remember(ctx context.Context, content, category string) (string, error) {
	return s.record("remember:" + content + ":" + category), nil
}
func (s *stubFuncs) Recall(ctx context.Context, key string) (string, error) {
	return s.record("recall:" + key), nil
}
func (s *stubFuncs) Forget(ctx context.Context, key string) (string, error) {
	return s.record("forget:" + key), nil
}
func (s *stubFuncs) UpdateMemory(ctx context.Context, key, content, category string) (string, error) {
	return s.record("update:" + key), nil
}
func (s *stubFuncs) TransferCall(ctx context.Context, reason string) (string, error) {
	return s.record("transfer:" + reason), nil
}
func (s *stubFuncs) GetNews(ctx context.Context, category string) (string, error) {
	return s.record("news:" + category), nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts = append(opts, WithBaseURL(srv.URL))
	c, err := New("test-key", "gpt-4o-mini", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// writeSSE streams chat completion chunks in server-sent-event framing.
func writeSSE(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, chunk := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", chunk)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func contentChunk(text string) string {
	return fmt.Sprintf(`{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q}}]}`, text)
}

const stopChunk = `{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`

func waitReply(t *testing.T, c *Client) llm.Reply {
	t.Helper()
	select {
	case r := <-c.Replies():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return llm.Reply{}
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestSegmenter_Feed(t *testing.T) {
	seg := &segmenter{turnID: 3, interactionCount: 2}

	if got := seg.feed("Hello the"); got != nil {
		t.Fatalf("partial delta emitted %v", got)
	}
	replies := seg.feed("re • how are you • to")
	if len(replies) != 2 {
		t.Fatalf("got %d segments, want 2", len(replies))
	}
	if replies[0].Text != "Hello there" || replies[0].Index != 0 {
		t.Errorf("segment 0 = %+v", replies[0])
	}
	if replies[1].Text != "how are you" || replies[1].Index != 1 {
		t.Errorf("segment 1 = %+v", replies[1])
	}
	for _, r := range replies {
		if r.TurnID != 3 || r.InteractionCount != 2 || r.Last {
			t.Errorf("segment metadata = %+v", r)
		}
	}

	last := seg.finish()
	if last.Text != "to" || !last.Last || last.Index != 2 {
		t.Errorf("terminal segment = %+v", last)
	}
}

func TestSegmenter_EmptyTrailingSegment(t *testing.T) {
	seg := &segmenter{}
	seg.feed("All done •")
	last := seg.finish()
	if last.Text != "" || !last.Last {
		t.Errorf("terminal segment = %+v, want empty with Last", last)
	}
}

func TestSegmenter_SkipsBlankParts(t *testing.T) {
	seg := &segmenter{}
	replies := seg.feed("one • • two •")
	if len(replies) != 2 {
		t.Fatalf("got %d segments, want 2 (blank skipped)", len(replies))
	}
	if replies[0].Text != "one" || replies[1].Text != "two" {
		t.Errorf("segments = %q, %q", replies[0].Text, replies[1].Text)
	}
}

func TestCompletion_StreamsSegments(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			contentChunk("Hello"),
			contentChunk(" there • I was just"),
			contentChunk(" thinking about you."),
			stopChunk,
		)
	})

	if err := c.Completion(context.Background(), "Hi love", 1); err != nil {
		t.Fatalf("Completion: %v", err)
	}

	first := waitReply(t, c)
	if first.Text != "Hello there" || first.Last {
		t.Errorf("first reply = %+v", first)
	}
	second := waitReply(t, c)
	if second.Text != "I was just thinking about you." || !second.Last {
		t.Errorf("second reply = %+v", second)
	}
	if second.Index != first.Index+1 {
		t.Errorf("indices %d, %d not consecutive", first.Index, second.Index)
	}
}

func TestCompletion_ToolCallRoundTrip(t *testing.T) {
	var requests atomic.Int32
	funcs := &stubFuncs{results: map[string]string{"news:world": "Sunny skies expected."}}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		body, _ := io.ReadAll(r.Body)
		switch n {
		case 1:
			writeSSE(w,
				`{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_news","arguments":""}}]}}]}`,
				`{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"category\":\"world\"}"}}]}}]}`,
				`{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			)
		case 2:
			// The follow-up request must carry the tool result.
			if !strings.Contains(string(body), "Sunny skies expected.") {
				t.Errorf("follow-up request missing tool result: %s", body)
			}
			writeSSE(w,
				contentChunk("The weather sounds lovely today."),
				stopChunk,
			)
		}
	}, WithFunctions(funcs))

	if err := c.Completion(context.Background(), "Any news?", 1); err != nil {
		t.Fatalf("Completion: %v", err)
	}

	reply := waitReply(t, c)
	if reply.Text != "The weather sounds lovely today." || !reply.Last {
		t.Errorf("reply = %+v", reply)
	}
	if len(funcs.calls) != 1 || funcs.calls[0] != "news:world" {
		t.Errorf("function calls = %v, want [news:world]", funcs.calls)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

func TestCompletion_EmptyTextRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	if err := c.Completion(context.Background(), "   ", 1); err == nil {
		t.Fatal("expected error for empty user text")
	}
}

func TestEmit_DropsStaleTurn(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	c.mu.Lock()
	c.turnID = 5
	c.mu.Unlock()

	if c.emit(context.Background(), llm.Reply{TurnID: 4, Text: "stale"}) {
		t.Error("stale reply was emitted")
	}
	if !c.emit(context.Background(), llm.Reply{TurnID: 5, Text: "live"}) {
		t.Error("live reply was dropped")
	}
	select {
	case r := <-c.Replies():
		if r.Text != "live" {
			t.Errorf("got %q, want live reply only", r.Text)
		}
	default:
		t.Error("live reply missing from stream")
	}
}

func TestEmit_FullBufferUnblocksOnCancel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	// Fill the reply buffer with nobody consuming, as after call teardown.
	for i := 0; i < replyBuffer; i++ {
		if !c.emit(context.Background(), llm.Reply{TurnID: 0, Index: i}) {
			t.Fatalf("emit %d rejected with space left", i)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan bool, 1)
	go func() { done <- c.emit(ctx, llm.Reply{TurnID: 0, Index: replyBuffer}) }()

	select {
	case ok := <-done:
		if ok {
			t.Error("emit reported delivery into a full buffer")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked despite cancelled turn")
	}
}

func TestInvoke_Dispatch(t *testing.T) {
	funcs := &stubFuncs{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, WithFunctions(funcs))

	tests := []struct {
		name string
		args string
		want string
	}{
		{toolRemember, `{"content":"Susan visits Sundays","category":"family"}`, "remember:Susan visits Sundays:family"},
		{toolRecall, `{"key":"daughter-susan"}`, "recall:daughter-susan"},
		{toolForget, `{"key":"old-address"}`, "forget:old-address"},
		{toolUpdateMemory, `{"key":"daughter-susan","content":"moved to Leeds"}`, "update:daughter-susan"},
		{toolTransferCall, `{"reason":"caller distressed"}`, "transfer:caller distressed"},
		{toolGetNews, `{"category":"local"}`, "news:local"},
	}
	for _, tt := range tests {
		if _, err := c.invoke(context.Background(), toolCall{Name: tt.name, Arguments: tt.args}); err != nil {
			t.Fatalf("invoke(%s): %v", tt.name, err)
		}
	}
	for i, tt := range tests {
		if funcs.calls[i] != tt.want {
			t.Errorf("call %d = %q, want %q", i, funcs.calls[i], tt.want)
		}
	}
}

func TestInvoke_UnknownFunction(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, WithFunctions(&stubFuncs{}))
	if _, err := c.invoke(context.Background(), toolCall{Name: "reboot"}); err == nil {
		t.Fatal("expected error for unknown function")
	}
}

func TestInvoke_NoRegistry(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	if _, err := c.invoke(context.Background(), toolCall{Name: toolGetNews}); err == nil {
		t.Fatal("expected error without registry")
	}
}

func TestGenerateKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"daughter-susan-visits"}}]}`)
	})

	key, err := c.GenerateKey(context.Background(), "Her daughter Susan visits every Sunday")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if key != "daughter-susan-visits" {
		t.Errorf("key = %q", key)
	}
}

func TestAnalyzeEmotion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "emotional_analysis") {
			t.Errorf("request missing structured output schema: %s", body)
		}
		result := `{"anxiety":2,"agitation":1,"confusion":4,"comfort":7,"mentions_pain":false,"mentions_medication":true,"mentions_loneliness":false,"notes":"Calm overall, asked about pills twice."}`
		payload, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": result}},
			},
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
	})

	metrics, err := c.AnalyzeEmotion(context.Background(), []llm.Message{
		{Role: "user", Content: "I cannot find my pills"},
		{Role: "assistant", Content: "They are in the kitchen drawer, remember?"},
	})
	if err != nil {
		t.Fatalf("AnalyzeEmotion: %v", err)
	}
	if metrics.Confusion != 4 || metrics.Comfort != 7 || !metrics.MentionsMedication {
		t.Errorf("metrics = %+v", metrics)
	}
}

func TestAnalyzeEmotion_EmptyTranscript(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	if _, err := c.AnalyzeEmotion(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty transcript")
	}
}

func TestToolDefinitions_CompleteRegistry(t *testing.T) {
	defs := toolDefinitions()
	want := []string{toolRemember, toolRecall, toolForget, toolUpdateMemory, toolTransferCall, toolGetNews}
	if len(defs) != len(want) {
		t.Fatalf("got %d tools, want %d", len(defs), len(want))
	}
	for i, name := range want {
		if defs[i].Function.Name != name {
			t.Errorf("tool %d = %q, want %q", i, defs[i].Function.Name, name)
		}
	}
}
