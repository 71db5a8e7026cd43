package call

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hearthline-ai/hearthline/internal/memory"
	"github.com/hearthline-ai/hearthline/internal/news"
	"github.com/hearthline-ai/hearthline/pkg/telephony"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := memory.NewSQLStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	return &Registry{
		CallID: func() string { return "CA123" },
		Memory: store,
		Marks:  telephony.NewMarkTracker(),
		Log:    slog.Default(),
	}
}

func TestRegistry_RememberAndRecall(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	reply, err := r.Remember(ctx, "Her daughter Susan visits every Sunday", "family")
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if !strings.Contains(reply, "Remembered as") {
		t.Errorf("remember reply = %q", reply)
	}

	reply, err = r.Recall(ctx, "her-daughter-susan-visits-every")
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if !strings.Contains(reply, "Susan visits every Sunday") {
		t.Errorf("recall reply = %q", reply)
	}
}

func TestRegistry_RecallFallsBackToSearch(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Memory.Save(ctx, "daughter-susan", "Susan lives in Leeds", memory.CategoryFamily, false); err != nil {
		t.Fatal(err)
	}

	reply, err := r.Recall(ctx, "susan")
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if !strings.Contains(reply, "daughter-susan") {
		t.Errorf("recall reply = %q, want search match", reply)
	}

	reply, err = r.Recall(ctx, "nonexistent-topic")
	if err != nil {
		t.Fatalf("Recall miss: %v", err)
	}
	if !strings.Contains(reply, "No memory stored") {
		t.Errorf("miss reply = %q", reply)
	}
}

func TestRegistry_ForgetRespectsProtection(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Memory.Save(ctx, "husband-name", "Her late husband was called Arthur", memory.CategoryFamily, true); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Memory.Save(ctx, "likes-tea", "Prefers strong tea with milk", memory.CategoryPreferences, false); err != nil {
		t.Fatal(err)
	}

	reply, err := r.Forget(ctx, "husband-name")
	if err != nil {
		t.Fatalf("Forget protected: %v", err)
	}
	if !strings.Contains(reply, "protected") {
		t.Errorf("protected reply = %q", reply)
	}
	if rec, _ := r.Memory.Get(ctx, "husband-name"); rec == nil {
		t.Error("protected record was removed")
	}

	reply, err = r.Forget(ctx, "likes-tea")
	if err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if reply != "Forgotten." {
		t.Errorf("forget reply = %q", reply)
	}
}

func TestRegistry_UpdateMemory(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Memory.Save(ctx, "daughter-susan", "Susan lives in York", memory.CategoryFamily, false); err != nil {
		t.Fatal(err)
	}

	reply, err := r.UpdateMemory(ctx, "daughter-susan", "Susan moved to Leeds", "")
	if err != nil {
		t.Fatalf("UpdateMemory: %v", err)
	}
	if !strings.Contains(reply, "Updated") {
		t.Errorf("update reply = %q", reply)
	}

	reply, err = r.UpdateMemory(ctx, "no-such-key", "content", "")
	if err != nil {
		t.Fatalf("UpdateMemory miss: %v", err)
	}
	if !strings.Contains(reply, "No memory stored") {
		t.Errorf("miss reply = %q", reply)
	}
}

func TestRegistry_TransferWaitsForPlayback(t *testing.T) {
	r := newTestRegistry(t)

	var mu sync.Mutex
	var transferred bool
	r.Transfer = func(ctx context.Context, callID, reason string) error {
		mu.Lock()
		defer mu.Unlock()
		transferred = true
		if callID != "CA123" {
			t.Errorf("transfer call id = %q", callID)
		}
		return nil
	}

	r.Marks.Add("in-flight")
	done := make(chan string, 1)
	go func() {
		reply, err := r.TransferCall(context.Background(), "caller asked for Susan")
		if err != nil {
			t.Errorf("TransferCall: %v", err)
		}
		done <- reply
	}()

	// The handoff must not happen while audio is still playing.
	select {
	case <-done:
		t.Fatal("transfer completed before playback finished")
	case <-time.After(50 * time.Millisecond):
	}
	mu.Lock()
	if transferred {
		t.Fatal("transfer fired while marks outstanding")
	}
	mu.Unlock()

	r.Marks.Remove("in-flight")
	select {
	case reply := <-done:
		if !strings.Contains(reply, "connecting you") {
			t.Errorf("transfer reply = %q", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transfer never completed")
	}
}

func TestRegistry_TransferUnconfigured(t *testing.T) {
	r := newTestRegistry(t)
	reply, err := r.TransferCall(context.Background(), "reason")
	if err != nil {
		t.Fatalf("TransferCall: %v", err)
	}
	if !strings.Contains(reply, "not set up") {
		t.Errorf("reply = %q", reply)
	}
}

func TestRegistry_GetNews(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`<rss><channel><item><title>Village fair this weekend</title></item></channel></rss>`))
	}))
	defer srv.Close()

	r := newTestRegistry(t)
	r.News = news.NewFetcher(news.WithFeeds(map[string]string{"world": srv.URL}))

	reply, err := r.GetNews(context.Background(), "world")
	if err != nil {
		t.Fatalf("GetNews: %v", err)
	}
	if !strings.Contains(reply, "Village fair") {
		t.Errorf("news reply = %q", reply)
	}
}
