package journal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func sampleSummary(callID string) Summary {
	start := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	return Summary{
		CallID:    callID,
		StartedAt: start,
		EndedAt:   start.Add(3 * time.Minute),
		Duration:  3 * time.Minute,
		Summary:   json.RawMessage(`{"utterances":4,"interruptions":1}`),
	}
}

func TestOpen_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.db")
	ctx := context.Background()

	j1, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	j1.Close()

	// Re-opening an up-to-date database must not fail or re-run migrations.
	j2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer j2.Close()

	var n int
	if err := j2.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != len(migrations) {
		t.Errorf("applied migrations = %d, want %d", n, len(migrations))
	}
}

func TestSaveSummary_UpsertKeepsNumericID(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	id1, err := j.SaveSummary(ctx, sampleSummary("CA123"))
	if err != nil {
		t.Fatalf("first save: %v", err)
	}

	s := sampleSummary("CA123")
	s.Duration = 5 * time.Minute
	id2, err := j.SaveSummary(ctx, s)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if id1 != id2 {
		t.Errorf("upsert changed id: %d then %d", id1, id2)
	}

	var durationMS int64
	if err := j.db.QueryRow(
		`SELECT duration_ms FROM conversations WHERE call_sid = 'CA123'`).Scan(&durationMS); err != nil {
		t.Fatal(err)
	}
	if durationMS != (5 * time.Minute).Milliseconds() {
		t.Errorf("duration_ms = %d, want %d", durationMS, (5 * time.Minute).Milliseconds())
	}
}

func TestSaveSummary_ReplacesAnalytics(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	id, err := j.SaveSummary(ctx, sampleSummary("CA200"))
	if err != nil {
		t.Fatal(err)
	}
	if err := j.SaveEmotionalMetrics(ctx, id, EmotionalMetrics{Comfort: 8}); err != nil {
		t.Fatal(err)
	}

	// Re-saving the summary drops the stale analytics row.
	if _, err := j.SaveSummary(ctx, sampleSummary("CA200")); err != nil {
		t.Fatal(err)
	}
	m, err := j.LoadEmotionalMetrics(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("analytics survived summary re-save: %+v", m)
	}
}

func TestSaveSummary_EmptyCallID(t *testing.T) {
	j := openTestJournal(t)
	if _, err := j.SaveSummary(context.Background(), Summary{}); err == nil {
		t.Fatal("expected error for empty call id")
	}
}

func TestSaveMessages_RoundTripAndOrdering(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	id, err := j.SaveSummary(ctx, sampleSummary("CA300"))
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	msgs := []Message{
		// Deliberately unsorted, with a timestamp tie between the second
		// user turn and its reply.
		{Role: RoleAssistant, Content: "Hello love!", Timestamp: base.Add(time.Second)},
		{Role: RoleUser, Content: "Hello", Timestamp: base},
		{Role: RoleAssistant, Content: "It is Tuesday.", Timestamp: base.Add(5 * time.Second)},
		{Role: RoleUser, Content: "What day is it?", Timestamp: base.Add(5 * time.Second)},
	}
	if err := j.SaveMessages(ctx, id, msgs); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	got, err := j.LoadMessages(ctx, "CA300")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	wantContent := []string{"Hello", "Hello love!", "What day is it?", "It is Tuesday."}
	if len(got) != len(wantContent) {
		t.Fatalf("got %d messages, want %d", len(got), len(wantContent))
	}
	for i, want := range wantContent {
		if got[i].Content != want {
			t.Errorf("message %d = %q, want %q", i, got[i].Content, want)
		}
	}
}

func TestSaveMessages_Idempotent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	id, err := j.SaveSummary(ctx, sampleSummary("CA400"))
	if err != nil {
		t.Fatal(err)
	}
	msgs := []Message{
		{Role: RoleUser, Content: "hi", Timestamp: time.Now().UTC()},
	}
	if err := j.SaveMessages(ctx, id, msgs); err != nil {
		t.Fatal(err)
	}
	if err := j.SaveMessages(ctx, id, msgs); err != nil {
		t.Fatal(err)
	}

	got, err := j.LoadMessages(ctx, "CA400")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("repeated save produced %d messages, want 1", len(got))
	}
}

func TestSaveMessages_RejectsInvalid(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	id, err := j.SaveSummary(ctx, sampleSummary("CA500"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		msg  Message
	}{
		{"bad role", Message{Role: "narrator", Content: "x", Timestamp: time.Now()}},
		{"zero timestamp", Message{Role: RoleUser, Content: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := j.SaveMessages(ctx, id, []Message{tt.msg}); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSaveMessages_FailureDoesNotTouchSummary(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	id, err := j.SaveSummary(ctx, sampleSummary("CA600"))
	if err != nil {
		t.Fatal(err)
	}
	bad := []Message{{Role: "narrator", Content: "x", Timestamp: time.Now()}}
	if err := j.SaveMessages(ctx, id, bad); err == nil {
		t.Fatal("expected error")
	}

	// The conversation row committed earlier is untouched.
	var count int
	if err := j.db.QueryRow(
		`SELECT COUNT(*) FROM conversations WHERE call_sid = 'CA600'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("conversation rows = %d, want 1", count)
	}
}

func TestEmotionalMetrics_RoundTrip(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	id, err := j.SaveSummary(ctx, sampleSummary("CA700"))
	if err != nil {
		t.Fatal(err)
	}

	in := EmotionalMetrics{
		Anxiety:            2,
		Agitation:          1,
		Confusion:          4,
		Comfort:            7,
		MentionsLoneliness: true,
		Notes:              "asked about late husband twice",
	}
	if err := j.SaveEmotionalMetrics(ctx, id, in); err != nil {
		t.Fatalf("SaveEmotionalMetrics: %v", err)
	}

	got, err := j.LoadEmotionalMetrics(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("metrics not found")
	}
	if *got != in {
		t.Errorf("metrics = %+v, want %+v", *got, in)
	}
}

func TestEmotionalMetrics_RangeValidation(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	id, err := j.SaveSummary(ctx, sampleSummary("CA800"))
	if err != nil {
		t.Fatal(err)
	}

	if err := j.SaveEmotionalMetrics(ctx, id, EmotionalMetrics{Anxiety: 11}); err == nil {
		t.Error("anxiety 11 accepted, want range error")
	}
	if err := j.SaveEmotionalMetrics(ctx, id, EmotionalMetrics{Comfort: -1}); err == nil {
		t.Error("comfort -1 accepted, want range error")
	}
}

func TestLoadMessages_UnknownCall(t *testing.T) {
	j := openTestJournal(t)
	got, err := j.LoadMessages(context.Background(), "CA-missing")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %d messages for unknown call, want 0", len(got))
	}
}

func TestLoadMessages_DisplayLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "calls.db"), WithLocation(loc))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()
	ctx := context.Background()

	id, err := j.SaveSummary(ctx, sampleSummary("CA800"))
	if err != nil {
		t.Fatal(err)
	}
	stamp := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	if err := j.SaveMessages(ctx, id, []Message{
		{Role: RoleUser, Content: "Hello", Timestamp: stamp},
	}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	got, err := j.LoadMessages(ctx, "CA800")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].Timestamp.Location().String() != loc.String() {
		t.Errorf("timestamp location = %v, want %v", got[0].Timestamp.Location(), loc)
	}
	if !got[0].Timestamp.Equal(stamp) {
		t.Errorf("timestamp = %v, want instant %v", got[0].Timestamp, stamp)
	}
}
