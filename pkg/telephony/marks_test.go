package telephony

import (
	"context"
	"testing"
	"time"
)

func TestMarkTracker_AddRemove(t *testing.T) {
	tr := NewMarkTracker()
	if !tr.Empty() {
		t.Fatal("new tracker should be empty")
	}
	tr.Add("a")
	tr.Add("b")
	if tr.Len() != 2 {
		t.Fatalf("len = %d, want 2", tr.Len())
	}
	tr.Remove("a")
	tr.Remove("unknown") // not an error
	if tr.Len() != 1 {
		t.Fatalf("len = %d, want 1", tr.Len())
	}
}

func TestMarkTracker_WaitForAll_EmptyReturnsImmediately(t *testing.T) {
	tr := NewMarkTracker()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := tr.WaitForAll(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMarkTracker_WaitForAll_ReleasedOnLastRemove(t *testing.T) {
	tr := NewMarkTracker()
	tr.Add("a")
	tr.Add("b")

	done := make(chan error, 1)
	go func() { done <- tr.WaitForAll(context.Background()) }()

	tr.Remove("a")
	select {
	case <-done:
		t.Fatal("WaitForAll returned with one label still outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	tr.Remove("b")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForAll did not return after set drained")
	}
}

func TestMarkTracker_WaitForAll_ContextCancel(t *testing.T) {
	tr := NewMarkTracker()
	tr.Add("stuck")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.WaitForAll(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForAll did not honour cancellation")
	}
}

func TestMarkTracker_ClearReleasesWaiters(t *testing.T) {
	tr := NewMarkTracker()
	tr.Add("a")
	done := make(chan error, 1)
	go func() { done <- tr.WaitForAll(context.Background()) }()
	tr.Clear()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Clear did not release waiter")
	}
	if !tr.Empty() {
		t.Fatal("tracker should be empty after Clear")
	}
}
