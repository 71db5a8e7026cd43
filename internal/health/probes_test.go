package health

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func TestJournalProbe(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	p := JournalProbe(db)
	if p.Name != "journal" {
		t.Errorf("name = %q, want journal", p.Name)
	}
	if err := p.Check(context.Background()); err != nil {
		t.Errorf("check on live db = %v, want nil", err)
	}

	db.Close()
	if err := p.Check(context.Background()); err == nil {
		t.Error("check on closed db = nil, want error")
	}
}

func TestJournalProbe_NilDB(t *testing.T) {
	p := JournalProbe(nil)
	if err := p.Check(context.Background()); err == nil {
		t.Error("check with nil db = nil, want error")
	}
}

func TestBreakerProbe(t *testing.T) {
	open := false
	p := BreakerProbe("tts", func() bool { return open })

	if err := p.Check(context.Background()); err != nil {
		t.Errorf("closed circuit = %v, want nil", err)
	}
	open = true
	if err := p.Check(context.Background()); err == nil {
		t.Error("open circuit = nil, want error")
	}
}
