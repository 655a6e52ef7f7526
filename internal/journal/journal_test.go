package journal

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordAndTail(t *testing.T) {
	t.Parallel()

	j := openTestJournal(t)
	ctx := context.Background()

	events := []struct{ plugin, event, detail string }{
		{"echo", "registered", ""},
		{"echo", "active", ""},
		{"summer", "registered", ""},
		{"summer", "failed", "getmanifest timed out"},
	}
	for _, e := range events {
		if err := j.Record(ctx, e.plugin, "/p/"+e.plugin, e.event, e.detail); err != nil {
			t.Fatalf("Record(%s %s): %v", e.plugin, e.event, err)
		}
	}

	got, err := j.Tail(ctx, 10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}

	// Newest first.
	if got[0].Plugin != "summer" || got[0].Event != "failed" {
		t.Fatalf("got[0] = %+v", got[0])
	}
	if got[0].Detail != "getmanifest timed out" {
		t.Fatalf("detail = %q", got[0].Detail)
	}
	if got[3].Plugin != "echo" || got[3].Event != "registered" {
		t.Fatalf("got[3] = %+v", got[3])
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("row missing id or timestamp: %+v", got[0])
	}
}

func TestTailLimit(t *testing.T) {
	t.Parallel()

	j := openTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := j.Record(ctx, "echo", "/p/echo", "active", ""); err != nil {
			t.Fatal(err)
		}
	}

	got, err := j.Tail(ctx, 2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}

func TestRecordValidation(t *testing.T) {
	t.Parallel()

	j := openTestJournal(t)
	ctx := context.Background()

	if err := j.Record(ctx, "", "/p/x", "active", ""); err == nil {
		t.Fatal("empty plugin accepted")
	}
	if err := j.Record(ctx, "x", "/p/x", "", ""); err == nil {
		t.Fatal("empty event accepted")
	}
}
