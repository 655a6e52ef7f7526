package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish("plugin.active", map[string]string{"plugin": "echo"})

	select {
	case ev := <-ch:
		if ev.Type != "plugin.active" {
			t.Fatalf("type = %s", ev.Type)
		}
		if ev.ID == 0 {
			t.Fatal("event has no id")
		}
		if string(ev.Data) == "" {
			t.Fatal("event has no payload")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSnapshotSince(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	h.Publish("a", nil)
	h.Publish("b", nil)
	h.Publish("c", nil)

	all := h.SnapshotSince(0)
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}

	tail := h.SnapshotSince(all[0].ID)
	if len(tail) != 2 {
		t.Fatalf("len(tail) = %d, want 2", len(tail))
	}
	if tail[0].Type != "b" || tail[1].Type != "c" {
		t.Fatalf("tail = %v", tail)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	t.Parallel()

	h := NewHub(2)
	h.Publish("a", nil)
	h.Publish("b", nil)
	h.Publish("c", nil)

	got := h.SnapshotSince(0)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Type != "b" || got[1].Type != "c" {
		t.Fatalf("got = %v", got)
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	_, cancel := h.Subscribe()
	defer cancel()

	// Channel capacity is 128; publishing more must not deadlock.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			h.Publish("spam", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	ch, cancel := h.Subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Fatal("channel still open after cancel")
	}

	// Publishing after cancel must not panic.
	h.Publish("late", nil)
}
