package registry

import (
	"testing"

	"github.com/relaymq/forwarder/internal/domain"
)

func spec(queue string) domain.ConsumerSpec {
	return domain.ConsumerSpec{
		Queue:              queue,
		Webhook:            "http://example.test/hook",
		MinIntervalMs:      1000,
		MaxIntervalMs:      1000,
		BusinessHoursStart: 0,
		BusinessHoursEnd:   24,
	}
}

func TestRegistry_InsertGetRemove(t *testing.T) {
	r := New()
	rc := domain.NewRuntimeConsumer(spec("q1"), "tag-1", 1)
	r.Insert(rc)

	got, ok := r.Get("q1")
	if !ok {
		t.Fatal("expected q1 to be present")
	}
	if got.BrokerTag != "tag-1" {
		t.Errorf("expected tag-1, got %s", got.BrokerTag)
	}

	r.Remove("q1")
	if _, ok := r.Get("q1"); ok {
		t.Fatal("expected q1 to be removed")
	}
}

func TestRegistry_SetPausedAndUpdateLast(t *testing.T) {
	r := New()
	r.Insert(domain.NewRuntimeConsumer(spec("q1"), "tag-1", 1))

	if !r.SetPaused("q1", true) {
		t.Fatal("expected SetPaused to find q1")
	}
	rc, _ := r.Get("q1")
	if !rc.Paused {
		t.Fatal("expected paused flag to be true")
	}

	r.UpdateLast("q1", []byte(`{"x":1}`))
	r.SetNextInterval("q1", 5000)
	rc, _ = r.Get("q1")
	if string(rc.LastMessage) != `{"x":1}` {
		t.Errorf("unexpected last message: %s", rc.LastMessage)
	}
	if rc.NextIntervalMs != 5000 {
		t.Errorf("expected nextIntervalMs 5000, got %d", rc.NextIntervalMs)
	}

	if r.SetPaused("missing", true) {
		t.Fatal("expected SetPaused on missing queue to report not-found")
	}
}

func TestRegistry_SnapshotIsolatedCopy(t *testing.T) {
	r := New()
	r.Insert(domain.NewRuntimeConsumer(spec("q1"), "tag-1", 1))

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(snap))
	}
	snap[0].BrokerTag = "mutated"

	rc, _ := r.Get("q1")
	if rc.BrokerTag != "tag-1" {
		t.Fatal("snapshot mutation leaked into registry state")
	}
}

func TestRegistry_Clear(t *testing.T) {
	r := New()
	r.Insert(domain.NewRuntimeConsumer(spec("q1"), "tag-1", 1))
	r.Insert(domain.NewRuntimeConsumer(spec("q2"), "tag-2", 1))

	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("expected empty registry after Clear, got %d", r.Len())
	}
}
