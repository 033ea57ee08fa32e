package streaming

import (
	"testing"
	"time"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("run-1", 4)
	defer m.Unsubscribe("run-1", ch)

	m.Publish("run-1", Event{Type: EventPhaseStarted, Phase: "intake"})

	select {
	case ev := <-ch:
		if ev.Type != EventPhaseStarted || ev.RunID != "run-1" || ev.Seq != 1 {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Error("event not timestamped")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPublishDoesNotCrossRuns(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("run-a", 4)
	defer m.Unsubscribe("run-a", ch)

	m.Publish("run-b", Event{Type: EventRunCompleted})

	select {
	case ev := <-ch:
		t.Fatalf("event leaked across runs: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("run-1", 1)
	defer m.Unsubscribe("run-1", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Publish("run-1", Event{Type: EventAgentOutcome})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestRingReplaySince(t *testing.T) {
	m := NewManager(3)

	// Four events through a 3-slot ring; the first is overwritten.
	for i := 0; i < 4; i++ {
		m.Publish("run-1", Event{Type: EventAgentOutcome})
	}

	evs := m.ReplaySince("run-1", 0)
	if len(evs) != 3 || evs[0].Seq != 2 || evs[2].Seq != 4 {
		t.Fatalf("unexpected ring contents: %+v", evs)
	}

	evs = m.ReplaySince("run-1", 2)
	if len(evs) != 2 || evs[0].Seq != 3 || evs[1].Seq != 4 {
		t.Fatalf("unexpected replay since 2: %+v", evs)
	}
}

func TestForgetDropsHistory(t *testing.T) {
	m := NewManager(8)
	m.Publish("run-1", Event{Type: EventRunCompleted})
	m.Forget("run-1")

	if evs := m.ReplaySince("run-1", 0); evs != nil {
		t.Fatalf("history survived Forget: %+v", evs)
	}
}
