package livestream

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"stream-orchestrator/internal/platform/logger"
)

func newTestHub(t *testing.T, buffer int) *Hub {
	t.Helper()
	return NewHub(buffer, logger.Discard(), nil)
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatalf("subscription %s closed", sub.ID)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event on %s", sub.ID)
	}
	return Event{}
}

func TestHub_Publish_fanout(t *testing.T) {
	h := newTestHub(t, 8)
	a, _ := h.Subscribe("a")
	b, _ := h.Subscribe("b")

	h.Publish(NewEvent(EventStreamEnded, nil))

	if ev := recv(t, a); ev.Type != EventStreamEnded {
		t.Errorf("a got %s", ev.Type)
	}
	if ev := recv(t, b); ev.Type != EventStreamEnded {
		t.Errorf("b got %s", ev.Type)
	}
}

func TestHub_per_connection_order(t *testing.T) {
	h := newTestHub(t, 8)
	sub, _ := h.Subscribe("viewer")

	h.Publish(NewEvent(EventStreamStarted, streamStartedData{}))
	h.Publish(NewEvent(EventStreamStats, streamStatsData{Sample: StatsSample{}}))
	h.Publish(NewEvent(EventStreamStats, streamStatsData{Sample: StatsSample{}}))

	want := []string{EventStreamStarted, EventStreamStats, EventStreamStats}
	for i, w := range want {
		if ev := recv(t, sub); ev.Type != w {
			t.Fatalf("event %d: got %s, want %s", i, ev.Type, w)
		}
	}
}

func TestHub_concurrent_publishers_same_relative_order(t *testing.T) {
	h := newTestHub(t, 256)
	a, _ := h.Subscribe("a")
	b, _ := h.Subscribe("b")

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				h.Publish(NewEvent(fmt.Sprintf("p%d-%d", p, i), nil))
			}
		}(p)
	}
	wg.Wait()

	for i := 0; i < 80; i++ {
		ea, eb := recv(t, a), recv(t, b)
		if ea.Type != eb.Type {
			t.Fatalf("position %d: a=%s b=%s", i, ea.Type, eb.Type)
		}
	}
}

func TestHub_full_queue_drops_only_slow_subscriber(t *testing.T) {
	h := newTestHub(t, 1)
	slow, _ := h.Subscribe("slow")
	fast, _ := h.Subscribe("fast")

	h.Publish(NewEvent("one", nil))
	recv(t, fast)
	h.Publish(NewEvent("two", nil))

	if ev := recv(t, fast); ev.Type != "two" {
		t.Errorf("fast got %s", ev.Type)
	}
	if ev := recv(t, slow); ev.Type != "one" {
		t.Errorf("slow got %s", ev.Type)
	}
	if slow.Dropped() != 1 {
		t.Errorf("slow dropped = %d, want 1", slow.Dropped())
	}
}

func TestHub_SendTo(t *testing.T) {
	h := newTestHub(t, 4)
	a, _ := h.Subscribe("a")
	b, _ := h.Subscribe("b")

	if !h.SendTo("a", NewEvent(EventServerReady, serverReadyData{})) {
		t.Fatal("SendTo a failed")
	}
	if h.SendTo("missing", NewEvent(EventServerReady, nil)) {
		t.Error("SendTo unknown id should fail")
	}
	if ev := recv(t, a); ev.Type != EventServerReady {
		t.Errorf("a got %s", ev.Type)
	}
	select {
	case ev := <-b.C:
		t.Errorf("b should not receive targeted event, got %s", ev.Type)
	default:
	}
}

func TestHub_Subscribe_errors(t *testing.T) {
	h := newTestHub(t, 4)
	if _, err := h.Subscribe("a"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := h.Subscribe("a"); !errors.Is(err, ErrSubscriberExists) {
		t.Errorf("expected ErrSubscriberExists, got %v", err)
	}
	h.Close()
	if _, err := h.Subscribe("b"); !errors.Is(err, ErrHubClosed) {
		t.Errorf("expected ErrHubClosed, got %v", err)
	}
}

func TestHub_Unsubscribe_closes_channel(t *testing.T) {
	h := newTestHub(t, 4)
	sub, _ := h.Subscribe("a")
	h.Unsubscribe("a")
	h.Unsubscribe("a")

	if _, ok := <-sub.C; ok {
		t.Error("expected closed channel")
	}
	h.Publish(NewEvent(EventStreamEnded, nil))
	if h.Len() != 0 {
		t.Errorf("Len = %d, want 0", h.Len())
	}
}

func TestHub_no_replay_for_late_subscriber(t *testing.T) {
	h := newTestHub(t, 4)
	h.Publish(NewEvent(EventStreamStarted, nil))
	late, _ := h.Subscribe("late")

	select {
	case ev := <-late.C:
		t.Errorf("late subscriber should not see earlier events, got %s", ev.Type)
	default:
	}
}

func TestHub_SubscribeWith_first_event_precedes_broadcasts(t *testing.T) {
	h := newTestHub(t, 8)
	var mu sync.Mutex
	published := 0

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			mu.Lock()
			published++
			mu.Unlock()
			h.Publish(NewEvent(EventStreamStats, nil))
		}
	}()

	sub, err := h.SubscribeWith("a", func() Event {
		mu.Lock()
		defer mu.Unlock()
		return NewEvent(EventServerReady, published)
	})
	if err != nil {
		t.Fatalf("SubscribeWith: %v", err)
	}
	wg.Wait()

	first := recv(t, sub)
	if first.Type != EventServerReady {
		t.Fatalf("first event %s, want server-ready", first.Type)
	}
	seen := first.Data.(int)
	got := 0
	for {
		select {
		case <-sub.C:
			got++
			continue
		default:
		}
		break
	}
	// Every publish counted after the snapshot reaches the subscriber,
	// up to the queue length.
	if want := min(50-seen, 7); got < want {
		t.Errorf("received %d broadcasts after snapshot of %d, want at least %d", got, seen, want)
	}
}
