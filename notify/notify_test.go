package notify

import (
	"sync"
	"testing"
	"time"

	"meshrpc/mesh"
)

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	h := NewHub()
	defer h.Close()

	got := make(chan string, 2)
	h.Subscribe(func(ev Event) { got <- "a:" + ev.Command })
	h.Subscribe(func(ev Event) { got <- "b:" + ev.Command })

	var from mesh.Hash
	h.Broadcast("update", from, map[string]any{"v": int64(1)}, nil)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case s := <-got:
			seen[s] = true
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
	if !seen["a:update"] || !seen["b:update"] {
		t.Fatalf("seen = %v", seen)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub()
	defer h.Close()

	var mu sync.Mutex
	var count int
	unsub := h.Subscribe(func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var from mesh.Hash
	h.Broadcast("one", from, nil, nil)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := count
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first event never delivered")
		}
		time.Sleep(time.Millisecond)
	}

	unsub()
	unsub() // second call is a no-op
	h.Broadcast("two", from, nil, nil)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("count = %d, want 1 after unsubscribe", count)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	h := NewHub(WithQueueSize(2))
	defer h.Close()

	block := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	h.Subscribe(func(ev Event) {
		<-block
		mu.Lock()
		seen = append(seen, ev.Command)
		mu.Unlock()
	})

	var from mesh.Hash
	// First event occupies the drain goroutine, the next three contend
	// for a queue of two.
	h.Broadcast("e1", from, nil, nil)
	time.Sleep(10 * time.Millisecond)
	h.Broadcast("e2", from, nil, nil)
	h.Broadcast("e3", from, nil, nil)
	h.Broadcast("e4", from, nil, nil)
	close(block)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("seen = %v, want 3 events", seen)
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != "e1" || seen[1] != "e3" || seen[2] != "e4" {
		t.Fatalf("seen = %v, want [e1 e3 e4]", seen)
	}
}

func TestSubscriberPanicDoesNotStopDrain(t *testing.T) {
	h := NewHub()
	defer h.Close()

	got := make(chan string, 2)
	h.Subscribe(func(ev Event) {
		if ev.Command == "bad" {
			panic("boom")
		}
		got <- ev.Command
	})

	var from mesh.Hash
	h.Broadcast("bad", from, nil, nil)
	h.Broadcast("good", from, nil, nil)

	select {
	case cmd := <-got:
		if cmd != "good" {
			t.Fatalf("cmd = %q", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("drain goroutine died after panic")
	}
}

func TestValueIsNormalised(t *testing.T) {
	h := NewHub()
	defer h.Close()

	got := make(chan Event, 1)
	h.Subscribe(func(ev Event) { got <- ev })

	var from mesh.Hash
	h.Broadcast("blob", from, map[string]any{"data": []byte{0x01, 0x02}}, nil)

	select {
	case ev := <-got:
		m, ok := ev.Value.(map[string]any)
		if !ok {
			t.Fatalf("value type = %T", ev.Value)
		}
		if m["data"] != "AQI=" {
			t.Fatalf("data = %v, want base64 text", m["data"])
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}
