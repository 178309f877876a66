package events

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	received := []Event{}

	unsub := bus.Subscribe(EventTaskClaimed, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(EventTaskClaimed, map[string]any{
		"task_id": "task-123",
		"host_id": "devbox-1",
	})

	// Wait for async delivery
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventTaskClaimed {
		t.Errorf("expected type %s, got %s", EventTaskClaimed, received[0].Type)
	}
	if taskID, ok := received[0].Data["task_id"].(string); !ok || taskID != "task-123" {
		t.Errorf("expected task_id task-123, got %v", received[0].Data["task_id"])
	}
}

func TestBus_NonBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	unsub := bus.Subscribe(EventPhaseTransition, func(e Event) {
		time.Sleep(100 * time.Millisecond)
	})
	defer unsub()

	start := time.Now()
	for i := 0; i < 10; i++ {
		bus.Publish(EventPhaseTransition, map[string]any{"iteration": i})
	}
	elapsed := time.Since(start)

	// Publishing must complete quickly even though the consumer is slow
	if elapsed > 50*time.Millisecond {
		t.Errorf("publish blocked for %v, expected non-blocking", elapsed)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0

	unsub := bus.Subscribe(EventTaskTerminal, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(EventTaskTerminal, map[string]any{})
	time.Sleep(50 * time.Millisecond)

	unsub()
	time.Sleep(10 * time.Millisecond)

	bus.Publish(EventTaskTerminal, map[string]any{})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if count != 1 {
		t.Errorf("expected 1 event before unsubscribe, got %d", count)
	}
}

func TestBus_PanicRecovery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	received := false

	unsub1 := bus.Subscribe(EventTaskReclaimed, func(e Event) {
		panic("test panic")
	})
	defer unsub1()

	unsub2 := bus.Subscribe(EventTaskReclaimed, func(e Event) {
		mu.Lock()
		received = true
		mu.Unlock()
	})
	defer unsub2()

	bus.Publish(EventTaskReclaimed, map[string]any{})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if !received {
		t.Error("second subscriber did not receive event after first panicked")
	}
}

func TestBus_EventTypes(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	claimed := 0
	queued := 0

	unsub1 := bus.Subscribe(EventTaskClaimed, func(e Event) {
		mu.Lock()
		claimed++
		mu.Unlock()
	})
	defer unsub1()

	unsub2 := bus.Subscribe(EventTaskQueued, func(e Event) {
		mu.Lock()
		queued++
		mu.Unlock()
	})
	defer unsub2()

	bus.Publish(EventTaskClaimed, map[string]any{})
	bus.Publish(EventTaskQueued, map[string]any{})
	bus.Publish(EventTaskClaimed, map[string]any{})

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if claimed != 2 {
		t.Errorf("expected 2 task_claimed events, got %d", claimed)
	}
	if queued != 1 {
		t.Errorf("expected 1 task_queued event, got %d", queued)
	}
}
