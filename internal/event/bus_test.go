package event

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestBus() *Bus {
	return NewBus(Config{QueueSize: 16, BlockingWorkers: 2, StopTimeout: time.Second}, nil)
}

func TestBus_Subscribe(t *testing.T) {
	bus := newTestBus()

	called := false
	id := bus.Subscribe(TaskChanged, func(e Event) { called = true })

	if id == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if bus.SubscriberCount(TaskChanged) != 1 {
		t.Errorf("Expected 1 subscription, got %d", bus.SubscriberCount(TaskChanged))
	}
	if called {
		t.Error("Handler should not be called until an event is emitted")
	}
}

func TestBus_EmitDeliversData(t *testing.T) {
	bus := newTestBus()

	var got Event
	bus.Subscribe(PhaseChanged, func(e Event) { got = e })

	sent := bus.Emit(PhaseChanged, PhaseChangedData("1", "2"), "inst-1")

	if got.Type != PhaseChanged {
		t.Fatalf("Expected phase_changed, got %q", got.Type)
	}
	if got.Data["new_phase"] != "2" || got.InstanceID != "inst-1" {
		t.Errorf("Unexpected event: %+v", got)
	}
	if !got.Timestamp.Equal(sent.Timestamp) {
		t.Error("Emit should return the dispatched event")
	}
}

func TestBus_RegistrationOrder(t *testing.T) {
	bus := newTestBus()

	var order []int
	for i := range 5 {
		bus.Subscribe(ToolStarted, func(e Event) { order = append(order, i) })
	}
	bus.SubscribeAll(func(e Event) { order = append(order, 99) })

	bus.Emit(ToolStarted, nil, "")

	want := []int{0, 1, 2, 3, 4, 99}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, order)
		}
	}
}

func TestBus_InstanceFilter(t *testing.T) {
	bus := newTestBus()

	var calls int
	var data map[string]any
	bus.Subscribe(TaskChanged, func(e Event) {
		calls++
		data = e.Data
	}, WithInstanceFilter("A"))

	bus.Emit(TaskChanged, TaskChangedData("1.1", "pending", "completed", "x", "1"), "B")
	if calls != 0 {
		t.Fatalf("Filtered handler should not see instance B, got %d calls", calls)
	}

	bus.Emit(TaskChanged, TaskChangedData("1.1", "pending", "completed", "x", "1"), "A")
	if calls != 1 {
		t.Fatalf("Expected exactly one call for instance A, got %d", calls)
	}
	if data["task_id"] != "1.1" || data["new_status"] != "completed" {
		t.Errorf("Unexpected data: %v", data)
	}

	bus.Emit(TaskChanged, nil, "")
	if calls != 1 {
		t.Error("Filtered handler should not see events without instance id")
	}
}

func TestBus_PanicIsolation(t *testing.T) {
	bus := newTestBus()

	reached := false
	bus.Subscribe(StatusUpdated, func(e Event) { panic("boom") })
	bus.Subscribe(StatusUpdated, func(e Event) { reached = true })

	bus.Emit(StatusUpdated, nil, "")

	if !reached {
		t.Error("Second handler should run after first panics")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := newTestBus()

	calls := 0
	id := bus.Subscribe(ToolCompleted, func(e Event) { calls++ })
	keep := bus.Subscribe(ToolCompleted, func(e Event) {})

	if !bus.Unsubscribe(id) {
		t.Error("Unsubscribe should return true for existing subscription")
	}
	if bus.Unsubscribe(id) {
		t.Error("Unsubscribe should return false the second time")
	}

	bus.Emit(ToolCompleted, nil, "")
	if calls != 0 {
		t.Error("Unsubscribed handler should not be called")
	}
	if bus.SubscriberCount(ToolCompleted) != 1 || keep == "" {
		t.Errorf("Expected 1 remaining subscription, got %d", bus.SubscriberCount(ToolCompleted))
	}
}

func TestBus_ClearAndCounts(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe(TaskChanged, func(e Event) {})
	bus.Subscribe(PhaseChanged, func(e Event) {})
	bus.SubscribeAll(func(e Event) {})

	if bus.TotalSubscribers() != 3 {
		t.Errorf("Expected 3 subscriptions, got %d", bus.TotalSubscribers())
	}
	if bus.SubscriberCount(TaskChanged) != 1 {
		t.Errorf("Wildcard should not count toward a specific type")
	}

	bus.Clear()
	if bus.TotalSubscribers() != 0 {
		t.Errorf("Expected 0 after Clear, got %d", bus.TotalSubscribers())
	}
}

func TestBus_EmitQueued(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	bus.Subscribe(ToolStarted, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Data["tool_id"].(string))
		if len(seen) == 3 {
			close(done)
		}
	})

	// Queued before Start: held until the dispatcher runs.
	for _, id := range []string{"t1", "t2", "t3"} {
		if !bus.EmitQueued(ToolStarted, ToolStartedData(id, "Read", nil), "") {
			t.Fatalf("EmitQueued(%s) returned false", id)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Queued events were not delivered")
	}

	mu.Lock()
	if seen[0] != "t1" || seen[1] != "t2" || seen[2] != "t3" {
		t.Errorf("Queued delivery should be FIFO, got %v", seen)
	}
	mu.Unlock()

	bus.Stop()
	if bus.EmitQueued(ToolStarted, nil, "") {
		t.Error("EmitQueued after Stop should return false")
	}
}

func TestBus_EmitQueuedConcurrentProducers(t *testing.T) {
	bus := NewBus(Config{QueueSize: 1000, BlockingWorkers: 2}, nil)

	var count atomic.Int64
	bus.Subscribe(ToolCompleted, func(e Event) { count.Add(1) })
	bus.Start(context.Background())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				bus.EmitQueued(ToolCompleted, nil, "")
			}
		}()
	}
	wg.Wait()
	bus.Stop()

	if count.Load() != 500 {
		t.Errorf("Expected 500 deliveries after drain, got %d", count.Load())
	}
}

func TestBus_StopDrainsWithoutStart(t *testing.T) {
	bus := newTestBus()

	calls := 0
	bus.Subscribe(OrchestratorState, func(e Event) { calls++ })
	bus.EmitQueued(OrchestratorState, OrchestratorStateData("stopped", "running", ""), "")
	bus.Stop()
	bus.Stop()

	if calls != 1 {
		t.Errorf("Stop should drain queued events, got %d calls", calls)
	}
}

func TestBus_QueueFull(t *testing.T) {
	bus := NewBus(Config{QueueSize: 1}, nil)
	if !bus.EmitQueued(StatusUpdated, nil, "") {
		t.Fatal("first EmitQueued should succeed")
	}
	if bus.EmitQueued(StatusUpdated, nil, "") {
		t.Error("EmitQueued on a full queue should return false")
	}
}

func TestBus_BlockingHandlersOffloaded(t *testing.T) {
	bus := newTestBus()

	release := make(chan struct{})
	var finished atomic.Int32
	bus.Subscribe(StatusUpdated, func(e Event) {
		<-release
		finished.Add(1)
	}, Blocking())

	fastCalled := false
	bus.Subscribe(StatusUpdated, func(e Event) { fastCalled = true })

	returned := make(chan struct{})
	go func() {
		bus.Emit(StatusUpdated, nil, "")
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit should not wait for a Blocking() handler")
	}
	if !fastCalled {
		t.Error("Non-blocking handler should run inline")
	}
	if finished.Load() != 0 {
		t.Error("Blocking handler finished before release")
	}

	close(release)
	bus.Stop()
	if finished.Load() != 1 {
		t.Errorf("Stop should wait for blocking handlers, finished=%d", finished.Load())
	}
}

func TestBus_BlockingPoolBounded(t *testing.T) {
	bus := NewBus(Config{QueueSize: 8, BlockingWorkers: 2}, nil)

	var running, peak atomic.Int32
	release := make(chan struct{})
	bus.Subscribe(ToolStarted, func(e Event) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
	}, Blocking())

	go func() {
		for range 5 {
			bus.Emit(ToolStarted, nil, "")
		}
	}()

	time.Sleep(100 * time.Millisecond)
	close(release)
	// Give the emitting goroutine time to hand over the rest.
	time.Sleep(100 * time.Millisecond)
	bus.Stop()

	if peak.Load() > 2 {
		t.Errorf("Expected at most 2 concurrent blocking handlers, saw %d", peak.Load())
	}
}

func TestBus_SlowBlockingHandlerDoesNotStallEmit(t *testing.T) {
	bus := NewBus(Config{QueueSize: 8, BlockingWorkers: 1, StopTimeout: time.Second}, nil)

	release := make(chan struct{})
	started := make(chan struct{}, 8)
	bus.Subscribe(TaskChanged, func(e Event) {
		started <- struct{}{}
		<-release
	}, Blocking())
	var fast atomic.Int32
	bus.Subscribe(TaskChanged, func(e Event) { fast.Add(1) })

	bus.Emit(TaskChanged, nil, "")
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking handler never started")
	}

	// The only worker is now busy; a second Emit must still return and
	// reach the inline subscriber at once.
	returned := make(chan struct{})
	go func() {
		bus.Emit(TaskChanged, nil, "")
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Emit waited for a busy blocking worker")
	}
	if fast.Load() != 2 {
		t.Errorf("inline subscriber calls = %d, want 2", fast.Load())
	}

	close(release)
	bus.Stop()
}

func TestBus_BlockingHandlerEmitsToBlocking(t *testing.T) {
	bus := NewBus(Config{QueueSize: 8, BlockingWorkers: 1, StopTimeout: time.Second}, nil)

	delivered := make(chan struct{})
	bus.Subscribe(TaskChanged, func(e Event) {
		bus.Emit(PhaseChanged, PhaseChangedData("1", "2"), "")
	}, Blocking())
	bus.Subscribe(PhaseChanged, func(e Event) { close(delivered) }, Blocking())

	bus.Emit(TaskChanged, nil, "")
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("event emitted from a blocking handler was never delivered")
	}
	bus.Stop()
}

func TestBus_StopBoundedByTimeout(t *testing.T) {
	bus := NewBus(Config{QueueSize: 8, BlockingWorkers: 1, StopTimeout: 100 * time.Millisecond}, nil)

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	bus.Subscribe(StatusUpdated, func(e Event) {
		close(started)
		<-release
	}, Blocking())

	bus.Emit(StatusUpdated, nil, "")
	<-started

	begin := time.Now()
	bus.Stop()
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Errorf("Stop took %v with a stuck blocking handler", elapsed)
	}
}

func TestBus_BlockingBacklogFullDrops(t *testing.T) {
	bus := NewBus(Config{QueueSize: 1, BlockingWorkers: 1, StopTimeout: time.Second}, nil)

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var calls atomic.Int32
	bus.Subscribe(ToolStarted, func(e Event) {
		started <- struct{}{}
		<-release
		calls.Add(1)
	}, Blocking())

	bus.Emit(ToolStarted, nil, "")
	<-started
	bus.Emit(ToolStarted, nil, "") // waits in the backlog
	bus.Emit(ToolStarted, nil, "") // backlog full, dropped

	close(release)
	bus.Stop()
	if calls.Load() != 2 {
		t.Errorf("blocking handler calls = %d, want 2", calls.Load())
	}
}

func TestEvent_ToMap(t *testing.T) {
	e := Event{
		Type:       ToolCompleted,
		Data:       ToolCompletedData("toolu_1", "Bash", 1500*time.Millisecond, true),
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		InstanceID: "inst-9",
	}

	m := e.ToMap()
	if m["type"] != "tool_completed" {
		t.Errorf("type = %v", m["type"])
	}
	if m["timestamp"] != "2026-01-02T03:04:05Z" {
		t.Errorf("timestamp = %v", m["timestamp"])
	}
	if m["instance_id"] != "inst-9" {
		t.Errorf("instance_id = %v", m["instance_id"])
	}
	data := m["data"].(map[string]any)
	if data["duration_ms"] != int64(1500) || data["success"] != true {
		t.Errorf("data = %v", data)
	}

	e.InstanceID = ""
	if _, ok := e.ToMap()["instance_id"]; ok {
		t.Error("instance_id should be omitted when empty")
	}
}

func TestTypes(t *testing.T) {
	if len(Types()) != 6 {
		t.Errorf("Expected 6 event types, got %d", len(Types()))
	}
	if New(StatusUpdated, nil, "").Data == nil {
		t.Error("New should never produce nil Data")
	}
}
