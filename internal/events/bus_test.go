package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aristath/agentmesh/internal/task"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskCompletedEvent{
		ID:        "task-1",
		TaskType:  "pricing",
		Response:  task.Response{Success: true},
		Timestamp: time.Now(),
	})

	select {
	case received := <-ch:
		if received.SubjectID() != "task-1" {
			t.Errorf("expected subject 'task-1', got '%s'", received.SubjectID())
		}
		if received.EventType() != EventTypeTaskCompleted {
			t.Errorf("expected event type '%s', got '%s'", EventTypeTaskCompleted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestTopicIsolation verifies subscribers only see their topic.
func TestTopicIsolation(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	wf := bus.Subscribe(TopicWorkflow, 10)
	all := bus.SubscribeAll(10)

	bus.Publish(TopicTask, TaskCompletedEvent{ID: "t"})
	bus.Publish(TopicWorkflow, WorkflowProgressEvent{WorkflowID: "wf-1", CompletedSteps: 1, TotalSteps: 3})

	select {
	case ev := <-wf:
		if ev.SubjectID() != "wf-1" {
			t.Errorf("workflow subscriber got %q", ev.SubjectID())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for workflow event")
	}
	select {
	case ev := <-wf:
		t.Fatalf("unexpected extra event %T", ev)
	default:
	}

	if got := len(all); got != 2 {
		t.Errorf("SubscribeAll expected 2 buffered events, got %d", got)
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels are full.
func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicAgent, 1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicAgent, CircuitStateEvent{AgentID: fmt.Sprintf("a%d", i), From: "closed", To: "open"})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	select {
	case received := <-ch:
		if received.SubjectID() != "a0" {
			t.Errorf("expected first event to be kept, got %q", received.SubjectID())
		}
	default:
		t.Error("expected at least one event in buffer")
	}
	if got := bus.Dropped(); got != 9 {
		t.Errorf("Dropped() = %d, want 9", got)
	}
}

// TestDropsAreLogged verifies a full subscriber channel produces a warning.
func TestDropsAreLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	bus := NewEventBus(WithLogger(zap.New(core)))
	defer bus.Close()

	bus.Subscribe(TopicWorkflow, 1)
	bus.Publish(TopicWorkflow, WorkflowStalledEvent{WorkflowID: "wf-1"})
	bus.Publish(TopicWorkflow, WorkflowStalledEvent{WorkflowID: "wf-2"})

	entries := logs.FilterMessage("event dropped for slow subscriber").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 drop warning, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["subject"] != "wf-2" || fields["type"] != EventTypeWorkflowStalled {
		t.Errorf("unexpected fields %v", fields)
	}
}

// TestUnsubscribe verifies a removed channel is closed and gets no more events.
func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)
	other := bus.Subscribe(TopicTask, 10)
	bus.Unsubscribe(ch)
	bus.Unsubscribe(ch) // unknown now; must be a no-op

	bus.Publish(TopicTask, TaskCompletedEvent{ID: "t"})

	if _, ok := <-ch; ok {
		t.Error("expected unsubscribed channel to be closed")
	}
	select {
	case <-other:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("remaining subscriber missed the event")
	}
}

// TestListenPreservesOrder verifies callbacks run once per event, in publish order.
func TestListenPreservesOrder(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	unsubscribe := bus.Listen(TopicWorkflow, func(ev Event) {
		p := ev.(WorkflowProgressEvent)
		mu.Lock()
		got = append(got, p.CompletedSteps)
		n := len(got)
		mu.Unlock()
		if n == 50 {
			close(done)
		}
	})
	defer unsubscribe()

	for i := 1; i <= 50; i++ {
		bus.Publish(TopicWorkflow, WorkflowProgressEvent{WorkflowID: "wf", CompletedSteps: i, TotalSteps: 50})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for listener")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("event %d delivered out of order: %d", i, v)
		}
	}
}

// TestListenSlowConsumerLosesNothing verifies a blocked listener receives
// every event once it resumes, however many were published meanwhile.
func TestListenSlowConsumerLosesNothing(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	const total = 5000
	release := make(chan struct{})
	done := make(chan struct{})
	var got []int
	unsubscribe := bus.Listen(TopicWorkflow, func(ev Event) {
		<-release
		got = append(got, ev.(WorkflowProgressEvent).CompletedSteps)
		if len(got) == total {
			close(done)
		}
	})
	defer unsubscribe()

	for i := 1; i <= total; i++ {
		bus.Publish(TopicWorkflow, WorkflowProgressEvent{WorkflowID: "wf", CompletedSteps: i, TotalSteps: total})
	}
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("listener did not receive all %d events", total)
	}
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("event %d delivered out of order: %d", i, v)
		}
	}
	if bus.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", bus.Dropped())
	}
}

// TestCloseDrainsListeners verifies events queued before Close still reach
// listeners and nothing is delivered after.
func TestCloseDrainsListeners(t *testing.T) {
	bus := NewEventBus()

	release := make(chan struct{})
	var mu sync.Mutex
	var got []string
	bus.Listen("", func(ev Event) {
		<-release
		mu.Lock()
		got = append(got, ev.SubjectID())
		mu.Unlock()
	})

	bus.Publish(TopicTask, TaskCompletedEvent{ID: "t1"})
	bus.Publish(TopicAgent, CircuitStateEvent{AgentID: "a1"})
	bus.Close()
	bus.Publish(TopicTask, TaskCompletedEvent{ID: "late"})
	close(release)

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 2 drained events, got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(got) != "[t1 a1]" {
		t.Errorf("got %v, want [t1 a1]", got)
	}

	called := false
	unsubscribe := bus.Listen(TopicTask, func(Event) { called = true })
	unsubscribe()
	if called {
		t.Error("listener on a closed bus must not be called")
	}
}

// TestListenUnsubscribeStopsDelivery verifies no callback fires after unsubscribe returns.
func TestListenUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	var mu sync.Mutex
	calls := 0
	unsubscribe := bus.Listen("", func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	unsubscribe()
	unsubscribe()

	bus.Publish(TopicTask, TaskCompletedEvent{ID: "late"})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("expected no callbacks after unsubscribe, got %d", calls)
	}
}

// TestCloseSignalsSubscribers verifies that closing the bus closes subscriber channels.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()

	ch := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	for range ch {
		t.Error("expected closed topic channel")
	}
	for range all {
		t.Error("expected closed all-topic channel")
	}

	// Subscriptions after close get a closed channel.
	late := bus.Subscribe(TopicTask, 1)
	if _, ok := <-late; ok {
		t.Error("expected closed channel after bus close")
	}

	// Publishing and unsubscribing after close must not panic.
	bus.Publish(TopicTask, TaskCompletedEvent{ID: "x"})
	bus.Unsubscribe(ch)
}
