package events

import (
	"testing"
	"time"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe(TypeConnectionLost)
	bus.Publish(NewConnectionLostEvent("sess-1", "probe failures", 3))
	bus.Publish(NewActivityDetectedEvent("sess-1")) // filtered out

	select {
	case e := <-ch:
		if e.EventType() != TypeConnectionLost {
			t.Fatalf("expected connection_lost, got %s", e.EventType())
		}
		if e.SessionID() != "sess-1" {
			t.Fatalf("expected sess-1, got %s", e.SessionID())
		}
	case <-time.After(time.Second):
		t.Fatalf("expected event delivery")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %s", e.EventType())
	default:
	}
}

func TestBus_NonBlockingDelivery(t *testing.T) {
	bus := New(2)
	defer bus.Close()

	_ = bus.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(NewActivityDetectedEvent("sess-1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
	if bus.DroppedCount() == 0 {
		t.Fatalf("expected drops with a full buffer")
	}
}

func TestBus_PriorityNeverDrops(t *testing.T) {
	bus := New(1)
	defer bus.Close()

	ch := bus.SubscribePriority()
	received := make(chan int)
	go func() {
		n := 0
		for range ch {
			n++
			if n == 10 {
				received <- n
				return
			}
		}
	}()

	for i := 0; i < 10; i++ {
		bus.PublishPriority(NewReconnectExhaustedEvent("sess-1", 10, "manual reconnection required", nil))
	}

	select {
	case n := <-received:
		if n != 10 {
			t.Fatalf("expected 10 priority events, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("priority events not delivered")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New(4)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(NewActivityDetectedEvent("sess-1"))
}

func TestWaitProgress_ElapsedClamped(t *testing.T) {
	e := NewWaitProgressEvent("", "i-1", 400, 300, 100, "waiting for registration")
	if e.ElapsedSeconds > e.MaxSeconds {
		t.Fatalf("elapsed %d exceeds max %d", e.ElapsedSeconds, e.MaxSeconds)
	}
}

func TestBus_PriorityBufferScalesWithBusSize(t *testing.T) {
	bus := New(40)
	defer bus.Close()

	ch := bus.SubscribePriority()
	if got := cap(ch); got != 10 {
		t.Fatalf("priority buffer = %d, want a quarter of the bus buffer", got)
	}

	small := New(2)
	defer small.Close()
	if got := cap(small.SubscribePriority()); got != 1 {
		t.Fatalf("priority buffer = %d, want floor of 1", got)
	}
}
