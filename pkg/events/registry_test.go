package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistry_SubscribeEmit(t *testing.T) {
	r := NewRegistry()

	sub, cancel := r.Subscribe("Page.loadEventFired", nil)
	defer cancel()

	r.Emit("Page.loadEventFired", "payload-1")

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for subscription to resolve")
	}

	if sub.Cancelled() {
		t.Error("Subscription should be resolved, not cancelled")
	}
	if sub.Payload() != "payload-1" {
		t.Errorf("Payload = %v, want 'payload-1'", sub.Payload())
	}
	if r.Len() != 0 {
		t.Errorf("Registry should be empty after resolution, has %d", r.Len())
	}
}

func TestRegistry_KindMismatch(t *testing.T) {
	r := NewRegistry()

	sub, cancel := r.Subscribe("Page.loadEventFired", nil)
	defer cancel()

	r.Emit("Network.requestWillBeSent", "other")

	select {
	case <-sub.Done():
		t.Fatal("Subscription resolved for the wrong event kind")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistry_Predicate(t *testing.T) {
	r := NewRegistry()

	sub, cancel := r.Subscribe("Network.responseReceived", func(p any) bool {
		return p == "match"
	})
	defer cancel()

	r.Emit("Network.responseReceived", "nope")
	select {
	case <-sub.Done():
		t.Fatal("Predicate should have rejected the first event")
	case <-time.After(20 * time.Millisecond):
	}

	r.Emit("Network.responseReceived", "match")
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for matching event")
	}
	if sub.Payload() != "match" {
		t.Errorf("Payload = %v, want 'match'", sub.Payload())
	}
}

func TestRegistry_FanOut(t *testing.T) {
	r := NewRegistry()

	const n = 5
	subs := make([]*Subscription, n)
	for i := range subs {
		sub, cancel := r.Subscribe("Page.frameNavigated", nil)
		defer cancel()
		subs[i] = sub
	}

	r.Emit("Page.frameNavigated", "frame")

	for i, sub := range subs {
		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			t.Fatalf("Subscriber %d did not resolve", i)
		}
	}
}

func TestRegistry_OneShot(t *testing.T) {
	r := NewRegistry()

	sub, cancel := r.Subscribe("Page.loadEventFired", nil)
	defer cancel()

	r.Emit("Page.loadEventFired", "first")
	r.Emit("Page.loadEventFired", "second")

	<-sub.Done()
	if sub.Payload() != "first" {
		t.Errorf("Payload = %v, want the first event only", sub.Payload())
	}
}

func TestRegistry_CancelIdempotent(t *testing.T) {
	r := NewRegistry()

	sub, cancel := r.Subscribe("Page.loadEventFired", nil)

	cancel()
	cancel() // second call must be a no-op

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("Cancelled subscription should be done")
	}
	if !sub.Cancelled() {
		t.Error("Subscription should report cancelled")
	}
	if r.Len() != 0 {
		t.Errorf("Registry should be empty after cancel, has %d", r.Len())
	}

	// Cancelling after the fact never flips a resolved subscription either.
	sub2, cancel2 := r.Subscribe("Page.loadEventFired", nil)
	r.Emit("Page.loadEventFired", "payload")
	<-sub2.Done()
	cancel2()
	if sub2.Cancelled() {
		t.Error("Resolved subscription must not become cancelled")
	}
}

func TestRegistry_CancelAll(t *testing.T) {
	r := NewRegistry()

	a, _ := r.Subscribe("Page.loadEventFired", nil)
	b, _ := r.Subscribe("Inspector.detached", nil)

	r.CancelAll()

	for _, sub := range []*Subscription{a, b} {
		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			t.Fatal("CancelAll should settle every subscription")
		}
		if !sub.Cancelled() {
			t.Error("Subscription should be cancelled by CancelAll")
		}
	}
	if r.Len() != 0 {
		t.Errorf("Registry should be empty, has %d", r.Len())
	}
}

// Exactly-once: concurrent emits and cancels settle every subscription in
// precisely one of {resolved, cancelled}.
func TestRegistry_ConcurrentExactlyOnce(t *testing.T) {
	r := NewRegistry()

	const n = 100
	type entry struct {
		sub    *Subscription
		cancel func()
	}
	entries := make([]entry, n)
	for i := range entries {
		sub, cancel := r.Subscribe("Runtime.consoleAPICalled", nil)
		entries[i] = entry{sub, cancel}
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			r.Emit("Runtime.consoleAPICalled", i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i += 2 {
			entries[i].cancel()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 1; i < n; i += 2 {
			entries[i].cancel()
		}
	}()
	wg.Wait()

	var resolved, cancelled atomic.Int32
	for _, e := range entries {
		select {
		case <-e.sub.Done():
		case <-time.After(time.Second):
			t.Fatal("Subscription left unsettled")
		}
		if e.sub.Cancelled() {
			cancelled.Add(1)
		} else {
			resolved.Add(1)
		}
	}
	if got := resolved.Load() + cancelled.Load(); got != n {
		t.Errorf("settled = %d, want %d", got, n)
	}
	if r.Len() != 0 {
		t.Errorf("Registry should be empty, has %d", r.Len())
	}
}

func TestRegistry_SubscriptionIDsDistinct(t *testing.T) {
	r := NewRegistry()
	a, cancelA := r.Subscribe("Page.loadEventFired", nil)
	defer cancelA()
	b, cancelB := r.Subscribe("Page.loadEventFired", nil)
	defer cancelB()

	if a.ID() == "" || b.ID() == "" {
		t.Fatal("subscriptions must carry ids")
	}
	if a.ID() == b.ID() {
		t.Fatalf("subscription ids must be distinct, both %q", a.ID())
	}
}
