package bus

import (
	"context"
	"testing"
	"time"
)

func TestTopicPublishOrdering(t *testing.T) {
	topic := New[int]()
	sub := topic.Subscribe()
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		topic.Publish(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		v, ok := sub.Recv(ctx)
		if !ok {
			t.Fatalf("Recv failed waiting for value %d", i)
		}
		if v != i {
			t.Fatalf("Recv() = %d, want %d (ordering violated)", v, i)
		}
	}
}

func TestTopicMultiSubscriber(t *testing.T) {
	topic := New[string]()
	a := topic.Subscribe()
	b := topic.Subscribe()
	defer a.Unsubscribe()
	defer b.Unsubscribe()

	topic.Publish("hello")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	va, ok := a.Recv(ctx)
	if !ok || va != "hello" {
		t.Fatalf("subscriber a did not receive publication")
	}
	vb, ok := b.Recv(ctx)
	if !ok || vb != "hello" {
		t.Fatalf("subscriber b did not receive publication")
	}
}

func TestUnsubscribeRemovesSlot(t *testing.T) {
	topic := New[int]()
	sub := topic.Subscribe()

	if got := topic.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", got)
	}

	sub.Unsubscribe()

	if got := topic.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount() = %d after Unsubscribe, want 0", got)
	}

	// Publications after unsubscribe must not panic or block.
	topic.Publish(42)
}

func TestRecvCancelledByContext(t *testing.T) {
	topic := New[int]()
	sub := topic.Subscribe()
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, ok := sub.Recv(ctx)
	if ok {
		t.Fatalf("Recv() should have been cancelled by context deadline")
	}
}
