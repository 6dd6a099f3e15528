package bus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tenzoki/agenorc/internal/bus"
	"github.com/tenzoki/agenorc/internal/envelope"
)

func TestPublish_dispatchesToAllSubscribers(t *testing.T) {
	b := bus.New(zerolog.Nop())
	var mu sync.Mutex
	var got []string

	b.Subscribe("topic-a", "sub-1", func(env *envelope.Envelope) error {
		mu.Lock()
		got = append(got, "sub-1:"+env.ID)
		mu.Unlock()
		return nil
	}, false)
	b.Subscribe("topic-a", "sub-2", func(env *envelope.Envelope) error {
		mu.Lock()
		got = append(got, "sub-2:"+env.ID)
		mu.Unlock()
		return nil
	}, false)

	env, err := envelope.New("pub", "topic-a", map[string]any{"n": 1.0}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Publish(env); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 dispatches, got %d: %v", len(got), got)
	}
}

func TestPublish_rejectsInvalidPayload(t *testing.T) {
	b := bus.New(zerolog.Nop())
	env := &envelope.Envelope{Sender: "pub", Recipient: "topic-a", Payload: map[string]any{"bad": make(chan int)}}
	if err := b.Publish(env); err == nil {
		t.Fatal("expected InvalidPayload error")
	}
}

func TestPublish_perPublisherOrdering(t *testing.T) {
	b := bus.New(zerolog.Nop())
	var mu sync.Mutex
	var order []int

	b.Subscribe("topic-a", "sub-1", func(env *envelope.Envelope) error {
		n := env.Payload["n"].(float64)
		mu.Lock()
		order = append(order, int(n))
		mu.Unlock()
		return nil
	}, false)

	for i := 0; i < 20; i++ {
		env, _ := envelope.New("pub", "topic-a", map[string]any{"n": float64(i)}, 0)
		if err := b.Publish(env); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		done := len(order) == 20
		mu.Unlock()
		if done || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected publish-order delivery, got %v", order)
		}
	}
}

func TestUnsubscribe_stopsFurtherDelivery(t *testing.T) {
	b := bus.New(zerolog.Nop())
	var count int
	var mu sync.Mutex
	b.Subscribe("topic-a", "sub-1", func(env *envelope.Envelope) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, false)
	b.Unsubscribe("topic-a", "sub-1")

	env, _ := envelope.New("pub", "topic-a", map[string]any{}, 0)
	if err := b.Publish(env); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no dispatch after unsubscribe, got %d", count)
	}
}

func TestHandlerFailure_reportedWithoutStoppingDispatch(t *testing.T) {
	b := bus.New(zerolog.Nop())
	var reportedID string
	b.OnHandlerFailure = func(id string, err error) { reportedID = id }

	b.Subscribe("topic-a", "sub-1", func(env *envelope.Envelope) error {
		return errTest
	}, false)

	env, _ := envelope.New("pub", "topic-a", map[string]any{}, 0)
	if err := b.Publish(env); err != nil {
		t.Fatalf("publish itself should not fail: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if reportedID != "sub-1" {
		t.Fatalf("expected failure reported for sub-1, got %q", reportedID)
	}
}

var errTest = testError("boom")

type testError string

func (e testError) Error() string { return string(e) }
