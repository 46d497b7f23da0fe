package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/witnz/topicrelay/internal/faults"
	"github.com/witnz/topicrelay/internal/ledger"
	"github.com/witnz/topicrelay/internal/ledger/ledgertest"
)

type mockAlerter struct {
	mu    sync.Mutex
	count int
	last  uint64
}

func (m *mockAlerter) SendSubscriptionLostAlert(topicID string, lastSequence uint64, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	m.last = lastSequence
	return nil
}

func (m *mockAlerter) snapshot() (int, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count, m.last
}

// recorder collects every payload a handler saw.
type recorder struct {
	mu   sync.Mutex
	seen []string
	ch   chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 64)}
}

func (r *recorder) record(payload []byte) {
	r.mu.Lock()
	r.seen = append(r.seen, string(payload))
	r.mu.Unlock()
	r.ch <- string(payload)
}

func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case p := <-r.ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return ""
	}
}

func submit(t *testing.T, client ledger.Client, topic ledger.TopicID, payload string) {
	t.Helper()
	if _, err := client.Submit(context.Background(), topic, []byte(payload)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
}

func TestSubscriberContinuesAfterHandlerFailure(t *testing.T) {
	client := ledgertest.New()
	client.AddTopic("0.0.1001")

	rec := newRecorder()
	handler := func(ctx context.Context, payload []byte) error {
		rec.record(payload)
		switch string(payload) {
		case "fail":
			return errors.New("handler failed")
		case "panic":
			panic("handler exploded")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := NewSubscriber(client, nil, nil)
	if err := sub.Start(ctx, "0.0.1001", ledger.FromNow(), handler); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for _, p := range []string{"one", "fail", "two", "panic", "three"} {
		submit(t, client, "0.0.1001", p)
	}

	for _, want := range []string{"one", "fail", "two", "panic", "three"} {
		if got := rec.next(t); got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}

	cancel()
	sub.Wait()
}

func TestSubscriberStartsFromNow(t *testing.T) {
	client := ledgertest.New()
	client.AddTopic("0.0.1001")
	submit(t, client, "0.0.1001", "old")

	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := NewSubscriber(client, nil, nil)
	err := sub.Start(ctx, "0.0.1001", ledger.FromNow(), func(ctx context.Context, payload []byte) error {
		rec.record(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	submit(t, client, "0.0.1001", "new")
	if got := rec.next(t); got != "new" {
		t.Errorf("expected only new entries, got %q", got)
	}

	t.Run("replay", func(t *testing.T) {
		replayed := newRecorder()
		replay := NewSubscriber(client, nil, nil)
		err := replay.Start(ctx, "0.0.1001", ledger.After(0), func(ctx context.Context, payload []byte) error {
			replayed.record(payload)
			return nil
		})
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if got := replayed.next(t); got != "old" {
			t.Errorf("expected replay from the first entry, got %q", got)
		}
	})
}

func TestSubscriberResubscribesAfterLoss(t *testing.T) {
	client := ledgertest.New()
	client.AddTopic("0.0.1001")
	alerts := &mockAlerter{}

	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := NewSubscriber(client, alerts, nil)
	sub.MaxBackoff = 50 * time.Millisecond
	err := sub.Start(ctx, "0.0.1001", ledger.FromNow(), func(ctx context.Context, payload []byte) error {
		rec.record(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	submit(t, client, "0.0.1001", "before")
	if got := rec.next(t); got != "before" {
		t.Fatalf("expected before, got %q", got)
	}

	failures := 2
	var mu sync.Mutex
	client.SetFault(func(op string, topic ledger.TopicID, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if op == "subscribe" && failures > 0 {
			failures--
			return errors.New("mirror unavailable")
		}
		return nil
	})
	client.DropSubscriptions()

	submit(t, client, "0.0.1001", "after-1")
	submit(t, client, "0.0.1001", "after-2")

	for _, want := range []string{"after-1", "after-2"} {
		if got := rec.next(t); got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}

	count, last := alerts.snapshot()
	if count != 1 {
		t.Errorf("expected 1 alert, got %d", count)
	}
	if last != 1 {
		t.Errorf("expected alert at sequence 1, got %d", last)
	}

	subscribes := 0
	for _, c := range client.Calls() {
		if c.Op == "subscribe" {
			subscribes++
		}
	}
	if subscribes != 4 {
		t.Errorf("expected 4 subscribe calls, got %d", subscribes)
	}

	cancel()
	sub.Wait()
}

func TestSubscriberStartErrors(t *testing.T) {
	client := ledgertest.New()
	noop := func(ctx context.Context, payload []byte) error { return nil }

	tests := []struct {
		name    string
		client  ledger.Client
		topic   ledger.TopicID
		handler Handler
		check   func(error) bool
	}{
		{name: "no client", client: nil, topic: "0.0.1001", handler: noop, check: faults.IsConfigurationError},
		{name: "empty topic", client: client, topic: "", handler: noop, check: faults.IsConfigurationError},
		{name: "malformed topic", client: client, topic: "topic-1", handler: noop, check: faults.IsValidationError},
		{name: "unknown topic", client: client, topic: "0.0.9999", handler: noop, check: func(err error) bool {
			return errors.Is(err, ledger.ErrTopicNotFound)
		}},
		{name: "no handler", client: client, topic: "0.0.1001", handler: nil, check: func(err error) bool { return err != nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := NewSubscriber(tt.client, nil, nil)
			err := sub.Start(context.Background(), tt.topic, ledger.FromNow(), tt.handler)
			if err == nil || !tt.check(err) {
				t.Errorf("unexpected error: %v", err)
			}
			sub.Wait()
		})
	}
}

func TestSubscriberDeliversSequentially(t *testing.T) {
	client := ledgertest.New()
	client.AddTopic("0.0.1001")

	var (
		mu      sync.Mutex
		active  int
		overlap bool
	)
	done := make(chan struct{})
	count := 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := NewSubscriber(client, nil, nil)
	err := sub.Start(ctx, "0.0.1001", ledger.FromNow(), func(ctx context.Context, payload []byte) error {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		active--
		count++
		if count == 10 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		submit(t, client, "0.0.1001", fmt.Sprintf("m%d", i))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	if overlap {
		t.Error("handler invocations overlapped")
	}
}
