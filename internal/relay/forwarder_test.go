package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/witnz/topicrelay/internal/ledger"
	"github.com/witnz/topicrelay/internal/ledger/ledgertest"
)

type panicClient struct {
	ledger.Client
}

func (panicClient) Submit(ctx context.Context, topic ledger.TopicID, payload []byte) (ledger.Receipt, error) {
	panic("client bug")
}

type unconfirmedClient struct {
	ledger.Client
}

func (unconfirmedClient) Submit(ctx context.Context, topic ledger.TopicID, payload []byte) (ledger.Receipt, error) {
	return ledger.Receipt{TopicID: topic}, nil
}

func TestForward(t *testing.T) {
	healthy := ledgertest.New()
	healthy.AddTopic("0.0.2002")

	failing := ledgertest.New()
	failing.AddTopic("0.0.2002")
	failing.SetFault(func(op string, topic ledger.TopicID, payload []byte) error {
		return errors.New("connection refused")
	})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		client  ledger.Client
		target  ledger.TopicID
		ctx     context.Context
		payload []byte
		want    bool
	}{
		{name: "success", client: healthy, target: "0.0.2002", payload: []byte("hello"), want: true},
		{name: "no client", client: nil, target: "0.0.2002", payload: []byte("hello"), want: false},
		{name: "no target", client: healthy, target: "", payload: []byte("hello"), want: false},
		{name: "empty payload", client: healthy, target: "0.0.2002", payload: nil, want: false},
		{name: "unknown target", client: healthy, target: "0.0.4040", payload: []byte("hello"), want: false},
		{name: "transport error", client: failing, target: "0.0.2002", payload: []byte("hello"), want: false},
		{name: "cancelled", client: healthy, target: "0.0.2002", ctx: cancelled, payload: []byte("hello"), want: false},
		{name: "client panic", client: panicClient{}, target: "0.0.2002", payload: []byte("hello"), want: false},
		{name: "unconfirmed receipt", client: unconfirmedClient{}, target: "0.0.2002", payload: []byte("hello"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := tt.ctx
			if ctx == nil {
				ctx = context.Background()
			}
			f := NewForwarder(tt.client, tt.target, nil)
			if got := f.Forward(ctx, tt.payload); got != tt.want {
				t.Errorf("Forward() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestForwardCommitsPayload(t *testing.T) {
	client := ledgertest.New()
	client.AddTopic("0.0.2002")

	f := NewForwarder(client, "0.0.2002", nil)
	if err := f.Handle(context.Background(), []byte(`{"event_id":"e1"}`)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	entries, err := client.Messages(context.Background(), "0.0.2002")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Payload) != `{"event_id":"e1"}` {
		t.Errorf("unexpected target contents: %+v", entries)
	}
}

func TestHandleReportsFailure(t *testing.T) {
	f := NewForwarder(nil, "", nil)
	if err := f.Handle(context.Background(), []byte("x")); !errors.Is(err, ErrForwardFailed) {
		t.Errorf("expected ErrForwardFailed, got %v", err)
	}
}

func TestRelayPipeline(t *testing.T) {
	client := ledgertest.New()
	client.AddTopic("0.0.1001")
	client.AddTopic("0.0.2002")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	forwarded := make(chan struct{}, 4)
	f := NewForwarder(client, "0.0.2002", nil)
	sub := NewSubscriber(client, nil, nil)

	err := sub.Start(ctx, "0.0.1001", ledger.FromNow(), func(ctx context.Context, payload []byte) error {
		defer func() { forwarded <- struct{}{} }()
		return f.Handle(ctx, payload)
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	submit(t, client, "0.0.1001", "a")
	submit(t, client, "0.0.1001", "b")
	<-forwarded
	<-forwarded

	entries, err := client.Messages(ctx, "0.0.2002")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(entries) != 2 || string(entries[0].Payload) != "a" || string(entries[1].Payload) != "b" {
		t.Errorf("target topic does not mirror source order: %+v", entries)
	}

	cancel()
	sub.Wait()
}
