// Package ledgertest provides an in-memory ledger.Client for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/witnz/topicrelay/internal/ledger"
)

// Call records one ledger operation in the order it was issued.
type Call struct {
	Op      string
	Topic   ledger.TopicID
	Payload []byte
	Memo    string
}

// FaultFunc is consulted before every operation; a non-nil error fails the
// call without touching state.
type FaultFunc func(op string, topic ledger.TopicID, payload []byte) error

type topic struct {
	memo    string
	entries []ledger.LogEntry
}

type Client struct {
	mu        sync.Mutex
	topics    map[ledger.TopicID]*topic
	nextTopic uint64
	calls     []Call
	fault     FaultFunc
	changed   chan struct{}
	kill      chan struct{}
	payer     ledger.AccountID
}

func New() *Client {
	return &Client{
		topics:    make(map[ledger.TopicID]*topic),
		nextTopic: 1001,
		changed:   make(chan struct{}),
		kill:      make(chan struct{}),
		payer:     "0.0.2",
	}
}

// SetFault installs f as the fault hook. Pass nil to clear it.
func (c *Client) SetFault(f FaultFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fault = f
}

// AddTopic creates a topic directly, without recording a call.
func (c *Client) AddTopic(id ledger.TopicID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[id]; !ok {
		c.topics[id] = &topic{}
	}
}

// Calls returns a copy of every recorded operation.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// DropSubscriptions closes every open subscription channel as if the
// connection had been lost.
func (c *Client) DropSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.kill)
	c.kill = make(chan struct{})
}

func (c *Client) check(op string, id ledger.TopicID, payload []byte, memo string) error {
	c.calls = append(c.calls, Call{Op: op, Topic: id, Payload: append([]byte(nil), payload...), Memo: memo})
	if c.fault != nil {
		return c.fault(op, id, payload)
	}
	return nil
}

func (c *Client) CreateTopic(ctx context.Context, memo string) (ledger.TopicID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("create_topic", "", nil, memo); err != nil {
		return "", err
	}
	id := ledger.TopicID(fmt.Sprintf("0.0.%d", c.nextTopic))
	for c.topics[id] != nil {
		c.nextTopic++
		id = ledger.TopicID(fmt.Sprintf("0.0.%d", c.nextTopic))
	}
	c.nextTopic++
	c.topics[id] = &topic{memo: memo}
	return id, nil
}

func (c *Client) Submit(ctx context.Context, id ledger.TopicID, payload []byte) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("submit", id, payload, ""); err != nil {
		return ledger.Receipt{}, err
	}
	t, ok := c.topics[id]
	if !ok {
		return ledger.Receipt{}, ledger.ErrTopicNotFound
	}
	if len(payload) == 0 {
		return ledger.Receipt{}, ledger.ErrEmptyPayload
	}
	now := time.Now().UTC()
	entry := ledger.LogEntry{
		TopicID:       id,
		Sequence:      uint64(len(t.entries)) + 1,
		Payload:       append([]byte(nil), payload...),
		ConsensusTime: now,
		RunningHash:   fmt.Sprintf("hash-%s-%d", id, len(t.entries)+1),
		Payer:         c.payer,
	}
	t.entries = append(t.entries, entry)
	close(c.changed)
	c.changed = make(chan struct{})

	return ledger.Receipt{
		TransactionID: fmt.Sprintf("%s@%d.%09d", c.payer, now.Unix(), now.Nanosecond()),
		TopicID:       id,
		Sequence:      entry.Sequence,
		RunningHash:   entry.RunningHash,
		Confirmed:     true,
	}, nil
}

func (c *Client) Messages(ctx context.Context, id ledger.TopicID) ([]ledger.LogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("query", id, nil, ""); err != nil {
		return nil, err
	}
	t, ok := c.topics[id]
	if !ok {
		return nil, ledger.ErrTopicNotFound
	}
	out := make([]ledger.LogEntry, len(t.entries))
	copy(out, t.entries)
	return out, nil
}

func (c *Client) Subscribe(ctx context.Context, id ledger.TopicID, start ledger.Cursor) (<-chan ledger.LogEntry, error) {
	c.mu.Lock()
	if err := c.check("subscribe", id, nil, ""); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	t, ok := c.topics[id]
	if !ok {
		c.mu.Unlock()
		return nil, ledger.ErrTopicNotFound
	}
	next, replay := start.Position()
	if !replay {
		next = uint64(len(t.entries))
	}
	kill := c.kill
	c.mu.Unlock()

	ch := make(chan ledger.LogEntry)
	go func() {
		defer close(ch)
		for {
			c.mu.Lock()
			pending := append([]ledger.LogEntry(nil), t.entries[min(next, uint64(len(t.entries))):]...)
			changed := c.changed
			c.mu.Unlock()

			for _, e := range pending {
				select {
				case ch <- e:
					next = e.Sequence
				case <-ctx.Done():
					return
				case <-kill:
					return
				}
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			case <-kill:
				return
			}
		}
	}()
	return ch, nil
}
