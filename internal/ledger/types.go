package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTopicNotFound = errors.New("topic not found")
	ErrEmptyPayload  = errors.New("empty message payload")
	ErrNotLeader     = errors.New("not the leader")
)

// TopicID identifies a topic as shard.realm.num, e.g. 0.0.1001.
type TopicID string

func (t TopicID) String() string { return string(t) }

// AccountID identifies an account as shard.realm.num.
type AccountID string

func (a AccountID) String() string { return string(a) }

// LogEntry is one committed message as delivered by a subscription or query.
type LogEntry struct {
	TopicID       TopicID   `json:"topic_id"`
	Sequence      uint64    `json:"sequence_number"`
	Payload       []byte    `json:"-"`
	ConsensusTime time.Time `json:"consensus_timestamp"`
	RunningHash   string    `json:"running_hash"`
	Payer         AccountID `json:"payer_account_id"`
}

// Receipt is proof that a submission committed.
type Receipt struct {
	TransactionID string  `json:"transaction_id"`
	TopicID       TopicID `json:"topic_id"`
	Sequence      uint64  `json:"sequence_number"`
	RunningHash   string  `json:"running_hash"`
	Confirmed     bool    `json:"confirmed"`
}

// Cursor selects where a subscription starts.
type Cursor struct {
	after  uint64
	replay bool
}

// FromNow delivers only entries committed after the subscription is opened.
func FromNow() Cursor { return Cursor{} }

// After delivers every entry whose sequence is greater than seq.
func After(seq uint64) Cursor { return Cursor{after: seq, replay: true} }

// Position returns the last sequence to skip and whether it was set
// explicitly. When ok is false the subscription starts from now.
func (c Cursor) Position() (seq uint64, ok bool) { return c.after, c.replay }

// Client is the ledger capability the relay, gateway and orchestrator
// depend on. Implementations must be safe for concurrent use.
type Client interface {
	// CreateTopic allocates a new topic and waits for it to commit.
	CreateTopic(ctx context.Context, memo string) (TopicID, error)
	// Submit appends payload to topic and blocks until the receipt is known.
	Submit(ctx context.Context, topic TopicID, payload []byte) (Receipt, error)
	// Subscribe returns an ordered stream of entries. The channel is closed
	// when ctx ends or the subscription is lost.
	Subscribe(ctx context.Context, topic TopicID, start Cursor) (<-chan LogEntry, error)
	// Messages returns every committed entry of topic in sequence order.
	Messages(ctx context.Context, topic TopicID) ([]LogEntry, error)
}

// ParseEntityID validates a shard.realm.num identifier.
func ParseEntityID(raw string) (shard, realm, num uint64, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid entity id %q: expected shard.realm.num", raw)
	}
	values := make([]uint64, 3)
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid entity id %q: %w", raw, err)
		}
		values[i] = v
	}
	return values[0], values[1], values[2], nil
}

// IsEntityID reports whether raw has the shard.realm.num form.
func IsEntityID(raw string) bool {
	_, _, _, err := ParseEntityID(raw)
	return err == nil
}
