package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/witnz/topicrelay/internal/ledger"
	"github.com/witnz/topicrelay/internal/storage"
)

const subscriptionBatch = 256

// Client exposes a raft Node as a ledger.Client. Every command is signed by
// the operator; reads are served from the local replica.
type Client struct {
	node     *Node
	storage  *storage.Storage
	operator *ledger.Operator
	logger   *slog.Logger
	now      func() time.Time
}

var _ ledger.Client = (*Client)(nil)

func NewClient(node *Node, store *storage.Storage, operator *ledger.Operator, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		node:     node,
		storage:  store,
		operator: operator,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (c *Client) newCommand(typ CommandType) *Command {
	ts := c.now()
	return &Command{
		Type:          typ,
		TransactionID: fmt.Sprintf("%s@%d.%09d", c.operator.Account, ts.Unix(), ts.Nanosecond()),
		Payer:         string(c.operator.Account),
		Timestamp:     ts,
		PublicKey:     c.operator.PublicKey(),
	}
}

func (c *Client) sign(cmd *Command) error {
	msg, err := cmd.SigningBytes()
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	cmd.Signature = c.operator.Sign(msg)
	return nil
}

func (c *Client) CreateTopic(ctx context.Context, memo string) (ledger.TopicID, error) {
	cmd := c.newCommand(CommandCreateTopic)
	cmd.Memo = memo
	if err := c.sign(cmd); err != nil {
		return "", err
	}

	res, err := c.node.Apply(ctx, cmd)
	if err != nil {
		return "", err
	}

	c.logger.Debug("Topic created", "topic", res.Topic.ID, "memo", memo, "tx", cmd.TransactionID)
	return ledger.TopicID(res.Topic.ID), nil
}

func (c *Client) Submit(ctx context.Context, topic ledger.TopicID, payload []byte) (ledger.Receipt, error) {
	if len(payload) == 0 {
		return ledger.Receipt{}, ledger.ErrEmptyPayload
	}

	cmd := c.newCommand(CommandSubmitMessage)
	cmd.TopicID = string(topic)
	cmd.Payload = payload
	if err := c.sign(cmd); err != nil {
		return ledger.Receipt{}, err
	}

	res, err := c.node.Apply(ctx, cmd)
	if err != nil {
		return ledger.Receipt{}, mapStorageError(err)
	}

	return ledger.Receipt{
		TransactionID: cmd.TransactionID,
		TopicID:       topic,
		Sequence:      res.Message.Sequence,
		RunningHash:   res.Message.RunningHash,
		Confirmed:     true,
	}, nil
}

func (c *Client) Messages(ctx context.Context, topic ledger.TopicID) ([]ledger.LogEntry, error) {
	records, err := c.storage.MessagesAfter(string(topic), 0, 0)
	if err != nil {
		return nil, mapStorageError(err)
	}

	entries := make([]ledger.LogEntry, 0, len(records))
	for i := range records {
		entries = append(entries, toLogEntry(&records[i]))
	}
	return entries, nil
}

// Subscribe streams committed messages of topic in sequence order. It works
// on followers as well as the leader since it reads the local replica.
func (c *Client) Subscribe(ctx context.Context, topic ledger.TopicID, start ledger.Cursor) (<-chan ledger.LogEntry, error) {
	record, err := c.storage.GetTopic(string(topic))
	if err != nil {
		return nil, mapStorageError(err)
	}

	next, replay := start.Position()
	if !replay {
		next = record.Sequence
	}

	ch := make(chan ledger.LogEntry)
	go func() {
		defer close(ch)
		for {
			wake := c.node.fsm.hub.wait(string(topic))

			batch, err := c.storage.MessagesAfter(string(topic), next, subscriptionBatch)
			if err != nil {
				c.logger.Error("Subscription read failed", "topic", topic, "after", next, "error", err)
				return
			}

			for i := range batch {
				select {
				case ch <- toLogEntry(&batch[i]):
					next = batch[i].Sequence
				case <-ctx.Done():
					return
				}
			}

			if len(batch) == subscriptionBatch {
				continue
			}

			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func toLogEntry(m *storage.MessageRecord) ledger.LogEntry {
	return ledger.LogEntry{
		TopicID:       ledger.TopicID(m.TopicID),
		Sequence:      m.Sequence,
		Payload:       m.Payload,
		ConsensusTime: m.ConsensusTime,
		RunningHash:   m.RunningHash,
		Payer:         ledger.AccountID(m.Payer),
	}
}

func mapStorageError(err error) error {
	if errors.Is(err, storage.ErrTopicNotFound) {
		return fmt.Errorf("%w: %v", ledger.ErrTopicNotFound, err)
	}
	return err
}
