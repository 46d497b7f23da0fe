package consensus

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/witnz/topicrelay/internal/storage"
)

type CommandType uint8

const (
	CommandCreateTopic CommandType = iota + 1
	CommandSubmitMessage
)

func (t CommandType) String() string {
	switch t {
	case CommandCreateTopic:
		return "create_topic"
	case CommandSubmitMessage:
		return "submit_message"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Command is one raft log entry. The leader stamps Timestamp so every
// replica derives the same consensus time and running hash.
type Command struct {
	Type          CommandType `msgpack:"t"`
	TransactionID string      `msgpack:"tx"`
	Payer         string      `msgpack:"payer"`
	TopicID       string      `msgpack:"topic,omitempty"`
	Memo          string      `msgpack:"memo,omitempty"`
	Payload       []byte      `msgpack:"payload,omitempty"`
	Timestamp     time.Time   `msgpack:"ts"`
	PublicKey     []byte      `msgpack:"pk"`
	Signature     []byte      `msgpack:"sig,omitempty"`
}

// SigningBytes is the encoding covered by Signature.
func (c *Command) SigningBytes() ([]byte, error) {
	unsigned := *c
	unsigned.Signature = nil
	return msgpack.Marshal(&unsigned)
}

func (c *Command) Verify() error {
	if len(c.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key length: %d", len(c.PublicKey))
	}
	msg, err := c.SigningBytes()
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(c.PublicKey), msg, c.Signature) {
		return fmt.Errorf("invalid signature for transaction %s", c.TransactionID)
	}
	return nil
}

func encodeCommand(c *Command) ([]byte, error) {
	return msgpack.Marshal(c)
}

func decodeCommand(data []byte) (*Command, error) {
	var c Command
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ApplyResult is returned through the raft future of a committed command.
type ApplyResult struct {
	Topic   *storage.TopicRecord
	Message *storage.MessageRecord
}
