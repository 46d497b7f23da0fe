package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/witnz/topicrelay/internal/hash"
	bolt "go.etcd.io/bbolt"
)

var (
	TopicsBucket      = []byte("topics")
	MessagesBucket    = []byte("messages")
	MetadataBucket    = []byte("metadata")
	WorkflowsBucket   = []byte("workflows")
	DeploymentsBucket = []byte("deployments")
)

const (
	nextTopicKey    = "next_topic_num"
	appliedIndexKey = "applied_index"
	networkKey      = "network"
	firstTopicNum   = 1001
	topicShardRealm = "0.0."
)

var (
	ErrTopicNotFound   = errors.New("topic not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotFound        = errors.New("record not found")
	ErrNetworkMismatch = errors.New("data directory belongs to another network")
)

type Storage struct {
	db *bolt.DB
}

type TopicRecord struct {
	ID          string    `json:"id"`
	Memo        string    `json:"memo"`
	Owner       string    `json:"owner"`
	Sequence    uint64    `json:"sequence"`
	RunningHash string    `json:"running_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

type MessageRecord struct {
	TopicID       string    `json:"topic_id"`
	Sequence      uint64    `json:"sequence"`
	Payload       []byte    `json:"payload"`
	ConsensusTime time.Time `json:"consensus_time"`
	RunningHash   string    `json:"running_hash"`
	Payer         string    `json:"payer"`
	TransactionID string    `json:"transaction_id"`
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{TopicsBucket, MessagesBucket, MetadataBucket, WorkflowsBucket, DeploymentsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func messageKey(topicID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s:%020d", topicID, seq))
}

// BindNetwork ties the store to network. The first call records it; later
// opens under a different network fail with ErrNetworkMismatch.
func (s *Storage) BindNetwork(network string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(MetadataBucket)
		if stored := meta.Get([]byte(networkKey)); stored != nil {
			if string(stored) != network {
				return fmt.Errorf("%w: written under %s, configured %s", ErrNetworkMismatch, stored, network)
			}
			return nil
		}
		return meta.Put([]byte(networkKey), []byte(network))
	})
}

// AppliedIndex returns the raft index recorded by the last indexed write, or
// zero if there was none.
func (s *Storage) AppliedIndex() (uint64, error) {
	var index uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		index, err = readCounter(tx.Bucket(MetadataBucket), appliedIndexKey, 0)
		return err
	})

	return index, err
}

func readCounter(meta *bolt.Bucket, key string, def uint64) (uint64, error) {
	raw := meta.Get([]byte(key))
	if raw == nil {
		return def, nil
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt %s: %w", key, err)
	}
	return n, nil
}

// markApplied records index inside the caller's transaction. Index zero
// marks nothing.
func markApplied(tx *bolt.Tx, index uint64) error {
	if index == 0 {
		return nil
	}
	return tx.Bucket(MetadataBucket).Put([]byte(appliedIndexKey), []byte(strconv.FormatUint(index, 10)))
}

// CreateTopic allocates the next topic number and stores an empty topic.
// A non-zero index is recorded as the applied index in the same transaction.
func (s *Storage) CreateTopic(index uint64, memo, owner string, createdAt time.Time) (*TopicRecord, error) {
	var record *TopicRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(MetadataBucket)
		num, err := readCounter(meta, nextTopicKey, firstTopicNum)
		if err != nil {
			return err
		}

		record = &TopicRecord{
			ID:          topicShardRealm + strconv.FormatUint(num, 10),
			Memo:        memo,
			Owner:       owner,
			RunningHash: hash.Genesis,
			CreatedAt:   createdAt,
		}

		if err := putJSON(tx.Bucket(TopicsBucket), []byte(record.ID), record); err != nil {
			return err
		}
		if err := markApplied(tx, index); err != nil {
			return err
		}
		return meta.Put([]byte(nextTopicKey), []byte(strconv.FormatUint(num+1, 10)))
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

func (s *Storage) GetTopic(id string) (*TopicRecord, error) {
	var record TopicRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(TopicsBucket).Get([]byte(id))
		if data == nil {
			return ErrTopicNotFound
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}

	return &record, nil
}

func (s *Storage) ListTopics() ([]TopicRecord, error) {
	topics := make([]TopicRecord, 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(TopicsBucket).ForEach(func(k, v []byte) error {
			var record TopicRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("failed to unmarshal topic %s: %w", k, err)
			}
			topics = append(topics, record)
			return nil
		})
	})

	return topics, err
}

// AppendMessage assigns the next sequence number of the topic, extends its
// running hash and stores the message in one transaction, together with the
// applied index when it is non-zero.
func (s *Storage) AppendMessage(index uint64, topicID string, payload []byte, payer, txID string, consensusTime time.Time) (*MessageRecord, error) {
	var record *MessageRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		topics := tx.Bucket(TopicsBucket)
		data := topics.Get([]byte(topicID))
		if data == nil {
			return ErrTopicNotFound
		}

		var topic TopicRecord
		if err := json.Unmarshal(data, &topic); err != nil {
			return fmt.Errorf("failed to unmarshal topic: %w", err)
		}

		chain := hash.NewRunningHash(topic.ID, topic.RunningHash, topic.Sequence)
		seq, head := chain.Add(consensusTime, payload)

		record = &MessageRecord{
			TopicID:       topic.ID,
			Sequence:      seq,
			Payload:       append([]byte(nil), payload...),
			ConsensusTime: consensusTime,
			RunningHash:   head,
			Payer:         payer,
			TransactionID: txID,
		}
		if err := putJSON(tx.Bucket(MessagesBucket), messageKey(topic.ID, seq), record); err != nil {
			return err
		}

		topic.Sequence = seq
		topic.RunningHash = head
		if err := putJSON(topics, []byte(topic.ID), &topic); err != nil {
			return err
		}
		return markApplied(tx, index)
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

func (s *Storage) GetMessage(topicID string, seq uint64) (*MessageRecord, error) {
	var record MessageRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(MessagesBucket).Get(messageKey(topicID, seq))
		if data == nil {
			return ErrMessageNotFound
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// MessagesAfter returns up to limit messages of topicID with a sequence
// greater than after, in order. A limit of zero means no limit.
func (s *Storage) MessagesAfter(topicID string, after uint64, limit int) ([]MessageRecord, error) {
	messages := make([]MessageRecord, 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(TopicsBucket).Get([]byte(topicID)) == nil {
			return ErrTopicNotFound
		}

		cursor := tx.Bucket(MessagesBucket).Cursor()
		prefix := []byte(topicID + ":")

		for k, v := cursor.Seek(messageKey(topicID, after+1)); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var record MessageRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("failed to unmarshal message %s: %w", k, err)
			}
			messages = append(messages, record)
			if limit > 0 && len(messages) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return messages, nil
}

func putJSON(bucket *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return bucket.Put(key, data)
}
