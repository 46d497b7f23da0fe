package storage

import (
	"encoding/json"
	"fmt"
	"strconv"

	bolt "go.etcd.io/bbolt"
)

// Snapshot is the replicated part of the store: topics, their messages, the
// topic counter and the raft index they reflect. Workflow runs and
// deployments are node local.
type Snapshot struct {
	AppliedIndex uint64          `json:"applied_index"`
	NextTopic    uint64          `json:"next_topic"`
	Topics       []TopicRecord   `json:"topics"`
	Messages     []MessageRecord `json:"messages"`
}

func (s *Storage) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{
		NextTopic: firstTopicNum,
		Topics:    make([]TopicRecord, 0),
		Messages:  make([]MessageRecord, 0),
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(MetadataBucket)
		var err error
		if snap.NextTopic, err = readCounter(meta, nextTopicKey, firstTopicNum); err != nil {
			return err
		}
		if snap.AppliedIndex, err = readCounter(meta, appliedIndexKey, 0); err != nil {
			return err
		}

		if err := tx.Bucket(TopicsBucket).ForEach(func(k, v []byte) error {
			var t TopicRecord
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			snap.Topics = append(snap.Topics, t)
			return nil
		}); err != nil {
			return fmt.Errorf("failed to read topics: %w", err)
		}

		return tx.Bucket(MessagesBucket).ForEach(func(k, v []byte) error {
			var m MessageRecord
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			snap.Messages = append(snap.Messages, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// Restore replaces topics and messages with the snapshot contents and resets
// the applied index to the snapshot's.
func (s *Storage) Restore(snap *Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{TopicsBucket, MessagesBucket} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return fmt.Errorf("failed to clear bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		topics := tx.Bucket(TopicsBucket)
		for i := range snap.Topics {
			if err := putJSON(topics, []byte(snap.Topics[i].ID), &snap.Topics[i]); err != nil {
				return err
			}
		}

		messages := tx.Bucket(MessagesBucket)
		for i := range snap.Messages {
			m := &snap.Messages[i]
			if err := putJSON(messages, messageKey(m.TopicID, m.Sequence), m); err != nil {
				return err
			}
		}

		next := snap.NextTopic
		if next < firstTopicNum {
			next = firstTopicNum
		}
		meta := tx.Bucket(MetadataBucket)
		if err := meta.Put([]byte(appliedIndexKey), []byte(strconv.FormatUint(snap.AppliedIndex, 10))); err != nil {
			return err
		}
		return meta.Put([]byte(nextTopicKey), []byte(strconv.FormatUint(next, 10)))
	})
}
