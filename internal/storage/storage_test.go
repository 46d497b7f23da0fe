package storage

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/witnz/topicrelay/internal/hash"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "topicrelay-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile.Close()
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	store, err := New(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStorage(t *testing.T) {
	storage := newTestStorage(t)

	var topicID string

	t.Run("CreateTopicAllocatesIDs", func(t *testing.T) {
		first, err := storage.CreateTopic(0, "source", "0.0.2", time.Now())
		if err != nil {
			t.Fatalf("CreateTopic failed: %v", err)
		}
		second, err := storage.CreateTopic(0, "target", "0.0.2", time.Now())
		if err != nil {
			t.Fatalf("CreateTopic failed: %v", err)
		}

		if first.ID != "0.0.1001" || second.ID != "0.0.1002" {
			t.Errorf("Expected 0.0.1001 and 0.0.1002, got %s and %s", first.ID, second.ID)
		}
		if first.RunningHash != hash.Genesis {
			t.Errorf("Expected genesis running hash, got %s", first.RunningHash)
		}
		topicID = first.ID
	})

	t.Run("AppendMessageAssignsSequence", func(t *testing.T) {
		ts := time.Now().UTC()
		for i := 1; i <= 3; i++ {
			msg, err := storage.AppendMessage(0, topicID, []byte{byte('a' + i)}, "0.0.2", "tx", ts)
			if err != nil {
				t.Fatalf("AppendMessage failed: %v", err)
			}
			if msg.Sequence != uint64(i) {
				t.Errorf("Expected sequence %d, got %d", i, msg.Sequence)
			}
		}

		topic, err := storage.GetTopic(topicID)
		if err != nil {
			t.Fatalf("GetTopic failed: %v", err)
		}
		if topic.Sequence != 3 {
			t.Errorf("Expected topic sequence 3, got %d", topic.Sequence)
		}

		last, err := storage.GetMessage(topicID, 3)
		if err != nil {
			t.Fatalf("GetMessage failed: %v", err)
		}
		if last.RunningHash != topic.RunningHash {
			t.Error("Topic head should match the last message's running hash")
		}
	})

	t.Run("AppendToUnknownTopic", func(t *testing.T) {
		_, err := storage.AppendMessage(0, "0.0.9999", []byte("x"), "0.0.2", "tx", time.Now())
		if !errors.Is(err, ErrTopicNotFound) {
			t.Errorf("Expected ErrTopicNotFound, got %v", err)
		}
	})

	t.Run("MessagesAfter", func(t *testing.T) {
		all, err := storage.MessagesAfter(topicID, 0, 0)
		if err != nil {
			t.Fatalf("MessagesAfter failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("Expected 3 messages, got %d", len(all))
		}

		tail, err := storage.MessagesAfter(topicID, 1, 1)
		if err != nil {
			t.Fatalf("MessagesAfter failed: %v", err)
		}
		if len(tail) != 1 || tail[0].Sequence != 2 {
			t.Errorf("Expected only sequence 2, got %+v", tail)
		}

		other, err := storage.MessagesAfter("0.0.1002", 0, 0)
		if err != nil {
			t.Fatalf("MessagesAfter failed: %v", err)
		}
		if len(other) != 0 {
			t.Errorf("Expected no messages on 0.0.1002, got %d", len(other))
		}
	})

	t.Run("AppliedIndexFollowsIndexedWrites", func(t *testing.T) {
		if _, err := storage.CreateTopic(7, "indexed", "0.0.2", time.Now()); err != nil {
			t.Fatalf("CreateTopic failed: %v", err)
		}
		if _, err := storage.AppendMessage(9, topicID, []byte("z"), "0.0.2", "tx", time.Now()); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}

		index, err := storage.AppliedIndex()
		if err != nil {
			t.Fatalf("AppliedIndex failed: %v", err)
		}
		if index != 9 {
			t.Errorf("Expected applied index 9, got %d", index)
		}

		if _, err := storage.AppendMessage(0, topicID, []byte("unindexed"), "0.0.2", "tx", time.Now()); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
		if index, _ := storage.AppliedIndex(); index != 9 {
			t.Errorf("Unindexed write should keep applied index 9, got %d", index)
		}
	})

	t.Run("FailedWriteKeepsAppliedIndex", func(t *testing.T) {
		if _, err := storage.AppendMessage(12, "0.0.9999", []byte("x"), "0.0.2", "tx", time.Now()); err == nil {
			t.Fatal("Expected error for unknown topic")
		}
		if index, _ := storage.AppliedIndex(); index != 9 {
			t.Errorf("Failed write should not move the applied index, got %d", index)
		}
	})
}

func TestBindNetwork(t *testing.T) {
	store := newTestStorage(t)

	if err := store.BindNetwork("testnet"); err != nil {
		t.Fatalf("first BindNetwork failed: %v", err)
	}
	if err := store.BindNetwork("testnet"); err != nil {
		t.Errorf("same network should be accepted: %v", err)
	}
	if err := store.BindNetwork("mainnet"); !errors.Is(err, ErrNetworkMismatch) {
		t.Errorf("Expected ErrNetworkMismatch, got %v", err)
	}

	snap, err := store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if err := store.Restore(snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if err := store.BindNetwork("mainnet"); !errors.Is(err, ErrNetworkMismatch) {
		t.Error("Restore should keep the network binding")
	}
}

func TestSnapshotRestore(t *testing.T) {
	src := newTestStorage(t)
	topic, err := src.CreateTopic(0, "source", "0.0.2", time.Now())
	if err != nil {
		t.Fatalf("CreateTopic failed: %v", err)
	}
	if _, err := src.AppendMessage(4, topic.ID, []byte("hello"), "0.0.2", "tx", time.Now()); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	snap, err := src.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if snap.AppliedIndex != 4 {
		t.Errorf("Expected snapshot applied index 4, got %d", snap.AppliedIndex)
	}

	dst := newTestStorage(t)
	if _, err := dst.CreateTopic(11, "stale", "0.0.3", time.Now()); err != nil {
		t.Fatalf("CreateTopic failed: %v", err)
	}
	if err := dst.Restore(snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	topics, err := dst.ListTopics()
	if err != nil {
		t.Fatalf("ListTopics failed: %v", err)
	}
	if len(topics) != 1 || topics[0].Memo != "source" {
		t.Errorf("Expected only the restored topic, got %+v", topics)
	}

	msg, err := dst.GetMessage(topic.ID, 1)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if string(msg.Payload) != "hello" {
		t.Errorf("Expected payload hello, got %s", msg.Payload)
	}

	if index, _ := dst.AppliedIndex(); index != 4 {
		t.Errorf("Expected restored applied index 4, got %d", index)
	}

	next, err := dst.CreateTopic(0, "after-restore", "0.0.2", time.Now())
	if err != nil {
		t.Fatalf("CreateTopic failed: %v", err)
	}
	if next.ID != "0.0.1002" {
		t.Errorf("Expected counter to continue at 0.0.1002, got %s", next.ID)
	}
}

func TestWorkflowRunsAndDeployments(t *testing.T) {
	store := newTestStorage(t)

	now := time.Now()
	runs := []*WorkflowRun{
		{ID: "b", State: "completed", StartedAt: now.Add(time.Second)},
		{ID: "a", State: "failed", FailedStep: "transfer", StartedAt: now},
	}
	for _, r := range runs {
		if err := store.SaveWorkflowRun(r); err != nil {
			t.Fatalf("SaveWorkflowRun failed: %v", err)
		}
	}

	got, err := store.GetWorkflowRun("a")
	if err != nil {
		t.Fatalf("GetWorkflowRun failed: %v", err)
	}
	if got.FailedStep != "transfer" {
		t.Errorf("Expected failed step transfer, got %s", got.FailedStep)
	}

	list, err := store.ListWorkflowRuns()
	if err != nil {
		t.Fatalf("ListWorkflowRuns failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a" {
		t.Errorf("Expected runs ordered by start time, got %+v", list)
	}

	if _, err := store.GetDeployment("mrp"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := store.SaveDeployment(&Deployment{Tick: "mrp", TopicID: "0.0.1005"}); err != nil {
		t.Fatalf("SaveDeployment failed: %v", err)
	}
	d, err := store.GetDeployment("mrp")
	if err != nil {
		t.Fatalf("GetDeployment failed: %v", err)
	}
	if d.TopicID != "0.0.1005" {
		t.Errorf("Expected topic 0.0.1005, got %s", d.TopicID)
	}
}
