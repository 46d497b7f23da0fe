package consensus

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/witnz/topicrelay/internal/storage"
)

type FSM struct {
	mu      sync.RWMutex
	storage *storage.Storage
	hub     *hub
	logger  *slog.Logger
}

func NewFSM(store *storage.Storage, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{
		storage: store,
		hub:     newHub(),
		logger:  logger,
	}
}

// Apply executes one committed entry. Entries at or below the store's applied
// index are already reflected in the bbolt state and are skipped, which keeps
// the log replay on restart from writing them twice.
func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	applied, err := f.storage.AppliedIndex()
	if err != nil {
		return fmt.Errorf("failed to read applied index: %w", err)
	}
	if log.Index != 0 && log.Index <= applied {
		f.logger.Debug("Skipping applied log entry", "index", log.Index, "applied", applied)
		return nil
	}

	cmd, err := decodeCommand(log.Data)
	if err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	if err := cmd.Verify(); err != nil {
		f.logger.Warn("Rejected unsigned command", "tx", cmd.TransactionID, "error", err)
		return err
	}

	switch cmd.Type {
	case CommandCreateTopic:
		return f.applyCreateTopic(log.Index, cmd)
	case CommandSubmitMessage:
		return f.applySubmitMessage(log.Index, cmd)
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

func (f *FSM) applyCreateTopic(index uint64, cmd *Command) interface{} {
	topic, err := f.storage.CreateTopic(index, cmd.Memo, cmd.Payer, cmd.Timestamp)
	if err != nil {
		return err
	}
	return &ApplyResult{Topic: topic}
}

func (f *FSM) applySubmitMessage(index uint64, cmd *Command) interface{} {
	msg, err := f.storage.AppendMessage(index, cmd.TopicID, cmd.Payload, cmd.Payer, cmd.TransactionID, cmd.Timestamp)
	if err != nil {
		return err
	}
	f.hub.notify(cmd.TopicID)
	return &ApplyResult{Message: msg}
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap, err := f.storage.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot storage: %w", err)
	}

	return &fsmSnapshot{snapshot: snap}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer rc.Close()

	var snap storage.Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	if err := f.storage.Restore(&snap); err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}

	f.hub.notifyAll()
	return nil
}

type fsmSnapshot struct {
	snapshot *storage.Snapshot
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.snapshot); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return sink.Close()
}

func (s *fsmSnapshot) Release() {
}
