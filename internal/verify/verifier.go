package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/witnz/topicrelay/internal/hash"
	"github.com/witnz/topicrelay/internal/storage"
)

const verifyBatch = 512

type Alerter interface {
	SendChainBrokenAlert(topicID string, sequence uint64, expectedHash, actualHash string) error
}

// Report summarises one verified topic.
type Report struct {
	TopicID  string
	Messages uint64
	Head     string
}

// TopicVerifier recomputes the running hash chain of topics held in local
// storage and compares it with what was stored at commit time.
type TopicVerifier struct {
	storage *storage.Storage
	alerts  Alerter
	logger  *slog.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewTopicVerifier(store *storage.Storage, alerts Alerter, logger *slog.Logger) *TopicVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopicVerifier{
		storage: store,
		alerts:  alerts,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// VerifyTopic walks every message of topicID in sequence order.
func (v *TopicVerifier) VerifyTopic(topicID string) (*Report, error) {
	topic, err := v.storage.GetTopic(topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to get topic %s: %w", topicID, err)
	}

	chain := hash.NewRunningHash(topicID, hash.Genesis, 0)
	for {
		batch, err := v.storage.MessagesAfter(topicID, chain.Sequence(), verifyBatch)
		if err != nil {
			return nil, fmt.Errorf("failed to read messages of %s: %w", topicID, err)
		}

		for i := range batch {
			msg := &batch[i]
			if msg.Sequence != chain.Sequence()+1 {
				return nil, v.broken(topicID, chain.Sequence()+1, "missing message",
					strconv.FormatUint(chain.Sequence()+1, 10), strconv.FormatUint(msg.Sequence, 10))
			}

			seq, head := chain.Add(msg.ConsensusTime, msg.Payload)
			if msg.RunningHash != head {
				return nil, v.broken(topicID, seq, "running hash mismatch", head, msg.RunningHash)
			}
		}

		if len(batch) < verifyBatch {
			break
		}
	}

	if topic.Sequence != chain.Sequence() {
		return nil, v.broken(topicID, topic.Sequence, "topic sequence does not match messages",
			strconv.FormatUint(chain.Sequence(), 10), strconv.FormatUint(topic.Sequence, 10))
	}
	if topic.Sequence > 0 && topic.RunningHash != chain.Head() {
		return nil, v.broken(topicID, topic.Sequence, "topic head mismatch", chain.Head(), topic.RunningHash)
	}

	v.logger.Debug("Hash chain verified", "topic", topicID, "messages", chain.Sequence())
	return &Report{TopicID: topicID, Messages: chain.Sequence(), Head: chain.Head()}, nil
}

// VerifyAll verifies every topic and reports all broken chains together.
func (v *TopicVerifier) VerifyAll() ([]Report, error) {
	topics, err := v.storage.ListTopics()
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}

	reports := make([]Report, 0, len(topics))
	var errs []error
	for _, t := range topics {
		report, err := v.VerifyTopic(t.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, *report)
	}

	return reports, errors.Join(errs...)
}

// Start verifies all topics once, then again every interval until Stop.
// A zero interval only runs the startup pass.
func (v *TopicVerifier) Start(ctx context.Context, interval time.Duration) {
	v.logger.Info("Running startup hash chain verification")
	v.runOnce()

	if interval <= 0 {
		return
	}

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-v.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				v.runOnce()
			}
		}
	}()
}

func (v *TopicVerifier) Stop() {
	close(v.stopCh)
	v.wg.Wait()
}

func (v *TopicVerifier) runOnce() {
	reports, err := v.VerifyAll()
	if err != nil {
		v.logger.Error("Hash chain verification failed", "error", err)
		return
	}
	v.logger.Info("Hash chain verification passed", "topics", len(reports))
}

func (v *TopicVerifier) broken(topicID string, sequence uint64, reason, expected, actual string) error {
	err := NewChainBrokenError(topicID, sequence, reason, expected, actual)
	v.logger.Error("Hash chain broken",
		"topic", topicID,
		"sequence", sequence,
		"reason", reason,
		"expected", expected,
		"actual", actual)

	if v.alerts != nil {
		if aerr := v.alerts.SendChainBrokenAlert(topicID, sequence, expected, actual); aerr != nil {
			v.logger.Error("Failed to send alert", "error", aerr)
		}
	}
	return err
}
