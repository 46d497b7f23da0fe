package publish

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/witnz/topicrelay/internal/faults"
	"github.com/witnz/topicrelay/internal/ledger"
	"github.com/witnz/topicrelay/internal/metrics"
)

const DefaultMaxMessageSize = 1024

// Gateway submits validated requests to the source topic.
type Gateway struct {
	client  ledger.Client
	topic   ledger.TopicID
	maxSize int
	logger  *slog.Logger
}

// NewGateway returns a Gateway for topic. A nil client or empty topic is
// accepted and reported on every Publish.
func NewGateway(client ledger.Client, topic ledger.TopicID, maxSize int, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Gateway{client: client, topic: topic, maxSize: maxSize, logger: logger}
}

func (g *Gateway) Topic() ledger.TopicID {
	return g.topic
}

// Publish validates req and waits until it is committed to the source topic.
func (g *Gateway) Publish(ctx context.Context, req Request) (receipt ledger.Receipt, err error) {
	defer func() {
		metrics.PublishTotal.WithLabelValues(metrics.Result(err == nil)).Inc()
	}()

	if err := req.Validate(); err != nil {
		return ledger.Receipt{}, err
	}
	if g.client == nil {
		return ledger.Receipt{}, faults.NewConfigurationError("ledger", "ledger client not configured")
	}
	if g.topic == "" {
		return ledger.Receipt{}, faults.NewConfigurationError("topics.source", "source topic not configured")
	}

	payload, err := req.Canonical()
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("failed to encode message: %w", err)
	}
	if len(payload) > g.maxSize {
		return ledger.Receipt{}, faults.NewValidationError(
			fmt.Sprintf("message is %d bytes, limit is %d", len(payload), g.maxSize), "message")
	}

	receipt, err = g.client.Submit(ctx, g.topic, payload)
	if err != nil {
		if !faults.IsTransportError(err) && !faults.IsValidationError(err) {
			err = faults.NewTransportError("submit", string(g.topic), err)
		}
		g.logger.Error("Failed to publish message", "topic", g.topic, "event_id", req.EventID, "error", err)
		return ledger.Receipt{}, err
	}

	g.logger.Info("Message published",
		"topic", g.topic,
		"event_id", req.EventID,
		"sequence", receipt.Sequence,
		"tx", receipt.TransactionID)
	return receipt, nil
}
