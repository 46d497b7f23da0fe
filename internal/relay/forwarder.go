package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/witnz/topicrelay/internal/ledger"
	"github.com/witnz/topicrelay/internal/metrics"
)

var ErrForwardFailed = errors.New("forward to target topic failed")

// Forwarder submits payloads to a fixed target topic.
type Forwarder struct {
	client ledger.Client
	target ledger.TopicID
	logger *slog.Logger
}

func NewForwarder(client ledger.Client, target ledger.TopicID, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{client: client, target: target, logger: logger}
}

// Forward reports whether payload was committed to the target topic. It
// never returns an error or panics; failures are logged.
func (f *Forwarder) Forward(ctx context.Context, payload []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Error forwarding message", "topic", f.target, "error", r)
			ok = false
		}
		metrics.ForwardTotal.WithLabelValues(metrics.Result(ok)).Inc()
	}()

	if f.client == nil || f.target == "" {
		f.logger.Error("Error forwarding message", "error", "target topic is not configured")
		return false
	}
	if len(payload) == 0 {
		f.logger.Error("Error forwarding message", "topic", f.target, "error", ledger.ErrEmptyPayload)
		return false
	}

	receipt, err := f.client.Submit(ctx, f.target, payload)
	if err != nil {
		f.logger.Error("Error forwarding message", "topic", f.target, "error", err)
		return false
	}
	if !receipt.Confirmed {
		f.logger.Error("Error forwarding message", "topic", f.target, "tx", receipt.TransactionID, "error", "receipt not confirmed")
		return false
	}

	f.logger.Debug("Message forwarded", "topic", f.target, "sequence", receipt.Sequence, "tx", receipt.TransactionID)
	return true
}

// Handle adapts Forward to the Subscriber handler signature.
func (f *Forwarder) Handle(ctx context.Context, payload []byte) error {
	if !f.Forward(ctx, payload) {
		return ErrForwardFailed
	}
	return nil
}
