package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/witnz/topicrelay/internal/faults"
	"github.com/witnz/topicrelay/internal/ledger"
	"github.com/witnz/topicrelay/internal/metrics"
)

// Handler processes one topic entry payload. Returned errors and panics are
// logged and do not stop the subscription.
type Handler func(ctx context.Context, payload []byte) error

// Alerter is notified when a live subscription is lost.
type Alerter interface {
	SendSubscriptionLostAlert(topicID string, lastSequence uint64, cause error) error
}

// Subscriber consumes a topic stream and applies a handler to every entry
// in sequence order, one at a time.
type Subscriber struct {
	client ledger.Client
	alerts Alerter
	logger *slog.Logger

	// MaxBackoff caps the wait between resubscribe attempts.
	MaxBackoff time.Duration

	wg sync.WaitGroup
}

func NewSubscriber(client ledger.Client, alerts Alerter, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		client:     client,
		alerts:     alerts,
		logger:     logger,
		MaxBackoff: 30 * time.Second,
	}
}

// Start opens the subscription and returns once it is established. Entries
// are then delivered in the background until ctx is cancelled.
func (s *Subscriber) Start(ctx context.Context, topic ledger.TopicID, start ledger.Cursor, handler Handler) error {
	if s.client == nil {
		return faults.NewConfigurationError("ledger", "ledger client is not configured")
	}
	if topic == "" {
		return faults.NewConfigurationError("topics.source", "")
	}
	if !ledger.IsEntityID(string(topic)) {
		return faults.NewValidationError(fmt.Sprintf("invalid topic id %q", topic), "topic")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	stream, err := s.client.Subscribe(ctx, topic, start)
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	s.logger.Info("Subscribed to topic", "topic", topic)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, topic, start, stream, handler)
	}()

	return nil
}

// Wait blocks until the delivery loop has exited.
func (s *Subscriber) Wait() {
	s.wg.Wait()
}

func (s *Subscriber) run(ctx context.Context, topic ledger.TopicID, cursor ledger.Cursor, stream <-chan ledger.LogEntry, handler Handler) {
	label := string(topic)
	var last uint64

	for {
		for entry := range stream {
			s.dispatch(ctx, entry, handler)
			last = entry.Sequence
			cursor = ledger.After(last)
			metrics.RelayDeliveredTotal.WithLabelValues(label).Inc()
			metrics.RelayLastSequence.WithLabelValues(label).Set(float64(last))
		}

		if ctx.Err() != nil {
			s.logger.Info("Subscription stopped", "topic", topic, "last_sequence", last)
			return
		}

		s.logger.Warn("Subscription lost, resubscribing", "topic", topic, "last_sequence", last)
		if s.alerts != nil {
			if err := s.alerts.SendSubscriptionLostAlert(label, last, nil); err != nil {
				s.logger.Error("Failed to send alert", "error", err)
			}
		}

		next, err := s.resubscribe(ctx, topic, cursor)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("Subscription abandoned", "topic", topic, "error", err)
			}
			return
		}
		metrics.RelayResubscribesTotal.WithLabelValues(label).Inc()
		stream = next
	}
}

func (s *Subscriber) resubscribe(ctx context.Context, topic ledger.TopicID, cursor ledger.Cursor) (<-chan ledger.LogEntry, error) {
	exp := backoff.NewExponentialBackOff()
	exp.MaxInterval = s.MaxBackoff
	exp.MaxElapsedTime = 0

	op := func() (<-chan ledger.LogEntry, error) {
		stream, err := s.client.Subscribe(ctx, topic, cursor)
		if errors.Is(err, ledger.ErrTopicNotFound) {
			return nil, backoff.Permanent(err)
		}
		return stream, err
	}

	notify := func(err error, wait time.Duration) {
		s.logger.Warn("Resubscribe failed", "topic", topic, "error", err, "retry_in", wait)
	}

	return backoff.RetryNotifyWithData(op, backoff.WithContext(exp, ctx), notify)
}

// dispatch runs handler for one entry. A failure only affects that entry.
func (s *Subscriber) dispatch(ctx context.Context, entry ledger.LogEntry, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			s.handlerFailed(entry, fmt.Errorf("handler panic: %v", r))
		}
	}()

	if err := handler(ctx, entry.Payload); err != nil {
		s.handlerFailed(entry, err)
	}
}

func (s *Subscriber) handlerFailed(entry ledger.LogEntry, err error) {
	metrics.RelayHandlerErrorsTotal.WithLabelValues(string(entry.TopicID)).Inc()
	s.logger.Error("Error in message handler",
		"topic", entry.TopicID,
		"sequence", entry.Sequence,
		"error", err)
}
