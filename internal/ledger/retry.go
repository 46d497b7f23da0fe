package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/witnz/topicrelay/internal/faults"
)

// RetryPolicy bounds every ledger call: each attempt gets Timeout, and a
// failed attempt is retried up to MaxAttempts total with exponential backoff.
type RetryPolicy struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OnRetry is called before each retry. Optional.
	OnRetry func(op string, attempt int, err error)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:        10 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

type retryingClient struct {
	next   Client
	policy RetryPolicy
	logger *slog.Logger
}

// WithRetry wraps next so that no call blocks longer than the policy allows.
// Final failures are reported as *faults.TransportError.
func WithRetry(next Client, policy RetryPolicy, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultRetryPolicy()
	if policy.Timeout <= 0 {
		policy.Timeout = defaults.Timeout
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = defaults.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = defaults.MaxBackoff
	}
	return &retryingClient{next: next, policy: policy, logger: logger}
}

func (c *retryingClient) CreateTopic(ctx context.Context, memo string) (TopicID, error) {
	return retry(ctx, c, "create_topic", "", func(ctx context.Context) (TopicID, error) {
		return c.next.CreateTopic(ctx, memo)
	})
}

func (c *retryingClient) Submit(ctx context.Context, topic TopicID, payload []byte) (Receipt, error) {
	return retry(ctx, c, "submit", topic, func(ctx context.Context) (Receipt, error) {
		return c.next.Submit(ctx, topic, payload)
	})
}

func (c *retryingClient) Messages(ctx context.Context, topic TopicID) ([]LogEntry, error) {
	return retry(ctx, c, "query", topic, func(ctx context.Context) ([]LogEntry, error) {
		return c.next.Messages(ctx, topic)
	})
}

// Subscribe retries opening the stream only. The stream itself is not bound
// by the per-attempt timeout.
func (c *retryingClient) Subscribe(ctx context.Context, topic TopicID, start Cursor) (<-chan LogEntry, error) {
	return retryWith(ctx, c, "subscribe", topic, false, func(ctx context.Context) (<-chan LogEntry, error) {
		return c.next.Subscribe(ctx, topic, start)
	})
}

func retry[T any](ctx context.Context, c *retryingClient, op string, topic TopicID, call func(context.Context) (T, error)) (T, error) {
	return retryWith(ctx, c, op, topic, true, call)
}

func retryWith[T any](ctx context.Context, c *retryingClient, op string, topic TopicID, bounded bool, call func(context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		attemptCtx := ctx
		if bounded {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, c.policy.Timeout)
			defer cancel()
		}

		result, err := call(attemptCtx)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil || isPermanent(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialBackoff
	b.MaxInterval = c.policy.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.policy.MaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Ledger call failed, retrying",
			"op", op,
			"topic", topic,
			"attempt", attempt,
			"backoff", wait,
			"error", err)
		if c.policy.OnRetry != nil {
			c.policy.OnRetry(op, attempt, err)
		}
	}

	result, err := backoff.RetryNotifyWithData(operation, policy, notify)
	if err != nil {
		var zero T
		if faults.IsTransportError(err) || faults.IsValidationError(err) {
			return zero, err
		}
		return zero, faults.NewTransportError(op, string(topic), err)
	}
	return result, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrTopicNotFound) ||
		errors.Is(err, ErrEmptyPayload) ||
		faults.IsValidationError(err)
}
