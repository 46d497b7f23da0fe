package outbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/witnz/topicrelay/internal/faults"
	"github.com/witnz/topicrelay/internal/ledger"
	"github.com/witnz/topicrelay/internal/metrics"
	"github.com/witnz/topicrelay/internal/publish"
)

type Publisher interface {
	Publish(ctx context.Context, req publish.Request) (ledger.Receipt, error)
}

// Feeder publishes every row inserted into the outbox table to the source
// topic. Updates, deletes and other tables are ignored.
type Feeder struct {
	table     string
	publisher Publisher
	logger    *slog.Logger
}

var _ EventHandler = (*Feeder)(nil)

func NewFeeder(table string, publisher Publisher, logger *slog.Logger) *Feeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feeder{table: table, publisher: publisher, logger: logger}
}

// HandleChange publishes an inserted row. A row that fails validation is
// logged and skipped; ledger failures are returned to the manager.
func (f *Feeder) HandleChange(ctx context.Context, event *ChangeEvent) error {
	if event.Operation != OperationInsert || event.Table != f.table {
		return nil
	}

	req := RequestFromRow(event.NewData)
	receipt, err := f.publisher.Publish(ctx, req)
	if err != nil {
		if faults.IsValidationError(err) {
			metrics.OutboxEventsTotal.WithLabelValues("skipped").Inc()
			f.logger.Warn("Skipping invalid outbox row",
				"table", event.Table,
				"key", event.PrimaryKey,
				"error", err)
			return nil
		}
		metrics.OutboxEventsTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to publish outbox row %v: %w", event.PrimaryKey, err)
	}

	metrics.OutboxEventsTotal.WithLabelValues("success").Inc()
	f.logger.Debug("Outbox row published",
		"key", event.PrimaryKey,
		"event_id", req.EventID,
		"sequence", receipt.Sequence,
		"lsn", event.LSN)
	return nil
}

// RequestFromRow maps outbox columns onto a publish request. Missing or NULL
// columns become empty fields and are rejected by validation.
func RequestFromRow(row map[string]any) publish.Request {
	return publish.Request{
		EmailID:     column(row, "email_id"),
		Message:     column(row, "message"),
		EventID:     column(row, "event_id"),
		MessageType: column(row, "message_type"),
	}
}

func column(row map[string]any, name string) string {
	switch v := row[name].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
