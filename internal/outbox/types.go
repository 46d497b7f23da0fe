package outbox

import (
	"context"
	"time"

	"github.com/jackc/pglogrepl"
)

type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// ChangeEvent is one decoded row change from the replication stream. Column
// values are carried as their text representation; NULL maps to nil.
type ChangeEvent struct {
	Table      string
	Operation  Operation
	Timestamp  time.Time
	NewData    map[string]any
	OldData    map[string]any
	PrimaryKey map[string]any
	LSN        pglogrepl.LSN
}

type EventHandler interface {
	HandleChange(ctx context.Context, event *ChangeEvent) error
}

// Alerter is notified when the replication stream fails.
type Alerter interface {
	SendSystemAlert(title, message, severity string) error
}
