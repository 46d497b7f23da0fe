package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

const (
	OutputPlugin = "pgoutput"

	receiveTimeout = 10 * time.Second
)

type ReplicationConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	Table           string
	SlotName        string
	PublicationName string
}

func (c *ReplicationConfig) connString(replication bool) string {
	s := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		c.Host, c.Port, c.Database, c.User, c.Password)
	if replication {
		s += " replication=database"
	}
	return s
}

type ReplicationClient struct {
	config    *ReplicationConfig
	conn      *pgconn.PgConn
	relations map[uint32]*pglogrepl.RelationMessage
	handler   EventHandler
	lsn       pglogrepl.LSN
	logger    *slog.Logger
}

func NewReplicationClient(config *ReplicationConfig, handler EventHandler, logger *slog.Logger) *ReplicationClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplicationClient{
		config:    config,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		handler:   handler,
		logger:    logger,
	}
}

func (rc *ReplicationClient) Connect(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, rc.config.connString(true))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	rc.conn = conn
	return nil
}

func (rc *ReplicationClient) CreateSlotIfNotExists(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	result, err := pglogrepl.CreateReplicationSlot(
		ctx,
		rc.conn,
		rc.config.SlotName,
		OutputPlugin,
		pglogrepl.CreateReplicationSlotOptions{},
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42710" {
			return nil
		}
		return fmt.Errorf("failed to create replication slot: %w", err)
	}

	rc.logger.Info("Created replication slot", "slot", result.SlotName, "lsn", result.ConsistentPoint)
	return nil
}

func (rc *ReplicationClient) StartReplication(ctx context.Context, startLSN pglogrepl.LSN) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	err := pglogrepl.StartReplication(
		ctx,
		rc.conn,
		rc.config.SlotName,
		startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '1'",
				fmt.Sprintf("publication_names '%s'", rc.config.PublicationName),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	rc.lsn = startLSN
	return nil
}

// ReceiveMessage waits for one replication message and dispatches it. A
// receive timeout is not an error.
func (rc *ReplicationClient) ReceiveMessage(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	recvCtx, cancel := context.WithTimeout(ctx, receiveTimeout)
	defer cancel()

	msg, err := rc.conn.ReceiveMessage(recvCtx)
	if err != nil {
		if pgconn.Timeout(err) {
			return nil
		}
		return fmt.Errorf("receive message failed: %w", err)
	}

	switch msg := msg.(type) {
	case *pgproto3.CopyData:
		return rc.handleCopyData(ctx, msg.Data)
	case *pgproto3.ErrorResponse:
		return fmt.Errorf("replication error: %s", msg.Message)
	default:
		return nil
	}
}

func (rc *ReplicationClient) handleCopyData(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return fmt.Errorf("failed to parse keepalive: %w", err)
		}
		if pkm.ReplyRequested {
			return rc.SendStandbyStatusUpdate(ctx)
		}
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return fmt.Errorf("failed to parse xlog data: %w", err)
		}
		if err := rc.processWALData(ctx, xld.WALStart, xld.WALData); err != nil {
			return err
		}
		if end := xld.WALStart + pglogrepl.LSN(len(xld.WALData)); end > rc.lsn {
			rc.lsn = end
		}
	}

	return nil
}

func (rc *ReplicationClient) processWALData(ctx context.Context, lsn pglogrepl.LSN, walData []byte) error {
	logicalMsg, err := pglogrepl.Parse(walData)
	if err != nil {
		return fmt.Errorf("failed to parse logical replication message: %w", err)
	}

	var event *ChangeEvent
	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		rc.relations[msg.RelationID] = msg
		return nil
	case *pglogrepl.InsertMessage:
		event, err = rc.insertEvent(msg)
	case *pglogrepl.UpdateMessage:
		event, err = rc.updateEvent(msg)
	case *pglogrepl.DeleteMessage:
		event, err = rc.deleteEvent(msg)
	default:
		return nil
	}
	if err != nil {
		return err
	}

	event.LSN = lsn
	if rc.handler != nil {
		return rc.handler.HandleChange(ctx, event)
	}
	return nil
}

// SendStandbyStatusUpdate acknowledges everything processed so far so the
// server can recycle WAL behind the slot.
func (rc *ReplicationClient) SendStandbyStatusUpdate(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	return pglogrepl.SendStandbyStatusUpdate(ctx, rc.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: rc.lsn,
		WALFlushPosition: rc.lsn,
		WALApplyPosition: rc.lsn,
	})
}

// Position is the end of the last WAL record handled.
func (rc *ReplicationClient) Position() pglogrepl.LSN {
	return rc.lsn
}

func (rc *ReplicationClient) Close(ctx context.Context) error {
	if rc.conn != nil {
		return rc.conn.Close(ctx)
	}
	return nil
}

func (rc *ReplicationClient) relation(id uint32) (*pglogrepl.RelationMessage, error) {
	rel, ok := rc.relations[id]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID: %d", id)
	}
	return rel, nil
}

func (rc *ReplicationClient) insertEvent(msg *pglogrepl.InsertMessage) (*ChangeEvent, error) {
	rel, err := rc.relation(msg.RelationID)
	if err != nil {
		return nil, err
	}

	values := tupleToMap(rel, msg.Tuple)
	return &ChangeEvent{
		Table:      rel.RelationName,
		Operation:  OperationInsert,
		Timestamp:  time.Now(),
		NewData:    values,
		PrimaryKey: extractPrimaryKey(rel, values),
	}, nil
}

func (rc *ReplicationClient) updateEvent(msg *pglogrepl.UpdateMessage) (*ChangeEvent, error) {
	rel, err := rc.relation(msg.RelationID)
	if err != nil {
		return nil, err
	}

	newValues := tupleToMap(rel, msg.NewTuple)
	return &ChangeEvent{
		Table:      rel.RelationName,
		Operation:  OperationUpdate,
		Timestamp:  time.Now(),
		NewData:    newValues,
		OldData:    tupleToMap(rel, msg.OldTuple),
		PrimaryKey: extractPrimaryKey(rel, newValues),
	}, nil
}

func (rc *ReplicationClient) deleteEvent(msg *pglogrepl.DeleteMessage) (*ChangeEvent, error) {
	rel, err := rc.relation(msg.RelationID)
	if err != nil {
		return nil, err
	}

	values := tupleToMap(rel, msg.OldTuple)
	return &ChangeEvent{
		Table:      rel.RelationName,
		Operation:  OperationDelete,
		Timestamp:  time.Now(),
		OldData:    values,
		PrimaryKey: extractPrimaryKey(rel, values),
	}, nil
}

func tupleToMap(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]any {
	if tuple == nil {
		return nil
	}

	values := make(map[string]any, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name

		switch col.DataType {
		case 'n':
			values[name] = nil
		case 't':
			values[name] = string(col.Data)
		}
	}

	return values
}

func extractPrimaryKey(rel *pglogrepl.RelationMessage, values map[string]any) map[string]any {
	pk := make(map[string]any)

	for _, col := range rel.Columns {
		if col.Flags == 1 {
			if val, ok := values[col.Name]; ok {
				pk[col.Name] = val
			}
		}
	}

	return pk
}
