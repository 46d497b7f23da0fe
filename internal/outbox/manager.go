package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
)

const standbyInterval = 10 * time.Second

// Manager owns the replication connection and fans decoded changes out to
// its handlers.
type Manager struct {
	config     *ReplicationConfig
	client     *ReplicationClient
	handlers   []EventHandler
	mu         sync.RWMutex
	currentLSN pglogrepl.LSN
	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	alerts     Alerter
	logger     *slog.Logger

	// MaxBackoff caps the wait between failed receives.
	MaxBackoff time.Duration
	// RetryTimeout bounds how long one change is retried in place before
	// the stream is restarted from the last handled position. Zero retries
	// until the context ends.
	RetryTimeout time.Duration
}

func NewManager(config *ReplicationConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:       config,
		handlers:     make([]EventHandler, 0),
		stopCh:       make(chan struct{}),
		logger:       logger,
		MaxBackoff:   30 * time.Second,
		RetryTimeout: 30 * time.Second,
	}
}

func (m *Manager) AddHandler(handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *Manager) SetAlerter(a Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = a
}

// Initialize creates the outbox table, the publication and the replication
// slot when they do not exist yet.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.prepareDatabase(ctx); err != nil {
		return err
	}

	client := NewReplicationClient(m.config, m, m.logger)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := client.CreateSlotIfNotExists(ctx); err != nil {
		client.Close(ctx)
		return fmt.Errorf("failed to create slot: %w", err)
	}

	m.client = client
	return nil
}

func (m *Manager) Start(ctx context.Context) error {
	if m.running {
		return fmt.Errorf("manager already running")
	}

	if m.client == nil {
		return fmt.Errorf("manager not initialized")
	}

	if err := m.client.StartReplication(ctx, m.GetLSN()); err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	m.running = true
	m.wg.Add(1)

	go m.receiveLoop(ctx)

	m.logger.Info("Outbox replication started",
		"table", m.config.Table,
		"slot", m.config.SlotName,
		"publication", m.config.PublicationName)
	return nil
}

func (m *Manager) Stop(ctx context.Context) error {
	if !m.running {
		return nil
	}

	close(m.stopCh)
	m.wg.Wait()
	m.running = false

	if m.client != nil {
		return m.client.Close(ctx)
	}

	return nil
}

func (m *Manager) receiveLoop(ctx context.Context) {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = m.MaxBackoff
	b.MaxElapsedTime = 0

	lastStandby := time.Now()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := m.client.ReceiveMessage(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			m.logger.Error("Error receiving replication message", "error", err, "retry_in", wait)
			m.alert(fmt.Sprintf("Failed to receive replication message: %v. Retrying in %v...", err, wait))

			select {
			case <-time.After(wait):
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}

			if err := m.restart(ctx); err != nil {
				m.logger.Error("Failed to restart replication", "error", err, "lsn", m.GetLSN())
			}
			continue
		}
		b.Reset()

		m.SetLSN(m.client.Position())
		if time.Since(lastStandby) >= standbyInterval {
			if err := m.client.SendStandbyStatusUpdate(ctx); err != nil {
				m.logger.Warn("Failed to send standby status", "error", err)
			}
			lastStandby = time.Now()
		}
	}
}

// restart replaces the replication connection and resumes streaming from the
// last handled position, so a change whose handler failed is delivered again.
func (m *Manager) restart(ctx context.Context) error {
	if m.client != nil {
		m.client.Close(ctx)
	}

	m.client = NewReplicationClient(m.config, m, m.logger)
	if err := m.client.Connect(ctx); err != nil {
		return err
	}
	if err := m.client.StartReplication(ctx, m.GetLSN()); err != nil {
		return err
	}

	m.logger.Info("Outbox replication resumed", "lsn", m.GetLSN())
	return nil
}

func (m *Manager) alert(message string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.alerts == nil {
		return
	}
	if err := m.alerts.SendSystemAlert("Outbox Replication Lost", message, "danger"); err != nil {
		m.logger.Error("Failed to send alert", "error", err)
	}
}

// HandleChange passes event to every handler in registration order. A failing
// handler is retried with backoff for up to RetryTimeout; if it still fails
// the remaining handlers are not called.
func (m *Manager) HandleChange(ctx context.Context, event *ChangeEvent) error {
	m.mu.RLock()
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = m.MaxBackoff
		b.MaxElapsedTime = m.RetryTimeout

		err := backoff.RetryNotify(func() error {
			return handler.HandleChange(ctx, event)
		}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			m.logger.Warn("Outbox handler failed, retrying",
				"table", event.Table,
				"lsn", event.LSN,
				"error", err,
				"retry_in", wait)
		})
		if err != nil {
			return fmt.Errorf("handler failed: %w", err)
		}
	}

	return nil
}

func (m *Manager) prepareDatabase(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, m.config.connString(false))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	table := pgx.Identifier{m.config.Table}.Sanitize()
	if _, err := conn.Exec(ctx, fmt.Sprintf(createTableSQL, table)); err != nil {
		return fmt.Errorf("failed to create outbox table: %w", err)
	}

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)",
		m.config.PublicationName,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check publication: %w", err)
	}

	if !exists {
		stmt := fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s",
			pgx.Identifier{m.config.PublicationName}.Sanitize(), table)
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create publication: %w", err)
		}
		m.logger.Info("Created publication", "publication", m.config.PublicationName, "table", m.config.Table)
	}

	return nil
}

const createTableSQL = `CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	email_id TEXT NOT NULL,
	message TEXT NOT NULL,
	event_id TEXT NOT NULL,
	message_type TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func (m *Manager) SetLSN(lsn pglogrepl.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentLSN = lsn
}

func (m *Manager) GetLSN() pglogrepl.LSN {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLSN
}
