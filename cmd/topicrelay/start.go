package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/witnz/topicrelay/internal/alert"
	"github.com/witnz/topicrelay/internal/api"
	"github.com/witnz/topicrelay/internal/config"
	"github.com/witnz/topicrelay/internal/consensus"
	"github.com/witnz/topicrelay/internal/ledger"
	"github.com/witnz/topicrelay/internal/metrics"
	"github.com/witnz/topicrelay/internal/outbox"
	"github.com/witnz/topicrelay/internal/points"
	"github.com/witnz/topicrelay/internal/publish"
	"github.com/witnz/topicrelay/internal/relay"
	"github.com/witnz/topicrelay/internal/storage"
	"github.com/witnz/topicrelay/internal/verify"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the node, HTTP API, relay and outbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Log)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfg, logger)
	},
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting topicrelay node", "node_id", cfg.Node.ID, "network", cfg.Ledger.Network)

	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)

	var (
		client   ledger.Client
		operator ledger.AccountID
	)
	if cfg.LedgerConfigured() {
		op, err := ledger.ParseOperator(cfg.Ledger.OperatorID, cfg.Ledger.OperatorKey)
		if err != nil {
			return err
		}
		operator = op.Account

		node, err := startNode(ctx, cfg, store, logger)
		if err != nil {
			return err
		}
		defer node.Stop()
		logger.Info("Raft node ready", "leader", node.Leader(), "is_leader", node.IsLeader())

		client = ledger.WithRetry(consensus.NewClient(node, store, op, logger), ledger.RetryPolicy{
			Timeout:        cfg.Ledger.Timeout,
			MaxAttempts:    cfg.Ledger.MaxAttempts,
			InitialBackoff: cfg.Ledger.InitialBackoff,
			MaxBackoff:     cfg.Ledger.MaxBackoff,
			OnRetry:        metrics.RetryObserver,
		}, logger)
	} else {
		logger.Warn("Ledger operator not configured, ledger operations are disabled")
	}

	verifier := verify.NewTopicVerifier(store, alerts, logger)
	verifier.Start(ctx, cfg.Node.VerifyInterval)
	defer verifier.Stop()

	source := ledger.TopicID(cfg.Topics.Source)
	gateway := publish.NewGateway(client, source, cfg.Topics.MaxMessageSize, logger)

	orchestrator, err := newOrchestrator(cfg, client, operator, store, alerts, logger)
	if err != nil {
		return err
	}

	var subscriber *relay.Subscriber
	if cfg.Relay.Enabled && client != nil && cfg.TopicsConfigured() {
		forwarder := relay.NewForwarder(client, ledger.TopicID(cfg.Topics.Target), logger)
		subscriber = relay.NewSubscriber(client, alerts, logger)

		cursor := ledger.FromNow()
		if cfg.Relay.Replay {
			cursor = ledger.After(cfg.Relay.ReplayAfter)
		}
		if err := subscriber.Start(ctx, source, cursor, forwarder.Handle); err != nil {
			return fmt.Errorf("failed to start relay: %w", err)
		}
		logger.Info("Relay started", "source", source, "target", cfg.Topics.Target)
	}

	if cfg.Outbox.Enabled {
		manager := outbox.NewManager(&outbox.ReplicationConfig{
			Host:            cfg.Outbox.Database.Host,
			Port:            cfg.Outbox.Database.Port,
			Database:        cfg.Outbox.Database.Database,
			User:            cfg.Outbox.Database.User,
			Password:        cfg.Outbox.Database.Password,
			Table:           cfg.Outbox.Table,
			SlotName:        cfg.Outbox.SlotName,
			PublicationName: cfg.Outbox.PublicationName,
		}, logger)
		manager.AddHandler(outbox.NewFeeder(cfg.Outbox.Table, gateway, logger))
		manager.SetAlerter(alerts)

		if err := manager.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize outbox: %w", err)
		}
		if err := manager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start outbox: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := manager.Stop(shutdownCtx); err != nil {
				logger.Error("Failed to stop outbox", "error", err)
			}
		}()
	}

	var messages api.MessageSource
	if client != nil {
		messages = client
	}
	server := api.NewServer(api.Options{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimit: api.RateLimitConfig{
			Enabled: cfg.Server.RateLimit.Enabled,
			RPS:     cfg.Server.RateLimit.RPS,
			Burst:   cfg.Server.RateLimit.Burst,
			IdleTTL: cfg.Server.RateLimit.IdleTTL,
		},
		Publisher:        gateway,
		Points:           orchestrator,
		Messages:         messages,
		SourceTopic:      source,
		LedgerConfigured: client != nil,
		TopicsConfigured: cfg.TopicsConfigured(),
	}, logger)

	fmt.Fprintln(os.Stderr, "topicrelay is running. Press Ctrl+C to stop.")
	err = server.Run(ctx)

	logger.Info("Shutting down")
	if subscriber != nil {
		subscriber.Wait()
	}
	if err != nil {
		return fmt.Errorf("http server failed: %w", err)
	}

	logger.Info("topicrelay node stopped")
	return nil
}

func newOrchestrator(
	cfg *config.Config,
	client ledger.Client,
	operator ledger.AccountID,
	store *storage.Storage,
	alerts *alert.Manager,
	logger *slog.Logger,
) (*points.Orchestrator, error) {
	def, err := definitionFrom(cfg.Points)
	if err != nil {
		return nil, err
	}

	o := points.NewOrchestrator(client, points.Config{
		Operator:   operator,
		Recipient:  ledger.AccountID(cfg.Points.RecipientID),
		Definition: def,
	}, logger)

	runs := points.NewStore(store)
	o.SetRunStore(runs)
	if cfg.Points.ReuseDeployment {
		o.SetPolicy(points.ReuseDeployment{Registry: runs})
	}
	o.SetAlerter(alerts)
	o.SetObserver(func(p points.Progress) {
		logger.Debug("Points workflow progress",
			"run_id", p.RunID,
			"step", p.Step,
			"stage", p.Stage,
			"percentage", p.Percentage)
	})
	return o, nil
}

func definitionFrom(cfg config.PointsConfig) (points.Definition, error) {
	def := points.DefaultDefinition()
	if cfg.Name != "" {
		def.Name = cfg.Name
	}
	if cfg.Tick != "" {
		def.Tick = cfg.Tick
	}

	if cfg.MaxSupply != "" {
		v, err := decimal.NewFromString(cfg.MaxSupply)
		if err != nil {
			return def, fmt.Errorf("invalid points.max_supply: %w", err)
		}
		def.MaxSupply = v
	}
	if cfg.LimitPerMint != "" {
		v, err := decimal.NewFromString(cfg.LimitPerMint)
		if err != nil {
			return def, fmt.Errorf("invalid points.limit_per_mint: %w", err)
		}
		def.LimitPerMint = v
	}
	return def, nil
}
