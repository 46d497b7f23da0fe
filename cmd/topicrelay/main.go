package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/witnz/topicrelay/internal/config"
	"github.com/witnz/topicrelay/internal/consensus"
	"github.com/witnz/topicrelay/internal/ledger"
	"github.com/witnz/topicrelay/internal/points"
	"github.com/witnz/topicrelay/internal/storage"
	"github.com/witnz/topicrelay/internal/verify"
)

const version = "v0.1.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "topicrelay",
	Short: "topicrelay - consensus topic relay and points service",
	Long: `Relays messages between consensus topics, publishes client events to a
source topic and runs the points deploy, mint and transfer workflow.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "topicrelay.yaml", "config file path")
	topicCreateCmd.Flags().String("memo", "", "topic memo")

	topicCmd.AddCommand(topicCreateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(topicCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("topicrelay %s\n", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the node data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Printf("Initialized topicrelay node: %s\n", cfg.Node.ID)
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Database path: %s\n", cfg.StoragePath())
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display topics and workflow runs held by this node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := storage.New(cfg.StoragePath())
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		fmt.Printf("Node ID: %s\n", cfg.Node.ID)
		fmt.Printf("Data Directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Ledger configured: %t\n", cfg.LedgerConfigured())
		fmt.Printf("Source topic: %s\n", orNone(cfg.Topics.Source))
		fmt.Printf("Target topic: %s\n", orNone(cfg.Topics.Target))

		topics, err := store.ListTopics()
		if err != nil {
			return fmt.Errorf("failed to list topics: %w", err)
		}
		fmt.Printf("\nTopics:\n")
		if len(topics) == 0 {
			fmt.Printf("  No topics yet\n")
		}
		for _, t := range topics {
			fmt.Printf("  - %s (memo: %q)\n", t.ID, t.Memo)
			fmt.Printf("    Latest sequence: %d\n", t.Sequence)
			fmt.Printf("    Running hash: %s\n", shortHash(t.RunningHash))
		}

		runs, err := points.NewStore(store).ListRuns()
		if err != nil {
			return fmt.Errorf("failed to list workflow runs: %w", err)
		}
		fmt.Printf("\nWorkflow runs: %d\n", len(runs))
		for _, r := range runs {
			line := fmt.Sprintf("  - %s %s topic=%s", r.ID, r.State, orNone(string(r.TopicID)))
			if r.FailedStep != "" {
				line += fmt.Sprintf(" failed_step=%s", r.FailedStep)
			}
			fmt.Println(line)
		}

		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [topic]",
	Short: "Verify running hash chain integrity",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := storage.New(cfg.StoragePath())
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		verifier := verify.NewTopicVerifier(store, nil, newLogger(cfg.Log))

		topics := args
		if len(topics) == 0 {
			all, err := store.ListTopics()
			if err != nil {
				return fmt.Errorf("failed to list topics: %w", err)
			}
			for _, t := range all {
				topics = append(topics, t.ID)
			}
		}

		failed := 0
		for _, topic := range topics {
			fmt.Printf("Verifying topic: %s\n", topic)
			report, err := verifier.VerifyTopic(topic)
			if err != nil {
				failed++
				fmt.Printf("  FAILED: %v\n", err)
				continue
			}
			fmt.Printf("  OK: %d messages, head %s\n", report.Messages, shortHash(report.Head))
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d topics failed verification", failed, len(topics))
		}
		return nil
	},
}

var topicCmd = &cobra.Command{
	Use:   "topic",
	Short: "Manage topics",
}

var topicCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a topic on a local single node",
	RunE: func(cmd *cobra.Command, args []string) error {
		memo, _ := cmd.Flags().GetString("memo")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.LedgerConfigured() {
			return errors.New("ledger.operator_id and ledger.operator_key are required to create topics")
		}
		logger := newLogger(cfg.Log)

		operator, err := ledger.ParseOperator(cfg.Ledger.OperatorID, cfg.Ledger.OperatorKey)
		if err != nil {
			return err
		}

		store, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		node, err := startNode(ctx, cfg, store, logger)
		if err != nil {
			return err
		}
		defer node.Stop()

		client := consensus.NewClient(node, store, operator, logger)
		topic, err := client.CreateTopic(ctx, memo)
		if err != nil {
			return fmt.Errorf("failed to create topic: %w", err)
		}

		fmt.Printf("Created topic: %s\n", topic)
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !rootCmd.PersistentFlags().Changed("config") {
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openStorage(cfg *config.Config) (*storage.Storage, error) {
	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.StoragePath())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := store.BindNetwork(cfg.Ledger.Network); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func startNode(ctx context.Context, cfg *config.Config, store *storage.Storage, logger *slog.Logger) (*consensus.Node, error) {
	node, err := consensus.NewNode(&consensus.NodeConfig{
		NodeID:       cfg.Node.ID,
		BindAddr:     cfg.Node.BindAddr,
		DataDir:      cfg.Node.DataDir,
		Bootstrap:    cfg.Node.Bootstrap,
		PeerAddrs:    cfg.Node.PeerAddrs,
		ApplyTimeout: cfg.Ledger.Timeout,
	}, store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	if err := node.Start(ctx); err != nil {
		node.Stop()
		return nil, fmt.Errorf("failed to start raft node: %w", err)
	}

	if err := node.WaitForLeader(ctx); err != nil {
		node.Stop()
		return nil, err
	}
	return node, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
