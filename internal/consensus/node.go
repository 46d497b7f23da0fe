package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/witnz/topicrelay/internal/ledger"
	"github.com/witnz/topicrelay/internal/storage"
)

type NodeConfig struct {
	NodeID        string
	BindAddr      string
	DataDir       string
	Bootstrap     bool
	PeerAddrs     map[string]string
	JoinRetries   int
	JoinRetryWait time.Duration
	ApplyTimeout  time.Duration
}

type Node struct {
	config  *NodeConfig
	raft    *raft.Raft
	fsm     *FSM
	store   *raftboltdb.BoltStore
	storage *storage.Storage
	logger  *slog.Logger
}

func NewNode(cfg *NodeConfig, store *storage.Storage, logger *slog.Logger) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 10 * time.Second
	}
	return &Node{
		config:  cfg,
		storage: store,
		fsm:     NewFSM(store, logger),
		logger:  logger,
	}, nil
}

func (n *Node) Start(ctx context.Context) error {
	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(n.config.NodeID)

	raftDir := filepath.Join(n.config.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0755); err != nil {
		return fmt.Errorf("failed to create raft directory: %w", err)
	}

	boltStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}
	n.store = boltStore

	logStore, err := raft.NewLogCache(512, boltStore)
	if err != nil {
		return fmt.Errorf("failed to create log cache: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(raftDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", n.config.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	transport, err := raft.NewTCPTransport(n.config.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	ra, err := raft.NewRaft(raftConfig, n.fsm, logStore, boltStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}

	n.raft = ra

	if n.config.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, boltStore, snapshotStore)
		if err != nil {
			return fmt.Errorf("failed to check existing state: %w", err)
		}

		if !hasState {
			servers := []raft.Server{
				{
					ID:      raftConfig.LocalID,
					Address: transport.LocalAddr(),
				},
			}

			for peerID, peerAddr := range n.config.PeerAddrs {
				servers = append(servers, raft.Server{
					ID:      raft.ServerID(peerID),
					Address: raft.ServerAddress(peerAddr),
				})
			}

			future := ra.BootstrapCluster(raft.Configuration{Servers: servers})
			if err := future.Error(); err != nil {
				return fmt.Errorf("failed to bootstrap cluster: %w", err)
			}
		}
	} else if len(n.config.PeerAddrs) > 0 {
		if err := n.waitForMembership(ctx); err != nil {
			return fmt.Errorf("failed to wait for leader: %w", err)
		}
	}

	n.logger.Info("Raft node started",
		"node_id", n.config.NodeID,
		"bind_addr", n.config.BindAddr,
		"bootstrap", n.config.Bootstrap)
	return nil
}

func (n *Node) waitForMembership(ctx context.Context) error {
	retries := n.config.JoinRetries
	if retries == 0 {
		retries = 30
	}
	retryWait := n.config.JoinRetryWait
	if retryWait == 0 {
		retryWait = 1 * time.Second
	}

	for i := 0; i < retries; i++ {
		if n.raft.Leader() != "" {
			future := n.raft.GetConfiguration()
			if err := future.Error(); err == nil {
				for _, server := range future.Configuration().Servers {
					if server.ID == raft.ServerID(n.config.NodeID) {
						return nil
					}
				}
			}
		}

		select {
		case <-time.After(retryWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("timeout waiting for leader after %d retries", retries)
}

// WaitForLeader blocks until the cluster has elected a leader.
func (n *Node) WaitForLeader(ctx context.Context) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if n.raft.Leader() != "" {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("no leader elected: %w", ctx.Err())
		}
	}
}

func (n *Node) Stop() error {
	if n.raft != nil {
		future := n.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			return fmt.Errorf("failed to close log store: %w", err)
		}
	}
	return nil
}

// Apply replicates cmd and waits until it is committed and applied locally.
// Only the leader accepts commands.
func (n *Node) Apply(ctx context.Context, cmd *Command) (*ApplyResult, error) {
	if n.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	if n.raft.State() != raft.Leader {
		return nil, ledger.ErrNotLeader
	}

	data, err := encodeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	timeout := n.config.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	future := n.raft.Apply(data, timeout)

	done := make(chan error, 1)
	go func() { done <- future.Error() }()

	select {
	case err := <-done:
		if err != nil {
			if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
				return nil, ledger.ErrNotLeader
			}
			return nil, fmt.Errorf("failed to apply command: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	switch resp := future.Response().(type) {
	case error:
		return nil, resp
	case *ApplyResult:
		return resp, nil
	default:
		return nil, fmt.Errorf("unexpected apply response %T", resp)
	}
}

func (n *Node) IsLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

func (n *Node) Leader() string {
	if n.raft == nil {
		return ""
	}
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

func (n *Node) Stats() map[string]string {
	if n.raft == nil {
		return map[string]string{"state": "not initialized"}
	}
	return n.raft.Stats()
}
