// Package raft replicates the partition log with etcd raft.
package raft

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Node wraps etcd/raft.Node to provide a simpler interface.
type Node struct {
	ID        uint64
	RaftNode  raft.Node
	Storage   Storage
	Transport Transport
	// Applier applies committed entries to the state machine
	Applier Applier

	peers  []uint64
	tick   time.Duration
	logger *slog.Logger
}

// Storage interface for raft persistence (subset of DiskStorage methods needed)
type Storage interface {
	raft.Storage
	Save(entries []raftpb.Entry, state raftpb.HardState) error
	CreateSnapshot(i uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error)
	ApplySnapshot(snap raftpb.Snapshot) error
	Close() error
}

// Applier consumes what raft commits. Both methods run on the Ready loop.
type Applier interface {
	Apply(entry raftpb.Entry)
	// Restore is called with the data of a snapshot received from the leader.
	Restore(data []byte) error
}

type Transport interface {
	Send(msgs []raftpb.Message)
}

// Config for the Node
type Config struct {
	ID      uint64
	Peers   []uint64
	WALPath string // empty keeps the raft log in memory only
	// TickInterval defaults to 100ms.
	TickInterval time.Duration
	Logger       *slog.Logger
}

// NewNode creates a new Raft node.
func NewNode(cfg Config, applier Applier, transport Transport) (*Node, error) {
	var storage Storage
	if cfg.WALPath != "" {
		ds, err := NewDiskStorage(cfg.WALPath)
		if err != nil {
			return nil, err
		}
		storage = ds
	} else {
		storage = &memoryStorageWrapper{raft.NewMemoryStorage()}
	}

	c := &raft.Config{
		ID:              cfg.ID,
		ElectionTick:    10,
		HeartbeatTick:   1,
		Storage:         storage,
		MaxSizePerMsg:   1024 * 1024,
		MaxInflightMsgs: 256,
	}

	var peers []raft.Peer
	for _, p := range cfg.Peers {
		peers = append(peers, raft.Peer{ID: p})
	}

	// Check if existing state
	if _, err := storage.FirstIndex(); err != nil {
		storage.Close()
		return nil, err
	}
	lastIndex, err := storage.LastIndex()
	if err != nil {
		storage.Close()
		return nil, err
	}

	var rn raft.Node
	if lastIndex > 0 {
		rn = raft.RestartNode(c)
	} else {
		rn = raft.StartNode(c, peers)
	}

	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Node{
		ID:        cfg.ID,
		RaftNode:  rn,
		Storage:   storage,
		Transport: transport,
		Applier:   applier,
		peers:     cfg.Peers,
		tick:      tick,
		logger:    logger.With("node", cfg.ID),
	}, nil
}

// memoryStorageWrapper makes MemoryStorage satisfy our Storage interface (Save method)
type memoryStorageWrapper struct {
	*raft.MemoryStorage
}

func (m *memoryStorageWrapper) Save(entries []raftpb.Entry, state raftpb.HardState) error {
	if err := m.Append(entries); err != nil {
		return err
	}
	if !raft.IsEmptyHardState(state) {
		return m.SetHardState(state)
	}
	return nil
}

func (m *memoryStorageWrapper) CreateSnapshot(i uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	if err := compact(m.MemoryStorage, i, cs, data); err != nil {
		return raftpb.Snapshot{}, err
	}
	return m.MemoryStorage.Snapshot()
}

func (m *memoryStorageWrapper) Close() error { return nil }

// Run drives the raft state machine until ctx is done. It returns an error
// only if raft state cannot be persisted.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tick)
	defer ticker.Stop()
	defer n.RaftNode.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.RaftNode.Tick()
		case rd := <-n.RaftNode.Ready():
			// 1. Save
			if err := n.Storage.Save(rd.Entries, rd.HardState); err != nil {
				return fmt.Errorf("persist raft state: %w", err)
			}

			// 2. Send messages to peers
			n.Transport.Send(rd.Messages)

			// 3. Install a snapshot from the leader before applying what follows it
			if !raft.IsEmptySnap(rd.Snapshot) {
				n.logger.Info("applying raft snapshot", "index", rd.Snapshot.Metadata.Index)
				if err := n.Storage.ApplySnapshot(rd.Snapshot); err != nil {
					return fmt.Errorf("apply raft snapshot: %w", err)
				}
				if err := n.Applier.Restore(rd.Snapshot.Data); err != nil {
					n.logger.Error("restore from raft snapshot", "err", err)
				}
			}

			// 4. Apply committed entries
			for _, entry := range rd.CommittedEntries {
				switch entry.Type {
				case raftpb.EntryNormal:
					if len(entry.Data) > 0 {
						n.Applier.Apply(entry)
					}
				case raftpb.EntryConfChange:
					var cc raftpb.ConfChange
					if err := cc.Unmarshal(entry.Data); err != nil {
						n.logger.Error("decode conf change", "index", entry.Index, "err", err)
						continue
					}
					n.RaftNode.ApplyConfChange(cc)
				}
			}

			// 5. Advance
			n.RaftNode.Advance()
		}
	}
}

// CreateSnapshot compacts the raft log up to index, keeping data with the snapshot.
func (n *Node) CreateSnapshot(index uint64, data []byte) error {
	cs := &raftpb.ConfState{Voters: n.peers}
	_, err := n.Storage.CreateSnapshot(index, cs, data)
	return err
}

func (n *Node) Propose(ctx context.Context, data []byte) error {
	return n.RaftNode.Propose(ctx, data)
}

func (n *Node) Step(ctx context.Context, msg raftpb.Message) error {
	return n.RaftNode.Step(ctx, msg)
}

func (n *Node) ReportUnreachable(id uint64) {
	n.RaftNode.ReportUnreachable(id)
}

func (n *Node) ReportSnapshot(id uint64, status raft.SnapshotStatus) {
	n.RaftNode.ReportSnapshot(id, status)
}

// Campaign makes the node start an election instead of waiting for its election timeout.
func (n *Node) Campaign(ctx context.Context) error {
	return n.RaftNode.Campaign(ctx)
}

// IsLeader reports whether this node currently leads the raft group.
func (n *Node) IsLeader() bool {
	return n.RaftNode.Status().Lead == n.ID
}

// ReplicatedIndex returns the highest raft index that every voter has in its
// log. Only the leader tracks followers; elsewhere it returns 0.
func (n *Node) ReplicatedIndex() uint64 {
	st := n.RaftNode.Status()
	if st.Lead != n.ID || len(st.Progress) == 0 {
		return 0
	}
	lowest := uint64(math.MaxUint64)
	for _, pr := range st.Progress {
		if pr.Match < lowest {
			lowest = pr.Match
		}
	}
	return lowest
}

// Close releases the raft storage. Run must have returned.
func (n *Node) Close() error {
	return n.Storage.Close()
}
