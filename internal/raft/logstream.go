package raft

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sort"
	"sync"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/strawhat5/zeebe/internal/logstream"
)

type committedEntry struct {
	position int64
	index    uint64
	data     []byte
}

// LogStream is a logstream.LogStream replicated through raft. Positions are
// assigned by the appender, so only the partition leader appends. A record is
// committed once raft applies the entry carrying it.
type LogStream struct {
	node   *Node
	logger *slog.Logger

	appendMu     sync.Mutex
	nextPosition int64

	mu        sync.RWMutex
	entries   []committedEntry
	commit    int64
	listeners logstream.Listeners
}

// NewLogStream creates the raft node backing the stream. Call Run to start it.
func NewLogStream(cfg Config, transport Transport) (*LogStream, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ls := &LogStream{
		logger:       logger,
		nextPosition: 1,
		commit:       logstream.UnsetPosition,
	}
	node, err := NewNode(cfg, ls, transport)
	if err != nil {
		return nil, err
	}
	ls.node = node
	return ls, nil
}

// Node returns the underlying raft node.
func (l *LogStream) Node() *Node {
	return l.node
}

// Run drives the raft node until ctx is done.
func (l *LogStream) Run(ctx context.Context) error {
	return l.node.Run(ctx)
}

func (l *LogStream) Append(ctx context.Context, r logstream.Record) (int64, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.mu.RLock()
	if l.commit >= l.nextPosition {
		l.nextPosition = l.commit + 1
	}
	l.mu.RUnlock()

	r.Position = l.nextPosition
	data, err := logstream.MarshalRecord(r)
	if err != nil {
		return logstream.UnsetPosition, err
	}
	if err := l.node.Propose(ctx, data); err != nil {
		return logstream.UnsetPosition, err
	}
	l.nextPosition++
	return r.Position, nil
}

func (l *LogStream) CommitPosition(ctx context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.commit, nil
}

func (l *LogStream) RegisterCommitListener(fn func()) logstream.ListenerID {
	return l.listeners.Add(fn)
}

func (l *LogStream) RemoveCommitListener(id logstream.ListenerID) {
	l.listeners.Remove(id)
}

func (l *LogStream) ReadCommitted(ctx context.Context, from int64, fn func(logstream.Record) error) error {
	l.mu.RLock()
	start := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].position >= from })
	entries := l.entries[start:len(l.entries):len(l.entries)]
	l.mu.RUnlock()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := logstream.UnmarshalRecord(e.data)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Apply is called by the raft node for every committed entry.
func (l *LogStream) Apply(entry raftpb.Entry) {
	r, err := logstream.UnmarshalRecord(entry.Data)
	if err != nil {
		l.logger.Error("skip undecodable raft entry", "index", entry.Index, "err", err)
		return
	}

	l.mu.Lock()
	if r.Position <= l.commit {
		l.mu.Unlock()
		l.logger.Warn("skip raft entry with stale position", "index", entry.Index, "position", r.Position, "commit", l.commit)
		return
	}
	l.entries = append(l.entries, committedEntry{position: r.Position, index: entry.Index, data: entry.Data})
	l.commit = r.Position
	l.mu.Unlock()

	l.listeners.Notify()
}

// Restore is called when the leader sends a raft snapshot: everything up to
// the snapshot's position is gone from the log.
func (l *LogStream) Restore(data []byte) error {
	if len(data) != 8 {
		return nil
	}
	position := int64(binary.BigEndian.Uint64(data))

	l.mu.Lock()
	l.dropUpToLocked(position)
	advanced := position > l.commit
	if advanced {
		l.commit = position
	}
	l.mu.Unlock()

	if advanced {
		l.listeners.Notify()
	}
	return nil
}

// CompactTo discards committed records with position <= position from memory
// and compacts the raft log accordingly. Records still needed for replay must
// be above position. Only records every peer has already replicated are
// compacted, so a follower never needs the dropped part of the log: raft
// snapshots carry a position, not the state. Off the leader nothing is
// compacted.
func (l *LogStream) CompactTo(position int64) error {
	replicated := l.node.ReplicatedIndex()

	l.mu.Lock()
	i := compactionPoint(l.entries, position, replicated)
	if i == 0 {
		l.mu.Unlock()
		return nil
	}
	last := l.entries[i-1]
	l.entries = append([]committedEntry(nil), l.entries[i:]...)
	l.mu.Unlock()

	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(last.position))
	if err := l.node.CreateSnapshot(last.index, data); err != nil {
		return err
	}
	if last.position < position {
		l.logger.Info("compaction limited by replication", "position", position, "compacted", last.position)
	}
	l.logger.Info("compacted log", "position", last.position, "index", last.index)
	return nil
}

// compactionPoint returns how many leading entries may be dropped: those at
// or below position whose raft index is at most replicated.
func compactionPoint(entries []committedEntry, position int64, replicated uint64) int {
	return sort.Search(len(entries), func(i int) bool {
		return entries[i].position > position || entries[i].index > replicated
	})
}

func (l *LogStream) dropUpToLocked(position int64) {
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].position > position })
	l.entries = append([]committedEntry(nil), l.entries[i:]...)
}

// Close stops using the raft storage. Run must have returned.
func (l *LogStream) Close() error {
	return l.node.Close()
}
