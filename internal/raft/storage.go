package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/strawhat5/zeebe/internal/storage/wal"
)

// DiskStorage wraps MemoryStorage and persists to WAL.
type DiskStorage struct {
	*raft.MemoryStorage

	mu  sync.Mutex
	wal *wal.WAL
}

// Record types for WAL
const (
	RecordEntry     = 1
	RecordHardState = 2
	// RecordSnapshot starts a rewritten WAL; it replaces the log before it.
	RecordSnapshot = 3
)

type Record struct {
	Type int
	Data []byte
}

func NewDiskStorage(walPath string) (*DiskStorage, error) {
	w, err := wal.Open(walPath, wal.WithoutSync())
	if err != nil {
		return nil, err
	}

	mem := raft.NewMemoryStorage()
	ds := &DiskStorage{
		MemoryStorage: mem,
		wal:           w,
	}

	// Replay WAL
	err = w.Iterate(func(data []byte) error {
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}

		switch r.Type {
		case RecordEntry:
			var ent raftpb.Entry
			if err := ent.Unmarshal(r.Data); err != nil {
				return err
			}
			return mem.Append([]raftpb.Entry{ent})
		case RecordHardState:
			var hs raftpb.HardState
			if err := hs.Unmarshal(r.Data); err != nil {
				return err
			}
			return mem.SetHardState(hs)
		case RecordSnapshot:
			var snap raftpb.Snapshot
			if err := snap.Unmarshal(r.Data); err != nil {
				return err
			}
			return mem.ApplySnapshot(snap)
		default:
			return fmt.Errorf("unknown wal record type %d", r.Type)
		}
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("replay raft wal: %w", err)
	}

	return ds, nil
}

// Save persists entries and the hard state, then syncs once for the whole batch.
func (ds *DiskStorage) Save(entries []raftpb.Entry, state raftpb.HardState) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	for _, ent := range entries {
		b, err := ent.Marshal()
		if err != nil {
			return err
		}
		if err := ds.writeRecord(RecordEntry, b); err != nil {
			return err
		}
	}

	if !raft.IsEmptyHardState(state) {
		b, err := state.Marshal()
		if err != nil {
			return err
		}
		if err := ds.writeRecord(RecordHardState, b); err != nil {
			return err
		}
	}
	if err := ds.wal.Sync(); err != nil {
		return err
	}

	if err := ds.MemoryStorage.Append(entries); err != nil {
		return err
	}
	if !raft.IsEmptyHardState(state) {
		return ds.MemoryStorage.SetHardState(state)
	}
	return nil
}

func (ds *DiskStorage) writeRecord(typ int, data []byte) error {
	b, err := encodeRecord(typ, data)
	if err != nil {
		return err
	}
	return ds.wal.Append(b)
}

func encodeRecord(typ int, data []byte) ([]byte, error) {
	return json.Marshal(Record{Type: typ, Data: data})
}

func (ds *DiskStorage) Close() error {
	return ds.wal.Close()
}

// Snapshot Persistence

// CreateSnapshot records a snapshot at index i and compacts the log up to it.
// Indexes at or below the current snapshot are ignored. The WAL is rewritten
// to the snapshot followed by the remaining entries and the hard state.
func (ds *DiskStorage) CreateSnapshot(i uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := compact(ds.MemoryStorage, i, cs, data); err != nil {
		return raftpb.Snapshot{}, err
	}
	snap, err := ds.MemoryStorage.Snapshot()
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	return snap, ds.rewriteLocked()
}

// ApplySnapshot replaces the log with a snapshot received from the leader.
func (ds *DiskStorage) ApplySnapshot(snap raftpb.Snapshot) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := ds.MemoryStorage.ApplySnapshot(snap); err != nil {
		return err
	}
	return ds.rewriteLocked()
}

// rewriteLocked replaces the WAL with the current content of the in-memory storage.
func (ds *DiskStorage) rewriteLocked() error {
	var records [][]byte
	add := func(typ int, data []byte) error {
		b, err := encodeRecord(typ, data)
		if err != nil {
			return err
		}
		records = append(records, b)
		return nil
	}

	snap, err := ds.MemoryStorage.Snapshot()
	if err != nil {
		return err
	}
	if !raft.IsEmptySnap(snap) {
		b, err := snap.Marshal()
		if err != nil {
			return err
		}
		if err := add(RecordSnapshot, b); err != nil {
			return err
		}
	}

	first, err := ds.MemoryStorage.FirstIndex()
	if err != nil {
		return err
	}
	last, err := ds.MemoryStorage.LastIndex()
	if err != nil {
		return err
	}
	if last >= first {
		ents, err := ds.MemoryStorage.Entries(first, last+1, math.MaxUint64)
		if err != nil {
			return err
		}
		for _, ent := range ents {
			b, err := ent.Marshal()
			if err != nil {
				return err
			}
			if err := add(RecordEntry, b); err != nil {
				return err
			}
		}
	}

	hs, _, err := ds.MemoryStorage.InitialState()
	if err != nil {
		return err
	}
	if !raft.IsEmptyHardState(hs) {
		b, err := hs.Marshal()
		if err != nil {
			return err
		}
		if err := add(RecordHardState, b); err != nil {
			return err
		}
	}
	return ds.wal.Rewrite(records)
}

func compact(mem *raft.MemoryStorage, i uint64, cs *raftpb.ConfState, data []byte) error {
	if _, err := mem.CreateSnapshot(i, cs, data); err != nil && !errors.Is(err, raft.ErrSnapOutOfDate) {
		return err
	}
	if err := mem.Compact(i); err != nil && !errors.Is(err, raft.ErrCompacted) {
		return err
	}
	return nil
}
