package logstream

import (
	"context"
	"sync"
)

// MemoryLog is a single-node LogStream kept in memory. The commit position
// only advances through SetCommitPosition unless the log auto-commits.
type MemoryLog struct {
	mu         sync.RWMutex
	records    [][]byte // records[i] holds position i+1
	commit     int64
	autoCommit bool
	closed     bool
	listeners  Listeners
}

type Option func(*MemoryLog)

// WithAutoCommit commits every record as soon as it is appended.
func WithAutoCommit() Option {
	return func(l *MemoryLog) { l.autoCommit = true }
}

func NewMemoryLog(opts ...Option) *MemoryLog {
	l := &MemoryLog{commit: UnsetPosition}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLog) Append(ctx context.Context, r Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return UnsetPosition, err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return UnsetPosition, ErrClosed
	}
	r.Position = int64(len(l.records)) + 1
	data, err := MarshalRecord(r)
	if err != nil {
		l.mu.Unlock()
		return UnsetPosition, err
	}
	l.records = append(l.records, data)
	if l.autoCommit {
		l.commit = r.Position
	}
	l.mu.Unlock()

	if l.autoCommit {
		l.listeners.Notify()
	}
	return r.Position, nil
}

// SetCommitPosition advances the commit position to pos, capped at the tail.
// Lower positions are ignored.
func (l *MemoryLog) SetCommitPosition(pos int64) {
	l.mu.Lock()
	if tail := int64(len(l.records)); pos > tail {
		pos = tail
	}
	advanced := pos > l.commit
	if advanced {
		l.commit = pos
	}
	l.mu.Unlock()

	if advanced {
		l.listeners.Notify()
	}
}

func (l *MemoryLog) CommitPosition(ctx context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return UnsetPosition, ErrClosed
	}
	return l.commit, nil
}

// Tail returns the position of the last appended record, or 0 for an empty log.
func (l *MemoryLog) Tail() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.records))
}

func (l *MemoryLog) RegisterCommitListener(fn func()) ListenerID {
	return l.listeners.Add(fn)
}

func (l *MemoryLog) RemoveCommitListener(id ListenerID) {
	l.listeners.Remove(id)
}

func (l *MemoryLog) ReadCommitted(ctx context.Context, from int64, fn func(Record) error) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	committed := l.records[:max(l.commit, 0)]
	l.mu.RUnlock()

	if from < 1 {
		from = 1
	}
	for pos := from; pos <= int64(len(committed)); pos++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := UnmarshalRecord(committed[pos-1])
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
