// Package logstream defines the partition's replicated log as seen by the
// stream processor and the snapshot director.
package logstream

import (
	"context"
	"errors"
	"sync"
)

// UnsetPosition marks a position that has not been reached yet.
const UnsetPosition int64 = -1

var ErrClosed = errors.New("logstream: closed")

// ListenerID identifies a registered commit listener.
type ListenerID uint64

// LogStream is an append-only log whose entries become committed once the
// cluster has replicated them. Positions are positive and strictly increasing.
type LogStream interface {
	// Append writes r and returns the position assigned to it.
	Append(ctx context.Context, r Record) (int64, error)

	// CommitPosition returns the highest committed position, or UnsetPosition.
	CommitPosition(ctx context.Context) (int64, error)

	// RegisterCommitListener calls fn, on an unspecified goroutine, each time the
	// commit position advances. fn must not block.
	RegisterCommitListener(fn func()) ListenerID
	RemoveCommitListener(id ListenerID)

	// ReadCommitted calls fn for every committed record with position >= from, in order.
	ReadCommitted(ctx context.Context, from int64, fn func(Record) error) error
}

// Listeners is a set of commit listeners shared by LogStream implementations.
type Listeners struct {
	mu   sync.Mutex
	next ListenerID
	fns  map[ListenerID]func()
}

func (l *Listeners) Add(fn func()) ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[ListenerID]func())
	}
	l.next++
	l.fns[l.next] = fn
	return l.next
}

func (l *Listeners) Remove(id ListenerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.fns, id)
}

func (l *Listeners) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

// Notify calls every listener outside the lock, so listeners may deregister themselves.
func (l *Listeners) Notify() {
	l.mu.Lock()
	fns := make([]func(), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
