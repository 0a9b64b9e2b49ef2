package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

var (
	ErrClosed           = errors.New("storage: engine is closed")
	ErrTxnDone          = errors.New("storage: transaction already committed or rolled back")
	ErrUnknownHandle    = errors.New("storage: unknown column family handle")
	ErrCheckpointExists = errors.New("storage: checkpoint directory already exists")
	ErrLocked           = errors.New("storage: directory is locked by another process")
)

// Property names understood by Engine.Property.
const (
	PropertyNumKeys      = "zb.estimate-num-keys"
	PropertyLiveDataSize = "zb.estimate-live-data-size"
)

// Properties lists every property an engine reports.
var Properties = []string{PropertyNumKeys, PropertyLiveDataSize}

// Handle is the numeric identifier an engine assigns to a column family when it is opened.
type Handle uint32

// Family binds a column family name to its handle.
type Family struct {
	Name   string
	Handle Handle
}

// ReadMode selects how an iterator positions itself.
type ReadMode int

const (
	// ReadDefault iterates in total key order.
	ReadDefault ReadMode = iota
	// ReadPrefix may skip storage that cannot contain the seek key's prefix.
	// It does NOT stop at the end of the prefix: callers must check every key.
	ReadPrefix
)

// Engine defines the contract of the embedded ordered key-value engine.
type Engine interface {
	// Families returns every column family the engine opened, in open order.
	Families() []Family

	// Begin starts a read-write transaction.
	Begin() (Txn, error)

	// Checkpoint writes a consistent point-in-time copy of all families to dir.
	// It must be safe to call while transactions are open. dir must not exist.
	Checkpoint(dir string) error

	// Property returns an engine statistic for a family.
	Property(h Handle, name string) (string, error)

	// Close releases the engine. Open transactions must be finished first.
	Close() error
}

// Txn is one atomic batch of reads and writes. Reads observe the transaction's own writes.
type Txn interface {
	// Get returns nil, nil if the key is absent. The returned slice is only valid until the
	// next operation on the transaction.
	Get(h Handle, key []byte) ([]byte, error)

	// Put and Delete copy their arguments.
	Put(h Handle, key, value []byte) error
	Delete(h Handle, key []byte) error

	NewIterator(h Handle, mode ReadMode) (Iterator, error)

	Commit() error
	Rollback() error
}

// Iterator walks a family in ascending byte order.
type Iterator interface {
	SeekToFirst()
	Seek(key []byte)
	Next()
	Valid() bool
	// Key and Value are only valid until the next call to Next or Seek.
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// LockDir takes an exclusive lock on dir/LOCK, creating dir if needed.
func LockDir(dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(dir, "LOCK"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}
	return lock, nil
}

// PrepareCheckpointDir checks that dir does not exist yet and creates the
// temporary directory a checkpoint is staged in before being renamed to dir.
func PrepareCheckpointDir(dir string) (string, error) {
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("%w: %s", ErrCheckpointExists, dir)
	} else if !os.IsNotExist(err) {
		return "", err
	}
	tmp := dir + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return "", err
	}
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return "", err
	}
	return tmp, nil
}
