// Package boltdb implements the storage engine contract on top of bbolt.
// Each column family is a top-level bucket. bbolt allows a single writer, so
// Begin blocks while another transaction of the same engine is open.
package boltdb

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"go.etcd.io/bbolt"

	"github.com/strawhat5/zeebe/internal/storage"
)

// FileName is the bbolt file inside an engine or checkpoint directory.
const FileName = "state.db"

// Engine implements storage.Engine.
type Engine struct {
	db       *bbolt.DB
	lock     *flock.Flock
	families []storage.Family
	buckets  [][]byte
}

// Open opens (or creates) the engine in dir and makes sure a bucket exists for
// every name. Buckets found in the file but not requested are still reported.
func Open(dir string, names []string) (*Engine, error) {
	lock, err := storage.LockDir(dir)
	if err != nil {
		return nil, err
	}
	db, err := bbolt.Open(filepath.Join(dir, FileName), 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open bolt: %w", err)
	}

	e := &Engine{db: db, lock: lock}
	err = db.Update(func(tx *bbolt.Tx) error {
		seen := make(map[string]bool, len(names))
		for _, name := range names {
			if seen[name] {
				continue
			}
			seen[name] = true
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
			e.addFamily(name)
		}
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if !seen[string(name)] {
				e.addFamily(string(name))
			}
			return nil
		})
	})
	if err != nil {
		db.Close()
		lock.Unlock()
		return nil, err
	}
	return e, nil
}

func (e *Engine) addFamily(name string) {
	e.families = append(e.families, storage.Family{Name: name, Handle: storage.Handle(len(e.families))})
	e.buckets = append(e.buckets, []byte(name))
}

func (e *Engine) Families() []storage.Family {
	out := make([]storage.Family, len(e.families))
	copy(out, e.families)
	return out
}

func (e *Engine) Begin() (storage.Txn, error) {
	tx, err := e.db.Begin(true)
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return nil, storage.ErrClosed
	}
	if err != nil {
		return nil, err
	}
	return &txn{e: e, tx: tx}, nil
}

// Checkpoint copies the file inside a read transaction, which runs concurrently
// with the single writer and observes only committed data.
func (e *Engine) Checkpoint(dir string) error {
	tmp, err := storage.PrepareCheckpointDir(dir)
	if err != nil {
		return err
	}
	err = e.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(filepath.Join(tmp, FileName), 0600)
	})
	if err != nil {
		os.RemoveAll(tmp)
		return err
	}
	if err := os.Rename(tmp, dir); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	return storage.SyncDir(filepath.Dir(dir))
}

func (e *Engine) Property(h storage.Handle, name string) (string, error) {
	if int(h) >= len(e.buckets) {
		return "", storage.ErrUnknownHandle
	}
	var out string
	err := e.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(e.buckets[h])
		if b == nil {
			return fmt.Errorf("bucket %s missing", e.buckets[h])
		}
		stats := b.Stats()
		switch name {
		case storage.PropertyNumKeys:
			out = strconv.Itoa(stats.KeyN)
		case storage.PropertyLiveDataSize:
			out = strconv.Itoa(stats.LeafInuse)
		default:
			return fmt.Errorf("storage: unknown property %q", name)
		}
		return nil
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return "", storage.ErrClosed
	}
	return out, err
}

func (e *Engine) Close() error {
	return errors.Join(e.db.Close(), e.lock.Unlock())
}

type txn struct {
	e  *Engine
	tx *bbolt.Tx
}

func (t *txn) bucket(h storage.Handle) (*bbolt.Bucket, error) {
	if t.tx == nil {
		return nil, storage.ErrTxnDone
	}
	if int(h) >= len(t.e.buckets) {
		return nil, fmt.Errorf("%w: %d", storage.ErrUnknownHandle, h)
	}
	b := t.tx.Bucket(t.e.buckets[h])
	if b == nil {
		return nil, fmt.Errorf("bucket %s missing", t.e.buckets[h])
	}
	return b, nil
}

func (t *txn) Get(h storage.Handle, key []byte) ([]byte, error) {
	b, err := t.bucket(h)
	if err != nil {
		return nil, err
	}
	return b.Get(key), nil
}

// Put copies key and value: bbolt requires both to stay valid for the whole transaction.
func (t *txn) Put(h storage.Handle, key, value []byte) error {
	b, err := t.bucket(h)
	if err != nil {
		return err
	}
	return b.Put(append([]byte{}, key...), append([]byte{}, value...))
}

func (t *txn) Delete(h storage.Handle, key []byte) error {
	b, err := t.bucket(h)
	if err != nil {
		return err
	}
	return b.Delete(key)
}

// NewIterator ignores mode: bbolt has a single B+tree per bucket and nothing to skip.
func (t *txn) NewIterator(h storage.Handle, mode storage.ReadMode) (storage.Iterator, error) {
	b, err := t.bucket(h)
	if err != nil {
		return nil, err
	}
	return &iterator{c: b.Cursor()}, nil
}

func (t *txn) Commit() error {
	if t.tx == nil {
		return storage.ErrTxnDone
	}
	tx := t.tx
	t.tx = nil
	return tx.Commit()
}

func (t *txn) Rollback() error {
	if t.tx == nil {
		return storage.ErrTxnDone
	}
	tx := t.tx
	t.tx = nil
	return tx.Rollback()
}

// iterator re-seeks to its last key on Next, so writes to the bucket during
// iteration do not invalidate it.
type iterator struct {
	c     *bbolt.Cursor
	key   []byte
	value []byte
	valid bool
}

func (it *iterator) set(k, v []byte) {
	it.valid = k != nil
	it.key = append(it.key[:0], k...)
	it.value = v
}

func (it *iterator) SeekToFirst() {
	it.set(it.c.First())
}

func (it *iterator) Seek(key []byte) {
	it.set(it.c.Seek(key))
}

func (it *iterator) Next() {
	if !it.valid {
		return
	}
	k, v := it.c.Seek(it.key)
	if k != nil && bytes.Equal(k, it.key) {
		k, v = it.c.Next()
	}
	it.set(k, v)
}

func (it *iterator) Valid() bool   { return it.valid }
func (it *iterator) Key() []byte   { return it.key }
func (it *iterator) Value() []byte { return it.value }
func (it *iterator) Err() error    { return nil }

func (it *iterator) Close() error {
	it.valid = false
	return nil
}
