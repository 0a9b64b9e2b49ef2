package storage

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/btree"
)

const treeDegree = 32

// item is a key-value pair stored in a family tree. tombstone is only set in
// transaction overlays, where it shadows the committed entry.
type item struct {
	key       []byte
	value     []byte
	tombstone bool
}

func itemLess(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

func newTree() *btree.BTreeG[item] {
	return btree.NewG(treeDegree, itemLess)
}

// MemoryEngine implements Engine with one B-tree per column family.
// State only survives a restart through checkpoints; the log is replayed for the rest.
type MemoryEngine struct {
	mu       sync.RWMutex
	dir      string
	lock     *flock.Flock
	families []Family
	trees    []*btree.BTreeG[item]
	closed   bool
}

// OpenMemory opens an engine with the given families. If dir is not empty it is
// locked, and a checkpoint found in it is loaded. Families present in the
// checkpoint but not requested are still opened and reported by Families.
func OpenMemory(dir string, names []string) (*MemoryEngine, error) {
	e := &MemoryEngine{dir: dir}

	var loaded map[string]*btree.BTreeG[item]
	if dir != "" {
		lock, err := LockDir(dir)
		if err != nil {
			return nil, err
		}
		loaded, err = loadCheckpoint(dir)
		if err != nil {
			lock.Unlock()
			return nil, err
		}
		e.lock = lock
	}

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		e.addFamily(name, loaded[name])
	}
	var extra []string
	for name := range loaded {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		e.addFamily(name, loaded[name])
	}
	return e, nil
}

func (e *MemoryEngine) addFamily(name string, tree *btree.BTreeG[item]) {
	if tree == nil {
		tree = newTree()
	}
	e.families = append(e.families, Family{Name: name, Handle: Handle(len(e.families))})
	e.trees = append(e.trees, tree)
}

func (e *MemoryEngine) Families() []Family {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Family, len(e.families))
	copy(out, e.families)
	return out
}

func (e *MemoryEngine) Begin() (Txn, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	return &memTxn{
		e:        e,
		overlays: make([]*btree.BTreeG[item], len(e.trees)),
	}, nil
}

// Checkpoint clones every family tree (copy-on-write, so writers are not
// blocked beyond the clone itself) and writes the clones to dir.
func (e *MemoryEngine) Checkpoint(dir string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	trees := make([]*btree.BTreeG[item], len(e.trees))
	for i, t := range e.trees {
		trees[i] = t.Clone()
	}
	families := make([]Family, len(e.families))
	copy(families, e.families)
	e.mu.Unlock()

	return writeCheckpoint(dir, families, trees)
}

func (e *MemoryEngine) Property(h Handle, name string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return "", ErrClosed
	}
	if int(h) >= len(e.trees) {
		return "", ErrUnknownHandle
	}
	tree := e.trees[h]

	switch name {
	case PropertyNumKeys:
		return strconv.Itoa(tree.Len()), nil
	case PropertyLiveDataSize:
		size := 0
		tree.Ascend(func(it item) bool {
			size += len(it.key) + len(it.value)
			return true
		})
		return strconv.Itoa(size), nil
	default:
		return "", fmt.Errorf("storage: unknown property %q", name)
	}
}

func (e *MemoryEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.lock != nil {
		return e.lock.Unlock()
	}
	return nil
}

// cloneTree returns a copy-on-write view of a family's committed entries.
func (e *MemoryEngine) cloneTree(h Handle) (*btree.BTreeG[item], error) {
	// Clone mutates the source tree's copy-on-write context, so it needs the write lock.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	return e.trees[h].Clone(), nil
}

// memTxn buffers writes in per-family overlay trees until Commit.
type memTxn struct {
	e        *MemoryEngine
	overlays []*btree.BTreeG[item]
	done     bool
}

func (t *memTxn) check(h Handle) error {
	if t.done {
		return ErrTxnDone
	}
	if int(h) >= len(t.overlays) {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return nil
}

func (t *memTxn) overlay(h Handle) *btree.BTreeG[item] {
	if t.overlays[h] == nil {
		t.overlays[h] = newTree()
	}
	return t.overlays[h]
}

func (t *memTxn) Get(h Handle, key []byte) ([]byte, error) {
	if err := t.check(h); err != nil {
		return nil, err
	}
	if ov := t.overlays[h]; ov != nil {
		if it, ok := ov.Get(item{key: key}); ok {
			if it.tombstone {
				return nil, nil
			}
			return it.value, nil
		}
	}

	t.e.mu.RLock()
	defer t.e.mu.RUnlock()
	if t.e.closed {
		return nil, ErrClosed
	}
	it, ok := t.e.trees[h].Get(item{key: key})
	if !ok {
		return nil, nil
	}
	return it.value, nil
}

func (t *memTxn) Put(h Handle, key, value []byte) error {
	if err := t.check(h); err != nil {
		return err
	}
	t.overlay(h).ReplaceOrInsert(item{
		key:   append([]byte{}, key...),
		value: append([]byte{}, value...),
	})
	return nil
}

func (t *memTxn) Delete(h Handle, key []byte) error {
	if err := t.check(h); err != nil {
		return err
	}
	t.overlay(h).ReplaceOrInsert(item{key: append([]byte{}, key...), tombstone: true})
	return nil
}

func (t *memTxn) NewIterator(h Handle, mode ReadMode) (Iterator, error) {
	if err := t.check(h); err != nil {
		return nil, err
	}
	base, err := t.e.cloneTree(h)
	if err != nil {
		return nil, err
	}
	it := &memIterator{base: treeCursor{tree: base}, mode: mode}
	if ov := t.overlays[h]; ov != nil {
		it.overlay = treeCursor{tree: ov.Clone()}
	}
	return it, nil
}

// Commit applies all overlays atomically with respect to other readers.
func (t *memTxn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true

	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	if t.e.closed {
		return ErrClosed
	}
	for h, ov := range t.overlays {
		if ov == nil {
			continue
		}
		tree := t.e.trees[h]
		ov.Ascend(func(it item) bool {
			if it.tombstone {
				tree.Delete(it)
			} else {
				tree.ReplaceOrInsert(it)
			}
			return true
		})
	}
	t.overlays = nil
	return nil
}

func (t *memTxn) Rollback() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	t.overlays = nil
	return nil
}

// treeCursor emulates a positioned cursor on top of the callback-based btree API.
type treeCursor struct {
	tree  *btree.BTreeG[item]
	cur   item
	valid bool
}

func (c *treeCursor) first() {
	c.valid = false
	if c.tree == nil {
		return
	}
	if it, ok := c.tree.Min(); ok {
		c.cur, c.valid = it, true
	}
}

func (c *treeCursor) seek(key []byte) {
	c.valid = false
	if c.tree == nil {
		return
	}
	c.tree.AscendGreaterOrEqual(item{key: key}, func(it item) bool {
		c.cur, c.valid = it, true
		return false
	})
}

func (c *treeCursor) next() {
	if !c.valid {
		return
	}
	last := c.cur.key
	c.valid = false
	c.tree.AscendGreaterOrEqual(item{key: last}, func(it item) bool {
		if bytes.Equal(it.key, last) {
			return true
		}
		c.cur, c.valid = it, true
		return false
	})
}

// memIterator merges a transaction overlay over the committed tree; overlay
// entries shadow committed ones and overlay tombstones hide them.
// There are no storage files to skip, so ReadPrefix behaves like ReadDefault.
type memIterator struct {
	base    treeCursor
	overlay treeCursor
	mode    ReadMode
	key     []byte
	value   []byte
	valid   bool
}

func (it *memIterator) SeekToFirst() {
	it.base.first()
	it.overlay.first()
	it.settle()
}

func (it *memIterator) Seek(key []byte) {
	it.base.seek(key)
	it.overlay.seek(key)
	it.settle()
}

func (it *memIterator) Next() {
	if !it.valid {
		return
	}
	if it.base.valid && bytes.Equal(it.base.cur.key, it.key) {
		it.base.next()
	}
	if it.overlay.valid && bytes.Equal(it.overlay.cur.key, it.key) {
		it.overlay.next()
	}
	it.settle()
}

func (it *memIterator) settle() {
	for {
		switch {
		case !it.base.valid && !it.overlay.valid:
			it.valid = false
			return
		case !it.overlay.valid:
			it.emit(it.base.cur)
			return
		case it.base.valid:
			c := bytes.Compare(it.base.cur.key, it.overlay.cur.key)
			if c < 0 {
				it.emit(it.base.cur)
				return
			}
			if c == 0 {
				it.base.next()
			}
		}
		if it.overlay.cur.tombstone {
			it.overlay.next()
			continue
		}
		it.emit(it.overlay.cur)
		return
	}
}

func (it *memIterator) emit(i item) {
	it.key, it.value, it.valid = i.key, i.value, true
}

func (it *memIterator) Valid() bool   { return it.valid }
func (it *memIterator) Key() []byte   { return it.key }
func (it *memIterator) Value() []byte { return it.value }
func (it *memIterator) Err() error    { return nil }

func (it *memIterator) Close() error {
	it.valid = false
	it.base.tree, it.overlay.tree = nil, nil
	return nil
}
