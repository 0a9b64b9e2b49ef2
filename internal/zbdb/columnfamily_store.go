package zbdb

import (
	"bytes"

	"github.com/strawhat5/zeebe/internal/storage"
)

// TypedColumnFamily gives typed access to one column family through a
// TransactionContext. Every operation joins the context's open transaction,
// opening one if needed.
//
// Get and the visitors decode into the key and value instances passed to
// NewColumnFamily; those instances are overwritten by the next operation.
type TypedColumnFamily[K Key, V Value] struct {
	cf     ColumnFamily
	handle storage.Handle
	ctx    *TransactionContext
	key    K
	value  V
}

// NewColumnFamily returns a typed view of cf. It panics if cf is not a known column family.
func NewColumnFamily[K Key, V Value](db *DB, cf ColumnFamily, ctx *TransactionContext, key K, value V) *TypedColumnFamily[K, V] {
	return &TypedColumnFamily[K, V]{
		cf:     cf,
		handle: db.registry.handle(cf),
		ctx:    ctx,
		key:    key,
		value:  value,
	}
}

// ColumnFamily returns the column family this view operates on.
func (c *TypedColumnFamily[K, V]) ColumnFamily() ColumnFamily {
	return c.cf
}

func (c *TypedColumnFamily[K, V]) wrap(op string, err error) error {
	return &Error{Op: op, ColumnFamily: c.cf, Err: err}
}

// Put writes key and value in the open transaction.
func (c *TypedColumnFamily[K, V]) Put(key K, value V) error {
	return c.ctx.RunInTransaction(func(txn *Transaction) error {
		if err := txn.put(c.handle, c.ctx.writeKey(key), c.ctx.writeValue(value)); err != nil {
			return c.wrap("put", err)
		}
		return nil
	})
}

// Get decodes the value stored under key into the value instance and returns it.
// It returns false if the key is absent.
func (c *TypedColumnFamily[K, V]) Get(key K) (V, bool, error) {
	var found bool
	err := c.ctx.RunInTransaction(func(txn *Transaction) error {
		raw, err := txn.get(c.handle, c.ctx.writeKey(key))
		if err != nil {
			return c.wrap("get", err)
		}
		if raw == nil {
			return nil
		}
		if err := c.value.Wrap(c.ctx.wrapValueView(raw)); err != nil {
			return c.wrap("get", err)
		}
		found = true
		return nil
	})
	if err != nil || !found {
		var zero V
		return zero, false, err
	}
	return c.value, true, nil
}

// Exists reports whether key is present without decoding its value.
func (c *TypedColumnFamily[K, V]) Exists(key K) (bool, error) {
	var found bool
	err := c.ctx.RunInTransaction(func(txn *Transaction) error {
		raw, err := txn.get(c.handle, c.ctx.writeKey(key))
		if err != nil {
			return c.wrap("exists", err)
		}
		found = raw != nil
		return nil
	})
	return found, err
}

// Delete removes key. Deleting an absent key is not an error.
func (c *TypedColumnFamily[K, V]) Delete(key K) error {
	return c.ctx.RunInTransaction(func(txn *Transaction) error {
		if err := txn.delete(c.handle, c.ctx.writeKey(key)); err != nil {
			return c.wrap("delete", err)
		}
		return nil
	})
}

// ForEachValue visits every value in ascending key order.
func (c *TypedColumnFamily[K, V]) ForEachValue(visit func(V)) error {
	return c.iterate(storage.ReadDefault, nil, func(_ K, v V) bool {
		visit(v)
		return true
	})
}

// ForEach visits every entry in ascending key order.
func (c *TypedColumnFamily[K, V]) ForEach(visit func(K, V)) error {
	return c.iterate(storage.ReadDefault, nil, func(k K, v V) bool {
		visit(k, v)
		return true
	})
}

// WhileTrue visits entries in ascending key order until visit returns false.
func (c *TypedColumnFamily[K, V]) WhileTrue(visit func(K, V) bool) error {
	return c.iterate(storage.ReadDefault, nil, visit)
}

// WhileEqualPrefix visits, in ascending order, the entries whose encoded key
// starts with the encoding of prefix, until visit returns false.
func (c *TypedColumnFamily[K, V]) WhileEqualPrefix(prefix Key, visit func(K, V) bool) error {
	return c.ctx.withPrefix(prefix, func(p view) error {
		return c.iterate(storage.ReadPrefix, p, visit)
	})
}

// IsEmpty reports whether the column family has no entries.
func (c *TypedColumnFamily[K, V]) IsEmpty() (bool, error) {
	empty := true
	err := c.ctx.RunInTransaction(func(txn *Transaction) error {
		it, err := txn.newIterator(c.handle, storage.ReadDefault)
		if err != nil {
			return c.wrap("is empty", err)
		}
		defer it.Close()

		it.SeekToFirst()
		if it.Valid() {
			empty = false
		}
		if err := it.Err(); err != nil {
			return c.wrap("is empty", err)
		}
		return nil
	})
	return empty, err
}

// iterate seeks to prefix (or the first entry if prefix is nil) and visits
// entries until visit returns false. The prefix read mode only skips storage
// that cannot hold the prefix, so every key is checked against it here and the
// scan stops at the first key without it.
func (c *TypedColumnFamily[K, V]) iterate(mode storage.ReadMode, prefix view, visit func(K, V) bool) error {
	return c.ctx.RunInTransaction(func(txn *Transaction) error {
		it, err := txn.newIterator(c.handle, mode)
		if err != nil {
			return c.wrap("iterate", err)
		}
		defer it.Close()

		if prefix == nil {
			it.SeekToFirst()
		} else {
			it.Seek(prefix)
		}
		for ; it.Valid(); it.Next() {
			key := it.Key()
			if prefix != nil && !bytes.HasPrefix(key, prefix) {
				break
			}
			if err := c.key.Wrap(c.ctx.wrapKeyView(key)); err != nil {
				return c.wrap("iterate", err)
			}
			if err := c.value.Wrap(c.ctx.wrapValueView(it.Value())); err != nil {
				return c.wrap("iterate", err)
			}
			if !visit(c.key, c.value) {
				break
			}
		}
		if err := it.Err(); err != nil {
			return c.wrap("iterate", err)
		}
		return nil
	})
}
