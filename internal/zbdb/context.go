package zbdb

import (
	"fmt"
)

// view is a borrowed window into one of a TransactionContext's scratch
// buffers. It is only valid until the next operation on the context.
type view []byte

// TransactionContext owns the open transaction and the scratch buffers of one
// caller (one partition's processing goroutine). It is not safe for concurrent use.
type TransactionContext struct {
	db  *DB
	txn *Transaction

	keyBuf      []byte
	valueBuf    []byte
	keyView     []byte
	valueView   []byte
	prefixBuf   []byte
	prefixInUse bool

	closed bool
}

// RunInTransaction runs op inside the open transaction, opening one first if
// none is open. The transaction stays open afterwards until Commit or
// Rollback. If op fails, the transaction is rolled back and the error returned.
func (c *TransactionContext) RunInTransaction(op func(*Transaction) error) error {
	if c.closed {
		return ErrClosed
	}
	if c.txn == nil {
		native, err := c.db.engine.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		c.txn = &Transaction{native: native}
	}

	if err := op(c.txn); err != nil {
		if c.txn != nil {
			if rerr := c.txn.rollback(); rerr != nil {
				c.db.logger.Warn("rollback after failed operation", "err", rerr)
			}
			c.txn = nil
		}
		return err
	}
	return nil
}

// Update runs op in a fresh transaction and commits it. It fails with
// ErrTransactionActive if the context already has an open transaction.
func (c *TransactionContext) Update(op func(*Transaction) error) error {
	if c.txn != nil {
		return ErrTransactionActive
	}
	if err := c.RunInTransaction(op); err != nil {
		return err
	}
	return c.Commit()
}

// Commit commits the open transaction.
func (c *TransactionContext) Commit() error {
	if c.txn == nil {
		return ErrNoTransaction
	}
	txn := c.txn
	c.txn = nil
	if err := txn.commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback discards the open transaction.
func (c *TransactionContext) Rollback() error {
	if c.txn == nil {
		return ErrNoTransaction
	}
	txn := c.txn
	c.txn = nil
	if err := txn.rollback(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// CurrentTransaction returns the open transaction, or nil.
func (c *TransactionContext) CurrentTransaction() *Transaction {
	return c.txn
}

func (c *TransactionContext) close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.txn == nil {
		return nil
	}
	return c.Rollback()
}

func grow(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n, 2*n)
	}
	return buf[:n]
}

func (c *TransactionContext) writeKey(k Key) view {
	c.keyBuf = grow(c.keyBuf, k.Length())
	k.Write(c.keyBuf)
	return view(c.keyBuf)
}

func (c *TransactionContext) writeValue(v Value) view {
	c.valueBuf = grow(c.valueBuf, v.Length())
	v.Write(c.valueBuf)
	return view(c.valueBuf)
}

// wrapKeyView copies engine-owned key bytes into the context, so decoded keys
// do not alias memory the engine may reuse.
func (c *TransactionContext) wrapKeyView(raw []byte) view {
	c.keyView = append(c.keyView[:0], raw...)
	return view(c.keyView)
}

func (c *TransactionContext) wrapValueView(raw []byte) view {
	c.valueView = append(c.valueView[:0], raw...)
	return view(c.valueView)
}

// withPrefix encodes prefix into the prefix buffer for the duration of fn.
// Prefix scans are not reentrant: borrowing the buffer twice panics.
func (c *TransactionContext) withPrefix(prefix Key, fn func(view) error) error {
	if c.prefixInUse {
		panic("zbdb: prefix buffer already in use, prefix scans cannot be nested")
	}
	c.prefixInUse = true
	defer func() { c.prefixInUse = false }()

	c.prefixBuf = grow(c.prefixBuf, prefix.Length())
	prefix.Write(c.prefixBuf)
	return fn(view(c.prefixBuf))
}
