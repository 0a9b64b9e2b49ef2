package zbdb

import (
	"github.com/strawhat5/zeebe/internal/storage"
)

// TransactionState is the lifecycle state of a Transaction.
type TransactionState int

const (
	TransactionOpen TransactionState = iota
	TransactionCommitted
	TransactionRolledBack
)

func (s TransactionState) String() string {
	switch s {
	case TransactionOpen:
		return "OPEN"
	case TransactionCommitted:
		return "COMMITTED"
	case TransactionRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// Transaction wraps one engine transaction. It is owned by a single
// TransactionContext and never shared.
type Transaction struct {
	native storage.Txn
	state  TransactionState
}

// State reports whether the transaction is still open.
func (t *Transaction) State() TransactionState {
	return t.state
}

func (t *Transaction) check() error {
	if t.state != TransactionOpen {
		return ErrTransactionClosed
	}
	return nil
}

func (t *Transaction) get(h storage.Handle, key []byte) ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.native.Get(h, key)
}

func (t *Transaction) put(h storage.Handle, key, value []byte) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.native.Put(h, key, value)
}

func (t *Transaction) delete(h storage.Handle, key []byte) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.native.Delete(h, key)
}

func (t *Transaction) newIterator(h storage.Handle, mode storage.ReadMode) (storage.Iterator, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.native.NewIterator(h, mode)
}

func (t *Transaction) commit() error {
	if err := t.check(); err != nil {
		return err
	}
	t.state = TransactionCommitted
	return t.native.Commit()
}

func (t *Transaction) rollback() error {
	if err := t.check(); err != nil {
		return err
	}
	t.state = TransactionRolledBack
	return t.native.Rollback()
}
