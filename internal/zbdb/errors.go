package zbdb

import (
	"errors"
	"fmt"
)

var (
	ErrDecode               = errors.New("zbdb: cannot decode")
	ErrNoTransaction        = errors.New("zbdb: no open transaction")
	ErrTransactionActive    = errors.New("zbdb: a transaction is already open")
	ErrTransactionClosed    = errors.New("zbdb: transaction already committed or rolled back")
	ErrColumnFamilyMismatch = errors.New("zbdb: engine column families do not match")
	ErrClosed               = errors.New("zbdb: database is closed")
)

// Error is returned by column family operations that fail in the engine or while decoding.
type Error struct {
	Op           string
	ColumnFamily ColumnFamily
	Err          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("zbdb: %s on %s: %v", e.Op, e.ColumnFamily, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
