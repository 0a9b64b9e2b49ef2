// Package zbdb is the typed, column-family scoped transactional store of a partition.
//
// A DB wraps an embedded storage.Engine opened with ColumnFamilyNames. Callers
// get a TransactionContext per processing goroutine and build typed
// ColumnFamily views over it with NewColumnFamily.
package zbdb

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/strawhat5/zeebe/internal/storage"
)

// MetricsReporter receives engine properties exported by DB.ExportMetrics.
type MetricsReporter interface {
	ReportProperty(partition, columnFamily, property string, value float64)
}

// Options configures a DB.
type Options struct {
	Partition int
	Logger    *slog.Logger
	// Metrics is optional.
	Metrics MetricsReporter
}

type closer struct {
	name  string
	close func() error
}

// DB is the partition state store.
type DB struct {
	engine    storage.Engine
	registry  *registry
	partition string
	logger    *slog.Logger
	metrics   MetricsReporter

	mu      sync.Mutex
	closers []closer
	closed  bool
}

// Open builds a DB over engine. The engine must have been opened with exactly
// the families of ColumnFamilyNames. On success the DB owns the engine and
// closes it last.
func Open(engine storage.Engine, opts Options) (*DB, error) {
	reg, err := newRegistry(engine.Families())
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	partition := strconv.Itoa(opts.Partition)

	db := &DB{
		engine:    engine,
		registry:  reg,
		partition: partition,
		logger:    logger.With("partition", partition),
		metrics:   opts.Metrics,
	}
	db.closers = append(db.closers, closer{name: "engine", close: engine.Close})
	return db, nil
}

// NewContext returns a new TransactionContext. Contexts are closed with the
// DB, before the engine, rolling back any transaction left open.
func (db *DB) NewContext() *TransactionContext {
	ctx := &TransactionContext{db: db}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		ctx.closed = true
		return ctx
	}
	db.closers = append(db.closers, closer{name: "transaction context", close: ctx.close})
	return ctx
}

// CreateCheckpoint writes a consistent copy of the committed state to dir.
// It is safe to call while a context has an open transaction. dir must not exist.
func (db *DB) CreateCheckpoint(dir string) error {
	if db.isClosed() {
		return ErrClosed
	}
	if err := db.engine.Checkpoint(dir); err != nil {
		return fmt.Errorf("create checkpoint in %s: %w", dir, err)
	}
	return nil
}

// ExportMetrics reports every engine property of every column family.
// Properties that cannot be read are skipped.
func (db *DB) ExportMetrics() {
	if db.metrics == nil || db.isClosed() {
		return
	}
	for _, f := range db.engine.Families() {
		cf, ok := db.registry.columnFamily(f.Handle)
		if !ok {
			continue
		}
		for _, property := range storage.Properties {
			raw, err := db.engine.Property(f.Handle, property)
			if err != nil {
				db.logger.Debug("read engine property", "cf", cf.String(), "property", property, "err", err)
				continue
			}
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				db.logger.Debug("parse engine property", "cf", cf.String(), "property", property, "value", raw)
				continue
			}
			db.metrics.ReportProperty(db.partition, cf.String(), strings.TrimPrefix(property, "zb."), value)
		}
	}
}

func (db *DB) isClosed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}

// Close releases every resource in reverse acquisition order. Failures are
// logged and do not stop the remaining releases. Close always returns nil.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	closers := db.closers
	db.closers = nil
	db.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].close(); err != nil && !errors.Is(err, storage.ErrClosed) {
			db.logger.Error("close resource", "resource", closers[i].name, "err", err)
		}
	}
	return nil
}
