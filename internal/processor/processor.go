// Package processor applies committed commands from the partition log to the
// state store and writes an event for each of them.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/strawhat5/zeebe/internal/logstream"
	"github.com/strawhat5/zeebe/internal/zbdb"
)

var ErrClosed = errors.New("processor: closed")

// positionsKey holds the processor's Positions in the default column family.
const positionsKey = "stream_processor_positions"

// Positions is the progress of the processor, stored with the state it belongs to.
type Positions struct {
	// Processed is the position of the last command applied to the state.
	Processed int64 `cbor:"1,keyasint"`
	// Written is the position of the last event the processor appended.
	Written int64 `cbor:"2,keyasint"`
}

// Counter is an optional metrics sink.
type Counter interface {
	Inc(name string)
}

type Config struct {
	Name    string
	Logger  *slog.Logger
	Metrics Counter
}

// Processor owns one TransactionContext of the DB. Run is the only goroutine
// touching the state; position queries are served by it through a channel.
type Processor struct {
	name    string
	db      *zbdb.DB
	log     logstream.LogStream
	logger  *slog.Logger
	metrics Counter

	ctx       *zbdb.TransactionContext
	positions *zbdb.TypedColumnFamily[*zbdb.RawString, *zbdb.CBORValue[Positions]]
	families  map[zbdb.ColumnFamily]*zbdb.TypedColumnFamily[*zbdb.Bytes, *zbdb.Bytes]

	requests chan chan Positions
	signal   chan struct{}
	started  chan struct{}
	done     chan struct{}

	pos  Positions
	next int64
	// replay maps commands whose event is already in the log to that event's position.
	replay map[int64]int64
}

func New(cfg Config, db *zbdb.DB, log logstream.LogStream) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "stream-processor"
	}

	ctx := db.NewContext()
	p := &Processor{
		name:     name,
		db:       db,
		log:      log,
		logger:   logger.With("processor", name),
		metrics:  cfg.Metrics,
		ctx:      ctx,
		families: make(map[zbdb.ColumnFamily]*zbdb.TypedColumnFamily[*zbdb.Bytes, *zbdb.Bytes]),
		requests: make(chan chan Positions),
		signal:   make(chan struct{}, 1),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
		pos:      Positions{Processed: logstream.UnsetPosition, Written: logstream.UnsetPosition},
		replay:   make(map[int64]int64),
	}
	p.positions = zbdb.NewColumnFamily(db, zbdb.CFDefault, ctx, &zbdb.RawString{}, &zbdb.CBORValue[Positions]{})
	for _, cf := range zbdb.AllColumnFamilies() {
		if cf == zbdb.CFDefault {
			continue
		}
		p.families[cf] = zbdb.NewColumnFamily(db, cf, ctx, &zbdb.Bytes{}, &zbdb.Bytes{})
	}
	return p
}

func (p *Processor) Name() string {
	return p.name
}

func (p *Processor) count(name string) {
	if p.metrics != nil {
		p.metrics.Inc(name)
	}
}

// Started is closed once recovery finished and Run serves position queries.
func (p *Processor) Started() <-chan struct{} {
	return p.started
}

// LastProcessedPosition returns the position of the last applied command,
// or logstream.UnsetPosition. It blocks until Run has recovered.
func (p *Processor) LastProcessedPosition(ctx context.Context) (int64, error) {
	pos, err := p.query(ctx)
	return pos.Processed, err
}

// LastWrittenPosition returns the position of the last event written, or logstream.UnsetPosition.
func (p *Processor) LastWrittenPosition(ctx context.Context) (int64, error) {
	pos, err := p.query(ctx)
	return pos.Written, err
}

func (p *Processor) query(ctx context.Context) (Positions, error) {
	reply := make(chan Positions, 1)
	select {
	case p.requests <- reply:
	case <-p.done:
		return Positions{}, ErrClosed
	case <-ctx.Done():
		return Positions{}, ctx.Err()
	}
	select {
	case pos := <-reply:
		return pos, nil
	case <-ctx.Done():
		return Positions{}, ctx.Err()
	}
}

// Run recovers the positions from the state, replays the log written since
// and then processes newly committed commands until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	defer close(p.done)

	if err := p.recover(ctx); err != nil {
		return err
	}
	id := p.log.RegisterCommitListener(p.notify)
	defer p.log.RemoveCommitListener(id)
	close(p.started)

	p.notify()
	for {
		select {
		case <-ctx.Done():
			return nil
		case reply := <-p.requests:
			reply <- p.pos
		case <-p.signal:
			if err := p.log.ReadCommitted(ctx, p.next, p.process); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Error("processing committed records", "position", p.next, "err", err)
			}
		}
	}
}

func (p *Processor) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// recover loads the positions stored with the state and scans the committed
// log after them for events already written for not yet processed commands.
// Those commands are replayed without writing their events again.
func (p *Processor) recover(ctx context.Context) error {
	stored, ok, err := p.positions.Get(&zbdb.RawString{Value: positionsKey})
	if err != nil {
		p.ctx.Rollback()
		return fmt.Errorf("read processor positions: %w", err)
	}
	if ok {
		p.pos = stored.Get()
	}
	if err := p.ctx.Rollback(); err != nil {
		return err
	}
	p.next = max(p.pos.Processed+1, 1)

	err = p.log.ReadCommitted(ctx, p.next, func(r logstream.Record) error {
		if r.Type == logstream.Event && r.SourcePosition > p.pos.Processed {
			p.replay[r.SourcePosition] = r.Position
			p.pos.Written = max(p.pos.Written, r.Position)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan log for reprocessing: %w", err)
	}
	p.logger.Info("recovered stream processor",
		"lastProcessedPosition", p.pos.Processed, "lastWrittenPosition", p.pos.Written, "reprocess", len(p.replay))
	return nil
}

// process handles one committed record. Events only advance the read position.
func (p *Processor) process(r logstream.Record) error {
	if r.Position < p.next {
		return nil
	}
	if r.Type != logstream.Command {
		p.next = r.Position + 1
		return nil
	}

	event, replayed := p.replay[r.Position]
	next := p.pos
	next.Processed = r.Position

	err := p.ctx.Update(func(*zbdb.Transaction) error {
		intent, reason, err := p.apply(r)
		if err != nil {
			return err
		}
		if !replayed {
			event, err = p.log.Append(context.Background(), logstream.Record{
				SourcePosition: r.Position,
				Type:           logstream.Event,
				Intent:         intent,
				ColumnFamily:   r.ColumnFamily,
				Key:            r.Key,
				Reason:         reason,
			})
			if err != nil {
				return fmt.Errorf("write event for command %d: %w", r.Position, err)
			}
		}
		next.Written = max(next.Written, event)

		var value zbdb.CBORValue[Positions]
		if err := value.Set(next); err != nil {
			return err
		}
		return p.positions.Put(&zbdb.RawString{Value: positionsKey}, &value)
	})
	if err != nil {
		return err
	}

	p.pos = next
	p.next = r.Position + 1
	delete(p.replay, r.Position)
	p.count("commands_processed")
	if replayed {
		p.count("commands_reprocessed")
	}
	return nil
}

// apply changes the state for a command. Invalid commands change nothing and
// are answered with a REJECTED event.
func (p *Processor) apply(r logstream.Record) (intent, reason string, err error) {
	cf, ok := zbdb.ParseColumnFamily(r.ColumnFamily)
	if !ok {
		return p.reject(r, fmt.Sprintf("unknown column family %q", r.ColumnFamily))
	}
	family, ok := p.families[cf]
	if !ok {
		return p.reject(r, fmt.Sprintf("column family %s is reserved", cf))
	}
	if len(r.Key) == 0 {
		return p.reject(r, "empty key")
	}

	switch r.Intent {
	case logstream.IntentPut:
		err = family.Put(&zbdb.Bytes{Value: r.Key}, &zbdb.Bytes{Value: r.Value})
	case logstream.IntentDelete:
		err = family.Delete(&zbdb.Bytes{Value: r.Key})
	default:
		return p.reject(r, fmt.Sprintf("unknown intent %q", r.Intent))
	}
	if err != nil {
		return "", "", err
	}
	return logstream.IntentApplied, "", nil
}

func (p *Processor) reject(r logstream.Record, reason string) (string, string, error) {
	p.logger.Debug("rejecting command", "position", r.Position, "reason", reason)
	p.count("commands_rejected")
	return logstream.IntentRejected, reason, nil
}
