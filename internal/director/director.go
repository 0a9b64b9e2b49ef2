// Package director periodically snapshots a partition's state and only keeps
// a snapshot once the log has committed every record the snapshot depends on.
package director

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/strawhat5/zeebe/internal/logstream"
	"github.com/strawhat5/zeebe/internal/snapshot"
)

// MinimumSnapshotPeriod is the default lower bound of the first snapshot delay.
const MinimumSnapshotPeriod = time.Minute

// State is a step of the snapshot protocol.
type State int

const (
	Idle State = iota
	Preparing
	Capturing
	AwaitingCommit
	Persisted
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Preparing:
		return "PREPARING"
	case Capturing:
		return "CAPTURING"
	case AwaitingCommit:
		return "AWAITING_COMMIT"
	case Persisted:
		return "PERSISTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// StreamProcessor reports the processing progress of the partition.
type StreamProcessor interface {
	Name() string
	// LastProcessedPosition returns logstream.UnsetPosition if nothing was processed yet.
	LastProcessedPosition(ctx context.Context) (int64, error)
	LastWrittenPosition(ctx context.Context) (int64, error)
}

// LogStream is the part of the log the director watches.
type LogStream interface {
	CommitPosition(ctx context.Context) (int64, error)
	RegisterCommitListener(fn func()) logstream.ListenerID
	RemoveCommitListener(id logstream.ListenerID)
}

// StateController captures transient snapshots of the live state.
type StateController interface {
	TakeTransientSnapshot(lower int64) (snapshot.Transient, bool, error)
}

// Counter is an optional metrics sink.
type Counter interface {
	Inc(name string)
}

// Config configures a Director.
type Config struct {
	Partition      int
	SnapshotPeriod time.Duration
	// MinimumSnapshotPeriod bounds the random first delay from below. Defaults to MinimumSnapshotPeriod.
	MinimumSnapshotPeriod time.Duration
	Logger                *slog.Logger
	Metrics               Counter
}

// Director runs the snapshot protocol for one partition. All transitions happen
// on the goroutine running Run.
type Director struct {
	processor  StreamProcessor
	log        LogStream
	controller StateController
	period     time.Duration
	minPeriod  time.Duration
	logger     *slog.Logger
	metrics    Counter

	commitSignal chan struct{}
	listenerID   logstream.ListenerID
	listening    bool

	mu    sync.Mutex
	state State

	takingSnapshot bool
	pending        snapshot.Transient
	lowerBound     int64
	upperBound     int64
}

func New(cfg Config, processor StreamProcessor, log LogStream, controller StateController) (*Director, error) {
	if cfg.SnapshotPeriod <= 0 {
		return nil, errors.New("director: snapshot period must be positive")
	}
	minPeriod := cfg.MinimumSnapshotPeriod
	if minPeriod <= 0 {
		minPeriod = MinimumSnapshotPeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Director{
		processor:    processor,
		log:          log,
		controller:   controller,
		period:       cfg.SnapshotPeriod,
		minPeriod:    minPeriod,
		logger:       logger.With("partition", cfg.Partition, "processor", processor.Name()),
		metrics:      cfg.Metrics,
		commitSignal: make(chan struct{}, 1),
		lowerBound:   logstream.UnsetPosition,
		upperBound:   logstream.UnsetPosition,
	}, nil
}

// State returns the current protocol state.
func (d *Director) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Director) transition(to State) {
	d.mu.Lock()
	from := d.state
	d.state = to
	d.mu.Unlock()
	d.logger.Debug("snapshot director transition", "from", from.String(), "to", to.String())
}

func (d *Director) count(name string) {
	if d.metrics != nil {
		d.metrics.Inc(name)
	}
}

// FirstDelay returns a random duration in [min, max], or max if max <= min.
func FirstDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return max
	}
	return min + rand.N(max-min+1)
}

// Run executes the protocol until ctx is done. The first snapshot is
// attempted after a random delay between the minimum period and the
// snapshot period, then at every period.
func (d *Director) Run(ctx context.Context) error {
	d.start()
	defer d.shutdown()

	first := time.NewTimer(FirstDelay(d.minPeriod, d.period))
	defer first.Stop()

	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-first.C:
			ticker = time.NewTicker(d.period)
			tick = ticker.C
			d.prepare(ctx)
		case <-tick:
			d.prepare(ctx)
		case <-d.commitSignal:
			d.onCommitCheck(ctx)
		}
	}
}

func (d *Director) start() {
	d.listenerID = d.log.RegisterCommitListener(d.signalCommit)
	d.listening = true
}

// signalCommit runs on the log's goroutine and must not block.
func (d *Director) signalCommit() {
	select {
	case d.commitSignal <- struct{}{}:
	default:
	}
}

// shutdown stops listening to the log and discards an unfinished snapshot.
func (d *Director) shutdown() {
	if d.listening {
		d.log.RemoveCommitListener(d.listenerID)
		d.listening = false
	}
	if d.pending != nil {
		d.logger.Info("discarding pending snapshot on shutdown", "lowerBound", d.lowerBound)
		d.abort()
	}
}

// prepare starts a snapshot cycle unless one is already in flight.
func (d *Director) prepare(ctx context.Context) {
	if d.takingSnapshot {
		return
	}
	d.takingSnapshot = true
	d.transition(Preparing)

	lower, err := d.processor.LastProcessedPosition(ctx)
	if err != nil {
		d.logger.Error("unexpected error in resolving last processed position", "err", err)
		d.abort()
		return
	}
	if lower == logstream.UnsetPosition {
		d.logger.Debug("skip taking snapshot, nothing processed yet")
		d.reset()
		return
	}
	d.capture(ctx, lower)
}

func (d *Director) capture(ctx context.Context, lower int64) {
	d.transition(Capturing)

	commit, err := d.log.CommitPosition(ctx)
	if err != nil {
		d.logger.Error("unexpected error in retrieving commit position", "err", err)
		d.abort()
		return
	}

	pending, ok, err := d.controller.TakeTransientSnapshot(lower)
	if err != nil {
		d.logger.Error("failed to take transient snapshot", "lowerBound", lower, "err", err)
		d.abort()
		return
	}
	if !ok {
		d.logger.Debug("transient snapshot declined", "lowerBound", lower)
		d.abort()
		return
	}
	d.logger.Debug("created transient snapshot", "lowerBound", lower)
	d.pending = pending
	d.lowerBound = lower

	written, err := d.processor.LastWrittenPosition(ctx)
	if err != nil {
		d.logger.Error("unexpected error in resolving last written position", "lowerBound", lower, "err", err)
		d.abort()
		return
	}
	// A processor that wrote nothing since recovery still needs its processed records committed.
	d.upperBound = max(written, lower)
	d.transition(AwaitingCommit)
	d.logger.Info("finished taking snapshot, waiting until last written position is committed",
		"lastWrittenPosition", d.upperBound, "commitPosition", commit)

	d.onCommitCheck(ctx)
}

// onCommitCheck persists the pending snapshot once the commit position has
// reached the last written position captured with it.
func (d *Director) onCommitCheck(ctx context.Context) {
	if d.State() != AwaitingCommit || d.pending == nil {
		return
	}

	commit, err := d.log.CommitPosition(ctx)
	if err != nil {
		d.logger.Warn("retrieving commit position", "err", err)
		return
	}
	if commit < d.upperBound {
		return
	}

	snap, err := d.pending.Persist(d.upperBound)
	if err != nil {
		d.logger.Error("unexpected error in persisting snapshot",
			"lowerBound", d.lowerBound, "lastWrittenPosition", d.upperBound, "err", err)
		d.abort()
		return
	}
	d.pending = nil

	d.transition(Persisted)
	d.count("snapshots_persisted")
	d.logger.Info("snapshot is valid and has been persisted",
		"snapshot", snap.ID, "commitPosition", commit, "lastWrittenPosition", d.upperBound)
	d.reset()
}

// abort discards the pending snapshot, if any, and ends the cycle.
func (d *Director) abort() {
	if d.pending != nil {
		if err := d.pending.Abort(); err != nil {
			d.logger.Warn("discard transient snapshot", "lowerBound", d.lowerBound, "err", err)
		}
		d.pending = nil
	}
	d.transition(Aborted)
	d.count("snapshots_aborted")
	d.reset()
}

func (d *Director) reset() {
	d.takingSnapshot = false
	d.lowerBound = logstream.UnsetPosition
	d.upperBound = logstream.UnsetPosition
	d.transition(Idle)
}
