package snapshot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

var ErrNoDatabase = errors.New("snapshot: no database attached")

// Checkpointer is the state store's checkpoint primitive.
type Checkpointer interface {
	CreateCheckpoint(dir string) error
}

// StateController ties the live state store to the snapshot store: it takes
// transient snapshots of the running database and restores the runtime
// directory from the latest persisted snapshot on startup.
type StateController struct {
	store      *Store
	runtimeDir string
	logger     *slog.Logger

	mu sync.Mutex
	db Checkpointer
}

func NewStateController(store *Store, runtimeDir string, logger *slog.Logger) *StateController {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateController{store: store, runtimeDir: runtimeDir, logger: logger}
}

// RuntimeDir is the directory the live database is opened in.
func (c *StateController) RuntimeDir() string {
	return c.runtimeDir
}

// Attach sets the database to take snapshots of. Pass nil to detach before closing it.
func (c *StateController) Attach(db Checkpointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.db = db
}

// Recover replaces the runtime directory with the state of the latest
// persisted snapshot. Without a snapshot the runtime directory starts empty.
// It must run before the database is opened.
func (c *StateController) Recover() (PersistedSnapshot, bool, error) {
	if err := os.RemoveAll(c.runtimeDir); err != nil {
		return PersistedSnapshot{}, false, err
	}

	snap, ok := c.store.LatestSnapshot()
	if !ok {
		return PersistedSnapshot{}, false, os.MkdirAll(c.runtimeDir, 0755)
	}
	if err := c.store.Verify(snap); err != nil {
		return PersistedSnapshot{}, false, fmt.Errorf("recover from snapshot %s: %w", snap.ID, err)
	}
	if err := CopyDir(snap.Path, c.runtimeDir); err != nil {
		return PersistedSnapshot{}, false, fmt.Errorf("recover from snapshot %s: %w", snap.ID, err)
	}
	c.logger.Info("recovered state from snapshot", "snapshot", snap.ID)
	return snap, true, nil
}

// TakeTransientSnapshot checkpoints the attached database as a transient
// snapshot anchored at lower. It returns false when the store declines.
func (c *StateController) TakeTransientSnapshot(lower int64) (Transient, bool, error) {
	c.mu.Lock()
	db := c.db
	c.mu.Unlock()
	if db == nil {
		return nil, false, ErrNoDatabase
	}

	t, ok, err := c.store.NewTransientSnapshot(lower, db.CreateCheckpoint)
	if err != nil || !ok {
		return nil, false, err
	}
	return t, true, nil
}
