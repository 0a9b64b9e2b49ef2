// Package snapshot manages the on-disk snapshots of a partition's state.
//
// A snapshot starts as a transient snapshot in pending/<lower>, written by the
// state store's checkpoint primitive. Once the log has committed everything
// the snapshot depends on, it is persisted: metadata and a checksum are added
// and the directory is renamed to snapshots/<lower>-<upper>.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	pendingDirName   = "pending"
	snapshotsDirName = "snapshots"

	// MetadataFile and ChecksumFile are added to a snapshot directory when it is persisted.
	MetadataFile = "METADATA"
	ChecksumFile = "CHECKSUM"
)

var (
	ErrSnapshotExists = errors.New("snapshot: already exists")
	ErrChecksum       = errors.New("snapshot: checksum mismatch")
	ErrDone           = errors.New("snapshot: transient snapshot already persisted or aborted")
	ErrReadOnly       = errors.New("snapshot: store is read-only")
)

// Metadata is stored as JSON in every persisted snapshot.
type Metadata struct {
	LowerBound int64     `json:"lowerBound"`
	UpperBound int64     `json:"upperBound"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PersistedSnapshot is a durable snapshot known to be replayable.
type PersistedSnapshot struct {
	ID string
	// LowerBound is the last processed position the state reflects.
	LowerBound int64
	// UpperBound is the last position written by the processor when the state was captured.
	UpperBound int64
	Path       string
	Checksum   string
}

// ID returns the identifier of a snapshot with the given bounds.
func ID(lower, upper int64) string {
	return fmt.Sprintf("%d-%d", lower, upper)
}

// ParseID is the inverse of ID.
func ParseID(id string) (lower, upper int64, ok bool) {
	l, u, found := strings.Cut(id, "-")
	if !found {
		return 0, 0, false
	}
	lower, err := strconv.ParseInt(l, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	upper, err = strconv.ParseInt(u, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return lower, upper, true
}

// newer orders snapshots by lower, then upper bound.
func newer(a, b PersistedSnapshot) bool {
	if a.LowerBound != b.LowerBound {
		return a.LowerBound > b.LowerBound
	}
	return a.UpperBound > b.UpperBound
}

// Store keeps transient and persisted snapshots under one root directory.
// Only the latest persisted snapshot is retained.
type Store struct {
	root      string
	pending   string
	snapshots string
	logger    *slog.Logger
	readOnly  bool

	mu        sync.Mutex
	latest    *PersistedSnapshot
	inFlight  map[int64]bool
	listeners []func(PersistedSnapshot)
}

// NewStore opens the store in root. Pending snapshots left by a previous
// process are deleted, since nothing can persist them any more.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	s := newStore(root, logger)
	if err := os.RemoveAll(s.pending); err != nil {
		return nil, err
	}
	for _, dir := range []string{s.pending, s.snapshots} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return s, s.loadLatest()
}

// OpenReadOnly opens an existing store without touching it, for inspection
// while a broker may be using it. Transient snapshots cannot be taken.
func OpenReadOnly(root string, logger *slog.Logger) (*Store, error) {
	s := newStore(root, logger)
	if _, err := os.Stat(s.snapshots); err != nil {
		return nil, fmt.Errorf("%s is not a snapshot store: %w", root, err)
	}
	s.readOnly = true
	return s, s.loadLatest()
}

func newStore(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:      root,
		pending:   filepath.Join(root, pendingDirName),
		snapshots: filepath.Join(root, snapshotsDirName),
		logger:    logger,
		inFlight:  make(map[int64]bool),
	}
}

func (s *Store) loadLatest() error {
	snaps, err := s.Snapshots()
	if err != nil {
		return err
	}
	if len(snaps) > 0 {
		latest := snaps[len(snaps)-1]
		s.latest = &latest
	}
	return nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// LatestSnapshot returns the most recent persisted snapshot.
func (s *Store) LatestSnapshot() (PersistedSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return PersistedSnapshot{}, false
	}
	return *s.latest, true
}

// Snapshots lists the persisted snapshots on disk, oldest first.
func (s *Store) Snapshots() ([]PersistedSnapshot, error) {
	entries, err := os.ReadDir(s.snapshots)
	if err != nil {
		return nil, err
	}

	var out []PersistedSnapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		lower, upper, ok := ParseID(e.Name())
		if !ok {
			continue
		}
		path := filepath.Join(s.snapshots, e.Name())
		sum, err := os.ReadFile(filepath.Join(path, ChecksumFile))
		if err != nil {
			s.logger.Warn("ignoring snapshot without checksum", "snapshot", e.Name(), "err", err)
			continue
		}
		out = append(out, PersistedSnapshot{
			ID:         e.Name(),
			LowerBound: lower,
			UpperBound: upper,
			Path:       path,
			Checksum:   strings.TrimSpace(string(sum)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[j], out[i]) })
	return out, nil
}

// AddListener registers fn to be called after every persisted snapshot.
func (s *Store) AddListener(fn func(PersistedSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// NewTransientSnapshot runs take to write the state into a new pending
// directory for lower. It declines, returning false, if a persisted snapshot
// at lower or above exists or if a snapshot for lower is already pending.
// take must create the directory it is given.
func (s *Store) NewTransientSnapshot(lower int64, take func(dir string) error) (*TransientSnapshot, bool, error) {
	if s.readOnly {
		return nil, false, ErrReadOnly
	}
	s.mu.Lock()
	if s.latest != nil && s.latest.LowerBound >= lower {
		s.mu.Unlock()
		return nil, false, nil
	}
	if s.inFlight[lower] {
		s.mu.Unlock()
		return nil, false, nil
	}
	s.inFlight[lower] = true
	s.mu.Unlock()

	path := filepath.Join(s.pending, strconv.FormatInt(lower, 10))
	if err := take(path); err != nil {
		os.RemoveAll(path)
		s.release(lower)
		return nil, false, fmt.Errorf("take transient snapshot %d: %w", lower, err)
	}
	return &TransientSnapshot{store: s, lower: lower, path: path}, true, nil
}

// Verify recomputes the checksum of a persisted snapshot.
func (s *Store) Verify(snap PersistedSnapshot) error {
	sum, err := checksum(snap.Path)
	if err != nil {
		return err
	}
	if sum != snap.Checksum {
		return fmt.Errorf("%w: snapshot %s has %s, expected %s", ErrChecksum, snap.ID, sum, snap.Checksum)
	}
	return nil
}

// ReadMetadata reads the metadata file of a persisted snapshot.
func ReadMetadata(snap PersistedSnapshot) (Metadata, error) {
	var m Metadata
	data, err := os.ReadFile(filepath.Join(snap.Path, MetadataFile))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode snapshot metadata: %w", err)
	}
	return m, nil
}

func (s *Store) release(lower int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, lower)
}

// promote installs snap as the latest snapshot, deletes every other persisted
// snapshot and notifies listeners.
func (s *Store) promote(snap PersistedSnapshot, lower int64) {
	s.mu.Lock()
	delete(s.inFlight, lower)
	if s.latest == nil || newer(snap, *s.latest) {
		s.latest = &snap
	}
	latest := *s.latest
	listeners := append([]func(PersistedSnapshot){}, s.listeners...)
	s.mu.Unlock()

	entries, err := os.ReadDir(s.snapshots)
	if err != nil {
		s.logger.Warn("list snapshots for retention", "err", err)
	}
	for _, e := range entries {
		if e.Name() == latest.ID {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.snapshots, e.Name())); err != nil {
			s.logger.Warn("delete old snapshot", "snapshot", e.Name(), "err", err)
		}
	}

	for _, fn := range listeners {
		fn(snap)
	}
}
