package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/strawhat5/zeebe/internal/storage"
)

// Transient is a captured but not yet validated snapshot.
type Transient interface {
	LowerBound() int64
	// Persist promotes the snapshot with the given upper bound.
	Persist(upper int64) (PersistedSnapshot, error)
	// Abort discards the snapshot. It must be safe to call after Persist,
	// including a failed one, and more than once.
	Abort() error
}

// TransientSnapshot is the Transient written to the store's pending directory.
type TransientSnapshot struct {
	store *Store
	lower int64
	path  string

	mu   sync.Mutex
	done bool
}

func (t *TransientSnapshot) LowerBound() int64 {
	return t.lower
}

// Path returns the pending directory holding the snapshot.
func (t *TransientSnapshot) Path() string {
	return t.path
}

// Persist writes metadata and checksum, then atomically renames the pending
// directory to snapshots/<lower>-<upper>. On failure the pending directory is
// deleted and the snapshot cannot be used any more.
func (t *TransientSnapshot) Persist(upper int64) (PersistedSnapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return PersistedSnapshot{}, ErrDone
	}
	t.done = true

	snap, err := t.persist(upper)
	if err != nil {
		os.RemoveAll(t.path)
		t.store.release(t.lower)
		return PersistedSnapshot{}, err
	}
	t.store.promote(snap, t.lower)
	return snap, nil
}

func (t *TransientSnapshot) persist(upper int64) (PersistedSnapshot, error) {
	if upper < t.lower {
		return PersistedSnapshot{}, fmt.Errorf("snapshot upper bound %d below lower bound %d", upper, t.lower)
	}

	meta, err := json.MarshalIndent(Metadata{LowerBound: t.lower, UpperBound: upper, CreatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return PersistedSnapshot{}, err
	}
	if err := writeFileSync(filepath.Join(t.path, MetadataFile), meta); err != nil {
		return PersistedSnapshot{}, err
	}
	sum, err := checksum(t.path)
	if err != nil {
		return PersistedSnapshot{}, err
	}
	if err := writeFileSync(filepath.Join(t.path, ChecksumFile), []byte(sum+"\n")); err != nil {
		return PersistedSnapshot{}, err
	}

	id := ID(t.lower, upper)
	target := filepath.Join(t.store.snapshots, id)
	if _, err := os.Stat(target); err == nil {
		return PersistedSnapshot{}, fmt.Errorf("%w: %s", ErrSnapshotExists, id)
	}
	if err := os.Rename(t.path, target); err != nil {
		return PersistedSnapshot{}, err
	}
	if err := storage.SyncDir(t.store.snapshots); err != nil {
		return PersistedSnapshot{}, err
	}
	return PersistedSnapshot{
		ID:         id,
		LowerBound: t.lower,
		UpperBound: upper,
		Path:       target,
		Checksum:   sum,
	}, nil
}

// Abort deletes the pending directory. Aborting twice is a no-op.
func (t *TransientSnapshot) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.release(t.lower)
	return os.RemoveAll(t.path)
}

// checksum hashes every file under dir except the checksum itself, in path order.
func checksum(dir string) (string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && d.Name() != ChecksumFile {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	h := sha256.New()
	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", err
		}
		io.WriteString(h, filepath.ToSlash(rel))
		h.Write([]byte{0})
		if err := hashFile(h, path); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// CopyDir copies the snapshot's state files (everything but metadata and
// checksum) from src into dst, creating dst.
func CopyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if rel == MetadataFile || rel == ChecksumFile || !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
