package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrCorrupt is returned by Iterate when a record fails its checksum or is truncated.
var ErrCorrupt = errors.New("wal: corrupt record")

// WAL is an append-only file of length-prefixed, checksummed records.
type WAL struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	noSync bool
	dirty  bool
}

// Option configures a WAL.
type Option func(*WAL)

// WithoutSync disables the fsync after every Append. Callers must call Sync
// (or Close) to make appended records durable.
func WithoutSync() Option {
	return func(w *WAL) { w.noSync = true }
}

// Open opens or creates a WAL file.
func Open(path string, opts ...Option) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	w := &WAL{
		f:    f,
		path: path,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the file the WAL writes to.
func (w *WAL) Path() string {
	return w.path
}

// frame encodes a record as Len(4) | Data(N) | CRC(4).
func frame(data []byte) []byte {
	buf := make([]byte, 4+len(data)+4)
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	binary.BigEndian.PutUint32(buf[4+len(data):], crc32.ChecksumIEEE(data))
	return buf
}

// Append writes an entry to the WAL.
func (w *WAL) Append(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Write(frame(data)); err != nil {
		return err
	}
	if w.noSync {
		w.dirty = true
		return nil
	}
	return w.f.Sync()
}

// Rewrite replaces the whole content of the WAL with records. The new file is
// written and synced next to the old one, then renamed over it, so a crash
// leaves either the old or the new content. Appends continue on the new file.
func (w *WAL) Rewrite(records [][]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	tmp := w.path + ".rewrite"
	f, err := os.OpenFile(tmp, os.O_APPEND|os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return err
	}
	for _, r := range records {
		if _, err := f.Write(frame(r)); err != nil {
			return fail(err)
		}
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fail(err)
	}
	if err := syncDir(filepath.Dir(w.path)); err != nil {
		f.Close()
		return err
	}

	w.f.Close()
	w.f = f
	w.dirty = false
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Sync flushes appended records to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if !w.dirty {
		return nil
	}
	w.dirty = false
	return w.f.Sync()
}

// Iterate reads all entries from the WAL calling handler for each.
// The slice passed to handler is reused between calls.
func (w *WAL) Iterate(handler func(data []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	// Reset position to end for appending
	defer w.f.Seek(0, io.SeekEnd)

	var header [4]byte
	var data []byte
	for {
		if _, err := io.ReadFull(w.f, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return ErrCorrupt
		}
		length := int(binary.BigEndian.Uint32(header[:]))

		if cap(data) < length {
			data = make([]byte, length)
		}
		data = data[:length]
		if _, err := io.ReadFull(w.f, data); err != nil {
			return ErrCorrupt
		}

		if _, err := io.ReadFull(w.f, header[:]); err != nil {
			return ErrCorrupt
		}
		if crc32.ChecksumIEEE(data) != binary.BigEndian.Uint32(header[:]) {
			return ErrCorrupt
		}

		if err := handler(data); err != nil {
			return err
		}
	}
}

// Close syncs any pending records and closes the file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.syncLocked(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
