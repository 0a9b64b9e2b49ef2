package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/btree"

	"github.com/strawhat5/zeebe/internal/storage/wal"
)

// CheckpointManifest is the file naming the families of a memory engine checkpoint.
const CheckpointManifest = "CHECKPOINT"

var errBadEntry = errors.New("storage: malformed checkpoint entry")

type manifest struct {
	Families []manifestFamily `json:"families"`
}

type manifestFamily struct {
	Name    string `json:"name"`
	File    string `json:"file"`
	Entries int    `json:"entries"`
}

// writeCheckpoint stages every family in dir.tmp and renames it to dir once complete,
// so a crash never leaves a partial checkpoint under the final name.
func writeCheckpoint(dir string, families []Family, trees []*btree.BTreeG[item]) error {
	tmp, err := PrepareCheckpointDir(dir)
	if err != nil {
		return err
	}

	var m manifest
	for i, f := range families {
		file := fmt.Sprintf("%06d.cf", f.Handle)
		n, err := writeFamily(filepath.Join(tmp, file), trees[i])
		if err != nil {
			os.RemoveAll(tmp)
			return fmt.Errorf("checkpoint family %s: %w", f.Name, err)
		}
		m.Families = append(m.Families, manifestFamily{Name: f.Name, File: file, Entries: n})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		os.RemoveAll(tmp)
		return err
	}
	if err := writeFileSync(filepath.Join(tmp, CheckpointManifest), data); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	if err := os.Rename(tmp, dir); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	return SyncDir(filepath.Dir(dir))
}

func writeFamily(path string, tree *btree.BTreeG[item]) (int, error) {
	w, err := wal.Open(path, wal.WithoutSync())
	if err != nil {
		return 0, err
	}

	var (
		buf  []byte
		werr error
		n    int
	)
	tree.Ascend(func(it item) bool {
		buf = encodeEntry(buf[:0], it.key, it.value)
		if werr = w.Append(buf); werr != nil {
			return false
		}
		n++
		return true
	})
	if werr != nil {
		w.Close()
		return 0, werr
	}
	return n, w.Close()
}

// loadCheckpoint returns nil, nil if dir holds no checkpoint.
func loadCheckpoint(dir string) (map[string]*btree.BTreeG[item], error) {
	data, err := os.ReadFile(filepath.Join(dir, CheckpointManifest))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("read checkpoint manifest: %w", err)
	}

	trees := make(map[string]*btree.BTreeG[item], len(m.Families))
	for _, f := range m.Families {
		tree, err := readFamily(filepath.Join(dir, f.File))
		if err != nil {
			return nil, fmt.Errorf("load checkpoint family %s: %w", f.Name, err)
		}
		if tree.Len() != f.Entries {
			return nil, fmt.Errorf("load checkpoint family %s: found %d entries, manifest lists %d",
				f.Name, tree.Len(), f.Entries)
		}
		trees[f.Name] = tree
	}
	return trees, nil
}

func readFamily(path string) (*btree.BTreeG[item], error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	w, err := wal.Open(path)
	if err != nil {
		return nil, err
	}
	defer w.Close()

	tree := newTree()
	err = w.Iterate(func(data []byte) error {
		key, value, err := decodeEntry(data)
		if err != nil {
			return err
		}
		tree.ReplaceOrInsert(item{
			key:   append([]byte{}, key...),
			value: append([]byte{}, value...),
		})
		return nil
	})
	return tree, err
}

// Entry format: uvarint(len(key)) | key | value
func encodeEntry(dst, key, value []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(key)))
	dst = append(dst, key...)
	return append(dst, value...)
}

func decodeEntry(data []byte) (key, value []byte, err error) {
	n, size := binary.Uvarint(data)
	if size <= 0 || uint64(len(data)-size) < n {
		return nil, nil, errBadEntry
	}
	end := size + int(n)
	return data[size:end], data[end:], nil
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

// SyncDir fsyncs a directory so renames inside it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
