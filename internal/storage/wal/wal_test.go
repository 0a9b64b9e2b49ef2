package wal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test_wal.log")

	w, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}

	entries := [][]byte{
		[]byte("entry1"),
		[]byte("entry2-longer"),
		[]byte("entry3"),
	}

	for _, e := range entries {
		if err := w.Append(e); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close WAL: %v", err)
	}

	// Reopen and verify
	w2, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to reopen WAL: %v", err)
	}
	defer w2.Close()

	var readEntries [][]byte
	err = w2.Iterate(func(data []byte) error {
		// the buffer is reused between calls
		d := make([]byte, len(data))
		copy(d, data)
		readEntries = append(readEntries, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}

	if len(readEntries) != len(entries) {
		t.Fatalf("Expected %d entries, got %d", len(entries), len(readEntries))
	}

	for i, e := range entries {
		if !bytes.Equal(e, readEntries[i]) {
			t.Errorf("Entry %d mismatch. Want %s, got %s", i, e, readEntries[i])
		}
	}
}

func TestWALWithoutSyncAppendsAfterIterate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nosync.log")

	w, err := Open(path, WithoutSync())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer w.Close()

	if err := w.Append([]byte("a")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := w.Iterate(func([]byte) error { return nil }); err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	if err := w.Append([]byte("b")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	var got []string
	w.Iterate(func(data []byte) error {
		got = append(got, string(data))
		return nil
	})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("want [a b], got %v", got)
	}
}

func TestWALDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.log")

	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	w.Append([]byte("payload"))
	w.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[5] ^= 0xFF
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}

	w2, err := Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer w2.Close()

	err = w2.Iterate(func([]byte) error { return nil })
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("want ErrCorrupt, got %v", err)
	}
}

func TestWALRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewrite.log")

	w, err := Open(path, WithoutSync())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for _, e := range []string{"a", "b", "c", "d"} {
		if err := w.Append([]byte(e)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := w.Rewrite([][]byte{[]byte("base"), []byte("d")}); err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}
	if err := w.Append([]byte("e")); err != nil {
		t.Fatalf("Append after rewrite failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".rewrite"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}

	w2, err := Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer w2.Close()
	var got []string
	if err := w2.Iterate(func(data []byte) error {
		got = append(got, string(data))
		return nil
	}); err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	if len(got) != 3 || got[0] != "base" || got[1] != "d" || got[2] != "e" {
		t.Errorf("want [base d e], got %v", got)
	}
}
