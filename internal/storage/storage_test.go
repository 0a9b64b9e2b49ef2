package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T, dir string, names ...string) *MemoryEngine {
	t.Helper()
	e, err := OpenMemory(dir, names)
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func mustPut(t *testing.T, txn Txn, h Handle, k, v string) {
	t.Helper()
	if err := txn.Put(h, []byte(k), []byte(v)); err != nil {
		t.Fatalf("Put %s failed: %v", k, err)
	}
}

func collect(t *testing.T, txn Txn, h Handle) []string {
	t.Helper()
	it, err := txn.NewIterator(h, ReadDefault)
	if err != nil {
		t.Fatalf("NewIterator failed: %v", err)
	}
	defer it.Close()
	var keys []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key())+"="+string(it.Value()))
	}
	return keys
}

func TestMemoryEngine(t *testing.T) {
	e := openTest(t, "", "default", "other")
	h := e.Families()[0].Handle

	txn, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	mustPut(t, txn, h, "key1", "val1")

	got, err := txn.Get(h, []byte("key1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "val1" {
		t.Errorf("transaction must read its own write, got %q", got)
	}

	// Not visible to other transactions until commit
	other, _ := e.Begin()
	if v, _ := other.Get(h, []byte("key1")); v != nil {
		t.Errorf("uncommitted write leaked: %q", v)
	}
	other.Rollback()

	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := txn.Commit(); !errors.Is(err, ErrTxnDone) {
		t.Errorf("second commit: want ErrTxnDone, got %v", err)
	}

	reader, _ := e.Begin()
	defer reader.Rollback()
	if v, _ := reader.Get(h, []byte("key1")); string(v) != "val1" {
		t.Errorf("want val1 after commit, got %q", v)
	}
	if v, _ := reader.Get(e.Families()[1].Handle, []byte("key1")); v != nil {
		t.Errorf("families must not share keys, got %q", v)
	}
}

func TestMemoryEngineEmptyValueIsPresent(t *testing.T) {
	e := openTest(t, "", "default")
	txn, _ := e.Begin()
	defer txn.Rollback()

	txn.Put(0, []byte("k"), nil)
	v, err := txn.Get(0, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if v == nil {
		t.Error("empty value must be distinguishable from an absent key")
	}
}

func TestMemoryEngineRollbackDiscardsWrites(t *testing.T) {
	e := openTest(t, "", "default")

	txn, _ := e.Begin()
	mustPut(t, txn, 0, "a", "1")
	if err := txn.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if _, err := txn.Get(0, []byte("a")); !errors.Is(err, ErrTxnDone) {
		t.Errorf("want ErrTxnDone after rollback, got %v", err)
	}

	txn2, _ := e.Begin()
	defer txn2.Rollback()
	if v, _ := txn2.Get(0, []byte("a")); v != nil {
		t.Errorf("rolled back write visible: %q", v)
	}
}

func TestMemoryEngineIteratorMergesOverlay(t *testing.T) {
	e := openTest(t, "", "default")

	setup, _ := e.Begin()
	for _, k := range []string{"a", "c", "e", "g"} {
		mustPut(t, setup, 0, k, "base")
	}
	setup.Commit()

	txn, _ := e.Begin()
	defer txn.Rollback()
	mustPut(t, txn, 0, "b", "new")
	mustPut(t, txn, 0, "c", "updated")
	txn.Delete(0, []byte("e"))
	txn.Delete(0, []byte("zz"))
	mustPut(t, txn, 0, "h", "new")

	want := []string{"a=base", "b=new", "c=updated", "g=base", "h=new"}
	got := collect(t, txn, 0)
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: want %s, got %s", i, want[i], got[i])
		}
	}
}

func TestMemoryEngineSeek(t *testing.T) {
	e := openTest(t, "", "default")
	txn, _ := e.Begin()
	defer txn.Rollback()
	for _, k := range []string{"a1", "a2", "b1"} {
		mustPut(t, txn, 0, k, "v")
	}

	tests := []struct {
		seek string
		want string
	}{
		{"a", "a1"},
		{"a2", "a2"},
		{"a3", "b1"},
		{"c", ""},
	}
	for _, tt := range tests {
		it, err := txn.NewIterator(0, ReadPrefix)
		if err != nil {
			t.Fatal(err)
		}
		it.Seek([]byte(tt.seek))
		got := ""
		if it.Valid() {
			got = string(it.Key())
		}
		if got != tt.want {
			t.Errorf("Seek(%s): want %q, got %q", tt.seek, tt.want, got)
		}
		it.Close()
	}
}

func TestMemoryEngineUnknownHandle(t *testing.T) {
	e := openTest(t, "", "default")
	txn, _ := e.Begin()
	defer txn.Rollback()
	if err := txn.Put(7, []byte("k"), []byte("v")); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("want ErrUnknownHandle, got %v", err)
	}
}

func TestMemoryEngineCheckpointRoundTrip(t *testing.T) {
	root := t.TempDir()
	e := openTest(t, filepath.Join(root, "runtime"), "default", "variables")

	txn, _ := e.Begin()
	mustPut(t, txn, 0, "k1", "v1")
	mustPut(t, txn, 1, "x", "y")
	txn.Commit()

	// An open transaction's writes must not end up in the checkpoint.
	open, _ := e.Begin()
	mustPut(t, open, 0, "uncommitted", "v")

	dir := filepath.Join(root, "checkpoint")
	if err := e.Checkpoint(dir); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if err := open.Commit(); err != nil {
		t.Fatalf("Commit after checkpoint failed: %v", err)
	}

	if err := e.Checkpoint(dir); !errors.Is(err, ErrCheckpointExists) {
		t.Errorf("want ErrCheckpointExists, got %v", err)
	}

	restored := openTest(t, dir, "default")
	families := restored.Families()
	if len(families) != 2 || families[1].Name != "variables" {
		t.Fatalf("checkpoint families not reported: %+v", families)
	}

	rtxn, _ := restored.Begin()
	defer rtxn.Rollback()
	got := collect(t, rtxn, 0)
	if len(got) != 1 || got[0] != "k1=v1" {
		t.Errorf("want [k1=v1], got %v", got)
	}
	if v, _ := rtxn.Get(families[1].Handle, []byte("x")); !bytes.Equal(v, []byte("y")) {
		t.Errorf("want y, got %q", v)
	}
}

func TestMemoryEngineDirectoryLock(t *testing.T) {
	dir := t.TempDir()
	openTest(t, dir, "default")

	if _, err := OpenMemory(dir, []string{"default"}); !errors.Is(err, ErrLocked) {
		t.Errorf("want ErrLocked, got %v", err)
	}
}

func TestMemoryEngineProperties(t *testing.T) {
	e := openTest(t, "", "default")
	txn, _ := e.Begin()
	mustPut(t, txn, 0, "ab", "cd")
	mustPut(t, txn, 0, "e", "f")
	txn.Commit()

	if v, err := e.Property(0, PropertyNumKeys); err != nil || v != "2" {
		t.Errorf("num keys: want 2, got %q (%v)", v, err)
	}
	if v, err := e.Property(0, PropertyLiveDataSize); err != nil || v != "6" {
		t.Errorf("live data size: want 6, got %q (%v)", v, err)
	}
	if _, err := e.Property(0, "nope"); err == nil {
		t.Error("unknown property must fail")
	}
}

func TestMemoryEngineClosed(t *testing.T) {
	e, err := OpenMemory("", []string{"default"})
	if err != nil {
		t.Fatal(err)
	}
	e.Close()
	if _, err := e.Begin(); !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed, got %v", err)
	}
}
