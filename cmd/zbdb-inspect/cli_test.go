package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/strawhat5/zeebe/internal/snapshot"
	"github.com/strawhat5/zeebe/internal/storage"
	"github.com/strawhat5/zeebe/internal/zbdb"
)

// persistState writes one variable into a fresh state and snapshots it.
func persistState(t *testing.T, root string) snapshot.PersistedSnapshot {
	t.Helper()
	store, err := snapshot.NewStore(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	runtime := t.TempDir()
	engine, err := storage.OpenMemory(runtime, zbdb.ColumnFamilyNames())
	if err != nil {
		t.Fatal(err)
	}
	db, err := zbdb.Open(engine, zbdb.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := db.NewContext()
	vars := zbdb.NewColumnFamily(db, zbdb.CFVariables, ctx, &zbdb.RawString{}, &zbdb.RawString{})
	if err := ctx.Update(func(*zbdb.Transaction) error {
		return vars.Put(&zbdb.RawString{Value: "order-1"}, &zbdb.RawString{Value: "shipped"})
	}); err != nil {
		t.Fatal(err)
	}

	tr, ok, err := store.NewTransientSnapshot(12, db.CreateCheckpoint)
	if err != nil || !ok {
		t.Fatalf("take snapshot: ok=%v err=%v", ok, err)
	}
	snap, err := tr.Persist(15)
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := Cli(args, &CliConfig{
		Name:   "zbdb-inspect",
		Stdout: &out,
		Stderr: &out,
		Exit:   func(code int) { t.Fatalf("unexpected exit %d: %s", code, out.String()) },
	})
	return out.String(), err
}

func TestCliSnapshotsAndQuery(t *testing.T) {
	root := t.TempDir()
	persistState(t, root)

	out, err := run(t, "-d", root, "snapshots")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "12-15") {
		t.Errorf("snapshots output: %s", out)
	}

	out, err = run(t, "-d", root, "query", "SELECT * FROM variables WHERE k LIKE 'order-%'")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "order-1") || !strings.Contains(out, "shipped") {
		t.Errorf("query output: %s", out)
	}

	if _, err := run(t, "-d", root, "query", "DELETE FROM variables WHERE k = 'order-1'"); err == nil {
		t.Error("writes must be refused")
	}
	if _, err := run(t, "-d", root, "query", "-s", "1-2", "SELECT * FROM jobs"); err == nil {
		t.Error("unknown snapshot must fail")
	}
}

func TestCliVerify(t *testing.T) {
	root := t.TempDir()
	snap := persistState(t, root)

	out, err := run(t, "-d", root, "verify")
	if err != nil || !strings.Contains(out, "12-15\tOK") {
		t.Fatalf("verify: %s (%v)", out, err)
	}

	entries, err := os.ReadDir(snap.Path)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != snapshot.ChecksumFile && e.Name() != snapshot.MetadataFile && !e.IsDir() {
			os.WriteFile(filepath.Join(snap.Path, e.Name()), []byte("garbage"), 0644)
			break
		}
	}
	if _, err := run(t, "-d", root, "verify", "12-15"); err == nil {
		t.Error("corrupted snapshot must fail verification")
	}
}
