package raft

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/strawhat5/zeebe/internal/logstream"
)

type mockTransport struct {
	mu   sync.Mutex
	msgs []raftpb.Message
}

func (m *mockTransport) Send(msgs []raftpb.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msgs...)
}

type mockApplier struct {
	committed chan []byte
}

func (m *mockApplier) Apply(entry raftpb.Entry) {
	m.committed <- entry.Data
}

func (m *mockApplier) Restore(data []byte) error {
	return nil
}

func TestRaftNode_SingleNode(t *testing.T) {
	cfg := Config{
		ID:           1,
		Peers:        []uint64{1},
		TickInterval: 10 * time.Millisecond,
	}

	applier := &mockApplier{committed: make(chan []byte, 1)}
	node, err := NewNode(cfg, applier, &mockTransport{})
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	defer node.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go node.Run(ctx)

	data := []byte("hello raft")
	if err := node.Propose(ctx, data); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	select {
	case got := <-applier.committed:
		if !bytes.Equal(got, data) {
			t.Errorf("Expected committed data %s, got %s", data, got)
		}
	case <-ctx.Done():
		t.Fatal("Timeout waiting for entry to apply")
	}
	if !node.IsLeader() {
		t.Error("single node must lead")
	}
}

func startLogStream(t *testing.T, walPath string) (*LogStream, context.CancelFunc) {
	t.Helper()
	ls, err := NewLogStream(Config{
		ID:           1,
		Peers:        []uint64{1},
		WALPath:      walPath,
		TickInterval: 10 * time.Millisecond,
	}, &mockTransport{})
	if err != nil {
		t.Fatalf("NewLogStream failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ls.Run(ctx)
		close(done)
	}()
	return ls, func() {
		cancel()
		<-done
		ls.Close()
	}
}

func waitForCommit(t *testing.T, ls *LogStream, position int64) {
	t.Helper()
	signal := make(chan struct{}, 1)
	id := ls.RegisterCommitListener(func() {
		select {
		case signal <- struct{}{}:
		default:
		}
	})
	defer ls.RemoveCommitListener(id)

	timeout := time.After(5 * time.Second)
	for {
		if commit, _ := ls.CommitPosition(context.Background()); commit >= position {
			return
		}
		select {
		case <-signal:
		case <-timeout:
			t.Fatalf("timeout waiting for commit position %d", position)
		}
	}
}

func TestLogStreamAppendAndRead(t *testing.T) {
	ls, stop := startLogStream(t, "")
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 1; i <= 3; i++ {
		pos, err := ls.Append(ctx, logstream.Record{Type: logstream.Command, Intent: logstream.IntentPut, Key: []byte{byte(i)}})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if pos != int64(i) {
			t.Errorf("want position %d, got %d", i, pos)
		}
	}
	waitForCommit(t, ls, 3)

	var keys []byte
	err := ls.ReadCommitted(ctx, 2, func(r logstream.Record) error {
		keys = append(keys, r.Key...)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(keys, []byte{2, 3}) {
		t.Errorf("want records 2 and 3, got %v", keys)
	}

	if err := ls.CompactTo(2); err != nil {
		t.Fatalf("CompactTo failed: %v", err)
	}
	var positions []int64
	ls.ReadCommitted(ctx, 0, func(r logstream.Record) error {
		positions = append(positions, r.Position)
		return nil
	})
	if len(positions) != 1 || positions[0] != 3 {
		t.Errorf("want only position 3 after compaction, got %v", positions)
	}
	if first, _ := ls.Node().Storage.FirstIndex(); first < 2 {
		t.Errorf("raft log not compacted, first index %d", first)
	}
}

func TestCompactionPoint(t *testing.T) {
	entries := []committedEntry{
		{position: 1, index: 3},
		{position: 2, index: 4},
		{position: 3, index: 6},
		{position: 4, index: 7},
	}
	tests := []struct {
		name       string
		position   int64
		replicated uint64
		want       int
	}{
		{"all replicated", 3, 100, 3},
		{"follower behind", 3, 4, 2},
		{"follower between entries", 4, 5, 2},
		{"nothing replicated", 4, 0, 0},
		{"position below log", 0, 100, 0},
		{"everything", 10, 7, 4},
	}
	for _, tt := range tests {
		if got := compactionPoint(entries, tt.position, tt.replicated); got != tt.want {
			t.Errorf("%s: want %d, got %d", tt.name, tt.want, got)
		}
	}
}

func TestCompactToSkipsWithoutLeadership(t *testing.T) {
	// Two voters and no transport: the node never leads, so it cannot know
	// what its peer has replicated.
	ls, err := NewLogStream(Config{ID: 1, Peers: []uint64{1, 2}}, &mockTransport{})
	if err != nil {
		t.Fatal(err)
	}
	defer ls.Close()
	defer ls.Node().RaftNode.Stop()

	ls.mu.Lock()
	ls.entries = []committedEntry{{position: 1, index: 3}, {position: 2, index: 4}}
	ls.commit = 2
	ls.mu.Unlock()

	if got := ls.Node().ReplicatedIndex(); got != 0 {
		t.Errorf("follower ReplicatedIndex = %d", got)
	}
	if err := ls.CompactTo(2); err != nil {
		t.Fatal(err)
	}
	ls.mu.RLock()
	kept := len(ls.entries)
	ls.mu.RUnlock()
	if kept != 2 {
		t.Errorf("want both entries kept, got %d", kept)
	}
}

func TestLogStreamRestartReplaysWAL(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "raft.wal")

	ls, stop := startLogStream(t, walPath)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		if _, err := ls.Append(ctx, logstream.Record{Type: logstream.Command, Intent: logstream.IntentPut}); err != nil {
			t.Fatal(err)
		}
	}
	waitForCommit(t, ls, 2)
	stop()

	restarted, stop2 := startLogStream(t, walPath)
	defer stop2()
	waitForCommit(t, restarted, 2)

	pos, err := restarted.Append(ctx, logstream.Record{Type: logstream.Command, Intent: logstream.IntentDelete})
	if err != nil {
		t.Fatal(err)
	}
	if pos != 3 {
		t.Errorf("positions must continue after restart, got %d", pos)
	}
}

func TestHTTPTransportHandler(t *testing.T) {
	node, err := NewNode(Config{ID: 1, Peers: []uint64{1}}, &mockApplier{committed: make(chan []byte, 1)}, &mockTransport{})
	if err != nil {
		t.Fatal(err)
	}
	defer node.Close()

	tr := NewHTTPTransport(nil)
	rec := httptest.NewRecorder()
	tr.Handler(node)(rec, httptest.NewRequest("GET", "/raft", nil))
	if rec.Code != 405 {
		t.Errorf("GET: want 405, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	tr.Handler(node)(rec, httptest.NewRequest("POST", "/raft", bytes.NewReader([]byte{0xff, 0xff})))
	if rec.Code != 400 {
		t.Errorf("garbage body: want 400, got %d", rec.Code)
	}
}
