package raft

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

type recordingReporter struct {
	mu          sync.Mutex
	unreachable []uint64
	snapshots   []raft.SnapshotStatus
}

func (r *recordingReporter) ReportUnreachable(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreachable = append(r.unreachable, id)
}

func (r *recordingReporter) ReportSnapshot(id uint64, status raft.SnapshotStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, status)
}

func TestHTTPTransportKeepsOrderPerPeer(t *testing.T) {
	var mu sync.Mutex
	var indexes []uint64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/raft" {
			http.NotFound(w, r)
			return
		}
		data, _ := io.ReadAll(r.Body)
		var m raftpb.Message
		if err := m.Unmarshal(data); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		indexes = append(indexes, m.Index)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(nil)
	rep := &recordingReporter{}
	tr.SetReporter(rep)
	tr.SetPeers(map[uint64]string{2: srv.URL + "/"})
	defer tr.Close()

	var msgs []raftpb.Message
	for i := uint64(1); i <= 20; i++ {
		msgs = append(msgs, raftpb.Message{Type: raftpb.MsgApp, To: 2, From: 1, Index: i})
	}
	msgs = append(msgs, raftpb.Message{Type: raftpb.MsgApp, To: 9, Index: 99})
	tr.Send(msgs)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(indexes)
		mu.Unlock()
		if n == 20 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d of 20 messages", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, idx := range indexes {
		if idx != uint64(i+1) {
			t.Fatalf("messages out of order: %v", indexes)
		}
	}
	rep.mu.Lock()
	defer rep.mu.Unlock()
	if len(rep.unreachable) != 0 {
		t.Errorf("unexpected unreachable reports %v", rep.unreachable)
	}
}

func TestHTTPTransportReportsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport(nil)
	rep := &recordingReporter{}
	tr.SetReporter(rep)
	tr.SetPeers(map[uint64]string{3: url})

	tr.Send([]raftpb.Message{
		{Type: raftpb.MsgHeartbeat, To: 3, From: 1},
		{Type: raftpb.MsgSnap, To: 3, From: 1},
	})
	// Close waits for the sender, so both failures are reported by then.
	tr.Close()

	rep.mu.Lock()
	defer rep.mu.Unlock()
	if len(rep.unreachable) != 2 || rep.unreachable[0] != 3 {
		t.Errorf("want peer 3 reported twice, got %v", rep.unreachable)
	}
	if len(rep.snapshots) != 1 || rep.snapshots[0] != raft.SnapshotFailure {
		t.Errorf("want one failed snapshot, got %v", rep.snapshots)
	}

	// Sending after Close is a no-op.
	tr.Send([]raftpb.Message{{Type: raftpb.MsgHeartbeat, To: 3}})
}

func TestRaftEndpoint(t *testing.T) {
	tests := map[string]string{
		"http://a:1":       "http://a:1/raft",
		"http://a:1/":      "http://a:1/raft",
		"http://a:1/raft":  "http://a:1/raft",
		"http://a:1/raft/": "http://a:1/raft",
	}
	for in, want := range tests {
		if got := raftEndpoint(in); got != want {
			t.Errorf("%s: want %s, got %s", in, want, got)
		}
	}
}
