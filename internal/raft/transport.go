package raft

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// peerQueueSize bounds the messages buffered for a slow peer. Raft retries
// whatever is dropped.
const peerQueueSize = 1024

// Reporter receives delivery failures, so raft can probe a peer again or
// retry a snapshot instead of waiting for a response that never comes.
type Reporter interface {
	ReportUnreachable(id uint64)
	ReportSnapshot(id uint64, status raft.SnapshotStatus)
}

// HTTPTransport posts raft messages to the /raft endpoint of each peer. Every
// peer has its own queue and sender goroutine, so messages to one peer stay
// in order and a slow peer never blocks the others or the Ready loop.
type HTTPTransport struct {
	mu       sync.RWMutex
	peers    map[uint64]*peerSender
	reporter Reporter
	client   *http.Client
	logger   *slog.Logger
	wg       sync.WaitGroup
}

type peerSender struct {
	id       uint64
	endpoint string
	queue    chan raftpb.Message
}

func NewHTTPTransport(logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		peers:  make(map[uint64]*peerSender),
		client: &http.Client{Timeout: 500 * time.Millisecond},
		logger: logger,
	}
}

// SetReporter sets where delivery failures are reported, usually the local Node.
func (t *HTTPTransport) SetReporter(r Reporter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reporter = r
}

// SetPeers replaces the peer set. addrs maps node ids to base URLs such as
// http://10.0.0.1:9001; the /raft path is added when missing.
func (t *HTTPTransport) SetPeers(addrs map[uint64]string) {
	t.mu.Lock()
	old := t.peers
	t.peers = make(map[uint64]*peerSender, len(addrs))
	for id, addr := range addrs {
		p := &peerSender{id: id, endpoint: raftEndpoint(addr), queue: make(chan raftpb.Message, peerQueueSize)}
		t.peers[id] = p
		t.wg.Add(1)
		go t.run(p)
	}
	t.mu.Unlock()

	for _, p := range old {
		close(p.queue)
	}
}

func raftEndpoint(addr string) string {
	addr = strings.TrimSuffix(addr, "/")
	if strings.HasSuffix(addr, "/raft") {
		return addr
	}
	return addr + "/raft"
}

// Send queues msgs for their peers without blocking.
func (t *HTTPTransport) Send(msgs []raftpb.Message) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range msgs {
		p, ok := t.peers[m.To]
		if !ok {
			continue
		}
		select {
		case p.queue <- m:
		default:
			t.logger.Debug("raft peer queue full, dropping message", "to", m.To, "type", m.Type.String())
			t.failed(m)
		}
	}
}

func (t *HTTPTransport) run(p *peerSender) {
	defer t.wg.Done()
	for m := range p.queue {
		err := t.post(p.endpoint, m)
		if err != nil {
			t.logger.Debug("send raft message", "to", p.id, "type", m.Type.String(), "err", err)
			t.mu.RLock()
			t.failed(m)
			t.mu.RUnlock()
			continue
		}
		if m.Type == raftpb.MsgSnap {
			t.mu.RLock()
			if t.reporter != nil {
				t.reporter.ReportSnapshot(m.To, raft.SnapshotFinish)
			}
			t.mu.RUnlock()
		}
	}
}

func (t *HTTPTransport) post(endpoint string, m raftpb.Message) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	resp, err := t.client.Post(endpoint, "application/octet-stream", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("peer answered %s", resp.Status)
	}
	return nil
}

// failed reports an undelivered message. t.mu must be held for reading.
func (t *HTTPTransport) failed(m raftpb.Message) {
	if t.reporter == nil {
		return
	}
	t.reporter.ReportUnreachable(m.To)
	if m.Type == raftpb.MsgSnap {
		t.reporter.ReportSnapshot(m.To, raft.SnapshotFailure)
	}
}

// Close stops every peer sender. Messages still queued are dropped.
func (t *HTTPTransport) Close() {
	t.mu.Lock()
	peers := t.peers
	t.peers = make(map[uint64]*peerSender)
	t.mu.Unlock()
	for _, p := range peers {
		close(p.queue)
	}
	t.wg.Wait()
}

// Handler steps messages posted by peers into node.
func (t *HTTPTransport) Handler(node *Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		var msg raftpb.Message
		if err := msg.Unmarshal(data); err != nil {
			http.Error(w, "Invalid protobuf", http.StatusBadRequest)
			return
		}

		if err := node.Step(r.Context(), msg); err != nil {
			t.logger.Warn("step raft message", "from", msg.From, "type", msg.Type.String(), "err", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
