package logstream

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestRecordEncoding(t *testing.T) {
	in := Record{
		Position:       7,
		SourcePosition: 3,
		Type:           Command,
		Intent:         IntentPut,
		ColumnFamily:   "JOBS",
		Key:            []byte("k"),
		Value:          []byte{0, 1, 2},
	}
	data, err := MarshalRecord(in)
	if err != nil {
		t.Fatal(err)
	}
	// Canonical encoding is deterministic.
	again, _ := MarshalRecord(in)
	if !bytes.Equal(data, again) {
		t.Error("encoding is not deterministic")
	}

	out, err := UnmarshalRecord(data)
	if err != nil {
		t.Fatal(err)
	}
	if out.Position != 7 || out.SourcePosition != 3 || out.Type != Command || out.Intent != IntentPut ||
		out.ColumnFamily != "JOBS" || string(out.Key) != "k" || !bytes.Equal(out.Value, in.Value) {
		t.Errorf("round trip mismatch: %+v", out)
	}

	if _, err := UnmarshalRecord([]byte{0xff}); err == nil {
		t.Error("garbage must not decode")
	}
}

func TestMemoryLogCommit(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()

	if pos, _ := l.CommitPosition(ctx); pos != UnsetPosition {
		t.Errorf("empty log: want unset commit position, got %d", pos)
	}

	var notified int
	id := l.RegisterCommitListener(func() { notified++ })

	for i := 0; i < 3; i++ {
		pos, err := l.Append(ctx, Record{Type: Command, Intent: IntentPut})
		if err != nil {
			t.Fatal(err)
		}
		if pos != int64(i+1) {
			t.Errorf("want position %d, got %d", i+1, pos)
		}
	}

	var read []int64
	collect := func(r Record) error {
		read = append(read, r.Position)
		return nil
	}
	l.ReadCommitted(ctx, 0, collect)
	if len(read) != 0 {
		t.Errorf("uncommitted records were read: %v", read)
	}

	l.SetCommitPosition(2)
	l.SetCommitPosition(1) // never moves back
	l.SetCommitPosition(10)
	if pos, _ := l.CommitPosition(ctx); pos != 3 {
		t.Errorf("commit must be capped at the tail, got %d", pos)
	}
	if notified != 2 {
		t.Errorf("want 2 notifications, got %d", notified)
	}

	l.ReadCommitted(ctx, 2, collect)
	if len(read) != 2 || read[0] != 2 || read[1] != 3 {
		t.Errorf("want [2 3], got %v", read)
	}

	l.RemoveCommitListener(id)
	l.Append(ctx, Record{})
	l.SetCommitPosition(4)
	if notified != 2 {
		t.Errorf("removed listener was notified")
	}
}

func TestMemoryLogAutoCommit(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog(WithAutoCommit())
	signal := make(chan struct{}, 1)
	l.RegisterCommitListener(func() {
		select {
		case signal <- struct{}{}:
		default:
		}
	})

	l.Append(ctx, Record{Type: Event, Intent: IntentApplied})
	select {
	case <-signal:
	default:
		t.Fatal("auto commit must notify")
	}
	if pos, _ := l.CommitPosition(ctx); pos != 1 {
		t.Errorf("want commit 1, got %d", pos)
	}

	stop := errors.New("stop")
	err := l.ReadCommitted(ctx, 1, func(Record) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("visitor error must propagate, got %v", err)
	}

	l.Close()
	if _, err := l.Append(ctx, Record{}); !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed, got %v", err)
	}
}
