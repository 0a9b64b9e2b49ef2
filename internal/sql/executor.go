package sql

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/strawhat5/zeebe/internal/logstream"
	"github.com/strawhat5/zeebe/internal/zbdb"
)

// Row representing a result row.
type Row []string

// Executor answers read plans from the committed state. It owns one
// TransactionContext of the DB and serializes queries on it.
type Executor struct {
	db *zbdb.DB
	// Hex renders keys and values as hex instead of raw strings.
	Hex bool

	mu  sync.Mutex
	ctx *zbdb.TransactionContext
}

func NewExecutor(db *zbdb.DB) *Executor {
	return &Executor{db: db, ctx: db.NewContext()}
}

// Execute runs a read plan. Every query reads in its own transaction, which
// is discarded afterwards.
func (e *Executor) Execute(plan PlanNode) ([]Row, error) {
	if IsWrite(plan) {
		return nil, errors.New("sql: writes must be appended to the log as commands")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rows, err := e.executeAny(plan)
	if rerr := e.ctx.Rollback(); rerr != nil && !errors.Is(rerr, zbdb.ErrNoTransaction) && err == nil {
		err = rerr
	}
	return rows, err
}

func (e *Executor) family(cf zbdb.ColumnFamily) *zbdb.TypedColumnFamily[*zbdb.Bytes, *zbdb.Bytes] {
	return zbdb.NewColumnFamily(e.db, cf, e.ctx, &zbdb.Bytes{}, &zbdb.Bytes{})
}

func (e *Executor) format(b []byte) string {
	if e.Hex {
		return hex.EncodeToString(b)
	}
	return string(b)
}

func (e *Executor) executeAny(plan PlanNode) ([]Row, error) {
	switch n := plan.(type) {
	case *ScanNode:
		return e.executeScan(n)
	case *PointGetNode:
		return e.executePointGet(n)
	case *PrefixScanNode:
		return e.executePrefixScan(n)
	case *LimitNode:
		return e.executeLimit(n)
	case *ProjectNode:
		return e.executeProject(n)
	default:
		return nil, fmt.Errorf("unknown node type: %T", n)
	}
}

func (e *Executor) executePointGet(n *PointGetNode) ([]Row, error) {
	v, ok, err := e.family(n.Table).Get(&zbdb.Bytes{Value: n.Key})
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Row{}, nil
	}
	return []Row{{e.format(n.Key), e.format(v.Value)}}, nil
}

func (e *Executor) executeScan(n *ScanNode) ([]Row, error) {
	rows := []Row{}
	err := e.family(n.Table).ForEach(func(k, v *zbdb.Bytes) {
		rows = append(rows, Row{e.format(k.Value), e.format(v.Value)})
	})
	return rows, err
}

func (e *Executor) executePrefixScan(n *PrefixScanNode) ([]Row, error) {
	rows := []Row{}
	err := e.family(n.Table).WhileEqualPrefix(&zbdb.Bytes{Value: n.Prefix}, func(k, v *zbdb.Bytes) bool {
		rows = append(rows, Row{e.format(k.Value), e.format(v.Value)})
		return true
	})
	return rows, err
}

func (e *Executor) executeLimit(n *LimitNode) ([]Row, error) {
	// Scans visit until the callback declines, so the limit is pushed into them.
	switch in := n.Input.(type) {
	case *ScanNode:
		return e.limitedScan(in.Table, nil, n.Count)
	case *PrefixScanNode:
		return e.limitedScan(in.Table, in.Prefix, n.Count)
	}
	rows, err := e.executeAny(n.Input)
	if err != nil {
		return nil, err
	}
	if len(rows) > n.Count {
		rows = rows[:n.Count]
	}
	return rows, nil
}

func (e *Executor) limitedScan(cf zbdb.ColumnFamily, prefix []byte, count int) ([]Row, error) {
	rows := []Row{}
	if count == 0 {
		return rows, nil
	}
	visit := func(k, v *zbdb.Bytes) bool {
		rows = append(rows, Row{e.format(k.Value), e.format(v.Value)})
		return len(rows) < count
	}
	family := e.family(cf)
	var err error
	if prefix == nil {
		err = family.WhileTrue(visit)
	} else {
		err = family.WhileEqualPrefix(&zbdb.Bytes{Value: prefix}, visit)
	}
	return rows, err
}

func (e *Executor) executeProject(n *ProjectNode) ([]Row, error) {
	children := n.Children()
	if len(children) != 1 {
		return nil, fmt.Errorf("project must have 1 child")
	}

	inputRows, err := e.executeAny(children[0])
	if err != nil {
		return nil, err
	}

	out := make([]Row, len(inputRows))
	for i, row := range inputRows {
		projected := make(Row, 0, len(n.Columns))
		for _, col := range n.Columns {
			switch col {
			case ColumnKey:
				projected = append(projected, row[0])
			case ColumnValue:
				projected = append(projected, row[1])
			}
		}
		out[i] = projected
	}
	return out, nil
}

// Command converts a write plan into the command record that applies it.
func Command(plan PlanNode) (logstream.Record, error) {
	switch n := plan.(type) {
	case *InsertNode:
		return logstream.Record{
			Type:         logstream.Command,
			Intent:       logstream.IntentPut,
			ColumnFamily: n.Table.String(),
			Key:          n.Key,
			Value:        n.Value,
		}, nil
	case *DeleteNode:
		return logstream.Record{
			Type:         logstream.Command,
			Intent:       logstream.IntentDelete,
			ColumnFamily: n.Table.String(),
			Key:          n.Key,
		}, nil
	default:
		return logstream.Record{}, fmt.Errorf("plan %s is not a write", plan)
	}
}
