package sql

import (
	"fmt"

	"github.com/strawhat5/zeebe/internal/zbdb"
)

type NodeType int

const (
	NodeScan NodeType = iota
	NodePointGet
	NodePrefixScan
	NodeLimit
	NodeProject
	NodeInsert
	NodeDelete
)

// Column names of every column family table. KEY and VALUE are SQL keywords.
const (
	ColumnKey   = "k"
	ColumnValue = "v"
)

type PlanNode interface {
	Type() NodeType
	String() string
	Children() []PlanNode
}

// ScanNode reads a whole column family in key order.
type ScanNode struct {
	Table zbdb.ColumnFamily
}

func (n *ScanNode) Type() NodeType       { return NodeScan }
func (n *ScanNode) String() string       { return fmt.Sprintf("Scan(%s)", n.Table) }
func (n *ScanNode) Children() []PlanNode { return nil }

type PointGetNode struct {
	Table zbdb.ColumnFamily
	Key   []byte
}

func (n *PointGetNode) Type() NodeType       { return NodePointGet }
func (n *PointGetNode) String() string       { return fmt.Sprintf("PointGet(%s, %s)", n.Table, n.Key) }
func (n *PointGetNode) Children() []PlanNode { return nil }

// PrefixScanNode reads the keys starting with Prefix, from k LIKE 'prefix%'.
type PrefixScanNode struct {
	Table  zbdb.ColumnFamily
	Prefix []byte
}

func (n *PrefixScanNode) Type() NodeType       { return NodePrefixScan }
func (n *PrefixScanNode) String() string       { return fmt.Sprintf("PrefixScan(%s, %s)", n.Table, n.Prefix) }
func (n *PrefixScanNode) Children() []PlanNode { return nil }

type LimitNode struct {
	Input PlanNode
	Count int
}

func (n *LimitNode) Type() NodeType       { return NodeLimit }
func (n *LimitNode) String() string       { return fmt.Sprintf("Limit(%d)", n.Count) }
func (n *LimitNode) Children() []PlanNode { return []PlanNode{n.Input} }

type ProjectNode struct {
	Input   PlanNode
	Columns []string
}

func (n *ProjectNode) Type() NodeType       { return NodeProject }
func (n *ProjectNode) String() string       { return fmt.Sprintf("Project(%v)", n.Columns) }
func (n *ProjectNode) Children() []PlanNode { return []PlanNode{n.Input} }

// InsertNode writes one key. It is executed by appending a PUT command to the log.
type InsertNode struct {
	Table zbdb.ColumnFamily
	Key   []byte
	Value []byte
}

func (n *InsertNode) Type() NodeType       { return NodeInsert }
func (n *InsertNode) String() string       { return fmt.Sprintf("Insert(%s, %s)", n.Table, n.Key) }
func (n *InsertNode) Children() []PlanNode { return nil }

// DeleteNode removes one key through a DELETE command.
type DeleteNode struct {
	Table zbdb.ColumnFamily
	Key   []byte
}

func (n *DeleteNode) Type() NodeType       { return NodeDelete }
func (n *DeleteNode) String() string       { return fmt.Sprintf("Delete(%s, %s)", n.Table, n.Key) }
func (n *DeleteNode) Children() []PlanNode { return nil }

// IsWrite reports whether the plan changes state and must go through the log.
func IsWrite(plan PlanNode) bool {
	switch plan.Type() {
	case NodeInsert, NodeDelete:
		return true
	default:
		return false
	}
}

// Explain renders the plan tree, root first.
func Explain(plan PlanNode) string {
	s := plan.String()
	for _, child := range plan.Children() {
		s += " -> " + Explain(child)
	}
	return s
}
