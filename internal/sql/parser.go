// Package sql answers inspection queries over the column families of a
// partition's state and turns INSERT and DELETE statements into log commands.
//
// Every column family is a table with the columns k (key) and v (value):
//
//	SELECT k, v FROM variables WHERE k LIKE 'order-%' LIMIT 10
//	INSERT INTO jobs (k, v) VALUES ('j1', 'payload')
//	DELETE FROM jobs WHERE k = 'j1'
package sql

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
	"github.com/strawhat5/zeebe/internal/zbdb"
)

var ErrUnsupported = errors.New("sql: unsupported statement")

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}

// ParseToPlan parses a SQL string and returns a logical plan.
func ParseToPlan(sql string) (PlanNode, error) {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, err
	}

	switch s := stmt.(type) {
	case *sqlparser.Select:
		return buildSelectPlan(s)
	case *sqlparser.Insert:
		return buildInsertPlan(s)
	case *sqlparser.Delete:
		return buildDeletePlan(s)
	default:
		return nil, unsupported("%T", stmt)
	}
}

func table(name string) (zbdb.ColumnFamily, error) {
	cf, ok := zbdb.ParseColumnFamily(name)
	if !ok {
		return 0, fmt.Errorf("unknown column family %q", name)
	}
	return cf, nil
}

func fromTable(exprs sqlparser.TableExprs) (zbdb.ColumnFamily, error) {
	if len(exprs) != 1 {
		return 0, unsupported("exactly one table expected")
	}
	aliased, ok := exprs[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return 0, unsupported("complex FROM clause")
	}
	name, ok := aliased.Expr.(sqlparser.TableName)
	if !ok {
		return 0, unsupported("FROM %s", sqlparser.String(aliased.Expr))
	}
	// Name.String is unquoted, so `key` and `default` resolve to their families.
	return table(name.Name.String())
}

func buildSelectPlan(stmt *sqlparser.Select) (PlanNode, error) {
	if len(stmt.From) == 0 {
		return nil, unsupported("SELECT without FROM")
	}
	cf, err := fromTable(stmt.From)
	if err != nil {
		return nil, err
	}

	node := PlanNode(&ScanNode{Table: cf})
	if stmt.Where != nil {
		if node, err = keyCondition(cf, stmt.Where.Expr); err != nil {
			return nil, err
		}
	}

	if stmt.Limit != nil {
		if stmt.Limit.Offset != nil {
			return nil, unsupported("OFFSET")
		}
		count, err := intLiteral(stmt.Limit.Rowcount)
		if err != nil {
			return nil, fmt.Errorf("LIMIT: %w", err)
		}
		node = &LimitNode{Input: node, Count: count}
	}

	var cols []string
	for _, expr := range stmt.SelectExprs {
		switch e := expr.(type) {
		case *sqlparser.AliasedExpr:
			col, ok := e.Expr.(*sqlparser.ColName)
			if !ok {
				return nil, unsupported("select expression %s", sqlparser.String(e.Expr))
			}
			name := col.Name.Lowered()
			if name != ColumnKey && name != ColumnValue {
				return nil, fmt.Errorf("unknown column %q", col.Name.String())
			}
			cols = append(cols, name)
		case *sqlparser.StarExpr:
			cols = append(cols, ColumnKey, ColumnValue)
		default:
			return nil, unsupported("select expression %s", sqlparser.String(expr))
		}
	}

	return &ProjectNode{Input: node, Columns: cols}, nil
}

// keyCondition plans WHERE k = 'x' as a point lookup and WHERE k LIKE
// 'x%' as a prefix scan. Nothing else can be answered from the key order.
func keyCondition(cf zbdb.ColumnFamily, expr sqlparser.Expr) (PlanNode, error) {
	cmp, ok := expr.(*sqlparser.ComparisonExpr)
	if !ok {
		return nil, unsupported("WHERE %s", sqlparser.String(expr))
	}
	col, ok := cmp.Left.(*sqlparser.ColName)
	if !ok || col.Name.Lowered() != ColumnKey {
		return nil, unsupported("WHERE must compare the key column")
	}
	val, ok := cmp.Right.(*sqlparser.SQLVal)
	if !ok {
		return nil, unsupported("WHERE %s", sqlparser.String(expr))
	}

	switch cmp.Operator {
	case sqlparser.EqualStr:
		return &PointGetNode{Table: cf, Key: val.Val}, nil
	case sqlparser.LikeStr:
		prefix, ok := strings.CutSuffix(string(val.Val), "%")
		if !ok || strings.ContainsAny(prefix, "%_") {
			return nil, unsupported("LIKE pattern must be a literal prefix followed by %%")
		}
		return &PrefixScanNode{Table: cf, Prefix: []byte(prefix)}, nil
	default:
		return nil, unsupported("operator %s", cmp.Operator)
	}
}

func intLiteral(expr sqlparser.Expr) (int, error) {
	val, ok := expr.(*sqlparser.SQLVal)
	if !ok || val.Type != sqlparser.IntVal {
		return 0, fmt.Errorf("integer expected, got %s", sqlparser.String(expr))
	}
	n, err := strconv.Atoi(string(val.Val))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid count %s", val.Val)
	}
	return n, nil
}

func literal(expr sqlparser.Expr) []byte {
	if v, ok := expr.(*sqlparser.SQLVal); ok {
		return v.Val
	}
	return []byte(sqlparser.String(expr))
}

func buildInsertPlan(stmt *sqlparser.Insert) (PlanNode, error) {
	cf, err := table(stmt.Table.Name.String())
	if err != nil {
		return nil, err
	}

	rows, ok := stmt.Rows.(sqlparser.Values)
	if !ok {
		return nil, unsupported("INSERT from SELECT")
	}
	if len(rows) != 1 {
		return nil, unsupported("INSERT of %d rows", len(rows))
	}
	row := rows[0]

	cols := []string{ColumnKey, ColumnValue}
	if len(stmt.Columns) > 0 {
		cols = cols[:0]
		for _, col := range stmt.Columns {
			cols = append(cols, col.Lowered())
		}
	}
	if len(cols) != len(row) {
		return nil, fmt.Errorf("INSERT has %d columns and %d values", len(cols), len(row))
	}

	node := &InsertNode{Table: cf}
	for i, col := range cols {
		switch col {
		case ColumnKey:
			node.Key = literal(row[i])
		case ColumnValue:
			node.Value = literal(row[i])
		default:
			return nil, fmt.Errorf("unknown column %q", col)
		}
	}
	if len(node.Key) == 0 {
		return nil, errors.New("INSERT needs a non-empty key")
	}
	return node, nil
}

func buildDeletePlan(stmt *sqlparser.Delete) (PlanNode, error) {
	cf, err := fromTable(stmt.TableExprs)
	if err != nil {
		return nil, err
	}
	if stmt.Where == nil {
		return nil, unsupported("DELETE without WHERE k = ...")
	}
	node, err := keyCondition(cf, stmt.Where.Expr)
	if err != nil {
		return nil, err
	}
	get, ok := node.(*PointGetNode)
	if !ok {
		return nil, unsupported("DELETE must name a single key")
	}
	return &DeleteNode{Table: cf, Key: get.Key}, nil
}
