package postgres

import (
	"fmt"
	"strings"

	"github.com/pranav-miglani/dental-record/internal/store"
)

// query accumulates WHERE predicates and their positional arguments.
type query struct {
	table string
	conds []string
	args  []any
}

func newQuery(table string) *query {
	q := &query{table: table}
	q.conds = append(q.conds, "tbl = "+q.arg(table))
	return q
}

func (q *query) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

// attr is the JSONB value of an attribute, with a missing attribute read as JSON null.
func (q *query) attr(name string) string {
	return fmt.Sprintf("COALESCE(attrs -> %s::text, 'null'::jsonb)", q.arg(name))
}

// where adds one condition with the same semantics as store.Matches: nil stands for a
// missing attribute, and ordering operators never match a missing attribute.
func (q *query) where(c store.Condition) error {
	a := q.attr(c.Attribute)
	if c.Value == nil {
		switch c.Op {
		case store.OpEq:
			q.conds = append(q.conds, a+" = 'null'::jsonb")
		case store.OpNe:
			q.conds = append(q.conds, a+" <> 'null'::jsonb")
		default:
			return fmt.Errorf("operator %s needs a value", c.Op)
		}
		return nil
	}

	v, err := jsonValue(c.Value)
	if err != nil {
		return err
	}
	switch c.Op {
	case store.OpEq, store.OpNe:
		q.conds = append(q.conds, fmt.Sprintf("%s %s %s::jsonb", a, c.Op, q.arg(v)))
	case store.OpLt, store.OpLe, store.OpGt, store.OpGe:
		q.conds = append(q.conds, fmt.Sprintf("(%s <> 'null'::jsonb AND %s %s %s::jsonb)", a, a, c.Op, q.arg(v)))
	default:
		return fmt.Errorf("unsupported operator %q", c.Op)
	}
	return nil
}

func (q *query) sortExpr(sortBy string) string {
	if sortBy == "" {
		return "'null'::jsonb"
	}
	return q.attr(sortBy)
}

// after restricts the rows to those strictly past the cursor position in sort order.
func (q *query) after(sortBy string, descending bool, p position) error {
	s, err := jsonValue(p.S)
	if err != nil {
		return err
	}
	op := ">"
	if descending {
		op = "<"
	}
	q.conds = append(q.conds, fmt.Sprintf("(%s, id, version) %s (%s::jsonb, %s, %s)",
		q.sortExpr(sortBy), op, q.arg(s), q.arg(p.ID), q.arg(p.V)))
	return nil
}

// sql renders the SELECT. When limit is set one extra row is requested so the caller can
// tell whether a further page exists.
func (q *query) sql(sortBy string, descending bool, limit int) (string, []any) {
	dir := "ASC"
	if descending {
		dir = "DESC"
	}
	var b strings.Builder
	b.WriteString("SELECT attrs FROM records WHERE ")
	b.WriteString(strings.Join(q.conds, " AND "))
	fmt.Fprintf(&b, " ORDER BY %s %s, id %s, version %s", q.sortExpr(sortBy), dir, dir, dir)
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %s", q.arg(limit+1))
	}
	return b.String(), q.args
}
