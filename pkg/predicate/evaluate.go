package predicate

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-synth/pkg/columns"
	"github.com/ekaya-inc/ekaya-synth/pkg/models"
	"github.com/ekaya-inc/ekaya-synth/pkg/rowvec"
)

// RowSource exposes the materialized column vectors of one table shard.
type RowSource interface {
	Rows() int
	Vector(name models.CanonicalColumnName) (*columns.Vector, error)
}

// EvalContext carries what row-level evaluation and instantiation need.
type EvalContext struct {
	Rows   RowSource
	Pool   *rowvec.Pool
	Logger *zap.Logger
}

func (ec EvalContext) logger() *zap.Logger {
	if ec.Logger == nil {
		return zap.NewNop()
	}
	return ec.Logger
}

// Evaluate returns one boolean per row. A comparison against a null value
// never holds.
func (n *Node) Evaluate(ec EvalContext) ([]bool, error) {
	rows := ec.Rows.Rows()
	switch n.Kind {
	case KindLeaf:
		return n.Leaf.Evaluate(ec)
	case KindAnd:
		out := ec.Pool.Fill(rows, true)
		for _, c := range n.Children {
			v, err := c.Evaluate(ec)
			if err != nil {
				return nil, err
			}
			ec.Pool.And(out, v)
		}
		return out, nil
	case KindOr:
		out := ec.Pool.Fill(rows, false)
		for _, c := range n.Children {
			v, err := c.Evaluate(ec)
			if err != nil {
				return nil, err
			}
			ec.Pool.Or(out, v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: node kind %d", apperrors.ErrUnsupportedPredicate, n.Kind)
}

// Evaluate returns one boolean per row for a single leaf.
func (l *Leaf) Evaluate(ec EvalContext) ([]bool, error) {
	for _, p := range l.Parameters() {
		if !p.Instantiated {
			return nil, fmt.Errorf("%w: %s evaluated before parameter %d is instantiated",
				apperrors.ErrPhaseViolation, l, p.ID)
		}
	}

	rows := ec.Rows.Rows()
	out := make([]bool, rows)
	if l.Kind == LeafMultiVar {
		values, nulls, err := l.Expr.Eval(ec)
		if err != nil {
			return nil, err
		}
		threshold := l.Params[0].Data
		op := l.Operator
		if op.IsEqualityFamily() {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedPredicate, l)
		}
		ec.Pool.Each(rows, func(i int) {
			out[i] = !nulls[i] && compareInt(op, toFixed(values[i]), threshold)
		})
		return out, nil
	}

	vec, err := ec.Rows.Vector(l.Column)
	if err != nil {
		return nil, err
	}

	switch l.Kind {
	case LeafIsNull:
		negated := l.Operator == models.OpIsNotNull
		ec.Pool.Each(rows, func(i int) { out[i] = vec.Nulls[i] != negated })
	case LeafRange:
		lo, hi := l.Lower, l.Upper
		outside := l.Outside
		ec.Pool.Each(rows, func(i int) {
			if vec.Nulls[i] {
				return
			}
			v := vec.Values[i]
			lp := compareInt(lo.Operator, v, lo.Param.Data)
			up := compareInt(hi.Operator, v, hi.Param.Data)
			if outside {
				out[i] = lp || up
			} else {
				out[i] = lp && up
			}
		})
	case LeafUniVar:
		op := l.Operator
		if op.IsEqualityFamily() {
			set := make(map[int64]bool, len(l.Params))
			for _, p := range l.Params {
				set[p.Data] = true
			}
			negated := op.IsNegative()
			ec.Pool.Each(rows, func(i int) {
				out[i] = !vec.Nulls[i] && set[vec.Values[i]] != negated
			})
			break
		}
		data := l.Params[0].Data
		ec.Pool.Each(rows, func(i int) {
			out[i] = !vec.Nulls[i] && compareInt(op, vec.Values[i], data)
		})
	default:
		return nil, fmt.Errorf("%w: leaf kind %s", apperrors.ErrUnsupportedPredicate, l.Kind)
	}
	return out, nil
}

func compareInt(op models.CompareOperator, v, p int64) bool {
	switch op {
	case models.OpGE:
		return v >= p
	case models.OpGT:
		return v > p
	case models.OpLE:
		return v <= p
	case models.OpLT:
		return v < p
	}
	return false
}
