package predicate

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/ekaya-inc/ekaya-synth/pkg/models"
)

// ArithOp tags an arithmetic expression node.
type ArithOp int

const (
	ArithColumn ArithOp = iota
	ArithConst
	ArithAdd
	ArithSub
	ArithMul
	ArithDiv
)

var arithSymbols = map[ArithOp]string{ArithAdd: "+", ArithSub: "-", ArithMul: "*", ArithDiv: "/"}

// ParseArithOp maps +, -, * and / to an operator.
func ParseArithOp(s string) (ArithOp, error) {
	for op, sym := range arithSymbols {
		if sym == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown arithmetic operator %q", s)
}

// Arith is an arithmetic expression over columns and constants.
type Arith struct {
	Op     ArithOp
	Column models.CanonicalColumnName
	Const  float64
	Left   *Arith
	Right  *Arith
}

// Col references a column.
func Col(name models.CanonicalColumnName) *Arith { return &Arith{Op: ArithColumn, Column: name} }

// Const is a numeric literal.
func Const(v float64) *Arith { return &Arith{Op: ArithConst, Const: v} }

// Binary combines two expressions.
func Binary(op ArithOp, left, right *Arith) *Arith {
	return &Arith{Op: op, Left: left, Right: right}
}

// Columns returns the sorted set of referenced columns.
func (a *Arith) Columns() []models.CanonicalColumnName {
	set := make(map[models.CanonicalColumnName]bool)
	a.collect(set)
	out := make([]models.CanonicalColumnName, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (a *Arith) collect(set map[models.CanonicalColumnName]bool) {
	switch a.Op {
	case ArithColumn:
		set[a.Column] = true
	case ArithConst:
	default:
		a.Left.collect(set)
		a.Right.collect(set)
	}
}

// Eval computes the expression for every row. A row is null when any
// referenced column is null or a division by zero occurs.
func (a *Arith) Eval(ec EvalContext) ([]float64, []bool, error) {
	n := ec.Rows.Rows()
	switch a.Op {
	case ArithColumn:
		vec, err := ec.Rows.Vector(a.Column)
		if err != nil {
			return nil, nil, err
		}
		values := make([]float64, n)
		nulls := append([]bool(nil), vec.Nulls...)
		ec.Pool.Each(n, func(i int) { values[i] = vec.Codec.Float(vec.Values[i]) })
		return values, nulls, nil
	case ArithConst:
		values := make([]float64, n)
		ec.Pool.Each(n, func(i int) { values[i] = a.Const })
		return values, make([]bool, n), nil
	}

	lv, ln, err := a.Left.Eval(ec)
	if err != nil {
		return nil, nil, err
	}
	rv, rn, err := a.Right.Eval(ec)
	if err != nil {
		return nil, nil, err
	}
	op := a.Op
	ec.Pool.Each(n, func(i int) {
		if ln[i] || rn[i] {
			ln[i] = true
			return
		}
		switch op {
		case ArithAdd:
			lv[i] += rv[i]
		case ArithSub:
			lv[i] -= rv[i]
		case ArithMul:
			lv[i] *= rv[i]
		case ArithDiv:
			if rv[i] == 0 {
				ln[i] = true
				return
			}
			lv[i] /= rv[i]
		}
	})
	return lv, ln, nil
}

func (a *Arith) String() string {
	switch a.Op {
	case ArithColumn:
		return string(a.Column)
	case ArithConst:
		return strconv.FormatFloat(a.Const, 'g', -1, 64)
	}
	return "(" + a.Left.String() + " " + arithSymbols[a.Op] + " " + a.Right.String() + ")"
}
