package solver

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

const (
	// pivotTolerance is the smallest coefficient the equality presolve
	// treats as non-zero.
	pivotTolerance   = 1e-9
	simplexTolerance = 1e-10
)

// row is one constraint of the relaxation over the open variables, after
// shifting every variable to its lower bound.
type row struct {
	coef []float64
	rhs  float64
}

// relax solves the LP relaxation of the model restricted to d. The
// relaxation is put in standard form: each open variable x becomes
// lo + y with y ≥ 0, inequalities get a slack column and upper bounds not
// implied by another row get a bound row. Dependent equality rows are
// dropped first so the simplex sees a full-rank matrix.
//
// It returns the relaxed value of every variable, feasible=false when the
// relaxation has no solution, or an error when the simplex failed.
func (m *Model) relax(d domain) (x []float64, feasible bool, err error) {
	col := make([]int, len(d.lo))
	var open []int
	for i := range d.lo {
		col[i] = -1
		if d.hi[i] > d.lo[i] {
			col[i] = len(open)
			open = append(open, i)
		}
	}
	x = make([]float64, len(d.lo))
	for i := range x {
		x[i] = float64(d.lo[i])
	}
	if len(open) == 0 {
		return x, true, nil
	}

	var eqs, les []row
	for _, c := range m.constraints {
		r := row{coef: make([]float64, len(open)), rhs: c.RHS}
		nonZero := false
		for _, t := range c.Terms {
			r.rhs -= t.Coef * float64(d.lo[t.Var])
			if k := col[t.Var]; k >= 0 {
				r.coef[k] = t.Coef
				nonZero = true
			}
		}
		if !nonZero {
			if !satisfied(c.Sense, r.rhs, c.RHS) {
				return nil, false, nil
			}
			continue
		}
		switch c.Sense {
		case Equal:
			eqs = append(eqs, r)
		case LessEq:
			les = append(les, r)
		case GreaterEq:
			les = append(les, r.negate())
		}
	}

	eqs, consistent := independentRows(eqs)
	if !consistent {
		return nil, false, nil
	}

	upper := make([]float64, len(open))
	for k, v := range open {
		upper[k] = float64(d.hi[v] - d.lo[v])
	}
	implied := make([]bool, len(open))
	markImplied(eqs, upper, implied)
	markImplied(les, upper, implied)
	var bounded []int
	for k := range open {
		if !implied[k] {
			bounded = append(bounded, k)
		}
	}

	nRows := len(eqs) + len(les) + len(bounded)
	nCols := len(open) + len(les) + len(bounded)
	A := mat.NewDense(nRows, nCols, nil)
	b := make([]float64, nRows)
	set := func(i int, r row, slack int) {
		sign := 1.0
		if r.rhs < 0 {
			sign = -1
		}
		for k, a := range r.coef {
			if a != 0 {
				A.Set(i, k, sign*a)
			}
		}
		if slack >= 0 {
			A.Set(i, slack, sign)
		}
		b[i] = sign * r.rhs
	}
	i := 0
	for _, r := range eqs {
		set(i, r, -1)
		i++
	}
	for j, r := range les {
		set(i, r, len(open)+j)
		i++
	}
	for j, k := range bounded {
		r := row{coef: make([]float64, len(open)), rhs: upper[k]}
		r.coef[k] = 1
		set(i, r, len(open)+len(les)+j)
		i++
	}

	_, y, err := lp.Simplex(make([]float64, nCols), A, b, simplexTolerance, nil)
	if errors.Is(err, lp.ErrInfeasible) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("simplex over %dx%d: %w", nRows, nCols, err)
	}
	for k, v := range open {
		x[v] += y[k]
	}
	return x, true, nil
}

func (r row) negate() row {
	out := row{coef: make([]float64, len(r.coef)), rhs: -r.rhs}
	for k, a := range r.coef {
		out.coef[k] = -a
	}
	return out
}

func satisfied(sense Sense, residual, rhs float64) bool {
	tol := feasibilityTolerance * math.Max(1, math.Abs(rhs))
	switch sense {
	case LessEq:
		return residual >= -tol
	case GreaterEq:
		return residual <= tol
	}
	return math.Abs(residual) <= tol
}

// independentRows drops equality rows that are linear combinations of
// earlier ones. It reports false when a dropped row contradicts them.
func independentRows(rows []row) ([]row, bool) {
	type pivotRow struct {
		row
		pivot int
	}
	var basis []pivotRow
	var keep []row
	for _, r := range rows {
		red := row{coef: append([]float64(nil), r.coef...), rhs: r.rhs}
		for _, p := range basis {
			if f := red.coef[p.pivot]; f != 0 {
				f /= p.coef[p.pivot]
				for k, a := range p.coef {
					red.coef[k] -= f * a
				}
				red.rhs -= f * p.rhs
			}
		}
		pivot, size, scale := -1, 0.0, 0.0
		for k, a := range red.coef {
			scale = math.Max(scale, math.Abs(r.coef[k]))
			if math.Abs(a) > size {
				pivot, size = k, math.Abs(a)
			}
		}
		if size <= pivotTolerance*math.Max(1, scale) {
			if math.Abs(red.rhs) > feasibilityTolerance*math.Max(1, math.Abs(r.rhs)) {
				return nil, false
			}
			continue
		}
		basis = append(basis, pivotRow{row: red, pivot: pivot})
		keep = append(keep, r)
	}
	return keep, true
}

// markImplied flags open variables whose upper bound already follows from a
// row with non-negative coefficients and right-hand side, since every
// shifted variable is non-negative.
func markImplied(rows []row, upper []float64, implied []bool) {
	for _, r := range rows {
		if r.rhs < 0 {
			continue
		}
		nonNeg := true
		for _, a := range r.coef {
			if a < 0 {
				nonNeg = false
				break
			}
		}
		if !nonNeg {
			continue
		}
		for k, a := range r.coef {
			if a > 0 && r.rhs/a <= upper[k]+feasibilityTolerance {
				implied[k] = true
			}
		}
	}
}
