// Package solver finds a feasible assignment of bounded integer variables
// under linear constraints by LP-based branch and bound. It proves
// infeasibility by exhausting the search tree and never returns a partial
// assignment.
package solver

import (
	"fmt"
	"math"
	"strings"
)

// Var is a handle to a model variable.
type Var int

// Sense is the relation of a linear constraint.
type Sense int

const (
	Equal Sense = iota
	LessEq
	GreaterEq
)

func (s Sense) String() string {
	switch s {
	case LessEq:
		return "<="
	case GreaterEq:
		return ">="
	}
	return "="
}

// Term is one coefficient-variable product.
type Term struct {
	Var  Var
	Coef float64
}

// Constraint is Σ coef·var (sense) RHS.
type Constraint struct {
	Name  string
	Terms []Term
	Sense Sense
	RHS   float64
}

// Model holds integer variables with inclusive bounds and the linear
// constraints over them.
type Model struct {
	names       []string
	lo, hi      []int64
	constraints []Constraint
	// watch lists the constraints each variable appears in.
	watch [][]int
}

// NewModel creates an empty model.
func NewModel() *Model {
	return &Model{}
}

// NewVar adds an integer variable in [lo, hi].
func (m *Model) NewVar(name string, lo, hi int64) Var {
	m.names = append(m.names, name)
	m.lo = append(m.lo, lo)
	m.hi = append(m.hi, hi)
	m.watch = append(m.watch, nil)
	return Var(len(m.names) - 1)
}

// NumVars returns the number of variables.
func (m *Model) NumVars() int { return len(m.names) }

// NumConstraints returns the number of constraints.
func (m *Model) NumConstraints() int { return len(m.constraints) }

// Name returns a variable's name.
func (m *Model) Name(v Var) string { return m.names[v] }

// Add appends a constraint. Terms on the same variable are combined and
// zero coefficients dropped.
func (m *Model) Add(name string, terms []Term, sense Sense, rhs float64) {
	combined := make(map[Var]float64, len(terms))
	var order []Var
	for _, t := range terms {
		if _, ok := combined[t.Var]; !ok {
			order = append(order, t.Var)
		}
		combined[t.Var] += t.Coef
	}
	c := Constraint{Name: name, Sense: sense, RHS: rhs}
	for _, v := range order {
		if coef := combined[v]; coef != 0 {
			c.Terms = append(c.Terms, Term{Var: v, Coef: coef})
		}
	}
	idx := len(m.constraints)
	m.constraints = append(m.constraints, c)
	for _, t := range c.Terms {
		m.watch[t.Var] = append(m.watch[t.Var], idx)
	}
}

// Sum is a helper building unit-coefficient terms.
func Sum(vars ...Var) []Term {
	out := make([]Term, len(vars))
	for i, v := range vars {
		out[i] = Term{Var: v, Coef: 1}
	}
	return out
}

// Check reports the first constraint an assignment violates.
func (m *Model) Check(values []int64) error {
	for i, v := range values {
		if v < m.lo[i] || v > m.hi[i] {
			return fmt.Errorf("variable %s=%d outside [%d,%d]", m.names[i], v, m.lo[i], m.hi[i])
		}
	}
	for _, c := range m.constraints {
		lhs := 0.0
		for _, t := range c.Terms {
			lhs += t.Coef * float64(values[t.Var])
		}
		tol := feasibilityTolerance * math.Max(1, math.Abs(c.RHS))
		ok := true
		switch c.Sense {
		case Equal:
			ok = math.Abs(lhs-c.RHS) <= tol
		case LessEq:
			ok = lhs <= c.RHS+tol
		case GreaterEq:
			ok = lhs >= c.RHS-tol
		}
		if !ok {
			return fmt.Errorf("constraint %s violated: %v %s %v", c.Name, lhs, c.Sense, c.RHS)
		}
	}
	return nil
}

func (c Constraint) String() string {
	parts := make([]string, len(c.Terms))
	for i, t := range c.Terms {
		parts[i] = fmt.Sprintf("%g*x%d", t.Coef, t.Var)
	}
	return fmt.Sprintf("%s: %s %s %g", c.Name, strings.Join(parts, " + "), c.Sense, c.RHS)
}
