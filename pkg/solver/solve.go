package solver

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
)

const (
	feasibilityTolerance = 1e-6
	// integralityTolerance is how far a relaxed value may sit from an
	// integer and still count as integral.
	integralityTolerance = 1e-6
	// maxPropagationRounds bounds the constraint visits of a single node,
	// as a multiple of the constraint count.
	maxPropagationRounds = 50
	ctxCheckInterval     = 256
)

// Options tune a single Solve call.
type Options struct {
	// MaxNodes caps the number of search nodes. Zero means no cap.
	MaxNodes int64
	Logger   *zap.Logger
}

// Solution is a feasible assignment.
type Solution struct {
	values []int64
	Nodes  int64
}

// Value returns the value assigned to v.
func (s *Solution) Value(v Var) int64 { return s.values[v] }

// Values returns the full assignment indexed by Var.
func (s *Solution) Values() []int64 { return append([]int64(nil), s.values...) }

type domain struct {
	lo, hi []int64
}

func (d domain) clone() domain {
	return domain{lo: append([]int64(nil), d.lo...), hi: append([]int64(nil), d.hi...)}
}

type search struct {
	ctx   context.Context
	model *Model
	opts  Options
	nodes int64
	// bisections counts nodes whose relaxation could not be solved.
	bisections int64
}

// Solve runs a depth-first branch and bound. Every node first propagates
// bounds, then solves the LP relaxation of what is left: an infeasible
// relaxation prunes the node, a relaxation that rounds to a valid
// assignment ends the search, and otherwise the most fractional variable
// is branched on, nearer side first. A node whose relaxation cannot be
// solved bisects its widest domain instead.
//
// Solve returns ErrInfeasible once the search space is exhausted and
// ErrSolverTimeout when the context ends or the node budget runs out first.
func (m *Model) Solve(ctx context.Context, opts Options) (*Solution, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrSolverTimeout, err)
	}
	s := &search{ctx: ctx, model: m, opts: opts}
	root := domain{lo: append([]int64(nil), m.lo...), hi: append([]int64(nil), m.hi...)}
	for i := range root.lo {
		if root.lo[i] > root.hi[i] {
			return nil, fmt.Errorf("%w: variable %s has empty domain", apperrors.ErrInfeasible, m.names[i])
		}
	}

	values, err := s.node(root)
	if err != nil {
		return nil, err
	}
	if values == nil {
		opts.Logger.Debug("Search space exhausted",
			zap.Int("vars", m.NumVars()),
			zap.Int("constraints", m.NumConstraints()),
			zap.Int64("nodes", s.nodes),
			zap.Int64("bisections", s.bisections))
		return nil, apperrors.ErrInfeasible
	}
	if err := m.Check(values); err != nil {
		return nil, fmt.Errorf("solver produced an invalid assignment: %w", err)
	}
	opts.Logger.Debug("Solved",
		zap.Int("vars", m.NumVars()),
		zap.Int64("nodes", s.nodes),
		zap.Int64("bisections", s.bisections))
	return &Solution{values: values, Nodes: s.nodes}, nil
}

// node returns a satisfying assignment, nil when the subtree has none, or an
// error when the search had to stop.
func (s *search) node(d domain) ([]int64, error) {
	s.nodes++
	if s.opts.MaxNodes > 0 && s.nodes > s.opts.MaxNodes {
		return nil, fmt.Errorf("%w: node budget %d exhausted", apperrors.ErrSolverTimeout, s.opts.MaxNodes)
	}
	if s.nodes%ctxCheckInterval == 0 {
		if err := s.ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrSolverTimeout, err)
		}
	}

	for i := range d.lo {
		if d.lo[i] > d.hi[i] {
			return nil, nil
		}
	}
	if !s.model.propagate(d) {
		return nil, nil
	}

	x, feasible, err := s.model.relax(d)
	if err != nil {
		s.bisections++
		if s.bisections == 1 {
			s.opts.Logger.Debug("Relaxation failed, bisecting", zap.Error(err))
		}
		return s.bisect(d)
	}
	if !feasible {
		return nil, nil
	}

	values := make([]int64, len(x))
	branch, worst := -1, integralityTolerance
	for i, xi := range x {
		r := math.Round(xi)
		values[i] = min(max(int64(r), d.lo[i]), d.hi[i])
		if d.lo[i] == d.hi[i] {
			continue
		}
		if f := math.Abs(xi - r); f > worst {
			branch, worst = i, f
		}
	}
	if s.model.Check(values) == nil {
		return values, nil
	}
	if branch < 0 {
		// An integral relaxation that fails Check is a tolerance artifact.
		s.bisections++
		return s.bisect(d)
	}

	floor := int64(math.Floor(x[branch]))
	down := d.clone()
	down.hi[branch] = floor
	up := d.clone()
	up.lo[branch] = floor + 1
	if x[branch]-float64(floor) > 0.5 {
		return s.either(up, down)
	}
	return s.either(down, up)
}

// bisect splits the widest open domain in half, lower half first.
func (s *search) bisect(d domain) ([]int64, error) {
	branch := -1
	var width int64
	for i := range d.lo {
		if w := d.hi[i] - d.lo[i]; w > width {
			branch, width = i, w
		}
	}
	if branch < 0 {
		if s.model.Check(d.lo) != nil {
			return nil, nil
		}
		return d.lo, nil
	}

	mid := d.lo[branch] + width/2
	left := d.clone()
	left.hi[branch] = mid
	right := d.clone()
	right.lo[branch] = mid + 1
	return s.either(left, right)
}

func (s *search) either(first, second domain) ([]int64, error) {
	if values, err := s.node(first); values != nil || err != nil {
		return values, err
	}
	return s.node(second)
}

// propagate tightens d in place until a fixpoint or the visit limit. A
// constraint is revisited only after one of its variables changed. It
// returns false when some domain becomes empty.
func (m *Model) propagate(d domain) bool {
	n := len(m.constraints)
	queued := make([]bool, n)
	queue := make([]int, n)
	for i := range queue {
		queue[i] = i
		queued[i] = true
	}
	touch := func(v Var) {
		for _, ci := range m.watch[v] {
			if !queued[ci] {
				queued[ci] = true
				queue = append(queue, ci)
			}
		}
	}

	for visits := maxPropagationRounds * n; len(queue) > 0 && visits > 0; visits-- {
		ci := queue[0]
		queue = queue[1:]
		queued[ci] = false

		c := &m.constraints[ci]
		ok := true
		switch c.Sense {
		case LessEq:
			ok = tightenLE(c.Terms, 1, c.RHS, d, touch)
		case GreaterEq:
			ok = tightenLE(c.Terms, -1, -c.RHS, d, touch)
		case Equal:
			ok = tightenLE(c.Terms, 1, c.RHS, d, touch) &&
				tightenLE(c.Terms, -1, -c.RHS, d, touch)
		}
		if !ok {
			return false
		}
	}
	return true
}

// tightenLE propagates sign·Σ coef·x ≤ rhs, calling changed for every
// variable whose bound moved.
func tightenLE(terms []Term, sign, rhs float64, d domain, changed func(Var)) bool {
	minAct := 0.0
	for _, t := range terms {
		a := sign * t.Coef
		if a > 0 {
			minAct += a * float64(d.lo[t.Var])
		} else {
			minAct += a * float64(d.hi[t.Var])
		}
	}
	if minAct > rhs+feasibilityTolerance*math.Max(1, math.Abs(rhs)) {
		return false
	}
	for _, t := range terms {
		a := sign * t.Coef
		v := t.Var
		var own float64
		if a > 0 {
			own = a * float64(d.lo[v])
		} else {
			own = a * float64(d.hi[v])
		}
		slack := rhs - (minAct - own)
		bound := slack / a
		eps := feasibilityTolerance * math.Max(1, math.Abs(bound))
		if a > 0 {
			if bound+eps < float64(d.hi[v]) {
				d.hi[v] = int64(math.Floor(bound + eps))
				changed(v)
			}
		} else {
			if bound-eps > float64(d.lo[v]) {
				d.lo[v] = int64(math.Ceil(bound - eps))
				changed(v)
			}
		}
		if d.lo[v] > d.hi[v] {
			return false
		}
	}
	return true
}
