package predicate

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-synth/pkg/models"
)

// NullRates supplies the null rate of a column.
type NullRates interface {
	NullRate(name models.CanonicalColumnName) (float64, error)
}

var rangeTolerance = decimal.New(1, -RootPrecision)

// PushDown assigns a probability to every leaf so that the tree as a whole
// holds with the target probability, and returns the leaves in evaluation
// order. Children of AND/OR nodes are modeled as independent events.
//
// Bound leaves on the same column are merged into RANGE leaves for the
// purpose of instantiation; the merged leaf shares its parameters with the
// originals, so the tree itself is left unchanged.
func (n *Node) PushDown(target decimal.Decimal, stats NullRates, logger *zap.Logger) ([]*Leaf, error) {
	if err := checkProbability(target); err != nil {
		return nil, fmt.Errorf("push down %s: %w", n, err)
	}
	switch n.effectiveKind() {
	case KindLeaf:
		n.Leaf.Probability = target
		return []*Leaf{n.Leaf}, nil
	case KindAnd:
		return n.pushDownConjunction(target, stats, logger)
	case KindOr:
		return n.pushDownOr(target, stats, logger)
	}
	return nil, fmt.Errorf("%w: node kind %d", apperrors.ErrUnsupportedPredicate, n.Kind)
}

// pushDownOr applies De Morgan: P(A or B) = 1 - P(not A and not B). The
// complemented target is split like an AND and each share complemented back.
func (n *Node) pushDownOr(target decimal.Decimal, stats NullRates, logger *zap.Logger) ([]*Leaf, error) {
	if len(n.Children) != 2 {
		return nil, fmt.Errorf("%w: OR with %d children, only binary OR is supported",
			apperrors.ErrUnsupportedPredicate, len(n.Children))
	}
	n.reverse()
	defer n.reverse()
	return n.pushDownConjunction(one.Sub(target), stats, logger)
}

// pushDownConjunction splits target across the children of an AND, or of
// a reversed OR, in which case target and shares are complements.
func (n *Node) pushDownConjunction(target decimal.Decimal, stats NullRates, logger *zap.Logger) ([]*Leaf, error) {
	complement := n.reversed
	if !complement && target.IsZero() {
		logger.Debug("AND target probability is zero, leaves left unassigned",
			zap.String("predicate", n.String()))
		return nil, nil
	}

	referenced := make(map[models.CanonicalColumnName]bool)
	for _, c := range n.Children {
		if !isNullCheck(c) {
			for _, col := range c.Columns() {
				referenced[col] = true
			}
		}
	}

	work := target
	var out []*Leaf
	var rest []*Node
	nullChecked := make(map[models.CanonicalColumnName]bool)
	for _, c := range n.Children {
		if !isNullCheck(c) {
			rest = append(rest, c)
			continue
		}
		leaf := c.Leaf
		rate, err := stats.NullRate(leaf.Column)
		if err != nil {
			return nil, err
		}
		nullRate := decimalFromRate(rate)
		pass := nullRate
		if leaf.Operator == models.OpIsNotNull {
			pass = one.Sub(nullRate)
		}

		switch {
		case nullChecked[leaf.Column]:
			return nil, fmt.Errorf("%w: %s repeats a null check on %s",
				apperrors.ErrInconsistentModel, n, leaf.Column)
		case referenced[leaf.Column] && !complement && leaf.Operator == models.OpIsNotNull:
			// The other predicates on the column already exclude nulls.
			leaf.Probability = pass
			out = append(out, leaf)
			nullChecked[leaf.Column] = true
			continue
		case referenced[leaf.Column] && !complement:
			return nil, fmt.Errorf("%w: %s mixes null and non-null predicates on %s",
				apperrors.ErrInconsistentModel, n, leaf.Column)
		case referenced[leaf.Column] && leaf.Operator == models.OpIsNull:
			// The other branch holds only on non-null rows of the column,
			// so the null mass adds to the OR and the branch covers the rest.
			leaf.Probability = pass
			out = append(out, leaf)
			nullChecked[leaf.Column] = true
			work = work.Add(pass)
			if work.GreaterThan(one) {
				if work.Sub(one).GreaterThan(rangeTolerance) {
					return nil, fmt.Errorf("%w: %s needs probability %s, below the null rate of %s",
						apperrors.ErrInconsistentModel, n, one.Sub(target), leaf.Column)
				}
				work = one
			}
			continue
		}
		nullChecked[leaf.Column] = true
		leaf.Probability = pass
		out = append(out, leaf)

		divisor := pass
		if complement {
			divisor = one.Sub(pass)
		}
		if divisor.IsZero() {
			if !work.IsZero() {
				return nil, fmt.Errorf("%w: %s cannot reach probability %s, %s has zero probability",
					apperrors.ErrInconsistentModel, n, target, leaf)
			}
			continue
		}
		work = work.DivRound(divisor, workPrecision)
		if work.GreaterThan(one) {
			if work.Sub(one).GreaterThan(rangeTolerance) {
				return nil, fmt.Errorf("%w: %s needs probability %s after removing %s",
					apperrors.ErrInconsistentModel, n, work, leaf)
			}
			work = one
		}
	}

	rest = mergeRanges(rest, complement)
	if len(rest) == 0 {
		if work.Sub(one).Abs().GreaterThan(rangeTolerance) {
			return nil, fmt.Errorf("%w: null checks of %s cannot reach probability %s",
				apperrors.ErrInconsistentModel, n, target)
		}
		return out, nil
	}

	share := one
	if !work.Equal(one) {
		share = nthRoot(work, len(rest))
	}
	if complement {
		share = one.Sub(share)
	}
	for _, c := range rest {
		leaves, err := c.PushDown(share, stats, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, leaves...)
	}
	return out, nil
}

func isNullCheck(n *Node) bool {
	return n.Kind == KindLeaf && n.Leaf.Kind == LeafIsNull
}

// mergeRanges replaces one lower-bound and one upper-bound uni-variable
// leaf on the same column with a single RANGE leaf. Under AND the range
// keeps values inside both bounds; under a reversed OR it keeps values
// outside. Columns with more than one bound in a direction, or with a
// preset bound, are not merged.
func mergeRanges(children []*Node, outside bool) []*Node {
	type bounds struct{ lower, upper []int }
	groups := make(map[models.CanonicalColumnName]*bounds)
	var order []models.CanonicalColumnName
	for i, c := range children {
		if c.Kind != KindLeaf || c.Leaf.Kind != LeafUniVar || !c.Leaf.Operator.IsBound() {
			continue
		}
		g, ok := groups[c.Leaf.Column]
		if !ok {
			g = &bounds{}
			groups[c.Leaf.Column] = g
			order = append(order, c.Leaf.Column)
		}
		if c.Leaf.Operator.IsLowerBound() {
			g.lower = append(g.lower, i)
		} else {
			g.upper = append(g.upper, i)
		}
	}

	replaced := make(map[int]*Node)
	dropped := make(map[int]bool)
	for _, col := range order {
		g := groups[col]
		if len(g.lower) != 1 || len(g.upper) != 1 {
			continue
		}
		lo, up := children[g.lower[0]].Leaf, children[g.upper[0]].Leaf
		if lo.Params[0].Preset != nil || up.Params[0].Preset != nil {
			continue
		}
		merged := LeafNode(&Leaf{
			ID:       min(lo.ID, up.ID),
			Kind:     LeafRange,
			Operator: models.OpRange,
			Column:   col,
			Lower:    &Bound{Operator: lo.Operator, Param: lo.Params[0]},
			Upper:    &Bound{Operator: up.Operator, Param: up.Params[0]},
			Outside:  outside,
		})
		replaced[min(g.lower[0], g.upper[0])] = merged
		dropped[max(g.lower[0], g.upper[0])] = true
	}
	if len(replaced) == 0 {
		return children
	}

	out := make([]*Node, 0, len(children)-len(dropped))
	for i, c := range children {
		if dropped[i] {
			continue
		}
		if m, ok := replaced[i]; ok {
			out = append(out, m)
			continue
		}
		out = append(out, c)
	}
	return out
}
