package predicate

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-synth/pkg/columns"
	"github.com/ekaya-inc/ekaya-synth/pkg/models"
)

// RegisterEqualities is the first instantiation phase. Every equality-family
// leaf reserves probability mass on its column, expressed relative to the
// column's non-null rows and split evenly across the leaf's parameters.
// Negated operators reserve the mass of the rows they reject.
func RegisterEqualities(leaves []*Leaf, reg *columns.Registry) error {
	for _, l := range leaves {
		if !l.Operator.IsEqualityFamily() || presetCount(l) > 0 {
			continue
		}
		if l.Kind == LeafMultiVar {
			return fmt.Errorf("%w: equality over an expression: %s", apperrors.ErrUnsupportedPredicate, l)
		}
		nullRate, err := reg.NullRate(l.Column)
		if err != nil {
			return err
		}
		p, _ := l.Probability.Float64()
		nonNull := 1 - nullRate

		var rel float64
		switch {
		case nonNull <= 0 && p > 0:
			return fmt.Errorf("%w: %s needs probability %v on an all-null column",
				apperrors.ErrInconsistentModel, l, p)
		case nonNull <= 0:
			rel = 0
		case l.Operator.IsNegative():
			rel = (nonNull - p) / nonNull
		default:
			rel = p / nonNull
		}
		if rel < -columns.MassEpsilon || rel > 1+columns.MassEpsilon {
			return fmt.Errorf("%w: %s needs probability %v, column %s is non-null for %v",
				apperrors.ErrInconsistentModel, l, p, l.Column, nonNull)
		}
		rel = math.Min(math.Max(rel, 0), 1)

		masses := make([]float64, len(l.Params))
		for i := range masses {
			masses[i] = rel / float64(len(masses))
		}
		if err := reg.RegisterEquality(l.Column, l.ID, masses); err != nil {
			return err
		}
	}
	return nil
}

// Instantiate is the second instantiation phase: it gives every parameter of
// the leaf a concrete value so that the leaf holds on roughly its assigned
// probability share of rows. The registry must be finalized.
func Instantiate(l *Leaf, reg *columns.Registry, ec EvalContext) error {
	switch l.Kind {
	case LeafIsNull:
		return nil
	case LeafMultiVar:
		if l.Operator.IsEqualityFamily() {
			return fmt.Errorf("%w: equality over an expression: %s", apperrors.ErrUnsupportedPredicate, l)
		}
		return instantiateMultiVar(l, ec)
	}

	col, err := reg.Column(l.Column)
	if err != nil {
		return err
	}
	codec := col.Codec()

	if l.Kind == LeafUniVar && l.Operator.IsEqualityFamily() {
		values, err := reg.Draw(l.Column, l.ID)
		if err != nil {
			return err
		}
		if len(values) != len(l.Params) {
			return fmt.Errorf("%w: %s has %d parameters, registry holds %d values",
				apperrors.ErrInconsistentModel, l, len(l.Params), len(values))
		}
		for i, p := range l.Params {
			if err := p.Instantiate(values[i], codec.Decode(values[i])); err != nil {
				return err
			}
		}
		return nil
	}

	sample := col.SortedSample()
	if len(sample) == 0 {
		return fmt.Errorf("%w: column %s has no sample to instantiate %s",
			apperrors.ErrInconsistentModel, l.Column, l)
	}
	q := nonNullShare(l.Probability, col.NullRate())

	switch l.Kind {
	case LeafUniVar:
		data := boundValue(sample, l.Operator, q)
		return l.Params[0].Instantiate(data, codec.Decode(data))
	case LeafRange:
		lo, hi := rangeValues(sample, l.Lower.Operator, l.Upper.Operator, q, l.Outside)
		if err := l.Lower.Param.Instantiate(lo, codec.Decode(lo)); err != nil {
			return err
		}
		return l.Upper.Param.Instantiate(hi, codec.Decode(hi))
	}
	return fmt.Errorf("%w: leaf kind %s", apperrors.ErrUnsupportedPredicate, l.Kind)
}

// InstantiateUnreachable gives values to the leaves of root that push-down
// skipped because an enclosing AND has probability zero. Bound leaves are
// instantiated as if their probability were zero; equality leaves take a
// value just past the column's domain.
func InstantiateUnreachable(root *Node, reg *columns.Registry, ec EvalContext) error {
	for _, l := range root.Leaves() {
		if l.Kind == LeafIsNull || allInstantiated(l) {
			continue
		}
		l.Probability = zero
		if l.Kind == LeafUniVar && l.Operator.IsEqualityFamily() {
			col, err := reg.Column(l.Column)
			if err != nil {
				return err
			}
			outside := int64(0)
			if s := col.SortedSample(); len(s) > 0 {
				outside = s[len(s)-1] + 1
			}
			for _, p := range l.Params {
				if err := p.Instantiate(outside, col.Codec().Decode(outside)); err != nil {
					return err
				}
			}
			continue
		}
		if err := Instantiate(l, reg, ec); err != nil {
			return err
		}
	}
	return nil
}

// ApplyPresets instantiates every parameter of l from the literals supplied
// by the chain document and reports whether l was preset. A leaf must be
// preset completely or not at all.
func ApplyPresets(l *Leaf, reg *columns.Registry) (bool, error) {
	params := l.Parameters()
	n := presetCount(l)
	switch {
	case n == 0:
		return false, nil
	case n != len(params):
		return false, fmt.Errorf("%w: %s has %d of %d parameters preset",
			apperrors.ErrUnsupportedPredicate, l, n, len(params))
	}

	encode := func(lit string) (int64, string, error) {
		d, err := decimal.NewFromString(lit)
		if err != nil {
			return 0, "", fmt.Errorf("preset %q for %s: %w", lit, l, err)
		}
		v := d.Mul(decimal.NewFromInt(models.FixedPointScale)).Round(0).IntPart()
		return v, fixedPointString(v), nil
	}
	if l.Kind != LeafMultiVar {
		col, err := reg.Column(l.Column)
		if err != nil {
			return false, err
		}
		codec := col.Codec()
		encode = func(lit string) (int64, string, error) {
			v, err := codec.Encode(lit)
			if err != nil {
				return 0, "", fmt.Errorf("preset for %s: %w", l, err)
			}
			return v, lit, nil
		}
	}

	for _, p := range params {
		if p.Instantiated {
			continue
		}
		data, value, err := encode(*p.Preset)
		if err != nil {
			return false, err
		}
		if err := p.Instantiate(data, value); err != nil {
			return false, err
		}
	}
	return true, nil
}

func presetCount(l *Leaf) int {
	n := 0
	for _, p := range l.Parameters() {
		if p.Preset != nil {
			n++
		}
	}
	return n
}

func allInstantiated(l *Leaf) bool {
	for _, p := range l.Parameters() {
		if !p.Instantiated {
			return false
		}
	}
	return true
}

// nonNullShare converts an unconditional probability into the fraction of
// non-null rows that must pass.
func nonNullShare(p decimal.Decimal, nullRate float64) float64 {
	f, _ := p.Float64()
	nonNull := 1 - nullRate
	if nonNull <= 0 {
		return 0
	}
	return math.Min(math.Max(f/nonNull, 0), 1)
}

func rankCount(q float64, n int) int {
	return min(max(int(math.Round(q*float64(n))), 0), n)
}

// boundValue picks the bound that lets round(q·n) of the sorted sample
// pass. Exclusive operators move one encoded unit outward.
func boundValue(s []int64, op models.CompareOperator, q float64) int64 {
	n := len(s)
	k := rankCount(q, n)
	switch op {
	case models.OpLE:
		if k == 0 {
			return s[0] - 1
		}
		return s[k-1]
	case models.OpLT:
		if k == 0 {
			return s[0]
		}
		return s[k-1] + 1
	case models.OpGE:
		if k == 0 {
			return s[n-1] + 1
		}
		return s[n-k]
	default: // GT
		if k == 0 {
			return s[n-1]
		}
		return s[n-k] - 1
	}
}

// rangeValues picks the lower and upper parameters of a range leaf. Inside
// ranges keep a centred run of round(q·n) sample values; outside ranges
// exclude a centred run of the remaining values.
func rangeValues(s []int64, lowerOp, upperOp models.CompareOperator, q float64, outside bool) (int64, int64) {
	n := len(s)
	m := rankCount(q, n)
	if outside {
		m = n - m
	}

	if m == 0 {
		if outside {
			// Nothing excluded: the lower side alone passes every value.
			return passAllLower(s, lowerOp), passAllUpper(s, upperOp)
		}
		return passNoneLower(s, lowerOp), passNoneUpper(s, upperOp)
	}

	i := (n - m) / 2
	j := i + m - 1
	if !outside {
		lo := s[i]
		if lowerOp == models.OpGT {
			lo--
		}
		hi := s[j]
		if upperOp == models.OpLT {
			hi++
		}
		return lo, hi
	}

	// Outside: the lower side keeps values above s[j], the upper side keeps
	// values below s[i].
	lo := s[j]
	if lowerOp == models.OpGE {
		lo++
	}
	hi := s[i]
	if upperOp == models.OpLE {
		hi--
	}
	return lo, hi
}

func passAllLower(s []int64, op models.CompareOperator) int64 {
	if op == models.OpGT {
		return s[0] - 1
	}
	return s[0]
}

func passAllUpper(s []int64, op models.CompareOperator) int64 {
	if op == models.OpLT {
		return s[len(s)-1] + 1
	}
	return s[len(s)-1]
}

func passNoneLower(s []int64, op models.CompareOperator) int64 {
	if op == models.OpGT {
		return s[len(s)-1]
	}
	return s[len(s)-1] + 1
}

func passNoneUpper(s []int64, op models.CompareOperator) int64 {
	if op == models.OpLT {
		return s[0]
	}
	return s[0] - 1
}

// instantiateMultiVar evaluates the expression over the materialized rows
// and picks the order statistic that lets round(p·N) rows pass.
func instantiateMultiVar(l *Leaf, ec EvalContext) error {
	values, nulls, err := l.Expr.Eval(ec)
	if err != nil {
		return err
	}
	sorted := make([]int64, 0, len(values))
	for i, v := range values {
		if !nulls[i] {
			sorted = append(sorted, toFixed(v))
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	param := l.Params[0]
	m := len(sorted)
	if m == 0 {
		return param.Instantiate(0, fixedPointString(0))
	}

	p, _ := l.Probability.Float64()
	k := int(math.Round(p * float64(ec.Rows.Rows())))
	if k > m {
		ec.logger().Warn("expression has fewer non-null rows than the target pass count",
			zap.String("predicate", l.String()),
			zap.Int("target", k),
			zap.Int("non_null", m))
		k = m
	}

	var data int64
	switch l.Operator {
	case models.OpLE:
		if k == 0 {
			data = sorted[0] - 1
		} else {
			data = sorted[k-1]
		}
	case models.OpLT:
		if k == 0 {
			data = sorted[0]
		} else {
			data = sorted[k-1] + 1
		}
	case models.OpGE:
		if k == 0 {
			data = sorted[m-1] + 1
		} else {
			data = sorted[m-k]
		}
	case models.OpGT:
		if k == 0 {
			data = sorted[m-1]
		} else {
			data = sorted[m-k] - 1
		}
	default:
		return fmt.Errorf("%w: %s", apperrors.ErrUnsupportedPredicate, l)
	}
	return param.Instantiate(data, fixedPointString(data))
}

// toFixed rounds an expression value to the fixed-point grid parameters
// and evaluation compare on.
func toFixed(v float64) int64 {
	return int64(math.Round(v * models.FixedPointScale))
}

func fixedPointString(v int64) string {
	return decimal.New(v, 0).Div(decimal.NewFromInt(models.FixedPointScale)).String()
}
