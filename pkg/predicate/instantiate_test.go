package predicate

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-synth/pkg/columns"
	"github.com/ekaya-inc/ekaya-synth/pkg/models"
	"github.com/ekaya-inc/ekaya-synth/pkg/rowvec"
)

// uniformRegistry registers public.t.x uniform over [0,100) and public.t.y
// uniform over [0,1000), both with the given null rate.
func uniformRegistry(t *testing.T, nullRate float64) *columns.Registry {
	t.Helper()
	reg := columns.NewRegistry(zap.NewNop())
	for _, spec := range []models.ColumnSpec{
		{Name: "x", Type: models.ColumnTypeInteger, NullRate: nullRate, NDV: 100, Min: "0", Max: "99"},
		{Name: "y", Type: models.ColumnTypeInteger, NullRate: nullRate, NDV: 1000, Min: "0", Max: "999"},
	} {
		col, err := columns.NewColumn("public.t", spec)
		require.NoError(t, err)
		require.NoError(t, reg.Add(col))
	}
	return reg
}

func TestInstantiate_RangeWidthFollowsProbability(t *testing.T) {
	lo, hi := param(1), param(2)
	tree := And(Compare(1, colX, models.OpGE, lo), Compare(2, colX, models.OpLT, hi))
	reg := uniformRegistry(t, 0)

	leaves, err := tree.PushDown(decimal.RequireFromString("0.3"), reg, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	require.Equal(t, LeafRange, leaves[0].Kind)

	require.NoError(t, RegisterEqualities(leaves, reg))
	require.NoError(t, reg.Finalize())
	require.NoError(t, Instantiate(leaves[0], reg, EvalContext{}))

	assert.True(t, lo.Instantiated)
	assert.True(t, hi.Instantiated)
	assert.Equal(t, int64(30), hi.Data-lo.Data)
	assert.Equal(t, "35", lo.Value)
	assert.Equal(t, "65", hi.Value)
}

func TestInstantiate_OutsideRangeKeepsTails(t *testing.T) {
	lo, hi := param(1), param(2)
	tree := Or(Compare(1, colX, models.OpLT, hi), Compare(2, colX, models.OpGT, lo))
	reg := uniformRegistry(t, 0)

	leaves, err := tree.PushDown(decimal.RequireFromString("0.4"), reg, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	require.NoError(t, reg.Finalize())
	require.NoError(t, Instantiate(leaves[0], reg, EvalContext{}))

	tbl := intTable(t, 100, map[models.CanonicalColumnName][]int64{colX: sequence(100)}, -1)
	got, err := tree.Evaluate(evalCtx(tbl))
	require.NoError(t, err)
	assert.Equal(t, int64(40), rowvec.Count(got))
}

func TestInstantiate_OrNullCheckSelectivity(t *testing.T) {
	tree := Or(IsNull(1, colX, false), Compare(2, colX, models.OpGE, param(1)))
	reg := uniformRegistry(t, 0.2)

	leaves, err := tree.PushDown(decimal.RequireFromString("0.5"), reg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, RegisterEqualities(leaves, reg))
	require.NoError(t, reg.Finalize())
	for _, l := range leaves {
		require.NoError(t, Instantiate(l, reg, EvalContext{}))
	}

	const rows = 20000
	pool := rowvec.NewPool(4, 1024)
	tbl, err := reg.Materialize(context.Background(), pool, "public.t", rows, 0, 11)
	require.NoError(t, err)
	got, err := tree.Evaluate(EvalContext{Rows: tbl, Pool: pool})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, float64(rowvec.Count(got))/rows, 0.03)
}

func TestBoundValue_MonotoneInProbability(t *testing.T) {
	sample := []int64{1, 4, 4, 9, 16, 25, 36, 49, 64, 81}
	for _, op := range []models.CompareOperator{models.OpLE, models.OpLT} {
		prev := int64(-1 << 62)
		for q := 0.0; q <= 1.0; q += 0.05 {
			v := boundValue(sample, op, q)
			assert.GreaterOrEqual(t, v, prev, "%s at q=%v", op, q)
			prev = v
		}
	}
	for _, op := range []models.CompareOperator{models.OpGE, models.OpGT} {
		prev := int64(1 << 62)
		for q := 0.0; q <= 1.0; q += 0.05 {
			v := boundValue(sample, op, q)
			assert.LessOrEqual(t, v, prev, "%s at q=%v", op, q)
			prev = v
		}
	}
}

func TestBoundValue_PassCount(t *testing.T) {
	sample := sequence(100)
	tests := []struct {
		op   models.CompareOperator
		q    float64
		pass func(v, p int64) bool
	}{
		{models.OpLE, 0.25, func(v, p int64) bool { return v <= p }},
		{models.OpLT, 0.25, func(v, p int64) bool { return v < p }},
		{models.OpGE, 0.25, func(v, p int64) bool { return v >= p }},
		{models.OpGT, 0.25, func(v, p int64) bool { return v > p }},
		{models.OpLE, 0, func(v, p int64) bool { return v <= p }},
		{models.OpGT, 1, func(v, p int64) bool { return v > p }},
	}
	for _, tt := range tests {
		p := boundValue(sample, tt.op, tt.q)
		n := 0
		for _, v := range sample {
			if tt.pass(v, p) {
				n++
			}
		}
		assert.Equal(t, int(tt.q*100), n, "%s at q=%v", tt.op, tt.q)
	}
}

func TestInstantiate_UniVarUsesNonNullShare(t *testing.T) {
	p := param(1)
	leaf := Compare(1, colX, models.OpLE, p).Leaf
	leaf.Probability = decimal.RequireFromString("0.4")
	reg := uniformRegistry(t, 0.5)
	require.NoError(t, reg.Finalize())
	require.NoError(t, Instantiate(leaf, reg, EvalContext{}))
	// 0.4 of all rows is 0.8 of the non-null rows.
	assert.Equal(t, int64(79), p.Data)
}

func TestInstantiate_EqualityBuckets(t *testing.T) {
	eq := Compare(1, colY, models.OpEQ, param(1))
	in := Compare(2, colY, models.OpIn, param(2), param(3))
	ne := Compare(3, colX, models.OpNE, param(4))
	eq.Leaf.Probability = decimal.RequireFromString("0.16")
	in.Leaf.Probability = decimal.RequireFromString("0.08")
	ne.Leaf.Probability = decimal.RequireFromString("0.7")
	leaves := []*Leaf{eq.Leaf, in.Leaf, ne.Leaf}

	reg := uniformRegistry(t, 0.2)
	require.NoError(t, RegisterEqualities(leaves, reg))
	require.NoError(t, reg.Finalize())

	const rows = 40000
	tbl, err := reg.Materialize(context.Background(), rowvec.NewPool(4, 1000), "public.t", rows, 0, 7)
	require.NoError(t, err)
	ec := EvalContext{Rows: tbl, Pool: rowvec.NewPool(4, 1000)}
	for _, l := range leaves {
		require.NoError(t, Instantiate(l, reg, ec))
	}
	assert.NotEqual(t, in.Leaf.Params[0].Data, in.Leaf.Params[1].Data)
	assert.NotEqual(t, eq.Leaf.Params[0].Data, in.Leaf.Params[0].Data)

	for _, n := range []*Node{eq, in, ne} {
		got, err := n.Evaluate(ec)
		require.NoError(t, err)
		want, _ := n.Leaf.Probability.Float64()
		assert.InDelta(t, want, float64(rowvec.Count(got))/rows, 0.015, n.String())
	}
}

func TestRegisterEqualities_Errors(t *testing.T) {
	reg := uniformRegistry(t, 0.5)

	eq := Compare(1, colX, models.OpEQ, param(1)).Leaf
	eq.Probability = decimal.RequireFromString("0.6")
	assert.ErrorIs(t, RegisterEqualities([]*Leaf{eq}, reg), apperrors.ErrInconsistentModel)

	multi := CompareExpr(2, Binary(ArithAdd, Col(colX), Col(colY)), models.OpEQ, param(2)).Leaf
	multi.Probability = decimal.RequireFromString("0.1")
	assert.ErrorIs(t, RegisterEqualities([]*Leaf{multi}, reg), apperrors.ErrUnsupportedPredicate)
}

func TestInstantiate_MultiVar(t *testing.T) {
	tbl := intTable(t, 100, map[models.CanonicalColumnName][]int64{
		colX: sequence(100),
		colY: sequence(100),
	}, -1)
	ec := evalCtx(tbl)
	reg := uniformRegistry(t, 0)
	require.NoError(t, reg.Finalize())

	for _, op := range []models.CompareOperator{models.OpLE, models.OpLT, models.OpGE, models.OpGT} {
		node := CompareExpr(1, Binary(ArithAdd, Col(colX), Col(colY)), op, param(1))
		node.Leaf.Probability = decimal.RequireFromString("0.25")
		require.NoError(t, Instantiate(node.Leaf, reg, ec))
		got, err := node.Evaluate(ec)
		require.NoError(t, err)
		assert.Equal(t, int64(25), rowvec.Count(got), string(op))
	}

	eq := CompareExpr(2, Binary(ArithAdd, Col(colX), Col(colY)), models.OpEQ, param(2))
	assert.ErrorIs(t, Instantiate(eq.Leaf, reg, ec), apperrors.ErrUnsupportedPredicate)
}

func TestInstantiate_Twice(t *testing.T) {
	leaf := Compare(1, colX, models.OpGE, param(1)).Leaf
	leaf.Probability = decimal.RequireFromString("0.5")
	reg := uniformRegistry(t, 0)
	require.NoError(t, reg.Finalize())
	require.NoError(t, Instantiate(leaf, reg, EvalContext{}))
	assert.ErrorIs(t, Instantiate(leaf, reg, EvalContext{}), apperrors.ErrPhaseViolation)
}

func TestInstantiateUnreachable(t *testing.T) {
	tree := And(
		Compare(1, colX, models.OpGE, param(1)),
		Compare(2, colY, models.OpEQ, param(2)),
	)
	reg := uniformRegistry(t, 0)
	leaves, err := tree.PushDown(decimal.Zero, reg, zap.NewNop())
	require.NoError(t, err)
	require.Empty(t, leaves)
	require.NoError(t, reg.Finalize())

	tbl := intTable(t, 100, map[models.CanonicalColumnName][]int64{
		colX: sequence(100),
		colY: sequence(100),
	}, -1)
	require.NoError(t, InstantiateUnreachable(tree, reg, evalCtx(tbl)))
	for _, p := range tree.Parameters() {
		assert.True(t, p.Instantiated)
	}
	got, err := tree.Evaluate(evalCtx(tbl))
	require.NoError(t, err)
	assert.Zero(t, rowvec.Count(got))
}

func TestApplyPresets(t *testing.T) {
	reg := uniformRegistry(t, 0)
	require.NoError(t, reg.Finalize())
	preset := func(id int, lit string) *models.Parameter {
		return &models.Parameter{ID: id, Preset: &lit}
	}

	p := preset(1, "42")
	ok, err := ApplyPresets(Compare(1, colX, models.OpLE, p).Leaf, reg)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), p.Data)
	assert.Equal(t, "42", p.Value)

	ok, err = ApplyPresets(Compare(2, colX, models.OpLE, param(2)).Leaf, reg)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ApplyPresets(Compare(3, colX, models.OpIn, preset(3, "1"), param(4)).Leaf, reg)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedPredicate)

	mv := preset(5, "12.5")
	expr := Binary(ArithAdd, Col(colX), Col(colY))
	ok, err = ApplyPresets(CompareExpr(5, expr, models.OpLT, mv).Leaf, reg)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(125000), mv.Data)
	assert.Equal(t, "12.5", mv.Value)

	_, err = ApplyPresets(Compare(6, colX, models.OpEQ, preset(6, "abc")).Leaf, reg)
	assert.Error(t, err)
}

func TestRegisterEqualities_SkipsPresetLeaves(t *testing.T) {
	reg := uniformRegistry(t, 0)
	lit := "7"
	leaf := Compare(1, colX, models.OpEQ, &models.Parameter{ID: 1, Preset: &lit}).Leaf
	leaf.Probability = decimal.RequireFromString("0.5")

	require.NoError(t, RegisterEqualities([]*Leaf{leaf}, reg))
	require.NoError(t, reg.Finalize())
	_, err := reg.Draw(colX, 1)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
