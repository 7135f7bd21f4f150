package predicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-synth/pkg/columns"
	"github.com/ekaya-inc/ekaya-synth/pkg/models"
	"github.com/ekaya-inc/ekaya-synth/pkg/rowvec"
)

// intTable builds a row source of INTEGER columns. Values equal to null
// are stored as nulls.
func intTable(t *testing.T, rows int, cols map[models.CanonicalColumnName][]int64, null int64) *columns.Table {
	t.Helper()
	tbl := columns.NewTable("public.t", rows, 0)
	codec := columns.NewCodec(models.ColumnTypeInteger, nil)
	for name, values := range cols {
		nulls := make([]bool, len(values))
		for i, v := range values {
			nulls[i] = v == null
		}
		require.NoError(t, tbl.SetVector(name, &columns.Vector{Values: values, Nulls: nulls, Codec: codec}))
	}
	return tbl
}

func sequence(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i)
	}
	return out
}

func instantiated(id int, data int64) *models.Parameter {
	p := param(id)
	p.Data = data
	p.Value = "v"
	p.Instantiated = true
	return p
}

func evalCtx(tbl RowSource) EvalContext {
	return EvalContext{Rows: tbl, Pool: rowvec.NewPool(2, 4)}
}

func TestEvaluate_AndConjoinsChildren(t *testing.T) {
	tbl := intTable(t, 3, map[models.CanonicalColumnName][]int64{
		colX: {1, 0, 1},
		colY: {1, 1, 0},
	}, -1)
	tree := And(
		Compare(1, colX, models.OpEQ, instantiated(1, 1)),
		Compare(2, colY, models.OpEQ, instantiated(2, 1)),
	)
	got, err := tree.Evaluate(evalCtx(tbl))
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, false}, got)
}

func TestEvaluate_OrDisjoinsChildren(t *testing.T) {
	tbl := intTable(t, 4, map[models.CanonicalColumnName][]int64{
		colX: {1, 0, 1, 0},
		colY: {1, 1, 0, 0},
	}, -1)
	tree := Or(
		Compare(1, colX, models.OpEQ, instantiated(1, 1)),
		Compare(2, colY, models.OpEQ, instantiated(2, 1)),
	)
	got, err := tree.Evaluate(evalCtx(tbl))
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, true, false}, got)
}

func TestEvaluate_MergedRangeMatchesBounds(t *testing.T) {
	lo, hi := param(1), param(2)
	tree := And(Compare(1, colX, models.OpGE, lo), Compare(2, colX, models.OpLT, hi))
	merged := mergeRanges(tree.Children, false)
	require.Len(t, merged, 1)
	require.NoError(t, lo.Instantiate(5, "5"))
	require.NoError(t, hi.Instantiate(10, "10"))

	tbl := intTable(t, 20, map[models.CanonicalColumnName][]int64{colX: sequence(20)}, -1)
	ranged, err := merged[0].Evaluate(evalCtx(tbl))
	require.NoError(t, err)
	original, err := tree.Evaluate(evalCtx(tbl))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		assert.Equal(t, i >= 5 && i < 10, ranged[i], "row %d", i)
	}
	assert.Equal(t, original, ranged)
}

func TestEvaluate_OutsideRange(t *testing.T) {
	leaf := &Leaf{
		ID:       1,
		Kind:     LeafRange,
		Operator: models.OpRange,
		Column:   colX,
		Lower:    &Bound{Operator: models.OpGT, Param: instantiated(1, 7)},
		Upper:    &Bound{Operator: models.OpLT, Param: instantiated(2, 3)},
		Outside:  true,
	}
	tbl := intTable(t, 10, map[models.CanonicalColumnName][]int64{colX: sequence(10)}, -1)
	got, err := leaf.Evaluate(evalCtx(tbl))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.Equal(t, i < 3 || i > 7, got[i], "row %d", i)
	}
}

func TestEvaluate_NullsNeverCompare(t *testing.T) {
	tbl := intTable(t, 4, map[models.CanonicalColumnName][]int64{colX: {-1, 2, -1, 5}}, -1)
	ec := evalCtx(tbl)

	tests := []struct {
		name string
		node *Node
		want []bool
	}{
		{"ge", Compare(1, colX, models.OpGE, instantiated(1, 0)), []bool{false, true, false, true}},
		{"ne", Compare(1, colX, models.OpNE, instantiated(1, 2)), []bool{false, false, false, true}},
		{"not in", Compare(1, colX, models.OpNotIn, instantiated(1, 2), instantiated(2, 5)), []bool{false, false, false, false}},
		{"is null", IsNull(1, colX, false), []bool{true, false, true, false}},
		{"is not null", IsNull(1, colX, true), []bool{false, true, false, true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.node.Evaluate(ec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_MultiVar(t *testing.T) {
	tbl := intTable(t, 4, map[models.CanonicalColumnName][]int64{
		colX: {1, 2, 3, -1},
		colY: {1, 1, 1, 1},
	}, -1)
	expr := Binary(ArithAdd, Col(colX), Binary(ArithMul, Col(colY), Const(0.5)))
	node := CompareExpr(1, expr, models.OpLE, instantiated(1, 25000))
	got, err := node.Evaluate(evalCtx(tbl))
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, false, false}, got)
}

func TestEvaluate_DivisionByZeroIsNull(t *testing.T) {
	tbl := intTable(t, 3, map[models.CanonicalColumnName][]int64{
		colX: {4, 4, 4},
		colY: {2, 0, 1},
	}, -1)
	values, nulls, err := Binary(ArithDiv, Col(colX), Col(colY)).Eval(evalCtx(tbl))
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false}, nulls)
	assert.Equal(t, 2.0, values[0])
	assert.Equal(t, 4.0, values[2])
}

func TestEvaluate_RequiresInstantiation(t *testing.T) {
	tbl := intTable(t, 1, map[models.CanonicalColumnName][]int64{colX: {1}}, -1)
	_, err := Compare(1, colX, models.OpGE, param(1)).Evaluate(evalCtx(tbl))
	assert.ErrorIs(t, err, apperrors.ErrPhaseViolation)
}
