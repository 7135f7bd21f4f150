package chain

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-synth/pkg/columns"
	"github.com/ekaya-inc/ekaya-synth/pkg/models"
	"github.com/ekaya-inc/ekaya-synth/pkg/predicate"
	"github.com/ekaya-inc/ekaya-synth/pkg/rowvec"
)

const colA models.CanonicalColumnName = "public.orders.a"

func sequenceTable(t *testing.T, rows int) *columns.Table {
	t.Helper()
	tbl := columns.NewTable("public.orders", rows, 0)
	values := make([]int64, rows)
	for i := range values {
		values[i] = int64(i % 100)
	}
	require.NoError(t, tbl.SetVector(colA, &columns.Vector{
		Values: values,
		Nulls:  make([]bool, rows),
		Codec:  columns.NewCodec(models.ColumnTypeInteger, nil),
	}))
	return tbl
}

func evalCtx(tbl *columns.Table) predicate.EvalContext {
	return predicate.EvalContext{Rows: tbl, Pool: rowvec.NewPool(4, 512)}
}

func bound(op models.CompareOperator, data int64) *predicate.Node {
	p := &models.Parameter{ID: int(data)}
	_ = p.Instantiate(data, "")
	return predicate.Compare(1, colA, op, p)
}

func TestEvaluate_FKJoinOnlyGovernedByDraw(t *testing.T) {
	const rows = 10000
	tbl := sequenceTable(t, rows)
	c := &Chain{QueryID: "q", Table: "public.orders", Nodes: []*Node{
		{Kind: NodeFKJoin, Tag: 7, Probability: decimal.RequireFromString("0.4"), JoinType: models.JoinTypeInner},
		{Kind: NodePKJoin, Tag: 9},
	}}
	pk, fk := NewTagBitmap(rows), NewTagBitmap(rows)

	res, err := c.Evaluate(context.Background(), evalCtx(tbl), 11, 0, pk, fk)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, float64(res.PassCount())/rows, 0.02)
	assert.Empty(t, res.FilterPass)

	for r := 0; r < rows; r++ {
		require.Equal(t, res.Flag[r], fk.Passed(r, 7), "row %d", r)
		require.Equal(t, !res.Flag[r], fk.Failed(r, 7), "row %d", r)
		require.Equal(t, res.Flag[r], pk.Passed(r, 9), "row %d", r)
		require.NotEqual(t, pk.Passed(r, 9), pk.Failed(r, 9), "row %d", r)
	}

	// Same seed, same outcome: the recorded tags keep their sign.
	again, err := c.Evaluate(context.Background(), evalCtx(tbl), 11, 0, pk, fk)
	require.NoError(t, err)
	assert.Equal(t, res.Flag, again.Flag)
}

func TestEvaluate_FKDrawIndependentOfWindow(t *testing.T) {
	const rows, split = 3000, 1234
	c := &Chain{QueryID: "q", Table: "public.orders", Nodes: []*Node{
		{Kind: NodeFKJoin, Tag: 0, Probability: decimal.RequireFromString("0.5"), JoinType: models.JoinTypeInner},
	}}
	whole, err := c.Evaluate(context.Background(), evalCtx(sequenceTable(t, rows)), 5, 0, nil, NewTagBitmap(rows))
	require.NoError(t, err)

	tail, err := c.Evaluate(context.Background(), evalCtx(sequenceTable(t, rows-split)), 5, split, nil, NewTagBitmap(rows-split))
	require.NoError(t, err)
	assert.Equal(t, whole.Flag[split:], tail.Flag)
}

func TestEvaluate_FiltersConjoinAndRecordPrefixes(t *testing.T) {
	const rows = 1000
	tbl := sequenceTable(t, rows)
	c := &Chain{QueryID: "q", Table: "public.orders", Nodes: []*Node{
		{Kind: NodeFilter, Predicate: bound(models.OpGE, 50)},
		{Kind: NodeFilter, Predicate: bound(models.OpLT, 80)},
		{Kind: NodePKJoin, Tag: 2},
	}}
	pk := NewTagBitmap(rows)
	res, err := c.Evaluate(context.Background(), evalCtx(tbl), 1, 0, pk, nil)
	require.NoError(t, err)

	require.Len(t, res.FilterPass, 2)
	assert.Equal(t, int64(500), rowvec.Count(res.FilterPass[0]))
	assert.Equal(t, int64(300), rowvec.Count(res.FilterPass[1]))
	assert.Equal(t, int64(300), res.PassCount())
	for r := 0; r < rows; r++ {
		v := r % 100
		assert.Equal(t, v >= 50 && v < 80, pk.Passed(r, 2))
	}
}

func TestEvaluate_MissingBitmap(t *testing.T) {
	tbl := sequenceTable(t, 10)
	c := &Chain{QueryID: "q", Nodes: []*Node{{Kind: NodeFKJoin, Tag: 1, Probability: decimal.NewFromInt(1)}}}
	_, err := c.Evaluate(context.Background(), evalCtx(tbl), 1, 0, nil, nil)
	assert.Error(t, err)
}

func TestTagBitmap(t *testing.T) {
	b := NewTagBitmap(2)
	require.NoError(t, b.Mark(0, 3, true))
	require.NoError(t, b.Mark(0, 3, true))
	require.NoError(t, b.Mark(1, 3, false))
	assert.ErrorIs(t, b.Mark(0, 3, false), apperrors.ErrInconsistentModel)
	assert.Error(t, b.Mark(0, MaxTags, true))

	assert.True(t, b.Passed(0, 3))
	assert.True(t, b.Failed(1, 3))
	assert.Equal(t, PassKey(3), ProjectTag(b.Word(0), 3))
	assert.Equal(t, FailKey(3), ProjectTag(b.Word(1), 3))
	assert.Zero(t, ProjectTag(b.Word(0), 4))
}
