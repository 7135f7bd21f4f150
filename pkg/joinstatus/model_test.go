package joinstatus

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-synth/pkg/chain"
	"github.com/ekaya-inc/ekaya-synth/pkg/models"
	"github.com/ekaya-inc/ekaya-synth/pkg/solver"
)

const ordersTable = "public.orders"

func filterNode() *chain.Node {
	return &chain.Node{Kind: chain.NodeFilter}
}

func fkNode(tag int, jt models.JoinType, p string, output int64) *chain.Node {
	return &chain.Node{
		Kind:        chain.NodeFKJoin,
		Tag:         tag,
		JoinType:    jt,
		Probability: decimal.RequireFromString(p),
		RefTable:    "public.customers",
		OutputCount: output,
	}
}

// result builds an evaluation result whose filter nodes pass the rows
// selected by the given predicates.
func result(rows int, nodes []*chain.Node, filters ...func(r int) bool) *chain.Result {
	c := &chain.Chain{QueryID: "q", Table: ordersTable, Nodes: nodes}
	res := &chain.Result{Chain: c, Flag: make([]bool, rows)}
	prev := make([]bool, rows)
	for r := range prev {
		prev[r] = true
	}
	for _, f := range filters {
		pass := make([]bool, rows)
		for r := range pass {
			pass[r] = prev[r] && f(r)
		}
		res.FilterPass = append(res.FilterPass, pass)
		prev = pass
	}
	return res
}

func solve(t *testing.T, b *Builder) ([]Assignment, *Problem, error) {
	t.Helper()
	p, err := b.Build()
	require.NoError(t, err)
	out, err := p.Solve(context.Background(), solver.Options{MaxNodes: 100000})
	return out, p, err
}

func TestSolve_HistogramAndOutput(t *testing.T) {
	const rows = 100
	b := NewBuilder(ordersTable, rows, Options{}, zap.NewNop())
	// Chain A: filter passes rows < 60, then an inner join at probability 0.5.
	require.NoError(t, b.AddResult(result(rows,
		[]*chain.Node{filterNode(), fkNode(1, models.JoinTypeInner, "0.5", 0)},
		func(r int) bool { return r < 60 })))
	// Chain B: filter passes even rows, then an inner join with 30 output rows.
	require.NoError(t, b.AddResult(result(rows,
		[]*chain.Node{filterNode(), fkNode(2, models.JoinTypeInner, "0.9", 30)},
		func(r int) bool { return r%2 == 0 })))

	out, p, err := solve(t, b)
	require.NoError(t, err)

	hist := p.Histogram()
	assert.Equal(t, int64(30), hist[Status{Bits: 0b11, Width: 2}])
	assert.Equal(t, int64(30), hist[Status{Bits: 0b01, Width: 2}])
	assert.Equal(t, int64(20), hist[Status{Bits: 0b10, Width: 2}])
	assert.Equal(t, int64(20), hist[Status{Bits: 0b00, Width: 2}])

	sums := make(map[Status]int64)
	var passA, passB int64
	for _, a := range out {
		sums[a.FilterStatus] += a.Count
		if a.JoinStatus.Bit(0) {
			require.True(t, a.FilterStatus.Bit(0), "join A passed without its filter")
			passA += a.Count
		}
		if a.JoinStatus.Bit(1) {
			require.True(t, a.FilterStatus.Bit(1), "join B passed without its filter")
			passB += a.Count
		}
	}
	assert.Equal(t, hist, sums)
	assert.Equal(t, int64(30), passB)
	assert.InDelta(t, 30, passA, 0.5)

	for i := 1; i < len(out); i++ {
		prev, cur := out[i-1], out[i]
		if prev.FilterStatus == cur.FilterStatus {
			assert.True(t, prev.JoinStatus.Less(cur.JoinStatus))
		} else {
			assert.True(t, prev.FilterStatus.Less(cur.FilterStatus))
		}
	}
}

func TestSolve_FourChains(t *testing.T) {
	const rows = 1000
	filters := []func(r int) bool{
		func(r int) bool { return r%2 == 0 },
		func(r int) bool { return r%3 == 0 },
		func(r int) bool { return r < 250 },
		func(r int) bool { return r%5 != 0 },
	}
	probs := []string{"0.5", "0.3", "0.8", "0.25"}
	filtered := []int64{500, 334, 250, 800}

	tests := []struct {
		name    string
		outputs []int64
		want    []float64
	}{
		{name: "ratio bands", outputs: []int64{0, 0, 0, 0}, want: []float64{250, 100.2, 200, 200}},
		{name: "output counts", outputs: []int64{90, 50, 180, 300}, want: []float64{90, 50, 180, 300}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(ordersTable, rows, Options{}, zap.NewNop())
			for c := range filters {
				require.NoError(t, b.AddResult(result(rows,
					[]*chain.Node{filterNode(), fkNode(c+1, models.JoinTypeInner, probs[c], tt.outputs[c])},
					filters[c])))
			}

			out, p, err := solve(t, b)
			require.NoError(t, err)

			hist := p.Histogram()
			sums := make(map[Status]int64)
			pass := make([]int64, len(filters))
			for _, a := range out {
				sums[a.FilterStatus] += a.Count
				for c := range filters {
					if a.JoinStatus.Bit(c) {
						require.True(t, a.FilterStatus.Bit(c), "join %d passed without its filter", c)
						pass[c] += a.Count
					}
				}
			}
			assert.Equal(t, hist, sums)

			for c := range filters {
				var n int64
				for s, count := range hist {
					if s.Bit(c) {
						n += count
					}
				}
				assert.Equal(t, filtered[c], n, "chain %d filtered rows", c)
				assert.InDelta(t, tt.want[c], float64(pass[c]), 0.5, "chain %d joined rows", c)
			}
		})
	}
}

func TestSolve_FourTwoHopChains(t *testing.T) {
	const rows = 300
	b := NewBuilder(ordersTable, rows, Options{}, zap.NewNop())
	for c := 0; c < 4; c++ {
		mod := c + 2
		require.NoError(t, b.AddResult(result(rows,
			[]*chain.Node{
				filterNode(), fkNode(2*c+1, models.JoinTypeInner, "0.6", 0),
				filterNode(), fkNode(2*c+2, models.JoinTypeInner, "0.5", 0),
			},
			func(r int) bool { return r%mod != 0 },
			func(r int) bool { return r < 200 })))
	}

	out, p, err := solve(t, b)
	require.NoError(t, err)
	sums := make(map[Status]int64)
	for _, a := range out {
		sums[a.FilterStatus] += a.Count
	}
	assert.Equal(t, p.Histogram(), sums)
}

func TestSolve_JoinOutputExceedsFilteredRows(t *testing.T) {
	const rows = 200
	b := NewBuilder(ordersTable, rows, Options{}, zap.NewNop())
	require.NoError(t, b.AddResult(result(rows,
		[]*chain.Node{filterNode(), fkNode(1, models.JoinTypeInner, "1", 150)},
		func(r int) bool { return r < 100 })))

	out, _, err := solve(t, b)
	assert.ErrorIs(t, err, apperrors.ErrInfeasible)
	assert.Nil(t, out)
}

func TestSolve_CardinalityCap(t *testing.T) {
	const rows = 100
	groups := Groups{
		chain.PassKey(3):                  25,
		chain.PassKey(3) | chain.PassKey(1): 15,
		chain.FailKey(3):                  60,
	}
	build := func(jt models.JoinType, output int64) *Builder {
		b := NewBuilder(ordersTable, rows, Options{}, zap.NewNop())
		require.NoError(t, b.AddResult(result(rows,
			[]*chain.Node{fkNode(3, jt, "0.5", output)})))
		b.SetReferenced("public.customers", groups)
		return b
	}

	out, _, err := solve(t, build(models.JoinTypeSemi, 35))
	require.NoError(t, err)
	var pass int64
	for _, a := range out {
		if a.JoinStatus.Bit(0) {
			pass += a.Count
		}
	}
	assert.Equal(t, int64(35), pass)

	_, _, err = solve(t, build(models.JoinTypeSemi, 45))
	assert.ErrorIs(t, err, apperrors.ErrInfeasible, "semi join cannot match more rows than the 40 passing keys")

	// Anti joins are capped by the 60 failing keys; the ratio band asks for 50.
	_, _, err = solve(t, build(models.JoinTypeAnti, 0))
	assert.NoError(t, err)
}

func TestBuild_MissingReferencedGroups(t *testing.T) {
	b := NewBuilder(ordersTable, 10, Options{}, zap.NewNop())
	require.NoError(t, b.AddResult(result(10, []*chain.Node{fkNode(1, models.JoinTypeSemi, "0.5", 0)})))
	_, err := b.Build()
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSolve_DistinctTiers(t *testing.T) {
	const rows = 100
	build := func(fanout int) *Builder {
		b := NewBuilder(ordersTable, rows, Options{MaxFanout: fanout}, zap.NewNop())
		n := fkNode(1, models.JoinTypeInner, "0.5", 0)
		n.DistinctCount = 10
		require.NoError(t, b.AddResult(result(rows, []*chain.Node{n})))
		return b
	}

	// 50 passing rows over 10 groups need groups of 5.
	_, _, err := solve(t, build(2))
	assert.ErrorIs(t, err, apperrors.ErrInfeasible)

	out, _, err := solve(t, build(5))
	require.NoError(t, err)
	var pass int64
	for _, a := range out {
		if a.JoinStatus.Bit(0) {
			pass += a.Count
		}
	}
	assert.Equal(t, int64(50), pass)
}

func TestBuild_PrunesUnreachableClasses(t *testing.T) {
	const rows = 10
	b := NewBuilder(ordersTable, rows, Options{}, zap.NewNop())
	require.NoError(t, b.AddResult(result(rows,
		[]*chain.Node{filterNode(), fkNode(1, models.JoinTypeInner, "0.5", 0), filterNode(), fkNode(2, models.JoinTypeInner, "0.5", 0)},
		func(r int) bool { return r < 6 },
		func(r int) bool { return r < 3 })))
	p, err := b.Build()
	require.NoError(t, err)
	// Filter statuses 00, 10, 11 admit 1, 2 and 3 join patterns.
	assert.Equal(t, 6, p.NumClasses())
}

func TestSolve_ShardFractionScalesOutput(t *testing.T) {
	const rows = 100
	b := NewBuilder(ordersTable, rows, Options{Fraction: 0.5}, zap.NewNop())
	require.NoError(t, b.AddResult(result(rows,
		[]*chain.Node{fkNode(1, models.JoinTypeInner, "0.5", 80)})))
	out, _, err := solve(t, b)
	require.NoError(t, err)
	var pass int64
	for _, a := range out {
		if a.JoinStatus.Bit(0) {
			pass += a.Count
		}
	}
	assert.Equal(t, int64(40), pass)
}

func TestAddResult_Errors(t *testing.T) {
	b := NewBuilder(ordersTable, 10, Options{}, zap.NewNop())
	assert.Error(t, b.AddResult(result(5, nil)))

	other := result(10, nil)
	other.Chain.Table = "public.customers"
	assert.Error(t, b.AddResult(other))

	missing := result(10, []*chain.Node{filterNode()})
	assert.Error(t, b.AddResult(missing))
}

func TestStatus(t *testing.T) {
	s := NewStatus(4).With(0, true).With(2, true)
	assert.Equal(t, "1010", s.String())
	assert.True(t, s.Bit(2))
	assert.False(t, s.With(2, false).Bit(2))
	assert.True(t, NewStatus(3).Less(NewStatus(4)))
	assert.True(t, NewStatus(4).Less(s))

	seen := map[Status]int{s: 1}
	assert.Equal(t, 1, seen[Status{Bits: 0b0101, Width: 4}])
}
