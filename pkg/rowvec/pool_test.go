package rowvec

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_AndOrNot(t *testing.T) {
	p := NewPool(4, 2)

	dst := []bool{true, false, true}
	p.And(dst, []bool{true, true, false})
	assert.Equal(t, []bool{true, false, false}, dst)

	p.Or(dst, []bool{false, true, false})
	assert.Equal(t, []bool{true, true, false}, dst)

	p.Not(dst)
	assert.Equal(t, []bool{false, false, true}, dst)
}

func TestPool_FillAndCount(t *testing.T) {
	p := NewPool(3, 7)
	v := p.Fill(100, true)
	assert.Equal(t, int64(100), Count(v))
	assert.Equal(t, int64(0), Count(p.Fill(10, false)))
}

func TestPool_RunCoversEveryIndexOnce(t *testing.T) {
	p := NewPool(8, 16)
	hits := make([]int, 1000)
	err := p.Run(context.Background(), len(hits), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			hits[i]++
		}
		return nil
	})
	require.NoError(t, err)
	for i, h := range hits {
		require.Equal(t, 1, h, "index %d", i)
	}
}

func TestPool_RunPropagatesError(t *testing.T) {
	p := NewPool(2, 10)
	boom := errors.New("boom")
	err := p.Run(context.Background(), 100, func(lo, hi int) error {
		if lo == 50 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestNewPool_Defaults(t *testing.T) {
	p := NewPool(0, 0)
	assert.Positive(t, p.Workers())
	assert.Equal(t, DefaultChunkSize, p.chunkSize)
}
