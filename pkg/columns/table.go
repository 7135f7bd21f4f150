package columns

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-synth/pkg/models"
	"github.com/ekaya-inc/ekaya-synth/pkg/rowvec"
)

// Vector is one materialized column of a table shard.
type Vector struct {
	Values []int64
	Nulls  []bool
	Codec  *Codec
}

// Table is the materialized row shard of one table. It is the row source
// predicates are evaluated against.
type Table struct {
	name    string
	rows    int
	offset  int64
	vectors map[models.CanonicalColumnName]*Vector
}

// NewTable creates an empty row source; vectors are attached with
// SetVector.
func NewTable(name string, rows int, offset int64) *Table {
	return &Table{
		name:    name,
		rows:    rows,
		offset:  offset,
		vectors: make(map[models.CanonicalColumnName]*Vector),
	}
}

func (t *Table) Name() string { return t.name }

// Rows returns the number of rows in this shard.
func (t *Table) Rows() int { return t.rows }

// Offset returns the global index of the shard's first row.
func (t *Table) Offset() int64 { return t.offset }

// Vector returns a materialized column.
func (t *Table) Vector(name models.CanonicalColumnName) (*Vector, error) {
	v, ok := t.vectors[name]
	if !ok {
		return nil, fmt.Errorf("column %s is not materialized in %s: %w", name, t.name, apperrors.ErrNotFound)
	}
	return v, nil
}

// SetVector attaches a column vector. Its length must match the table.
func (t *Table) SetVector(name models.CanonicalColumnName, v *Vector) error {
	if len(v.Values) != t.rows || len(v.Nulls) != t.rows {
		return fmt.Errorf("vector %s has %d rows, table %s has %d", name, len(v.Values), t.name, t.rows)
	}
	t.vectors[name] = v
	return nil
}

// Materialize draws rows [offset, offset+rows) of every column of table.
// Each row is null with the column's null rate, takes a bucket value with
// the bucket's mass, and otherwise takes a residual sample value. Every row
// draws from its own stream keyed by the column and its global row number,
// so the result depends only on seed and offset.
func (r *Registry) Materialize(ctx context.Context, pool *rowvec.Pool, table string, rows int, offset int64, seed uint64) (*Table, error) {
	if r.Phase() != PhaseFinalized {
		return nil, fmt.Errorf("%w: materialize %s before finalize", apperrors.ErrPhaseViolation, table)
	}

	out := NewTable(table, rows, offset)
	for _, col := range r.TableColumns(table) {
		r.mu.RLock()
		set := r.buckets[col.Name()]
		r.mu.RUnlock()

		vec := &Vector{
			Values: make([]int64, rows),
			Nulls:  make([]bool, rows),
			Codec:  col.Codec(),
		}
		colSeed := seed ^ hashName(col.Name())
		err := pool.Run(ctx, rows, func(lo, hi int) error {
			src := rand.NewPCG(colSeed, 0)
			rng := rand.New(src)
			for i := lo; i < hi; i++ {
				src.Seed(colSeed, uint64(offset)+uint64(i))
				vec.Values[i], vec.Nulls[i] = drawValue(rng, col, set)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("materialize %s: %w", col.Name(), err)
		}
		out.vectors[col.Name()] = vec
	}
	return out, nil
}

func drawValue(rng *rand.Rand, col *Column, set *bucketSet) (int64, bool) {
	u := rng.Float64()
	if u < col.NullRate() || len(col.SortedSample()) == 0 {
		return 0, true
	}
	u -= col.NullRate()
	nonNull := 1 - col.NullRate()
	for _, b := range set.buckets {
		m := nonNull * b.mass
		if u < m {
			return b.value, false
		}
		u -= m
	}
	if len(set.residualSample) > 0 {
		return set.residualSample[rng.IntN(len(set.residualSample))], false
	}
	if len(set.buckets) > 0 {
		return set.buckets[len(set.buckets)-1].value, false
	}
	sample := col.SortedSample()
	return sample[rng.IntN(len(sample))], false
}

func hashName(name models.CanonicalColumnName) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}
