package columns

import (
	"fmt"
	"slices"

	"github.com/ekaya-inc/ekaya-synth/pkg/models"
)

// MaxSyntheticSample bounds the sample synthesized from min/max/ndv when a
// column carries no observed sample.
const MaxSyntheticSample = 10_000

// Statistics is the column statistics contract consumed by push-down and
// instantiation. Values are in the codec's encoded domain.
type Statistics interface {
	Name() models.CanonicalColumnName
	Type() models.ColumnType
	NullRate() float64
	SortedSample() []int64
	DistinctValueCount() int64
}

// Column is the in-process implementation of Statistics. Its probability
// buckets are owned by the Registry it is added to.
type Column struct {
	name     models.CanonicalColumnName
	nullRate float64
	ndv      int64
	codec    *Codec
	sample   []int64
	distinct []int64
}

var _ Statistics = (*Column)(nil)

// NewColumn builds a column of table (schema.table) from its statistics.
func NewColumn(table string, spec models.ColumnSpec) (*Column, error) {
	name := models.CanonicalColumnName(table + "." + spec.Name)
	if err := name.Validate(); err != nil {
		return nil, err
	}

	var dict []string
	if spec.Type == models.ColumnTypeVarchar {
		dict = varcharDictionary(spec)
	}
	codec := NewCodec(spec.Type, dict)

	sample, err := buildSample(codec, spec)
	if err != nil {
		return nil, fmt.Errorf("column %s: %w", name, err)
	}
	if len(sample) == 0 && spec.NullRate < 1 {
		return nil, fmt.Errorf("column %s: no sample and no min/max to synthesize one", name)
	}
	slices.Sort(sample)
	distinct := slices.Compact(slices.Clone(sample))

	ndv := spec.NDV
	if ndv <= 0 {
		ndv = int64(len(distinct))
	}

	return &Column{
		name:     name,
		nullRate: spec.NullRate,
		ndv:      ndv,
		codec:    codec,
		sample:   sample,
		distinct: distinct,
	}, nil
}

func (c *Column) Name() models.CanonicalColumnName { return c.name }
func (c *Column) Type() models.ColumnType          { return c.codec.Type() }
func (c *Column) NullRate() float64                { return c.nullRate }
func (c *Column) DistinctValueCount() int64        { return c.ndv }
func (c *Column) Codec() *Codec                    { return c.codec }

// SortedSample returns the sorted encoded sample. Callers must not modify it.
func (c *Column) SortedSample() []int64 { return c.sample }

// distinctValues returns the sorted distinct encoded sample values.
func (c *Column) distinctValues() []int64 { return c.distinct }

func buildSample(codec *Codec, spec models.ColumnSpec) ([]int64, error) {
	if len(spec.Sample) > 0 {
		out := make([]int64, 0, len(spec.Sample))
		for _, lit := range spec.Sample {
			v, err := codec.Encode(lit)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	switch spec.Type {
	case models.ColumnTypeBool:
		return []int64{0, 1}, nil
	case models.ColumnTypeVarchar:
		out := make([]int64, len(codec.Dictionary()))
		for i := range out {
			out[i] = int64(i)
		}
		return out, nil
	}

	if spec.Min == "" || spec.Max == "" {
		return nil, nil
	}
	lo, err := codec.Encode(spec.Min)
	if err != nil {
		return nil, err
	}
	hi, err := codec.Encode(spec.Max)
	if err != nil {
		return nil, err
	}
	if hi < lo {
		return nil, fmt.Errorf("max %s is below min %s", spec.Max, spec.Min)
	}
	return evenlySpaced(lo, hi, spec.NDV), nil
}

// evenlySpaced returns up to ndv distinct values spread evenly over [lo, hi].
func evenlySpaced(lo, hi, ndv int64) []int64 {
	span := hi - lo + 1
	n := ndv
	if n <= 0 || n > span {
		n = span
	}
	if n > MaxSyntheticSample {
		n = MaxSyntheticSample
	}
	if n == 1 {
		return []int64{lo}
	}
	out := make([]int64, n)
	for i := int64(0); i < n; i++ {
		out[i] = lo + (hi-lo)*i/(n-1)
	}
	return out
}

func varcharDictionary(spec models.ColumnSpec) []string {
	if len(spec.Sample) > 0 {
		return spec.Sample
	}
	n := spec.NDV
	if n <= 0 {
		n = 1
	}
	if n > MaxSyntheticSample {
		n = MaxSyntheticSample
	}
	dict := make([]string, 0, n+2)
	if spec.Min != "" {
		dict = append(dict, spec.Min)
	}
	if spec.Max != "" {
		dict = append(dict, spec.Max)
	}
	for i := int64(len(dict)); i < n; i++ {
		dict = append(dict, fmt.Sprintf("%s%s_%06d", spec.Min, spec.Name, i))
	}
	return dict
}
