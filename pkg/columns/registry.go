package columns

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-synth/pkg/models"
)

// MassEpsilon is the tolerance for probability-mass bookkeeping.
const MassEpsilon = 1e-9

// Phase is the lifecycle stage of a Registry.
type Phase int

const (
	// PhaseRegistering accepts columns and equality mass registrations.
	PhaseRegistering Phase = iota
	// PhaseFinalized has frozen buckets; values may be drawn and columns
	// materialized.
	PhaseFinalized
)

func (p Phase) String() string {
	if p == PhaseFinalized {
		return "finalized"
	}
	return "registering"
}

// BucketKey identifies one registered mass: the leaf that needs it and the
// position of the parameter within that leaf.
type BucketKey struct {
	Leaf  int
	Index int
}

type bucket struct {
	key BucketKey
	// mass is relative to the non-null part of the column.
	mass  float64
	value int64
}

type bucketSet struct {
	buckets []*bucket
	// residual is the relative mass not claimed by any bucket.
	residual float64
	// residualSample holds the sample entries not equal to any bucket value.
	residualSample []int64
}

// Registry owns every column of a run together with its probability
// buckets. It enforces a two-phase protocol: all equality masses are
// registered first, Finalize assigns concrete values, and only then may
// values be drawn or rows materialized.
type Registry struct {
	mu      sync.RWMutex
	phase   Phase
	columns map[models.CanonicalColumnName]*Column
	buckets map[models.CanonicalColumnName]*bucketSet
	logger  *zap.Logger
}

// NewRegistry creates an empty registry in the registering phase.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		columns: make(map[models.CanonicalColumnName]*Column),
		buckets: make(map[models.CanonicalColumnName]*bucketSet),
		logger:  logger.Named("column-registry"),
	}
}

// Phase returns the current phase.
func (r *Registry) Phase() Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// Add registers a column.
func (r *Registry) Add(col *Column) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != PhaseRegistering {
		return fmt.Errorf("%w: add column %s after finalize", apperrors.ErrPhaseViolation, col.Name())
	}
	if _, ok := r.columns[col.Name()]; ok {
		return fmt.Errorf("duplicate column %s", col.Name())
	}
	r.columns[col.Name()] = col
	r.buckets[col.Name()] = &bucketSet{}
	return nil
}

// Column returns a registered column.
func (r *Registry) Column(name models.CanonicalColumnName) (*Column, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	col, ok := r.columns[name]
	if !ok {
		return nil, fmt.Errorf("column %s: %w", name, apperrors.ErrNotFound)
	}
	return col, nil
}

// NullRate returns the null rate of a registered column.
func (r *Registry) NullRate(name models.CanonicalColumnName) (float64, error) {
	col, err := r.Column(name)
	if err != nil {
		return 0, err
	}
	return col.NullRate(), nil
}

// TableColumns returns the columns of table (schema.table) sorted by name.
func (r *Registry) TableColumns(table string) []*Column {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Column
	for name, col := range r.columns {
		if name.Table() == table {
			out = append(out, col)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// RegisterEquality records the relative masses (fractions of the non-null
// rows) one leaf needs, one per parameter.
func (r *Registry) RegisterEquality(name models.CanonicalColumnName, leaf int, masses []float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != PhaseRegistering {
		return fmt.Errorf("%w: register %s after finalize", apperrors.ErrPhaseViolation, name)
	}
	set, ok := r.buckets[name]
	if !ok {
		return fmt.Errorf("column %s: %w", name, apperrors.ErrNotFound)
	}
	for i, m := range masses {
		if m < -MassEpsilon || m > 1+MassEpsilon || math.IsNaN(m) {
			return fmt.Errorf("%w: column %s leaf %d mass %v", apperrors.ErrProbabilityOutOfRange, name, leaf, m)
		}
		set.buckets = append(set.buckets, &bucket{key: BucketKey{Leaf: leaf, Index: i}, mass: max(m, 0)})
	}
	return nil
}

// Finalize assigns a distinct domain value to every registered bucket and
// freezes the registry. It fails if the masses of a column exceed its
// non-null share or if it has fewer distinct values than buckets.
func (r *Registry) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != PhaseRegistering {
		return fmt.Errorf("%w: finalize called twice", apperrors.ErrPhaseViolation)
	}

	for name, set := range r.buckets {
		if err := finalizeColumn(r.columns[name], set); err != nil {
			return err
		}
		if len(set.buckets) > 0 {
			r.logger.Debug("finalized equality buckets",
				zap.String("column", string(name)),
				zap.Int("buckets", len(set.buckets)),
				zap.Float64("residual", set.residual))
		}
	}
	r.phase = PhaseFinalized
	return nil
}

func finalizeColumn(col *Column, set *bucketSet) error {
	total := 0.0
	for _, b := range set.buckets {
		total += b.mass
	}
	if total > 1+MassEpsilon {
		return fmt.Errorf("%w: column %s equality masses sum to %v > 1",
			apperrors.ErrInconsistentModel, col.Name(), total)
	}
	set.residual = math.Max(0, 1-total)

	distinct := col.distinctValues()
	if int64(len(set.buckets)) > col.DistinctValueCount() || len(set.buckets) > len(distinct) {
		return fmt.Errorf("%w: column %s needs %d distinct values, has %d",
			apperrors.ErrInconsistentModel, col.Name(), len(set.buckets), min(int64(len(distinct)), col.DistinctValueCount()))
	}

	ordered := append([]*bucket(nil), set.buckets...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].mass != ordered[j].mass {
			return ordered[i].mass > ordered[j].mass
		}
		if ordered[i].key.Leaf != ordered[j].key.Leaf {
			return ordered[i].key.Leaf < ordered[j].key.Leaf
		}
		return ordered[i].key.Index < ordered[j].key.Index
	})

	used := make(map[int64]bool, len(ordered))
	k := len(ordered)
	for i, b := range ordered {
		pos := int((float64(i) + 0.5) * float64(len(distinct)) / float64(k))
		b.value = distinct[pos]
		used[b.value] = true
	}

	set.residualSample = set.residualSample[:0]
	for _, v := range col.SortedSample() {
		if !used[v] {
			set.residualSample = append(set.residualSample, v)
		}
	}
	if len(set.residualSample) == 0 && set.residual > MassEpsilon {
		// Every sampled value is claimed; residual rows take a value just
		// past the domain so they never match an equality.
		fresh := int64(0)
		if len(distinct) > 0 {
			fresh = distinct[len(distinct)-1] + 1
		}
		set.residualSample = []int64{fresh}
	}
	return nil
}

// Draw returns the values assigned to a leaf's buckets, ordered by
// parameter index.
func (r *Registry) Draw(name models.CanonicalColumnName, leaf int) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.phase != PhaseFinalized {
		return nil, fmt.Errorf("%w: draw from %s before finalize", apperrors.ErrPhaseViolation, name)
	}
	set, ok := r.buckets[name]
	if !ok {
		return nil, fmt.Errorf("column %s: %w", name, apperrors.ErrNotFound)
	}
	var found []*bucket
	for _, b := range set.buckets {
		if b.key.Leaf == leaf {
			found = append(found, b)
		}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("column %s has no buckets for leaf %d: %w", name, leaf, apperrors.ErrNotFound)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].key.Index < found[j].key.Index })
	out := make([]int64, len(found))
	for i, b := range found {
		out[i] = b.value
	}
	return out, nil
}

// TotalMass returns the absolute probability mass of a column's partition:
// null share plus every bucket plus the residual. It is 1 for every
// finalized column.
func (r *Registry) TotalMass(name models.CanonicalColumnName) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	col, ok := r.columns[name]
	if !ok {
		return 0, fmt.Errorf("column %s: %w", name, apperrors.ErrNotFound)
	}
	set := r.buckets[name]
	nonNull := 1 - col.NullRate()
	total := col.NullRate() + nonNull*set.residual
	for _, b := range set.buckets {
		total += nonNull * b.mass
	}
	return total, nil
}

// AddSchema builds and registers every column of the schema document.
func (r *Registry) AddSchema(doc *models.SchemaDocument) error {
	for _, t := range doc.Tables {
		for _, spec := range t.Columns {
			col, err := NewColumn(t.Name, spec)
			if err != nil {
				return err
			}
			if err := r.Add(col); err != nil {
				return err
			}
		}
	}
	return nil
}
