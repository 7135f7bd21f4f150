package joinstatus

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-synth/pkg/chain"
	"github.com/ekaya-inc/ekaya-synth/pkg/models"
	"github.com/ekaya-inc/ekaya-synth/pkg/solver"
)

// Options configures model construction for one table.
type Options struct {
	// MaxFanout is the number of tiers of the distinct-count layer: the
	// largest number of FK rows one PK group may receive.
	MaxFanout int
	// Fraction is the share of the table held by this shard. Observed
	// counts are scaled by it; 0 means 1.
	Fraction float64
}

// Groups maps a PK-side status word to the number of PK rows carrying it.
type Groups map[uint64]int64

// Assignment is the solved row count of one class.
type Assignment struct {
	FilterStatus Status
	JoinStatus   Status
	Count        int64
}

type chainEntry struct {
	result     *chain.Result
	filterBase int
	joinBase   int
	// filtersBefore[k] is the number of filter nodes preceding FK node k.
	filtersBefore []int
}

// Builder collects the evaluated chains of one table and turns them into
// an integer model over row classes.
type Builder struct {
	table  string
	rows   int
	opts   Options
	logger *zap.Logger

	chains  []*chainEntry
	filters int
	joins   int
	refs    map[string]Groups
}

// NewBuilder creates a builder for a table shard of rows rows.
func NewBuilder(table string, rows int, opts Options, logger *zap.Logger) *Builder {
	if opts.MaxFanout < 1 {
		opts.MaxFanout = 1
	}
	if opts.Fraction <= 0 {
		opts.Fraction = 1
	}
	return &Builder{
		table:  table,
		rows:   rows,
		opts:   opts,
		logger: logger.Named("joinstatus").With(zap.String("table", table)),
		refs:   make(map[string]Groups),
	}
}

// AddResult registers the evaluation result of one chain on the table.
func (b *Builder) AddResult(res *chain.Result) error {
	c := res.Chain
	if c.Table != b.table {
		return fmt.Errorf("chain %s belongs to %s, not %s", c.Name(), c.Table, b.table)
	}
	if len(res.Flag) != b.rows {
		return fmt.Errorf("chain %s evaluated %d rows, expected %d", c.Name(), len(res.Flag), b.rows)
	}

	e := &chainEntry{result: res, filterBase: b.filters, joinBase: b.joins}
	filters := 0
	for _, n := range c.Nodes {
		switch n.Kind {
		case chain.NodeFilter:
			filters++
		case chain.NodeFKJoin:
			e.filtersBefore = append(e.filtersBefore, filters)
		}
	}
	if len(res.FilterPass) != filters {
		return fmt.Errorf("chain %s has %d filter nodes but %d filter results", c.Name(), filters, len(res.FilterPass))
	}
	if b.filters+filters > MaxPositions || b.joins+len(e.filtersBefore) > MaxPositions {
		return fmt.Errorf("%w: table %s needs more than %d status positions",
			apperrors.ErrInconsistentModel, b.table, MaxPositions)
	}
	b.filters += filters
	b.joins += len(e.filtersBefore)
	b.chains = append(b.chains, e)
	return nil
}

// SetReferenced supplies the merged PK groups of a referenced table.
func (b *Builder) SetReferenced(table string, groups Groups) {
	b.refs[table] = groups
}

// Histogram counts the rows of every filter status.
func (b *Builder) Histogram() map[Status]int64 {
	hist := make(map[Status]int64)
	for r := 0; r < b.rows; r++ {
		s := NewStatus(b.filters)
		for _, e := range b.chains {
			for f, pass := range e.result.FilterPass {
				if pass[r] {
					s = s.With(e.filterBase+f, true)
				}
			}
		}
		hist[s]++
	}
	return hist
}

type class struct {
	filter Status
	join   Status
	// pattern[c] is the number of leading FK nodes of chain c the class
	// passes.
	pattern []int
	v       solver.Var
}

// canBeInput reports whether rows of filter status fs can pass the first j
// FK nodes of e: every filter preceding FK node j must have passed.
func canBeInput(fs Status, e *chainEntry, j int) bool {
	if j == 0 {
		return true
	}
	nf := e.filtersBefore[j-1]
	return nf == 0 || fs.Bit(e.filterBase+nf-1)
}

// reaches reports whether rows of cl are present at FK node k of chain c.
func (b *Builder) reaches(cl *class, c, k int) bool {
	e := b.chains[c]
	if cl.pattern[c] < k {
		return false
	}
	nf := e.filtersBefore[k]
	return nf == 0 || cl.filter.Bit(e.filterBase+nf-1)
}

func (b *Builder) enumerate(statuses []Status) []*class {
	var out []*class
	pattern := make([]int, len(b.chains))
	for _, fs := range statuses {
		var walk func(c int)
		walk = func(c int) {
			if c == len(b.chains) {
				js := NewStatus(b.joins)
				for ci, e := range b.chains {
					for k := 0; k < pattern[ci]; k++ {
						js = js.With(e.joinBase+k, true)
					}
				}
				out = append(out, &class{filter: fs, join: js, pattern: append([]int(nil), pattern...)})
				return
			}
			e := b.chains[c]
			for j := 0; j <= len(e.filtersBefore); j++ {
				if !canBeInput(fs, e, j) {
					break
				}
				pattern[c] = j
				walk(c + 1)
			}
		}
		walk(0)
	}
	return out
}

func (b *Builder) scale(n int64) int64 {
	return int64(math.Round(float64(n) * b.opts.Fraction))
}

// Problem is a built model ready to be solved.
type Problem struct {
	table   string
	model   *solver.Model
	classes []*class
	hist    map[Status]int64
}

// NumClasses returns the number of row-class variables.
func (p *Problem) NumClasses() int { return len(p.classes) }

// Histogram returns the filter-status histogram the model was built from.
func (p *Problem) Histogram() map[Status]int64 { return p.hist }

type capKey struct {
	table string
	key   uint64
}

type capGroup struct {
	tag     int
	members map[int]bool
}

// Build creates the integer model. Unreachable classes are pruned before
// any variable is created.
func (b *Builder) Build() (*Problem, error) {
	hist := b.Histogram()
	statuses := make([]Status, 0, len(hist))
	for s := range hist {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Less(statuses[j]) })

	classes := b.enumerate(statuses)
	m := solver.NewModel()
	byFilter := make(map[Status][]solver.Var, len(hist))
	for _, cl := range classes {
		cl.v = m.NewVar(fmt.Sprintf("x[%s|%s]", cl.filter, cl.join), 0, hist[cl.filter])
		byFilter[cl.filter] = append(byFilter[cl.filter], cl.v)
	}
	for _, fs := range statuses {
		m.Add("histogram "+fs.String(), solver.Sum(byFilter[fs]...), solver.Equal, float64(hist[fs]))
	}

	caps := make(map[capKey]*capGroup)
	var capOrder []capKey
	for c, e := range b.chains {
		ch := e.result.Chain
		for k, idx := range ch.FKJoins() {
			n := ch.Nodes[idx]
			name := fmt.Sprintf("%s fk%d", ch.Name(), k)
			var pass, presentFail []int
			for i, cl := range classes {
				switch {
				case cl.pattern[c] > k:
					pass = append(pass, i)
				case b.reaches(cl, c, k):
					presentFail = append(presentFail, i)
				}
			}
			b.addOutput(m, name, n, vars(classes, pass), vars(classes, presentFail))
			if n.DistinctCount > 0 {
				b.addDistinct(m, name, n, vars(classes, pass))
			}
			if n.JoinType.HasCardinalityConstraint() {
				key := capKey{table: n.RefTable, key: refKey(n)}
				g, ok := caps[key]
				if !ok {
					g = &capGroup{tag: n.Tag, members: make(map[int]bool)}
					caps[key] = g
					capOrder = append(capOrder, key)
				}
				for _, i := range pass {
					g.members[i] = true
				}
			}
		}
	}

	for _, key := range capOrder {
		groups, ok := b.refs[key.table]
		if !ok {
			return nil, fmt.Errorf("%w: join info of %s referenced by %s", apperrors.ErrNotFound, key.table, b.table)
		}
		g := caps[key]
		var limit int64
		for word, n := range groups {
			if chain.ProjectTag(word, g.tag) == key.key {
				limit += n
			}
		}
		members := make([]int, 0, len(g.members))
		for i := range g.members {
			members = append(members, i)
		}
		sort.Ints(members)
		m.Add(fmt.Sprintf("cap %s/%x", key.table, key.key), solver.Sum(vars(classes, members)...),
			solver.LessEq, float64(b.scale(limit)))
	}

	b.logger.Debug("Join status model built",
		zap.Int("filter_statuses", len(hist)),
		zap.Int("classes", len(classes)),
		zap.Int("variables", m.NumVars()),
		zap.Int("constraints", m.NumConstraints()))
	return &Problem{table: b.table, model: m, classes: classes, hist: hist}, nil
}

// addOutput constrains the rows passing an FK node: to the observed output
// count for inner and semi joins, otherwise to within half a row of the
// join probability times the rows reaching the node.
func (b *Builder) addOutput(m *solver.Model, name string, n *chain.Node, pass, presentFail []solver.Var) {
	if n.JoinType.HasOutputEquality() && n.OutputCount > 0 {
		m.Add(name+" output", solver.Sum(pass...), solver.Equal, float64(b.scale(n.OutputCount)))
		return
	}
	p, _ := n.Probability.Float64()
	terms := make([]solver.Term, 0, len(pass)+len(presentFail))
	for _, v := range pass {
		terms = append(terms, solver.Term{Var: v, Coef: 1 - p})
	}
	for _, v := range presentFail {
		terms = append(terms, solver.Term{Var: v, Coef: -p})
	}
	m.Add(name+" ratio upper", terms, solver.LessEq, 0.5)
	m.Add(name+" ratio lower", terms, solver.GreaterEq, -0.5)
}

// addDistinct links the passing rows to the distinct PK groups they hit.
// Tier c counts the groups with at least c FK rows, so tier 1 is the
// distinct count, tiers never grow and their sum is the passing rows.
func (b *Builder) addDistinct(m *solver.Model, name string, n *chain.Node, pass []solver.Var) {
	d := b.scale(n.DistinctCount)
	tiers := make([]solver.Var, b.opts.MaxFanout)
	for c := range tiers {
		tiers[c] = m.NewVar(fmt.Sprintf("%s tier%d", name, c+1), 0, d)
	}
	m.Add(name+" distinct", solver.Sum(tiers[0]), solver.Equal, float64(d))
	for c := 1; c < len(tiers); c++ {
		m.Add(fmt.Sprintf("%s tier%d", name, c+1),
			[]solver.Term{{Var: tiers[c], Coef: 1}, {Var: tiers[c-1], Coef: -1}}, solver.LessEq, 0)
	}
	terms := solver.Sum(tiers...)
	for _, v := range pass {
		terms = append(terms, solver.Term{Var: v, Coef: -1})
	}
	m.Add(name+" fanout", terms, solver.Equal, 0)
}

// refKey is the projected PK-side word FK rows of n may match.
func refKey(n *chain.Node) uint64 {
	switch n.JoinType {
	case models.JoinTypeAntiSemi, models.JoinTypeAnti:
		return chain.FailKey(n.Tag)
	}
	return chain.PassKey(n.Tag)
}

func vars(classes []*class, idx []int) []solver.Var {
	out := make([]solver.Var, len(idx))
	for i, j := range idx {
		out[i] = classes[j].v
	}
	return out
}

// Solve returns the non-zero class counts ordered by filter status, then
// join status.
func (p *Problem) Solve(ctx context.Context, opts solver.Options) ([]Assignment, error) {
	sol, err := p.model.Solve(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", p.table, err)
	}
	var out []Assignment
	for _, cl := range p.classes {
		if n := sol.Value(cl.v); n > 0 {
			out = append(out, Assignment{FilterStatus: cl.filter, JoinStatus: cl.join, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FilterStatus != out[j].FilterStatus {
			return out[i].FilterStatus.Less(out[j].FilterStatus)
		}
		return out[i].JoinStatus.Less(out[j].JoinStatus)
	})
	return out, nil
}
