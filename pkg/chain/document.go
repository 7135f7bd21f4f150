package chain

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-synth/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-synth/pkg/models"
	"github.com/ekaya-inc/ekaya-synth/pkg/predicate"
)

// converter turns document nodes into chains. Leaf ids are unique across
// the whole document since equality buckets are keyed by them.
type converter struct {
	schema *models.SchemaDocument
	leafID int
	params map[int]bool
}

// FromDocument builds the chains of every query. Column references may be
// canonical (schema.table.column) or bare names of the chain's table.
func FromDocument(doc *models.ChainDocument, schema *models.SchemaDocument) ([]*Chain, error) {
	cv := &converter{schema: schema, params: make(map[int]bool)}
	var out []*Chain
	for _, q := range doc.Queries {
		for i, spec := range q.Chains {
			c, err := cv.chain(q.ID, i, spec)
			if err != nil {
				return nil, fmt.Errorf("query %s chain %d: %w", q.ID, i, err)
			}
			out = append(out, c)
		}
	}
	return out, nil
}

func (cv *converter) chain(queryID string, index int, spec models.ChainSpec) (*Chain, error) {
	if cv.schema.Table(spec.Table) == nil {
		return nil, fmt.Errorf("table %s: %w", spec.Table, apperrors.ErrNotFound)
	}
	c := &Chain{QueryID: queryID, Index: index, Table: spec.Table}
	for i, ns := range spec.Nodes {
		n, err := cv.node(spec.Table, ns)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		c.Nodes = append(c.Nodes, n)
	}
	return c, nil
}

func (cv *converter) node(table string, ns models.ChainNodeSpec) (*Node, error) {
	switch ns.Type {
	case models.ChainNodeFilter:
		if err := checkUnit(ns); err != nil {
			return nil, err
		}
		if ns.Predicate == nil {
			return nil, fmt.Errorf("filter node without predicate")
		}
		pred, err := cv.predicate(table, *ns.Predicate)
		if err != nil {
			return nil, err
		}
		return &Node{Kind: NodeFilter, Probability: ns.Probability, Predicate: pred}, nil

	case models.ChainNodePKJoin:
		cols, err := cv.columns(table, ns.Columns)
		if err != nil {
			return nil, err
		}
		if err := checkTag(ns.Tag); err != nil {
			return nil, err
		}
		return &Node{Kind: NodePKJoin, Tag: ns.Tag, Columns: cols}, nil

	case models.ChainNodeFKJoin:
		if err := checkUnit(ns); err != nil {
			return nil, err
		}
		if err := checkTag(ns.Tag); err != nil {
			return nil, err
		}
		if cv.schema.Table(ns.RefTable) == nil {
			return nil, fmt.Errorf("referenced table %s: %w", ns.RefTable, apperrors.ErrNotFound)
		}
		cols, err := cv.columns(table, ns.Columns)
		if err != nil {
			return nil, err
		}
		refs, err := cv.columns(ns.RefTable, ns.RefColumns)
		if err != nil {
			return nil, err
		}
		jt, err := models.ParseJoinType(ns.JoinType)
		if err != nil {
			return nil, err
		}
		if ns.OutputCount < 0 || ns.DistinctCount < 0 {
			return nil, fmt.Errorf("negative join counts on tag %d", ns.Tag)
		}
		return &Node{
			Kind:          NodeFKJoin,
			Probability:   ns.Probability,
			Tag:           ns.Tag,
			Columns:       cols,
			RefTable:      ns.RefTable,
			RefColumns:    refs,
			JoinType:      jt,
			OutputCount:   ns.OutputCount,
			DistinctCount: ns.DistinctCount,
		}, nil
	}
	return nil, fmt.Errorf("unknown node type %q", ns.Type)
}

func checkUnit(ns models.ChainNodeSpec) error {
	if ns.Probability.IsNegative() || ns.Probability.GreaterThan(decimalOne) {
		return fmt.Errorf("%w: %s node probability %s", apperrors.ErrProbabilityOutOfRange, ns.Type, ns.Probability)
	}
	return nil
}

func checkTag(tag int) error {
	if tag < 0 || tag >= MaxTags {
		return fmt.Errorf("join tag %d outside [0,%d)", tag, MaxTags)
	}
	return nil
}

func (cv *converter) columns(table string, names []string) ([]models.CanonicalColumnName, error) {
	out := make([]models.CanonicalColumnName, len(names))
	for i, name := range names {
		c, err := cv.column(table, name)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func (cv *converter) column(table, name string) (models.CanonicalColumnName, error) {
	canonical := models.CanonicalColumnName(name)
	if strings.Count(name, ".") != 2 {
		canonical = models.CanonicalColumnName(table + "." + name)
	}
	if err := canonical.Validate(); err != nil {
		return "", err
	}
	t := cv.schema.Table(canonical.Table())
	if t == nil || t.Column(canonical.Column()) == nil {
		return "", fmt.Errorf("column %s: %w", canonical, apperrors.ErrNotFound)
	}
	return canonical, nil
}

func (cv *converter) nextLeaf() int {
	cv.leafID++
	return cv.leafID
}

func (cv *converter) parameters(specs []models.ParameterSpec) ([]*models.Parameter, error) {
	out := make([]*models.Parameter, len(specs))
	for i, ps := range specs {
		if cv.params[ps.ID] {
			return nil, fmt.Errorf("parameter %d used twice", ps.ID)
		}
		cv.params[ps.ID] = true
		out[i] = &models.Parameter{ID: ps.ID}
		if len(ps.Value) > 0 && string(ps.Value) != "null" {
			lit := jsonutil.FlexibleStringValue(ps.Value)
			out[i].Preset = &lit
		}
	}
	return out, nil
}

func (cv *converter) predicate(table string, ps models.PredicateSpec) (*predicate.Node, error) {
	switch strings.ToLower(ps.Op) {
	case "and", "or":
		children := make([]*predicate.Node, len(ps.Children))
		for i, cs := range ps.Children {
			child, err := cv.predicate(table, cs)
			if err != nil {
				return nil, err
			}
			children[i] = child
		}
		if len(children) == 0 {
			return nil, fmt.Errorf("%w: empty %s", apperrors.ErrUnsupportedPredicate, ps.Op)
		}
		if strings.EqualFold(ps.Op, "and") {
			return predicate.And(children...), nil
		}
		return predicate.NestedOr(children...), nil
	}

	op, err := models.ParseCompareOperator(ps.Op)
	if err != nil {
		return nil, err
	}
	id := cv.nextLeaf()

	if op.IsNullCheck() {
		col, err := cv.column(table, ps.Column)
		if err != nil {
			return nil, err
		}
		return predicate.IsNull(id, col, op == models.OpIsNotNull), nil
	}

	params, err := cv.parameters(ps.Params)
	if err != nil {
		return nil, err
	}
	switch {
	case len(params) == 0:
		return nil, fmt.Errorf("%w: %s without parameters", apperrors.ErrUnsupportedPredicate, op)
	case len(params) > 1 && op != models.OpIn && op != models.OpNotIn:
		return nil, fmt.Errorf("%w: %s with %d parameters", apperrors.ErrUnsupportedPredicate, op, len(params))
	}

	if ps.Expr != nil {
		if op.IsEqualityFamily() {
			return nil, fmt.Errorf("%w: %s over an expression", apperrors.ErrUnsupportedPredicate, op)
		}
		expr, err := cv.arith(table, *ps.Expr)
		if err != nil {
			return nil, err
		}
		return predicate.CompareExpr(id, expr, op, params[0]), nil
	}

	col, err := cv.column(table, ps.Column)
	if err != nil {
		return nil, err
	}
	return predicate.Compare(id, col, op, params...), nil
}

func (cv *converter) arith(table string, as models.ArithSpec) (*predicate.Arith, error) {
	switch {
	case as.Column != "":
		col, err := cv.column(table, as.Column)
		if err != nil {
			return nil, err
		}
		return predicate.Col(col), nil
	case len(as.Const) > 0:
		v, err := jsonutil.FlexibleFloatValue(as.Const)
		if err != nil {
			return nil, err
		}
		return predicate.Const(v), nil
	}
	op, err := predicate.ParseArithOp(as.Op)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrUnsupportedPredicate, err)
	}
	if as.Left == nil || as.Right == nil {
		return nil, fmt.Errorf("%w: %s needs two operands", apperrors.ErrUnsupportedPredicate, as.Op)
	}
	left, err := cv.arith(table, *as.Left)
	if err != nil {
		return nil, err
	}
	right, err := cv.arith(table, *as.Right)
	if err != nil {
		return nil, err
	}
	return predicate.Binary(op, left, right), nil
}
