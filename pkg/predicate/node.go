// Package predicate holds the boolean predicate tree of a filter node, the
// algorithm that distributes a target probability to its leaves, the
// instantiation of leaf parameters, and row-level evaluation.
package predicate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ekaya-inc/ekaya-synth/pkg/models"
)

// Kind tags the variant held by a Node.
type Kind int

const (
	KindLeaf Kind = iota
	KindAnd
	KindOr
)

func (k Kind) String() string {
	switch k {
	case KindAnd:
		return "AND"
	case KindOr:
		return "OR"
	}
	return "LEAF"
}

// LeafKind tags the variant held by a Leaf.
type LeafKind int

const (
	// LeafUniVar compares one column against parameters.
	LeafUniVar LeafKind = iota
	// LeafMultiVar compares an arithmetic expression over several columns
	// against one parameter.
	LeafMultiVar
	// LeafRange is a merged lower and upper bound on one column.
	LeafRange
	// LeafIsNull is IS NULL or IS NOT NULL on one column.
	LeafIsNull
)

func (k LeafKind) String() string {
	switch k {
	case LeafMultiVar:
		return "multi-var"
	case LeafRange:
		return "range"
	case LeafIsNull:
		return "is-null"
	}
	return "uni-var"
}

// Node is an AND, an OR or a leaf. The tree is acyclic and every leaf holds
// exactly the parameters it instantiates.
type Node struct {
	Kind     Kind
	Children []*Node
	Leaf     *Leaf

	// reversed makes an AND/OR act as its dual for the duration of one
	// push-down call.
	reversed bool
}

// Bound is one side of a range leaf.
type Bound struct {
	Operator models.CompareOperator
	Param    *models.Parameter
}

// Leaf is a single comparison. Which fields are set depends on Kind.
type Leaf struct {
	ID       int
	Kind     LeafKind
	Operator models.CompareOperator
	Column   models.CanonicalColumnName
	Params   []*models.Parameter
	Expr     *Arith

	// Range leaves: Lower carries the GE/GT bound and Upper the LE/LT bound.
	// An inside range keeps rows passing both, an outside range keeps rows
	// passing either.
	Lower   *Bound
	Upper   *Bound
	Outside bool

	// Probability is assigned by push-down.
	Probability decimal.Decimal
}

// And builds an AND node.
func And(children ...*Node) *Node {
	return &Node{Kind: KindAnd, Children: children}
}

// Or builds an OR node. Push-down only accepts two children; longer
// disjunctions are nested with NestedOr.
func Or(children ...*Node) *Node {
	return &Node{Kind: KindOr, Children: children}
}

// NestedOr folds a disjunction of any length into nested binary ORs.
func NestedOr(children ...*Node) *Node {
	switch len(children) {
	case 0:
		return Or()
	case 1:
		return children[0]
	case 2:
		return Or(children[0], children[1])
	}
	return Or(children[0], NestedOr(children[1:]...))
}

// LeafNode wraps a leaf.
func LeafNode(l *Leaf) *Node {
	return &Node{Kind: KindLeaf, Leaf: l}
}

// Compare builds a uni-variable leaf.
func Compare(id int, column models.CanonicalColumnName, op models.CompareOperator, params ...*models.Parameter) *Node {
	return LeafNode(&Leaf{ID: id, Kind: LeafUniVar, Operator: op, Column: column, Params: params})
}

// CompareExpr builds a multi-variable leaf.
func CompareExpr(id int, expr *Arith, op models.CompareOperator, param *models.Parameter) *Node {
	return LeafNode(&Leaf{ID: id, Kind: LeafMultiVar, Operator: op, Expr: expr, Params: []*models.Parameter{param}})
}

// IsNull builds an IS NULL (or IS NOT NULL when negated) leaf.
func IsNull(id int, column models.CanonicalColumnName, negated bool) *Node {
	op := models.OpIsNull
	if negated {
		op = models.OpIsNotNull
	}
	return LeafNode(&Leaf{ID: id, Kind: LeafIsNull, Operator: op, Column: column})
}

// effectiveKind is the kind after applying a pending reversal.
func (n *Node) effectiveKind() Kind {
	if !n.reversed {
		return n.Kind
	}
	switch n.Kind {
	case KindAnd:
		return KindOr
	case KindOr:
		return KindAnd
	}
	return n.Kind
}

func (n *Node) reverse() { n.reversed = !n.reversed }

// Columns returns the sorted set of columns referenced in the subtree.
func (n *Node) Columns() []models.CanonicalColumnName {
	set := make(map[models.CanonicalColumnName]bool)
	n.collectColumns(set)
	out := make([]models.CanonicalColumnName, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (n *Node) collectColumns(set map[models.CanonicalColumnName]bool) {
	if n.Kind == KindLeaf {
		for _, c := range n.Leaf.Columns() {
			set[c] = true
		}
		return
	}
	for _, c := range n.Children {
		c.collectColumns(set)
	}
}

// Leaves returns the leaves of the subtree in evaluation order.
func (n *Node) Leaves() []*Leaf {
	if n.Kind == KindLeaf {
		return []*Leaf{n.Leaf}
	}
	var out []*Leaf
	for _, c := range n.Children {
		out = append(out, c.Leaves()...)
	}
	return out
}

// Parameters returns every parameter in the subtree.
func (n *Node) Parameters() []*models.Parameter {
	var out []*models.Parameter
	for _, l := range n.Leaves() {
		out = append(out, l.Parameters()...)
	}
	return out
}

// Columns returns the columns a leaf reads.
func (l *Leaf) Columns() []models.CanonicalColumnName {
	if l.Kind == LeafMultiVar {
		return l.Expr.Columns()
	}
	return []models.CanonicalColumnName{l.Column}
}

// Parameters returns the leaf's parameters including range bounds.
func (l *Leaf) Parameters() []*models.Parameter {
	if l.Kind == LeafRange {
		return []*models.Parameter{l.Lower.Param, l.Upper.Param}
	}
	return l.Params
}

func (n *Node) String() string {
	if n.Kind == KindLeaf {
		return n.Leaf.String()
	}
	parts := make([]string, len(n.Children))
	for i, c := range n.Children {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, " "+n.Kind.String()+" ") + ")"
}

func (l *Leaf) String() string {
	switch l.Kind {
	case LeafIsNull:
		return fmt.Sprintf("%s %s", l.Column, l.Operator)
	case LeafRange:
		join := "AND"
		if l.Outside {
			join = "OR"
		}
		return fmt.Sprintf("(%s %s %s %s %s %s %s)", l.Column, l.Lower.Operator, l.Lower.Param,
			join, l.Column, l.Upper.Operator, l.Upper.Param)
	case LeafMultiVar:
		return fmt.Sprintf("%s %s %s", l.Expr, l.Operator, l.Params[0])
	}
	params := make([]string, len(l.Params))
	for i, p := range l.Params {
		params[i] = p.String()
	}
	return fmt.Sprintf("%s %s %s", l.Column, l.Operator, strings.Join(params, ","))
}
