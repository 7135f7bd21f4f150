// Package chain holds constraint chains: the ordered filter and join nodes
// one query applies to one table, and their row-level evaluation.
package chain

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-synth/pkg/models"
	"github.com/ekaya-inc/ekaya-synth/pkg/predicate"
	"github.com/ekaya-inc/ekaya-synth/pkg/rowvec"
)

// NodeKind tags the variant held by a Node.
type NodeKind int

const (
	NodeFilter NodeKind = iota
	NodePKJoin
	NodeFKJoin
)

func (k NodeKind) String() string {
	switch k {
	case NodePKJoin:
		return models.ChainNodePKJoin
	case NodeFKJoin:
		return models.ChainNodeFKJoin
	}
	return models.ChainNodeFilter
}

// Node is one step of a chain. Which fields are set depends on Kind.
type Node struct {
	Kind NodeKind

	// Filter and FK join.
	Probability decimal.Decimal

	// Filter.
	Predicate *predicate.Node
	// Leaves is the push-down result of Predicate.
	Leaves []*predicate.Leaf

	// PK and FK join.
	Tag     int
	Columns []models.CanonicalColumnName

	// FK join.
	RefTable   string
	RefColumns []models.CanonicalColumnName
	JoinType   models.JoinType
	// OutputCount and DistinctCount are 0 when not observed.
	OutputCount   int64
	DistinctCount int64
}

func (n *Node) String() string {
	switch n.Kind {
	case NodeFilter:
		return fmt.Sprintf("filter[%s] %s", n.Probability, n.Predicate)
	case NodePKJoin:
		return fmt.Sprintf("pk_join[tag=%d]", n.Tag)
	}
	return fmt.Sprintf("fk_join[tag=%d %s -> %s %s]", n.Tag, n.JoinType, n.RefTable, n.Probability)
}

// Chain is the ordered node list of one table occurrence in one query. A
// chain exclusively owns its nodes and their parameters.
type Chain struct {
	QueryID string
	// Index is the chain's position within its query.
	Index int
	Table string
	Nodes []*Node
}

// Name identifies the chain in logs and errors.
func (c *Chain) Name() string {
	return fmt.Sprintf("%s#%d(%s)", c.QueryID, c.Index, c.Table)
}

func (c *Chain) String() string {
	parts := make([]string, len(c.Nodes))
	for i, n := range c.Nodes {
		parts[i] = n.String()
	}
	return c.Name() + ": " + strings.Join(parts, " -> ")
}

// Parameters returns every parameter of the chain's filter nodes.
func (c *Chain) Parameters() []*models.Parameter {
	var out []*models.Parameter
	for _, n := range c.Nodes {
		if n.Kind == NodeFilter {
			out = append(out, n.Predicate.Parameters()...)
		}
	}
	return out
}

// Filters returns the indexes of the filter nodes in chain order.
func (c *Chain) Filters() []int {
	return c.indexes(NodeFilter)
}

// FKJoins returns the indexes of the FK-join nodes in chain order.
func (c *Chain) FKJoins() []int {
	return c.indexes(NodeFKJoin)
}

func (c *Chain) indexes(kind NodeKind) []int {
	var out []int
	for i, n := range c.Nodes {
		if n.Kind == kind {
			out = append(out, i)
		}
	}
	return out
}

// Result is the outcome of evaluating a chain over a row shard.
type Result struct {
	Chain *Chain
	// Flag marks rows that survive every node.
	Flag []bool
	// FilterPass holds, per filter node in chain order, the rows passing
	// that filter and every filter before it. Join outcomes are not folded
	// in; they belong to the join status.
	FilterPass [][]bool
}

// Evaluate runs the chain top to bottom over the rows of ec. Filter nodes
// conjoin their predicate into the running flag. FK-join nodes draw every
// present row against the join probability and record the outcome in fk.
// PK-join nodes record, for every row, whether it is still present in pk.
// The draws depend only on seed, the chain and the row's global index.
func (c *Chain) Evaluate(ctx context.Context, ec predicate.EvalContext, seed uint64, offset int64, pk, fk *TagBitmap) (*Result, error) {
	rows := ec.Rows.Rows()
	flag := ec.Pool.Fill(rows, true)
	filtersOnly := ec.Pool.Fill(rows, true)
	res := &Result{Chain: c}

	for i, n := range c.Nodes {
		switch n.Kind {
		case NodeFilter:
			keep, err := n.Predicate.Evaluate(ec)
			if err != nil {
				return nil, fmt.Errorf("chain %s node %d: %w", c.Name(), i, err)
			}
			ec.Pool.And(flag, keep)
			ec.Pool.And(filtersOnly, keep)
			res.FilterPass = append(res.FilterPass, append([]bool(nil), filtersOnly...))

		case NodeFKJoin:
			if fk == nil {
				return nil, fmt.Errorf("chain %s node %d: no FK bitmap", c.Name(), i)
			}
			p, _ := n.Probability.Float64()
			nodeSeed := seed ^ c.hash(i)
			err := ec.Pool.Run(ctx, rows, func(lo, hi int) error {
				src := rand.NewPCG(nodeSeed, 0)
				rng := rand.New(src)
				for r := lo; r < hi; r++ {
					if !flag[r] {
						continue
					}
					src.Seed(nodeSeed, uint64(offset)+uint64(r))
					pass := rng.Float64() < p
					if err := fk.Mark(r, n.Tag, pass); err != nil {
						return err
					}
					flag[r] = pass
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("chain %s node %d: %w", c.Name(), i, err)
			}

		case NodePKJoin:
			if pk == nil {
				return nil, fmt.Errorf("chain %s node %d: no PK bitmap", c.Name(), i)
			}
			for r := 0; r < rows; r++ {
				if err := pk.Mark(r, n.Tag, flag[r]); err != nil {
					return nil, fmt.Errorf("chain %s node %d: %w", c.Name(), i, err)
				}
			}

		default:
			return nil, fmt.Errorf("%w: chain node kind %d", apperrors.ErrUnsupportedPredicate, n.Kind)
		}
	}
	res.Flag = flag
	return res, nil
}

func (c *Chain) hash(node int) uint64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s/%d/%d", c.QueryID, c.Index, node)
	return h.Sum64()
}

// PassCount returns the number of surviving rows.
func (r *Result) PassCount() int64 { return rowvec.Count(r.Flag) }
