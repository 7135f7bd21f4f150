package chain

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-synth/pkg/columns"
	"github.com/ekaya-inc/ekaya-synth/pkg/predicate"
)

var decimalOne = decimal.NewFromInt(1)

// PushDown distributes the probability of every filter node to the leaves
// of its predicate.
func (c *Chain) PushDown(stats predicate.NullRates, logger *zap.Logger) error {
	for _, n := range c.Nodes {
		if n.Kind != NodeFilter {
			continue
		}
		leaves, err := n.Predicate.PushDown(n.Probability, stats, logger)
		if err != nil {
			return err
		}
		n.Leaves = leaves
	}
	return nil
}

// Leaves returns the pushed-down leaves of every filter node.
func (c *Chain) Leaves() []*predicate.Leaf {
	var out []*predicate.Leaf
	for _, n := range c.Nodes {
		out = append(out, n.Leaves...)
	}
	return out
}

// Instantiate gives every parameter of the chain a value. Preset leaves
// take their document literals, and leaves skipped by push-down are
// instantiated as unreachable.
func (c *Chain) Instantiate(reg *columns.Registry, ec predicate.EvalContext) error {
	for _, n := range c.Nodes {
		if n.Kind != NodeFilter {
			continue
		}
		for _, l := range n.Predicate.Leaves() {
			if _, err := predicate.ApplyPresets(l, reg); err != nil {
				return err
			}
		}
		// Merged range leaves share their parameters with the tree leaves.
		for _, l := range n.Leaves {
			if instantiated(l) {
				continue
			}
			if err := predicate.Instantiate(l, reg, ec); err != nil {
				return err
			}
		}
		if err := predicate.InstantiateUnreachable(n.Predicate, reg, ec); err != nil {
			return err
		}
	}
	return nil
}

func instantiated(l *predicate.Leaf) bool {
	for _, p := range l.Parameters() {
		if !p.Instantiated {
			return false
		}
	}
	return true
}
