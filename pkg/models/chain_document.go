package models

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Chain node types as they appear in the chain document.
const (
	ChainNodeFilter = "filter"
	ChainNodePKJoin = "pk_join"
	ChainNodeFKJoin = "fk_join"
)

// ChainDocument is the per-query list of constraint chains extracted from
// execution plans.
type ChainDocument struct {
	Queries []QuerySpec `json:"queries"`
}

// QuerySpec groups the chains of one query.
type QuerySpec struct {
	ID     string      `json:"id"`
	Chains []ChainSpec `json:"chains"`
}

// ChainSpec is one table occurrence in one query.
type ChainSpec struct {
	Table string          `json:"table"`
	Nodes []ChainNodeSpec `json:"nodes"`
}

// ChainNodeSpec is a filter, PK-join or FK-join node. Fields not relevant to
// the node type are ignored.
type ChainNodeSpec struct {
	Type        string          `json:"type"`
	Probability decimal.Decimal `json:"probability"`
	Predicate   *PredicateSpec  `json:"predicate,omitempty"`

	Tag        int      `json:"tag,omitempty"`
	Columns    []string `json:"columns,omitempty"`
	RefTable   string   `json:"ref_table,omitempty"`
	RefColumns []string `json:"ref_columns,omitempty"`
	JoinType   string   `json:"join_type,omitempty"`
	// OutputCount is the observed join output row count; 0 means unknown.
	OutputCount int64 `json:"output_count,omitempty"`
	// DistinctCount is the observed number of distinct PK groups used by the
	// join output; 0 means unconstrained.
	DistinctCount int64 `json:"distinct_count,omitempty"`
}

// PredicateSpec is the already-parsed predicate tree of a filter node.
type PredicateSpec struct {
	Op       string          `json:"op"`
	Children []PredicateSpec `json:"children,omitempty"`
	Column   string          `json:"column,omitempty"`
	Expr     *ArithSpec      `json:"expr,omitempty"`
	Params   []ParameterSpec `json:"params,omitempty"`
}

// ParameterSpec is a placeholder in the original query text.
type ParameterSpec struct {
	ID int `json:"id"`
	// Value fixes the parameter instead of instantiating it. It may be
	// written as a string, number or boolean.
	Value json.RawMessage `json:"value,omitempty"`
}

// ArithSpec is an arithmetic expression over several columns. Exactly one
// of Column, Const or Op is set.
type ArithSpec struct {
	Op     string          `json:"op,omitempty"`
	Column string          `json:"column,omitempty"`
	Const  json.RawMessage `json:"const,omitempty"`
	Left   *ArithSpec      `json:"left,omitempty"`
	Right  *ArithSpec      `json:"right,omitempty"`
}

// ParseChainDocument decodes a JSON chain document.
func ParseChainDocument(data []byte) (*ChainDocument, error) {
	var doc ChainDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode chain document: %w", err)
	}
	ids := make(map[string]bool, len(doc.Queries))
	for _, q := range doc.Queries {
		if ids[q.ID] {
			return nil, fmt.Errorf("duplicate query id %q", q.ID)
		}
		ids[q.ID] = true
		for _, c := range q.Chains {
			for _, n := range c.Nodes {
				switch n.Type {
				case ChainNodeFilter:
					if n.Predicate == nil {
						return nil, fmt.Errorf("query %s table %s: filter node without predicate", q.ID, c.Table)
					}
				case ChainNodePKJoin, ChainNodeFKJoin:
				default:
					return nil, fmt.Errorf("query %s table %s: unknown node type %q", q.ID, c.Table, n.Type)
				}
			}
		}
	}
	return &doc, nil
}
