package models

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
)

// FixedPointScale is the precision constant for decimal values stored in
// Parameter.Data and in materialized column vectors.
const FixedPointScale = 10_000

// CompareOperator is the closed set of comparison operators a leaf predicate
// may carry.
type CompareOperator string

const (
	OpGE        CompareOperator = "GE"
	OpGT        CompareOperator = "GT"
	OpLE        CompareOperator = "LE"
	OpLT        CompareOperator = "LT"
	OpEQ        CompareOperator = "EQ"
	OpNE        CompareOperator = "NE"
	OpLike      CompareOperator = "LIKE"
	OpNotLike   CompareOperator = "NOT_LIKE"
	OpIn        CompareOperator = "IN"
	OpNotIn     CompareOperator = "NOT_IN"
	OpIsNull    CompareOperator = "ISNULL"
	OpIsNotNull CompareOperator = "IS_NOT_NULL"
	// OpRange is produced only by merging a lower and an upper bound on the
	// same column; documents never carry it.
	OpRange CompareOperator = "RANGE"
)

var operatorAliases = map[string]CompareOperator{
	"GE": OpGE, ">=": OpGE,
	"GT": OpGT, ">": OpGT,
	"LE": OpLE, "<=": OpLE,
	"LT": OpLT, "<": OpLT,
	"EQ": OpEQ, "=": OpEQ,
	"NE": OpNE, "<>": OpNE, "!=": OpNE,
	"LIKE": OpLike, "NOT_LIKE": OpNotLike,
	"IN": OpIn, "NOT_IN": OpNotIn,
	"ISNULL": OpIsNull, "IS_NULL": OpIsNull,
	"IS_NOT_NULL": OpIsNotNull, "NOTNULL": OpIsNotNull,
}

// ParseCompareOperator accepts both operator names and SQL symbols.
// RANGE is rejected because it only exists after merging.
func ParseCompareOperator(s string) (CompareOperator, error) {
	op, ok := operatorAliases[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: operator %q", apperrors.ErrUnsupportedPredicate, s)
	}
	return op, nil
}

// IsLowerBound reports GE and GT.
func (o CompareOperator) IsLowerBound() bool { return o == OpGE || o == OpGT }

// IsUpperBound reports LE and LT.
func (o CompareOperator) IsUpperBound() bool { return o == OpLE || o == OpLT }

// IsBound reports any of GE, GT, LE, LT.
func (o CompareOperator) IsBound() bool { return o.IsLowerBound() || o.IsUpperBound() }

// IsExclusive reports GT and LT.
func (o CompareOperator) IsExclusive() bool { return o == OpGT || o == OpLT }

// IsEqualityFamily reports operators instantiated from probability buckets.
func (o CompareOperator) IsEqualityFamily() bool {
	switch o {
	case OpEQ, OpNE, OpIn, OpNotIn, OpLike, OpNotLike:
		return true
	}
	return false
}

// IsNullCheck reports ISNULL and IS_NOT_NULL.
func (o CompareOperator) IsNullCheck() bool { return o == OpIsNull || o == OpIsNotNull }

// IsNegative reports the negated forms.
func (o CompareOperator) IsNegative() bool {
	switch o {
	case OpNE, OpNotIn, OpNotLike, OpIsNotNull:
		return true
	}
	return false
}

// Parameter is a comparison operand that is created while reading a chain
// document, instantiated exactly once, and immutable afterwards.
type Parameter struct {
	// ID is stable and used to substitute the value back into query text.
	ID int `json:"id"`
	// Data is the encoded value (fixed-point for decimals, codec index for
	// strings) used by row evaluation.
	Data int64 `json:"-"`
	// Value is the human readable literal.
	Value        string `json:"value"`
	Instantiated bool   `json:"-"`
	// Preset is the literal supplied by the chain document, if any.
	Preset *string `json:"-"`
}

// Instantiate sets the parameter value. It may be called only once.
func (p *Parameter) Instantiate(data int64, value string) error {
	if p.Instantiated {
		return fmt.Errorf("%w: parameter %d instantiated twice", apperrors.ErrPhaseViolation, p.ID)
	}
	p.Data = data
	p.Value = value
	p.Instantiated = true
	return nil
}

func (p *Parameter) String() string {
	if !p.Instantiated {
		return fmt.Sprintf("$%d", p.ID)
	}
	return fmt.Sprintf("$%d=%s", p.ID, p.Value)
}
