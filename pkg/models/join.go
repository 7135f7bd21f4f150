package models

import (
	"fmt"
	"strings"
)

// JoinType is the join semantics an FK-join node was observed with.
type JoinType string

const (
	JoinTypeInner    JoinType = "INNER"
	JoinTypeSemi     JoinType = "SEMI"
	JoinTypeAntiSemi JoinType = "ANTI_SEMI"
	JoinTypeOuter    JoinType = "OUTER"
	JoinTypeAnti     JoinType = "ANTI"
)

// ParseJoinType maps a join type name to a JoinType. Empty means INNER.
func ParseJoinType(s string) (JoinType, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_")) {
	case "", "INNER":
		return JoinTypeInner, nil
	case "SEMI", "LEFT_SEMI", "RIGHT_SEMI":
		return JoinTypeSemi, nil
	case "ANTI_SEMI", "LEFT_ANTI_SEMI", "RIGHT_ANTI_SEMI":
		return JoinTypeAntiSemi, nil
	case "OUTER", "LEFT_OUTER", "RIGHT_OUTER":
		return JoinTypeOuter, nil
	case "ANTI":
		return JoinTypeAnti, nil
	}
	return "", fmt.Errorf("unknown join type %q", s)
}

// HasOutputEquality reports join types whose observed output row count is
// an equality constraint on the FK side.
func (j JoinType) HasOutputEquality() bool {
	return j == JoinTypeInner || j == JoinTypeSemi
}

// HasCardinalityConstraint reports join types whose matching rows are capped
// by the distinct PK groups available on the referenced table.
func (j JoinType) HasCardinalityConstraint() bool {
	switch j {
	case JoinTypeSemi, JoinTypeAntiSemi, JoinTypeOuter, JoinTypeAnti:
		return true
	}
	return false
}
