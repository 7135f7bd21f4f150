package models

import "github.com/google/uuid"

// Output is the result of one generation run on one shard.
type Output struct {
	RunID      uuid.UUID          `json:"run_id"`
	ShardID    int                `json:"shard_id"`
	Parameters []ParameterValue   `json:"parameters"`
	Tables     []TableAssignments `json:"tables"`
}

// ParameterValue maps a parameter id to its concrete literal.
type ParameterValue struct {
	ID    int    `json:"id"`
	Value string `json:"value"`
}

// TableAssignments holds the bulk row counts for one table.
type TableAssignments struct {
	Table       string               `json:"table"`
	Rows        int64                `json:"rows"`
	Assignments []RowClassAssignment `json:"assignments"`
}

// RowClassAssignment is the number of rows to generate for one
// (filter-status, join-status) class. Statuses are rendered as bit strings.
type RowClassAssignment struct {
	FilterStatus string `json:"filter_status"`
	JoinStatus   string `json:"join_status"`
	Count        int64  `json:"count"`
}
