package models

import (
	"fmt"
	"strings"
)

// CanonicalColumnName is the fully-qualified schema.table.column identifier
// used as the key into column statistics.
type CanonicalColumnName string

// NewCanonicalColumnName joins the three name parts.
func NewCanonicalColumnName(schema, table, column string) CanonicalColumnName {
	return CanonicalColumnName(schema + "." + table + "." + column)
}

// Validate checks that the name has exactly three non-empty parts.
func (c CanonicalColumnName) Validate() error {
	parts := strings.Split(string(c), ".")
	if len(parts) != 3 {
		return fmt.Errorf("canonical column name %q must be schema.table.column", c)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("canonical column name %q has an empty part", c)
		}
	}
	return nil
}

// Table returns the schema.table prefix.
func (c CanonicalColumnName) Table() string {
	s := string(c)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return ""
}

// Column returns the bare column name.
func (c CanonicalColumnName) Column() string {
	s := string(c)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func (c CanonicalColumnName) String() string { return string(c) }

// ColumnType is the closed set of column types the synthesizer understands.
type ColumnType string

const (
	ColumnTypeInteger  ColumnType = "INTEGER"
	ColumnTypeDecimal  ColumnType = "DECIMAL"
	ColumnTypeDate     ColumnType = "DATE"
	ColumnTypeDateTime ColumnType = "DATETIME"
	ColumnTypeVarchar  ColumnType = "VARCHAR"
	ColumnTypeBool     ColumnType = "BOOL"
)

// ValidColumnTypes contains all valid column type values.
var ValidColumnTypes = []ColumnType{
	ColumnTypeInteger,
	ColumnTypeDecimal,
	ColumnTypeDate,
	ColumnTypeDateTime,
	ColumnTypeVarchar,
	ColumnTypeBool,
}

// ParseColumnType maps a (case-insensitive) type name, including common SQL
// aliases, to a ColumnType.
func ParseColumnType(s string) (ColumnType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INTEGER", "INT", "INT4", "INT8", "BIGINT", "SMALLINT":
		return ColumnTypeInteger, nil
	case "DECIMAL", "NUMERIC", "FLOAT", "FLOAT8", "DOUBLE", "REAL":
		return ColumnTypeDecimal, nil
	case "DATE":
		return ColumnTypeDate, nil
	case "DATETIME", "TIMESTAMP", "TIMESTAMPTZ":
		return ColumnTypeDateTime, nil
	case "VARCHAR", "TEXT", "CHAR", "STRING":
		return ColumnTypeVarchar, nil
	case "BOOL", "BOOLEAN":
		return ColumnTypeBool, nil
	}
	return "", fmt.Errorf("unknown column type %q", s)
}
