package models

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
)

// SchemaDocument describes the tables to synthesize together with the
// observed statistics of every column.
type SchemaDocument struct {
	Tables []TableSpec `yaml:"tables" json:"tables"`
}

// TableSpec is one table of the schema document. Name is schema.table.
type TableSpec struct {
	Name        string           `yaml:"name" json:"name"`
	Size        int64            `yaml:"size" json:"size"`
	PrimaryKey  []string         `yaml:"primary_key" json:"primary_key,omitempty"`
	Columns     []ColumnSpec     `yaml:"columns" json:"columns"`
	ForeignKeys []ForeignKeySpec `yaml:"foreign_keys" json:"foreign_keys,omitempty"`
}

// ColumnSpec carries the statistics the column abstraction exposes.
// Min, Max and Sample are literals in the column's own type.
type ColumnSpec struct {
	Name     string     `yaml:"name" json:"name"`
	Type     ColumnType `yaml:"type" json:"type"`
	NullRate float64    `yaml:"null_rate" json:"null_rate"`
	NDV      int64      `yaml:"ndv" json:"ndv"`
	Min      string     `yaml:"min" json:"min,omitempty"`
	Max      string     `yaml:"max" json:"max,omitempty"`
	Sample   []string   `yaml:"sample" json:"sample,omitempty"`
}

// ForeignKeySpec references a primary key column of another table.
type ForeignKeySpec struct {
	Column    string `yaml:"column" json:"column"`
	RefTable  string `yaml:"ref_table" json:"ref_table"`
	RefColumn string `yaml:"ref_column" json:"ref_column"`
}

// ParseSchemaDocument decodes and validates a YAML schema document.
func ParseSchemaDocument(data []byte) (*SchemaDocument, error) {
	var doc SchemaDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode schema document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate normalizes column types and checks references.
func (d *SchemaDocument) Validate() error {
	seen := make(map[string]bool, len(d.Tables))
	for ti := range d.Tables {
		t := &d.Tables[ti]
		if strings.Count(t.Name, ".") != 1 {
			return fmt.Errorf("table %q must be schema.table", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		seen[t.Name] = true
		if t.Size < 0 {
			return fmt.Errorf("table %q has negative size", t.Name)
		}
		for ci := range t.Columns {
			c := &t.Columns[ci]
			typ, err := ParseColumnType(string(c.Type))
			if err != nil {
				return fmt.Errorf("column %s.%s: %w", t.Name, c.Name, err)
			}
			c.Type = typ
			if c.NullRate < 0 || c.NullRate > 1 {
				return fmt.Errorf("column %s.%s: %w: null_rate %v",
					t.Name, c.Name, apperrors.ErrProbabilityOutOfRange, c.NullRate)
			}
		}
	}
	for _, t := range d.Tables {
		for _, fk := range t.ForeignKeys {
			ref := d.Table(fk.RefTable)
			if ref == nil {
				return fmt.Errorf("table %s: foreign key references %q: %w", t.Name, fk.RefTable, apperrors.ErrNotFound)
			}
			if ref.Column(fk.RefColumn) == nil {
				return fmt.Errorf("table %s: foreign key references %s.%s: %w",
					t.Name, fk.RefTable, fk.RefColumn, apperrors.ErrNotFound)
			}
		}
	}
	return nil
}

// Table returns the named table or nil.
func (d *SchemaDocument) Table(name string) *TableSpec {
	for i := range d.Tables {
		if d.Tables[i].Name == name {
			return &d.Tables[i]
		}
	}
	return nil
}

// Column returns the named column or nil.
func (t *TableSpec) Column(name string) *ColumnSpec {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// CanonicalName returns the canonical name of one of the table's columns.
func (t *TableSpec) CanonicalName(column string) CanonicalColumnName {
	return CanonicalColumnName(t.Name + "." + column)
}
