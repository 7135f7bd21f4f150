package postgres

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-synth/pkg/models"
)

// columnTypes maps information_schema data types onto synthesizable
// column types. Columns of other types are skipped.
var columnTypes = map[string]models.ColumnType{
	"smallint":                    models.ColumnTypeInteger,
	"integer":                     models.ColumnTypeInteger,
	"bigint":                      models.ColumnTypeInteger,
	"numeric":                     models.ColumnTypeDecimal,
	"real":                        models.ColumnTypeDecimal,
	"double precision":            models.ColumnTypeDecimal,
	"date":                        models.ColumnTypeDate,
	"timestamp without time zone": models.ColumnTypeDateTime,
	"boolean":                     models.ColumnTypeBool,
	"character varying":           models.ColumnTypeVarchar,
	"character":                   models.ColumnTypeVarchar,
	"text":                        models.ColumnTypeVarchar,
}

// Discover builds a schema document for every base table of schemaName and
// fills it from pg_stats. Only single-column primary and foreign keys are
// kept.
func (p *StatsProvider) Discover(ctx context.Context, schemaName string) (*models.SchemaDocument, error) {
	tables, err := p.discoverTables(ctx, schemaName)
	if err != nil {
		return nil, err
	}
	doc := &models.SchemaDocument{Tables: tables}
	byName := make(map[string]*models.TableSpec, len(doc.Tables))
	for i := range doc.Tables {
		t := &doc.Tables[i]
		byName[t.Name] = t
		if err := p.discoverColumns(ctx, schemaName, t); err != nil {
			return nil, err
		}
	}

	fks, err := p.discoverForeignKeys(ctx, schemaName)
	if err != nil {
		return nil, err
	}
	for _, fk := range fks {
		src, ok := byName[fk.table]
		if !ok || byName[fk.spec.RefTable] == nil {
			continue
		}
		if src.Column(fk.spec.Column) == nil || byName[fk.spec.RefTable].Column(fk.spec.RefColumn) == nil {
			p.logger.Debug("Skipping foreign key on unsupported column",
				zap.String("table", fk.table), zap.String("column", fk.spec.Column))
			continue
		}
		src.ForeignKeys = append(src.ForeignKeys, fk.spec)
	}

	p.logger.Info("Discovered schema",
		zap.String("schema", schemaName),
		zap.Int("tables", len(doc.Tables)),
		zap.Int("foreign_keys", len(fks)))
	if err := p.Enrich(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *StatsProvider) discoverTables(ctx context.Context, schemaName string) ([]models.TableSpec, error) {
	const query = `
		SELECT
			t.table_name,
			COALESCE(c.reltuples::bigint, 0) as row_count
		FROM information_schema.tables t
		JOIN pg_namespace n ON n.nspname = t.table_schema
		LEFT JOIN pg_class c ON c.relname = t.table_name AND c.relnamespace = n.oid
		WHERE t.table_type = 'BASE TABLE'
		  AND t.table_schema = $1
		ORDER BY t.table_name
	`

	rows, err := p.pool.Query(ctx, query, schemaName)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []models.TableSpec
	for rows.Next() {
		var name string
		var rowCount int64
		if err := rows.Scan(&name, &rowCount); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, models.TableSpec{
			Name: schemaName + "." + name,
			Size: max(rowCount, 0),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}

	return tables, nil
}

// discoverColumns fills the columns and primary key of t.
// Uses pg_index for primary key detection, which also finds primary keys
// created as unique indexes by ORMs.
func (p *StatsProvider) discoverColumns(ctx context.Context, schemaName string, t *models.TableSpec) error {
	const query = `
		SELECT
			c.column_name,
			c.data_type,
			COALESCE(pk.is_pk, false) as is_primary_key
		FROM information_schema.columns c
		LEFT JOIN (
			SELECT a.attname as column_name, true as is_pk
			FROM pg_index ix
			JOIN pg_class t ON t.oid = ix.indrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
			WHERE ix.indisprimary = true
			  AND n.nspname = $1
			  AND t.relname = $2
			  AND array_length(ix.indkey, 1) = 1  -- Single-column PKs only
		) pk ON c.column_name = pk.column_name
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position
	`

	_, tableName, _ := strings.Cut(t.Name, ".")
	rows, err := p.pool.Query(ctx, query, schemaName, tableName)
	if err != nil {
		return fmt.Errorf("query columns of %s: %w", t.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, dataType string
		var isPK bool
		if err := rows.Scan(&name, &dataType, &isPK); err != nil {
			return fmt.Errorf("scan column: %w", err)
		}
		typ, ok := columnTypes[dataType]
		if !ok {
			p.logger.Debug("Skipping column of unsupported type",
				zap.String("table", t.Name), zap.String("column", name), zap.String("data_type", dataType))
			continue
		}
		t.Columns = append(t.Columns, models.ColumnSpec{Name: name, Type: typ})
		if isPK {
			t.PrimaryKey = append(t.PrimaryKey, name)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate columns: %w", err)
	}
	return nil
}

type discoveredForeignKey struct {
	table string
	spec  models.ForeignKeySpec
}

func (p *StatsProvider) discoverForeignKeys(ctx context.Context, schemaName string) ([]discoveredForeignKey, error) {
	const query = `
		SELECT
			kcu.table_name as source_table,
			kcu.column_name as source_column,
			ccu.table_schema as target_schema,
			ccu.table_name as target_table,
			ccu.column_name as target_column
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name
			AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = $1
		ORDER BY kcu.table_name, kcu.column_name
	`

	rows, err := p.pool.Query(ctx, query, schemaName)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys: %w", err)
	}
	defer rows.Close()

	var fks []discoveredForeignKey
	for rows.Next() {
		var srcTable, srcColumn, dstSchema, dstTable, dstColumn string
		if err := rows.Scan(&srcTable, &srcColumn, &dstSchema, &dstTable, &dstColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		fks = append(fks, discoveredForeignKey{
			table: schemaName + "." + srcTable,
			spec: models.ForeignKeySpec{
				Column:    srcColumn,
				RefTable:  dstSchema + "." + dstTable,
				RefColumn: dstColumn,
			},
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate foreign keys: %w", err)
	}

	return fks, nil
}
