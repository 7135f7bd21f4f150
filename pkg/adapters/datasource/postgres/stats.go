package postgres

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-synth/pkg/columns"
	"github.com/ekaya-inc/ekaya-synth/pkg/config"
	"github.com/ekaya-inc/ekaya-synth/pkg/logging"
	"github.com/ekaya-inc/ekaya-synth/pkg/models"
	"github.com/ekaya-inc/ekaya-synth/pkg/retry"
)

// StatsProvider reads planner statistics from pg_stats and fills in the
// column statistics of a schema document.
type StatsProvider struct {
	pool       *pgxpool.Pool
	sampleSize int
	logger     *zap.Logger
}

// ColumnStats is one row of pg_stats joined with the table's row estimate.
type ColumnStats struct {
	Column          string
	NullFrac        float64
	NDistinct       float64
	HistogramBounds *string
	MostCommonVals  *string
	RelTuples       float64
}

// buildConnectionString builds a PostgreSQL URL with every user-provided
// field escaped. A loopback host resolves to host.docker.internal inside
// Docker.
func buildConnectionString(cfg *config.StatisticsConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		config.ResolveHostForDocker(cfg.Host),
		cfg.Port,
		url.QueryEscape(cfg.Database),
		sslMode,
		max(cfg.MaxConns, 1),
	)
}

// NewStatsProvider connects to the statistics source, retrying transient
// connection errors.
func NewStatsProvider(ctx context.Context, cfg *config.StatisticsConfig, logger *zap.Logger) (*StatsProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("pg-stats")
	connStr := buildConnectionString(cfg)

	pool, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*pgxpool.Pool, error) {
		pool, err := pgxpool.New(ctx, connStr)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to statistics source %s: %s",
			logging.SanitizeConnectionString(connStr), logging.SanitizeError(err))
	}

	logger.Info("Connected to statistics source",
		zap.String("conn", logging.SanitizeConnectionString(connStr)))
	sampleSize := cfg.SampleSize
	if sampleSize <= 0 {
		sampleSize = columns.MaxSyntheticSample
	}
	return &StatsProvider{pool: pool, sampleSize: sampleSize, logger: logger}, nil
}

// Close releases the pool.
func (p *StatsProvider) Close() {
	p.pool.Close()
}

const statsQuery = `
	SELECT
		s.attname,
		COALESCE(s.null_frac, 0),
		COALESCE(s.n_distinct, 0),
		s.histogram_bounds::text,
		s.most_common_vals::text,
		COALESCE(c.reltuples, 0)
	FROM pg_stats s
	JOIN pg_namespace n ON n.nspname = s.schemaname
	JOIN pg_class c ON c.relnamespace = n.oid AND c.relname = s.tablename
	WHERE s.schemaname = $1 AND s.tablename = $2
	ORDER BY s.attname
`

// LoadColumns returns the pg_stats rows of schema.table.
func (p *StatsProvider) LoadColumns(ctx context.Context, schema, table string) ([]ColumnStats, error) {
	rows, err := p.pool.Query(ctx, statsQuery, schema, table)
	if err != nil {
		return nil, fmt.Errorf("query pg_stats of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var out []ColumnStats
	for rows.Next() {
		var s ColumnStats
		if err := rows.Scan(&s.Column, &s.NullFrac, &s.NDistinct, &s.HistogramBounds, &s.MostCommonVals, &s.RelTuples); err != nil {
			return nil, fmt.Errorf("scan pg_stats row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pg_stats: %w", err)
	}
	return out, nil
}

// Enrich replaces the statistics of every column of doc that pg_stats
// knows about. Tables without a size take the planner's row estimate.
// Columns missing from pg_stats keep their inline statistics.
func (p *StatsProvider) Enrich(ctx context.Context, doc *models.SchemaDocument) error {
	for ti := range doc.Tables {
		t := &doc.Tables[ti]
		schema, table, _ := strings.Cut(t.Name, ".")
		stats, err := p.LoadColumns(ctx, schema, table)
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			p.logger.Warn("No planner statistics, table may need ANALYZE", zap.String("table", t.Name))
			continue
		}
		byName := make(map[string]ColumnStats, len(stats))
		for _, s := range stats {
			byName[s.Column] = s
		}
		if t.Size == 0 {
			t.Size = int64(stats[0].RelTuples)
		}
		for ci := range t.Columns {
			spec := &t.Columns[ci]
			s, ok := byName[spec.Name]
			if !ok {
				p.logger.Debug("Column has no planner statistics",
					zap.String("table", t.Name), zap.String("column", spec.Name))
				continue
			}
			applyStats(spec, s, p.sampleSize)
		}
		p.logger.Debug("Loaded planner statistics",
			zap.String("table", t.Name),
			zap.Int64("size", t.Size),
			zap.Int("columns", len(stats)))
	}
	return doc.Validate()
}

// applyStats copies planner statistics into spec. Values the column's
// codec cannot read are dropped from the sample.
func applyStats(spec *models.ColumnSpec, s ColumnStats, sampleSize int) {
	spec.NullRate = s.NullFrac
	switch {
	case s.NDistinct > 0:
		spec.NDV = int64(s.NDistinct)
	case s.NDistinct < 0:
		spec.NDV = int64(-s.NDistinct * s.RelTuples)
	}

	var values []string
	for _, lit := range []*string{s.HistogramBounds, s.MostCommonVals} {
		if lit == nil {
			continue
		}
		parsed, err := parseArrayLiteral(*lit)
		if err != nil {
			continue
		}
		values = append(values, parsed...)
	}
	if len(values) == 0 {
		return
	}

	if spec.Type == models.ColumnTypeVarchar {
		sort.Strings(values)
		spec.Sample = capSample(values, sampleSize)
		spec.Min, spec.Max = values[0], values[len(values)-1]
		return
	}

	codec := columns.NewCodec(spec.Type, nil)
	type encoded struct {
		lit string
		v   int64
	}
	var ok []encoded
	for _, lit := range values {
		if v, err := codec.Encode(lit); err == nil {
			ok = append(ok, encoded{lit, v})
		}
	}
	if len(ok) == 0 {
		return
	}
	sort.Slice(ok, func(i, j int) bool { return ok[i].v < ok[j].v })
	spec.Sample = make([]string, len(ok))
	for i, e := range ok {
		spec.Sample[i] = e.lit
	}
	spec.Sample = capSample(spec.Sample, sampleSize)
	spec.Min, spec.Max = ok[0].lit, ok[len(ok)-1].lit
}

// capSample keeps at most n evenly spaced elements of a sorted slice.
func capSample(sorted []string, n int) []string {
	if len(sorted) <= n {
		return sorted
	}
	out := make([]string, n)
	for i := range out {
		out[i] = sorted[i*(len(sorted)-1)/max(n-1, 1)]
	}
	return out
}

// parseArrayLiteral splits a one-dimensional PostgreSQL array in text form,
// e.g. {a,"b c",NULL}, into its elements. NULL elements are dropped.
func parseArrayLiteral(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return nil, fmt.Errorf("not an array literal: %q", s)
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return nil, nil
	}

	var out []string
	var cur strings.Builder
	quoted, wasQuoted := false, false
	flush := func() {
		v := cur.String()
		if wasQuoted || !strings.EqualFold(v, "NULL") {
			out = append(out, v)
		}
		cur.Reset()
		wasQuoted = false
	}
	for i := 0; i < len(body); i++ {
		ch := body[i]
		switch {
		case quoted && ch == '\\':
			i++
			if i < len(body) {
				cur.WriteByte(body[i])
			}
		case ch == '"':
			quoted = !quoted
			wasQuoted = true
		case !quoted && ch == ',':
			flush()
		case !quoted && ch == '{':
			return nil, fmt.Errorf("nested arrays are not supported: %q", s)
		default:
			cur.WriteByte(ch)
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	flush()
	return out, nil
}
