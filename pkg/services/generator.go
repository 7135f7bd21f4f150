package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-synth/pkg/chain"
	"github.com/ekaya-inc/ekaya-synth/pkg/columns"
	"github.com/ekaya-inc/ekaya-synth/pkg/joininfo"
	"github.com/ekaya-inc/ekaya-synth/pkg/joinstatus"
	"github.com/ekaya-inc/ekaya-synth/pkg/models"
	"github.com/ekaya-inc/ekaya-synth/pkg/predicate"
	"github.com/ekaya-inc/ekaya-synth/pkg/rowvec"
	"github.com/ekaya-inc/ekaya-synth/pkg/services/workqueue"
	"github.com/ekaya-inc/ekaya-synth/pkg/solver"
)

// StatsSource fills in column statistics of a schema document from an
// external database.
type StatsSource interface {
	Enrich(ctx context.Context, doc *models.SchemaDocument) error
}

// GeneratorService turns a schema and its constraint chains into parameter
// values and per-table row-class counts for one shard.
type GeneratorService interface {
	// Run executes every generation phase. Nothing is returned unless every
	// table was solved.
	Run(ctx context.Context, schema *models.SchemaDocument, chains *models.ChainDocument) (*models.Output, error)
}

// GeneratorConfig holds the knobs of one generation run.
type GeneratorConfig struct {
	Seed       uint64
	ShardID    int
	ShardCount int

	Workers   int
	ChunkSize int

	SolverTimeout     time.Duration
	SolverMaxNodes    int64
	MaxFanout         int
	SolverStrategy    string
	SolverConcurrency int
}

type generatorService struct {
	cfg      GeneratorConfig
	exchange *joininfo.Exchange
	stats    StatsSource
	pool     *rowvec.Pool
	logger   *zap.Logger
}

// NewGeneratorService creates a generator. stats may be nil, in which case
// only the inline statistics of the schema document are used.
func NewGeneratorService(cfg GeneratorConfig, exchange *joininfo.Exchange, stats StatsSource, logger *zap.Logger) GeneratorService {
	if cfg.ShardCount < 1 {
		cfg.ShardCount = 1
	}
	return &generatorService{
		cfg:      cfg,
		exchange: exchange,
		stats:    stats,
		pool:     rowvec.NewPool(cfg.Workers, cfg.ChunkSize),
		logger:   logger.Named("generator").With(zap.Int("shard", cfg.ShardID)),
	}
}

// tableRun is the per-table state of a run. Each field is written by one
// task and read by the tasks it enqueues.
type tableRun struct {
	spec   *models.TableSpec
	chains []*chain.Chain
	offset int64
	rows   int
	// refRows is the size of the shard-independent window parameters are
	// instantiated against.
	refRows    int
	referenced bool
	// refs are the tables the FK nodes of this table's chains point at.
	refs    []string
	builder *joinstatus.Builder
	// tags holds the PK join tags of a referenced table. evaluate fills
	// them and the publish task hands them to the exchange.
	tags *joininfo.Table
}

// assignmentSet collects solved tables from concurrent tasks.
type assignmentSet struct {
	mu     sync.Mutex
	tables map[string][]joinstatus.Assignment
}

func (a *assignmentSet) put(table string, out []joinstatus.Assignment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tables[table] = out
}

func (s *generatorService) Run(ctx context.Context, schema *models.SchemaDocument, doc *models.ChainDocument) (*models.Output, error) {
	runID := uuid.New()
	logger := s.logger.With(zap.String("run_id", runID.String()))
	started := time.Now()

	if s.stats != nil {
		if err := s.stats.Enrich(ctx, schema); err != nil {
			return nil, fmt.Errorf("load column statistics: %w", err)
		}
	}

	reg := columns.NewRegistry(logger)
	if err := reg.AddSchema(schema); err != nil {
		return nil, fmt.Errorf("build column registry: %w", err)
	}

	chains, err := chain.FromDocument(doc, schema)
	if err != nil {
		return nil, fmt.Errorf("build constraint chains: %w", err)
	}
	for _, c := range chains {
		if err := c.PushDown(reg, logger); err != nil {
			return nil, fmt.Errorf("push down %s: %w", c.Name(), err)
		}
		if err := predicate.RegisterEqualities(c.Leaves(), reg); err != nil {
			return nil, fmt.Errorf("register equalities of %s: %w", c.Name(), err)
		}
	}
	if err := reg.Finalize(); err != nil {
		return nil, fmt.Errorf("finalize column registry: %w", err)
	}

	runs := s.plan(schema, chains)
	order := topologicalOrder(schema, runs, logger)
	logger.Info("Starting generation",
		zap.Int("tables", len(runs)),
		zap.Int("chains", len(chains)),
		zap.Int("shards", s.cfg.ShardCount))

	q := workqueue.New(ctx, logger,
		workqueue.WithStrategy(workqueue.NewStrategy(s.cfg.SolverStrategy, s.cfg.SolverConcurrency)),
		workqueue.WithFailFast())
	q.SetOnUpdate(func(tasks []workqueue.TaskSnapshot) {
		p := workqueue.Summarize(tasks)
		logger.Debug("Generation progress",
			zap.Int("total", p.Total),
			zap.Int("completed", p.Completed),
			zap.Int("running", p.Running),
			zap.Int("percent", p.Percentage()))
	})

	results := &assignmentSet{tables: make(map[string][]joinstatus.Assignment)}
	for _, name := range order {
		tr := runs[name]
		q.Enqueue(workqueue.NewFuncTask("evaluate "+name, false, func(ctx context.Context, enqueuer workqueue.TaskEnqueuer) error {
			return s.evaluate(ctx, reg, tr, results, enqueuer)
		}))
		if tr.tags != nil {
			q.Enqueue(workqueue.NewFuncTask("publish join info for "+name, false, func(ctx context.Context, _ workqueue.TaskEnqueuer) error {
				return s.exchange.PublishTable(ctx, tr.tags)
			}))
		}
	}
	if err := q.Wait(ctx); err != nil {
		p := q.Progress()
		var unfinished []string
		for _, task := range q.GetTasks() {
			if task.Status != workqueue.TaskStatusCompleted && task.Status != workqueue.TaskStatusFailed {
				unfinished = append(unfinished, task.Name)
			}
		}
		logger.Warn("Generation stopped",
			zap.Int("completed", p.Completed),
			zap.Int("failed", p.Failed),
			zap.Strings("unfinished", unfinished))
		return nil, err
	}

	out, err := assemble(runID, s.cfg.ShardID, schema, chains, runs, results)
	if err != nil {
		return nil, err
	}
	logger.Info("Generation complete",
		zap.Int("tasks", q.Progress().Total),
		zap.Int("parameters", len(out.Parameters)),
		zap.Int("tables", len(out.Tables)),
		zap.Duration("elapsed", time.Since(started)))
	return out, nil
}

// plan assigns every table its shard range and chains.
func (s *generatorService) plan(schema *models.SchemaDocument, chains []*chain.Chain) map[string]*tableRun {
	runs := make(map[string]*tableRun, len(schema.Tables))
	for i := range schema.Tables {
		spec := &schema.Tables[i]
		offset, rows := shardRange(spec.Size, s.cfg.ShardID, s.cfg.ShardCount)
		_, refRows := shardRange(spec.Size, 0, s.cfg.ShardCount)
		runs[spec.Name] = &tableRun{spec: spec, offset: offset, rows: rows, refRows: refRows}
	}
	for _, c := range chains {
		tr := runs[c.Table]
		tr.chains = append(tr.chains, c)
		for _, idx := range c.FKJoins() {
			ref := c.Nodes[idx].RefTable
			runs[ref].referenced = true
			if !containsString(tr.refs, ref) {
				tr.refs = append(tr.refs, ref)
			}
		}
	}
	for name, tr := range runs {
		sort.Strings(tr.refs)
		if tr.referenced {
			tr.tags = joininfo.NewTable(name, tr.offset, tr.rows)
		}
	}
	return runs
}

// shardRange splits size rows evenly over shards and returns the global
// offset and row count of one shard.
func shardRange(size int64, shard, shards int) (int64, int) {
	lo := size * int64(shard) / int64(shards)
	hi := size * int64(shard+1) / int64(shards)
	return lo, int(hi - lo)
}

// topologicalOrder lists tables so that every referenced table precedes
// the tables referencing it. Ties and cycles fall back to name order.
func topologicalOrder(schema *models.SchemaDocument, runs map[string]*tableRun, logger *zap.Logger) []string {
	deps := make(map[string]map[string]bool, len(runs))
	for name := range runs {
		deps[name] = make(map[string]bool)
	}
	for _, t := range schema.Tables {
		for _, fk := range t.ForeignKeys {
			if fk.RefTable != t.Name {
				deps[t.Name][fk.RefTable] = true
			}
		}
	}
	for name, tr := range runs {
		for _, ref := range tr.refs {
			if ref != name {
				deps[name][ref] = true
			}
		}
	}

	var order []string
	done := make(map[string]bool, len(runs))
	for len(order) < len(runs) {
		var ready []string
		for name, d := range deps {
			if done[name] {
				continue
			}
			blocked := false
			for ref := range d {
				if !done[ref] {
					blocked = true
					break
				}
			}
			if !blocked {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			for name := range deps {
				if !done[name] {
					ready = append(ready, name)
				}
			}
			sort.Strings(ready)
			logger.Warn("Foreign keys form a cycle, scheduling remaining tables by name",
				zap.Strings("tables", ready))
		}
		sort.Strings(ready)
		for _, name := range ready {
			done[name] = true
			order = append(order, name)
		}
	}
	return order
}

// evaluate materializes the table's shard, instantiates and evaluates its
// chains and publishes its PK join tags to the table's cells. The solve step
// follows once the referenced tables' join info is available.
func (s *generatorService) evaluate(ctx context.Context, reg *columns.Registry, tr *tableRun, results *assignmentSet, enqueuer workqueue.TaskEnqueuer) error {
	name := tr.spec.Name
	local, err := reg.Materialize(ctx, s.pool, name, tr.rows, tr.offset, s.cfg.Seed)
	if err != nil {
		return err
	}
	window := local
	if tr.offset != 0 {
		if window, err = reg.Materialize(ctx, s.pool, name, tr.refRows, 0, s.cfg.Seed); err != nil {
			return err
		}
	}

	instantiateCtx := predicate.EvalContext{Rows: window, Pool: s.pool, Logger: s.logger}
	for _, c := range tr.chains {
		if err := c.Instantiate(reg, instantiateCtx); err != nil {
			return fmt.Errorf("instantiate %s: %w", c.Name(), err)
		}
	}

	fraction := 1.0
	if tr.spec.Size > 0 {
		fraction = float64(tr.rows) / float64(tr.spec.Size)
	}
	tr.builder = joinstatus.NewBuilder(name, tr.rows, joinstatus.Options{
		MaxFanout: s.cfg.MaxFanout,
		Fraction:  fraction,
	}, s.logger)

	ec := predicate.EvalContext{Rows: local, Pool: s.pool, Logger: s.logger}
	pk := chain.NewTagBitmap(tr.rows)
	for _, c := range tr.chains {
		res, err := c.Evaluate(ctx, ec, s.cfg.Seed, tr.offset, pk, chain.NewTagBitmap(tr.rows))
		if err != nil {
			return err
		}
		if err := tr.builder.AddResult(res); err != nil {
			return err
		}
		s.logger.Debug("Evaluated chain",
			zap.String("chain", c.Name()),
			zap.Int("rows", tr.rows),
			zap.Int64("passed", res.PassCount()))
	}

	if tr.tags != nil {
		if err := tr.tags.PublishBitmap(pk); err != nil {
			return err
		}
	}

	solve := workqueue.NewFuncTask("solve "+name, true, func(ctx context.Context, _ workqueue.TaskEnqueuer) error {
		return s.solve(ctx, tr, results)
	})
	if len(tr.refs) == 0 {
		enqueuer.Enqueue(solve)
		return nil
	}
	enqueuer.Enqueue(workqueue.NewFuncTask("collect join info for "+name, false, func(ctx context.Context, enqueuer workqueue.TaskEnqueuer) error {
		for _, ref := range tr.refs {
			groups, err := s.exchange.Collect(ctx, ref)
			if err != nil {
				return err
			}
			tr.builder.SetReferenced(ref, joinstatus.Groups(groups.Sizes()))
		}
		enqueuer.Enqueue(solve)
		return nil
	}))
	return nil
}

func (s *generatorService) solve(ctx context.Context, tr *tableRun, results *assignmentSet) error {
	problem, err := tr.builder.Build()
	if err != nil {
		return err
	}
	if s.cfg.SolverTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SolverTimeout)
		defer cancel()
	}
	started := time.Now()
	out, err := problem.Solve(ctx, solver.Options{MaxNodes: s.cfg.SolverMaxNodes, Logger: s.logger})
	if err != nil {
		return err
	}
	s.logger.Info("Solved join status model",
		zap.String("table", tr.spec.Name),
		zap.Int("classes", problem.NumClasses()),
		zap.Int("assignments", len(out)),
		zap.Duration("elapsed", time.Since(started)))
	results.put(tr.spec.Name, out)
	return nil
}

// assemble builds the output document in schema table order.
func assemble(runID uuid.UUID, shard int, schema *models.SchemaDocument, chains []*chain.Chain, runs map[string]*tableRun, results *assignmentSet) (*models.Output, error) {
	out := &models.Output{RunID: runID, ShardID: shard, Parameters: []models.ParameterValue{}}
	for _, c := range chains {
		for _, p := range c.Parameters() {
			if !p.Instantiated {
				return nil, fmt.Errorf("%w: parameter %d of %s has no value", apperrors.ErrPhaseViolation, p.ID, c.Name())
			}
			out.Parameters = append(out.Parameters, models.ParameterValue{ID: p.ID, Value: p.Value})
		}
	}
	sort.Slice(out.Parameters, func(i, j int) bool { return out.Parameters[i].ID < out.Parameters[j].ID })

	for _, t := range schema.Tables {
		assignments, ok := results.tables[t.Name]
		if !ok {
			return nil, fmt.Errorf("%w: table %s was not solved", apperrors.ErrPhaseViolation, t.Name)
		}
		ta := models.TableAssignments{
			Table:       t.Name,
			Rows:        int64(runs[t.Name].rows),
			Assignments: make([]models.RowClassAssignment, len(assignments)),
		}
		for i, a := range assignments {
			ta.Assignments[i] = models.RowClassAssignment{
				FilterStatus: a.FilterStatus.String(),
				JoinStatus:   a.JoinStatus.String(),
				Count:        a.Count,
			}
		}
		out.Tables = append(out.Tables, ta)
	}
	return out, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
