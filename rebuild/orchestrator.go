// Package rebuild repairs the aggregate index from the source tables: a
// run claims its aggregates, clears them, replays the rows in bounded
// checkpointed steps and verifies the result against an independent
// recount. Every step persists the run record in the same batch as its
// mutations, so a crash resumes from the last durable cursor and repeated
// work lands on idempotent inserts.
package rebuild

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/medprepa/tally/aggregate"
	"github.com/medprepa/tally/host"
	"github.com/medprepa/tally/record"
	"github.com/medprepa/tally/source"
	"github.com/medprepa/tally/tally_errors"
	"github.com/medprepa/tally/utils"
)

var RunCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "rebuild",
	Name:      "runs",
}, []string{"scope", "result"})

var StepCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "rebuild",
	Name:      "steps",
}, []string{"phase"})

var RowCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "rebuild",
	Name:      "rows",
}, []string{"table"})

var StepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tally",
	Subsystem: "rebuild",
	Name:      "step_duration",
	Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 200, 500},
}, []string{"phase"})

var DiscrepancyCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "rebuild",
	Name:      "discrepancies",
}, []string{"aggregate"})

type Options struct {
	// StepBudget caps one replay step's scanning time.
	StepBudget time.Duration
	// StepRate paces replay steps per second; 0 runs unpaced.
	StepRate float64
	// BatchScan is the rows-per-step limit for self-contained rows,
	// BatchLookup for rows whose entries need a question fetch.
	BatchScan   int
	BatchLookup int
}

func (o *Options) SetDefaults() {
	if o.StepBudget <= 0 {
		o.StepBudget = 500 * time.Millisecond
	}
	if o.BatchScan <= 0 {
		o.BatchScan = 100
	}
	if o.BatchLookup <= 0 {
		o.BatchLookup = 8
	}
}

// Orchestrator owns rebuild runs. Claims are in-memory and per aggregate:
// two runs whose scopes share an aggregate cannot overlap, which is what
// keeps every namespace single-writer during a repair.
type Orchestrator struct {
	h       host.Host
	store   *source.Store
	reg     *aggregate.Registry
	idx     *aggregate.Index
	env     *source.QuestionCache
	opts    Options
	limiter *rate.Limiter
	claims  *xsync.MapOf[byte, uuid.UUID]
	active  *xsync.MapOf[uuid.UUID, chan struct{}]
	stepAvg utils.AvgVal
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewOrchestrator(h host.Host, store *source.Store, reg *aggregate.Registry,
	idx *aggregate.Index, env *source.QuestionCache, opts Options) *Orchestrator {
	opts.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	o := Orchestrator{
		h:      h,
		store:  store,
		reg:    reg,
		idx:    idx,
		env:    env,
		opts:   opts,
		claims: xsync.NewMapOf[byte, uuid.UUID](),
		active: xsync.NewMapOf[uuid.UUID, chan struct{}](),
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.StepRate > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(opts.StepRate), 1)
	}
	return &o
}

// Close interrupts running runs and waits for them to persist their
// state. Interrupted runs read as failed and can be resumed.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Start launches a run over the scope and returns its id right away;
// progress is polled via Load or awaited via Wait. ErrRebuildBusy means
// another run holds one of the scope's aggregates.
func (o *Orchestrator) Start(scope Scope) (uuid.UUID, error) {
	defs := scope.Defs(o.reg)
	if len(defs) == 0 {
		return uuid.Nil, errors.Wrapf(tally_errors.ErrBadScope, "%s", scope)
	}
	rid, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, err
	}
	if err := o.claim(defs, rid); err != nil {
		return uuid.Nil, err
	}
	now := time.Now()
	run := &Run{ID: rid, Scope: scope, Phase: PhaseClearing, Started: now, Updated: now}
	if err := o.saveRun(o.h.Database(), run); err != nil {
		o.release(defs, rid)
		return uuid.Nil, err
	}
	o.launch(run, defs)
	return rid, nil
}

// Resume picks a failed or interrupted run up from its persisted phase
// and cursor. Finished runs answer ErrRunFinished; a run still active in
// this process answers ErrRebuildBusy.
func (o *Orchestrator) Resume(rid uuid.UUID) error {
	run, err := o.Load(rid)
	if err != nil {
		return err
	}
	switch run.Status() {
	case StatusCompleted, StatusWarnings:
		return errors.Wrapf(tally_errors.ErrRunFinished, "%s", rid)
	}
	defs := run.Scope.Defs(o.reg)
	if err := o.claim(defs, rid); err != nil {
		return err
	}
	run.Error = ""
	if run.Phase == 0 {
		// A record whose phase field did not survive loading starts over.
		run.Phase = PhaseClearing
	}
	if err := o.saveRun(o.h.Database(), run); err != nil {
		o.release(defs, rid)
		return err
	}
	o.launch(run, defs)
	return nil
}

// Load reads a run's latest persisted state.
func (o *Orchestrator) Load(rid uuid.UUID) (*Run, error) {
	val, closer, err := o.h.Database().Get(host.RunKey(rid))
	if err == pebble.ErrNotFound {
		return nil, errors.Wrapf(tally_errors.ErrRunUnknown, "%s", rid)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	run, err := loadRun(rid, val)
	if err != nil {
		return nil, errors.Wrapf(err, "run %s", rid)
	}
	return run, nil
}

// Runs lists persisted runs newest first, up to limit. Run ids are
// time-ordered, so key order is creation order.
func (o *Orchestrator) Runs(limit int) ([]*Run, error) {
	if limit < 1 {
		return nil, nil
	}
	lo, hi := host.RunRange()
	it, err := o.h.Database().NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	runs := make([]*Run, 0, limit)
	for valid := it.Last(); valid && len(runs) < limit; valid = it.Prev() {
		rid := host.RunKeyID(it.Key())
		run, err := loadRun(rid, it.Value())
		if err != nil {
			return nil, errors.Wrapf(err, "run %s", rid)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// PruneRuns deletes terminal runs past the newest keep. Active runs stay.
func (o *Orchestrator) PruneRuns(keep int) (int, error) {
	lo, hi := host.RunRange()
	it, err := o.h.Database().NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer it.Close()
	kept, pruned := 0, 0
	for valid := it.Last(); valid; valid = it.Prev() {
		rid := host.RunKeyID(it.Key())
		run, err := loadRun(rid, it.Value())
		if err != nil {
			return pruned, errors.Wrapf(err, "run %s", rid)
		}
		if run.Status() == StatusRunning || kept < keep {
			kept++
			continue
		}
		if err := o.h.Database().Delete(host.RunKey(rid), o.h.WriteOptions()); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// Wait blocks until the run leaves this process's active set, then
// returns its persisted state. Runs not active here return immediately.
func (o *Orchestrator) Wait(ctx context.Context, rid uuid.UUID) (*Run, error) {
	if ch, ok := o.active.Load(rid); ok {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.Load(rid)
}

func (o *Orchestrator) claim(defs []*aggregate.Def, rid uuid.UUID) error {
	taken := make([]*aggregate.Def, 0, len(defs))
	for _, d := range defs {
		if holder, loaded := o.claims.LoadOrStore(d.Tag, rid); loaded {
			o.release(taken, rid)
			return errors.Wrapf(tally_errors.ErrRebuildBusy, "%s held by run %s", d.Name, holder)
		}
		taken = append(taken, d)
	}
	return nil
}

func (o *Orchestrator) release(defs []*aggregate.Def, rid uuid.UUID) {
	for _, d := range defs {
		o.claims.Compute(d.Tag, func(holder uuid.UUID, loaded bool) (uuid.UUID, bool) {
			return holder, loaded && holder == rid
		})
	}
}

func (o *Orchestrator) launch(run *Run, defs []*aggregate.Def) {
	ch := make(chan struct{})
	o.active.Store(run.ID, ch)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(ch)
		o.execute(o.ctx, run, defs)
	}()
}

func (o *Orchestrator) execute(ctx context.Context, run *Run, defs []*aggregate.Def) {
	ctx = utils.WithDefaultArgs(ctx, "run", run.ID.String(), "scope", run.Scope.String())
	log := o.h.Logger()
	log.InfoCtx(ctx, "rebuild run starting", "phase", run.Phase.String())

	err := o.phases(ctx, run, defs)
	o.release(defs, run.ID)
	if err != nil {
		run.Error = err.Error()
		if serr := o.saveRun(o.h.Database(), run); serr != nil {
			log.ErrorCtx(ctx, "persisting failed run", "err", serr)
		}
		RunCount.WithLabelValues(run.Scope.Kind.String(), "fail").Inc()
		log.ErrorCtx(ctx, "rebuild run failed", "phase", run.Phase.String(), "err", err)
		return
	}
	result := "ok"
	if run.Mismatched > 0 {
		result = "warnings"
	}
	RunCount.WithLabelValues(run.Scope.Kind.String(), result).Inc()
	log.InfoCtx(ctx, "rebuild run finished",
		"status", string(run.Status()),
		"processed", run.Processed,
		"inserted", run.Inserted,
		"mismatched", run.Mismatched,
		"avg_step_ms", o.stepAvg.Val())
}

// phases drives the state machine from wherever the run stands. All three
// phases restart cleanly from their beginning, which is all resumption
// needs: Clearing and Verifying are idempotent wholesale, Replaying
// checkpoints per step.
func (o *Orchestrator) phases(ctx context.Context, run *Run, defs []*aggregate.Def) error {
	if run.Phase == PhaseClearing {
		if err := o.clearing(ctx, run, defs); err != nil {
			return err
		}
	}
	if run.Phase == PhaseReplaying {
		if err := o.replaying(ctx, run, defs); err != nil {
			return err
		}
	}
	if run.Phase == PhaseVerifying {
		if err := o.verifying(ctx, run, defs); err != nil {
			return err
		}
	}
	if err := o.idx.MarkClean(defs, run.ID); err != nil {
		return err
	}
	run.Phase = PhaseDone
	return o.saveRun(o.h.Database(), run)
}

// clearing marks the scope's aggregates dirty and empties their
// namespaces with range deletes, covering namespaces that currently hold
// no entries too.
func (o *Orchestrator) clearing(ctx context.Context, run *Run, defs []*aggregate.Def) error {
	started := time.Now()
	if err := o.idx.MarkRebuilding(defs, run.Scope.healthScope(), run.ID); err != nil {
		return err
	}
	run.Cleared = 0
	for _, d := range defs {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if run.Scope.Kind == ScopeUser {
			if err = o.idx.Clear(d, aggregate.NsUser(run.Scope.User)); err == nil {
				err = o.idx.ClearPrefix(d, aggregate.UserNsPrefix(run.Scope.User))
			}
		} else {
			err = o.idx.ClearAll(d)
		}
		if err != nil {
			return errors.Wrapf(err, "clearing %s", d.Name)
		}
		run.Cleared++
	}
	run.Phase = PhaseReplaying
	run.Cursor = source.Cursor{}
	StepCount.WithLabelValues("clearing").Inc()
	StepDuration.WithLabelValues("clearing").Observe(float64(time.Since(started).Milliseconds()))
	return o.saveRun(o.h.Database(), run)
}

// replaying walks the scope's tables in creation order and reindexes each
// batch of rows in one checkpointed step.
func (o *Orchestrator) replaying(ctx context.Context, run *Run, defs []*aggregate.Def) error {
	tables := scopeTables(defs)
	ti := 0
	if run.Cursor.Table.Valid() {
		ti = len(tables)
		for i, t := range tables {
			if t == run.Cursor.Table {
				ti = i
				break
			}
		}
		if ti == len(tables) {
			// The persisted cursor names a table outside the scope;
			// start over rather than trust it.
			ti = 0
			run.Cursor = source.Cursor{}
		}
	}
	for ; ti < len(tables); ti++ {
		if run.Cursor.Table != tables[ti] {
			run.Cursor = source.Cursor{Table: tables[ti]}
		}
		byTable := defsOn(defs, tables[ti])
		limit := o.batchSize(byTable)
		for {
			if o.limiter != nil {
				if err := o.limiter.Wait(ctx); err != nil {
					return err
				}
			} else if err := ctx.Err(); err != nil {
				return err
			}
			done, err := o.replayStep(ctx, run, byTable, limit)
			if err != nil {
				return errors.Wrapf(err, "replaying %s", tables[ti])
			}
			if done {
				break
			}
		}
	}
	run.Phase = PhaseVerifying
	return o.saveRun(o.h.Database(), run)
}

// replayStep consumes one batch of rows and commits their entries, the
// advanced cursor and the run's counters in a single pebble batch, so a
// crash never splits a step.
func (o *Orchestrator) replayStep(ctx context.Context, run *Run, defs []*aggregate.Def, limit int) (bool, error) {
	started := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, o.opts.StepBudget)
	rows, next, done, err := o.scan(stepCtx, run, limit)
	cancel()
	if err != nil {
		return false, err
	}

	b := o.h.Database().NewBatch()
	defer b.Close()
	for _, row := range rows {
		for _, d := range defs {
			if d.Applies != nil && !d.Applies(row) {
				continue
			}
			e, ok, perr := o.idx.Plan(o.env, d, row)
			if perr != nil {
				return false, errors.Wrapf(perr, "row %s", row.RowID())
			}
			if !ok {
				continue
			}
			inserted, ierr := o.idx.InsertEntry(b, e)
			if ierr != nil {
				return false, ierr
			}
			if inserted {
				run.Inserted++
			}
		}
		RowCount.WithLabelValues(row.Table().String()).Inc()
	}
	run.Processed += uint64(len(rows))
	run.Cursor = next
	took := time.Since(started)
	run.observeStep(took)
	o.stepAvg.Add(float64(took.Microseconds()) / 1000)
	StepCount.WithLabelValues("replaying").Inc()
	StepDuration.WithLabelValues("replaying").Observe(float64(took.Milliseconds()))
	if err := o.saveRun(b, run); err != nil {
		return false, err
	}
	return done, o.h.Database().Apply(b, o.h.WriteOptions())
}

func (o *Orchestrator) scan(ctx context.Context, run *Run, limit int) ([]record.Row, source.Cursor, bool, error) {
	if run.Scope.Kind == ScopeUser {
		return o.store.ScanUserBatch(ctx, nil, run.Scope.User, run.Cursor, limit)
	}
	return o.store.ScanBatch(ctx, nil, run.Cursor, limit)
}

// batchSize picks the step's row limit by the costliest aggregate on the
// table: a question fetch per row shrinks the batch.
func (o *Orchestrator) batchSize(defs []*aggregate.Def) int {
	for _, d := range defs {
		if d.Cost == aggregate.CostLookup {
			return o.opts.BatchLookup
		}
	}
	return o.opts.BatchScan
}

func (o *Orchestrator) saveRun(w pebble.Writer, run *Run) error {
	run.Updated = time.Now()
	return w.Set(host.RunKey(run.ID), run.body(), o.h.WriteOptions())
}

func scopeTables(defs []*aggregate.Def) []record.Table {
	want := make(map[record.Table]bool, len(defs))
	for _, d := range defs {
		want[d.Table] = true
	}
	var ret []record.Table
	for _, t := range record.Tables() {
		if want[t] {
			ret = append(ret, t)
		}
	}
	return ret
}

func defsOn(defs []*aggregate.Def, t record.Table) []*aggregate.Def {
	var ret []*aggregate.Def
	for _, d := range defs {
		if d.Table == t {
			ret = append(ret, d)
		}
	}
	return ret
}
