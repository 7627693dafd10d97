// Package tally is an embedded counting engine for an education platform:
// source rows (questions, answer stats, bookmarks, users, taxonomy) live
// in a key-ordered pebble store, and every logical counter over them is a
// derived aggregate index that is scanned, never cached. Live writes keep
// the index current synchronously; checkpointed repair runs rebuild it
// from the source when it drifts.
package tally

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/medprepa/tally/aggregate"
	"github.com/medprepa/tally/rebuild"
	"github.com/medprepa/tally/record"
	"github.com/medprepa/tally/source"
	"github.com/medprepa/tally/tally_errors"
	"github.com/medprepa/tally/updater"
	"github.com/medprepa/tally/utils"
)

var FallbackCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "engine",
	Name:      "count_fallbacks",
}, []string{"aggregate", "reason"})

type Options struct {
	// Logger receives structured engine logs; defaults to slog at info.
	Logger utils.Logger
	// WriteOptions picks WAL durability for every commit, pebble.Sync
	// unless overridden.
	WriteOptions *pebble.WriteOptions
	// Rebuild tunes repair runs, see rebuild.Options.
	Rebuild rebuild.Options
	// QuestionCacheSize bounds the LRU backing taxonomy lookups.
	QuestionCacheSize int
	// RunRetention caps how many finished run records are kept.
	RunRetention int
	// Metrics, when set, receives every collector the engine exports.
	Metrics prometheus.Registerer
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.WriteOptions == nil {
		o.WriteOptions = pebble.Sync
	}
	if o.QuestionCacheSize <= 0 {
		o.QuestionCacheSize = 8192
	}
	if o.RunRetention <= 0 {
		o.RunRetention = 64
	}
	o.Rebuild.SetDefaults()
}

// Tally owns one engine instance over one pebble directory.
type Tally struct {
	db   *pebble.DB
	dir  string
	log  utils.Logger
	wo   *pebble.WriteOptions
	opts Options

	store *source.Store
	reg   *aggregate.Registry
	idx   *aggregate.Index
	cache *source.QuestionCache
	upd   *updater.Updater
	orc   *rebuild.Orchestrator

	closed atomic.Bool
}

// Tally is the storage host of all its parts.
func (t *Tally) Database() *pebble.DB               { return t.db }
func (t *Tally) Logger() utils.Logger               { return t.log }
func (t *Tally) WriteOptions() *pebble.WriteOptions { return t.wo }

func Open(dirname string, opts Options) (*Tally, error) {
	opts.SetDefaults()
	db, err := pebble.Open(dirname, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", dirname)
	}
	t := &Tally{
		db:   db,
		dir:  dirname,
		log:  opts.Logger,
		wo:   opts.WriteOptions,
		opts: opts,
	}
	if t.store, err = source.NewStore(t); err != nil {
		_ = db.Close()
		return nil, err
	}
	t.reg = aggregate.NewRegistry()
	t.idx = aggregate.NewIndex(t)
	if t.cache, err = source.NewQuestionCache(t.store, opts.QuestionCacheSize); err != nil {
		_ = db.Close()
		return nil, err
	}
	t.upd = updater.New(t, t.store, t.reg, t.idx, t.cache)
	t.orc = rebuild.NewOrchestrator(t, t.store, t.reg, t.idx, t.cache, opts.Rebuild)
	if opts.Metrics != nil {
		if err := registerMetrics(opts.Metrics, db); err != nil {
			t.orc.Close()
			_ = db.Close()
			return nil, err
		}
	}
	t.log.Info("tally opened", "dir", dirname, "aggregates", len(t.reg.Defs()))
	return t, nil
}

// registerMetrics hands every engine collector to the registerer. Double
// registration happens when a process reopens the engine; the existing
// collector keeps counting.
func registerMetrics(reg prometheus.Registerer, db *pebble.DB) error {
	collectors := []prometheus.Collector{
		FallbackCount,
		aggregate.EntryOps,
		aggregate.Counts,
		updater.EventCount,
		rebuild.RunCount,
		rebuild.StepCount,
		rebuild.RowCount,
		rebuild.StepDuration,
		rebuild.DiscrepancyCount,
		NewPebbleCollector(db),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Close interrupts running rebuilds, waits for them to persist their
// cursors and closes the database. Safe to call twice.
func (t *Tally) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.orc.Close()
	err := t.db.Close()
	t.log.Info("tally closed", "dir", t.dir)
	return err
}

func (t *Tally) guard() error {
	if t.closed.Load() {
		return tally_errors.ErrClosed
	}
	return nil
}

// Aggregates lists every registered counter definition.
func (t *Tally) Aggregates() []*aggregate.Def { return t.reg.Defs() }

// AddTheme registers a theme under a tenant.
func (t *Tally) AddTheme(ctx context.Context, tenant record.ID, name string) (record.ID, error) {
	if err := t.guard(); err != nil {
		return 0, err
	}
	if tenant.Zero() {
		return 0, errors.Wrap(tally_errors.ErrFieldMissing, "theme needs a tenant")
	}
	return t.store.Append(t.db, &record.Theme{Tenant: tenant, Name: name})
}

// AddSubtheme registers a subtheme under a theme.
func (t *Tally) AddSubtheme(ctx context.Context, theme record.ID, name string) (record.ID, error) {
	if err := t.guard(); err != nil {
		return 0, err
	}
	if theme.Zero() {
		return 0, errors.Wrap(tally_errors.ErrFieldMissing, "subtheme needs a theme")
	}
	return t.store.Append(t.db, &record.Subtheme{Theme: theme, Name: name})
}

// AddGroup registers a group under a subtheme.
func (t *Tally) AddGroup(ctx context.Context, subtheme record.ID, name string) (record.ID, error) {
	if err := t.guard(); err != nil {
		return 0, err
	}
	if subtheme.Zero() {
		return 0, errors.Wrap(tally_errors.ErrFieldMissing, "group needs a subtheme")
	}
	return t.store.Append(t.db, &record.Group{Subtheme: subtheme, Name: name})
}

// AddUser registers a user and indexes them under their tenant.
func (t *Tally) AddUser(ctx context.Context, tenant record.ID, name string) (record.ID, error) {
	if err := t.guard(); err != nil {
		return 0, err
	}
	if tenant.Zero() {
		return 0, errors.Wrap(tally_errors.ErrFieldMissing, "user needs a tenant")
	}
	u := &record.User{Tenant: tenant, Name: name, Created: time.Now().UTC()}
	id, err := t.store.Append(t.db, u)
	if err != nil {
		return 0, err
	}
	return id, t.upd.UserAdded(ctx, u)
}

// AddQuestion persists a question and indexes it into every taxonomy and
// random-pool aggregate its fields reach. The taxonomy must nest: a group
// presumes a subtheme, a subtheme presumes a theme.
func (t *Tally) AddQuestion(ctx context.Context, q *record.Question) (record.ID, error) {
	if err := t.guard(); err != nil {
		return 0, err
	}
	if q.Tenant.Zero() {
		return 0, errors.Wrap(tally_errors.ErrFieldMissing, "question needs a tenant")
	}
	if !q.Group.Zero() && q.Subtheme.Zero() {
		return 0, errors.Wrap(tally_errors.ErrFieldMissing, "grouped question needs a subtheme")
	}
	if !q.Subtheme.Zero() && q.Theme.Zero() {
		return 0, errors.Wrap(tally_errors.ErrFieldMissing, "subthemed question needs a theme")
	}
	if q.Created.IsZero() {
		q.Created = time.Now().UTC()
	}
	id, err := t.store.Append(t.db, q)
	if err != nil {
		return 0, err
	}
	return id, t.upd.QuestionAdded(ctx, q)
}

// RemoveQuestion drops a question's aggregate entries and then the row.
// Stats and bookmarks that reference it stay; their crossed namespaces
// thin out on the next rebuild.
func (t *Tally) RemoveQuestion(ctx context.Context, id record.ID) error {
	if err := t.guard(); err != nil {
		return err
	}
	q, err := t.store.Question(id)
	if err != nil {
		return err
	}
	if err := t.upd.QuestionRemoved(ctx, q); err != nil {
		return err
	}
	return t.store.DeleteRow(t.db, q)
}

// SubmitAnswer records one answer event for a user on a question the
// engine knows. The first submission creates the stat; repeats only flip
// correctness and keep the original answer time.
func (t *Tally) SubmitAnswer(ctx context.Context, user, question record.ID, correct bool, when time.Time) error {
	if err := t.guard(); err != nil {
		return err
	}
	if user.Zero() {
		return errors.Wrap(tally_errors.ErrFieldMissing, "answer needs a user")
	}
	if when.IsZero() {
		when = time.Now().UTC()
	}
	return t.upd.Answered(ctx, user, question, correct, when)
}

// AddBookmark marks a question for a user; doing it again is a no-op.
func (t *Tally) AddBookmark(ctx context.Context, user, question record.ID, when time.Time) error {
	if err := t.guard(); err != nil {
		return err
	}
	if user.Zero() {
		return errors.Wrap(tally_errors.ErrFieldMissing, "bookmark needs a user")
	}
	if when.IsZero() {
		when = time.Now().UTC()
	}
	return t.upd.BookmarkAdded(ctx, user, question, when)
}

// RemoveBookmark removes a user's bookmark; removing one that is not
// there is logged and swallowed.
func (t *Tally) RemoveBookmark(ctx context.Context, user, question record.ID) error {
	if err := t.guard(); err != nil {
		return err
	}
	return t.upd.BookmarkRemoved(ctx, user, question)
}

// Count answers one aggregate query. A namespace under repair, or any
// index failure, degrades to a linear scan of the source table through
// the same namespace function: slower, never wrong, and never an error
// the caller has to handle.
func (t *Tally) Count(ctx context.Context, name, ns string, rng aggregate.Range) (int, error) {
	if err := t.guard(); err != nil {
		return 0, err
	}
	d, err := t.reg.ByName(name)
	if err != nil {
		return 0, err
	}
	n, err := t.idx.Count(d, ns, rng)
	if err == nil {
		return n, nil
	}
	reason := "error"
	if errors.Is(err, tally_errors.ErrAggregateDirty) {
		reason = "dirty"
	}
	FallbackCount.WithLabelValues(d.Name, reason).Inc()
	t.log.WarnCtx(ctx, "count falling back to source scan",
		"aggregate", d.Name, "ns", ns, "reason", err.Error())
	return t.scanSource(ctx, d, ns, rng)
}

// scanSource recounts one namespace straight from the source table, using
// the same pre-filter, namespace and sort-key functions the index does.
func (t *Tally) scanSource(ctx context.Context, d *aggregate.Def, ns string, rng aggregate.Range) (int, error) {
	n := 0
	err := t.store.ForEach(ctx, nil, d.Table, func(row record.Row) error {
		if d.Applies != nil && !d.Applies(row) {
			return nil
		}
		e, ok, perr := t.idx.Plan(t.cache, d, row)
		if perr != nil {
			return perr
		}
		if !ok || e.Ns != ns {
			return nil
		}
		if rng.From != "" && e.Sort < rng.From {
			return nil
		}
		if rng.To != "" && e.Sort >= rng.To {
			return nil
		}
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// StartRebuild launches a repair run over the scope and returns its id
// right away; poll RebuildStatus or block on WaitRebuild. Old finished
// runs are pruned down to the retention limit on the way.
func (t *Tally) StartRebuild(scope rebuild.Scope) (uuid.UUID, error) {
	if err := t.guard(); err != nil {
		return uuid.Nil, err
	}
	rid, err := t.orc.Start(scope)
	if err != nil {
		return uuid.Nil, err
	}
	if _, perr := t.orc.PruneRuns(t.opts.RunRetention); perr != nil {
		t.log.Warn("pruning old runs", "err", perr)
	}
	return rid, nil
}

// ResumeRebuild picks a failed or interrupted run up from its persisted
// phase and cursor.
func (t *Tally) ResumeRebuild(rid uuid.UUID) error {
	if err := t.guard(); err != nil {
		return err
	}
	return t.orc.Resume(rid)
}

// RebuildStatus reads a run's latest persisted state.
func (t *Tally) RebuildStatus(rid uuid.UUID) (*rebuild.Run, error) {
	if err := t.guard(); err != nil {
		return nil, err
	}
	return t.orc.Load(rid)
}

// RebuildRuns lists persisted runs, newest first.
func (t *Tally) RebuildRuns(limit int) ([]*rebuild.Run, error) {
	if err := t.guard(); err != nil {
		return nil, err
	}
	return t.orc.Runs(limit)
}

// WaitRebuild blocks until the run finishes or ctx expires, then returns
// its state.
func (t *Tally) WaitRebuild(ctx context.Context, rid uuid.UUID) (*rebuild.Run, error) {
	if err := t.guard(); err != nil {
		return nil, err
	}
	return t.orc.Wait(ctx, rid)
}
