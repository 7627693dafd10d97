package rebuild

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medprepa/tally/aggregate"
	"github.com/medprepa/tally/record"
	"github.com/medprepa/tally/source"
	"github.com/medprepa/tally/tally_errors"
	testutils "github.com/medprepa/tally/test_utils"
	"github.com/medprepa/tally/updater"
)

type fix struct {
	env *testutils.Env
	st  *source.Store
	reg *aggregate.Registry
	idx *aggregate.Index
	upd *updater.Updater
	orc *Orchestrator
}

func open(t *testing.T, opts Options) *fix {
	env := testutils.OpenEnv(t)
	st, err := source.NewStore(env)
	require.NoError(t, err)
	cache, err := source.NewQuestionCache(st, 128)
	require.NoError(t, err)
	reg := aggregate.NewRegistry()
	idx := aggregate.NewIndex(env)
	f := &fix{
		env: env,
		st:  st,
		reg: reg,
		idx: idx,
		upd: updater.New(env, st, reg, idx, cache),
	}
	f.orc = f.newOrchestrator(opts)
	t.Cleanup(f.orc.Close)
	return f
}

// newOrchestrator opens another orchestrator over the same storage, the
// way a restarted process would.
func (f *fix) newOrchestrator(opts Options) *Orchestrator {
	cache, _ := source.NewQuestionCache(f.st, 128)
	return NewOrchestrator(f.env, f.st, f.reg, f.idx, cache, opts)
}

// appendQuestion persists a question row without indexing it, leaving the
// aggregates behind the source on purpose.
func (f *fix) appendQuestion(t *testing.T, theme, subtheme, group record.ID) *record.Question {
	t.Helper()
	q := &record.Question{
		Tenant: 1, Theme: theme, Subtheme: subtheme, Group: group,
		Code: "q", Created: time.UnixMilli(1000).UTC(),
	}
	_, err := f.st.Append(f.env.DB, q)
	require.NoError(t, err)
	return q
}

func (f *fix) liveQuestion(t *testing.T, theme, subtheme, group record.ID) *record.Question {
	t.Helper()
	q := f.appendQuestion(t, theme, subtheme, group)
	require.NoError(t, f.upd.QuestionAdded(context.Background(), q))
	return q
}

func (f *fix) answer(t *testing.T, user, question record.ID, correct bool) {
	t.Helper()
	when := time.UnixMilli(5000).UTC()
	require.NoError(t, f.upd.Answered(context.Background(), user, question, correct, when))
}

func (f *fix) bookmark(t *testing.T, user, question record.ID) {
	t.Helper()
	when := time.UnixMilli(6000).UTC()
	require.NoError(t, f.upd.BookmarkAdded(context.Background(), user, question, when))
}

func (f *fix) def(t *testing.T, name string) *aggregate.Def {
	t.Helper()
	d, err := f.reg.ByName(name)
	require.NoError(t, err)
	return d
}

func (f *fix) scanCount(t *testing.T, name, ns string) int {
	t.Helper()
	n, err := f.idx.ScanCount(nil, f.def(t, name), ns, aggregate.Range{})
	require.NoError(t, err)
	return n
}

func (f *fix) wait(t *testing.T, o *Orchestrator, rid uuid.UUID) *Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	run, err := o.Wait(ctx, rid)
	require.NoError(t, err)
	return run
}

func TestRebuildRestoresMissingEntries(t *testing.T) {
	f := open(t, Options{})
	for i := 0; i < 30; i++ {
		f.appendQuestion(t, 1, 0, 0)
	}
	for i := 0; i < 20; i++ {
		f.appendQuestion(t, 2, 0, 0)
	}
	require.Equal(t, 0, f.scanCount(t, "questions_total", aggregate.NsAll()))

	rid, err := f.orc.Start(SystemScope())
	require.NoError(t, err)
	run := f.wait(t, f.orc, rid)

	assert.Equal(t, StatusCompleted, run.Status())
	assert.Equal(t, uint64(50), run.Processed)
	assert.Zero(t, run.Mismatched)
	assert.Equal(t, 50, f.scanCount(t, "questions_total", aggregate.NsAll()))
	assert.Equal(t, 30, f.scanCount(t, "questions_by_theme", aggregate.NsTheme(1)))
	assert.Equal(t, 20, f.scanCount(t, "questions_by_theme", aggregate.NsTheme(2)))
	assert.Equal(t, 30, f.scanCount(t, "questions_random_by_theme", aggregate.NsTheme(1)))
	assert.Equal(t, 50, f.scanCount(t, "questions_by_tenant", aggregate.NsTenant(1)))
}

// A rebuild over a healthy index must land on exactly the state the live
// update path produced, entry for entry.
func TestRebuildMatchesLiveIndexing(t *testing.T) {
	f := open(t, Options{})
	ctx := context.Background()

	for _, u := range []*record.User{
		{Tenant: 1, Name: "ada"},
		{Tenant: 1, Name: "lin"},
	} {
		_, err := f.st.Append(f.env.DB, u)
		require.NoError(t, err)
		require.NoError(t, f.upd.UserAdded(ctx, u))
	}
	q1 := f.liveQuestion(t, 5, 6, 7)
	q2 := f.liveQuestion(t, 5, 6, 0)
	q3 := f.liveQuestion(t, 8, 0, 0)
	f.answer(t, 1, q1.ID, true)
	f.answer(t, 1, q2.ID, false)
	f.answer(t, 2, q1.ID, false)
	f.answer(t, 2, q3.ID, true)
	f.bookmark(t, 1, q2.ID)
	f.bookmark(t, 2, q1.ID)
	require.NoError(t, f.upd.BookmarkRemoved(ctx, 2, q1.ID))

	before := make(map[string]map[string]int)
	for _, d := range f.reg.Defs() {
		perNs, err := f.idx.CountByNsPrefix(nil, d, "")
		require.NoError(t, err)
		before[d.Name] = perNs
	}

	rid, err := f.orc.Start(SystemScope())
	require.NoError(t, err)
	run := f.wait(t, f.orc, rid)
	require.Equal(t, StatusCompleted, run.Status())
	assert.Zero(t, run.Mismatched)

	for _, d := range f.reg.Defs() {
		perNs, err := f.idx.CountByNsPrefix(nil, d, "")
		require.NoError(t, err)
		assert.Equal(t, before[d.Name], perNs, d.Name)
	}
}

func TestRebuildInterruptAndResume(t *testing.T) {
	// Burst 1 and a glacial refill: the first step runs, the second
	// blocks until the run is interrupted.
	f := open(t, Options{BatchScan: 1, StepRate: 0.001})
	f.appendQuestion(t, 1, 0, 0)
	f.appendQuestion(t, 1, 0, 0)
	f.appendQuestion(t, 2, 0, 0)

	rid, err := f.orc.Start(SystemScope())
	require.NoError(t, err)

	total := f.def(t, "questions_total")
	require.Eventually(t, func() bool {
		_, cerr := f.idx.Count(total, aggregate.NsAll(), aggregate.Range{})
		return errors.Is(cerr, tally_errors.ErrAggregateDirty)
	}, 10*time.Second, 5*time.Millisecond)

	// The scope's aggregates are claimed for the run's whole lifetime.
	_, err = f.orc.Start(CategoryScope(aggregate.Taxonomy))
	require.ErrorIs(t, err, tally_errors.ErrRebuildBusy)
	_, err = f.orc.Start(UserScope(1))
	require.ErrorIs(t, err, tally_errors.ErrRebuildBusy)

	f.orc.Close()
	run, err := f.orc.Load(rid)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, run.Status())
	require.NotEmpty(t, run.Error)

	// A fresh process resumes from the persisted phase and cursor and
	// still visits every row exactly once.
	orc := f.newOrchestrator(Options{})
	defer orc.Close()
	require.NoError(t, orc.Resume(rid))
	run = f.wait(t, orc, rid)

	assert.Equal(t, StatusCompleted, run.Status())
	assert.Equal(t, uint64(3), run.Processed)
	assert.Zero(t, run.Mismatched)
	assert.Equal(t, 3, f.scanCount(t, "questions_total", aggregate.NsAll()))
	n, err := f.idx.Count(total, aggregate.NsAll(), aggregate.Range{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	runs, err := orc.Runs(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rid, runs[0].ID)
}

func TestRebuildUserScope(t *testing.T) {
	f := open(t, Options{})
	q1 := f.liveQuestion(t, 5, 6, 7)
	q2 := f.liveQuestion(t, 8, 0, 0)
	f.answer(t, 1, q1.ID, true)
	f.answer(t, 1, q2.ID, false)
	f.answer(t, 2, q1.ID, false)
	f.bookmark(t, 1, q2.ID)

	// Drift: a phantom answer for user 1, a stale crossed namespace for
	// user 1 and a phantom for user 2 that the run must not touch.
	byUser := f.def(t, "answered_by_user")
	byUserTheme := f.def(t, "answered_by_user_theme")
	sort := aggregate.TimeKey(time.UnixMilli(5000))
	for _, e := range []aggregate.Entry{
		{Def: byUser, Ns: "u:1", Sort: sort, ID: 4242},
		{Def: byUserTheme, Ns: "u:1:t:63", Sort: sort, ID: 4243},
		{Def: byUser, Ns: "u:2", Sort: sort, ID: 4244},
	} {
		_, err := f.idx.InsertEntry(f.env.DB, e)
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.scanCount(t, "answered_by_user", aggregate.NsUser(1)))

	rid, err := f.orc.Start(UserScope(1))
	require.NoError(t, err)
	run := f.wait(t, f.orc, rid)

	assert.Equal(t, StatusCompleted, run.Status())
	assert.Equal(t, uint64(10), run.Cleared)
	assert.Equal(t, uint64(3), run.Processed, "only user 1's rows are scanned")
	assert.Zero(t, run.Mismatched)

	assert.Equal(t, 2, f.scanCount(t, "answered_by_user", aggregate.NsUser(1)))
	assert.Equal(t, 0, f.scanCount(t, "answered_by_user_theme", "u:1:t:63"))
	assert.Equal(t, 1, f.scanCount(t, "answered_by_user_theme", aggregate.NsUserTheme(1, 5)))
	assert.Equal(t, 1, f.scanCount(t, "incorrect_by_user", aggregate.NsUser(1)))
	assert.Equal(t, 1, f.scanCount(t, "bookmarks_by_user", aggregate.NsUser(1)))
	// Out of scope, drift and all.
	assert.Equal(t, 2, f.scanCount(t, "answered_by_user", aggregate.NsUser(2)))
	assert.Equal(t, 2, f.scanCount(t, "questions_total", aggregate.NsAll()))
}

// Verification must catch disagreement in both directions: namespaces the
// source produces that the index lacks, and index namespaces the source
// no longer produces.
func TestVerifyBothDirections(t *testing.T) {
	f := open(t, Options{})
	f.appendQuestion(t, 7, 0, 0)
	f.appendQuestion(t, 7, 0, 0)
	stale := aggregate.Entry{Def: f.def(t, "questions_by_theme"), Ns: "t:999", ID: 555}
	_, err := f.idx.InsertEntry(f.env.DB, stale)
	require.NoError(t, err)

	rid, err := uuid.NewV7()
	require.NoError(t, err)
	now := time.Now()
	run := &Run{ID: rid, Scope: SystemScope(), Phase: PhaseVerifying, Started: now, Updated: now}
	defs := run.Scope.Defs(f.reg)
	require.NoError(t, f.orc.verifying(context.Background(), run, defs))

	assert.Equal(t, uint64(6), run.Checked)
	assert.Equal(t, uint64(6), run.Mismatched)
	require.Len(t, run.Discrepancies, 6)
	for i := 1; i < len(run.Discrepancies); i++ {
		assert.GreaterOrEqual(t, run.Discrepancies[i-1].Delta(), run.Discrepancies[i].Delta())
	}
	assert.Equal(t,
		Discrepancy{Aggregate: "questions_by_theme", Namespace: "t:999", Expected: 0, Actual: 1},
		run.Discrepancies[len(run.Discrepancies)-1])

	// The report survives the run record round trip.
	require.NoError(t, f.orc.saveRun(f.env.DB, run))
	got, err := f.orc.Load(rid)
	require.NoError(t, err)
	assert.Equal(t, run.Checked, got.Checked)
	assert.Equal(t, run.Mismatched, got.Mismatched)
	assert.Equal(t, run.Discrepancies, got.Discrepancies)
	assert.Equal(t, StatusRunning, got.Status())
}

func TestVerifyReportCapped(t *testing.T) {
	f := open(t, Options{})
	for i := 1; i <= 20; i++ {
		f.appendQuestion(t, record.ID(i), 0, 0)
	}

	rid, err := uuid.NewV7()
	require.NoError(t, err)
	run := &Run{ID: rid, Scope: SystemScope(), Phase: PhaseVerifying}
	require.NoError(t, f.orc.verifying(context.Background(), run, run.Scope.Defs(f.reg)))

	// all + tenant + random tenant disagree by 20, forty theme
	// namespaces by 1 each.
	assert.Equal(t, uint64(43), run.Mismatched)
	require.Len(t, run.Discrepancies, maxDiscrepancies)
	for i := 0; i < 3; i++ {
		assert.Equal(t, 20, run.Discrepancies[i].Delta())
	}
	assert.Equal(t, 1, run.Discrepancies[3].Delta())
}

func TestRunsNewestFirstAndPrune(t *testing.T) {
	f := open(t, Options{})
	f.appendQuestion(t, 1, 0, 0)

	var rids []uuid.UUID
	for i := 0; i < 3; i++ {
		rid, err := f.orc.Start(SystemScope())
		require.NoError(t, err)
		f.wait(t, f.orc, rid)
		rids = append(rids, rid)
	}

	runs, err := f.orc.Runs(10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, rids[2], runs[0].ID)
	assert.Equal(t, rids[0], runs[2].ID)

	pruned, err := f.orc.PruneRuns(1)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)
	runs, err = f.orc.Runs(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rids[2], runs[0].ID)
}

func TestRunLifecycleErrors(t *testing.T) {
	f := open(t, Options{})

	_, err := f.orc.Start(CategoryScope(aggregate.Category('x')))
	require.ErrorIs(t, err, tally_errors.ErrBadScope)

	_, err = f.orc.Load(uuid.New())
	require.ErrorIs(t, err, tally_errors.ErrRunUnknown)

	rid, err := f.orc.Start(SystemScope())
	require.NoError(t, err)
	f.wait(t, f.orc, rid)
	require.ErrorIs(t, f.orc.Resume(rid), tally_errors.ErrRunFinished)
}

func TestParseScope(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Scope
	}{
		{"system", SystemScope()},
		{"category:taxonomy", CategoryScope(aggregate.Taxonomy)},
		{"category:random", CategoryScope(aggregate.Random)},
		{"category:user", CategoryScope(aggregate.User)},
		{"user:2f", UserScope(0x2f)},
	} {
		got, err := ParseScope(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.in, got.String())
	}
	for _, bad := range []string{"", "everything", "category:nope", "user:", "user:0", "user:xyz"} {
		_, err := ParseScope(bad)
		assert.ErrorIs(t, err, tally_errors.ErrBadScope, bad)
	}
}
