package tally

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medprepa/tally/aggregate"
	"github.com/medprepa/tally/rebuild"
	"github.com/medprepa/tally/record"
	"github.com/medprepa/tally/tally_errors"
	"github.com/medprepa/tally/utils"
)

func openTally(t *testing.T, dir string, opts Options) *Tally {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = utils.NewDefaultLogger(slog.LevelError)
	}
	if opts.WriteOptions == nil {
		opts.WriteOptions = pebble.NoSync
	}
	tal, err := Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tal.Close() })
	return tal
}

func count(t *testing.T, tal *Tally, name, ns string) int {
	t.Helper()
	n, err := tal.Count(context.Background(), name, ns, aggregate.Range{})
	require.NoError(t, err)
	return n
}

// One tenant, three themes with 10/15/25 questions, one user answering
// five in the first theme (two wrong) and three in the second (one of
// them wrong at first, corrected right after). The derived counts must be
// right from the live path alone, and a full repair must land on exactly
// the same numbers.
func TestAnswerScenario(t *testing.T) {
	tal := openTally(t, t.TempDir(), Options{})
	ctx := context.Background()

	tenant := record.ID(1)
	var themes []record.ID
	for _, name := range []string{"anatomy", "physiology", "pharmacology"} {
		th, err := tal.AddTheme(ctx, tenant, name)
		require.NoError(t, err)
		themes = append(themes, th)
	}
	perTheme := []int{10, 15, 25}
	questions := make(map[record.ID][]record.ID)
	created := time.UnixMilli(100).UTC()
	for i, th := range themes {
		for j := 0; j < perTheme[i]; j++ {
			q, err := tal.AddQuestion(ctx, &record.Question{
				Tenant: tenant, Theme: th,
				Code:    fmt.Sprintf("q-%s-%d", th, j),
				Created: created.Add(time.Duration(j) * time.Millisecond),
			})
			require.NoError(t, err)
			questions[th] = append(questions[th], q)
		}
	}
	user, err := tal.AddUser(ctx, tenant, "ada")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		wrong := i == 1 || i == 3
		when := time.UnixMilli(int64(1000 * (i + 1))).UTC()
		require.NoError(t, tal.SubmitAnswer(ctx, user, questions[themes[0]][i], !wrong, when))
	}
	for i := 0; i < 3; i++ {
		when := time.UnixMilli(int64(6000 + 1000*i)).UTC()
		require.NoError(t, tal.SubmitAnswer(ctx, user, questions[themes[1]][i], true, when))
	}
	// A wrong answer corrected later counts as answered once and as
	// incorrect not at all.
	require.NoError(t, tal.SubmitAnswer(ctx, user, questions[themes[1]][2], false,
		time.UnixMilli(8000).UTC()))
	require.NoError(t, tal.SubmitAnswer(ctx, user, questions[themes[1]][2], true,
		time.UnixMilli(9000).UTC()))

	check := func() {
		assert.Equal(t, 50, count(t, tal, "questions_total", aggregate.NsAll()))
		assert.Equal(t, 50, count(t, tal, "questions_by_tenant", aggregate.NsTenant(tenant)))
		assert.Equal(t, 10, count(t, tal, "questions_by_theme", aggregate.NsTheme(themes[0])))
		assert.Equal(t, 15, count(t, tal, "questions_by_theme", aggregate.NsTheme(themes[1])))
		assert.Equal(t, 25, count(t, tal, "questions_by_theme", aggregate.NsTheme(themes[2])))
		assert.Equal(t, 1, count(t, tal, "users_by_tenant", aggregate.NsTenant(tenant)))

		assert.Equal(t, 8, count(t, tal, "answered_by_user", aggregate.NsUser(user)))
		assert.Equal(t, 2, count(t, tal, "incorrect_by_user", aggregate.NsUser(user)))
		assert.Equal(t, 5, count(t, tal, "answered_by_user_theme", aggregate.NsUserTheme(user, themes[0])))
		assert.Equal(t, 3, count(t, tal, "answered_by_user_theme", aggregate.NsUserTheme(user, themes[1])))
		assert.Equal(t, 0, count(t, tal, "answered_by_user_theme", aggregate.NsUserTheme(user, themes[2])))
		assert.Equal(t, 2, count(t, tal, "incorrect_by_user_theme", aggregate.NsUserTheme(user, themes[0])))
		assert.Equal(t, 0, count(t, tal, "incorrect_by_user_theme", aggregate.NsUserTheme(user, themes[1])))
		assert.Equal(t, 0, count(t, tal, "incorrect_by_user_theme", aggregate.NsUserTheme(user, themes[2])))

		n, err := tal.Count(context.Background(), "answered_by_user", aggregate.NsUser(user),
			aggregate.Range{From: aggregate.TimeKey(time.UnixMilli(3000))})
		require.NoError(t, err)
		assert.Equal(t, 6, n, "answers at or after t=3000")
	}
	check()

	rid, err := tal.StartRebuild(rebuild.SystemScope())
	require.NoError(t, err)
	ctxw, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	run, err := tal.WaitRebuild(ctxw, rid)
	require.NoError(t, err)
	require.Equal(t, rebuild.StatusCompleted, run.Status())
	assert.Zero(t, run.Mismatched)
	check()

	tal.DumpAll(io.Discard)
}

// Counting keeps answering during a repair: a cleared namespace falls
// back to scanning the source table. An interrupted run survives a full
// process restart and resumes from its cursor.
func TestCountFallbackAndReopen(t *testing.T) {
	dir := t.TempDir()
	tal := openTally(t, dir, Options{
		Rebuild: rebuild.Options{BatchScan: 1, StepRate: 0.001},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := tal.AddQuestion(ctx, &record.Question{
			Tenant: 1, Theme: 7, Code: fmt.Sprintf("q%d", i),
			Created: time.UnixMilli(int64(100 + i)).UTC(),
		})
		require.NoError(t, err)
	}
	require.Equal(t, 3, count(t, tal, "questions_total", aggregate.NsAll()))

	rid, err := tal.StartRebuild(rebuild.SystemScope())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		run, serr := tal.RebuildStatus(rid)
		return serr == nil && run.Phase == rebuild.PhaseReplaying
	}, 10*time.Second, 5*time.Millisecond)

	// The aggregate is mid-rebuild and dirty, yet the answer is exact.
	assert.Equal(t, 3, count(t, tal, "questions_total", aggregate.NsAll()))
	assert.Equal(t, 3, count(t, tal, "questions_by_theme", aggregate.NsTheme(7)))

	require.NoError(t, tal.Close())

	tal = openTally(t, dir, Options{})
	run, err := tal.RebuildStatus(rid)
	require.NoError(t, err)
	require.Equal(t, rebuild.StatusFailed, run.Status())

	require.NoError(t, tal.ResumeRebuild(rid))
	ctxw, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	run, err = tal.WaitRebuild(ctxw, rid)
	require.NoError(t, err)
	assert.Equal(t, rebuild.StatusCompleted, run.Status())
	assert.Equal(t, uint64(3), run.Processed)
	assert.Equal(t, 3, count(t, tal, "questions_total", aggregate.NsAll()))

	// Sequences continue where the previous process stopped.
	q, err := tal.AddQuestion(ctx, &record.Question{Tenant: 1, Theme: 7, Code: "q3"})
	require.NoError(t, err)
	assert.Equal(t, record.ID(4), q)
}

func TestWriteValidation(t *testing.T) {
	tal := openTally(t, t.TempDir(), Options{})
	ctx := context.Background()

	_, err := tal.AddQuestion(ctx, &record.Question{Tenant: 1, Subtheme: 5})
	require.ErrorIs(t, err, tally_errors.ErrFieldMissing)
	_, err = tal.AddQuestion(ctx, &record.Question{Tenant: 1, Theme: 2, Group: 9})
	require.ErrorIs(t, err, tally_errors.ErrFieldMissing)
	_, err = tal.AddUser(ctx, 0, "nobody")
	require.ErrorIs(t, err, tally_errors.ErrFieldMissing)

	require.ErrorIs(t, tal.SubmitAnswer(ctx, 1, 404, true, time.Time{}),
		tally_errors.ErrRowUnknown)
	require.ErrorIs(t, tal.AddBookmark(ctx, 1, 404, time.Time{}),
		tally_errors.ErrRowUnknown)
	// Removing what is not there is drift, not failure.
	require.NoError(t, tal.RemoveBookmark(ctx, 1, 404))

	_, err = tal.Count(ctx, "no_such_aggregate", aggregate.NsAll(), aggregate.Range{})
	require.ErrorIs(t, err, tally_errors.ErrAggUnknown)
}

func TestBookmarkAndRemoveQuestion(t *testing.T) {
	tal := openTally(t, t.TempDir(), Options{})
	ctx := context.Background()

	q, err := tal.AddQuestion(ctx, &record.Question{Tenant: 1, Theme: 3, Code: "q"})
	require.NoError(t, err)
	user, err := tal.AddUser(ctx, 1, "lin")
	require.NoError(t, err)

	when := time.UnixMilli(4000).UTC()
	require.NoError(t, tal.AddBookmark(ctx, user, q, when))
	require.NoError(t, tal.AddBookmark(ctx, user, q, when.Add(time.Hour)))
	assert.Equal(t, 1, count(t, tal, "bookmarks_by_user", aggregate.NsUser(user)))
	assert.Equal(t, 1, count(t, tal, "bookmarks_by_user_theme", aggregate.NsUserTheme(user, 3)))

	require.NoError(t, tal.RemoveBookmark(ctx, user, q))
	assert.Equal(t, 0, count(t, tal, "bookmarks_by_user", aggregate.NsUser(user)))

	require.NoError(t, tal.RemoveQuestion(ctx, q))
	assert.Equal(t, 0, count(t, tal, "questions_total", aggregate.NsAll()))
	assert.Equal(t, 0, count(t, tal, "questions_by_theme", aggregate.NsTheme(3)))
	require.ErrorIs(t, tal.RemoveQuestion(ctx, q), tally_errors.ErrRowUnknown)
}

func TestClosedEngine(t *testing.T) {
	tal := openTally(t, t.TempDir(), Options{})
	require.NoError(t, tal.Close())
	require.NoError(t, tal.Close())

	_, err := tal.AddUser(context.Background(), 1, "late")
	require.ErrorIs(t, err, tally_errors.ErrClosed)
	_, err = tal.Count(context.Background(), "questions_total", aggregate.NsAll(), aggregate.Range{})
	require.ErrorIs(t, err, tally_errors.ErrClosed)
	_, err = tal.StartRebuild(rebuild.SystemScope())
	require.ErrorIs(t, err, tally_errors.ErrClosed)
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	tal := openTally(t, t.TempDir(), Options{Metrics: reg})
	_, err := tal.AddQuestion(context.Background(), &record.Question{Tenant: 1, Theme: 1, Code: "q"})
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["tally_aggregate_entry_ops"], "aggregate metrics exported")
	assert.True(t, names["tally_pebble_disk_usage_bytes"], "pebble collector exported")

	// Reopening against the same registerer must not fail.
	openTally(t, t.TempDir(), Options{Metrics: reg})
}

// Unknown-error fallback: a count that cannot use the index at all still
// answers from the source.
func TestCountFallbackOnIndexError(t *testing.T) {
	tal := openTally(t, t.TempDir(), Options{})
	ctx := context.Background()
	_, err := tal.AddQuestion(ctx, &record.Question{Tenant: 1, Theme: 2, Code: "q"})
	require.NoError(t, err)

	d, err := tal.reg.ByName("questions_total")
	require.NoError(t, err)
	require.NoError(t, tal.idx.MarkRebuilding([]*aggregate.Def{d}, "", uuid.New()))
	n, err := tal.Count(ctx, "questions_total", aggregate.NsAll(), aggregate.Range{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = tal.idx.Count(d, aggregate.NsAll(), aggregate.Range{})
	require.True(t, errors.Is(err, tally_errors.ErrAggregateDirty))
}
