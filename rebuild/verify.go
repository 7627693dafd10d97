package rebuild

import (
	"context"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/medprepa/tally/aggregate"
	"github.com/medprepa/tally/record"
	"github.com/medprepa/tally/source"
	"github.com/medprepa/tally/utils"
)

// maxDiscrepancies caps how many offenders a run record carries. The full
// mismatch count is still in Mismatched; the report just stops listing.
const maxDiscrepancies = 16

// snapEnv resolves question lookups against the verification snapshot, so
// expected totals and the rows they came from are the same frozen view.
type snapEnv struct {
	st *source.Store
	r  pebble.Reader
}

func (e snapEnv) Question(id record.ID) (*record.Question, error) {
	row, err := e.st.Get(e.r, record.Questions, id)
	if err != nil {
		return nil, err
	}
	return row.(*record.Question), nil
}

// verifying recounts the scope from the source tables and compares the
// totals against the rebuilt entries, both sides read from one snapshot.
// Expected totals run through the same namespace functions the index
// writes with; actuals come from entry scans. The comparison walks the
// union of both namespace sets, so a stale namespace the source no longer
// produces surfaces just like a missing one. Mismatches downgrade the run
// to completed-with-warnings and are never retried here: a disagreement
// right after a replay means a bug or a concurrent writer, and either way
// a human should see the report.
func (o *Orchestrator) verifying(ctx context.Context, run *Run, defs []*aggregate.Def) error {
	started := time.Now()
	snap := o.h.Database().NewSnapshot()
	defer snap.Close()

	expected, err := o.expectedCounts(ctx, snap, run.Scope, defs)
	if err != nil {
		return err
	}

	worst := utils.NewHeap(func(a, b Discrepancy) bool { return a.Delta() < b.Delta() })
	run.Checked, run.Mismatched = 0, 0
	for _, d := range defs {
		actual, aerr := o.actualCounts(snap, run.Scope, d)
		if aerr != nil {
			return errors.Wrapf(aerr, "verifying %s", d.Name)
		}
		exp := expected[d.Tag]
		for ns := range actual {
			if _, ok := exp[ns]; !ok {
				exp[ns] = 0
			}
		}
		for ns, want := range exp {
			run.Checked++
			got := actual[ns]
			if got == want {
				continue
			}
			run.Mismatched++
			DiscrepancyCount.WithLabelValues(d.Name).Inc()
			worst.Push(Discrepancy{Aggregate: d.Name, Namespace: ns, Expected: want, Actual: got})
			if worst.Len() > maxDiscrepancies {
				worst.Pop()
			}
		}
	}

	// worst drains smallest delta first; the report reads worst first.
	n := worst.Len()
	run.Discrepancies = make([]Discrepancy, n)
	for i := n - 1; i >= 0; i-- {
		run.Discrepancies[i] = worst.Pop()
	}

	StepCount.WithLabelValues("verifying").Inc()
	StepDuration.WithLabelValues("verifying").Observe(float64(time.Since(started).Milliseconds()))
	if run.Mismatched > 0 {
		o.h.Logger().WarnCtx(ctx, "verification found discrepancies",
			"checked", run.Checked, "mismatched", run.Mismatched)
	}
	return nil
}

// expectedCounts rescans the scope's tables once each and tallies what
// the index should hold, per aggregate and namespace.
func (o *Orchestrator) expectedCounts(ctx context.Context, snap pebble.Reader,
	scope Scope, defs []*aggregate.Def) (map[byte]map[string]int, error) {
	env := snapEnv{st: o.store, r: snap}
	ret := make(map[byte]map[string]int, len(defs))
	for _, d := range defs {
		ret[d.Tag] = make(map[string]int)
	}
	for _, t := range scopeTables(defs) {
		byTable := defsOn(defs, t)
		visit := func(row record.Row) error {
			for _, d := range byTable {
				if d.Applies != nil && !d.Applies(row) {
					continue
				}
				e, ok, perr := o.idx.Plan(env, d, row)
				if perr != nil {
					return errors.Wrapf(perr, "row %s", row.RowID())
				}
				if ok {
					ret[d.Tag][e.Ns]++
				}
			}
			return nil
		}
		var err error
		if scope.Kind == ScopeUser {
			err = o.forEachUserRow(ctx, snap, t, scope.User, visit)
		} else {
			err = o.store.ForEach(ctx, snap, t, visit)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "recounting %s", t)
		}
	}
	return ret, nil
}

func (o *Orchestrator) forEachUserRow(ctx context.Context, r pebble.Reader,
	t record.Table, user record.ID, fn func(record.Row) error) error {
	cur := source.Cursor{Table: t}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, next, done, err := o.store.ScanUserBatch(ctx, r, user, cur, o.opts.BatchScan)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := fn(row); err != nil {
				return err
			}
		}
		cur = next
		if done {
			return nil
		}
	}
}

// actualCounts reads the per-namespace entry totals the index actually
// holds. A user scope needs two reads: the exact "u:<id>" namespace plus
// the "u:<id>:" crossed namespaces, because ids render variable-width and
// the bare form would prefix-match other users.
func (o *Orchestrator) actualCounts(snap pebble.Reader, scope Scope, d *aggregate.Def) (map[string]int, error) {
	if scope.Kind != ScopeUser {
		return o.idx.CountByNsPrefix(snap, d, "")
	}
	ret, err := o.idx.CountByNsPrefix(snap, d, aggregate.UserNsPrefix(scope.User))
	if err != nil {
		return nil, err
	}
	exact := aggregate.NsUser(scope.User)
	n, err := o.idx.ScanCount(snap, d, exact, aggregate.Range{})
	if err != nil {
		return nil, err
	}
	if n > 0 {
		ret[exact] = n
	}
	return ret, nil
}
