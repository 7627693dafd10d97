package aggregate

import (
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/medprepa/tally/host"
	"github.com/medprepa/tally/record"
	"github.com/medprepa/tally/tally_errors"
)

var EntryOps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "aggregate",
	Name:      "entry_ops",
}, []string{"aggregate", "op"})

var Counts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "aggregate",
	Name:      "counts",
}, []string{"aggregate", "result"})

// Entry is one planned presence marker: the key says everything, the
// stored value is empty.
type Entry struct {
	Def  *Def
	Ns   string
	Sort string
	ID   record.ID
}

func (e Entry) Key() []byte {
	return host.EntryKey(e.Def.Tag, e.Ns, e.Sort, e.ID)
}

// Index reads and writes aggregate entries. All mutations are idempotent:
// inserting a present entry and clearing an empty namespace are no-ops,
// which lets rebuild steps repeat after a crash without double counting.
type Index struct {
	h host.Host
}

func NewIndex(h host.Host) *Index {
	return &Index{h: h}
}

// Plan computes the entry a row contributes to one aggregate, or ok=false
// when the row legitimately contributes nothing.
func (x *Index) Plan(env Env, d *Def, row record.Row) (e Entry, ok bool, err error) {
	ns, err := d.Namespace(env, row)
	if err != nil {
		return Entry{}, false, err
	}
	if ns == "" {
		return Entry{}, false, nil
	}
	e = Entry{Def: d, Ns: ns, ID: row.RowID()}
	if d.SortKey != nil {
		e.Sort = d.SortKey(row)
	}
	return e, true, nil
}

// InsertEntry writes a planned entry unless it is already present.
// Presence is checked against the live database, so entries buffered in w
// must not depend on each other; distinct row ids guarantee that.
func (x *Index) InsertEntry(w pebble.Writer, e Entry) (bool, error) {
	key := e.Key()
	_, closer, err := x.h.Database().Get(key)
	if err == nil {
		_ = closer.Close()
		EntryOps.WithLabelValues(e.Def.Name, "present").Inc()
		return false, nil
	}
	if err != pebble.ErrNotFound {
		return false, err
	}
	if err := w.Set(key, nil, x.h.WriteOptions()); err != nil {
		return false, err
	}
	EntryOps.WithLabelValues(e.Def.Name, "insert").Inc()
	return true, nil
}

// Insert plans and writes a row's entry. Returns false without error when
// the row contributes nothing or the entry already exists.
func (x *Index) Insert(w pebble.Writer, env Env, d *Def, row record.Row) (bool, error) {
	e, ok, err := x.Plan(env, d, row)
	if err != nil || !ok {
		return false, err
	}
	return x.InsertEntry(w, e)
}

// DeleteEntry removes a planned entry, ErrEntryNotFound when absent.
// Callers decide whether absence is tolerable; the live update path logs
// it and moves on.
func (x *Index) DeleteEntry(w pebble.Writer, e Entry) error {
	key := e.Key()
	_, closer, err := x.h.Database().Get(key)
	if err == pebble.ErrNotFound {
		EntryOps.WithLabelValues(e.Def.Name, "missing").Inc()
		return errors.Wrapf(tally_errors.ErrEntryNotFound, "%s %s %s", e.Def.Name, e.Ns, e.ID)
	}
	if err != nil {
		return err
	}
	_ = closer.Close()
	if err := w.Delete(key, x.h.WriteOptions()); err != nil {
		return err
	}
	EntryOps.WithLabelValues(e.Def.Name, "delete").Inc()
	return nil
}

func (x *Index) Delete(w pebble.Writer, env Env, d *Def, row record.Row) error {
	e, ok, err := x.Plan(env, d, row)
	if err != nil || !ok {
		return err
	}
	return x.DeleteEntry(w, e)
}

// Clear drops every entry of one namespace in a single range delete.
// Unknown namespaces clear to nothing, which is not an error.
func (x *Index) Clear(d *Def, ns string) error {
	lo, hi := host.EntryNsRange(d.Tag, ns)
	EntryOps.WithLabelValues(d.Name, "clear").Inc()
	return x.h.Database().DeleteRange(lo, hi, x.h.WriteOptions())
}

// ClearPrefix drops every namespace sharing a prefix; the prefix carries
// its trailing separator, see UserNsPrefix.
func (x *Index) ClearPrefix(d *Def, prefix string) error {
	lo, hi := host.EntryPrefixRange(d.Tag, prefix)
	EntryOps.WithLabelValues(d.Name, "clear").Inc()
	return x.h.Database().DeleteRange(lo, hi, x.h.WriteOptions())
}

// ClearAll drops the whole aggregate, empty namespaces included.
func (x *Index) ClearAll(d *Def) error {
	lo, hi := host.EntryAggRange(d.Tag)
	EntryOps.WithLabelValues(d.Name, "clear").Inc()
	return x.h.Database().DeleteRange(lo, hi, x.h.WriteOptions())
}

// Range restricts a count to entries whose sort key falls in [From, To).
// Empty bounds leave that side open; the zero Range counts the whole
// namespace.
type Range struct {
	From string
	To   string
}

// Count derives the answer by scanning the namespace's entries. A
// namespace covered by a running rebuild answers ErrAggregateDirty, which
// the engine turns into a linear-scan fallback.
func (x *Index) Count(d *Def, ns string, rng Range) (int, error) {
	h, err := x.Health(d)
	if err != nil {
		return 0, err
	}
	if h.Covers(ns) {
		Counts.WithLabelValues(d.Name, "dirty").Inc()
		return 0, errors.Wrapf(tally_errors.ErrAggregateDirty, "%s of %q by run %s", d.Name, ns, h.Run)
	}
	n, err := x.ScanCount(nil, d, ns, rng)
	if err != nil {
		return 0, err
	}
	Counts.WithLabelValues(d.Name, "ok").Inc()
	return n, nil
}

// ScanCount counts entries regardless of rebuild health. A nil reader
// reads the live database; verification passes a snapshot.
func (x *Index) ScanCount(r pebble.Reader, d *Def, ns string, rng Range) (int, error) {
	if r == nil {
		r = x.h.Database()
	}
	lo, hi := host.EntrySortRange(d.Tag, ns, rng.From, rng.To)
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer it.Close()
	n := 0
	for valid := it.First(); valid; valid = it.Next() {
		n++
	}
	return n, nil
}

// CountByNsPrefix tallies entries per namespace across one aggregate, the
// empty prefix covering all of it. Verification compares these totals
// against an independent source scan.
func (x *Index) CountByNsPrefix(r pebble.Reader, d *Def, prefix string) (map[string]int, error) {
	if r == nil {
		r = x.h.Database()
	}
	lo, hi := host.EntryPrefixRange(d.Tag, prefix)
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	perNs := make(map[string]int)
	for valid := it.First(); valid; valid = it.Next() {
		perNs[host.EntryKeyNs(it.Key())]++
	}
	return perNs, nil
}

// ForEachEntry visits an aggregate's entries in key order, for dumps and
// the console.
func (x *Index) ForEachEntry(r pebble.Reader, d *Def, fn func(ns, sort string, id record.ID) error) error {
	if r == nil {
		r = x.h.Database()
	}
	lo, hi := host.EntryAggRange(d.Tag)
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return err
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		key := it.Key()
		ns := host.EntryKeyNs(key)
		sort := ""
		if rest := key[2+len(ns)+1 : len(key)-9]; len(rest) > 0 {
			sort = string(rest)
		}
		if err := fn(ns, sort, host.EntryKeyID(key)); err != nil {
			return err
		}
	}
	return nil
}
