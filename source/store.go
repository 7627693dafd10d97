// Package source owns the source-of-truth tables: append-only sequence
// allocation, row CRUD, the (user, question) row locators behind keyed
// upserts, and the batch cursor protocol every rebuild walks with.
package source

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/medprepa/tally/host"
	"github.com/medprepa/tally/record"
	"github.com/medprepa/tally/tally_errors"
)

type Store struct {
	h    host.Host
	seqs map[record.Table]*atomic.Uint64
}

// NewStore recovers the last assigned sequence of every table so that
// appends continue where the previous process stopped.
func NewStore(h host.Host) (*Store, error) {
	st := Store{
		h:    h,
		seqs: make(map[record.Table]*atomic.Uint64, len(record.Tables())),
	}
	for _, t := range record.Tables() {
		last, err := lastSeq(h.Database(), t)
		if err != nil {
			return nil, errors.Wrapf(err, "recovering %s sequence", t)
		}
		seq := &atomic.Uint64{}
		seq.Store(uint64(last))
		st.seqs[t] = seq
	}
	return &st, nil
}

func lastSeq(db *pebble.DB, t record.Table) (record.ID, error) {
	lo, hi := host.RowTableRange(t)
	it, err := db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer it.Close()
	if !it.Last() {
		return 0, nil
	}
	_, id := host.RowKeyParts(it.Key())
	return id, nil
}

func (st *Store) LastSeq(t record.Table) record.ID {
	return record.ID(st.seqs[t].Load())
}

// Append assigns the row the next sequence of its table and writes it,
// with its locator when the table has one, into w.
func (st *Store) Append(w pebble.Writer, row record.Row) (record.ID, error) {
	id := record.ID(st.seqs[row.Table()].Add(1))
	row.SetRowID(id)
	return id, st.Put(w, row)
}

// Put writes a row under its existing id.
func (st *Store) Put(w pebble.Writer, row record.Row) error {
	id := row.RowID()
	if id.Zero() {
		return errors.Wrap(tally_errors.ErrRowUnknown, "put of an unassigned row")
	}
	wo := st.h.WriteOptions()
	if err := w.Set(host.RowKey(row.Table(), id), row.Body(), wo); err != nil {
		return err
	}
	if key := locator(row); key != nil {
		return w.Set(key, id.Bytes(), wo)
	}
	return nil
}

// DeleteRow removes a row and its locator.
func (st *Store) DeleteRow(w pebble.Writer, row record.Row) error {
	wo := st.h.WriteOptions()
	if err := w.Delete(host.RowKey(row.Table(), row.RowID()), wo); err != nil {
		return err
	}
	if key := locator(row); key != nil {
		return w.Delete(key, wo)
	}
	return nil
}

func locator(row record.Row) []byte {
	switch r := row.(type) {
	case *record.Stat:
		return host.LocatorKey(record.Stats, r.User, r.Question)
	case *record.Bookmark:
		return host.LocatorKey(record.Bookmarks, r.User, r.Question)
	}
	return nil
}

// Get loads one row from the given reader; pass nil to read the live
// database.
func (st *Store) Get(r pebble.Reader, t record.Table, id record.ID) (record.Row, error) {
	if r == nil {
		r = st.h.Database()
	}
	val, closer, err := r.Get(host.RowKey(t, id))
	if err == pebble.ErrNotFound {
		return nil, errors.Wrapf(tally_errors.ErrRowUnknown, "%s %s", t, id)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	row, err := record.Load(t, id, val)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", t, id)
	}
	return row, nil
}

func (st *Store) Question(id record.ID) (*record.Question, error) {
	row, err := st.Get(nil, record.Questions, id)
	if err != nil {
		return nil, err
	}
	return row.(*record.Question), nil
}

func (st *Store) User(id record.ID) (*record.User, error) {
	row, err := st.Get(nil, record.Users, id)
	if err != nil {
		return nil, err
	}
	return row.(*record.User), nil
}

func (st *Store) Theme(id record.ID) (*record.Theme, error) {
	row, err := st.Get(nil, record.Themes, id)
	if err != nil {
		return nil, err
	}
	return row.(*record.Theme), nil
}

func (st *Store) Subtheme(id record.ID) (*record.Subtheme, error) {
	row, err := st.Get(nil, record.Subthemes, id)
	if err != nil {
		return nil, err
	}
	return row.(*record.Subtheme), nil
}

func (st *Store) Group(id record.ID) (*record.Group, error) {
	row, err := st.Get(nil, record.Groups, id)
	if err != nil {
		return nil, err
	}
	return row.(*record.Group), nil
}

// StatByUserQuestion resolves the stat row of a (user, question) pair via
// its locator. ErrRowUnknown means the user never answered the question.
func (st *Store) StatByUserQuestion(user, question record.ID) (*record.Stat, error) {
	id, err := st.locate(record.Stats, user, question)
	if err != nil {
		return nil, err
	}
	row, err := st.Get(nil, record.Stats, id)
	if err != nil {
		return nil, err
	}
	return row.(*record.Stat), nil
}

func (st *Store) BookmarkByUserQuestion(user, question record.ID) (*record.Bookmark, error) {
	id, err := st.locate(record.Bookmarks, user, question)
	if err != nil {
		return nil, err
	}
	row, err := st.Get(nil, record.Bookmarks, id)
	if err != nil {
		return nil, err
	}
	return row.(*record.Bookmark), nil
}

func (st *Store) locate(t record.Table, user, question record.ID) (record.ID, error) {
	val, closer, err := st.h.Database().Get(host.LocatorKey(t, user, question))
	if err == pebble.ErrNotFound {
		return 0, errors.Wrapf(tally_errors.ErrRowUnknown, "%s of user %s question %s", t, user, question)
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return record.IDFromBytes(val), nil
}

// ForEach visits every row of a table in creation order. A nil reader
// reads the live database; pass a snapshot for a frozen view.
func (st *Store) ForEach(ctx context.Context, r pebble.Reader, t record.Table, fn func(record.Row) error) error {
	if r == nil {
		r = st.h.Database()
	}
	lo, hi := host.RowTableRange(t)
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return err
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, id := host.RowKeyParts(it.Key())
		row, err := record.Load(t, id, it.Value())
		if err != nil {
			return errors.Wrapf(err, "%s %s", t, id)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}
