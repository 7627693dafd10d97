package source

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/medprepa/tally/host"
	"github.com/medprepa/tally/record"
	"github.com/medprepa/tally/tally_errors"
)

// Cursor marks a position in one table's creation order. The zero Last
// scans from the beginning. Cursors carry no server-side state: a token
// names the table and the last sequence already processed, nothing else.
type Cursor struct {
	Table record.Table
	Last  record.ID
}

// cursor token: table(1) last(8) xxhash(8), hex encoded
const tokenRawLen = 1 + 8 + 8

// Token renders the cursor as an opaque resumable string. The checksum
// rejects tokens that were truncated or edited in transit.
func (c Cursor) Token() string {
	var raw [tokenRawLen]byte
	raw[0] = byte(c.Table)
	binary.BigEndian.PutUint64(raw[1:9], uint64(c.Last))
	binary.BigEndian.PutUint64(raw[9:], xxhash.Sum64(raw[:9]))
	return hex.EncodeToString(raw[:])
}

func (c Cursor) String() string {
	return fmt.Sprintf("%s@%s", c.Table, c.Last)
}

func ParseCursor(token string) (Cursor, error) {
	raw, err := hex.DecodeString(token)
	if err != nil {
		return Cursor{}, errors.Wrapf(tally_errors.ErrBadCursor, "%s", err)
	}
	if len(raw) != tokenRawLen {
		return Cursor{}, errors.Wrapf(tally_errors.ErrBadCursor, "token length %d", len(raw))
	}
	if xxhash.Sum64(raw[:9]) != binary.BigEndian.Uint64(raw[9:]) {
		return Cursor{}, errors.Wrap(tally_errors.ErrBadCursor, "checksum mismatch")
	}
	c := Cursor{
		Table: record.Table(raw[0]),
		Last:  record.ID(binary.BigEndian.Uint64(raw[1:9])),
	}
	if !c.Table.Valid() {
		return Cursor{}, errors.Wrapf(tally_errors.ErrBadCursor, "table 0x%02x", raw[0])
	}
	return c, nil
}

// ScanBatch reads up to limit rows after the cursor position, in creation
// order. done reports that the table holds nothing past the returned
// cursor. When the context expires mid-batch the rows read so far come
// back with done=false and a nil error: running out of budget is normal
// termination, the caller just schedules another step.
//
// Every row is visited exactly once across consecutive calls regardless
// of the limit, because the returned cursor names the last row loaded.
func (st *Store) ScanBatch(ctx context.Context, r pebble.Reader, cur Cursor, limit int) (rows []record.Row, next Cursor, done bool, err error) {
	if !cur.Table.Valid() {
		return nil, cur, false, errors.Wrapf(tally_errors.ErrBadCursor, "table 0x%02x", byte(cur.Table))
	}
	if limit < 1 {
		limit = 1
	}
	if r == nil {
		r = st.h.Database()
	}
	_, hi := host.RowTableRange(cur.Table)
	it, err := r.NewIter(&pebble.IterOptions{
		LowerBound: host.RowKey(cur.Table, cur.Last+1),
		UpperBound: hi,
	})
	if err != nil {
		return nil, cur, false, err
	}
	defer it.Close()

	next = cur
	rows = make([]record.Row, 0, limit)
	valid := it.First()
	for valid && len(rows) < limit {
		if ctx.Err() != nil {
			return rows, next, false, nil
		}
		_, id := host.RowKeyParts(it.Key())
		row, lerr := record.Load(cur.Table, id, it.Value())
		if lerr != nil {
			return rows, next, false, errors.Wrapf(lerr, "%s %s", cur.Table, id)
		}
		rows = append(rows, row)
		next.Last = id
		valid = it.Next()
	}
	return rows, next, !valid, nil
}

// ScanUserBatch reads up to limit of one user's rows from a locator-backed
// table, ordered by question id. The key layout puts all of a user's
// locators in one contiguous range, so a single user's replay never scans
// other users' rows. The cursor's Last is the last question id visited;
// budget expiry behaves like ScanBatch.
func (st *Store) ScanUserBatch(ctx context.Context, r pebble.Reader, user record.ID, cur Cursor, limit int) (rows []record.Row, next Cursor, done bool, err error) {
	if cur.Table != record.Stats && cur.Table != record.Bookmarks {
		return nil, cur, false, errors.Wrapf(tally_errors.ErrBadCursor, "no locators on %s", cur.Table)
	}
	if limit < 1 {
		limit = 1
	}
	if r == nil {
		r = st.h.Database()
	}
	lo := host.LocatorKey(cur.Table, user, cur.Last+1)
	hi := host.LocatorKey(cur.Table, user+1, 0)
	if user == ^record.ID(0) {
		hi = []byte{'L', byte(cur.Table) + 1}
	}
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, cur, false, err
	}
	defer it.Close()

	next = cur
	rows = make([]record.Row, 0, limit)
	valid := it.First()
	for valid && len(rows) < limit {
		if ctx.Err() != nil {
			return rows, next, false, nil
		}
		key := it.Key()
		question := record.IDFromBytes(key[len(key)-8:])
		row, lerr := st.Get(r, cur.Table, record.IDFromBytes(it.Value()))
		if lerr != nil {
			return rows, next, false, errors.Wrapf(lerr, "locator of question %s", question)
		}
		rows = append(rows, row)
		next.Last = question
		valid = it.Next()
	}
	return rows, next, !valid, nil
}
