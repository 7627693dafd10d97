package host

import (
	"github.com/google/uuid"

	"github.com/medprepa/tally/record"
)

// Key families share one keyspace, split by the leading tag byte:
//
//	'R' table seq8            source row, TLV body
//	'L' table user8 question8 row locator, value is the row's seq8
//	'A' agg ns 00 sort 00 id8 aggregate entry, empty value
//	'M' agg                   aggregate meta, TLV body
//	'W' runid16               rebuild run record, TLV body
//
// Namespace and sort key strings never contain a zero byte, so the 00
// separators keep entry keys ordered by (namespace, sort key, id).

func RowKey(t record.Table, id record.ID) []byte {
	key := make([]byte, 0, 10)
	key = append(key, 'R', byte(t))
	return append(key, id.Bytes()...)
}

func RowKeyParts(key []byte) (record.Table, record.ID) {
	if len(key) != 10 || key[0] != 'R' {
		return 0, record.ZeroID
	}
	return record.Table(key[1]), record.IDFromBytes(key[2:10])
}

// RowTableRange bounds every row of one table, half-open.
func RowTableRange(t record.Table) (lo, hi []byte) {
	return []byte{'R', byte(t)}, []byte{'R', byte(t) + 1}
}

func LocatorKey(t record.Table, user, question record.ID) []byte {
	key := make([]byte, 0, 18)
	key = append(key, 'L', byte(t))
	key = append(key, user.Bytes()...)
	return append(key, question.Bytes()...)
}

func EntryKey(agg byte, ns, sort string, id record.ID) []byte {
	key := make([]byte, 0, 2+len(ns)+1+len(sort)+1+8)
	key = append(key, 'A', agg)
	key = append(key, ns...)
	key = append(key, 0)
	key = append(key, sort...)
	key = append(key, 0)
	return append(key, id.Bytes()...)
}

// EntryKeyID recovers the row id an aggregate entry points at.
func EntryKeyID(key []byte) record.ID {
	if len(key) < 8 {
		return record.ZeroID
	}
	return record.IDFromBytes(key[len(key)-8:])
}

// EntryKeyNs recovers the namespace of an aggregate entry.
func EntryKeyNs(key []byte) string {
	if len(key) < 2 {
		return ""
	}
	rest := key[2:]
	for i := 0; i < len(rest); i++ {
		if rest[i] == 0 {
			return string(rest[:i])
		}
	}
	return ""
}

// EntrySortRange bounds the entries of one namespace whose sort keys fall
// in [from, to). Empty from or to leaves that side unbounded.
func EntrySortRange(agg byte, ns, from, to string) (lo, hi []byte) {
	base := make([]byte, 0, 3+len(ns))
	base = append(base, 'A', agg)
	base = append(base, ns...)
	lo = append(append([]byte{}, base...), 0)
	lo = append(lo, from...)
	if to == "" {
		hi = append(append([]byte{}, base...), 1)
	} else {
		hi = append(append([]byte{}, base...), 0)
		hi = append(hi, to...)
	}
	return
}

// EntryNsRange bounds every entry of one exact namespace.
func EntryNsRange(agg byte, ns string) (lo, hi []byte) {
	return EntrySortRange(agg, ns, "", "")
}

// EntryPrefixRange bounds every entry whose namespace starts with prefix.
// The caller includes a trailing separator (for example "u:2f:") so that
// "u:2f" never captures "u:2f1".
func EntryPrefixRange(agg byte, prefix string) (lo, hi []byte) {
	lo = append([]byte{'A', agg}, prefix...)
	hi = append([]byte{'A', agg}, prefix...)
	hi[len(hi)-1]++
	return
}

// EntryAggRange bounds every entry of one aggregate.
func EntryAggRange(agg byte) (lo, hi []byte) {
	return []byte{'A', agg}, []byte{'A', agg + 1}
}

func MetaKey(agg byte) []byte {
	return []byte{'M', agg}
}

func RunKey(rid uuid.UUID) []byte {
	key := make([]byte, 0, 17)
	key = append(key, 'W')
	return append(key, rid[:]...)
}

func RunKeyID(key []byte) (rid uuid.UUID) {
	if len(key) != 17 || key[0] != 'W' {
		return uuid.Nil
	}
	copy(rid[:], key[1:])
	return
}

func RunRange() (lo, hi []byte) {
	return []byte{'W'}, []byte{'W' + 1}
}
