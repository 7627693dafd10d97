package record

import (
	"github.com/pkg/errors"

	"github.com/medprepa/tally/tally_errors"
)

// Table identifies a source table. The byte value doubles as the key tag
// under the row key family, so tables occupy disjoint key ranges.
type Table byte

const (
	Questions Table = 'Q'
	Stats     Table = 'A'
	Bookmarks Table = 'B'
	Users     Table = 'U'
	Themes    Table = 'T'
	Subthemes Table = 'S'
	Groups    Table = 'G'
)

var tables = []Table{Questions, Stats, Bookmarks, Users, Themes, Subthemes, Groups}

// Tables lists every source table in a stable order.
func Tables() []Table {
	ret := make([]Table, len(tables))
	copy(ret, tables)
	return ret
}

func (t Table) Valid() bool {
	switch t {
	case Questions, Stats, Bookmarks, Users, Themes, Subthemes, Groups:
		return true
	}
	return false
}

func (t Table) String() string {
	switch t {
	case Questions:
		return "questions"
	case Stats:
		return "stats"
	case Bookmarks:
		return "bookmarks"
	case Users:
		return "users"
	case Themes:
		return "themes"
	case Subthemes:
		return "subthemes"
	case Groups:
		return "groups"
	}
	return "unknown"
}

func ParseTable(s string) (Table, error) {
	for _, t := range tables {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, errors.Wrapf(tally_errors.ErrTableBounds, "%q", s)
}
