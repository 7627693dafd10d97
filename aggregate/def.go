// Package aggregate maintains the derived-count index: one key-ordered
// entry per (aggregate, namespace, sort key, row id), so that "how many
// questions/answers/bookmarks match this filter" is a bounded range scan
// instead of a table walk.
//
// Entries are presence markers with empty values. Counts are always
// derived by iterating a range of entries; nothing ever increments a
// stored number, which is what makes inserts idempotent and rebuild
// steps safely repeatable.
package aggregate

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/medprepa/tally/record"
	"github.com/medprepa/tally/tally_errors"
)

// Category groups aggregates by what clears and rebuilds together.
type Category byte

const (
	// Taxonomy counters scope by tenant, theme, subtheme or group.
	Taxonomy Category = 'T'
	// Random pools are unordered per-taxonomy question sets used for
	// uniform selection; their entries carry no sort key.
	Random Category = 'R'
	// User counters scope by user, optionally crossed with taxonomy.
	User Category = 'U'
)

func (c Category) String() string {
	switch c {
	case Taxonomy:
		return "taxonomy"
	case Random:
		return "random"
	case User:
		return "user"
	}
	return "unknown"
}

func ParseCategory(s string) (Category, error) {
	for _, c := range []Category{Taxonomy, Random, User} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, errors.Wrapf(tally_errors.ErrAggUnknown, "category %q", s)
}

// CostClass tells the rebuild how expensive one row is to reindex, which
// picks the batch size of a replay step.
type CostClass byte

const (
	// CostNone rows carry everything their namespace needs.
	CostNone CostClass = 'N'
	// CostLookup rows need a question fetched to resolve their taxonomy.
	CostLookup CostClass = 'L'
)

// Env resolves cross-table references while planning entries.
type Env interface {
	Question(id record.ID) (*record.Question, error)
}

// Def is one logical counter. Tag is the persisted key byte and must
// never be reassigned once released.
//
// Namespace returns the entry's namespace for a row, "" to skip the row,
// or ErrFieldMissing when the row lacks a field the aggregate requires
// unconditionally. Applies is the cheap row-only pre-filter; Namespace
// treats a violated pre-filter as an invariant failure, not as a skip.
type Def struct {
	Name      string
	Tag       byte
	Table     record.Table
	Category  Category
	Cost      CostClass
	Applies   func(row record.Row) bool
	Namespace func(env Env, row record.Row) (string, error)
	SortKey   func(row record.Row) string
}

func (d *Def) String() string { return d.Name }

// Namespace string forms. IDs render as hex; the separators keep any
// namespace free of zero bytes so entry keys stay well formed.

func NsAll() string                  { return "all" }
func NsTenant(id record.ID) string   { return "n:" + id.String() }
func NsTheme(id record.ID) string    { return "t:" + id.String() }
func NsSubtheme(id record.ID) string { return "s:" + id.String() }
func NsGroup(id record.ID) string    { return "g:" + id.String() }
func NsUser(id record.ID) string     { return "u:" + id.String() }

func NsUserTheme(user, theme record.ID) string {
	return "u:" + user.String() + ":t:" + theme.String()
}

func NsUserSubtheme(user, subtheme record.ID) string {
	return "u:" + user.String() + ":s:" + subtheme.String()
}

func NsUserGroup(user, group record.ID) string {
	return "u:" + user.String() + ":g:" + group.String()
}

// UserNsPrefix prefixes every taxonomy-crossed namespace of one user.
// The trailing separator keeps user "u:2f" from matching "u:2f1".
func UserNsPrefix(user record.ID) string {
	return "u:" + user.String() + ":"
}

// TimeKey renders a timestamp as a fixed-width sort key whose byte order
// matches time order.
func TimeKey(t time.Time) string {
	return fmt.Sprintf("%016x", uint64(t.UnixMilli()))
}
