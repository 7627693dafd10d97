package aggregate

import (
	"github.com/pkg/errors"

	"github.com/medprepa/tally/record"
	"github.com/medprepa/tally/tally_errors"
)

// Registry is the fixed set of aggregates the platform maintains. Tags
// are persisted in entry keys, so definitions may be added but existing
// tags must keep their meaning.
type Registry struct {
	defs   []*Def
	byName map[string]*Def
}

func NewRegistry() *Registry {
	defs := []*Def{
		questionsTotalDef(),
		questionTaxonomyDef("questions_by_tenant", 0x02, Taxonomy, true,
			func(q *record.Question) record.ID { return q.Tenant }, NsTenant),
		questionTaxonomyDef("questions_by_theme", 0x03, Taxonomy, true,
			func(q *record.Question) record.ID { return q.Theme }, NsTheme),
		questionTaxonomyDef("questions_by_subtheme", 0x04, Taxonomy, true,
			func(q *record.Question) record.ID { return q.Subtheme }, NsSubtheme),
		questionTaxonomyDef("questions_by_group", 0x05, Taxonomy, true,
			func(q *record.Question) record.ID { return q.Group }, NsGroup),
		questionTaxonomyDef("questions_random_by_theme", 0x06, Random, false,
			func(q *record.Question) record.ID { return q.Theme }, NsTheme),
		questionTaxonomyDef("questions_random_by_subtheme", 0x07, Random, false,
			func(q *record.Question) record.ID { return q.Subtheme }, NsSubtheme),
		questionTaxonomyDef("questions_random_by_group", 0x08, Random, false,
			func(q *record.Question) record.ID { return q.Group }, NsGroup),
		usersByTenantDef(),
		statUserDef("answered_by_user", 0x0a, answered),
		statUserTaxonomyDef("answered_by_user_theme", 0x0b, answered,
			func(q *record.Question) record.ID { return q.Theme }, NsUserTheme),
		statUserTaxonomyDef("answered_by_user_subtheme", 0x0c, answered,
			func(q *record.Question) record.ID { return q.Subtheme }, NsUserSubtheme),
		statUserTaxonomyDef("answered_by_user_group", 0x0d, answered,
			func(q *record.Question) record.ID { return q.Group }, NsUserGroup),
		statUserDef("incorrect_by_user", 0x0e, incorrect),
		statUserTaxonomyDef("incorrect_by_user_theme", 0x0f, incorrect,
			func(q *record.Question) record.ID { return q.Theme }, NsUserTheme),
		statUserTaxonomyDef("incorrect_by_user_subtheme", 0x10, incorrect,
			func(q *record.Question) record.ID { return q.Subtheme }, NsUserSubtheme),
		statUserTaxonomyDef("incorrect_by_user_group", 0x11, incorrect,
			func(q *record.Question) record.ID { return q.Group }, NsUserGroup),
		bookmarksByUserDef(),
		bookmarksByUserThemeDef(),
	}
	reg := Registry{
		defs:   defs,
		byName: make(map[string]*Def, len(defs)),
	}
	for _, d := range defs {
		if _, dup := reg.byName[d.Name]; dup {
			panic("duplicate aggregate name " + d.Name)
		}
		reg.byName[d.Name] = d
	}
	return &reg
}

func (r *Registry) Defs() []*Def {
	return r.defs
}

func (r *Registry) ByName(name string) (*Def, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, errors.Wrapf(tally_errors.ErrAggUnknown, "%q", name)
	}
	return d, nil
}

func (r *Registry) ByTable(t record.Table) []*Def {
	var ret []*Def
	for _, d := range r.defs {
		if d.Table == t {
			ret = append(ret, d)
		}
	}
	return ret
}

func (r *Registry) ByCategory(c Category) []*Def {
	var ret []*Def
	for _, d := range r.defs {
		if d.Category == c {
			ret = append(ret, d)
		}
	}
	return ret
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for _, d := range r.defs {
		names = append(names, d.Name)
	}
	return names
}

func answered(s *record.Stat) bool  { return s.Answered }
func incorrect(s *record.Stat) bool { return s.Incorrect }

func questionCreated(row record.Row) string {
	return TimeKey(row.(*record.Question).Created)
}

func statWhen(row record.Row) string {
	return TimeKey(row.(*record.Stat).When)
}

func questionsTotalDef() *Def {
	return &Def{
		Name:     "questions_total",
		Tag:      0x01,
		Table:    record.Questions,
		Category: Taxonomy,
		Cost:     CostNone,
		Namespace: func(_ Env, row record.Row) (string, error) {
			if _, ok := row.(*record.Question); !ok {
				return "", errors.Wrapf(tally_errors.ErrFieldMissing, "questions_total over %s", row.Table())
			}
			return NsAll(), nil
		},
		SortKey: questionCreated,
	}
}

// questionTaxonomyDef counts questions inside one taxonomy namespace.
// The pre-filter is "the taxonomy field is assigned"; a row reaching
// Namespace without it is an invariant failure.
func questionTaxonomyDef(name string, tag byte, cat Category, sorted bool,
	field func(*record.Question) record.ID, ns func(record.ID) string) *Def {
	d := Def{
		Name:     name,
		Tag:      tag,
		Table:    record.Questions,
		Category: cat,
		Cost:     CostNone,
		Applies: func(row record.Row) bool {
			q, ok := row.(*record.Question)
			return ok && !field(q).Zero()
		},
		Namespace: func(_ Env, row record.Row) (string, error) {
			q, ok := row.(*record.Question)
			if !ok || field(q).Zero() {
				return "", errors.Wrapf(tally_errors.ErrFieldMissing, "%s of question %s", name, row.RowID())
			}
			return ns(field(q)), nil
		},
	}
	if sorted {
		d.SortKey = questionCreated
	}
	return &d
}

func usersByTenantDef() *Def {
	return &Def{
		Name:     "users_by_tenant",
		Tag:      0x09,
		Table:    record.Users,
		Category: Taxonomy,
		Cost:     CostNone,
		Namespace: func(_ Env, row record.Row) (string, error) {
			u, ok := row.(*record.User)
			if !ok || u.Tenant.Zero() {
				return "", errors.Wrapf(tally_errors.ErrFieldMissing, "users_by_tenant of user %s", row.RowID())
			}
			return NsTenant(u.Tenant), nil
		},
		SortKey: func(row record.Row) string {
			return TimeKey(row.(*record.User).Created)
		},
	}
}

func statUserDef(name string, tag byte, flag func(*record.Stat) bool) *Def {
	return &Def{
		Name:     name,
		Tag:      tag,
		Table:    record.Stats,
		Category: User,
		Cost:     CostNone,
		Applies: func(row record.Row) bool {
			s, ok := row.(*record.Stat)
			return ok && flag(s)
		},
		Namespace: func(_ Env, row record.Row) (string, error) {
			s, ok := row.(*record.Stat)
			if !ok || !flag(s) || s.User.Zero() {
				return "", errors.Wrapf(tally_errors.ErrFieldMissing, "%s of stat %s", name, row.RowID())
			}
			return NsUser(s.User), nil
		},
		SortKey: statWhen,
	}
}

// statUserTaxonomyDef crosses a user counter with the question's taxonomy.
// A question without the taxonomy field assigned is a plain skip: the stat
// legitimately contributes nothing to this aggregate.
func statUserTaxonomyDef(name string, tag byte, flag func(*record.Stat) bool,
	field func(*record.Question) record.ID, ns func(user, tax record.ID) string) *Def {
	return &Def{
		Name:     name,
		Tag:      tag,
		Table:    record.Stats,
		Category: User,
		Cost:     CostLookup,
		Applies: func(row record.Row) bool {
			s, ok := row.(*record.Stat)
			return ok && flag(s)
		},
		Namespace: func(env Env, row record.Row) (string, error) {
			s, ok := row.(*record.Stat)
			if !ok || !flag(s) || s.User.Zero() || s.Question.Zero() {
				return "", errors.Wrapf(tally_errors.ErrFieldMissing, "%s of stat %s", name, row.RowID())
			}
			q, err := env.Question(s.Question)
			if errors.Is(err, tally_errors.ErrRowUnknown) {
				// The question was removed after the answer; the stat
				// contributes nothing to taxonomy counters anymore.
				return "", nil
			}
			if err != nil {
				return "", errors.Wrapf(err, "%s of stat %s", name, s.ID)
			}
			if field(q).Zero() {
				return "", nil
			}
			return ns(s.User, field(q)), nil
		},
		SortKey: statWhen,
	}
}

func bookmarksByUserDef() *Def {
	return &Def{
		Name:     "bookmarks_by_user",
		Tag:      0x12,
		Table:    record.Bookmarks,
		Category: User,
		Cost:     CostNone,
		Namespace: func(_ Env, row record.Row) (string, error) {
			m, ok := row.(*record.Bookmark)
			if !ok || m.User.Zero() {
				return "", errors.Wrapf(tally_errors.ErrFieldMissing, "bookmarks_by_user of bookmark %s", row.RowID())
			}
			return NsUser(m.User), nil
		},
		SortKey: func(row record.Row) string {
			return TimeKey(row.(*record.Bookmark).When)
		},
	}
}

func bookmarksByUserThemeDef() *Def {
	return &Def{
		Name:     "bookmarks_by_user_theme",
		Tag:      0x13,
		Table:    record.Bookmarks,
		Category: User,
		Cost:     CostLookup,
		Namespace: func(env Env, row record.Row) (string, error) {
			m, ok := row.(*record.Bookmark)
			if !ok || m.User.Zero() || m.Question.Zero() {
				return "", errors.Wrapf(tally_errors.ErrFieldMissing, "bookmarks_by_user_theme of bookmark %s", row.RowID())
			}
			q, err := env.Question(m.Question)
			if errors.Is(err, tally_errors.ErrRowUnknown) {
				return "", nil
			}
			if err != nil {
				return "", errors.Wrapf(err, "bookmarks_by_user_theme of bookmark %s", m.ID)
			}
			if q.Theme.Zero() {
				return "", nil
			}
			return NsUserTheme(m.User, q.Theme), nil
		},
		SortKey: func(row record.Row) string {
			return TimeKey(row.(*record.Bookmark).When)
		},
	}
}
