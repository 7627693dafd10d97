// Package record defines the source-of-truth row types the engine stores
// and counts: the question bank, per-user answer stats, bookmarks, users,
// and the theme/subtheme/group taxonomy.
//
// Rows form a closed, tagged set. Every variant knows its table and renders
// its body as a fixed sequence of TLV field records, so a (table, body)
// pair read back from the store loads without any payload probing.
package record

import (
	"time"

	"github.com/pkg/errors"

	"github.com/medprepa/tally/tally_errors"
	"github.com/medprepa/tally/tlv"
)

// Row is one source table row. Implementations are *Question, *Stat,
// *Bookmark, *User, *Theme, *Subtheme and *Group.
type Row interface {
	RowID() ID
	SetRowID(ID)
	Table() Table
	Body() []byte
}

// Load revives a row from its table tag and stored body.
func Load(t Table, id ID, body []byte) (Row, error) {
	switch t {
	case Questions:
		return LoadQuestion(id, body)
	case Stats:
		return LoadStat(id, body)
	case Bookmarks:
		return LoadBookmark(id, body)
	case Users:
		return LoadUser(id, body)
	case Themes:
		return LoadTheme(id, body)
	case Subthemes:
		return LoadSubtheme(id, body)
	case Groups:
		return LoadGroup(id, body)
	}
	return nil, errors.Wrapf(tally_errors.ErrTableBounds, "table 0x%02x", byte(t))
}

// Field records are positional: every field is always written, zero values
// as empty bodies, so the tiny header never costs more than one byte. The
// aggregate meta and rebuild run records persist through the same helpers.
func Field(into []byte, lit byte, body []byte) []byte {
	return tlv.Append(into, lit|tlv.CaseBit, body)
}

func TakeField(lit byte, data []byte) (body, rest []byte, err error) {
	body, rest = tlv.Take(lit, data)
	if body == nil {
		return nil, nil, errors.Wrapf(tally_errors.ErrRowCorrupt, "field %c", lit)
	}
	return body, rest, nil
}

func ZipTime(t time.Time) []byte {
	if t.IsZero() {
		return nil
	}
	return tlv.ZipInt64(t.UnixMilli())
}

func UnzipTime(body []byte) time.Time {
	if len(body) == 0 {
		return time.Time{}
	}
	return time.UnixMilli(tlv.UnzipInt64(body)).UTC()
}

// Question is one entry of the question bank. Theme, Subtheme and Group
// are a strict containment hierarchy: a set Group implies a set Subtheme,
// a set Subtheme implies a set Theme. Zero means unassigned.
type Question struct {
	ID       ID
	Tenant   ID
	Theme    ID
	Subtheme ID
	Group    ID
	Code     string
	Created  time.Time
}

func (q *Question) RowID() ID      { return q.ID }
func (q *Question) SetRowID(id ID) { q.ID = id }
func (q *Question) Table() Table   { return Questions }

func (q *Question) Body() []byte {
	ret := make([]byte, 0, 64)
	ret = Field(ret, 'N', tlv.ZipUint64(uint64(q.Tenant)))
	ret = Field(ret, 'T', tlv.ZipUint64(uint64(q.Theme)))
	ret = Field(ret, 'S', tlv.ZipUint64(uint64(q.Subtheme)))
	ret = Field(ret, 'G', tlv.ZipUint64(uint64(q.Group)))
	ret = Field(ret, 'C', []byte(q.Code))
	ret = Field(ret, 'W', ZipTime(q.Created))
	return ret
}

func LoadQuestion(id ID, body []byte) (*Question, error) {
	q := Question{ID: id}
	var b []byte
	var err error
	if b, body, err = TakeField('N', body); err != nil {
		return nil, err
	}
	q.Tenant = ID(tlv.UnzipUint64(b))
	if b, body, err = TakeField('T', body); err != nil {
		return nil, err
	}
	q.Theme = ID(tlv.UnzipUint64(b))
	if b, body, err = TakeField('S', body); err != nil {
		return nil, err
	}
	q.Subtheme = ID(tlv.UnzipUint64(b))
	if b, body, err = TakeField('G', body); err != nil {
		return nil, err
	}
	q.Group = ID(tlv.UnzipUint64(b))
	if b, body, err = TakeField('C', body); err != nil {
		return nil, err
	}
	q.Code = string(b)
	if b, _, err = TakeField('W', body); err != nil {
		return nil, err
	}
	q.Created = UnzipTime(b)
	return &q, nil
}

const (
	statAnswered  = 1 << 0
	statIncorrect = 1 << 1
)

// Stat is the per-(user, question) answer record. Incorrect tracks whether
// the LATEST answer was wrong, so re-answering flips it back and forth.
type Stat struct {
	ID        ID
	User      ID
	Question  ID
	Answered  bool
	Incorrect bool
	When      time.Time
}

func (s *Stat) RowID() ID      { return s.ID }
func (s *Stat) SetRowID(id ID) { s.ID = id }
func (s *Stat) Table() Table   { return Stats }

func (s *Stat) Body() []byte {
	var flags uint64
	if s.Answered {
		flags |= statAnswered
	}
	if s.Incorrect {
		flags |= statIncorrect
	}
	ret := make([]byte, 0, 32)
	ret = Field(ret, 'K', tlv.ZipUint64Pair(uint64(s.User), uint64(s.Question)))
	ret = Field(ret, 'F', tlv.ZipUint64(flags))
	ret = Field(ret, 'W', ZipTime(s.When))
	return ret
}

func LoadStat(id ID, body []byte) (*Stat, error) {
	s := Stat{ID: id}
	var b []byte
	var err error
	if b, body, err = TakeField('K', body); err != nil {
		return nil, err
	}
	user, question := tlv.UnzipUint64Pair(b)
	s.User, s.Question = ID(user), ID(question)
	if b, body, err = TakeField('F', body); err != nil {
		return nil, err
	}
	flags := tlv.UnzipUint64(b)
	s.Answered = flags&statAnswered != 0
	s.Incorrect = flags&statIncorrect != 0
	if b, _, err = TakeField('W', body); err != nil {
		return nil, err
	}
	s.When = UnzipTime(b)
	return &s, nil
}

// Bookmark marks a question a user saved for later review.
type Bookmark struct {
	ID       ID
	User     ID
	Question ID
	When     time.Time
}

func (m *Bookmark) RowID() ID      { return m.ID }
func (m *Bookmark) SetRowID(id ID) { m.ID = id }
func (m *Bookmark) Table() Table   { return Bookmarks }

func (m *Bookmark) Body() []byte {
	ret := make([]byte, 0, 24)
	ret = Field(ret, 'K', tlv.ZipUint64Pair(uint64(m.User), uint64(m.Question)))
	ret = Field(ret, 'W', ZipTime(m.When))
	return ret
}

func LoadBookmark(id ID, body []byte) (*Bookmark, error) {
	m := Bookmark{ID: id}
	var b []byte
	var err error
	if b, body, err = TakeField('K', body); err != nil {
		return nil, err
	}
	user, question := tlv.UnzipUint64Pair(b)
	m.User, m.Question = ID(user), ID(question)
	if b, _, err = TakeField('W', body); err != nil {
		return nil, err
	}
	m.When = UnzipTime(b)
	return &m, nil
}

type User struct {
	ID      ID
	Tenant  ID
	Name    string
	Created time.Time
}

func (u *User) RowID() ID      { return u.ID }
func (u *User) SetRowID(id ID) { u.ID = id }
func (u *User) Table() Table   { return Users }

func (u *User) Body() []byte {
	ret := make([]byte, 0, 32)
	ret = Field(ret, 'N', tlv.ZipUint64(uint64(u.Tenant)))
	ret = Field(ret, 'C', []byte(u.Name))
	ret = Field(ret, 'W', ZipTime(u.Created))
	return ret
}

func LoadUser(id ID, body []byte) (*User, error) {
	u := User{ID: id}
	var b []byte
	var err error
	if b, body, err = TakeField('N', body); err != nil {
		return nil, err
	}
	u.Tenant = ID(tlv.UnzipUint64(b))
	if b, body, err = TakeField('C', body); err != nil {
		return nil, err
	}
	u.Name = string(b)
	if b, _, err = TakeField('W', body); err != nil {
		return nil, err
	}
	u.Created = UnzipTime(b)
	return &u, nil
}

type Theme struct {
	ID     ID
	Tenant ID
	Name   string
}

func (t *Theme) RowID() ID      { return t.ID }
func (t *Theme) SetRowID(id ID) { t.ID = id }
func (t *Theme) Table() Table   { return Themes }

func (t *Theme) Body() []byte {
	ret := make([]byte, 0, 24)
	ret = Field(ret, 'N', tlv.ZipUint64(uint64(t.Tenant)))
	ret = Field(ret, 'C', []byte(t.Name))
	return ret
}

func LoadTheme(id ID, body []byte) (*Theme, error) {
	t := Theme{ID: id}
	var b []byte
	var err error
	if b, body, err = TakeField('N', body); err != nil {
		return nil, err
	}
	t.Tenant = ID(tlv.UnzipUint64(b))
	if b, _, err = TakeField('C', body); err != nil {
		return nil, err
	}
	t.Name = string(b)
	return &t, nil
}

type Subtheme struct {
	ID    ID
	Theme ID
	Name  string
}

func (s *Subtheme) RowID() ID      { return s.ID }
func (s *Subtheme) SetRowID(id ID) { s.ID = id }
func (s *Subtheme) Table() Table   { return Subthemes }

func (s *Subtheme) Body() []byte {
	ret := make([]byte, 0, 24)
	ret = Field(ret, 'T', tlv.ZipUint64(uint64(s.Theme)))
	ret = Field(ret, 'C', []byte(s.Name))
	return ret
}

func LoadSubtheme(id ID, body []byte) (*Subtheme, error) {
	s := Subtheme{ID: id}
	var b []byte
	var err error
	if b, body, err = TakeField('T', body); err != nil {
		return nil, err
	}
	s.Theme = ID(tlv.UnzipUint64(b))
	if b, _, err = TakeField('C', body); err != nil {
		return nil, err
	}
	s.Name = string(b)
	return &s, nil
}

type Group struct {
	ID       ID
	Subtheme ID
	Name     string
}

func (g *Group) RowID() ID      { return g.ID }
func (g *Group) SetRowID(id ID) { g.ID = id }
func (g *Group) Table() Table   { return Groups }

func (g *Group) Body() []byte {
	ret := make([]byte, 0, 24)
	ret = Field(ret, 'S', tlv.ZipUint64(uint64(g.Subtheme)))
	ret = Field(ret, 'C', []byte(g.Name))
	return ret
}

func LoadGroup(id ID, body []byte) (*Group, error) {
	g := Group{ID: id}
	var b []byte
	var err error
	if b, body, err = TakeField('S', body); err != nil {
		return nil, err
	}
	g.Subtheme = ID(tlv.UnzipUint64(b))
	if b, _, err = TakeField('C', body); err != nil {
		return nil, err
	}
	g.Name = string(b)
	return &g, nil
}
