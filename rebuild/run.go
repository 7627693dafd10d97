package rebuild

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/medprepa/tally/aggregate"
	"github.com/medprepa/tally/record"
	"github.com/medprepa/tally/source"
	"github.com/medprepa/tally/tally_errors"
	"github.com/medprepa/tally/tlv"
)

// Phase is where a run stands in its state machine. Persisted as a byte.
type Phase byte

const (
	PhaseClearing  Phase = 'C'
	PhaseReplaying Phase = 'R'
	PhaseVerifying Phase = 'V'
	PhaseDone      Phase = 'D'
)

func (p Phase) String() string {
	switch p {
	case PhaseClearing:
		return "clearing"
	case PhaseReplaying:
		return "replaying"
	case PhaseVerifying:
		return "verifying"
	case PhaseDone:
		return "done"
	}
	return "unknown"
}

// Status is what callers see. It derives from phase, error and mismatch
// count instead of being stored on its own, so it can never contradict
// them.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusWarnings   Status = "completed-with-warnings"
	StatusFailed     Status = "failed"
)

type ScopeKind byte

const (
	ScopeSystem   ScopeKind = 'S'
	ScopeCategory ScopeKind = 'C'
	ScopeUser     ScopeKind = 'U'
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeSystem:
		return "system"
	case ScopeCategory:
		return "category"
	case ScopeUser:
		return "user"
	}
	return "unknown"
}

// Scope selects which aggregates a run repairs: everything, one category,
// or one user's namespaces.
type Scope struct {
	Kind     ScopeKind
	Category aggregate.Category
	User     record.ID
}

func SystemScope() Scope                       { return Scope{Kind: ScopeSystem} }
func CategoryScope(c aggregate.Category) Scope { return Scope{Kind: ScopeCategory, Category: c} }
func UserScope(u record.ID) Scope              { return Scope{Kind: ScopeUser, User: u} }

func (s Scope) String() string {
	switch s.Kind {
	case ScopeSystem:
		return "system"
	case ScopeCategory:
		return "category:" + s.Category.String()
	case ScopeUser:
		return "user:" + s.User.String()
	}
	return "unknown"
}

// ParseScope reads the String form back: "system", "category:taxonomy",
// "user:2f".
func ParseScope(s string) (Scope, error) {
	if s == "system" {
		return SystemScope(), nil
	}
	if rest, ok := strings.CutPrefix(s, "category:"); ok {
		c, err := aggregate.ParseCategory(rest)
		if err != nil {
			return Scope{}, errors.Wrapf(tally_errors.ErrBadScope, "%q", s)
		}
		return CategoryScope(c), nil
	}
	if rest, ok := strings.CutPrefix(s, "user:"); ok {
		u, err := record.ParseID(rest)
		if err != nil || u.Zero() {
			return Scope{}, errors.Wrapf(tally_errors.ErrBadScope, "%q", s)
		}
		return UserScope(u), nil
	}
	return Scope{}, errors.Wrapf(tally_errors.ErrBadScope, "%q", s)
}

// Defs resolves the aggregates the scope repairs.
func (s Scope) Defs(reg *aggregate.Registry) []*aggregate.Def {
	switch s.Kind {
	case ScopeSystem:
		return reg.Defs()
	case ScopeCategory:
		return reg.ByCategory(s.Category)
	case ScopeUser:
		return reg.ByCategory(aggregate.User)
	}
	return nil
}

// healthScope is the namespace prefix the run dirties, "" for all.
func (s Scope) healthScope() string {
	if s.Kind == ScopeUser {
		return aggregate.UserNsPrefix(s.User)
	}
	return ""
}

// Discrepancy is one namespace whose derived count disagrees with an
// independent source recount.
type Discrepancy struct {
	Aggregate string
	Namespace string
	Expected  int
	Actual    int
}

func (d Discrepancy) Delta() int {
	delta := d.Actual - d.Expected
	if delta < 0 {
		return -delta
	}
	return delta
}

// Run is the persisted record of one repair workflow. It is rewritten
// after every step, in the same batch as the step's entries, so the last
// durable cursor and the last durable mutation always agree.
type Run struct {
	ID      uuid.UUID
	Scope   Scope
	Phase   Phase
	Cursor  source.Cursor
	Started time.Time
	Updated time.Time

	Cleared    uint64 // aggregates cleared
	Processed  uint64 // source rows replayed
	Inserted   uint64 // entries written
	Checked    uint64 // namespaces verified
	Mismatched uint64 // namespaces that disagreed
	Steps      uint64
	StepMillis float64 // mean step duration

	Discrepancies []Discrepancy // worst offenders, capped
	Error         string
}

func (r *Run) Status() Status {
	switch {
	case r.Error != "":
		return StatusFailed
	case r.Phase == 0:
		return StatusNotStarted
	case r.Phase != PhaseDone:
		return StatusRunning
	case r.Mismatched > 0:
		return StatusWarnings
	default:
		return StatusCompleted
	}
}

// observeStep folds one step's duration into the persisted mean.
func (r *Run) observeStep(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	r.Steps++
	r.StepMillis += (ms - r.StepMillis) / float64(r.Steps)
}

func (r *Run) body() []byte {
	ret := make([]byte, 0, 256)
	ret = record.Field(ret, 'S', []byte(r.Scope.String()))
	ret = record.Field(ret, 'H', []byte{byte(r.Phase)})
	cursor := ""
	if r.Cursor.Table.Valid() {
		cursor = r.Cursor.Token()
	}
	ret = record.Field(ret, 'C', []byte(cursor))
	ret = record.Field(ret, 'T', record.ZipTime(r.Started))
	ret = record.Field(ret, 'U', record.ZipTime(r.Updated))
	ret = record.Field(ret, 'X', tlv.ZipUint64(r.Cleared))
	ret = record.Field(ret, 'N', tlv.ZipUint64(r.Processed))
	ret = record.Field(ret, 'I', tlv.ZipUint64(r.Inserted))
	ret = record.Field(ret, 'K', tlv.ZipUint64(r.Checked))
	ret = record.Field(ret, 'M', tlv.ZipUint64(r.Mismatched))
	ret = record.Field(ret, 'Z', tlv.ZipUint64(r.Steps))
	ret = record.Field(ret, 'A', tlv.ZipUint64(uint64(r.StepMillis*1000)))
	var list []byte
	for _, d := range r.Discrepancies {
		list = record.Field(list, 'G', []byte(d.Aggregate))
		list = record.Field(list, 'N', []byte(d.Namespace))
		list = record.Field(list, 'E', tlv.ZipUint64(uint64(d.Expected)))
		list = record.Field(list, 'A', tlv.ZipUint64(uint64(d.Actual)))
	}
	ret = record.Field(ret, 'D', list)
	ret = record.Field(ret, 'E', []byte(r.Error))
	return ret
}

func loadRun(rid uuid.UUID, body []byte) (*Run, error) {
	r := Run{ID: rid}
	var b []byte
	var err error
	if b, body, err = record.TakeField('S', body); err != nil {
		return nil, err
	}
	if r.Scope, err = ParseScope(string(b)); err != nil {
		return nil, err
	}
	if b, body, err = record.TakeField('H', body); err != nil {
		return nil, err
	}
	if len(b) == 1 {
		r.Phase = Phase(b[0])
	}
	if b, body, err = record.TakeField('C', body); err != nil {
		return nil, err
	}
	if len(b) > 0 {
		// A token that fails to parse restarts the replay from the top
		// of its table list instead of guessing a position.
		if cur, cerr := source.ParseCursor(string(b)); cerr == nil {
			r.Cursor = cur
		}
	}
	if b, body, err = record.TakeField('T', body); err != nil {
		return nil, err
	}
	r.Started = record.UnzipTime(b)
	if b, body, err = record.TakeField('U', body); err != nil {
		return nil, err
	}
	r.Updated = record.UnzipTime(b)
	if b, body, err = record.TakeField('X', body); err != nil {
		return nil, err
	}
	r.Cleared = tlv.UnzipUint64(b)
	if b, body, err = record.TakeField('N', body); err != nil {
		return nil, err
	}
	r.Processed = tlv.UnzipUint64(b)
	if b, body, err = record.TakeField('I', body); err != nil {
		return nil, err
	}
	r.Inserted = tlv.UnzipUint64(b)
	if b, body, err = record.TakeField('K', body); err != nil {
		return nil, err
	}
	r.Checked = tlv.UnzipUint64(b)
	if b, body, err = record.TakeField('M', body); err != nil {
		return nil, err
	}
	r.Mismatched = tlv.UnzipUint64(b)
	if b, body, err = record.TakeField('Z', body); err != nil {
		return nil, err
	}
	r.Steps = tlv.UnzipUint64(b)
	if b, body, err = record.TakeField('A', body); err != nil {
		return nil, err
	}
	r.StepMillis = float64(tlv.UnzipUint64(b)) / 1000
	var list []byte
	if list, body, err = record.TakeField('D', body); err != nil {
		return nil, err
	}
	for len(list) > 0 {
		var d Discrepancy
		if b, list, err = record.TakeField('G', list); err != nil {
			return nil, err
		}
		d.Aggregate = string(b)
		if b, list, err = record.TakeField('N', list); err != nil {
			return nil, err
		}
		d.Namespace = string(b)
		if b, list, err = record.TakeField('E', list); err != nil {
			return nil, err
		}
		d.Expected = int(tlv.UnzipUint64(b))
		if b, list, err = record.TakeField('A', list); err != nil {
			return nil, err
		}
		d.Actual = int(tlv.UnzipUint64(b))
		r.Discrepancies = append(r.Discrepancies, d)
	}
	if b, _, err = record.TakeField('E', body); err != nil {
		return nil, err
	}
	r.Error = string(b)
	return &r, nil
}
