package aggregate

import (
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/medprepa/tally/host"
	"github.com/medprepa/tally/record"
)

const (
	HealthClean      byte = 'C'
	HealthRebuilding byte = 'R'
)

// Health is the tiny persisted state of one aggregate. A rebuild marks
// its targets before clearing them and unmarks them after verification,
// so a crash mid-run leaves the mark in place and counts keep refusing
// the affected namespaces until the run is resumed.
type Health struct {
	State byte
	// Scope is the namespace prefix under repair, trailing separator
	// included; empty covers every namespace of the aggregate.
	Scope   string
	Run     uuid.UUID
	Updated time.Time
}

// Covers reports whether a namespace is inside the rebuilding scope.
func (h Health) Covers(ns string) bool {
	if h.State != HealthRebuilding {
		return false
	}
	if h.Scope == "" {
		return true
	}
	return ns == strings.TrimSuffix(h.Scope, ":") || strings.HasPrefix(ns, h.Scope)
}

func (h Health) body() []byte {
	ret := make([]byte, 0, 48)
	ret = record.Field(ret, 'S', []byte{h.State})
	ret = record.Field(ret, 'P', []byte(h.Scope))
	ret = record.Field(ret, 'R', h.Run[:])
	ret = record.Field(ret, 'W', record.ZipTime(h.Updated))
	return ret
}

func loadHealth(body []byte) (h Health, err error) {
	var b []byte
	if b, body, err = record.TakeField('S', body); err != nil {
		return
	}
	if len(b) == 1 {
		h.State = b[0]
	}
	if b, body, err = record.TakeField('P', body); err != nil {
		return
	}
	h.Scope = string(b)
	if b, body, err = record.TakeField('R', body); err != nil {
		return
	}
	copy(h.Run[:], b)
	if b, _, err = record.TakeField('W', body); err != nil {
		return
	}
	h.Updated = record.UnzipTime(b)
	return
}

// Health loads an aggregate's persisted state; a missing record means
// clean.
func (x *Index) Health(d *Def) (Health, error) {
	val, closer, err := x.h.Database().Get(host.MetaKey(d.Tag))
	if err == pebble.ErrNotFound {
		return Health{State: HealthClean}, nil
	}
	if err != nil {
		return Health{}, err
	}
	defer closer.Close()
	h, err := loadHealth(val)
	if err != nil {
		return Health{}, errors.Wrapf(err, "meta of %s", d.Name)
	}
	return h, nil
}

func (x *Index) SetHealth(d *Def, h Health) error {
	return x.h.Database().Set(host.MetaKey(d.Tag), h.body(), x.h.WriteOptions())
}

// MarkRebuilding flags every given aggregate as under repair by one run.
func (x *Index) MarkRebuilding(defs []*Def, scope string, rid uuid.UUID) error {
	for _, d := range defs {
		h := Health{State: HealthRebuilding, Scope: scope, Run: rid, Updated: time.Now()}
		if err := x.SetHealth(d, h); err != nil {
			return errors.Wrapf(err, "marking %s", d.Name)
		}
	}
	return nil
}

// MarkClean records that a run finished with the given aggregates intact.
func (x *Index) MarkClean(defs []*Def, rid uuid.UUID) error {
	for _, d := range defs {
		h := Health{State: HealthClean, Run: rid, Updated: time.Now()}
		if err := x.SetHealth(d, h); err != nil {
			return errors.Wrapf(err, "unmarking %s", d.Name)
		}
	}
	return nil
}
