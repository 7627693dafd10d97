package record

import (
	"encoding/binary"
	"strconv"

	"github.com/pkg/errors"
)

// ID is a row's creation sequence number within its table. Sequences are
// assigned by the engine, start at 1 and never repeat, so iterating a table
// in key order is iterating it in creation order.
type ID uint64

const ZeroID ID = 0

func (id ID) Zero() bool { return id == 0 }

// Bytes returns the 8-byte big-endian key form.
func (id ID) Bytes() []byte {
	var ret [8]byte
	binary.BigEndian.PutUint64(ret[:], uint64(id))
	return ret[:]
}

func IDFromBytes(b []byte) ID {
	if len(b) != 8 {
		return ZeroID
	}
	return ID(binary.BigEndian.Uint64(b))
}

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 16)
}

func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return ZeroID, errors.Wrapf(err, "bad id %q", s)
	}
	return ID(v), nil
}
