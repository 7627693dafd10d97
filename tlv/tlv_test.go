package tlv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppend(t *testing.T) {
	buf := []byte{}
	buf = Append(buf, 'A', []byte{'A'})
	buf = Append(buf, 'b', []byte{'B', 'B'})
	correct2 := []byte{'a', 1, 'A', '2', 'B', 'B'}
	assert.Equal(t, correct2, buf)

	var c256 [256]byte
	for n := range c256 {
		c256[n] = 'c'
	}
	buf = Append(buf, 'C', c256[:])
	assert.Equal(t, len(correct2)+1+4+len(c256), len(buf))
	assert.Equal(t, uint8('C'), buf[len(correct2)])

	lit, body, buf, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, []byte{'A'}, body)

	body2, _, err2 := TakeWary('B', buf)
	assert.Nil(t, err2)
	assert.Equal(t, []byte{'B', 'B'}, body2)
}

func TestTakeWrongType(t *testing.T) {
	rec := Record('Q', []byte("body"))
	body, rest := Take('U', rec)
	assert.Nil(t, body)
	assert.Nil(t, rest)

	_, _, err := TakeWary('U', rec)
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestTakeIncomplete(t *testing.T) {
	rec := Record('Q', []byte("0123456789abcdef"))
	body, rest := Take('Q', rec[:4])
	assert.Nil(t, body)
	assert.Equal(t, rec[:4], rest)

	_, _, err := TakeWary('Q', rec[:4])
	assert.ErrorIs(t, err, ErrIncomplete)

	_, _, _, err = TakeAnyWary(nil)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestGarbage(t *testing.T) {
	lit, hdrlen, bodylen := ProbeHeader([]byte{0xff, 1, 2})
	assert.Equal(t, uint8('-'), lit)
	assert.Equal(t, 0, hdrlen)
	assert.Equal(t, 0, bodylen)

	_, _, _, err := TakeAnyWary([]byte{0xff, 1, 2})
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestOpenCloseHeader(t *testing.T) {
	buf := []byte{}
	l, buf := OpenHeader(buf, 'W')
	text := "some text"
	buf = append(buf, text...)
	CloseHeader(buf, l)
	lit, body, rest, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('W'), lit)
	assert.Equal(t, text, string(body))
	assert.Equal(t, 0, len(rest))
}

func TestTinyRecord(t *testing.T) {
	tiny := TinyRecord('X', []byte("12"))
	assert.Equal(t, "212", string(tiny))
}

func TestZipUint64(t *testing.T) {
	nums := []uint64{0, 1, 0xca, 0xbeff, 0x12345678, 0x7777777788888888}
	for _, n := range nums {
		zip := ZipUint64(n)
		assert.Equal(t, n, UnzipUint64(zip))
	}
	assert.Equal(t, 0, len(ZipUint64(0)))
	assert.Equal(t, 1, len(ZipUint64(0xca)))
}

func TestZipUint64Pair(t *testing.T) {
	nums := []uint64{
		0xca,
		0xbeff,
		0x12345678,
		0x7777777788888888,
	}
	for i := 0; i < len(nums); i++ {
		for j := 0; j < len(nums); j++ {
			one := nums[i]
			two := nums[j]
			bin := ZipUint64Pair(one, two)
			einz, twei := UnzipUint64Pair(bin)
			assert.Equal(t, one, einz)
			assert.Equal(t, two, twei)
		}
	}
}

func TestZigZagInt64(t *testing.T) {
	test := map[int64]uint64{
		0:   0,
		-14: 27,
		-10: 19,
		7:   14,
		20:  40,
	}
	for i, u := range test {
		u2 := ZigZagInt64(i)
		assert.Equal(t, u, u2)
		i2 := ZagZigUint64(u2)
		assert.Equal(t, i, i2)
	}
	for _, v := range []int64{-1 << 62, -12345, 0, 12345, 1 << 62} {
		assert.Equal(t, v, UnzipInt64(ZipInt64(v)))
	}
}
