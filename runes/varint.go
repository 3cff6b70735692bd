package runes

import (
	"bytes"
	"errors"

	"lukechampine.com/uint128"
)

var (
	// ErrVarintTruncated is returned when a varint stream ends in the
	// middle of a value.
	ErrVarintTruncated = errors.New("truncated varint")

	// ErrVarintOverlong is returned for varints longer than 19 bytes,
	// which can never be a canonical u128 encoding.
	ErrVarintOverlong = errors.New("overlong varint")

	// ErrVarintOverflow is returned when a varint does not fit in 128
	// bits.
	ErrVarintOverflow = errors.New("varint overflows u128")
)

// maxVarintLen is the longest canonical LEB128 encoding of a u128:
// 18 full 7-bit groups plus a final byte carrying the top 2 bits.
const maxVarintLen = 19

// putVarint appends the LEB128 encoding of v.
func putVarint(buf *bytes.Buffer, v uint128.Uint128) {
	for v.Cmp64(0x80) >= 0 {
		buf.WriteByte(byte(v.Lo&0x7f) | 0x80)
		v = v.Rsh(7)
	}
	buf.WriteByte(byte(v.Lo))
}

// putVarint64 appends the LEB128 encoding of a 64-bit value.
func putVarint64(buf *bytes.Buffer, v uint64) {
	putVarint(buf, uint128.From64(v))
}

// readVarint decodes one LEB128 value from the reader.
func readVarint(r *bytes.Reader) (uint128.Uint128, error) {
	var value uint128.Uint128

	for i := 0; ; i++ {
		if i >= maxVarintLen {
			return uint128.Zero, ErrVarintOverlong
		}

		b, err := r.ReadByte()
		if err != nil {
			return uint128.Zero, ErrVarintTruncated
		}

		payload := uint64(b & 0x7f)
		shift := uint(7 * i)

		// The 19th byte may only carry the top two bits of a u128.
		if shift >= 128 || (shift > 0 && payload != 0 &&
			shift+bitLen(payload) > 128) {

			return uint128.Zero, ErrVarintOverflow
		}

		value = value.Or(uint128.From64(payload).Lsh(shift))

		if b&0x80 == 0 {
			return value, nil
		}
	}
}

// readVarint64 decodes a varint that must fit in 64 bits.
func readVarint64(r *bytes.Reader) (uint64, error) {
	v, err := readVarint(r)
	if err != nil {
		return 0, err
	}
	if v.Hi != 0 {
		return 0, ErrVarintOverflow
	}

	return v.Lo, nil
}

// bitLen returns the bit length of a non-zero 7-bit payload.
func bitLen(v uint64) uint {
	var n uint
	for v != 0 {
		n++
		v >>= 1
	}

	return n
}
