// Package u160 implements the 160-bit identifiers used as node ids and
// info-hashes on the Kademlia DHT, together with the XOR distance metric.
package u160

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // info-hash is SHA-1 by protocol definition, not for security
	"encoding/hex"
	"errors"
	"fmt"
)

// Bits is the width of a U160 value.
const Bits = 160

// Bytes is the width of a U160 value in bytes.
const Bytes = Bits / 8

// ErrInvalidFormat is returned when a hex string is not exactly 40 hex digits.
var ErrInvalidFormat = errors.New("u160: invalid format")

// U160 is an opaque 160-bit value stored big-endian. Ordering is
// lexicographic on the byte representation.
type U160 [Bytes]byte

// Zero is the all-zero identifier.
var Zero U160

// FromRawBytes builds a U160 from exactly 20 raw bytes.
func FromRawBytes(b []byte) (U160, error) {
	var u U160
	if len(b) != Bytes {
		return u, fmt.Errorf("u160: need %d bytes, got %d", Bytes, len(b))
	}
	copy(u[:], b)
	return u, nil
}

// FromHex parses exactly 40 hex digits into a U160.
func FromHex(s string) (U160, error) {
	var u U160
	if len(s) != Bytes*2 {
		return u, ErrInvalidFormat
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return u, ErrInvalidFormat
	}
	copy(u[:], b)
	return u, nil
}

// ToHex renders the value as 40 lowercase hex digits.
func (u U160) ToHex() string {
	return hex.EncodeToString(u[:])
}

func (u U160) String() string {
	return u.ToHex()
}

// Bytes returns the raw 20-byte big-endian representation.
func (u U160) Bytes() []byte {
	b := make([]byte, Bytes)
	copy(b, u[:])
	return b
}

// SHA1 hashes an arbitrary byte sequence into a U160. Used to derive an
// info-hash from a raw metadata dictionary for validation; no signature
// scheme is involved.
func SHA1(data []byte) U160 {
	return U160(sha1.Sum(data)) //nolint:gosec
}

// Random returns a cryptographically random U160.
func Random() U160 {
	var u U160
	_, err := rand.Read(u[:])
	if err != nil {
		panic("u160: system randomness unavailable: " + err.Error())
	}
	return u
}

// bit returns bit i of u, where bit 0 is the least-significant bit.
func (u U160) bit(i int) int {
	byteIdx := Bytes - 1 - i/8
	bitIdx := uint(i % 8)
	return int((u[byteIdx] >> bitIdx) & 1)
}

// Bit returns bit i of u, where bit 0 is least-significant.
func (u U160) Bit(i int) int {
	return u.bit(i)
}

// bitFromMSB returns the bit at position i counting from the most
// significant bit (i == 0 is the top bit).
func (u U160) bitFromMSB(i int) int {
	return u.bit(Bits - 1 - i)
}

func setBitFromMSB(u *U160, i int, v int) {
	bit := Bits - 1 - i
	byteIdx := Bytes - 1 - bit/8
	bitIdx := uint(bit % 8)
	if v != 0 {
		u[byteIdx] |= 1 << bitIdx
	} else {
		u[byteIdx] &^= 1 << bitIdx
	}
}

// XOR computes the Kademlia distance between a and b.
func XOR(a, b U160) U160 {
	var r U160
	for i := 0; i < Bytes; i++ {
		r[i] = a[i] ^ b[i]
	}
	return r
}

// Less reports whether u is lexicographically (and hence numerically,
// since the representation is big-endian) smaller than v.
func (u U160) Less(v U160) bool {
	for i := 0; i < Bytes; i++ {
		if u[i] != v[i] {
			return u[i] < v[i]
		}
	}
	return false
}

// Equal reports byte-wise equality.
func (u U160) Equal(v U160) bool {
	return u == v
}

// Or returns the bitwise OR of u and v.
func (u U160) Or(v U160) U160 {
	var r U160
	for i := 0; i < Bytes; i++ {
		r[i] = u[i] | v[i]
	}
	return r
}

// And returns the bitwise AND of u and v.
func (u U160) And(v U160) U160 {
	var r U160
	for i := 0; i < Bytes; i++ {
		r[i] = u[i] & v[i]
	}
	return r
}

// CommonPrefixLength counts the bits, from the most-significant end,
// where a and b agree.
func CommonPrefixLength(a, b U160) int {
	n := 0
	for i := 0; i < Bits; i++ {
		if a.bitFromMSB(i) != b.bitFromMSB(i) {
			break
		}
		n++
	}
	return n
}

// Pow2 returns a value with only bit r set (1<<r).
func Pow2(r int) U160 {
	var u U160
	if r < 0 || r >= Bits {
		return u
	}
	setBitFromMSB(&u, Bits-1-r, 1)
	return u
}

// Pow2m1 returns a value with bits 0..r-1 set ((1<<r)-1).
func Pow2m1(r int) U160 {
	var u U160
	if r <= 0 {
		return u
	}
	if r > Bits {
		r = Bits
	}
	for i := 0; i < r; i++ {
		setBitFromMSB(&u, Bits-1-i, 1)
	}
	return u
}

// RandomFromPrefix returns a U160 whose high n bits match p's high n bits
// and whose low 160-n bits are uniformly random.
func RandomFromPrefix(p U160, n int) U160 {
	if n <= 0 {
		return Random()
	}
	if n >= Bits {
		return p
	}
	r := Random()
	mask := Pow2m1(Bits - n) // low (160-n) bits set
	highMask := U160{}
	for i := range highMask {
		highMask[i] = ^mask[i]
	}
	return p.And(highMask).Or(r.And(mask))
}

// Fake produces an id whose low prefixLen bits come from u and whose
// high bits come from target. Used for neighbor-id spoofing experiments
// (dht.Config.FakeID).
func (u U160) Fake(target U160, prefixLen int) U160 {
	return Fake(u, target, prefixLen)
}

// Fake produces an id whose low prefixLen bits come from self and whose
// high bits come from target. Used for neighbor-id spoofing experiments
// (dht.Config.FakeID).
func Fake(self, target U160, prefixLen int) U160 {
	if prefixLen <= 0 {
		return target
	}
	if prefixLen >= Bits {
		return self
	}
	lowMask := Pow2m1(prefixLen) // low prefixLen bits set
	highMask := U160{}
	for i := range highMask {
		highMask[i] = ^lowMask[i]
	}
	return target.And(highMask).Or(self.And(lowMask))
}
