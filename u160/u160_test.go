package u160

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromHexRoundTrip(t *testing.T) {
	u := Random()
	s := u.ToHex()
	u2, err := FromHex(s)
	require.NoError(t, err)
	require.Equal(t, u, u2)
}

func TestFromHexInvalidFormat(t *testing.T) {
	_, err := FromHex("not-forty-hex-chars")
	require.ErrorIs(t, err, ErrInvalidFormat)

	_, err = FromHex("zz00000000000000000000000000000000000000")
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestFromRawBytesEncodeIsIdentity(t *testing.T) {
	u := Random()
	u2, err := FromRawBytes(u.Bytes())
	require.NoError(t, err)
	require.Equal(t, u, u2)
}

func TestXORMetric(t *testing.T) {
	a := Random()
	b := Random()
	c := Random()

	require.Equal(t, Zero, XOR(a, a), "distance(a, a) == 0")
	require.Equal(t, XOR(a, b), XOR(b, a), "distance is symmetric")

	// Triangle inequality in the bitwise sense: distance(a,c) cannot have
	// a 1 bit anywhere distance(a,b) XOR distance(b,c) has a 0 bit, i.e.
	// distance(a,c) | (distance(a,b) ^ distance(b,c)) == distance(a,b) ^ distance(b,c).
	dac := XOR(a, c)
	triangle := XOR(XOR(a, b), XOR(b, c))
	require.Equal(t, triangle, dac.Or(triangle))
}

func TestCommonPrefixLength(t *testing.T) {
	a, err := FromHex("000000000000000000000000000000000000000f")
	require.NoError(t, err)
	b, err := FromHex("000000000000000000000000000000000000000f")
	require.NoError(t, err)
	require.Equal(t, Bits, CommonPrefixLength(a, b))

	c, err := FromHex("800000000000000000000000000000000000000f")
	require.NoError(t, err)
	require.Equal(t, 0, CommonPrefixLength(a, c))
}

func TestPow2AndPow2m1(t *testing.T) {
	p := Pow2(0)
	require.Equal(t, 1, p.Bit(0))
	for i := 1; i < Bits; i++ {
		require.Equal(t, 0, p.Bit(i))
	}

	m := Pow2m1(4)
	for i := 0; i < 4; i++ {
		require.Equal(t, 1, m.Bit(i))
	}
	for i := 4; i < Bits; i++ {
		require.Equal(t, 0, m.Bit(i))
	}
}

func TestRandomFromPrefix(t *testing.T) {
	p, err := FromHex("abcd000000000000000000000000000000000000"[:40])
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		r := RandomFromPrefix(p, 16)
		require.GreaterOrEqual(t, CommonPrefixLength(p, r), 16)
	}
}

func TestFake(t *testing.T) {
	self := Random()
	target := Random()
	f := self.Fake(target, 128)
	// low 128 bits come from self, high 32 bits come from target.
	for i := 0; i < 128; i++ {
		require.Equal(t, self.Bit(i), f.Bit(i))
	}
	for i := 128; i < Bits; i++ {
		require.Equal(t, target.Bit(i), f.Bit(i))
	}
}

func TestSHA1(t *testing.T) {
	h := SHA1([]byte("hello world"))
	require.Len(t, h.Bytes(), Bytes)
	h2 := SHA1([]byte("hello world"))
	require.Equal(t, h, h2)
}
