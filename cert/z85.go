package cert

import (
	"strings"

	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// z85 implements the Z85 encoding (used by CURVE/ZeroMQ to print 32-byte
// keys as 40-character strings) for exactly 32-byte inputs, a small
// self-contained algorithm utility.
const z85Chars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ.-:+=^!/*?&<>()[]{}@%$#"

var z85Decode = func() [128]int8 {
	var t [128]int8
	for i := range t {
		t[i] = -1
	}
	for i, c := range z85Chars {
		t[c] = int8(i)
	}
	return t
}()

func z85Encode(data []byte) (string, error) {
	if len(data)%4 != 0 {
		return "", xerrors.Errorf("z85: input length %d is not a multiple of 4", len(data))
	}
	var b strings.Builder
	b.Grow(len(data) * 5 / 4)
	for i := 0; i < len(data); i += 4 {
		value := uint32(data[i])<<24 | uint32(data[i+1])<<16 | uint32(data[i+2])<<8 | uint32(data[i+3])
		var chunk [5]byte
		for j := 4; j >= 0; j-- {
			chunk[j] = z85Chars[value%85]
			value /= 85
		}
		b.Write(chunk[:])
	}
	return b.String(), nil
}

func z85Decode85(s string) ([]byte, error) {
	if len(s)%5 != 0 {
		return nil, xerrors.Errorf("z85: input length %d is not a multiple of 5", len(s))
	}
	out := make([]byte, 0, len(s)*4/5)
	for i := 0; i < len(s); i += 5 {
		var value uint32
		for j := 0; j < 5; j++ {
			c := s[i+j]
			if c >= 128 || z85Decode[c] < 0 {
				return nil, xerrors.Errorf("z85: invalid character %q", c)
			}
			value = value*85 + uint32(z85Decode[c])
		}
		out = append(out, byte(value>>24), byte(value>>16), byte(value>>8), byte(value))
	}
	return out, nil
}

func validZ85(s string) error {
	if len(s) != Z85Len {
		return xerrors.Errorf("expected %d characters, got %d", Z85Len, len(s))
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 128 || z85Decode[c] < 0 {
			return xerrors.Errorf("invalid Z85 character %q at offset %d", c, i)
		}
	}
	return nil
}

func pointToZ85(p kyber.Point) (string, error) {
	raw, err := p.MarshalBinary()
	if err != nil {
		return "", err
	}
	if len(raw) != KeyLen {
		return "", xerrors.Errorf("z85: point marshaled to %d bytes, want %d", len(raw), KeyLen)
	}
	return z85Encode(raw)
}

func scalarToZ85(s kyber.Scalar) (string, error) {
	raw, err := s.MarshalBinary()
	if err != nil {
		return "", err
	}
	if len(raw) != KeyLen {
		return "", xerrors.Errorf("z85: scalar marshaled to %d bytes, want %d", len(raw), KeyLen)
	}
	return z85Encode(raw)
}

func z85ToPoint(s string) (kyber.Point, error) {
	raw, err := z85Decode85(s)
	if err != nil {
		return nil, err
	}
	p := suite.Point()
	if err := p.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return p, nil
}

func z85ToScalar(s string) (kyber.Scalar, error) {
	raw, err := z85Decode85(s)
	if err != nil {
		return nil, err
	}
	sc := suite.Scalar()
	if err := sc.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return sc, nil
}
