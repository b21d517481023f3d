package vtil

import "math/bits"

// BitVector models a fixed-width scalar with per-bit known/unknown state,
// grounded on VTIL-Common/math/bitwise.hpp's bit_vector. KnownOne and
// KnownZero are disjoint masks of bits known to be 1 or 0 respectively;
// any bit set in neither is unknown. Width is 1..64.
type BitVector struct {
	KnownOne  uint64
	KnownZero uint64
	Width     uint8
}

// fill returns a mask of the low n bits set, matching bitwise.hpp's fill().
func fill(n int) uint64 {
	if n <= 0 {
		return 0
	}
	if n >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(n)) - 1
}

// ValueMask returns the mask of all bits within Width.
func (b BitVector) ValueMask() uint64 { return fill(int(b.Width)) }

// UnknownMask returns the mask of bits whose state is unknown.
func (b BitVector) UnknownMask() uint64 {
	return b.ValueMask() & ^(b.KnownOne | b.KnownZero)
}

// KnownMask returns the mask of bits whose state is known.
func (b BitVector) KnownMask() uint64 { return b.ValueMask() & ^b.UnknownMask() }

// KnownOneMasked returns KnownOne restricted to Width, matching spec §3's
// explicit width-masked known_one requirement.
func (b BitVector) KnownOneMasked() uint64 { return b.KnownOne & b.ValueMask() }

// KnownZeroMasked returns KnownZero restricted to Width.
func (b BitVector) KnownZeroMasked() uint64 { return b.KnownZero & b.ValueMask() }

// IsValid reports whether the bit-vector's invariant (KnownOne & KnownZero
// == 0) holds and the width is in range.
func (b BitVector) IsValid() bool {
	return b.Width >= 1 && b.Width <= 64 && (b.KnownOne&b.KnownZero) == 0
}

// IsKnown reports whether every bit within Width is known.
func (b BitVector) IsKnown() bool { return b.UnknownMask() == 0 }

// IsUnknown reports whether every bit within Width is unknown.
func (b BitVector) IsUnknown() bool { return b.KnownMask() == 0 }

// AllZero reports whether the value is known to be entirely zero.
func (b BitVector) AllZero() bool { return b.KnownZeroMasked() == b.ValueMask() }

// AllOne reports whether the value is known to be entirely one.
func (b BitVector) AllOne() bool { return b.KnownOneMasked() == b.ValueMask() }

// Get returns the concrete value, asserting the vector is fully known.
func (b BitVector) Get() uint64 {
	assert(b.IsKnown(), "BitVector.Get on a partially unknown value")
	return b.KnownOneMasked()
}

// Signed returns the concrete value interpreted as a signed integer of
// Width bits, asserting the vector is fully known.
func (b BitVector) Signed() int64 {
	v := b.Get()
	return signExtend64(v, int(b.Width))
}

// At returns the state of bit n: +1 known-one, -1 known-zero, 0 unknown.
func (b BitVector) At(n int) int {
	m := uint64(1) << uint(n)
	switch {
	case b.KnownOne&m != 0:
		return 1
	case b.KnownZero&m != 0:
		return -1
	default:
		return 0
	}
}

// KnownConstant constructs a fully-known bit-vector from a concrete value.
func KnownConstant(v uint64, width int) BitVector {
	m := fill(width)
	v &= m
	return BitVector{KnownOne: v, KnownZero: m &^ v, Width: uint8(width)}
}

// UnknownValue constructs a fully-unknown bit-vector of the given width.
func UnknownValue(width int) BitVector {
	return BitVector{Width: uint8(width)}
}

// zeroExtend masks v to n bits, clearing all higher bits.
func zeroExtend(v uint64, n int) uint64 { return v & fill(n) }

// signExtend sign-extends the low n bits of v to 64 bits, matching
// bitwise.hpp's sign_extend fast-path-then-generic behavior.
func signExtend(v uint64, n int) uint64 {
	if n <= 0 || n >= 64 {
		return v
	}
	v &= fill(n)
	if v&(uint64(1)<<uint(n-1)) != 0 {
		v |= ^fill(n)
	}
	return v
}

func signExtend64(v uint64, n int) int64 { return int64(signExtend(v, n)) }

// Resize returns a new bit-vector of newWidth bits, sign- or zero-
// extending or truncating as bitwise.hpp's bit_vector::resize does:
// growing copies the appropriate fill above the old width (duplicating
// the sign bit's state when signedCast, else zero), shrinking simply
// masks down.
func (b BitVector) Resize(newWidth int, signedCast bool) BitVector {
	if newWidth == int(b.Width) {
		return b
	}
	if newWidth < int(b.Width) {
		m := fill(newWidth)
		return BitVector{KnownOne: b.KnownOne & m, KnownZero: b.KnownZero & m, Width: uint8(newWidth)}
	}
	// Growing: decide the fill for bits [oldWidth, newWidth).
	extMask := fill(newWidth) &^ fill(int(b.Width))
	one, zero := b.KnownOne, b.KnownZero
	if !signedCast {
		zero |= extMask
	} else {
		switch b.At(int(b.Width) - 1) {
		case 1:
			one |= extMask
		case -1:
			zero |= extMask
		default:
			// Sign bit unknown: extension bits are unknown too.
		}
	}
	return BitVector{KnownOne: one & fill(newWidth), KnownZero: zero & fill(newWidth), Width: uint8(newWidth)}
}

// Popcnt returns the population count of v, matching bitwise.hpp's popcnt.
func Popcnt(v uint64) int { return bits.OnesCount64(v) }

// Msb returns the 1-based index of the most significant set bit, or 0 if
// v is zero, matching bitwise.hpp's off-by-one msb() convention exactly.
func Msb(v uint64) int {
	if v == 0 {
		return 0
	}
	return 64 - bits.LeadingZeros64(v)
}

// Lsb returns the 1-based index of the least significant set bit, or 0 if
// v is zero, matching bitwise.hpp's lsb() convention.
func Lsb(v uint64) int {
	if v == 0 {
		return 0
	}
	return bits.TrailingZeros64(v) + 1
}
