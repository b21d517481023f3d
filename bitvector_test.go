package vtil_test

import (
	"testing"

	"github.com/wisdark/VTIL-Core"
)

func TestBitVectorInvariant(t *testing.T) {
	t.Run("KnownConstant", func(t *testing.T) {
		for _, tc := range []struct {
			v     uint64
			width int
		}{
			{0, 8}, {0xff, 8}, {0x1234, 32}, {^uint64(0), 64}, {1, 1},
		} {
			bv := vtil.KnownConstant(tc.v, tc.width)
			if bv.KnownOne&bv.KnownZero != 0 {
				t.Fatalf("KnownConstant(%d,%d): known_one & known_zero = %#x, want 0", tc.v, tc.width, bv.KnownOne&bv.KnownZero)
			}
			if !bv.IsValid() {
				t.Fatalf("KnownConstant(%d,%d): not valid", tc.v, tc.width)
			}
			if !bv.IsKnown() {
				t.Fatalf("KnownConstant(%d,%d): expected fully known", tc.v, tc.width)
			}
		}
	})

	t.Run("UnknownValue", func(t *testing.T) {
		bv := vtil.UnknownValue(32)
		if bv.KnownOne&bv.KnownZero != 0 {
			t.Fatalf("UnknownValue: known_one & known_zero = %#x, want 0", bv.KnownOne&bv.KnownZero)
		}
		if !bv.IsUnknown() {
			t.Fatalf("UnknownValue: expected fully unknown")
		}
	})

	t.Run("ResizePreservesInvariant", func(t *testing.T) {
		bv := vtil.KnownConstant(0xabcd, 16)
		for _, w := range []int{8, 16, 32, 64} {
			r := bv.Resize(w, false)
			if r.KnownOne&r.KnownZero != 0 {
				t.Fatalf("Resize(%d): known_one & known_zero = %#x, want 0", w, r.KnownOne&r.KnownZero)
			}
		}
	})
}

func TestBitVectorResizeRoundTrip(t *testing.T) {
	bv := vtil.KnownConstant(0xdeadbeef, 32)
	grown := bv.Resize(64, false)
	back := grown.Resize(32, false)
	if back.Get() != bv.Get() {
		t.Fatalf("resize(resize(v,64,false),32,false) = %#x, want %#x", back.Get(), bv.Get())
	}

	signed := vtil.KnownConstant(0xffffffff, 32) // -1 as int32
	grownSigned := signed.Resize(64, true)
	if grownSigned.Signed() != -1 {
		t.Fatalf("sign-extended resize of -1 = %d, want -1", grownSigned.Signed())
	}
	backSigned := grownSigned.Resize(32, true)
	if backSigned.Get() != signed.Get() {
		t.Fatalf("resize(resize(v,64,true),32,true) = %#x, want %#x", backSigned.Get(), signed.Get())
	}
}

func TestPopcntMsbLsb(t *testing.T) {
	if got := vtil.Popcnt(0b10110); got != 3 {
		t.Fatalf("Popcnt(0b10110) = %d, want 3", got)
	}
	if got := vtil.Msb(0); got != 0 {
		t.Fatalf("Msb(0) = %d, want 0", got)
	}
	if got := vtil.Msb(0b1000); got != 4 {
		t.Fatalf("Msb(0b1000) = %d, want 4", got)
	}
	if got := vtil.Lsb(0); got != 0 {
		t.Fatalf("Lsb(0) = %d, want 0", got)
	}
	if got := vtil.Lsb(0b1000); got != 4 {
		t.Fatalf("Lsb(0b1000) = %d, want 4", got)
	}
}
