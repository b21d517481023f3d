package vtil_test

import (
	"testing"

	"github.com/wisdark/VTIL-Core"
)

func TestMemoryWriteReadRoundTrip(t *testing.T) {
	t.Run("RestrictedBase", func(t *testing.T) {
		mem := vtil.NewMemory(false, nil)
		ptr := vtil.MakePointer(vtil.BinaryExpr(vtil.OpAdd, vtil.NewVariable(vtil.RegStackPointer.UID, vtil.Width64), vtil.NewConstant(0x10, vtil.Width64)))
		value := vtil.NewConstant(0x4242424242424242, 64)

		mem2, err := mem.Write(ptr, 8, value)
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		got, coverage, err := mem2.Read(ptr, 8)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if coverage == 0 {
			t.Fatalf("Read: coverage == 0, want full coverage")
		}
		if !vtil.IsIdentical(got, value) {
			t.Fatalf("read(write(M,P,V),P,8) = %s, want %s", got, value)
		}
	})

	t.Run("RelaxedSymbolicPointer", func(t *testing.T) {
		mem := vtil.NewMemory(true, nil)
		base := vtil.NewVariable(vtil.NewUniqueIdentifier("unrelated_ptr", 1), 64)
		ptr := vtil.MakePointer(base)
		value := vtil.NewVariable(vtil.NewUniqueIdentifier("v", 2), 64)

		mem2, err := mem.Write(ptr, 8, value)
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		got, _, err := mem2.Read(ptr, 8)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if !vtil.IsIdentical(got, value) {
			t.Fatalf("read(write(M,P,V),P,8) = %s, want %s", got, value)
		}
	})
}

func TestMemoryStrictAliasingRejectsUnanchoredWrite(t *testing.T) {
	mem := vtil.NewMemory(false, nil)
	// A known constant address with no restricted-base root classifies to
	// Strength == 0: overlap analysis can neither anchor it nor fall back
	// to "no root at all," so strict aliasing has to refuse the write.
	ptr := vtil.MakePointer(vtil.NewConstant(0x1000, 64))
	_, err := mem.Write(ptr, 8, vtil.NewConstant(1, 64))
	if err != vtil.ErrAliasFailure {
		t.Fatalf("Write under strict aliasing with no resolvable base = %v, want ErrAliasFailure", err)
	}
}

// TestMemoryReadReconstructsOverlappingFragments writes an 8-byte value
// then partially overwrites its upper 4 bytes with a differently-sized
// write, and checks that a full-width read reconstructs the result from
// both log entries bit fragment by bit fragment rather than discarding
// the older write outright.
func TestMemoryReadReconstructsOverlappingFragments(t *testing.T) {
	mem := vtil.NewMemory(false, nil)
	sp := func(off uint64) vtil.Pointer {
		return vtil.MakePointer(vtil.BinaryExpr(vtil.OpAdd, vtil.NewVariable(vtil.RegStackPointer.UID, vtil.Width64), vtil.NewConstant(off, vtil.Width64)))
	}

	mem, err := mem.Write(sp(0x10), 8, vtil.NewConstant(0x1122334455667788, 64))
	if err != nil {
		t.Fatalf("Write low: %v", err)
	}
	mem, err = mem.Write(sp(0x14), 4, vtil.NewConstant(0xAABBCCDD, 32))
	if err != nil {
		t.Fatalf("Write high overwrite: %v", err)
	}

	got, coverage, err := mem.Read(sp(0x10), 8)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if coverage == 0 {
		t.Fatalf("Read: coverage == 0, want full coverage")
	}
	if !got.IsConstant() || got.Value.Get() != 0xAABBCCDD55667788 {
		t.Fatalf("Read after partial overwrite = %s, want constant 0xaabbccdd55667788", got)
	}

	// The low 4 bytes, read on their own, must still come from the
	// original write, unaffected by the high overwrite.
	gotLow, _, err := mem.Read(sp(0x10), 4)
	if err != nil {
		t.Fatalf("Read low half: %v", err)
	}
	if !gotLow.IsConstant() || gotLow.Value.Get() != 0x55667788 {
		t.Fatalf("Read low half = %s, want constant 0x55667788", gotLow)
	}
}

// TestMemoryReadPartialCoverageConfinesDefault writes only the low 4 bytes
// of an 8-byte region and reads the full 8 bytes back: the low 32 bits must
// come back known-zero (from the write) while the high 32 bits are an
// unconstrained synthesized default, never the other way around and never
// collapsed into one opaque default covering both halves.
func TestMemoryReadPartialCoverageConfinesDefault(t *testing.T) {
	mem := vtil.NewMemory(true, nil)
	sp := func(off uint64) vtil.Pointer {
		return vtil.MakePointer(vtil.BinaryExpr(vtil.OpAdd, vtil.NewVariable(vtil.RegStackPointer.UID, vtil.Width64), vtil.NewConstant(off, vtil.Width64)))
	}

	mem, err := mem.Write(sp(0x10), 4, vtil.NewConstant(0, 32))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, coverage, err := mem.Read(sp(0x10), 8)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if coverage != 0xffffffff {
		t.Fatalf("Read: coverage = %#x, want 0xffffffff (low 32 bits only)", coverage)
	}
	if got.IsConstant() {
		t.Fatalf("Read after partial write = %s, want a non-constant mix of known-zero and synthesized bits", got)
	}

	low := vtil.Simplify(vtil.Resize(got, 32, false))
	if !low.IsConstant() || low.Value.Get() != 0 {
		t.Fatalf("low 32 bits of read = %s, want constant 0", low)
	}
}

func TestMemoryReadMissSynthesizesVariable(t *testing.T) {
	mem := vtil.NewMemory(true, nil)
	ptr := vtil.MakePointer(vtil.NewVariable(vtil.RegStackPointer.UID, vtil.Width64))
	got, coverage, err := mem.Read(ptr, 8)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if coverage != 0 {
		t.Fatalf("Read on empty memory: coverage = %#x, want 0", coverage)
	}
	if !got.IsVariable() {
		t.Fatalf("Read on empty memory = %s, want a synthesized variable", got)
	}
}
