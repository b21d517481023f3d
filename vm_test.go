package vtil_test

import (
	"testing"

	"github.com/wisdark/VTIL-Core"
)

func TestSymbolicVMReadWriteRegister(t *testing.T) {
	vm := vtil.NewSymbolicVM(vtil.NewMemory(true, nil))
	rax := vtil.NewRegister("rax", vtil.Width64)

	first := vm.ReadRegister(rax)
	if !first.IsVariable() {
		t.Fatalf("first read of an unwritten register = %s, want a fresh variable", first)
	}
	second := vm.ReadRegister(rax)
	if !vtil.IsIdentical(first, second) {
		t.Fatalf("two reads of the same unwritten register produced different expressions: %s vs %s", first, second)
	}

	vm.WriteRegister(rax, vtil.NewConstant(42, 64))
	got := vm.ReadRegister(rax)
	if !got.IsConstant() || got.Value.Get() != 42 {
		t.Fatalf("ReadRegister after WriteRegister(42) = %s, want constant 42", got)
	}
}

func TestSymbolicVMMovsxSignExtends(t *testing.T) {
	vm := vtil.NewSymbolicVM(vtil.NewMemory(true, nil))
	src := vtil.NewRegister("al", vtil.Width8)
	dst := vtil.NewRegister("eax", vtil.Width32)
	vm.WriteRegister(src, vtil.NewConstant(0xff, 8)) // -1 as int8

	ins := vtil.NewInstruction(vtil.IMovsx, 0, vtil.RegOperand(dst), vtil.RegOperand(src))
	vm.Execute(ins)

	got := vm.ReadRegister(dst)
	if !got.IsConstant() || int32(got.Value.Get()) != -1 {
		t.Fatalf("movsx 0xff (8-bit) into 32-bit = %#x, want all-ones (-1)", got.Value.Get())
	}
}

func TestSymbolicVMConditionalSet(t *testing.T) {
	vm := vtil.NewSymbolicVM(vtil.NewMemory(true, nil))
	dst := vtil.NewRegister("flag", vtil.Width8)

	ins := vtil.NewInstruction(vtil.ITl, 0, vtil.RegOperand(dst), vtil.ImmOperand(3, vtil.Width64), vtil.ImmOperand(10, vtil.Width64))
	vm.Execute(ins)
	got := vm.ReadRegister(dst)
	if !got.IsConstant() || got.Value.Get() != 1 {
		t.Fatalf("tl(3,10) = %s, want constant 1", got)
	}

	ins2 := vtil.NewInstruction(vtil.ITl, 0, vtil.RegOperand(dst), vtil.ImmOperand(30, vtil.Width64), vtil.ImmOperand(10, vtil.Width64))
	vm.Execute(ins2)
	got2 := vm.ReadRegister(dst)
	if !got2.IsConstant() || got2.Value.Get() != 0 {
		t.Fatalf("tl(30,10) = %s, want constant 0", got2)
	}
}

// TestSymbolicVMDivRemSignedness exercises div/idiv's dividend-pair
// combination and checks that div (unsigned) and idiv (signed) diverge on
// the same bit pattern: -8 laid out as an 8-bit low/high pair (sign
// extended) divided by 3.
func TestSymbolicVMDivRemSignedness(t *testing.T) {
	lo := vtil.NewRegister("lo", vtil.Width8)
	hi := vtil.NewRegister("hi", vtil.Width8)

	t.Run("SignedTruncatesTowardZero", func(t *testing.T) {
		vm := vtil.NewSymbolicVM(vtil.NewMemory(true, nil))
		vm.WriteRegister(lo, vtil.NewConstant(0xf8, 8)) // -8 as int8
		vm.WriteRegister(hi, vtil.NewConstant(0xff, 8)) // sign-extension of -8

		ins := vtil.NewInstruction(vtil.IIdiv, 0, vtil.RegOperand(lo), vtil.RegOperand(hi), vtil.ImmOperand(3, vtil.Width8))
		vm.Execute(ins)
		got := vm.ReadRegister(lo)
		if !got.IsConstant() || int8(got.Value.Get()) != -2 {
			t.Fatalf("idiv(-8,3) = %d, want -2", int8(got.Value.Get()))
		}
	})

	t.Run("UnsignedTreatsPairAsUnsignedMagnitude", func(t *testing.T) {
		vm := vtil.NewSymbolicVM(vtil.NewMemory(true, nil))
		vm.WriteRegister(lo, vtil.NewConstant(0xf8, 8))
		vm.WriteRegister(hi, vtil.NewConstant(0xff, 8))

		ins := vtil.NewInstruction(vtil.IDiv, 0, vtil.RegOperand(lo), vtil.RegOperand(hi), vtil.ImmOperand(3, vtil.Width8))
		vm.Execute(ins)
		got := vm.ReadRegister(lo)
		if !got.IsConstant() || got.Value.Get() != 0x52 {
			t.Fatalf("div(pair 0xfff8, 3) low byte = %#x, want 0x52", got.Value.Get())
		}
	})
}

// TestSymbolicVMUnaryOpsReadWriteSameOperand exercises neg/not/popcnt,
// all of which take a single readwrite operand rather than a separate
// source and destination.
func TestSymbolicVMUnaryOpsReadWriteSameOperand(t *testing.T) {
	reg := vtil.NewRegister("r", vtil.Width8)

	t.Run("Neg", func(t *testing.T) {
		vm := vtil.NewSymbolicVM(vtil.NewMemory(true, nil))
		vm.WriteRegister(reg, vtil.NewConstant(5, 8))
		vm.Execute(vtil.NewInstruction(vtil.INeg, 0, vtil.RegOperand(reg)))
		got := vm.ReadRegister(reg)
		if !got.IsConstant() || int8(got.Value.Get()) != -5 {
			t.Fatalf("neg(5) = %d, want -5", int8(got.Value.Get()))
		}
	})

	t.Run("Not", func(t *testing.T) {
		vm := vtil.NewSymbolicVM(vtil.NewMemory(true, nil))
		vm.WriteRegister(reg, vtil.NewConstant(0, 8))
		vm.Execute(vtil.NewInstruction(vtil.INot, 0, vtil.RegOperand(reg)))
		got := vm.ReadRegister(reg)
		if !got.IsConstant() || got.Value.Get() != 0xff {
			t.Fatalf("not(0) = %#x, want 0xff", got.Value.Get())
		}
	})

	t.Run("Popcnt", func(t *testing.T) {
		vm := vtil.NewSymbolicVM(vtil.NewMemory(true, nil))
		vm.WriteRegister(reg, vtil.NewConstant(0x0f, 8))
		vm.Execute(vtil.NewInstruction(vtil.IPopcnt, 0, vtil.RegOperand(reg)))
		got := vm.ReadRegister(reg)
		if !got.IsConstant() || got.Value.Get() != 4 {
			t.Fatalf("popcnt(0x0f) = %d, want 4", got.Value.Get())
		}
	})
}

func TestSymbolicVMEntryVariables(t *testing.T) {
	vm := vtil.NewSymbolicVM(vtil.NewMemory(true, nil))
	rbx := vtil.NewRegister("rbx", vtil.Width64)
	rcx := vtil.NewRegister("rcx", vtil.Width64)

	ins := vtil.NewInstruction(vtil.IMov, 0, vtil.RegOperand(rbx), vtil.RegOperand(rcx))
	vm.Execute(ins)
	expr := vm.ReadRegister(rbx)

	entry := vm.EntryVariables(expr)
	if len(entry) != 1 || entry[0].UID.Hash() != rcx.UID.Hash() {
		t.Fatalf("EntryVariables(mov rbx,rcx) = %v, want [rcx]", entry)
	}
}
