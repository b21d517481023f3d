package vtil_test

import (
	"context"
	"strings"
	"testing"

	"github.com/wisdark/VTIL-Core"
)

// Scenario 1: mov rax,3; add rax,5; trace(rax@end) -> constant 8 of width 64.
func TestTraceConstantFolding(t *testing.T) {
	r := vtil.NewRoutine(0x1000)
	b := r.CreateBlock(0x1000)
	rax := vtil.NewRegister("rax", vtil.Width64)
	b.Mov(rax, vtil.ImmOperand(3, vtil.Width64))
	b.Add(rax, vtil.ImmOperand(5, vtil.Width64))

	got, err := vtil.BasicTracer{}.Trace(context.Background(), vtil.Variable{
		Kind: vtil.RegisterVariable, Reg: rax, Block: b, Index: len(b.Instructions),
	})
	if err != nil {
		t.Fatalf("Trace: %v", err)
	}
	if !got.IsConstant() || got.Value.Get() != 8 || got.Width() != 64 {
		t.Fatalf("trace(rax@end) = %s, want constant 8 of width 64", got)
	}
}

// Scenario 2: mov rax,rbx; add rax,rcx; trace(rax@end) -> rbx + rcx, symbolic.
func TestTraceSymbolicRegisters(t *testing.T) {
	r := vtil.NewRoutine(0x1000)
	b := r.CreateBlock(0x1000)
	rax := vtil.NewRegister("rax", vtil.Width64)
	rbx := vtil.NewRegister("rbx", vtil.Width64)
	rcx := vtil.NewRegister("rcx", vtil.Width64)
	b.Mov(rax, vtil.RegOperand(rbx))
	b.Add(rax, vtil.RegOperand(rcx))

	got, err := vtil.BasicTracer{}.Trace(context.Background(), vtil.Variable{
		Kind: vtil.RegisterVariable, Reg: rax, Block: b, Index: len(b.Instructions),
	})
	if err != nil {
		t.Fatalf("Trace: %v", err)
	}
	want := vtil.BinaryExpr(vtil.OpAdd, vtil.NewVariable(rbx.UID, 64), vtil.NewVariable(rcx.UID, 64))
	if !vtil.IsIdentical(got, want) {
		t.Fatalf("trace(rax@end) = %s, want %s", got, want)
	}
}

// Scenario 3: str rsp,0,rax; ldd rbx,rsp,0; trace(rbx@end) is identical to
// trace(rax@before_str).
func TestTraceMemoryRoundTrip(t *testing.T) {
	r := vtil.NewRoutine(0x1000)
	b := r.CreateBlock(0x1000)
	rax := vtil.NewRegister("rax", vtil.Width64)
	rbx := vtil.NewRegister("rbx", vtil.Width64)
	strIdx := len(b.Instructions)
	b.Str(vtil.RegStackPointer, 0, vtil.RegOperand(rax))
	b.Ldd(rbx, vtil.RegStackPointer, 0)

	beforeStr, err := vtil.BasicTracer{}.Trace(context.Background(), vtil.Variable{
		Kind: vtil.RegisterVariable, Reg: rax, Block: b, Index: strIdx,
	})
	if err != nil {
		t.Fatalf("Trace(rax@before_str): %v", err)
	}

	end, err := vtil.BasicTracer{}.Trace(context.Background(), vtil.Variable{
		Kind: vtil.RegisterVariable, Reg: rbx, Block: b, Index: len(b.Instructions),
	})
	if err != nil {
		t.Fatalf("Trace(rbx@end): %v", err)
	}

	if !vtil.IsIdentical(end, beforeStr) {
		t.Fatalf("trace(rbx@end) = %s, want identical to trace(rax@before_str) = %s", end, beforeStr)
	}
}

// Scenario 6: entry: rcx=0; L: rcx+=1; cmp rcx,10; jl L; exit.
// rtrace(rcx@exit) with depth limit 32 terminates with a loop-tagged result
// rather than diverging; trace of a register set to a literal constant in
// the exit block resolves to that constant without crossing any edge. The
// scenario's "flag_zero" has no literal counterpart in this opcode set (no
// flags register exists — tl already produces the comparison result
// directly) so the exit block sets a same-named register to 1 explicitly,
// standing in for "the thing that is known constant once you've left the
// loop."
func TestTraceLoop(t *testing.T) {
	entryVIP, loopVIP, exitVIP := uint64(0x1000), uint64(0x2000), uint64(0x3000)
	r := vtil.NewRoutine(entryVIP)
	entry := r.CreateBlock(entryVIP)
	loop := r.CreateBlock(loopVIP)
	exit := r.CreateBlock(exitVIP)

	rcx := vtil.NewRegister("rcx", vtil.Width64)
	flag := vtil.NewRegister("flag_lt", vtil.Width8)
	flagZero := vtil.NewRegister("flag_zero", vtil.Width8)

	entry.Mov(rcx, vtil.ImmOperand(0, vtil.Width64))
	entry.Jmp(loopVIP)

	loop.Add(rcx, vtil.ImmOperand(1, vtil.Width64))
	loop.Tl(flag, vtil.RegOperand(rcx), vtil.ImmOperand(10, vtil.Width64))
	loop.Js(flag, loopVIP, exitVIP)

	exit.Mov(flagZero, vtil.ImmOperand(1, vtil.Width8))

	got, err := vtil.BasicTracer{}.RTrace(context.Background(), vtil.Variable{
		Kind: vtil.RegisterVariable, Reg: rcx, Block: exit, Index: 0,
	}, 32)
	if err != nil {
		t.Fatalf("RTrace(rcx@exit): %v", err)
	}
	if got.IsConstant() {
		t.Fatalf("rtrace(rcx@exit) = %s, want a non-constant, loop-tagged expression", got)
	}
	if !containsLoopTag(got) {
		t.Fatalf("rtrace(rcx@exit) = %s, want it to carry a loop-tagged variable", got)
	}

	flagGot, err := vtil.BasicTracer{}.Trace(context.Background(), vtil.Variable{
		Kind: vtil.RegisterVariable, Reg: flagZero, Block: exit, Index: len(exit.Instructions),
	})
	if err != nil {
		t.Fatalf("Trace(flag_zero@exit): %v", err)
	}
	if !flagGot.IsConstant() || flagGot.Value.Get() != 1 {
		t.Fatalf("trace(flag_zero) = %s, want constant 1", flagGot)
	}
}

func containsLoopTag(e *vtil.Expr) bool {
	for _, v := range vtil.FindVariables(e) {
		if strings.HasPrefix(v.UID.Name(), "loop@") {
			return true
		}
	}
	return false
}
