package vtil_test

import (
	"testing"

	"github.com/wisdark/VTIL-Core"
)

// buildDiamond builds A -> {B, C} -> D and returns the routine plus VIPs.
func buildDiamond() (*vtil.Routine, uint64, uint64, uint64, uint64) {
	r := vtil.NewRoutine(0x1000)
	a := r.CreateBlock(0x1000)
	b := r.CreateBlock(0x2000)
	c := r.CreateBlock(0x3000)
	d := r.CreateBlock(0x4000)

	flag := vtil.NewRegister("cond", vtil.Width8)
	a.Js(flag, b.VIP, c.VIP)
	b.Jmp(d.VIP)
	c.Jmp(d.VIP)

	return r, a.VIP, b.VIP, c.VIP, d.VIP
}

func TestRoutineHasPath(t *testing.T) {
	r, a, b, c, d := buildDiamond()

	for _, tc := range []struct {
		from, to uint64
		want     bool
	}{
		{a, b, true},
		{a, c, true},
		{a, d, true},
		{b, d, true},
		{c, d, true},
		{b, c, false},
		{d, a, false},
		{a, a, true},
	} {
		if got := r.HasPath(tc.from, tc.to); got != tc.want {
			t.Fatalf("HasPath(%#x,%#x) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestRoutineHasPathBwd(t *testing.T) {
	r, a, b, c, d := buildDiamond()

	for _, tc := range []struct {
		from, to uint64
		want     bool
	}{
		{d, a, true},
		{d, b, true},
		{d, c, true},
		{b, a, true},
		{c, a, true},
		{a, d, false},
		{d, d, true},
	} {
		if got := r.HasPathBwd(tc.from, tc.to); got != tc.want {
			t.Fatalf("HasPathBwd(%#x,%#x) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestRoutinePathCacheInvalidatedByTopologyChange(t *testing.T) {
	r := vtil.NewRoutine(0x1000)
	a := r.CreateBlock(0x1000)
	e := r.CreateBlock(0x9000)
	a.Vexit(0)
	e.Vexit(0)

	if r.HasPath(a.VIP, e.VIP) {
		t.Fatalf("HasPath(a,e) = true before linking, want false")
	}

	a.LinkTo(e.VIP)

	if !r.HasPath(a.VIP, e.VIP) {
		t.Fatalf("HasPath(a,e) = false after linking, want true")
	}
}

// TestBasicBlockEmitUsesSynthesizedVIPSentinel checks that every
// instruction built through the fluent emitters carries the `~0`
// synthesized-instruction sentinel, not a freshly minted per-instruction
// id — this package never lifts a real instruction, so every
// instruction it builds is synthesized by definition.
func TestBasicBlockEmitUsesSynthesizedVIPSentinel(t *testing.T) {
	r := vtil.NewRoutine(0x1000)
	b := r.CreateBlock(0x1000)
	rax := vtil.NewRegister("rax", vtil.Width64)

	first := b.Mov(rax, vtil.ImmOperand(1, vtil.Width64))
	second := b.Add(rax, vtil.ImmOperand(1, vtil.Width64))

	if first.VIP != ^uint64(0) {
		t.Fatalf("first emitted instruction VIP = %#x, want ~0", first.VIP)
	}
	if second.VIP != ^uint64(0) {
		t.Fatalf("second emitted instruction VIP = %#x, want ~0", second.VIP)
	}
}

func TestRoutineCreateSyntheticBlockAllocatesDistinctVIPs(t *testing.T) {
	r := vtil.NewRoutine(0x1000)
	a := r.CreateSyntheticBlock()
	b := r.CreateSyntheticBlock()
	if a.VIP == b.VIP {
		t.Fatalf("two synthetic blocks got the same VIP %#x", a.VIP)
	}
	if _, ok := r.GetBlock(a.VIP); !ok {
		t.Fatalf("synthetic block %#x not found in routine", a.VIP)
	}
}

// TestRoutineAllocRegisterIDIsMonotonicallyIncreasing checks that
// successive AllocRegisterID calls return strictly increasing ids.
func TestRoutineAllocRegisterIDIsMonotonicallyIncreasing(t *testing.T) {
	r := vtil.NewRoutine(0x1000)
	var prev uint64
	for i := 0; i < 4; i++ {
		id := r.AllocRegisterID()
		if i > 0 && id <= prev {
			t.Fatalf("AllocRegisterID returned %d after %d, want strictly increasing", id, prev)
		}
		prev = id
	}
}

func TestRoutineCallingConventionOverride(t *testing.T) {
	r := vtil.NewRoutine(0x1000)
	const callSite = 0x5000

	if _, ok := r.CallingConventionOverride(callSite); ok {
		t.Fatalf("CallingConventionOverride on a routine with no overrides = ok, want !ok")
	}

	r.SetCallingConventionOverride(callSite, "stdcall")
	got, ok := r.CallingConventionOverride(callSite)
	if !ok || got != "stdcall" {
		t.Fatalf("CallingConventionOverride(%#x) = (%v,%v), want (stdcall,true)", callSite, got, ok)
	}
}

func TestRoutineCloneIsIndependent(t *testing.T) {
	r, a, _, _, _ := buildDiamond()
	clone := r.Clone()

	ba, _ := r.GetBlock(a)
	originalLen := len(ba.Instructions)

	cloneBlock, ok := clone.GetBlock(a)
	if !ok {
		t.Fatalf("clone missing block %#x", a)
	}
	cloneBlock.Instructions = append(cloneBlock.Instructions, cloneBlock.Instructions...)

	ba2, _ := r.GetBlock(a)
	if len(ba2.Instructions) != originalLen {
		t.Fatalf("mutating clone's block affected original: len = %d, want %d", len(ba2.Instructions), originalLen)
	}
}

func TestRoutineCloneCopiesCallingConventionOverrides(t *testing.T) {
	r, _, _, _, _ := buildDiamond()
	r.SetCallingConventionOverride(0x5000, "fastcall")

	clone := r.Clone()
	if got, ok := clone.CallingConventionOverride(0x5000); !ok || got != "fastcall" {
		t.Fatalf("clone's CallingConventionOverride(0x5000) = (%v,%v), want (fastcall,true)", got, ok)
	}

	clone.SetCallingConventionOverride(0x5000, "stdcall")
	if got, _ := r.CallingConventionOverride(0x5000); got != "fastcall" {
		t.Fatalf("mutating clone's override affected original: got %v, want fastcall", got)
	}
}
