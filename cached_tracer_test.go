package vtil_test

import (
	"context"
	"sync"
	"testing"

	"github.com/wisdark/VTIL-Core"
)

func TestCachedTracerMemoizes(t *testing.T) {
	r := vtil.NewRoutine(0x1000)
	b := r.CreateBlock(0x1000)
	rax := vtil.NewRegister("rax", vtil.Width64)
	b.Mov(rax, vtil.ImmOperand(3, vtil.Width64))
	b.Add(rax, vtil.ImmOperand(5, vtil.Width64))

	calls := 0
	inner := countingTracer{BasicTracer: vtil.BasicTracer{}, calls: &calls}
	cached := vtil.NewCachedTracer(inner)

	v := vtil.Variable{Kind: vtil.RegisterVariable, Reg: rax, Block: b, Index: len(b.Instructions)}
	first, err := cached.Trace(context.Background(), v)
	if err != nil {
		t.Fatalf("Trace: %v", err)
	}
	second, err := cached.Trace(context.Background(), v)
	if err != nil {
		t.Fatalf("Trace: %v", err)
	}
	if !vtil.IsIdentical(first, second) {
		t.Fatalf("cached Trace returned different results: %s vs %s", first, second)
	}
	if calls != 1 {
		t.Fatalf("inner tracer called %d times, want 1 (second call should hit the cache)", calls)
	}

	cached.InvalidateBlock(b.VIP)
	if _, err := cached.Trace(context.Background(), v); err != nil {
		t.Fatalf("Trace after invalidate: %v", err)
	}
	if calls != 2 {
		t.Fatalf("inner tracer called %d times after invalidation, want 2", calls)
	}
}

func TestCachedTracerConcurrentAccess(t *testing.T) {
	r := vtil.NewRoutine(0x1000)
	b := r.CreateBlock(0x1000)
	rax := vtil.NewRegister("rax", vtil.Width64)
	b.Mov(rax, vtil.ImmOperand(1, vtil.Width64))

	cached := vtil.NewCachedTracer(vtil.BasicTracer{})
	v := vtil.Variable{Kind: vtil.RegisterVariable, Reg: rax, Block: b, Index: len(b.Instructions)}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cached.Trace(context.Background(), v); err != nil {
				t.Errorf("Trace: %v", err)
			}
		}()
	}
	wg.Wait()
}

type countingTracer struct {
	vtil.BasicTracer
	calls *int
}

func (c countingTracer) Trace(ctx context.Context, v vtil.Variable) (*vtil.Expr, error) {
	*c.calls++
	return c.BasicTracer.Trace(ctx, v)
}
