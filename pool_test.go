package vtil_test

import (
	"sync"
	"testing"

	"github.com/wisdark/VTIL-Core"
)

func TestExprPoolGetReturnsZeroedNode(t *testing.T) {
	p := vtil.NewExprPool()
	e := p.Get()
	if e.Op != vtil.OpInvalid || e.LHS != nil || e.RHS != nil || e.UID != nil {
		t.Fatalf("Get() returned a non-zeroed node: %+v", e)
	}
	p.Put(e)
}

// TestExprPoolConcurrentUse exercises the pool's atomic bucket rotation
// under concurrent Get/Put, the scenario that previously raced on a plain
// increment of the rotation counter.
func TestExprPoolConcurrentUse(t *testing.T) {
	p := vtil.NewExprPool()
	const goroutines = 16
	const perGoroutine = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				e := p.Get()
				e.Op = vtil.OpAdd
				p.Put(e)
			}
		}()
	}
	wg.Wait()
}
