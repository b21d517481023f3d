package vtil

import (
	"sync"
	"sync/atomic"
)

// poolBucketCount is the fixed fan-out spec.md §4.9/§9 describes as a
// thread-local bucket rotation: more buckets spread contention between
// concurrent allocators at the cost of more live sync.Pool instances.
const poolBucketCount = 8

// ExprPool is the object-pool allocator of spec.md §4.9/C10, reinterpreted
// per SPEC_FULL.md §5 for a garbage-collected target: Go's GC is the
// allocator of record, so this is a thin sync.Pool-backed bucket rotation
// that exists purely to reduce allocation pressure on the hot path of
// expression-node construction, not a correctness-relevant deferred-
// destruction mechanism — there is no "pending destroy" bit, because Go's
// GC makes reuse timing invisible to correctness.
type ExprPool struct {
	buckets [poolBucketCount]sync.Pool
	next    uint64 // atomic rotation counter, mirrors the bucket-rotation index
}

// NewExprPool returns a pool whose buckets allocate fresh *Expr values on
// a miss.
func NewExprPool() *ExprPool {
	p := &ExprPool{}
	for i := range p.buckets {
		p.buckets[i].New = func() interface{} { return new(Expr) }
	}
	return p
}

// sharedExprPool backs every Expr construction site in expr.go. It is
// never reset between calls — exprPool-sourced nodes either get published
// into the DAG (and are never Put back, since nothing tracks when the
// last reference to a DAG node disappears) or get discarded unpublished by
// Simplify when it swaps in a strictly-simpler replacement, the one case
// where nothing else in the program could possibly hold a reference yet.
// A lazy node that a caller hands to Simplify is not recycled.
var sharedExprPool = NewExprPool()

// Get rotates to the next bucket and returns a recycled or freshly
// allocated *Expr. A recycled node is reset to the zero value before it
// is returned, so no field carries over from its previous use.
func (p *ExprPool) Get() *Expr {
	idx := nextBucket(&p.next)
	e := p.buckets[idx].Get().(*Expr)
	*e = Expr{}
	return e
}

// Put returns e to rotation for reuse. e must not be referenced by any
// live expression tree after this call — the pool gives no deferred-
// destruction grace period.
func (p *ExprPool) Put(e *Expr) {
	idx := nextBucket(&p.next)
	p.buckets[idx].Put(e)
}

func nextBucket(counter *uint64) uint64 {
	return atomic.AddUint64(counter, 1) % poolBucketCount
}
