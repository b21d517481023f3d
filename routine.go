package vtil

import (
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
)

// uint64Comparer compares two 64-bit unsigned integers. Implements
// immutable.Comparer, ported verbatim from the teacher's own
// execution_state.go idiom (there used to order heap addresses; here to
// order VIPs).
type uint64Comparer struct{}

func (c *uint64Comparer) Compare(a, b interface{}) int {
	if i, j := a.(uint64), b.(uint64); i < j {
		return -1
	} else if i > j {
		return 1
	}
	return 0
}

// Routine is a lifted function: a set of basic blocks keyed by VIP, plus
// the bookkeeping the tracer and VM need to reason across block
// boundaries. Grounded on VTIL-Architecture/routine/routine.hpp. All
// mutation goes through mu, matching spec.md §5's single routine-wide
// lock; the VIP→block map itself is an immutable.SortedMap, so
// ForEachBlock takes a snapshot under the lock and iterates it after
// releasing the lock.
type Routine struct {
	mu sync.Mutex

	EntryVIP uint64
	ArchID   uint32 // opaque architecture tag carried through serialization; this package assigns no meaning to it
	blocks   *immutable.SortedMap // uint64 -> *BasicBlock

	pathCache    map[uint64]*immutable.SortedMap // VIP -> set of forward-reachable VIPs
	pathCacheBwd map[uint64]*immutable.SortedMap // VIP -> set of backward-reachable VIPs

	nextInternalVIP uint64 // atomic; synthesized VIPs count down from ^uint64(0)
	nextRegisterID  uint64 // atomic; monotonically increasing, for synthesized-register/temporary ids

	// callingConventionOverrides holds per-call-site calling-convention
	// data, keyed by the vxcall instruction's VIP. This package has no
	// calling-convention model of its own (that lives in the external
	// calling-convention libraries spec.md's Non-goals name); a value is
	// whatever opaque data that external collaborator wants to attach to
	// one call site, read back unmodified. Guarded by mu, like the rest of
	// the routine's metadata.
	callingConventionOverrides map[uint64]interface{}
}

// NewRoutine returns an empty routine with the given entry VIP.
func NewRoutine(entryVIP uint64) *Routine {
	return &Routine{
		EntryVIP:                   entryVIP,
		blocks:                     immutable.NewSortedMap(&uint64Comparer{}),
		pathCache:                  map[uint64]*immutable.SortedMap{},
		pathCacheBwd:               map[uint64]*immutable.SortedMap{},
		nextInternalVIP:            ^uint64(0),
		callingConventionOverrides: map[uint64]interface{}{},
	}
}

// AllocRegisterID returns a fresh, monotonically increasing id for a
// synthesized register or temporary, distinct from allocVIP's
// strictly-decreasing block VIP counter. Lock-free, per
// spec.md §5's "the counter itself is atomic and may be read without the
// mutex."
func (r *Routine) AllocRegisterID() uint64 {
	return atomic.AddUint64(&r.nextRegisterID, 1)
}

// SetCallingConventionOverride records convention as the calling-
// convention override for the call site at callSiteVIP (typically a
// vxcall instruction's VIP).
func (r *Routine) SetCallingConventionOverride(callSiteVIP uint64, convention interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callingConventionOverrides[callSiteVIP] = convention
}

// CallingConventionOverride returns the calling-convention override
// recorded for callSiteVIP, if any.
func (r *Routine) CallingConventionOverride(callSiteVIP uint64) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.callingConventionOverrides[callSiteVIP]
	return v, ok
}

// invalidatePathCacheLocked drops both path caches. Called under mu
// whenever a block is inserted, deleted, or relinked, since any of those
// can change any block pair's reachability.
func (r *Routine) invalidatePathCacheLocked() {
	r.pathCache = map[uint64]*immutable.SortedMap{}
	r.pathCacheBwd = map[uint64]*immutable.SortedMap{}
}

// allocVIP returns a fresh VIP for a synthesized (non-lifted) block,
// counting down from the top of the address space so it can never
// collide with a real guest VIP. Lock-free: callers only need mutual
// exclusion for the block map itself. Instructions use the fixed `~0`
// sentinel instead (block.go's emit) since this package never lifts a
// real instruction; only blocks need individually distinct synthesized
// VIPs (CreateSyntheticBlock).
func (r *Routine) allocVIP() uint64 {
	return atomic.AddUint64(&r.nextInternalVIP, ^uint64(0)) // decrement
}

// CreateSyntheticBlock inserts and returns a new, empty block at a
// freshly allocated VIP, for blocks a pass synthesizes itself (e.g. a
// landing pad it inserts) rather than lifting from a real guest address.
// allocVIP's strictly-decreasing counter keeps the VIP outside any real
// address range, so it can never collide with a lifted block.
func (r *Routine) CreateSyntheticBlock() *BasicBlock {
	return r.CreateBlock(r.allocVIP())
}

// CreateBlock inserts and returns a new, empty block at vip. Invalidates
// the path cache, since a new block can change any path's reachability.
func (r *Routine) CreateBlock(vip uint64) *BasicBlock {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := &BasicBlock{VIP: vip, Routine: r}
	r.blocks = r.blocks.Set(vip, b)
	r.invalidatePathCacheLocked()
	return b
}

// GetBlock returns the block at vip, if any.
func (r *Routine) GetBlock(vip uint64) (*BasicBlock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getBlockLocked(vip)
}

func (r *Routine) getBlockLocked(vip uint64) (*BasicBlock, bool) {
	v, ok := r.blocks.Get(vip)
	if !ok {
		return nil, false
	}
	return v.(*BasicBlock), true
}

// DeleteBlock removes the block at vip.
func (r *Routine) DeleteBlock(vip uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = r.blocks.Delete(vip)
	r.invalidatePathCacheLocked()
}

// ForEachBlock calls fn for every block, in VIP order. fn must not call
// back into r (CreateBlock/DeleteBlock) — take a snapshot first if a
// mutating pass is needed.
func (r *Routine) ForEachBlock(fn func(*BasicBlock)) {
	r.mu.Lock()
	snapshot := r.blocks
	r.mu.Unlock()

	itr := snapshot.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		fn(v.(*BasicBlock))
	}
}

// Clone returns a deep-enough copy of r: it builds a new VIP→block map of
// new BasicBlocks whose Instructions, Next and Prev slices are copied, so
// a caller can mutate the clone's blocks without affecting r's. The
// *Instruction values themselves are shared.
func (r *Routine) Clone() *Routine {
	r.mu.Lock()
	defer r.mu.Unlock()

	overrides := make(map[uint64]interface{}, len(r.callingConventionOverrides))
	for k, v := range r.callingConventionOverrides {
		overrides[k] = v
	}

	clone := &Routine{
		EntryVIP:                   r.EntryVIP,
		ArchID:                     r.ArchID,
		blocks:                     immutable.NewSortedMap(&uint64Comparer{}),
		pathCache:                  map[uint64]*immutable.SortedMap{},
		pathCacheBwd:               map[uint64]*immutable.SortedMap{},
		nextInternalVIP:            r.nextInternalVIP,
		nextRegisterID:             atomic.LoadUint64(&r.nextRegisterID),
		callingConventionOverrides: overrides,
	}
	itr := r.blocks.Iterator()
	for !itr.Done() {
		k, v := itr.Next()
		src := v.(*BasicBlock)
		dst := &BasicBlock{
			VIP:          src.VIP,
			Instructions: append([]*Instruction(nil), src.Instructions...),
			Next:         append([]uint64(nil), src.Next...),
			Prev:         append([]uint64(nil), src.Prev...),
			SPOffset:     src.SPOffset,
			SPIndex:      src.SPIndex,
			Routine:      clone,
		}
		clone.blocks = clone.blocks.Set(k, dst)
	}
	return clone
}

// Reachable returns the set of VIPs reachable from vip by following
// successor edges, memoized in the routine's path cache (invalidated on
// any block insertion, deletion or relinking). HasPath is built on it; the
// cross-block tracer detects loops with its own visited set instead.
func (r *Routine) Reachable(vip uint64) map[uint64]bool {
	r.mu.Lock()
	if cached, ok := r.pathCache[vip]; ok {
		r.mu.Unlock()
		return setFromImmutable(cached)
	}
	r.mu.Unlock()

	visited := map[uint64]bool{}
	queue := []uint64{vip}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if blk, ok := r.GetBlock(cur); ok {
			for _, n := range blk.Next {
				if !visited[n] {
					queue = append(queue, n)
				}
			}
		}
	}

	frozen := immutable.NewSortedMap(&uint64Comparer{})
	for k := range visited {
		frozen = frozen.Set(k, struct{}{})
	}
	r.mu.Lock()
	r.pathCache[vip] = frozen
	r.mu.Unlock()
	return visited
}

// ReachableBackward returns the set of VIPs that can reach vip by following
// predecessor edges, memoized in the routine's backward path cache.
// HasPathBwd is built on it.
func (r *Routine) ReachableBackward(vip uint64) map[uint64]bool {
	r.mu.Lock()
	if cached, ok := r.pathCacheBwd[vip]; ok {
		r.mu.Unlock()
		return setFromImmutable(cached)
	}
	r.mu.Unlock()

	visited := map[uint64]bool{}
	queue := []uint64{vip}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if blk, ok := r.GetBlock(cur); ok {
			for _, p := range blk.Prev {
				if !visited[p] {
					queue = append(queue, p)
				}
			}
		}
	}

	frozen := immutable.NewSortedMap(&uint64Comparer{})
	for k := range visited {
		frozen = frozen.Set(k, struct{}{})
	}
	r.mu.Lock()
	r.pathCacheBwd[vip] = frozen
	r.mu.Unlock()
	return visited
}

// HasPath reports whether b is reachable from a by following successor
// edges, including the trivial case a == b.
func (r *Routine) HasPath(a, b uint64) bool {
	if a == b {
		return true
	}
	return r.Reachable(a)[b]
}

// HasPathBwd reports whether b can reach a by following successor edges —
// equivalently, whether a is reachable from b. Implemented via the backward
// path cache so repeated queries against a fixed a don't re-walk the CFG.
func (r *Routine) HasPathBwd(a, b uint64) bool {
	if a == b {
		return true
	}
	return r.ReachableBackward(a)[b]
}

func setFromImmutable(m *immutable.SortedMap) map[uint64]bool {
	out := make(map[uint64]bool, m.Len())
	itr := m.Iterator()
	for !itr.Done() {
		k, _ := itr.Next()
		out[k.(uint64)] = true
	}
	return out
}
