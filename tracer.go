package vtil

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// VariableKind distinguishes the two things a tracer query can ask about,
// grounded on VTIL-Architecture/trace/tracer.hpp's variant query type.
type VariableKind int

const (
	RegisterVariable VariableKind = iota
	MemoryVariable
)

// Variable is a tracer query: "what is the value of this register slice,
// or this memory cell, immediately before executing Instructions[Index]
// of Block?" Index == len(Block.Instructions) means "at block end."
type Variable struct {
	Kind VariableKind
	Reg  RegisterDesc
	Ptr  Pointer
	Size int // bytes, memory queries only

	Block *BasicBlock
	Index int
}

func (v Variable) width() int {
	if v.Kind == RegisterVariable {
		return v.Reg.Width
	}
	return v.Size * 8
}

func (v Variable) at(block *BasicBlock, idx int) Variable {
	c := v
	c.Block, c.Index = block, idx
	return c
}

// Tracer resolves the symbolic value of a Variable, grounded on
// tracer.hpp's trace()/rtrace() pair.
type Tracer interface {
	// Trace resolves v using the default cross-block depth limit.
	Trace(ctx context.Context, v Variable) (*Expr, error)
	// RTrace resolves v, exploring at most depthLimit predecessor hops
	// cross-block (negative means unbounded), matching spec.md §4.8.
	RTrace(ctx context.Context, v Variable, depthLimit int) (*Expr, error)
}

// defaultDepthLimit matches spec.md §8 scenario 6's literal depth limit.
const defaultDepthLimit = 32

// BasicTracer is the uncached tracer implementation: every call walks the
// CFG fresh. CachedTracer wraps it (or any Tracer) with memoization.
type BasicTracer struct{}

func (BasicTracer) Trace(ctx context.Context, v Variable) (*Expr, error) {
	return resolve(ctx, v, defaultDepthLimit, map[uint64]bool{})
}

func (BasicTracer) RTrace(ctx context.Context, v Variable, depthLimit int) (*Expr, error) {
	return resolve(ctx, v, depthLimit, map[uint64]bool{})
}

// loopTagVariable is the "fresh variable tagged to the loop header" spec.md
// §4.8 and §8 scenario 6 specify as the result of a cyclic, non-constant
// dependency: tracing the variable around the loop reached a block already
// on the current path without resolving it.
func loopTagVariable(header uint64, width int) *Expr {
	name := fmt.Sprintf("loop@%x", header)
	return NewVariable(NewUniqueIdentifier(name, mixHash(header, 0xa5a5a5a5a5a5a5a5)), width)
}

func isLoopTag(e *Expr) bool {
	return e.IsVariable() && strings.HasPrefix(e.UID.Name(), "loop@")
}

func cloneVisited(visited map[uint64]bool, vip uint64) map[uint64]bool {
	out := make(map[uint64]bool, len(visited)+1)
	for k := range visited {
		out[k] = true
	}
	out[vip] = true
	return out
}

// resolve is the shared entry point for Trace/RTrace: run the intra-block
// trace at v's anchor, then resolve whatever block-entry values the result
// still references by folding v.Block's predecessors.
func resolve(ctx context.Context, v Variable, depthLimit int, visited map[uint64]bool) (*Expr, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if visited[v.Block.VIP] {
		return loopTagVariable(v.Block.VIP, v.width()), nil
	}

	switch v.Kind {
	case RegisterVariable:
		expr, touched := runAndReadRegister(v.Block, v.Index, v.Reg)
		return resolveTouchedRegisters(ctx, v.Block, expr, touched, depthLimit, cloneVisited(visited, v.Block.VIP))
	default:
		expr, coverage, err := runAndReadMemory(v.Block, v.Index, v.Ptr, v.Size)
		if err != nil {
			return nil, err
		}
		fullMask := fill(min(v.Size*8, 64))
		if coverage == fullMask {
			return expr, nil
		}
		entry, err := resolveMemoryEntry(ctx, v.Block, v.Ptr, v.Size, depthLimit, cloneVisited(visited, v.Block.VIP))
		if err != nil || coverage == 0 {
			return entry, err
		}
		// Partially overwritten in this block: the written bits come from
		// the block's own log, the rest from the value on block entry.
		w := v.Size * 8
		return BinaryExpr(OpBitwiseOr,
			BinaryExpr(OpBitwiseAnd, expr, NewConstant(coverage, w)),
			BinaryExpr(OpBitwiseAnd, entry, NewConstant(fullMask&^coverage, w))), nil
	}
}

// runAndReadRegister forward-executes block.Instructions[:idx] against a
// fresh VM and reads reg's resulting value, returning which of reg's
// ancestor registers (if any) are still unresolved block-entry values.
func runAndReadRegister(block *BasicBlock, idx int, reg RegisterDesc) (*Expr, []RegisterDesc) {
	vm := NewSymbolicVM(NewMemory(true, nil))
	for _, ins := range block.Instructions[:idx] {
		vm.Execute(ins)
	}
	expr := vm.ReadRegister(reg)
	return expr, vm.EntryVariables(expr)
}

func runAndReadMemory(block *BasicBlock, idx int, ptr Pointer, size int) (*Expr, uint64, error) {
	vm := NewSymbolicVM(NewMemory(true, nil))
	for _, ins := range block.Instructions[:idx] {
		vm.Execute(ins)
	}
	return vm.Memory.Read(ptr, size)
}

// resolveTouchedRegisters substitutes, for every register still unresolved
// in expr, that register's value on entry to block, computed by folding
// block's predecessors.
func resolveTouchedRegisters(ctx context.Context, block *BasicBlock, expr *Expr, touched []RegisterDesc, depthLimit int, visited map[uint64]bool) (*Expr, error) {
	for _, reg := range touched {
		sub, err := registerAtBlockEntry(ctx, block, reg, depthLimit, visited)
		if err != nil {
			return nil, err
		}
		expr = substitute(expr, reg.UID, sub)
	}
	return expr, nil
}

// registerAtBlockEntry is reg's value at the moment control reaches block,
// folded across every predecessor edge.
func registerAtBlockEntry(ctx context.Context, block *BasicBlock, reg RegisterDesc, depthLimit int, visited map[uint64]bool) (*Expr, error) {
	preds := block.Prev
	if len(preds) == 0 || depthLimit == 0 {
		// Routine entry, or search exhausted: reg's value is whatever the
		// surrounding caller already knows it to be — leave it symbolic.
		return NewVariable(reg.UID, reg.Width), nil
	}

	var results []*Expr
	var predBlocks []*BasicBlock
	for _, predVIP := range preds {
		predBlock, ok := block.Routine.GetBlock(predVIP)
		if !ok {
			continue
		}
		if edge, ok := edgeDiscriminant(predBlock, block.VIP, reg); ok {
			results = append(results, edge)
			predBlocks = append(predBlocks, predBlock)
			continue
		}
		r, err := resolve(ctx, Variable{Kind: RegisterVariable, Reg: reg, Block: predBlock, Index: len(predBlock.Instructions)}, depthLimit-1, visited)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
		predBlocks = append(predBlocks, predBlock)
	}
	if len(results) == 0 {
		return NewVariable(reg.UID, reg.Width), nil
	}
	return fold(ctx, results, predBlocks, block, depthLimit-1, visited)
}

// edgeDiscriminant recognizes the one case a tracer can resolve without any
// recursion at all: pred's terminator is a select-jump whose own condition
// register is exactly the register being traced. The edge into target then
// pins that register's value to the branch outcome by construction —
// "reaching target via this edge" and "cond held this value" are the same
// fact, not something that needs solving.
func edgeDiscriminant(pred *BasicBlock, target uint64, reg RegisterDesc) (*Expr, bool) {
	if len(pred.Instructions) == 0 {
		return nil, false
	}
	last := pred.Instructions[len(pred.Instructions)-1]
	if last.Op != IJs || last.Operands[0].Kind != OperandRegister || !last.Operands[0].Reg.UID.Equal(reg.UID) {
		return nil, false
	}
	switch target {
	case last.Operands[1].Block:
		return NewConstant(1, reg.Width), true
	case last.Operands[2].Block:
		return NewConstant(0, reg.Width), true
	default:
		return nil, false
	}
}

// resolveMemoryEntry mirrors registerAtBlockEntry for a memory query: it
// gives the requested range's value on entry to block, folded across the
// block's predecessors.
func resolveMemoryEntry(ctx context.Context, block *BasicBlock, ptr Pointer, size int, depthLimit int, visited map[uint64]bool) (*Expr, error) {
	preds := block.Prev
	if len(preds) == 0 || depthLimit == 0 {
		return defaultMemoryVariable(ptr, size), nil
	}
	var results []*Expr
	var predBlocks []*BasicBlock
	for _, predVIP := range preds {
		predBlock, ok := block.Routine.GetBlock(predVIP)
		if !ok {
			continue
		}
		r, err := resolve(ctx, Variable{Kind: MemoryVariable, Ptr: ptr, Size: size, Block: predBlock, Index: len(predBlock.Instructions)}, depthLimit-1, visited)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
		predBlocks = append(predBlocks, predBlock)
	}
	if len(results) == 0 {
		return defaultMemoryVariable(ptr, size), nil
	}
	return fold(ctx, results, predBlocks, block, depthLimit-1, visited)
}

// fold implements spec.md §4.8's merge rule: identical predecessor results
// collapse to that one result; a detected loop collapses the whole merge to
// its tag, since the dependency is already known unresolvable; otherwise
// build a value_if chain gated by each edge's branch condition.
func fold(ctx context.Context, results []*Expr, preds []*BasicBlock, target *BasicBlock, depthLimit int, visited map[uint64]bool) (*Expr, error) {
	for _, r := range results {
		if isLoopTag(r) {
			return r, nil
		}
	}
	allSame := true
	for _, r := range results[1:] {
		if !IsIdentical(r, results[0]) {
			allSame = false
			break
		}
	}
	if allSame {
		return results[0], nil
	}

	acc := results[len(results)-1]
	for i := len(results) - 2; i >= 0; i-- {
		cond, err := branchConditionInto(ctx, preds[i], target.VIP, depthLimit, visited)
		if err != nil {
			return nil, err
		}
		acc = BinaryExpr(OpBitwiseOr,
			BinaryExpr(OpValueIf, cond, results[i]),
			BinaryExpr(OpValueIf, UnaryExpr(OpBitwiseNot, cond), acc))
	}
	return acc, nil
}

// branchConditionInto resolves the boolean expression that gates taking
// the edge pred->target. When pred ends in a select-jump, that's the
// traced value of its condition register, negated when target is the
// jump's false side; otherwise (an unconditional
// merge edge feeding a join with other edges — an irreducible shape the
// IR's opcode set doesn't otherwise produce) a fresh per-edge boolean
// stands in, since no real discriminant exists to trace.
func branchConditionInto(ctx context.Context, pred *BasicBlock, target uint64, depthLimit int, visited map[uint64]bool) (*Expr, error) {
	if len(pred.Instructions) > 0 {
		if last := pred.Instructions[len(pred.Instructions)-1]; last.Op == IJs && last.Operands[0].Kind == OperandRegister {
			cond := last.Operands[0].Reg
			c, err := resolve(ctx, Variable{Kind: RegisterVariable, Reg: cond, Block: pred, Index: len(pred.Instructions) - 1}, depthLimit, visited)
			if err != nil || last.Operands[1].Block == target {
				return c, err
			}
			return UnaryExpr(OpBitwiseNot, c), nil
		}
	}
	name := fmt.Sprintf("edge@%x->%x", pred.VIP, target)
	return NewVariable(NewUniqueIdentifier(name, mixHash(pred.VIP, target)), Width1), nil
}

// substitute rebuilds expr with every variable leaf matching uid replaced
// by repl, reusing the ordinary constructors so the substituted result
// re-simplifies like any other expression. Grounded on the teacher's own
// tree-rebuild idiom in expr.go's simplifier helpers.
func substitute(expr *Expr, uid UniqueIdentifier, repl *Expr) *Expr {
	if expr.IsConstant() {
		return expr
	}
	if expr.IsVariable() {
		if expr.UID.Equal(uid) {
			return repl
		}
		return expr
	}
	if expr.IsUnary() {
		rhs := substitute(expr.RHS, uid, repl)
		if rhs == expr.RHS {
			return expr
		}
		return UnaryExpr(expr.Op, rhs)
	}
	lhs := substitute(expr.LHS, uid, repl)
	rhs := substitute(expr.RHS, uid, repl)
	if lhs == expr.LHS && rhs == expr.RHS {
		return expr
	}
	return BinaryExpr(expr.Op, lhs, rhs)
}

// cacheKey identifies one memoized tracer query, grounded on tracer.hpp's
// (variable, anchor-block, anchor-index, slice) cache key.
type cacheKey struct {
	kind      VariableKind
	slotHash  uint64
	width     int
	blockVIP  uint64
	index     int
}

func (v Variable) cacheKey() cacheKey {
	if v.Kind == RegisterVariable {
		return cacheKey{kind: v.Kind, slotHash: v.Reg.UID.Hash(), width: v.Reg.Width, blockVIP: v.Block.VIP, index: v.Index}
	}
	return cacheKey{kind: v.Kind, slotHash: v.Ptr.Base.hash, width: v.Size * 8, blockVIP: v.Block.VIP, index: v.Index}
}

// CachedTracer wraps any Tracer with a concurrent memoization cache keyed
// by (variable, anchor block, anchor index), protected by a reader-writer
// lock per spec.md §5: lookups take RLock, inserts and invalidation take
// Lock. Callers that mutate a block must call InvalidateBlock themselves —
// the cache has no hook back into BasicBlock/Routine mutation.
type CachedTracer struct {
	Inner Tracer

	mu    sync.RWMutex
	cache map[cacheKey]*Expr
}

// NewCachedTracer wraps inner with an empty cache.
func NewCachedTracer(inner Tracer) *CachedTracer {
	return &CachedTracer{Inner: inner, cache: map[cacheKey]*Expr{}}
}

func (c *CachedTracer) Trace(ctx context.Context, v Variable) (*Expr, error) {
	return c.lookupOrTrace(ctx, v, func() (*Expr, error) { return c.Inner.Trace(ctx, v) })
}

func (c *CachedTracer) RTrace(ctx context.Context, v Variable, depthLimit int) (*Expr, error) {
	return c.lookupOrTrace(ctx, v, func() (*Expr, error) { return c.Inner.RTrace(ctx, v, depthLimit) })
}

func (c *CachedTracer) lookupOrTrace(ctx context.Context, v Variable, trace func() (*Expr, error)) (*Expr, error) {
	key := v.cacheKey()
	c.mu.RLock()
	if e, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return e, nil
	}
	c.mu.RUnlock()

	e, err := trace()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[key] = e
	c.mu.Unlock()
	return e, nil
}

// InvalidateBlock drops every cache entry anchored in the block at vip.
func (c *CachedTracer) InvalidateBlock(vip uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.cache {
		if k.blockVIP == vip {
			delete(c.cache, k)
		}
	}
}
