package vtil

// BasicBlock is a straight-line run of instructions ending in (at most)
// a branch, grounded on VTIL-Architecture/routine/basic_block.hpp.
// Mutation goes through the owning Routine's lock; a block never takes
// its own.
type BasicBlock struct {
	VIP          uint64
	Instructions []*Instruction
	Next         []uint64 // successor VIPs
	Prev         []uint64 // predecessor VIPs
	SPOffset     int64
	SPIndex      uint32 // stack-pointer reset generation, bumped each time the block's sp_reset chain restarts
	Routine      *Routine
}

// emit appends a new instruction built from op/operands and returns it.
// This package has no path for lifting a real instruction at its own
// guest-address VIP — that belongs to the disassembler/lifter this
// package treats as an external collaborator — so every instruction
// built through this API is synthesized and carries the VIP sentinel
// `^uint64(0)` (glossary: "~0 = synthesized"). The routine lock is held
// for the whole append so two goroutines building the same block
// concurrently can't interleave.
func (b *BasicBlock) emit(op Opcode, operands ...Operand) *Instruction {
	b.Routine.mu.Lock()
	defer b.Routine.mu.Unlock()
	ins := NewInstruction(op, ^uint64(0), operands...)
	b.Instructions = append(b.Instructions, ins)
	return ins
}

// LinkTo records vip as a fall-through/branch successor of b (and b as
// vip's predecessor, if its block already exists). Invalidates both the
// forward and backward path caches, since a new edge can change any block
// pair's reachability in either direction.
func (b *BasicBlock) LinkTo(vip uint64) {
	b.Routine.mu.Lock()
	b.Next = append(b.Next, vip)
	if succ, ok := b.Routine.getBlockLocked(vip); ok {
		succ.Prev = append(succ.Prev, b.VIP)
	}
	b.Routine.invalidatePathCacheLocked()
	b.Routine.mu.Unlock()
}

// The following are thin fluent wrappers around emit, mirroring the
// original's basic_block.hpp convenience methods
// (push/pop/arithmetic helpers that build and append an instruction in
// one call) referenced generically by spec.md §6.1.

func (b *BasicBlock) Mov(dst RegisterDesc, src Operand) *Instruction {
	return b.emit(IMov, RegOperand(dst), src)
}

func (b *BasicBlock) Movsx(dst RegisterDesc, src Operand) *Instruction {
	return b.emit(IMovsx, RegOperand(dst), src)
}

func (b *BasicBlock) Add(dst RegisterDesc, src Operand) *Instruction {
	return b.emit(IAdd, RegOperand(dst), src)
}

func (b *BasicBlock) Sub(dst RegisterDesc, src Operand) *Instruction {
	return b.emit(ISub, RegOperand(dst), src)
}

func (b *BasicBlock) Mul(dst RegisterDesc, src Operand) *Instruction {
	return b.emit(IMul, RegOperand(dst), src)
}

func (b *BasicBlock) Xor(dst RegisterDesc, src Operand) *Instruction {
	return b.emit(IXor, RegOperand(dst), src)
}

func (b *BasicBlock) Or(dst RegisterDesc, src Operand) *Instruction {
	return b.emit(IOr, RegOperand(dst), src)
}

func (b *BasicBlock) And(dst RegisterDesc, src Operand) *Instruction {
	return b.emit(IAnd, RegOperand(dst), src)
}

// Div/Idiv/Rem/Irem append a dividend-pair divide or remainder: dst :=
// ([high:dst] <op> divisor), with dst supplying the low half of the
// dividend and receiving the truncated result.
func (b *BasicBlock) Div(dst RegisterDesc, high, divisor Operand) *Instruction {
	return b.emit(IDiv, RegOperand(dst), high, divisor)
}

func (b *BasicBlock) Idiv(dst RegisterDesc, high, divisor Operand) *Instruction {
	return b.emit(IIdiv, RegOperand(dst), high, divisor)
}

func (b *BasicBlock) Rem(dst RegisterDesc, high, divisor Operand) *Instruction {
	return b.emit(IRem, RegOperand(dst), high, divisor)
}

func (b *BasicBlock) Irem(dst RegisterDesc, high, divisor Operand) *Instruction {
	return b.emit(IIrem, RegOperand(dst), high, divisor)
}

func (b *BasicBlock) Shl(dst RegisterDesc, src Operand) *Instruction {
	return b.emit(IShl, RegOperand(dst), src)
}

func (b *BasicBlock) Shr(dst RegisterDesc, src Operand) *Instruction {
	return b.emit(IShr, RegOperand(dst), src)
}

func (b *BasicBlock) Neg(dst RegisterDesc) *Instruction {
	return b.emit(INeg, RegOperand(dst))
}

func (b *BasicBlock) Not(dst RegisterDesc) *Instruction {
	return b.emit(INot, RegOperand(dst))
}

func (b *BasicBlock) Popcnt(dst RegisterDesc) *Instruction {
	return b.emit(IPopcnt, RegOperand(dst))
}

func (b *BasicBlock) Bsf(dst RegisterDesc) *Instruction {
	return b.emit(IBsf, RegOperand(dst))
}

func (b *BasicBlock) Bsr(dst RegisterDesc) *Instruction {
	return b.emit(IBsr, RegOperand(dst))
}

// The tXX family appends a conditional-set instruction: dst := (a <op> b),
// a single bit zero-extended to dst's width.

func (b *BasicBlock) Tg(dst RegisterDesc, a, bOp Operand) *Instruction {
	return b.emit(ITg, RegOperand(dst), a, bOp)
}

func (b *BasicBlock) Tge(dst RegisterDesc, a, bOp Operand) *Instruction {
	return b.emit(ITge, RegOperand(dst), a, bOp)
}

func (b *BasicBlock) Te(dst RegisterDesc, a, bOp Operand) *Instruction {
	return b.emit(ITe, RegOperand(dst), a, bOp)
}

func (b *BasicBlock) Tne(dst RegisterDesc, a, bOp Operand) *Instruction {
	return b.emit(ITne, RegOperand(dst), a, bOp)
}

func (b *BasicBlock) Tl(dst RegisterDesc, a, bOp Operand) *Instruction {
	return b.emit(ITl, RegOperand(dst), a, bOp)
}

func (b *BasicBlock) Tle(dst RegisterDesc, a, bOp Operand) *Instruction {
	return b.emit(ITle, RegOperand(dst), a, bOp)
}

func (b *BasicBlock) Tug(dst RegisterDesc, a, bOp Operand) *Instruction {
	return b.emit(ITug, RegOperand(dst), a, bOp)
}

func (b *BasicBlock) Tuge(dst RegisterDesc, a, bOp Operand) *Instruction {
	return b.emit(ITuge, RegOperand(dst), a, bOp)
}

func (b *BasicBlock) Tul(dst RegisterDesc, a, bOp Operand) *Instruction {
	return b.emit(ITul, RegOperand(dst), a, bOp)
}

func (b *BasicBlock) Tule(dst RegisterDesc, a, bOp Operand) *Instruction {
	return b.emit(ITule, RegOperand(dst), a, bOp)
}

// Ldd appends a load: dst = *(base + offset).
func (b *BasicBlock) Ldd(dst, base RegisterDesc, offset int64) *Instruction {
	return b.emit(ILdd, RegOperand(dst), RegOperand(base), ImmOperand(uint64(offset), Width64))
}

// Str appends a store: *(base + offset) = value.
func (b *BasicBlock) Str(base RegisterDesc, offset int64, value Operand) *Instruction {
	return b.emit(IStr, RegOperand(base), ImmOperand(uint64(offset), Width64), value)
}

// Jmp appends an unconditional jump to vip and links the CFG edge.
func (b *BasicBlock) Jmp(vip uint64) *Instruction {
	ins := b.emit(IJmp, BlockOperand(vip))
	b.LinkTo(vip)
	return ins
}

// Js appends a conditional jump and links both CFG edges.
func (b *BasicBlock) Js(cond RegisterDesc, ifTrue, ifFalse uint64) *Instruction {
	ins := b.emit(IJs, RegOperand(cond), BlockOperand(ifTrue), BlockOperand(ifFalse))
	b.LinkTo(ifTrue)
	b.LinkTo(ifFalse)
	return ins
}

// Vexit appends a VM exit to the real instruction at vip.
func (b *BasicBlock) Vexit(vip uint64) *Instruction {
	return b.emit(IVexit, BlockOperand(vip))
}
