package vtil

// normalizedReg is the register-map key: the register's identifier hash
// plus its width. Registers with different names or widths get separate
// entries; no sub-register slicing is modelled, so AL and EAX are
// unrelated entries.
type normalizedReg struct {
	hash  uint64
	width int
}

func normalize(r RegisterDesc) normalizedReg {
	return normalizedReg{hash: r.UID.Hash(), width: r.Width}
}

// SymbolicVM executes one instruction at a time against a register map and
// a memory sinkhole, grounded on VTIL-Architecture/symex/state.hpp's
// symbolic execution state. It has no notion of a program counter or
// control flow of its own — callers (the tracer, or a pass driving
// concrete test execution) decide which instruction to execute next.
type SymbolicVM struct {
	Memory *Memory
	regs   map[normalizedReg]*Expr
	lazy   bool

	// entryVars records, per register, the descriptor used the first time
	// that register was read without having been written first in this
	// VM's lifetime. Its synthesized value (in regs) carries the
	// register's own UID unmodified, so the tracer can tell which leaves
	// of a result are this block's unresolved entry values and which
	// register they came from.
	entryVars map[uint64]RegisterDesc
}

// NewSymbolicVM returns a VM with an empty register map, backed by mem.
func NewSymbolicVM(mem *Memory) *SymbolicVM {
	return &SymbolicVM{Memory: mem, regs: map[normalizedReg]*Expr{}}
}

// EntryVariables returns the registers whose block-entry value this VM
// synthesized (read before write), restricted to those still referenced
// by expr — the set the tracer must resolve against predecessor blocks.
func (vm *SymbolicVM) EntryVariables(expr *Expr) []RegisterDesc {
	if len(vm.entryVars) == 0 {
		return nil
	}
	var out []RegisterDesc
	seen := map[uint64]bool{}
	for _, leaf := range FindVariables(expr) {
		h := leaf.UID.Hash()
		if seen[h] {
			continue
		}
		if r, ok := vm.entryVars[h]; ok {
			seen[h] = true
			out = append(out, r)
		}
	}
	return out
}

// SetLazy sets the lazy-construction flag that ReadRegister applies when
// it synthesizes a fresh variable outside Execute. Execute always runs
// with the flag set and restores the prior value when it returns.
func (vm *SymbolicVM) SetLazy(lazy bool) { vm.lazy = lazy }

func (vm *SymbolicVM) freshRegisterVar(r RegisterDesc) *Expr {
	e := NewVariable(r.UID, r.Width)
	if vm.lazy {
		e = e.MakeLazy()
	}
	if vm.entryVars == nil {
		vm.entryVars = map[uint64]RegisterDesc{}
	}
	vm.entryVars[r.UID.Hash()] = r
	return e
}

// ReadRegister returns the symbolic value of r, synthesizing a fresh
// register-variable expression on first read.
func (vm *SymbolicVM) ReadRegister(r RegisterDesc) *Expr {
	key := normalize(r)
	if e, ok := vm.regs[key]; ok {
		return e
	}
	e := vm.freshRegisterVar(r)
	vm.regs[key] = e
	return e
}

// WriteRegister stores value (resized to r's width) as r's new symbolic
// value, overwriting whatever was there.
func (vm *SymbolicVM) WriteRegister(r RegisterDesc, value *Expr) {
	vm.regs[normalize(r)] = Resize(value, r.Width, false)
}

func (vm *SymbolicVM) readOperand(op Operand) *Expr {
	switch op.Kind {
	case OperandRegister:
		return vm.ReadRegister(op.Reg)
	case OperandImmediate:
		return NewConstant(op.Imm, op.ImmWidth)
	default:
		assert(false, "SymbolicVM: operand kind %d is not readable", op.Kind)
		return nil
	}
}

// pointerOf resolves a memory operand's base address operand into a
// symbolic Pointer, offset by the store/load's fixed displacement operand.
func (vm *SymbolicVM) pointerOf(base Operand, offset Operand) Pointer {
	baseExpr := vm.readOperand(base)
	offExpr := vm.readOperand(offset)
	addr := BinaryExpr(OpAdd, baseExpr, Resize(offExpr, baseExpr.Width(), true))
	return MakePointer(addr)
}

// Execute runs one instruction against vm's state, dispatching on the
// instruction's opcode. Control-flow opcodes (js, jmp, vexit, vxcall) are
// observable-only here — the VM records no side effect for them, since
// deciding the next instruction is the caller's (tracer's/driver's) job.
// Pinning pseudo-ops likewise have no register/memory effect; their only
// purpose is the Volatile bit already set at construction, which keeps a
// pass from eliminating them.
func (vm *SymbolicVM) Execute(ins *Instruction) {
	prevLazy := vm.lazy
	vm.lazy = true
	defer func() { vm.lazy = prevLazy }()

	switch ins.Op {
	case INop, IJs, IJmp, IVexit, IVxcall, IVpinr, IVpinw, IVpinrm, IVpinwm, IVemit:
		return

	case IMov:
		vm.WriteRegister(ins.Operands[0].Reg, vm.readOperand(ins.Operands[1]))

	case IMovsx:
		src := vm.readOperand(ins.Operands[1])
		vm.WriteRegister(ins.Operands[0].Reg, Resize(src, ins.Operands[0].Reg.Width, true))

	case IStr:
		ptr := vm.pointerOf(ins.Operands[0], ins.Operands[1])
		value := vm.readOperand(ins.Operands[2])
		mem, err := vm.Memory.Write(ptr, value.Width()/8, value)
		assert(err == nil, "SymbolicVM: str failed: %v", err)
		vm.Memory = mem

	case ILdd:
		ptr := vm.pointerOf(ins.Operands[1], ins.Operands[2])
		size := ins.Operands[0].Reg.Width / 8
		value, _, err := vm.Memory.Read(ptr, size)
		assert(err == nil, "SymbolicVM: ldd failed: %v", err)
		vm.WriteRegister(ins.Operands[0].Reg, value)

	case INeg:
		vm.execUnary(ins, OpNegate)
	case INot:
		vm.execUnary(ins, OpBitwiseNot)
	case IPopcnt:
		vm.execUnary(ins, OpPopcnt)
	case IBsf:
		vm.execUnary(ins, OpBitscanFwd)
	case IBsr:
		vm.execUnary(ins, OpBitscanRev)

	case IAdd:
		vm.execBinary(ins, OpAdd)
	case ISub:
		vm.execBinary(ins, OpSubtract)
	case IMul:
		vm.execBinary(ins, OpUMultiply)
	case IImul:
		vm.execBinary(ins, OpMultiply)
	case IMulhi:
		vm.execBinary(ins, OpUMultiplyHigh)
	case IImulhi:
		vm.execBinary(ins, OpMultiplyHigh)
	case IDiv:
		vm.execDivRem(ins, OpUDivide)
	case IIdiv:
		vm.execDivRem(ins, OpDivide)
	case IRem:
		vm.execDivRem(ins, OpURemainder)
	case IIrem:
		vm.execDivRem(ins, OpRemainder)
	case IShr:
		vm.execBinary(ins, OpShiftRight)
	case IShl:
		vm.execBinary(ins, OpShiftLeft)
	case IXor:
		vm.execBinary(ins, OpBitwiseXor)
	case IOr:
		vm.execBinary(ins, OpBitwiseOr)
	case IAnd:
		vm.execBinary(ins, OpBitwiseAnd)
	case IRor:
		vm.execBinary(ins, OpRotateRight)
	case IRol:
		vm.execBinary(ins, OpRotateLeft)

	case ITg:
		vm.execCondSet(ins, OpGreater)
	case ITge:
		vm.execCondSet(ins, OpGreaterEq)
	case ITe:
		vm.execCondSet(ins, OpEqual)
	case ITne:
		vm.execCondSet(ins, OpNotEqual)
	case ITl:
		vm.execCondSet(ins, OpLess)
	case ITle:
		vm.execCondSet(ins, OpLessEq)
	case ITug:
		vm.execCondSet(ins, OpUGreater)
	case ITuge:
		vm.execCondSet(ins, OpUGreaterEq)
	case ITul:
		vm.execCondSet(ins, OpULess)
	case ITule:
		vm.execCondSet(ins, OpULessEq)

	case IIfs:
		cond := vm.readOperand(ins.Operands[1])
		val := vm.readOperand(ins.Operands[2])
		vm.WriteRegister(ins.Operands[0].Reg, BinaryExpr(OpValueIf, cond, val))

	default:
		assert(false, "SymbolicVM: unhandled opcode %v", ins.Op)
	}
}

// execUnary dispatches a single-operand `op dst` instruction (neg, not,
// popcnt, bsf, bsr) through operator op: the one operand is both the
// source and the destination, matching instruction_set.hpp's {readwrite}
// operand shape for these opcodes.
func (vm *SymbolicVM) execUnary(ins *Instruction, op OperatorID) {
	src := vm.ReadRegister(ins.Operands[0].Reg)
	vm.WriteRegister(ins.Operands[0].Reg, UnaryExpr(op, src))
}

// execBinary dispatches a (dst, dst-as-lhs, src) two-operand arithmetic
// instruction of the form `dst <op>= src` through operator op, matching
// the IR's convention that the destination register is also the left
// operand (spec.md §4.1's "at most one write operand").
func (vm *SymbolicVM) execBinary(ins *Instruction, op OperatorID) {
	lhs := vm.ReadRegister(ins.Operands[0].Reg)
	rhs := vm.readOperand(ins.Operands[1])
	vm.WriteRegister(ins.Operands[0].Reg, BinaryExpr(op, lhs, rhs))
}

// execDivRem dispatches div/idiv/rem/irem: OP1 (also the result) and OP2
// form a dividend pair [OP2:OP1], divided by OP3, matching
// instruction_set.hpp's OP1 = [OP2:OP1] / OP3. The pair is built by
// widening OP1/OP2 to twice the result width and OR-ing OP2 in shifted
// up; BinaryExpr's own operator-driven resize then sign- or zero-extends
// the divisor to match, so op (OpDivide/OpUDivide/OpRemainder/
// OpURemainder) alone decides signedness.
func (vm *SymbolicVM) execDivRem(ins *Instruction, op OperatorID) {
	width := ins.Operands[0].Reg.Width
	pairWidth := width * 2
	assert(pairWidth <= 64, "SymbolicVM: dividend pair of width %d exceeds the engine's 64-bit limit", pairWidth)

	low := vm.ReadRegister(ins.Operands[0].Reg)
	high := vm.readOperand(ins.Operands[1])
	divisor := vm.readOperand(ins.Operands[2])

	dividend := BinaryExpr(OpBitwiseOr,
		Resize(low, pairWidth, false),
		BinaryExpr(OpShiftLeft, Resize(high, pairWidth, false), NewConstant(uint64(width), pairWidth)))

	vm.WriteRegister(ins.Operands[0].Reg, BinaryExpr(op, dividend, divisor))
}

// execCondSet dispatches a three-operand `tXX dst, a, b` conditional-set
// instruction: dst := (a <op> b), a single bit zero-extended to dst's width.
func (vm *SymbolicVM) execCondSet(ins *Instruction, op OperatorID) {
	a := vm.readOperand(ins.Operands[1])
	b := vm.readOperand(ins.Operands[2])
	vm.WriteRegister(ins.Operands[0].Reg, BinaryExpr(op, a, b))
}
