package vtil

import "fmt"

// RegisterDesc names a symbolic storage location an instruction operand
// can refer to: a CPU register, a synthesized internal temporary, or one
// of the architecture's two well-known anchors (stack pointer, image
// base). Grounded on VTIL-Architecture/arch/register_desc.hpp's shape,
// simplified to what the tracer and pointer layer need: a stable
// identifier and a width.
type RegisterDesc struct {
	UID UniqueIdentifier
	Width int
}

// NewRegister returns a register identified by name, disambiguated by
// width: two registers of the same name but different width get different
// identifiers and are separate storage locations. No aliasing between
// slices such as AL/AX/EAX/RAX is modelled.
func NewRegister(name string, width int) RegisterDesc {
	return RegisterDesc{UID: NewUniqueIdentifier(name, uint64(width)), Width: width}
}

// Well-known architectural registers. Both are registered as symbolic
// pointer restricted bases (memory.go) at package init, matching
// pointer.hpp's "defaults to image base and stack pointer."
var (
	RegStackPointer = NewRegister("$sp", Width64)
	RegImageBase    = NewRegister("$base", Width64)
)

func init() {
	RegisterRestrictedBase(RegStackPointer.UID)
	RegisterRestrictedBase(RegImageBase.UID)
}

// OperandKind distinguishes the three shapes an instruction operand can
// take, mirroring instruction_desc.hpp's operand_type.
type OperandKind uint8

const (
	OperandInvalid OperandKind = iota
	OperandRegister
	OperandImmediate
	OperandBlock // a VIP naming a basic block, used by branch operands
)

// Operand is one operand slot of an Instruction.
type Operand struct {
	Kind     OperandKind
	Reg      RegisterDesc
	Imm      uint64
	ImmWidth int
	Block    uint64
}

// RegOperand returns a register operand.
func RegOperand(r RegisterDesc) Operand { return Operand{Kind: OperandRegister, Reg: r} }

// ImmOperand returns an immediate operand of the given width.
func ImmOperand(v uint64, width int) Operand {
	return Operand{Kind: OperandImmediate, Imm: v, ImmWidth: width}
}

// BlockOperand returns a branch-target operand naming the block at vip.
func BlockOperand(vip uint64) Operand { return Operand{Kind: OperandBlock, Block: vip} }

func (o Operand) String() string {
	switch o.Kind {
	case OperandRegister:
		return o.Reg.UID.Name()
	case OperandImmediate:
		return fmt.Sprintf("0x%x", o.Imm)
	case OperandBlock:
		return fmt.Sprintf("block:0x%x", o.Block)
	default:
		return "<invalid>"
	}
}

// Opcode enumerates every instruction spec.md §4.1 names. Ordering has
// no semantic meaning; it exists only to index descTable.
type Opcode uint8

const (
	OpcodeInvalid Opcode = iota
	INop
	IMov
	IMovsx
	IStr
	ILdd
	INeg
	IAdd
	ISub
	IMul
	IImul
	IMulhi
	IImulhi
	IDiv
	IIdiv
	IRem
	IIrem
	IPopcnt
	IBsf
	IBsr
	INot
	IShr
	IShl
	IXor
	IOr
	IAnd
	IRor
	IRol
	ITg
	ITge
	ITe
	ITne
	ITl
	ITle
	ITug
	ITuge
	ITul
	ITule
	IIfs
	IJs
	IJmp
	IVexit
	IVxcall
	IVpinr
	IVpinw
	IVpinrm
	IVpinwm
	IVemit
	opcodeMax
)

// OperandRole classifies how an instruction reads or writes one of its
// operands, mirroring instruction_set.hpp's operand_type (read_reg,
// read_imm, read_any, write, readwrite). A readwrite operand is both the
// instruction's source and its destination, e.g. neg's sole operand or
// add's first operand in the IR's `dst op= src` convention.
type OperandRole uint8

const (
	RoleReadReg OperandRole = iota
	RoleReadImm
	RoleReadAny
	RoleWrite
	RoleReadWrite
)

func (r OperandRole) isWrite() bool { return r == RoleWrite || r == RoleReadWrite }

// InstructionDesc is the static, per-opcode metadata instruction_desc.hpp
// describes: the operand-kind tuple, the semantic math operator for
// arithmetic/bitwise/conditional opcodes (OpInvalid for everything else —
// control flow, data movement, pinning pseudos), which operand (if any)
// determines the instruction's access size, which operand (if any) is a
// memory pointer and whether that access is a write, and which operands
// are branch targets. Symbolic semantics live in the VM's dispatch
// (vm.go), not here — this table never evaluates anything.
type InstructionDesc struct {
	Name               string
	OperandCount       int
	OperandRoles       []OperandRole
	Operator           OperatorID
	AccessSizeOperand  int // index into Operands, or -1
	MemoryOperandIndex int // index of the base-pointer operand, or -1
	MemoryWrite        bool
	BranchOperands     []int
	Volatile           bool
}

var descTable [opcodeMax]InstructionDesc

func init() {
	reg := func(op Opcode, name string, roles []OperandRole, operator OperatorID, accessSizeOperand, memOperand int, memWrite bool, branch []int, volatile bool) {
		descTable[op] = InstructionDesc{
			Name:               name,
			OperandCount:       len(roles),
			OperandRoles:       roles,
			Operator:           operator,
			AccessSizeOperand:  accessSizeOperand,
			MemoryOperandIndex: memOperand,
			MemoryWrite:        memWrite,
			BranchOperands:     branch,
			Volatile:           volatile,
		}
	}

	rr, ri, ra, w, rw := RoleReadReg, RoleReadImm, RoleReadAny, RoleWrite, RoleReadWrite

	reg(INop, "nop", nil, OpInvalid, -1, -1, false, nil, false)
	reg(IMov, "mov", []OperandRole{w, ra}, OpInvalid, 0, -1, false, nil, false)
	reg(IMovsx, "movsx", []OperandRole{w, ra}, OpInvalid, 0, -1, false, nil, false)
	reg(IStr, "str", []OperandRole{rr, ri, ra}, OpInvalid, 2, 0, true, nil, false)
	reg(ILdd, "ldd", []OperandRole{w, rr, ri}, OpInvalid, 0, 1, false, nil, false)
	reg(INeg, "neg", []OperandRole{rw}, OpNegate, 0, -1, false, nil, false)
	reg(IAdd, "add", []OperandRole{rw, ra}, OpAdd, 0, -1, false, nil, false)
	reg(ISub, "sub", []OperandRole{rw, ra}, OpSubtract, 0, -1, false, nil, false)
	reg(IMul, "mul", []OperandRole{rw, ra}, OpUMultiply, 0, -1, false, nil, false)
	reg(IImul, "imul", []OperandRole{rw, ra}, OpMultiply, 0, -1, false, nil, false)
	reg(IMulhi, "mulhi", []OperandRole{rw, ra}, OpUMultiplyHigh, 0, -1, false, nil, false)
	reg(IImulhi, "imulhi", []OperandRole{rw, ra}, OpMultiplyHigh, 0, -1, false, nil, false)
	// div/idiv/rem/irem take a dividend pair: OP1 is both the low half of
	// the dividend and the result, OP2 is the high half, OP3 the divisor
	// — OP1 = [OP2:OP1] / OP3, matching instruction_set.hpp's 3-operand
	// shape rather than a plain 2-operand arithmetic instruction.
	reg(IDiv, "div", []OperandRole{rw, ra, ra}, OpUDivide, 0, -1, false, nil, false)
	reg(IIdiv, "idiv", []OperandRole{rw, ra, ra}, OpDivide, 0, -1, false, nil, false)
	reg(IRem, "rem", []OperandRole{rw, ra, ra}, OpURemainder, 0, -1, false, nil, false)
	reg(IIrem, "irem", []OperandRole{rw, ra, ra}, OpRemainder, 0, -1, false, nil, false)
	reg(IPopcnt, "popcnt", []OperandRole{rw}, OpPopcnt, 0, -1, false, nil, false)
	reg(IBsf, "bsf", []OperandRole{rw}, OpBitscanFwd, 0, -1, false, nil, false)
	reg(IBsr, "bsr", []OperandRole{rw}, OpBitscanRev, 0, -1, false, nil, false)
	reg(INot, "not", []OperandRole{rw}, OpBitwiseNot, 0, -1, false, nil, false)
	reg(IShr, "shr", []OperandRole{rw, ra}, OpShiftRight, 0, -1, false, nil, false)
	reg(IShl, "shl", []OperandRole{rw, ra}, OpShiftLeft, 0, -1, false, nil, false)
	reg(IXor, "xor", []OperandRole{rw, ra}, OpBitwiseXor, 0, -1, false, nil, false)
	reg(IOr, "or", []OperandRole{rw, ra}, OpBitwiseOr, 0, -1, false, nil, false)
	reg(IAnd, "and", []OperandRole{rw, ra}, OpBitwiseAnd, 0, -1, false, nil, false)
	reg(IRor, "ror", []OperandRole{rw, ra}, OpRotateRight, 0, -1, false, nil, false)
	reg(IRol, "rol", []OperandRole{rw, ra}, OpRotateLeft, 0, -1, false, nil, false)
	reg(ITg, "tg", []OperandRole{w, ra, ra}, OpGreater, -1, -1, false, nil, false)
	reg(ITge, "tge", []OperandRole{w, ra, ra}, OpGreaterEq, -1, -1, false, nil, false)
	reg(ITe, "te", []OperandRole{w, ra, ra}, OpEqual, -1, -1, false, nil, false)
	reg(ITne, "tne", []OperandRole{w, ra, ra}, OpNotEqual, -1, -1, false, nil, false)
	reg(ITl, "tl", []OperandRole{w, ra, ra}, OpLess, -1, -1, false, nil, false)
	reg(ITle, "tle", []OperandRole{w, ra, ra}, OpLessEq, -1, -1, false, nil, false)
	reg(ITug, "tug", []OperandRole{w, ra, ra}, OpUGreater, -1, -1, false, nil, false)
	reg(ITuge, "tuge", []OperandRole{w, ra, ra}, OpUGreaterEq, -1, -1, false, nil, false)
	reg(ITul, "tul", []OperandRole{w, ra, ra}, OpULess, -1, -1, false, nil, false)
	reg(ITule, "tule", []OperandRole{w, ra, ra}, OpULessEq, -1, -1, false, nil, false)
	// ifs's access size comes from OP3 (the value being conditionally
	// assigned), not OP1 (the plain write destination) — instruction_set.hpp
	// lists ASizeOp against the value operand since the write operand never
	// carries a pre-existing width of its own to size against.
	reg(IIfs, "ifs", []OperandRole{w, ra, ra}, OpValueIf, 2, -1, false, nil, false)
	reg(IJs, "js", []OperandRole{rr, ra, ra}, OpInvalid, -1, -1, false, []int{1, 2}, false)
	reg(IJmp, "jmp", []OperandRole{ra}, OpInvalid, -1, -1, false, []int{0}, false)
	reg(IVexit, "vexit", []OperandRole{ra}, OpInvalid, -1, -1, false, []int{0}, true)
	reg(IVxcall, "vxcall", []OperandRole{ra}, OpInvalid, -1, -1, false, nil, true)
	reg(IVpinr, "vpinr", []OperandRole{rr}, OpInvalid, -1, -1, false, nil, true)
	reg(IVpinw, "vpinw", []OperandRole{w}, OpInvalid, -1, -1, false, nil, true)
	// vpinrm/vpinwm pin a memory location, not a register: the base
	// register plus the immediate offset that together name the qword
	// being pinned for read or write.
	reg(IVpinrm, "vpinrm", []OperandRole{rr, ri}, OpInvalid, -1, 0, false, nil, true)
	reg(IVpinwm, "vpinwm", []OperandRole{rr, ri}, OpInvalid, -1, 0, true, nil, true)
	reg(IVemit, "vemit", []OperandRole{ri}, OpInvalid, -1, -1, false, nil, true)
}

// DescriptorOfOpcode returns the static descriptor for op.
func DescriptorOfOpcode(op Opcode) *InstructionDesc { return &descTable[op] }

// Instruction is one IR instruction, grounded on
// VTIL-Architecture/arch/instruction.hpp. VIP names the originating
// guest instruction pointer, or the sentinel `^uint64(0)` ("~0") for a
// synthesized instruction — every instruction this package builds
// through BasicBlock's fluent emitters is synthesized, so VIP is always
// the sentinel here; a lifter feeding real disassembled instructions
// into a routine would set real VIPs instead. SPOffset, SPIndex and
// SPReset hold stack-pointer bookkeeping that the tracer and VM in this
// package do not read; Volatile marks an instruction an optimizer must never
// remove even if its result looks unused (vpinr/vpinw/vpinrm/vpinwm/
// vexit/vxcall/vemit all set it at construction).
type Instruction struct {
	Op       Opcode
	Operands []Operand

	VIP      uint64
	SPOffset int64
	SPIndex  int8
	SPReset  bool
	Volatile bool
}

// NewInstruction returns an instruction with op's volatility applied
// from descTable. It enforces instruction_set.hpp's "at most one write
// operand and at most one memory access" restriction against the
// opcode's own descriptor, not against the particular operands passed
// in — a malformed descTable entry panics the first time its opcode is
// ever constructed, rather than silently producing an instruction no
// consumer can reason about.
func NewInstruction(op Opcode, vip uint64, operands ...Operand) *Instruction {
	d := DescriptorOfOpcode(op)
	assert(len(operands) == d.OperandCount, "NewInstruction: %s expects %d operands, got %d", d.Name, d.OperandCount, len(operands))

	writes := 0
	for _, r := range d.OperandRoles {
		if r.isWrite() {
			writes++
		}
	}
	assert(writes <= 1, "NewInstruction: %s declares %d write operands, want at most 1", d.Name, writes)
	assert(d.MemoryOperandIndex < 0 || d.MemoryOperandIndex < d.OperandCount, "NewInstruction: %s declares an out-of-range memory operand index %d", d.Name, d.MemoryOperandIndex)

	return &Instruction{Op: op, Operands: operands, VIP: vip, Volatile: d.Volatile}
}

func (i *Instruction) String() string {
	d := DescriptorOfOpcode(i.Op)
	s := d.Name
	for _, op := range i.Operands {
		s += " " + op.String()
	}
	return s
}
