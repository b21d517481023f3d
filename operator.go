package vtil

// OperatorID enumerates every symbolic/IR-level operator, grounded on
// VTIL-Common/math/operators.hpp's operator_id enum. The order matters:
// it indexes directly into the descriptors table below.
type OperatorID uint8

const (
	OpInvalid OperatorID = iota

	// Bitwise modifiers.
	OpBitwiseNot

	// Basic bitwise operations.
	OpBitwiseAnd
	OpBitwiseOr
	OpBitwiseXor

	// Distributing bitwise operations.
	OpShiftRight
	OpShiftLeft
	OpRotateRight
	OpRotateLeft

	// Arithmetic modifiers.
	OpNegate

	// Basic arithmetic operations.
	OpAdd
	OpSubtract

	// Distributing arithmetic operations.
	OpMultiplyHigh
	OpMultiply
	OpDivide
	OpRemainder

	OpUMultiplyHigh
	OpUMultiply
	OpUDivide
	OpURemainder

	// Special operators.
	OpUCast
	OpCast
	OpPopcnt
	OpBitscanFwd
	OpBitscanRev
	OpBitTest
	OpMask
	OpBitCount
	OpValueIf

	OpMaxValue
	OpMinValue
	OpUMaxValue
	OpUMinValue

	OpGreater
	OpGreaterEq
	OpEqual
	OpNotEqual
	OpLessEq
	OpLess

	OpUGreater
	OpUGreaterEq
	OpUEqual
	OpUNotEqual
	OpULessEq
	OpULess

	opMax
)

// OperatorDesc describes the static, immutable metadata of one operator,
// grounded on operators.hpp's operator_desc.
type OperatorDesc struct {
	// HintBitwise is >0 if bitwise operands are preferred, <0 if
	// arithmetic, 0 if neutral.
	HintBitwise int
	// IsSigned reports whether the operator expects signed operands.
	IsSigned bool
	// OperandCount is 1 (unary, uses RHS only) or 2 (binary).
	OperandCount int
	// IsCommutative reports whether operand order doesn't matter.
	IsCommutative bool
	// Symbol is the short infix/prefix display form, or "" if the
	// operator has none (falls back to FunctionName(args...) form).
	Symbol string
	// FunctionName is the operator's name, used for the fallback display
	// form (see Expr.String).
	FunctionName string
	// ComplexityCoeff multiplies the complexity of a node using this
	// operator, with an extra x2 when a child's bitwise-hint mismatches.
	ComplexityCoeff float64
}

// descriptors is the static operator table, taken verbatim (field values
// and ordering) from operators.hpp's descriptors[].
var descriptors = [opMax]OperatorDesc{
	OpInvalid: {},

	OpBitwiseNot: {HintBitwise: +1, IsSigned: false, OperandCount: 1, IsCommutative: false, Symbol: "~", FunctionName: "not", ComplexityCoeff: 1},
	OpBitwiseAnd: {HintBitwise: +1, IsSigned: false, OperandCount: 2, IsCommutative: true, Symbol: "&", FunctionName: "and", ComplexityCoeff: 1},
	OpBitwiseOr:  {HintBitwise: +1, IsSigned: false, OperandCount: 2, IsCommutative: true, Symbol: "|", FunctionName: "or", ComplexityCoeff: 1},
	OpBitwiseXor: {HintBitwise: +1, IsSigned: false, OperandCount: 2, IsCommutative: true, Symbol: "^", FunctionName: "xor", ComplexityCoeff: 1},

	OpShiftRight:  {HintBitwise: +1, IsSigned: false, OperandCount: 2, IsCommutative: false, Symbol: ">>", FunctionName: "shr", ComplexityCoeff: 1.5},
	OpShiftLeft:   {HintBitwise: +1, IsSigned: false, OperandCount: 2, IsCommutative: false, Symbol: "<<", FunctionName: "shl", ComplexityCoeff: 1.5},
	OpRotateRight: {HintBitwise: +1, IsSigned: false, OperandCount: 2, IsCommutative: false, Symbol: ">]", FunctionName: "rotr", ComplexityCoeff: 0.5},
	OpRotateLeft:  {HintBitwise: +1, IsSigned: false, OperandCount: 2, IsCommutative: false, Symbol: "[<", FunctionName: "rotl", ComplexityCoeff: 0.5},

	OpNegate: {HintBitwise: -1, IsSigned: true, OperandCount: 1, IsCommutative: false, Symbol: "-", FunctionName: "neg", ComplexityCoeff: 1},

	OpAdd:      {HintBitwise: -1, IsSigned: true, OperandCount: 2, IsCommutative: true, Symbol: "+", FunctionName: "add", ComplexityCoeff: 1},
	OpSubtract: {HintBitwise: -1, IsSigned: true, OperandCount: 2, IsCommutative: false, Symbol: "-", FunctionName: "sub", ComplexityCoeff: 1},

	OpMultiplyHigh: {HintBitwise: -1, IsSigned: true, OperandCount: 2, IsCommutative: true, Symbol: "h*", FunctionName: "mulhi", ComplexityCoeff: 1.3},
	OpMultiply:     {HintBitwise: -1, IsSigned: true, OperandCount: 2, IsCommutative: true, Symbol: "*", FunctionName: "mul", ComplexityCoeff: 1.3},
	OpDivide:       {HintBitwise: -1, IsSigned: true, OperandCount: 2, IsCommutative: false, Symbol: "/", FunctionName: "div", ComplexityCoeff: 1.3},
	OpRemainder:    {HintBitwise: -1, IsSigned: true, OperandCount: 2, IsCommutative: false, Symbol: "%", FunctionName: "rem", ComplexityCoeff: 1.3},

	OpUMultiplyHigh: {HintBitwise: -1, IsSigned: false, OperandCount: 2, IsCommutative: true, Symbol: "uh*", FunctionName: "umulhi", ComplexityCoeff: 1.3},
	OpUMultiply:     {HintBitwise: -1, IsSigned: false, OperandCount: 2, IsCommutative: true, Symbol: "u*", FunctionName: "umul", ComplexityCoeff: 1.3},
	OpUDivide:       {HintBitwise: -1, IsSigned: false, OperandCount: 2, IsCommutative: false, Symbol: "u/", FunctionName: "udiv", ComplexityCoeff: 1.3},
	OpURemainder:    {HintBitwise: -1, IsSigned: false, OperandCount: 2, IsCommutative: false, Symbol: "u%", FunctionName: "urem", ComplexityCoeff: 1.3},

	OpUCast: {HintBitwise: 0, IsSigned: false, OperandCount: 2, IsCommutative: false, FunctionName: "__ucast", ComplexityCoeff: 1},
	OpCast:  {HintBitwise: -1, IsSigned: true, OperandCount: 2, IsCommutative: false, FunctionName: "__cast", ComplexityCoeff: 1},

	OpPopcnt:     {HintBitwise: +1, IsSigned: false, OperandCount: 1, IsCommutative: false, FunctionName: "__popcnt", ComplexityCoeff: 1},
	OpBitscanFwd: {HintBitwise: +1, IsSigned: false, OperandCount: 1, IsCommutative: false, FunctionName: "__bsf", ComplexityCoeff: 1},
	OpBitscanRev: {HintBitwise: +1, IsSigned: false, OperandCount: 1, IsCommutative: false, FunctionName: "__bsr", ComplexityCoeff: 1},
	OpBitTest:    {HintBitwise: +1, IsSigned: false, OperandCount: 2, IsCommutative: false, FunctionName: "__bt", ComplexityCoeff: 1},
	OpMask:       {HintBitwise: +1, IsSigned: false, OperandCount: 1, IsCommutative: false, FunctionName: "__mask", ComplexityCoeff: 1},
	OpBitCount:   {HintBitwise: 0, IsSigned: false, OperandCount: 1, IsCommutative: false, FunctionName: "__bcnt", ComplexityCoeff: 1},
	OpValueIf:    {HintBitwise: 0, IsSigned: false, OperandCount: 2, IsCommutative: false, Symbol: "?", FunctionName: "if", ComplexityCoeff: 1},

	OpMaxValue:  {HintBitwise: 0, IsSigned: false, OperandCount: 2, IsCommutative: true, FunctionName: "max", ComplexityCoeff: 1},
	OpMinValue:  {HintBitwise: 0, IsSigned: false, OperandCount: 2, IsCommutative: true, FunctionName: "min", ComplexityCoeff: 1},
	OpUMaxValue: {HintBitwise: 0, IsSigned: true, OperandCount: 2, IsCommutative: true, FunctionName: "umax", ComplexityCoeff: 1},
	OpUMinValue: {HintBitwise: 0, IsSigned: true, OperandCount: 2, IsCommutative: true, FunctionName: "umin", ComplexityCoeff: 1},

	OpGreater:   {HintBitwise: -1, IsSigned: true, OperandCount: 2, IsCommutative: false, Symbol: ">", FunctionName: "greater", ComplexityCoeff: 1},
	OpGreaterEq: {HintBitwise: -1, IsSigned: true, OperandCount: 2, IsCommutative: false, Symbol: ">=", FunctionName: "greater_eq", ComplexityCoeff: 1.2},
	OpEqual:     {HintBitwise: 0, IsSigned: false, OperandCount: 2, IsCommutative: true, Symbol: "==", FunctionName: "equal", ComplexityCoeff: 1},
	OpNotEqual:  {HintBitwise: 0, IsSigned: false, OperandCount: 2, IsCommutative: true, Symbol: "!=", FunctionName: "not_equal", ComplexityCoeff: 1},
	OpLessEq:    {HintBitwise: -1, IsSigned: true, OperandCount: 2, IsCommutative: false, Symbol: "<=", FunctionName: "less_eq", ComplexityCoeff: 1.2},
	OpLess:      {HintBitwise: -1, IsSigned: true, OperandCount: 2, IsCommutative: false, Symbol: "<", FunctionName: "less", ComplexityCoeff: 1},

	OpUGreater:   {HintBitwise: +1, IsSigned: false, OperandCount: 2, IsCommutative: false, Symbol: "u>", FunctionName: "ugreater", ComplexityCoeff: 1},
	OpUGreaterEq: {HintBitwise: +1, IsSigned: false, OperandCount: 2, IsCommutative: false, Symbol: "u>=", FunctionName: "ugreater_eq", ComplexityCoeff: 1.2},
	OpUEqual:     {HintBitwise: 0, IsSigned: false, OperandCount: 2, IsCommutative: true, Symbol: "u==", FunctionName: "uequal", ComplexityCoeff: 1},
	OpUNotEqual:  {HintBitwise: 0, IsSigned: false, OperandCount: 2, IsCommutative: true, Symbol: "u!=", FunctionName: "unot_equal", ComplexityCoeff: 1},
	OpULessEq:    {HintBitwise: +1, IsSigned: false, OperandCount: 2, IsCommutative: false, Symbol: "u<=", FunctionName: "uless_eq", ComplexityCoeff: 1.2},
	OpULess:      {HintBitwise: +1, IsSigned: false, OperandCount: 2, IsCommutative: false, Symbol: "u<", FunctionName: "uless", ComplexityCoeff: 1},
}

// DescriptorOf returns the descriptor for id, or nil if id is OpInvalid or
// out of range, mirroring operators.hpp's descriptor_of.
func DescriptorOf(id OperatorID) *OperatorDesc {
	if id == OpInvalid || id >= opMax {
		return nil
	}
	return &descriptors[id]
}

// bitIndexSize is the width used by operators that return a bit index or
// count (popcnt, bsf, bsr, bit_count).
const bitIndexSize = 8

// ResultSize computes the width of the result of applying operator id to
// operands of the given widths, grounded on operators.cpp's result_size.
func ResultSize(id OperatorID, lhsSize, rhsSize int) int {
	switch id {
	case OpPopcnt, OpBitscanFwd, OpBitscanRev, OpBitCount:
		return bitIndexSize
	case OpNegate, OpBitwiseNot, OpMask, OpValueIf:
		return rhsSize
	case OpShiftRight, OpShiftLeft, OpRotateRight, OpRotateLeft:
		return lhsSize
	case OpGreater, OpGreaterEq, OpEqual, OpNotEqual, OpLessEq, OpLess,
		OpUGreater, OpUGreaterEq, OpUEqual, OpUNotEqual, OpULessEq, OpULess,
		OpBitTest:
		return 1
	case OpCast, OpUCast:
		panic("vtil: result_size is not defined for cast/ucast, they carry their own target width")
	default:
		if lhsSize > rhsSize {
			return lhsSize
		}
		return rhsSize
	}
}

// EvaluateConcrete applies operator id on fully concrete operands and
// returns the masked result and its width, grounded on operators.cpp's
// evaluate(). Named distinctly from the public Expr-level Evaluate in
// expr.go (spec.md §6.3's concrete test-time evaluation entry point),
// which this function backs but does not implement directly.
func EvaluateConcrete(id OperatorID, lhsSize int, lhs uint64, rhsSize int, rhs uint64) (uint64, int) {
	desc := DescriptorOf(id)
	assert(desc != nil, "EvaluateConcrete: invalid operator %d", id)

	// ucast/cast interpret rhs as a target width, not a value.
	if id == OpUCast || id == OpCast {
		newWidth := int(rhs)
		if id == OpUCast {
			return zeroExtend(lhs, lhsSize) & fill(newWidth), newWidth
		}
		return signExtend(lhs, lhsSize) & fill(newWidth), newWidth
	}

	size := ResultSize(id, lhsSize, rhsSize)
	if desc.IsSigned {
		lhs, rhs = signExtend(lhs, lhsSize), signExtend(rhs, rhsSize)
	} else {
		lhs, rhs = zeroExtend(lhs, lhsSize), zeroExtend(rhs, rhsSize)
	}

	var out uint64
	switch id {
	case OpBitwiseNot:
		out = ^rhs
	case OpBitwiseAnd:
		out = lhs & rhs
	case OpBitwiseOr:
		out = lhs | rhs
	case OpBitwiseXor:
		out = lhs ^ rhs
	case OpShiftRight:
		out = shiftLogicalRight(lhs, rhs, lhsSize)
	case OpShiftLeft:
		out = shiftLeft(lhs, rhs, lhsSize)
	case OpRotateRight:
		out = rotateRight(lhs, rhs, lhsSize)
	case OpRotateLeft:
		out = rotateLeft(lhs, rhs, lhsSize)
	case OpNegate:
		out = uint64(-int64(rhs))
	case OpAdd:
		out = lhs + rhs
	case OpSubtract:
		out = lhs - rhs
	case OpMultiplyHigh:
		hi, _ := bitsMulSigned(int64(lhs), int64(rhs))
		out = uint64(hi)
	case OpMultiply:
		out = lhs * rhs
	case OpDivide:
		assert(int64(rhs) != 0, "Evaluate: division by zero")
		out = uint64(int64(lhs) / int64(rhs))
	case OpRemainder:
		assert(int64(rhs) != 0, "Evaluate: division by zero")
		out = uint64(int64(lhs) % int64(rhs))
	case OpUMultiplyHigh:
		hi, _ := bitsMulUnsigned(lhs, rhs)
		out = hi
	case OpUMultiply:
		out = lhs * rhs
	case OpUDivide:
		assert(rhs != 0, "Evaluate: division by zero")
		out = lhs / rhs
	case OpURemainder:
		assert(rhs != 0, "Evaluate: division by zero")
		out = lhs % rhs
	case OpPopcnt:
		out = uint64(Popcnt(rhs))
	case OpBitscanFwd:
		out = uint64(Lsb(rhs))
	case OpBitscanRev:
		out = uint64(Msb(rhs))
	case OpBitTest:
		out = (lhs >> uint(rhs%64)) & 1
	case OpMask:
		out = fill(rhsSize)
	case OpBitCount:
		out = uint64(rhsSize)
	case OpValueIf:
		if lhs&1 != 0 {
			out = rhs
		} else {
			out = 0
		}
	case OpMaxValue:
		if int64(lhs) >= int64(rhs) {
			out = lhs
		} else {
			out = rhs
		}
	case OpMinValue:
		if int64(lhs) <= int64(rhs) {
			out = lhs
		} else {
			out = rhs
		}
	case OpUMaxValue:
		if lhs >= rhs {
			out = lhs
		} else {
			out = rhs
		}
	case OpUMinValue:
		if lhs <= rhs {
			out = lhs
		} else {
			out = rhs
		}
	case OpGreater:
		out = boolU64(int64(lhs) > int64(rhs))
	case OpGreaterEq:
		out = boolU64(int64(lhs) >= int64(rhs))
	case OpEqual, OpUEqual:
		out = boolU64(lhs == rhs)
	case OpNotEqual, OpUNotEqual:
		out = boolU64(lhs != rhs)
	case OpLessEq:
		out = boolU64(int64(lhs) <= int64(rhs))
	case OpLess:
		out = boolU64(int64(lhs) < int64(rhs))
	case OpUGreater:
		out = boolU64(lhs > rhs)
	case OpUGreaterEq:
		out = boolU64(lhs >= rhs)
	case OpULessEq:
		out = boolU64(lhs <= rhs)
	case OpULess:
		out = boolU64(lhs < rhs)
	default:
		panic("vtil: Evaluate: unhandled operator")
	}
	return out & fill(size), size
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func shiftLogicalRight(v, n uint64, width int) uint64 {
	if n >= uint64(width) {
		return 0
	}
	return zeroExtend(v, width) >> uint(n)
}

func shiftLeft(v, n uint64, width int) uint64 {
	if n >= uint64(width) {
		return 0
	}
	return v << uint(n)
}

func rotateLeft(v, n uint64, width int) uint64 {
	n %= uint64(width)
	if n == 0 {
		return v
	}
	v = zeroExtend(v, width)
	return zeroExtend((v<<n)|(v>>uint(uint64(width)-n)), width)
}

func rotateRight(v, n uint64, width int) uint64 {
	n %= uint64(width)
	return rotateLeft(v, uint64(width)-n, width)
}

// bitsMulSigned/bitsMulUnsigned compute the high/low 64 bits of a 64x64
// multiplication, used by the high-word multiply operators.
func bitsMulUnsigned(a, b uint64) (hi, lo uint64) {
	const mask32 = 0xffffffff
	aLo, aHi := a&mask32, a>>32
	bLo, bHi := b&mask32, b>>32

	t := aLo * bLo
	w0 := t & mask32
	k := t >> 32

	t = aHi*bLo + k
	w1 := t & mask32
	w2 := t >> 32

	t = aLo*bHi + w1
	k = t >> 32

	lo = (t << 32) | w0
	hi = aHi*bHi + w2 + k
	return hi, lo
}

func bitsMulSigned(a, b int64) (hi, lo int64) {
	uhi, ulo := bitsMulUnsigned(uint64(a), uint64(b))
	hi, lo = int64(uhi), int64(ulo)
	if a < 0 {
		hi -= b
	}
	if b < 0 {
		hi -= a
	}
	return hi, lo
}

// EvaluatePartial applies operator op on bit-vectors that may carry
// unknown bits, producing the tightest known-one/known-zero result it can
// prove without resolving every bit, grounded on operators.cpp's
// evaluate_partial(). When both operands are fully known it defers to
// EvaluateConcrete.
func EvaluatePartial(op OperatorID, lhs, rhs BitVector) BitVector {
	desc := DescriptorOf(op)
	assert(desc != nil, "EvaluatePartial: invalid operator %d", op)

	known := true
	if desc.OperandCount == 2 {
		known = lhs.IsValid() && lhs.IsKnown() && rhs.IsValid() && rhs.IsKnown()
	} else {
		known = rhs.IsValid() && rhs.IsKnown()
	}
	if known {
		v, size := EvaluateConcrete(op, int(lhs.Width), lhs.KnownOneMasked(), int(rhs.Width), rhs.KnownOneMasked())
		return KnownConstant(v, size)
	}

	switch op {
	case OpBitwiseNot:
		one := ^rhs.KnownOneMasked() & rhs.ValueMask() &^ rhs.UnknownMask()
		return BitVector{KnownOne: one, KnownZero: rhs.ValueMask() &^ (one | rhs.UnknownMask()), Width: rhs.Width}

	case OpBitwiseAnd:
		size := maxInt(int(lhs.Width), int(rhs.Width))
		one := lhs.KnownOneMasked() & rhs.KnownOneMasked()
		unk := (lhs.UnknownMask() | rhs.UnknownMask()) &^ (lhs.KnownZeroMasked() | rhs.KnownZeroMasked())
		return BitVector{KnownOne: one, KnownZero: fill(size) &^ (one | unk), Width: uint8(size)}

	case OpBitwiseOr:
		size := maxInt(int(lhs.Width), int(rhs.Width))
		one := lhs.KnownOneMasked() | rhs.KnownOneMasked()
		unk := (lhs.UnknownMask() | rhs.UnknownMask()) &^ one
		return BitVector{KnownOne: one, KnownZero: fill(size) &^ (one | unk), Width: uint8(size)}

	case OpBitwiseXor:
		size := maxInt(int(lhs.Width), int(rhs.Width))
		unk := lhs.UnknownMask() | rhs.UnknownMask()
		one := (lhs.KnownOneMasked() ^ rhs.KnownOneMasked()) &^ unk
		return BitVector{KnownOne: one, KnownZero: fill(size) &^ (one | unk), Width: uint8(size)}

	case OpShiftRight, OpShiftLeft:
		return partialShift(op, lhs, rhs)

	case OpRotateRight, OpRotateLeft:
		return partialRotate(op, lhs, rhs)

	case OpAdd:
		return partialAdd(lhs, rhs)

	case OpNegate:
		return EvaluatePartial(OpSubtract, KnownConstant(0, int(rhs.Width)), rhs)

	case OpSubtract:
		notLhs := EvaluatePartial(OpBitwiseNot, BitVector{}, lhs)
		sum := EvaluatePartial(OpAdd, notLhs, rhs)
		return EvaluatePartial(OpBitwiseNot, BitVector{}, sum)

	case OpPopcnt:
		maybeOne := rhs.KnownOneMasked() | rhs.UnknownMask()
		// The count is at most the number of maybe-one bits, so every bit
		// above that bound's top bit is known zero.
		bound := uint64(Popcnt(maybeOne))
		return BitVector{KnownZero: fill(bitIndexSize) &^ fill(Msb(bound)), Width: uint8(bitIndexSize)}

	case OpBitscanFwd, OpBitscanRev:
		return UnknownValue(bitIndexSize)

	case OpBitTest:
		if rhs.IsKnown() {
			idx := rhs.Get() % 64
			return BitVector{KnownOne: (lhs.KnownOneMasked() >> idx) & 1, KnownZero: (lhs.KnownZeroMasked() >> idx) & 1, Width: 1}
		}
		return UnknownValue(1)

	case OpMask:
		return KnownConstant(rhs.ValueMask(), int(rhs.Width))

	case OpBitCount:
		return KnownConstant(uint64(rhs.Width), bitIndexSize)

	case OpValueIf:
		switch lhs.At(0) {
		case 1:
			return rhs
		case -1:
			return KnownConstant(0, int(rhs.Width))
		default:
			return UnknownValue(int(rhs.Width))
		}

	case OpMultiplyHigh, OpMultiply, OpDivide, OpRemainder,
		OpUMultiplyHigh, OpUMultiply, OpUDivide, OpURemainder:
		return UnknownValue(maxInt(int(lhs.Width), int(rhs.Width)))

	case OpMaxValue:
		return partialSelect(OpUGreaterEq, lhs, rhs)
	case OpMinValue:
		return partialSelect(OpULess, lhs, rhs)
	case OpUMaxValue:
		return partialSelect(OpGreaterEq, lhs, rhs)
	case OpUMinValue:
		return partialSelect(OpLess, lhs, rhs)

	case OpGreater, OpGreaterEq, OpLessEq, OpLess:
		return partialSignedCompare(op, lhs, rhs)

	case OpEqual, OpNotEqual:
		return partialEquality(op, lhs, rhs, true)

	case OpUGreater, OpUGreaterEq, OpULessEq, OpULess:
		return partialUnsignedCompare(op, lhs, rhs)

	case OpUEqual, OpUNotEqual:
		return partialEquality(op, lhs, rhs, false)

	case OpUCast, OpCast:
		assert(rhs.IsKnown(), "EvaluatePartial: cast target width must be constant")
		return lhs.Resize(int(rhs.Get()), op == OpCast)
	}
	panic("vtil: EvaluatePartial: unhandled operator")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func partialShift(op OperatorID, lhs, rhs BitVector) BitVector {
	if rhs.IsKnown() {
		n := rhs.Get()
		if n >= uint64(lhs.Width) {
			return KnownConstant(0, int(lhs.Width))
		}
		if op == OpShiftLeft {
			return BitVector{KnownOne: zeroExtend(lhs.KnownOneMasked()<<n, int(lhs.Width)), KnownZero: zeroExtend(lhs.KnownZeroMasked()<<n, int(lhs.Width)) | fill(int(n)), Width: lhs.Width}
		}
		return BitVector{KnownOne: lhs.KnownOneMasked() >> n, KnownZero: (lhs.KnownZeroMasked() >> n) | ^fill(int(lhs.Width)-int(n))&fill(int(lhs.Width)), Width: lhs.Width}
	}
	if lhs.AllZero() {
		return lhs
	}
	return UnknownValue(int(lhs.Width))
}

func partialRotate(op OperatorID, lhs, rhs BitVector) BitVector {
	if rhs.IsKnown() {
		width := int(lhs.Width)
		n := int(rhs.Get()) % width
		if n == 0 {
			return lhs
		}
		var shl, shr int
		if op == OpRotateLeft {
			shl, shr = n, width-n
		} else {
			shl, shr = width-n, n
		}
		oneL := zeroExtend(lhs.KnownOneMasked()<<uint(shl), width)
		oneR := lhs.KnownOneMasked() >> uint(shr)
		unkL := zeroExtend(lhs.UnknownMask()<<uint(shl), width)
		unkR := lhs.UnknownMask() >> uint(shr)
		one := oneL | oneR
		unk := unkL | unkR
		return BitVector{KnownOne: one, KnownZero: fill(width) &^ (one | unk), Width: uint8(width)}
	}
	if lhs.AllOne() || lhs.AllZero() {
		return lhs
	}
	return UnknownValue(int(lhs.Width))
}

// partialAdd implements the bit-by-bit carry-propagating partial adder
// from operators.cpp's evaluate_partial(add,...).
func partialAdd(lhs, rhs BitVector) BitVector {
	outSize := maxInt(int(lhs.Width), int(rhs.Width))
	if lhs.IsUnknown() || rhs.IsUnknown() {
		return UnknownValue(outSize)
	}
	a := lhs.Resize(outSize, true)
	b := rhs.Resize(outSize, true)

	var knownOne, knownZero uint64
	carry := 0 // bit_state: -1 zero, 0 unknown, +1 one
	for i := 0; i < outSize; i++ {
		av, bv := a.At(i), b.At(i)
		states := []int{av, bv, carry}
		unknownCount, oneCount, zeroCount := 0, 0, 0
		for _, s := range states {
			switch s {
			case 0:
				unknownCount++
			case 1:
				oneCount++
			case -1:
				zeroCount++
			}
		}
		var outBit int
		var newCarry int
		if unknownCount > 0 {
			outBit = 0
			switch {
			case oneCount >= 2:
				newCarry = 1
			case zeroCount >= 2:
				newCarry = -1
			default:
				newCarry = 0
			}
		} else if av == bv {
			if carry == 1 {
				outBit = 1
			} else {
				outBit = -1
			}
			newCarry = av
		} else {
			if carry == -1 {
				outBit = 1
			} else {
				outBit = -1
			}
			newCarry = carry
		}
		switch outBit {
		case 1:
			knownOne |= uint64(1) << uint(i)
		case -1:
			knownZero |= uint64(1) << uint(i)
		}
		carry = newCarry
	}
	return BitVector{KnownOne: knownOne, KnownZero: knownZero, Width: uint8(outSize)}
}

// partialSelect implements the max/min_value family: it evaluates the
// underlying comparison and, if it resolves, returns lhs or rhs resized
// to the common width, else a fully unknown result.
func partialSelect(cmp OperatorID, lhs, rhs BitVector) BitVector {
	size := maxInt(int(lhs.Width), int(rhs.Width))
	signed := DescriptorOf(cmp).IsSigned
	res := EvaluatePartial(cmp, lhs.Resize(size, signed), rhs.Resize(size, signed))
	switch res.At(0) {
	case 1:
		return lhs.Resize(size, signed)
	case -1:
		return rhs.Resize(size, signed)
	default:
		return UnknownValue(size)
	}
}

// optimisticSize picks the larger of the two widths unless the smaller
// side's value could never require the larger side's extra bits, per
// expression.cpp's optimistic_size helper used ahead of comparisons.
func optimisticSize(lhs, rhs BitVector) int {
	small, large := lhs, rhs
	if small.Width > large.Width {
		small, large = large, small
	}
	if small.Width == large.Width {
		return int(large.Width)
	}
	extra := fill(int(large.Width)) &^ fill(int(small.Width))
	if Msb(^small.KnownZeroMasked()&small.ValueMask()) <= int(small.Width) && extra&large.KnownZeroMasked() == extra {
		return int(small.Width)
	}
	return int(large.Width)
}

func partialSignedCompare(op OperatorID, lhs, rhs BitVector) BitVector {
	size := optimisticSize(lhs, rhs)
	a, b := lhs.Resize(size, true), rhs.Resize(size, true)
	sa, sb := a.At(size-1), b.At(size-1)
	if sa == 0 || sb == 0 {
		return UnknownValue(1)
	}
	if sa != sb {
		// a negative, b positive => a < b in every comparison sense.
		aNeg := sa == 1
		switch op {
		case OpGreater, OpGreaterEq:
			return KnownConstant(boolU64(!aNeg), 1)
		case OpLess, OpLessEq:
			return KnownConstant(boolU64(aNeg), 1)
		}
	}
	for i := size - 2; i >= 0; i-- {
		av, bv := a.At(i), b.At(i)
		if av == 0 || bv == 0 {
			return UnknownValue(1)
		}
		if av != bv {
			agt := av == 1
			switch op {
			case OpGreater:
				return KnownConstant(boolU64(agt), 1)
			case OpGreaterEq:
				return KnownConstant(boolU64(agt), 1)
			case OpLess:
				return KnownConstant(boolU64(!agt), 1)
			case OpLessEq:
				return KnownConstant(boolU64(!agt), 1)
			}
		}
	}
	// All known bits equal.
	switch op {
	case OpGreaterEq, OpLessEq:
		return KnownConstant(1, 1)
	default:
		return KnownConstant(0, 1)
	}
}

func partialUnsignedCompare(op OperatorID, lhs, rhs BitVector) BitVector {
	size := optimisticSize(lhs, rhs)
	a, b := lhs.Resize(size, false), rhs.Resize(size, false)
	for i := size - 1; i >= 0; i-- {
		av, bv := a.At(i), b.At(i)
		if av == 0 || bv == 0 {
			return UnknownValue(1)
		}
		if av != bv {
			agt := av == 1
			switch op {
			case OpUGreater, OpUGreaterEq:
				return KnownConstant(boolU64(agt), 1)
			default: // ULess, ULessEq
				return KnownConstant(boolU64(!agt), 1)
			}
		}
	}
	switch op {
	case OpUGreaterEq, OpULessEq:
		return KnownConstant(1, 1)
	default:
		return KnownConstant(0, 1)
	}
}

// partialEquality implements equal/not_equal (signed variant, sign-bit
// aware) and uequal/unot_equal (raw compare), both via the known-zero /
// known-one overlap proof of inequality from operators.cpp.
func partialEquality(op OperatorID, lhs, rhs BitVector, signExtended bool) BitVector {
	size := optimisticSize(lhs, rhs)
	a, b := lhs.Resize(size, signExtended), rhs.Resize(size, signExtended)
	if signExtended {
		if a.At(size-1) == 0 || b.At(size-1) == 0 {
			return UnknownValue(1)
		}
		if a.At(size-1) != b.At(size-1) {
			return equalityResult(op, false)
		}
	}
	if a.KnownZeroMasked()&b.KnownOneMasked() != 0 || a.KnownOneMasked()&b.KnownZeroMasked() != 0 {
		return equalityResult(op, false)
	}
	if a.UnknownMask() != 0 || b.UnknownMask() != 0 {
		return UnknownValue(1)
	}
	return equalityResult(op, a.KnownOneMasked() == b.KnownOneMasked())
}

func equalityResult(op OperatorID, eq bool) BitVector {
	switch op {
	case OpEqual, OpUEqual:
		return KnownConstant(boolU64(eq), 1)
	default:
		return KnownConstant(boolU64(!eq), 1)
	}
}
