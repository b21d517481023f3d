package vtil

import (
	"fmt"
	"math"
	"strings"
)

// Expr is a node in the hash-consed symbolic expression DAG, grounded on
// VTIL-SymEx/expressions/expression.hpp. Nodes are immutable after
// construction and freely shared across the DAG: a resize or simplify
// never mutates an existing node in place, it builds and returns a new
// one. Concurrent readers therefore need no locking (spec.md §5).
type Expr struct {
	Op    OperatorID
	Value BitVector
	LHS   *Expr
	RHS   *Expr
	UID   *UniqueIdentifier

	depth        int
	complexity   float64
	hash         uint64
	simplifyHint bool
	IsLazyFlag   bool
}

// Width returns the expression's bit width.
func (e *Expr) Width() int { return int(e.Value.Width) }

// Depth returns the expression's tree depth; leaves have depth 0.
func (e *Expr) Depth() int { return e.depth }

// Complexity returns the expression's heuristic complexity score, always
// strictly positive.
func (e *Expr) Complexity() float64 { return e.complexity }

// Hash returns the expression's 64-bit structural hash.
func (e *Expr) Hash() uint64 { return e.hash }

// IsLeaf reports whether e is a constant or a variable (no operator).
func (e *Expr) IsLeaf() bool { return e.LHS == nil && e.RHS == nil }

// IsConstant reports whether e is a leaf with a fully-known value.
func (e *Expr) IsConstant() bool { return e.IsLeaf() && e.UID == nil }

// IsVariable reports whether e is a leaf standing for a symbolic variable.
func (e *Expr) IsVariable() bool { return e.IsLeaf() && e.UID != nil }

// IsUnary reports whether e applies a unary operator.
func (e *Expr) IsUnary() bool { return e.Op != OpInvalid && e.LHS == nil && e.RHS != nil }

// IsBinary reports whether e applies a binary operator.
func (e *Expr) IsBinary() bool { return e.Op != OpInvalid && e.LHS != nil && e.RHS != nil }

// IsValid reports whether e's bit-vector invariant holds.
func (e *Expr) IsValid() bool { return e.Value.IsValid() }

// MakeLazy returns a copy of e with the lazy bit set, postponing
// simplification of any expression subsequently built on top of it until
// an explicit Simplify call. Semantics are identical with the bit off; it
// is a pure performance knob (spec.md §9).
func (e *Expr) MakeLazy() *Expr {
	if e.IsLazyFlag {
		return e
	}
	clone := *e
	clone.IsLazyFlag = true
	return &clone
}

func mixHash(vals ...uint64) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for _, v := range vals {
		h ^= v
		h *= prime64
		h ^= h >> 33
	}
	return h
}

// NewConstant returns a fully-known constant leaf of the given width.
func NewConstant(v uint64, width int) *Expr { return collapseToConstant(KnownConstant(v, width)) }

// NewVariable returns a fully-unknown variable leaf identified by uid.
func NewVariable(uid UniqueIdentifier, width int) *Expr {
	e := sharedExprPool.Get()
	e.UID = &uid
	e.Value = UnknownValue(width)
	e.complexity = 128
	e.hash = mixHash(uid.Hash(), uint64(width))
	e.simplifyHint = true
	return e
}

func collapseToConstant(v BitVector) *Expr {
	raw := v.KnownOneMasked()
	s := signExtend(raw, int(v.Width))
	abs := s
	if int64(abs) < 0 {
		abs = uint64(-int64(abs))
	}
	c1 := Msb(s) + Popcnt(s)
	c2 := Msb(abs) + Popcnt(abs)
	m := c1
	if c2 < m {
		m = c2
	}
	e := sharedExprPool.Get()
	e.Value = v
	e.complexity = math.Sqrt(1 + float64(m))
	e.hash = mixHash(v.KnownZeroMasked(), v.KnownOneMasked(), uint64(v.Width))
	e.simplifyHint = true
	return e
}

// UnaryExpr constructs (and, unless lazy, simplifies) a unary-operator
// node over rhs, grounded on expression.cpp's update() for the unary
// case.
func UnaryExpr(op OperatorID, rhs *Expr) *Expr {
	desc := DescriptorOf(op)
	assert(desc != nil && desc.OperandCount == 1, "UnaryExpr: operator %d is not unary", op)

	isLazy := rhs.IsLazyFlag
	e := sharedExprPool.Get()
	e.Op, e.RHS, e.IsLazyFlag = op, rhs, isLazy
	e.Value = EvaluatePartial(op, BitVector{}, rhs.Value)
	if !isLazy && e.Value.IsKnown() {
		return collapseToConstant(e.Value)
	}
	e.depth = rhs.depth + 1
	e.complexity = rhs.complexity * 2 * desc.ComplexityCoeff
	assert(e.complexity != 0, "UnaryExpr: complexity collapsed to zero")
	e.hash = mixHash(mixHash(rhs.hash), uint64(op), uint64(e.depth), uint64(e.Value.Width))
	if !rhs.IsLeaf() {
		if cd := DescriptorOf(rhs.Op); desc.HintBitwise*cd.HintBitwise < 0 {
			e.complexity *= 2
		}
	}
	if isLazy {
		return e
	}
	return Simplify(e)
}

// BinaryExpr constructs (and, unless lazy, simplifies) a binary-operator
// node, resizing its operands to the width the operator requires and
// canonicalizing unsigned multiply/equality to their signed forms, per
// expression.cpp's update().
func BinaryExpr(op OperatorID, lhs, rhs *Expr) *Expr {
	desc := DescriptorOf(op)
	assert(desc != nil && desc.OperandCount == 2, "BinaryExpr: operator %d is not binary", op)

	switch op {
	case OpUMultiply:
		w := maxInt(lhs.Width(), rhs.Width())
		return BinaryExpr(OpMultiply, Resize(lhs, w, true), Resize(rhs, w, true))
	case OpUEqual, OpUNotEqual:
		w := optimisticSize(lhs.Value, rhs.Value)
		canon := OpEqual
		if op == OpUNotEqual {
			canon = OpNotEqual
		}
		return BinaryExpr(canon, Resize(lhs, w, false), Resize(rhs, w, false))
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		w := optimisticSize(lhs.Value, rhs.Value)
		lhs, rhs = Resize(lhs, w, true), Resize(rhs, w, true)
	case OpUGreater, OpUGreaterEq, OpULess, OpULessEq, OpEqual, OpNotEqual:
		w := optimisticSize(lhs.Value, rhs.Value)
		lhs, rhs = Resize(lhs, w, false), Resize(rhs, w, false)
	case OpBitwiseAnd, OpBitwiseOr, OpBitwiseXor, OpUMultiplyHigh, OpUDivide, OpURemainder:
		w := maxInt(lhs.Width(), rhs.Width())
		lhs, rhs = Resize(lhs, w, false), Resize(rhs, w, false)
	case OpAdd, OpSubtract, OpMultiplyHigh, OpMultiply, OpDivide, OpRemainder:
		w := maxInt(lhs.Width(), rhs.Width())
		lhs, rhs = Resize(lhs, w, true), Resize(rhs, w, true)
	case OpMaxValue, OpMinValue:
		w := maxInt(lhs.Width(), rhs.Width())
		lhs, rhs = Resize(lhs, w, false), Resize(rhs, w, false)
	case OpUMaxValue, OpUMinValue:
		w := maxInt(lhs.Width(), rhs.Width())
		lhs, rhs = Resize(lhs, w, true), Resize(rhs, w, true)
	case OpValueIf:
		lhs = Resize(lhs, 1, false)
	}

	isLazy := lhs.IsLazyFlag || rhs.IsLazyFlag
	e := sharedExprPool.Get()
	e.Op, e.LHS, e.RHS, e.IsLazyFlag = op, lhs, rhs, isLazy
	e.Value = EvaluatePartial(op, lhs.Value, rhs.Value)
	if !isLazy && e.Value.IsKnown() {
		return collapseToConstant(e.Value)
	}
	e.depth = maxInt(lhs.depth, rhs.depth) + 1
	e.complexity = (lhs.complexity + rhs.complexity) * 2
	assert(e.complexity != 0, "BinaryExpr: complexity collapsed to zero")
	e.complexity *= desc.ComplexityCoeff

	h1, h2 := lhs.hash, rhs.hash
	if desc.IsCommutative && h1 > h2 {
		h1, h2 = h2, h1
	}
	e.hash = mixHash(mixHash(h1, h2), uint64(op), uint64(e.depth), uint64(e.Value.Width))

	for _, child := range [2]*Expr{lhs, rhs} {
		if !child.IsLeaf() {
			if cd := DescriptorOf(child.Op); desc.HintBitwise*cd.HintBitwise < 0 {
				e.complexity *= 2
			}
		}
	}
	if isLazy {
		return e
	}
	return Simplify(e)
}

// Resize returns an expression equivalent to e but newWidth bits wide,
// preferring to push the resize through the operator tree rather than
// wrap in a cast node, per spec.md §4.5 and expression.cpp's resize().
func Resize(e *Expr, newWidth int, signedCast bool) *Expr {
	if newWidth == e.Width() {
		return e
	}
	if e.IsConstant() {
		return collapseToConstant(e.Value.Resize(newWidth, signedCast))
	}
	if newWidth == 1 || newWidth < e.Width() || e.Value.At(e.Width()-1) == -1 {
		signedCast = false
	}
	if e.IsVariable() {
		return castWrap(e, newWidth, signedCast)
	}

	switch e.Op {
	case OpRotateLeft, OpRotateRight:
		if e.RHS.IsConstant() && e.RHS.Value.Get() != 0 {
			k := e.RHS.Value.Get() % uint64(e.Width())
			var shl, shr *Expr
			if e.Op == OpRotateLeft {
				shl = BinaryExpr(OpShiftLeft, e.LHS, NewConstant(k, e.Width()))
				shr = BinaryExpr(OpShiftRight, e.LHS, NewConstant(uint64(e.Width())-k, e.Width()))
			} else {
				shr = BinaryExpr(OpShiftRight, e.LHS, NewConstant(k, e.Width()))
				shl = BinaryExpr(OpShiftLeft, e.LHS, NewConstant(uint64(e.Width())-k, e.Width()))
			}
			return BinaryExpr(OpBitwiseOr, Resize(shl, newWidth, false), Resize(shr, newWidth, false))
		}
		return castWrap(e, newWidth, signedCast)

	case OpShiftLeft:
		if newWidth < e.Width() {
			return BinaryExpr(OpShiftLeft, Resize(e.LHS, newWidth, false), Resize(e.RHS, newWidth, false))
		}
		if !signedCast {
			return BinaryExpr(e.Op, Resize(e.LHS, newWidth, false), e.RHS)
		}
		return castWrap(e, newWidth, signedCast)

	case OpShiftRight:
		if !signedCast && newWidth > e.Width() {
			return BinaryExpr(e.Op, Resize(e.LHS, newWidth, false), e.RHS)
		}
		return castWrap(e, newWidth, signedCast)

	case OpBitwiseNot:
		if !signedCast {
			if newWidth < e.Width() {
				return UnaryExpr(OpBitwiseNot, Resize(e.RHS, newWidth, false))
			}
			mask := fill(e.Width())
			extended := Resize(e.RHS, newWidth, false)
			return BinaryExpr(OpBitwiseAnd, UnaryExpr(OpBitwiseNot, extended), NewConstant(mask, newWidth))
		}
		return castWrap(e, newWidth, true)

	case OpBitwiseAnd, OpBitwiseOr, OpBitwiseXor, OpUMultiply, OpUDivide, OpURemainder, OpUMaxValue, OpUMinValue, OpUMultiplyHigh:
		if !signedCast {
			if (e.Op == OpUDivide || e.Op == OpURemainder) && newWidth < e.Width() {
				return castWrap(e, newWidth, false)
			}
			return BinaryExpr(e.Op, Resize(e.LHS, newWidth, false), Resize(e.RHS, newWidth, false))
		}
		return castWrap(e, newWidth, true)

	case OpMultiply, OpDivide, OpRemainder, OpAdd, OpSubtract, OpMaxValue, OpMinValue, OpMultiplyHigh:
		if signedCast {
			return BinaryExpr(e.Op, Resize(e.LHS, newWidth, true), Resize(e.RHS, newWidth, true))
		}
		if newWidth < e.Width() && e.Op != OpDivide && e.Op != OpRemainder {
			return BinaryExpr(e.Op, Resize(e.LHS, newWidth, false), Resize(e.RHS, newWidth, false))
		}
		return castWrap(e, newWidth, false)

	case OpNegate:
		if signedCast {
			return UnaryExpr(e.Op, Resize(e.RHS, newWidth, true))
		}
		if newWidth < e.Width() {
			return UnaryExpr(e.Op, Resize(e.RHS, newWidth, false))
		}
		return castWrap(e, newWidth, false)

	case OpUCast:
		return resizeUCast(e, newWidth, signedCast)
	case OpCast:
		return resizeCast(e, newWidth, signedCast)

	case OpValueIf:
		if e.RHS.Width() != newWidth {
			return BinaryExpr(OpValueIf, e.LHS, Resize(e.RHS, newWidth, signedCast))
		}
		return e

	default:
		return castWrap(e, newWidth, signedCast)
	}
}

func castWrap(e *Expr, newWidth int, signed bool) *Expr {
	op := OpUCast
	if signed {
		op = OpCast
	}
	return BinaryExpr(op, e, NewConstant(uint64(newWidth), Width8))
}

// resizeUCast implements §4.5's "ucast(x,k) resize" bullet.
func resizeUCast(e *Expr, newWidth int, signedCast bool) *Expr {
	oldTarget := e.Width()
	inner := e.LHS
	if inner.Width() > oldTarget {
		if signedCast {
			return BinaryExpr(OpCast, e, NewConstant(uint64(newWidth), Width8))
		}
		masked := BinaryExpr(OpBitwiseAnd, inner, NewConstant(fill(oldTarget), inner.Width()))
		return Resize(masked, newWidth, false)
	}
	if newWidth == oldTarget {
		return inner
	}
	return Resize(inner, newWidth, false)
}

// resizeCast implements §4.5's "cast (signed) resize" bullet. Shrinking a
// signed cast is disallowed (the Open Question in spec.md §9 resolved in
// DESIGN.md: "prefer disallow").
func resizeCast(e *Expr, newWidth int, signedCast bool) *Expr {
	oldTarget := e.Width()
	inner := e.LHS
	assert(inner.Width() <= oldTarget, "resize: shrinking a signed cast is not a legal operator")
	if newWidth == oldTarget {
		return inner
	}
	if signedCast {
		return Resize(inner, newWidth, true)
	}
	return BinaryExpr(OpUCast, e, NewConstant(uint64(newWidth), Width8))
}

// WalkExpr performs a depth-first traversal of e's tree, calling fn on
// each node including e itself. fn returns false to skip e's children.
// Grounded on the teacher's ExprVisitor/WalkExpr in expr.go.
func WalkExpr(e *Expr, fn func(*Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	WalkExpr(e.LHS, fn)
	WalkExpr(e.RHS, fn)
}

// CountConstants returns the number of constant leaves in e's tree.
func (e *Expr) CountConstants() int {
	n := 0
	WalkExpr(e, func(x *Expr) bool {
		if x.IsConstant() {
			n++
		}
		return true
	})
	return n
}

// CountVariables returns the number of variable leaves in e's tree,
// counting repeated occurrences of the same variable separately.
func (e *Expr) CountVariables() int {
	n := 0
	WalkExpr(e, func(x *Expr) bool {
		if x.IsVariable() {
			n++
		}
		return true
	})
	return n
}

// CountUniqueVariables returns the number of distinct variables in e's
// tree, by unique identifier hash.
func (e *Expr) CountUniqueVariables() int {
	seen := map[uint64]bool{}
	WalkExpr(e, func(x *Expr) bool {
		if x.IsVariable() {
			seen[x.UID.Hash()] = true
		}
		return true
	})
	return len(seen)
}

// FindVariables collects every distinct variable leaf referenced by e,
// used by the symbolic pointer layer to scan a base expression for
// restricted registers.
func FindVariables(e *Expr) []*Expr {
	seen := map[uint64]bool{}
	var out []*Expr
	WalkExpr(e, func(x *Expr) bool {
		if x.IsVariable() {
			if !seen[x.UID.Hash()] {
				seen[x.UID.Hash()] = true
				out = append(out, x)
			}
		}
		return true
	})
	return out
}

// IsIdentical reports whether a and b are structurally identical: same
// operator, same width, same value masks, same identifier (for
// variables), and recursively identical children. Children of a
// commutative operator also match in swapped order.
func IsIdentical(a, b *Expr) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.hash != b.hash || a.Op != b.Op || a.Value.Width != b.Value.Width {
		return false
	}
	if a.Value.KnownOne != b.Value.KnownOne || a.Value.KnownZero != b.Value.KnownZero {
		return false
	}
	if (a.UID == nil) != (b.UID == nil) {
		return false
	}
	if a.UID != nil && !a.UID.Equal(*b.UID) {
		return false
	}
	if IsIdentical(a.LHS, b.LHS) && IsIdentical(a.RHS, b.RHS) {
		return true
	}
	if a.LHS != nil && DescriptorOf(a.Op).IsCommutative {
		return IsIdentical(a.LHS, b.RHS) && IsIdentical(a.RHS, b.LHS)
	}
	return false
}

// Evaluate substitutes every variable leaf via lookup and folds the tree
// down to a constant, returning ErrUnresolved if any referenced variable
// has no binding. Used for concrete test-time evaluation (spec.md §6.3).
func Evaluate(e *Expr, lookup func(UniqueIdentifier) (uint64, bool)) (*Expr, error) {
	if e.IsConstant() {
		return e, nil
	}
	if e.IsVariable() {
		v, ok := lookup(*e.UID)
		if !ok {
			return nil, ErrUnresolved
		}
		return NewConstant(v, e.Width()), nil
	}
	if e.IsUnary() {
		rhs, err := Evaluate(e.RHS, lookup)
		if err != nil {
			return nil, err
		}
		return UnaryExpr(e.Op, rhs), nil
	}
	lhs, err := Evaluate(e.LHS, lookup)
	if err != nil {
		return nil, err
	}
	rhs, err := Evaluate(e.RHS, lookup)
	if err != nil {
		return nil, err
	}
	return BinaryExpr(e.Op, lhs, rhs), nil
}

// String renders e in infix/function form for debug output, grounded on
// operators.hpp's operator_desc::to_string.
func (e *Expr) String() string {
	switch {
	case e.IsConstant():
		return fmt.Sprintf("0x%x", e.Value.KnownOneMasked())
	case e.IsVariable():
		return e.UID.Name()
	case e.IsUnary():
		desc := DescriptorOf(e.Op)
		if desc.Symbol != "" {
			return desc.Symbol + e.RHS.String()
		}
		return fmt.Sprintf("%s(%s)", desc.FunctionName, e.RHS.String())
	default:
		desc := DescriptorOf(e.Op)
		if desc.Symbol != "" {
			return fmt.Sprintf("(%s%s%s)", e.LHS.String(), desc.Symbol, e.RHS.String())
		}
		return fmt.Sprintf("%s(%s, %s)", desc.FunctionName, e.LHS.String(), e.RHS.String())
	}
}

// dumpTree renders a multi-line indented tree, handy in test failure
// messages.
func dumpTree(e *Expr, indent int) string {
	var b strings.Builder
	b.WriteString(strings.Repeat("  ", indent))
	b.WriteString(e.String())
	b.WriteByte('\n')
	if e.LHS != nil {
		b.WriteString(dumpTree(e.LHS, indent+1))
	}
	if e.RHS != nil {
		b.WriteString(dumpTree(e.RHS, indent+1))
	}
	return b.String()
}
