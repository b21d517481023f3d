package vtil_test

import (
	"testing"

	"github.com/wisdark/VTIL-Core"
)

func TestExprInvariants(t *testing.T) {
	x := vtil.NewVariable(vtil.NewUniqueIdentifier("x", 1), 32)
	y := vtil.NewVariable(vtil.NewUniqueIdentifier("y", 2), 32)
	c := vtil.NewConstant(5, 32)
	sum := vtil.BinaryExpr(vtil.OpAdd, x, y)
	prod := vtil.BinaryExpr(vtil.OpMultiply, sum, c)

	for _, e := range []*vtil.Expr{x, y, c, sum, prod} {
		if e.Complexity() <= 0 {
			t.Fatalf("Complexity() = %v, want > 0 for %s", e.Complexity(), e)
		}
		if e.IsLeaf() != (e.Depth() == 0) {
			t.Fatalf("Depth() = %d but IsLeaf() = %v for %s", e.Depth(), e.IsLeaf(), e)
		}
	}
}

func TestExprCommutativeHash(t *testing.T) {
	x := vtil.NewVariable(vtil.NewUniqueIdentifier("x", 1), 32)
	y := vtil.NewVariable(vtil.NewUniqueIdentifier("y", 2), 32)

	for _, op := range []vtil.OperatorID{vtil.OpAdd, vtil.OpMultiply, vtil.OpBitwiseAnd, vtil.OpBitwiseOr, vtil.OpBitwiseXor} {
		ab := vtil.BinaryExpr(op, x, y)
		ba := vtil.BinaryExpr(op, y, x)
		if ab.Hash() != ba.Hash() {
			t.Fatalf("hash(%s) = %#x, hash(%s) = %#x, want equal", ab, ab.Hash(), ba, ba.Hash())
		}
		if !vtil.IsIdentical(ab, ba) {
			t.Fatalf("is_identical(%s, %s) = false, want true", ab, ba)
		}
	}
}

func TestExprNonCommutativeNotForciblyEqual(t *testing.T) {
	x := vtil.NewVariable(vtil.NewUniqueIdentifier("x", 1), 32)
	y := vtil.NewVariable(vtil.NewUniqueIdentifier("y", 2), 32)
	ab := vtil.BinaryExpr(vtil.OpSubtract, x, y)
	ba := vtil.BinaryExpr(vtil.OpSubtract, y, x)
	if vtil.IsIdentical(ab, ba) {
		t.Fatalf("is_identical(x-y, y-x) = true, want false")
	}
}

func TestExprResizeRoundTrip(t *testing.T) {
	t.Run("Constant", func(t *testing.T) {
		c := vtil.NewConstant(0xdead, 32)
		grown := vtil.Resize(c, 64, false)
		back := vtil.Resize(grown, c.Width(), false)
		if !vtil.IsIdentical(back, c) {
			t.Fatalf("resize(resize(%s,64,false),%d,false) = %s, want %s", c, c.Width(), back, c)
		}
	})

	t.Run("Variable", func(t *testing.T) {
		x := vtil.NewVariable(vtil.NewUniqueIdentifier("x", 1), 16)
		grown := vtil.Resize(x, 64, false)
		back := vtil.Resize(grown, x.Width(), false)
		if !vtil.IsIdentical(back, x) {
			t.Fatalf("resize(resize(%s,64,false),%d,false) = %s, want %s", x, x.Width(), back, x)
		}
	})
}

func TestNewConstantFoldsArithmetic(t *testing.T) {
	a := vtil.NewConstant(3, 64)
	b := vtil.NewConstant(5, 64)
	sum := vtil.BinaryExpr(vtil.OpAdd, a, b)
	if !sum.IsConstant() {
		t.Fatalf("3 + 5 did not fold to a constant: %s", sum)
	}
	if got := sum.Value.Get(); got != 8 {
		t.Fatalf("3 + 5 = %d, want 8", got)
	}
}

func TestFindVariables(t *testing.T) {
	x := vtil.NewVariable(vtil.NewUniqueIdentifier("x", 1), 32)
	y := vtil.NewVariable(vtil.NewUniqueIdentifier("y", 2), 32)
	// x*y + y: no rule collapses this, so both leaves survive simplification
	// and y still shows up twice.
	e := vtil.BinaryExpr(vtil.OpAdd, vtil.BinaryExpr(vtil.OpMultiply, x, y), y)

	if got := e.CountUniqueVariables(); got != 2 {
		t.Fatalf("CountUniqueVariables() = %d, want 2", got)
	}
	vars := vtil.FindVariables(e)
	if len(vars) != 2 {
		t.Fatalf("FindVariables returned %d leaves, want 2", len(vars))
	}
}
