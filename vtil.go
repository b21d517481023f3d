// Package vtil implements the core of a virtual-machine translation and
// instrumentation library: an intermediate representation for lifted
// native code, a hash-consed symbolic expression engine with bit-level
// partial evaluation, and a tracer/symbolic VM that resolves the value of
// a register or memory cell at an arbitrary program point.
package vtil

import (
	"errors"
	"fmt"
)

// Bit widths used throughout the IR and expression engine. Expressions are
// never wider than Width64; Width1 stands in for flag/boolean storage.
const (
	Width1  = 1
	Width8  = 8
	Width16 = 16
	Width32 = 32
	Width64 = 64
)

// Sentinel errors for the non-fatal outcomes described by the error
// handling design: partial failures that a caller is expected to check
// and fall back from.
var (
	ErrUnresolved   = errors.New("vtil: tracer could not resolve variable")
	ErrAliasFailure = errors.New("vtil: memory read/write failed to resolve aliasing under strict policy")
)

// assert panics if condition is false, reporting an invariant violation.
// Invariant violations (descriptor mismatches, resize size mismatches,
// strict-policy alias failures) are fatal: the caller's pass unwinds.
func assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assert: "+format, args...))
	}
}
