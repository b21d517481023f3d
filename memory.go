package vtil

import (
	"fmt"
	"sync"
)

// restrictedBaseRegistry is the package-level, mutex-guarded set of
// identifiers a symbolic pointer's base is checked against to decide
// whether it anchors to a known root (the stack pointer, the image base),
// grounded on VTIL-Architecture/symex/pointer.hpp's
// pointer::restricted_bases. Architecture setup (instruction.go) seeds
// the default members; callers may add more.
var restrictedBaseRegistry = struct {
	mu  sync.Mutex
	set map[uint64]bool
}{set: map[uint64]bool{}}

// RegisterRestrictedBase marks uid as a restricted base: a symbolic root
// that pointer overlap analysis can reason about precisely via constant
// offsets from it, instead of falling back to a conservative "may alias"
// answer.
func RegisterRestrictedBase(uid UniqueIdentifier) {
	restrictedBaseRegistry.mu.Lock()
	defer restrictedBaseRegistry.mu.Unlock()
	restrictedBaseRegistry.set[uid.Hash()] = true
}

// IsRestrictedBase reports whether uid was registered via
// RegisterRestrictedBase.
func IsRestrictedBase(uid UniqueIdentifier) bool {
	restrictedBaseRegistry.mu.Lock()
	defer restrictedBaseRegistry.mu.Unlock()
	return restrictedBaseRegistry.set[uid.Hash()]
}

// Pointer is a symbolic memory address, grounded on pointer.hpp. Strength
// classifies how precisely overlap analysis can reason about it: +1 means
// base resolves to a restricted-base root plus a known constant offset
// (overlap against another such pointer reduces to integer range
// comparison), -1 means base carries no resolvable root at all (overlap
// can never be ruled out), 0 is the default for anything in between.
type Pointer struct {
	Base     *Expr
	Strength int

	root   *Expr
	offset int64
	xval   [4]uint64
}

// classifyBase tries to decompose base into (restricted-base root,
// constant offset from it), the form pointer.hpp calls "weak" pointer
// rebasing.
func classifyBase(base *Expr) (root *Expr, offset int64, ok bool) {
	if base.IsVariable() && IsRestrictedBase(*base.UID) {
		return base, 0, true
	}
	if base.IsBinary() && (base.Op == OpAdd || base.Op == OpSubtract) {
		if base.LHS.IsVariable() && IsRestrictedBase(*base.LHS.UID) && base.RHS.IsConstant() {
			off := base.RHS.Value.Signed()
			if base.Op == OpSubtract {
				off = -off
			}
			return base.LHS, off, true
		}
		if base.Op == OpAdd && base.RHS.IsVariable() && IsRestrictedBase(*base.RHS.UID) && base.LHS.IsConstant() {
			return base.RHS, base.LHS.Value.Signed(), true
		}
	}
	return nil, 0, false
}

// pointerDistance returns the byte offset from b to a, valid to call only
// once classifyOverlap has already returned overlapYes for the pair (the
// two branches that produce overlapYes are exactly the two cases where
// this is resolvable: same restricted-base root with known offsets, or
// a syntactically identical base, which is offset 0 from itself).
func pointerDistance(a, b Pointer) int64 {
	if a.Strength == 1 && b.Strength == 1 {
		return a.offset - b.offset
	}
	return 0
}

// offsetPointer returns a pointer byteOffset bytes ahead of p, used to
// re-anchor a memory log entry that survives a partial overwrite at a new
// address.
func offsetPointer(p Pointer, byteOffset int) Pointer {
	if byteOffset == 0 {
		return p
	}
	return MakePointer(BinaryExpr(OpAdd, p.Base, NewConstant(uint64(byteOffset), p.Base.Width())))
}

// bitMaskAt returns the mask, in some reader's own coordinate system, of
// an nbits-wide region that starts shift bits into that system (shift may
// be negative, meaning the region started before bit 0 and only its tail
// is visible), matching bitwise.hpp's two-argument fill().
func bitMaskAt(nbits, shift int) uint64 {
	if shift >= 0 {
		return fill(nbits) << uint(minInt(shift, 64))
	}
	return fill(nbits) >> uint(minInt(-shift, 64))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

var xvalSalts = [4]uint64{0x9e3779b97f4a7c15, 0xbf58476d1ce4e5b9, 0x94d049bb133111eb, 0xff51afd7ed558ccd}

// MakePointer classifies base and returns the resulting Pointer. The
// xvalue fingerprint is derived purely from base's structural hash and a
// set of fixed salts (not from any process-lifetime counter or clock), so
// two runs over the same IR produce identical fingerprints, matching
// spec.md §9's reproducibility requirement.
func MakePointer(base *Expr) Pointer {
	p := Pointer{Base: base}
	if root, off, ok := classifyBase(base); ok {
		p.Strength = 1
		p.root, p.offset = root, off
	} else if !base.Value.IsKnown() {
		p.Strength = -1
	}
	for i, salt := range xvalSalts {
		p.xval[i] = mixHash(base.hash, salt)
	}
	return p
}

func rangesOverlap(aLo, aSize, bLo, bSize int64) bool {
	return aLo < bLo+bSize && bLo < aLo+aSize
}

type overlapVerdict int

const (
	overlapNo overlapVerdict = iota
	overlapYes
	overlapUnknown
)

// classifyOverlap decides whether a byte range [0,aSize) at a and
// [0,bSize) at b can be proven disjoint, proven to overlap, or neither,
// per pointer.hpp's can_overlap/can_overlap_s pair.
func classifyOverlap(a Pointer, aSize int, b Pointer, bSize int) overlapVerdict {
	if a.Strength == 1 && b.Strength == 1 {
		if !IsIdentical(a.root, b.root) {
			return overlapNo
		}
		if rangesOverlap(a.offset, int64(aSize), b.offset, int64(bSize)) {
			return overlapYes
		}
		return overlapNo
	}
	if IsIdentical(a.Base, b.Base) {
		if rangesOverlap(0, int64(aSize), 0, int64(bSize)) {
			return overlapYes
		}
		return overlapNo
	}
	return overlapUnknown
}

// CanOverlap is the flag-blind overlap predicate: true unless the two
// pointers are provably disjoint.
func (a Pointer) CanOverlap(aSize int, b Pointer, bSize int) bool {
	return classifyOverlap(a, aSize, b, bSize) != overlapNo
}

// CanOverlapStrict gives the same verdict as CanOverlap: Pointer carries
// no register-class flags to refine it, and ambiguous pairs (neither
// provably disjoint nor provably overlapping) are treated as overlapping.
func (a Pointer) CanOverlapStrict(aSize int, b Pointer, bSize int) bool {
	return classifyOverlap(a, aSize, b, bSize) != overlapNo
}

// memEntry is one link of the write-log, newest write first, the same
// immutable-linked-list shape as the teacher's ArrayUpdate chain in the
// now-removed array.go.
type memEntry struct {
	Ptr   Pointer
	Size  int
	Value *Expr
	Next  *memEntry
}

// Memory is the write-log-backed symbolic memory sinkhole of spec.md
// §4.6, grounded on VTIL-Architecture/symex/memory.hpp and structurally
// on the teacher's Array/ArrayUpdate linked list in array.go: Write
// never mutates, it conses a new head onto a shared tail, so two Memory
// values may share history cheaply.
type Memory struct {
	RelaxedAliasing bool
	head            *memEntry
	defaultValue    func(Pointer, int) *Expr
}

// defaultMemoryVariable synthesizes the fresh, deterministically-named
// variable a memory read returns when nothing in the log or in an
// explicit default-value factory backs the requested bytes.
func defaultMemoryVariable(p Pointer, size int) *Expr {
	return NewVariable(NewUniqueIdentifier(fmt.Sprintf("mem[%s]", p.Base.String()), mixHash(p.Base.hash, uint64(size))), size*8)
}

// NewMemory returns an empty memory. defaultValue synthesizes the
// expression a read returns when no write in the log backs any of the
// requested bytes; a nil defaultValue falls back to
// defaultMemoryVariable.
func NewMemory(relaxedAliasing bool, defaultValue func(Pointer, int) *Expr) *Memory {
	if defaultValue == nil {
		defaultValue = defaultMemoryVariable
	}
	return &Memory{RelaxedAliasing: relaxedAliasing, defaultValue: defaultValue}
}

// memSurvivor is a planned post-trim log entry: either an untouched older
// write carried forward verbatim, or the surviving remnant of one that the
// new write partially overlaps.
type memSurvivor struct {
	ptr   Pointer
	size  int
	value *Expr
}

// Write returns a new Memory with value recorded at ptr for size bytes.
// Under strict aliasing (RelaxedAliasing == false) a write through a
// pointer whose strength is 0 (a known constant address with no
// restricted-base root) is rejected with ErrAliasFailure, since a later
// Read could never safely rule it in or out.
//
// Older log entries that the new write fully or partially covers are
// trimmed, shrunk, or split so a later Read never has to reconcile two
// entries describing the same bit twice, grounded on memory.cpp's
// write(): an entry whose low bits are overwritten is shifted down and
// shrunk, one whose high bits are overwritten is just shrunk, and one the
// write lands in the middle of is split into a surviving low and high
// remnant. If any older entry's overlap with the new write can't be
// resolved, relaxed aliasing gives up on trimming entirely (the new entry
// is simply consed on top of the unmodified history, to be re-examined
// fragment by fragment on the next Read) while strict aliasing fails with
// ErrAliasFailure.
func (m *Memory) Write(ptr Pointer, size int, value *Expr) (*Memory, error) {
	if ptr.Strength == 0 && !m.RelaxedAliasing {
		return nil, ErrAliasFailure
	}

	wantBits := size * 8
	maskPending := fill(wantBits)
	var kept []memSurvivor
	var rest *memEntry

	e := m.head
	for ; e != nil && maskPending != 0; e = e.Next {
		verdict := classifyOverlap(ptr, size, e.Ptr, e.Size)
		if verdict == overlapNo {
			kept = append(kept, memSurvivor{e.Ptr, e.Size, e.Value})
			continue
		}
		if verdict == overlapUnknown {
			if !m.RelaxedAliasing {
				return nil, ErrAliasFailure
			}
			return &Memory{
				RelaxedAliasing: m.RelaxedAliasing,
				defaultValue:    m.defaultValue,
				head:            &memEntry{Ptr: ptr, Size: size, Value: value, Next: m.head},
			}, nil
		}

		dist := int(pointerDistance(e.Ptr, ptr)) * 8
		entryBits := e.Size * 8
		relativeMask := bitMaskAt(entryBits, dist)
		if relativeMask&maskPending == 0 {
			kept = append(kept, memSurvivor{e.Ptr, e.Size, e.Value})
			continue
		}
		maskPending &^= relativeMask

		switch {
		case dist >= 0:
			// The entry starts at or after our low bit: its own low bits
			// fall inside our write and are overwritten.
			stripLow := wantBits - dist
			newBits := entryBits - stripLow
			if newBits > 0 {
				shifted := BinaryExpr(OpShiftRight, e.Value, NewConstant(uint64(stripLow), entryBits))
				kept = append(kept, memSurvivor{offsetPointer(e.Ptr, stripLow/8), newBits / 8, Resize(shifted, newBits, false)})
			}
		case wantBits-dist >= entryBits:
			// The entry starts before us and ends at or before our high
			// bit: only its low, untouched prefix survives.
			newBits := -dist
			kept = append(kept, memSurvivor{e.Ptr, newBits / 8, Resize(e.Value, newBits, false)})
		default:
			// Our write lands entirely inside the entry: split it into a
			// surviving low prefix and a surviving high suffix.
			lowBits := -dist
			highOffset := lowBits + wantBits
			highBits := entryBits - highOffset
			shiftedHigh := BinaryExpr(OpShiftRight, e.Value, NewConstant(uint64(highOffset), entryBits))
			kept = append(kept, memSurvivor{offsetPointer(e.Ptr, highOffset/8), highBits / 8, Resize(shiftedHigh, highBits, false)})
			kept = append(kept, memSurvivor{e.Ptr, lowBits / 8, Resize(e.Value, lowBits, false)})
		}
	}
	rest = e

	tail := rest
	for i := len(kept) - 1; i >= 0; i-- {
		tail = &memEntry{Ptr: kept[i].ptr, Size: kept[i].size, Value: kept[i].value, Next: tail}
	}
	return &Memory{
		RelaxedAliasing: m.RelaxedAliasing,
		defaultValue:    m.defaultValue,
		head:            &memEntry{Ptr: ptr, Size: size, Value: value, Next: tail},
	}, nil
}

// memFragment is one older write contributing some of its bits to a Read,
// tagged by its bit distance from the read's own pointer (positive: the
// fragment starts after the read's low bit and must shift left to align;
// negative: it starts before and must shift right).
type memFragment struct {
	bitDistance int
	value       *Expr
}

// selectFragment aligns value (an older entry's stored expression) into
// the size*8-bit coordinate system of the read it's contributing to,
// mirroring memory.cpp's read() merge lambda: a fragment that starts
// before the read is shifted right then resized, one that starts at or
// after it is resized then shifted left, matching the order each case
// needs to avoid losing bits.
func selectFragment(value *Expr, bitDistance, wantBits int) *Expr {
	switch {
	case bitDistance < 0:
		shifted := BinaryExpr(OpShiftRight, value, NewConstant(uint64(-bitDistance), value.Width()))
		return Resize(shifted, wantBits, false)
	case bitDistance > 0:
		resized := Resize(value, wantBits, false)
		return BinaryExpr(OpShiftLeft, resized, NewConstant(uint64(bitDistance), wantBits))
	default:
		return Resize(value, wantBits, false)
	}
}

// Read resolves the value stored at ptr for size bytes by walking the
// write log newest-first and reconstructing the result bit fragment by
// bit fragment, grounded on memory.cpp's read(): each overlapping entry
// contributes whichever of its bits fall within [0, size*8) and haven't
// already been covered by a newer entry, shifted into alignment and
// OR-ed together; any bits no entry covers are filled in by the
// configured default-value factory. The uint64 result is the contains
// mask: which of the low 64 requested bits came from the log rather than
// from the default factory (0 when every bit was synthesized).
//
// An entry whose overlap with ptr/size can't be resolved is an aliasing
// ambiguity: under strict aliasing this fails with ErrAliasFailure; under
// relaxed aliasing the whole read gives up on fragment reconstruction and
// falls back to the default factory, since the ambiguous entry might
// cover any of the bits already collected.
func (m *Memory) Read(ptr Pointer, size int) (*Expr, uint64, error) {
	wantBits := size * 8
	maskPending := fill(wantBits)
	var merge []memFragment

	for e := m.head; e != nil && maskPending != 0; e = e.Next {
		verdict := classifyOverlap(ptr, size, e.Ptr, e.Size)
		if verdict == overlapNo {
			continue
		}
		if verdict == overlapUnknown {
			if !m.RelaxedAliasing {
				return nil, 0, ErrAliasFailure
			}
			return m.defaultValue(ptr, size), 0, nil
		}

		dist := int(pointerDistance(e.Ptr, ptr)) * 8
		entryBits := e.Size * 8
		relativeMask := bitMaskAt(entryBits, dist)
		if relativeMask&maskPending == 0 {
			continue
		}
		merge = append(merge, memFragment{dist, e.Value})
		maskPending &^= relativeMask
	}

	contains := fill(wantBits) &^ maskPending
	if contains == 0 {
		return m.defaultValue(ptr, size), 0, nil
	}
	if maskPending == 0 && len(merge) == 1 {
		return selectFragment(merge[0].value, merge[0].bitDistance, wantBits), contains, nil
	}

	var result *Expr
	if maskPending != 0 {
		// The factory synthesizes a value for the full requested width, but
		// only maskPending's bit positions are actually uncovered; confine
		// it to those positions before OR-composing with the covered
		// fragments below, or an unconstrained default bit would corrupt a
		// known (possibly zero) covered bit at the same position.
		result = BinaryExpr(OpBitwiseAnd, m.defaultValue(ptr, size), NewConstant(maskPending, wantBits))
	} else {
		result = NewConstant(0, wantBits)
	}
	for _, f := range merge {
		result = BinaryExpr(OpBitwiseOr, result, selectFragment(f.value, f.bitDistance, wantBits))
	}
	return result, contains, nil
}
