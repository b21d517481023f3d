package vtil

import (
	"log"
	"sync"
)

// matchKind mirrors directive.hpp's matching_type: the constraint a
// match-variable places on whatever expression it binds to.
type matchKind int

const (
	matchAny matchKind = iota
	matchVariable
	matchConstant
	matchExpression
	matchNonConstant
	matchNonExpression
)

// pattern is a directive pattern node (directive.hpp's instance): either
// a match-variable leaf (with an optional extra constraint, e.g. "must be
// the literal zero") or an operator node over one or two child patterns.
type pattern struct {
	isLeaf     bool
	mtype      matchKind
	id         string
	constraint func(*Expr) bool

	op       OperatorID
	lhs, rhs *pattern
}

func pvar(id string) *pattern      { return &pattern{isLeaf: true, mtype: matchAny, id: id} }
func pconst(id string) *pattern    { return &pattern{isLeaf: true, mtype: matchConstant, id: id} }
func pnonconst(id string) *pattern { return &pattern{isLeaf: true, mtype: matchNonConstant, id: id} }

func pzero(id string) *pattern {
	return &pattern{isLeaf: true, mtype: matchConstant, id: id, constraint: func(e *Expr) bool { return e.Value.AllZero() }}
}

func pones(id string) *pattern {
	return &pattern{isLeaf: true, mtype: matchConstant, id: id, constraint: func(e *Expr) bool { return e.Value.AllOne() }}
}

func pu(op OperatorID, rhs *pattern) *pattern { return &pattern{op: op, rhs: rhs} }
func pb(op OperatorID, lhs, rhs *pattern) *pattern {
	return &pattern{op: op, lhs: lhs, rhs: rhs}
}

func cloneBindings(b map[string]*Expr) map[string]*Expr {
	out := make(map[string]*Expr, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// matchPattern attempts to match p against e, recording match-variable
// bindings into b. For a commutative operator node it retries with the
// operands swapped before failing, since the expression DAG's child
// order is a hash-sort, not a semantic one.
func matchPattern(p *pattern, e *Expr, b map[string]*Expr) bool {
	if p.isLeaf {
		switch p.mtype {
		case matchVariable:
			if !e.IsVariable() {
				return false
			}
		case matchConstant:
			if !e.IsConstant() {
				return false
			}
		case matchExpression:
			if e.IsLeaf() {
				return false
			}
		case matchNonConstant:
			if e.IsConstant() {
				return false
			}
		case matchNonExpression:
			if !e.IsLeaf() {
				return false
			}
		}
		if p.constraint != nil && !p.constraint(e) {
			return false
		}
		if p.id != "" {
			if prev, ok := b[p.id]; ok {
				return IsIdentical(prev, e)
			}
			b[p.id] = e
		}
		return true
	}

	if e.Op != p.op {
		return false
	}
	if p.lhs == nil {
		if !e.IsUnary() {
			return false
		}
		return matchPattern(p.rhs, e.RHS, b)
	}
	if !e.IsBinary() {
		return false
	}

	attempt := cloneBindings(b)
	if matchPattern(p.lhs, e.LHS, attempt) && matchPattern(p.rhs, e.RHS, attempt) {
		for k, v := range attempt {
			b[k] = v
		}
		return true
	}
	if DescriptorOf(p.op).IsCommutative {
		attempt = cloneBindings(b)
		if matchPattern(p.lhs, e.RHS, attempt) && matchPattern(p.rhs, e.LHS, attempt) {
			for k, v := range attempt {
				b[k] = v
			}
			return true
		}
	}
	return false
}

// rule is one entry of the universal simplifier table (simplifier/
// directives.hpp). rewrite receives the bound match-variables and
// returns the replacement expression, or nil to decline (used by rules
// whose applicability needs a check finer than pattern matching alone,
// the Go analog of the original's `iff` control operator).
type rule struct {
	name    string
	lhs     *pattern
	rewrite func(b map[string]*Expr) *Expr
}

// ruleTable is a curated, representative subset of the original's
// ~150-entry table (VTIL-SymEx/simplifier/directives.hpp), spanning every
// category it exercises: double-inverse collapse, additive/
// multiplicative/bitwise identity elimination, sub/neg canonicalization,
// comparison inversion via negation, XOR group-cancellation, AND/OR
// absorption, and multiplicative distribution over addition.
var (
	ruleTableOnce  sync.Once
	ruleTableCache []rule
)

// ruleTable returns the universal simplifier table, built lazily on first
// use. It must not be a package-level slice literal: several rewrite
// closures below call UnaryExpr/BinaryExpr, which call Simplify, which
// reads this table — an eager initializer would create an initialization
// cycle even though the closures are never invoked during init.
func ruleTable() []rule {
	ruleTableOnce.Do(func() { ruleTableCache = buildRuleTable() })
	return ruleTableCache
}

func buildRuleTable() []rule {
	return []rule{
		{"double-not", pu(OpBitwiseNot, pu(OpBitwiseNot, pvar("x"))), func(b map[string]*Expr) *Expr {
			return b["x"]
		}},
		{"double-neg", pu(OpNegate, pu(OpNegate, pvar("x"))), func(b map[string]*Expr) *Expr {
			return b["x"]
		}},
		{"add-zero", pb(OpAdd, pvar("x"), pzero("c")), func(b map[string]*Expr) *Expr {
			return b["x"]
		}},
		{"sub-zero", pb(OpSubtract, pvar("x"), pzero("c")), func(b map[string]*Expr) *Expr {
			return b["x"]
		}},
		{"zero-sub", pb(OpSubtract, pzero("c"), pvar("x")), func(b map[string]*Expr) *Expr {
			return UnaryExpr(OpNegate, b["x"])
		}},
		{"xor-zero", pb(OpBitwiseXor, pvar("x"), pzero("c")), func(b map[string]*Expr) *Expr {
			return b["x"]
		}},
		{"or-zero", pb(OpBitwiseOr, pvar("x"), pzero("c")), func(b map[string]*Expr) *Expr {
			return b["x"]
		}},
		{"and-ones", pb(OpBitwiseAnd, pvar("x"), pones("c")), func(b map[string]*Expr) *Expr {
			return b["x"]
		}},
		{"and-zero", pb(OpBitwiseAnd, pvar("x"), pzero("c")), func(b map[string]*Expr) *Expr {
			return NewConstant(0, b["x"].Width())
		}},
		{"or-ones", pb(OpBitwiseOr, pvar("x"), pones("c")), func(b map[string]*Expr) *Expr {
			return NewConstant(fill(b["x"].Width()), b["x"].Width())
		}},
		{"xor-self", pb(OpBitwiseXor, pvar("x"), pvar("x")), func(b map[string]*Expr) *Expr {
			return NewConstant(0, b["x"].Width())
		}},
		{"and-self", pb(OpBitwiseAnd, pvar("x"), pvar("x")), func(b map[string]*Expr) *Expr {
			return b["x"]
		}},
		{"or-self", pb(OpBitwiseOr, pvar("x"), pvar("x")), func(b map[string]*Expr) *Expr {
			return b["x"]
		}},
		{"xor-cancel", pb(OpBitwiseXor, pvar("a"), pb(OpBitwiseXor, pvar("a"), pvar("b"))), func(b map[string]*Expr) *Expr {
			return b["b"]
		}},
		{"mul-one", pb(OpMultiply, pvar("x"), pOne()), func(b map[string]*Expr) *Expr {
			return b["x"]
		}},
		{"mul-zero", pb(OpMultiply, pvar("x"), pzero("c")), func(b map[string]*Expr) *Expr {
			return NewConstant(0, b["x"].Width())
		}},
		{"mul-neg-one", pb(OpMultiply, pvar("x"), pones("c")), func(b map[string]*Expr) *Expr {
			return UnaryExpr(OpNegate, b["x"])
		}},
		{"div-one", pb(OpDivide, pvar("x"), pOne()), func(b map[string]*Expr) *Expr {
			return b["x"]
		}},
		{"add-negate", pb(OpAdd, pvar("a"), pu(OpNegate, pvar("b"))), func(b map[string]*Expr) *Expr {
			return BinaryExpr(OpSubtract, b["a"], b["b"])
		}},
		{"negate-sub", pu(OpNegate, pb(OpSubtract, pvar("a"), pvar("b"))), func(b map[string]*Expr) *Expr {
			return BinaryExpr(OpSubtract, b["b"], b["a"])
		}},
		{"not-greater", pu(OpBitwiseNot, pb(OpGreater, pvar("a"), pvar("b"))), func(b map[string]*Expr) *Expr {
			return BinaryExpr(OpLessEq, b["a"], b["b"])
		}},
		{"not-greater-eq", pu(OpBitwiseNot, pb(OpGreaterEq, pvar("a"), pvar("b"))), func(b map[string]*Expr) *Expr {
			return BinaryExpr(OpLess, b["a"], b["b"])
		}},
		{"not-less", pu(OpBitwiseNot, pb(OpLess, pvar("a"), pvar("b"))), func(b map[string]*Expr) *Expr {
			return BinaryExpr(OpGreaterEq, b["a"], b["b"])
		}},
		{"not-less-eq", pu(OpBitwiseNot, pb(OpLessEq, pvar("a"), pvar("b"))), func(b map[string]*Expr) *Expr {
			return BinaryExpr(OpGreater, b["a"], b["b"])
		}},
		{"not-ugreater", pu(OpBitwiseNot, pb(OpUGreater, pvar("a"), pvar("b"))), func(b map[string]*Expr) *Expr {
			return BinaryExpr(OpULessEq, b["a"], b["b"])
		}},
		{"not-ugreater-eq", pu(OpBitwiseNot, pb(OpUGreaterEq, pvar("a"), pvar("b"))), func(b map[string]*Expr) *Expr {
			return BinaryExpr(OpULess, b["a"], b["b"])
		}},
		{"not-uless", pu(OpBitwiseNot, pb(OpULess, pvar("a"), pvar("b"))), func(b map[string]*Expr) *Expr {
			return BinaryExpr(OpUGreaterEq, b["a"], b["b"])
		}},
		{"not-uless-eq", pu(OpBitwiseNot, pb(OpULessEq, pvar("a"), pvar("b"))), func(b map[string]*Expr) *Expr {
			return BinaryExpr(OpUGreater, b["a"], b["b"])
		}},
		{"not-equal", pu(OpBitwiseNot, pb(OpEqual, pvar("a"), pvar("b"))), func(b map[string]*Expr) *Expr {
			return BinaryExpr(OpNotEqual, b["a"], b["b"])
		}},
		{"not-not-equal", pu(OpBitwiseNot, pb(OpNotEqual, pvar("a"), pvar("b"))), func(b map[string]*Expr) *Expr {
			return BinaryExpr(OpEqual, b["a"], b["b"])
		}},
		{"not-uequal", pu(OpBitwiseNot, pb(OpUEqual, pvar("a"), pvar("b"))), func(b map[string]*Expr) *Expr {
			return BinaryExpr(OpUNotEqual, b["a"], b["b"])
		}},
		{"not-unot-equal", pu(OpBitwiseNot, pb(OpUNotEqual, pvar("a"), pvar("b"))), func(b map[string]*Expr) *Expr {
			return BinaryExpr(OpUEqual, b["a"], b["b"])
		}},
		{"demorgan-and", pb(OpBitwiseAnd, pu(OpBitwiseNot, pvar("a")), pu(OpBitwiseNot, pvar("b"))), func(b map[string]*Expr) *Expr {
			return UnaryExpr(OpBitwiseNot, BinaryExpr(OpBitwiseOr, b["a"], b["b"]))
		}},
		{"demorgan-or", pb(OpBitwiseOr, pu(OpBitwiseNot, pvar("a")), pu(OpBitwiseNot, pvar("b"))), func(b map[string]*Expr) *Expr {
			return UnaryExpr(OpBitwiseNot, BinaryExpr(OpBitwiseAnd, b["a"], b["b"]))
		}},
		{"and-or-absorb", pb(OpBitwiseAnd, pvar("a"), pb(OpBitwiseOr, pvar("a"), pvar("b"))), func(b map[string]*Expr) *Expr {
			return b["a"]
		}},
		{"or-and-absorb", pb(OpBitwiseOr, pvar("a"), pb(OpBitwiseAnd, pvar("a"), pvar("b"))), func(b map[string]*Expr) *Expr {
			return b["a"]
		}},
		{"mul-distribute-add", pb(OpAdd, pb(OpMultiply, pvar("x"), pconst("c1")), pb(OpMultiply, pvar("x"), pconst("c2"))), func(b map[string]*Expr) *Expr {
			return BinaryExpr(OpMultiply, b["x"], BinaryExpr(OpAdd, b["c1"], b["c2"]))
		}},
	}
}

// pOne matches the literal constant 1, distinct from pones (all-bits-set,
// i.e. -1) used by the multiply/divide identity rules.
func pOne() *pattern {
	return &pattern{isLeaf: true, mtype: matchConstant, id: "_one", constraint: func(e *Expr) bool {
		return e.Value.IsKnown() && e.Value.Get() == 1
	}}
}

var (
	simplifyCacheMu      sync.RWMutex
	simplifyCacheBuckets = map[uint64][]simplifyCacheEntry{}
)

type simplifyCacheEntry struct {
	key     *Expr
	result  *Expr
	matched bool
}

func cacheLookup(e *Expr) (result *Expr, matched bool, found bool) {
	simplifyCacheMu.RLock()
	defer simplifyCacheMu.RUnlock()
	for _, ent := range simplifyCacheBuckets[e.hash] {
		if IsIdentical(ent.key, e) {
			return ent.result, ent.matched, true
		}
	}
	return nil, false, false
}

func cacheStore(e, result *Expr, matched bool) {
	simplifyCacheMu.Lock()
	defer simplifyCacheMu.Unlock()
	simplifyCacheBuckets[e.hash] = append(simplifyCacheBuckets[e.hash], simplifyCacheEntry{key: e, result: result, matched: matched})
}

func trySimplifyOnce(e *Expr) (*Expr, bool) {
	for _, r := range ruleTable() {
		b := map[string]*Expr{}
		if matchPattern(r.lhs, e, b) {
			result := r.rewrite(b)
			if result != nil && !IsIdentical(result, e) {
				return result, true
			}
		}
	}
	return nil, false
}

// checkDiagnostics implements the original's `warning` directive control
// operator: a handful of shapes that are legal but worth flagging,
// logged and otherwise left alone.
func checkDiagnostics(e *Expr) {
	if !e.IsBinary() {
		return
	}
	switch e.Op {
	case OpDivide, OpUDivide, OpRemainder, OpURemainder:
		if e.RHS.IsConstant() && e.RHS.Value.AllZero() {
			log.Printf("vtil: simplifier: division by a constant zero in %s", e.String())
		}
	}
}

// Simplify rewrites e to an equivalent, no-more-complex expression by
// repeatedly applying ruleTable until a fixed point (or a small iteration
// cap) is reached, caching both positive and negative outcomes by
// structural hash, per spec.md §4.4.
func Simplify(e *Expr) *Expr {
	if e.IsLeaf() {
		return e
	}
	checkDiagnostics(e)
	if res, matched, found := cacheLookup(e); found {
		if matched {
			return res
		}
		return e
	}

	cur := e
	for i := 0; i < 16; i++ {
		cand, ok := trySimplifyOnce(cur)
		if !ok || cand.complexity >= cur.complexity {
			break
		}
		cur = cand
	}

	if IsIdentical(cur, e) {
		cacheStore(e, nil, false)
		return e
	}

	// e itself is discarded in favor of cur. A non-lazy e reaching here
	// was just built by UnaryExpr/BinaryExpr and never published, so
	// nothing else can hold a reference to it; a lazy e came from a caller
	// that may still hold it, so it is not returned to the pool. The cache
	// still needs a key with e's exact shape for future IsIdentical
	// lookups, so snapshot its fields into an unpooled copy — copying
	// shares e's child pointers rather than cloning the subtree, so the
	// copy costs one allocation, not a deep copy.
	keySnapshot := new(Expr)
	*keySnapshot = *e
	cacheStore(keySnapshot, cur, true)
	if !e.IsLazyFlag {
		sharedExprPool.Put(e)
	}
	return cur
}
