// Package symexpr provides a deterministic symbolic expression kernel for Go.
//
// Design goals:
//   - Single file, zero external dependencies
//   - A closed set of expression variants with exhaustive dispatch
//   - Deterministic simplification and stable, human-readable output
//   - Embeddable in Go services, CLI tools, and agent backends
package symexpr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ============================================================
// Symbol — named variable identity
// ============================================================

// Symbol is a named variable. Symbols are plain values: two symbols are
// equal iff their names are equal, and they order lexicographically by
// name. A Symbol is usable directly as a map key for evaluation bindings.
type Symbol struct {
	Name string
}

func NewSymbol(name string) Symbol { return Symbol{Name: name} }

func (s Symbol) String() string      { return s.Name }
func (s Symbol) Less(o Symbol) bool  { return s.Name < o.Name }
func (s Symbol) Equal(o Symbol) bool { return s.Name == o.Name }

// ============================================================
// Expr — the closed expression tree
// ============================================================

// Expr is the expression tree. The variant set is closed: Num, Var, Add,
// Sub, Mul, Div, Pow. Every consumer in this package dispatches with a
// type switch whose default branch panics, so an added variant fails
// loudly at each call site rather than being silently ignored.
//
// Expr values are immutable once constructed. Simplify, Expand, Eval and
// rendering never modify their input; each builds a fresh result.
type Expr interface {
	// String renders the expression in canonical display form.
	String() string
	isExpr()
}

// Num is a floating-point constant.
type Num struct {
	Val float64
}

// Var is a reference to a Symbol.
type Var struct {
	Sym Symbol
}

// Add is an n-ary sum. The operand sequence is logically an unordered
// multiset: structural equality ignores order and rendering imposes the
// canonical order.
type Add struct {
	Terms []Expr
}

// Sub is a binary difference. It is kept distinct from Add of a negated
// term so an unsimplified expression still displays as "a - b".
type Sub struct {
	Lhs, Rhs Expr
}

// Mul is an n-ary product, commutative like Add.
type Mul struct {
	Factors []Expr
}

// Div is a binary quotient.
type Div struct {
	Lhs, Rhs Expr
}

// Pow is base^exponent.
type Pow struct {
	Base, Exp Expr
}

func (*Num) isExpr() {}
func (*Var) isExpr() {}
func (*Add) isExpr() {}
func (*Sub) isExpr() {}
func (*Mul) isExpr() {}
func (*Div) isExpr() {}
func (*Pow) isExpr() {}

func unknownVariant(e Expr) string {
	return fmt.Sprintf("symexpr: unknown expression variant %T", e)
}

// ============================================================
// Constructors
// ============================================================

// N constructs a constant.
func N(v float64) *Num { return &Num{Val: v} }

// S constructs a variable leaf from a name.
func S(name string) *Var { return &Var{Sym: Symbol{Name: name}} }

// VarOf constructs a variable leaf from an existing Symbol.
func VarOf(sym Symbol) *Var { return &Var{Sym: sym} }

// AddOf builds an n-ary sum. Directly nested Add operands are spliced in
// one level deep; this keeps hand-built trees shallow but is only a
// convenience — Simplify flattens regardless. AddOf never simplifies.
func AddOf(terms ...Expr) Expr {
	flat := make([]Expr, 0, len(terms))
	for _, t := range terms {
		if inner, ok := t.(*Add); ok {
			flat = append(flat, inner.Terms...)
		} else {
			flat = append(flat, t)
		}
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return &Add{Terms: flat}
}

// SubOf builds a binary difference.
func SubOf(lhs, rhs Expr) *Sub { return &Sub{Lhs: lhs, Rhs: rhs} }

// MulOf builds an n-ary product, splicing directly nested Mul operands
// like AddOf does for Add.
func MulOf(factors ...Expr) Expr {
	flat := make([]Expr, 0, len(factors))
	for _, f := range factors {
		if inner, ok := f.(*Mul); ok {
			flat = append(flat, inner.Factors...)
		} else {
			flat = append(flat, f)
		}
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return &Mul{Factors: flat}
}

// DivOf builds a binary quotient.
func DivOf(lhs, rhs Expr) *Div { return &Div{Lhs: lhs, Rhs: rhs} }

// PowOf builds base^exp.
func PowOf(base, exp Expr) *Pow { return &Pow{Base: base, Exp: exp} }

// ============================================================
// Structural equality, cloning, inspection
// ============================================================

// Equal reports structural equality. Add and Mul operands compare as
// multisets, so operand order never matters; every other variant
// compares its fields positionally.
func Equal(a, b Expr) bool {
	switch x := a.(type) {
	case *Num:
		y, ok := b.(*Num)
		return ok && x.Val == y.Val
	case *Var:
		y, ok := b.(*Var)
		return ok && x.Sym == y.Sym
	case *Add:
		y, ok := b.(*Add)
		return ok && multisetEqual(x.Terms, y.Terms)
	case *Sub:
		y, ok := b.(*Sub)
		return ok && Equal(x.Lhs, y.Lhs) && Equal(x.Rhs, y.Rhs)
	case *Mul:
		y, ok := b.(*Mul)
		return ok && multisetEqual(x.Factors, y.Factors)
	case *Div:
		y, ok := b.(*Div)
		return ok && Equal(x.Lhs, y.Lhs) && Equal(x.Rhs, y.Rhs)
	case *Pow:
		y, ok := b.(*Pow)
		return ok && Equal(x.Base, y.Base) && Equal(x.Exp, y.Exp)
	default:
		panic(unknownVariant(a))
	}
}

func multisetEqual(xs, ys []Expr) bool {
	if len(xs) != len(ys) {
		return false
	}
	used := make([]bool, len(ys))
outer:
	for _, x := range xs {
		for i, y := range ys {
			if !used[i] && Equal(x, y) {
				used[i] = true
				continue outer
			}
		}
		return false
	}
	return true
}

// Clone deep-copies an expression. Every node exclusively owns its
// children, so a clone shares no structure with the original.
func Clone(e Expr) Expr {
	switch v := e.(type) {
	case *Num:
		return &Num{Val: v.Val}
	case *Var:
		return &Var{Sym: v.Sym}
	case *Add:
		return &Add{Terms: cloneAll(v.Terms)}
	case *Sub:
		return &Sub{Lhs: Clone(v.Lhs), Rhs: Clone(v.Rhs)}
	case *Mul:
		return &Mul{Factors: cloneAll(v.Factors)}
	case *Div:
		return &Div{Lhs: Clone(v.Lhs), Rhs: Clone(v.Rhs)}
	case *Pow:
		return &Pow{Base: Clone(v.Base), Exp: Clone(v.Exp)}
	default:
		panic(unknownVariant(e))
	}
}

func cloneAll(es []Expr) []Expr {
	out := make([]Expr, len(es))
	for i, e := range es {
		out[i] = Clone(e)
	}
	return out
}

// FreeSymbols returns the set of symbols the expression mentions.
// Callers can use it to pre-validate evaluation bindings.
func FreeSymbols(e Expr) map[Symbol]struct{} {
	out := map[Symbol]struct{}{}
	collectSymbols(e, out)
	return out
}

func collectSymbols(e Expr, out map[Symbol]struct{}) {
	switch v := e.(type) {
	case *Num:
	case *Var:
		out[v.Sym] = struct{}{}
	case *Add:
		for _, t := range v.Terms {
			collectSymbols(t, out)
		}
	case *Sub:
		collectSymbols(v.Lhs, out)
		collectSymbols(v.Rhs, out)
	case *Mul:
		for _, f := range v.Factors {
			collectSymbols(f, out)
		}
	case *Div:
		collectSymbols(v.Lhs, out)
		collectSymbols(v.Rhs, out)
	case *Pow:
		collectSymbols(v.Base, out)
		collectSymbols(v.Exp, out)
	default:
		panic(unknownVariant(e))
	}
}

// Degree returns the total degree of an expression: 0 for constants, 1
// for a variable, the max over Add/Sub operands, the sum over Mul
// factors, numerator minus denominator for Div, and base degree scaled
// by an integer-constant exponent for Pow. It backs the canonical
// display ordering.
func Degree(e Expr) int {
	switch v := e.(type) {
	case *Num:
		return 0
	case *Var:
		return 1
	case *Add:
		max := 0
		for _, t := range v.Terms {
			if d := Degree(t); d > max {
				max = d
			}
		}
		return max
	case *Sub:
		dl, dr := Degree(v.Lhs), Degree(v.Rhs)
		if dl > dr {
			return dl
		}
		return dr
	case *Mul:
		total := 0
		for _, f := range v.Factors {
			total += Degree(f)
		}
		return total
	case *Div:
		return Degree(v.Lhs) - Degree(v.Rhs)
	case *Pow:
		if n, ok := v.Exp.(*Num); ok && isIntVal(n.Val) {
			return Degree(v.Base) * int(n.Val)
		}
		return Degree(v.Base) + 1
	default:
		panic(unknownVariant(e))
	}
}

func isIntVal(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v == math.Trunc(v)
}

// ============================================================
// Substitution
// ============================================================

// Substitute replaces every occurrence of sym with value, returning a
// new tree. The replacement is cloned at each site so the result keeps
// exclusive ownership of its children.
func Substitute(e Expr, sym Symbol, value Expr) Expr {
	switch v := e.(type) {
	case *Num:
		return v
	case *Var:
		if v.Sym == sym {
			return Clone(value)
		}
		return v
	case *Add:
		terms := make([]Expr, len(v.Terms))
		for i, t := range v.Terms {
			terms[i] = Substitute(t, sym, value)
		}
		return &Add{Terms: terms}
	case *Sub:
		return &Sub{Lhs: Substitute(v.Lhs, sym, value), Rhs: Substitute(v.Rhs, sym, value)}
	case *Mul:
		factors := make([]Expr, len(v.Factors))
		for i, f := range v.Factors {
			factors[i] = Substitute(f, sym, value)
		}
		return &Mul{Factors: factors}
	case *Div:
		return &Div{Lhs: Substitute(v.Lhs, sym, value), Rhs: Substitute(v.Rhs, sym, value)}
	case *Pow:
		return &Pow{Base: Substitute(v.Base, sym, value), Exp: Substitute(v.Exp, sym, value)}
	default:
		panic(unknownVariant(e))
	}
}

// ============================================================
// Simplify — canonicalizing rewrite
// ============================================================

// Simplify canonicalizes an expression bottom-up: it flattens nested
// sums and products, folds constants, collects like terms and like
// factors, and applies the 0/1 identities. It is total and idempotent:
// Simplify(Simplify(e)) is structurally equal to Simplify(e). Nothing
// unsafe is folded — in particular a division whose denominator
// simplifies to zero is left literal and only surfaces at Eval.
func Simplify(e Expr) Expr {
	switch v := e.(type) {
	case *Num:
		return v
	case *Var:
		return v
	case *Add:
		return simplifyAdd(v)
	case *Sub:
		return simplifySub(v)
	case *Mul:
		return simplifyMul(v)
	case *Div:
		return simplifyDiv(v)
	case *Pow:
		return simplifyPow(v)
	default:
		panic(unknownVariant(e))
	}
}

func simplifyAdd(a *Add) Expr {
	// Simplify children, splicing nested sums into one operand list.
	flat := make([]Expr, 0, len(a.Terms))
	for _, t := range a.Terms {
		s := Simplify(t)
		if inner, ok := s.(*Add); ok {
			flat = append(flat, inner.Terms...)
		} else {
			flat = append(flat, s)
		}
	}

	// Fold constants and collect terms by residual. A term is an
	// optional numeric coefficient times a residual factor: 3*x has
	// coefficient 3 and residual x, bare x has coefficient 1.
	constSum := 0.0
	type term struct {
		coeff    float64
		residual Expr
	}
	var terms []term
	index := map[string]int{}
	for _, t := range flat {
		if n, ok := t.(*Num); ok {
			constSum += n.Val
			continue
		}
		coeff, residual := splitCoeff(t)
		key := render(residual)
		if i, ok := index[key]; ok {
			terms[i].coeff += coeff
		} else {
			index[key] = len(terms)
			terms = append(terms, term{coeff: coeff, residual: residual})
		}
	}

	out := make([]Expr, 0, len(terms)+1)
	for _, t := range terms {
		if t.coeff == 0 {
			continue
		}
		if t.coeff == 1 {
			out = append(out, t.residual)
			continue
		}
		out = append(out, withCoeff(t.coeff, t.residual))
	}
	if constSum != 0 {
		out = append(out, N(constSum))
	}

	switch len(out) {
	case 0:
		return N(0)
	case 1:
		return out[0]
	}
	sortTerms(out)
	return &Add{Terms: out}
}

// splitCoeff separates a term into its numeric coefficient and residual.
// All Num factors of a product contribute to the coefficient; anything
// else is the residual. Non-products have coefficient 1.
func splitCoeff(e Expr) (float64, Expr) {
	m, ok := e.(*Mul)
	if !ok {
		return 1, e
	}
	coeff := 1.0
	rest := make([]Expr, 0, len(m.Factors))
	for _, f := range m.Factors {
		if n, okn := f.(*Num); okn {
			coeff *= n.Val
			continue
		}
		rest = append(rest, f)
	}
	switch len(rest) {
	case 0:
		return coeff, N(1)
	case 1:
		return coeff, rest[0]
	}
	return coeff, &Mul{Factors: rest}
}

// withCoeff renders a collected term back to coefficient*residual form.
func withCoeff(coeff float64, residual Expr) Expr {
	if m, ok := residual.(*Mul); ok {
		return &Mul{Factors: append([]Expr{N(coeff)}, m.Factors...)}
	}
	return &Mul{Factors: []Expr{N(coeff), residual}}
}

func simplifyMul(m *Mul) Expr {
	flat := make([]Expr, 0, len(m.Factors))
	for _, f := range m.Factors {
		s := Simplify(f)
		if inner, ok := s.(*Mul); ok {
			flat = append(flat, inner.Factors...)
		} else {
			flat = append(flat, s)
		}
	}

	// Fold constants and collect factors by base, summing constant
	// exponents: x and x^2 share the base x. Factors with symbolic
	// exponents group as whole bases with exponent 1.
	coeff := 1.0
	type factor struct {
		base Expr
		exp  float64
	}
	var factors []factor
	index := map[string]int{}
	for _, f := range flat {
		if n, ok := f.(*Num); ok {
			coeff *= n.Val
			continue
		}
		base, exp := splitExponent(f)
		key := render(base)
		if i, ok := index[key]; ok {
			factors[i].exp += exp
		} else {
			index[key] = len(factors)
			factors = append(factors, factor{base: base, exp: exp})
		}
	}

	// A zero factor collapses the whole product, symbolic factors
	// included.
	if coeff == 0 {
		return N(0)
	}

	out := make([]Expr, 0, len(factors))
	for _, f := range factors {
		if f.exp == 0 {
			continue
		}
		if f.exp == 1 {
			out = append(out, f.base)
			continue
		}
		out = append(out, &Pow{Base: f.base, Exp: N(f.exp)})
	}
	if len(out) == 0 {
		return N(coeff)
	}
	sortFactors(out)
	if coeff == 1 {
		if len(out) == 1 {
			return out[0]
		}
		return &Mul{Factors: out}
	}
	return &Mul{Factors: append([]Expr{N(coeff)}, out...)}
}

// splitExponent views a factor as base^exponent for like-factor
// grouping. Only constant exponents participate; anything else is its
// own base raised to 1.
func splitExponent(e Expr) (Expr, float64) {
	if p, ok := e.(*Pow); ok {
		if n, okn := p.Exp.(*Num); okn {
			return p.Base, n.Val
		}
	}
	return e, 1
}

func simplifySub(s *Sub) Expr {
	lhs := Simplify(s.Lhs)
	rhs := Simplify(s.Rhs)
	if ln, ok := lhs.(*Num); ok {
		if rn, ok2 := rhs.(*Num); ok2 {
			return N(ln.Val - rn.Val)
		}
	}
	if rn, ok := rhs.(*Num); ok && rn.Val == 0 {
		return lhs
	}
	// Keeping the literal Sub preserves the caller's subtraction
	// notation on display.
	return &Sub{Lhs: lhs, Rhs: rhs}
}

func simplifyDiv(d *Div) Expr {
	lhs := Simplify(d.Lhs)
	rhs := Simplify(d.Rhs)
	if rn, ok := rhs.(*Num); ok {
		// A zero denominator is never folded; it surfaces at Eval.
		if ln, ok2 := lhs.(*Num); ok2 && rn.Val != 0 {
			return N(ln.Val / rn.Val)
		}
		if rn.Val == 1 {
			return lhs
		}
	}
	return &Div{Lhs: lhs, Rhs: rhs}
}

func simplifyPow(p *Pow) Expr {
	base := Simplify(p.Base)
	exp := Simplify(p.Exp)
	if en, ok := exp.(*Num); ok {
		// x^0 is 1 by convention, 0^0 included.
		if en.Val == 0 {
			return N(1)
		}
		if en.Val == 1 {
			return base
		}
		if bn, ok2 := base.(*Num); ok2 {
			return N(math.Pow(bn.Val, en.Val))
		}
	}
	return &Pow{Base: base, Exp: exp}
}

// ============================================================
// Expand — distributive rewrite
// ============================================================

// maxPowExpand caps how large an integer exponent Expand will unroll
// into repeated multiplication.
const maxPowExpand = 10

// Expand applies the distributive law: every product over a sum is
// multiplied out as the Cartesian product of its operands, and a power
// with a literal integer exponent in [0, 10] is unrolled into repeated
// multiplication first, so (x+y)^2 becomes x^2 + 2xy + y^2. Symbolic or
// non-integer exponents stay untouched, and nothing distributes across
// Sub or Div wrappers. The result passes through Simplify to fold and
// collect the expanded terms.
func Expand(e Expr) Expr {
	return Simplify(expandExpr(e))
}

func expandExpr(e Expr) Expr {
	switch v := e.(type) {
	case *Num:
		return v
	case *Var:
		return v
	case *Add:
		terms := make([]Expr, len(v.Terms))
		for i, t := range v.Terms {
			terms[i] = expandExpr(t)
		}
		return &Add{Terms: terms}
	case *Sub:
		return &Sub{Lhs: expandExpr(v.Lhs), Rhs: expandExpr(v.Rhs)}
	case *Mul:
		expanded := make([]Expr, len(v.Factors))
		for i, f := range v.Factors {
			expanded[i] = expandExpr(f)
		}
		for i, f := range expanded {
			a, ok := f.(*Add)
			if !ok {
				continue
			}
			rest := make([]Expr, 0, len(expanded)-1)
			for j, ef := range expanded {
				if j != i {
					rest = append(rest, ef)
				}
			}
			terms := make([]Expr, len(a.Terms))
			for k, t := range a.Terms {
				terms[k] = expandExpr(&Mul{Factors: append([]Expr{t}, rest...)})
			}
			return &Add{Terms: terms}
		}
		return &Mul{Factors: expanded}
	case *Div:
		return &Div{Lhs: expandExpr(v.Lhs), Rhs: expandExpr(v.Rhs)}
	case *Pow:
		if n, ok := v.Exp.(*Num); ok && isIntVal(n.Val) && n.Val >= 0 && n.Val <= maxPowExpand {
			k := int(n.Val)
			if k == 0 {
				return N(1)
			}
			base := expandExpr(v.Base)
			result := base
			for i := 1; i < k; i++ {
				result = expandExpr(&Mul{Factors: []Expr{result, base}})
			}
			return result
		}
		return &Pow{Base: expandExpr(v.Base), Exp: expandExpr(v.Exp)}
	default:
		panic(unknownVariant(e))
	}
}

// ============================================================
// Eval — numeric interpretation
// ============================================================

// UnboundSymbolError reports a Var whose symbol had no binding.
type UnboundSymbolError struct {
	Sym Symbol
}

func (e *UnboundSymbolError) Error() string {
	return "symexpr: unbound symbol " + strconv.Quote(e.Sym.Name)
}

// ErrDivisionByZero reports a Div whose denominator evaluated to
// exactly zero.
var ErrDivisionByZero = errors.New("symexpr: division by zero")

// Eval evaluates the expression with the given symbol bindings. The
// first failure wins: a missing binding yields *UnboundSymbolError and a
// zero denominator yields ErrDivisionByZero. Pow goes through math.Pow,
// so domain anomalies like a fractional power of a negative base come
// back as NaN values, not errors. vars is read-only and may be nil.
func Eval(e Expr, vars map[Symbol]float64) (float64, error) {
	switch v := e.(type) {
	case *Num:
		return v.Val, nil
	case *Var:
		val, ok := vars[v.Sym]
		if !ok {
			return 0, &UnboundSymbolError{Sym: v.Sym}
		}
		return val, nil
	case *Add:
		acc := 0.0
		for _, t := range v.Terms {
			val, err := Eval(t, vars)
			if err != nil {
				return 0, err
			}
			acc += val
		}
		return acc, nil
	case *Sub:
		lhs, err := Eval(v.Lhs, vars)
		if err != nil {
			return 0, err
		}
		rhs, err := Eval(v.Rhs, vars)
		if err != nil {
			return 0, err
		}
		return lhs - rhs, nil
	case *Mul:
		acc := 1.0
		for _, f := range v.Factors {
			val, err := Eval(f, vars)
			if err != nil {
				return 0, err
			}
			acc *= val
		}
		return acc, nil
	case *Div:
		lhs, err := Eval(v.Lhs, vars)
		if err != nil {
			return 0, err
		}
		rhs, err := Eval(v.Rhs, vars)
		if err != nil {
			return 0, err
		}
		if rhs == 0 {
			return 0, ErrDivisionByZero
		}
		return lhs / rhs, nil
	case *Pow:
		base, err := Eval(v.Base, vars)
		if err != nil {
			return 0, err
		}
		exp, err := Eval(v.Exp, vars)
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	default:
		panic(unknownVariant(e))
	}
}

// ============================================================
// Display — deterministic rendering
// ============================================================

// Operator precedence, lowest to highest. Leaves bind tightest.
const (
	precAdd = iota + 1
	precMul
	precPow
	precLeaf
)

func precedenceOf(e Expr) int {
	switch e.(type) {
	case *Num, *Var:
		return precLeaf
	case *Add, *Sub:
		return precAdd
	case *Mul, *Div:
		return precMul
	case *Pow:
		return precPow
	default:
		panic(unknownVariant(e))
	}
}

// Render returns the canonical display string. Structurally equal
// expressions always render identically: Add terms order with the
// numeric constant last and symbolic terms by descending total degree
// then lexicographically on their rendered residual; Mul factors use
// the same key with the numeric coefficient leading.
func Render(e Expr) string { return render(e) }

func (x *Num) String() string { return render(x) }
func (x *Var) String() string { return render(x) }
func (x *Add) String() string { return render(x) }
func (x *Sub) String() string { return render(x) }
func (x *Mul) String() string { return render(x) }
func (x *Div) String() string { return render(x) }
func (x *Pow) String() string { return render(x) }

func render(e Expr) string {
	switch v := e.(type) {
	case *Num:
		return formatFloat(v.Val)
	case *Var:
		return v.Sym.Name
	case *Add:
		return renderAdd(v)
	case *Sub:
		return renderChild(v.Lhs, precAdd, false) + " - " + renderChild(v.Rhs, precAdd, true)
	case *Mul:
		return renderMul(v)
	case *Div:
		return renderChild(v.Lhs, precMul, false) + "/" + renderChild(v.Rhs, precMul, true)
	case *Pow:
		return renderPow(v)
	default:
		panic(unknownVariant(e))
	}
}

// formatFloat uses the shortest decimal form that round-trips.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// renderChild parenthesizes a subexpression when its operator binds
// more loosely than the context, or equally on the non-associative
// right side (a - (b - c), a/(b*c)).
func renderChild(e Expr, ctxPrec int, rightSide bool) string {
	s := render(e)
	p := precedenceOf(e)
	if p < ctxPrec || (p == ctxPrec && rightSide) {
		return "(" + s + ")"
	}
	return s
}

func renderAdd(a *Add) string {
	if len(a.Terms) == 0 {
		return "0"
	}
	terms := sortedCopy(a.Terms, termLess)
	var b strings.Builder
	for i, t := range terms {
		if i == 0 {
			b.WriteString(render(t))
			continue
		}
		// A negative-coefficient term joins with " - " and renders
		// in absolute form, so "+ -" never appears.
		if abs, neg := negatedTerm(t); neg {
			b.WriteString(" - ")
			b.WriteString(render(abs))
			continue
		}
		b.WriteString(" + ")
		b.WriteString(render(t))
	}
	return b.String()
}

// negatedTerm reports whether a term carries a negative numeric
// coefficient, and if so returns its absolute form.
func negatedTerm(t Expr) (Expr, bool) {
	switch v := t.(type) {
	case *Num:
		if v.Val < 0 {
			return N(-v.Val), true
		}
	case *Mul:
		factors := sortedCopy(v.Factors, factorLess)
		if len(factors) == 0 {
			return t, false
		}
		n, ok := factors[0].(*Num)
		if !ok || n.Val >= 0 {
			return t, false
		}
		if n.Val == -1 {
			rest := factors[1:]
			if len(rest) == 1 {
				return rest[0], true
			}
			return &Mul{Factors: rest}, true
		}
		return &Mul{Factors: append([]Expr{N(-n.Val)}, factors[1:]...)}, true
	}
	return t, false
}

func renderMul(m *Mul) string {
	if len(m.Factors) == 0 {
		return "1"
	}
	factors := sortedCopy(m.Factors, factorLess)
	if len(factors) == 1 {
		return render(factors[0])
	}
	// A single leading numeric coefficient juxtaposes with the
	// symbolic factors: 2x, 2xy, -x. Products without one join
	// with "*".
	if n, ok := factors[0].(*Num); ok && noneNumeric(factors[1:]) {
		var b strings.Builder
		switch n.Val {
		case 1:
		case -1:
			b.WriteString("-")
		default:
			b.WriteString(formatFloat(n.Val))
		}
		for _, f := range factors[1:] {
			b.WriteString(renderChild(f, precMul, false))
		}
		return b.String()
	}
	parts := make([]string, len(factors))
	for i, f := range factors {
		parts[i] = renderChild(f, precMul, false)
	}
	return strings.Join(parts, "*")
}

func noneNumeric(es []Expr) bool {
	for _, e := range es {
		if _, ok := e.(*Num); ok {
			return false
		}
	}
	return true
}

func renderPow(p *Pow) string {
	base := render(p.Base)
	// The base parenthesizes whenever its operator binds more loosely
	// than ^, and for a negative constant (-2)^x.
	if precedenceOf(p.Base) <= precPow || isNegativeNum(p.Base) {
		base = "(" + base + ")"
	}
	exp := render(p.Exp)
	if precedenceOf(p.Exp) < precPow {
		exp = "(" + exp + ")"
	}
	return base + "^" + exp
}

func isNegativeNum(e Expr) bool {
	n, ok := e.(*Num)
	return ok && n.Val < 0
}

// ============================================================
// Canonical ordering
// ============================================================

func sortedCopy(es []Expr, less func(a, b Expr) bool) []Expr {
	out := make([]Expr, len(es))
	copy(out, es)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func sortTerms(es []Expr)   { sort.SliceStable(es, func(i, j int) bool { return termLess(es[i], es[j]) }) }
func sortFactors(es []Expr) { sort.SliceStable(es, func(i, j int) bool { return factorLess(es[i], es[j]) }) }

// termLess orders Add operands: the numeric constant last, symbolic
// terms by descending total degree and then lexicographically on the
// rendered residual (the term with its coefficient stripped).
func termLess(a, b Expr) bool {
	an, aNum := a.(*Num)
	bn, bNum := b.(*Num)
	if aNum || bNum {
		if aNum && bNum {
			return an.Val < bn.Val
		}
		return bNum
	}
	return symbolicLess(a, b)
}

// factorLess orders Mul operands: numeric coefficients first, then the
// same key as termLess.
func factorLess(a, b Expr) bool {
	an, aNum := a.(*Num)
	bn, bNum := b.(*Num)
	if aNum || bNum {
		if aNum && bNum {
			return an.Val < bn.Val
		}
		return aNum
	}
	return symbolicLess(a, b)
}

func symbolicLess(a, b Expr) bool {
	da, db := Degree(a), Degree(b)
	if da != db {
		return da > db
	}
	ka, kb := orderKey(a), orderKey(b)
	if ka != kb {
		return ka < kb
	}
	// Same residual, e.g. 2x vs 3x in an unsimplified sum: fall back
	// to the full rendering so the order never depends on input order.
	return render(a) < render(b)
}

// orderKey is the stable sort key: the rendered residual with product
// factors juxtaposed, so x^2 sorts ahead of xy which sorts ahead of y^2.
func orderKey(e Expr) string {
	_, residual := splitCoeff(e)
	return keyString(residual)
}

func keyString(e Expr) string {
	if m, ok := e.(*Mul); ok {
		factors := sortedCopy(m.Factors, factorLess)
		var b strings.Builder
		for _, f := range factors {
			b.WriteString(keyString(f))
		}
		return b.String()
	}
	return render(e)
}

// ============================================================
// JSON serialization
// ============================================================

// ToJSON serializes an expression to its JSON tree form.
func ToJSON(e Expr) (string, error) {
	b, err := json.Marshal(exprToJSON(e))
	return string(b), err
}

func exprToJSON(e Expr) map[string]interface{} {
	switch v := e.(type) {
	case *Num:
		return map[string]interface{}{"type": "num", "value": v.Val}
	case *Var:
		return map[string]interface{}{"type": "var", "name": v.Sym.Name}
	case *Add:
		return map[string]interface{}{"type": "add", "terms": jsonAll(v.Terms)}
	case *Sub:
		return map[string]interface{}{"type": "sub", "lhs": exprToJSON(v.Lhs), "rhs": exprToJSON(v.Rhs)}
	case *Mul:
		return map[string]interface{}{"type": "mul", "factors": jsonAll(v.Factors)}
	case *Div:
		return map[string]interface{}{"type": "div", "lhs": exprToJSON(v.Lhs), "rhs": exprToJSON(v.Rhs)}
	case *Pow:
		return map[string]interface{}{"type": "pow", "base": exprToJSON(v.Base), "exp": exprToJSON(v.Exp)}
	default:
		panic(unknownVariant(e))
	}
}

func jsonAll(es []Expr) []map[string]interface{} {
	out := make([]map[string]interface{}, len(es))
	for i, e := range es {
		out[i] = exprToJSON(e)
	}
	return out
}

// FromJSON rebuilds an expression from its JSON tree form.
func FromJSON(data map[string]interface{}) (Expr, error) {
	if data == nil {
		return nil, fmt.Errorf("expression must be an object")
	}
	typAny, ok := data["type"]
	if !ok {
		return nil, fmt.Errorf("missing 'type' field")
	}
	typ, ok := typAny.(string)
	if !ok || typ == "" {
		return nil, fmt.Errorf("field 'type' must be a non-empty string")
	}

	subObj := func(field string) (map[string]interface{}, error) {
		v, ok := data[field]
		if !ok {
			return nil, fmt.Errorf("%s: missing %q", typ, field)
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: %q must be an object", typ, field)
		}
		return m, nil
	}

	subPair := func(lf, rf string) (Expr, Expr, error) {
		lm, err := subObj(lf)
		if err != nil {
			return nil, nil, err
		}
		rm, err := subObj(rf)
		if err != nil {
			return nil, nil, err
		}
		lhs, err := FromJSON(lm)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %s: %w", typ, lf, err)
		}
		rhs, err := FromJSON(rm)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %s: %w", typ, rf, err)
		}
		return lhs, rhs, nil
	}

	subList := func(field string) ([]Expr, error) {
		v, ok := data[field]
		if !ok {
			return nil, fmt.Errorf("%s: missing %q", typ, field)
		}
		raw, ok := v.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: %q must be an array", typ, field)
		}
		out := make([]Expr, len(raw))
		for i, it := range raw {
			m, ok := it.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s: %q[%d] must be an object", typ, field, i)
			}
			e, err := FromJSON(m)
			if err != nil {
				return nil, fmt.Errorf("%s: %s[%d]: %w", typ, field, i, err)
			}
			out[i] = e
		}
		return out, nil
	}

	switch typ {
	case "num":
		v, ok := data["value"]
		if !ok {
			return nil, fmt.Errorf("num: missing 'value'")
		}
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("num: 'value' must be a number")
		}
		return N(f), nil

	case "var":
		v, ok := data["name"]
		if !ok {
			return nil, fmt.Errorf("var: missing 'name'")
		}
		name, ok := v.(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("var: 'name' must be a non-empty string")
		}
		return S(name), nil

	case "add":
		terms, err := subList("terms")
		if err != nil {
			return nil, err
		}
		return &Add{Terms: terms}, nil

	case "mul":
		factors, err := subList("factors")
		if err != nil {
			return nil, err
		}
		return &Mul{Factors: factors}, nil

	case "sub":
		lhs, rhs, err := subPair("lhs", "rhs")
		if err != nil {
			return nil, err
		}
		return SubOf(lhs, rhs), nil

	case "div":
		lhs, rhs, err := subPair("lhs", "rhs")
		if err != nil {
			return nil, err
		}
		return DivOf(lhs, rhs), nil

	case "pow":
		base, exp, err := subPair("base", "exp")
		if err != nil {
			return nil, err
		}
		return PowOf(base, exp), nil
	}
	return nil, fmt.Errorf("unknown expression type: %s", typ)
}

// ============================================================
// Tool-call interface
// ============================================================

// ToolRequest is a single tool invocation: a tool name plus its
// JSON-decoded parameters.
type ToolRequest struct {
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params"`
}

// ToolResponse carries a tool result. Exactly one of Result/Error is
// meaningful; String holds the rendered form where one exists.
type ToolResponse struct {
	Result interface{} `json:"result,omitempty"`
	String string      `json:"string,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// HandleToolCall dispatches a tool request against the kernel:
// simplify, expand, eval, render, substitute, free_symbols, mcp_spec.
func HandleToolCall(req ToolRequest) ToolResponse {
	getExpr := func(key string) (Expr, error) {
		v, ok := req.Params[key]
		if !ok {
			return nil, fmt.Errorf("missing param: %s", key)
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid type for param %s", key)
		}
		return FromJSON(m)
	}
	getString := func(key string) (string, error) {
		v, ok := req.Params[key]
		if !ok {
			return "", fmt.Errorf("missing param: %s", key)
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("param %s must be a string", key)
		}
		return s, nil
	}
	getBindings := func(key string) (map[Symbol]float64, error) {
		v, ok := req.Params[key]
		if !ok {
			return nil, fmt.Errorf("missing param: %s", key)
		}
		raw, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("param %s must be an object of name -> number", key)
		}
		vars := make(map[Symbol]float64, len(raw))
		for name, val := range raw {
			f, ok := val.(float64)
			if !ok {
				return nil, fmt.Errorf("param %s[%q] must be a number", key, name)
			}
			vars[Symbol{Name: name}] = f
		}
		return vars, nil
	}
	respond := func(e Expr) ToolResponse {
		return ToolResponse{Result: exprToJSON(e), String: Render(e)}
	}

	switch req.Tool {
	case "simplify":
		e, err := getExpr("expr")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		return respond(Simplify(e))

	case "expand":
		e, err := getExpr("expr")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		return respond(Expand(e))

	case "render":
		e, err := getExpr("expr")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		return ToolResponse{String: Render(e)}

	case "eval":
		e, err := getExpr("expr")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		vars, err := getBindings("vars")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		val, err := Eval(e, vars)
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		return ToolResponse{Result: val, String: formatFloat(val)}

	case "substitute":
		e, err := getExpr("expr")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		name, err := getString("var")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		value, err := getExpr("value")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		return respond(Substitute(e, Symbol{Name: name}, value))

	case "free_symbols":
		e, err := getExpr("expr")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		syms := FreeSymbols(e)
		names := make([]string, 0, len(syms))
		for s := range syms {
			names = append(names, s.Name)
		}
		sort.Strings(names)
		return ToolResponse{Result: names}

	case "mcp_spec":
		return ToolResponse{Result: MCPToolSpec(), String: "MCP tool specification"}
	}

	return ToolResponse{Error: fmt.Sprintf("unknown tool: %s", req.Tool)}
}

// MCPToolSpec returns the JSON schema of the tool surface for agent
// registration.
func MCPToolSpec() string {
	tools := []map[string]interface{}{
		ts("simplify", "Canonicalize an expression: fold constants, collect like terms and factors", []string{"expr"}, map[string]string{"expr": "object"}),
		ts("expand", "Multiply out products over sums and integer powers, then simplify", []string{"expr"}, map[string]string{"expr": "object"}),
		ts("eval", "Numerically evaluate with vars as {name: number}", []string{"expr", "vars"}, map[string]string{"expr": "object", "vars": "object"}),
		ts("render", "Render an expression to its canonical display string", []string{"expr"}, map[string]string{"expr": "object"}),
		ts("substitute", "Replace a variable with an expression", []string{"expr", "var", "value"}, map[string]string{"expr": "object", "var": "string", "value": "object"}),
		ts("free_symbols", "Return the sorted names of free symbols", []string{"expr"}, map[string]string{"expr": "object"}),
		ts("mcp_spec", "Return this tool schema", []string{}, map[string]string{}),
	}
	spec := map[string]interface{}{"tools": tools}
	b, _ := json.MarshalIndent(spec, "", "  ")
	return string(b)
}

func ts(name, description string, required []string, props map[string]string) map[string]interface{} {
	properties := map[string]interface{}{}
	for k, typ := range props {
		properties[k] = map[string]interface{}{"type": typ}
	}
	return map[string]interface{}{
		"name":        name,
		"description": description,
		"inputSchema": map[string]interface{}{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
	}
}
