// Package ctxtab interns context-sensitive call descriptors:
// (callee, per-argument abstract value) tuples, each given a stable
// integer id (spec §4.F).
//
// Grounded on original_source/src/callocators.h's ArgInfoTy hierarchy
// (bottom / SymbolArgInfoTy / VectorArgInfoTy, each independently
// interned) and callocators.cpp's CalledFunctionTy constructor, which
// derives one argument's abstract value from whether it was loaded
// from a global known to cache an interned symbol. The interning
// mechanism itself follows rtcheck/main.go's StringSpace/
// StackFrame.Intern idiom, generalized from a string key to a
// content-addressed hash (golang.org/x/crypto/blake2b) of the whole
// context vector, since a context here is structured data rather than
// a single string.
package ctxtab

import (
	"encoding/binary"
	"fmt"

	"github.com/aclements/rchk/internal/ir"
	"golang.org/x/crypto/blake2b"
	"tinygo.org/x/go-llvm"
)

// ArgKind classifies one argument's abstract value.
type ArgKind int

const (
	// Bottom means the argument's value is unknown to this context.
	Bottom ArgKind = iota
	// Symbol means the argument is known to hold a particular
	// interned symbol name.
	Symbol
	// Vector means the argument is known to be a vector-typed managed
	// pointer.
	Vector
)

// ArgValue is one argument's entry in a context.
type ArgValue struct {
	Kind ArgKind
	Name string // set iff Kind == Symbol
}

// Context is a per-parameter vector of abstract values. Two contexts
// with equal contents intern to the same id.
type Context []ArgValue

// IsDefault reports whether ctx is the all-bottom ("no context")
// context, which always exists with a stable id for context-
// insensitive answers.
func (ctx Context) IsDefault() bool {
	for _, a := range ctx {
		if a.Kind != Bottom {
			return false
		}
	}
	return true
}

func (ctx Context) key() string {
	h, _ := blake2b.New256(nil)
	for _, a := range ctx {
		var buf [9]byte
		buf[0] = byte(a.Kind)
		binary.LittleEndian.PutUint64(buf[1:], uint64(len(a.Name)))
		h.Write(buf[:])
		h.Write([]byte(a.Name))
	}
	return string(h.Sum(nil))
}

// ID is an interned (callee, context) pair.
type ID struct {
	Fn      *ir.Function
	Context Context
	Index   int
}

// Table interns (function, context) pairs into stable ids, mirroring
// rtcheck/main.go's StringSpace but keyed by a struct instead of a string.
type Table struct {
	byKey map[tableKey]*ID
	all   []*ID
}

type tableKey struct {
	fn  *ir.Function
	key string
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{byKey: map[tableKey]*ID{}}
}

// Intern returns the stable ID for (fn, ctx), creating it if this
// exact pair has not been seen before.
func (t *Table) Intern(fn *ir.Function, ctx Context) *ID {
	k := tableKey{fn, ctx.key()}
	if id, ok := t.byKey[k]; ok {
		return id
	}
	id := &ID{Fn: fn, Context: append(Context(nil), ctx...), Index: len(t.all)}
	t.byKey[k] = id
	t.all = append(t.all, id)
	return id
}

// Default interns and returns fn's context-insensitive (all-bottom)
// id.
func (t *Table) Default(fn *ir.Function) *ID {
	return t.Intern(fn, make(Context, fn.Arity))
}

// All returns every interned id, in interning order.
func (t *Table) All() []*ID { return t.all }

// SymbolLookup resolves an argument value to a symbol name, used by
// DeriveContext to recognize arguments loaded from a global the
// symbols package has mapped.
type SymbolLookup func(g *ir.Global) (string, bool)

// VectorLookup reports whether a call's shape is
// allocVector(T, ...) with a known constant vector type T, used to
// mark the synthetic "result context" component §4.F describes for
// such calls.
type VectorLookup func(in *ir.Instr) bool

// DeriveContext computes the abstract context for a call instruction
// per spec §4.F: for each actual argument, a known symbol if it was
// loaded from a global the symbols map covers, else bottom. Per-path
// guard information (an argument known, on this path, to hold a
// symbol or a vector) is layered in by the caller by overwriting
// entries of the returned Context before interning — this function
// only derives the global-line of evidence callocators.cpp itself
// implements; path-sensitive refinement is §4.H's job.
func DeriveContext(in *ir.Instr, globalOf func(llvm.Value) *ir.Global, symbolOf SymbolLookup) Context {
	args := ir.Args(in)
	ctx := make(Context, len(args))
	for i, arg := range args {
		if arg.Opcode() != llvm.Load {
			continue
		}
		src := arg.Operand(0)
		g := globalOf(src)
		if g == nil {
			continue
		}
		name, ok := symbolOf(g)
		if !ok {
			continue
		}
		ctx[i] = ArgValue{Kind: Symbol, Name: name}
	}
	return ctx
}

func (a ArgValue) String() string {
	switch a.Kind {
	case Symbol:
		return fmt.Sprintf("symbol(%s)", a.Name)
	case Vector:
		return "vector"
	}
	return "⊥"
}
