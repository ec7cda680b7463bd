package ir

import "tinygo.org/x/go-llvm"

// This file groups the pattern recognizers spec §2.A calls out by
// name: type-test, allocVector-of-known-type, store-to-struct-field,
// only-store-to-var, variable-aliasing. IsCall, Args, IsTypeTest and
// IsManagedPointer are used by the other packages;
// IsAllocVectorOfKnownType, IsStoreToStructField, IsOnlyStoreToVar and
// AreAliased are not called outside this package, and the checkers
// match those shapes on raw opcodes themselves.

// SEXPType is the closed enum of runtime type codes a managed pointer's
// header can carry. The numeric values match common.h's SEXPType so
// that a literal store of one of these constants into a header field
// is recognized as typing a managed pointer rather than a disconnected
// integer.
type SEXPType int

const (
	NILSXP     SEXPType = 0
	SYMSXP     SEXPType = 1
	LISTSXP    SEXPType = 2
	CLOSXP     SEXPType = 3
	ENVSXP     SEXPType = 4
	PROMSXP    SEXPType = 5
	LANGSXP    SEXPType = 6
	SPECIALSXP SEXPType = 7
	BUILTINSXP SEXPType = 8
	CHARSXP    SEXPType = 9
	LGLSXP     SEXPType = 10
	INTSXP     SEXPType = 13
	REALSXP    SEXPType = 14
	CPLXSXP    SEXPType = 15
	STRSXP     SEXPType = 16
	DOTSXP     SEXPType = 17
	ANYSXP     SEXPType = 18
	VECSXP     SEXPType = 19
	EXPRSXP    SEXPType = 20
	BCODESXP   SEXPType = 21
	EXTPTRSXP  SEXPType = 22
	WEAKREFSXP SEXPType = 23
	RAWSXP     SEXPType = 24
	S4SXP      SEXPType = 25
	INTCHARSXP SEXPType = 73

	UnknownSXPType SEXPType = -1
)

// IsVector reports whether t is one of the array-like ("vector")
// type codes the glossary enumerates.
func (t SEXPType) IsVector() bool {
	switch t {
	case LGLSXP, INTSXP, REALSXP, CPLXSXP, STRSXP, RAWSXP, EXPRSXP, VECSXP, CHARSXP, INTCHARSXP:
		return true
	}
	return false
}

// Globals names the module's well-known runtime symbols: the
// protection-stack functions, the nil sentinel, and the type-test
// predicates. Analyses that cannot find one of these in the module
// disable the checks that depend on it and report a single structural
// diagnostic (spec §7), rather than failing outright.
type Globals struct {
	Protect, ProtectWithIndex, Unprotect, UnprotectPtr *Function
	ProtectStackTop                                    *Global
	Nil                                                *Global
	TypeTests                                          map[*Function]SEXPType
	Intern                                             *Function
	GCInternal                                         *Function
	Preserve                                           *Function
	Reprotect                                          *Function
}

// ResolveGlobals looks up the fixed set of runtime entry points by
// name. Missing entries are left nil; callers must check before use.
func ResolveGlobals(m *Module) *Globals {
	g := &Globals{TypeTests: map[*Function]SEXPType{}}
	g.Protect = m.Lookup("Rf_protect")
	g.ProtectWithIndex = m.Lookup("R_ProtectWithIndex")
	g.Unprotect = m.Lookup("Rf_unprotect")
	g.UnprotectPtr = m.Lookup("Rf_unprotect_ptr")
	g.Intern = m.Lookup("Rf_install")
	g.GCInternal = m.Lookup("R_gc_internal")
	g.Preserve = m.Lookup("R_PreserveObject")
	g.Reprotect = m.Lookup("R_Reprotect")
	if gv := findGlobal(m, "R_NilValue"); gv != nil {
		g.Nil = gv
	}
	if gv := findGlobal(m, "R_PPStackTop"); gv != nil {
		g.ProtectStackTop = gv
	}

	tests := map[string]SEXPType{
		"Rf_isNull": NILSXP, "Rf_isSymbol": SYMSXP, "Rf_isLogical": LGLSXP,
		"Rf_isReal": REALSXP, "Rf_isComplex": CPLXSXP, "Rf_isExpression": EXPRSXP,
		"Rf_isEnvironment": ENVSXP, "Rf_isString": STRSXP,
	}
	for name, typ := range tests {
		if fn := m.Lookup(name); fn != nil {
			g.TypeTests[fn] = typ
		}
	}
	return g
}

func findGlobal(m *Module, name string) *Global {
	for _, g := range m.Globals() {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// IsCall reports whether in is a direct or indirect call and, for a
// direct call, the callee. An indirect call (loaded function pointer)
// returns ok=true, fn=nil.
func IsCall(in *Instr) (ok bool, fn llvm.Value) {
	if in.Val.Opcode() != llvm.Call {
		return false, llvm.Value{}
	}
	callee := in.Val.CalledValue()
	if !callee.IsAFunction().IsNil() {
		return true, callee
	}
	return true, llvm.Value{}
}

// Args returns the actual-argument values of a call instruction.
func Args(in *Instr) []llvm.Value {
	n := in.Val.OperandsCount()
	if n == 0 {
		return nil
	}
	// The callee is the last operand in LLVM's encoding of a Call.
	args := make([]llvm.Value, 0, n-1)
	for i := 0; i < n-1; i++ {
		args = append(args, in.Val.Operand(i))
	}
	return args
}

// IsTypeTest reports whether fn is one of the runtime's SEXPTYPE
// predicates (Rf_isNull, Rf_isSymbol, ...), and if so, which type it
// tests for.
func IsTypeTest(fn llvm.Value, g *Globals) (SEXPType, bool) {
	for f, typ := range g.TypeTests {
		if f.Val == fn {
			return typ, true
		}
	}
	return UnknownSXPType, false
}

// IsAllocVectorOfKnownType recognizes a call of the shape
// allocVector(T, n) where T is a literal SEXPTYPE constant, returning
// that type.
func IsAllocVectorOfKnownType(in *Instr, allocVector *Function) (SEXPType, bool) {
	ok, callee := IsCall(in)
	if !ok || callee.IsNil() || allocVector == nil || callee != allocVector.Val {
		return UnknownSXPType, false
	}
	args := Args(in)
	if len(args) == 0 {
		return UnknownSXPType, false
	}
	if args[0].IsAConstantInt().IsNil() {
		return UnknownSXPType, false
	}
	return SEXPType(args[0].SExtValue()), true
}

// IsStoreToStructField recognizes store(val, gep(base, ..., field))
// where the address operand is an element-pointer computation reaching
// into a struct field (used for header-bit reads/writes and tagged
// record field assignment). It returns the base pointer and the final
// field index.
func IsStoreToStructField(in *Instr) (base llvm.Value, field int, ok bool) {
	if in.Val.Opcode() != llvm.Store {
		return llvm.Value{}, 0, false
	}
	addr := in.Val.Operand(1)
	if addr.Opcode() != llvm.GetElementPtr {
		return llvm.Value{}, 0, false
	}
	n := addr.OperandsCount()
	if n < 2 {
		return llvm.Value{}, 0, false
	}
	last := addr.Operand(n - 1)
	if last.IsAConstantInt().IsNil() {
		return llvm.Value{}, 0, false
	}
	return addr.Operand(0), int(last.SExtValue()), true
}

// IsOnlyStoreToVar reports whether alloc is a local whose every write
// in fn is a Store instruction with alloc as the address operand — as
// opposed to a slot whose address escapes (passed to a call, stored
// elsewhere): any slot whose address is taken can't be tracked as a
// scalar abstract value.
func IsOnlyStoreToVar(alloc llvm.Value) bool {
	for _, use := range uses(alloc) {
		if use.Opcode() == llvm.Store {
			if use.Operand(1) == alloc {
				continue
			}
			return false
		}
		if use.Opcode() == llvm.Load {
			continue
		}
		// Any other use (call argument, bitcast, gep) means the
		// address escapes this simple store/load discipline.
		return false
	}
	return true
}

// AreAliased reports whether two local variables are ever connected by
// a direct store of one's loaded value into the other (var2 = var1;
// style aliasing the guard checkers need to propagate abstract values
// through copies).
func AreAliased(fn *Function, a, b llvm.Value) bool {
	for _, blk := range fn.Blocks {
		for _, in := range blk.Instr {
			if in.Val.Opcode() != llvm.Store {
				continue
			}
			val, addr := in.Val.Operand(0), in.Val.Operand(1)
			if val.Opcode() != llvm.Load {
				continue
			}
			src := val.Operand(0)
			if (src == a && addr == b) || (src == b && addr == a) {
				return true
			}
		}
	}
	return false
}

// IsManagedPointer reports whether t is a pointer to the runtime's
// boxed-value struct, the "SEXP" type every allocator, guard and
// protection-stack check keys off of. Grounded on common.cpp's
// isSEXP/isSEXPPtr, which recognize a pointer whose pointee struct
// carries the fixed name "struct.SEXPREC".
func IsManagedPointer(t llvm.Type) bool {
	if t.TypeKind() != llvm.PointerTypeKind {
		return false
	}
	elem := t.ElementType()
	if elem.TypeKind() != llvm.StructTypeKind {
		return false
	}
	return elem.StructName() == "struct.SEXPREC"
}

func uses(v llvm.Value) []llvm.Value {
	var out []llvm.Value
	for use := v.FirstUse(); !use.IsNil(); use = use.NextUse() {
		out = append(out, use.User())
	}
	return out
}
