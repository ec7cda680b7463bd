// Package alloc infers which functions may directly return a freshly
// allocated managed pointer, and lifts that through the call-graph
// closure into the set of functions that may transitively trigger
// garbage collection (spec §4.E).
//
// Grounded on original_source/src/allocators.cpp's mayBeAllocator:
// a function qualifies if it returns a managed-pointer type and some
// call site returning a managed-pointer value may flow (directly, or
// through a chain of "variable copies a variable") into a return.
package alloc

import (
	"github.com/aclements/rchk/internal/callgraph"
	"github.com/aclements/rchk/internal/ir"
	"tinygo.org/x/go-llvm"
)

// ManagedType reports whether t is the managed-pointer type the
// allocator heuristic keys off of (normally a SEXP* predicate backed
// by ir's notion of the runtime's boxed-value type).
type ManagedType func(t llvm.Type) bool

// exceptionList are functions that pass the syntactic heuristic but
// are known not to be allocators (e.g. interning helpers that return
// their argument unchanged) or known to corrupt the allocating-set
// lift if included (runtime assertion helpers). Grounded on the
// original's hand-maintained exception lists in allocators.cpp /
// callocators.cpp.
var exceptionList = map[string]bool{
	"Rf_install": true,
	"R_NilValue": true,
}

var blockList = map[string]bool{
	"Rf_error": true,
}

// Find returns the set of functions that may directly return a freshly
// allocated managed pointer.
func Find(m *ir.Module, isManaged ManagedType) map[*ir.Function]bool {
	out := map[*ir.Function]bool{}
	for _, fn := range m.Functions() {
		if fn.Declared || exceptionList[fn.Name] {
			continue
		}
		if mayBeAllocator(fn, isManaged) {
			out[fn] = true
		}
	}
	return out
}

func mayBeAllocator(fn *ir.Function, isManaged ManagedType) bool {
	if !isManaged(fn.Val.ReturnType()) {
		return false
	}
	possiblyReturned := possiblyReturnedSlots(fn)

	for _, b := range fn.Blocks {
		for _, in := range b.Instr {
			ok, callee := ir.IsCall(in)
			if !ok || callee.IsNil() {
				continue
			}
			if !isManaged(callee.ReturnType()) {
				continue
			}
			if valueMayBeReturned(in.Val, possiblyReturned) {
				return true
			}
		}
	}
	return false
}

// possiblyReturnedSlots computes the set of stack slots a value might
// flow out of the function through: slots directly returned via load,
// plus slots whose value is copied (by a plain load/store) into
// another such slot, grown to a fixed point exactly as allocators.cpp's
// findPossiblyReturnedVariables does.
func possiblyReturnedSlots(fn *ir.Function) map[llvm.Value]bool {
	slots := map[llvm.Value]bool{}
	for _, b := range fn.Blocks {
		for _, in := range b.Instr {
			if in.Val.Opcode() != llvm.Ret {
				continue
			}
			if in.Val.OperandsCount() == 0 {
				continue
			}
			retOp := in.Val.Operand(0)
			if retOp.Opcode() != llvm.Load {
				continue
			}
			addr := retOp.Operand(0)
			if addr.IsAAllocaInst().IsNil() {
				continue
			}
			slots[addr] = true
		}
	}

	added := true
	for added {
		added = false
		for _, b := range fn.Blocks {
			for _, in := range b.Instr {
				if in.Val.Opcode() != llvm.Store {
					continue
				}
				dst := in.Val.Operand(1)
				if dst.IsAAllocaInst().IsNil() || !slots[dst] {
					continue
				}
				srcVal := in.Val.Operand(0)
				if srcVal.Opcode() != llvm.Load {
					continue
				}
				src := srcVal.Operand(0)
				if src.IsAAllocaInst().IsNil() || slots[src] {
					continue
				}
				slots[src] = true
				added = true
			}
		}
	}
	return slots
}

// valueMayBeReturned reports whether v may escape the function through
// some use: either directly (v is the return operand of some return
// instruction) or by being stored into a slot already known to
// possibly be returned.
func valueMayBeReturned(v llvm.Value, possiblyReturned map[llvm.Value]bool) bool {
	for use := v.FirstUse(); !use.IsNil(); use = use.NextUse() {
		u := use.User()
		switch u.Opcode() {
		case llvm.Ret:
			return true
		case llvm.Store:
			storeValue, storePtr := u.Operand(0), u.Operand(1)
			if u == storePtr {
				continue
			}
			if storeValue == v && !storePtr.IsAAllocaInst().IsNil() && possiblyReturned[storePtr] {
				return true
			}
		}
	}
	return false
}

// Allocating lifts Find's direct-allocator set through the call-graph
// closure: a function is in the allocating set (A⁺) iff it
// transitively reaches the garbage-collection trigger gc, which is
// itself always considered allocating. Functions named in blockList
// are never added.
func Allocating(g *callgraph.Graph, gc *ir.Function) map[*ir.Function]bool {
	out := map[*ir.Function]bool{gc: true}
	gcInfo, ok := g.ByFunc[gc]
	if !ok {
		return out
	}
	for fn, fi := range g.ByFunc {
		if blockList[fn.Name] {
			continue
		}
		if fi.Reaches(gcInfo.ID) {
			out[fn] = true
		}
	}
	return out
}
