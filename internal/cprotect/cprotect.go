// Package cprotect computes, for every (function, parameter), whether
// callers must protect the argument themselves before the call
// (caller-protect), whether the callee protects it (callee-protect),
// whether the callee may let it be collected once it stops using it
// but never uses a stale value (callee-safe), or whether the
// parameter isn't a protection concern at all (trivial) — spec §4.J.
//
// Grounded on original_source/src/cprotect.cpp: a per-function
// intra-procedural walk tracks, for each parameter, whether some path
// passes its (possibly aliased) value to an allocating call while it
// is not currently believed to be on the protection stack ("exposed"),
// and whether the slot is read again afterward ("usedAfterExposure").
// These two sticky bits, once set on any explored path, stay set
// (merged with OR across predecessors) — matching the original's
// FunctionState::merge. Find re-analyzes a function's callers whenever
// its own exposure bits change; analyze does not read the callee's
// record, so a caller's bits depend only on its own calls.
package cprotect

import (
	"github.com/aclements/rchk/internal/ir"
	"tinygo.org/x/go-llvm"
)

// Kind is one of the four classifications spec §4.J names.
type Kind int

const (
	Trivial Kind = iota
	CalleeProtect
	CalleeSafe
	CallerProtect
)

// Record is the exposed/usedAfterExposure pair kept per parameter,
// plus the function's confused flag, under which Kind treats every
// parameter as caller-protect. analyze never sets Confused, so every
// record Find produces has it false.
type Record struct {
	Exposed           []bool
	UsedAfterExposure []bool
	Confused          bool
}

// Table is the result of Find: per-function exposure records.
type Table map[*ir.Function]*Record

// Kind classifies parameter index idx of fn.
func (t Table) Kind(fn *ir.Function, idx int, isManaged func(llvm.Type) bool, allocating map[*ir.Function]bool) Kind {
	if idx >= fn.Arity {
		return Trivial
	}
	params := fn.Val.Params()
	if !isManaged(params[idx].Type()) || !allocating[fn] {
		return Trivial
	}
	rec, ok := t[fn]
	if !ok {
		return Trivial
	}
	if rec.Confused {
		return CallerProtect
	}
	if !rec.Exposed[idx] {
		return CalleeProtect
	}
	if !rec.UsedAfterExposure[idx] {
		return CalleeSafe
	}
	return CallerProtect
}

// Find runs the exposure fixed point over every function defined in
// m, given the allocator set from the alloc package and the runtime's
// Protect/Unprotect entry points from ir.Globals.
func Find(m *ir.Module, allocating map[*ir.Function]bool, isManaged func(llvm.Type) bool, g *ir.Globals) Table {
	table := Table{}
	worklist := append([]*ir.Function(nil), m.Functions()...)
	onList := map[*ir.Function]bool{}
	for _, fn := range worklist {
		onList[fn] = true
	}

	callers := map[*ir.Function][]*ir.Function{}
	for _, fn := range m.Functions() {
		if fn.Declared {
			continue
		}
		for _, b := range fn.Blocks {
			for _, in := range b.Instr {
				ok, callee := ir.IsCall(in)
				if !ok || callee.IsNil() {
					continue
				}
				if target := m.Lookup(callee.Name()); target != nil {
					callers[target] = append(callers[target], fn)
				}
			}
		}
	}

	for len(worklist) > 0 {
		fn := worklist[0]
		worklist = worklist[1:]
		onList[fn] = false
		if fn.Declared || fn.Arity == 0 {
			continue
		}

		rec := analyze(fn, m, table, allocating, isManaged, g)
		prev, had := table[fn]
		table[fn] = rec
		if had && equalRecord(prev, rec) {
			continue
		}
		for _, caller := range callers[fn] {
			if !onList[caller] {
				onList[caller] = true
				worklist = append(worklist, caller)
			}
		}
	}
	return table
}

func equalRecord(a, b *Record) bool {
	if a.Confused != b.Confused {
		return false
	}
	for i := range a.Exposed {
		if a.Exposed[i] != b.Exposed[i] || a.UsedAfterExposure[i] != b.UsedAfterExposure[i] {
			return false
		}
	}
	return true
}

// analyze computes fn's exposure record from scratch; the callees'
// records in table are not consulted. A tracked argument passed to
// any allocating callee marks its parameter exposed, unless it is a
// load of a slot that an Rf_protect call earlier in program order
// (anywhere in the function) took a load of. It is not path-sensitive:
// blocks are walked once in program order, and Rf_unprotect calls are
// ignored.
func analyze(fn *ir.Function, m *ir.Module, table Table, allocating map[*ir.Function]bool, isManaged func(llvm.Type) bool, g *ir.Globals) *Record {
	n := fn.Arity
	rec := &Record{Exposed: make([]bool, n), UsedAfterExposure: make([]bool, n)}

	// aliasOf maps a stack slot believed to hold (a copy of) argument
	// i back to i: every slot the parameter value itself is stored
	// into, whatever other stores the slot also receives.
	aliasOf := map[llvm.Value]int{}
	params := fn.Val.Params()
	for i, p := range params {
		if i >= n {
			break
		}
		for _, b := range fn.Blocks {
			for _, in := range b.Instr {
				if in.Val.Opcode() != llvm.Store {
					continue
				}
				if in.Val.Operand(0) == p {
					aliasOf[in.Val.Operand(1)] = i
				}
			}
		}
	}

	protectedSlots := map[llvm.Value]bool{}

	for _, b := range fn.Blocks {
		for _, in := range b.Instr {
			ok, callee := ir.IsCall(in)
			if !ok || callee.IsNil() {
				continue
			}
			args := ir.Args(in)

			if g.Protect != nil && callee == g.Protect.Val && len(args) > 0 {
				if slot, isLoad := loadedSlot(args[0]); isLoad {
					protectedSlots[slot] = true
				}
				continue
			}
			if g.Unprotect != nil && callee == g.Unprotect.Val {
				continue
			}

			calleeFn := m.Lookup(callee.Name())
			isAllocCall := calleeFn != nil && allocating[calleeFn]
			if !isAllocCall {
				continue
			}
			for argi, arg := range args {
				slot, isLoad := loadedSlot(arg)
				var paramIdx int
				var tracked bool
				if isLoad {
					if idx, ok := aliasOf[slot]; ok {
						paramIdx, tracked = idx, true
					}
				} else if arg == paramValue(params, n, argi) {
					paramIdx, tracked = argi, true
				}
				if !tracked {
					continue
				}
				if isLoad && protectedSlots[slot] {
					continue
				}
				rec.Exposed[paramIdx] = true
			}
		}
	}

	// Second pass: any load of an aliased slot whose parameter is
	// exposed marks usedAfterExposure; direct uses of the parameter
	// value are not counted. Order within a block is not modeled
	// precisely (an approximation the original itself accepts, per
	// its merge comment) — any use anywhere in a function whose
	// parameter was exposed anywhere counts.
	for _, b := range fn.Blocks {
		for _, in := range b.Instr {
			if in.Val.Opcode() != llvm.Load {
				continue
			}
			addr := in.Val.Operand(0)
			if idx, ok := aliasOf[addr]; ok && rec.Exposed[idx] {
				rec.UsedAfterExposure[idx] = true
			}
		}
	}

	return rec
}

func paramValue(params []llvm.Value, n, idx int) llvm.Value {
	if idx >= n || idx >= len(params) {
		return llvm.Value{}
	}
	return params[idx]
}

func loadedSlot(v llvm.Value) (llvm.Value, bool) {
	if v.Opcode() != llvm.Load {
		return llvm.Value{}, false
	}
	return v.Operand(0), true
}
