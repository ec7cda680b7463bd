// Package guard recognizes local "guard variables" — integer flags
// and managed-pointer locals whose value is compared against a known
// constant — and tracks their abstract state along a path, refining it
// at branches (spec §4.H).
//
// Grounded on original_source/src/guards.h/.cpp's IntGuardState/
// SEXPGuardState enums and handle*GuardsFor{Non,}Terminator, and on
// rtcheck/val.go's ValState: a per-path, copy-on-write map from stack
// slot to abstract state, extended (not mutated) at each instruction
// so that divergent successor paths never see each other's bindings.
package guard

import (
	"github.com/aclements/rchk/internal/ir"
	"tinygo.org/x/go-llvm"
)

// IntState is the abstract state of an integer guard variable.
type IntState int

const (
	IntZero IntState = iota
	IntNonzero
	IntUnknown
)

// PointerState is the abstract state of a managed-pointer guard
// variable.
type PointerState struct {
	Kind   PointerKind
	Symbol string // set iff Kind == PointerSymbol
}

type PointerKind int

const (
	PointerNil PointerKind = iota
	PointerNonNil
	PointerUnknown
	PointerSymbol
	PointerVector
)

// State is an immutable, extend-by-copy map from stack slot to guard
// state, for both integer and managed-pointer guards. Copying on each
// WithInt/WithPointer (rather than mutating in place, and rather than the chained-
// parent scheme rtcheck/val.go uses for its larger ValState) keeps the
// guard state small enough — a handful of slots per function in
// practice — that a flat copy is simpler to reason about than a
// linked persistent map, while still giving every successor its own
// independent view.
type State struct {
	ints map[llvm.Value]IntState
	ptrs map[llvm.Value]PointerState
}

// Empty is the guard state with no slot tracked.
func Empty() State {
	return State{}
}

// IntOf returns the known state of an integer guard slot, defaulting
// to IntUnknown.
func (s State) IntOf(slot llvm.Value) IntState {
	if s.ints == nil {
		return IntUnknown
	}
	if v, ok := s.ints[slot]; ok {
		return v
	}
	return IntUnknown
}

// PointerOf returns the known state of a managed-pointer guard slot,
// defaulting to PointerUnknown.
func (s State) PointerOf(slot llvm.Value) PointerState {
	if s.ptrs == nil {
		return PointerState{Kind: PointerUnknown}
	}
	if v, ok := s.ptrs[slot]; ok {
		return v
	}
	return PointerState{Kind: PointerUnknown}
}

// WithInt returns a new State identical to s except slot's integer
// guard state is st.
func (s State) WithInt(slot llvm.Value, st IntState) State {
	out := s.clone()
	if out.ints == nil {
		out.ints = map[llvm.Value]IntState{}
	}
	out.ints[slot] = st
	return out
}

// WithPointer returns a new State identical to s except slot's
// managed-pointer guard state is st.
func (s State) WithPointer(slot llvm.Value, st PointerState) State {
	out := s.clone()
	if out.ptrs == nil {
		out.ptrs = map[llvm.Value]PointerState{}
	}
	out.ptrs[slot] = st
	return out
}

func (s State) clone() State {
	out := State{}
	if s.ints != nil {
		out.ints = make(map[llvm.Value]IntState, len(s.ints))
		for k, v := range s.ints {
			out.ints[k] = v
		}
	}
	if s.ptrs != nil {
		out.ptrs = make(map[llvm.Value]PointerState, len(s.ptrs))
		for k, v := range s.ptrs {
			out.ptrs[k] = v
		}
	}
	return out
}

// Merge combines two states at a control-flow join: a slot keeps its
// tracked value only if both predecessors agree; otherwise it reverts
// to unknown, matching the original's treatment of guards.cpp's
// terminator handling when multiple predecessors disagree.
func Merge(a, b State) State {
	out := State{}
	if len(a.ints) > 0 || len(b.ints) > 0 {
		out.ints = map[llvm.Value]IntState{}
		for slot, av := range a.ints {
			if bv, ok := b.ints[slot]; ok && bv == av {
				out.ints[slot] = av
			}
		}
	}
	if len(a.ptrs) > 0 || len(b.ptrs) > 0 {
		out.ptrs = map[llvm.Value]PointerState{}
		for slot, av := range a.ptrs {
			if bv, ok := b.ptrs[slot]; ok && bv == av {
				out.ptrs[slot] = av
			}
		}
	}
	return out
}

// IsIntegerGuard reports whether slot is only ever written an integer
// constant or the result of an icmp comparison — the same
// syntactic restriction as guards.cpp's isIntegerGuardVariable: any
// other kind of store disqualifies a slot from being tracked as a
// guard at all, since its value could be an arbitrary integer.
func IsIntegerGuard(fn *ir.Function, slot llvm.Value) bool {
	for _, b := range fn.Blocks {
		for _, in := range b.Instr {
			if in.Val.Opcode() != llvm.Store {
				continue
			}
			if in.Val.Operand(1) != slot {
				continue
			}
			val := in.Val.Operand(0)
			if val.IsAConstantInt().IsNil() && val.Opcode() != llvm.ICmp {
				return false
			}
		}
	}
	return true
}

// IsPointerGuard reports whether slot is only ever written a load of
// the distinguished nil global or the result of a call to a type-test
// predicate — guards.cpp's isSEXPGuardVariable restriction. Any other
// store, including one of a known-symbol global, disqualifies the slot.
func IsPointerGuard(fn *ir.Function, slot llvm.Value, g *ir.Globals) bool {
	for _, b := range fn.Blocks {
		for _, in := range b.Instr {
			if in.Val.Opcode() != llvm.Store {
				continue
			}
			if in.Val.Operand(1) != slot {
				continue
			}
			val := in.Val.Operand(0)
			if val.Opcode() == llvm.Load {
				src := val.Operand(0)
				if g.Nil != nil && src == g.Nil.Val {
					continue
				}
			}
			if val.Opcode() == llvm.Call {
				callee := val.CalledValue()
				if _, ok := ir.IsTypeTest(callee, g); ok {
					continue
				}
			}
			return false
		}
	}
	return true
}

// Branch computes the guard state to install on the true and false
// successors of a conditional branch on cond, given the incoming
// state. It recognizes `load(slot) == 0` / `!= 0` and `load(slot) ==
// load(nilGlobal)` / `!=` comparisons, refining the corresponding slot
// on each side.
func Branch(cond llvm.Value, in State, nilGlobal llvm.Value) (onTrue, onFalse State) {
	onTrue, onFalse = in, in
	if cond.Opcode() != llvm.ICmp {
		return
	}
	lhs, rhs := cond.Operand(0), cond.Operand(1)
	slot, isIntCmp := loadedSlot(lhs)
	if !isIntCmp {
		return
	}
	pred := cond.IntPredicate()
	if pred != llvm.IntEQ && pred != llvm.IntNE {
		return
	}
	if !rhs.IsAConstantInt().IsNil() && rhs.SExtValue() == 0 {
		onTrue = in.WithInt(slot, IntZero)
		onFalse = in.WithInt(slot, IntNonzero)
	} else if rhsSlot, ok := loadedSlot(rhs); ok && nilGlobal != (llvm.Value{}) && rhsSlot == nilGlobal {
		onTrue = in.WithPointer(slot, PointerState{Kind: PointerNil})
		onFalse = in.WithPointer(slot, PointerState{Kind: PointerNonNil})
	}
	if pred == llvm.IntNE {
		onTrue, onFalse = onFalse, onTrue
	}
	return
}

func loadedSlot(v llvm.Value) (llvm.Value, bool) {
	if v.Opcode() != llvm.Load {
		return llvm.Value{}, false
	}
	return v.Operand(0), true
}
