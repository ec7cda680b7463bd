// Package balance is the protection-balance checker (spec §4.K): a
// per-function, path-sensitive abstract interpreter tracking how many
// pointers are believed to be on the explicit protection stack,
// reporting functions whose protection depth can go negative or fails
// to return to its entry depth.
//
// Grounded on original_source/src/balance.cpp/.h (BalanceStateTy,
// isProtectionStackTopSaveVariable, isProtectionCounterVariable,
// MAX_DEPTH/MAX_COUNT) for the abstract domain, on
// rtcheck/main.go's walkFunction/walkBlock/PathStateSet worklist for
// the control structure (a per-block cache of already-visited entry
// states), and on bcheck.cpp's retry_function/abort_from_function
// goto loop (around its refinableInfos counter) for the
// guard-precision restart this checker performs around that walk: a
// function is first walked with no guard tracking at all, and only
// re-walked with integer guards and then pointer guards enabled if the
// plain walk hit a diagnostic that more precise guard narrowing could
// resolve.
package balance

import (
	"fmt"

	"github.com/aclements/rchk/internal/diag"
	"github.com/aclements/rchk/internal/guard"
	"github.com/aclements/rchk/internal/ir"
	"tinygo.org/x/go-llvm"
)

const (
	// MaxDepth bounds the supported protection stack depth; a
	// function whose depth could exceed it is reported and further
	// checking of that path is abandoned (spec §4.K capacity
	// diagnostics).
	MaxDepth = 64
	// MaxCount bounds the tracked exact value of a protection
	// counter variable before the checker falls back to differential
	// (countState = diff) tracking.
	MaxCount = 32
)

// CountState is the protection-counter tracking mode.
type CountState int

const (
	CountNone CountState = iota
	CountExact
	CountDiff
)

// State is the per-path abstract balance state (spec §3's
// Protection-balance state).
type State struct {
	Depth      int
	SavedDepth int // -1 means never saved (⊥)
	Count      int // -1 when countState != CountExact
	CountState CountState
	CounterVar llvm.Value
}

// Equal reports whether two states are identical, used for the
// per-block visited-state cache and path-set deduplication.
func (s State) Equal(o State) bool {
	return s == o
}

// guardLevel is how much of the guard variable state the walk is
// currently narrowing branches with. A function is first walked at
// guardsDisabled; bcheck.cpp's restart loop only pays for int- and
// then pointer-guard tracking on functions whose plainer walk actually
// produced a diagnostic that guard narrowing might have resolved.
type guardLevel int

const (
	guardsDisabled guardLevel = iota
	guardsInt
	guardsIntPointer
)

// Checker runs the balance fixed point over a module, reporting
// through msg.
type Checker struct {
	Globals *ir.Globals
	Msg     *diag.Messenger

	// ErrorBlocks, when set, names the blocks errpath.Find determined
	// are only reachable once the function has committed to an error
	// path (spec §4.B): protection bookkeeping there is never
	// diagnosed, matching callgraph.Build's identical use of the same
	// table to prune error-only edges.
	ErrorBlocks map[*ir.Function]map[*ir.Block]bool
}

// NewChecker returns a Checker ready to walk functions. errorBlocks
// may be nil, disabling the error-path suppression.
func NewChecker(g *ir.Globals, msg *diag.Messenger, errorBlocks map[*ir.Function]map[*ir.Block]bool) *Checker {
	return &Checker{Globals: g, Msg: msg, ErrorBlocks: errorBlocks}
}

// Check walks fn starting from entry, the all-zero state, and reports
// every path whose final depth is not back to its entry depth or that
// ever goes negative. It returns the set of distinct exit states seen
// on the attempt that was kept.
//
// The walk is retried with progressively more guard precision
// (guardsDisabled, then guardsInt, then guardsIntPointer) whenever a
// diagnostic that guard narrowing could resolve forced the walk to
// abandon the function early — bcheck.cpp's retry_function label,
// reached via goto abort_from_function whenever refinableInfos grows
// on a restartable attempt. Every retry first discards whatever the
// previous, less precise attempt had buffered for this function
// (msg.clearForFunction there, Msg.ClearForFunction here), so a
// diagnostic that only existed because of missing guard precision
// never reaches the output.
func (c *Checker) Check(fn *ir.Function) []State {
	c.Msg.SetFunction(fn)
	if fn.Declared {
		return []State{{}}
	}

	errBlocks := c.ErrorBlocks[fn]
	level := guardsDisabled
	var exits []State
	for {
		refinable := 0
		aborted := false
		visited := map[blockKey]bool{}
		exits = nil
		entry := State{SavedDepth: -1, Count: -1}
		c.walkBlock(fn, fn.Blocks[0], entry, guard.Empty(), errBlocks, level, visited, &aborted, &exits, &refinable)

		if refinable == 0 || level == guardsIntPointer {
			return exits
		}
		c.Msg.ClearForFunction()
		level++
	}
}

type blockKey struct {
	b *ir.Block
	s State
}

// walkBlock walks b and its successors under the given guard level,
// recording every path's exit state in exits and aborting the whole
// attempt (setting *aborted) the instant a refinable diagnostic fires
// — mirroring bcheck.cpp's goto abort_from_function, which abandons
// every state still queued for the function, not just the one path
// that triggered it.
//
// Guard state is deliberately not part of blockKey: guard.State holds
// unexported maps and so isn't comparable, and unlike the balance
// State proper it only ever narrows (never needs to be replayed to
// reach a fixed point) along the single forward walk a given attempt
// performs, so re-visiting a block already seen at the same balance
// state with a different guard state would just repeat the same
// per-instruction work without changing the final diagnostics.
func (c *Checker) walkBlock(fn *ir.Function, b *ir.Block, in State, g guard.State, errBlocks map[*ir.Block]bool, level guardLevel, visited map[blockKey]bool, aborted *bool, exits *[]State, refinable *int) {
	if *aborted {
		return
	}
	if errBlocks != nil && errBlocks[b] {
		if len(b.Instr) > 0 {
			c.Msg.Debug(b.Instr[0], "ignoring basic block on error path")
		}
		return
	}

	key := blockKey{b, in}
	if visited[key] {
		return
	}
	visited[key] = true

	s := in
	for _, instr := range b.Instr {
		var abort bool
		s, g, abort = c.step(fn, instr, s, g, level, refinable)
		if abort {
			*aborted = true
			return
		}
	}

	last := b.Instr[len(b.Instr)-1]

	if s.Depth > MaxDepth {
		c.Msg.Error(last, "protection stack depth exceeds supported maximum, giving up on this path")
		*refinable++
		*aborted = true
		return
	}

	if last.Val.Opcode() == llvm.Ret {
		if s.Depth != 0 || s.CountState == CountDiff {
			c.Msg.Error(last, fmt.Sprintf("%d protected pointer(s) not popped from the protection stack at function return", s.Depth))
			*exits = append(*exits, s)
			*refinable++
			*aborted = true
			return
		}
		*exits = append(*exits, s)
		return
	}

	succs := successors(b)
	if last.Val.Opcode() == llvm.Br && level >= guardsInt && len(succs) == 2 {
		cond := last.Val.Operand(0)
		onTrue, onFalse := guard.Branch(cond, g, nilGlobalVal(c.Globals))
		c.walkBlock(fn, succs[0], s, onTrue, errBlocks, level, visited, aborted, exits, refinable)
		if *aborted {
			return
		}
		c.walkBlock(fn, succs[1], s, onFalse, errBlocks, level, visited, aborted, exits, refinable)
		return
	}

	for _, succ := range succs {
		c.walkBlock(fn, succ, s, g, errBlocks, level, visited, aborted, exits, refinable)
		if *aborted {
			return
		}
	}
}

// step applies one instruction's effect to the balance state.
// Protect/ProtectWithIndex increment depth; Unprotect(n) decrements it
// by a constant n when known, otherwise by the tracked counter
// (countState) or, with guardsInt precision, by resolving a
// guard-selected constant; UnprotectPtr decrements by exactly one. A
// store of a constant into a recognized counter variable resets
// CountExact; an add-then-store onto it increments the tracked count,
// overflowing to CountDiff past MaxCount exactly as balance.h's
// CountState comment describes. Stores into a recognized guard
// variable, and the save/restore of R_PPStackTop through a recognized
// save variable, update state the same way bcheck.cpp's
// handleStoreToIntGuard/handleStoreToSEXPGuard and its
// isProtectionStackTopSaveVariable handling do.
func (c *Checker) step(fn *ir.Function, in *ir.Instr, s State, g guard.State, level guardLevel, refinable *int) (State, guard.State, bool) {
	if in.Val.Opcode() == llvm.Store {
		addr := in.Val.Operand(1)
		val := in.Val.Operand(0)

		if c.Globals.ProtectStackTop != nil && addr == c.Globals.ProtectStackTop.Val {
			if val.Opcode() == llvm.Load {
				if savedSlot := val.Operand(0); isSaveVar(savedSlot, c.Globals) {
					if s.SavedDepth < 0 {
						c.Msg.Info(in, "restores the protection stack top from an uninitialized local variable")
						*refinable++
						return s, g, true
					}
					s.Depth = s.SavedDepth
					return s, g, false
				}
			}
			c.Msg.Debug(in, "manipulates the protection stack top directly")
			return s, g, false
		}

		if isCounterVar(fn, addr, c.Globals) {
			if !val.IsAConstantInt().IsNil() {
				if s.CountState == CountDiff {
					c.Msg.Info(in, "sets a protection counter variable while its value is only known differentially")
					*refinable++
					return s, g, true
				}
				n := int(val.SExtValue())
				s.CounterVar = addr
				s.Count = n
				s.CountState = CountExact
				if s.Count < 0 {
					c.Msg.Info(in, "protection counter set to a negative value")
				}
			} else if val.Opcode() == llvm.Add {
				lhs, rhs := val.Operand(0), val.Operand(1)
				if isLoadOf(lhs, addr) && !rhs.IsAConstantInt().IsNil() {
					var abort bool
					s, abort = bumpCounter(s, addr, int(rhs.SExtValue()), c, in, refinable)
					if abort {
						return s, g, true
					}
				}
			}
		}

		if isSaveVar(addr, c.Globals) && val.Opcode() == llvm.Load && c.Globals.ProtectStackTop != nil && val.Operand(0) == c.Globals.ProtectStackTop.Val {
			s.SavedDepth = s.Depth
		}

		if level >= guardsInt && guard.IsIntegerGuard(fn, addr) {
			g = g.WithInt(addr, intGuardStateFromValue(val))
		}
		if level >= guardsIntPointer && guard.IsPointerGuard(fn, addr, c.Globals) {
			g = g.WithPointer(addr, pointerGuardStateFromValue(val, c.Globals))
		}
		return s, g, false
	}

	ok, callee := ir.IsCall(in)
	if !ok || callee.IsNil() {
		return s, g, false
	}
	args := ir.Args(in)

	switch {
	case c.Globals.Protect != nil && callee == c.Globals.Protect.Val:
		s.Depth++
	case c.Globals.ProtectWithIndex != nil && callee == c.Globals.ProtectWithIndex.Val:
		s.Depth++
	case c.Globals.UnprotectPtr != nil && callee == c.Globals.UnprotectPtr.Val:
		s.Depth--
		if s.Depth < 0 {
			c.Msg.Error(in, "unprotect count greater than the number of protected pointers")
			*refinable++
			return s, g, true
		}
	case c.Globals.Unprotect != nil && callee == c.Globals.Unprotect.Val:
		var abort bool
		s, abort = unprotect(s, args, in, c, g, level, refinable)
		if abort {
			return s, g, true
		}
	}
	return s, g, false
}

func bumpCounter(s State, counterVar llvm.Value, n int, c *Checker, in *ir.Instr, refinable *int) (State, bool) {
	s.CounterVar = counterVar
	switch s.CountState {
	case CountExact:
		s.Count += n
		if s.Count > MaxCount {
			// Past the supported exact range: fold the counter's
			// contribution into depth (depth becomes "stack top -
			// counter") and stop tracking it precisely, per
			// balance.h's CS_DIFF semantics.
			s.Depth -= s.Count
			s.Count = -1
			s.CountState = CountDiff
			return s, false
		}
		if s.Count < 0 {
			c.Msg.Info(in, "protection counter went negative after increment")
			*refinable++
			return s, true
		}
	case CountNone:
		c.Msg.Info(in, "adds a constant to an uninitialized protection counter variable")
		*refinable++
		return s, true
	case CountDiff:
		s.Depth -= n
	}
	return s, false
}

// unprotect applies an Rf_unprotect(n) call's effect. A constant n
// pops that many entries directly; a load of the tracked counter
// variable consults its CountState; otherwise, at guardsInt precision,
// a Select guarded by a recognized int guard (the `UNPROTECT(guard ?
// a : b)` idiom) is resolved using the guard's narrowed state.
// Anything else leaves the depth untouched and is reported only at
// Debug, matching freshvars.cpp/bcheck.cpp's own silent fallback for
// unprotect() call shapes neither recognizes.
func unprotect(s State, args []llvm.Value, in *ir.Instr, c *Checker, g guard.State, level guardLevel, refinable *int) (State, bool) {
	if len(args) == 0 {
		return s, false
	}
	if !args[0].IsAConstantInt().IsNil() {
		s.Depth -= int(args[0].SExtValue())
		if s.Depth < 0 {
			c.Msg.Error(in, "unprotect count greater than the number of protected pointers")
			*refinable++
			return s, true
		}
		return s, false
	}
	if args[0].Opcode() == llvm.Load && args[0].Operand(0) == s.CounterVar {
		switch s.CountState {
		case CountExact:
			s.Depth -= s.Count
			s.Count = 0
			if s.Depth < 0 {
				c.Msg.Error(in, "unprotect count greater than the number of protected pointers")
				*refinable++
				return s, true
			}
		case CountDiff:
			// depth already encodes "stack top - counter"; an
			// unprotect(counter) call here just stops tracking the
			// counter further.
			s.CountState = CountNone
		case CountNone:
			c.Msg.Info(in, "unprotecting a counter that was never initialized on this path")
			*refinable++
			return s, true
		}
		return s, false
	}
	if level >= guardsInt {
		if n, ok := resolveSelectUnprotect(args[0], g); ok {
			s.Depth -= n
			if s.Depth < 0 {
				c.Msg.Error(in, "unprotect count greater than the number of protected pointers")
				*refinable++
				return s, true
			}
			return s, false
		}
	}
	c.Msg.Debug(in, "unprotect() called with a non-constant, non-counter argument; balance unknown on this path")
	return s, false
}

// resolveSelectUnprotect recognizes Rf_unprotect(guard ? a : b), the
// idiom bcheck.cpp resolves via its int-guard-enabled retry, and
// returns the constant operand picked by g's narrowed state for the
// guard slot loaded by the select's condition. Only `== 0` and `!= 0`
// conditions are resolved, the same two forms guard.Branch refines.
func resolveSelectUnprotect(sel llvm.Value, g guard.State) (int, bool) {
	if sel.Opcode() != llvm.Select {
		return 0, false
	}
	cond, trueC, falseC := sel.Operand(0), sel.Operand(1), sel.Operand(2)
	if cond.Opcode() != llvm.ICmp || trueC.IsAConstantInt().IsNil() || falseC.IsAConstantInt().IsNil() {
		return 0, false
	}
	lhs, rhs := cond.Operand(0), cond.Operand(1)
	if lhs.Opcode() != llvm.Load || rhs.IsAConstantInt().IsNil() || rhs.SExtValue() != 0 {
		return 0, false
	}
	slot := lhs.Operand(0)
	onZero, onNonzero := trueC, falseC
	switch cond.IntPredicate() {
	case llvm.IntEQ:
	case llvm.IntNE:
		onZero, onNonzero = falseC, trueC
	default:
		return 0, false
	}
	switch g.IntOf(slot) {
	case guard.IntZero:
		return int(onZero.SExtValue()), true
	case guard.IntNonzero:
		return int(onNonzero.SExtValue()), true
	}
	return 0, false
}

func intGuardStateFromValue(val llvm.Value) guard.IntState {
	if !val.IsAConstantInt().IsNil() {
		if val.SExtValue() == 0 {
			return guard.IntZero
		}
		return guard.IntNonzero
	}
	return guard.IntUnknown
}

func pointerGuardStateFromValue(val llvm.Value, g *ir.Globals) guard.PointerState {
	if val.Opcode() == llvm.Load && g.Nil != nil && val.Operand(0) == g.Nil.Val {
		return guard.PointerState{Kind: guard.PointerNil}
	}
	return guard.PointerState{Kind: guard.PointerUnknown}
}

func nilGlobalVal(g *ir.Globals) llvm.Value {
	if g.Nil == nil {
		return llvm.Value{}
	}
	return g.Nil.Val
}

func isCounterVar(fn *ir.Function, slot llvm.Value, g *ir.Globals) bool {
	if slot.IsAAllocaInst().IsNil() {
		return false
	}
	if slot.AllocatedType().TypeKind() != llvm.IntegerTypeKind {
		return false
	}
	if g.Unprotect == nil {
		return false
	}
	passedToUnprotect := false
	for use := slot.FirstUse(); !use.IsNil(); use = use.NextUse() {
		u := use.User()
		switch u.Opcode() {
		case llvm.Store, llvm.Load:
			continue
		case llvm.Call:
			if u.CalledValue() == g.Unprotect.Val {
				passedToUnprotect = true
				continue
			}
			return false
		default:
			return false
		}
	}
	return passedToUnprotect
}

func isSaveVar(slot llvm.Value, g *ir.Globals) bool {
	if slot.IsAAllocaInst().IsNil() || g.ProtectStackTop == nil {
		return false
	}
	for use := slot.FirstUse(); !use.IsNil(); use = use.NextUse() {
		u := use.User()
		if u.Opcode() == llvm.Store {
			v := u.Operand(0)
			if v.Opcode() == llvm.Load && v.Operand(0) == g.ProtectStackTop.Val {
				continue
			}
		}
		if u.Opcode() == llvm.Load {
			continue
		}
		return false
	}
	return true
}

func isLoadOf(v, slot llvm.Value) bool {
	return v.Opcode() == llvm.Load && v.Operand(0) == slot
}

func successors(b *ir.Block) []*ir.Block {
	if len(b.Instr) == 0 {
		return nil
	}
	term := b.Instr[len(b.Instr)-1].Val
	n := term.SuccessorsCount()
	out := make([]*ir.Block, 0, n)
	for i := 0; i < n; i++ {
		bb := term.Successor(i)
		for _, cand := range b.Fn.Blocks {
			if cand.Val == bb {
				out = append(out, cand)
				break
			}
		}
	}
	return out
}
