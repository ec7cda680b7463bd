// Package freshvars is the fresh-variable checker (spec §4.L): a
// per-function, path-sensitive abstract interpreter tracking which
// stack slots hold freshly allocated, unprotected managed pointers,
// reporting any that are passed to, or still held across, a call to an
// allocating function, or still unprotected at function return.
//
// Grounded on original_source/src/freshvars.h/.cpp's FreshVarsTy: a map
// from tracked slot to protect-count, an ordered pstack of (possibly
// anonymous) protect targets that Rf_unprotect(n) pops from by
// position rather than by name, a per-slot list of conditional
// messages deferred until internal/liveness's facts resolve whether
// the slot is still reachable, and a sticky confused flag. It shares
// the walkBlock worklist shape internal/balance establishes, since the
// original runs both checks as instantiations of the same generic
// state-walking engine (state.h's StateBaseTy) with different per-path
// payloads.
package freshvars

import (
	"fmt"

	"github.com/aclements/rchk/internal/cprotect"
	"github.com/aclements/rchk/internal/ctxtab"
	"github.com/aclements/rchk/internal/diag"
	"github.com/aclements/rchk/internal/ir"
	"github.com/aclements/rchk/internal/liveness"
	"github.com/aclements/rchk/internal/vectors"
	"tinygo.org/x/go-llvm"
)

// condMsg is a diagnostic whose fate (reported or silently dropped)
// depends on what eventually happens to the slot it names — freshvars.cpp's
// condMsgs, flushed or discarded by pruneFreshVars as liveness resolves
// the slot's future.
type condMsg struct {
	in   *ir.Instr
	text string
}

// State is the per-path fresh-variable state (spec §3): a map from
// slot to protect-count, the ordered protection-stack shadow pstack
// Rf_unprotect(n) pops from, and any conditional diagnostics still
// waiting on a slot's fate.
type State struct {
	Fresh map[llvm.Value]int
	// Pstack mirrors the runtime's own protection stack: each
	// Protect/ProtectWithIndex/PreserveObject/Reprotect call pushes one
	// entry, naming the slot it protected, or the zero Value for a
	// protect call whose target isn't a single recognized local (an
	// "anonymous" entry, in freshvars.cpp's terms). Rf_unprotect(n)
	// pops exactly n entries off the top, regardless of which slots'
	// counts they belong to.
	Pstack []llvm.Value
	// CondMsgs holds, per slot, diagnostics deferred until the slot's
	// liveness resolves: flushed for real if the slot turns out to
	// definitely be used again, discarded if it's never possibly used
	// again.
	CondMsgs map[llvm.Value][]condMsg
	// Confused is sticky: once a path's fresh-pointer bookkeeping
	// loses precision (e.g. an unrecognized unprotect() argument),
	// further checking on it is suppressed rather than risk false
	// positives.
	Confused bool
}

func emptyState() State {
	return State{Fresh: map[llvm.Value]int{}, CondMsgs: map[llvm.Value][]condMsg{}}
}

func (s State) clone() State {
	out := State{
		Fresh:    make(map[llvm.Value]int, len(s.Fresh)),
		CondMsgs: make(map[llvm.Value][]condMsg, len(s.CondMsgs)),
		Confused: s.Confused,
	}
	for k, v := range s.Fresh {
		out.Fresh[k] = v
	}
	for k, v := range s.CondMsgs {
		out.CondMsgs[k] = append([]condMsg(nil), v...)
	}
	out.Pstack = append([]llvm.Value(nil), s.Pstack...)
	return out
}

// maxBlockVisits bounds how many times a single block may be walked
// (every visit counts, whatever its incoming state) before further
// visits of it are cut off, guarding against unbounded exploration of
// loops that keep producing new fresh-variable states.
const maxBlockVisits = 64

// Checker walks functions looking for unprotected fresh pointers.
type Checker struct {
	Globals    *ir.Globals
	Msg        *diag.Messenger
	Module     *ir.Module
	Allocators map[*ir.Function]bool
	Allocating map[*ir.Function]bool

	// CProtect is consulted, at a call passing an unprotected fresh
	// pointer to an allocating function, to tell a genuine risk
	// (caller-protect) apart from a callee that protects the argument
	// itself (callee-protect) or merely may drop it without reading a
	// stale value later (callee-safe) — spec §4.J, resolving the
	// `cons`-style false positive a name-blind check produces.
	CProtect  cprotect.Table
	IsManaged func(llvm.Type) bool

	// Vectors and Ctx are an optional, narrow consultation of spec
	// §4.F/§4.G's context table and vector-return oracle: when both are
	// set, a call to a function known to always return a vector gets a
	// Debug note. See DESIGN.md for why the full context-sensitive
	// CalledFunctionTy resolution wasn't ported.
	Vectors *vectors.Oracle
	Ctx     *ctxtab.Table

	visitCounts map[*ir.Function]map[*ir.Block]int
}

// NewChecker returns a Checker configured with the allocator set (E),
// the allocating/A⁺ set, and the callee-protect classification table.
func NewChecker(g *ir.Globals, msg *diag.Messenger, m *ir.Module, allocators, allocating map[*ir.Function]bool, cp cprotect.Table, isManaged func(llvm.Type) bool) *Checker {
	return &Checker{
		Globals: g, Msg: msg, Module: m, Allocators: allocators, Allocating: allocating,
		CProtect: cp, IsManaged: isManaged,
		visitCounts: map[*ir.Function]map[*ir.Block]int{},
	}
}

// Check walks fn from its entry block with no fresh variables tracked.
func (c *Checker) Check(fn *ir.Function) {
	if fn.Declared {
		return
	}
	c.Msg.SetFunction(fn)
	counts, ok := c.visitCounts[fn]
	if !ok {
		counts = map[*ir.Block]int{}
		c.visitCounts[fn] = counts
	}
	live := liveness.Find(fn)
	c.walkBlock(fn, fn.Blocks[0], emptyState(), counts, live)
}

func (c *Checker) walkBlock(fn *ir.Function, b *ir.Block, in State, counts map[*ir.Block]int, live liveness.Result) {
	counts[b]++
	if counts[b] > maxBlockVisits {
		return
	}

	s := in
	for _, instr := range b.Instr {
		s = c.step(fn, instr, s, live)
		if s.Confused {
			return
		}
	}

	last := b.Instr[len(b.Instr)-1]
	if last.Val.Opcode() == llvm.Ret {
		// The function is returning: any diagnostic still waiting on a
		// slot's fate never gets to fire, since there's no further
		// instruction to resolve it — discard rather than flush, so a
		// var that was merely passed around and never misused doesn't
		// also get a confusing second message alongside the one below.
		s = discardPendingMessages(s)
		for slot, count := range s.Fresh {
			if count == 0 {
				c.Msg.Error(last, fmt.Sprintf("fresh pointer in variable %s unprotected at function return", nameOf(slot)))
			}
		}
		return
	}

	for _, succ := range successors(b) {
		c.walkBlock(fn, succ, s, counts, live)
	}
}

// step applies one instruction's effect on the fresh-variable state:
//   - a store of a call result from an allocator function makes the
//     destination slot fresh, with protect-count 0; any other store
//     clears the slot's fresh status and pending messages.
//   - Protect/ProtectWithIndex/PreserveObject/Reprotect push an entry
//     onto pstack (anonymous if the argument isn't a recognized local)
//     and bump the named slot's count.
//   - Rf_unprotect(n), for constant n, pops exactly n pstack entries,
//     decrementing each popped slot's count (clamped at zero); any
//     other argument shape falls back to the confused, blanket-clear
//     path freshvars.cpp calls unprotectAll.
//   - a call to an allocating function prunes dead tracked slots via
//     liveness, reports loaded fresh arguments per their
//     callee-protect/callee-safe/caller-protect classification, and
//     flags every other still-unprotected fresh slot not passed to
//     this call at all (the "other fresh vars" diagnostic).
func (c *Checker) step(fn *ir.Function, in *ir.Instr, s State, live liveness.Result) State {
	switch in.Val.Opcode() {
	case llvm.Store:
		addr := in.Val.Operand(1)
		if addr.IsAAllocaInst().IsNil() {
			return s
		}
		val := in.Val.Operand(0)
		s = s.clone()
		delete(s.Fresh, addr)
		delete(s.CondMsgs, addr)
		if val.Opcode() == llvm.Call && lookupCallee(val, c.Allocators) {
			s.Fresh[addr] = 0
		}
		return s

	case llvm.Call:
		calleeVal := in.Val.CalledValue()
		args := ir.Args(in)

		switch {
		case c.Globals.Protect != nil && calleeVal == c.Globals.Protect.Val && len(args) > 0:
			return protectArg(s, args[0])
		case c.Globals.ProtectWithIndex != nil && calleeVal == c.Globals.ProtectWithIndex.Val && len(args) > 0:
			return protectArg(s, args[0])
		case c.Globals.Preserve != nil && calleeVal == c.Globals.Preserve.Val && len(args) > 0:
			return protectArg(s, args[0])
		case c.Globals.Reprotect != nil && calleeVal == c.Globals.Reprotect.Val && len(args) > 0:
			return protectArg(s, args[0])
		case c.Globals.UnprotectPtr != nil && calleeVal == c.Globals.UnprotectPtr.Val && len(args) > 0:
			return bump(s, args[0], +1) // popping a fresh pointer by name still "uses" it safely
		case c.Globals.Unprotect != nil && calleeVal == c.Globals.Unprotect.Val:
			if len(args) > 0 && !args[0].IsAConstantInt().IsNil() {
				return popUnprotect(s, int(args[0].SExtValue()))
			}
			return unprotectAll(s)
		default:
			return c.stepAllocatingCall(fn, in, calleeVal, args, s, live)
		}

	case llvm.Load:
		// A bare load (not part of a recognized call pattern above) of
		// a still-unprotected fresh slot is fine by itself — using the
		// value is what's checked above at its point of use — so
		// loads are not independently diagnosed here.
		return s
	}
	return s
}

// stepAllocatingCall is the default case of step's call handling:
// calls that are neither protect nor unprotect. Only calls to
// functions the alloc package determined may themselves allocate
// (c.Allocating) are a protection risk — a non-allocating call can't
// trigger GC, so passing any pointer to it, fresh or not, is always
// safe and gets no diagnostic at all.
func (c *Checker) stepAllocatingCall(fn *ir.Function, in *ir.Instr, calleeVal llvm.Value, args []llvm.Value, s State, live liveness.Result) State {
	var calleeFn *ir.Function
	if c.Module != nil && !calleeVal.IsNil() {
		calleeFn = c.Module.Lookup(calleeVal.Name())
	}
	if calleeFn == nil || !c.Allocating[calleeFn] {
		return s
	}

	vars := live[in]
	s = pruneFreshVars(s, vars, c)

	passed := map[llvm.Value]bool{}
	for argIdx, arg := range args {
		slot, isLoad := loadedSlot(arg)
		if !isLoad {
			continue
		}
		passed[slot] = true
		count, tracked := s.Fresh[slot]
		if !tracked || count != 0 {
			continue
		}

		kind := cprotect.Trivial
		if c.CProtect != nil && c.IsManaged != nil {
			kind = c.CProtect.Kind(calleeFn, argIdx, c.IsManaged, c.Allocating)
		}
		switch kind {
		case cprotect.CalleeProtect:
			// The callee protects this argument itself before it can
			// be collected; nothing to report.
		case cprotect.CalleeSafe:
			text := fmt.Sprintf("unprotected variable %s passed to callee-safe allocating function %s", nameOf(slot), calleeFn.Name)
			s = issueConditionalMessage(s, slot, in, text, vars, c)
		default:
			c.Msg.Error(in, fmt.Sprintf("unprotected variable %s passed as an argument to allocating function %s", nameOf(slot), calleeFn.Name))
		}
	}

	for slot, count := range s.Fresh {
		if count == 0 && !passed[slot] {
			text := fmt.Sprintf("unprotected variable %s while calling allocating function %s", nameOf(slot), calleeFn.Name)
			s = issueConditionalMessage(s, slot, in, text, vars, c)
		}
	}

	if c.Vectors != nil && c.Ctx != nil {
		if c.Vectors.ReturnsOnlyVector(calleeFn, c.Ctx.Default(calleeFn).Context) {
			c.Msg.Debug(in, fmt.Sprintf("calling %s, known to always return a vector", calleeFn.Name))
		}
	}

	return s
}

// pruneFreshVars drops tracked slots that are no longer possibly used
// on any path (discarding their pending messages unreported) and
// flushes the pending messages of slots now definitely going to be
// used — freshvars.cpp's own pruneFreshVars, run at each allocating
// call so a diagnostic about a slot that's actually about to go out of
// scope unused doesn't fire.
func pruneFreshVars(s State, vars liveness.Vars, c *Checker) State {
	s = s.clone()
	for slot := range s.Fresh {
		if !vars.Used[slot] {
			delete(s.Fresh, slot)
			delete(s.CondMsgs, slot)
			continue
		}
		if !vars.Killed[slot] {
			for _, m := range s.CondMsgs[slot] {
				c.Msg.Info(m.in, m.text)
			}
			delete(s.CondMsgs, slot)
		}
	}
	return s
}

// issueConditionalMessage reports text immediately if slot is
// definitely used again (possibly used, not possibly killed first);
// otherwise it defers the message until pruneFreshVars resolves the
// slot's fate.
func issueConditionalMessage(s State, slot llvm.Value, in *ir.Instr, text string, vars liveness.Vars, c *Checker) State {
	if vars.Used[slot] && !vars.Killed[slot] {
		c.Msg.Info(in, text)
		return s
	}
	s = s.clone()
	s.CondMsgs[slot] = append(s.CondMsgs[slot], condMsg{in, text})
	return s
}

func discardPendingMessages(s State) State {
	if len(s.CondMsgs) == 0 {
		return s
	}
	s = s.clone()
	s.CondMsgs = map[llvm.Value][]condMsg{}
	return s
}

// protectArg pushes one pstack entry for a Protect/ProtectWithIndex/
// PreserveObject/Reprotect call's target argument, and bumps the
// target's tracked count if it resolves to a recognized local slot.
// An argument that isn't a direct load of a local (e.g. the result of
// an inline expression) still occupies a pstack slot, but an anonymous
// one — the zero Value — since popUnprotect must still account for it
// positionally even though there's no named slot to credit.
func protectArg(s State, arg llvm.Value) State {
	s = s.clone()
	slot, ok := loadedSlot(arg)
	if !ok {
		s.Pstack = append(s.Pstack, llvm.Value{})
		return s
	}
	s.Pstack = append(s.Pstack, slot)
	if _, tracked := s.Fresh[slot]; tracked {
		s.Fresh[slot]++
	}
	return s
}

// popUnprotect applies Rf_unprotect(n): pop n entries off pstack,
// decrementing (never below zero) each popped slot's tracked count.
func popUnprotect(s State, n int) State {
	s = s.clone()
	if n > len(s.Pstack) {
		n = len(s.Pstack)
	}
	for i := 0; i < n; i++ {
		top := len(s.Pstack) - 1
		slot := s.Pstack[top]
		s.Pstack = s.Pstack[:top]
		if slot == (llvm.Value{}) {
			continue
		}
		if count, tracked := s.Fresh[slot]; tracked && count > 0 {
			s.Fresh[slot] = count - 1
		}
	}
	return s
}

// unprotectAll is the confused fallback for an Rf_unprotect() call
// whose argument isn't a recognized constant: freshvars.cpp's
// unprotectAll, used when it can no longer tell which pstack entries
// are being popped. It clears pstack and every tracked slot's count
// rather than risk reporting a false imbalance, and marks the path
// confused so no further diagnostics are issued on it.
func unprotectAll(s State) State {
	s = s.clone()
	s.Pstack = nil
	for slot := range s.Fresh {
		s.Fresh[slot] = 0
	}
	s.Confused = true
	return s
}

func bump(s State, arg llvm.Value, delta int) State {
	slot, ok := loadedSlot(arg)
	if !ok {
		return s
	}
	if _, tracked := s.Fresh[slot]; !tracked {
		return s
	}
	s = s.clone()
	s.Fresh[slot] += delta
	return s
}

func lookupCallee(call llvm.Value, allocators map[*ir.Function]bool) bool {
	callee := call.CalledValue()
	for fn := range allocators {
		if fn.Val == callee {
			return true
		}
	}
	return false
}

func loadedSlot(v llvm.Value) (llvm.Value, bool) {
	if v.Opcode() != llvm.Load {
		return llvm.Value{}, false
	}
	return v.Operand(0), true
}

func nameOf(slot llvm.Value) string {
	if n := slot.Name(); n != "" {
		return n
	}
	return "<unnamed>"
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
