// Package errpath finds functions and basic blocks from which a
// normal return is unreachable (spec §4.B).
//
// Grounded on original_source/src/errors.cpp: a block is classified as
// "returning" if it ends in a return instruction or can reach a
// returning block through its successors; anything left over,
// including blocks that end in unreachable or call into an
// already-known non-returning function, is an error block. The outer
// fixed point (in Find) grows the known-non-returning set
// one pass at a time until stable — the same set-saturation idiom the
// teacher uses for call-graph and lock-set closures (rtcheck/main.go,
// rtcheck/order.go).
package errpath

import (
	"github.com/aclements/rchk/internal/ir"
	"tinygo.org/x/go-llvm"
)

// EscapeRecognizer reports whether calling fn is equivalent to a
// non-local exit (longjmp/throw) even though fn itself returns
// normally in its own IR. This supplements the structural fixed point
// with the original's exceptions.cpp special-casing of the runtime's
// error-raising entry points (Rf_error and friends), which are not
// marked noreturn in the IR but never fall through at their call
// sites in practice.
type EscapeRecognizer func(fn *ir.Function) bool

// Result is the output of Find: the set of functions from which no
// return is reachable, and, for every function, the set of blocks
// within it that can't reach a normal return.
type Result struct {
	ErrorFunctions map[*ir.Function]bool
	ErrorBlocks    map[*ir.Function]map[*ir.Block]bool
}

// Find computes the error-path classification for every function
// defined in m. escapes may be nil.
func Find(m *ir.Module, escapes EscapeRecognizer) *Result {
	res := &Result{
		ErrorFunctions: map[*ir.Function]bool{},
		ErrorBlocks:    map[*ir.Function]map[*ir.Block]bool{},
	}
	if escapes == nil {
		escapes = func(*ir.Function) bool { return false }
	}
	byValue := indexByValue(m)

	// Outer fixed point: a function newly found to be error-only can
	// make callers of it error-only too, so repeat until a full pass
	// adds nothing.
	changed := true
	for changed {
		changed = false
		for _, fn := range m.Functions() {
			if fn.Declared || len(fn.Blocks) == 0 || res.ErrorFunctions[fn] {
				continue
			}
			returning := returningBlocks(fn, res.ErrorFunctions, escapes, byValue, true)
			if !returning[fn.Blocks[0]] {
				res.ErrorFunctions[fn] = true
				changed = true
			}
		}
	}

	for _, fn := range m.Functions() {
		if fn.Declared || len(fn.Blocks) == 0 {
			continue
		}
		returning := returningBlocks(fn, res.ErrorFunctions, escapes, byValue, false)
		blocks := map[*ir.Block]bool{}
		for _, b := range fn.Blocks {
			if !returning[b] {
				blocks[b] = true
			}
		}
		res.ErrorBlocks[fn] = blocks
	}
	return res
}

func indexByValue(m *ir.Module) map[llvm.Value]*ir.Function {
	idx := make(map[llvm.Value]*ir.Function, len(m.Functions()))
	for _, fn := range m.Functions() {
		idx[fn.Val] = fn
	}
	return idx
}

// returningBlocks classifies fn's blocks into the "returning" set: a
// block is returning if it has a direct return, or can reach one
// through successors, and isn't itself an immediate error block (ends
// unreachable, or calls a known non-returning / escape function).
//
// When onlyCheck is true, the scan stops as soon as the entry block is
// found to be returning: Find only needs a boolean answer from it for
// the outer fixed point, matching the original's onlyCheck short
// circuit.
func returningBlocks(fn *ir.Function, errorFns map[*ir.Function]bool, escapes EscapeRecognizer, byValue map[llvm.Value]*ir.Function, onlyCheck bool) map[*ir.Block]bool {
	entry := fn.Blocks[0]
	errorBlocks := map[*ir.Block]bool{}
	returning := map[*ir.Block]bool{}

classify:
	for _, b := range fn.Blocks {
		if len(b.Instr) == 0 {
			continue
		}
		last := b.Instr[len(b.Instr)-1]
		if last.Val.Opcode() == llvm.Unreachable {
			errorBlocks[b] = true
			continue
		}
		for _, in := range b.Instr {
			ok, callee := ir.IsCall(in)
			if !ok || callee.IsNil() {
				continue
			}
			callFn := byValue[callee]
			if callFn != nil && (errorFns[callFn] || escapes(callFn)) {
				errorBlocks[b] = true
				continue classify
			}
		}
		if last.Val.Opcode() == llvm.Ret {
			if onlyCheck && b == entry {
				return map[*ir.Block]bool{entry: true}
			}
			returning[b] = true
		}
	}

	added := len(returning) > 0
	for added {
		added = false
		for _, b := range fn.Blocks {
			if errorBlocks[b] || returning[b] {
				continue
			}
			for _, succ := range successors(b) {
				if returning[succ] {
					if onlyCheck && b == entry {
						return map[*ir.Block]bool{entry: true}
					}
					returning[b] = true
					added = true
					break
				}
			}
		}
	}
	return returning
}

// successors returns the basic blocks b's terminator can branch to.
func successors(b *ir.Block) []*ir.Block {
	if len(b.Instr) == 0 {
		return nil
	}
	term := b.Instr[len(b.Instr)-1].Val
	n := term.SuccessorsCount()
	if n == 0 {
		return nil
	}
	fn := b.Fn
	out := make([]*ir.Block, 0, n)
	for i := 0; i < n; i++ {
		bb := term.Successor(i)
		for _, cand := range fn.Blocks {
			if cand.Val == bb {
				out = append(out, cand)
				break
			}
		}
	}
	return out
}
