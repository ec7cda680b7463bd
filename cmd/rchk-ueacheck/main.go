// Command rchk-ueacheck is the unescaped-argument checker (spec §6):
// an extension of rchk-maacheck's immediate-argument pattern to
// arguments read back from a local variable that was itself just
// assigned the result of an allocating call, with no protecting call
// observed on that variable in between.
//
// The original (ueacheck.cpp) answers "in between" with a real
// dominator tree over the function's CFG. internal/ir exposes no
// dominance query, and building one is disproportionate to this one
// heuristic driver, so this checker approximates "in between" with
// per-block program order: the allocating store must precede the use
// in the use's own block. Stores in other blocks are not considered.
package main

import (
	"fmt"

	"github.com/aclements/rchk/internal/alloc"
	"github.com/aclements/rchk/internal/callgraph"
	"github.com/aclements/rchk/internal/cmdutil"
	"github.com/aclements/rchk/internal/errpath"
	"github.com/aclements/rchk/internal/ir"
	"tinygo.org/x/go-llvm"
)

func main() {
	setup := cmdutil.Parse("rchk-ueacheck", "<bitcode> [link-bitcode]")
	m, g := setup.Module, setup.Globals

	direct := alloc.Find(m, ir.IsManagedPointer)
	errs := errpath.Find(m, nil)
	graph := callgraph.Build(m, callgraph.Options{IgnoreErrorPaths: true, Errors: errs})
	var allocating map[*ir.Function]bool
	if g.GCInternal != nil {
		allocating = alloc.Allocating(graph, g.GCInternal)
	}

	for _, fn := range m.Functions() {
		if !setup.ReportOnly[fn.Name] {
			continue
		}
		checkFunction(fn, m, g, direct, allocating)
	}
}

func checkFunction(fn *ir.Function, m *ir.Module, g *ir.Globals, direct, allocating map[*ir.Function]bool) {
	for _, b := range fn.Blocks {
		for _, in := range b.Instr {
			ok, callee := ir.IsCall(in)
			if !ok || callee.IsNil() {
				continue
			}
			calleeFn := m.Lookup(callee.Name())
			if calleeFn == nil {
				continue
			}

			nAllocating, nFresh := 0, 0
			for _, arg := range ir.Args(in) {
				var sourceFn *ir.Function
				switch {
				case arg.Opcode() == llvm.Call:
					if c := arg.CalledValue(); !c.IsAFunction().IsNil() {
						sourceFn = m.Lookup(c.Name())
					}
				case arg.Opcode() == llvm.Load:
					slot := arg.Operand(0)
					if !slot.IsAAllocaInst().IsNil() {
						if store := allocatingStoreBefore(b, in, slot, m, g, direct, allocating); store != nil {
							sourceFn = store
						}
					}
				}
				if sourceFn == nil || !ir.IsManagedPointer(sourceFn.Val.ReturnType()) || !allocating[sourceFn] {
					continue
				}
				nAllocating++
				if sourceFn != g.Intern && direct[sourceFn] {
					nFresh++
				}
			}
			if nAllocating >= 2 && nFresh >= 1 {
				fmt.Printf("WARNING Suspicious call (unescaped/unprotected argument) at %s %s\n", fn.Name, in.Location())
			}
		}
	}
}

// allocatingStoreBefore looks, within b, for the most recent store of
// an allocating call's result into slot before use, with no
// intervening call to Protect/ProtectWithIndex on a load of slot.
func allocatingStoreBefore(b *ir.Block, use *ir.Instr, slot llvm.Value, m *ir.Module, g *ir.Globals, direct, allocating map[*ir.Function]bool) *ir.Function {
	var lastAlloc *ir.Function
	for _, in := range b.Instr {
		if in == use {
			break
		}
		if in.Val.Opcode() == llvm.Store && in.Val.Operand(1) == slot {
			val := in.Val.Operand(0)
			lastAlloc = nil
			if val.Opcode() == llvm.Call {
				if c := val.CalledValue(); !c.IsAFunction().IsNil() {
					if fn := m.Lookup(c.Name()); fn != nil && allocating[fn] {
						lastAlloc = fn
					}
				}
			}
			continue
		}
		if lastAlloc == nil {
			continue
		}
		ok, callee := ir.IsCall(in)
		if !ok || callee.IsNil() {
			continue
		}
		if (g.Protect != nil && callee == g.Protect.Val) || (g.ProtectWithIndex != nil && callee == g.ProtectWithIndex.Val) {
			for _, arg := range ir.Args(in) {
				if arg.Opcode() == llvm.Load && arg.Operand(0) == slot {
					lastAlloc = nil
				}
			}
		}
	}
	return lastAlloc
}
