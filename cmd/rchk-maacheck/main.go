// Command rchk-maacheck is the max-arg-alloc checker (spec §6): it
// flags calls with two or more immediate allocating-call arguments
// where at least one argument's callee may return a freshly
// allocated (not merely cached) object — the classic "evaluation
// order can smash an unprotected argument" pattern, e.g.
// cons(install("x"), ScalarInt(1)). Error paths are ignored by
// default, matching the original's rationale that runtime assertion
// failures make almost everything look like a safepoint.
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
	setup := cmdutil.Parse("rchk-maacheck", "<bitcode> [link-bitcode]")
	m, g := setup.Module, setup.Globals

	direct := alloc.Find(m, ir.IsManagedPointer)

	var allocating map[*ir.Function]bool
	errs := errpath.Find(m, nil)
	graph := callgraph.Build(m, callgraph.Options{IgnoreErrorPaths: true, Errors: errs})
	if g.GCInternal != nil {
		allocating = alloc.Allocating(graph, g.GCInternal)
	}

	for _, fn := range m.Functions() {
		if !setup.ReportOnly[fn.Name] {
			continue
		}
		info, ok := graph.ByFunc[fn]
		if !ok {
			continue
		}
		for _, ci := range info.CallInfos {
			in := ci.Site
			nAllocating, nFresh := 0, 0
			for _, arg := range ir.Args(in) {
				if arg.Opcode() != llvm.Call {
					continue
				}
				callee := arg.CalledValue()
				if callee.IsAFunction().IsNil() {
					continue
				}
				calleeFn := m.Lookup(callee.Name())
				if calleeFn == nil || !ir.IsManagedPointer(calleeFn.Val.ReturnType()) {
					continue
				}
				if !allocating[calleeFn] {
					continue
				}
				nAllocating++
				if calleeFn != g.Intern && direct[calleeFn] {
					nFresh++
				}
			}
			if nAllocating >= 2 && nFresh >= 1 {
				fmt.Printf("WARNING Suspicious call (two or more unprotected arguments) at %s %s\n", fn.Name, in.Location())
			}
		}
	}
}
