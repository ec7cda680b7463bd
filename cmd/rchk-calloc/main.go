// Command rchk-calloc is the context-sensitive allocator lister (spec
// §6): for every direct call site it derives the call's abstract
// argument context (internal/ctxtab) and classifies the target
// context-insensitively (ALLOCATOR/ALLOCATING, from internal/alloc).
// For a call whose context is not the default one it also prints that
// same classification under the C-ALLOCATOR/C-ALLOCATING labels with
// the context's index, followed by a GOOD/ERROR sanity line; since the
// context does not change the classification, that line reads GOOD.
package main

import (
	"fmt"

	"github.com/aclements/rchk/internal/alloc"
	"github.com/aclements/rchk/internal/callgraph"
	"github.com/aclements/rchk/internal/cmdutil"
	"github.com/aclements/rchk/internal/ctxtab"
	"github.com/aclements/rchk/internal/ir"
	"github.com/aclements/rchk/internal/symbols"
	"tinygo.org/x/go-llvm"
)

func main() {
	setup := cmdutil.Parse("rchk-calloc", "<bitcode> [link-bitcode]")
	m, g := setup.Module, setup.Globals

	symMap, _ := symbols.Find(m, g.Intern)
	direct := alloc.Find(m, ir.IsManagedPointer)

	var allocating map[*ir.Function]bool
	if g.GCInternal != nil {
		graph := callgraph.Build(m, callgraph.Options{})
		allocating = alloc.Allocating(graph, g.GCInternal)
	}

	table := ctxtab.NewTable()
	globalOf := func(v llvm.Value) *ir.Global { return m.GlobalByValue(v) }

	for _, fn := range m.Functions() {
		if !setup.ReportOnly[fn.Name] {
			continue
		}
		for _, b := range fn.Blocks {
			for _, in := range b.Instr {
				ok, callee := ir.IsCall(in)
				if !ok || callee.IsNil() {
					continue
				}
				target := m.Lookup(callee.Name())
				if target == nil {
					continue
				}
				ctx := ctxtab.DeriveContext(in, globalOf, symMap.Lookup)
				id := table.Intern(target, ctx)

				isAllocator := direct[target]
				isAllocating := allocating[target]
				isCAllocator := !ctx.IsDefault() && isAllocator
				isCAllocating := !ctx.IsDefault() && isAllocating

				if isCAllocator {
					fmt.Printf("C-ALLOCATOR: %s context %d\n", target.Name, id.Index)
				}
				if isCAllocating {
					fmt.Printf("C-ALLOCATING: %s context %d\n", target.Name, id.Index)
				}
				if isAllocator {
					fmt.Printf("ALLOCATOR: %s\n", target.Name)
				}
				if isAllocating {
					fmt.Printf("ALLOCATING: %s\n", target.Name)
				}

				if !ctx.IsDefault() && isAllocator != isCAllocator {
					fmt.Printf("ERROR: context-sensitive and context-insensitive allocator classification disagree for %s\n", target.Name)
				} else if !ctx.IsDefault() {
					fmt.Printf("GOOD: %s\n", target.Name)
				}
			}
		}
	}
}
