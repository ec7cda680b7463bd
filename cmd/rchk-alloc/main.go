// Command rchk-alloc is the allocator lister (spec §6): it prints
// "POSSIBLE ALLOCATOR: <name>" for every function that transitively
// reaches the garbage collector (A⁺), the context-insensitive
// allocator set lifted through the call-graph closure.
package main

import (
	"fmt"
	"os"

	"github.com/aclements/rchk/internal/alloc"
	"github.com/aclements/rchk/internal/callgraph"
	"github.com/aclements/rchk/internal/cmdutil"
)

func main() {
	setup := cmdutil.Parse("rchk-alloc", "<bitcode> [link-bitcode]")
	m, g := setup.Module, setup.Globals

	if g.GCInternal == nil {
		fmt.Fprintln(os.Stderr, "rchk-alloc: R_gc_internal not found, cannot classify allocators")
		os.Exit(1)
	}

	graph := callgraph.Build(m, callgraph.Options{})
	allocating := alloc.Allocating(graph, g.GCInternal)

	for _, fn := range m.Functions() {
		if !setup.ReportOnly[fn.Name] || !allocating[fn] {
			continue
		}
		fmt.Printf("POSSIBLE ALLOCATOR: %s\n", fn.Name)
	}
}
