// Command rchk-cgcheck is the callgraph lister (spec §6): it lists
// every function of interest that transitively calls a given root
// function, defaulting to the runtime's non-local error entry point
// (Rf_errorcall), matching the original cgcheck.cpp's hardcoded check
// but exposing the root as a flag.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aclements/rchk/internal/callgraph"
	"github.com/aclements/rchk/internal/cmdutil"
)

func main() {
	root := flag.String("root", "Rf_errorcall", "report functions that transitively call `name`")
	setup := cmdutil.Parse("rchk-cgcheck", "<bitcode> [link-bitcode]")
	m := setup.Module

	target := m.Lookup(*root)
	if target == nil {
		fmt.Fprintf(os.Stderr, "rchk-cgcheck: cannot find function %s\n", *root)
		os.Exit(1)
	}

	graph := callgraph.Build(m, callgraph.Options{})
	targetInfo, ok := graph.ByFunc[target]
	if !ok {
		fmt.Fprintf(os.Stderr, "rchk-cgcheck: no callgraph info for %s\n", *root)
		os.Exit(1)
	}

	fmt.Printf("Functions calling (recursively) function %s\n", target.Name)
	for _, fn := range m.Functions() {
		if !setup.ReportOnly[fn.Name] {
			continue
		}
		info, ok := graph.ByFunc[fn]
		if !ok {
			continue
		}
		if info.Reaches(targetInfo.ID) {
			fmt.Println(fn.Name)
		}
	}
}
