// Command rchk-sfp is the safepoint line lister (spec §6): it prints
// "path line" for each distinct source line containing a call that
// transitively reaches the garbage collector, skipping consecutive
// repeats of the same location.
package main

import (
	"fmt"
	"os"

	"github.com/aclements/rchk/internal/callgraph"
	"github.com/aclements/rchk/internal/cmdutil"
	"github.com/aclements/rchk/internal/errpath"
)

func main() {
	setup := cmdutil.Parse("rchk-sfp", "<bitcode> [link-bitcode]")
	m, g := setup.Module, setup.Globals

	if g.GCInternal == nil {
		fmt.Fprintln(os.Stderr, "rchk-sfp: R_gc_internal not found, cannot annotate safepoints")
		os.Exit(1)
	}

	errs := errpath.Find(m, nil)
	graph := callgraph.Build(m, callgraph.Options{IgnoreErrorPaths: true, Errors: errs})

	gcInfo, ok := graph.ByFunc[g.GCInternal]
	if !ok {
		fmt.Fprintln(os.Stderr, "rchk-sfp: R_gc_internal has no callgraph info")
		os.Exit(1)
	}

	var lastPath string
	var lastLine int
	for _, fn := range m.Functions() {
		if !setup.ReportOnly[fn.Name] {
			continue
		}
		info, ok := graph.ByFunc[fn]
		if !ok {
			continue
		}
		for _, ci := range info.CallInfos {
			if ci.Target == nil || !ci.Target.Reaches(gcInfo.ID) {
				continue
			}
			in := ci.Site
			if !in.HasLoc {
				continue
			}
			if in.Path == lastPath && in.Line == lastLine {
				continue
			}
			lastPath, lastLine = in.Path, in.Line
			fmt.Printf("%s %d\n", in.Path, in.Line)
		}
	}
}
