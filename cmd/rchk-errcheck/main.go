// Command rchk-errcheck is the error-function lister (spec §6): it
// classifies every function of interest with internal/errpath and
// cross-checks that against the IR's own noreturn attribute,
// reporting functions whose noreturn marking and actual
// error-path-only behavior disagree.
package main

import (
	"fmt"

	"github.com/aclements/rchk/internal/cmdutil"
	"github.com/aclements/rchk/internal/errpath"
)

func main() {
	setup := cmdutil.Parse("rchk-errcheck", "<bitcode> [link-bitcode]")
	m := setup.Module

	res := errpath.Find(m, nil)

	for _, fn := range m.Functions() {
		if !setup.ReportOnly[fn.Name] || fn.Declared {
			continue
		}
		if res.ErrorFunctions[fn] {
			if fn.NoReturn() {
				fmt.Printf("Marked (noreturn) error function %s\n", fn.Name)
			} else {
				fmt.Printf("UNMARKED error function %s\n", fn.Name)
			}
		} else if fn.NoReturn() {
			fmt.Printf("WARNING - returning function marked noerror - %s\n", fn.Name)
		}
	}
}
