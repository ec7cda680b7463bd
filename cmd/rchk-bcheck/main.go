// Command rchk-bcheck is the protection-balance checker (spec §6): it
// runs internal/balance over every function of interest and prints
// info/error diagnostics through the line messenger.
package main

import (
	"os"

	"github.com/aclements/rchk/internal/balance"
	"github.com/aclements/rchk/internal/cmdutil"
	"github.com/aclements/rchk/internal/diag"
	"github.com/aclements/rchk/internal/errpath"
)

func main() {
	setup := cmdutil.Parse("rchk-bcheck", "<bitcode> [link-bitcode]")
	m, g := setup.Module, setup.Globals

	errs := errpath.Find(m, nil)

	msg := diag.New(os.Stdout, true, diag.Info)
	checker := balance.NewChecker(g, msg, errs.ErrorBlocks)

	for _, fn := range m.Functions() {
		if !setup.ReportOnly[fn.Name] {
			continue
		}
		checker.Check(fn)
	}
	msg.Close()
}
