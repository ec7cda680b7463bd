// Command rchk-fficheck is the FFI table checker (spec §6): it parses
// the native-function registration table named by -table and reports
// any entry whose declared arity disagrees with its function's actual
// parameter count.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aclements/rchk/internal/cmdutil"
	"github.com/aclements/rchk/internal/fficheck"
)

func main() {
	table := flag.String("table", "", "name of the registration table `global` to check")
	setup := cmdutil.Parse("rchk-fficheck", "<bitcode> [link-bitcode]")

	if *table == "" {
		fmt.Fprintln(os.Stderr, "rchk-fficheck: -table is required")
		os.Exit(2)
	}

	entries, err := fficheck.Parse(setup.Module, *table)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rchk-fficheck: %v\n", err)
		os.Exit(1)
	}

	for _, m := range fficheck.CheckArity(entries) {
		fmt.Printf("ERROR: %s declares arity %d but has %d parameters\n", m.Entry.Name, m.Declared, m.Actual)
	}
}
