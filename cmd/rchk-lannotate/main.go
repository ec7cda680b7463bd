// Command rchk-lannotate prints "path line" for every distinct source
// location carried by an instruction in the functions the driver
// reports on (cmdutil.Setup.ReportOnly), one line each,
// in the order first seen. It is a cross-check for source mapping:
// if a location rchk-bcheck or rchk-fcheck reports doesn't show up
// here, the debug info pipeline is suspect, not the checker.
package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/aclements/rchk/internal/cmdutil"
)

func main() {
	setup := cmdutil.Parse("rchk-lannotate", "<bitcode> [link-bitcode]")

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	seen := map[string]bool{}
	for _, fn := range setup.Module.Functions() {
		if !setup.ReportOnly[fn.Name] {
			continue
		}
		for _, b := range fn.Blocks {
			for _, in := range b.Instr {
				if !in.HasLoc {
					continue
				}
				key := fmt.Sprintf("%s:%d", in.Path, in.Line)
				if seen[key] {
					continue
				}
				seen[key] = true
				fmt.Fprintf(out, "%s %d\n", in.Path, in.Line)
			}
		}
	}
}
