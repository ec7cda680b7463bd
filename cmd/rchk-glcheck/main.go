// Command rchk-glcheck is the global lister (spec §6): it flags
// module-level globals whose static type is, or transitively contains,
// the runtime's managed-pointer struct, skipping globals the symbols
// package recognizes as a safe interned-symbol cache.
//
// Two supplemented flags extend it beyond the original glcheck.cpp:
// -check-symbols re-derives the symbol map with a second run of
// symbols.Find (same logic as the first) and reports any disagreement
// (internal/symbols.Verify, the symcheck-style consistency check), and
// -ffi-table reads a native registration table's entries, flagging any
// entry whose function pointer does not resolve to a function of the
// module (a sign the table references a stripped or renamed symbol).
package main

import (
	"flag"
	"fmt"

	"github.com/aclements/rchk/internal/cmdutil"
	"github.com/aclements/rchk/internal/fficheck"
	"github.com/aclements/rchk/internal/ir"
	"github.com/aclements/rchk/internal/symbols"
	"tinygo.org/x/go-llvm"
)

func main() {
	checkSymbols := flag.Bool("check-symbols", false, "cross-check the symbol map against a second syntactic pass")
	ffiTable := flag.String("ffi-table", "", "name of a native registration table `global` to cross-reference")
	setup := cmdutil.Parse("rchk-glcheck", "<bitcode> [link-bitcode]")
	m, g := setup.Module, setup.Globals

	symMap, _ := symbols.Find(m, g.Intern)

	for _, gv := range m.Globals() {
		if _, known := symMap.Lookup(gv); known {
			continue
		}
		t := gv.Val.Type()
		if ir.IsManagedPointer(t.ElementType()) {
			fmt.Printf("non-symbol SEXP global variable %s\n", gv.Name)
			continue
		}
		if containsManagedPointer(t, map[llvm.Type]bool{}) {
			fmt.Printf("structure with SEXP fields %s\n", gv.Name)
		}
	}

	if *checkSymbols {
		secondPass, _ := symbols.Find(m, g.Intern)
		for _, mismatch := range symbols.Verify(symMap, secondPass) {
			fmt.Println(mismatch)
		}
	}

	if *ffiTable != "" {
		entries, err := fficheck.Parse(m, *ffiTable)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
		} else {
			for _, e := range entries {
				if e.Fn == nil {
					fmt.Printf("ERROR: registration table entry %s does not resolve to a known function\n", e.Name)
				}
			}
		}
	}
}

func containsManagedPointer(t llvm.Type, visited map[llvm.Type]bool) bool {
	if visited[t] {
		return false
	}
	visited[t] = true

	switch t.TypeKind() {
	case llvm.PointerTypeKind:
		return containsManagedPointer(t.ElementType(), visited)
	case llvm.StructTypeKind:
		if t.StructName() == "struct.SEXPREC" {
			return true
		}
		for _, elem := range t.StructElementTypes() {
			if containsManagedPointer(elem, visited) {
				return true
			}
		}
	}
	return false
}
