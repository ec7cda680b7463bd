// Package cmdutil is the common command-line setup every rchk-style
// driver under cmd/ shares: parsing the base/link bitcode paths and
// the -extra-roots/-link-flags flags, loading the module, and
// resolving the runtime's well-known globals. Factoring this out
// keeps each driver's own main.go to the few lines that are actually
// specific to what it checks and prints, matching how benchmany/run.go
// and benchcmd share a handful of flags across otherwise distinct
// commands.
package cmdutil

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/aclements/rchk/internal/ir"
	shellquote "github.com/kballard/go-shellquote"
)

// Setup is the parsed, ready-to-use state every driver starts from.
type Setup struct {
	Module     *ir.Module
	ReportOnly map[string]bool
	Globals    *ir.Globals
	ExtraRoots []string
	LinkFlags  []string
}

// Parse registers the shared flags on the default flag.FlagSet, adds
// progName to flag.Usage's message, parses argv, and loads the
// resulting bitcode module(s). It never returns on a usage error or a
// fatal load failure: both exit the process per spec §6/§7 (usage
// misuse exits 2, I/O or missing-symbol failure exits 1).
func Parse(progName, usage string) *Setup {
	var (
		link       string
		extraRoots string
		linkFlags  string
	)
	flag.StringVar(&link, "link", "", "also parse and weakly link `file` before analysis")
	flag.StringVar(&extraRoots, "extra-roots", "", "extra root function names, shell-quoted (parsed into Setup.ExtraRoots; no analysis reads them)")
	flag.StringVar(&linkFlags, "link-flags", "", "bitcode linker flags, shell-quoted (parsed into Setup.LinkFlags; not passed to the loader)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] %s\n", progName, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	base := flag.Arg(0)
	var linkPath string
	if flag.NArg() >= 2 {
		linkPath = flag.Arg(1)
	} else if link != "" {
		linkPath = link
	}

	roots, err := splitTokens(extraRoots)
	if err != nil {
		log.Fatalf("%s: -extra-roots: %v", progName, err)
	}
	flags, err := splitTokens(linkFlags)
	if err != nil {
		log.Fatalf("%s: -link-flags: %v", progName, err)
	}

	m, reportOnly, err := ir.Load(base, linkPath)
	if err != nil {
		log.Fatalf("%s: %v", progName, err)
	}

	g := ir.ResolveGlobals(m)
	warnMissingStructural(progName, g)

	return &Setup{Module: m, ReportOnly: reportOnly, Globals: g, ExtraRoots: roots, LinkFlags: flags}
}

func splitTokens(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	return shellquote.Split(s)
}

// warnMissingStructural logs the structural/setup diagnostics spec §7
// calls for when an expected runtime symbol is absent: printed once,
// to stderr, and never fatal — the checks that depend on the missing
// symbol simply run with it nil.
func warnMissingStructural(prog string, g *ir.Globals) {
	missing := func(name string, present bool) {
		if !present {
			fmt.Fprintf(os.Stderr, "%s: structural: runtime symbol %s not found, related checks disabled\n", prog, name)
		}
	}
	missing("Rf_protect", g.Protect != nil)
	missing("Rf_unprotect", g.Unprotect != nil)
	missing("R_PPStackTop", g.ProtectStackTop != nil)
	missing("R_NilValue", g.Nil != nil)
	missing("R_gc_internal", g.GCInternal != nil)
}
