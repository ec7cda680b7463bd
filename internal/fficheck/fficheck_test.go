package fficheck

import (
	"testing"

	"github.com/aclements/rchk/internal/ir"
)

func TestCheckArityFlagsMismatch(t *testing.T) {
	entries := []Entry{
		{Name: "do_sum", Fn: &ir.Function{Name: "do_sum", Arity: 2}, Arity: 3},
		{Name: "do_length", Fn: &ir.Function{Name: "do_length", Arity: 1}, Arity: 1},
	}
	mismatches := CheckArity(entries)
	if len(mismatches) != 1 {
		t.Fatalf("CheckArity returned %d mismatches, want 1", len(mismatches))
	}
	m := mismatches[0]
	if m.Entry.Name != "do_sum" || m.Declared != 3 || m.Actual != 2 {
		t.Errorf("unexpected mismatch: %+v", m)
	}
}

func TestCheckArityIgnoresUnresolvedEntries(t *testing.T) {
	entries := []Entry{{Name: "missing", Fn: nil, Arity: 2}}
	if got := CheckArity(entries); len(got) != 0 {
		t.Errorf("CheckArity(%v) = %v, want none (unresolved function)", entries, got)
	}
}

func TestCheckArityIgnoresVarargsConvention(t *testing.T) {
	entries := []Entry{{Name: "do_dotsmethod", Fn: &ir.Function{Name: "do_dotsmethod", Arity: 5}, Arity: -1}}
	if got := CheckArity(entries); len(got) != 0 {
		t.Errorf("CheckArity(%v) = %v, want none (arity -1 is varargs)", entries, got)
	}
}
