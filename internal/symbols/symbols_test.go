package symbols

import (
	"testing"

	"github.com/aclements/rchk/internal/ir"
)

func TestLookup(t *testing.T) {
	g := &ir.Global{Name: "R_SymX"}
	m := &Map{bySymbol: map[*ir.Global]string{g: "x"}}
	if lit, ok := m.Lookup(g); !ok || lit != "x" {
		t.Errorf("Lookup(g) = %q, %v, want \"x\", true", lit, ok)
	}
	other := &ir.Global{Name: "R_SymY"}
	if _, ok := m.Lookup(other); ok {
		t.Errorf("Lookup(unknown) = ok, want not found")
	}
}

func TestVerifyAgreement(t *testing.T) {
	g := &ir.Global{Name: "R_SymX"}
	a := &Map{bySymbol: map[*ir.Global]string{g: "x"}}
	b := &Map{bySymbol: map[*ir.Global]string{g: "x"}}
	if mismatches := Verify(a, b); len(mismatches) != 0 {
		t.Errorf("Verify(agreeing maps) = %v, want none", mismatches)
	}
}

func TestVerifyDisagreement(t *testing.T) {
	g := &ir.Global{Name: "R_SymX"}
	a := &Map{bySymbol: map[*ir.Global]string{g: "x"}}
	b := &Map{bySymbol: map[*ir.Global]string{g: "y"}}
	mismatches := Verify(a, b)
	if len(mismatches) != 1 {
		t.Fatalf("Verify(disagreeing maps) = %v, want 1 mismatch", mismatches)
	}
}

func TestVerifyMissingEntries(t *testing.T) {
	g1 := &ir.Global{Name: "R_SymX"}
	g2 := &ir.Global{Name: "R_SymY"}
	a := &Map{bySymbol: map[*ir.Global]string{g1: "x"}}
	b := &Map{bySymbol: map[*ir.Global]string{g2: "y"}}
	mismatches := Verify(a, b)
	if len(mismatches) != 2 {
		t.Fatalf("Verify(disjoint maps) = %v, want 2 mismatches", mismatches)
	}
}
