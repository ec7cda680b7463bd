package alloc

import (
	"github.com/aclements/rchk/internal/callgraph"
	"github.com/aclements/rchk/internal/ir"
	"testing"
)

func TestAllocatingIncludesGCAndReachers(t *testing.T) {
	gc := &ir.Function{Name: "R_gc_internal"}
	caller := &ir.Function{Name: "Rf_allocVector"}
	unrelated := &ir.Function{Name: "Rf_length"}

	gcInfo := &callgraph.Info{Fn: gc, ID: 0}
	callerInfo := &callgraph.Info{Fn: caller, ID: 1}
	unrelatedInfo := &callgraph.Info{Fn: unrelated, ID: 2}
	callerInfo.Bits.SetBit(&callerInfo.Bits, gcInfo.ID, 1)

	g := &callgraph.Graph{
		ByFunc: map[*ir.Function]*callgraph.Info{
			gc:        gcInfo,
			caller:    callerInfo,
			unrelated: unrelatedInfo,
		},
		ByID: []*callgraph.Info{gcInfo, callerInfo, unrelatedInfo},
	}

	out := Allocating(g, gc)
	if !out[gc] {
		t.Error("gc itself should always be in the allocating set")
	}
	if !out[caller] {
		t.Error("a function reaching gc should be in the allocating set")
	}
	if out[unrelated] {
		t.Error("a function not reaching gc should not be in the allocating set")
	}
}

func TestAllocatingWithoutGCInGraph(t *testing.T) {
	gc := &ir.Function{Name: "R_gc_internal"}
	g := &callgraph.Graph{ByFunc: map[*ir.Function]*callgraph.Info{}}
	out := Allocating(g, gc)
	if !out[gc] {
		t.Error("gc itself should still be reported, even if absent from the graph")
	}
	if len(out) != 1 {
		t.Errorf("Allocating() = %v, want only {gc}", out)
	}
}
