package callgraph

import (
	"math/big"
	"testing"

	"github.com/aclements/rchk/internal/ir"
)

func TestReaches(t *testing.T) {
	fi := &Info{ID: 0}
	fi.Bits.SetBit(&fi.Bits, 3, 1)
	if !fi.Reaches(3) {
		t.Error("Reaches(3) = false, want true")
	}
	if fi.Reaches(4) {
		t.Error("Reaches(4) = true, want false")
	}
}

func TestReachesZeroBits(t *testing.T) {
	fi := &Info{ID: 0, Bits: big.Int{}}
	if fi.Reaches(0) {
		t.Error("Reaches on an empty bitset should be false")
	}
}

func TestSortedOrdersByName(t *testing.T) {
	fnB := &ir.Function{Name: "zeta"}
	fnA := &ir.Function{Name: "alpha"}
	g := &Graph{
		ByFunc: map[*ir.Function]*Info{},
		ByID: []*Info{
			{Fn: fnB, ID: 0},
			{Fn: fnA, ID: 1},
		},
	}
	sorted := g.Sorted()
	if sorted[0].Fn.Name != "alpha" || sorted[1].Fn.Name != "zeta" {
		t.Errorf("Sorted() = [%s, %s], want [alpha, zeta]", sorted[0].Fn.Name, sorted[1].Fn.Name)
	}
	// Sorted must not mutate the original backing order.
	if g.ByID[0].Fn.Name != "zeta" {
		t.Errorf("Sorted() mutated the graph's own ByID order")
	}
}
