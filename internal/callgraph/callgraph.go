// Package callgraph builds a transitive call-graph closure over an
// ir.Module (spec §4.C).
//
// Grounded on original_source/src/cgclosure.cpp's buildCGClosure: every
// included function gets a dense id and a bitset of "transitively
// reaches function i"; direct edges are collected per call site, then
// the set is saturated by repeatedly ORing each middle callee's bitset
// into the caller's until a full pass adds nothing. The bitset itself
// is math/big.Int, the same representation rtcheck/order.go uses for
// LockSet.bits, for exactly the same reason: a wide, sparse, grow-only
// set of small integer ids.
package callgraph

import (
	"math/big"
	"sort"

	"github.com/aclements/rchk/internal/errpath"
	"github.com/aclements/rchk/internal/ir"
	"tinygo.org/x/go-llvm"
)

// CallInfo records one call site and its resolved target.
type CallInfo struct {
	Site   *ir.Instr
	Target *Info
}

// Info is the per-function node of the closure: a dense id, the
// direct and (after closure) transitive bitset of reachable function
// ids, and the ordered list of call sites originating in fn.
type Info struct {
	Fn        *ir.Function
	ID        int
	Bits      big.Int
	CallInfos []CallInfo

	direct []*Info
}

// Reaches reports whether fn transitively calls the function with id
// target (reflexively, if fn calls itself through some cycle).
func (fi *Info) Reaches(target int) bool { return fi.Bits.Bit(target) != 0 }

// Graph is the closure result: every function's Info, addressable
// either by *ir.Function or by dense id.
type Graph struct {
	ByFunc map[*ir.Function]*Info
	ByID   []*Info
}

// Options configures Build's edge filtering, mirroring
// buildCGClosure's onlyFunctions/onlyEdges/ignoreErrorPaths/
// externalFunction parameters.
type Options struct {
	// IgnoreErrorPaths drops edges originating in a basic block that
	// errpath.Find classified as unable to return normally, and edges
	// into a function errpath classified as never returning.
	IgnoreErrorPaths bool
	Errors           *errpath.Result

	// Only, if non-nil, restricts the closure to this set of
	// functions; calls to any function outside it are dropped.
	// External only stands in for call targets that cannot be
	// resolved, and is itself subject to this filter.
	Only map[*ir.Function]bool

	// OnlyEdges, if non-nil, further restricts which callees a given
	// caller may have an edge to.
	OnlyEdges map[*ir.Function]map[*ir.Function]bool

	// External, if non-nil, stands in for every unresolved indirect
	// or external call target, so that such calls still contribute an
	// edge (to this single proxy node) instead of being dropped.
	External *ir.Function
}

// Build computes the call-graph closure for every (included) function
// in m.
func Build(m *ir.Module, opt Options) *Graph {
	g := &Graph{ByFunc: map[*ir.Function]*Info{}}

	included := func(fn *ir.Function) bool {
		if opt.Only == nil {
			return true
		}
		return opt.Only[fn]
	}

	infoFor := func(fn *ir.Function) *Info {
		if fi, ok := g.ByFunc[fn]; ok {
			return fi
		}
		fi := &Info{Fn: fn, ID: len(g.ByID)}
		g.ByFunc[fn] = fi
		g.ByID = append(g.ByID, fi)
		return fi
	}

	byValue := map[llvm.Value]*ir.Function{}
	for _, fn := range m.Functions() {
		byValue[fn.Val] = fn
	}

	for _, fn := range m.Functions() {
		if !included(fn) {
			continue
		}
		finfo := infoFor(fn)

		var errorBlocks map[*ir.Block]bool
		if opt.IgnoreErrorPaths && opt.Errors != nil {
			errorBlocks = opt.Errors.ErrorBlocks[fn]
		}

		for _, b := range fn.Blocks {
			if errorBlocks != nil && errorBlocks[b] {
				continue
			}
			for _, in := range b.Instr {
				ok, calleeVal := ir.IsCall(in)
				if !ok {
					continue
				}
				var target *ir.Function
				if calleeVal.IsNil() {
					target = opt.External
				} else {
					target = byValue[calleeVal]
					if target == nil {
						target = opt.External
					}
				}
				if target == nil || !included(target) {
					continue
				}
				if opt.OnlyEdges != nil {
					if allowed, ok := opt.OnlyEdges[fn]; ok && !allowed[target] {
						continue
					}
				}
				if opt.IgnoreErrorPaths && opt.Errors != nil && opt.Errors.ErrorFunctions[target] {
					continue
				}
				tinfo := infoFor(target)
				finfo.CallInfos = append(finfo.CallInfos, CallInfo{Site: in, Target: tinfo})
				finfo.direct = append(finfo.direct, tinfo)
			}
		}
	}

	for _, fi := range g.ByID {
		for _, d := range fi.direct {
			fi.Bits.SetBit(&fi.Bits, d.ID, 1)
		}
	}

	// Saturate: repeatedly OR each middle callee's bitset into the
	// caller's, until a full pass changes nothing. This mirrors
	// cgclosure.cpp's calledFunctionsList growth exactly, except we
	// never need to re-walk an explicit worklist of newly discovered
	// targets — ORing the whole bitset each round gets the same fixed
	// point with a simpler loop.
	changed := true
	for changed {
		changed = false
		for _, fi := range g.ByID {
			for _, mid := range fi.direct {
				before := new(big.Int).Set(&fi.Bits)
				fi.Bits.Or(&fi.Bits, &mid.Bits)
				if fi.Bits.Cmp(before) != 0 {
					changed = true
				}
			}
		}
	}
	return g
}

// Sorted returns every Info in the graph ordered by function name,
// matching the deterministic iteration order ir.Module.Functions
// establishes.
func (g *Graph) Sorted() []*Info {
	out := make([]*Info, len(g.ByID))
	copy(out, g.ByID)
	sort.Slice(out, func(i, j int) bool { return out[i].Fn.Name < out[j].Fn.Name })
	return out
}
