// Package vectors computes, per (function, calling context), whether
// that function is guaranteed to return a vector-typed managed
// pointer (spec §4.G).
//
// Grounded on original_source/src/vectors.cpp: an intra-procedural
// forward data-flow over basic blocks (AND-merge at join points, since
// a slot is "vector" only if every incoming edge agrees), wrapped in
// an interprocedural worklist over ctxtab contexts — a function is
// enqueued once per context its callers introduce. Callers are not
// re-evaluated when a callee's answer changes, and a call's result is
// not looked up in the oracle: the only call result treated as a
// vector is allocVector(T, ...) with a constant vector type T.
package vectors

import (
	"github.com/aclements/rchk/internal/ctxtab"
	"github.com/aclements/rchk/internal/ir"
	"tinygo.org/x/go-llvm"
)

// Oracle answers whether (fn, ctx) is known, so far, to always return
// a vector.
type Oracle struct {
	table    *ctxtab.Table
	result   map[key]bool
	allocVec *ir.Function
}

type key struct {
	fn  *ir.Function
	ctx string
}

// New returns an Oracle that recognizes allocVector in the
// allocVector(T, ...) vector-returning pattern; allocVec may be nil if
// the module has no such entry point, in which case only arguments the
// context marks as vectors drive the inference.
func New(table *ctxtab.Table, allocVec *ir.Function) *Oracle {
	return &Oracle{
		table:    table,
		result:   map[key]bool{},
		allocVec: allocVec,
	}
}

// ReturnsOnlyVector reports whether fn, called under ctx, is currently
// believed to always return a vector. Query id's own Table interning
// drives the key.
func (o *Oracle) ReturnsOnlyVector(fn *ir.Function, ctx ctxtab.Context) bool {
	id := o.table.Intern(fn, ctx)
	return o.result[key{fn, contextKey(id.Context)}]
}

// Run computes the fixed point over every function reachable from
// roots (each queried with its default, all-bottom context; richer
// contexts are added to the worklist as DeriveContext-derived call
// sites are encountered during the intra-procedural scan).
func (o *Oracle) Run(m *ir.Module, roots []*ir.Function, symbolOf ctxtab.SymbolLookup) {
	type item struct {
		fn  *ir.Function
		ctx ctxtab.Context
	}
	var worklist []item
	enqueued := map[key]bool{}

	enqueue := func(fn *ir.Function, ctx ctxtab.Context) {
		id := o.table.Intern(fn, ctx)
		k := key{fn, contextKey(id.Context)}
		if enqueued[k] {
			return
		}
		enqueued[k] = true
		worklist = append(worklist, item{fn, id.Context})
	}

	for _, fn := range roots {
		enqueue(fn, make(ctxtab.Context, fn.Arity))
	}

	for len(worklist) > 0 {
		it := worklist[0]
		worklist = worklist[1:]
		if it.fn.Declared {
			continue
		}
		changed, newCtxCalls := o.evaluate(it.fn, it.ctx, m, symbolOf)
		k := key{it.fn, contextKey(it.ctx)}
		if changed {
			o.result[k] = true
		}
		for _, nc := range newCtxCalls {
			enqueue(nc.fn, nc.ctx)
		}
	}
}

type pendingCall struct {
	fn  *ir.Function
	ctx ctxtab.Context
}

// evaluate runs the intra-procedural forward data-flow for (fn, ctx)
// to a fixed point: slot facts are booleans ("is vector"), merged by
// AND at join points, and a block is walked again whenever a merge
// turns one of its entry facts from true to false.
func (o *Oracle) evaluate(fn *ir.Function, ctx ctxtab.Context, m *ir.Module, symbolOf ctxtab.SymbolLookup) (allReturnsVector bool, newCalls []pendingCall) {
	blockIn := map[*ir.Block]map[llvm.Value]bool{}

	args := fn.Val.Params()
	argVector := make(map[llvm.Value]bool, len(args))
	for i, a := range args {
		if i < len(ctx) && ctx[i].Kind == ctxtab.Vector {
			argVector[a] = true
		}
	}

	worklistBlocks := []*ir.Block{fn.Blocks[0]}
	blockIn[fn.Blocks[0]] = map[llvm.Value]bool{}
	returnsVector := true
	sawReturn := false

	for len(worklistBlocks) > 0 {
		b := worklistBlocks[0]
		worklistBlocks = worklistBlocks[1:]
		cur := cloneFacts(blockIn[b])

		for _, in := range b.Instr {
			switch in.Val.Opcode() {
			case llvm.Store:
				val, addr := in.Val.Operand(0), in.Val.Operand(1)
				if addr.IsAAllocaInst().IsNil() {
					continue
				}
				cur[addr] = valueIsVector(val, cur, argVector, o.allocVec)
			case llvm.Call:
				ok, callee := ir.IsCall(in)
				if !ok {
					continue
				}
				if callee.IsNil() {
					continue
				}
				calleeFn := m.Lookup(callee.Name())
				if calleeFn == nil {
					continue
				}
				callCtx := ctxtab.DeriveContext(in, m.GlobalByValue, symbolOf)
				newCalls = append(newCalls, pendingCall{calleeFn, callCtx})
			}
			if in.Val.Opcode() == llvm.Ret {
				sawReturn = true
				if in.Val.OperandsCount() == 0 {
					returnsVector = false
					continue
				}
				if !valueIsVector(in.Val.Operand(0), cur, argVector, o.allocVec) {
					returnsVector = false
				}
			}
		}

		for _, succ := range successors(b) {
			merged := blockIn[succ]
			if merged == nil {
				blockIn[succ] = cloneFacts(cur)
				worklistBlocks = append(worklistBlocks, succ)
				continue
			}
			lowered := false
			for v, ok := range merged {
				if ok && !cur[v] {
					merged[v] = false
					lowered = true
				}
			}
			if lowered {
				worklistBlocks = append(worklistBlocks, succ)
			}
		}
	}
	if !sawReturn {
		return false, newCalls
	}
	return returnsVector, newCalls
}

func valueIsVector(v llvm.Value, facts map[llvm.Value]bool, argVector map[llvm.Value]bool, allocVec *ir.Function) bool {
	switch v.Opcode() {
	case llvm.Call:
		if allocVec != nil && v.CalledValue() == allocVec.Val && v.OperandsCount() > 1 {
			t := v.Operand(0)
			return !t.IsAConstantInt().IsNil() && ir.SEXPType(t.SExtValue()).IsVector()
		}
	case llvm.Load:
		addr := v.Operand(0)
		if argVector[addr] {
			return true
		}
		return facts[addr]
	}
	if argVector[v] {
		return true
	}
	return facts[v]
}

func cloneFacts(m map[llvm.Value]bool) map[llvm.Value]bool {
	out := make(map[llvm.Value]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func successors(b *ir.Block) []*ir.Block {
	if len(b.Instr) == 0 {
		return nil
	}
	term := b.Instr[len(b.Instr)-1].Val
	n := term.SuccessorsCount()
	out := make([]*ir.Block, 0, n)
	for i := 0; i < n; i++ {
		bb := term.Successor(i)
		for _, cand := range b.Fn.Blocks {
			if cand.Val == bb {
				out = append(out, cand)
				break
			}
		}
	}
	return out
}

func contextKey(ctx ctxtab.Context) string {
	s := ""
	for _, a := range ctx {
		s += a.String() + "|"
	}
	return s
}
