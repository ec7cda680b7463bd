// Package liveness computes, for every instruction in a function,
// which stack slots may be used and which may be killed (overwritten)
// on some path after that instruction (spec §4.I).
//
// Grounded on original_source/src/liveness.cpp's findLiveVariables: a
// backward work-list over basic blocks, seeded at blocks ending in a
// return (used = all false, killed = all true — a return kills every
// variable), propagating used/killed bitmaps from a block's end
// backward through its instructions, then into its predecessors,
// iterating to a fixed point. Blocks ending in unreachable are
// deliberately left unseeded, matching the original's "ignoring error
// blocks" comment.
package liveness

import (
	"github.com/aclements/rchk/internal/ir"
	"tinygo.org/x/go-llvm"
)

// Vars is the possiblyUsed/possiblyKilled pair recorded for one
// instruction. A slot is definitely used iff it is in Used and not in
// Killed.
type Vars struct {
	Used   map[llvm.Value]bool
	Killed map[llvm.Value]bool
}

// Result maps every instruction in a function to its Vars.
type Result map[*ir.Instr]Vars

type blockState struct {
	used, killed map[llvm.Value]bool
}

// Find computes the liveness record for every instruction in fn.
func Find(fn *ir.Function) Result {
	slots := allocaSlots(fn)
	states := map[*ir.Block]*blockState{}
	var changed []*ir.Block

	for _, b := range fn.Blocks {
		if len(b.Instr) == 0 {
			continue
		}
		last := b.Instr[len(b.Instr)-1]
		if last.Val.Opcode() == llvm.Ret {
			used := map[llvm.Value]bool{}
			killed := map[llvm.Value]bool{}
			for s := range slots {
				killed[s] = true
			}
			states[b] = &blockState{used, killed}
			changed = append(changed, b)
		}
	}

	preds := predecessors(fn)

	for len(changed) > 0 {
		b := changed[0]
		changed = changed[1:]
		s := states[b]

		used := cloneSet(s.used)
		killed := cloneSet(s.killed)
		for i := len(b.Instr) - 1; i >= 0; i-- {
			applyInstruction(b.Instr[i], used, killed)
		}

		for _, pred := range preds[b] {
			ps, ok := states[pred]
			if !ok {
				states[pred] = &blockState{cloneSet(used), cloneSet(killed)}
				changed = append(changed, pred)
				continue
			}
			anyChange := false
			for slot := range used {
				if used[slot] && !ps.used[slot] {
					ps.used[slot] = true
					anyChange = true
				}
			}
			for slot := range killed {
				if killed[slot] && !ps.killed[slot] {
					ps.killed[slot] = true
					anyChange = true
				}
			}
			if anyChange {
				changed = append(changed, pred)
			}
		}
	}

	result := Result{}
	for _, b := range fn.Blocks {
		s, ok := states[b]
		if !ok {
			continue
		}
		used := cloneSet(s.used)
		killed := cloneSet(s.killed)
		for i := len(b.Instr) - 1; i >= 0; i-- {
			in := b.Instr[i]
			result[in] = Vars{Used: cloneSet(used), Killed: cloneSet(killed)}
			applyInstruction(in, used, killed)
		}
	}
	return result
}

func applyInstruction(in *ir.Instr, used, killed map[llvm.Value]bool) {
	switch in.Val.Opcode() {
	case llvm.Store:
		addr := in.Val.Operand(1)
		if addr.IsAAllocaInst().IsNil() {
			return
		}
		used[addr] = false
		killed[addr] = true
	case llvm.Load:
		addr := in.Val.Operand(0)
		if addr.IsAAllocaInst().IsNil() {
			return
		}
		used[addr] = true
		killed[addr] = false
	}
}

func allocaSlots(fn *ir.Function) map[llvm.Value]bool {
	slots := map[llvm.Value]bool{}
	for _, b := range fn.Blocks {
		for _, in := range b.Instr {
			if !in.Val.IsAAllocaInst().IsNil() {
				slots[in.Val] = true
			}
		}
	}
	return slots
}

func predecessors(fn *ir.Function) map[*ir.Block][]*ir.Block {
	preds := map[*ir.Block][]*ir.Block{}
	for _, b := range fn.Blocks {
		if len(b.Instr) == 0 {
			continue
		}
		term := b.Instr[len(b.Instr)-1].Val
		n := term.SuccessorsCount()
		for i := 0; i < n; i++ {
			bb := term.Successor(i)
			for _, cand := range fn.Blocks {
				if cand.Val == bb {
					preds[cand] = append(preds[cand], b)
					break
				}
			}
		}
	}
	return preds
}

func cloneSet(m map[llvm.Value]bool) map[llvm.Value]bool {
	out := make(map[llvm.Value]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
