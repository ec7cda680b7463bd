// Package ir is a read-only facade over an LLVM module, giving the
// rest of the analyzer an ordered, Go-friendly view of functions,
// basic blocks and instructions instead of go-llvm's C-iterator style.
//
// This mirrors how rtcheck treats golang.org/x/tools/go/ssa as its
// frontend: the analysis packages never touch go-llvm directly, only
// the types in this package.
package ir

import (
	"sort"

	"tinygo.org/x/go-llvm"
)

// Module is an immutable, analyzed view of one (possibly linked)
// LLVM module. It is built once by Load and torn down by Dispose;
// every *Function, *Block, *Instr and *Global it hands out stays valid until
// then.
type Module struct {
	mod       llvm.Module
	ctx       llvm.Context
	functions []*Function
	byName    map[string]*Function
	globals   []*Global
}

// Function is a function defined (or merely declared) in the module.
type Function struct {
	Val    llvm.Value
	Name   string
	Blocks []*Block

	// Declared is true for external declarations (no body): these
	// are treated as opaque by every analysis — assumed not to
	// allocate, not to protect, and not to affect liveness.
	Declared bool

	Arity int
}

// Block is one basic block, with its instructions in program order.
type Block struct {
	Val   llvm.BasicBlock
	Fn    *Function
	Index int
	Instr []*Instr
}

// Instr wraps a single instruction value.
type Instr struct {
	Val   llvm.Value
	Block *Block
	Index int

	Path   string
	Line   int
	HasLoc bool
}

// Global is a module-level global variable.
type Global struct {
	Val  llvm.Value
	Name string
}

// Load parses base and, if link is non-empty, parses link and merges
// it into base with weak linkage per spec §6: every global/function
// coming from link is downgraded to weak before the merge so that
// base's definitions win on conflict. reportOnly receives the set of
// functions that came from link — the driver restricts its *reporting*
// (not its whole-program inference) to that set, exactly as spec.md's
// External Interfaces describe.
func Load(basePath, linkPath string) (m *Module, reportOnly map[string]bool, err error) {
	ctx := llvm.NewContext()
	buf, err := llvm.NewMemoryBufferFromFile(basePath)
	if err != nil {
		return nil, nil, err
	}
	mod, err := ctx.ParseIR(buf)
	if err != nil {
		return nil, nil, err
	}

	reportOnly = map[string]bool{}
	if linkPath != "" {
		lbuf, err := llvm.NewMemoryBufferFromFile(linkPath)
		if err != nil {
			return nil, nil, err
		}
		lmod, err := ctx.ParseIR(lbuf)
		if err != nil {
			return nil, nil, err
		}
		for fn := lmod.FirstFunction(); !fn.IsNil(); fn = llvm.NextFunction(fn) {
			if !fn.IsDeclaration() {
				reportOnly[fn.Name()] = true
			}
			fn.SetLinkage(llvm.WeakAnyLinkage)
		}
		for g := lmod.FirstGlobal(); !g.IsNil(); g = llvm.NextGlobal(g) {
			g.SetLinkage(llvm.WeakAnyLinkage)
		}
		if err := llvm.LinkModules(mod, lmod); err != nil {
			return nil, nil, err
		}
	} else {
		for fn := mod.FirstFunction(); !fn.IsNil(); fn = llvm.NextFunction(fn) {
			if !fn.IsDeclaration() {
				reportOnly[fn.Name()] = true
			}
		}
	}

	return newModule(ctx, mod), reportOnly, nil
}

func newModule(ctx llvm.Context, mod llvm.Module) *Module {
	m := &Module{mod: mod, ctx: ctx, byName: map[string]*Function{}}
	for fn := mod.FirstFunction(); !fn.IsNil(); fn = llvm.NextFunction(fn) {
		f := buildFunction(fn)
		m.functions = append(m.functions, f)
		m.byName[f.Name] = f
	}
	// Sort lexicographically by name, ties broken by position in the
	// module: this gives the deterministic, stable iteration order
	// spec.md §5 requires ("functions are sorted lexicographically
	// into the working vector").
	sort.SliceStable(m.functions, func(i, j int) bool {
		return m.functions[i].Name < m.functions[j].Name
	})
	for g := mod.FirstGlobal(); !g.IsNil(); g = llvm.NextGlobal(g) {
		m.globals = append(m.globals, &Global{Val: g, Name: g.Name()})
	}
	return m
}

func buildFunction(fn llvm.Value) *Function {
	f := &Function{
		Val:      fn,
		Name:     fn.Name(),
		Declared: fn.IsDeclaration(),
		Arity:    fn.ParamsCount(),
	}
	idx := 0
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		b := &Block{Val: bb, Fn: f, Index: idx}
		iidx := 0
		for in := bb.FirstInstruction(); !in.IsNil(); in = llvm.NextInstruction(in) {
			instr := &Instr{Val: in, Block: b, Index: iidx}
			instr.Path, instr.Line, instr.HasLoc = sourceLocation(in)
			b.Instr = append(b.Instr, instr)
			iidx++
		}
		f.Blocks = append(f.Blocks, b)
		idx++
	}
	return f
}

// NoReturn reports whether fn carries LLVM's noreturn function
// attribute.
func (f *Function) NoReturn() bool {
	return f.Val.FunctionAttr()&llvm.NoReturnAttribute != 0
}

// Functions returns every function in the module, in the stable order
// established by newModule.
func (m *Module) Functions() []*Function { return m.functions }

// Globals returns every module-level global variable.
func (m *Module) Globals() []*Global { return m.globals }

// Lookup resolves a function by name, or nil if there is none.
func (m *Module) Lookup(name string) *Function { return m.byName[name] }

// GlobalByValue resolves the *Global wrapping v, or nil if v is not
// one of m's globals.
func (m *Module) GlobalByValue(v llvm.Value) *Global {
	for _, g := range m.globals {
		if g.Val == v {
			return g
		}
	}
	return nil
}

// Dispose releases the underlying LLVM context. Every *Function,
// *Block and *Instr handed out by m becomes invalid.
func (m *Module) Dispose() { m.ctx.Dispose() }

func sourceLocation(in llvm.Value) (path string, line int, ok bool) {
	loc := in.InstructionDebugLoc()
	if loc.IsNil() {
		return "", 0, false
	}
	return loc.Scope().FileDirectory() + "/" + loc.Scope().FileName(), int(loc.LineNumber()), true
}

// Location renders an instruction's source location per spec §6's
// format: "<path>:<line>", or "<unknown location>".
func (in *Instr) Location() string {
	if !in.HasLoc {
		return "<unknown location>"
	}
	return in.Path + ":" + itoa(in.Line)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
