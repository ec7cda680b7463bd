// Package symbols recognizes globals used to cache the result of
// interning a string literal (spec §4.D): a call of the shape
// intern("literal") whose sole result is stored, consistently, into
// one global.
//
// Grounded on original_source/src/symbols.cpp's isInstallConstantCall
// and findSymbols: a global qualifies iff every store into it writes
// the result of such a call and every such call names the same
// literal; any other store, or a conflicting literal, disqualifies it.
package symbols

import (
	"fmt"

	"github.com/aclements/rchk/internal/ir"
	"tinygo.org/x/go-llvm"
)

// Map is the result of Find: which globals cache which interned
// literal.
type Map struct {
	bySymbol map[*ir.Global]string
}

// Lookup returns the literal cached in g, if any.
func (m *Map) Lookup(g *ir.Global) (string, bool) {
	s, ok := m.bySymbol[g]
	return s, ok
}

// Find scans every global in m for the intern-literal-into-global
// pattern, using intern as the recognized interning entry point
// (typically Globals.Intern from ResolveGlobals).
func Find(mod *ir.Module, intern *ir.Function) (*Map, []string) {
	result := &Map{bySymbol: map[*ir.Global]string{}}
	var diagnostics []string

	for _, g := range mod.Globals() {
		lit, ok, msg := classify(g, intern)
		if msg != "" {
			diagnostics = append(diagnostics, msg)
		}
		if ok {
			result.bySymbol[g] = lit
		}
	}
	return result, diagnostics
}

func classify(g *ir.Global, intern *ir.Function) (literal string, ok bool, diagnostic string) {
	found := false
	for _, use := range uses(g.Val) {
		if use.Opcode() != llvm.Store {
			continue
		}
		addr := use.Operand(1)
		if addr != g.Val {
			// A load or some other use of g as an operand elsewhere;
			// only stores into g itself matter here.
			continue
		}
		valueOp := use.Operand(0)
		name, isInstall := installLiteral(valueOp, intern)
		if !isInstall {
			return "", false, fmt.Sprintf("invalid write to symbol %s", g.Name)
		}
		if found && name != literal {
			return "", false, fmt.Sprintf("multiple names for symbol %s: %q and %q", g.Name, literal, name)
		}
		literal = name
		found = true
	}
	if !found {
		return "", false, ""
	}
	return literal, true, ""
}

// installLiteral recognizes intern("literal"): a call to intern whose
// first argument is a constant GEP into a global holding a C string.
func installLiteral(v llvm.Value, intern *ir.Function) (string, bool) {
	if intern == nil || v.Opcode() != llvm.Call {
		return "", false
	}
	if v.CalledValue() != intern.Val {
		return "", false
	}
	if v.OperandsCount() < 2 {
		return "", false
	}
	arg := v.Operand(0)
	if arg.Opcode() != llvm.GetElementPtr {
		return "", false
	}
	base := arg.Operand(0)
	if base.IsAGlobalVariable().IsNil() {
		return "", false
	}
	init := base.Initializer()
	if init.IsAConstantDataArray().IsNil() {
		return "", false
	}
	if !init.IsConstantString() {
		return "", false
	}
	return init.ConstantAsString(), true
}

func uses(v llvm.Value) []llvm.Value {
	var out []llvm.Value
	for use := v.FirstUse(); !use.IsNil(); use = use.NextUse() {
		out = append(out, use.User())
	}
	return out
}

// Verify is the supplemented symcheck-style consistency check (spec
// expansion §4.1): it compares two symbol maps and reports every
// global that is missing from one of them or mapped to different
// literals. glcheck's -check-symbols passes it two runs of Find, which
// share the same classify logic, so Verify's value is
// structural: it gives glcheck's -check-symbols flag a place to plug
// in a second, independently maintained lookup (e.g. one fed by a
// hand-maintained manifest) without changing Find's contract.
func Verify(m *Map, other *Map) []string {
	var mismatches []string
	for g, lit := range m.bySymbol {
		if olit, ok := other.bySymbol[g]; !ok {
			mismatches = append(mismatches, fmt.Sprintf("symbol %s missing from cross-check", g.Name))
		} else if olit != lit {
			mismatches = append(mismatches, fmt.Sprintf("symbol %s disagrees: %q vs %q", g.Name, lit, olit))
		}
	}
	for g := range other.bySymbol {
		if _, ok := m.bySymbol[g]; !ok {
			mismatches = append(mismatches, fmt.Sprintf("symbol %s only in cross-check", g.Name))
		}
	}
	return mismatches
}
