// Package fficheck parses the native-function registration table
// (R_CallMethodDef-style: {name, fnptr, arity} structs) that a module
// exposes to its FFI dispatcher, and checks each entry's declared
// arity against the registered function's actual parameter count
// (spec expansion §4.4; the original driver is fficheck.cpp).
//
// Grounded on fficheck.cpp's checkTable: the table is a constant
// global array of structs; each element's second field is the
// function pointer, third field the declared arity (as a constant
// int), terminated by a zero/null sentinel entry.
package fficheck

import (
	"fmt"

	"github.com/aclements/rchk/internal/ir"
	"tinygo.org/x/go-llvm"
)

// Entry is one parsed registration table row.
type Entry struct {
	Name  string
	Fn    *ir.Function
	Arity int
}

// Parse reads the registration table global named tableName (e.g. a
// module's "MyPkg_CallEntries" array) and returns its entries, or an
// error if the global isn't shaped like a struct array.
func Parse(m *ir.Module, tableName string) ([]Entry, error) {
	g := findGlobal(m, tableName)
	if g == nil {
		return nil, fmt.Errorf("fficheck: global %q not found", tableName)
	}
	init := g.Val.Initializer()
	if init.IsAConstantArray().IsNil() {
		return nil, fmt.Errorf("fficheck: global %q is not a constant array", tableName)
	}
	n := int(init.Type().ArrayLength())

	var entries []Entry
	for i := 0; i < n; i++ {
		cstr := init.Operand(i)
		if cstr.IsAConstantStruct().IsNil() {
			break
		}
		if cstr.OperandsCount() < 3 {
			continue
		}
		name, ok := constString(cstr.Operand(0))
		fnOperand := cstr.Operand(1)
		arityOperand := cstr.Operand(2)
		if !ok || fnOperand.IsAFunction().IsNil() || arityOperand.IsAConstantInt().IsNil() {
			continue
		}
		fn := m.Lookup(fnOperand.Name())
		entries = append(entries, Entry{
			Name:  name,
			Fn:    fn,
			Arity: int(arityOperand.SExtValue()),
		})
	}
	return entries, nil
}

func constString(v llvm.Value) (string, bool) {
	target := v
	if v.Opcode() == llvm.GetElementPtr {
		target = v.Operand(0)
	}
	if target.IsAGlobalVariable().IsNil() {
		return "", false
	}
	init := target.Initializer()
	if init.IsAConstantDataArray().IsNil() || !init.IsConstantString() {
		return "", false
	}
	return init.ConstantAsString(), true
}

func findGlobal(m *ir.Module, name string) *ir.Global {
	for _, g := range m.Globals() {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// Mismatch describes one entry whose declared arity disagrees with
// the registered function's actual parameter count.
type Mismatch struct {
	Entry    Entry
	Declared int
	Actual   int
}

// CheckArity cross-references every entry's declared arity against
// its function's real parameter count. A declared arity of -1 (R's
// "variable arguments" convention) is always accepted.
func CheckArity(entries []Entry) []Mismatch {
	var mismatches []Mismatch
	for _, e := range entries {
		if e.Fn == nil || e.Arity < 0 {
			continue
		}
		if e.Fn.Arity != e.Arity {
			mismatches = append(mismatches, Mismatch{Entry: e, Declared: e.Arity, Actual: e.Fn.Arity})
		}
	}
	return mismatches
}
