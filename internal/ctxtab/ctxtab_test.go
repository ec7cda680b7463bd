package ctxtab

import (
	"testing"

	"github.com/aclements/rchk/internal/ir"
)

func TestInternReturnsStableID(t *testing.T) {
	table := NewTable()
	fn := &ir.Function{Name: "Rf_cons", Arity: 2}
	ctx := Context{{Kind: Symbol, Name: "x"}, {Kind: Bottom}}

	a := table.Intern(fn, ctx)
	b := table.Intern(fn, ctx)
	if a != b {
		t.Fatalf("Intern returned distinct IDs for identical (fn, ctx)")
	}
	if a.Index != 0 {
		t.Errorf("Index = %d, want 0", a.Index)
	}
}

func TestInternDistinguishesContexts(t *testing.T) {
	table := NewTable()
	fn := &ir.Function{Name: "Rf_cons", Arity: 2}
	a := table.Intern(fn, Context{{Kind: Symbol, Name: "x"}})
	b := table.Intern(fn, Context{{Kind: Symbol, Name: "y"}})
	if a == b || a.Index == b.Index {
		t.Fatalf("Intern collapsed distinct contexts: %v vs %v", a, b)
	}
	if len(table.All()) != 2 {
		t.Errorf("All() has %d entries, want 2", len(table.All()))
	}
}

func TestInternDistinguishesFunctions(t *testing.T) {
	table := NewTable()
	ctx := Context{{Kind: Bottom}}
	a := table.Intern(&ir.Function{Name: "f"}, ctx)
	b := table.Intern(&ir.Function{Name: "g"}, ctx)
	if a == b {
		t.Fatalf("Intern collapsed distinct functions under the same context")
	}
}

func TestDefaultIsAllBottom(t *testing.T) {
	table := NewTable()
	fn := &ir.Function{Name: "Rf_allocVector", Arity: 2}
	id := table.Default(fn)
	if !id.Context.IsDefault() {
		t.Errorf("Default context is not all-bottom: %v", id.Context)
	}
	if len(id.Context) != fn.Arity {
		t.Errorf("Default context has %d entries, want %d", len(id.Context), fn.Arity)
	}
}

func TestIsDefault(t *testing.T) {
	if !(Context{{Kind: Bottom}, {Kind: Bottom}}).IsDefault() {
		t.Error("all-bottom context should be default")
	}
	if (Context{{Kind: Bottom}, {Kind: Symbol, Name: "x"}}).IsDefault() {
		t.Error("context with a symbol entry should not be default")
	}
}

func TestArgValueString(t *testing.T) {
	cases := []struct {
		v    ArgValue
		want string
	}{
		{ArgValue{Kind: Bottom}, "⊥"},
		{ArgValue{Kind: Symbol, Name: "foo"}, "symbol(foo)"},
		{ArgValue{Kind: Vector}, "vector"},
	}
	for _, c := range cases {
		if got := c.v.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
}
