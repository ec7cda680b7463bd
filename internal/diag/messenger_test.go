package diag

import (
	"bytes"
	"strings"
	"testing"

	"github.com/aclements/rchk/internal/ir"
)

func TestDedupCollapsesWithinFunction(t *testing.T) {
	var buf bytes.Buffer
	m := New(&buf, true, Info)
	fn := &ir.Function{Name: "do_eval"}
	m.SetFunction(fn)
	in := &ir.Instr{Path: "eval.c", Line: 10, HasLoc: true}
	m.Error(in, "unprotected %s", "x")
	m.Error(in, "unprotected %s", "x")
	m.Error(in, "unprotected %s", "y")
	m.Close()

	if got := m.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
	out := buf.String()
	if strings.Count(out, "unprotected x") != 1 {
		t.Errorf("expected exactly one occurrence of deduped message, got: %s", out)
	}
	if !strings.Contains(out, "Function do_eval") {
		t.Errorf("expected function header, got: %s", out)
	}
}

func TestMinKindFilters(t *testing.T) {
	var buf bytes.Buffer
	m := New(&buf, false, Error)
	m.SetFunction(&ir.Function{Name: "f"})
	m.Debug(nil, "ignored")
	m.Trace(nil, "ignored")
	m.Info(nil, "ignored")
	m.Error(nil, "reported")
	m.Close()

	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}
	if !strings.Contains(buf.String(), "reported") {
		t.Errorf("expected reported message in output, got: %s", buf.String())
	}
}

func TestNoDedupKeepsEveryMessage(t *testing.T) {
	var buf bytes.Buffer
	m := New(&buf, false, Debug)
	m.SetFunction(&ir.Function{Name: "f"})
	m.Info(nil, "same")
	m.Info(nil, "same")
	m.Close()

	if m.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", m.Count())
	}
}

func TestSetFunctionFlushesPrior(t *testing.T) {
	var buf bytes.Buffer
	m := New(&buf, true, Debug)
	m.SetFunction(&ir.Function{Name: "first"})
	m.Info(nil, "msg1")
	m.SetFunction(&ir.Function{Name: "second"})
	m.Info(nil, "msg2")
	m.Close()

	out := buf.String()
	if !strings.Contains(out, "Function first") || !strings.Contains(out, "Function second") {
		t.Errorf("expected both function headers, got: %s", out)
	}
	if strings.Index(out, "Function first") > strings.Index(out, "Function second") {
		t.Errorf("expected first before second, got: %s", out)
	}
}

func TestUnknownLocationFallback(t *testing.T) {
	var buf bytes.Buffer
	m := New(&buf, false, Debug)
	m.SetFunction(&ir.Function{Name: "f"})
	m.Info(&ir.Instr{HasLoc: false}, "no loc")
	m.Close()

	if !strings.Contains(buf.String(), "<unknown location>") {
		t.Errorf("expected unknown-location fallback, got: %s", buf.String())
	}
}
