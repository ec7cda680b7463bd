package report

import (
	"bytes"
	"strings"
	"testing"
)

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	if s.Functions != 0 || s.TotalFindings != 0 || s.Mean != 0 {
		t.Errorf("Summarize(nil) = %+v, want zero value", s)
	}
}

func TestSummarizeComputesMeanAndMax(t *testing.T) {
	counts := []FunctionCount{
		{Name: "do_eval", Count: 5},
		{Name: "do_subset", Count: 1},
		{Name: "do_call", Count: 2},
	}
	s := Summarize(counts)
	if s.Functions != 3 {
		t.Errorf("Functions = %d, want 3", s.Functions)
	}
	if s.TotalFindings != 8 {
		t.Errorf("TotalFindings = %d, want 8", s.TotalFindings)
	}
	if s.Max.Name != "do_eval" || s.Max.Count != 5 {
		t.Errorf("Max = %+v, want {do_eval 5}", s.Max)
	}
	if got := s.Mean; got < 2.66 || got > 2.67 {
		t.Errorf("Mean = %v, want ~2.667", got)
	}
}

func TestWriteTextOmitsWorstWhenNoFindings(t *testing.T) {
	var buf bytes.Buffer
	WriteText(&buf, Summarize(nil))
	if strings.Contains(buf.String(), "worst function") {
		t.Errorf("expected no worst-function line for an empty summary, got: %s", buf.String())
	}
}

func TestWriteTextReportsWorst(t *testing.T) {
	var buf bytes.Buffer
	WriteText(&buf, Summarize([]FunctionCount{{Name: "do_eval", Count: 3}}))
	if !strings.Contains(buf.String(), "do_eval") {
		t.Errorf("expected worst function named in output, got: %s", buf.String())
	}
}

func TestWriteSVGProducesValidSVGEnvelope(t *testing.T) {
	var buf bytes.Buffer
	WriteSVG(&buf, []FunctionCount{{Name: "do_eval", Count: 5}, {Name: "do_call", Count: 1}}, 10)
	out := buf.String()
	if !strings.Contains(out, "<svg") || !strings.Contains(out, "</svg>") {
		t.Errorf("expected an svg envelope, got: %s", out)
	}
	if !strings.Contains(out, "do_eval") {
		t.Errorf("expected function name in rendered chart, got: %s", out)
	}
}

func TestWriteSVGRespectsTopLimit(t *testing.T) {
	var buf bytes.Buffer
	counts := []FunctionCount{
		{Name: "a", Count: 3}, {Name: "b", Count: 2}, {Name: "c", Count: 1},
	}
	WriteSVG(&buf, counts, 1)
	out := buf.String()
	if !strings.Contains(out, ">a<") {
		t.Errorf("expected the top entry to be rendered, got: %s", out)
	}
	if strings.Contains(out, ">c<") {
		t.Errorf("expected entries beyond the top limit to be dropped, got: %s", out)
	}
}
