// Package report renders end-of-run summaries: aggregate statistics
// over a checker's per-function findings, and a standalone SVG
// diagram of the functions most implicated in protection-balance
// diagnostics.
//
// This is a supplemented enrichment (SPEC_FULL.md §2): the original
// tool only prints per-function text. Grounded on
// benchmany/readlog.go's own use of github.com/aclements/go-moremath/stats
// for summarizing benchmark samples (its stats.Mean) and on
// rtcheck/order.go's WriteToHTML, which renders its lock-order graph
// by shelling out to `dot -Tsvg`; here the graph is drawn directly
// with github.com/ajstarks/svgo; so the report has no external-tool
// dependency.
package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/aclements/go-moremath/stats"
	svg "github.com/ajstarks/svgo"
)

// FunctionCount pairs a function name with a diagnostic count, the
// unit both Summarize and WriteSVG operate on.
type FunctionCount struct {
	Name  string
	Count int
}

// Summary holds the aggregate statistics over a run's per-function
// diagnostic counts.
type Summary struct {
	Functions     int
	TotalFindings int
	Mean          float64
	Max           FunctionCount
}

// Summarize computes a Summary from per-function diagnostic counts.
func Summarize(counts []FunctionCount) Summary {
	s := Summary{Functions: len(counts)}
	if len(counts) == 0 {
		return s
	}
	xs := make([]float64, len(counts))
	for i, c := range counts {
		xs[i] = float64(c.Count)
		s.TotalFindings += c.Count
		if c.Count > s.Max.Count {
			s.Max = c
		}
	}
	s.Mean = stats.Mean(xs)
	return s
}

// WriteText writes a short plain-text rendering of s, in the same
// register as benchstat's own summary lines.
func WriteText(w io.Writer, s Summary) {
	fmt.Fprintf(w, "%d functions, %d findings, %.2f findings/function on average\n", s.Functions, s.TotalFindings, s.Mean)
	if s.Max.Count > 0 {
		fmt.Fprintf(w, "worst function: %s (%d findings)\n", s.Max.Name, s.Max.Count)
	}
}

// WriteSVG renders the top N functions by diagnostic count as a
// simple horizontal bar chart, replacing rtcheck/order.go's
// dot-subprocess-based graph rendering with an in-process one.
func WriteSVG(w io.Writer, counts []FunctionCount, top int) {
	sorted := append([]FunctionCount(nil), counts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Count > sorted[j].Count })
	if top > 0 && len(sorted) > top {
		sorted = sorted[:top]
	}

	const rowHeight = 24
	const leftMargin = 200
	const barScale = 8
	width := 900
	height := rowHeight*len(sorted) + 20

	canvas := svg.New(w)
	canvas.Start(width, height)
	canvas.Title("protection-balance findings by function")

	maxCount := 1
	for _, c := range sorted {
		if c.Count > maxCount {
			maxCount = c.Count
		}
	}

	for i, c := range sorted {
		y := 20 + i*rowHeight
		barLen := c.Count * barScale
		if barLen < 1 {
			barLen = 1
		}
		canvas.Text(10, y+rowHeight/2, c.Name, "font-size:12px;font-family:monospace")
		canvas.Rect(leftMargin, y, barLen, rowHeight-6, "fill:#b33")
		canvas.Text(leftMargin+barLen+6, y+rowHeight/2, fmt.Sprintf("%d", c.Count), "font-size:12px")
	}
	canvas.End()
}
