package spreadsheet

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func at(sheet uint32, a1 string) CellAddress {
	addr, err := ParseA1(a1)
	if err != nil {
		panic(err)
	}
	return cellAddress(sheet, addr)
}

func rectOf(a1 string) Rect {
	r, err := ParseRange(a1, MaxRows, MaxCols)
	if err != nil {
		panic(err)
	}
	return r
}

func newTestGraph() *DependencyGraph {
	// sheets 1, 2 and 3 sit in tab positions 1, 2 and 3
	return NewDependencyGraph(func(id uint32) (int, bool) { return int(id), id >= 1 && id <= 3 })
}

func TestGraphDirectDependents(t *testing.T) {
	dg := newTestGraph()
	dg.SetPrecedents(at(1, "B1"), []Precedent{cellPrecedent(1, CellAddr{})})
	dg.SetPrecedents(at(1, "C1"), []Precedent{rangePrecedent(1, rectOf("A1:A10"))})
	dg.SetPrecedents(at(1, "D1"), []Precedent{rangePrecedent(1, rectOf("A:A"))})
	dg.SetPrecedents(at(1, "E1"), []Precedent{rangePrecedent(1, rectOf("5:5"))})
	dg.SetPrecedents(at(2, "A1"), []Precedent{cellPrecedent(1, CellAddr{})})

	tests := []struct {
		name string
		cell CellAddress
		want []CellAddress
	}{
		{"cell, range and column readers", at(1, "A1"), []CellAddress{at(1, "B1"), at(1, "C1"), at(1, "D1"), at(2, "A1")}},
		{"inside the range", at(1, "A5"), []CellAddress{at(1, "C1"), at(1, "D1"), at(1, "E1")}},
		{"past the range", at(1, "A900000"), []CellAddress{at(1, "D1")}},
		{"row bucket", at(1, "XFD5"), []CellAddress{at(1, "E1")}},
		{"nobody", at(1, "Z1"), []CellAddress{}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := dg.DirectDependents(test.cell)
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("DirectDependents(%v) mismatch (-want +got):\n%s", test.cell, diff)
			}
		})
	}
	if err := dg.Validate(); err != nil {
		t.Error(err)
	}
}

func TestGraphReplaceAndRemove(t *testing.T) {
	dg := newTestGraph()
	b1 := at(1, "B1")
	dg.SetPrecedents(b1, []Precedent{cellPrecedent(1, CellAddr{}), cellPrecedent(1, CellAddr{})})
	dg.SetDynamicPrecedents(b1, []Precedent{cellPrecedent(1, CellAddr{Row: 9})})
	if got := len(dg.Precedents(b1)); got != 2 {
		t.Fatalf("Precedents = %d edges, want 2 after dedup", got)
	}

	dg.SetPrecedents(b1, []Precedent{cellPrecedent(1, CellAddr{Col: 2})})
	if got := dg.DirectDependents(at(1, "A1")); len(got) != 0 {
		t.Errorf("old edge survived: %v", got)
	}
	if got := dg.DirectDependents(at(1, "A10")); len(got) != 0 {
		t.Errorf("dynamic edge survived a new formula: %v", got)
	}
	if got := dg.DirectDependents(at(1, "C1")); len(got) != 1 {
		t.Errorf("new edge missing: %v", got)
	}
	if err := dg.Validate(); err != nil {
		t.Error(err)
	}

	dg.MarkVolatile(b1)
	if !dg.RemoveNode(b1) || dg.RemoveNode(b1) {
		t.Error("RemoveNode should succeed exactly once")
	}
	if dg.IsVolatile(b1) || dg.NodeCount() != 0 {
		t.Error("removed node left state behind")
	}
	if got := dg.DirectDependents(at(1, "C1")); len(got) != 0 {
		t.Errorf("removed node still observes C1: %v", got)
	}
}

func TestGraphStrata(t *testing.T) {
	dg := newTestGraph()
	// A1 constant; B1=A1, C1=B1, D1=A1+C1, E1<->F1
	dg.SetPrecedents(at(1, "B1"), []Precedent{cellPrecedent(1, CellAddr{})})
	dg.SetPrecedents(at(1, "C1"), []Precedent{cellPrecedent(1, CellAddr{Col: 1})})
	dg.SetPrecedents(at(1, "D1"), []Precedent{cellPrecedent(1, CellAddr{}), cellPrecedent(1, CellAddr{Col: 2})})
	dg.SetPrecedents(at(1, "E1"), []Precedent{cellPrecedent(1, CellAddr{Col: 5})})
	dg.SetPrecedents(at(1, "F1"), []Precedent{cellPrecedent(1, CellAddr{Col: 4})})

	closure := dg.Closure([]CellAddress{at(1, "A1"), at(1, "E1")})
	if len(closure) != 6 {
		t.Fatalf("closure has %d cells, want 6", len(closure))
	}
	strata, cyclic := dg.Strata(closure)
	want := [][]CellAddress{{at(1, "B1")}, {at(1, "C1")}, {at(1, "D1")}}
	if diff := cmp.Diff(want, strata); diff != "" {
		t.Errorf("Strata mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]CellAddress{at(1, "E1"), at(1, "F1")}, cyclic); diff != "" {
		t.Errorf("cyclic mismatch (-want +got):\n%s", diff)
	}

	order, hasCycle := dg.GetCalculationOrder(closure)
	if !hasCycle || len(order) != 5 || order[len(order)-1] != at(1, "F1") {
		t.Errorf("GetCalculationOrder = %v, %t", order, hasCycle)
	}
}

func TestGraphSpillAndNames(t *testing.T) {
	dg := newTestGraph()
	origin := at(1, "A1")
	dg.SetPrecedents(origin, nil)
	dg.SetSpill(origin, rectOf("A1:A3"))
	dg.SetPrecedents(at(1, "B1"), []Precedent{cellPrecedent(1, CellAddr{Row: 2})})
	dg.SetPrecedents(at(1, "C1"), []Precedent{{Kind: PrecedentSpill, Sheet: 1, Rect: cellRect(CellAddr{})}})
	dg.SetPrecedents(at(1, "D1"), []Precedent{{Kind: PrecedentName, Sheet: 0, Name: foldName("Rate")}})

	want := []CellAddress{at(1, "B1"), at(1, "C1")}
	if diff := cmp.Diff(want, dg.DirectDependents(origin)); diff != "" {
		t.Errorf("spill origin dependents mismatch (-want +got):\n%s", diff)
	}
	dg.ClearSpill(origin)
	if diff := cmp.Diff([]CellAddress{at(1, "C1")}, dg.DirectDependents(origin)); diff != "" {
		t.Errorf("dependents after the spill is gone (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]CellAddress{at(1, "D1")}, dg.NameDependents(0, foldName("Rate"))); diff != "" {
		t.Errorf("NameDependents mismatch (-want +got):\n%s", diff)
	}

	dg.SetGuard(origin, rectOf("A1:B2"))
	if got := dg.GuardsOverlapping(1, rectOf("B2"), CellAddress{}); len(got) != 1 || got[0] != origin {
		t.Errorf("GuardsOverlapping = %v", got)
	}
	if got := dg.GuardsOverlapping(1, rectOf("B2"), origin); len(got) != 0 {
		t.Errorf("GuardsOverlapping excluding the origin = %v", got)
	}
	if err := dg.Validate(); err != nil {
		t.Error(err)
	}
}

func TestGraphSpans(t *testing.T) {
	dg := newTestGraph()
	sum := at(1, "A1")
	dg.SetPrecedents(sum, []Precedent{{Kind: PrecedentSpan, Sheet: 3, EndSheet: 1, Rect: rectOf("B1:B2")}})

	if got := dg.DirectDependents(at(2, "B2")); len(got) != 1 || got[0] != sum {
		t.Errorf("middle sheet of a reversed span: %v", got)
	}
	if got := dg.DirectDependents(at(2, "C1")); len(got) != 0 {
		t.Errorf("outside the span rectangle: %v", got)
	}
	if diff := cmp.Diff([]CellAddress{sum}, dg.SpanDependents()); diff != "" {
		t.Errorf("SpanDependents mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]CellAddress{sum}, dg.SheetDependents(3)); diff != "" {
		t.Errorf("SheetDependents mismatch (-want +got):\n%s", diff)
	}
}

func TestGraphDirtyAndVolatile(t *testing.T) {
	dg := newTestGraph()
	dg.MarkDirty(at(1, "B2"))
	dg.MarkDirty(at(1, "A1"))
	dg.MarkDirty(at(1, "A1"))
	if diff := cmp.Diff([]CellAddress{at(1, "A1"), at(1, "B2")}, dg.DirtyCells()); diff != "" {
		t.Errorf("DirtyCells mismatch (-want +got):\n%s", diff)
	}
	old := dg.ReplaceDirty(nil)
	if len(old) != 2 || dg.IsDirty(at(1, "A1")) {
		t.Errorf("ReplaceDirty returned %d cells, A1 dirty=%t", len(old), dg.IsDirty(at(1, "A1")))
	}

	dg.MarkVolatile(at(2, "A1"))
	dg.MarkVolatile(at(1, "C3"))
	if diff := cmp.Diff([]CellAddress{at(1, "C3"), at(2, "A1")}, dg.GetVolatileCells()); diff != "" {
		t.Errorf("GetVolatileCells mismatch (-want +got):\n%s", diff)
	}
	dg.UnmarkVolatile(at(1, "C3"))
	if dg.IsVolatile(at(1, "C3")) {
		t.Error("C3 still volatile")
	}
}

func BenchmarkGraphColumnObservers(b *testing.B) {
	dg := newTestGraph()
	for r := uint32(0); r < 1000; r++ {
		dg.SetPrecedents(CellAddress{WorksheetID: 1, Row: r, Column: 5}, []Precedent{rangePrecedent(1, rectOf("A:A"))})
	}
	probe := at(1, "A500000")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dg.DirectDependents(probe)
	}
}
