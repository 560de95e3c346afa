package spreadsheet

// finishResult turns what a formula evaluated to into what its cell
// stores: references are read, blanks become 0, lambdas that were never
// called are #CALC!, and single-element arrays collapse to a scalar.
func finishResult(ctx *EvalContext, v Primitive) Primitive {
	v = ctx.deref(v)
	switch x := v.(type) {
	case nil, *omitted:
		return 0.0
	case *Lambda:
		return Err(ErrorCodeCalc)
	case *Array:
		if len(x.Data) == 0 {
			return Err(ErrorCodeCalc)
		}
		if len(x.Data) == 1 {
			return finishElement(x.Data[0])
		}
		out := NewArray(x.Rows, x.Cols)
		for i, el := range x.Data {
			out.Data[i] = finishElement(el)
		}
		return out
	}
	return v
}

func finishElement(v Primitive) Primitive {
	switch v.(type) {
	case nil, *omitted:
		return 0.0
	case *Lambda, *Array, *RefValue, *SpillMarker:
		return Err(ErrorCodeCalc)
	}
	return v
}

// spillTarget returns the rectangle an array wants at origin, clipped to
// the sheet, and whether it fits.
func spillTarget(ws *Worksheet, origin CellAddr, arr *Array) (Rect, bool) {
	maxRows, maxCols := ws.Dimensions()
	row2 := uint64(origin.Row) + uint64(arr.Rows) - 1
	col2 := uint64(origin.Col) + uint64(arr.Cols) - 1
	fits := row2 < uint64(maxRows) && col2 < uint64(maxCols)
	rect := Rect{
		Row1: origin.Row, Col1: origin.Col,
		Row2: uint32(min(row2, uint64(maxRows)-1)),
		Col2: uint32(min(col2, uint64(maxCols)-1)),
	}
	return rect, fits
}

// spillBlocked reports whether any non-origin cell of rect holds user
// content or belongs to another origin's spill.
func spillBlocked(ws *Worksheet, origin CellAddr, rect Rect) bool {
	for _, addr := range ws.OccupiedIn(rect) {
		if addr == origin {
			continue
		}
		if ws.HasContent(addr.Row, addr.Col) {
			return true
		}
		if m, ok := ws.Value(addr.Row, addr.Col).(*SpillMarker); ok && m.Origin != origin {
			return true
		}
	}
	return false
}

// commitResult stores the result of a formula cell, spilling arrays. the
// old spill, if any, is freed first; a blocked or out-of-bounds spill
// stores #SPILL! at the origin and materializes nothing. it reports
// whether the visible value of the origin changed.
func (run *calcRun) commitResult(key CellAddress, v Primitive) bool {
	engine := run.engine
	graph := engine.storage.dependencyGraph
	ws, ok := engine.storage.worksheets.GetWorksheet(key.WorksheetID)
	if !ok {
		return false
	}
	origin := key.Addr()
	before := participantValue(ws, origin)
	var freed []Rect

	if old, spilled := graph.SpillRect(key); spilled {
		run.saveSpill(key)
		for r := old.Row1; r <= old.Row2; r++ {
			for c := old.Col1; c <= old.Col2; c++ {
				if r == origin.Row && c == origin.Col {
					continue
				}
				if m, ok := ws.Value(r, c).(*SpillMarker); ok && m.Origin == origin {
					run.saveCell(ws, cellAddress(key.WorksheetID, CellAddr{Row: r, Col: c}))
					ws.SetValue(r, c, nil)
				}
			}
		}
		graph.ClearSpill(key)
		freed = append(freed, old)
	}

	var covered *Rect
	if arr, isArray := v.(*Array); isArray {
		run.saveSpill(key)
		rect, fits := spillTarget(ws, origin, arr)
		graph.SetGuard(key, rect)
		if !fits || spillBlocked(ws, origin, rect) {
			v = Err(ErrorCodeSpill)
		} else {
			marker := &SpillMarker{Origin: origin}
			for r := rect.Row1; r <= rect.Row2; r++ {
				for c := rect.Col1; c <= rect.Col2; c++ {
					if r == origin.Row && c == origin.Col {
						continue
					}
					run.saveCell(ws, cellAddress(key.WorksheetID, CellAddr{Row: r, Col: c}))
					ws.SetValue(r, c, marker)
				}
			}
			graph.SetSpill(key, rect)
			covered = &rect
		}
	} else if _, guarded := graph.guards[key]; guarded {
		run.saveSpill(key)
		graph.ClearGuard(key)
	}

	run.saveCell(ws, key)
	ws.SetValue(origin.Row, origin.Col, v)
	ws.SetGeneration(origin.Row, origin.Col, run.generation)

	for _, rect := range freed {
		for _, dep := range graph.DependentsOfRect(key.WorksheetID, rect) {
			run.dirty(dep)
		}
		for _, other := range graph.GuardsOverlapping(key.WorksheetID, rect, key) {
			run.dirty(other)
		}
	}
	if covered != nil {
		for _, dep := range graph.DependentsOfRect(key.WorksheetID, *covered) {
			run.dirty(dep)
		}
	}
	return !ValuesEqual(before, participantValue(ws, origin)) || covered != nil || freed != nil
}

// clearSpillOf frees the participants of an origin whose formula is being
// removed or replaced outside a recalc. it returns the freed rectangle.
func (s *Spreadsheet) clearSpillOf(key CellAddress) (Rect, bool) {
	graph := s.storage.dependencyGraph
	graph.ClearGuard(key)
	rect, spilled := graph.SpillRect(key)
	if !spilled {
		return Rect{}, false
	}
	graph.ClearSpill(key)
	ws, ok := s.storage.worksheets.GetWorksheet(key.WorksheetID)
	if !ok {
		return rect, true
	}
	origin := key.Addr()
	for r := rect.Row1; r <= rect.Row2; r++ {
		for c := rect.Col1; c <= rect.Col2; c++ {
			if m, ok := ws.Value(r, c).(*SpillMarker); ok && m.Origin == origin {
				ws.SetValue(r, c, nil)
			}
		}
	}
	return rect, true
}
