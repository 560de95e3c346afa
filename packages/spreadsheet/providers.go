package spreadsheet

// ExternalValueProvider supplies cells of other workbooks for references
// such as [Book.xlsx]Sheet1!A1. values may be any Go value accepted by
// NormalizeValue.
type ExternalValueProvider interface {
	// Get returns the value of one cell, or false when the workbook, sheet
	// or cell is not known.
	Get(workbook, sheet string, addr CellAddr) (any, bool)
	// SheetOrder lists the workbook's sheets in tab order.
	SheetOrder(workbook string) ([]string, bool)
}

// ExternalDataProvider backs RTD and the CUBE functions. a nil result
// reads as #N/A; returning ErrorCodeGettingData marks a pending fetch that
// is retried on the next recalc.
type ExternalDataProvider interface {
	RTD(progID, server string, topics []string) any
	CubeValue(connection string, members []string) any
	CubeMember(connection string, members []string, caption string) any
	CubeMemberProperty(connection, member, property string) any
	CubeRankedMember(connection, set string, rank int, caption string) any
	CubeSet(connection string, members []string, caption string, sortOrder int, sortBy string) any
	CubeSetCount(set any) any
	CubeKPIMember(connection, kpi string, property int, caption string) any
}

// providerValue normalizes a provider result into a cell value.
func providerValue(v any) Primitive {
	if v == nil {
		return Err(ErrorCodeNA)
	}
	switch x := NormalizeValue(v).(type) {
	case *RefValue, *Lambda, *SpillMarker:
		return Err(ErrorCodeUnknown)
	default:
		return x
	}
}

// externalSheetIndex finds a sheet in an external workbook's tab order,
// matching names case-insensitively after NFKC folding.
func externalSheetIndex(provider ExternalValueProvider, workbook, sheet string) (int, bool) {
	if provider == nil {
		return 0, false
	}
	order, ok := provider.SheetOrder(workbook)
	if !ok {
		return 0, false
	}
	want := foldName(sheet)
	for i, name := range order {
		if foldName(name) == want {
			return i + 1, true
		}
	}
	return 0, false
}
