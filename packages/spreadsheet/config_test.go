package spreadsheet

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestLoadEngineConfig(t *testing.T) {
	doc := `
bytecode_enabled: false
dynamic_arrays: false
iterative_calc:
  enabled: true
  max_iterations: 50
date_system: 1904
sheet_dimensions:
  max_rows: 1000
  max_cols: 26
max_text_bytes: 1KiB
parallel:
  enabled: true
  workers: 8
number_locale:
  decimal_separator: ","
  thousand_separator: "."
`
	got, err := LoadEngineConfig([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultEngineConfig()
	want.BytecodeEnabled = false
	want.DynamicArrays = false
	want.IterativeCalc.Enabled = true
	want.IterativeCalc.MaxIterations = 50
	want.DateSystem = Date1904
	want.SheetDimensions = SheetDimensions{MaxRows: 1000, MaxCols: 26}
	want.MaxTextBytes = "1KiB"
	want.Parallel = ParallelConfig{Enabled: true, Workers: 8}
	want.NumberLocale = NumberLocale{DecimalSeparator: ',', ThousandSeparator: '.'}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreUnexported(EngineConfig{})); diff != "" {
		t.Errorf("LoadEngineConfig mismatch (-want +got):\n%s", diff)
	}
	if got.maxTextBytes != 1024 {
		t.Errorf("resolved text limit = %d, want 1024", got.maxTextBytes)
	}
	// unset keys keep their defaults
	if got.IterativeCalc.ConvergenceTolerance != 0.001 || got.ParseCacheSize != 4096 {
		t.Errorf("defaults lost: %+v", got)
	}
}

func TestLoadEngineConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"malformed yaml", "parallel: [", "invalid engine config"},
		{"zero rows", "sheet_dimensions:\n  max_rows: 0\n", "sheet dimensions"},
		{"too many columns", "sheet_dimensions:\n  max_cols: 20000\n", "exceed"},
		{"bad date system", "date_system: 2000\n", "date_system"},
		{"no iterations", "iterative_calc:\n  max_iterations: 0\n", "max_iterations"},
		{"negative tolerance", "iterative_calc:\n  convergence_tolerance: -1\n", "convergence_tolerance"},
		{"zero array cells", "max_array_cells: 0\n", "max_array_cells"},
		{"zero parse cache", "parse_cache_size: 0\n", "parse_cache_size"},
		{"negative workers", "parallel:\n  workers: -2\n", "workers"},
		{"unparseable size", "max_text_bytes: lots\n", "max_text_bytes"},
		{"zero size", "max_text_bytes: \"0\"\n", "positive"},
		{"long separator", "number_locale:\n  decimal_separator: \",,\"\n", "single character"},
		{"same separators", "number_locale:\n  decimal_separator: \",\"\n", "must differ"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := LoadEngineConfig([]byte(test.doc))
			var appErr *AppError
			if !errors.As(err, &appErr) || appErr.Code != InvalidArgument {
				t.Fatalf("LoadEngineConfig error = %v, want InvalidArgument", err)
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("error %q does not mention %q", err.Error(), test.want)
			}
		})
	}
}

func TestEngineConfigString(t *testing.T) {
	cfg := DefaultEngineConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	s := cfg.String()
	for _, part := range []string{"bytecode=true", "dims=1048576x16384", "text=32KiB", "parallel=false"} {
		if !strings.Contains(s, part) {
			t.Errorf("String() = %q, missing %q", s, part)
		}
	}
}

func TestConfiguredSheetDimensions(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.SheetDimensions = SheetDimensions{MaxRows: 10, MaxCols: 3}
	NewSpreadsheetTestCase(t, "Small sheets", WithConfig(cfg)).
		Set("Sheet1!C10", 4).
		Set("Sheet1!A1", "=SUM(C:C)").
		Try("Sheet1!D1", 1).
		ExpectAppError(OutOfRange).
		Try("Sheet1!A11", 1).
		ExpectAppError(OutOfRange).
		Set("Sheet1!B1", "=SEQUENCE(11)").
		Run().
		AssertCellEq("Sheet1!A1", 4.0).
		AssertCellErr("Sheet1!B1", ErrorCodeSpill).
		End()
}

func TestDate1904System(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.DateSystem = Date1904
	NewSpreadsheetTestCase(t, "1904 dates", WithConfig(cfg)).
		Set("Sheet1!A1", "=DATE(1904,1,2)").
		Set("Sheet1!A2", "=YEAR(0)").
		Set("Sheet1!A3", "=DATE(2024,1,15)").
		Run().
		AssertCellEq("Sheet1!A1", 1.0).
		AssertCellEq("Sheet1!A2", 1904.0).
		AssertCellEq("Sheet1!A3", 45306.0-1462).
		End()
}
