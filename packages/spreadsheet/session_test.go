package spreadsheet

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		address     string
		sheet, cell string
		wantErr     bool
	}{
		{"Sheet1!A1", "Sheet1", "A1", false},
		{"'My Sheet'!B2", "My Sheet", "B2", false},
		{"'It''s'!C3", "It's", "C3", false},
		{"'a!b'!D4", "a!b", "D4", false},
		{"A1", "", "", true},
		{"!A1", "", "", true},
		{"Sheet1!", "", "", true},
		{"'open!A1", "", "", true},
	}
	for _, test := range tests {
		t.Run(test.address, func(t *testing.T) {
			sheet, cell, err := SplitAddress(test.address)
			if test.wantErr {
				var appErr *AppError
				if !errors.As(err, &appErr) || appErr.Code != InvalidArgument {
					t.Errorf("SplitAddress(%q) error = %v, want InvalidArgument", test.address, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if sheet != test.sheet || cell != test.cell {
				t.Errorf("SplitAddress(%q) = %q, %q", test.address, sheet, cell)
			}
		})
	}
}

func TestSessionChain(t *testing.T) {
	var lines []string
	printLn := func(s string) { lines = append(lines, s) }

	session := NewSession(printLn).
		AddWorksheet("Data").
		WithWorksheet("Data").
		WithWorksheet("Summary").
		SetBatch(map[string]any{
			"Data!A1":      10,
			"Data!A2":      20,
			"Summary!A1":   "=SUM(Data!A1:A2)",
			"'Summary'!B1": "=Summary!A1/2",
		}).
		Calculate().
		Log("Summary!A1").
		Log("Summary!C9").
		CheckError()

	if err := session.Error(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Primitive{30.0, 15.0}, session.Values("Summary!A1", "Summary!B1")); diff != "" {
		t.Errorf("Values mismatch (-want +got):\n%s", diff)
	}
	want := []string{"Summary!A1: 30", "Summary!C9: <empty>", "No errors"}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("log lines mismatch (-want +got):\n%s", diff)
	}

	_, batch := session.GetBatch("Data!A1", "Data!A2")
	if diff := cmp.Diff(map[string]Primitive{"Data!A1": 10.0, "Data!A2": 20.0}, batch); diff != "" {
		t.Errorf("GetBatch mismatch (-want +got):\n%s", diff)
	}
	if got := session.Spreadsheet().ListSheets(); !cmp.Equal(got, []string{"Data", "Summary"}) {
		t.Errorf("sheets = %v", got)
	}
}

func TestSessionErrors(t *testing.T) {
	var lines []string
	session := NewSession(func(s string) { lines = append(lines, s) }).
		AddWorksheet("S").
		Set("S!A1", "=1+").
		Set("S!A2", 5) // skipped after the first error

	var appErr *AppError
	if !errors.As(session.Error(), &appErr) || appErr.Code != InvalidArgument {
		t.Fatalf("Error() = %v, want InvalidArgument", session.Error())
	}
	if v := session.Value("S!A1"); v != nil {
		t.Errorf("Value after an error = %v", v)
	}
	if _, err := session.Run(); err == nil {
		t.Error("Run ignored the recorded error")
	}
	session.CheckError()
	if len(lines) != 1 || lines[0][:6] != "ERROR:" {
		t.Errorf("CheckError logged %v", lines)
	}

	handled := 0
	session.OnError(func(err error) error {
		handled++
		return err
	}).Reset().
		Set("S!A2", 5).
		Then(func(r *Session) *Session { return r.Set("S!A3", "=A2*2") }).
		If(false, func(r *Session) *Session { return r.Set("S!A4", "=1/0") })
	if handled != 1 {
		t.Errorf("OnError called %d times", handled)
	}
	s := session.RunOrPanic()
	if v, _ := s.GetCellValue("S", "A3"); v != 10.0 {
		t.Errorf("A3 = %v, want 10", v)
	}
	if v, _ := s.GetCellValue("S", "A4"); v != nil {
		t.Errorf("A4 = %v, want blank", v)
	}

	defer func() {
		if recover() == nil {
			t.Error("Must did not panic")
		}
	}()
	session.Set("Nope!A1", 1).Must()
}

func TestSessionForEach(t *testing.T) {
	session := NewSession(func(string) {}).
		AddWorksheet("Grid Sheet").
		ForEach("Grid Sheet", 1, 2, 1, 3, func(address string, r *Session) {
			r.Set(address, "=ROW()*10+COLUMN()")
		}).
		Calculate()
	got, err := session.Values("'Grid Sheet'!A1", "'Grid Sheet'!C2"), session.Error()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Primitive{11.0, 23.0}, got); diff != "" {
		t.Errorf("ForEach values mismatch (-want +got):\n%s", diff)
	}
	session.RemoveWorksheet("Grid Sheet")
	if session.Error() != nil {
		t.Fatal(session.Error())
	}
	if _, err := session.Spreadsheet().SheetIndex("Grid Sheet"); err == nil {
		t.Error("sheet still present")
	}
}

func TestDisplayValue(t *testing.T) {
	tests := []struct {
		value Primitive
		want  string
	}{
		{nil, ""},
		{1.5, "1.5"},
		{1e21, "1E+21"},
		{true, "TRUE"},
		{"text", "text"},
		{Err(ErrorCodeDiv0), "#DIV/0!"},
	}
	for _, test := range tests {
		if got := DisplayValue(test.value); got != test.want {
			t.Errorf("DisplayValue(%v) = %q, want %q", test.value, got, test.want)
		}
	}
}
