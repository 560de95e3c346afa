// Command sheetcalc loads a YAML workbook, recalculates it and prints cell
// values.
//
//	sheetcalc [-config engine.yaml] [-v] workbook.yaml [Sheet1!A1 ...]
//
// Without addresses every cell named in the workbook is printed. Output is
// an aligned table on a terminal and tab separated otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

// workbook is the fixture format.
type workbook struct {
	Sheets []struct {
		Name    string         `yaml:"name"`
		MaxRows uint32         `yaml:"max_rows"`
		MaxCols uint32         `yaml:"max_cols"`
		Cells   map[string]any `yaml:"cells"`
	} `yaml:"sheets"`
	Names []struct {
		Scope string `yaml:"scope"`
		Name  string `yaml:"name"`
		Text  string `yaml:"text"`
	} `yaml:"names"`
	Tables []spreadsheet.TableSpec `yaml:"tables"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	tty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr, tty))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, tty bool) int {
	fs := flag.NewFlagSet("sheetcalc", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "engine config `file` (YAML)")
	verbose := fs.Bool("v", false, "log recalc details to stderr")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "usage: sheetcalc [-config engine.yaml] [-v] workbook.yaml [Sheet1!A1 ...]")
		return 2
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg := spreadsheet.DefaultEngineConfig()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "read %s: %v\n", *configPath, err)
			return 2
		}
		if cfg, err = spreadsheet.LoadEngineConfig(data); err != nil {
			fmt.Fprintf(stderr, "config %s: %v\n", *configPath, err)
			return 2
		}
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "read %s: %v\n", fs.Arg(0), err)
		return 2
	}
	s, addresses, err := load(data, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "load %s: %v\n", fs.Arg(0), err)
		return 1
	}
	if err := s.Recalculate(ctx); err != nil {
		fmt.Fprintf(stderr, "recalculate: %v\n", err)
		return 1
	}
	if fs.NArg() > 1 {
		addresses = fs.Args()[1:]
	}
	if err := printCells(s, addresses, stdout, tty); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// load builds a spreadsheet from a workbook document and returns the
// addresses it populated, sheet by sheet in sorted order.
func load(data []byte, cfg spreadsheet.EngineConfig, logger *slog.Logger) (*spreadsheet.Spreadsheet, []string, error) {
	var wb workbook
	if err := yaml.Unmarshal(data, &wb); err != nil {
		return nil, nil, err
	}
	s, err := spreadsheet.NewSpreadsheet(spreadsheet.WithConfig(cfg), spreadsheet.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}

	// sheets first so cross-sheet formulas bind
	for _, sheet := range wb.Sheets {
		if sheet.MaxRows > 0 || sheet.MaxCols > 0 {
			rows, cols := sheet.MaxRows, sheet.MaxCols
			if rows == 0 {
				rows = cfg.SheetDimensions.MaxRows
			}
			if cols == 0 {
				cols = cfg.SheetDimensions.MaxCols
			}
			err = s.AddSheetWithDimensions(sheet.Name, rows, cols)
		} else {
			err = s.AddSheet(sheet.Name)
		}
		if err != nil {
			return nil, nil, err
		}
	}
	for _, name := range wb.Names {
		if err := s.DefineName(name.Scope, name.Name, name.Text); err != nil {
			return nil, nil, err
		}
	}

	var addresses []string
	for _, sheet := range wb.Sheets {
		cells := make([]string, 0, len(sheet.Cells))
		for a1 := range sheet.Cells {
			cells = append(cells, a1)
		}
		slices.SortFunc(cells, compareA1)
		for _, a1 := range cells {
			value := sheet.Cells[a1]
			if text, ok := value.(string); ok && strings.HasPrefix(text, "=") {
				err = s.SetCellFormula(sheet.Name, a1, text)
			} else {
				err = s.SetCellValue(sheet.Name, a1, value)
			}
			if err != nil {
				return nil, nil, fmt.Errorf("%s!%s: %w", sheet.Name, a1, err)
			}
			addresses = append(addresses, qualify(sheet.Name, a1))
		}
	}

	// tables last so header rows are populated
	for _, table := range wb.Tables {
		if err := s.DefineTable(table); err != nil {
			return nil, nil, err
		}
	}
	return s, addresses, nil
}

// compareA1 orders addresses row-major, falling back to text for
// anything that does not parse.
func compareA1(a, b string) int {
	pa, errA := spreadsheet.ParseA1(a)
	pb, errB := spreadsheet.ParseA1(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	if pa.Row != pb.Row {
		return int(pa.Row) - int(pb.Row)
	}
	return int(pa.Col) - int(pb.Col)
}

func qualify(sheet, a1 string) string {
	if strings.ContainsAny(sheet, " '!") {
		sheet = "'" + strings.ReplaceAll(sheet, "'", "''") + "'"
	}
	return sheet + "!" + a1
}

func printCells(s *spreadsheet.Spreadsheet, addresses []string, w io.Writer, tty bool) error {
	var out io.Writer = w
	var tw *tabwriter.Writer
	if tty {
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		out = tw
	}
	for _, address := range addresses {
		sheet, a1, err := spreadsheet.SplitAddress(address)
		if err != nil {
			return err
		}
		value, err := s.GetCellValue(sheet, a1)
		if err != nil {
			return err
		}
		formula, err := s.GetCellFormula(sheet, a1)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", address, spreadsheet.DisplayValue(value), formula)
	}
	if tw != nil {
		return tw.Flush()
	}
	return nil
}
