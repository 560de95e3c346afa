package spreadsheet

import (
	"context"
	"fmt"
	"testing"
)

// benchSession returns a session with one sheet that fails the benchmark
// on the first recorded error.
func benchSession(b *testing.B, sheets ...string) *Session {
	b.Helper()
	s := NewSession(func(string) {})
	for _, name := range append([]string{"Sheet1"}, sheets...) {
		s.AddWorksheet(name)
	}
	if err := s.Error(); err != nil {
		b.Fatal(err)
	}
	return s
}

func mustCalculate(b *testing.B, s *Session) {
	if err := s.Calculate().Error(); err != nil {
		b.Fatal(err)
	}
}

func BenchmarkLargeCellPopulation(b *testing.B) {
	for i := 0; i < b.N; i++ {
		s := benchSession(b)
		s.ForEach("Sheet1", 1, 100, 1, 26, func(address string, r *Session) {
			r.Set(address, float64(i))
		})
		if err := s.Error(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFormulaDependencyChain(b *testing.B) {
	s := benchSession(b)
	s.Set("Sheet1!A1", 1.0)
	for i := 2; i <= 100; i++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", i), fmt.Sprintf("=A%d+1", i-1))
	}
	mustCalculate(b, s)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Sheet1!A1", float64(i))
		mustCalculate(b, s)
	}
}

func BenchmarkWideDependencyFanOut(b *testing.B) {
	s := benchSession(b)
	s.Set("Sheet1!A1", 100.0)
	for i := 2; i <= 500; i++ {
		s.Set(fmt.Sprintf("Sheet1!B%d", i), "=A1*2")
	}
	mustCalculate(b, s)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Sheet1!A1", float64(i))
		mustCalculate(b, s)
	}
}

func BenchmarkLargeRangeSUM(b *testing.B) {
	s := benchSession(b)
	for i := 1; i <= 1000; i++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", i), float64(i))
	}
	s.Set("Sheet1!B1", "=SUM(A1:A1000)")
	mustCalculate(b, s)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Sheet1!A500", float64(i))
		mustCalculate(b, s)
	}
}

func BenchmarkWholeColumnSUM(b *testing.B) {
	s := benchSession(b)
	for i := 1; i <= 1000; i++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", i), float64(i))
	}
	s.Set("Sheet1!B1", "=SUM(A:A)")
	mustCalculate(b, s)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Sheet1!A1000", float64(i))
		mustCalculate(b, s)
	}
}

func BenchmarkComplexNestedFormulas(b *testing.B) {
	s := benchSession(b)
	for i := 1; i <= 20; i++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", i), float64(i))
		s.Set(fmt.Sprintf("Sheet1!B%d", i), float64(i*2))
	}
	s.Set("Sheet1!C1", "=IF(AVERAGE(A1:A20)>10, SUM(B1:B20), MAX(A1:A20))")
	s.Set("Sheet1!D1", "=ROUND(SQRT(C1)*PI(), 2)")
	s.Set("Sheet1!E1", "=IF(D1>100, MEDIAN(A1:A20), MIN(B1:B20))")
	mustCalculate(b, s)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Sheet1!A1", float64(i%40))
		mustCalculate(b, s)
	}
}

func BenchmarkVolatileFunctions(b *testing.B) {
	s := benchSession(b)
	for i := 1; i <= 50; i++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", i), "=RAND()")
		s.Set(fmt.Sprintf("Sheet1!B%d", i), fmt.Sprintf("=A%d*100", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mustCalculate(b, s)
	}
}

func BenchmarkMultiWorksheetReferences(b *testing.B) {
	s := benchSession(b, "Data", "Summary")
	for i := 1; i <= 100; i++ {
		s.Set(fmt.Sprintf("Data!A%d", i), float64(i))
	}
	s.Set("Summary!A1", "=SUM(Data!A1:A100)")
	s.Set("Summary!B1", "=AVERAGE(Data!A1:A100)")
	s.Set("Summary!C1", "=MAX(Data!A1:A100)")
	s.Set("Summary!D1", "=MIN(Data!A1:A100)")
	mustCalculate(b, s)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Data!A50", float64(i))
		mustCalculate(b, s)
	}
}

func BenchmarkCascadingUpdates(b *testing.B) {
	s := benchSession(b)
	for row := 1; row <= 50; row++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", row), float64(row))
		for col := uint32(1); col < 10; col++ {
			s.Set(fmt.Sprintf("Sheet1!%s%d", ColumnLabel(col), row), fmt.Sprintf("=%s%d*2", ColumnLabel(col-1), row))
		}
	}
	mustCalculate(b, s)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Sheet1!A1", float64(i%100))
		mustCalculate(b, s)
	}
}

func BenchmarkSparseMatrix(b *testing.B) {
	s := benchSession(b)
	for i := 1; i <= 1000; i += 10 {
		for j := uint32(0); j < 1000; j += 10 {
			s.Set(fmt.Sprintf("Sheet1!%s%d", ColumnLabel(j), i), float64(i)+float64(j))
		}
	}
	s.Set("Sheet1!AMA1", "=SUM(A1:ALZ1000)")
	mustCalculate(b, s)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Sheet1!K11", float64(i))
		mustCalculate(b, s)
	}
}

func BenchmarkCircularReferenceDetection(b *testing.B) {
	for i := 0; i < b.N; i++ {
		s := benchSession(b)
		s.Set("Sheet1!A1", "=B1+C1").
			Set("Sheet1!B1", "=C1+D1").
			Set("Sheet1!C1", "=D1+E1").
			Set("Sheet1!D1", "=E1+F1").
			Set("Sheet1!E1", "=F1+G1").
			Set("Sheet1!F1", "=G1+H1").
			Set("Sheet1!G1", "=H1+A1").
			Set("Sheet1!H1", "=A1")
		mustCalculate(b, s)
	}
}

func BenchmarkIterativeCalculation(b *testing.B) {
	cfg := DefaultEngineConfig()
	cfg.IterativeCalc.Enabled = true
	cfg.IterativeCalc.MaxIterations = 100
	s := NewSession(func(string) {}, WithConfig(cfg)).
		AddWorksheet("Sheet1").
		Set("Sheet1!A1", "=B1/2+1").
		Set("Sheet1!B1", "=A1")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Sheet1!C1", float64(i))
		mustCalculate(b, s)
	}
}

func BenchmarkManySmallFormulas(b *testing.B) {
	s := benchSession(b)
	for row := 1; row <= 100; row++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", row), float64(row))
		s.Set(fmt.Sprintf("Sheet1!B%d", row), fmt.Sprintf("=A%d*2", row))
		s.Set(fmt.Sprintf("Sheet1!C%d", row), fmt.Sprintf("=B%d+A%d", row, row))
		s.Set(fmt.Sprintf("Sheet1!D%d", row), fmt.Sprintf("=C%d/2", row))
	}
	mustCalculate(b, s)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", i%100+1), float64(i))
		mustCalculate(b, s)
	}
}

func BenchmarkStringConcatenation(b *testing.B) {
	s := benchSession(b)
	for i := 1; i <= 100; i++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", i), fmt.Sprintf("text%d", i))
		s.Set(fmt.Sprintf("Sheet1!B%d", i), fmt.Sprintf(`=A%d&"-suffix"`, i))
	}
	s.Set("Sheet1!C1", `=TEXTJOIN(",",TRUE,B1:B100)`)
	mustCalculate(b, s)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Sheet1!A1", fmt.Sprintf("text%d", i))
		mustCalculate(b, s)
	}
}

func BenchmarkAggregationFunctions(b *testing.B) {
	s := benchSession(b)
	for i := 1; i <= 500; i++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", i), float64(i))
	}
	s.Set("Sheet1!B1", "=SUM(A1:A500)")
	s.Set("Sheet1!B2", "=AVERAGE(A1:A500)")
	s.Set("Sheet1!B3", "=COUNT(A1:A500)")
	s.Set("Sheet1!B4", "=MAX(A1:A500)")
	s.Set("Sheet1!B5", "=MIN(A1:A500)")
	s.Set("Sheet1!B6", "=MEDIAN(A1:A500)")
	s.Set("Sheet1!B7", `=SUMIFS(A1:A500,A1:A500,">100",A1:A500,"<400")`)
	mustCalculate(b, s)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Sheet1!A250", float64(i))
		mustCalculate(b, s)
	}
}

func BenchmarkConditionalLogic(b *testing.B) {
	s := benchSession(b)
	for i := 1; i <= 200; i++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", i), float64(i))
		s.Set(fmt.Sprintf("Sheet1!B%d", i), fmt.Sprintf(`=IF(A%d>100, A%d*2, A%d/2)`, i, i, i))
		s.Set(fmt.Sprintf("Sheet1!C%d", i), fmt.Sprintf(`=AND(A%d>50, A%d<150)`, i, i))
		s.Set(fmt.Sprintf("Sheet1!D%d", i), fmt.Sprintf(`=OR(A%d<25, A%d>175)`, i, i))
	}
	mustCalculate(b, s)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set(fmt.Sprintf("Sheet1!A%d", i%200+1), float64(i%300))
		mustCalculate(b, s)
	}
}

func BenchmarkDynamicArraySpill(b *testing.B) {
	s := benchSession(b)
	s.Set("Sheet1!A1", 100)
	s.Set("Sheet1!B1", "=SEQUENCE(A1)")
	s.Set("Sheet1!C1", "=SUM(B1#)")
	mustCalculate(b, s)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Sheet1!A1", 50+i%100)
		mustCalculate(b, s)
	}
}

func BenchmarkDirtyPropagation(b *testing.B) {
	s := benchSession(b)
	grid := uint32(20)
	cell := func(col, row uint32) string { return fmt.Sprintf("%s%d", ColumnLabel(col), row+1) }
	for row := uint32(0); row < grid; row++ {
		for col := uint32(0); col < grid; col++ {
			addr := "Sheet1!" + cell(col, row)
			switch {
			case row == 0 && col == 0:
				s.Set(addr, 1.0)
			case row == 0:
				s.Set(addr, "="+cell(col-1, row)+"+1")
			case col == 0:
				s.Set(addr, "="+cell(col, row-1)+"+1")
			default:
				s.Set(addr, "="+cell(col-1, row)+"+"+cell(col, row-1))
			}
		}
	}
	mustCalculate(b, s)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Set("Sheet1!A1", float64(i%100))
		mustCalculate(b, s)
	}
}

func BenchmarkParallelStrata(b *testing.B) {
	for _, parallel := range []bool{false, true} {
		b.Run(fmt.Sprintf("parallel=%t", parallel), func(b *testing.B) {
			cfg := DefaultEngineConfig()
			cfg.Parallel = ParallelConfig{Enabled: parallel, Workers: 4}
			s, err := NewSpreadsheet(WithConfig(cfg))
			if err != nil {
				b.Fatal(err)
			}
			if err := s.AddSheet("Sheet1"); err != nil {
				b.Fatal(err)
			}
			_ = s.SetCellValue("Sheet1", "A1", 1)
			for r := 1; r <= 2000; r++ {
				_ = s.SetCellFormula("Sheet1", fmt.Sprintf("B%d", r), fmt.Sprintf("=SQRT($A$1*%d)+LN(%d)", r, r))
			}
			ctx := context.Background()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = s.SetCellValue("Sheet1", "A1", i+1)
				if err := s.Recalculate(ctx); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
