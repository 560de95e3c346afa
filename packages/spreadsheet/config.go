package spreadsheet

import (
	"fmt"
	"unicode/utf8"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// IterativeCalcConfig controls how circular references are resolved.
type IterativeCalcConfig struct {
	Enabled              bool    `yaml:"enabled"`
	MaxIterations        int     `yaml:"max_iterations"`
	ConvergenceTolerance float64 `yaml:"convergence_tolerance"`
}

// SheetDimensions bounds a sheet; whole-column and whole-row references
// expand to these limits.
type SheetDimensions struct {
	MaxRows uint32 `yaml:"max_rows"`
	MaxCols uint32 `yaml:"max_cols"`
}

// ParallelConfig enables stratified multi-threaded recalc. Workers 0 means
// GOMAXPROCS.
type ParallelConfig struct {
	Enabled bool `yaml:"enabled"`
	Workers int  `yaml:"workers"`
}

// EngineConfig is the construction-time configuration of a Spreadsheet.
type EngineConfig struct {
	BytecodeEnabled bool                `yaml:"bytecode_enabled"`
	DynamicArrays   bool                `yaml:"dynamic_arrays"`
	IterativeCalc   IterativeCalcConfig `yaml:"iterative_calc"`
	DateSystem      DateSystem          `yaml:"date_system"`
	NumberLocale    NumberLocale        `yaml:"-"`
	SheetDimensions SheetDimensions     `yaml:"sheet_dimensions"`
	MaxArrayCells   int                 `yaml:"max_array_cells"`
	MaxTextBytes    string              `yaml:"max_text_bytes"`
	ParseCacheSize  int                 `yaml:"parse_cache_size"`
	Parallel        ParallelConfig      `yaml:"parallel"`

	maxTextBytes int64
}

// localeConfig is the YAML form of NumberLocale.
type localeConfig struct {
	DecimalSeparator  string `yaml:"decimal_separator"`
	ThousandSeparator string `yaml:"thousand_separator"`
}

// DefaultEngineConfig returns the Excel 365 defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BytecodeEnabled: true,
		DynamicArrays:   true,
		IterativeCalc: IterativeCalcConfig{
			MaxIterations:        100,
			ConvergenceTolerance: 0.001,
		},
		DateSystem:      Date1900,
		NumberLocale:    DefaultNumberLocale,
		SheetDimensions: SheetDimensions{MaxRows: 1048576, MaxCols: 16384},
		MaxArrayCells:   1_000_000,
		MaxTextBytes:    "32KiB",
		ParseCacheSize:  4096,
		maxTextBytes:    32 * 1024,
	}
}

// LoadEngineConfig reads a YAML document over the defaults and validates
// the result.
func LoadEngineConfig(data []byte) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	var doc struct {
		EngineConfig `yaml:",inline"`
		NumberLocale *localeConfig `yaml:"number_locale"`
	}
	doc.EngineConfig = cfg
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return cfg, &AppError{Code: InvalidArgument, Message: "invalid engine config", Cause: err}
	}
	cfg = doc.EngineConfig
	if doc.NumberLocale != nil {
		locale, err := doc.NumberLocale.toLocale()
		if err != nil {
			return cfg, err
		}
		cfg.NumberLocale = locale
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (lc *localeConfig) toLocale() (NumberLocale, error) {
	locale := DefaultNumberLocale
	sep := func(s string) (rune, error) {
		r, size := utf8.DecodeRuneInString(s)
		if size != len(s) {
			return 0, &AppError{Code: InvalidArgument, Message: fmt.Sprintf("separator %q must be a single character", s)}
		}
		return r, nil
	}
	var err error
	if lc.DecimalSeparator != "" {
		if locale.DecimalSeparator, err = sep(lc.DecimalSeparator); err != nil {
			return locale, err
		}
	}
	if lc.ThousandSeparator != "" {
		if locale.ThousandSeparator, err = sep(lc.ThousandSeparator); err != nil {
			return locale, err
		}
	}
	if locale.DecimalSeparator == locale.ThousandSeparator {
		return locale, &AppError{Code: InvalidArgument, Message: "decimal and thousand separators must differ"}
	}
	return locale, nil
}

// Validate checks bounds and resolves the text size limit.
func (c *EngineConfig) Validate() error {
	invalid := func(format string, args ...any) error {
		return &AppError{Code: InvalidArgument, Message: fmt.Sprintf(format, args...)}
	}
	if c.SheetDimensions.MaxRows == 0 || c.SheetDimensions.MaxCols == 0 {
		return invalid("sheet dimensions must be positive, got %dx%d", c.SheetDimensions.MaxRows, c.SheetDimensions.MaxCols)
	}
	if c.SheetDimensions.MaxRows > MaxRows || c.SheetDimensions.MaxCols > MaxCols {
		return invalid("sheet dimensions %dx%d exceed %dx%d", c.SheetDimensions.MaxRows, c.SheetDimensions.MaxCols, MaxRows, MaxCols)
	}
	if c.IterativeCalc.MaxIterations <= 0 {
		return invalid("max_iterations must be positive, got %d", c.IterativeCalc.MaxIterations)
	}
	if c.IterativeCalc.ConvergenceTolerance <= 0 {
		return invalid("convergence_tolerance must be positive, got %g", c.IterativeCalc.ConvergenceTolerance)
	}
	if c.DateSystem != Date1900 && c.DateSystem != Date1904 {
		return invalid("date_system must be 1900 or 1904, got %d", c.DateSystem)
	}
	if c.MaxArrayCells <= 0 {
		return invalid("max_array_cells must be positive, got %d", c.MaxArrayCells)
	}
	if c.ParseCacheSize <= 0 {
		return invalid("parse_cache_size must be positive, got %d", c.ParseCacheSize)
	}
	if c.Parallel.Workers < 0 {
		return invalid("parallel.workers must not be negative, got %d", c.Parallel.Workers)
	}
	size, err := units.RAMInBytes(c.MaxTextBytes)
	if err != nil {
		return &AppError{Code: InvalidArgument, Message: fmt.Sprintf("max_text_bytes %q", c.MaxTextBytes), Cause: err}
	}
	if size <= 0 {
		return invalid("max_text_bytes must be positive, got %s", c.MaxTextBytes)
	}
	c.maxTextBytes = size
	if c.NumberLocale.DecimalSeparator == 0 {
		c.NumberLocale = DefaultNumberLocale
	}
	return nil
}

// String summarizes the configuration for log records.
func (c EngineConfig) String() string {
	return fmt.Sprintf("bytecode=%t dynamic=%t iterative=%t dates=%d dims=%dx%d text=%s parallel=%t",
		c.BytecodeEnabled, c.DynamicArrays, c.IterativeCalc.Enabled, c.DateSystem,
		c.SheetDimensions.MaxRows, c.SheetDimensions.MaxCols,
		units.BytesSize(float64(c.maxTextBytes)), c.Parallel.Enabled)
}
