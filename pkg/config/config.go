// Package config provides configuration loading and management for tomoprep.
// It handles loading configuration from YAML files and provides default values.
// A Config is built once per run and passed by value into every component,
// so units of work never read process-wide state.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"

	"tomoprep/internal/fsutil"
	tperrors "tomoprep/pkg/errors"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers is the number of tomograms processed concurrently
		Workers int `yaml:"workers"`

		// Recursive treats the input directory as a parent of tomogram folders
		Recursive bool `yaml:"recursive"`
	} `yaml:"processing"`

	// Files names the per-tomogram inputs inside an IMOD folder <name>/
	Files struct {
		// StackExt is the extension of the aligned stack, <name><StackExt>
		StackExt string `yaml:"stackExt"`

		// AngleExt is the extension of the tilt-angle file
		AngleExt string `yaml:"angleExt"`

		// TransformExt is the extension of the affine-transform file
		TransformExt string `yaml:"transformExt"`

		// OrderSuffix is appended to the folder name to find the order list
		OrderSuffix string `yaml:"orderSuffix"`
	} `yaml:"files"`

	// OrderList is the CSV contract of order-list files
	OrderList OrderListContract `yaml:"orderList"`

	// Scheme describes the dose-symmetric collection scheme, used to
	// regenerate order lists and for the "scheme" dose ordering
	Scheme struct {
		// TotalRows is the number of tilts in a complete series
		TotalRows int `yaml:"totalRows"`

		// ZeroRow is the 1-based .tlt row of the first acquisition;
		// zero selects the row whose angle is closest to 0
		ZeroRow int `yaml:"zeroRow"`

		// FlipAfter is how many tilts are taken on one side before switching
		FlipAfter int `yaml:"flipAfter"`

		// Direction is the side collected first after zero: pos or neg
		Direction string `yaml:"direction"`

		// Increment is the nominal tilt step in degrees
		Increment float64 `yaml:"increment"`
	} `yaml:"scheme"`

	// Tomostar output parameters
	Tomostar struct {
		// Exposure is the dose per tilt in e-/A^2
		Exposure float64 `yaml:"exposure"`

		// DoseOrdering selects the ordinal used for dose: resolved, acquisition or scheme
		DoseOrdering string `yaml:"doseOrdering"`

		// AngleTolerance is the largest difference in degrees accepted when
		// matching a .tlt angle to an order-list angle
		AngleTolerance float64 `yaml:"angleTolerance"`

		// AxisAngle is written to _wrpAxisAngle
		AxisAngle float64 `yaml:"axisAngle"`

		// AverageIntensity is written to _wrpAverageIntensity
		AverageIntensity float64 `yaml:"averageIntensity"`

		// MaskedFraction is written to _wrpMaskedFraction
		MaskedFraction float64 `yaml:"maskedFraction"`

		// MovieDir is the frame-series folder Warp resolves movie names against
		MovieDir string `yaml:"movieDir"`

		// Decimals is the number of decimal places of numeric columns
		Decimals int `yaml:"decimals"`

		// IncludeTransform appends the six .xf parameters to each row
		IncludeTransform bool `yaml:"includeTransform"`
	} `yaml:"tomostar"`

	// Invert parameters for angle sign inversion
	Invert struct {
		// BackupSuffix is appended to the angle file name for the backup copy
		BackupSuffix string `yaml:"backupSuffix"`

		// OverwriteBackup replaces an existing backup
		OverwriteBackup bool `yaml:"overwriteBackup"`

		// OutputSuffix, when set, writes <file><OutputSuffix> instead of editing in place
		OutputSuffix string `yaml:"outputSuffix"`
	} `yaml:"invert"`

	// Particles parameters for splitting particle tables
	Particles struct {
		// Bin divides recentered coordinates
		Bin float64 `yaml:"bin"`

		// Shift is a local shift in pixels applied in each particle's frame
		Shift [3]float64 `yaml:"shift"`

		// UnmatchedName is the file name of the unmatched-particles report
		UnmatchedName string `yaml:"unmatchedName"`
	} `yaml:"particles"`

	// Logging parameters
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"logging"`

	// Ledger parameters for the processed-unit database
	Ledger struct {
		// Path is the SQLite file; empty disables the ledger
		Path string `yaml:"path"`

		// SkipProcessed skips units that already succeeded in an earlier run
		SkipProcessed bool `yaml:"skipProcessed"`
	} `yaml:"ledger"`
}

// OrderListContract is the explicit CSV contract of an order list. Columns
// are header names when Header is set, otherwise 0-based positions.
type OrderListContract struct {
	Delimiter string `yaml:"delimiter"`
	Header    bool   `yaml:"header"`

	IndexColumn string `yaml:"indexColumn"`
	AngleColumn string `yaml:"angleColumn"`

	// DoseColumn is optional; empty means the list carries no dose
	DoseColumn string `yaml:"doseColumn"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.Recursive = false

	cfg.Files.StackExt = ".mrc"
	cfg.Files.AngleExt = ".tlt"
	cfg.Files.TransformExt = ".xf"
	cfg.Files.OrderSuffix = "_order.csv"

	// emClarity lists: "index,angle" without a header
	cfg.OrderList = OrderListContract{
		Delimiter:   ",",
		Header:      false,
		IndexColumn: "0",
		AngleColumn: "1",
	}

	cfg.Scheme.TotalRows = 35
	cfg.Scheme.ZeroRow = 0
	cfg.Scheme.FlipAfter = 2
	cfg.Scheme.Direction = "pos"
	cfg.Scheme.Increment = 3.0

	cfg.Tomostar.Exposure = 3.0
	cfg.Tomostar.DoseOrdering = "resolved"
	cfg.Tomostar.AngleTolerance = 1.0
	cfg.Tomostar.AxisAngle = -94.0
	cfg.Tomostar.AverageIntensity = 0.0
	cfg.Tomostar.MaskedFraction = 0.0
	cfg.Tomostar.MovieDir = "./warp_frameseries"
	cfg.Tomostar.Decimals = 2
	cfg.Tomostar.IncludeTransform = true

	cfg.Invert.BackupSuffix = ".bak"

	cfg.Particles.Bin = 1.0
	cfg.Particles.UnmatchedName = "unmatched_particles.star"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "auto"
	cfg.Logging.Output = "stderr"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes cfg as YAML, replacing configPath atomically
func SaveConfig(cfg *Config, configPath string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := fsutil.WriteFileAtomic(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate checks that the configuration values are usable
func (c *Config) Validate() error {
	if c.Processing.Workers < 1 {
		return tperrors.NewValidationError("processing.workers", c.Processing.Workers, "must be at least 1")
	}
	if err := c.OrderList.Validate(); err != nil {
		return err
	}
	if c.Scheme.TotalRows < 1 {
		return tperrors.NewValidationError("scheme.totalRows", c.Scheme.TotalRows, "must be positive")
	}
	if c.Scheme.ZeroRow < 0 || c.Scheme.ZeroRow > c.Scheme.TotalRows {
		return tperrors.NewValidationError("scheme.zeroRow", c.Scheme.ZeroRow,
			fmt.Sprintf("must be within [0..%d]", c.Scheme.TotalRows))
	}
	if c.Scheme.FlipAfter < 1 {
		return tperrors.NewValidationError("scheme.flipAfter", c.Scheme.FlipAfter, "must be positive")
	}
	if c.Scheme.Direction != "pos" && c.Scheme.Direction != "neg" {
		return tperrors.NewValidationError("scheme.direction", c.Scheme.Direction, "must be pos or neg")
	}
	switch c.Tomostar.DoseOrdering {
	case "resolved", "acquisition", "scheme":
	default:
		return tperrors.NewValidationError("tomostar.doseOrdering", c.Tomostar.DoseOrdering,
			"must be resolved, acquisition or scheme")
	}
	if c.Tomostar.Exposure < 0 {
		return tperrors.NewValidationError("tomostar.exposure", c.Tomostar.Exposure, "must not be negative")
	}
	if c.Tomostar.AngleTolerance <= 0 {
		return tperrors.NewValidationError("tomostar.angleTolerance", c.Tomostar.AngleTolerance, "must be positive")
	}
	if c.Tomostar.Decimals < 0 || c.Tomostar.Decimals > 12 {
		return tperrors.NewValidationError("tomostar.decimals", c.Tomostar.Decimals, "must be within [0..12]")
	}
	if c.Particles.Bin <= 0 {
		return tperrors.NewValidationError("particles.bin", c.Particles.Bin, "must be positive")
	}
	return nil
}

// Validate checks the CSV contract
func (o OrderListContract) Validate() error {
	if len([]rune(o.Delimiter)) != 1 {
		return tperrors.NewValidationError("orderList.delimiter", o.Delimiter, "must be a single character")
	}
	if o.IndexColumn == "" || o.AngleColumn == "" {
		return tperrors.NewValidationError("orderList", nil, "index and angle columns are required")
	}
	if !o.Header {
		for field, col := range map[string]string{
			"orderList.indexColumn": o.IndexColumn,
			"orderList.angleColumn": o.AngleColumn,
			"orderList.doseColumn":  o.DoseColumn,
		} {
			if col == "" {
				continue
			}
			if n, err := strconv.Atoi(col); err != nil || n < 0 {
				return tperrors.NewValidationError(field, col, "must be a 0-based column position when header is false")
			}
		}
	}
	return nil
}

// Comma returns the delimiter as a rune
func (o OrderListContract) Comma() rune {
	return []rune(o.Delimiter)[0]
}
