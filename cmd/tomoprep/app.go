package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tomoprep/pkg/batch"
	"tomoprep/pkg/config"
	tperrors "tomoprep/pkg/errors"
	"tomoprep/pkg/ledger"
	"tomoprep/pkg/logging"
	"tomoprep/pkg/particles"
)

// app is the state shared by the subcommands of one invocation
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	log    zerolog.Logger
	ledger *ledger.Ledger
	out    io.Writer
}

func newApp() *app {
	v := viper.New()
	v.SetEnvPrefix("TOMOPREP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return &app{v: v, log: logging.Nop()}
}

// setting maps a flag or TOMOPREP_* variable onto the config. cmd limits
// it to one subcommand when the same flag name means different things.
type setting struct {
	key   string
	cmd   string
	apply func(v *viper.Viper, key string, c *config.Config) error
}

func intSetting(key string, field func(*config.Config) *int) setting {
	return setting{key: key, apply: func(v *viper.Viper, k string, c *config.Config) error {
		*field(c) = v.GetInt(k)
		return nil
	}}
}

func floatSetting(key string, field func(*config.Config) *float64) setting {
	return setting{key: key, apply: func(v *viper.Viper, k string, c *config.Config) error {
		*field(c) = v.GetFloat64(k)
		return nil
	}}
}

func stringSetting(key string, field func(*config.Config) *string) setting {
	return setting{key: key, apply: func(v *viper.Viper, k string, c *config.Config) error {
		*field(c) = v.GetString(k)
		return nil
	}}
}

func boolSetting(key string, field func(*config.Config) *bool) setting {
	return setting{key: key, apply: func(v *viper.Viper, k string, c *config.Config) error {
		*field(c) = v.GetBool(k)
		return nil
	}}
}

func only(cmd string, s setting) setting {
	s.cmd = cmd
	return s
}

var settings = []setting{
	intSetting("workers", func(c *config.Config) *int { return &c.Processing.Workers }),
	boolSetting("recursive", func(c *config.Config) *bool { return &c.Processing.Recursive }),
	stringSetting("log-level", func(c *config.Config) *string { return &c.Logging.Level }),
	stringSetting("log-format", func(c *config.Config) *string { return &c.Logging.Format }),
	stringSetting("log-output", func(c *config.Config) *string { return &c.Logging.Output }),
	stringSetting("ledger", func(c *config.Config) *string { return &c.Ledger.Path }),
	boolSetting("skip-processed", func(c *config.Config) *bool { return &c.Ledger.SkipProcessed }),
	stringSetting("order-suffix", func(c *config.Config) *string { return &c.Files.OrderSuffix }),

	intSetting("total", func(c *config.Config) *int { return &c.Scheme.TotalRows }),
	intSetting("zero-row", func(c *config.Config) *int { return &c.Scheme.ZeroRow }),
	intSetting("flip-after", func(c *config.Config) *int { return &c.Scheme.FlipAfter }),
	stringSetting("direction", func(c *config.Config) *string { return &c.Scheme.Direction }),
	floatSetting("increment", func(c *config.Config) *float64 { return &c.Scheme.Increment }),
	only("generate", stringSetting("suffix", func(c *config.Config) *string { return &c.Files.OrderSuffix })),

	floatSetting("exposure", func(c *config.Config) *float64 { return &c.Tomostar.Exposure }),
	stringSetting("dose-ordering", func(c *config.Config) *string { return &c.Tomostar.DoseOrdering }),
	floatSetting("angle-tolerance", func(c *config.Config) *float64 { return &c.Tomostar.AngleTolerance }),
	floatSetting("axis-angle", func(c *config.Config) *float64 { return &c.Tomostar.AxisAngle }),
	floatSetting("average-intensity", func(c *config.Config) *float64 { return &c.Tomostar.AverageIntensity }),
	floatSetting("masked-fraction", func(c *config.Config) *float64 { return &c.Tomostar.MaskedFraction }),
	intSetting("decimals", func(c *config.Config) *int { return &c.Tomostar.Decimals }),
	boolSetting("include-transform", func(c *config.Config) *bool { return &c.Tomostar.IncludeTransform }),
	stringSetting("frames", func(c *config.Config) *string { return &c.Tomostar.MovieDir }),

	only("invert-tlt", stringSetting("suffix", func(c *config.Config) *string { return &c.Invert.BackupSuffix })),
	boolSetting("overwrite-backup", func(c *config.Config) *bool { return &c.Invert.OverwriteBackup }),
	stringSetting("output-suffix", func(c *config.Config) *string { return &c.Invert.OutputSuffix }),

	{key: "bin", apply: func(v *viper.Viper, k string, c *config.Config) error {
		bin, err := particles.ParseBin(v.GetString(k))
		if err != nil {
			return err
		}
		c.Particles.Bin = bin
		return nil
	}},
	{key: "shift", apply: func(v *viper.Viper, k string, c *config.Config) error {
		shift, err := parseShift(v.GetString(k))
		if err != nil {
			return err
		}
		c.Particles.Shift = shift
		return nil
	}},
	stringSetting("unmatched-name", func(c *config.Config) *string { return &c.Particles.UnmatchedName }),
}

// parseShift parses "x,y,z"
func parseShift(s string) ([3]float64, error) {
	var out [3]float64
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return out, tperrors.NewValidationError("shift", s, "must be x,y,z")
	}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return out, tperrors.NewValidationError("shift", s, "must be x,y,z")
		}
		out[i] = f
	}
	return out, nil
}

// setup builds the configuration of cmd with the precedence flags > env >
// file > defaults, then the logger and the ledger
func (a *app) setup(cmd *cobra.Command) error {
	a.out = cmd.OutOrStdout()
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(a.v.GetString("config"))
	if err != nil {
		return err
	}
	for _, s := range settings {
		if s.cmd != "" && s.cmd != cmd.Name() {
			continue
		}
		if !a.v.IsSet(s.key) {
			continue
		}
		if err := s.apply(a.v, s.key, cfg); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	a.log = logging.New(&logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Output:  cfg.Logging.Output,
		NoColor: logging.DefaultConfig().NoColor,
	})

	if cfg.Ledger.Path != "" {
		l, err := ledger.Open(cfg.Ledger.Path, a.log)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		a.ledger = l
	}
	return nil
}

func (a *app) close() {
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.log.Warn().Err(err).Msg("closing ledger")
		}
		a.ledger = nil
	}
}

// record stores one outcome in the ledger; ledger errors never fail a unit
func (a *app) record(tool string) func(runID string, o batch.Outcome) {
	return func(runID string, o batch.Outcome) {
		if a.ledger == nil {
			return
		}
		warnings := make([]string, len(o.Warnings))
		for i, w := range o.Warnings {
			warnings[i] = w.String()
		}
		reason := ""
		if o.Err != nil {
			reason = o.Err.Error()
		}
		err := a.ledger.Record(context.Background(), ledger.Entry{
			RunID:    runID,
			Tool:     tool,
			Unit:     o.Unit,
			Status:   string(o.Status),
			Reason:   reason,
			Warnings: warnings,
		})
		if err != nil {
			a.log.Warn().Err(err).Str("unit", o.Unit).Msg("ledger record failed")
		}
	}
}

// runBatch runs fn over the tomogram folders of input and prints the
// summary. Only setup problems are returned; unit failures are reported.
func (a *app) runBatch(ctx context.Context, tool, input string, fn batch.Func) error {
	if input == "" {
		return tperrors.NewValidationError("input", input, "is required")
	}
	units, err := batch.Discover(input, a.cfg.Processing.Recursive)
	if err != nil {
		return err
	}

	if a.ledger != nil && a.cfg.Ledger.SkipProcessed {
		done, err := a.ledger.Processed(ctx, tool)
		if err != nil {
			return fmt.Errorf("read ledger: %w", err)
		}
		inner := fn
		fn = func(ctx context.Context, u batch.Unit) ([]tperrors.Warning, error) {
			if done[u.Name] {
				return nil, batch.ErrSkip
			}
			return inner(ctx, u)
		}
	}

	r := &batch.Runner{
		Tool:    tool,
		Workers: a.cfg.Processing.Workers,
		Log:     a.log,
		OnDone:  a.record(tool),
	}
	rep := r.Run(ctx, units, fn)
	return rep.Summary(a.out)
}
