package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"tomoprep/pkg/batch"
	"tomoprep/pkg/config"
	tperrors "tomoprep/pkg/errors"
	"tomoprep/pkg/ledger"
	"tomoprep/pkg/particles"
	"tomoprep/pkg/pipeline"
	"tomoprep/pkg/star"
)

func newRootCmd() *cobra.Command {
	a := newApp()

	root := &cobra.Command{
		Use:   "tomoprep",
		Short: "Prepare IMOD-aligned tilt series for Warp/M import",
		Long: `tomoprep turns IMOD tilt-series alignments into the inputs Warp expects:
single-tilt images cut from the aligned stack, validated acquisition order
lists, per-tomogram .tomostar records and per-tomogram particle tables.

Every tomogram is processed on its own. A failure is reported in the run
summary and never stops the other tomograms.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "init" {
				return nil
			}
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML configuration file")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error, off)")
	pf.String("log-format", "auto", "log format (auto, console, json)")
	pf.String("log-output", "stderr", "log destination (stderr, stdout, discard or a file)")
	pf.Int("workers", 0, "tomograms processed concurrently (default: all CPUs)")
	pf.String("ledger", "", "SQLite file recording every processed tomogram")
	pf.Bool("skip-processed", false, "skip tomograms that already succeeded according to the ledger")

	root.AddCommand(
		splitCmd(a),
		orderListCmd(a),
		tomostarCmd(a),
		invertCmd(a),
		particlesCmd(a),
		runCmd(a),
		historyCmd(a),
		configCmd(),
	)
	return root
}

// inputFlags adds the tomogram selection flags shared by batch commands
func inputFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("input", "i", "", "IMOD tomogram folder, or a parent of folders with --recursive")
	cmd.Flags().BoolP("recursive", "r", false, "process every subfolder of --input")
	cmd.Flags().String("order-suffix", "", "order-list file suffix (default from config: _order.csv)")
	_ = cmd.MarkFlagRequired("input")
}

func tomostarFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("output", "o", "", "directory receiving the .tomostar records")
	f.StringP("frames", "f", "", "directory of the split tilt images (default from config)")
	f.Float64("exposure", 0, "dose per tilt in e-/A^2")
	f.String("dose-ordering", "", "dose ordinal: resolved, acquisition or scheme")
	f.Float64("angle-tolerance", 0, "largest angle difference in degrees matched to an order-list entry")
	f.Float64("axis-angle", 0, "tilt axis angle written to _wrpAxisAngle")
	f.Float64("average-intensity", 0, "value written to _wrpAverageIntensity")
	f.Float64("masked-fraction", 0, "value written to _wrpMaskedFraction")
	f.Int("decimals", 0, "decimal places of numeric columns")
	f.Bool("include-transform", true, "append the .xf parameters to each row")
	_ = cmd.MarkFlagRequired("output")
}

func schemeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("total", 0, "tilts in a complete series")
	f.Int("zero-row", 0, "1-based .tlt row collected first (0: closest to 0 degrees)")
	f.Int("flip-after", 0, "tilts collected on one side before switching")
	f.String("direction", "", "side collected first after zero: pos or neg")
	f.Float64("increment", 0, "nominal tilt step in degrees")
}

func (a *app) newPipeline(framesDir, outputDir string) (*pipeline.Pipeline, error) {
	return pipeline.New(&pipeline.Params{
		Config:    a.cfg,
		FramesDir: framesDir,
		OutputDir: outputDir,
		Log:       a.log,
	})
}

func splitCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "split-stack",
		Short: "Split aligned stacks into one MRC file per tilt",
		Example: `  tomoprep split-stack -i imod/TS_01 -o warp_frameseries
  tomoprep split-stack -i imod -r -o warp_frameseries`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.newPipeline(a.cfg.Tomostar.MovieDir, "")
			if err != nil {
				return err
			}
			input, _ := cmd.Flags().GetString("input")
			return a.runBatch(cmd.Context(), "split-stack", input, p.SplitUnit)
		},
	}
	inputFlags(cmd)
	cmd.Flags().StringP("frames", "o", "", "directory receiving the tilt images (default from config)")
	return cmd
}

func orderListCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orderlist",
		Short: "Validate or regenerate acquisition order lists",
	}

	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Check that every order list is complete and consistent with its .tlt file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.newPipeline("", "")
			if err != nil {
				return err
			}
			input, _ := cmd.Flags().GetString("input")
			return a.runBatch(cmd.Context(), "orderlist-resolve", input, p.ResolveUnit)
		},
	}
	inputFlags(resolve)

	generate := &cobra.Command{
		Use:   "generate",
		Short: "Rebuild order lists from .tlt files and the collection scheme",
		Long: `generate writes <name><suffix> next to each .tlt file, ordering its
angles the way a dose-symmetric scheme collects them. Angles are copied
from the .tlt file as written.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.newPipeline("", "")
			if err != nil {
				return err
			}
			input, _ := cmd.Flags().GetString("input")
			return a.runBatch(cmd.Context(), "orderlist-generate", input, p.GenerateUnit)
		},
	}
	inputFlags(generate)
	schemeFlags(generate)
	generate.Flags().String("suffix", "", "suffix of the written order list (default from config)")

	cmd.AddCommand(resolve, generate)
	return cmd
}

func tomostarCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tomostar",
		Short: "Build .tomostar records from split tilts, alignments and order lists",
		Example: `  tomoprep tomostar -i imod -r -f warp_frameseries -o warp_tiltseries --exposure 3.5`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			output, _ := cmd.Flags().GetString("output")
			p, err := a.newPipeline(a.cfg.Tomostar.MovieDir, output)
			if err != nil {
				return err
			}
			input, _ := cmd.Flags().GetString("input")
			return a.runBatch(cmd.Context(), "tomostar", input, p.TomostarUnit)
		},
	}
	inputFlags(cmd)
	tomostarFlags(cmd)
	schemeFlags(cmd)
	return cmd
}

func runCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Split, resolve and build the .tomostar record of every tomogram",
		RunE: func(cmd *cobra.Command, _ []string) error {
			output, _ := cmd.Flags().GetString("output")
			p, err := a.newPipeline(a.cfg.Tomostar.MovieDir, output)
			if err != nil {
				return err
			}
			input, _ := cmd.Flags().GetString("input")
			return a.runBatch(cmd.Context(), "run", input, p.RunUnit)
		},
	}
	inputFlags(cmd)
	tomostarFlags(cmd)
	schemeFlags(cmd)
	return cmd
}

func invertCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invert-tlt",
		Short: "Negate the angles of .tlt files",
		Long: `invert-tlt negates every angle of each tomogram's .tlt file in place,
keeping a backup of the original. Inverting twice restores the original
angles, so an accidental second run silently undoes the first; an existing
backup is kept unless --overwrite-backup is given.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.newPipeline("", "")
			if err != nil {
				return err
			}
			input, _ := cmd.Flags().GetString("input")
			return a.runBatch(cmd.Context(), "invert-tlt", input, p.InvertUnit)
		},
	}
	inputFlags(cmd)
	cmd.Flags().String("suffix", "", "backup suffix (default from config: .bak)")
	cmd.Flags().Bool("overwrite-backup", false, "replace an existing backup")
	cmd.Flags().String("output-suffix", "", "write <file><suffix> instead of editing in place")
	return cmd
}

func particlesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "particles",
		Short: "Split a particle STAR file into one table per tomogram",
		Long: `particles recenters every particle by its sub-box origin and an optional
shift given in the particle frame, bins the coordinates and writes one
<tomogram>.star per tomogram. Particles of tomograms without a .tomostar
record (with --tomostar-dir) go unchanged to the unmatched report.`,
		Example: `  tomoprep particles -i run_data.star -o particles --bin 4 --tomostar-dir warp_tiltseries`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			input, _ := cmd.Flags().GetString("input")
			output, _ := cmd.Flags().GetString("output")
			tomostarDir, _ := cmd.Flags().GetString("tomostar-dir")
			return a.splitParticles(cmd, input, output, tomostarDir)
		},
	}
	f := cmd.Flags()
	f.StringP("input", "i", "", "particle STAR file")
	f.StringP("output", "o", "", "directory receiving the per-tomogram tables")
	f.String("bin", "1", "binning factor, e.g. 4 or 3/2")
	f.String("shift", "0,0,0", "shift x,y,z in pixels applied in each particle's frame")
	f.String("tomostar-dir", "", "directory of .tomostar records naming the known tomograms")
	f.String("unmatched-name", "", "file name of the unmatched report")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func (a *app) splitParticles(cmd *cobra.Command, input, output, tomostarDir string) error {
	doc, err := star.ReadFile(input)
	if err != nil {
		return err
	}
	opts := particles.OptionsFromConfig(a.cfg)
	if tomostarDir != "" {
		if opts.Known, err = particles.KnownFromDir(tomostarDir); err != nil {
			return err
		}
	}

	res, err := particles.Split(doc, opts)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		a.log.Warn().Msg(w.String())
	}
	written := particles.WriteAll(cmd.Context(), res, output, a.cfg.Particles.UnmatchedName, a.cfg.Processing.Workers)
	failed := particles.Failed(written)
	for _, w := range failed {
		a.log.Error().Err(w.Err).Str("file", w.Path).Msg("partition not written")
	}
	a.recordPartitions(cmd.Context(), res, written)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "particles: %d read, %d tomograms, %d unmatched, %d files written, %d failed\n",
		res.Input, len(res.Tables), len(res.Unmatched.Rows), len(written)-len(failed), len(failed))
	table := tablewriter.NewTable(out)
	table.Header("Tomogram", "Particles", "Status", "Reason")
	for _, w := range written {
		name, status, reason := partitionName(w), string(batch.StatusSuccess), ""
		if w.Err != nil {
			status, reason = string(batch.StatusFailed), w.Err.Error()
		}
		if err := table.Append(name, fmt.Sprint(w.Rows), status, reason); err != nil {
			return err
		}
	}
	return table.Render()
}

func partitionName(w particles.Written) string {
	if w.Tomogram == "" {
		return "(unmatched)"
	}
	return w.Tomogram
}

// recordPartitions stores one ledger entry per partition file. The
// unmatched report carries the warnings of the split.
func (a *app) recordPartitions(ctx context.Context, res *particles.Result, written []particles.Written) {
	if a.ledger == nil {
		return
	}
	runID := uuid.New().String()
	for _, w := range written {
		entry := ledger.Entry{RunID: runID, Tool: "particles", Unit: partitionName(w), Status: string(batch.StatusSuccess)}
		switch {
		case w.Err != nil:
			entry.Status = string(batch.StatusFailed)
			entry.Reason = w.Err.Error()
		case w.Tomogram == "" && len(res.Warnings) > 0:
			entry.Status = string(batch.StatusWarnings)
			for _, warn := range res.Warnings {
				entry.Warnings = append(entry.Warnings, warn.String())
			}
		}
		if err := a.ledger.Record(ctx, entry); err != nil {
			a.log.Warn().Err(err).Str("unit", entry.Unit).Msg("ledger record failed")
		}
	}
}

func historyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "history <tool> <tomogram>",
		Short:   "Show the recorded outcomes of one tomogram",
		Example: `  tomoprep history run TS_01 --ledger tomoprep.db`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.ledger == nil {
				return tperrors.NewValidationError("ledger", "", "is required")
			}
			entries, err := a.ledger.History(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s: %d outcomes\n", args[0], args[1], len(entries))
			table := tablewriter.NewTable(out)
			table.Header("Recorded", "Run", "Status", "Reason", "Warnings")
			for _, e := range entries {
				recorded := e.RecordedAt.Local().Format(time.DateTime)
				if err := table.Append(recorded, e.RunID, e.Status, e.Reason, fmt.Sprint(len(e.Warnings))); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with the default values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "tomoprep.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists, use --force to overwrite", path)
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}
