// Package particles splits a multi-tomogram RELION particle table into one
// table per tomogram, recentering and binning the coordinates on the way.
//
// Every input row ends up in exactly one place: the table of its tomogram
// or the unmatched report. Coordinates stay in float64 until they are
// formatted for output.
package particles

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"tomoprep/internal/models"
	"tomoprep/pkg/config"
	tperrors "tomoprep/pkg/errors"
	"tomoprep/pkg/star"
)

// RELION labels read or rewritten by the splitter
const (
	ColTomoName       = "rlnTomoName"
	ColMicrographName = "rlnMicrographName"
	ColOpticsGroup    = "rlnOpticsGroup"
	ColPixelSize      = "rlnImagePixelSize"
	ColAngleRot       = "rlnAngleRot"
	ColAngleTilt      = "rlnAngleTilt"
	ColAnglePsi       = "rlnAnglePsi"
)

var (
	coordinateColumns = [3]string{"rlnCoordinateX", "rlnCoordinateY", "rlnCoordinateZ"}
	originColumns     = [3]string{"rlnOriginXAngst", "rlnOriginYAngst", "rlnOriginZAngst"}
)

// Options control one split
type Options struct {
	// Bin divides the recentered coordinates
	Bin float64

	// Shift is applied in each particle's own frame, in pixels
	Shift models.Vec3

	// Known is the set of tomogram names with a tomostar record; nil
	// accepts every tomogram
	Known map[string]bool
}

// OptionsFromConfig extracts split options from cfg
func OptionsFromConfig(cfg *config.Config) Options {
	s := cfg.Particles.Shift
	return Options{
		Bin:   cfg.Particles.Bin,
		Shift: models.Vec3{X: s[0], Y: s[1], Z: s[2]},
	}
}

// KnownFromDir returns the names of the .tomostar records in dir
func KnownFromDir(dir string) (map[string]bool, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.tomostar"))
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(matches))
	for _, m := range matches {
		known[strings.TrimSuffix(filepath.Base(m), ".tomostar")] = true
	}
	return known, nil
}

// Result holds the partitions of one split
type Result struct {
	// Optics is the optics block of the input, copied into every output
	Optics *star.Block

	// Tables are sorted by tomogram name
	Tables []models.PerTomogramParticleTable

	// Unmatched holds the input rows of unknown tomograms, unchanged
	Unmatched models.PerTomogramParticleTable

	// Input is the number of particle rows read
	Input int

	Warnings []tperrors.Warning
}

// Count returns the number of rows across all partitions and the report
func (r *Result) Count() int {
	n := len(r.Unmatched.Rows)
	for _, t := range r.Tables {
		n += len(t.Rows)
	}
	return n
}

// particleLoop returns the particle table of doc: data_particles when
// present, else the only loop of the file
func particleLoop(doc *star.Document) (*star.Loop, *star.Block, error) {
	optics := doc.Block("optics")
	if b := doc.Block("particles"); b != nil && b.Loop != nil {
		return b.Loop, optics, nil
	}
	var found *star.Loop
	for _, b := range doc.Blocks {
		if b.Loop != nil && b != optics {
			if found != nil {
				return nil, nil, fmt.Errorf("no data_particles block and several loops: %w", tperrors.ErrInvalidInput)
			}
			found = b.Loop
		}
	}
	if found == nil {
		return nil, nil, fmt.Errorf("no particle table: %w", tperrors.ErrInvalidInput)
	}
	return found, optics, nil
}

// opticsPixelSizes maps optics group to pixel size
func opticsPixelSizes(optics *star.Block) (map[string]float64, error) {
	sizes := make(map[string]float64)
	if optics == nil || optics.Loop == nil {
		return sizes, nil
	}
	g, p := optics.Loop.Column(ColOpticsGroup), optics.Loop.Column(ColPixelSize)
	if g < 0 || p < 0 {
		return sizes, nil
	}
	for _, row := range optics.Loop.Rows {
		v, err := strconv.ParseFloat(row[p], 64)
		if err != nil {
			return nil, fmt.Errorf("optics group %s: bad pixel size %q: %w", row[g], row[p], tperrors.ErrInvalidInput)
		}
		sizes[row[g]] = v
	}
	return sizes, nil
}

// Records parses the particle rows of doc
func Records(doc *star.Document) ([]models.ParticleRecord, error) {
	loop, optics, err := particleLoop(doc)
	if err != nil {
		return nil, err
	}
	pixelSizes, err := opticsPixelSizes(optics)
	if err != nil {
		return nil, err
	}

	col := func(name string) int { return loop.Column(name) }
	var coord, origin [3]int
	hasOrigin := true
	for i := range coordinateColumns {
		if coord[i] = col(coordinateColumns[i]); coord[i] < 0 {
			return nil, fmt.Errorf("missing column %s: %w", coordinateColumns[i], tperrors.ErrInvalidInput)
		}
		if origin[i] = col(originColumns[i]); origin[i] < 0 {
			hasOrigin = false
		}
	}
	tomoCol, micCol := col(ColTomoName), col(ColMicrographName)
	if tomoCol < 0 && micCol < 0 {
		return nil, fmt.Errorf("missing column %s: %w", ColTomoName, tperrors.ErrInvalidInput)
	}
	rotCol, tiltCol, psiCol := col(ColAngleRot), col(ColAngleTilt), col(ColAnglePsi)
	pixCol, groupCol := col(ColPixelSize), col(ColOpticsGroup)

	records := make([]models.ParticleRecord, 0, len(loop.Rows))
	for i, row := range loop.Rows {
		p := models.ParticleRecord{Values: row, Row: i}
		bad := func(name, value string) error {
			return fmt.Errorf("particle %d: bad %s %q: %w", i+1, name, value, tperrors.ErrInvalidInput)
		}
		num := func(c int, name string) (float64, error) {
			if c < 0 {
				return 0, nil
			}
			v, err := strconv.ParseFloat(row[c], 64)
			if err != nil {
				return 0, bad(name, row[c])
			}
			return v, nil
		}

		if tomoCol >= 0 {
			p.Tomogram = row[tomoCol]
		} else {
			base := filepath.Base(row[micCol])
			p.Tomogram = strings.TrimSuffix(base, filepath.Ext(base))
		}

		var c [3]float64
		for k := range c {
			if c[k], err = num(coord[k], coordinateColumns[k]); err != nil {
				return nil, err
			}
		}
		p.Coordinate = models.Vec3{X: c[0], Y: c[1], Z: c[2]}

		if p.Rot, err = num(rotCol, ColAngleRot); err != nil {
			return nil, err
		}
		if p.Tilt, err = num(tiltCol, ColAngleTilt); err != nil {
			return nil, err
		}
		if p.Psi, err = num(psiCol, ColAnglePsi); err != nil {
			return nil, err
		}

		if hasOrigin {
			var o [3]float64
			for k := range o {
				if o[k], err = num(origin[k], originColumns[k]); err != nil {
					return nil, err
				}
			}
			p.Origin = models.Vec3{X: o[0], Y: o[1], Z: o[2]}
		}

		switch {
		case pixCol >= 0:
			if p.PixelSize, err = num(pixCol, ColPixelSize); err != nil {
				return nil, err
			}
		case groupCol >= 0:
			p.PixelSize = pixelSizes[row[groupCol]]
		}
		if p.Origin != (models.Vec3{}) && p.PixelSize <= 0 {
			return nil, fmt.Errorf("particle %d: origin set but no pixel size: %w", i+1, tperrors.ErrInvalidInput)
		}

		records = append(records, p)
	}
	return records, nil
}

// Split partitions the particle table of doc by tomogram. Rows of
// tomograms outside opts.Known go unchanged into the unmatched report.
func Split(doc *star.Document, opts Options) (*Result, error) {
	if opts.Bin <= 0 {
		return nil, tperrors.NewValidationError("bin", opts.Bin, "must be positive")
	}
	loop, optics, err := particleLoop(doc)
	if err != nil {
		return nil, err
	}
	records, err := Records(doc)
	if err != nil {
		return nil, err
	}

	columns := append([]string(nil), loop.Columns...)
	micCol := loop.Column(ColMicrographName)
	if micCol < 0 {
		columns = append(columns, ColMicrographName)
		micCol = len(columns) - 1
	}
	var coord, origin [3]int
	folded := true
	for i := range coord {
		coord[i] = loop.Column(coordinateColumns[i])
		origin[i] = loop.Column(originColumns[i])
		folded = folded && origin[i] >= 0
	}

	res := &Result{
		Optics:    optics,
		Input:     len(records),
		Unmatched: models.PerTomogramParticleTable{Columns: loop.Columns},
	}
	tables := make(map[string]*models.PerTomogramParticleTable)
	unknown := make(map[string]int)

	for _, p := range records {
		if opts.Known != nil && !opts.Known[p.Tomogram] {
			res.Unmatched.Rows = append(res.Unmatched.Rows, p.Values)
			unknown[p.Tomogram]++
			continue
		}

		moved := Recenter(p.Coordinate, Offset(p, opts.Shift), opts.Bin)
		row := make([]string, len(columns))
		copy(row, p.Values)
		for i, v := range [3]float64{moved.X, moved.Y, moved.Z} {
			row[coord[i]] = strconv.FormatFloat(v, 'f', 6, 64)
			if folded {
				row[origin[i]] = "0.000000"
			}
		}
		row[micCol] = p.Tomogram + ".tomostar"

		t, ok := tables[p.Tomogram]
		if !ok {
			t = &models.PerTomogramParticleTable{Tomogram: p.Tomogram, Columns: columns}
			tables[p.Tomogram] = t
		}
		t.Rows = append(t.Rows, row)
	}

	for _, t := range tables {
		res.Tables = append(res.Tables, *t)
	}
	sort.Slice(res.Tables, func(i, j int) bool { return res.Tables[i].Tomogram < res.Tables[j].Tomogram })

	if len(res.Unmatched.Rows) > 0 {
		names := make([]string, 0, len(unknown))
		for n := range unknown {
			names = append(names, n)
		}
		sort.Strings(names)
		res.Warnings = append(res.Warnings, tperrors.Warnf(tperrors.ErrUnmatchedParticles,
			"%d particles from %d unknown tomograms: %s", len(res.Unmatched.Rows), len(names), strings.Join(names, ", ")))
	}

	if got := res.Count(); got != res.Input {
		return nil, fmt.Errorf("partitioned %d of %d particles: %w", got, res.Input, tperrors.ErrInvalidInput)
	}
	return res, nil
}

func document(optics *star.Block, t models.PerTomogramParticleTable) *star.Document {
	doc := &star.Document{}
	if optics != nil {
		doc.Blocks = append(doc.Blocks, optics)
	}
	doc.Blocks = append(doc.Blocks, &star.Block{
		Name: "particles",
		Loop: &star.Loop{Columns: t.Columns, Rows: t.Rows},
	})
	return doc
}

// Written is the outcome of one partition file
type Written struct {
	// Tomogram is empty for the unmatched report
	Tomogram string
	Path     string
	Rows     int

	// Err is a *errors.WriteError when the file could not be published,
	// or the context error when the write was never started
	Err error
}

// WriteAll writes <outDir>/<tomogram>.star for each partition and the
// unmatched report when it has rows, using up to workers writers. A failed
// partition never stops the others: every outcome is returned, sorted by
// path. Cancelling ctx only stops partitions not yet started.
func WriteAll(ctx context.Context, res *Result, outDir, unmatchedName string, workers int) []Written {
	if workers < 1 {
		workers = 1
	}
	if unmatchedName == "" {
		unmatchedName = "unmatched_particles.star"
	}

	docs := make([]*star.Document, 0, len(res.Tables)+1)
	out := make([]Written, 0, len(res.Tables)+1)
	for _, t := range res.Tables {
		out = append(out, Written{Tomogram: t.Tomogram, Path: filepath.Join(outDir, t.Tomogram+".star"), Rows: len(t.Rows)})
		docs = append(docs, document(res.Optics, t))
	}
	if len(res.Unmatched.Rows) > 0 {
		out = append(out, Written{Path: filepath.Join(outDir, unmatchedName), Rows: len(res.Unmatched.Rows)})
		docs = append(docs, document(res.Optics, res.Unmatched))
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range out {
		if err := ctx.Err(); err != nil {
			out[i].Err = err
			continue
		}
		i := i // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			out[i].Err = star.WriteFile(out[i].Path, docs[i])
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Failed returns the outcomes of ws that carry an error
func Failed(ws []Written) []Written {
	var failed []Written
	for _, w := range ws {
		if w.Err != nil {
			failed = append(failed, w)
		}
	}
	return failed
}
