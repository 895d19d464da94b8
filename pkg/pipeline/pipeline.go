// Package pipeline runs the per-tomogram preparation steps on one IMOD
// folder: split the stack, resolve the order list, build and write the
// .tomostar record. Each step is also exposed as a batch unit function so
// the commands can run any of them over many folders.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"tomoprep/internal/models"
	"tomoprep/pkg/angles"
	"tomoprep/pkg/batch"
	"tomoprep/pkg/config"
	tperrors "tomoprep/pkg/errors"
	"tomoprep/pkg/imod"
	"tomoprep/pkg/orderlist"
	"tomoprep/pkg/stacksplit"
	"tomoprep/pkg/tomostar"
)

// Params holds what a pipeline needs besides the tomogram folder
type Params struct {
	// Config is the run configuration. It is never modified.
	Config *config.Config

	// FramesDir receives the split tilt images of every tomogram. Movie
	// names in the records point here.
	FramesDir string

	// OutputDir receives the .tomostar records
	OutputDir string

	Log zerolog.Logger
}

// Pipeline prepares tomograms for Warp import
type Pipeline struct {
	params      *Params
	moviePrefix string
}

// Result is what Process produced for one tomogram
type Result struct {
	Tomogram string

	// Images are the split tilt images in stack order
	Images []string

	OrderList *orderlist.List
	Record    *models.TomostarRecord

	// Output is the written .tomostar path
	Output string
}

// New checks params and creates a pipeline
func New(params *Params) (*Pipeline, error) {
	if params.Config == nil {
		return nil, tperrors.NewValidationError("config", nil, "is required")
	}
	p := &Pipeline{params: params}
	if params.OutputDir != "" && params.FramesDir != "" {
		prefix, err := tomostar.MoviePrefix(params.FramesDir, params.OutputDir)
		if err != nil {
			return nil, fmt.Errorf("movie prefix: %w", err)
		}
		p.moviePrefix = prefix
	}
	return p, nil
}

type paths struct {
	name, angles, transforms, orderList string
}

func (p *Pipeline) paths(folder string) paths {
	f := p.params.Config.Files
	name := filepath.Base(filepath.Clean(folder))
	return paths{
		name:       name,
		angles:     filepath.Join(folder, name+f.AngleExt),
		transforms: filepath.Join(folder, name+f.TransformExt),
		orderList:  filepath.Join(folder, name+f.OrderSuffix),
	}
}

// Process runs every step on folder. The alignment files are read and the
// order list resolved before the stack is split, so a tomogram that fails
// publishes no tilt images; images already written by a failing later step
// are removed again.
func (p *Pipeline) Process(ctx context.Context, folder string) (*Result, error) {
	log := p.params.Log.With().Str("tomogram", filepath.Base(folder)).Logger()

	// Step 1: read the alignment and resolve the order list
	in, err := p.load(folder)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 2: split the stack into tilt images
	log.Debug().Int("tilts", len(in.tilts)).Msg("splitting stack")
	split, err := p.Split(folder)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}

	// Step 3 and 4: build and write the record
	res, err := p.build(in, split.Paths())
	if err != nil {
		if rmErr := stacksplit.Remove(split); rmErr != nil {
			log.Warn().Err(rmErr).Msg("removing tilt images of failed tomogram")
		}
		return nil, err
	}
	return res, nil
}

// Split cuts the stack of folder into FramesDir
func (p *Pipeline) Split(folder string) (*stacksplit.Result, error) {
	return stacksplit.SplitFolder(folder, p.params.FramesDir, p.params.Config)
}

// Resolve validates the order list of folder against expected tilts
func (p *Pipeline) Resolve(folder string, expected int) (*orderlist.List, error) {
	return orderlist.Resolve(p.paths(folder).orderList, expected, p.params.Config.OrderList)
}

// alignment is what a record is built from besides the images
type alignment struct {
	paths
	tilts      []float64
	transforms []models.AffineTransform
	list       *orderlist.List
}

// load reads the .tlt and .xf files of folder and resolves its order list
func (p *Pipeline) load(folder string) (*alignment, error) {
	fp := p.paths(folder)
	tilts, err := imod.ReadAngles(fp.angles)
	if err != nil {
		return nil, err
	}
	transforms, err := imod.ReadTransforms(fp.transforms)
	if err != nil {
		return nil, err
	}
	if len(transforms) != len(tilts) {
		return nil, &tperrors.CountMismatchError{Path: fp.transforms, Sections: len(transforms), Expected: len(tilts)}
	}
	list, err := p.Resolve(folder, len(tilts))
	if err != nil {
		return nil, err
	}
	return &alignment{paths: fp, tilts: tilts, transforms: transforms, list: list}, nil
}

// Tomostar reads the alignment files of folder, resolves its order list and
// writes the record. images are the split tilt images in stack order; when
// nil they are expected in FramesDir under the splitter's names.
func (p *Pipeline) Tomostar(folder string, images []string) (*Result, error) {
	in, err := p.load(folder)
	if err != nil {
		return nil, err
	}
	if images == nil {
		images = make([]string, len(in.tilts))
		for i := range images {
			images[i] = filepath.Join(p.params.FramesDir, stacksplit.ImageName(in.name, i+1, len(in.tilts)))
		}
	}
	return p.build(in, images)
}

func (p *Pipeline) build(in *alignment, images []string) (*Result, error) {
	opts := tomostar.OptionsFromConfig(p.params.Config)
	opts.MoviePrefix = p.moviePrefix
	rec, err := tomostar.Build(tomostar.Inputs{
		Tomogram:   in.name,
		OrderList:  in.list,
		Angles:     in.tilts,
		Transforms: in.transforms,
		Images:     images,
	}, opts)
	if err != nil {
		return nil, err
	}
	if len(rec.Rows) == 0 {
		return nil, fmt.Errorf("%s: no tilt survived the join: %w", in.name, tperrors.ErrInvalidInput)
	}

	out, err := tomostar.Write(p.params.OutputDir, rec, tomostar.FormatFromConfig(p.params.Config))
	if err != nil {
		return nil, err
	}
	p.params.Log.Info().
		Str("tomogram", in.name).
		Str("doseOrdering", string(rec.DoseOrdering)).
		Int("rows", len(rec.Rows)).
		Int("warnings", len(rec.Warnings)).
		Str("output", out).
		Msg("tomostar written")
	return &Result{Tomogram: in.name, Images: images, OrderList: in.list, Record: rec, Output: out}, nil
}

// GenerateOrderList rebuilds the order list of folder from its .tlt file
// and the configured scheme, returning the written path
func (p *Pipeline) GenerateOrderList(folder string) (string, error) {
	fp := p.paths(folder)
	text, err := imod.ReadAngleText(fp.angles)
	if err != nil {
		return "", err
	}
	entries, err := orderlist.Regenerate(text, orderlist.SchemeFromConfig(p.params.Config))
	if err != nil {
		return "", fmt.Errorf("%s: %w", fp.angles, err)
	}
	if err := orderlist.Write(fp.orderList, entries, p.params.Config.OrderList); err != nil {
		return "", err
	}
	return fp.orderList, nil
}

// InvertAngles negates the .tlt file of folder
func (p *Pipeline) InvertAngles(folder string) (*angles.Result, error) {
	return angles.InvertFile(p.paths(folder).angles, angles.OptionsFromConfig(p.params.Config))
}

// Unit adapters for batch runs. Warnings of the built record are passed on
// so the batch report can tell success from success-with-warnings.

// RunUnit runs Process on one unit
func (p *Pipeline) RunUnit(ctx context.Context, u batch.Unit) ([]tperrors.Warning, error) {
	res, err := p.Process(ctx, u.Dir)
	if err != nil {
		return nil, err
	}
	return res.Record.Warnings, nil
}

// SplitUnit runs Split on one unit
func (p *Pipeline) SplitUnit(_ context.Context, u batch.Unit) ([]tperrors.Warning, error) {
	_, err := p.Split(u.Dir)
	return nil, err
}

// TomostarUnit builds the record of one already split unit
func (p *Pipeline) TomostarUnit(_ context.Context, u batch.Unit) ([]tperrors.Warning, error) {
	res, err := p.Tomostar(u.Dir, nil)
	if err != nil {
		return nil, err
	}
	return res.Record.Warnings, nil
}

// ResolveUnit validates the order list of one unit against its .tlt file.
// A list without a dose column is fine; a .tlt file that cannot be read
// fails the unit like a bad list does.
func (p *Pipeline) ResolveUnit(_ context.Context, u batch.Unit) ([]tperrors.Warning, error) {
	tilts, err := imod.ReadAngles(p.paths(u.Dir).angles)
	if err != nil {
		return nil, err
	}
	_, err = p.Resolve(u.Dir, len(tilts))
	return nil, err
}

// GenerateUnit regenerates the order list of one unit
func (p *Pipeline) GenerateUnit(_ context.Context, u batch.Unit) ([]tperrors.Warning, error) {
	_, err := p.GenerateOrderList(u.Dir)
	return nil, err
}

// InvertUnit inverts the angles of one unit. Keeping an existing backup is
// reported as a warning since the backup may predate the last inversion.
func (p *Pipeline) InvertUnit(_ context.Context, u batch.Unit) ([]tperrors.Warning, error) {
	res, err := p.InvertAngles(u.Dir)
	if err != nil {
		return nil, err
	}
	if res.BackupKept {
		return []tperrors.Warning{{Kind: ErrBackupKept, Message: res.Backup}}, nil
	}
	return nil, nil
}

// ErrBackupKept marks an inversion that left an older backup in place
var ErrBackupKept = tperrors.New("existing backup kept")
