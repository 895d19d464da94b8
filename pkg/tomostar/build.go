// Package tomostar builds the per-tomogram .tomostar record Warp reads for
// tilt-series import.
//
// The builder joins three sources that are indexed differently: the order
// list is keyed by acquisition index, while the .tlt rows, .xf rows and split
// images share the stack order. Each stack row is assigned its acquisition
// index by matching its angle against the order list, and every source is
// then attached to an explicit map keyed by that index. Rows are never paired
// by position across the two orderings.
package tomostar

import (
	"fmt"
	"math"
	"path"
	"path/filepath"
	"sort"

	"tomoprep/internal/fsutil"
	"tomoprep/internal/models"
	"tomoprep/pkg/config"
	tperrors "tomoprep/pkg/errors"
	"tomoprep/pkg/orderlist"
)

// Inputs are the per-tomogram sources of one record
type Inputs struct {
	Tomogram string

	// OrderList is the resolved order list of the tomogram
	OrderList *orderlist.List

	// Angles and Transforms are the .tlt and .xf rows in stack order
	Angles     []float64
	Transforms []models.AffineTransform

	// Images are the split tilt images in stack order
	Images []string
}

// Options control dose and the constant columns
type Options struct {
	Exposure         float64
	Ordering         models.DoseOrdering
	AngleTolerance   float64
	AxisAngle        float64
	AverageIntensity float64
	MaskedFraction   float64

	// MoviePrefix is prepended to each image basename for _wrpMovieName
	MoviePrefix string

	// Scheme is consulted by the scheme dose ordering
	Scheme orderlist.Scheme
}

// OptionsFromConfig extracts builder options from cfg. The movie prefix is
// left empty; callers set it once the output directory is known.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Exposure:         cfg.Tomostar.Exposure,
		Ordering:         models.DoseOrdering(cfg.Tomostar.DoseOrdering),
		AngleTolerance:   cfg.Tomostar.AngleTolerance,
		AxisAngle:        cfg.Tomostar.AxisAngle,
		AverageIntensity: cfg.Tomostar.AverageIntensity,
		MaskedFraction:   cfg.Tomostar.MaskedFraction,
		Scheme:           orderlist.SchemeFromConfig(cfg),
	}
}

// MoviePrefix returns movieDir relative to outDir in slash form, the way
// Warp resolves movie names against the .tomostar location
func MoviePrefix(movieDir, outDir string) (string, error) {
	from, err := filepath.Abs(outDir)
	if err != nil {
		return "", err
	}
	to, err := filepath.Abs(movieDir)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(from, to)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// joinRow collects what each source contributed to one acquisition index
type joinRow struct {
	entry models.OrderListEntry

	// section is the 1-based stack row matched to the entry; zero if none
	section   int
	angle     float64
	diff      float64
	transform models.AffineTransform
	image     string
}

// Build joins the inputs into a record. Acquisitions missing from any
// source are left out with a JoinGap warning. A record whose second
// acquisition is missing is still returned, with a MissingSecondTilt
// warning and the affected doses marked suspect.
func Build(in Inputs, opts Options) (*models.TomostarRecord, error) {
	if in.OrderList == nil || in.OrderList.Len() == 0 {
		return nil, fmt.Errorf("%s: no order list: %w", in.Tomogram, tperrors.ErrInvalidInput)
	}
	if len(in.Transforms) != len(in.Angles) {
		return nil, &tperrors.CountMismatchError{
			Path:     in.Tomogram + " transforms",
			Sections: len(in.Transforms),
			Expected: len(in.Angles),
		}
	}
	if len(in.Images) != len(in.Angles) {
		return nil, &tperrors.CountMismatchError{
			Path:     in.Tomogram + " images",
			Sections: len(in.Images),
			Expected: len(in.Angles),
		}
	}

	if opts.Ordering == "" {
		opts.Ordering = models.DoseResolved
	}
	rec := &models.TomostarRecord{Tomogram: in.Tomogram, DoseOrdering: opts.Ordering}
	warn := func(kind error, format string, args ...interface{}) {
		rec.Warnings = append(rec.Warnings, tperrors.Warnf(kind, format, args...))
	}

	join := make(map[int]*joinRow, in.OrderList.Len())
	for _, e := range in.OrderList.Entries {
		join[e.Index] = &joinRow{entry: e}
	}

	for i, angle := range in.Angles {
		e, ok := in.OrderList.Lookup(angle, opts.AngleTolerance)
		if !ok {
			warn(tperrors.ErrJoinGap, "tilt row %d (%.2f deg) matches no order-list entry", i+1, angle)
			continue
		}
		jr := join[e.Index]
		diff := math.Abs(angle - e.Angle)
		if jr.section != 0 {
			loser := i + 1
			if diff < jr.diff {
				loser = jr.section
				jr.section = 0
			}
			warn(tperrors.ErrJoinGap, "tilt row %d also matches acquisition %d, dropped", loser, e.Index)
			if jr.section != 0 {
				continue
			}
		}
		jr.section = i + 1
		jr.angle = angle
		jr.diff = diff
		jr.transform = in.Transforms[i]
		jr.image = in.Images[i]
	}

	indices := make([]int, 0, len(join))
	for idx := range join {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var survivors []*joinRow
	for _, idx := range indices {
		jr := join[idx]
		switch {
		case jr.section == 0:
			warn(tperrors.ErrJoinGap, "acquisition %d (%s deg) has no tilt in the stack", idx, angleText(jr.entry))
		case !fsutil.Exists(jr.image):
			warn(tperrors.ErrJoinGap, "acquisition %d: image %s not found", idx, jr.image)
		default:
			survivors = append(survivors, jr)
		}
	}

	ordinal, err := ordinals(in.OrderList, survivors, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", in.Tomogram, err)
	}

	missingSecond := !hasAcquisition(survivors, 2) && in.OrderList.Len() >= 2
	if missingSecond {
		warn(tperrors.ErrMissingSecondTilt, "acquisition 2 absent, doses from acquisition 3 on are not corrected")
	}

	rec.Rows = make([]models.TomostarRow, 0, len(survivors))
	for i, jr := range survivors {
		rec.Rows = append(rec.Rows, models.TomostarRow{
			AcquisitionIndex: jr.entry.Index,
			ImagePath:        jr.image,
			MovieName:        path.Join(opts.MoviePrefix, filepath.Base(jr.image)),
			Angle:            jr.angle,
			AxisAngle:        opts.AxisAngle,
			Dose:             opts.Exposure * float64(ordinal[i]),
			AverageIntensity: opts.AverageIntensity,
			MaskedFraction:   opts.MaskedFraction,
			Transform:        jr.transform,
			DoseSuspect:      missingSecond && jr.entry.Index >= 3,
		})
	}
	sort.SliceStable(rec.Rows, func(i, j int) bool { return rec.Rows[i].Angle < rec.Rows[j].Angle })

	return rec, nil
}

func hasAcquisition(rows []*joinRow, index int) bool {
	for _, jr := range rows {
		if jr.entry.Index == index {
			return true
		}
	}
	return false
}

// ordinals returns the dose ordinal of each survivor, survivors being sorted
// by acquisition index
func ordinals(list *orderlist.List, survivors []*joinRow, opts Options) ([]int, error) {
	out := make([]int, len(survivors))
	switch opts.Ordering {
	case models.DoseResolved:
		for i := range survivors {
			out[i] = i
		}
	case models.DoseAcquisition:
		for i, jr := range survivors {
			out[i] = jr.entry.Index - 1
		}
	case models.DoseScheme:
		s := opts.Scheme
		seq, err := orderlist.SchemeAngles(s.Total, s.Increment, s.FlipAfter, s.Direction)
		if err != nil {
			return nil, err
		}
		first, _ := list.ByIndex(1)
		for i, jr := range survivors {
			rel := math.Round(jr.entry.Angle - first.Angle)
			pos := -1
			for k, a := range seq {
				if a == rel {
					pos = k
					break
				}
			}
			if pos < 0 {
				return nil, fmt.Errorf("acquisition %d offset %.0f deg is not in the dose-symmetric scheme: %w",
					jr.entry.Index, rel, tperrors.ErrInvalidInput)
			}
			out[i] = pos
		}
	default:
		return nil, tperrors.NewValidationError("doseOrdering", opts.Ordering, "must be resolved, acquisition or scheme")
	}
	return out, nil
}

func angleText(e models.OrderListEntry) string {
	if e.AngleText != "" {
		return e.AngleText
	}
	return fmt.Sprintf("%.2f", e.Angle)
}
