package models

import tperrors "tomoprep/pkg/errors"

// TiltSeriesStack describes one multi-section MRC stack on disk
type TiltSeriesStack struct {
	// Path is the stack file location
	Path string

	// Sections is the number of 2-D images stored in the stack
	Sections int

	// NX and NY are the per-image pixel dimensions
	NX, NY int

	// Mode is the MRC data mode of the stack
	Mode int32
}

// TiltImage is a single section cut out of a stack by the splitter
type TiltImage struct {
	// Section is the 1-based position of the image in the source stack.
	// It is also the row of the matching .tlt and .xf entries.
	Section int

	// Angle is the tilt angle of the section in degrees, when known
	Angle float64

	// Path is the written single-image file
	Path string
}

// OrderListEntry is one row of an order-list CSV
type OrderListEntry struct {
	// Index is the 1-based acquisition index (collection order)
	Index int

	// Angle is the nominal tilt angle in degrees
	Angle float64

	// AngleText keeps the angle exactly as written so regenerated lists
	// round-trip without reformatting
	AngleText string

	// Dose is the dose column value; HasDose is false when the list has none
	Dose    float64
	HasDose bool

	// Line is the 1-based source line, zero for generated entries
	Line int
}

// AffineTransform is one row of an IMOD .xf file: a 2x2 linear part
// followed by a 2-vector translation
type AffineTransform struct {
	// Row is the 0-based row in the transform file
	Row int

	A11, A12, A21, A22 float64
	DX, DY             float64
}

// Values returns the six parameters in file order
func (t AffineTransform) Values() [6]float64 {
	return [6]float64{t.A11, t.A12, t.A21, t.A22, t.DX, t.DY}
}

// DoseOrdering names how the ordinal behind a tilt's dose was chosen
type DoseOrdering string

const (
	// DoseResolved ranks surviving tilts by acquisition index after the join
	DoseResolved DoseOrdering = "resolved"

	// DoseAcquisition uses the raw acquisition index from the order list
	DoseAcquisition DoseOrdering = "acquisition"

	// DoseScheme looks the tilt up in the nominal dose-symmetric scheme
	DoseScheme DoseOrdering = "scheme"
)

// TomostarRow is one reconciled tilt of a tomogram
type TomostarRow struct {
	AcquisitionIndex int

	// ImagePath is the split tilt image backing this row
	ImagePath string

	// MovieName is the value written to _wrpMovieName
	MovieName string

	Angle            float64
	AxisAngle        float64
	Dose             float64
	AverageIntensity float64
	MaskedFraction   float64
	Transform        AffineTransform

	// DoseSuspect marks a dose value known to be computed on an incomplete
	// tilt series (missing second tilt) and not corrected
	DoseSuspect bool
}

// TomostarRecord is the consolidated per-tomogram table
type TomostarRecord struct {
	// Tomogram is the tomogram name, shared with particle tables
	Tomogram string

	// Rows are sorted by tilt angle
	Rows []TomostarRow

	// DoseOrdering records which ordinal fed the dose column
	DoseOrdering DoseOrdering

	// Warnings are the join gaps and dose caveats found while building
	Warnings []tperrors.Warning
}

// DoseSuspect reports whether any row carries a dose known to be wrong
func (r *TomostarRecord) DoseSuspect() bool {
	for _, row := range r.Rows {
		if row.DoseSuspect {
			return true
		}
	}
	return false
}
