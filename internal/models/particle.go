package models

// Vec3 is a 3-D vector in pixels or Angstroms depending on context
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v + o
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

// Scale returns v * f
func (v Vec3) Scale(f float64) Vec3 {
	return Vec3{v.X * f, v.Y * f, v.Z * f}
}

// ParticleRecord is one row of a multi-tomogram particle table. Values
// holds every column in table order as written; the parsed fields are
// derived from it.
type ParticleRecord struct {
	// Values are the raw column values, aligned with the table's columns
	Values []string

	// Tomogram is the tomogram identifier the particle belongs to
	Tomogram string

	// Coordinate is the particle position in pixels of the source table
	Coordinate Vec3

	// Origin is the sub-box offset in Angstroms (zero when absent)
	Origin Vec3

	// Rot, Tilt, Psi are the ZYZ Euler angles in degrees
	Rot, Tilt, Psi float64

	// PixelSize is the optics-group pixel size in Angstroms per pixel
	PixelSize float64

	// Row is the 0-based row in the source table
	Row int
}

// PerTomogramParticleTable is the output partition for one tomogram
type PerTomogramParticleTable struct {
	Tomogram string
	Columns  []string
	Rows     [][]string
}
