package particles

import (
	"math"
	"math/big"
	"strings"

	"gonum.org/v1/gonum/mat"

	"tomoprep/internal/models"
	tperrors "tomoprep/pkg/errors"
)

func rotZ(deg float64) *mat.Dense {
	s, c := math.Sincos(deg * math.Pi / 180)
	return mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
}

func rotY(deg float64) *mat.Dense {
	s, c := math.Sincos(deg * math.Pi / 180)
	return mat.NewDense(3, 3, []float64{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	})
}

// Orientation returns the rotation of intrinsic ZYZ Euler angles in degrees,
// Rz(rot) Ry(tilt) Rz(psi)
func Orientation(rot, tilt, psi float64) *mat.Dense {
	var zy, zyz mat.Dense
	zy.Mul(rotZ(rot), rotY(tilt))
	zyz.Mul(&zy, rotZ(psi))
	return &zyz
}

// LocalShift maps a shift given in the particle frame to tomogram axes.
// The particle-to-tomogram rotation is the inverse (transpose) of the
// particle orientation.
func LocalShift(rot, tilt, psi float64, shift models.Vec3) models.Vec3 {
	if shift == (models.Vec3{}) {
		return shift
	}
	v := mat.NewVecDense(3, []float64{shift.X, shift.Y, shift.Z})
	var out mat.VecDense
	out.MulVec(Orientation(rot, tilt, psi).T(), v)
	return models.Vec3{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// Offset is the full recenter vector of a particle in pixels: the sub-box
// origin folded back into the coordinate plus the rotated local shift
func Offset(p models.ParticleRecord, shift models.Vec3) models.Vec3 {
	d := LocalShift(p.Rot, p.Tilt, p.Psi, shift)
	if p.Origin != (models.Vec3{}) {
		d = d.Add(p.Origin.Scale(-1 / p.PixelSize))
	}
	return d
}

// Recenter applies the offset d to coordinate c and bins the result by
// bin. Nothing is rounded; precision is only lost when formatting.
func Recenter(c, d models.Vec3, bin float64) models.Vec3 {
	return models.Vec3{
		X: (c.X + d.X) / bin,
		Y: (c.Y + d.Y) / bin,
		Z: (c.Z + d.Z) / bin,
	}
}

// ParseBin parses a positive binning factor written as an integer, a
// decimal or a fraction such as "3/2"
func ParseBin(s string) (float64, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok || r.Sign() <= 0 {
		return 0, tperrors.NewValidationError("bin", s, "must be a positive number or fraction")
	}
	f, _ := r.Float64()
	return f, nil
}
