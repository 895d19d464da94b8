package tomostar

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"tomoprep/internal/fsutil"
	"tomoprep/internal/models"
	"tomoprep/pkg/config"
)

// Format controls how a record is laid out
type Format struct {
	// Decimals is the precision of the _wrp numeric columns
	Decimals int

	// IncludeTransform appends the .xf parameters as _tpXf* columns
	IncludeTransform bool
}

// FormatFromConfig extracts the output format from cfg
func FormatFromConfig(cfg *config.Config) Format {
	return Format{Decimals: cfg.Tomostar.Decimals, IncludeTransform: cfg.Tomostar.IncludeTransform}
}

var warpColumns = []string{
	"wrpMovieName",
	"wrpAngleTilt",
	"wrpAxisAngle",
	"wrpDose",
	"wrpAverageIntensity",
	"wrpMaskedFraction",
}

var transformColumns = []string{
	"tpXfA11",
	"tpXfA12",
	"tpXfA21",
	"tpXfA22",
	"tpXfDX",
	"tpXfDY",
}

// DoseSuspectColumn is added when any row's dose is known to be wrong
const DoseSuspectColumn = "tpDoseSuspect"

// FileName returns the .tomostar file name of a tomogram
func FileName(tomogram string) string {
	return tomogram + ".tomostar"
}

// Write replaces outDir/<tomogram>.tomostar atomically and returns its path
func Write(outDir string, rec *models.TomostarRecord, f Format) (string, error) {
	out := filepath.Join(outDir, FileName(rec.Tomogram))
	err := fsutil.WriteAtomic(out, 0644, func(w io.Writer) error {
		return Encode(w, rec, f)
	})
	return out, err
}

// Encode writes rec as a single-loop STAR table with fixed-width columns
func Encode(w io.Writer, rec *models.TomostarRecord, f Format) error {
	bw := bufio.NewWriter(w)

	columns := append([]string(nil), warpColumns...)
	if f.IncludeTransform {
		columns = append(columns, transformColumns...)
	}
	suspect := rec.DoseSuspect()
	if suspect {
		columns = append(columns, DoseSuspectColumn)
	}

	bw.WriteString("data_\n\nloop_\n")
	for i, c := range columns {
		fmt.Fprintf(bw, "_%s #%d\n", c, i+1)
	}

	nameWidth := 0
	for _, row := range rec.Rows {
		if len(row.MovieName) > nameWidth {
			nameWidth = len(row.MovieName)
		}
	}
	nameWidth += 2
	width := f.Decimals + 8

	for _, row := range rec.Rows {
		var b strings.Builder
		fmt.Fprintf(&b, "%-*s", nameWidth, row.MovieName)
		for _, v := range []float64{row.Angle, row.AxisAngle, row.Dose, row.AverageIntensity, row.MaskedFraction} {
			fmt.Fprintf(&b, "%*.*f", width, f.Decimals, v)
		}
		if f.IncludeTransform {
			for _, v := range row.Transform.Values() {
				fmt.Fprintf(&b, "%14.6f", v)
			}
		}
		if suspect {
			flag := 0
			if row.DoseSuspect {
				flag = 1
			}
			fmt.Fprintf(&b, "%4d", flag)
		}
		b.WriteByte('\n')
		bw.WriteString(b.String())
	}
	return bw.Flush()
}
