package tomostar

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tomoprep/internal/models"
	"tomoprep/pkg/config"
	tperrors "tomoprep/pkg/errors"
	"tomoprep/pkg/orderlist"
	"tomoprep/pkg/star"
)

// Dose-symmetric collection with one tilt per side: 0, 3, -3, 6, -6
const testOrderList = "1,0.0\n2,3.0\n3,-3.0\n4,6.0\n5,-6.0\n"

// Aligned angles as IMOD writes them, sorted by angle (stack order)
var stackAngles = []float64{-6.02, -2.98, 0.01, 3.03, 5.97}

// newInputs builds inputs for the given stack angles. The transform of stack
// row i has DX = 10*(i+1) so pairings can be checked, and one image file per
// row is created on disk.
func newInputs(t *testing.T, angles []float64) Inputs {
	t.Helper()
	list, err := orderlist.Parse(strings.NewReader(testOrderList), "ts_order.csv", 0, config.DefaultConfig().OrderList)
	require.NoError(t, err)

	dir := t.TempDir()
	in := Inputs{Tomogram: "ts", OrderList: list, Angles: angles}
	for i := range angles {
		in.Transforms = append(in.Transforms, models.AffineTransform{
			Row: i, A11: 1, A22: 1, DX: float64(10 * (i + 1)), DY: -float64(i + 1),
		})
		img := filepath.Join(dir, "ts_00"+strconv.Itoa(i+1)+".mrc")
		require.NoError(t, os.WriteFile(img, []byte("img"), 0644))
		in.Images = append(in.Images, img)
	}
	return in
}

func testOptions() Options {
	cfg := config.DefaultConfig()
	cfg.Scheme.TotalRows = 5
	cfg.Scheme.FlipAfter = 1
	opts := OptionsFromConfig(cfg)
	opts.MoviePrefix = "../warp_frameseries"
	return opts
}

func rowByIndex(t *testing.T, rec *models.TomostarRecord, index int) models.TomostarRow {
	t.Helper()
	for _, r := range rec.Rows {
		if r.AcquisitionIndex == index {
			return r
		}
	}
	t.Fatalf("acquisition %d not in record", index)
	return models.TomostarRow{}
}

func TestBuildJoinsByAcquisitionIndex(t *testing.T) {
	in := newInputs(t, stackAngles)
	rec, err := Build(in, testOptions())
	require.NoError(t, err)
	require.Len(t, rec.Rows, 5)
	assert.Empty(t, rec.Warnings)
	assert.Equal(t, models.DoseResolved, rec.DoseOrdering)

	// acquisition -> stack row holding its angle
	want := map[int]struct {
		angle float64
		dx    float64
	}{
		1: {0.01, 30},
		2: {3.03, 40},
		3: {-2.98, 20},
		4: {5.97, 50},
		5: {-6.02, 10},
	}
	for idx, w := range want {
		row := rowByIndex(t, rec, idx)
		assert.Equal(t, w.angle, row.Angle, "acquisition %d angle", idx)
		assert.Equal(t, w.dx, row.Transform.DX, "acquisition %d must carry the transform of its own stack row", idx)
		assert.Equal(t, 3.0*float64(idx-1), row.Dose, "acquisition %d dose", idx)
		assert.False(t, row.DoseSuspect)
	}

	// rows are sorted by angle
	for i := 1; i < len(rec.Rows); i++ {
		assert.Less(t, rec.Rows[i-1].Angle, rec.Rows[i].Angle)
	}
	assert.Equal(t, "../warp_frameseries/ts_001.mrc", rec.Rows[0].MovieName)
	assert.Equal(t, -94.0, rec.Rows[0].AxisAngle)
}

func TestBuildPermutedTransformsFollowStackRows(t *testing.T) {
	// the same tilts in a different stack order: transforms travel with
	// their stack row, never with the order-list position
	permuted := []float64{3.03, -6.02, 5.97, 0.01, -2.98}
	in := newInputs(t, permuted)
	rec, err := Build(in, testOptions())
	require.NoError(t, err)

	for i, angle := range permuted {
		found := false
		for _, row := range rec.Rows {
			if row.Angle == angle {
				found = true
				assert.Equal(t, float64(10*(i+1)), row.Transform.DX, "angle %.2f", angle)
				assert.Equal(t, in.Images[i], row.ImagePath)
			}
		}
		assert.True(t, found, "angle %.2f missing", angle)
	}
	assert.Equal(t, 40.0, rowByIndex(t, rec, 1).Transform.DX)
	assert.Equal(t, 20.0, rowByIndex(t, rec, 5).Transform.DX)
}

func TestBuildJoinGapOmitsRow(t *testing.T) {
	// the 6 degree tilt (acquisition 4) was excluded during alignment
	in := newInputs(t, []float64{-6.02, -2.98, 0.01, 3.03})
	rec, err := Build(in, testOptions())
	require.NoError(t, err)

	require.Len(t, rec.Rows, 4)
	assert.True(t, tperrors.HasWarning(rec.Warnings, tperrors.ErrJoinGap))
	assert.False(t, tperrors.HasWarning(rec.Warnings, tperrors.ErrMissingSecondTilt))
	assert.Contains(t, rec.Warnings[0].String(), "acquisition 4")

	// resolved ordering ranks the survivors
	assert.Equal(t, 9.0, rowByIndex(t, rec, 5).Dose)

	opts := testOptions()
	opts.Ordering = models.DoseAcquisition
	rec, err = Build(in, opts)
	require.NoError(t, err)
	assert.Equal(t, models.DoseAcquisition, rec.DoseOrdering)
	assert.Equal(t, 12.0, rowByIndex(t, rec, 5).Dose)
}

func TestBuildMissingSecondTiltIsFlagged(t *testing.T) {
	in := newInputs(t, []float64{-6.02, -2.98, 0.01, 5.97})
	rec, err := Build(in, testOptions())
	require.NoError(t, err)

	require.Len(t, rec.Rows, 4, "the record is still emitted")
	assert.True(t, tperrors.HasWarning(rec.Warnings, tperrors.ErrMissingSecondTilt))
	assert.True(t, tperrors.HasWarning(rec.Warnings, tperrors.ErrJoinGap))
	assert.True(t, rec.DoseSuspect())

	assert.False(t, rowByIndex(t, rec, 1).DoseSuspect)
	for _, idx := range []int{3, 4, 5} {
		assert.True(t, rowByIndex(t, rec, idx).DoseSuspect, "acquisition %d", idx)
	}
	// the value is left as computed
	assert.Equal(t, 3.0, rowByIndex(t, rec, 3).Dose)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, rec, Format{Decimals: 2}))
	doc, err := star.Parse(&buf)
	require.NoError(t, err)
	loop := doc.Blocks[0].Loop
	col := loop.Column(DoseSuspectColumn)
	require.GreaterOrEqual(t, col, 0)
	suspect := 0
	for _, row := range loop.Rows {
		if row[col] == "1" {
			suspect++
		}
	}
	assert.Equal(t, 3, suspect)
}

func TestBuildSchemeOrdering(t *testing.T) {
	in := newInputs(t, []float64{-6.02, -2.98, 0.01, 5.97})
	opts := testOptions()
	opts.Ordering = models.DoseScheme
	rec, err := Build(in, opts)
	require.NoError(t, err)

	assert.Equal(t, 0.0, rowByIndex(t, rec, 1).Dose)
	assert.Equal(t, 6.0, rowByIndex(t, rec, 3).Dose)
	assert.Equal(t, 12.0, rowByIndex(t, rec, 5).Dose)

	opts.Scheme.Total = 4
	_, err = Build(in, opts)
	assert.ErrorIs(t, err, tperrors.ErrInvalidInput)
}

func TestBuildUnmatchedAndDuplicateRows(t *testing.T) {
	in := newInputs(t, []float64{-6.02, -2.98, 0.6, 0.01, 3.03, 5.97, 20.0})
	rec, err := Build(in, testOptions())
	require.NoError(t, err)

	require.Len(t, rec.Rows, 5)
	first := rowByIndex(t, rec, 1)
	assert.Equal(t, 0.01, first.Angle, "the closest stack row wins")
	assert.Equal(t, 40.0, first.Transform.DX)

	var msgs []string
	for _, w := range rec.Warnings {
		assert.Equal(t, tperrors.ErrJoinGap, w.Kind)
		msgs = append(msgs, w.Message)
	}
	joined := strings.Join(msgs, "\n")
	assert.Contains(t, joined, "tilt row 3 also matches acquisition 1")
	assert.Contains(t, joined, "tilt row 7 (20.00 deg) matches no order-list entry")
}

func TestBuildMissingImageIsJoinGap(t *testing.T) {
	in := newInputs(t, stackAngles)
	require.NoError(t, os.Remove(in.Images[0]))

	rec, err := Build(in, testOptions())
	require.NoError(t, err)
	assert.Len(t, rec.Rows, 4)
	assert.True(t, tperrors.HasWarning(rec.Warnings, tperrors.ErrJoinGap))
	for _, row := range rec.Rows {
		_, statErr := os.Stat(row.ImagePath)
		assert.NoError(t, statErr)
	}
}

func TestBuildCountMismatch(t *testing.T) {
	in := newInputs(t, stackAngles)
	in.Transforms = in.Transforms[:4]
	_, err := Build(in, testOptions())
	assert.ErrorIs(t, err, tperrors.ErrCountMismatch)

	in = newInputs(t, stackAngles)
	in.Images = in.Images[:3]
	_, err = Build(in, testOptions())
	assert.ErrorIs(t, err, tperrors.ErrCountMismatch)
}

func TestWriteTomostar(t *testing.T) {
	in := newInputs(t, stackAngles)
	rec, err := Build(in, testOptions())
	require.NoError(t, err)

	outDir := filepath.Join(t.TempDir(), "tomostar")
	path, err := Write(outDir, rec, FormatFromConfig(config.DefaultConfig()))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "ts.tomostar"), path)

	doc, err := star.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, doc.Blocks, 1)
	loop := doc.Blocks[0].Loop
	assert.Equal(t, append(append([]string{}, warpColumns...), transformColumns...), loop.Columns)
	require.Len(t, loop.Rows, 5)

	assert.Equal(t, "../warp_frameseries/ts_001.mrc", loop.Rows[0][0])
	assert.Equal(t, "-6.02", loop.Rows[0][1])
	assert.Equal(t, "-94.00", loop.Rows[0][2])
	assert.Equal(t, "12.00", loop.Rows[0][3])
	assert.Equal(t, "10.000000", loop.Rows[0][10])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "data_\n\nloop_\n_wrpMovieName #1\n"))
	assert.Contains(t, string(data), "    -6.02")
}

func TestWriteWithoutTransform(t *testing.T) {
	in := newInputs(t, stackAngles)
	rec, err := Build(in, testOptions())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, rec, Format{Decimals: 1}))
	doc, err := star.Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, warpColumns, doc.Blocks[0].Loop.Columns)
	assert.Equal(t, "3.0", doc.Blocks[0].Loop.Rows[3][3])
}

func TestMoviePrefix(t *testing.T) {
	root := t.TempDir()
	got, err := MoviePrefix(filepath.Join(root, "warp_frameseries"), filepath.Join(root, "tomostar"))
	require.NoError(t, err)
	assert.Equal(t, "../warp_frameseries", got)
}
