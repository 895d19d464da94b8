package imod

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tperrors "tomoprep/pkg/errors"
)

func TestParseAngles(t *testing.T) {
	angles, err := ParseAngles(strings.NewReader("-3.01\n  0.00\n\n2.99\n"), "ts.tlt")
	require.NoError(t, err)
	assert.Equal(t, []float64{-3.01, 0, 2.99}, angles)
}

func TestParseAnglesRejectsText(t *testing.T) {
	_, err := ParseAngles(strings.NewReader("1.0\nabc\n"), "ts.tlt")
	require.Error(t, err)
	assert.ErrorIs(t, err, tperrors.ErrAngleParse)

	var pe *tperrors.AngleParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.Line)
	assert.Equal(t, "abc", pe.Text)
}

func TestReadTransforms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ts.xf")
	content := "   0.9998   -0.0175    0.0175    0.9998     12.500    -3.250\n" +
		"   1.0000    0.0000    0.0000    1.0000      0.000     0.000\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	rows, err := ReadTransforms(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 0, rows[0].Row)
	assert.Equal(t, [6]float64{0.9998, -0.0175, 0.0175, 0.9998, 12.5, -3.25}, rows[0].Values())
	assert.Equal(t, 1, rows[1].Row)
}

func TestParseTransformsErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"short row", "1 0 0 1 0\n"},
		{"bad number", "1 0 0 x 0 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTransforms(strings.NewReader(tt.input), "ts.xf")
			require.Error(t, err)
			assert.ErrorIs(t, err, tperrors.ErrInvalidInput)
			assert.Contains(t, err.Error(), "line 1")
		})
	}
}

func TestReadAnglesMissingFile(t *testing.T) {
	_, err := ReadAngles(filepath.Join(t.TempDir(), "absent.tlt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadAngleText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ts.tlt")
	require.NoError(t, os.WriteFile(path, []byte("  -3.010\r\n\n0.00\n 2.99 \n"), 0644))
	lines, err := ReadAngleText(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"-3.010", "0.00", "2.99"}, lines)
}
