package orderlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tomoprep/pkg/config"
	tperrors "tomoprep/pkg/errors"
)

func TestReorderIndices(t *testing.T) {
	tests := []struct {
		name      string
		n, zero   int
		flipAfter int
		direction string
		want      []int
	}{
		{"pos pairs", 9, 5, 2, "pos", []int{5, 6, 7, 4, 3, 8, 9, 2, 1}},
		{"neg pairs", 9, 5, 2, "neg", []int{5, 4, 3, 6, 7, 2, 1, 8, 9}},
		{"single flips", 5, 3, 1, "pos", []int{3, 4, 2, 5, 1}},
		{"off centre", 6, 2, 2, "pos", []int{2, 3, 4, 1, 5, 6}},
		{"zero at end", 4, 4, 1, "pos", []int{4, 3, 2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReorderIndices(tt.n, tt.zero, tt.flipAfter, tt.direction)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReorderIndicesDefaultScheme(t *testing.T) {
	got, err := ReorderIndices(35, 18, 2, "pos")
	require.NoError(t, err)
	require.Len(t, got, 35)
	assert.Equal(t, []int{18, 19, 20, 17, 16, 21, 22, 15, 14}, got[:9])

	seen := make(map[int]bool)
	for _, row := range got {
		assert.False(t, seen[row], "row %d repeated", row)
		seen[row] = true
	}
}

func TestReorderIndicesRejectsBadInput(t *testing.T) {
	_, err := ReorderIndices(5, 0, 2, "pos")
	assert.ErrorIs(t, err, tperrors.ErrInvalidInput)
	_, err = ReorderIndices(5, 3, 0, "pos")
	assert.ErrorIs(t, err, tperrors.ErrInvalidInput)
	_, err = ReorderIndices(5, 3, 2, "up")
	assert.ErrorIs(t, err, tperrors.ErrInvalidInput)
}

func TestZeroRow(t *testing.T) {
	assert.Equal(t, 3, ZeroRow([]float64{-6, -3, 0.2, 3, 6}))
	assert.Equal(t, 1, ZeroRow([]float64{1, 2, 3}))
}

func TestRegenerateChecksTotal(t *testing.T) {
	_, err := Regenerate([]string{"-3", "0", "3"}, Scheme{Total: 35, FlipAfter: 2, Direction: "pos"})
	assert.ErrorIs(t, err, tperrors.ErrCountMismatch)

	_, err = Regenerate([]string{"-3", "zero", "3"}, Scheme{FlipAfter: 2, Direction: "pos"})
	assert.ErrorIs(t, err, tperrors.ErrAngleParse)
}

func TestRegenerateFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Scheme.TotalRows = 5
	s := SchemeFromConfig(cfg)

	entries, err := Regenerate([]string{"-6", "-3", "0", "3", "6"}, s)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Index)
	}
	assert.Equal(t, []string{"0", "3", "6", "-3", "-6"}, []string{
		entries[0].AngleText, entries[1].AngleText, entries[2].AngleText, entries[3].AngleText, entries[4].AngleText,
	})
}

func TestSchemeAngles(t *testing.T) {
	got, err := SchemeAngles(7, 3, 2, "pos")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 3, 6, -3, -6, 9, -9}, got)

	got, err = SchemeAngles(5, 3, 1, "neg")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, -3, 3, -6, 6}, got)

	got, err = SchemeAngles(35, 3, 2, "pos")
	require.NoError(t, err)
	require.Len(t, got, 35)
	assert.Equal(t, 51.0, got[33])
	assert.Equal(t, -51.0, got[34])
}

func TestSchemeAnglesTruncatesFractionalSteps(t *testing.T) {
	got, err := SchemeAngles(5, 2.5, 2, "pos")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 2, 5, -2, -5}, got)
}

func TestSchemeAnglesRejectsEvenTotal(t *testing.T) {
	_, err := SchemeAngles(34, 3, 2, "pos")
	assert.ErrorIs(t, err, tperrors.ErrInvalidInput)
}
