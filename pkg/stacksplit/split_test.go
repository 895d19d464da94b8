package stacksplit

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tomoprep/pkg/config"
	tperrors "tomoprep/pkg/errors"
	"tomoprep/pkg/mrc"
)

// createTestStack writes an nz-section float32 stack and returns the raw
// bytes of each section
func createTestStack(t *testing.T, path string, nz int) [][]byte {
	t.Helper()
	h := mrc.NewHeader(6, 4, nz, 2)
	sections := make([][]byte, nz)
	for z := range sections {
		values := make([]float32, 6*4)
		for i := range values {
			values[i] = float32(z) + float32(i)/100
		}
		sections[z] = mrc.EncodeFloat32(h.ByteOrder(), values)
	}
	var buf bytes.Buffer
	require.NoError(t, mrc.WriteImage(&buf, h, sections...))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return sections
}

func TestImageName(t *testing.T) {
	assert.Equal(t, "ts01_001.mrc", ImageName("ts01", 1, 41))
	assert.Equal(t, "ts01_041.mrc", ImageName("ts01", 41, 41))
	assert.Equal(t, "big_0007.mrc", ImageName("big", 7, 1200))
}

func TestSplitWritesOneFilePerSection(t *testing.T) {
	dir := t.TempDir()
	stackPath := filepath.Join(dir, "ts01", "ts01.mrc")
	outDir := filepath.Join(dir, "frames")
	sections := createTestStack(t, stackPath, 5)

	result, err := Split(stackPath, outDir, 5, "ts01")
	require.NoError(t, err)
	require.Len(t, result.Images, 5)
	assert.Equal(t, 5, result.Stack.Sections)

	for i, img := range result.Images {
		assert.Equal(t, i+1, img.Section)
		assert.Equal(t, filepath.Join(outDir, fmt.Sprintf("ts01_%03d.mrc", i+1)), img.Path)

		s, err := mrc.Open(img.Path)
		require.NoError(t, err)
		assert.Equal(t, 1, s.Sections())
		data, err := s.ReadSection(0)
		require.NoError(t, err)
		assert.Equal(t, sections[i], data, "image %d must equal stack section %d", i+1, i)
		st, ok := s.Header().Statistics()
		require.True(t, ok)
		assert.InDelta(t, float64(i), st.Min, 1e-4)
		assert.InDelta(t, float64(i)+0.23, st.Max, 1e-4)
		assert.InDelta(t, float64(i)+0.115, st.Mean, 1e-4)
		require.NoError(t, s.Close())
	}

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestSplitIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	stackPath := filepath.Join(dir, "ts.mrc")
	outDir := filepath.Join(dir, "frames")
	createTestStack(t, stackPath, 3)

	first, err := Split(stackPath, outDir, 3, "ts")
	require.NoError(t, err)
	before, err := os.ReadFile(first.Images[2].Path)
	require.NoError(t, err)

	second, err := Split(stackPath, outDir, 3, "ts")
	require.NoError(t, err)
	after, err := os.ReadFile(second.Images[2].Path)
	require.NoError(t, err)

	assert.Equal(t, before, after)
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestSplitCountMismatch(t *testing.T) {
	dir := t.TempDir()
	stackPath := filepath.Join(dir, "ts.mrc")
	outDir := filepath.Join(dir, "frames")
	createTestStack(t, stackPath, 4)

	_, err := Split(stackPath, outDir, 5, "ts")
	require.Error(t, err)
	assert.ErrorIs(t, err, tperrors.ErrCountMismatch)

	var cm *tperrors.CountMismatchError
	require.ErrorAs(t, err, &cm)
	assert.Equal(t, 4, cm.Sections)
	assert.Equal(t, 5, cm.Expected)

	_, statErr := os.Stat(outDir)
	assert.True(t, os.IsNotExist(statErr), "nothing is written on mismatch")
}

func TestSplitFolder(t *testing.T) {
	dir := t.TempDir()
	folder := filepath.Join(dir, "ts07")
	createTestStack(t, filepath.Join(folder, "ts07.mrc"), 3)
	angles := []string{"-3.0", "0.0", "3.0"}
	require.NoError(t, os.WriteFile(filepath.Join(folder, "ts07.tlt"), []byte(strings.Join(angles, "\n")+"\n"), 0644))

	result, err := SplitFolder(folder, filepath.Join(dir, "frames"), config.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, result.Images, 3)
	assert.Equal(t, -3.0, result.Images[0].Angle)
	assert.Equal(t, 3.0, result.Images[2].Angle)
	assert.Equal(t, filepath.Join(dir, "frames", "ts07_002.mrc"), result.Paths()[1])
}

func TestSplitFolderCountMismatch(t *testing.T) {
	dir := t.TempDir()
	folder := filepath.Join(dir, "ts08")
	createTestStack(t, filepath.Join(folder, "ts08.mrc"), 3)
	require.NoError(t, os.WriteFile(filepath.Join(folder, "ts08.tlt"), []byte("-3\n0\n"), 0644))

	_, err := SplitFolder(folder, filepath.Join(dir, "frames"), config.DefaultConfig())
	assert.ErrorIs(t, err, tperrors.ErrCountMismatch)
}

func TestSplitFailureRemovesWrittenImages(t *testing.T) {
	dir := t.TempDir()
	stackPath := filepath.Join(dir, "ts.mrc")
	outDir := filepath.Join(dir, "frames")
	createTestStack(t, stackPath, 3)
	// the second image cannot replace a non-empty directory
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "ts_002.mrc", "keep"), 0755))

	_, err := Split(stackPath, outDir, 3, "ts")
	assert.ErrorIs(t, err, tperrors.ErrWriteFailure)
	assert.NoFileExists(t, filepath.Join(outDir, "ts_001.mrc"))
	assert.NoFileExists(t, filepath.Join(outDir, "ts_003.mrc"))
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	stackPath := filepath.Join(dir, "ts.mrc")
	outDir := filepath.Join(dir, "frames")
	createTestStack(t, stackPath, 2)

	result, err := Split(stackPath, outDir, 2, "ts")
	require.NoError(t, err)
	require.NoError(t, os.Remove(result.Images[0].Path))

	require.NoError(t, Remove(result))
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
