// Package stacksplit cuts an aligned tilt-series stack into one MRC file per
// tilt. Files are named <name>_<NNN>.mrc where NNN is the 1-based section,
// which is also the row of the tilt in the .tlt and .xf files.
package stacksplit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"tomoprep/internal/fsutil"
	"tomoprep/internal/models"
	"tomoprep/pkg/config"
	tperrors "tomoprep/pkg/errors"
	"tomoprep/pkg/imod"
	"tomoprep/pkg/mrc"
)

// Result describes one split stack
type Result struct {
	Stack  models.TiltSeriesStack
	Images []models.TiltImage
}

// Paths returns the written image paths in section order
func (r *Result) Paths() []string {
	paths := make([]string, len(r.Images))
	for i, img := range r.Images {
		paths[i] = img.Path
	}
	return paths
}

// ImageName returns the file name of a section. The index is zero padded to
// at least three digits, more when the stack has 1000 sections or more.
func ImageName(name string, section, total int) string {
	width := len(strconv.Itoa(total))
	if width < 3 {
		width = 3
	}
	return fmt.Sprintf("%s_%0*d.mrc", name, width, section)
}

// Split writes every section of the stack at stackPath into outDir.
// expected is the number of tilts the angle file declares; a stack with a
// different section count is rejected before anything is written, and a
// failure part way removes the images already written.
// Re-running overwrites each file atomically with identical content. Each
// image header carries the density statistics of its section when the
// mode can be decoded.
func Split(stackPath, outDir string, expected int, name string) (*Result, error) {
	stack, err := mrc.Open(stackPath)
	if err != nil {
		return nil, err
	}
	defer stack.Close()

	n := stack.Sections()
	if n != expected {
		return nil, &tperrors.CountMismatchError{Path: stackPath, Sections: n, Expected: expected}
	}

	header := stack.Header().SingleSection()
	result := &Result{Stack: stack.Describe(), Images: make([]models.TiltImage, 0, n)}

	for z := 0; z < n; z++ {
		data, err := stack.ReadSection(z)
		if err != nil {
			_ = Remove(result)
			return nil, err
		}

		h := *header
		if values, err := mrc.DecodeSection(&h, data); err == nil && len(values) > 0 {
			h.SetStatistics(mrc.ComputeStatistics(values))
		}

		out := filepath.Join(outDir, ImageName(name, z+1, n))
		err = fsutil.WriteAtomic(out, 0644, func(w io.Writer) error {
			return mrc.WriteImage(w, &h, data)
		})
		if err != nil {
			_ = Remove(result)
			return nil, err
		}
		result.Images = append(result.Images, models.TiltImage{Section: z + 1, Path: out})
	}

	return result, nil
}

// Remove deletes the images of r. Images already gone are not an error.
func Remove(r *Result) error {
	var errs []error
	for _, img := range r.Images {
		if err := os.Remove(img.Path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return tperrors.Join(errs...)
}

// SplitFolder splits the stack of an IMOD folder <dir>/<name>.mrc using the
// companion <name>.tlt for the expected count and the image angles
func SplitFolder(folder, outDir string, cfg *config.Config) (*Result, error) {
	name := filepath.Base(folder)
	anglePath := filepath.Join(folder, name+cfg.Files.AngleExt)
	stackPath := filepath.Join(folder, name+cfg.Files.StackExt)

	angles, err := imod.ReadAngles(anglePath)
	if err != nil {
		return nil, err
	}

	result, err := Split(stackPath, outDir, len(angles), name)
	if err != nil {
		return nil, err
	}
	for i := range result.Images {
		result.Images[i].Angle = angles[i]
	}
	return result, nil
}
