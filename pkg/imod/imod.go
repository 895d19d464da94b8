// Package imod reads the text outputs of IMOD tilt-series alignment: the
// .tlt angle file and the .xf transform file. Both hold one row per section
// of the aligned stack, in stack order.
package imod

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"tomoprep/internal/models"
	tperrors "tomoprep/pkg/errors"
)

// ReadAngles reads a .tlt file. Blank lines are skipped.
func ReadAngles(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseAngles(f, path)
}

// ParseAngles reads one angle per line from r. name is used in errors.
func ParseAngles(r io.Reader, name string) ([]float64, error) {
	var angles []float64
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, &tperrors.AngleParseError{Path: name, Line: line, Text: text}
		}
		angles = append(angles, v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return angles, nil
}

// ReadTransforms reads an .xf file
func ReadTransforms(path string) ([]models.AffineTransform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseTransforms(f, path)
}

// ParseTransforms reads rows of six numbers, A11 A12 A21 A22 DX DY
func ParseTransforms(r io.Reader, name string) ([]models.AffineTransform, error) {
	var rows []models.AffineTransform
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 6 {
			return nil, fmt.Errorf("%s line %d: expected 6 values, got %d: %w",
				name, line, len(fields), tperrors.ErrInvalidInput)
		}

		var v [6]float64
		for i, field := range fields {
			f, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: bad value %q: %w", name, line, field, tperrors.ErrInvalidInput)
			}
			v[i] = f
		}
		rows = append(rows, models.AffineTransform{
			Row: len(rows),
			A11: v[0], A12: v[1], A21: v[2], A22: v[3],
			DX: v[4], DY: v[5],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return rows, nil
}

// ReadAngleText returns the non-blank lines of a .tlt file, trimmed but
// otherwise as written
func ReadAngleText(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if text := strings.TrimSpace(line); text != "" {
			lines = append(lines, text)
		}
	}
	return lines, nil
}
