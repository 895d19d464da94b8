// Package angles negates tilt angles to switch handedness conventions.
//
// Inversion is its own inverse: applying it twice restores the original
// values. Running it in place twice by accident therefore silently undoes
// the first run, which is why in-place runs keep a backup of the original.
package angles

import (
	"bytes"
	"math"
	"os"
	"strconv"
	"strings"

	"tomoprep/internal/fsutil"
	"tomoprep/pkg/config"
	tperrors "tomoprep/pkg/errors"
)

// Invert returns the sign-negated values in the same order
func Invert(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = -v
	}
	return out
}

// InvertText negates every numeric line of an angle file by toggling its
// sign, so the written precision is kept. Zero values and blank lines are
// left as they are. name is used in errors.
func InvertText(data []byte, name string) ([]byte, error) {
	lines := strings.SplitAfter(string(data), "\n")
	var out bytes.Buffer
	out.Grow(len(data) + len(lines))

	for i, line := range lines {
		text := strings.TrimSpace(line)
		if text == "" {
			out.WriteString(line)
			continue
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, &tperrors.AngleParseError{Path: name, Line: i + 1, Text: text}
		}

		start := strings.Index(line, text)
		out.WriteString(line[:start])
		out.WriteString(toggleSign(text, v))
		out.WriteString(line[start+len(text):])
	}
	return out.Bytes(), nil
}

func toggleSign(text string, v float64) string {
	switch {
	case v == 0:
		return text
	case text[0] == '-':
		return text[1:]
	case text[0] == '+':
		return "-" + text[1:]
	}
	return "-" + text
}

// Options select where the inverted file goes
type Options struct {
	// BackupSuffix names the copy of the original kept by in-place runs;
	// empty disables the backup
	BackupSuffix string

	// OverwriteBackup replaces an existing backup instead of keeping it
	OverwriteBackup bool

	// OutputSuffix writes <path><OutputSuffix> and leaves path untouched
	OutputSuffix string
}

// OptionsFromConfig extracts inverter options from cfg
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BackupSuffix:    cfg.Invert.BackupSuffix,
		OverwriteBackup: cfg.Invert.OverwriteBackup,
		OutputSuffix:    cfg.Invert.OutputSuffix,
	}
}

// Result reports what InvertFile wrote
type Result struct {
	Output string

	// Backup is the backup path, empty when none was requested
	Backup string

	// BackupKept is set when an existing backup was left in place
	BackupKept bool
}

// InvertFile inverts the angle file at path. The whole file is parsed
// before anything is written, so a malformed file is left untouched.
// In-place runs are destructive; see the package documentation.
func InvertFile(path string, opts Options) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	inverted, err := InvertText(data, path)
	if err != nil {
		return nil, err
	}

	res := &Result{Output: path}
	if opts.OutputSuffix != "" {
		res.Output = path + opts.OutputSuffix
	} else if opts.BackupSuffix != "" {
		res.Backup = path + opts.BackupSuffix
		if fsutil.Exists(res.Backup) && !opts.OverwriteBackup {
			res.BackupKept = true
		} else if err := fsutil.CopyFile(path, res.Backup); err != nil {
			return nil, err
		}
	}

	if err := fsutil.WriteFileAtomic(res.Output, inverted, info.Mode().Perm()); err != nil {
		return nil, err
	}
	return res, nil
}
