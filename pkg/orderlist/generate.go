package orderlist

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"

	"tomoprep/internal/fsutil"
	"tomoprep/internal/models"
	"tomoprep/pkg/config"
	tperrors "tomoprep/pkg/errors"
)

// Scheme describes a dose-symmetric collection
type Scheme struct {
	// Total is the number of tilts of a complete series; zero disables the
	// row-count check during regeneration
	Total int

	// ZeroRow is the 1-based .tlt row collected first; zero means the row
	// whose angle is closest to 0
	ZeroRow int

	// FlipAfter is the number of tilts taken on one side before switching
	FlipAfter int

	// Direction is "pos" or "neg", the side collected right after zero
	Direction string

	// Increment is the nominal tilt step in degrees
	Increment float64
}

// SchemeFromConfig extracts the scheme section of cfg
func SchemeFromConfig(cfg *config.Config) Scheme {
	return Scheme{
		Total:     cfg.Scheme.TotalRows,
		ZeroRow:   cfg.Scheme.ZeroRow,
		FlipAfter: cfg.Scheme.FlipAfter,
		Direction: cfg.Scheme.Direction,
		Increment: cfg.Scheme.Increment,
	}
}

func checkSide(flipAfter int, direction string) error {
	if flipAfter <= 0 {
		return tperrors.NewValidationError("flipAfter", flipAfter, "must be positive")
	}
	if direction != "pos" && direction != "neg" {
		return tperrors.NewValidationError("direction", direction, "must be pos or neg")
	}
	return nil
}

// ReorderIndices returns the 1-based rows of an angle-sorted series of n
// tilts in collection order: zeroRow first, then flipAfter rows at a time
// alternating between the rows above and below it, starting on the side
// named by direction. A side that runs out is skipped.
func ReorderIndices(n, zeroRow, flipAfter int, direction string) ([]int, error) {
	if err := checkSide(flipAfter, direction); err != nil {
		return nil, err
	}
	if zeroRow < 1 || zeroRow > n {
		return nil, tperrors.NewValidationError("zeroRow", zeroRow, fmt.Sprintf("out of range [1..%d]", n))
	}

	var pos, neg []int
	for i := zeroRow + 1; i <= n; i++ {
		pos = append(pos, i)
	}
	for i := zeroRow - 1; i >= 1; i-- {
		neg = append(neg, i)
	}

	result := []int{zeroRow}
	side := direction
	for len(pos) > 0 || len(neg) > 0 {
		queue := &pos
		next := "neg"
		if side == "neg" {
			queue, next = &neg, "pos"
		}
		take := flipAfter
		if take > len(*queue) {
			take = len(*queue)
		}
		result = append(result, (*queue)[:take]...)
		*queue = (*queue)[take:]
		side = next
	}
	return result, nil
}

// ZeroRow returns the 1-based row of the angle closest to 0
func ZeroRow(angles []float64) int {
	best := 0
	for i, a := range angles {
		if math.Abs(a) < math.Abs(angles[best]) {
			best = i
		}
	}
	return best + 1
}

// Regenerate builds a corrected order list from the lines of a .tlt file.
// Angles keep their text so the written list matches the angle file exactly.
func Regenerate(angleText []string, s Scheme) ([]models.OrderListEntry, error) {
	n := len(angleText)
	if n == 0 {
		return nil, fmt.Errorf("no angles: %w", tperrors.ErrInvalidInput)
	}
	if s.Total > 0 && n != s.Total {
		return nil, &tperrors.CountMismatchError{Path: "angle file", Sections: n, Expected: s.Total}
	}

	angles := make([]float64, n)
	for i, text := range angleText {
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, &tperrors.AngleParseError{Line: i + 1, Text: text}
		}
		angles[i] = v
	}

	zero := s.ZeroRow
	if zero == 0 {
		zero = ZeroRow(angles)
	}
	rows, err := ReorderIndices(n, zero, s.FlipAfter, s.Direction)
	if err != nil {
		return nil, err
	}

	entries := make([]models.OrderListEntry, len(rows))
	for i, row := range rows {
		entries[i] = models.OrderListEntry{
			Index:     i + 1,
			Angle:     angles[row-1],
			AngleText: angleText[row-1],
		}
	}
	return entries, nil
}

// Write saves entries at path in the layout described by contract, so the
// result resolves with the same contract. The file is replaced atomically.
func Write(path string, entries []models.OrderListEntry, contract config.OrderListContract) error {
	if err := contract.Validate(); err != nil {
		return err
	}
	return fsutil.WriteAtomic(path, 0644, func(w io.Writer) error {
		return Encode(w, entries, contract)
	})
}

// Encode writes entries as CSV. Positional contracts place each value at
// its configured column; header contracts write index, angle and dose
// under the configured names.
func Encode(w io.Writer, entries []models.OrderListEntry, contract config.OrderListContract) error {
	withDose := contract.DoseColumn != ""
	cols := columns{index: 0, angle: 1, dose: -1}
	if withDose {
		cols.dose = 2
	}
	width := 2
	if withDose {
		width = 3
	}

	cw := csv.NewWriter(w)
	cw.Comma = contract.Comma()

	if contract.Header {
		header := []string{contract.IndexColumn, contract.AngleColumn}
		if withDose {
			header = append(header, contract.DoseColumn)
		}
		if err := cw.Write(header); err != nil {
			return err
		}
	} else {
		cols = positionalColumns(contract)
		width = max(cols.index, cols.angle, cols.dose) + 1
	}

	for _, e := range entries {
		record := make([]string, width)
		record[cols.index] = strconv.Itoa(e.Index)
		record[cols.angle] = e.AngleText
		if record[cols.angle] == "" {
			record[cols.angle] = strconv.FormatFloat(e.Angle, 'f', -1, 64)
		}
		if cols.dose >= 0 {
			record[cols.dose] = strconv.FormatFloat(e.Dose, 'f', -1, 64)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SchemeAngles returns the nominal angle offsets of a dose-symmetric series
// in collection order: 0, then flipAfter steps on one side, the same steps
// on the other, and so on outward. total must be odd.
func SchemeAngles(total int, increment float64, flipAfter int, direction string) ([]float64, error) {
	if err := checkSide(flipAfter, direction); err != nil {
		return nil, err
	}
	if total < 1 || total%2 == 0 {
		return nil, tperrors.NewValidationError("total", total, "must be odd for a dose-symmetric scheme")
	}

	offsets := []int{0}
	needed := total - 1
	for k := 1; needed > 0; k += flipAfter {
		take := flipAfter
		if needed < 2*flipAfter {
			take = needed / 2
		}
		block := make([]int, take)
		for i := range block {
			block[i] = k + i
		}
		first, second := 1, -1
		if direction == "neg" {
			first, second = -1, 1
		}
		for _, b := range block {
			offsets = append(offsets, first*b)
		}
		for _, b := range block {
			offsets = append(offsets, second*b)
		}
		needed -= 2 * take
	}

	angles := make([]float64, len(offsets))
	for i, o := range offsets {
		angles[i] = math.Trunc(float64(o) * increment)
	}
	return angles, nil
}
