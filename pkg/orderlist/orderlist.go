// Package orderlist resolves emClarity-style order lists, the CSV tables that
// map each tilt's acquisition index to its nominal angle, and regenerates them
// for dose-symmetric schemes.
//
// Resolution is strict: a list with a gap, a repeated index or an unreadable
// row is rejected with an *errors.OrderListError so the tomogram can be
// reported and fixed instead of being built on a misaligned order.
package orderlist

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"tomoprep/internal/models"
	"tomoprep/pkg/config"
	tperrors "tomoprep/pkg/errors"
)

// List is a resolved order list. Entries are sorted by acquisition index
// and indices run 1..Len() without gaps.
type List struct {
	Path    string
	Entries []models.OrderListEntry

	byIndex map[int]models.OrderListEntry
}

// Len returns the number of acquisitions in the list
func (l *List) Len() int {
	return len(l.Entries)
}

// ByIndex returns the entry with the given 1-based acquisition index
func (l *List) ByIndex(index int) (models.OrderListEntry, bool) {
	e, ok := l.byIndex[index]
	return e, ok
}

// Lookup returns the entry whose angle is nearest to angle, provided the
// difference is at most tol degrees. Ties go to the earlier acquisition.
func (l *List) Lookup(angle, tol float64) (models.OrderListEntry, bool) {
	best := -1
	bestDiff := math.Inf(1)
	for i, e := range l.Entries {
		d := math.Abs(e.Angle - angle)
		if d < bestDiff {
			best, bestDiff = i, d
		}
	}
	if best < 0 || bestDiff > tol {
		return models.OrderListEntry{}, false
	}
	return l.Entries[best], true
}

// Resolve reads and validates the order list at path. expected is the
// number of tilts the caller knows of; every index in 1..max(expected,
// highest index) must be present exactly once.
func Resolve(path string, expected int, contract config.OrderListContract) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, path, expected, contract)
}

// columns holds resolved 0-based column positions; dose is -1 when absent
type columns struct {
	index, angle, dose int
}

// Parse resolves an order list read from r; name is used in errors
func Parse(r io.Reader, name string, expected int, contract config.OrderListContract) (*List, error) {
	if err := contract.Validate(); err != nil {
		return nil, err
	}

	reader := csv.NewReader(r)
	reader.Comma = contract.Comma()
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	malformed := func(line int, format string, args ...interface{}) error {
		return &tperrors.OrderListError{
			Kind:    tperrors.ErrOrderListMalformed,
			Path:    name,
			Line:    line,
			Message: fmt.Sprintf(format, args...),
		}
	}

	var cols columns
	var entries []models.OrderListEntry
	headerPending := contract.Header
	if !contract.Header {
		cols = positionalColumns(contract)
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if tperrors.As(err, &pe) {
				return nil, malformed(pe.Line, "%v", pe.Err)
			}
			return nil, malformed(0, "%v", err)
		}
		line, _ := reader.FieldPos(0)
		if blankRecord(record) {
			continue
		}

		if headerPending {
			cols, err = namedColumns(record, contract)
			if err != nil {
				return nil, malformed(line, "%v", err)
			}
			headerPending = false
			continue
		}

		entry, err := parseRow(record, cols)
		if err != nil {
			return nil, malformed(line, "%v", err)
		}
		entry.Line = line
		entries = append(entries, entry)
	}

	if len(entries) == 0 {
		return nil, malformed(0, "no rows")
	}
	if err := normalize(entries, name); err != nil {
		return nil, err
	}
	return build(entries, name, expected)
}

func blankRecord(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func positionalColumns(contract config.OrderListContract) columns {
	cols := columns{dose: -1}
	cols.index, _ = strconv.Atoi(contract.IndexColumn)
	cols.angle, _ = strconv.Atoi(contract.AngleColumn)
	if contract.DoseColumn != "" {
		cols.dose, _ = strconv.Atoi(contract.DoseColumn)
	}
	return cols
}

func namedColumns(header []string, contract config.OrderListContract) (columns, error) {
	find := func(name string) int {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), name) {
				return i
			}
		}
		return -1
	}

	cols := columns{index: find(contract.IndexColumn), angle: find(contract.AngleColumn), dose: -1}
	if cols.index < 0 {
		return cols, fmt.Errorf("header has no column %q", contract.IndexColumn)
	}
	if cols.angle < 0 {
		return cols, fmt.Errorf("header has no column %q", contract.AngleColumn)
	}
	if contract.DoseColumn != "" {
		if cols.dose = find(contract.DoseColumn); cols.dose < 0 {
			return cols, fmt.Errorf("header has no column %q", contract.DoseColumn)
		}
	}
	return cols, nil
}

func parseRow(record []string, cols columns) (models.OrderListEntry, error) {
	var entry models.OrderListEntry

	field := func(pos int) (string, error) {
		if pos >= len(record) {
			return "", fmt.Errorf("row has %d columns, need column %d", len(record), pos)
		}
		return strings.TrimSpace(record[pos]), nil
	}

	text, err := field(cols.index)
	if err != nil {
		return entry, err
	}
	if entry.Index, err = strconv.Atoi(text); err != nil {
		return entry, fmt.Errorf("bad acquisition index %q", text)
	}

	if text, err = field(cols.angle); err != nil {
		return entry, err
	}
	if entry.Angle, err = strconv.ParseFloat(text, 64); err != nil {
		return entry, fmt.Errorf("bad angle %q", text)
	}
	entry.AngleText = text

	if cols.dose >= 0 {
		if text, err = field(cols.dose); err != nil {
			return entry, err
		}
		if entry.Dose, err = strconv.ParseFloat(text, 64); err != nil {
			return entry, fmt.Errorf("bad dose %q", text)
		}
		entry.HasDose = true
	}
	return entry, nil
}

// normalize shifts 0-based lists to start at 1
func normalize(entries []models.OrderListEntry, name string) error {
	lowest := entries[0].Index
	for _, e := range entries {
		if e.Index < lowest {
			lowest = e.Index
		}
	}
	switch {
	case lowest == 0:
		for i := range entries {
			entries[i].Index++
		}
	case lowest < 0:
		return &tperrors.OrderListError{
			Kind:    tperrors.ErrOrderListMalformed,
			Path:    name,
			Indices: []int{lowest},
			Message: "negative acquisition index",
		}
	}
	return nil
}

func build(entries []models.OrderListEntry, name string, expected int) (*List, error) {
	l := &List{Path: name, byIndex: make(map[int]models.OrderListEntry, len(entries))}

	var dups []int
	dupLine := 0
	highest := 0
	for _, e := range entries {
		if _, seen := l.byIndex[e.Index]; seen {
			dups = append(dups, e.Index)
			if dupLine == 0 {
				dupLine = e.Line
			}
			continue
		}
		l.byIndex[e.Index] = e
		if e.Index > highest {
			highest = e.Index
		}
	}
	if len(dups) > 0 {
		return nil, &tperrors.OrderListError{
			Kind:    tperrors.ErrOrderListDuplicate,
			Path:    name,
			Line:    dupLine,
			Indices: dups,
		}
	}

	top := highest
	if expected > top {
		top = expected
	}
	var missing []int
	for i := 1; i <= top; i++ {
		if _, ok := l.byIndex[i]; !ok {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return nil, &tperrors.OrderListError{
			Kind:    tperrors.ErrOrderListIncomplete,
			Path:    name,
			Indices: missing,
			Message: fmt.Sprintf("%d of %d acquisitions listed, regenerate the order list", len(l.byIndex), top),
		}
	}

	l.Entries = make([]models.OrderListEntry, 0, len(l.byIndex))
	for _, e := range l.byIndex {
		l.Entries = append(l.Entries, e)
	}
	sort.Slice(l.Entries, func(i, j int) bool { return l.Entries[i].Index < l.Entries[j].Index })
	return l, nil
}
