// Package errors provides the error taxonomy for tomoprep.
// Sentinels identify a failure class with errors.Is; the typed errors carry
// the per-tomogram details that end up in the run summary.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// New returns an error that formats as the given text.
var New = errors.New

// Is, As and Unwrap mirror the standard library so callers need a single import.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
)

// Failure classes
var (
	// ErrCountMismatch indicates the stack and the angle file disagree on the number of tilts
	ErrCountMismatch = errors.New("count mismatch")

	// ErrOrderListIncomplete indicates acquisition indices are missing from an order list
	ErrOrderListIncomplete = errors.New("order list incomplete")

	// ErrOrderListDuplicate indicates an acquisition index appears more than once
	ErrOrderListDuplicate = errors.New("order list duplicate")

	// ErrOrderListMalformed indicates an order list row could not be parsed
	ErrOrderListMalformed = errors.New("order list malformed")

	// ErrJoinGap indicates an acquisition index present in one source but not another
	ErrJoinGap = errors.New("join gap")

	// ErrMissingSecondTilt flags a tilt series without its second acquisition;
	// the dose column of such a record is known to be wrong
	ErrMissingSecondTilt = errors.New("missing second tilt")

	// ErrAngleParse indicates a non-numeric line in an angle file
	ErrAngleParse = errors.New("angle parse error")

	// ErrUnmatchedParticles indicates particles whose tomogram is not known
	ErrUnmatchedParticles = errors.New("unmatched particles")

	// ErrWriteFailure indicates an output could not be written
	ErrWriteFailure = errors.New("write failure")

	// ErrNoUnits indicates a batch with nothing to process
	ErrNoUnits = errors.New("no tomograms found")

	// ErrInvalidInput indicates invalid parameters or inputs
	ErrInvalidInput = errors.New("invalid input")
)

// CountMismatchError reports a stack whose section count differs from the angle count
type CountMismatchError struct {
	Path     string
	Sections int
	Expected int
}

// Error implements the error interface
func (e *CountMismatchError) Error() string {
	return fmt.Sprintf("%s: %d sections, expected %d", e.Path, e.Sections, e.Expected)
}

// Is implements errors.Is support
func (e *CountMismatchError) Is(target error) bool {
	return target == ErrCountMismatch
}

// OrderListError reports an order list integrity failure
type OrderListError struct {
	Kind    error // one of the ErrOrderList* sentinels
	Path    string
	Line    int
	Indices []int
	Message string
}

// Error implements the error interface
func (e *OrderListError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Path != "" {
		b.WriteString(": ")
		b.WriteString(e.Path)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " line %d", e.Line)
	}
	if len(e.Indices) > 0 {
		fmt.Fprintf(&b, " indices %s", formatInts(e.Indices))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Is implements errors.Is support
func (e *OrderListError) Is(target error) bool {
	return target == e.Kind
}

// AngleParseError reports a non-numeric line in an angle file
type AngleParseError struct {
	Path string
	Line int
	Text string
}

// Error implements the error interface
func (e *AngleParseError) Error() string {
	return fmt.Sprintf("%s line %d: cannot parse angle %q", e.Path, e.Line, e.Text)
}

// Is implements errors.Is support
func (e *AngleParseError) Is(target error) bool {
	return target == ErrAngleParse
}

// WriteError wraps a disk-level failure for one output
type WriteError struct {
	Path string
	Err  error
}

// Error implements the error interface
func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *WriteError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *WriteError) Is(target error) bool {
	return target == ErrWriteFailure
}

// ValidationError represents a validation failure of a parameter
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("invalid input: %s", e.Message)
}

// Is implements errors.Is support
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidationError creates a new ValidationError
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// Warning is a non-fatal finding attached to a unit of work
type Warning struct {
	Kind    error
	Message string
}

// String formats the warning for logs and summaries
func (w Warning) String() string {
	if w.Message == "" {
		return w.Kind.Error()
	}
	return w.Kind.Error() + ": " + w.Message
}

// Warnf builds a Warning of the given kind
func Warnf(kind error, format string, args ...interface{}) Warning {
	return Warning{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// HasWarning reports whether ws contains a warning of the given kind
func HasWarning(ws []Warning, kind error) bool {
	for _, w := range ws {
		if w.Kind == kind {
			return true
		}
	}
	return false
}

// Kind returns the sentinel an error belongs to, or nil when it matches none.
// Summaries use it to print a short reason per failed unit.
func Kind(err error) error {
	for _, k := range []error{
		ErrCountMismatch,
		ErrOrderListIncomplete,
		ErrOrderListDuplicate,
		ErrOrderListMalformed,
		ErrAngleParse,
		ErrWriteFailure,
		ErrInvalidInput,
		ErrNoUnits,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

func formatInts(v []int) string {
	s := append([]int(nil), v...)
	sort.Ints(s)
	parts := make([]string, len(s))
	for i, n := range s {
		parts[i] = fmt.Sprint(n)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
