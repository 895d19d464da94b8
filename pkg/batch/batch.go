// Package batch runs one function per tomogram folder on a bounded worker
// pool and collects a per-unit outcome for every folder it was given.
//
// A unit that fails never stops its siblings. The report is the only thing
// workers share.
package batch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	tperrors "tomoprep/pkg/errors"
)

// Status is the final state of one unit
type Status string

const (
	StatusSuccess  Status = "success"
	StatusWarnings Status = "success-with-warnings"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
)

// ErrSkip is returned by a unit function that decided not to process its unit
var ErrSkip = tperrors.New("skipped")

// Unit is one tomogram folder
type Unit struct {
	// Name is the tomogram name, the base name of Dir
	Name string

	Dir string
}

// Discover returns the units under root. Without recursive the root itself
// is the only unit; with it every immediate non-hidden subdirectory is one.
func Discover(root string, recursive bool) ([]Unit, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, tperrors.NewValidationError("input", root, "not a directory")
	}
	root = filepath.Clean(root)

	if !recursive {
		return []Unit{{Name: filepath.Base(root), Dir: root}}, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var units []Unit
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		units = append(units, Unit{Name: e.Name(), Dir: filepath.Join(root, e.Name())})
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("%s: %w", root, tperrors.ErrNoUnits)
	}
	return units, nil
}

// Func processes one unit. Warnings are kept even when err is set.
type Func func(ctx context.Context, u Unit) ([]tperrors.Warning, error)

// Outcome is the result of one unit
type Outcome struct {
	Unit     string
	Status   Status
	Warnings []tperrors.Warning
	Err      error
	Duration time.Duration
}

// Reason is a one-line explanation for a non-success outcome
func (o Outcome) Reason() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	parts := make([]string, len(o.Warnings))
	for i, w := range o.Warnings {
		parts[i] = w.String()
	}
	return strings.Join(parts, "; ")
}

func outcome(name string, warnings []tperrors.Warning, err error) Outcome {
	o := Outcome{Unit: name, Warnings: warnings, Err: err}
	switch {
	case err == nil && len(warnings) == 0:
		o.Status = StatusSuccess
	case err == nil:
		o.Status = StatusWarnings
	case tperrors.Is(err, ErrSkip):
		o.Status = StatusSkipped
		o.Err = nil
	default:
		o.Status = StatusFailed
	}
	return o
}

// Runner holds the settings of a batch run
type Runner struct {
	// Tool names the command in the report and the ledger
	Tool string

	// Workers bounds the number of units processed at once
	Workers int

	Log zerolog.Logger

	// OnDone, when set, is called once per finished unit. Calls are
	// serialized.
	OnDone func(runID string, o Outcome)
}

// Run processes units with up to workers goroutines and no logging
func Run(ctx context.Context, units []Unit, workers int, fn Func) *Report {
	r := &Runner{Workers: workers, Log: zerolog.Nop()}
	return r.Run(ctx, units, fn)
}

// Run processes every unit and returns the report. Cancelling ctx stops
// dispatch; units not yet started are reported as skipped.
func (r *Runner) Run(ctx context.Context, units []Unit, fn Func) *Report {
	workers := r.Workers
	if workers < 1 {
		workers = 1
	}
	rep := &Report{
		RunID:    uuid.New().String(),
		Tool:     r.Tool,
		Started:  time.Now(),
		Outcomes: make([]Outcome, len(units)),
	}
	log := r.Log.With().Str("run", rep.RunID).Logger()
	log.Info().Int("units", len(units)).Int("workers", workers).Msg("batch started")

	var mu sync.Mutex
	done := func(i int, o Outcome) {
		rep.Outcomes[i] = o
		ev := log.Info()
		if o.Status == StatusFailed {
			ev = log.Error().Err(o.Err)
		} else if o.Status == StatusWarnings {
			ev = log.Warn().Str("warnings", o.Reason())
		}
		ev.Str("unit", o.Unit).Str("status", string(o.Status)).Dur("took", o.Duration).Msg("unit finished")
		if r.OnDone != nil {
			mu.Lock()
			r.OnDone(rep.RunID, o)
			mu.Unlock()
		}
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i, u := range units {
		if ctx.Err() != nil {
			done(i, Outcome{Unit: u.Name, Status: StatusSkipped, Err: ctx.Err()})
			continue
		}
		i, u := i, u // per-iteration copies (go 1.21 loop semantics)
		g.Go(func() error {
			start := time.Now()
			warnings, err := protect(ctx, u, fn)
			o := outcome(u.Name, warnings, err)
			o.Duration = time.Since(start)
			done(i, o)
			return nil
		})
	}
	_ = g.Wait()

	rep.Finished = time.Now()
	sort.SliceStable(rep.Outcomes, func(i, j int) bool { return rep.Outcomes[i].Unit < rep.Outcomes[j].Unit })

	c := rep.Counts()
	log.Info().
		Int(string(StatusSuccess), c[StatusSuccess]).
		Int(string(StatusWarnings), c[StatusWarnings]).
		Int(string(StatusFailed), c[StatusFailed]).
		Int(string(StatusSkipped), c[StatusSkipped]).
		Msg("batch finished")
	return rep
}

// protect turns a panic in fn into a failure of that unit alone
func protect(ctx context.Context, u Unit, fn Func) (warnings []tperrors.Warning, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, u)
}

// Report is the result of a batch run
type Report struct {
	RunID    string
	Tool     string
	Started  time.Time
	Finished time.Time

	// Outcomes are sorted by unit name
	Outcomes []Outcome
}

// Counts returns the number of units per status
func (r *Report) Counts() map[Status]int {
	c := make(map[Status]int, 4)
	for _, o := range r.Outcomes {
		c[o.Status]++
	}
	return c
}

// NonSuccess returns the outcomes that need attention: warnings, failures
// and skips
func (r *Report) NonSuccess() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status != StatusSuccess {
			out = append(out, o)
		}
	}
	return out
}

// Outcome returns the outcome of the named unit
func (r *Report) Outcome(unit string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Unit == unit {
			return o, true
		}
	}
	return Outcome{}, false
}

// Summary writes the non-success units as a table followed by the totals
func (r *Report) Summary(w io.Writer) error {
	c := r.Counts()
	name := r.Tool
	if name == "" {
		name = "batch"
	}
	if _, err := fmt.Fprintf(w, "%s: %d tomograms, %d success, %d with warnings, %d failed, %d skipped (%s)\n",
		name, len(r.Outcomes), c[StatusSuccess], c[StatusWarnings], c[StatusFailed], c[StatusSkipped],
		r.Finished.Sub(r.Started).Round(time.Millisecond)); err != nil {
		return err
	}

	attention := r.NonSuccess()
	if len(attention) == 0 {
		return nil
	}
	table := tablewriter.NewTable(w)
	table.Header("Tomogram", "Status", "Kind", "Reason")
	for _, o := range attention {
		if err := table.Append(o.Unit, string(o.Status), kind(o), o.Reason()); err != nil {
			return err
		}
	}
	return table.Render()
}

func kind(o Outcome) string {
	if o.Err != nil {
		if k := tperrors.Kind(o.Err); k != nil {
			return k.Error()
		}
		return "error"
	}
	kinds := make([]string, 0, len(o.Warnings))
	seen := make(map[string]bool)
	for _, w := range o.Warnings {
		if k := w.Kind.Error(); !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return strings.Join(kinds, ", ")
}
