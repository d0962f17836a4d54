package odr

import (
	"fmt"
	"io"

	"github.com/odrfit/odrfit/odr/odrerr"
)

// IterationReport carries per-outer-iteration diagnostics to an injectable
// callback, so a caller can log, plot, or otherwise observe progress
// without the solver dictating how it is printed.
type IterationReport struct {
	Iteration int
	Beta      []float64
	Delta     [][]float64
	Rnorm     float64
	Tau       float64
	Alpha     float64
	Nlms      int
	Irank     int
	Penalty   float64 // implicit-model continuation parameter; 0 for explicit/OLS
}

// ReportFunc is called once per accepted outer iteration when set on
// Options. A nil ReportFunc disables reporting entirely.
type ReportFunc func(IterationReport)

// TextReporter formats one line per accepted outer iteration to w, the same
// way the teacher's PrintCoefficients/PrintForecast write directly to
// os.Stdout, generalized into an injectable io.Writer sink instead of a
// hardcoded stream.
type TextReporter struct {
	W io.Writer
}

// Report implements the ReportFunc signature via a bound method value
// (TextReporter{W: w}.Report), so it can be assigned directly to
// Options.Report.
func (t TextReporter) Report(r IterationReport) {
	fmt.Fprintf(t.W, "iter %3d  rnorm=%.6g  tau=%.3g  alpha=%.3g  nlms=%d  irank=%d\n",
		r.Iteration, r.Rnorm, r.Tau, r.Alpha, r.Nlms, r.Irank)
}

// Result is the terminal state of a solve: the estimated parameters, the
// corresponding delta (zero/nil for OLS), fit statistics, and the
// structured Outcome describing why iteration stopped.
type Result struct {
	Beta  []float64
	Delta [][]float64

	Fn    [][]float64 // model evaluated at the final iterate
	Rnorm float64     // sqrt(weighted sum of squares)

	Niter, Nfev, Njev int
	Irank             int
	Sd                []float64 // standard deviations; the solver does not compute them, so Sd is always nil

	Outcome odrerr.Outcome
}

// Err returns the terminal Outcome as an error, or nil if the solve
// converged cleanly with no warnings.
func (r *Result) Err() error {
	if r.Outcome.Kind == odrerr.Converged && len(r.Outcome.Warnings) == 0 {
		return nil
	}
	return r.Outcome
}
