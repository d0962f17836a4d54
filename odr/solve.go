package odr

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/odrfit/odrfit/odr/internal/derivcheck"
	"github.com/odrfit/odrfit/odr/internal/jacobian"
	"github.com/odrfit/odrfit/odr/internal/modeltypes"
	"github.com/odrfit/odrfit/odr/internal/scale"
	"github.com/odrfit/odrfit/odr/internal/step"
	"github.com/odrfit/odrfit/odr/internal/trustregion"
	"github.com/odrfit/odrfit/odr/internal/weight"
	"github.com/odrfit/odrfit/odr/internal/workspace"
	"github.com/odrfit/odrfit/odr/odrerr"
)

// ErrDimensionMismatch is returned for inconsistent X/Y/fix-mask shapes
// before any model evaluation is attempted.
var ErrDimensionMismatch = errors.New("odr: inconsistent problem dimensions")

const maxSubIterations = 100

// Solve runs a full fit from an initial parameter guess. A zero Options
// combined with DefaultOptions reproduces the short-call defaults.
func Solve(data Data, model Model, beta0 []float64, opts Options) (*Result, error) {
	d, err := newDriver(data, model, beta0, opts)
	if err != nil {
		return nil, err
	}
	return d.run()
}

// Restart resumes a previously saved workspace.State (for example after
// raising MaxIt on a prior non-convergent solve), continuing from its Beta
// and Delta. Scales and the neta estimate are recomputed as in Solve.
func Restart(ws *workspace.State, data Data, model Model, opts Options) (*Result, error) {
	d, err := newDriver(data, model, ws.Beta, opts)
	if err != nil {
		return nil, err
	}
	d.ws = ws
	d.restarted = true
	return d.run()
}

type driver struct {
	data  Data
	model Model
	opts  Options

	n, m, nq, np int
	free         []int // indices k with IFixB[k] != 0

	we1     *weight.ErrFactors
	wdRaw   []*mat.SymDense
	sbFull  []float64
	td      [][]float64
	epsFcn  float64
	neta    int
	nrow    int

	ws        *workspace.State
	restarted bool

	derivWarn bool // set when the once-at-init derivative check flagged disagreement
	rankWarn  bool // set when the SVD rank cross-check disagreed with Chex/Rcond
}

func newDriver(data Data, model Model, beta0 []float64, opts Options) (*driver, error) {
	n := data.N()
	m := data.M()
	np := len(beta0)
	if n == 0 || m == 0 || np == 0 {
		return nil, ErrDimensionMismatch
	}
	nq := opts.Nq
	if opts.Job.Mode != ModeImplicit {
		if len(data.Y) != n {
			return nil, ErrDimensionMismatch
		}
		nq = len(data.Y[0])
		for _, row := range data.Y {
			if len(row) != nq {
				return nil, ErrDimensionMismatch
			}
		}
	}
	if nq == 0 {
		return nil, ErrDimensionMismatch
	}
	for _, row := range data.X {
		if len(row) != m {
			return nil, ErrDimensionMismatch
		}
	}

	d := &driver{data: data, model: model, opts: opts, n: n, m: m, nq: nq, np: np}
	if opts.Job.Mode == ModeImplicit {
		d.data.Y = nil // y is never read for implicit models
	}
	d.free = freeIndices(opts.IFixB, np)
	if len(d.free) == 0 {
		return nil, ErrDimensionMismatch
	}

	sb := opts.Sclb
	if sb == nil {
		sb = scale.AutoScaleBeta(beta0)
	}
	d.sbFull = sb

	td := opts.Scld
	if td == nil && opts.Job.Mode != ModeOLS {
		td = scale.AutoScaleDelta(data.X, n, m)
	}
	d.td = td

	npp := len(d.free)
	we, err := weight.FactorWe(opts.We, n, nq, npp)
	if err != nil {
		return nil, err
	}
	d.we1 = we

	if opts.Job.Mode != ModeOLS {
		wdRaw := make([]*mat.SymDense, n)
		for i := 0; i < n; i++ {
			wdRaw[i] = opts.Wd.At(i, m)
		}
		if _, err := weight.FactorWd(opts.Wd, n, m); err != nil {
			return nil, err
		}
		d.wdRaw = wdRaw
	}

	d.epsFcn = epsFcnOf(opts)
	d.nrow = scale.RepresentativeRow(data.X, n, m)

	delta := opts.InitialDelta
	if delta == nil || opts.Job.InitialDelta != InitialDeltaProvided {
		delta = zeroMatrix(n, m)
	}
	d.ws = &workspace.State{Beta: append([]float64(nil), beta0...), Delta: delta}

	xplusd := addMatrices(data.X, delta)
	if opts.Ndigit > 0 {
		d.neta = opts.Ndigit
	} else {
		d.neta = scale.EstimateNeta(model, d.ws.Beta, xplusd, d.nrow)
	}

	if opts.Job.Jacobian == jacobian.AnalyticChecked {
		we1fns := make([]func(out, in []float64), n)
		for i := range we1fns {
			we1fns[i] = we1Func(d.we1.We1[i])
		}
		engine := &jacobian.Engine{
			Model: model, N: n, M: m, Nq: nq, Np: np,
			IFixB: opts.IFixB, IFixX: opts.IFixX, We1: we1fns,
			Mode: opts.Job.Jacobian, StpB: opts.StpB, StpD: opts.StpD, Neta: d.neta,
			OLS:  opts.Job.Mode == ModeOLS,
		}
		_, _, worst, err := engine.CheckDerivatives(d.ws.Beta, xplusd, d.nrow, delta)
		if err != nil {
			if errors.Is(err, jacobian.ErrFDNonzeroDelta) {
				return nil, odrerr.Outcome{Kind: odrerr.DomainError, Domain: odrerr.JacobianError, Info: odrerr.InfoOLSNonzeroDelta}
			}
			return nil, err
		}
		d.derivWarn = worst
	}

	return d, nil
}

func epsFcnOf(opts Options) float64 {
	if opts.Partol > 0 {
		return opts.Partol
	}
	return math.Pow(scale.Epsmac, 2.0/3.0)
}

func freeIndices(ifixb []int, np int) []int {
	idx := make([]int, 0, np)
	for k := 0; k < np; k++ {
		if ifixb == nil || ifixb[k] != 0 {
			idx = append(idx, k)
		}
	}
	return idx
}

func zeroMatrix(n, m int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, m)
	}
	return out
}

func addMatrices(a, b [][]float64) [][]float64 {
	out := make([][]float64, len(a))
	for i := range a {
		out[i] = make([]float64, len(a[i]))
		for j := range a[i] {
			out[i][j] = a[i][j] + b[i][j]
		}
	}
	return out
}

func we1Func(factor *mat.Dense) func(out, in []float64) {
	r, _ := factor.Dims()
	return func(out, in []float64) {
		inVec := mat.NewVecDense(len(in), append([]float64(nil), in...))
		outVec := mat.NewVecDense(r, nil)
		outVec.MulVec(factor, inVec)
		copy(out, outVec.RawVector().Data)
	}
}

func (d *driver) run() (*Result, error) {
	if d.opts.Job.Mode == ModeImplicit {
		return d.runImplicit()
	}
	return d.runExplicit(0)
}

// runExplicit drives the outer Levenberg-Marquardt loop for the explicit
// ODR and OLS cases. pnlty is ignored (passed as 0) unless called from the
// implicit-model penalty continuation wrapper, in which case a nonzero
// value offsets the residual before computing the weighted sum of squares.
func (d *driver) runExplicit(pnlty float64) (*Result, error) {
	opts := d.opts
	maxit := opts.MaxIt
	if maxit == 0 {
		maxit = 50
	}
	sstol := opts.Sstol
	if sstol == 0 {
		sstol = math.Sqrt(scale.Epsmac)
	}
	partol := opts.Partol
	if partol == 0 {
		partol = math.Pow(scale.Epsmac, 2.0/3.0)
	}

	we1fns := make([]func(out, in []float64), d.n)
	for i := range we1fns {
		we1fns[i] = we1Func(d.we1.We1[i])
	}

	jacEngine := &jacobian.Engine{
		Model: d.model, N: d.n, M: d.m, Nq: d.nq, Np: d.np,
		IFixB: opts.IFixB, IFixX: opts.IFixX, We1: we1fns,
		Mode: opts.Job.Jacobian, StpB: opts.StpB, StpD: opts.StpD, Neta: d.neta,
	}

	sbFree := make([]float64, len(d.free))
	for kk, k := range d.free {
		sbFree[kk] = d.sbFull[k]
	}

	isODR := opts.Job.Mode != ModeOLS

	tau := opts.Taufac
	if tau <= 0 {
		tau = 1
	}
	alpha := 0.0

	var lastOutcome odrerr.Outcome
	niter, nfev, njev := 0, 0, 0
	subIter := 0

	for niter = 1; niter <= maxit; niter++ {
		xplusd := addMatrices(d.data.X, d.ws.Delta)
		raw := d.model.Evaluate(d.ws.Beta, xplusd, modeltypes.EvalF)
		nfev++
		if raw.Istop < 0 {
			return d.cancelled()
		}
		if raw.Istop > 0 {
			o := odrerr.Outcome{Kind: odrerr.NumericalFailure, Info: odrerr.InfoInitialEvalFail}
			return d.finish(o)
		}
		weighted := weightResidual(raw.F, d.data.Y, we1fns, d.n, d.nq, pnlty)
		rnorm := normOf(weighted)

		jacRes, err := jacEngine.Compute(d.ws.Beta, xplusd, raw.F)
		njev++
		if err != nil {
			return nil, err
		}

		prob := &step.Problem{
			N: d.n, M: d.m, Nq: d.nq, Npp: len(d.free),
			FJacB: jacRes.FJacB, FJacD: jacRes.FJacD, F: weighted,
			Delta: d.ws.Delta, Wd: d.wdRaw, Sb: sbFree, Td: d.td,
			EpsFcn: d.epsFcn, Implicit: isODR,
		}

		gradNorm, jNorm := gradAndJacNorm(prob)
		outc, err := trustregion.Find(prob, tau, alpha, gradNorm, jNorm)
		if err != nil {
			return nil, err
		}
		alpha = outc.Alpha

		betaTrial := append([]float64(nil), d.ws.Beta...)
		for kk, k := range d.free {
			betaTrial[k] += outc.Step.S[kk]
		}
		var deltaTrial [][]float64
		if isODR {
			deltaTrial = addMatrices(d.ws.Delta, outc.Step.T)
		} else {
			deltaTrial = d.ws.Delta
		}

		xplusdTrial := addMatrices(d.data.X, deltaTrial)
		trialRaw := d.model.Evaluate(betaTrial, xplusdTrial, modeltypes.EvalF)
		nfev++
		if trialRaw.Istop < 0 {
			return d.cancelled()
		}

		var rnormTrial float64
		if trialRaw.Istop > 0 {
			// Positive istop during the trust-region search scores the
			// current trial step as catastrophically worse, which the ratio
			// test below turns into a region shrink and a retry.
			rnormTrial = rnorm / 0.075
		} else {
			weightedTrial := weightResidual(trialRaw.F, d.data.Y, we1fns, d.n, d.nq, pnlty)
			rnormTrial = normOf(weightedTrial)
		}

		actualRed := rnorm*rnorm - rnormTrial*rnormTrial
		predRed := predictedReduction(prob, outc.Step)
		ratio := 1.0
		if predRed > 0 {
			ratio = actualRed / predRed
		} else if actualRed <= 0 {
			ratio = 0
		}

		// Trust-region shrink (§4.6 step 5): applies whenever rho < 0.25,
		// independent of whether the step below is accepted or rejected.
		if ratio < 0.25 {
			tau, alpha = shrinkTrustRegion(tau, alpha, predRed, actualRed)
		}

		if ratio < 1e-4 {
			subIter++
			if subIter > maxSubIterations {
				lastOutcome = odrerr.Outcome{Kind: odrerr.NumericalFailure, Info: odrerr.InfoNumericalFail}
				return d.finish(lastOutcome)
			}
			niter--
			continue
		}
		subIter = 0

		if outc.Step.Irank > 0 && outc.Step.SVDRank >= 0 && outc.Step.SVDRank != len(d.free)-outc.Step.Irank {
			d.rankWarn = true
		}

		d.ws.Beta = betaTrial
		d.ws.Delta = deltaTrial
		d.ws.Rnorm = rnormTrial
		d.ws.Alpha = alpha
		d.ws.Tau = tau
		d.ws.Niter = niter
		d.ws.Nfev = nfev
		d.ws.Njev = njev
		d.ws.Irank = outc.Step.Irank

		// Internal doubling (§4.6 step 5): a high-gain Gauss-Newton or
		// LM-constrained step gets one free retry at twice its realized step
		// norm and half its alpha, reusing the Jacobian already built this
		// iteration; a worse doubled step is rolled back via the workspace
		// shadow copy instead of being committed.
		if ratio > 0.75 && outc.Nlms != trustregion.BestEffort {
			var derr error
			tau, alpha, nfev, derr = d.attemptInternalDouble(prob, gradNorm, jNorm, tau, outc.Step.Phi, we1fns, pnlty, isODR, nfev)
			if derr != nil {
				return nil, derr
			}
			d.ws.Nfev = nfev
		}

		if opts.Report != nil {
			opts.Report(IterationReport{
				Iteration: niter, Beta: append([]float64(nil), d.ws.Beta...),
				Delta: d.ws.Delta, Rnorm: d.ws.Rnorm, Tau: tau, Alpha: alpha,
				Nlms: int(outc.Nlms), Irank: outc.Step.Irank, Penalty: pnlty,
			})
		}

		ssConverged := math.Abs(rnorm-d.ws.Rnorm) <= sstol*rnorm
		parConverged := paramStepSmall(outc.Step.S, d.ws.Beta, d.free, sbFree, partol)
		switch {
		case ssConverged && parConverged:
			lastOutcome = odrerr.Outcome{Kind: odrerr.Converged, Reason: odrerr.ReasonBoth, Info: odrerr.InfoBoth}
			return d.finish(lastOutcome)
		case ssConverged:
			lastOutcome = odrerr.Outcome{Kind: odrerr.Converged, Reason: odrerr.ReasonSumOfSquares, Info: odrerr.InfoSumOfSquares}
			return d.finish(lastOutcome)
		case parConverged:
			lastOutcome = odrerr.Outcome{Kind: odrerr.Converged, Reason: odrerr.ReasonParameter, Info: odrerr.InfoParameter}
			return d.finish(lastOutcome)
		}
	}
	lastOutcome = odrerr.Outcome{Kind: odrerr.IterationLimit, Reason: odrerr.ReasonIterationLimit, Info: odrerr.InfoIterationLimit}
	return d.finish(lastOutcome)
}

func (d *driver) cancelled() (*Result, error) {
	o := odrerr.Outcome{Kind: odrerr.UserCancelled, Info: odrerr.InfoCancelled}
	return d.finish(o)
}

func (d *driver) finish(o odrerr.Outcome) (*Result, error) {
	if d.derivWarn {
		o = o.WithWarning(odrerr.InfoDerivMismatch+derivcheck.InfoContribution(d.derivWarn), "analytic Jacobian disagreed with finite differences at the representative row")
	}
	if d.rankWarn {
		o = o.WithWarning(odrerr.InfoRankMismatch, "SVD rank cross-check disagreed with the incremental Chex/Rcond rank determination")
	}
	xplusd := addMatrices(d.data.X, d.ws.Delta)
	out := d.model.Evaluate(d.ws.Beta, xplusd, modeltypes.EvalF)
	return &Result{
		Beta: d.ws.Beta, Delta: d.ws.Delta, Fn: out.F, Rnorm: d.ws.Rnorm,
		Niter: d.ws.Niter, Nfev: d.ws.Nfev, Njev: d.ws.Njev, Irank: d.ws.Irank,
		Outcome: o,
	}, nil
}

// runImplicit wraps runExplicit in the penalty-continuation loop required
// for implicit models: a sequence of explicit solves at geometrically
// increasing penalty weight 10^pnlty, each warm-started from the previous
// solve's beta, until two successive solves agree to partol or the
// penalty exceeds PenaltyMax.
func (d *driver) runImplicit() (*Result, error) {
	pnlty := d.opts.PenaltyInit
	if pnlty == 0 {
		pnlty = -10
	}
	fac := d.opts.PenaltyFac
	if fac == 0 {
		fac = 10
	}
	maxPnlty := d.opts.PenaltyMax
	if maxPnlty == 0 {
		maxPnlty = 1000
	}

	var prev *Result
	for math.Pow(10, pnlty) <= maxPnlty {
		res, err := d.runExplicit(math.Pow(10, pnlty))
		if err != nil {
			return nil, err
		}
		if res.Outcome.Kind == odrerr.UserCancelled || res.Outcome.Kind == odrerr.NumericalFailure {
			return res, nil
		}
		if prev != nil && betaConverged(prev.Beta, res.Beta, d.opts.Partol) {
			res.Outcome = odrerr.Outcome{Kind: odrerr.Converged, Reason: odrerr.ReasonParameter, Info: odrerr.InfoParameter}
			return res, nil
		}
		prev = res
		d.ws.Beta = res.Beta
		pnlty = math.Log10(math.Pow(10, pnlty) * fac)
	}
	if prev == nil {
		return nil, errors.New("odr: implicit penalty continuation produced no solve")
	}
	prev.Outcome = odrerr.Outcome{Kind: odrerr.IterationLimit, Info: odrerr.InfoIterationLimit}
	return prev, nil
}

func betaConverged(a, b []float64, tol float64) bool {
	if tol <= 0 {
		tol = math.Pow(scale.Epsmac, 2.0/3.0)
	}
	var num, den float64
	for i := range a {
		num += (a[i] - b[i]) * (a[i] - b[i])
		den += a[i] * a[i]
	}
	if den == 0 {
		return num == 0
	}
	return math.Sqrt(num/den) <= tol
}

// weightResidual returns We1_i (fn_i - y_i + pnlty) per observation; y is nil
// for implicit models, which have no response to subtract.
func weightResidual(raw, y [][]float64, we1 []func(out, in []float64), n, nq int, pnlty float64) [][]float64 {
	out := make([][]float64, n)
	tmp := make([]float64, nq)
	res := make([]float64, nq)
	for i := 0; i < n; i++ {
		for l := 0; l < nq; l++ {
			tmp[l] = raw[i][l] + pnlty
			if y != nil {
				tmp[l] -= y[i][l]
			}
		}
		we1[i](res, tmp)
		out[i] = append([]float64(nil), res...)
	}
	return out
}

// normOf flattens the weighted residual matrix and takes its Euclidean
// norm via floats.Norm, the way other_examples's lmopt.go computes its own
// Levenberg-Marquardt residual norm.
func normOf(m [][]float64) float64 {
	flat := make([]float64, 0, len(m)*len(m[0]))
	for _, row := range m {
		flat = append(flat, row...)
	}
	return floats.Norm(flat, 2)
}

// gradAndJacNorm reports the scaled gradient norm ||J^T f|| and the
// Frobenius norm of the stacked, scaled Jacobian, the two quantities the
// Levenberg-Marquardt parameter search needs to bracket alpha.
func gradAndJacNorm(p *step.Problem) (gradNorm, jNorm float64) {
	npp := p.Npp
	grad := make([]float64, npp)
	jacCols := make([]float64, 0, p.N*p.Nq*npp)
	for i := 0; i < p.N; i++ {
		for l := 0; l < p.Nq; l++ {
			row := make([]float64, npp)
			for k := 0; k < npp; k++ {
				v := p.FJacB[i][l][k]
				if p.Sb[k] != 0 {
					v /= p.Sb[k]
				}
				row[k] = v
			}
			floats.AddScaled(grad, p.F[i][l], row)
			jacCols = append(jacCols, row...)
		}
	}
	return floats.Norm(grad, 2), floats.Norm(jacCols, 2)
}

// predictedReduction evaluates the linearized (Gauss-Newton) model's
// predicted decrease in the sum of squares for the accepted step, the
// denominator of the trust-region acceptance ratio.
func predictedReduction(p *step.Problem, s *step.Result) float64 {
	before, after := 0.0, 0.0
	for i := 0; i < p.N; i++ {
		for l := 0; l < p.Nq; l++ {
			f := p.F[i][l]
			before += f * f
			pred := f
			for k := 0; k < p.Npp; k++ {
				pred += p.FJacB[i][l][k] * s.S[k]
			}
			if p.Implicit && s.T != nil {
				for j := 0; j < p.M; j++ {
					pred += p.FJacD[i][l][j] * s.T[i][j]
				}
			}
			after += pred * pred
		}
	}
	return before - after
}

// shrinkTrustRegion implements the §4.6 step 5 shrink rule applied whenever
// the gain ratio rho falls below 0.25: tau is scaled by
// clip(0.5*predRed/(predRed-0.5*actualRed), 0.1, 0.5), and alpha grows by
// the reciprocal of that same factor so the next Levenberg-Marquardt search
// starts from a more conservative parameter.
func shrinkTrustRegion(tau, alpha, predRed, actualRed float64) (newTau, newAlpha float64) {
	factor := 0.5
	if denom := predRed - 0.5*actualRed; denom != 0 {
		factor = 0.5 * predRed / denom
	}
	factor = math.Min(0.5, math.Max(0.1, factor))
	newTau = tau * factor
	newAlpha = alpha
	if factor > 0 {
		newAlpha = alpha / factor
	}
	return newTau, newAlpha
}

// attemptInternalDouble re-solves the current outer iteration's step at
// twice the realized trust-region step norm and half the Levenberg-Marquardt
// parameter, without rebuilding the Jacobian or consuming an iteration of
// the outer budget. d.ws must already hold the just-accepted single step;
// on entry it is snapshotted via SaveShadow, and rolled back via
// RestoreShadow if the doubled trial does not improve on it.
func (d *driver) attemptInternalDouble(prob *step.Problem, gradNorm, jNorm, tau, stepPhi float64, we1fns []func(out, in []float64), pnlty float64, isODR bool, nfev int) (newTau, newAlpha float64, newNfev int, err error) {
	baselineRnorm := d.ws.Rnorm
	baselineTau := d.ws.Tau
	baselineAlpha := d.ws.Alpha

	doubledTau := 2 * (stepPhi + tau)
	doubledAlpha := baselineAlpha / 2

	outc2, serr := trustregion.Find(prob, doubledTau, doubledAlpha, gradNorm, jNorm)
	if serr != nil {
		return baselineTau, baselineAlpha, nfev, serr
	}

	d.ws.SaveShadow()

	betaTrial := append([]float64(nil), d.ws.Beta...)
	for kk, k := range d.free {
		betaTrial[k] += outc2.Step.S[kk]
	}
	deltaTrial := d.ws.Delta
	if isODR {
		deltaTrial = addMatrices(d.ws.Delta, outc2.Step.T)
	}

	xplusdTrial := addMatrices(d.data.X, deltaTrial)
	trialRaw := d.model.Evaluate(betaTrial, xplusdTrial, modeltypes.EvalF)
	nfev++
	if trialRaw.Istop != 0 {
		// Cancellation or a temporary model failure during the doubling
		// retry rejects the double; the already-accepted single step stands.
		d.ws.RestoreShadow()
		return baselineTau, baselineAlpha, nfev, nil
	}

	weightedTrial := weightResidual(trialRaw.F, d.data.Y, we1fns, d.n, d.nq, pnlty)
	rnormTrial := normOf(weightedTrial)
	if rnormTrial >= baselineRnorm {
		d.ws.RestoreShadow()
		return baselineTau, baselineAlpha, nfev, nil
	}

	d.ws.Beta = betaTrial
	d.ws.Delta = deltaTrial
	d.ws.Rnorm = rnormTrial
	d.ws.Alpha = outc2.Alpha
	d.ws.Tau = doubledTau

	return doubledTau, outc2.Alpha, nfev, nil
}

func paramStepSmall(s []float64, beta []float64, free []int, sb []float64, partol float64) bool {
	num, den := 0.0, 0.0
	for kk, k := range free {
		scaled := sb[kk] * s[kk]
		num += scaled * scaled
		d := sb[kk] * beta[k]
		den += d * d
	}
	if den == 0 {
		return math.Sqrt(num) <= partol
	}
	return math.Sqrt(num/den) <= partol
}
