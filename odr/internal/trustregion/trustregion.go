// Package trustregion finds the Levenberg-Marquardt parameter alpha that
// realizes phi(alpha) ~ 0 for the current trust-region radius, choosing
// between a full Gauss-Newton step, a locally constrained LM step, and a
// best-effort step when the search budget runs out.
package trustregion

import (
	"math"

	"github.com/odrfit/odrfit/odr/internal/step"
)

// Nlms classifies how the accepted step was obtained.
type Nlms int

const (
	// GaussNewton: the unconstrained (alpha=0) step already lies inside the
	// trust region.
	GaussNewton Nlms = 1
	// LMConstrained: a positive alpha was found satisfying the tolerance.
	LMConstrained Nlms = 2
	// BestEffort: no alpha satisfied the tolerance within the iteration
	// budget; the last trial is accepted anyway.
	BestEffort Nlms = 12
)

const maxAlphaIterations = 10

// Outcome is the result of one controller invocation.
type Outcome struct {
	Step  *step.Result
	Alpha float64
	Nlms  Nlms
}

// Find searches for alpha realizing |phi(alpha)| <= 0.1*tau, starting from
// alphaStart, the previous accepted alpha, as a warm start.
func Find(p *step.Problem, tau, alphaStart, gradNorm, jNorm float64) (*Outcome, error) {
	res0, err := step.Solve(p, 0, tau)
	if err != nil {
		return nil, err
	}
	if res0.Phi <= 0.1*tau {
		return &Outcome{Step: res0, Alpha: 0, Nlms: GaussNewton}, nil
	}

	// Moré-style bounds on alpha.
	lower := 0.0
	if jNorm > 0 {
		lower = math.Max(0, -(res0.Phi+tau)/tau*gradNorm/jNorm)
	}
	upper := gradNorm / tau
	if upper <= 0 {
		upper = 1
	}

	alpha1, phi1 := 0.0, res0.Phi
	alpha2 := alphaStart
	if alpha2 <= 0 {
		alpha2 = math.Max(0.001*upper, math.Sqrt(lower*upper))
		if alpha2 <= 0 {
			alpha2 = 1
		}
	}

	var last *step.Result
	for iter := 0; iter < maxAlphaIterations; iter++ {
		res, err := step.Solve(p, alpha2, tau)
		if err != nil {
			return nil, err
		}
		last = res
		phi2 := res.Phi
		if math.Abs(phi2) <= 0.1*tau {
			return &Outcome{Step: res, Alpha: alpha2, Nlms: LMConstrained}, nil
		}
		if phi2 < 0 {
			upper = math.Min(upper, alpha2)
		} else {
			lower = math.Max(lower, alpha2)
		}

		// Secant step.
		var alphaNext float64
		if phi1 != phi2 {
			alphaNext = alpha2 - phi2*(alpha1-alpha2)/(phi1-phi2)*(phi1+tau)/tau
		}
		if alphaNext <= lower || alphaNext >= upper || phi1 == phi2 {
			alphaNext = math.Sqrt(math.Max(lower, 1e-12) * math.Max(upper, lower+1e-12))
		}
		alpha1, phi1 = alpha2, phi2
		alpha2 = alphaNext
	}

	return &Outcome{Step: last, Alpha: alpha2, Nlms: BestEffort}, nil
}
