package trustregion

import (
	"testing"

	"github.com/odrfit/odrfit/odr/internal/step"
)

func TestFindAcceptsGaussNewtonWhenInsideRegion(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	y := []float64{3, 5, 7, 9, 11}
	n := len(x)
	fjacb := make([][][]float64, n)
	f := make([][]float64, n)
	for i := range x {
		fjacb[i] = [][]float64{{1, x[i]}}
		f[i] = []float64{0 - y[i]}
	}
	p := &step.Problem{
		N: n, Nq: 1, Npp: 2, FJacB: fjacb, F: f,
		Sb: []float64{1, 1}, EpsFcn: 1e-10,
	}
	out, err := Find(p, 1e6, 0, 1, 1)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if out.Nlms != GaussNewton {
		t.Fatalf("expected GaussNewton with a huge trust region, got nlms=%d (alpha=%g)", out.Nlms, out.Alpha)
	}
}
