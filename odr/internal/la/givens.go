package la

import "math"

// Givens computes cosine/sine (c, s) of the rotation that zeros b against a:
//
//	[ c  s] [a]   [r]
//	[-s  c] [b] = [0]
func Givens(a, b float64) (c, s float64) {
	if b == 0 {
		return 1, 0
	}
	if math.Abs(b) > math.Abs(a) {
		t := a / b
		s = 1 / math.Sqrt(1+t*t)
		c = s * t
		return c, s
	}
	t := b / a
	c = 1 / math.Sqrt(1+t*t)
	s = c * t
	return c, s
}

// EliminateRow computes the Givens rotation that zeros rowReg[0] against
// rowR[0] and applies it in place to both coefficient rows and to their
// right-hand-side entries rhsR and rhsReg.
func EliminateRow(rowR, rowReg []float64, rhsR, rhsReg *float64) {
	c, s := Givens(rowR[0], rowReg[0])
	for j := range rowR {
		ri, rj := rowR[j], rowReg[j]
		rowR[j] = c*ri + s*rj
		rowReg[j] = -s*ri + c*rj
	}
	a, b := *rhsR, *rhsReg
	*rhsR = c*a + s*b
	*rhsReg = -s*a + c*b
}
