// Package la provides thin, well-typed linear-algebra primitives on top of
// gonum.org/v1/gonum/mat: column-pivoted QR, modified Cholesky, triangular
// solves and Givens rotations. These are the only matrix operations the ODR
// solver needs; every routine reports numerical failure through an error
// value instead of letting a NaN propagate silently.
package la

import "errors"

// ErrNotPositiveDefinite is returned by Cholesky when the matrix is
// indefinite, or under the strict flag, when a zero pivot is encountered.
var ErrNotPositiveDefinite = errors.New("la: matrix is not positive (semi)definite")

// ErrSingular reports a zero diagonal entry in a triangular system. The
// triangular solves in this package do not return it: they set the unknown
// of such an equation to zero.
var ErrSingular = errors.New("la: triangular system is singular")

// ErrBadShape reports an input matrix or vector with an inconsistent or
// non-positive dimension. The routines in this package do not check shapes
// and do not return it.
var ErrBadShape = errors.New("la: invalid shape")

// ErrRankTooSmall is returned when a caller asks for a leading R block of a
// size larger than the current factorization rank.
var ErrRankTooSmall = errors.New("la: requested leading block exceeds factorization rank")
