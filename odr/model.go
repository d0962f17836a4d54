package odr

import "github.com/odrfit/odrfit/odr/internal/modeltypes"

// EvalFlag, Output, Model and StopCode are the public faces of the
// user-model callback contract; they are defined in internal/modeltypes so
// the solver-internal packages can share them without importing this
// package.
type (
	EvalFlag = modeltypes.EvalFlag
	Output   = modeltypes.Output
	Model    = modeltypes.Model
	StopCode = modeltypes.StopCode
)

const (
	EvalF    = modeltypes.EvalF
	EvalJacB = modeltypes.EvalJacB
	EvalJacD = modeltypes.EvalJacD
)

const (
	StopOK     = modeltypes.StopOK
	StopCancel = modeltypes.StopCancel
)
