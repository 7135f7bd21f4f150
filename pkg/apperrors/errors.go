package apperrors

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// Model-construction errors abort the whole generation run.
	ErrProbabilityOutOfRange = errors.New("probability outside [0,1]")
	ErrInconsistentModel     = errors.New("inconsistent constraint model")
	ErrUnsupportedPredicate  = errors.New("unsupported predicate")
	ErrPhaseViolation        = errors.New("column registry phase violation")

	// Solver outcomes. Infeasibility is a verdict, a timeout is not.
	ErrInfeasible    = errors.New("no feasible row-count assignment")
	ErrSolverTimeout = errors.New("solver stopped before reaching a verdict")

	ErrTagAlreadyPublished = errors.New("join tag already published")
	ErrPeerMissing         = errors.New("peer shard join info missing")
)
