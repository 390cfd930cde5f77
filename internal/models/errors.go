// Package models defines the core data structures for Tremor.
package models

import "errors"

// Common errors.
var (
	ErrInvalidRange        = errors.New("invalid time range: start must be before end")
	ErrInvalidSpeed        = errors.New("clock speed must be positive")
	ErrInvalidStep         = errors.New("clock step must be positive")
	ErrInvalidMode         = errors.New("invalid clock mode")
	ErrClockNotConfigured  = errors.New("clock is not configured")
	ErrUnknownModel        = errors.New("unknown model type")
	ErrModelIDRequired     = errors.New("model id is required")
	ErrModelURLRequired    = errors.New("remote model requires a worker URL")
	ErrProjectIDRequired   = errors.New("project id is required")
	ErrInvalidInterval     = errors.New("forecast interval must be positive")
	ErrProjectAttached     = errors.New("a project is already attached")
	ErrNoProject           = errors.New("no project attached")
	ErrEngineBusy          = errors.New("engine is busy")
	ErrForecastNotFound    = errors.New("forecast not found")
	ErrForecastExists      = errors.New("forecast already exists")
	ErrStageDeadline       = errors.New("stage deadline exceeded")
	ErrInvalidMagnitudeBin = errors.New("magnitude bin size must be positive")
	ErrTaskNameRequired    = errors.New("task name is required")
	ErrTaskFuncRequired    = errors.New("task function is required")
	ErrTaskExists          = errors.New("task already exists")
	ErrTaskNotFound        = errors.New("task not found")
	ErrTaskTimeRequired    = errors.New("one-shot task requires a run time")
	ErrDuplicateModel      = errors.New("duplicate model id")
	ErrWorkerBusy          = errors.New("worker is busy")
	ErrCircuitOpen         = errors.New("circuit breaker is open")
	ErrEngineStopped       = errors.New("engine is not running")
)
