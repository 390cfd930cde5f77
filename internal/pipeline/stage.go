// Package pipeline runs a forecast job as an ordered sequence of asynchronous stages.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/tremor/tremor/internal/models"
)

// Input is what a stage receives when it starts: the forecast snapshot and the
// results of every stage that completed before it.
type Input struct {
	Forecast models.ForecastInput
	Results  map[string]StageResult
}

// Result returns the result recorded by an earlier stage.
func (in Input) Result(stageID string) (StageResult, bool) {
	r, ok := in.Results[stageID]
	return r, ok
}

// StageResult is the outcome of one stage. It is set exactly once.
type StageResult struct {
	StageID     string    `json:"stage_id"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Data        any       `json:"data,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Succeeded returns a successful result carrying data.
func Succeeded(data any) StageResult {
	return StageResult{Success: true, Data: data}
}

// Failed returns a failed result for err.
func Failed(err error) StageResult {
	return StageResult{Success: false, Error: err.Error()}
}

// CompleteFunc reports a stage's result. Only the first call has any effect.
type CompleteFunc func(StageResult)

// Stage is one asynchronous phase of a job. Start must not block: it begins the
// work and arranges for complete to be called once the work is done.
type Stage interface {
	ID() string
	Start(ctx context.Context, in Input, complete CompleteFunc)
}

// ComputeFunc is the synchronous body of a FuncStage.
type ComputeFunc func(ctx context.Context, in Input) (any, error)

// FuncStage runs a synchronous computation on its own goroutine.
type FuncStage struct {
	id string
	fn ComputeFunc
}

// NewFuncStage creates a stage that runs fn.
func NewFuncStage(id string, fn ComputeFunc) *FuncStage {
	return &FuncStage{id: id, fn: fn}
}

// ID returns the stage id.
func (s *FuncStage) ID() string { return s.id }

// Start runs the computation in the background.
func (s *FuncStage) Start(ctx context.Context, in Input, complete CompleteFunc) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				complete(Failed(fmt.Errorf("stage %s panicked: %v", s.id, r)))
			}
		}()
		data, err := s.fn(ctx, in)
		if err != nil {
			complete(Failed(err))
			return
		}
		complete(Succeeded(data))
	}()
}
