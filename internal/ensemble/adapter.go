package ensemble

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/pkg/clock"
)

// DoneFunc receives the single result of a model run.
type DoneFunc func(models.ModelRunResult)

// Adapter executes exactly one model run and reports exactly one result.
// Start must not block.
type Adapter interface {
	Request() models.ModelRunRequest
	Start(ctx context.Context, done DoneFunc)
}

// LocalAdapter runs an in-process computation on the dispatcher's pool.
type LocalAdapter struct {
	req   models.ModelRunRequest
	fn    ComputeFunc
	pool  *Pool
	clock clock.Clock
}

// NewLocalAdapter creates an adapter for an in-process model run.
func NewLocalAdapter(req models.ModelRunRequest, fn ComputeFunc, pool *Pool, clk clock.Clock) *LocalAdapter {
	if clk == nil {
		clk = clock.New()
	}
	return &LocalAdapter{req: req, fn: fn, pool: pool, clock: clk}
}

// Request returns the run request.
func (a *LocalAdapter) Request() models.ModelRunRequest { return a.req }

// Start submits the computation to the pool.
func (a *LocalAdapter) Start(ctx context.Context, done DoneFunc) {
	startedAt := a.clock.Now()
	a.pool.Go(ctx, func(err error) {
		if err != nil {
			done(failure(a.req, startedAt, a.clock.Now(), err.Error()))
			return
		}
		done(a.run(ctx, startedAt))
	})
}

func (a *LocalAdapter) run(ctx context.Context, startedAt time.Time) (res models.ModelRunResult) {
	defer func() {
		if r := recover(); r != nil {
			res = failure(a.req, startedAt, a.clock.Now(), fmt.Sprintf("model panicked: %v", r))
		}
	}()

	payload, err := a.fn(ctx, a.req)
	if err != nil {
		return failure(a.req, startedAt, a.clock.Now(), err.Error())
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return failure(a.req, startedAt, a.clock.Now(), fmt.Sprintf("encode payload: %v", err))
	}
	return models.ModelRunResult{
		RunID:       a.req.RunID,
		ModelID:     a.req.ModelID,
		Success:     true,
		Payload:     data,
		StartedAt:   startedAt,
		CompletedAt: a.clock.Now(),
	}
}

func failure(req models.ModelRunRequest, startedAt, completedAt time.Time, reason string) models.ModelRunResult {
	return models.ModelRunResult{
		RunID:         req.RunID,
		ModelID:       req.ModelID,
		Success:       false,
		FailureReason: reason,
		StartedAt:     startedAt,
		CompletedAt:   completedAt,
	}
}
