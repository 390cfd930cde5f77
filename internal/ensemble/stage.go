package ensemble

import (
	"context"

	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/internal/pipeline"
)

// StageID is the id of the ensemble stage in a forecast job.
const StageID = "ensemble"

// Stage is the first stage of a forecast job: it runs the model ensemble and
// completes with the joined Results. Individual model failures are part of the
// result set and never fail the stage; only a configuration error does.
type Stage struct {
	dispatcher *Dispatcher
	models     []models.ModelConfig
	onResult   func(models.ModelRunResult)
}

// NewStage creates the ensemble stage for cfgs. onResult may be nil.
func NewStage(d *Dispatcher, cfgs []models.ModelConfig, onResult func(models.ModelRunResult)) *Stage {
	return &Stage{
		dispatcher: d,
		models:     append([]models.ModelConfig(nil), cfgs...),
		onResult:   onResult,
	}
}

// ID returns the stage id.
func (s *Stage) ID() string { return StageID }

// Start dispatches the ensemble.
func (s *Stage) Start(ctx context.Context, in pipeline.Input, complete pipeline.CompleteFunc) {
	err := s.dispatcher.Run(ctx, in.Forecast, s.models, s.onResult, func(results Results) {
		complete(pipeline.Succeeded(results))
	})
	if err != nil {
		complete(pipeline.Failed(err))
	}
}
