// Package stages provides the forecast stages that follow the model ensemble.
// The numerics live in collaborators; a stage only selects its inputs from the
// accumulated job results and hands them over.
package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/tremor/tremor/internal/ensemble"
	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/internal/pipeline"
)

// Stage ids.
const (
	HazardStageID = "hazard"
	RiskStageID   = "risk"
)

// ErrNoModelResults is returned when every model of the ensemble failed.
var ErrNoModelResults = errors.New("no successful model results")

// HazardCalculator turns the successful model forecasts into a hazard estimate.
type HazardCalculator interface {
	ComputeHazard(ctx context.Context, input models.ForecastInput, results ensemble.Results) (any, error)
}

// RiskCalculator turns a hazard estimate into a risk estimate.
type RiskCalculator interface {
	ComputeRisk(ctx context.Context, input models.ForecastInput, hazard any) (any, error)
}

// HazardFunc adapts a function to HazardCalculator.
type HazardFunc func(ctx context.Context, input models.ForecastInput, results ensemble.Results) (any, error)

// ComputeHazard calls f.
func (f HazardFunc) ComputeHazard(ctx context.Context, input models.ForecastInput, results ensemble.Results) (any, error) {
	return f(ctx, input, results)
}

// RiskFunc adapts a function to RiskCalculator.
type RiskFunc func(ctx context.Context, input models.ForecastInput, hazard any) (any, error)

// ComputeRisk calls f.
func (f RiskFunc) ComputeRisk(ctx context.Context, input models.ForecastInput, hazard any) (any, error) {
	return f(ctx, input, hazard)
}

// NewHazardStage creates the hazard stage. It requires the ensemble stage to
// have run and passes only the successful model results to calc.
func NewHazardStage(calc HazardCalculator) *pipeline.FuncStage {
	return pipeline.NewFuncStage(HazardStageID, func(ctx context.Context, in pipeline.Input) (any, error) {
		res, ok := in.Result(ensemble.StageID)
		if !ok {
			return nil, fmt.Errorf("missing %s stage result", ensemble.StageID)
		}
		results, ok := res.Data.(ensemble.Results)
		if !ok {
			return nil, fmt.Errorf("unexpected %s stage data %T", ensemble.StageID, res.Data)
		}

		usable := make(ensemble.Results, len(results))
		for id, r := range results {
			if r.Success {
				usable[id] = r
			}
		}
		if len(usable) == 0 {
			return nil, ErrNoModelResults
		}
		return calc.ComputeHazard(ctx, in.Forecast, usable)
	})
}

// NewRiskStage creates the risk stage. It requires the hazard stage to have run.
func NewRiskStage(calc RiskCalculator) *pipeline.FuncStage {
	return pipeline.NewFuncStage(RiskStageID, func(ctx context.Context, in pipeline.Input) (any, error) {
		res, ok := in.Result(HazardStageID)
		if !ok {
			return nil, fmt.Errorf("missing %s stage result", HazardStageID)
		}
		return calc.ComputeRisk(ctx, in.Forecast, res.Data)
	})
}

// Build returns the stages of a forecast job: the ensemble first, followed by
// the hazard and risk stages for the calculators that are set.
func Build(ens *ensemble.Stage, hazard HazardCalculator, risk RiskCalculator) []pipeline.Stage {
	out := []pipeline.Stage{ens}
	if hazard != nil {
		out = append(out, NewHazardStage(hazard))
		if risk != nil {
			out = append(out, NewRiskStage(risk))
		}
	}
	return out
}
