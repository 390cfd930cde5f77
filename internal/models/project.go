package models

import (
	"fmt"
	"time"

	"github.com/tremor/tremor/pkg/duration"
)

// Duration is an alias for the shared duration.Duration type.
type Duration = duration.Duration

// ForecastTemplate holds the per-project forecast settings copied into every
// ForecastInput snapshot.
type ForecastTemplate struct {
	Horizon    Duration       `json:"horizon" yaml:"horizon"`
	Magnitudes MagnitudeRange `json:"magnitudes" yaml:"magnitudes"`
	BinSize    float64        `json:"bin_size" yaml:"bin_size"`
}

// Project is the unit the engine attaches to: a simulated time range, the clock
// settings that drive it and the forecast ensemble to run.
type Project struct {
	ID               string           `json:"id" yaml:"id"`
	Name             string           `json:"name,omitempty" yaml:"name"`
	Start            time.Time        `json:"start" yaml:"start"`
	End              time.Time        `json:"end" yaml:"end"`
	ForecastInterval Duration         `json:"forecast_interval" yaml:"forecast_interval"`
	Template         ForecastTemplate `json:"template" yaml:"template"`
	Models           []ModelConfig    `json:"models" yaml:"models"`
}

// Validate validates the project configuration.
func (p *Project) Validate() error {
	if p.ID == "" {
		return ErrProjectIDRequired
	}
	if !p.Start.Before(p.End) {
		return ErrInvalidRange
	}
	if p.ForecastInterval.Duration() <= 0 {
		return ErrInvalidInterval
	}
	if p.Template.BinSize <= 0 {
		return ErrInvalidMagnitudeBin
	}
	for i := range p.Models {
		if err := p.Models[i].Validate(); err != nil {
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
	}
	return nil
}

// ForecastInput builds the input snapshot for a forecast at t, without observations.
func (p *Project) ForecastInput(t time.Time) ForecastInput {
	return ForecastInput{
		ProjectID:    p.ID,
		ForecastTime: t,
		Horizon:      p.Template.Horizon.Duration(),
		Magnitudes:   p.Template.Magnitudes,
		BinSize:      p.Template.BinSize,
	}
}
