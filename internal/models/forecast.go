// Package models defines the core data structures for Tremor.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MagnitudeRange is the closed magnitude interval a forecast covers.
type MagnitudeRange struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// SeismicEvent is one catalog entry of the observed seismicity.
type SeismicEvent struct {
	Time      time.Time `json:"time"`
	Magnitude float64   `json:"magnitude"`
	Latitude  float64   `json:"latitude,omitempty"`
	Longitude float64   `json:"longitude,omitempty"`
	Depth     float64   `json:"depth,omitempty"`
}

// InjectionSample is one sample of the hydraulic injection history.
type InjectionSample struct {
	Time     time.Time `json:"time"`
	FlowRate float64   `json:"flow_rate"`
	Pressure float64   `json:"pressure,omitempty"`
}

// ForecastInput is the snapshot of everything a model needs for one forecast.
// It is shared read-only by all models of an ensemble; use Clone before handing it
// to code that may mutate it.
type ForecastInput struct {
	ProjectID    string            `json:"project_id"`
	ForecastTime time.Time         `json:"forecast_time"`
	Horizon      time.Duration     `json:"horizon"`
	Magnitudes   MagnitudeRange    `json:"magnitudes"`
	BinSize      float64           `json:"bin_size"`
	Catalog      []SeismicEvent    `json:"catalog,omitempty"`
	Injection    []InjectionSample `json:"injection,omitempty"`
}

// Clone returns a deep copy of the input.
func (in ForecastInput) Clone() ForecastInput {
	out := in
	if in.Catalog != nil {
		out.Catalog = append([]SeismicEvent(nil), in.Catalog...)
	}
	if in.Injection != nil {
		out.Injection = append([]InjectionSample(nil), in.Injection...)
	}
	return out
}

// Validate checks the magnitude binning of the input.
func (in ForecastInput) Validate() error {
	if in.BinSize <= 0 {
		return ErrInvalidMagnitudeBin
	}
	if in.Magnitudes.Max < in.Magnitudes.Min {
		return fmt.Errorf("magnitude range [%g, %g] is empty", in.Magnitudes.Min, in.Magnitudes.Max)
	}
	return nil
}

// ModelTypeRemote selects the HTTP worker adapter. Any other type names a local
// computation registered with the ensemble registry.
const ModelTypeRemote = "remote"

// ModelConfig is the static configuration of one forecast model of the ensemble.
type ModelConfig struct {
	ID         string                 `json:"id" yaml:"id"`
	Name       string                 `json:"name,omitempty" yaml:"name"`
	Type       string                 `json:"type" yaml:"type"`
	Enabled    bool                   `json:"enabled" yaml:"enabled"`
	URL        string                 `json:"url,omitempty" yaml:"url"`
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters"`
}

// Validate validates the model configuration.
func (m *ModelConfig) Validate() error {
	if m.ID == "" {
		return ErrModelIDRequired
	}
	if m.Type == "" {
		return fmt.Errorf("model %s: %w", m.ID, ErrUnknownModel)
	}
	if m.Type == ModelTypeRemote && m.URL == "" {
		return fmt.Errorf("model %s: %w", m.ID, ErrModelURLRequired)
	}
	return nil
}

// ModelRunRequest is the immutable request for a single model run.
type ModelRunRequest struct {
	RunID      string                 `json:"run_id"`
	ModelID    string                 `json:"model_id"`
	ModelType  string                 `json:"model_type"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Input      ForecastInput          `json:"input"`
}

// ModelRunResult is the outcome of exactly one ModelRunRequest.
// FailureReason is set iff Success is false; Payload is opaque to the orchestration core.
type ModelRunResult struct {
	RunID         string          `json:"run_id"`
	ModelID       string          `json:"model_id"`
	Success       bool            `json:"success"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// Duration returns how long the run took.
func (r ModelRunResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Status returns "success" or "failed", used as a metrics/tracing label.
func (r ModelRunResult) Status() string {
	if r.Success {
		return "success"
	}
	return "failed"
}
