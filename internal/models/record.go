package models

import (
	"encoding/json"
	"time"
)

// ForecastStatus is the terminal status of a forecast job.
type ForecastStatus string

const (
	ForecastSuccess ForecastStatus = "success"
	ForecastFailed  ForecastStatus = "failed"
)

// StageRecord is the persisted result of one stage of a forecast job.
type StageRecord struct {
	StageID     string          `json:"stage_id"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// ForecastRecord is the completed job as handed to the persistence collaborator.
type ForecastRecord struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	ForecastTime time.Time      `json:"forecast_time"`
	Status       ForecastStatus `json:"status"`
	Error        string         `json:"error,omitempty"`
	Stages       []StageRecord  `json:"stages"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  time.Time      `json:"completed_at"`
}

// Stage returns the record for stageID, if present.
func (r *ForecastRecord) Stage(stageID string) (StageRecord, bool) {
	for _, s := range r.Stages {
		if s.StageID == stageID {
			return s, true
		}
	}
	return StageRecord{}, false
}

// Duration returns the wall-clock duration of the job.
func (r *ForecastRecord) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}
