// Package storage persists completed forecast jobs.
package storage

import (
	"context"

	"github.com/tremor/tremor/internal/models"
)

// ForecastStore provides forecast record persistence operations.
type ForecastStore interface {
	// SaveForecast stores a completed forecast. Returns ErrForecastExists if the ID exists.
	SaveForecast(ctx context.Context, rec *models.ForecastRecord) error
	// GetForecast retrieves a forecast by ID. Returns ErrForecastNotFound if not found.
	GetForecast(ctx context.Context, id string) (*models.ForecastRecord, error)
	// ListForecasts returns the forecasts of a project, latest forecast time first.
	// A limit of zero or less returns all of them.
	ListForecasts(ctx context.Context, projectID string, limit int) ([]*models.ForecastRecord, error)
	// DeleteForecasts deletes every forecast of a project and returns how many were removed.
	DeleteForecasts(ctx context.Context, projectID string) (int, error)
}

// Store is the primary interface for components that need storage access.
type Store interface {
	ForecastStore

	// Close closes the store and releases resources.
	Close() error
}

// indexTimeLayout sorts lexicographically in time order.
const indexTimeLayout = "20060102T150405.000000000"
