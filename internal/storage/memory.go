package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tremor/tremor/internal/models"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu        sync.RWMutex
	forecasts map[string]*models.ForecastRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{forecasts: make(map[string]*models.ForecastRecord)}
}

// SaveForecast stores a completed forecast.
func (s *MemoryStore) SaveForecast(_ context.Context, rec *models.ForecastRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.forecasts[rec.ID]; exists {
		return fmt.Errorf("%w: %s", models.ErrForecastExists, rec.ID)
	}
	s.forecasts[rec.ID] = copyRecord(rec)
	return nil
}

// GetForecast retrieves a forecast by ID.
func (s *MemoryStore) GetForecast(_ context.Context, id string) (*models.ForecastRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.forecasts[id]
	if !ok {
		return nil, models.ErrForecastNotFound
	}
	return copyRecord(rec), nil
}

// ListForecasts returns the forecasts of a project, latest first.
func (s *MemoryStore) ListForecasts(_ context.Context, projectID string, limit int) ([]*models.ForecastRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*models.ForecastRecord
	for _, rec := range s.forecasts {
		if rec.ProjectID == projectID {
			records = append(records, copyRecord(rec))
		}
	}

	// Same order as the badger index: forecast time, then id.
	sort.Slice(records, func(i, j int) bool {
		ti, tj := records[i].ForecastTime, records[j].ForecastTime
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return records[i].ID > records[j].ID
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// DeleteForecasts deletes every forecast of a project.
func (s *MemoryStore) DeleteForecasts(_ context.Context, projectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, rec := range s.forecasts {
		if rec.ProjectID == projectID {
			delete(s.forecasts, id)
			deleted++
		}
	}
	return deleted, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func copyRecord(rec *models.ForecastRecord) *models.ForecastRecord {
	out := *rec
	out.Stages = append([]models.StageRecord(nil), rec.Stages...)
	return &out
}
