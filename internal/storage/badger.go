package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/tremor/tremor/internal/models"
)

// Compile-time check that BadgerStore implements Store.
var _ Store = (*BadgerStore)(nil)

// Prefix keys for different data types.
const (
	prefixForecasts = "forecasts/"
	prefixIndex     = "index/"
)

// BadgerStore provides persistent storage using BadgerDB.
//
// Records live under forecasts/<id>; index/<project>/<forecast time>/<id>
// orders them per project for listing.
type BadgerStore struct {
	db     *badger.DB
	mu     sync.RWMutex
	logger zerolog.Logger
	stopCh chan struct{}
}

// Options configures a BadgerStore.
type Options struct {
	// InMemory keeps the database in memory; dataDir is ignored.
	InMemory   bool
	SyncWrites bool
	GCInterval time.Duration
}

// NewStore opens a BadgerDB store in dataDir.
func NewStore(dataDir string, opts Options, logger zerolog.Logger) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(filepath.Join(dataDir, "tremor.db"))
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.Logger = nil
	bopts.SyncWrites = opts.SyncWrites
	bopts.ValueLogFileSize = 64 << 20 // 64MB

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		logger: logger.With().Str("component", "storage").Logger(),
		stopCh: make(chan struct{}),
	}

	if !opts.InMemory {
		interval := opts.GCInterval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		go s.runGC(interval)
	}

	return s, nil
}

// Close closes the database and stops background goroutines.
func (s *BadgerStore) Close() error {
	close(s.stopCh)
	return s.db.Close()
}

// runGC runs periodic value log garbage collection.
func (s *BadgerStore) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(0.5)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.logger.Debug().Err(err).Msg("Value log GC stopped")
					}
					break
				}
			}
		}
	}
}

// SaveForecast stores a completed forecast.
func (s *BadgerStore) SaveForecast(_ context.Context, rec *models.ForecastRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		key := forecastKey(rec.ID)

		_, err := txn.Get(key)
		if err == nil {
			return fmt.Errorf("%w: %s", models.ErrForecastExists, rec.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(indexKey(rec.ProjectID, rec.ForecastTime, rec.ID), []byte(rec.ID))
	})
}

// GetForecast retrieves a forecast by ID.
func (s *BadgerStore) GetForecast(_ context.Context, id string) (*models.ForecastRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec models.ForecastRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(forecastKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return models.ErrForecastNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListForecasts returns the forecasts of a project, latest first.
func (s *BadgerStore) ListForecasts(_ context.Context, projectID string, limit int) ([]*models.ForecastRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*models.ForecastRecord

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := projectPrefix(projectID)

		opts := badger.DefaultIteratorOptions
		opts.Reverse = true // Latest first
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(prefix, 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(records) >= limit {
				break
			}

			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err := txn.Get(forecastKey(string(id)))
			if errors.Is(err, badger.ErrKeyNotFound) {
				s.logger.Warn().Str("forecast_id", string(id)).Msg("Dangling forecast index entry")
				continue
			}
			if err != nil {
				return err
			}

			err = item.Value(func(val []byte) error {
				var rec models.ForecastRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				records = append(records, &rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	return records, err
}

// DeleteForecasts deletes every forecast of a project.
func (s *BadgerStore) DeleteForecasts(_ context.Context, projectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		prefix := projectPrefix(projectID)

		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			keys = append(keys, it.Item().KeyCopy(nil), forecastKey(string(id)))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		deleted = len(keys) / 2
		return nil
	})

	return deleted, err
}

func forecastKey(id string) []byte {
	return []byte(prefixForecasts + id)
}

func projectPrefix(projectID string) []byte {
	return []byte(prefixIndex + projectID + "/")
}

func indexKey(projectID string, t time.Time, id string) []byte {
	return []byte(prefixIndex + projectID + "/" + t.UTC().Format(indexTimeLayout) + "/" + id)
}
