package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	// Registers the "sqlite3" database/sql driver.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/tremor/tremor/internal/models"
)

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS forecasts (
	id            TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL,
	forecast_time INTEGER NOT NULL,
	status        TEXT NOT NULL,
	record        BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS forecasts_project_time
	ON forecasts (project_id, forecast_time DESC, id DESC);
`

// SQLiteStore keeps forecast records in a single SQLite file. Records are
// stored as JSON next to the columns used for listing, so ad-hoc SQL over
// a project's history stays possible.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) dataDir/tremor.sqlite.
func NewSQLiteStore(dataDir string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dsn := "file:" + filepath.Join(dataDir, "tremor.sqlite") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "storage").Str("backend", "sqlite").Logger(),
	}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveForecast stores a completed forecast.
func (s *SQLiteStore) SaveForecast(ctx context.Context, rec *models.ForecastRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO forecasts (id, project_id, forecast_time, status, record) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.ProjectID, rec.ForecastTime.UnixNano(), string(rec.Status), data,
	)
	if err != nil {
		return fmt.Errorf("insert forecast: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrForecastExists, rec.ID)
	}
	return nil
}

// GetForecast retrieves a forecast by ID.
func (s *SQLiteStore) GetForecast(ctx context.Context, id string) (*models.ForecastRecord, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM forecasts WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrForecastNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec models.ForecastRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode forecast %s: %w", id, err)
	}
	return &rec, nil
}

// ListForecasts returns the forecasts of a project, latest first.
func (s *SQLiteStore) ListForecasts(ctx context.Context, projectID string, limit int) ([]*models.ForecastRecord, error) {
	if limit <= 0 {
		limit = -1 // no LIMIT in SQLite
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record FROM forecasts WHERE project_id = ? ORDER BY forecast_time DESC, id DESC LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.ForecastRecord
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var rec models.ForecastRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn().Err(err).Str("forecast_id", id).Msg("Skipping undecodable forecast")
			continue
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// DeleteForecasts deletes every forecast of a project.
func (s *SQLiteStore) DeleteForecasts(ctx context.Context, projectID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM forecasts WHERE project_id = ?`, projectID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
