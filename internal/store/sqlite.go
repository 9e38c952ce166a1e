package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nvandessel/simcore/internal/models"
	"github.com/nvandessel/simcore/internal/report"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists runs, analytics events and the asset index in SQLite.
// Run reports are written next to the database on SaveAnalysis.
type SQLiteStore struct {
	mu         sync.RWMutex
	db         *sql.DB
	dataDir    string
	dbPath     string
	reportsDir string
	now        func() time.Time
}

// NewSQLiteStore creates a store rooted at dataDir, creating dataDir/simcore.db.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "simcore.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite works best with single writer

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{
		db:         db,
		dataDir:    dataDir,
		dbPath:     dbPath,
		reportsDir: filepath.Join(dataDir, "reports"),
		now:        time.Now,
	}, nil
}

// SaveSimulation upserts the record for cfg with status "Starting".
func (s *SQLiteStore) SaveSimulation(ctx context.Context, cfg *models.SimulationConfig) error {
	if cfg == nil || cfg.ID == "" {
		return fmt.Errorf("simulation ID is required")
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal simulation config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC().Format(timeFormat)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO simulations (id, name, map_id, map_name, status, message, test_report_id, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'Starting', '', ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			map_id = excluded.map_id,
			map_name = excluded.map_name,
			status = excluded.status,
			message = excluded.message,
			test_report_id = excluded.test_report_id,
			config = excluded.config,
			updated_at = excluded.updated_at`,
		cfg.ID, cfg.Name, cfg.MapID, cfg.MapName, cfg.TestReportID, string(configJSON), now, now)
	if err != nil {
		return fmt.Errorf("upsert simulation %s: %w", cfg.ID, err)
	}
	return nil
}

// UpdateStatus records the latest status of a run. Unknown ids are ignored.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id, status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE simulations SET status = ?, message = ?, updated_at = ? WHERE id = ?`,
		status, message, s.now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("update status of %s: %w", id, err)
	}
	return nil
}

// GetSimulation returns the record for id, or nil if none exists.
func (s *SQLiteStore) GetSimulation(ctx context.Context, id string) (*SimulationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, map_id, map_name, status, message, test_report_id, config, created_at, updated_at
		FROM simulations WHERE id = ?`, id)
	rec, err := scanSimulation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get simulation %s: %w", id, err)
	}
	return rec, nil
}

// ListSimulations returns up to limit runs, most recently updated first.
// A non-positive limit returns all runs.
func (s *SQLiteStore) ListSimulations(ctx context.Context, limit int) ([]SimulationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, name, map_id, map_name, status, message, test_report_id, config, created_at, updated_at
		FROM simulations ORDER BY updated_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list simulations: %w", err)
	}
	defer rows.Close()

	var records []SimulationRecord
	for rows.Next() {
		rec, err := scanSimulation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan simulation: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// RecordEvent appends an analytics event for a run.
func (s *SQLiteStore) RecordEvent(ctx context.Context, simulationID, kind, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analytics_events (simulation_id, kind, message, created_at) VALUES (?, ?, ?, ?)`,
		simulationID, kind, message, s.now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("record %s event: %w", kind, err)
	}
	return nil
}

// RecordError appends an error event for a run.
func (s *SQLiteStore) RecordError(ctx context.Context, simulationID, message string) error {
	return s.RecordEvent(ctx, simulationID, EventError, message)
}

// ListEvents returns the events of a run in insertion order.
func (s *SQLiteStore) ListEvents(ctx context.Context, simulationID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, simulation_id, kind, message, created_at
		FROM analytics_events WHERE simulation_id = ? ORDER BY id`, simulationID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var message sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.SimulationID, &e.Kind, &message, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Message = message.String
		e.CreatedAt, _ = time.Parse(timeFormat, created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// SaveAnalysis writes the run's record and events as a report file under
// <data>/reports/<id>.report and returns its path.
func (s *SQLiteStore) SaveAnalysis(ctx context.Context, simulationID string) (string, error) {
	rec, err := s.GetSimulation(ctx, simulationID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("no simulation record for %s", simulationID)
	}
	events, err := s.ListEvents(ctx, simulationID)
	if err != nil {
		return "", err
	}

	r := &report.Report{
		SimulationID: rec.ID,
		Name:         rec.Name,
		Status:       rec.Status,
		Message:      rec.Message,
		TestReportID: rec.TestReportID,
		Config:       rec.Config,
		CreatedAt:    s.now().UTC(),
	}
	for _, e := range events {
		r.Events = append(r.Events, report.Event{Kind: e.Kind, Message: e.Message, At: e.CreatedAt})
	}

	path := filepath.Join(s.reportsDir, simulationID+".report")
	if err := report.Write(path, r); err != nil {
		return "", fmt.Errorf("write report for %s: %w", simulationID, err)
	}
	return path, nil
}

// RecordAsset upserts an entry in the asset cache index.
func (s *SQLiteStore) RecordAsset(ctx context.Context, a AssetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.DownloadedAt.IsZero() {
		a.DownloadedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO assets (category, id, name, path, size, sha256, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Category, a.ID, a.Name, a.Path, a.Size, a.SHA256, a.DownloadedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("record asset %s/%s: %w", a.Category, a.ID, err)
	}
	return nil
}

// LookupAsset returns the index entry for an asset, or nil if none exists.
func (s *SQLiteStore) LookupAsset(ctx context.Context, category, id string) (*AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var a AssetRecord
	var name, sum sql.NullString
	var downloaded string
	err := s.db.QueryRowContext(ctx, `
		SELECT category, id, name, path, size, sha256, downloaded_at
		FROM assets WHERE category = ? AND id = ?`, category, id).
		Scan(&a.Category, &a.ID, &name, &a.Path, &a.Size, &sum, &downloaded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup asset %s/%s: %w", category, id, err)
	}
	a.Name = name.String
	a.SHA256 = sum.String
	a.DownloadedAt, _ = time.Parse(timeFormat, downloaded)
	return &a, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSimulation(row rowScanner) (*SimulationRecord, error) {
	var rec SimulationRecord
	var mapID, mapName, message, reportID sql.NullString
	var config, created, updated string
	if err := row.Scan(&rec.ID, &rec.Name, &mapID, &mapName, &rec.Status, &message, &reportID, &config, &created, &updated); err != nil {
		return nil, err
	}
	rec.MapID = mapID.String
	rec.MapName = mapName.String
	rec.Message = message.String
	rec.TestReportID = reportID.String
	rec.Config = json.RawMessage(config)
	rec.CreatedAt, _ = time.Parse(timeFormat, created)
	rec.UpdatedAt, _ = time.Parse(timeFormat, updated)
	return &rec, nil
}
