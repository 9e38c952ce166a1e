package store

import (
	"encoding/json"
	"time"
)

// SimulationRecord is the persisted row for one run.
type SimulationRecord struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	MapID        string          `json:"map_id,omitempty"`
	MapName      string          `json:"map_name,omitempty"`
	Status       string          `json:"status"`
	Message      string          `json:"message,omitempty"`
	TestReportID string          `json:"test_report_id,omitempty"`
	Config       json.RawMessage `json:"config"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Event is one analytics event recorded against a run.
type Event struct {
	ID           int64     `json:"id"`
	SimulationID string    `json:"simulation_id"`
	Kind         string    `json:"kind"` // "error", "status", "process-exit"
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Event kinds.
const (
	EventError       = "error"
	EventStatus      = "status"
	EventProcessExit = "process-exit"
)

// AssetRecord indexes a bundle present in the local cache.
type AssetRecord struct {
	Category     string    `json:"category"`
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	SHA256       string    `json:"sha256,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at"`
}
