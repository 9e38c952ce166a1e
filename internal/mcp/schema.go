package mcp

import "time"

// StartInput defines the input for the simulation_start tool. Exactly one of
// ScenarioPath and Scenario must be set.
type StartInput struct {
	ScenarioPath string `json:"scenario_path,omitempty" jsonschema:"path to a YAML or JSON scenario file"`
	Scenario     string `json:"scenario,omitempty" jsonschema:"inline YAML or JSON scenario"`
}

// StartOutput defines the output for the simulation_start tool.
type StartOutput struct {
	SimulationID string   `json:"simulation_id" jsonschema:"id of the requested run"`
	TestReportID string   `json:"test_report_id,omitempty" jsonschema:"test report correlation id, set for templated runs"`
	Assets       []string `json:"assets,omitempty" jsonschema:"assets the run will resolve, as category/id"`
	Message      string   `json:"message"`
}

// StopInput defines the input for the simulation_stop tool.
type StopInput struct{}

// StopOutput defines the output for the simulation_stop tool.
type StopOutput struct {
	Status  string `json:"status" jsonschema:"status when the stop was requested"`
	Message string `json:"message"`
}

// StatusInput defines the input for the simulation_status tool.
type StatusInput struct{}

// StatusOutput defines the output for the simulation_status tool.
type StatusOutput struct {
	Status       string `json:"status" jsonschema:"Idle, Starting, Running, Error or Stopping"`
	SimulationID string `json:"simulation_id,omitempty" jsonschema:"active or most recent run"`
	LastError    string `json:"last_error,omitempty"`
	Editor       bool   `json:"editor" jsonschema:"whether the scenario editor is active"`
	MapName      string `json:"map_name,omitempty"`
	Agents       int    `json:"agents,omitempty"`
}

// EditorInput defines the input for the scenario_editor tool.
type EditorInput struct {
	Action string `json:"action" jsonschema:"enter or exit"`
}

// EditorOutput defines the output for the scenario_editor tool.
type EditorOutput struct {
	Message string `json:"message"`
}

// HistoryInput defines the input for the simulation_history tool.
type HistoryInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of runs to return (default 20)"`
}

// HistoryOutput defines the output for the simulation_history tool.
type HistoryOutput struct {
	Simulations []HistoryItem `json:"simulations"`
	Count       int           `json:"count"`
}

// HistoryItem is a list view of a persisted run.
type HistoryItem struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MapName   string    `json:"map_name,omitempty"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
