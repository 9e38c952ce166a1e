package models

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/nvandessel/simcore/internal/bridge"
)

// Request is the payload an orchestration layer submits to start a run.
// It is accepted as YAML or JSON.
type Request struct {
	ID           string           `json:"id,omitempty" yaml:"id,omitempty"`
	Name         string           `json:"name" yaml:"name"`
	Map          *MapRequest      `json:"map,omitempty" yaml:"map,omitempty"`
	Weather      Weather          `json:"weather" yaml:"weather"`
	Vehicles     []VehicleRequest `json:"vehicles,omitempty" yaml:"vehicles,omitempty"`
	Traffic      bool             `json:"traffic" yaml:"traffic"`
	Pedestrians  bool             `json:"pedestrians" yaml:"pedestrians"`
	Seed         *int             `json:"seed,omitempty" yaml:"seed,omitempty"`
	Cluster      Cluster          `json:"cluster" yaml:"cluster"`
	APIOnly      bool             `json:"api_only" yaml:"api_only"`
	Headless     bool             `json:"headless" yaml:"headless"`
	Template     *Template        `json:"template,omitempty" yaml:"template,omitempty"`
	TestReportID string           `json:"test_report_id,omitempty" yaml:"test_report_id,omitempty"`
}

// MapRequest references the environment asset.
type MapRequest struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// VehicleRequest references one vehicle asset and its setup.
type VehicleRequest struct {
	Name    string         `json:"name" yaml:"name"`
	AssetID string         `json:"asset_id" yaml:"asset_id"`
	Bridge  *BridgeRequest `json:"bridge,omitempty" yaml:"bridge,omitempty"`
	Sensors []SensorConfig `json:"sensors,omitempty" yaml:"sensors,omitempty"`
	Pose    Pose           `json:"pose" yaml:"pose"`
}

// BridgeRequest names a bridge type and where it connects.
type BridgeRequest struct {
	Type    string `json:"type" yaml:"type"`
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
}

// ParseRequest decodes a YAML or JSON request payload.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing simulation request: %w", err)
	}
	return &req, nil
}

// LoadRequest reads a request payload from path.
func LoadRequest(path string) (*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading simulation request: %w", err)
	}
	return ParseRequest(data)
}

// BuildConfig turns a request into an immutable SimulationConfig. Bridges are
// resolved here so an unknown bridge type fails before anything is downloaded.
func BuildConfig(req *Request, bridges *bridge.Registry) (*SimulationConfig, error) {
	if req == nil {
		return nil, fmt.Errorf("simulation request is nil")
	}

	cfg := &SimulationConfig{
		ID:             req.ID,
		Name:           req.Name,
		Weather:        req.Weather,
		UseTraffic:     req.Traffic,
		UsePedestrians: req.Pedestrians,
		Seed:           req.Seed,
		Cluster:        req.Cluster,
		APIOnly:        req.APIOnly,
		Headless:       req.Headless,
		TestReportID:   req.TestReportID,
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if req.Map != nil {
		cfg.MapID = req.Map.ID
		cfg.MapName = req.Map.Name
	}
	if req.Template != nil {
		t := *req.Template
		cfg.Template = &t
		if cfg.TestReportID == "" {
			cfg.TestReportID = uuid.NewString()
		}
	}

	for i, v := range req.Vehicles {
		if v.AssetID == "" {
			return nil, fmt.Errorf("vehicle %d (%s): asset_id is required", i, v.Name)
		}
		agent := AgentConfig{
			Name:    v.Name,
			GUID:    uuid.NewString(),
			AssetID: v.AssetID,
			Sensors: v.Sensors,
			Pose:    v.Pose,
		}
		if v.Bridge != nil && v.Bridge.Type != "" {
			plugin, err := bridges.Resolve(v.Bridge.Type)
			if err != nil {
				return nil, fmt.Errorf("vehicle %d (%s): %w", i, v.Name, err)
			}
			agent.Bridge = &BridgeConnection{Plugin: plugin, Address: v.Bridge.Address}
		}
		cfg.Agents = append(cfg.Agents, agent)
	}

	return cfg, nil
}
