package models

import (
	"maps"
	"slices"

	"github.com/nvandessel/simcore/internal/bridge"
	"github.com/nvandessel/simcore/internal/bundle"
)

// Weather holds the environmental parameters of a run. All values except
// TimeOfDay are normalized to 0.0 - 1.0.
type Weather struct {
	TimeOfDay  float64 `json:"time_of_day" yaml:"time_of_day"` // hours, 0-24
	Rain       float64 `json:"rain" yaml:"rain"`
	Fog        float64 `json:"fog" yaml:"fog"`
	Wetness    float64 `json:"wetness" yaml:"wetness"`
	Cloudiness float64 `json:"cloudiness" yaml:"cloudiness"`
	Damage     float64 `json:"damage" yaml:"damage"`
}

// Cluster lists the simulator instances taking part in a run.
type Cluster struct {
	Instances []string `json:"instances,omitempty" yaml:"instances,omitempty"`
}

// IsMultiNode reports whether the run spans more than one instance.
func (c Cluster) IsMultiNode() bool {
	return len(c.Instances) > 1
}

// Template names the test case attached to a run.
type Template struct {
	ID    string            `json:"id" yaml:"id"`
	Alias string            `json:"alias,omitempty" yaml:"alias,omitempty"`
	Env   map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Vec3 is a position or euler rotation.
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Pose is the initial placement of an agent.
type Pose struct {
	Position Vec3 `json:"position" yaml:"position"`
	Rotation Vec3 `json:"rotation" yaml:"rotation"`
}

// SensorConfig is one sensor mounted on an agent.
type SensorConfig struct {
	Name       string         `json:"name" yaml:"name"`
	Type       string         `json:"type" yaml:"type"`
	PluginID   string         `json:"plugin_id,omitempty" yaml:"plugin_id,omitempty"` // asset identity of a sensor plugin bundle
	BundlePath string         `json:"bundle_path,omitempty" yaml:"bundle_path,omitempty"`
	Params     map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// BridgeConnection is the resolved bridge an agent publishes through.
type BridgeConnection struct {
	Plugin  bridge.Plugin `json:"plugin" yaml:"plugin"`
	Address string        `json:"address" yaml:"address"`
}

// AgentConfig is one simulated vehicle.
type AgentConfig struct {
	Name       string            `json:"name" yaml:"name"`
	GUID       string            `json:"guid" yaml:"guid"`
	AssetID    string            `json:"asset_id" yaml:"asset_id"`
	BundlePath string            `json:"bundle_path,omitempty" yaml:"bundle_path,omitempty"`
	Bridge     *BridgeConnection `json:"bridge,omitempty" yaml:"bridge,omitempty"`
	Sensors    []SensorConfig    `json:"sensors,omitempty" yaml:"sensors,omitempty"`
	Pose       Pose              `json:"pose" yaml:"pose"`
}

// SimulationConfig is the snapshot of one requested run. It is built once per
// start request; only the resolved map and bundle paths are filled in later.
type SimulationConfig struct {
	ID             string        `json:"id" yaml:"id"`
	Name           string        `json:"name" yaml:"name"`
	MapID          string        `json:"map_id,omitempty" yaml:"map_id,omitempty"`
	MapName        string        `json:"map_name,omitempty" yaml:"map_name,omitempty"`
	MapPath        string        `json:"map_path,omitempty" yaml:"map_path,omitempty"`
	Weather        Weather       `json:"weather" yaml:"weather"`
	Agents         []AgentConfig `json:"agents,omitempty" yaml:"agents,omitempty"`
	UseTraffic     bool          `json:"use_traffic" yaml:"use_traffic"`
	UsePedestrians bool          `json:"use_pedestrians" yaml:"use_pedestrians"`
	Seed           *int          `json:"seed,omitempty" yaml:"seed,omitempty"`
	Cluster        Cluster       `json:"cluster" yaml:"cluster"`
	TestReportID   string        `json:"test_report_id,omitempty" yaml:"test_report_id,omitempty"`
	APIOnly        bool          `json:"api_only" yaml:"api_only"`
	Headless       bool          `json:"headless" yaml:"headless"`
	Template       *Template     `json:"template,omitempty" yaml:"template,omitempty"`
}

// AssetKey identifies a downloadable asset.
type AssetKey struct {
	Category bundle.Category `json:"category"`
	ID       string          `json:"id"`
}

// RequiredAssets returns each distinct asset the run needs: the map first,
// then vehicles, then sensor plugins, in order of first reference.
// An empty MapID means the run has no environment to load.
func (c *SimulationConfig) RequiredAssets() []AssetKey {
	seen := make(map[AssetKey]bool)
	var keys []AssetKey
	add := func(k AssetKey) {
		if k.ID == "" || seen[k] {
			return
		}
		seen[k] = true
		keys = append(keys, k)
	}

	add(AssetKey{Category: bundle.Environment, ID: c.MapID})
	for _, a := range c.Agents {
		add(AssetKey{Category: bundle.Vehicle, ID: a.AssetID})
	}
	for _, a := range c.Agents {
		for _, s := range a.Sensors {
			add(AssetKey{Category: bundle.Sensor, ID: s.PluginID})
		}
	}
	return keys
}

// HasEnvironment reports whether the run loads a map.
func (c *SimulationConfig) HasEnvironment() bool {
	return c.MapID != ""
}

// BackfillMap records the resolved map name and local bundle path.
func (c *SimulationConfig) BackfillMap(name, path string) {
	if name != "" {
		c.MapName = name
	}
	c.MapPath = path
}

// ResolveVehicle sets the local bundle path on every agent using assetID.
func (c *SimulationConfig) ResolveVehicle(assetID, path string) {
	for i := range c.Agents {
		if c.Agents[i].AssetID == assetID {
			c.Agents[i].BundlePath = path
		}
	}
}

// ResolveSensor sets the local bundle path on every sensor using pluginID.
func (c *SimulationConfig) ResolveSensor(pluginID, path string) {
	for i := range c.Agents {
		for j := range c.Agents[i].Sensors {
			if c.Agents[i].Sensors[j].PluginID == pluginID {
				c.Agents[i].Sensors[j].BundlePath = path
			}
		}
	}
}

// Clone returns a deep copy. Runs resolve paths on their clone, and observers
// of the active run get one, so nothing reachable from it is shared.
func (c *SimulationConfig) Clone() *SimulationConfig {
	out := *c
	if c.Agents != nil {
		out.Agents = make([]AgentConfig, len(c.Agents))
		for i, a := range c.Agents {
			if a.Bridge != nil {
				b := *a.Bridge
				a.Bridge = &b
			}
			if a.Sensors != nil {
				sensors := make([]SensorConfig, len(a.Sensors))
				for j, s := range a.Sensors {
					s.Params = cloneParams(s.Params)
					sensors[j] = s
				}
				a.Sensors = sensors
			}
			out.Agents[i] = a
		}
	}
	out.Cluster.Instances = slices.Clone(c.Cluster.Instances)
	if c.Seed != nil {
		seed := *c.Seed
		out.Seed = &seed
	}
	if c.Template != nil {
		t := *c.Template
		t.Env = maps.Clone(c.Template.Env)
		out.Template = &t
	}
	return &out
}

// cloneParams copies sensor parameters, including nested maps and lists
// decoded from YAML or JSON.
func cloneParams(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneParams(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
