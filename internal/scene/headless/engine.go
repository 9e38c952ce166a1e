// Package headless is a scene.Engine that keeps scene state in memory. It is
// used for API-only hosts and tests, where no renderer is attached.
//
// Main payloads are read as YAML descriptors:
//
//	scenes:
//	  - "BorregasAve"
//	assets:
//	  - "Jaguar2015XE"
//
// Vehicles without an assets list expose their scenes as root assets.
package headless

import (
	"fmt"
	"log/slog"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nvandessel/simcore/internal/bundle"
	"github.com/nvandessel/simcore/internal/logging"
	"github.com/nvandessel/simcore/internal/models"
	"github.com/nvandessel/simcore/internal/scene"
)

// HomeScene is the idle/loader scene name.
const HomeScene = "LoaderScene"

// Descriptor is the decoded main payload of a bundle.
type Descriptor struct {
	Scenes []string `yaml:"scenes"`
	Assets []string `yaml:"assets"`
}

// Agent is one instantiated agent.
type Agent struct {
	Name    string
	GUID    string
	AssetID string
	Sensors []string // GUIDs of the sensor plugin bundles attached
}

// Engine records what a renderer would have done.
type Engine struct {
	logger *slog.Logger

	mu          sync.Mutex
	activeScene string
	environment string
	agents      []Agent
	simulator   *models.SimulationConfig
	unloads     int
}

// New creates an engine with the home scene active.
func New(logger *slog.Logger) *Engine {
	return &Engine{
		logger:      logging.OrDiscard(logger),
		activeScene: HomeScene,
	}
}

var _ scene.Engine = (*Engine)(nil)

// ParseDescriptor decodes a main payload.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing scene descriptor: %w", err)
	}
	return &d, nil
}

// LoadEnvironment implements scene.Engine.
func (e *Engine) LoadEnvironment(b *bundle.Bundle) ([]string, error) {
	d, err := readDescriptor(b)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(d.Scenes) == 1 {
		e.environment = d.Scenes[0]
		e.activeScene = d.Scenes[0]
	}
	e.logger.Debug("environment loaded", "guid", b.Manifest.AssetGUID, "scenes", len(d.Scenes))
	return d.Scenes, nil
}

// LoadPrefab implements scene.Engine.
func (e *Engine) LoadPrefab(b *bundle.Bundle) (*scene.Prefab, error) {
	d, err := readDescriptor(b)
	if err != nil {
		return nil, err
	}
	assets := d.Assets
	if len(assets) == 0 {
		assets = d.Scenes
	}
	return &scene.Prefab{
		AssetID:    b.Manifest.AssetGUID,
		Name:       b.Manifest.AssetName,
		Assets:     assets,
		PluginPath: b.PluginPath,
	}, nil
}

// Instantiate implements scene.Engine.
func (e *Engine) Instantiate(agent models.AgentConfig, prefab *scene.Prefab, sensors []*bundle.Bundle) error {
	a := Agent{Name: agent.Name, GUID: agent.GUID, AssetID: prefab.AssetID}
	for _, s := range sensors {
		a.Sensors = append(a.Sensors, s.Manifest.AssetGUID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.agents = append(e.agents, a)
	return nil
}

// InitSimulator implements scene.Engine.
func (e *Engine) InitSimulator(cfg *models.SimulationConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.simulator = cfg
	return nil
}

// UnloadAll implements scene.Engine.
func (e *Engine) UnloadAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.environment = ""
	e.agents = nil
	e.simulator = nil
	e.activeScene = ""
	e.unloads++
}

// LoadHome implements scene.Engine.
func (e *Engine) LoadHome() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeScene = HomeScene
	return nil
}

// ActiveScene returns the scene currently shown.
func (e *Engine) ActiveScene() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeScene
}

// Environment returns the loaded map scene, or "" when none is loaded.
func (e *Engine) Environment() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.environment
}

// Agents returns the instantiated agents.
func (e *Engine) Agents() []Agent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Agent(nil), e.agents...)
}

// SimulatorRunning reports whether InitSimulator was called since the last unload.
func (e *Engine) SimulatorRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.simulator != nil
}

// Unloads returns how many times UnloadAll was called.
func (e *Engine) Unloads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unloads
}

func readDescriptor(b *bundle.Bundle) (*Descriptor, error) {
	data, err := b.ReadMain()
	if err != nil {
		return nil, err
	}
	return ParseDescriptor(data)
}
