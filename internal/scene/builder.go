// Package scene turns a resolved SimulationConfig into a running scene
// through a narrow Engine interface.
//
// Setup is split in two. Prepare opens and validates bundles and may run in
// the background. Build touches engine state and must run on the host loop.
package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nvandessel/simcore/internal/bundle"
	"github.com/nvandessel/simcore/internal/logging"
	"github.com/nvandessel/simcore/internal/models"
)

// Prefab is an instantiable vehicle loaded from a bundle.
type Prefab struct {
	AssetID    string
	Name       string
	Assets     []string // root assets exposed by the bundle
	PluginPath string
}

// Engine is the rendering/physics host. All methods are called from the
// host loop.
type Engine interface {
	// LoadEnvironment loads a map bundle and returns the scenes it exposes.
	LoadEnvironment(b *bundle.Bundle) ([]string, error)
	// LoadPrefab loads a vehicle bundle into an instantiable prefab.
	LoadPrefab(b *bundle.Bundle) (*Prefab, error)
	// Instantiate spawns one agent with its sensor plugin bundles.
	Instantiate(agent models.AgentConfig, prefab *Prefab, sensors []*bundle.Bundle) error
	// InitSimulator starts the simulator manager for the run.
	InitSimulator(cfg *models.SimulationConfig) error
	// UnloadAll drops every loaded bundle and spawned object.
	UnloadAll()
	// LoadHome activates the idle/loader scene.
	LoadHome() error
}

// Prepared holds the bundles opened for one run, keyed by asset identity.
type Prepared struct {
	Environment *bundle.Bundle // nil when the run has no map
	Vehicles    map[string]*bundle.Bundle
	Sensors     map[string]*bundle.Bundle
}

// Builder opens bundles once per asset identity and builds scenes from them.
type Builder struct {
	engine Engine
	opts   bundle.Options
	logger *slog.Logger

	mu      sync.Mutex
	bundles map[models.AssetKey]*bundle.Bundle
	prefabs map[string]*Prefab
	loads   int
	epoch   uint64 // bumped by Reset
}

// ErrReset is returned by Prepare when Reset ran while bundles were opening.
var ErrReset = errors.New("scene reset during prepare")

// openBundle is swapped in tests to hold an open in flight.
var openBundle = bundle.Open

// NewBuilder creates a builder for engine. opts is passed to bundle.Open.
func NewBuilder(engine Engine, opts bundle.Options, logger *slog.Logger) *Builder {
	return &Builder{
		engine:  engine,
		opts:    opts,
		logger:  logging.OrDiscard(logger),
		bundles: make(map[models.AssetKey]*bundle.Bundle),
		prefabs: make(map[string]*Prefab),
	}
}

// Engine returns the engine the builder drives.
func (b *Builder) Engine() Engine { return b.engine }

// Loads returns how many bundles have been opened since the builder was created.
func (b *Builder) Loads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loads
}

// Prepare opens the map, vehicle and sensor bundles of cfg. Bundle paths must
// already be resolved on cfg. A bundle shared by several agents is opened once.
func (b *Builder) Prepare(ctx context.Context, cfg *models.SimulationConfig) (*Prepared, error) {
	p := &Prepared{
		Vehicles: make(map[string]*bundle.Bundle),
		Sensors:  make(map[string]*bundle.Bundle),
	}

	if cfg.HasEnvironment() {
		env, err := b.open(ctx, models.AssetKey{Category: bundle.Environment, ID: cfg.MapID}, cfg.MapPath)
		if err != nil {
			return nil, fmt.Errorf("map %s: %w", cfg.MapID, err)
		}
		p.Environment = env
	}

	for _, agent := range cfg.Agents {
		veh, err := b.open(ctx, models.AssetKey{Category: bundle.Vehicle, ID: agent.AssetID}, agent.BundlePath)
		if err != nil {
			return nil, fmt.Errorf("vehicle %s (%s): %w", agent.Name, agent.AssetID, err)
		}
		p.Vehicles[agent.AssetID] = veh

		for _, s := range agent.Sensors {
			if s.PluginID == "" {
				continue
			}
			sb, err := b.open(ctx, models.AssetKey{Category: bundle.Sensor, ID: s.PluginID}, s.BundlePath)
			if err != nil {
				return nil, fmt.Errorf("sensor %s (%s): %w", s.Name, s.PluginID, err)
			}
			p.Sensors[s.PluginID] = sb
		}
	}
	return p, nil
}

// Build loads the environment, instantiates every agent and initializes the
// simulator. It must run on the host loop.
func (b *Builder) Build(cfg *models.SimulationConfig, p *Prepared) error {
	if p.Environment != nil {
		scenes, err := b.engine.LoadEnvironment(p.Environment)
		if err != nil {
			return fmt.Errorf("loading map %s: %w", cfg.MapID, err)
		}
		if err := bundle.VerifyLayout(scenes); err != nil {
			return fmt.Errorf("map %s: %w", cfg.MapID, err)
		}
	}

	for _, agent := range cfg.Agents {
		prefab, err := b.prefab(agent.AssetID, p.Vehicles[agent.AssetID])
		if err != nil {
			return fmt.Errorf("vehicle %s (%s): %w", agent.Name, agent.AssetID, err)
		}

		var sensors []*bundle.Bundle
		for _, s := range agent.Sensors {
			if sb := p.Sensors[s.PluginID]; s.PluginID != "" && sb != nil {
				sensors = append(sensors, sb)
			}
		}
		if err := b.engine.Instantiate(agent, prefab, sensors); err != nil {
			return fmt.Errorf("instantiating %s: %w", agent.Name, err)
		}
	}

	if err := b.engine.InitSimulator(cfg); err != nil {
		return fmt.Errorf("initializing simulator: %w", err)
	}
	return nil
}

// Reset unloads the scene, drops cached bundles and prefabs, and returns to
// the home scene unless skipHome is set.
func (b *Builder) Reset(skipHome bool) error {
	b.mu.Lock()
	b.epoch++
	for key, bnd := range b.bundles {
		bnd.Close()
		delete(b.bundles, key)
	}
	clear(b.prefabs)
	b.mu.Unlock()

	b.engine.UnloadAll()
	if skipHome {
		return nil
	}
	return b.engine.LoadHome()
}

func (b *Builder) open(ctx context.Context, key models.AssetKey, path string) (*bundle.Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	cached, ok := b.bundles[key]
	epoch := b.epoch
	b.mu.Unlock()
	if ok {
		b.logger.Debug("bundle cache hit", "category", key.Category, "id", key.ID)
		return cached, nil
	}
	if path == "" {
		return nil, fmt.Errorf("no local bundle for %s %s", key.Category, key.ID)
	}

	// Opening reads and decompresses the archive; Reset must not wait on it.
	opened, err := openBundle(path, key.Category, b.opts)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != epoch {
		opened.Close()
		return nil, fmt.Errorf("%s %s: %w", key.Category, key.ID, ErrReset)
	}
	if cached, ok := b.bundles[key]; ok {
		opened.Close()
		return cached, nil
	}
	b.loads++
	b.bundles[key] = opened
	b.logger.Debug("bundle loaded", "category", key.Category, "id", key.ID, "guid", opened.Manifest.AssetGUID)
	return opened, nil
}

func (b *Builder) prefab(assetID string, bnd *bundle.Bundle) (*Prefab, error) {
	b.mu.Lock()
	cached, ok := b.prefabs[assetID]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}
	if bnd == nil {
		return nil, fmt.Errorf("bundle %s was not prepared", assetID)
	}

	prefab, err := b.engine.LoadPrefab(bnd)
	if err != nil {
		return nil, err
	}
	if err := bundle.VerifyLayout(prefab.Assets); err != nil {
		return nil, err
	}
	if prefab.AssetID == "" {
		prefab.AssetID = assetID
	}

	b.mu.Lock()
	b.prefabs[assetID] = prefab
	b.mu.Unlock()
	return prefab, nil
}
