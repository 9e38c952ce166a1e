// Package cluster coordinates the simulator instances taking part in a run.
package cluster

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/nvandessel/simcore/internal/logging"
	"github.com/nvandessel/simcore/internal/models"
)

// ErrNotInitialized is returned by HandOff when Init was not called for the run.
var ErrNotInitialized = errors.New("cluster not initialized")

// Local is the single-host cluster. Every listed instance is served by this
// process, so a handed-off run is ready as soon as it is accepted.
type Local struct {
	logger *slog.Logger
	events *logging.EventLogger

	mu        sync.Mutex
	ready     func()
	run       string
	instances []string
	stops     int
}

// NewLocal creates a Local cluster.
func NewLocal(logger *slog.Logger, events *logging.EventLogger) *Local {
	return &Local{logger: logging.OrDiscard(logger), events: events}
}

// OnReady sets the function called when a handed-off run is ready,
// typically lifecycle.Manager.APIReady.
func (l *Local) OnReady(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready = fn
}

// Init implements lifecycle.Cluster.
func (l *Local) Init(ctx context.Context, cfg *models.SimulationConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	l.run = cfg.ID
	l.instances = append([]string(nil), cfg.Cluster.Instances...)
	l.mu.Unlock()

	l.logger.Debug("cluster initialized", "simulation", cfg.ID, "instances", len(cfg.Cluster.Instances))
	l.events.Log(map[string]any{"event": "cluster_init", "simulation": cfg.ID, "instances": len(cfg.Cluster.Instances)})
	return nil
}

// HandOff implements lifecycle.Cluster.
func (l *Local) HandOff(ctx context.Context, cfg *models.SimulationConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	run, ready := l.run, l.ready
	l.mu.Unlock()
	if run != cfg.ID {
		return ErrNotInitialized
	}

	l.logger.Info("run handed to cluster", "simulation", cfg.ID, "instances", cfg.Cluster.Instances)
	if ready != nil {
		ready()
	}
	return nil
}

// BroadcastStop implements lifecycle.Cluster.
func (l *Local) BroadcastStop(context.Context) error {
	l.mu.Lock()
	l.stops++
	run := l.run
	l.mu.Unlock()
	l.logger.Debug("stop broadcast", "simulation", run)
	return nil
}

// Deinit implements lifecycle.Cluster.
func (l *Local) Deinit(context.Context) error {
	l.mu.Lock()
	run := l.run
	l.run = ""
	l.instances = nil
	l.mu.Unlock()

	l.logger.Debug("cluster deinitialized", "simulation", run)
	l.events.Log(map[string]any{"event": "cluster_deinit", "simulation": run})
	return nil
}

// Instances returns the instances of the initialized run.
func (l *Local) Instances() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.instances...)
}

// Stops returns how many stop broadcasts were sent.
func (l *Local) Stops() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stops
}
