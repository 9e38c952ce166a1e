// Package lifecycle drives a simulation run through its statuses:
//
//	Idle -> Loading -> Starting -> Running -> Stopping -> Idle
//
// with Error reachable from Loading, Starting and Running, always followed by
// a forced Stopping -> Idle reset.
//
// Commands only enqueue work. Status and scene state change exclusively inside
// Tick, on the goroutine that owns the host loop. Downloads, scene preparation
// and process supervision run in the background and report back through the
// action queue; completions from a run that has since been stopped are dropped.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nvandessel/simcore/internal/actionqueue"
	"github.com/nvandessel/simcore/internal/bundle"
	"github.com/nvandessel/simcore/internal/download"
	"github.com/nvandessel/simcore/internal/logging"
	"github.com/nvandessel/simcore/internal/models"
	"github.com/nvandessel/simcore/internal/process"
	"github.com/nvandessel/simcore/internal/sanitize"
	"github.com/nvandessel/simcore/internal/scene"
	"github.com/nvandessel/simcore/internal/store"
)

// Environment variables passed to test-case processes.
const (
	EnvSimulationID = "SIMULATOR_SIMULATION_ID"
	EnvTemplate     = "SIMULATOR_TEMPLATE"
	EnvTestReportID = "SIMULATOR_TEST_REPORT_ID"
)

// Snapshot is a consistent view of the manager for observers.
type Snapshot struct {
	Status       Status `json:"-"`
	Label        string `json:"status"`
	SimulationID string `json:"simulation_id,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	Editor       bool   `json:"editor"`
}

// Manager is the lifecycle state machine. One Manager exists per host.
type Manager struct {
	queue      *actionqueue.Queue
	downloads  Downloader
	scene      *scene.Builder
	notifier   Notifier
	cluster    Cluster
	recorder   Recorder
	host       Host
	supervisor Supervisor
	process    ProcessConfig
	progress   download.ProgressFunc
	logger     *slog.Logger
	events     *logging.EventLogger

	// Written on the host loop, read from anywhere.
	mu        sync.RWMutex
	status    Status
	lastError string
	current   *models.SimulationConfig
	lastID    string
	editor    bool

	// Owned by the host loop.
	gen          uint64
	runCtx       context.Context
	runCancel    context.CancelFunc
	persisted    bool
	processLive  bool
	lastNotified string

	// Download task registry: task -> asset id.
	tasksMu sync.Mutex
	tasks   map[*download.Task]string
}

// New creates a Manager in the Idle status.
func New(deps Deps) (*Manager, error) {
	if deps.Queue == nil {
		return nil, fmt.Errorf("lifecycle: action queue is required")
	}
	if deps.Downloads == nil {
		return nil, fmt.Errorf("lifecycle: downloader is required")
	}
	if deps.Scene == nil {
		return nil, fmt.Errorf("lifecycle: scene builder is required")
	}
	return &Manager{
		queue:        deps.Queue,
		downloads:    deps.Downloads,
		scene:        deps.Scene,
		notifier:     deps.Notifier,
		cluster:      deps.Cluster,
		recorder:     deps.Recorder,
		host:         deps.Host,
		supervisor:   deps.Supervisor,
		process:      deps.Process,
		progress:     deps.Progress,
		logger:       logging.OrDiscard(deps.Logger),
		events:       deps.Events,
		status:       Idle,
		lastNotified: Idle.External(),
		tasks:        make(map[*download.Task]string),
	}, nil
}

// StartSimulation requests a run of cfg. It returns ErrIllegalTransition when
// a run is already active; the request is then dropped, not queued. The status
// is checked again when the request is applied.
func (m *Manager) StartSimulation(cfg *models.SimulationConfig) error {
	if cfg == nil {
		return fmt.Errorf("simulation config is nil")
	}
	if s := m.Status(); s != Idle {
		m.logger.Warn("start request rejected", "simulation", cfg.ID, "status", s)
		return fmt.Errorf("%w: cannot start %s while %s", ErrIllegalTransition, cfg.ID, s)
	}
	m.enqueue("start", func() { m.start(cfg) })
	return nil
}

// StopAsync requests the active run to stop. Stopping twice is a no-op.
func (m *Manager) StopAsync() {
	m.enqueue("stop", m.stop)
}

// EnterScenarioEditor switches to the scenario editor. Only applies when Idle.
func (m *Manager) EnterScenarioEditor() {
	m.enqueue("enter editor", m.enterEditor)
}

// ExitScenarioEditor leaves the editor, stopping any editor run first.
func (m *Manager) ExitScenarioEditor() {
	m.enqueue("exit editor", m.exitEditor)
}

// APIReady reports that the API client or cluster has finished setting up a
// run that was left in Starting.
func (m *Manager) APIReady() {
	m.enqueue("api ready", func() {
		if s := m.Status(); s != Starting {
			m.logger.Warn("ready report ignored", "status", s)
			return
		}
		m.running()
	})
}

// Fail reports an unrecoverable error from a collaborator.
func (m *Manager) Fail(err error) {
	m.enqueue("fail", func() { m.fail(err) })
}

// Tick drains the action queue. Call it once per host loop iteration.
func (m *Manager) Tick() int {
	return m.queue.Drain()
}

// Run calls Tick every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	return actionqueue.Run(ctx, interval, func() { m.Tick() })
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// LastError returns the message of the most recent failure. It survives the
// reset to Idle and is cleared when the next run starts.
func (m *Manager) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// Current returns a copy of the active run, or nil when Idle.
func (m *Manager) Current() *models.SimulationConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	return m.current.Clone()
}

// InEditor reports whether the scenario editor is active.
func (m *Manager) InEditor() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.editor
}

// Snapshot returns the observable state in one read.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Status:       m.status,
		Label:        m.status.External(),
		SimulationID: m.lastID,
		LastError:    m.lastError,
		Editor:       m.editor,
	}
}

// TrackedDownloads returns the number of downloads registered for the active run.
func (m *Manager) TrackedDownloads() int {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	return len(m.tasks)
}

// enqueue wraps fn so a panic fails the run instead of leaving it stuck.
func (m *Manager) enqueue(name string, fn func()) {
	m.queue.Enqueue(name, func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("lifecycle action panicked", "action", name, "panic", fmt.Sprint(r))
				m.fail(fmt.Errorf("internal error in %s: %v", name, r))
			}
		}()
		fn()
	})
}

func (m *Manager) start(cfg *models.SimulationConfig) {
	if s := m.Status(); s != Idle {
		m.logger.Warn("start request rejected", "simulation", cfg.ID, "status", s)
		m.events.Log(map[string]any{"event": "start_rejected", "simulation": cfg.ID, "status": s.String()})
		return
	}

	run := cfg.Clone()
	m.gen++
	gen := m.gen
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	m.persisted = false
	m.processLive = false

	m.mu.Lock()
	m.current = run
	m.lastID = run.ID
	m.lastError = ""
	m.mu.Unlock()

	m.setStatus(Loading, "")

	keys := run.RequiredAssets()
	tasks := make([]*download.Task, len(keys))
	for i, k := range keys {
		t := m.downloads.GetAsset(m.runCtx, k.Category, k.ID, assetName(run, k), m.progress)
		m.track(t)
		tasks[i] = t
	}
	m.logger.Info("resolving assets", "simulation", run.ID, "assets", len(keys))

	go m.awaitAssets(m.runCtx, gen, run, keys, tasks)
}

// awaitAssets runs in the background until every download and the cluster
// initialization are done.
func (m *Manager) awaitAssets(ctx context.Context, gen uint64, run *models.SimulationConfig, keys []models.AssetKey, tasks []*download.Task) {
	paths := make([]string, len(tasks))
	g, gctx := errgroup.WithContext(ctx)

	if m.cluster != nil {
		g.Go(func() error {
			if err := m.cluster.Init(gctx, run); err != nil {
				return fmt.Errorf("initializing cluster: %w", err)
			}
			return nil
		})
	}
	for i, t := range tasks {
		g.Go(func() error {
			path, err := t.Wait(gctx)
			if err != nil {
				return fmt.Errorf("%s %s: %w", t.Category(), t.ID(), err)
			}
			m.untrack(t)
			paths[i] = path
			return nil
		})
	}

	err := g.Wait()
	m.enqueue("assets ready", func() { m.assetsReady(gen, run, keys, paths, err) })
}

func (m *Manager) assetsReady(gen uint64, run *models.SimulationConfig, keys []models.AssetKey, paths []string, err error) {
	if gen != m.gen {
		m.logger.Debug("dropping asset completion of a stopped run", "simulation", run.ID)
		return
	}
	if err != nil {
		m.fail(err)
		return
	}
	m.clearTasks()

	m.mu.Lock()
	for i, k := range keys {
		switch k.Category {
		case bundle.Environment:
			run.BackfillMap("", paths[i])
		case bundle.Vehicle:
			run.ResolveVehicle(k.ID, paths[i])
		case bundle.Sensor:
			run.ResolveSensor(k.ID, paths[i])
		}
	}
	m.mu.Unlock()

	if m.recorder != nil {
		if err := m.recorder.SaveSimulation(m.runCtx, run); err != nil {
			m.logger.Warn("failed to persist simulation", "simulation", run.ID, "error", err)
		} else {
			m.persisted = true
		}
	}

	m.setStatus(Starting, "")

	if run.Cluster.IsMultiNode() && m.cluster != nil {
		m.logger.Info("handing run to cluster", "simulation", run.ID, "instances", len(run.Cluster.Instances))
		if err := m.cluster.HandOff(m.runCtx, run); err != nil {
			m.fail(fmt.Errorf("handing off to cluster: %w", err))
		}
		return
	}

	if run.APIOnly {
		// The API client builds the scene and reports back through APIReady.
		if err := m.launchProcess(gen, run); err != nil {
			m.fail(err)
		}
		return
	}

	go m.prepareScene(m.runCtx, gen, run)
}

func (m *Manager) prepareScene(ctx context.Context, gen uint64, run *models.SimulationConfig) {
	p, err := m.scene.Prepare(ctx, run)
	m.enqueue("build scene", func() { m.buildScene(gen, run, p, err) })
}

func (m *Manager) buildScene(gen uint64, run *models.SimulationConfig, p *scene.Prepared, err error) {
	if gen != m.gen || m.Status() != Starting {
		m.logger.Debug("dropping scene build of a stopped run", "simulation", run.ID)
		return
	}
	if err != nil {
		m.fail(err)
		return
	}

	if p.Environment != nil {
		m.mu.Lock()
		run.BackfillMap(p.Environment.Manifest.AssetName, run.MapPath)
		m.mu.Unlock()
	}

	if err := m.scene.Build(run, p); err != nil {
		m.fail(err)
		return
	}
	if err := m.launchProcess(gen, run); err != nil {
		m.fail(err)
		return
	}
	m.running()
}

func (m *Manager) running() {
	m.setStatus(Running, "")
	if m.host != nil {
		m.host.FlashWindow()
	}
}

// launchProcess starts the test-case process for templates that need one.
func (m *Manager) launchProcess(gen uint64, run *models.SimulationConfig) error {
	t := run.Template
	if t == nil || m.supervisor == nil || slices.Contains(m.process.InternalTemplates, t.ID) {
		return nil
	}
	if m.process.Command == "" {
		return fmt.Errorf("%w: no test-case command configured for template %s", process.ErrLaunchFailed, t.ID)
	}

	env := make(map[string]string, len(t.Env)+3)
	for k, v := range t.Env {
		env[k] = v
	}
	env[EnvSimulationID] = run.ID
	env[EnvTemplate] = t.ID
	env[EnvTestReportID] = run.TestReportID

	spec := process.Spec{
		Command:     m.process.Command,
		Args:        m.process.Args,
		Env:         env,
		VolumesPath: m.process.VolumesPath,
	}

	m.supervisor.OnExit(func(c process.Completion) {
		m.enqueue("process exit", func() { m.processExited(gen, c) })
	})
	if err := m.supervisor.Launch(m.runCtx, spec); err != nil {
		m.supervisor.OnExit(nil)
		if !errors.Is(err, process.ErrLaunchFailed) {
			err = fmt.Errorf("%w: %w", process.ErrLaunchFailed, err)
		}
		return err
	}
	m.processLive = true
	m.logger.Info("test-case process launched", "simulation", run.ID, "template", t.ID)
	return nil
}

func (m *Manager) processExited(gen uint64, c process.Completion) {
	if gen != m.gen {
		return
	}
	m.processLive = false

	id := m.runID()
	m.logger.Info("test-case process exited", "simulation", id, "exit_code", c.ExitCode, "failed", c.Failed)
	if m.recorder != nil {
		msg := fmt.Sprintf("exit code %d", c.ExitCode)
		if err := m.recorder.RecordEvent(context.Background(), id, store.EventProcessExit, msg); err != nil {
			m.logger.Warn("failed to record process exit", "error", err)
		}
	}

	if c.Failed {
		msg := fmt.Sprintf("test case exited with code %d", c.ExitCode)
		if stderr := sanitize.Message(c.Stderr); stderr != "" {
			msg += ": " + stderr
		}
		m.fail(errors.New(msg))
		return
	}
	m.stop()
}

// fail moves an active run to Error and forces the reset sequence.
func (m *Manager) fail(err error) {
	s := m.Status()
	if s != Loading && s != Starting && s != Running {
		m.logger.Warn("error reported outside an active run", "status", s, "error", err)
		return
	}

	msg := err.Error()
	id := m.runID()
	m.mu.Lock()
	m.lastError = msg
	m.mu.Unlock()

	m.logger.Error("simulation failed", "simulation", id, "status", s, "error", err)
	m.setStatus(Error, msg)

	if m.recorder != nil {
		if rerr := m.recorder.RecordError(context.Background(), id, msg); rerr != nil {
			m.logger.Warn("failed to record error event", "error", rerr)
		}
	}
	m.stop()
}

// stop begins the Stopping -> Idle sequence. Collaborator shutdown happens
// in the background; the final reset is enqueued once it is done.
func (m *Manager) stop() {
	s := m.Status()
	if s == Stopping {
		m.logger.Debug("stop ignored, already stopping")
		return
	}
	if s == Idle {
		m.logger.Debug("stop ignored, nothing is running")
		return
	}

	id := m.runID()
	if m.persisted && m.recorder != nil && s != Error {
		if err := m.recorder.UpdateStatus(context.Background(), id, "Stopped", ""); err != nil {
			m.logger.Warn("failed to update simulation status", "error", err)
		}
	}

	m.setStatus(Stopping, "")
	m.gen++
	stopGen := m.gen

	if n := m.cancelTasks(); n > 0 {
		m.logger.Info("cancelled downloads", "simulation", id, "downloads", n)
	}
	if m.runCancel != nil {
		m.runCancel()
	}

	terminate := m.processLive
	if terminate {
		// Detach first so the exit caused by Terminate does not stop us again.
		m.supervisor.OnExit(nil)
		m.processLive = false
	}
	persisted := m.persisted

	go func() {
		ctx := context.Background()
		if terminate {
			if err := m.supervisor.Terminate(); err != nil {
				m.logger.Warn("failed to terminate test-case process", "error", err)
			}
		}
		if m.cluster != nil {
			if err := m.cluster.BroadcastStop(ctx); err != nil {
				m.logger.Warn("cluster stop broadcast failed", "error", err)
			}
			if err := m.cluster.Deinit(ctx); err != nil {
				m.logger.Warn("cluster deinit failed", "error", err)
			}
		}
		if persisted && m.recorder != nil {
			if path, err := m.recorder.SaveAnalysis(ctx, id); err != nil {
				m.logger.Warn("failed to save analysis", "simulation", id, "error", err)
			} else {
				m.logger.Info("analysis saved", "simulation", id, "path", path)
			}
		}
		m.enqueue("reset", func() { m.reset(stopGen) })
	}()
}

func (m *Manager) reset(stopGen uint64) {
	if stopGen != m.gen || m.Status() != Stopping {
		return
	}

	skipHome := m.InEditor() || (m.notifier != nil && !m.notifier.Online())
	if skipHome {
		m.logger.Debug("skipping home scene reload")
	}
	if err := m.scene.Reset(skipHome); err != nil {
		m.logger.Warn("scene reset failed", "error", err)
	}

	m.setStatus(Idle, "")
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	m.runCancel = nil
	m.persisted = false
}

func (m *Manager) enterEditor() {
	if m.InEditor() {
		return
	}
	if s := m.Status(); s != Idle {
		m.logger.Warn("scenario editor rejected", "status", s)
		return
	}
	m.setEditor(true)
	if err := m.scene.Reset(true); err != nil {
		m.logger.Warn("scene reset failed", "error", err)
	}
}

func (m *Manager) exitEditor() {
	if !m.InEditor() {
		return
	}
	m.setEditor(false)
	if m.Status() != Idle {
		// The reset at the end of the stop reloads the home scene.
		m.stop()
		return
	}
	if err := m.scene.Reset(false); err != nil {
		m.logger.Warn("scene reset failed", "error", err)
	}
}

func (m *Manager) setEditor(on bool) {
	m.mu.Lock()
	m.editor = on
	m.mu.Unlock()
	m.logger.Info("scenario editor", "active", on)
	m.events.Log(map[string]any{"event": "editor", "active": on})
}

// setStatus records a transition and notifies observers when the external
// label changes.
func (m *Manager) setStatus(s Status, msg string) {
	m.mu.Lock()
	prev := m.status
	m.status = s
	id := ""
	if m.current != nil {
		id = m.current.ID
	}
	m.mu.Unlock()

	m.logger.Info("status changed", "from", prev, "to", s, "simulation", id)
	m.events.Log(map[string]any{
		"event":      "status",
		"from":       prev.String(),
		"to":         s.String(),
		"simulation": id,
		"message":    msg,
	})

	if m.persisted && m.recorder != nil && (s == Running || s == Error) {
		if err := m.recorder.UpdateStatus(context.Background(), id, s.String(), msg); err != nil {
			m.logger.Warn("failed to update simulation status", "error", err)
		}
	}

	ext := s.External()
	if ext == m.lastNotified {
		return
	}
	m.lastNotified = ext
	if m.notifier != nil {
		m.notifier.Notify(ext, id, msg)
	}
}

func (m *Manager) runID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.ID
}

func (m *Manager) track(t *download.Task) {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	m.tasks[t] = t.ID()
}

func (m *Manager) untrack(t *download.Task) {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	delete(m.tasks, t)
}

func (m *Manager) clearTasks() {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	clear(m.tasks)
}

// cancelTasks stops every tracked download and clears the registry.
func (m *Manager) cancelTasks() int {
	m.tasksMu.Lock()
	ids := make(map[string]bool, len(m.tasks))
	for _, id := range m.tasks {
		ids[id] = true
	}
	clear(m.tasks)
	m.tasksMu.Unlock()

	for id := range ids {
		m.downloads.StopAssetDownload(id)
	}
	return len(ids)
}

// assetName picks a display name for a download.
func assetName(run *models.SimulationConfig, k models.AssetKey) string {
	switch k.Category {
	case bundle.Environment:
		return run.MapName
	case bundle.Vehicle:
		for _, a := range run.Agents {
			if a.AssetID == k.ID {
				return a.Name
			}
		}
	case bundle.Sensor:
		for _, a := range run.Agents {
			for _, s := range a.Sensors {
				if s.PluginID == k.ID {
					return s.Name
				}
			}
		}
	}
	return k.ID
}
