package lifecycle

import (
	"context"
	"log/slog"

	"github.com/nvandessel/simcore/internal/actionqueue"
	"github.com/nvandessel/simcore/internal/bundle"
	"github.com/nvandessel/simcore/internal/download"
	"github.com/nvandessel/simcore/internal/logging"
	"github.com/nvandessel/simcore/internal/models"
	"github.com/nvandessel/simcore/internal/process"
	"github.com/nvandessel/simcore/internal/scene"
)

// Notifier receives every externally visible status change.
type Notifier interface {
	Notify(status, simulationID, message string)
	// Online reports whether the connection layer is connected. When it is
	// not, the home scene is not reloaded on reset.
	Online() bool
}

// Cluster coordinates the other simulator instances of a run.
type Cluster interface {
	Init(ctx context.Context, cfg *models.SimulationConfig) error
	// HandOff passes a multi-node run to the cluster, which then reports
	// readiness through Manager.APIReady or failure through Manager.Fail.
	HandOff(ctx context.Context, cfg *models.SimulationConfig) error
	BroadcastStop(ctx context.Context) error
	Deinit(ctx context.Context) error
}

// Recorder persists runs and records analytics. *store.SQLiteStore implements it.
type Recorder interface {
	SaveSimulation(ctx context.Context, cfg *models.SimulationConfig) error
	UpdateStatus(ctx context.Context, id, status, message string) error
	RecordEvent(ctx context.Context, simulationID, kind, message string) error
	RecordError(ctx context.Context, simulationID, message string) error
	SaveAnalysis(ctx context.Context, simulationID string) (string, error)
}

// Host is the application window hosting the simulator.
type Host interface {
	FlashWindow()
}

// Supervisor runs the external test-case process. *process.Supervisor implements it.
type Supervisor interface {
	Launch(ctx context.Context, spec process.Spec) error
	OnExit(fn func(process.Completion))
	Terminate() error
}

// Downloader resolves assets locally. *download.Coordinator implements it.
type Downloader interface {
	GetAsset(ctx context.Context, category bundle.Category, id, name string, sink download.ProgressFunc) *download.Task
	StopAssetDownload(id string) int
}

// ProcessConfig describes how test-case processes are launched.
type ProcessConfig struct {
	Command           string
	Args              []string
	VolumesPath       string
	InternalTemplates []string
}

// Deps are the collaborators of a Manager. Queue, Downloads and Scene are
// required; the rest may be nil.
type Deps struct {
	Queue      *actionqueue.Queue
	Downloads  Downloader
	Scene      *scene.Builder
	Notifier   Notifier
	Cluster    Cluster
	Recorder   Recorder
	Host       Host
	Supervisor Supervisor
	Process    ProcessConfig
	Progress   download.ProgressFunc
	Logger     *slog.Logger
	Events     *logging.EventLogger
}
