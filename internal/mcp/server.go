// Package mcp provides an MCP (Model Context Protocol) server that lets an
// orchestration client drive simulation runs.
package mcp

import (
	"context"
	"fmt"
	"log/slog"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/simcore/internal/bridge"
	"github.com/nvandessel/simcore/internal/lifecycle"
	"github.com/nvandessel/simcore/internal/logging"
	"github.com/nvandessel/simcore/internal/models"
	"github.com/nvandessel/simcore/internal/ratelimit"
	"github.com/nvandessel/simcore/internal/store"
)

// Controller is the lifecycle surface exposed as tools. *lifecycle.Manager implements it.
type Controller interface {
	StartSimulation(cfg *models.SimulationConfig) error
	StopAsync()
	EnterScenarioEditor()
	ExitScenarioEditor()
	Snapshot() lifecycle.Snapshot
	Current() *models.SimulationConfig
}

// History lists persisted runs. *store.SQLiteStore implements it.
type History interface {
	ListSimulations(ctx context.Context, limit int) ([]store.SimulationRecord, error)
}

// Server wraps the MCP SDK server and provides the simcore tools.
type Server struct {
	server       *sdk.Server
	controller   Controller
	history      History
	bridges      *bridge.Registry
	scenarioDirs []string
	logger       *slog.Logger
	toolLimiters ratelimit.ToolLimiters
	auditLogger  *AuditLogger
}

// Config holds server configuration.
type Config struct {
	Name       string // Server name (e.g., "simcore")
	Version    string // Server version
	Controller Controller
	History    History          // optional
	Bridges    *bridge.Registry // nil uses bridge.Default()
	AuditDir   string           // where audit.jsonl is written; empty disables auditing
	Logger     *slog.Logger

	// ScenarioDirs confines scenario_path to these directories.
	// Empty allows any path.
	ScenarioDirs []string
}

// NewServer creates a new MCP server with the simcore tools.
func NewServer(cfg *Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, fmt.Errorf("mcp server requires a lifecycle controller")
	}

	bridges := cfg.Bridges
	if bridges == nil {
		bridges = bridge.Default()
	}

	mcpServer := sdk.NewServer(&sdk.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, nil)

	s := &Server{
		server:       mcpServer,
		controller:   cfg.Controller,
		history:      cfg.History,
		bridges:      bridges,
		scenarioDirs: cfg.ScenarioDirs,
		logger:       logging.OrDiscard(cfg.Logger),
		toolLimiters: ratelimit.NewToolLimiters(),
	}
	if cfg.AuditDir != "" {
		s.auditLogger = NewAuditLogger(cfg.AuditDir)
	}

	s.registerTools()
	s.registerResources()
	return s, nil
}

// Run serves over stdio until the client disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.RunTransport(ctx, &sdk.StdioTransport{})
}

// RunTransport serves over the given transport.
func (s *Server) RunTransport(ctx context.Context, t sdk.Transport) error {
	err := s.server.Run(ctx, t)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases the audit log.
func (s *Server) Close() error {
	return s.auditLogger.Close()
}
